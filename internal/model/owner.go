package model

import (
	"time"

	"github.com/google/uuid"
)

// Owner is the account responsible for one or more agents.
// Verified is the trust flag surfaced to verifiers.
type Owner struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Company   *string   `json:"company,omitempty"`
	Verified  bool      `json:"verified"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OwnerSummary is the slice of an owner exposed in a verification bundle.
type OwnerSummary struct {
	Name     string  `json:"name"`
	Company  *string `json:"company,omitempty"`
	Verified bool    `json:"verified"`
}

// Summary returns the public trust view of the owner.
func (o Owner) Summary() OwnerSummary {
	return OwnerSummary{Name: o.Name, Company: o.Company, Verified: o.Verified}
}
