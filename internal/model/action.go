package model

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ActionStatus is the outcome recorded with an action. It is a closed set:
// every switch over it must handle all three cases.
type ActionStatus string

const (
	ActionSuccess ActionStatus = "success"
	ActionFailure ActionStatus = "failure"
	ActionPending ActionStatus = "pending"
)

// Valid reports whether s is one of the three known outcomes.
func (s ActionStatus) Valid() bool {
	switch s {
	case ActionSuccess, ActionFailure, ActionPending:
		return true
	default:
		return false
	}
}

// Action is one immutable ledger entry. Once appended it is never mutated or deleted.
type Action struct {
	ID         uuid.UUID      `json:"id"`
	AgentID    uuid.UUID      `json:"agent_id"`
	ActionType string         `json:"action_type"`
	Metadata   map[string]any `json:"metadata"`
	Status     ActionStatus   `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Ledger paging limits.
const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

// Page selects a window of an agent's ledger. Cursor is opaque and comes from a
// previous ActionPage.NextCursor; empty means "from the beginning".
type Page struct {
	Cursor string
	Limit  int
}

// EffectiveLimit clamps Limit into [1, MaxPageLimit], defaulting when unset.
func (p Page) EffectiveLimit() int {
	switch {
	case p.Limit <= 0:
		return DefaultPageLimit
	case p.Limit > MaxPageLimit:
		return MaxPageLimit
	default:
		return p.Limit
	}
}

// ActionPage is one page of ledger entries ordered by (created_at, id) ascending.
// NextCursor is empty when there are no further entries.
type ActionPage struct {
	Actions    []Action `json:"actions"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

// Cursor is the decoded position after which a page starts.
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// EncodeCursor returns the opaque cursor pointing just past a.
func EncodeCursor(a Action) string {
	raw := strconv.FormatInt(a.CreatedAt.UnixMicro(), 10) + "|" + a.ID.String()
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a cursor produced by EncodeCursor. An empty string
// decodes to the zero Cursor (start of ledger).
func DecodeCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: malformed cursor", ErrValidation)
	}
	micros, idStr, ok := strings.Cut(string(raw), "|")
	if !ok {
		return Cursor{}, fmt.Errorf("%w: malformed cursor", ErrValidation)
	}
	us, err := strconv.ParseInt(micros, 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: malformed cursor timestamp", ErrValidation)
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: malformed cursor id", ErrValidation)
	}
	return Cursor{CreatedAt: time.UnixMicro(us).UTC(), ID: id}, nil
}

// IsZero reports whether c is the start-of-ledger cursor.
func (c Cursor) IsZero() bool {
	return c.CreatedAt.IsZero() && c.ID == uuid.Nil
}

// After reports whether a sorts strictly after the cursor position.
func (c Cursor) After(a Action) bool {
	if c.IsZero() {
		return true
	}
	if !a.CreatedAt.Equal(c.CreatedAt) {
		return a.CreatedAt.After(c.CreatedAt)
	}
	return strings.Compare(a.ID.String(), c.ID.String()) > 0
}

// LedgerTime normalizes a timestamp to the microsecond precision every
// backend persists, so ordering and cursors agree across stores.
func LedgerTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// idempotencyNamespace scopes action ids derived from client idempotency keys.
var idempotencyNamespace = uuid.MustParse("8f3c2a1e-6b4d-5e7f-9a0b-1c2d3e4f5a6b")

// IdempotentActionID derives a stable action id from an agent and a client
// supplied Idempotency-Key, so a retried request maps onto the same ledger row.
func IdempotentActionID(agentID uuid.UUID, key string) uuid.UUID {
	return uuid.NewSHA1(idempotencyNamespace, []byte(agentID.String()+"|"+key))
}
