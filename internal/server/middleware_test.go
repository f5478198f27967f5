package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentid-dev/agentid/internal/model"
	"github.com/agentid-dev/agentid/internal/service/identity"
	"github.com/agentid-dev/agentid/internal/testutil"
)

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("x: %w", model.ErrValidation), http.StatusBadRequest, model.ErrCodeInvalidInput},
		{identity.ErrInvalidCredentials, http.StatusUnauthorized, model.ErrCodeUnauthorized},
		{fmt.Errorf("x: %w", model.ErrAgentNotFound), http.StatusNotFound, model.ErrCodeNotFound},
		{fmt.Errorf("x: %w", model.ErrNotFound), http.StatusNotFound, model.ErrCodeNotFound},
		{fmt.Errorf("x: %w", model.ErrAgentRevoked), http.StatusConflict, model.ErrCodeAgentRevoked},
		{fmt.Errorf("x: %w", model.ErrConflict), http.StatusConflict, model.ErrCodeConflict},
		{fmt.Errorf("%w: x: %w", model.ErrStorage, errors.New("conn refused")), http.StatusServiceUnavailable, model.ErrCodeStorageUnavailable},
		{errors.New("boom"), http.StatusInternalServerError, model.ErrCodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			status, code := errorStatus(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestWriteServiceErrorHidesInternalDetail(t *testing.T) {
	h := &Handlers{logger: testutil.TestLogger()}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/agents/x", nil)

	h.writeServiceError(rec, req, fmt.Errorf("%w: dial tcp 10.0.0.5:5432", model.ErrStorage))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "10.0.0.5")
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := recoveryMiddleware(testutil.TestLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("handler bug")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), model.ErrCodeInternalError)
}

func TestRouteRecorderReportsPattern(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/agents/{agent_id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	outer := &statusWriter{ResponseWriter: httptest.NewRecorder(), statusCode: http.StatusOK}
	inner := &statusWriter{ResponseWriter: outer, statusCode: http.StatusOK}
	routeRecorder(mux).ServeHTTP(inner, httptest.NewRequest("GET", "/v1/agents/123", nil))

	assert.Equal(t, "GET /v1/agents/{agent_id}", inner.route)
	assert.Equal(t, "GET /v1/agents/{agent_id}", outer.route)
	assert.Equal(t, http.StatusNoContent, outer.statusCode)
}

func TestRequestIDRejectsOversizedHeader(t *testing.T) {
	var seen string
	handler := requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = w.Header().Get("X-Request-ID")
	}))
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", string(make([]byte, 200)))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Len(t, seen, 36)
}
