package ratelimit_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/agentid-dev/agentid/internal/ratelimit"
	"github.com/agentid-dev/agentid/internal/testutil"
)

type stubLimiter struct {
	allow bool
	err   error
	keys  []string
}

func (s *stubLimiter) Allow(_ context.Context, key string) (bool, error) {
	s.keys = append(s.keys, key)
	return s.allow, s.err
}

func (s *stubLimiter) Close() error { return nil }

var (
	rule = ratelimit.Rule{Name: "auth", Limit: 1, Window: 30 * time.Second}
	ok   = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
)

func reject(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTooManyRequests) }

func serve(h http.Handler) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/auth/token", nil)
	req.RemoteAddr = "192.0.2.7:4242"
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareRejects(t *testing.T) {
	lim := &stubLimiter{allow: false}
	h := ratelimit.Middleware(lim, rule, ratelimit.IPKeyFunc, reject, testutil.TestLogger())(ok)

	rec := serve(h)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	assert.Equal(t, []string{"192.0.2.7"}, lim.keys)
}

func TestMiddlewareFailsOpen(t *testing.T) {
	lim := &stubLimiter{err: errors.New("redis down")}
	h := ratelimit.Middleware(lim, rule, ratelimit.IPKeyFunc, reject, testutil.TestLogger())(ok)
	assert.Equal(t, http.StatusOK, serve(h).Code)
}

func TestMiddlewareSkipsEmptyKey(t *testing.T) {
	lim := &stubLimiter{allow: false}
	h := ratelimit.Middleware(lim, rule, func(*http.Request) string { return "" }, reject, testutil.TestLogger())(ok)
	assert.Equal(t, http.StatusOK, serve(h).Code)
	assert.Empty(t, lim.keys)
}

func TestMiddlewareDisabledRule(t *testing.T) {
	lim := &stubLimiter{allow: false}
	h := ratelimit.Middleware(lim, ratelimit.Rule{Name: "off"}, ratelimit.IPKeyFunc, reject, testutil.TestLogger())(ok)
	assert.Equal(t, http.StatusOK, serve(h).Code)
	assert.Empty(t, lim.keys)
}
