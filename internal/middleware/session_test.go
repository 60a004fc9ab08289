package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func sessionProbe() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := GetSession(r.Context())
		w.Write([]byte(s.CityID + "/" + s.Role))
	})
}

func TestRequireSession(t *testing.T) {
	token, err := SignSession(testSecret, Session{Subject: "ana", CityID: "city-zg", CityCode: "ZG", Role: RoleInbox}, time.Hour)
	require.NoError(t, err)
	expired, err := SignSession(testSecret, Session{CityID: "city-zg", Role: RoleAdmin}, -time.Minute)
	require.NoError(t, err)
	forged, err := SignSession("other-secret", Session{CityID: "city-zg", Role: RoleAdmin}, time.Hour)
	require.NoError(t, err)
	badRole, err := SignSession(testSecret, Session{CityID: "city-zg", Role: "citizen"}, time.Hour)
	require.NoError(t, err)

	h := RequireSession(testSecret, "civic_session")(sessionProbe())

	tests := []struct {
		name   string
		setup  func(r *http.Request)
		status int
		body   string
	}{
		{"cookie", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: "civic_session", Value: token}) }, http.StatusOK, "city-zg/inbox"},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }, http.StatusOK, "city-zg/inbox"},
		{"missing", func(r *http.Request) {}, http.StatusUnauthorized, ""},
		{"expired", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: "civic_session", Value: expired}) }, http.StatusUnauthorized, ""},
		{"forged", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: "civic_session", Value: forged}) }, http.StatusUnauthorized, ""},
		{"unknown role", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: "civic_session", Value: badRole}) }, http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/conversations/x", nil)
			tt.setup(req)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	token, err := SignSession(testSecret, Session{CityID: "city-zg", Role: RoleInbox}, time.Hour)
	require.NoError(t, err)

	h := RequireSession(testSecret, "civic_session")(RequireRole(RoleAdmin)(sessionProbe()))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestLoggingKeepsFlusher(t *testing.T) {
	var flushable bool
	h := Logging(nopLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, flushable = w.(http.Flusher)
		assert.NotEmpty(t, GetCorrelationID(r.Context()))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.True(t, flushable)
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-ID"))
}

func TestLoggingEchoesCorrelationID(t *testing.T) {
	h := Logging(nopLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Correlation-ID", "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "abc-123", rec.Header().Get("X-Correlation-ID"))
}
