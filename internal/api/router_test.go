package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Morditux/sessionpool"
	"github.com/Morditux/sessionpool/internal/logger"
	"github.com/Morditux/sessionpool/internal/metrics"
)

const cookieName = "sessionpool_id"

func newTestRouter(t *testing.T) (http.Handler, *sessionpool.Manager) {
	t.Helper()
	d, err := sessionpool.NewSQLiteDriver(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	mgr, err := sessionpool.NewManager(sessionpool.Config{
		Driver:        d,
		DisableReaper: true,
		Logger:        logger.Discard(),
		Metrics:       metrics.New(reg),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	return NewRouter(RouterConfig{Manager: mgr, SessionCookie: cookieName, Gatherer: reg}), mgr
}

func get(t *testing.T, h http.Handler, path string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	h, _ := newTestRouter(t)
	rec := get(t, h, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestQueryNowReusesSession(t *testing.T) {
	h, mgr := newTestRouter(t)

	rec := get(t, h, "/query/now")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, cookieName, cookies[0].Name)

	var first nowResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	assert.Equal(t, cookies[0].Value, first.SessionID)
	assert.NotEmpty(t, first.Now)

	rec = get(t, h, "/query/now", cookies[0])
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Result().Cookies(), "a valid cookie is not reissued")

	var second nowResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, first.AttachmentID, second.AttachmentID)
	assert.Equal(t, first.TransactionID, second.TransactionID)

	info, ok := mgr.Lookup(first.SessionID)
	require.True(t, ok)
	assert.Equal(t, 0, info.References, "handlers release their reference")
}

func TestQueryNowRejectsForgedCookie(t *testing.T) {
	h, _ := newTestRouter(t)
	rec := get(t, h, "/query/now", &http.Cookie{Name: cookieName, Value: "../../etc/passwd"})
	require.Equal(t, http.StatusOK, rec.Code)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.NotEqual(t, "../../etc/passwd", cookies[0].Value)
}

func TestStatsAndMetrics(t *testing.T) {
	h, _ := newTestRouter(t)
	require.Equal(t, http.StatusOK, get(t, h, "/query/now").Code)

	rec := get(t, h, "/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	var st sessionpool.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Len(t, st.Sessions, 1)
	assert.Equal(t, 0, st.InUse)

	rec = get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sessionpool_connects_total")
}

func TestQueryNowAfterClose(t *testing.T) {
	h, mgr := newTestRouter(t)
	require.NoError(t, mgr.Close())

	rec := get(t, h, "/query/now")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusFor(t *testing.T) {
	wrap := func(kind error) error {
		return &sessionpool.OpError{Op: "Query", SessionID: "s", Kind: kind}
	}
	tests := []struct {
		err  error
		want int
	}{
		{wrap(sessionpool.ErrLockConflict), http.StatusConflict},
		{wrap(sessionpool.ErrBusy), http.StatusServiceUnavailable},
		{wrap(sessionpool.ErrStaleHandle), http.StatusServiceUnavailable},
		{wrap(sessionpool.ErrClosed), http.StatusServiceUnavailable},
		{fmt.Errorf("query: %w", wrap(sessionpool.ErrConnection)), http.StatusServiceUnavailable},
		{wrap(sessionpool.ErrInvariantViolation), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
