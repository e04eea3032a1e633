package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Morditux/sessionpool"
	"github.com/Morditux/sessionpool/internal/logger"
)

// nowQuery works unchanged on PostgreSQL and SQLite.
const nowQuery = "SELECT CAST(CURRENT_TIMESTAMP AS TEXT)"

// RouterConfig wires the router to a pool.
type RouterConfig struct {
	Manager *sessionpool.Manager
	// SessionCookie names the cookie that carries the session id.
	SessionCookie string
	// Gatherer serves /metrics when set.
	Gatherer prometheus.Gatherer
}

// NewRouter creates the chi router.
//
// Routes:
//   - GET /health - Liveness probe
//   - GET /stats - Registry snapshot
//   - GET /metrics - Prometheus metrics (when a Gatherer is configured)
//   - GET /query/now - Reads the database clock through the caller's session
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	h := &handler{mgr: cfg.Manager, cookie: cfg.SessionCookie}

	r.Get("/health", h.health)
	r.Get("/stats", h.stats)
	r.Get("/query/now", h.now)

	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	return r
}

type handler struct {
	mgr    *sessionpool.Manager
	cookie string
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.mgr.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// sessionID returns the caller's session id, issuing a new one in a cookie
// when the request carries none or an invalid one.
func (h *handler) sessionID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(h.cookie); err == nil {
		if id, err := uuid.Parse(c.Value); err == nil {
			return id.String()
		}
	}
	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

type nowResponse struct {
	SessionID     string `json:"session_id"`
	AttachmentID  string `json:"attachment_id"`
	TransactionID string `json:"transaction_id"`
	Now           string `json:"now"`
}

func (h *handler) now(w http.ResponseWriter, r *http.Request) {
	id := h.sessionID(w, r)

	scope, err := h.mgr.AcquireReadTransaction(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	defer func() {
		if err := scope.Release(); err != nil {
			logger.Warn("release failed", "session_id", id, "error", err)
		}
	}()

	resp := nowResponse{
		SessionID:     id,
		AttachmentID:  scope.Attachment().ID(),
		TransactionID: scope.ID(),
	}
	if err := scope.QueryRow(r.Context(), nowQuery).Scan(&resp.Now); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, sessionpool.ErrLockConflict):
		return http.StatusConflict
	case errors.Is(err, sessionpool.ErrConnection),
		errors.Is(err, sessionpool.ErrClosed),
		errors.Is(err, sessionpool.ErrStaleHandle),
		errors.Is(err, sessionpool.ErrBusy):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("response encode failed", "error", err)
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logArgs := []any{
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
		}
		// Probes are polled constantly.
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			logger.Debug("request completed", logArgs...)
		} else {
			logger.Info("request completed", logArgs...)
		}
	})
}
