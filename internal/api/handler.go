package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"authwatch/sharing-api/internal/domain"
	"authwatch/sharing-api/internal/processor"
	"authwatch/sharing-api/internal/store"
)

// maxBodyBytes caps an inbound event body.
const maxBodyBytes = 64 << 10

// EventProcessor is the detection core as seen by the transport.
type EventProcessor interface {
	Process(ctx context.Context, ev domain.Event, executionIP string) (*domain.Result, error)
}

// KeyInspector exposes read-only per-key state.
type KeyInspector interface {
	Snapshot(key string) (store.KeyStats, bool)
}

// Handler holds the dependencies shared across all HTTP handlers.
type Handler struct {
	processor EventProcessor
	keys      KeyInspector
}

// NewHandler creates a Handler wired to the given dependencies.
func NewHandler(p EventProcessor, keys KeyInspector) *Handler {
	return &Handler{processor: p, keys: keys}
}

// ─── POST /api/auth-log, /api/v1/auth-events ──────────────────────────────────

// LogAuthEvent records one authentication event and returns any alerts it
// raised synchronously. Alert notifications are delivered in the background.
func (h *Handler) LogAuthEvent(w http.ResponseWriter, r *http.Request) {
	var ev domain.Event
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&ev); err != nil {
		badRequest(w, "INVALID_JSON", "request body must be valid JSON")
		return
	}

	executionIP := ExecutionIP(r)
	res, err := h.processor.Process(r.Context(), ev, executionIP)
	if err != nil {
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			badRequest(w, "VALIDATION_ERROR", ve.Error())
			return
		}
		internalError(w)
		return
	}

	auditLog(r, &ev, executionIP, res)
	writeJSON(w, http.StatusOK, res)
}

// auditLog writes one line per accepted event.
func auditLog(r *http.Request, ev *domain.Event, executionIP string, res *domain.Result) {
	reported, _ := ev.ExplicitIP()
	slog.InfoContext(r.Context(), "auth_attempt",
		"api_key", processor.MaskKey(ev.APIKey),
		"session_id", ev.SessionID,
		"username", ev.Username.String(),
		"user_id", ev.UserID.String(),
		"ip_address", reported,
		"execution_ip", executionIP,
		"has_location", ev.HasLocation(),
		"user_agent", r.UserAgent(),
		"alert_count", res.AlertCount,
	)
}

// ─── GET /api/v1/keys/{apiKey} ────────────────────────────────────────────────

// keyActivity is the inspection view of a key.
type keyActivity struct {
	APIKey string `json:"apiKey"`
	store.KeyStats
}

// GetKeyActivity returns what is currently tracked for a key.
func (h *Handler) GetKeyActivity(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "apiKey")
	stats, found := h.keys.Snapshot(key)
	if !found {
		notFound(w, "no activity recorded for this key")
		return
	}
	ok(w, keyActivity{APIKey: processor.MaskKey(key), KeyStats: stats})
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// ExecutionIP returns the address a request came from: the first
// X-Forwarded-For entry, else X-Real-IP, else the connection's peer.
func ExecutionIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
