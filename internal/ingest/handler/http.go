// Package handler exposes the ingestion gateway over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fleet-telemetry/backend/internal/ingest/service"
)

const (
	// PassphraseHeader carries the passphrase when the body does not.
	PassphraseHeader = "X-API-PASSPHRASE"
	// ServiceName is reported by the health endpoint.
	ServiceName = "fleet-telemetry-api"

	maxBodyBytes   = 1 << 20
	defaultSubject = "anon"
)

// Submitter is the gateway operation the ingest endpoint calls.
type Submitter interface {
	Submit(ctx context.Context, raw []byte, headerPassphrase string) (*service.Accepted, error)
}

// TokenIssuer issues subscriber access tokens for the negotiate endpoint.
type TokenIssuer interface {
	Issue(device, hub string) (token string, expiresAt time.Time, err error)
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves /api/ingest, /api/negotiate, /api/healthz and, when set, the subscriber socket at /ws.
type Handler struct {
	gateway Submitter
	tokens  TokenIssuer
	pinger  Pinger
	hubName string
	ws      http.Handler
	now     func() time.Time
}

// Config holds the optional collaborators of Handler.
type Config struct {
	Tokens  TokenIssuer
	Pinger  Pinger
	HubName string
	// WS serves subscriber websockets at /ws.
	WS http.Handler
}

// New returns a Handler for gateway.
func New(gateway Submitter, cfg Config) (*Handler, error) {
	if gateway == nil {
		return nil, errors.New("handler: gateway is required")
	}
	return &Handler{
		gateway: gateway,
		tokens:  cfg.Tokens,
		pinger:  cfg.Pinger,
		hubName: cfg.HubName,
		ws:      cfg.WS,
		now:     time.Now,
	}, nil
}

// Routes returns the HTTP mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/ingest", h.ingest)
	mux.HandleFunc("GET /api/negotiate", h.negotiate)
	mux.HandleFunc("POST /api/negotiate", h.negotiate)
	mux.HandleFunc("GET /api/healthz", h.healthz)
	if h.ws != nil {
		mux.Handle("GET /ws", h.ws)
	}
	return mux
}

type acceptedResponse struct {
	ID string `json:"id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) ingest(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: service.ErrInvalidPayload.Error() + ": body exceeds 1MB"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: service.ErrInvalidPayload.Error()})
		return
	}

	acc, err := h.gateway.Submit(r.Context(), raw, r.Header.Get(PassphraseHeader))
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, acceptedResponse{ID: acc.ID})
	case errors.Is(err, service.ErrInvalidPayload):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, service.ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: service.ErrUnauthorized.Error()})
	default:
		log.Printf("ingest: submit failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to queue event"})
	}
}

type negotiateResponse struct {
	URL       string `json:"url"`
	Token     string `json:"token,omitempty"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

// negotiate tells a dashboard where to open its subscriber socket and with which token.
func (h *Handler) negotiate(w http.ResponseWriter, r *http.Request) {
	device := strings.TrimSpace(r.URL.Query().Get("device"))
	if device == "" {
		device = defaultSubject
	}
	resp := negotiateResponse{URL: socketURL(r)}
	if h.tokens != nil {
		token, expiresAt, err := h.tokens.Issue(device, h.hubName)
		if err != nil {
			log.Printf("ingest: negotiate token for %s: %v", device, err)
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to issue token"})
			return
		}
		resp.Token = token
		resp.ExpiresAt = expiresAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

type healthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Service   string `json:"service"`
	Error     string `json:"error,omitempty"`
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "healthy",
		Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		Service:   ServiceName,
	}
	if h.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := h.pinger.Ping(ctx); err != nil {
			log.Printf("ingest: health check failed: %v", err)
			resp.Status = "unhealthy"
			resp.Error = err.Error()
			writeJSON(w, http.StatusInternalServerError, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// socketURL derives the websocket URL from the request, honouring X-Forwarded-Proto behind a proxy.
func socketURL(r *http.Request) string {
	scheme := "ws"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: r.Host, Path: "/ws"}
	return u.String()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("ingest: write response: %v", err)
	}
}
