package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"sciencegate.org/internal/federation"
	"sciencegate.org/internal/obs"
	"sciencegate.org/internal/token"
)

// ReadyProbe reports readiness (ping of the backing database when present).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Config carries the collaborators the HTTP layer is wired over.
type Config struct {
	ReadyProbe ReadyProbe
	Version    string
	Codec      *token.Codec
	Store      federation.Store
	Handshake  *federation.Handshake
	Exporter   *federation.Exporter
	Importer   *federation.Importer
	Stream     *federation.Stream
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string
	codec      *token.Codec
	store      federation.Store
	handshake  *federation.Handshake
	exporter   *federation.Exporter
	importer   *federation.Importer
	stream     *federation.Stream

	rateBurst  int
	ratePerSec int
}

func New(cfg Config) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: cfg.ReadyProbe,
		version:    cfg.Version,
		codec:      cfg.Codec,
		store:      cfg.Store,
		handshake:  cfg.Handshake,
		exporter:   cfg.Exporter,
		importer:   cfg.Importer,
		stream:     cfg.Stream,
		rateBurst:  50,
		ratePerSec: 25,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// SSO handshake legs
	a.mux.HandleFunc("/sg/sso/start", a.handleSSOStart)
	a.mux.HandleFunc("/sg/sso/login", a.handleSSOLogin)
	a.mux.HandleFunc("/sg/sso/confirm", a.handleSSOConfirm)
	a.mux.HandleFunc("/api/sg/sso/callback", a.handleSSOCallback)
	a.mux.HandleFunc("/api/sg/sso/verify", a.handleSSOVerify)

	// Submission migration
	a.mux.HandleFunc("/api/sg/export", a.handleExport)
	a.mux.HandleFunc("/api/sg/import", a.handleImport)

	// Post-commit federation events (SSE)
	a.mux.HandleFunc("/api/sg/events", a.Events)

	// Submission lookup (imported submissions are queryable like any other)
	a.mux.HandleFunc("/v1/submissions/", a.handleSubmissionResource)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withSession(h)
	h = MaxBodyBytes(h, 8<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "sciencegate-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":     "sciencegate-api",
		"instance": a.codec.Instance(),
		"time":     time.Now().UTC().Format(time.RFC3339),
		"version":  a.version,
	})
}

// Events streams post-commit federation events over Server-Sent Events.
func (a *API) Events(w http.ResponseWriter, r *http.Request) {
	if a.stream == nil {
		http.Error(w, "streaming disabled", http.StatusServiceUnavailable)
		return
	}
	if sessionUserID(r.Context()) == "" {
		writeError(w, r, http.StatusForbidden, "authentication required")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.stream.Subscribe(ctx)

	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for event := range ch {
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 8<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleFederationError maps the federation sentinel errors to the HTTP
// status classes of the protocol: rejected credentials fail closed as 403,
// malformed payloads as 400 and unreachable partners as 502.
func handleFederationError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, federation.ErrAuthentication):
		writeError(w, r, http.StatusForbidden, "authentication failed")
	case errors.Is(err, federation.ErrValidation):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, federation.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, federation.ErrDependency):
		writeError(w, r, http.StatusBadGateway, "remote instance unreachable")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
