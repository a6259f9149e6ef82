package server

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kilupskalvis/tripsync/internal/models"
	"github.com/kilupskalvis/tripsync/internal/remote"
	"github.com/kilupskalvis/tripsync/internal/remote/podstore"
)

// ServerConfig holds configurable limits for the server.
type ServerConfig struct {
	MaxRequestBody    int64  // bytes, for JSON endpoints
	RequestsPerMinute int    // per-token rate limit
	AdminToken        string // for admin endpoints
	Webhooks          *WebhookNotifier

	// IntervalUnit scales the interval of live subscriptions (seconds by default).
	IntervalUnit time.Duration
}

// DefaultServerConfig returns reasonable defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		MaxRequestBody:    16 * 1024 * 1024, // 16MB
		RequestsPerMinute: 300,
		IntervalUnit:      time.Second,
	}
}

// Handler creates the HTTP handler with all routes and middleware.
// The returned cleanup function stops background goroutines and should be
// called on server shutdown.
func Handler(pod podstore.PodStore, tokens TokenStore, cfg *ServerConfig, logger *slog.Logger) (http.Handler, func()) {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	if cfg.IntervalUnit <= 0 {
		cfg.IntervalUnit = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	rl := newRateLimiter(cfg.RequestsPerMinute)
	lastUsed := newLastUsedRecorder(tokens, 10*time.Second, logger)

	// Token endpoints authenticate first so the limiter can key on the token.
	device := func(h http.HandlerFunc) http.Handler {
		return authMiddleware(tokens, lastUsed)(rl.middleware(h))
	}

	res := &resolver{pod: pod, cfg: cfg, logger: logger}
	subs := &subscriptions{pod: pod, cfg: cfg, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeText(w, http.StatusOK, "ok")
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, _ *http.Request) {
		if _, err := tokens.ListTokens(); err != nil {
			writeText(w, http.StatusServiceUnavailable, "not ready: token store unavailable")
			return
		}
		writeText(w, http.StatusOK, "ok")
	})

	if cfg.AdminToken != "" {
		a := &admin{tokens: tokens, pod: pod, maxBody: cfg.MaxRequestBody, logger: logger}
		adminMux := http.NewServeMux()
		adminMux.HandleFunc("POST /admin/tokens", a.createToken)
		adminMux.HandleFunc("GET /admin/tokens", a.listTokens)
		adminMux.HandleFunc("DELETE /admin/tokens/{id}", a.deleteToken)
		adminMux.HandleFunc("PUT /admin/programs/{label}", a.putProgram)
		mux.Handle("/admin/", adminAuth(cfg.AdminToken, adminMux))
	}

	mux.Handle("POST /graphql", device(res.serveHTTP))
	mux.Handle("GET /graphql/ws", device(subs.serveHTTP))

	var h http.Handler = mux
	h = recoveryMiddleware(logger)(h)
	h = accessLogMiddleware(logger)(h)
	h = requestIDMiddleware(h)

	return h, func() {
		rl.Stop()
		subs.closeAll()
		lastUsed.stop()
	}
}

func adminAuth(adminToken string, next http.Handler) http.Handler {
	expected := []byte("Bearer " + adminToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), expected) != 1 {
			apiError(w, http.StatusUnauthorized, "auth_failed", "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// apiError writes the error body decoded by remote.RemoteError.
func apiError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, remote.ErrorResponse{Error: code, Message: message})
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	io.WriteString(w, body)
}

func readJSON(r *http.Request, maxSize int64, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxSize)).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// admin serves token and program management for the pod operator.
type admin struct {
	tokens  TokenStore
	pod     podstore.PodStore
	maxBody int64
	logger  *slog.Logger
}

// tokenView is a token as shown to the operator. The hash never leaves the pod.
type tokenView struct {
	Token       string     `json:"token,omitempty"`
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Programs    []string   `json:"programs"`
	Permission  string     `json:"permission"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
}

func viewOf(t *TokenInfo) tokenView {
	return tokenView{
		ID:          t.ID,
		Description: t.Desc,
		Programs:    t.Programs,
		Permission:  t.Permission,
		CreatedAt:   t.CreatedAt,
		LastUsedAt:  t.LastUsedAt,
	}
}

func (a *admin) createToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Description string   `json:"description"`
		Programs    []string `json:"programs"`
		Permission  string   `json:"permission"`
	}
	if err := readJSON(r, 1<<20, &req); err != nil {
		apiError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	switch req.Permission {
	case "":
		req.Permission = "ro"
	case "ro", "rw":
	default:
		apiError(w, http.StatusBadRequest, "bad_request", "permission must be 'ro' or 'rw'")
		return
	}

	raw, info, err := a.tokens.CreateToken(req.Description, req.Programs, req.Permission)
	if err != nil {
		a.logger.Error("create token", "error", err)
		apiError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	a.logger.Info("token created", "token_id", info.ID, "programs", info.Programs, "permission", info.Permission)

	v := viewOf(info)
	v.Token = raw
	writeJSON(w, http.StatusCreated, v)
}

func (a *admin) listTokens(w http.ResponseWriter, _ *http.Request) {
	list, err := a.tokens.ListTokens()
	if err != nil {
		a.logger.Error("list tokens", "error", err)
		apiError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	views := make([]tokenView, 0, len(list))
	for _, t := range list {
		views = append(views, viewOf(t))
	}
	writeJSON(w, http.StatusOK, views)
}

func (a *admin) deleteToken(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.tokens.DeleteToken(id); err != nil {
		apiError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	a.logger.Info("token deleted", "token_id", id)
	w.WriteHeader(http.StatusOK)
}

// putProgram creates the program or replaces its name and properties,
// keeping the id of an existing one.
func (a *admin) putProgram(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name       string            `json:"name"`
		Properties map[string]string `json:"properties"`
	}
	if err := readJSON(r, a.maxBody, &req); err != nil {
		apiError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	label := r.PathValue("label")
	p := &models.Program{Label: label, Name: req.Name, Properties: req.Properties}
	if existing, err := a.pod.GetProgram(r.Context(), label); err == nil {
		p.ID = existing.ID
	}
	if err := a.pod.PutProgram(r.Context(), p); err != nil {
		a.logger.Error("put program", "error", err, "program", label)
		apiError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}
