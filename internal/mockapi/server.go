// Package mockapi implements a stand-in for the paginated upstream API:
// token-authenticated, offset-paginated, with configurable fault injection.
// It backs integration tests and local development of the feed pipeline.
package mockapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const noTokenReason = "Could not authorize your access (B: No token found)"

// Options configures the fake API.
type Options struct {
	// ClientID and ClientSecret are the credentials the token endpoint
	// accepts.
	ClientID     string
	ClientSecret string

	// TokenTTL bounds issued tokens. Zero means one hour.
	TokenTTL time.Duration

	// MaxLimit caps the _limit query parameter. Zero means 50.
	MaxLimit int

	// FailuresAt maps a page offset to how many consecutive 500 responses
	// that page serves before succeeding.
	FailuresAt map[int]int
}

// Server is the fake API. It serves a fixed collection of JSON items.
type Server struct {
	router chi.Router
	logger *zap.Logger
	opts   Options

	mu       sync.Mutex
	items    []json.RawMessage
	tokens   map[string]time.Time
	failures map[int]int
	requests int
}

// NewServer builds a Server over the given collection.
func NewServer(items []json.RawMessage, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.TokenTTL == 0 {
		opts.TokenTTL = time.Hour
	}
	if opts.MaxLimit == 0 {
		opts.MaxLimit = 50
	}

	s := &Server{
		logger:   logger,
		opts:     opts,
		items:    items,
		tokens:   map[string]time.Time{},
		failures: map[int]int{},
	}
	for offset, n := range opts.FailuresAt {
		s.failures[offset] = n
	}

	r := chi.NewRouter()
	r.Use(requestLogger(logger))
	r.Post("/oauth/token", s.issueToken)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/v2/items", s.listItems)
	s.router = r
	return s
}

// Handler returns the router for use with http.Server or httptest.
func (s *Server) Handler() http.Handler { return s.router }

// Requests reports how many collection requests have been served, including
// injected failures.
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// ExpireTokens invalidates every issued token, forcing clients through a
// refresh on their next request.
func (s *Server) ExpireTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for token := range s.tokens {
		s.tokens[token] = time.Time{}
	}
}

func (s *Server) issueToken(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user != s.opts.ClientID || pass != s.opts.ClientSecret {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "invalid_client"})
		return
	}
	if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "client_credentials" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "entropy"})
		return
	}
	token := hex.EncodeToString(buf)

	s.mu.Lock()
	s.tokens[token] = time.Now().Add(s.opts.TokenTTL)
	s.mu.Unlock()

	s.logger.Debug("token issued", zap.String("scope", r.PostForm.Get("scope")))
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "Bearer",
		"scope":        r.PostForm.Get("scope"),
		"expires_in":   s.opts.TokenTTL.Milliseconds(),
	})
}

func (s *Server) listItems(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		w.Header().Set("x-status-reason", noTokenReason)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	limit := queryInt(r, "_limit", 10)
	offset := queryInt(r, "_offset", 0)
	if limit < 1 || limit > s.opts.MaxLimit {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("_limit must be between 1 and %d", s.opts.MaxLimit),
		})
		return
	}
	if offset < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "_offset must be >= 0"})
		return
	}

	s.mu.Lock()
	s.requests++
	if remaining := s.failures[offset]; remaining > 0 {
		s.failures[offset] = remaining - 1
		s.mu.Unlock()
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "injected failure"})
		return
	}
	total := len(s.items)
	start := offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	page := append([]json.RawMessage(nil), s.items[start:end]...)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"meta": map[string]int{
			"total":  total,
			"limit":  limit,
			"offset": offset,
		},
		"response": page,
	})
}

func (s *Server) authorized(r *http.Request) bool {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	token := header[len(prefix):]

	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.tokens[token]
	return ok && time.Now().Before(expiry)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Collection generates n sequential items for seeding a Server.
func Collection(n int) []json.RawMessage {
	items := make([]json.RawMessage, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, json.RawMessage(fmt.Sprintf(`{"id":%d,"name":"item-%d"}`, i, i)))
	}
	return items
}
