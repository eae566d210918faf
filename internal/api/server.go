package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.io/infrasutra/openmail/internal/inbox"
	"github.io/infrasutra/openmail/internal/pagination"
	"github.io/infrasutra/openmail/internal/sse"
	"github.io/infrasutra/openmail/internal/store"
)

type Inbox interface {
	CreateAccount(ctx context.Context, input inbox.CreateAccountInput) (inbox.AccountView, error)
	ListAccounts(ctx context.Context) ([]inbox.AccountView, error)
	GetAccount(ctx context.Context, id int64) (inbox.AccountView, error)
	ListMessages(ctx context.Context, accountID int64) ([]store.Message, error)
	ListMessagesPage(ctx context.Context, accountID int64, params pagination.Params) (inbox.MessagePage, error)
	FetchEnriched(ctx context.Context, id int64) (inbox.EnrichedMessage, error)
	SimulateReceive(ctx context.Context, input inbox.SimulateInput) (store.Message, error)
}

type Server struct {
	inbox    Inbox
	hub      *sse.Hub
	logger   *slog.Logger
	mux      *http.ServeMux
	metrics  http.Handler
	ready    func(ctx context.Context) error
	relay    *relay
	pageSize int32
}

type Option func(*Server)

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithReadiness makes /ready report the result of check.
func WithReadiness(check func(ctx context.Context) error) Option {
	return func(s *Server) { s.ready = check }
}

// WithEmailPageSize sets the page size of a paged email listing that names
// page but not limit.
func WithEmailPageSize(n int32) Option {
	return func(s *Server) { s.pageSize = n }
}

// WithSMTPRelay enables POST /api/send, which submits composed messages to
// the SMTP listener at addr. An empty username sends without AUTH.
func WithSMTPRelay(addr, username, password string) Option {
	return func(s *Server) {
		s.relay = &relay{addr: addr, username: username, password: password}
	}
}

func NewServer(inboxService Inbox, hub *sse.Hub, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	server := &Server{
		inbox:  inboxService,
		hub:    hub,
		logger: logger,
	}
	for _, opt := range opts {
		opt(server)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/accounts", server.handleListAccounts)
	mux.HandleFunc("POST /api/accounts", server.handleCreateAccount)
	mux.HandleFunc("GET /api/accounts/{id}", server.handleGetAccount)
	mux.HandleFunc("GET /api/accounts/{id}/emails", server.handleListEmails)
	mux.HandleFunc("GET /api/emails/{id}", server.handleGetEmail)
	mux.HandleFunc("POST /api/simulate/receive-email", server.handleSimulate)
	mux.HandleFunc("POST /api/send", server.handleSend)
	mux.HandleFunc("GET /api/stream", server.handleStream)
	mux.HandleFunc("GET /health", server.handleHealth)
	mux.HandleFunc("GET /ready", server.handleReady)
	mux.HandleFunc("GET /metrics", server.handleMetrics)
	server.mux = mux
	return server
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	views, err := s.inbox.ListAccounts(r.Context())
	if err != nil {
		s.respondError(w, err, "Failed to fetch email accounts")
		return
	}
	response := make([]accountJSON, 0, len(views))
	for _, view := range views {
		response = append(response, toAccountJSON(view))
	}
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var payload inbox.CreateAccountInput
	if !s.decodeJSON(w, r, &payload) {
		return
	}
	view, err := s.inbox.CreateAccount(r.Context(), payload)
	if err != nil {
		s.respondError(w, err, "Failed to create email account")
		return
	}
	s.respondJSON(w, http.StatusCreated, toAccountJSON(view))
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "Invalid account ID")
	if !ok {
		return
	}
	view, err := s.inbox.GetAccount(r.Context(), id)
	if err != nil {
		s.respondError(w, notFoundAs(err, "Account not found"), "Failed to fetch email account")
		return
	}
	s.respondJSON(w, http.StatusOK, toAccountJSON(view))
}

// handleListEmails returns every message of the account, or one page of them
// when page or limit is given. Paged responses carry X-Total-Count and
// X-Has-More.
func (s *Server) handleListEmails(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "Invalid account ID")
	if !ok {
		return
	}

	params := pagination.GetPaginationParams(r.URL.Query(), pagination.WithDefaultLimit(s.pageSize))
	var messages []store.Message
	if params.Requested {
		page, err := s.inbox.ListMessagesPage(r.Context(), id, params)
		if err != nil {
			s.respondError(w, notFoundAs(err, "Account not found"), "Failed to fetch emails")
			return
		}
		messages = page.Messages
		w.Header().Set("X-Total-Count", strconv.FormatInt(int64(page.Total), 10))
		w.Header().Set("X-Has-More", strconv.FormatBool(page.HasMore))
	} else {
		all, err := s.inbox.ListMessages(r.Context(), id)
		if err != nil {
			s.respondError(w, notFoundAs(err, "Account not found"), "Failed to fetch emails")
			return
		}
		messages = all
	}

	response := make([]messageJSON, 0, len(messages))
	for _, message := range messages {
		response = append(response, toMessageJSON(message))
	}
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetEmail(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "Invalid email ID")
	if !ok {
		return
	}
	enriched, err := s.inbox.FetchEnriched(r.Context(), id)
	if err != nil {
		s.respondError(w, notFoundAs(err, "Email not found"), "Failed to fetch email")
		return
	}
	links := enriched.MagicLinks
	if links == nil {
		links = []string{}
	}
	s.respondJSON(w, http.StatusOK, enrichedJSON{
		messageJSON: toMessageJSON(enriched.Message),
		MagicLinks:  links,
	})
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var payload inbox.SimulateInput
	if !s.decodeJSON(w, r, &payload) {
		return
	}
	message, err := s.inbox.SimulateReceive(r.Context(), payload)
	if err != nil {
		s.respondError(w, notFoundAs(err, "Account not found"), "Failed to simulate email receipt")
		return
	}
	s.respondJSON(w, http.StatusCreated, toMessageJSON(message))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	accountID, err := strconv.ParseInt(r.URL.Query().Get("accountId"), 10, 64)
	if err != nil || accountID <= 0 {
		s.respondJSON(w, http.StatusBadRequest, errorJSON{Error: "Invalid account ID"})
		return
	}
	if _, err := s.inbox.GetAccount(r.Context(), accountID); err != nil {
		s.respondError(w, notFoundAs(err, "Account not found"), "Failed to open stream")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, unsubscribe := s.hub.Subscribe(accountID)
	defer unsubscribe()

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case payload, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(payload)
			flusher.Flush()
		case <-ticker.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondText(w, http.StatusOK, "ok")
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", "error", err)
			s.respondText(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	s.respondText(w, http.StatusOK, "ready")
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		http.NotFound(w, r)
		return
	}
	s.metrics.ServeHTTP(w, r)
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request, message string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.respondJSON(w, http.StatusBadRequest, errorJSON{Error: message})
		return 0, false
	}
	return id, true
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.respondJSON(w, http.StatusBadRequest, errorJSON{Error: "Invalid JSON"})
		return false
	}
	return true
}

// notFound carries the client-facing message for a store.ErrNotFound.
type notFound struct {
	message string
	err     error
}

func (e *notFound) Error() string { return e.message }
func (e *notFound) Unwrap() error { return e.err }

func notFoundAs(err error, message string) error {
	if errors.Is(err, store.ErrNotFound) {
		return &notFound{message: message, err: err}
	}
	return err
}

func (s *Server) respondError(w http.ResponseWriter, err error, fallback string) {
	var validationErr *inbox.ValidationError
	var nf *notFound
	switch {
	case errors.As(err, &validationErr):
		s.respondJSON(w, http.StatusBadRequest, errorJSON{Error: "Validation error", Details: validationErr.Fields})
	case errors.As(err, &nf):
		s.respondJSON(w, http.StatusNotFound, errorJSON{Error: nf.message})
	case errors.Is(err, store.ErrNotFound):
		s.respondJSON(w, http.StatusNotFound, errorJSON{Error: "Not found"})
	case errors.Is(err, store.ErrDuplicateEmail):
		s.respondJSON(w, http.StatusConflict, errorJSON{Error: "Email address already exists"})
	case errors.Is(err, context.Canceled):
		return
	default:
		s.logger.Error(strings.ToLower(fallback), "error", err)
		s.respondJSON(w, http.StatusInternalServerError, errorJSON{Error: fallback})
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondText(w http.ResponseWriter, status int, payload string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(payload))
}
