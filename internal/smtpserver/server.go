package smtpserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.io/infrasutra/openmail/internal/ingest"
)

const (
	defaultDomain          = "openmail.org"
	defaultMaxMessageBytes = 25 << 20
)

var (
	errUnknownRecipient = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 1, 1},
		Message:      "Recipient not found",
	}
	errTransient = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "Temporary failure, try again later",
	}
	errInvalidCredentials = &smtp.SMTPError{
		Code:         535,
		EnhancedCode: smtp.EnhancedCode{5, 7, 8},
		Message:      "Invalid credentials",
	}
)

// Deliverer ingests one raw message for one envelope recipient.
type Deliverer interface {
	Deliver(ctx context.Context, recipient string, raw []byte) ingest.Result
}

type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) error
}

type Config struct {
	Addr            string
	Domain          string
	MaxMessageBytes int64
	// Auth is nil when clients may send without authenticating.
	Auth Authenticator
}

type Server struct {
	smtp   *smtp.Server
	logger *slog.Logger
}

func New(deliverer Deliverer, logger *slog.Logger, cfg Config) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	backend := &backend{
		deliverer: deliverer,
		logger:    logger,
		auth:      cfg.Auth,
	}
	server := smtp.NewServer(backend)
	server.Addr = cfg.Addr
	server.Domain = cfg.Domain
	if server.Domain == "" {
		server.Domain = defaultDomain
	}
	server.AllowInsecureAuth = true
	server.EnableSMTPUTF8 = true
	server.ReadTimeout = 15 * time.Second
	server.WriteTimeout = 15 * time.Second
	server.MaxRecipients = 100
	server.MaxMessageBytes = cfg.MaxMessageBytes
	if server.MaxMessageBytes <= 0 {
		server.MaxMessageBytes = defaultMaxMessageBytes
	}

	return &Server{smtp: server, logger: logger}
}

func (s *Server) ListenAndServe() error {
	s.logger.Info("smtp server listening", "addr", s.smtp.Addr, "domain", s.smtp.Domain)
	return s.smtp.ListenAndServe()
}

// Serve accepts connections on l until the server is closed.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("smtp server listening", "addr", l.Addr().String(), "domain", s.smtp.Domain)
	return s.smtp.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.smtp.Shutdown(ctx)
}

func (s *Server) Close() error {
	return s.smtp.Close()
}

type backend struct {
	deliverer Deliverer
	logger    *slog.Logger
	auth      Authenticator
}

func (b *backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	logger := b.logger.With("session", uuid.NewString())
	if c != nil && c.Conn() != nil {
		logger = logger.With("remote", c.Conn().RemoteAddr().String())
	}
	return &session{backend: b, logger: logger}, nil
}

type session struct {
	backend       *backend
	logger        *slog.Logger
	from          string
	to            []string
	authenticated bool
}

func (s *session) authRequired() bool {
	return s.backend.auth != nil && !s.authenticated
}

func (s *session) AuthMechanisms() []string {
	if s.backend.auth != nil {
		return []string{sasl.Plain}
	}
	return nil
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	if s.backend.auth == nil {
		return nil, errors.New("authentication not enabled")
	}
	if mech != sasl.Plain {
		return nil, errors.New("unsupported authentication mechanism")
	}
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if err := s.backend.auth.Authenticate(context.Background(), username, password); err != nil {
			s.logger.Warn("smtp auth failed", "username", username, "error", err)
			return errInvalidCredentials
		}
		s.authenticated = true
		return nil
	}), nil
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	if s.authRequired() {
		return smtp.ErrAuthRequired
	}
	s.from = normalizeEmail(from)
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if s.authRequired() {
		return smtp.ErrAuthRequired
	}
	s.to = append(s.to, normalizeEmail(to))
	return nil
}

// Data hands the message to the pipeline once per envelope recipient. The
// reply is positive when at least one recipient accepted it; otherwise a
// transient failure wins over unknown recipients so the client retries.
func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	ctx := context.Background()
	var accepted, failed int
	for _, recipient := range s.to {
		result := s.backend.deliverer.Deliver(ctx, recipient, raw)
		s.logger.Debug("delivery result",
			"from", s.from,
			"recipient", recipient,
			"outcome", result.Outcome.String(),
			"message_id", result.MessageID,
		)
		switch result.Outcome {
		case ingest.Accepted:
			accepted++
		case ingest.Failed:
			failed++
		}
	}

	switch {
	case accepted > 0:
		return nil
	case failed > 0:
		return errTransient
	default:
		return errUnknownRecipient
	}
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error {
	return nil
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
