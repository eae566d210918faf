// Package inbox is the query side of the mail store: account management for
// the API, message listings and the enriched single-message view.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.io/infrasutra/openmail/internal/auth"
	"github.io/infrasutra/openmail/internal/magiclink"
	"github.io/infrasutra/openmail/internal/metrics"
	"github.io/infrasutra/openmail/internal/pagination"
	"github.io/infrasutra/openmail/internal/store"
)

const DemoPassword = "password123"

var DemoUsernames = []string{"john.doe", "dev", "support"}

type Store interface {
	CreateAccount(ctx context.Context, account store.NewAccount) (store.Account, error)
	GetAccount(ctx context.Context, id int64) (store.Account, error)
	ListAccounts(ctx context.Context) ([]store.Account, error)
	GetMessage(ctx context.Context, id int64) (store.Message, error)
	ListMessages(ctx context.Context, accountID int64) ([]store.Message, error)
	ListMessagesPage(ctx context.Context, accountID int64, offset, limit int32) ([]store.Message, int32, error)
	MarkRead(ctx context.Context, id int64) (store.Message, error)
	UnreadCount(ctx context.Context, accountID int64) (int, error)
}

// Simulator stores a message without going through the mail transport.
type Simulator interface {
	Simulate(ctx context.Context, fields store.NewMessage) (store.Message, error)
}

type CreateAccountInput struct {
	Username        string `json:"username" validate:"required,min=3,username"`
	Domain          string `json:"domain" validate:"required,min=3,domain"`
	Password        string `json:"password" validate:"required,min=6"`
	ConfirmPassword string `json:"confirmPassword" validate:"eqfield=Password"`
}

type SimulateInput struct {
	AccountID   int64             `json:"accountId" validate:"required,gt=0"`
	Sender      string            `json:"sender"`
	SenderEmail string            `json:"senderEmail"`
	Recipient   string            `json:"recipient"`
	Subject     string            `json:"subject"`
	Content     string            `json:"content"`
	HTMLContent *string           `json:"htmlContent"`
	Headers     map[string]string `json:"headers"`
}

// AccountView is an account together with its number of unread messages.
type AccountView struct {
	store.Account
	UnreadCount int
}

type EnrichedMessage struct {
	store.Message
	MagicLinks []string
}

type MessagePage struct {
	Messages []store.Message
	Total    int32
	HasMore  bool
}

type Service struct {
	store     Store
	simulator Simulator
	validate  *validator.Validate
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

type Option func(*Service)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func New(s Store, simulator Simulator, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	svc := &Service{
		store:     s,
		simulator: simulator,
		validate:  newValidator(),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// CreateAccount validates input, hashes the password and stores the account.
// Input errors come back as *ValidationError, a taken address as
// store.ErrDuplicateEmail.
func (s *Service) CreateAccount(ctx context.Context, input CreateAccountInput) (AccountView, error) {
	if err := validateStruct(s.validate, input); err != nil {
		return AccountView{}, err
	}
	hash, err := auth.HashPassword(input.Password)
	if err != nil {
		return AccountView{}, err
	}
	account, err := s.store.CreateAccount(ctx, store.NewAccount{
		Username: input.Username,
		Domain:   input.Domain,
		Password: hash,
	})
	if err != nil {
		return AccountView{}, err
	}
	s.metrics.ObserveAccountCreated()
	s.logger.Info("account created", "account_id", account.ID, "email", account.Email)
	return AccountView{Account: account}, nil
}

func (s *Service) ListAccounts(ctx context.Context) ([]AccountView, error) {
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]AccountView, 0, len(accounts))
	for _, account := range accounts {
		view, err := s.view(ctx, account)
		if err != nil {
			return nil, err
		}
		views = append(views, view)
	}
	return views, nil
}

func (s *Service) GetAccount(ctx context.Context, id int64) (AccountView, error) {
	account, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return AccountView{}, err
	}
	return s.view(ctx, account)
}

func (s *Service) view(ctx context.Context, account store.Account) (AccountView, error) {
	unread, err := s.store.UnreadCount(ctx, account.ID)
	if err != nil {
		return AccountView{}, err
	}
	return AccountView{Account: account, UnreadCount: unread}, nil
}

// ListMessages returns the messages of an account, newest first.
func (s *Service) ListMessages(ctx context.Context, accountID int64) ([]store.Message, error) {
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, accountID)
}

func (s *Service) ListMessagesPage(ctx context.Context, accountID int64, params pagination.Params) (MessagePage, error) {
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		return MessagePage{}, err
	}
	messages, total, err := s.store.ListMessagesPage(ctx, accountID, params.Offset, params.Limit)
	if err != nil {
		return MessagePage{}, err
	}
	return MessagePage{
		Messages: messages,
		Total:    total,
		HasMore:  pagination.GetHasNext(params.Offset, params.Limit, total),
	}, nil
}

// FetchEnriched returns a message with its magic links and marks it read.
// Viewing changes the unread count of the account once; repeated views do
// not.
func (s *Service) FetchEnriched(ctx context.Context, id int64) (EnrichedMessage, error) {
	if _, err := s.store.GetMessage(ctx, id); err != nil {
		return EnrichedMessage{}, err
	}
	message, err := s.store.MarkRead(ctx, id)
	if err != nil {
		return EnrichedMessage{}, err
	}

	source := message.HTML()
	if source == "" {
		source = message.Content
	}
	links := magiclink.Extract(source)
	s.metrics.ObserveView(len(links))
	return EnrichedMessage{Message: message, MagicLinks: links}, nil
}

// SimulateReceive validates input and stores it as if it had been delivered.
// An unknown account yields store.ErrNotFound.
func (s *Service) SimulateReceive(ctx context.Context, input SimulateInput) (store.Message, error) {
	if err := validateStruct(s.validate, input); err != nil {
		return store.Message{}, err
	}
	if _, err := s.store.GetAccount(ctx, input.AccountID); err != nil {
		return store.Message{}, err
	}
	message, err := s.simulator.Simulate(ctx, store.NewMessage{
		AccountID:   input.AccountID,
		Sender:      input.Sender,
		SenderEmail: input.SenderEmail,
		Recipient:   input.Recipient,
		Subject:     input.Subject,
		Content:     input.Content,
		HTMLContent: input.HTMLContent,
		Headers:     input.Headers,
	})
	if errors.Is(err, store.ErrUnknownAccount) {
		return store.Message{}, store.ErrNotFound
	}
	return message, err
}

// Seed creates the demo accounts under domain. Accounts that already exist
// are left alone.
func (s *Service) Seed(ctx context.Context, domain string) error {
	for _, username := range DemoUsernames {
		_, err := s.CreateAccount(ctx, CreateAccountInput{
			Username:        username,
			Domain:          domain,
			Password:        DemoPassword,
			ConfirmPassword: DemoPassword,
		})
		if errors.Is(err, store.ErrDuplicateEmail) {
			continue
		}
		if err != nil {
			return fmt.Errorf("seed %s@%s: %w", username, domain, err)
		}
	}
	return nil
}
