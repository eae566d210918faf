// Package ingest turns raw messages handed over by the mail transport into
// stored messages of the addressed account.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.io/infrasutra/openmail/internal/mailparse"
	"github.io/infrasutra/openmail/internal/metrics"
	"github.io/infrasutra/openmail/internal/store"
)

const (
	DefaultSubject = "(No Subject)"

	ReasonUnknownRecipient = "unknown recipient"
	ReasonInternal         = "internal error"
)

var ErrUnknownRecipient = errors.New(ReasonUnknownRecipient)

type Outcome int

const (
	Accepted Outcome = iota
	Rejected
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the verdict for one recipient. MessageID is set only when the
// message was accepted.
type Result struct {
	Outcome   Outcome
	MessageID int64
	Reason    string
}

type Store interface {
	GetAccountByEmail(ctx context.Context, email string) (store.Account, error)
	CreateMessage(ctx context.Context, message store.NewMessage) (store.Message, error)
}

type Notifier interface {
	MessageStored(message store.Message)
}

type Pipeline struct {
	store    Store
	logger   *slog.Logger
	notifier Notifier
	metrics  *metrics.Metrics
	now      func() time.Time
}

type Option func(*Pipeline)

func WithNotifier(n Notifier) Option {
	return func(p *Pipeline) { p.notifier = n }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

func New(s Store, logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{store: s, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Deliver ingests raw for the envelope recipient. It never panics; faults in
// parsing or storage come back as a Failed result.
func (p *Pipeline) Deliver(ctx context.Context, recipient string, raw []byte) (result Result) {
	started := p.now()
	logger := p.logger.With("recipient", recipient)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("deliver message", "error", fmt.Sprintf("panic: %v", r))
			result = Result{Outcome: Failed, Reason: ReasonInternal}
		}
		p.metrics.ObserveDelivery(result.Outcome.String(), p.now().Sub(started))
	}()

	account, err := p.store.GetAccountByEmail(ctx, recipient)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Info("reject message", "error", ErrUnknownRecipient)
			return Result{Outcome: Rejected, Reason: ReasonUnknownRecipient}
		}
		logger.Error("lookup recipient", "error", err)
		return Result{Outcome: Failed, Reason: ReasonInternal}
	}

	parsed, err := mailparse.Parse(raw)
	if err != nil {
		logger.Warn("parse message", "error", err)
		p.metrics.ObserveParseDegraded()
	}

	fields := store.NewMessage{
		AccountID:   account.ID,
		Sender:      parsed.FromName,
		SenderEmail: parsed.FromAddress,
		Recipient:   recipient,
		Subject:     parsed.Subject,
		Content:     parsed.Body.Text,
		Headers:     parsed.Headers,
	}
	if fields.Sender == "" {
		fields.Sender = parsed.FromAddress
	}
	if parsed.Body.HasHTML() {
		html := parsed.Body.HTML
		fields.HTMLContent = &html
	}

	message, err := p.store.CreateMessage(ctx, withDefaults(fields))
	if err != nil {
		logger.Error("store message", "error", err)
		return Result{Outcome: Failed, Reason: ReasonInternal}
	}
	p.stored(message)

	logger.Info("message accepted", "message_id", message.ID, "account_id", account.ID)
	return Result{Outcome: Accepted, MessageID: message.ID}
}

// Simulate stores a message that bypasses the transport and the parser. The
// account must exist.
func (p *Pipeline) Simulate(ctx context.Context, fields store.NewMessage) (store.Message, error) {
	message, err := p.store.CreateMessage(ctx, withDefaults(fields))
	if err != nil {
		return store.Message{}, err
	}
	p.stored(message)
	p.logger.Info("simulated message stored", "message_id", message.ID, "account_id", message.AccountID)
	return message, nil
}

func (p *Pipeline) stored(message store.Message) {
	if p.notifier != nil {
		p.notifier.MessageStored(message)
	}
}

func withDefaults(fields store.NewMessage) store.NewMessage {
	if strings.TrimSpace(fields.Subject) == "" {
		fields.Subject = DefaultSubject
	}
	if fields.HTMLContent != nil && *fields.HTMLContent == "" {
		fields.HTMLContent = nil
	}
	if fields.Headers == nil {
		fields.Headers = map[string]string{}
	}
	return fields
}
