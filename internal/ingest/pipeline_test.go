package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.io/infrasutra/openmail/internal/metrics"
	"github.io/infrasutra/openmail/internal/store"
)

const multipartMessage = "From: \"Acme Support\" <support@acme.test>\r\n" +
	"To: dev@openmail.org\r\n" +
	"Subject: Verify your account\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/alternative; boundary=\"b1\"\r\n" +
	"\r\n" +
	"--b1\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Open https://acme.test/verify?token=abc\r\n" +
	"--b1\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<a href=\"https://acme.test/verify?token=abc\">Verify</a>\r\n" +
	"--b1--\r\n"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []store.Message
}

func (n *recordingNotifier) MessageStored(message store.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
}

func newTestPipeline(t *testing.T, opts ...Option) (*Pipeline, *store.Store, store.Account) {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.EnsureSchema(ctx))

	account, err := s.CreateAccount(ctx, store.NewAccount{Username: "dev", Domain: "openmail.org", Password: "x"})
	require.NoError(t, err)
	return New(s, discardLogger(), opts...), s, account
}

func TestDeliver_Multipart(t *testing.T) {
	notifier := &recordingNotifier{}
	m := metrics.New(prometheus.NewRegistry())
	p, s, account := newTestPipeline(t, WithNotifier(notifier), WithMetrics(m))
	ctx := context.Background()

	result := p.Deliver(ctx, "dev@openmail.org", []byte(multipartMessage))
	require.Equal(t, Accepted, result.Outcome)
	assert.NotZero(t, result.MessageID)
	assert.Empty(t, result.Reason)

	messages, err := s.ListMessages(ctx, account.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	got := messages[0]
	assert.Equal(t, result.MessageID, got.ID)
	assert.Equal(t, "Acme Support", got.Sender)
	assert.Equal(t, "support@acme.test", got.SenderEmail)
	assert.Equal(t, "dev@openmail.org", got.Recipient)
	assert.Equal(t, "Verify your account", got.Subject)
	assert.Equal(t, "Open https://acme.test/verify?token=abc", got.Content)
	require.NotNil(t, got.HTMLContent)
	assert.NotEmpty(t, *got.HTMLContent)
	assert.False(t, got.Read)
	assert.Equal(t, "Verify your account", got.Headers["Subject"])

	require.Len(t, notifier.messages, 1)
	assert.Equal(t, got.ID, notifier.messages[0].ID)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deliveries.WithLabelValues("accepted")))
}

func TestDeliver_RecipientCaseInsensitive(t *testing.T) {
	p, _, _ := newTestPipeline(t)

	result := p.Deliver(context.Background(), "DEV@OpenMail.org", []byte("Subject: hi\r\n\r\nbody\r\n"))
	assert.Equal(t, Accepted, result.Outcome)
}

func TestDeliver_UnknownRecipient(t *testing.T) {
	notifier := &recordingNotifier{}
	m := metrics.New(prometheus.NewRegistry())
	p, s, account := newTestPipeline(t, WithNotifier(notifier), WithMetrics(m))
	ctx := context.Background()

	result := p.Deliver(ctx, "nobody@openmail.org", []byte(multipartMessage))
	assert.Equal(t, Rejected, result.Outcome)
	assert.Equal(t, ReasonUnknownRecipient, result.Reason)
	assert.Zero(t, result.MessageID)

	messages, err := s.ListMessages(ctx, account.ID)
	require.NoError(t, err)
	assert.Empty(t, messages)
	assert.Empty(t, notifier.messages)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deliveries.WithLabelValues("rejected")))
}

func TestDeliver_Defaults(t *testing.T) {
	p, s, _ := newTestPipeline(t)
	ctx := context.Background()

	result := p.Deliver(ctx, "dev@openmail.org", []byte("From: plain@x.test\r\n\r\n"))
	require.Equal(t, Accepted, result.Outcome)

	message, err := s.GetMessage(ctx, result.MessageID)
	require.NoError(t, err)
	assert.Equal(t, "plain@x.test", message.Sender, "sender falls back to the address")
	assert.Equal(t, "plain@x.test", message.SenderEmail)
	assert.Equal(t, DefaultSubject, message.Subject)
	assert.Equal(t, "", message.Content)
	assert.Nil(t, message.HTMLContent)
}

func TestDeliver_MalformedStillStored(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	p, s, _ := newTestPipeline(t, WithMetrics(m))
	ctx := context.Background()

	raw := "Subject: broken\r\nthis line is not a header\r\n\r\nbody"
	result := p.Deliver(ctx, "dev@openmail.org", []byte(raw))
	require.Equal(t, Accepted, result.Outcome)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ParseDegraded))

	message, err := s.GetMessage(ctx, result.MessageID)
	require.NoError(t, err)
	assert.Equal(t, "broken", message.Subject)
}

type failingStore struct {
	account store.Account
	lookup  error
	create  error
	panics  bool
}

func (f failingStore) GetAccountByEmail(context.Context, string) (store.Account, error) {
	if f.lookup != nil {
		return store.Account{}, f.lookup
	}
	return f.account, nil
}

func (f failingStore) CreateMessage(context.Context, store.NewMessage) (store.Message, error) {
	if f.panics {
		panic("disk on fire")
	}
	return store.Message{}, f.create
}

func TestDeliver_Failures(t *testing.T) {
	tests := []struct {
		name  string
		store failingStore
	}{
		{name: "lookup error", store: failingStore{lookup: errors.New("db down")}},
		{name: "create error", store: failingStore{account: store.Account{ID: 1}, create: errors.New("db down")}},
		{name: "panic", store: failingStore{account: store.Account{ID: 1}, panics: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.New(prometheus.NewRegistry())
			p := New(tt.store, discardLogger(), WithMetrics(m))

			var result Result
			require.NotPanics(t, func() {
				result = p.Deliver(context.Background(), "dev@openmail.org", []byte("Subject: x\r\n\r\ny"))
			})
			assert.Equal(t, Failed, result.Outcome)
			assert.Equal(t, ReasonInternal, result.Reason)
			assert.Equal(t, 1.0, testutil.ToFloat64(m.Deliveries.WithLabelValues("failed")))
		})
	}
}

func TestSimulate(t *testing.T) {
	notifier := &recordingNotifier{}
	p, _, account := newTestPipeline(t, WithNotifier(notifier))
	ctx := context.Background()
	empty := ""

	message, err := p.Simulate(ctx, store.NewMessage{
		AccountID:   account.ID,
		Sender:      "Test",
		SenderEmail: "test@x.test",
		Recipient:   account.Email,
		Subject:     "  ",
		Content:     "reset at https://x.test/reset",
		HTMLContent: &empty,
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultSubject, message.Subject)
	assert.Nil(t, message.HTMLContent)
	assert.NotNil(t, message.Headers)
	require.Len(t, notifier.messages, 1)

	_, err = p.Simulate(ctx, store.NewMessage{AccountID: account.ID + 100})
	assert.ErrorIs(t, err, store.ErrUnknownAccount)
	assert.Len(t, notifier.messages, 1)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "accepted", Accepted.String())
	assert.Equal(t, "rejected", Rejected.String())
	assert.Equal(t, "failed", Failed.String())
	assert.True(t, strings.HasPrefix(Outcome(9).String(), "unknown"))
}
