package inbox

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.io/infrasutra/openmail/internal/auth"
	"github.io/infrasutra/openmail/internal/ingest"
	"github.io/infrasutra/openmail/internal/metrics"
	"github.io/infrasutra/openmail/internal/pagination"
	"github.io/infrasutra/openmail/internal/store"
)

type fixture struct {
	service  *Service
	store    *store.Store
	pipeline *ingest.Pipeline
	metrics  *metrics.Metrics
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.EnsureSchema(ctx))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New(prometheus.NewRegistry())
	pipeline := ingest.New(s, logger, ingest.WithMetrics(m))
	return fixture{
		service:  New(s, pipeline, logger, WithMetrics(m)),
		store:    s,
		pipeline: pipeline,
		metrics:  m,
	}
}

func validInput(username string) CreateAccountInput {
	return CreateAccountInput{Username: username, Domain: "openmail.org", Password: "secret1", ConfirmPassword: "secret1"}
}

func TestCreateAccount(t *testing.T) {
	f := newFixture(t)

	view, err := f.service.CreateAccount(context.Background(), validInput("jane_doe-1.x"))
	require.NoError(t, err)

	assert.Equal(t, "jane_doe-1.x@openmail.org", view.Email)
	assert.Equal(t, 0, view.UnreadCount)
	assert.NotEqual(t, "secret1", view.Password)
	assert.True(t, auth.VerifyPassword("secret1", view.Password))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AccountsCreated))
}

func TestCreateAccount_Validation(t *testing.T) {
	tests := []struct {
		name   string
		input  CreateAccountInput
		fields []string
	}{
		{name: "empty username", input: CreateAccountInput{Username: "", Domain: "openmail.org", Password: "secret1", ConfirmPassword: "secret1"}, fields: []string{"username"}},
		{name: "short username", input: CreateAccountInput{Username: "ab", Domain: "openmail.org", Password: "secret1", ConfirmPassword: "secret1"}, fields: []string{"username"}},
		{name: "bad characters", input: CreateAccountInput{Username: "a b+c", Domain: "openmail.org", Password: "secret1", ConfirmPassword: "secret1"}, fields: []string{"username"}},
		{name: "short domain", input: CreateAccountInput{Username: "alice", Domain: "io", Password: "secret1", ConfirmPassword: "secret1"}, fields: []string{"domain"}},
		{name: "short password", input: CreateAccountInput{Username: "alice", Domain: "openmail.org", Password: "12345", ConfirmPassword: "12345"}, fields: []string{"password"}},
		{name: "mismatch", input: CreateAccountInput{Username: "alice", Domain: "openmail.org", Password: "secret1", ConfirmPassword: "secret2"}, fields: []string{"confirmPassword"}},
		{name: "several", input: CreateAccountInput{Username: "a", Domain: "openmail.org", Password: "1", ConfirmPassword: "2"}, fields: []string{"username", "password", "confirmPassword"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			_, err := f.service.CreateAccount(context.Background(), tt.input)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)

			var fields []string
			for _, fe := range verr.Fields {
				fields = append(fields, fe.Field)
				assert.NotEmpty(t, fe.Message)
			}
			assert.Equal(t, tt.fields, fields)

			accounts, err := f.store.ListAccounts(context.Background())
			require.NoError(t, err)
			assert.Empty(t, accounts)
		})
	}
}

func TestCreateAccount_ValidationMessages(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.CreateAccount(context.Background(), CreateAccountInput{Username: "ab", Domain: "openmail.org", Password: "secret1", ConfirmPassword: "nope"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Fields, 2)
	assert.Equal(t, "Username must be at least 3 characters", verr.Fields[0].Message)
	assert.Equal(t, "Passwords do not match", verr.Fields[1].Message)
	assert.Contains(t, verr.Error(), "Passwords do not match")
}

func TestCreateAccount_Duplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.CreateAccount(ctx, validInput("alice"))
	require.NoError(t, err)
	_, err = f.service.CreateAccount(ctx, CreateAccountInput{Username: "ALICE", Domain: "OpenMail.org", Password: "secret1", ConfirmPassword: "secret1"})
	assert.ErrorIs(t, err, store.ErrDuplicateEmail)
}

func TestCreateAccount_DuplicateUnicodeCase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.CreateAccount(ctx, validInput("Élise"))
	require.NoError(t, err)
	_, err = f.service.CreateAccount(ctx, validInput("élise"))
	assert.ErrorIs(t, err, store.ErrDuplicateEmail)

	accounts, err := f.store.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Len(t, accounts, 1)
}

func TestFetchEnriched_MarksReadOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account, err := f.service.CreateAccount(ctx, validInput("alice"))
	require.NoError(t, err)

	raw := "From: Acme <no-reply@acme.test>\r\n" +
		"Subject: Sign in\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"Use https://acme.test/auth/magic?token=xyz or visit https://acme.test/home\r\n"
	result := f.pipeline.Deliver(ctx, account.Email, []byte(raw))
	require.Equal(t, ingest.Accepted, result.Outcome)

	before, err := f.service.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, before.UnreadCount)

	enriched, err := f.service.FetchEnriched(ctx, result.MessageID)
	require.NoError(t, err)
	assert.True(t, enriched.Read)
	assert.Equal(t, []string{"https://acme.test/auth/magic?token=xyz"}, enriched.MagicLinks)

	after, err := f.service.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, before.UnreadCount-1, after.UnreadCount)

	_, err = f.service.FetchEnriched(ctx, result.MessageID)
	require.NoError(t, err)
	again, err := f.service.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, after.UnreadCount, again.UnreadCount)

	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.MessagesRead))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.MagicLinks))
}

func TestFetchEnriched_PrefersHTML(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account, err := f.service.CreateAccount(ctx, validInput("alice"))
	require.NoError(t, err)
	html := `<a href="https://x.test/reset?id=1">reset</a>`

	message, err := f.service.SimulateReceive(ctx, SimulateInput{
		AccountID:   account.ID,
		Sender:      "X",
		SenderEmail: "x@x.test",
		Recipient:   account.Email,
		Content:     "https://x.test/verify-text",
		HTMLContent: &html,
	})
	require.NoError(t, err)

	enriched, err := f.service.FetchEnriched(ctx, message.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://x.test/reset?id=1"}, enriched.MagicLinks)
}

func TestFetchEnriched_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.FetchEnriched(context.Background(), 404)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.ListMessages(ctx, 9)
	assert.ErrorIs(t, err, store.ErrNotFound)

	account, err := f.service.CreateAccount(ctx, validInput("alice"))
	require.NoError(t, err)
	messages, err := f.service.ListMessages(ctx, account.ID)
	require.NoError(t, err)
	assert.Empty(t, messages)

	for i := 0; i < 3; i++ {
		_, err := f.service.SimulateReceive(ctx, SimulateInput{AccountID: account.ID, Sender: "x", SenderEmail: "x@x.test", Recipient: account.Email})
		require.NoError(t, err)
	}

	page, err := f.service.ListMessagesPage(ctx, account.ID, pagination.Params{Page: 1, Limit: 2, Offset: 0})
	require.NoError(t, err)
	assert.Len(t, page.Messages, 2)
	assert.Equal(t, int32(3), page.Total)
	assert.True(t, page.HasMore)

	page, err = f.service.ListMessagesPage(ctx, account.ID, pagination.Params{Page: 2, Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, page.Messages, 1)
	assert.False(t, page.HasMore)

	_, err = f.service.ListMessagesPage(ctx, account.ID+1, pagination.Params{Limit: 2})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSimulateReceive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.SimulateReceive(ctx, SimulateInput{})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.NotEmpty(t, verr.Fields)

	_, err = f.service.SimulateReceive(ctx, SimulateInput{AccountID: 77, Sender: "x", SenderEmail: "x@x.test", Recipient: "y@openmail.org"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = f.service.SimulateReceive(ctx, SimulateInput{AccountID: -3})
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Fields, 1)
	assert.Equal(t, "accountId", verr.Fields[0].Field)

	account, err := f.service.CreateAccount(ctx, validInput("alice"))
	require.NoError(t, err)
	message, err := f.service.SimulateReceive(ctx, SimulateInput{
		AccountID:   account.ID,
		Sender:      "Tester",
		SenderEmail: "tester@x.test",
		Recipient:   account.Email,
		Headers:     map[string]string{"X-Test": "1"},
	})
	require.NoError(t, err)
	assert.Equal(t, ingest.DefaultSubject, message.Subject)
	assert.Equal(t, "1", message.Headers["X-Test"])

	bare, err := f.service.SimulateReceive(ctx, SimulateInput{
		AccountID:   account.ID,
		SenderEmail: "Mailer Daemon",
	})
	require.NoError(t, err)
	assert.Equal(t, "", bare.Sender)
	assert.Equal(t, "Mailer Daemon", bare.SenderEmail)
	assert.Equal(t, "", bare.Recipient)
}

func TestSeed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.service.Seed(ctx, "openmail.org"))
	require.NoError(t, f.service.Seed(ctx, "openmail.org"))

	views, err := f.service.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, views, len(DemoUsernames))
	for i, view := range views {
		assert.Equal(t, DemoUsernames[i]+"@openmail.org", view.Email)
		assert.Equal(t, 0, view.UnreadCount)
		assert.True(t, auth.VerifyPassword(DemoPassword, view.Password))
	}
}
