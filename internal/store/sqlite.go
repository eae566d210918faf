package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrDuplicateEmail = errors.New("email address already exists")
	ErrUnknownAccount = errors.New("unknown account")
	ErrInvalidAccount = errors.New("username and domain are required")
)

// Store owns every account and message. Writes are serialised by mu so that
// id assignment and insertion happen as one step; readers take the read lock
// and never see a half-written record.
type Store struct {
	db  *sqlx.DB
	mu  sync.RWMutex
	now func() time.Time
}

type Option func(*Store)

// WithClock replaces time.Now for receivedAt/createdAt stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	inMemory := false
	if trimmed == "" {
		trimmed = ":memory:"
		inMemory = true
	}
	if strings.Contains(trimmed, "mode=memory") || trimmed == ":memory:" || trimmed == "file::memory:" {
		inMemory = true
	}
	db, err := sqlx.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// An in-memory database lives inside its connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if !inMemory {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            username TEXT NOT NULL,
            domain TEXT NOT NULL,
            email TEXT NOT NULL,
            email_key TEXT NOT NULL UNIQUE,
            password TEXT NOT NULL,
            created_at INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS messages (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            account_id INTEGER NOT NULL,
            sender TEXT NOT NULL,
            sender_email TEXT NOT NULL,
            recipient TEXT NOT NULL,
            subject TEXT NOT NULL,
            content TEXT NOT NULL,
            html_content TEXT,
            headers TEXT NOT NULL DEFAULT '{}',
            received_at INTEGER NOT NULL,
            is_read INTEGER NOT NULL DEFAULT 0,
            FOREIGN KEY(account_id) REFERENCES accounts(id)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_messages_account_received ON messages(account_id, received_at, id);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_account_read ON messages(account_id, is_read);`,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// CreateAccount stores a new account. The e-mail is username@domain and must
// be unique ignoring case, Unicode letters included.
func (s *Store) CreateAccount(ctx context.Context, account NewAccount) (Account, error) {
	if strings.TrimSpace(account.Username) == "" || strings.TrimSpace(account.Domain) == "" {
		return Account{}, ErrInvalidAccount
	}
	email := account.Username + "@" + account.Domain

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.accountByEmail(ctx, email); err == nil {
		return Account{}, ErrDuplicateEmail
	} else if !errors.Is(err, ErrNotFound) {
		return Account{}, err
	}

	createdAt := s.now()
	result, err := s.db.ExecContext(ctx, `INSERT INTO accounts (username, domain, email, email_key, password, created_at)
        VALUES (?, ?, ?, ?, ?, ?);`,
		account.Username, account.Domain, email, emailKey(email), account.Password, createdAt.UnixNano())
	if err != nil {
		if isUniqueViolation(err) {
			return Account{}, ErrDuplicateEmail
		}
		return Account{}, fmt.Errorf("insert account: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return Account{}, fmt.Errorf("insert account: %w", err)
	}

	return Account{
		ID:        id,
		Username:  account.Username,
		Domain:    account.Domain,
		Email:     email,
		Password:  account.Password,
		CreatedAt: time.Unix(0, createdAt.UnixNano()),
	}, nil
}

func (s *Store) GetAccount(ctx context.Context, id int64) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var row accountRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM accounts WHERE id = ?;`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("get account: %w", err)
	}
	return row.toAccount(), nil
}

// GetAccountByEmail looks an account up ignoring case and surrounding space.
func (s *Store) GetAccountByEmail(ctx context.Context, email string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accountByEmail(ctx, email)
}

func (s *Store) accountByEmail(ctx context.Context, email string) (Account, error) {
	var row accountRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM accounts WHERE email_key = ?;`, emailKey(email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("get account by email: %w", err)
	}
	return row.toAccount(), nil
}

// ListAccounts returns every account in creation order.
func (s *Store) ListAccounts(ctx context.Context) ([]Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []accountRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM accounts ORDER BY id ASC;`); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	accounts := make([]Account, 0, len(rows))
	for _, row := range rows {
		accounts = append(accounts, row.toAccount())
	}
	return accounts, nil
}

// CreateMessage stores an unread message stamped with the current time.
func (s *Store) CreateMessage(ctx context.Context, message NewMessage) (Message, error) {
	headers := message.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	encodedHeaders, err := json.Marshal(headers)
	if err != nil {
		return Message{}, fmt.Errorf("encode headers: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var exists bool
	if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM accounts WHERE id = ?);`, message.AccountID); err != nil {
		return Message{}, fmt.Errorf("check account: %w", err)
	}
	if !exists {
		return Message{}, ErrUnknownAccount
	}

	receivedAt := s.now().UnixNano()
	result, err := s.db.ExecContext(ctx, `INSERT INTO messages
        (account_id, sender, sender_email, recipient, subject, content, html_content, headers, received_at, is_read)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0);`,
		message.AccountID,
		message.Sender,
		message.SenderEmail,
		message.Recipient,
		message.Subject,
		message.Content,
		message.HTMLContent,
		string(encodedHeaders),
		receivedAt,
	)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return s.messageByID(ctx, id)
}

func (s *Store) GetMessage(ctx context.Context, id int64) (Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.messageByID(ctx, id)
}

func (s *Store) messageByID(ctx context.Context, id int64) (Message, error) {
	var row messageRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM messages WHERE id = ?;`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	return row.toMessage()
}

// ListMessages returns all messages of an account, newest first. Messages
// received at the same instant are ordered by descending id.
func (s *Store) ListMessages(ctx context.Context, accountID int64) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM messages
        WHERE account_id = ?
        ORDER BY received_at DESC, id DESC;`, accountID); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return toMessages(rows)
}

// ListMessagesPage is ListMessages restricted to a window. It also returns
// the total number of messages of the account.
func (s *Store) ListMessagesPage(ctx context.Context, accountID int64, offset, limit int32) ([]Message, int32, error) {
	if limit <= 0 {
		limit = 10
	}
	if offset < 0 {
		offset = 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(1) FROM messages WHERE account_id = ?;`, accountID); err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}
	if total > int64(^uint32(0)>>1) {
		total = int64(^uint32(0) >> 1)
	}

	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM messages
        WHERE account_id = ?
        ORDER BY received_at DESC, id DESC
        LIMIT ? OFFSET ?;`, accountID, limit, offset); err != nil {
		return nil, 0, fmt.Errorf("list messages: %w", err)
	}
	messages, err := toMessages(rows)
	if err != nil {
		return nil, 0, err
	}
	return messages, int32(total), nil
}

// MarkRead flags a message as read and returns it. Marking a read message
// again succeeds without change.
func (s *Store) MarkRead(ctx context.Context, id int64) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `UPDATE messages SET is_read = 1 WHERE id = ?;`, id)
	if err != nil {
		return Message{}, fmt.Errorf("mark read: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return Message{}, fmt.Errorf("mark read: %w", err)
	}
	if rows == 0 {
		return Message{}, ErrNotFound
	}
	return s.messageByID(ctx, id)
}

func (s *Store) UnreadCount(ctx context.Context, accountID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	if err := s.db.GetContext(ctx, &count, `SELECT COUNT(1) FROM messages WHERE account_id = ? AND is_read = 0;`, accountID); err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	return count, nil
}

func (r messageRow) toMessage() (Message, error) {
	headers := map[string]string{}
	if r.Headers != "" {
		if err := json.Unmarshal([]byte(r.Headers), &headers); err != nil {
			return Message{}, fmt.Errorf("decode headers of message %d: %w", r.ID, err)
		}
	}
	return Message{
		ID:          r.ID,
		AccountID:   r.AccountID,
		Sender:      r.Sender,
		SenderEmail: r.SenderEmail,
		Recipient:   r.Recipient,
		Subject:     r.Subject,
		Content:     r.Content,
		HTMLContent: r.HTMLContent,
		Headers:     headers,
		ReceivedAt:  time.Unix(0, r.ReceivedAt),
		Read:        r.Read,
	}, nil
}

func toMessages(rows []messageRow) ([]Message, error) {
	messages := make([]Message, 0, len(rows))
	for _, row := range rows {
		message, err := row.toMessage()
		if err != nil {
			return nil, err
		}
		messages = append(messages, message)
	}
	return messages, nil
}

// emailKey folds an address for comparison. SQLite's NOCASE only folds ASCII.
func emailKey(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
