package store

import "time"

type Account struct {
	ID        int64
	Username  string
	Domain    string
	Email     string
	Password  string
	CreatedAt time.Time
}

type NewAccount struct {
	Username string
	Domain   string
	Password string
}

type Message struct {
	ID          int64
	AccountID   int64
	Sender      string
	SenderEmail string
	Recipient   string
	Subject     string
	Content     string
	HTMLContent *string
	Headers     map[string]string
	ReceivedAt  time.Time
	Read        bool
}

// HTML returns the HTML body or "" when the message has none.
func (m Message) HTML() string {
	if m.HTMLContent == nil {
		return ""
	}
	return *m.HTMLContent
}

type NewMessage struct {
	AccountID   int64
	Sender      string
	SenderEmail string
	Recipient   string
	Subject     string
	Content     string
	HTMLContent *string
	Headers     map[string]string
}

type accountRow struct {
	ID        int64  `db:"id"`
	Username  string `db:"username"`
	Domain    string `db:"domain"`
	Email     string `db:"email"`
	EmailKey  string `db:"email_key"`
	Password  string `db:"password"`
	CreatedAt int64  `db:"created_at"`
}

func (r accountRow) toAccount() Account {
	return Account{
		ID:        r.ID,
		Username:  r.Username,
		Domain:    r.Domain,
		Email:     r.Email,
		Password:  r.Password,
		CreatedAt: time.Unix(0, r.CreatedAt),
	}
}

type messageRow struct {
	ID          int64   `db:"id"`
	AccountID   int64   `db:"account_id"`
	Sender      string  `db:"sender"`
	SenderEmail string  `db:"sender_email"`
	Recipient   string  `db:"recipient"`
	Subject     string  `db:"subject"`
	Content     string  `db:"content"`
	HTMLContent *string `db:"html_content"`
	Headers     string  `db:"headers"`
	ReceivedAt  int64   `db:"received_at"`
	Read        bool    `db:"is_read"`
}
