package api

import (
	"time"

	"github.io/infrasutra/openmail/internal/inbox"
	"github.io/infrasutra/openmail/internal/store"
)

type errorJSON struct {
	Error   string             `json:"error"`
	Details []inbox.FieldError `json:"details,omitempty"`
}

// accountJSON never carries the password hash.
type accountJSON struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	Domain      string `json:"domain"`
	Email       string `json:"email"`
	CreatedAt   string `json:"createdAt"`
	UnreadCount int    `json:"unreadCount"`
}

type messageJSON struct {
	ID          int64             `json:"id"`
	AccountID   int64             `json:"accountId"`
	Sender      string            `json:"sender"`
	SenderEmail string            `json:"senderEmail"`
	Recipient   string            `json:"recipient"`
	Subject     string            `json:"subject"`
	Content     string            `json:"content"`
	HTMLContent *string           `json:"htmlContent"`
	Headers     map[string]string `json:"headers"`
	ReceivedAt  string            `json:"receivedAt"`
	Read        bool              `json:"read"`
}

type enrichedJSON struct {
	messageJSON
	MagicLinks []string `json:"magicLinks"`
}

type sendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
	HTML    string   `json:"html"`
}

func toAccountJSON(view inbox.AccountView) accountJSON {
	return accountJSON{
		ID:          view.ID,
		Username:    view.Username,
		Domain:      view.Domain,
		Email:       view.Email,
		CreatedAt:   view.CreatedAt.UTC().Format(time.RFC3339),
		UnreadCount: view.UnreadCount,
	}
}

func toMessageJSON(message store.Message) messageJSON {
	headers := message.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	return messageJSON{
		ID:          message.ID,
		AccountID:   message.AccountID,
		Sender:      message.Sender,
		SenderEmail: message.SenderEmail,
		Recipient:   message.Recipient,
		Subject:     message.Subject,
		Content:     message.Content,
		HTMLContent: message.HTMLContent,
		Headers:     headers,
		ReceivedAt:  message.ReceivedAt.UTC().Format(time.RFC3339Nano),
		Read:        message.Read,
	}
}
