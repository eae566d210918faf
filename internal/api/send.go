package api

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.io/infrasutra/openmail/internal/auth"
)

type relay struct {
	addr     string
	username string
	password string
}

func (r *relay) send(from string, to []string, raw []byte) error {
	var smtpAuth smtp.Auth
	if r.username != "" {
		host, _, err := net.SplitHostPort(r.addr)
		if err != nil {
			return err
		}
		smtpAuth = smtp.PlainAuth("", r.username, r.password, host)
	}
	return smtp.SendMail(r.addr, smtpAuth, from, to, raw)
}

// handleSend composes a message and submits it through the SMTP listener, so
// it takes the same ingestion path as mail from outside.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		http.NotFound(w, r)
		return
	}

	var payload sendRequest
	if !s.decodeJSON(w, r, &payload) {
		return
	}
	from, err := auth.NormalizeEmail(payload.From)
	if err != nil {
		s.respondJSON(w, http.StatusBadRequest, errorJSON{Error: "Sender " + err.Error()})
		return
	}
	recipients := normalizeRecipients(payload.To)
	if len(recipients) == 0 {
		s.respondJSON(w, http.StatusBadRequest, errorJSON{Error: "At least one recipient required"})
		return
	}
	textBody := strings.TrimSpace(payload.Text)
	htmlBody := strings.TrimSpace(payload.HTML)
	if textBody == "" && htmlBody == "" {
		s.respondJSON(w, http.StatusBadRequest, errorJSON{Error: "Message body required"})
		return
	}

	raw, err := buildOutboundMessage(from, recipients, strings.TrimSpace(payload.Subject), textBody, htmlBody)
	if err != nil {
		s.respondError(w, err, "Failed to compose message")
		return
	}
	if err := s.relay.send(from, recipients, raw); err != nil {
		s.logger.Error("send mail", "error", err)
		s.respondJSON(w, http.StatusBadRequest, errorJSON{Error: "Unable to send mail: " + err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func normalizeRecipients(recipients []string) []string {
	seen := map[string]struct{}{}
	result := []string{}
	for _, recipient := range recipients {
		trimmed := strings.ToLower(strings.TrimSpace(recipient))
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		result = append(result, trimmed)
	}
	return result
}

// buildOutboundMessage renders a multipart/alternative message when both
// bodies are given and a single text part otherwise.
func buildOutboundMessage(from string, to []string, subject, textBody, htmlBody string) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetSubject(sanitizeHeader(subject))
	h.SetAddressList("From", []*mail.Address{{Address: sanitizeHeader(from)}})
	toList := make([]*mail.Address, 0, len(to))
	for _, recipient := range to {
		toList = append(toList, &mail.Address{Address: sanitizeHeader(recipient)})
	}
	h.SetAddressList("To", toList)
	if err := h.GenerateMessageIDWithHostname("openmail"); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if textBody != "" && htmlBody != "" {
		w, err := mail.CreateInlineWriter(&buf, h)
		if err != nil {
			return nil, err
		}
		if err := writeInlinePart(w, "text/plain", textBody); err != nil {
			return nil, err
		}
		if err := writeInlinePart(w, "text/html", htmlBody); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	contentType, body := "text/plain", textBody
	if body == "" {
		contentType, body = "text/html", htmlBody
	}
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(w, body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeInlinePart(w *mail.InlineWriter, contentType, body string) error {
	var h mail.InlineHeader
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	part, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(part, body); err != nil {
		return err
	}
	return part.Close()
}

func sanitizeHeader(value string) string {
	cleaned := strings.ReplaceAll(value, "\r", "")
	cleaned = strings.ReplaceAll(cleaned, "\n", "")
	return strings.TrimSpace(cleaned)
}
