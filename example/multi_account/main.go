package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/smtp"
	"os"
	"time"

	"github.com/emersion/go-message/mail"
)

type account struct {
	ID          int64  `json:"id"`
	Email       string `json:"email"`
	UnreadCount int    `json:"unreadCount"`
}

type email struct {
	ID         int64    `json:"id"`
	Subject    string   `json:"subject"`
	Read       bool     `json:"read"`
	MagicLinks []string `json:"magicLinks"`
}

func main() {
	baseURL := getenvDefault("OPENMAIL_URL", "http://localhost:8000")
	smtpAddr := getenvDefault("OPENMAIL_SMTP", "localhost:2525")
	smtpUser := os.Getenv("SMTP_USERNAME")
	smtpPass := os.Getenv("SMTP_PASSWORD")

	client := &http.Client{Timeout: 10 * time.Second}

	username := fmt.Sprintf("tester%d", time.Now().Unix()%100000)
	fmt.Println("Creating account", username)
	var created account
	mustDo(client, http.MethodPost, baseURL+"/api/accounts", map[string]string{
		"username":        username,
		"domain":          "openmail.org",
		"password":        "password123",
		"confirmPassword": "password123",
	}, &created)

	userA := "john.doe@openmail.org"
	userB := created.Email

	fmt.Println("Sending test emails...")
	sendSMTP(smtpAddr, smtpUser, smtpPass, "no-reply@example.test", []string{userA},
		buildTestMessage("Verify your address", userA))
	sendSMTP(smtpAddr, smtpUser, smtpPass, "no-reply@example.test", []string{userB},
		buildTestMessage("Reset your password", userB))
	sendSMTP(smtpAddr, smtpUser, smtpPass, "no-reply@example.test", []string{userA, userB, "nobody@openmail.org"},
		buildTestMessage("Multi-recipient sign-in link", userA+", "+userB))

	fmt.Println("Accounts after send:")
	var accounts []account
	mustDo(client, http.MethodGet, baseURL+"/api/accounts", nil, &accounts)
	for _, a := range accounts {
		fmt.Printf("- %s unread=%d\n", a.Email, a.UnreadCount)
	}

	var emails []email
	mustDo(client, http.MethodGet, fmt.Sprintf("%s/api/accounts/%d/emails?page=1&limit=5", baseURL, created.ID), nil, &emails)
	if len(emails) == 0 {
		fmt.Println("no mail for", userB)
		return
	}
	var latest email
	mustDo(client, http.MethodGet, fmt.Sprintf("%s/api/emails/%d", baseURL, emails[0].ID), nil, &latest)
	fmt.Printf("latest for %s: %q read=%t magicLinks=%v\n", userB, latest.Subject, latest.Read, latest.MagicLinks)
}

func sendSMTP(addr, username, password, from string, to []string, msg []byte) {
	var auth smtp.Auth
	if username != "" || password != "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		auth = smtp.PlainAuth("", username, password, host)
	}
	if err := smtp.SendMail(addr, auth, from, to, msg); err != nil {
		fmt.Fprintln(os.Stderr, "smtp error:", err)
	}
}

// buildTestMessage writes a text + HTML message with go-message so the server
// sees the nested multipart layout real mail clients produce.
func buildTestMessage(subject, recipients string) []byte {
	link := fmt.Sprintf("https://example.test/auth/magic?token=%d", time.Now().UnixNano())

	var h mail.Header
	h.SetDate(time.Now())
	h.SetSubject(subject)
	h.SetAddressList("From", []*mail.Address{{Name: "Example App", Address: "no-reply@example.test"}})
	h.Set("To", recipients)

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		panic(err)
	}
	tw, err := mw.CreateInline()
	if err != nil {
		panic(err)
	}
	writePart(tw, "text/plain", "Hello!\n\nUse this link to continue: "+link+"\n")
	writePart(tw, "text/html", `<html><body><p>Hello!</p><p><a href="`+link+`">Continue</a></p></body></html>`)
	if err := tw.Close(); err != nil {
		panic(err)
	}
	if err := mw.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func writePart(tw *mail.InlineWriter, contentType, body string) {
	var ph mail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	w, err := tw.CreatePart(ph)
	if err != nil {
		panic(err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		panic(err)
	}
	if err := w.Close(); err != nil {
		panic(err)
	}
}

func mustDo(client *http.Client, method, url string, payload, out any) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			panic(err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		panic(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		panic(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		panic(fmt.Sprintf("request failed: %s %s: %s", method, url, string(b)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			panic(err)
		}
	}
}

func getenvDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
