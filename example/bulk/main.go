package main

import (
	"flag"
	"fmt"
	"net"
	"net/smtp"
	"os"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:2525", "SMTP listener")
	to := flag.String("to", "dev@openmail.org", "envelope recipient")
	count := flag.Int("n", 100, "number of messages")
	username := flag.String("user", os.Getenv("SMTP_USERNAME"), "SMTP AUTH username")
	password := flag.String("pass", os.Getenv("SMTP_PASSWORD"), "SMTP AUTH password")
	flag.Parse()

	from := "sender@example.test"
	var auth smtp.Auth
	if *username != "" {
		host, _, err := net.SplitHostPort(*addr)
		if err != nil {
			host = *addr
		}
		auth = smtp.PlainAuth("", *username, *password, host)
	}

	for i := 1; i <= *count; i++ {
		subject := fmt.Sprintf("OpenMail Example #%d", i)
		body := fmt.Sprintf("Hello from OpenMail. Message %d.\r\nConfirm: https://example.test/confirm?token=%d\r\n", i, i)
		message := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s", from, *to, subject, body)

		if err := smtp.SendMail(*addr, auth, from, []string{*to}, []byte(message)); err != nil {
			fmt.Fprintln(os.Stderr, "smtp error:", err)
			os.Exit(1)
		}
	}

	fmt.Printf("sent %d messages\n", *count)
}
