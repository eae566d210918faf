// Package mailparse turns raw RFC 5322 message bytes into the fields the
// inbox stores: sender, recipients, subject, headers and the text/HTML body.
//
// Parsing is best effort. Parse always returns a usable ParsedEmail; the
// error it may return only reports that part of the input was malformed.
package mailparse

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// ErrMalformed is wrapped by every degradation error returned from Parse.
var ErrMalformed = errors.New("malformed message")

// BodyKind tells which shape of body the message carried.
type BodyKind int

const (
	BodyEmpty BodyKind = iota
	BodyText
	BodyHTML
	BodyMultipart
)

func (k BodyKind) String() string {
	switch k {
	case BodyText:
		return "text"
	case BodyHTML:
		return "html"
	case BodyMultipart:
		return "multipart"
	default:
		return "empty"
	}
}

// Body is the decoded message content. Kind is decided once while parsing.
type Body struct {
	Kind BodyKind
	Text string
	HTML string
}

// HasHTML reports whether an HTML alternative was found.
func (b Body) HasHTML() bool {
	return b.HTML != ""
}

// ParsedEmail is the transient result of parsing one message.
type ParsedEmail struct {
	FromName    string
	FromAddress string
	To          []string
	Subject     string
	Headers     map[string]string
	Body        Body
}

// Parse decodes raw message bytes. On malformed input it returns whatever was
// extracted before the failure together with an error wrapping ErrMalformed.
func Parse(raw []byte) (parsed ParsedEmail, err error) {
	parsed = ParsedEmail{Headers: map[string]string{}}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrMalformed, r)
		}
	}()

	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !isRecoverable(err) {
		// The header reader hands back the fields it got through before
		// failing; keep them.
		partial, _ := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
		fillFromHeader(&parsed, message.Header{Header: partial})
		return parsed, fmt.Errorf("%w: read header: %v", ErrMalformed, err)
	}

	fillFromHeader(&parsed, entity.Header)

	body, err := parseBody(entity)
	parsed.Body = body
	if err != nil {
		return parsed, fmt.Errorf("%w: read body: %v", ErrMalformed, err)
	}
	return parsed, nil
}

func fillFromHeader(parsed *ParsedEmail, h message.Header) {
	parsed.Headers = collectHeaders(h)

	header := mail.Header{Header: h}
	if subject, err := header.Subject(); err == nil {
		parsed.Subject = subject
	} else {
		parsed.Subject = header.Get("Subject")
	}
	parsed.FromName, parsed.FromAddress = ParseAddress(headerText(header, "From"))
	parsed.To = ParseAddressList(headerText(header, "To"))
}

func isRecoverable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}

func headerText(header mail.Header, key string) string {
	if value, err := header.Text(key); err == nil {
		return value
	}
	return header.Get(key)
}

// collectHeaders keeps one value per header name, with the name spelled as
// it was transmitted.
func collectHeaders(header message.Header) map[string]string {
	headers := map[string]string{}
	fields := header.Fields()
	for fields.Next() {
		headers[rawKey(fields)] = fields.Value()
	}
	return headers
}

func rawKey(field message.HeaderFields) string {
	raw, err := field.Raw()
	if err == nil {
		if i := bytes.IndexByte(raw, ':'); i > 0 {
			if key := strings.TrimSpace(string(raw[:i])); key != "" {
				return key
			}
		}
	}
	return field.Key()
}

func parseBody(entity *message.Entity) (Body, error) {
	if mr := entity.MultipartReader(); mr != nil {
		body := Body{Kind: BodyMultipart}
		err := walkParts(&body, mr)
		return body, err
	}

	mediaType, _, _ := entity.Header.ContentType()
	content, err := io.ReadAll(entity.Body)
	text := strings.TrimSpace(string(content))
	switch {
	case text == "" && err == nil:
		return Body{Kind: BodyEmpty}, nil
	case mediaType == "text/html":
		return Body{Kind: BodyHTML, HTML: text}, err
	default:
		return Body{Kind: BodyText, Text: text}, err
	}
}

// walkParts visits the parts in document order. A later text/plain or
// text/html part replaces an earlier one of the same type; attachments are
// skipped and nested multiparts are descended into.
func walkParts(body *Body, mr message.MultipartReader) error {
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil && !isRecoverable(err) {
			return err
		}

		if nested := part.MultipartReader(); nested != nil {
			if err := walkParts(body, nested); err != nil {
				return err
			}
			continue
		}
		if disposition, _, _ := part.Header.ContentDisposition(); disposition == "attachment" {
			continue
		}

		mediaType, _, _ := part.Header.ContentType()
		if mediaType != "text/plain" && mediaType != "text/html" && mediaType != "" {
			continue
		}
		content, err := io.ReadAll(part.Body)
		if err != nil {
			return err
		}
		if mediaType == "text/html" {
			body.HTML = strings.TrimSpace(string(content))
		} else {
			body.Text = strings.TrimSpace(string(content))
		}
	}
}
