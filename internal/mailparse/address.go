package mailparse

import "strings"

// ParseAddress splits a raw header value of the form `"Name" <addr>` or a
// bare `addr` into its display name and address. It never fails: when the
// value is malformed the best available text is returned as the address.
func ParseAddress(value string) (name, address string) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", ""
	}

	open := strings.LastIndexByte(trimmed, '<')
	if open < 0 {
		return "", strings.Trim(trimmed, `"`)
	}

	name = unquote(trimmed[:open])
	rest := trimmed[open+1:]
	if end := strings.IndexByte(rest, '>'); end >= 0 {
		rest = rest[:end]
	}
	address = strings.TrimSpace(rest)
	if address == "" {
		address = name
	}
	return name, address
}

// ParseAddressList applies ParseAddress to every comma-separated entry and
// keeps the non-empty addresses.
func ParseAddressList(value string) []string {
	var addresses []string
	for _, entry := range splitAddressList(value) {
		if _, address := ParseAddress(entry); address != "" {
			addresses = append(addresses, address)
		}
	}
	return addresses
}

func unquote(value string) string {
	value = strings.TrimSpace(value)
	value = strings.TrimPrefix(value, `"`)
	value = strings.TrimSuffix(value, `"`)
	return strings.TrimSpace(value)
}

// splitAddressList splits on commas that are not inside a quoted display
// name, so `"Doe, Jane" <jane@x.com>` stays a single entry.
func splitAddressList(value string) []string {
	var (
		entries []string
		start   int
		quoted  bool
	)
	for i := 0; i < len(value); i++ {
		switch value[i] {
		case '"':
			quoted = !quoted
		case ',':
			if !quoted {
				entries = append(entries, value[start:i])
				start = i + 1
			}
		}
	}
	return append(entries, value[start:])
}
