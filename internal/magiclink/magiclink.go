// Package magiclink finds one-click action links (verification, password
// reset, sign-in) in message bodies.
//
// Classification is a keyword heuristic: an action link without one of the
// keywords is missed, and an unrelated link that happens to contain one (for
// example a plain "login" page) is reported. Callers should treat the result
// as a hint.
package magiclink

import (
	"regexp"
	"strings"
)

var urlPattern = regexp.MustCompile(`https?://[^\s"<>]+`)

// Keywords are matched against the lower-cased URL.
var Keywords = []string{
	"token=",
	"verify",
	"confirm",
	"reset",
	"auth",
	"magic",
	"login",
}

// Extract returns the magic links in content in order of appearance.
// Duplicates are kept. The result is never nil.
func Extract(content string) []string {
	links := []string{}
	for _, url := range FindURLs(content) {
		if IsMagicLink(url) {
			links = append(links, url)
		}
	}
	return links
}

// FindURLs returns every http(s) URL in content.
func FindURLs(content string) []string {
	return urlPattern.FindAllString(content, -1)
}

// IsMagicLink reports whether url looks like a one-click action link.
func IsMagicLink(url string) bool {
	lower := strings.ToLower(url)
	for _, keyword := range Keywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return false
}
