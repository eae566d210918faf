package mailparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantName    string
		wantAddress string
	}{
		{"quoted name", `"Jane Doe" <jane@x.com>`, "Jane Doe", "jane@x.com"},
		{"unquoted name", `Jane Doe <jane@x.com>`, "Jane Doe", "jane@x.com"},
		{"bare address", "plain@x.com", "", "plain@x.com"},
		{"bracketed only", "<only@x.com>", "", "only@x.com"},
		{"surrounding space", "  spaced@x.com  ", "", "spaced@x.com"},
		{"empty brackets fall back to name", "Broken <>", "Broken", "Broken"},
		{"missing closing bracket", "Jane <jane@x.com", "Jane", "jane@x.com"},
		{"empty", "   ", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, address := ParseAddress(tt.input)
			assert.Equal(t, tt.wantName, name)
			assert.Equal(t, tt.wantAddress, address)
		})
	}
}

func TestParseAddressList(t *testing.T) {
	got := ParseAddressList(`"Doe, Jane" <jane@x.com>, bob@x.com, , Carl <carl@x.com>`)
	assert.Equal(t, []string{"jane@x.com", "bob@x.com", "carl@x.com"}, got)

	assert.Empty(t, ParseAddressList(""))
}
