package naming

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narrensicher/rshome/pkg/rshome/faults"
)

func TestSanitize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		expected string
	}{
		{"Valid_Name-123", "Valid_Name-123"},
		{"Invalid@Name!", "InvalidName"},
		{"Gustaff Pfiffikus", "GustaffPfiffikus"},
		{"Náïve", "Naive"},
		{"sikk 🦀", "sikk"},
		{"  spaced\tout\n", "spacedout"},
		{"🦀🦀🦀", ""},
		{"", ""},
		{"_leading", "_leading"},
		{"Ünïcödé Ümläuts", "UnicodeUmlauts"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := Sanitize(tt.input)
			if got != tt.expected {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestSanitizeTruncates(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("ab ", 80)
	got := Sanitize(long)
	assert.Len(t, got, MaxLength)
	assert.True(t, IsValidToken(got))
}

func TestSanitizeIdempotent(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"Valid_Name-123",
		"Invalid@Name!",
		"Náïve",
		"sikk 🦀",
		strings.Repeat("x", 250),
		strings.Repeat("é ", 90),
		"---",
		"",
	}
	for _, in := range inputs {
		once := Sanitize(in)
		assert.Equal(t, once, Sanitize(once), "input %q", in)
	}
}

func TestSanitizeValidTokenIsFixedPoint(t *testing.T) {
	t.Parallel()

	for _, tok := range []string{"a", "Alice", "_", "-x-", "A1_b2-C3", strings.Repeat("z", MaxLength)} {
		require.True(t, IsValidToken(tok), tok)
		assert.Equal(t, tok, Sanitize(tok))
	}
}

func TestIsValidToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		valid bool
	}{
		{"Alice", true},
		{"snake_case-42", true},
		{"", false},
		{"with space", false},
		{"Náïve", false},
		{"a@b", false},
		{strings.Repeat("a", MaxLength+1), false},
	}
	for _, tt := range tests {
		if got := IsValidToken(tt.input); got != tt.valid {
			t.Errorf("IsValidToken(%q) = %v, want %v", tt.input, got, tt.valid)
		}
	}
}

func TestSanitizeOptional(t *testing.T) {
	t.Parallel()

	_, err := SanitizeOptional(nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, faults.ErrInvalidArgument))

	name := "Bob Ross"
	got, err := SanitizeOptional(&name)
	require.NoError(t, err)
	assert.Equal(t, "BobRoss", got)
}
