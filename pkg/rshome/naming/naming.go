// Package naming maps arbitrary display names to tokens that are safe to use
// as participant names inside language-model prompts.
package naming

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/narrensicher/rshome/pkg/rshome/faults"
)

// MaxLength is the maximum length of a canonical token in runes.
const MaxLength = 100

// Delimiter replaces whitespace runs. It is empty, so "Gustaff Pfiffikus"
// becomes "GustaffPfiffikus".
const Delimiter = ""

var validToken = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Sanitize returns the canonical token for name. The result only contains
// [A-Za-z0-9_-] and may be empty. Sanitize is idempotent.
func Sanitize(name string) string {
	if name == "" {
		return ""
	}
	if IsValidToken(name) {
		return name
	}

	var b strings.Builder
	b.Grow(len(name))
	inSpace := false
	for _, r := range norm.NFD.String(name) {
		if unicode.IsSpace(r) {
			if !inSpace {
				b.WriteString(Delimiter)
			}
			inSpace = true
			continue
		}
		inSpace = false
		if isTokenRune(r) {
			b.WriteRune(r)
		}
	}

	out := b.String()
	if len(out) > MaxLength {
		out = out[:MaxLength]
	}
	if Delimiter != "" {
		out = strings.Trim(out, Delimiter)
	}
	return out
}

// SanitizeOptional is Sanitize for values that may be absent. A nil name is a
// caller bug and yields ErrInvalidArgument.
func SanitizeOptional(name *string) (string, error) {
	if name == nil {
		return "", faults.Invalid("display name is absent")
	}
	return Sanitize(*name), nil
}

// IsValidToken reports whether name is already a canonical token: non-empty,
// at most MaxLength runes, and made of [A-Za-z0-9_-] only.
func IsValidToken(name string) bool {
	return name != "" && utf8.RuneCountInString(name) <= MaxLength && validToken.MatchString(name)
}

func isTokenRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '_' || r == '-':
		return true
	}
	return false
}
