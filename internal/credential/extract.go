package credential

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
)

// MinRawTokenLength is the length a bare input must exceed before it is
// accepted as a token on its own. The value is a heuristic, not a protocol limit.
var MinRawTokenLength = 50

var (
	// ErrInvalidInput is returned for empty or whitespace-only input.
	ErrInvalidInput = errors.New("credential input is empty")
	// ErrUnrecognized is returned when no token can be found in the input.
	ErrUnrecognized = errors.New("credential not recognized")
)

// tokenParam matches any token=value pair. The value ends at a cookie or
// query separator, whitespace, a comma or a quote.
var tokenParam = regexp.MustCompile(`token=([^;&\s,"]+)`)

// Extract normalizes a pasted token, cookie string or URL into a single
// opaque token string.
func Extract(input string) (string, error) {
	v := strings.TrimSpace(input)
	if v == "" {
		return "", ErrInvalidInput
	}

	if tok, ok := findToken(v); ok {
		return tok, nil
	}

	if looksLikeRawToken(v) {
		return v, nil
	}

	return "", errors.WithHint(ErrUnrecognized,
		"paste the raw token, a cookie containing token=..., or a URL with ?token=...")
}

// findToken returns the first standalone token= value, so token= wins over
// access_token= when both are present. A name that only ends in "token" is
// still accepted when nothing better is found.
func findToken(v string) (string, bool) {
	matches := tokenParam.FindAllStringSubmatchIndex(v, -1)
	if len(matches) == 0 {
		return "", false
	}
	for _, m := range matches {
		if m[0] == 0 || !isNameByte(v[m[0]-1]) {
			return v[m[2]:m[3]], true
		}
	}
	return v[matches[0][2]:matches[0][3]], true
}

func isNameByte(b byte) bool {
	return b == '_' || b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}

func looksLikeRawToken(v string) bool {
	if utf8.RuneCountInString(v) <= MinRawTokenLength {
		return false
	}
	if strings.Contains(v, "http") {
		return false
	}
	return !strings.ContainsFunc(v, func(r rune) bool {
		return r == '=' || r == ';' || r == '&' || unicode.IsSpace(r)
	})
}

// Mask shortens a credential for display, keeping only its first 20 characters.
func Mask(token string) string {
	const keep = 20
	if utf8.RuneCountInString(token) <= keep {
		return token
	}
	r := []rune(token)
	return string(r[:keep]) + "..."
}
