// Package challenge derives the document server's verification cookie from the token it
// embeds in challenge pages.
package challenge

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/JakeFAU/sse-bulletin-crawler/internal/crawler"
)

// Fixed parameters of the acw_sc__v2 challenge.
const (
	CookieName    = "acw_sc__v2"
	CookieDomain  = ".sse.com.cn"
	mask          = "3000176000856006061501533003690027800375"
	tokenVariable = "arg1"
)

// permutation is 1-based: output slot i takes token character permutation[i]-1.
var permutation = [40]int{
	15, 35, 29, 24, 33, 16, 1, 38, 10, 9,
	19, 31, 40, 27, 22, 23, 25, 13, 6, 11,
	39, 18, 20, 8, 14, 21, 32, 26, 2, 30,
	7, 4, 17, 5, 3, 28, 34, 37, 12, 36,
}

var tokenPattern = regexp.MustCompile(`var ` + tokenVariable + `='([^']+)'`)

// Solver turns a challenge page into a verification cookie.
type Solver struct {
	domain string
}

// NewSolver returns a solver whose cookies are scoped to domain
// (CookieDomain when empty).
func NewSolver(domain string) *Solver {
	if domain == "" {
		domain = CookieDomain
	}
	return &Solver{domain: domain}
}

// Solve extracts the token from body and derives the cookie.
func (s *Solver) Solve(body string) (crawler.VerificationCookie, error) {
	token, err := ExtractToken(body)
	if err != nil {
		return crawler.VerificationCookie{}, err
	}
	return crawler.VerificationCookie{
		Name:   CookieName,
		Value:  Derive(token),
		Domain: s.domain,
	}, nil
}

// ExtractToken returns the single-quoted arg1 assignment embedded in body.
func ExtractToken(body string) (string, error) {
	m := tokenPattern.FindStringSubmatch(body)
	if m == nil {
		return "", crawler.Errorf(crawler.KindTokenNotFound, "extract challenge token", "no %s assignment in %d byte body", tokenVariable, len(body))
	}
	return m[1], nil
}

// Derive computes the cookie value for token. It is a pure function.
func Derive(token string) string {
	return xorMask(permute(token))
}

// permute indexes the token by character, so a multi-byte rune is moved whole.
func permute(token string) string {
	chars := []rune(token)
	var b strings.Builder
	b.Grow(len(permutation))
	for _, pos := range permutation {
		if idx := pos - 1; idx < len(chars) {
			b.WriteRune(chars[idx])
		}
	}
	return b.String()
}

func xorMask(intermediate string) string {
	chars := []rune(intermediate)
	limit := min(len(chars), len(mask))
	var b strings.Builder
	b.Grow(limit)
	for i := 0; i+2 <= limit; i += 2 {
		v := parseHexPrefix(string(chars[i:i+2])) ^ parseHexPrefix(mask[i:i+2])
		if v < 0x10 {
			b.WriteByte('0')
		}
		b.WriteString(strconv.FormatInt(v, 16))
	}
	return b.String()
}

// parseHexPrefix reads the leading hex digits of s; a pair with no leading hex digit is 0.
// Leading whitespace and signs are not skipped, which keeps every output pair in [0-9a-f].
func parseHexPrefix(s string) int64 {
	end := 0
	for end < len(s) && isHexDigit(s[end]) {
		end++
	}
	if end == 0 {
		return 0
	}
	v, err := strconv.ParseInt(s[:end], 16, 64)
	if err != nil {
		return 0
	}
	return v
}

func isHexDigit(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}
