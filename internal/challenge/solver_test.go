package challenge

import (
	"regexp"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sse-bulletin-crawler/internal/crawler"
)

var lowerHex = regexp.MustCompile(`^[0-9a-f]*$`)

func challengePage(token string) string {
	return "<html><script>var arg1='" + token + "';var _0x4818=['acw_sc__v2'];</script></html>"
}

func TestSolveKnownTokens(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		token string
		want  string
	}{
		{name: "hex token", token: "3AB9B1E5C1F0D2A8E4C7B6D9F0A1B2C3D4E5F6A7", want: "9eb9cf561c491a6bfb0aa5261b33cbe9cc314c70"},
		{name: "digits and letters", token: "0123456789ABCDEF0123456789ABCDEF01234567", want: "d2c7186598ab1a508a4f6064e4fa746323ab17c6"},
		{name: "all zero token yields mask", token: strings.Repeat("0", 40), want: mask},
		{name: "non hex characters parse as prefix", token: "abcdefghijklmnopqrstuvwxyz0123456789ABCD", want: "300211cb0085b006061a0d533006da0027417975"},
		{name: "short token keeps full pairs only", token: "abc", want: "9b"},
	}

	s := NewSolver("")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cookie, err := s.Solve(challengePage(tt.token))
			require.NoError(t, err)
			require.Equal(t, tt.want, cookie.Value)
			require.Equal(t, CookieName, cookie.Name)
			require.Equal(t, CookieDomain, cookie.Domain)
		})
	}
}

func TestSolveIsDeterministic(t *testing.T) {
	t.Parallel()

	s := NewSolver(".example.com")
	body := challengePage("A1B2C3D4E5F60718293A4B5C6D7E8F9012345678")
	first, err := s.Solve(body)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := s.Solve(body)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
	require.Equal(t, ".example.com", first.Domain)
}

func TestDeriveAlphabetAndLength(t *testing.T) {
	t.Parallel()

	tokens := []string{
		"abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ",
		"abc",
		"9",
		"",
		strings.Repeat("f", 40),
		strings.Repeat("z", 64),
		"6E3A1F0C0D0B7A2E9C8D7F6E5A4B3C2D1E0F9A8B7C6D",
	}
	for _, tok := range tokens {
		intermediate := permute(tok)
		got := Derive(tok)
		limit := min(len(intermediate), len(mask))
		require.Len(t, got, limit-limit%2, "token %q", tok)
		require.Regexp(t, lowerHex, got, "token %q", tok)
	}
}

func TestPermuteSkipsPositionsBeyondToken(t *testing.T) {
	t.Parallel()

	require.Equal(t, "abc", permute("abc"))
	require.Equal(t, "", permute(""))
	require.Len(t, permute(strings.Repeat("x", 100)), 40)
}

func TestDeriveIndexesByCharacter(t *testing.T) {
	t.Parallel()

	rest := "123456789abcdef0123456789abcdef01234567"
	token := "é" + rest

	intermediate := permute(token)
	require.True(t, utf8.ValidString(intermediate))
	require.Equal(t, 40, utf8.RuneCountInString(intermediate))
	require.Contains(t, intermediate, "é")

	// A non-hex character contributes nothing to its pair, whatever its width.
	require.Equal(t, Derive("z"+rest), Derive(token))
	require.Regexp(t, lowerHex, Derive(token))
	require.Len(t, Derive(token), 40)
}

func TestSolveTokenNotFound(t *testing.T) {
	t.Parallel()

	_, err := NewSolver("").Solve("<html>acw_sc__v2 but no token</html>")
	require.Error(t, err)
	require.True(t, crawler.IsKind(err, crawler.KindTokenNotFound))
}

func TestParseHexPrefix(t *testing.T) {
	t.Parallel()

	require.Equal(t, int64(0xab), parseHexPrefix("ab"))
	require.Equal(t, int64(0xAB), parseHexPrefix("AB"))
	require.Equal(t, int64(1), parseHexPrefix("1g"))
	require.Equal(t, int64(0), parseHexPrefix("gh"))
}

func TestDetector(t *testing.T) {
	t.Parallel()

	d := NewDetector("")
	require.True(t, d.IsChallenge([]byte(challengePage("abc"))))
	require.False(t, d.IsChallenge([]byte("%PDF-1.7 binary")))
	require.False(t, d.IsChallenge(nil))

	custom := NewDetector("verify-me")
	require.True(t, custom.IsChallenge([]byte("please verify-me now")))
	require.False(t, custom.IsChallenge([]byte(challengePage("abc"))))
}
