package crawl

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalize(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases scheme and host", "HTTP://Example.COM/Path", "http://example.com/Path"},
		{"strips default http port", "http://example.com:80/a", "http://example.com/a"},
		{"strips default https port", "https://example.com:443/a", "https://example.com/a"},
		{"keeps non-default port", "http://example.com:8080/a", "http://example.com:8080/a"},
		{"drops fragment", "http://example.com/a#section", "http://example.com/a"},
		{"normalizes trailing slash", "http://example.com/a/", "http://example.com/a"},
		{"bare host gets root path", "http://example.com", "http://example.com/"},
		{"root slash is kept", "http://example.com/", "http://example.com/"},
		{"sorts query keys", "http://example.com/a?b=2&a=1", "http://example.com/a?a=1&b=2"},
		{"adds scheme to bare input", "example.com/page", "http://example.com/page"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Canonicalize(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestCanonicalizeRejectsBadInput(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "   ", "ftp://example.com/file", "mailto:a@b.c", "http://"} {
		_, err := Canonicalize(in)
		require.Error(t, err, "input %q", in)
	}
}

func TestCanonicalizeIdempotent(t *testing.T) {
	t.Parallel()

	once, err := Canonicalize("HTTP://Example.com:80/a/?z=1&y=2#frag")
	require.NoError(t, err)
	twice, err := Canonicalize(once)
	require.NoError(t, err)
	require.Equal(t, once, twice)
}

func TestDomain(t *testing.T) {
	t.Parallel()

	d, err := Domain("http://Sub.Example.com:8080/path")
	require.NoError(t, err)
	require.Equal(t, "sub.example.com", d)

	_, err = Domain("not a url::::")
	require.Error(t, err)
}

func TestURLStateTerminal(t *testing.T) {
	t.Parallel()

	require.True(t, StateDone.Terminal())
	require.True(t, StateFailed.Terminal())
	require.True(t, StateRejected.Terminal())
	require.False(t, StateQueued.Terminal())
	require.False(t, StateInFlight.Terminal())
}
