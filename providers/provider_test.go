package providers

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

func TestSelectRoutesByModelFamily(t *testing.T) {
	cases := []struct {
		model string
		want  Name
	}{
		{"claude-sonnet-4-5", Anthropic},
		{"Claude-3-5-haiku", Anthropic},
		{"o1-preview", OpenAIResponses},
		{"o3-mini", OpenAIResponses},
		{"o4-mini", OpenAIResponses},
		{"gpt-5", OpenAIResponses},
		{"gpt-5-mini", OpenAIResponses},
		{"gpt-4o", OpenAIChat},
		{"gpt-4.1", OpenAIChat},
		{"some-future-model", OpenAIChat},
	}
	for _, tt := range cases {
		require.Equal(t, tt.want, Select(tt.model), "model %s", tt.model)
	}
}

func TestValid(t *testing.T) {
	require.True(t, Valid(OpenAIChat))
	require.True(t, Valid(OpenAIResponses))
	require.True(t, Valid(Anthropic))
	require.False(t, Valid("bedrock"))
	require.False(t, Valid(""))
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("x", 100)
	got := Truncate(long, 10)
	require.Equal(t, long[:10]+TruncationMarker, got)

	require.Equal(t, "short", Truncate("short", 10))
	require.Equal(t, long, Truncate(long, 0))
	require.Equal(t, long, Truncate(long, -1))
}

func TestTruncateKeepsRuneBoundaries(t *testing.T) {
	long := strings.Repeat("é", 10)
	got := Truncate(long, 5)
	require.True(t, utf8.ValidString(got))
	require.Equal(t, strings.Repeat("é", 2)+TruncationMarker, got)

	// A cap landing exactly on a rune boundary cuts there.
	require.Equal(t, strings.Repeat("é", 3)+TruncationMarker, Truncate(long, 6))
}
