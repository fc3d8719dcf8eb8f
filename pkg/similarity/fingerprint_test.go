package similarity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "already normalized",
			input:    "summarize this report",
			expected: "summarize this report",
		},
		{
			name:     "mixed case and extra whitespace",
			input:    "  Summarize\tTHIS \n report  ",
			expected: "summarize this report",
		},
		{
			name:     "empty",
			input:    "",
			expected: "",
		},
		{
			name:     "whitespace only",
			input:    " \t\n ",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Normalize(tt.input))
		})
	}
}

func TestDedupHash(t *testing.T) {
	h1 := DedupHash("summarize this report")
	h2 := DedupHash(Normalize("  Summarize THIS report "))
	assert.Equal(t, h1, h2, "normalized variants must collide")

	h3 := DedupHash("translate this report")
	assert.NotEqual(t, h1, h3)

	assert.Len(t, h1, 64, "blake2b-256 hex digest")
}

func TestSimHash_NearDuplicates(t *testing.T) {
	base := SimHash("please summarize the quarterly financial report for the board meeting")
	almost := SimHash("please summarize the quarterly financial report for the board session")
	unrelated := SimHash("write a python function that reverses a linked list in place")

	require.NotZero(t, base)

	nearDist := HammingDistance(base, almost)
	farDist := HammingDistance(base, unrelated)
	assert.Less(t, nearDist, farDist, "one-word edit must be closer than an unrelated text")

	assert.True(t, IsNearDuplicate(base, base, 0))
	assert.False(t, IsNearDuplicate(base, unrelated, 3))
}

func TestSimHash_Deterministic(t *testing.T) {
	text := "classify customer support tickets by topic"
	assert.Equal(t, SimHash(text), SimHash(text))
	assert.Zero(t, SimHash(""))
}

func TestHammingDistance(t *testing.T) {
	assert.Equal(t, 0, HammingDistance(0, 0))
	assert.Equal(t, 1, HammingDistance(0, 1))
	assert.Equal(t, 64, HammingDistance(0, ^uint64(0)))
}
