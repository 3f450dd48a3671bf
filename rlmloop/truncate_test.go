package rlmloop

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncateStdoutKeepsExactTail(t *testing.T) {
	out := strings.Repeat("a", 100) + strings.Repeat("b", 50)
	got := TruncateStdout(out, 50)

	assert.True(t, strings.HasSuffix(got, strings.Repeat("b", 50)), "exactly the last 50 characters survive")
	assert.Contains(t, got, "100 characters were removed")
	assert.NotContains(t, got[len(got)-50:], "a")
}

func TestTruncateStdoutShortPassesThrough(t *testing.T) {
	assert.Equal(t, "short", TruncateStdout("short", 50))
	exact := strings.Repeat("x", 50)
	assert.Equal(t, exact, TruncateStdout(exact, 50))
}

func TestTruncateStdoutEmptyGetsMarker(t *testing.T) {
	assert.Equal(t, "[no output]", TruncateStdout("", 50))
}

func TestTruncateStderrKeepsHead(t *testing.T) {
	errOut := "Traceback (most recent call last):\n" + strings.Repeat("  frame\n", 100)
	got := TruncateStderr(errOut, 40)

	assert.True(t, strings.HasPrefix(got, errOut[:40]), "the head survives, not the tail")
	assert.Contains(t, got, "truncated at 40 characters")

	assert.Equal(t, "fine", TruncateStderr("fine", 40))
}
