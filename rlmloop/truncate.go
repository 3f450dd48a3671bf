package rlmloop

import "fmt"

// TruncateStdout bounds execution output for the next prompt. Output
// longer than limit keeps exactly the last limit characters: later prints
// usually summarize accumulated work, so recency wins over the head.
// Empty output is replaced with an explicit marker so the model never sees
// a silently blank result.
func TruncateStdout(output string, limit int) string {
	if output == "" {
		return "[no output]"
	}
	if limit <= 0 || len(output) <= limit {
		return output
	}
	removed := len(output) - limit
	return fmt.Sprintf("[WARNING: output was truncated. First %d characters were removed; the most recent output follows.]\n", removed) +
		output[len(output)-limit:]
}

// TruncateStderr hard-caps diagnostics at the head. Tracebacks lead with
// the failing frame, so the head is enough to diagnose a crash.
func TruncateStderr(output string, limit int) string {
	if limit <= 0 || len(output) <= limit {
		return output
	}
	return output[:limit] + fmt.Sprintf("\n[stderr truncated at %d characters]", limit)
}
