package rlmloop

import (
	"regexp"
	"strings"
)

var (
	fencedBlockRe = regexp.MustCompile("(?s)```[a-zA-Z0-9_+-]*[ \t]*\n(.*?)```")

	// Shapes that mark a line as code rather than prose.
	codeLineRes = []*regexp.Regexp{
		regexp.MustCompile(`^\s*(import|from)\s+\w`),
		regexp.MustCompile(`^\s*(def|class|for|while|if|with|try|async)\b`),
		regexp.MustCompile(`^\s*\w+(\[[^\]]*\])?\s*=[^=]`),
		regexp.MustCompile(`^\s*\w+(\.\w+)*\(.*\)\s*$`),
	}
)

// ExtractCode pulls a single runnable snippet out of free-form model text.
// Precedence: the first fenced code block wins regardless of its info
// string; only when no fence exists is the whole response considered, and
// then only if at least one line is code-shaped (assignment, import,
// definition, loop, or a bare call). Returns false when neither applies.
func ExtractCode(text string) (string, bool) {
	if m := fencedBlockRe.FindStringSubmatch(text); m != nil {
		code := strings.TrimSpace(m[1])
		if code != "" {
			return code, true
		}
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", false
	}
	for _, line := range strings.Split(trimmed, "\n") {
		for _, re := range codeLineRes {
			if re.MatchString(line) {
				return trimmed, true
			}
		}
	}
	return "", false
}
