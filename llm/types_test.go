package llm

import "testing"

func TestResponseText(t *testing.T) {
	cases := []struct {
		name     string
		segments []string
		want     string
	}{
		{"empty", nil, ""},
		{"single", []string{"hello"}, "hello"},
		{"multiple", []string{"a", "b", "c"}, "abc"},
	}

	for _, tc := range cases {
		r := &Response{Segments: tc.segments}
		if got := r.Text(); got != tc.want {
			t.Errorf("%s: expected %q, got %q", tc.name, tc.want, got)
		}
	}
}

func TestMessageConstructors(t *testing.T) {
	u := UserMessage("question")
	if u.Role != RoleUser || u.Content != "question" {
		t.Errorf("unexpected user message: %+v", u)
	}
	a := AssistantMessage("answer")
	if a.Role != RoleAssistant || a.Content != "answer" {
		t.Errorf("unexpected assistant message: %+v", a)
	}
}
