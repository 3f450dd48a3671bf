package llm

import "strings"

// Role identifies who produced a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in a conversation history. Insertion order is
// significant; histories are append-only and owned by the caller.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// UserMessage creates a user Message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// AssistantMessage creates an assistant Message.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: text}
}

// Request is the input to Complete.
type Request struct {
	Model        string    `json:"model,omitempty"`
	SystemPrompt string    `json:"system_prompt"`
	Messages     []Message `json:"messages"`
	MaxTokens    int       `json:"max_tokens,omitempty"`
}

// Response is the output of Complete. Providers may return the completion
// in several text segments; Text joins them in order.
type Response struct {
	Segments []string `json:"segments"`
	Model    string   `json:"model,omitempty"`
}

// Text returns the concatenation of all response segments.
func (r *Response) Text() string {
	if len(r.Segments) == 1 {
		return r.Segments[0]
	}
	var sb strings.Builder
	for _, s := range r.Segments {
		sb.WriteString(s)
	}
	return sb.String()
}
