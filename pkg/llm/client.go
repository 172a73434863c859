// Package llm provides the completion-service abstraction used for
// extraction, classification, and agent reasoning.
//
// Clients handle API communication and return plain responses. This design
// keeps providers focused on LLM concerns without coupling them to
// orchestrator events; the workflow layer is responsible for turning model
// output into step results and events.
package llm

import "context"

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Image is an inline image attachment for vision-capable completions.
type Image struct {
	// MediaType is the MIME type of Data (e.g. "image/png").
	MediaType string

	// Data is the raw image bytes.
	Data []byte
}

// Message is a single conversation turn.
type Message struct {
	Role    Role
	Content string

	// Images holds inline attachments. Only user messages may carry
	// images; providers reject them elsewhere.
	Images []Image
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewImageMessage creates a user message carrying an inline image.
func NewImageMessage(content string, mediaType string, data []byte) Message {
	return Message{
		Role:    RoleUser,
		Content: content,
		Images:  []Image{{MediaType: mediaType, Data: data}},
	}
}

// Request is a single completion request.
type Request struct {
	// Model overrides the client's default model when non-empty.
	Model string

	// Messages is the conversation to complete.
	Messages []Message

	// JSONOnly asks the model for a JSON object response.
	JSONOnly bool

	// MaxTokens bounds the completion length (0 means provider default).
	MaxTokens int
}

// Usage reports token consumption for one completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is the model's reply.
type Response struct {
	Content string
	Usage   Usage
}

// Client is the completion-service interface consumed by the extraction
// engine and the workflow orchestrator. Implementations must be safe for
// concurrent use.
type Client interface {
	// Complete sends a request and returns the full response.
	Complete(ctx context.Context, req *Request) (*Response, error)
}
