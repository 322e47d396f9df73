package domain

import "context"

// ChatMessage is the wire-level {role, content} pair sent to completion APIs.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Messages    []ChatMessage
	Model       string
	MaxTokens   int
	Temperature float64
}

// StreamEventType classifies a streaming event.
type StreamEventType string

const (
	StreamToken StreamEventType = "token"
	StreamDone  StreamEventType = "done"
	StreamError StreamEventType = "error"
)

// StreamEvent is a single event emitted by a streaming completion.
type StreamEvent struct {
	Type    StreamEventType `json:"type"`
	Content string          `json:"content,omitempty"` // token text or error message
	Usage   *Usage          `json:"usage,omitempty"`   // set on StreamDone when the API reports it
}

// StreamingProvider opens a streaming chat completion against a cloud API.
// Implementations must close out when they return.
type StreamingProvider interface {
	Name() string
	ChatStream(ctx context.Context, req ChatRequest, out chan<- StreamEvent) error
	Healthy(ctx context.Context) error
}

// LocalRuntime is the on-device inference capability.
// ActivateModel may race with Generate while the runtime is loading weights.
type LocalRuntime interface {
	IsAvailable(ctx context.Context) bool
	Generate(ctx context.Context, prompt, model string) (string, error)
	ActivateModel(ctx context.Context, id string) error
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
