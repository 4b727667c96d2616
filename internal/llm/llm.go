// Package llm adapts hosted language and embedding models to the small
// request/response contract the workflow engine needs.
package llm

import (
	"context"
	"errors"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Format is the expected shape of the model's answer.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Message is one conversational turn.
type Message struct {
	Role    Role
	Content string
}

// Request is a single completion call.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature *float64
	Format      Format
}

// Usage reports token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Response is the model's answer.
type Response struct {
	Text         string
	Model        string
	FinishReason string
	// Truncated is set when the model stopped on its output token limit.
	Truncated bool
	Usage     Usage
}

// Client completes prompts.
type Client interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// Embedder turns texts into vectors, one per input in the same order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ErrNotConfigured is returned by adapters built without credentials.
var ErrNotConfigured = errors.New("llm provider not configured")

// Unconfigured satisfies Client and Embedder and fails every call. It lets
// the server start without model credentials.
type Unconfigured struct{}

func (Unconfigured) Complete(context.Context, *Request) (*Response, error) {
	return nil, NewFatalError(ErrNotConfigured)
}

func (Unconfigured) Embed(context.Context, []string) ([][]float32, error) {
	return nil, NewFatalError(ErrNotConfigured)
}
