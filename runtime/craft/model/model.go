// Package model defines the raw text-generation contract that provider
// adapters (OpenAI-compatible, Anthropic, Bedrock) implement, plus the model
// reference a run carries in its configuration.
//
// The craft pipeline never talks to a provider SDK directly: stages call the
// generate package, which issues Complete requests through a Client resolved
// once per run and stored in a Ref.
package model

import (
	"context"
	"errors"
)

type (
	// Client is a chat-completion client. Implementations must be safe for
	// concurrent use: one Client is shared read-only by every concurrent run.
	Client interface {
		// Complete issues a single non-streaming completion.
		Complete(ctx context.Context, req *Request) (*Response, error)
	}

	// ClientFunc adapts a function to the Client interface.
	ClientFunc func(ctx context.Context, req *Request) (*Response, error)

	// Role identifies the author of a chat message.
	Role string

	// Message is one chat message sent to the provider.
	Message struct {
		Role    Role
		Content string
	}

	// Request captures the inputs of a completion call.
	Request struct {
		// Model is the provider-specific model identifier.
		Model string
		// Messages is the ordered conversation, system messages first.
		Messages []Message
		// MaxTokens caps the completion length. Zero uses the provider default.
		MaxTokens int
		// Temperature controls sampling. Nil uses the provider default.
		Temperature *float64
	}

	// Response is the provider answer to a Request.
	Response struct {
		// Content is the concatenated text of the completion.
		Content string
		// StopReason is the provider-specific stop reason, if any.
		StopReason string
		// Usage reports token consumption when the provider returns it.
		Usage TokenUsage
	}

	// TokenUsage tracks token counts for a completion.
	TokenUsage struct {
		InputTokens  int
		OutputTokens int
	}

	// Ref is a resolved model reference. It is computed once at run start and
	// passed by value into every generator call of the run.
	Ref struct {
		// Name is the catalog name the caller selected (e.g. "common_model").
		Name string
		// ID is the provider model identifier sent with each request.
		ID string
		// Provider names the backing provider for logs and metrics.
		Provider string
		// MaxTokens caps completions issued with this reference.
		MaxTokens int
		// Temperature is the sampling temperature, nil for provider default.
		Temperature *float64
		// Client issues the completions.
		Client Client
	}
)

const (
	// RoleSystem is used for system instructions.
	RoleSystem Role = "system"
	// RoleUser is used for human input.
	RoleUser Role = "user"
	// RoleAssistant is used for model output.
	RoleAssistant Role = "assistant"
)

// ErrRateLimited is returned (wrapped) by provider adapters when the provider
// throttles a request. Middleware uses it to back off.
var ErrRateLimited = errors.New("model: rate limited")

// Complete calls f(ctx, req).
func (f ClientFunc) Complete(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Request builds a completion request for msgs using the reference settings.
func (r Ref) Request(msgs []Message) *Request {
	return &Request{
		Model:       r.ID,
		Messages:    msgs,
		MaxTokens:   r.MaxTokens,
		Temperature: r.Temperature,
	}
}

// Valid reports whether the reference can issue requests.
func (r Ref) Valid() bool {
	return r.Client != nil && r.ID != ""
}
