// Package openai provides a model.Client backed by an OpenAI-compatible Chat
// Completions endpoint. It translates craft requests into ChatCompletion calls
// using github.com/openai/openai-go and maps responses and errors back to the
// generic model structures. Any provider exposing the same API (local
// gateways, hosted open-weight models) can be reached by setting BaseURL.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/craftcard/craftcard/runtime/craft/model"
)

const providerName = "openai"

type (
	// ChatClient captures the subset of the openai-go client used by the
	// adapter. *openai.ChatCompletionService satisfies it.
	ChatClient interface {
		New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
	}

	// Options configures the OpenAI adapter.
	Options struct {
		// Client issues the requests. Required.
		Client ChatClient
		// DefaultModel is used when a request does not name a model.
		DefaultModel string
	}

	// Client implements model.Client via the Chat Completions API.
	Client struct {
		chat  ChatClient
		model string
	}
)

// New builds an OpenAI-backed model client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	return &Client{chat: opts.Client, model: opts.DefaultModel}, nil
}

// NewFromAPIKey constructs a client with the default openai-go HTTP client.
// baseURL may be empty to use the OpenAI endpoint.
func NewFromAPIKey(apiKey, baseURL, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(strings.TrimRight(baseURL, "/")+"/"))
	}
	c := openai.NewClient(reqOpts...)
	return New(Options{Client: &c.Chat.Completions, DefaultModel: defaultModel})
}

// Complete renders a chat completion using the configured client.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	if modelID == "" {
		return nil, errors.New("model is required")
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(modelID),
		Messages: encodeMessages(req.Messages),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		return nil, wrapError(err)
	}
	return translateResponse(resp)
}

func encodeMessages(msgs []model.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case model.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case model.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func translateResponse(resp *openai.ChatCompletion) (*model.Response, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return nil, &model.ProviderError{
			Provider:  providerName,
			Operation: "chat_completion",
			Kind:      model.ProviderErrorKindUnknown,
			Message:   "response has no choices",
		}
	}
	choice := resp.Choices[0]
	return &model.Response{
		Content:    choice.Message.Content,
		StopReason: string(choice.FinishReason),
		Usage: model.TokenUsage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

// wrapError classifies SDK errors into provider errors. Non-API errors
// (network, context) are reported as unavailable.
func wrapError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = http.StatusText(apiErr.StatusCode)
		}
		kind := model.KindForStatus(apiErr.StatusCode)
		return &model.ProviderError{
			Provider:  providerName,
			Operation: "chat_completion",
			Status:    apiErr.StatusCode,
			Kind:      kind,
			Code:      apiErr.Code,
			Message:   msg,
			Retryable: kind == model.ProviderErrorKindRateLimited || kind == model.ProviderErrorKindUnavailable,
			Err:       err,
		}
	}
	return &model.ProviderError{
		Provider:  providerName,
		Operation: "chat_completion",
		Kind:      model.ProviderErrorKindUnavailable,
		Message:   fmt.Sprintf("transport: %v", err),
		Retryable: true,
		Err:       err,
	}
}
