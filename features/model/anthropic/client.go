// Package anthropic provides a model.Client backed by the Anthropic Claude
// Messages API. It translates craft requests into Messages.New calls using
// github.com/anthropics/anthropic-sdk-go and maps responses, usage and errors
// back into the generic model structures.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/craftcard/craftcard/runtime/craft/model"
)

const providerName = "anthropic"

// defaultMaxTokens is used when neither the request nor the options set a
// limit; the Messages API requires one.
const defaultMaxTokens = 4096

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the adapter. It is satisfied by *sdk.MessageService.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures optional Anthropic adapter behavior.
	Options struct {
		// DefaultModel is the Claude model identifier used when a request does
		// not name one (for example "claude-sonnet-4-5").
		DefaultModel string
		// MaxTokens is the completion cap used when a request sets none.
		MaxTokens int
	}

	// Client implements model.Client on top of Anthropic Claude Messages.
	Client struct {
		msg       MessagesClient
		model     string
		maxTokens int
	}
)

// New builds an Anthropic-backed model client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic messages client is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Client{msg: msg, model: opts.DefaultModel, maxTokens: maxTokens}, nil
}

// NewFromAPIKey constructs a client using the default SDK HTTP client.
func NewFromAPIKey(apiKey, baseURL, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	ac := sdk.NewClient(reqOpts...)
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Complete issues a Messages.New request. System messages are lifted into the
// system prompt; consecutive turns of the same role are merged because the
// API requires alternating roles.
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
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	conversation, system := encodeMessages(req.Messages)
	if len(conversation) == 0 {
		return nil, errors.New("at least one user or assistant message is required")
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  conversation,
		Model:     sdk.Model(modelID),
	}
	if len(system) > 0 {
		params.System = system
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return nil, wrapError(err)
	}
	return translateResponse(msg)
}

func encodeMessages(msgs []model.Message) ([]sdk.MessageParam, []sdk.TextBlockParam) {
	var (
		conversation []sdk.MessageParam
		system       []sdk.TextBlockParam
		pending      []string
		pendingRole  model.Role
	)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		block := sdk.NewTextBlock(strings.Join(pending, "\n\n"))
		if pendingRole == model.RoleAssistant {
			conversation = append(conversation, sdk.NewAssistantMessage(block))
		} else {
			conversation = append(conversation, sdk.NewUserMessage(block))
		}
		pending = nil
	}
	for _, m := range msgs {
		if m.Role == model.RoleSystem {
			system = append(system, sdk.TextBlockParam{Text: m.Content})
			continue
		}
		role := model.RoleUser
		if m.Role == model.RoleAssistant {
			role = model.RoleAssistant
		}
		if role != pendingRole {
			flush()
			pendingRole = role
		}
		pending = append(pending, m.Content)
	}
	flush()
	return conversation, system
}

func translateResponse(msg *sdk.Message) (*model.Response, error) {
	if msg == nil {
		return nil, errors.New("anthropic: response message is nil")
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return &model.Response{
		Content:    b.String(),
		StopReason: string(msg.StopReason),
		Usage: model.TokenUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

func wrapError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		kind := model.KindForStatus(apiErr.StatusCode)
		return &model.ProviderError{
			Provider:  providerName,
			Operation: "messages.new",
			Status:    apiErr.StatusCode,
			Kind:      kind,
			Message:   http.StatusText(apiErr.StatusCode),
			Retryable: kind == model.ProviderErrorKindRateLimited || kind == model.ProviderErrorKindUnavailable,
			Err:       err,
		}
	}
	return &model.ProviderError{
		Provider:  providerName,
		Operation: "messages.new",
		Kind:      model.ProviderErrorKindUnavailable,
		Message:   fmt.Sprintf("transport: %v", err),
		Retryable: true,
		Err:       err,
	}
}
