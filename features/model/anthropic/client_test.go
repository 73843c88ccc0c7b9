package anthropic

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"

	"github.com/craftcard/craftcard/runtime/craft/model"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func TestCompleteTextOnly(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "wor"},
			{Type: "text", Text: "ld"},
		},
		StopReason: sdk.StopReasonEndTurn,
		Usage:      sdk.Usage{InputTokens: 10, OutputTokens: 5},
	}}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4-5", MaxTokens: 128})
	require.NoError(t, err)

	resp, err := cl.Complete(context.Background(), &model.Request{
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: "be terse"},
			{Role: model.RoleUser, Content: "hello"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "world", resp.Content)
	require.Equal(t, "end_turn", resp.StopReason)
	require.Equal(t, model.TokenUsage{InputTokens: 10, OutputTokens: 5}, resp.Usage)

	require.Equal(t, int64(128), stub.lastParams.MaxTokens)
	require.Equal(t, sdk.Model("claude-sonnet-4-5"), stub.lastParams.Model)
	require.Len(t, stub.lastParams.System, 1)
	require.Equal(t, "be terse", stub.lastParams.System[0].Text)
	require.Len(t, stub.lastParams.Messages, 1)
}

func TestEncodeMessagesMergesConsecutiveRoles(t *testing.T) {
	conv, system := encodeMessages([]model.Message{
		{Role: model.RoleSystem, Content: "s1"},
		{Role: model.RoleUser, Content: "u1"},
		{Role: model.RoleUser, Content: "u2"},
		{Role: model.RoleAssistant, Content: "a1"},
		{Role: model.RoleSystem, Content: "s2"},
		{Role: model.RoleUser, Content: "u3"},
	})
	require.Len(t, system, 2)
	require.Len(t, conv, 3)
	require.Equal(t, sdk.MessageParamRoleUser, conv[0].Role)
	require.Equal(t, "u1\n\nu2", conv[0].Content[0].OfText.Text)
	require.Equal(t, sdk.MessageParamRoleAssistant, conv[1].Role)
	require.Equal(t, sdk.MessageParamRoleUser, conv[2].Role)
}

func TestCompleteRateLimited(t *testing.T) {
	stub := &stubMessagesClient{err: &sdk.Error{
		StatusCode: http.StatusTooManyRequests,
		Request:    httptest.NewRequest(http.MethodPost, "https://api.anthropic.com/v1/messages", nil),
		Response:   &http.Response{StatusCode: http.StatusTooManyRequests},
	}}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4-5"})
	require.NoError(t, err)

	_, err = cl.Complete(context.Background(), &model.Request{Messages: []model.Message{{Role: model.RoleUser, Content: "x"}}})
	require.ErrorIs(t, err, model.ErrRateLimited)
	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	require.Equal(t, "anthropic", pe.Provider)
	require.Equal(t, int64(defaultMaxTokens), stub.lastParams.MaxTokens)
}

func TestCompleteRequiresConversation(t *testing.T) {
	cl, err := New(&stubMessagesClient{}, Options{DefaultModel: "claude-sonnet-4-5"})
	require.NoError(t, err)
	_, err = cl.Complete(context.Background(), &model.Request{Messages: []model.Message{{Role: model.RoleSystem, Content: "only system"}}})
	require.Error(t, err)
}
