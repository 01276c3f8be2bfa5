package openai

import (
	"testing"

	"github.com/kiroproxy/gateway/internal/claude"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromMessageResponse_TextOnly(t *testing.T) {
	resp := &claude.MessageResponse{
		ID:         "msg_1",
		Model:      "claude-opus-4.5",
		StopReason: "end_turn",
		Content: []claude.ContentBlock{
			{Type: "text", Text: "hello"},
		},
		Usage: claude.Usage{InputTokens: 10, OutputTokens: 5},
	}

	out := FromMessageResponse(resp, "gpt-4o")

	assert.Equal(t, "chat.completion", out.Object)
	assert.Equal(t, "claude-opus-4.5", out.Model)
	require.Len(t, out.Choices, 1)
	require.NotNil(t, out.Choices[0].Message.Content)
	assert.Equal(t, "hello", *out.Choices[0].Message.Content)
	assert.Equal(t, "stop", *out.Choices[0].FinishReason)
	assert.Equal(t, 15, out.Usage.TotalTokens)
}

func TestFromMessageResponse_FallsBackToRequestedModel(t *testing.T) {
	resp := &claude.MessageResponse{StopReason: "end_turn"}
	out := FromMessageResponse(resp, "gpt-4o")
	assert.Equal(t, "gpt-4o", out.Model)
}

func TestFromMessageResponse_ToolUseBecomesToolCall(t *testing.T) {
	resp := &claude.MessageResponse{
		StopReason: "tool_use",
		Content: []claude.ContentBlock{
			{Type: "tool_use", ID: "tooluse_1", Name: "lookup", Input: []byte(`{"q":"x"}`)},
		},
	}

	out := FromMessageResponse(resp, "gpt-4o")

	require.Len(t, out.Choices[0].Message.ToolCalls, 1)
	call := out.Choices[0].Message.ToolCalls[0]
	assert.Equal(t, "call_tooluse_1", call.ID)
	assert.Equal(t, "lookup", call.Function.Name)
	assert.Equal(t, "tool_calls", *out.Choices[0].FinishReason)
}

func TestFinishReasonFor(t *testing.T) {
	assert.Equal(t, "length", finishReasonFor("max_tokens"))
	assert.Equal(t, "tool_calls", finishReasonFor("tool_use"))
	assert.Equal(t, "stop", finishReasonFor("end_turn"))
	assert.Equal(t, "stop", finishReasonFor("stop_sequence"))
	assert.Equal(t, "stop", finishReasonFor("unknown"))
}

func TestToolCallID_DoesNotDoublePrefix(t *testing.T) {
	assert.Equal(t, "call_abc", toolCallID("call_abc"))
	assert.Equal(t, "call_tooluse_1", toolCallID("tooluse_1"))
}
