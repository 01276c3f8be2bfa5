package openai

import (
	"strings"

	"github.com/kiroproxy/gateway/internal/claude"
)

// finishReasonFor maps an Anthropic stop_reason to an OpenAI finish_reason.
func finishReasonFor(stopReason string) string {
	switch stopReason {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "stop_sequence", "end_turn":
		return "stop"
	default:
		return "stop"
	}
}

// toolCallID prefixes an Anthropic tool_use id with OpenAI's conventional
// "call_" prefix when it is not already namespaced that way.
func toolCallID(id string) string {
	if strings.HasPrefix(id, "call_") {
		return id
	}
	return "call_" + id
}

// FromMessageResponse translates a complete, non-streaming claude.MessageResponse
// into an OpenAI chat.completion response object.
func FromMessageResponse(resp *claude.MessageResponse, requestedModel string) *ChatCompletionResponse {
	var textParts []string
	var reasoningParts []string
	var toolCalls []ToolCall

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			textParts = append(textParts, block.Text)
		case "thinking":
			reasoningParts = append(reasoningParts, block.Thinking)
		case "tool_use":
			input := block.Input
			if len(input) == 0 {
				input = []byte("{}")
			}
			toolCalls = append(toolCalls, ToolCall{
				ID:   toolCallID(block.ID),
				Type: "function",
				Function: FunctionCall{
					Name:      block.Name,
					Arguments: string(input),
				},
			})
		}
	}

	content := strings.Join(textParts, "")
	msg := &ResponseMessage{
		Role:             "assistant",
		Content:          &content,
		ReasoningContent: strings.Join(reasoningParts, ""),
		ToolCalls:        toolCalls,
	}

	finish := finishReasonFor(resp.StopReason)
	model := resp.Model
	if model == "" {
		model = requestedModel
	}

	return &ChatCompletionResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: 0, // stamped by the caller, which has access to a real wall clock
		Model:   model,
		Choices: []Choice{{
			Index:        0,
			Message:      msg,
			FinishReason: &finish,
		}},
		Usage: Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}
