package openai

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kiroproxy/gateway/internal/claude"
)

// documentMimeTypes are the base64 file/document MIME types Kiro accepts as
// document content blocks (in addition to application/pdf).
var documentMimeTypes = map[string]bool{
	"application/pdf": true,
	"text/plain":      true,
	"text/csv":        true,
	"text/html":       true,
	"application/json": true,
	"application/xml":  true,
	"text/xml":         true,
	"application/javascript": true,
	"text/css":               true,
}

// ToMessageRequest translates an OpenAI chat-completion request body into the
// gateway's internal Claude-shaped request, reusing claude.MessageRequest as
// the common representation for the rest of the pipeline.
func ToMessageRequest(body []byte) (*ChatCompletionRequest, *claude.MessageRequest, error) {
	var req ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, nil, fmt.Errorf("invalid JSON body: %w", err)
	}

	out := &claude.MessageRequest{
		Model:     req.Model,
		Stream:    req.Stream,
		MaxTokens: req.MaxTokens,
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = req.MaxCompletion
	}
	out.Temperature = req.Temperature
	out.TopP = req.TopP

	if len(req.Stop) > 0 {
		out.StopSequences = decodeStopSequences(req.Stop)
	}

	if req.ThinkingBudget > 0 {
		out.Thinking = &claude.ThinkingConfig{Type: "enabled", BudgetTokens: req.ThinkingBudget}
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, claude.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	if tc, err := convertToolChoice(req.ToolChoice); err != nil {
		return nil, nil, err
	} else if tc != nil {
		out.ToolChoice = tc
	}

	var systemParts []string
	for _, m := range req.Messages {
		switch m.Role {
		case "system", "developer":
			text, err := extractPlainText(m.Content)
			if err != nil {
				return nil, nil, err
			}
			systemParts = append(systemParts, text)
			continue
		case "tool":
			block, err := toolResultBlock(m)
			if err != nil {
				return nil, nil, err
			}
			content, _ := json.Marshal([]claude.ContentBlock{block})
			out.Messages = append(out.Messages, claude.Message{Role: "user", Content: content})
			continue
		case "assistant":
			msg, err := assistantMessage(m)
			if err != nil {
				return nil, nil, err
			}
			out.Messages = append(out.Messages, msg)
			continue
		default: // "user"
			msg, err := userMessage(m)
			if err != nil {
				return nil, nil, err
			}
			out.Messages = append(out.Messages, msg)
		}
	}
	if len(systemParts) > 0 {
		sys, _ := json.Marshal(strings.Join(systemParts, "\n\n"))
		out.System = sys
	}

	return &req, out, nil
}

func decodeStopSequences(raw json.RawMessage) []string {
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single == "" {
			return nil
		}
		return []string{single}
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return nil
}

func convertToolChoice(raw json.RawMessage) (*claude.ToolChoice, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch s {
		case "auto":
			return &claude.ToolChoice{Type: "auto"}, nil
		case "none":
			return nil, nil // claude has no "none"; omitting tool_choice with no tools disables calling
		case "required":
			return &claude.ToolChoice{Type: "any"}, nil
		}
		return nil, fmt.Errorf("unsupported tool_choice value %q", s)
	}

	var named struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &named); err != nil {
		return nil, fmt.Errorf("invalid tool_choice: %w", err)
	}
	if named.Type == "function" && named.Function.Name != "" {
		return &claude.ToolChoice{Type: "tool", Name: named.Function.Name}, nil
	}
	return nil, fmt.Errorf("unsupported tool_choice shape")
}

// extractPlainText reads a message's content field whether it is a plain
// string or a content-part array, concatenating text parts.
func extractPlainText(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", fmt.Errorf("invalid message content: %w", err)
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String(), nil
}

// userMessage converts a user-role OpenAI message into a claude.Message,
// expanding multi-part content into text/image/document blocks.
func userMessage(m Message) (claude.Message, error) {
	var plain string
	if err := json.Unmarshal(m.Content, &plain); err == nil {
		content, _ := json.Marshal(plain)
		return claude.Message{Role: "user", Content: content}, nil
	}

	var parts []ContentPart
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return claude.Message{}, fmt.Errorf("invalid user message content: %w", err)
	}

	var blocks []claude.ContentBlock
	for _, p := range parts {
		block, err := convertContentPart(p)
		if err != nil {
			return claude.Message{}, err
		}
		blocks = append(blocks, block)
	}
	content, _ := json.Marshal(blocks)
	return claude.Message{Role: "user", Content: content}, nil
}

// convertContentPart implements SPEC_FULL.md's OpenAI content-part table:
// text passes through, image_url becomes an image block (data: URL only;
// http(s) URLs are not fetched server-side and surface as an error text
// block instead), file/document parts split on MIME type into image or
// document blocks, and unsupported kinds (remote images, audio, unknown
// file MIME types) become a text block describing the limitation rather
// than aborting the whole request.
func convertContentPart(p ContentPart) (claude.ContentBlock, error) {
	switch p.Type {
	case "text":
		return claude.ContentBlock{Type: "text", Text: p.Text}, nil

	case "image_url":
		if p.ImageURL == nil {
			return claude.ContentBlock{Type: "text", Text: "[image: missing image_url]"}, nil
		}
		if mediaType, data, ok := parseDataURL(p.ImageURL.URL); ok {
			return claude.ContentBlock{
				Type:   "image",
				Source: &claude.ImageSource{Type: "base64", MediaType: mediaType, Data: data},
			}, nil
		}
		return claude.ContentBlock{
			Type: "text",
			Text: fmt.Sprintf("[image omitted: remote image_url %q is not supported, only data: URLs can be relayed]", p.ImageURL.URL),
		}, nil

	case "file", "input_file", "document":
		if p.File == nil {
			return claude.ContentBlock{Type: "text", Text: "[file: missing file data]"}, nil
		}
		mediaType, data, ok := parseDataURL(p.File.FileData)
		if !ok {
			if mediaType = p.File.MimeType; mediaType != "" {
				data = p.File.FileData
				ok = data != ""
			}
		}
		if !ok {
			return claude.ContentBlock{Type: "text", Text: fmt.Sprintf("[file omitted: %s has no inline data]", p.File.Filename)}, nil
		}
		if strings.HasPrefix(mediaType, "image/") {
			return claude.ContentBlock{
				Type:   "image",
				Source: &claude.ImageSource{Type: "base64", MediaType: mediaType, Data: data},
			}, nil
		}
		if documentMimeTypes[mediaType] {
			return claude.ContentBlock{
				Type:   "document",
				Source: &claude.ImageSource{Type: "base64", MediaType: mediaType, Data: data},
			}, nil
		}
		return claude.ContentBlock{
			Type: "text",
			Text: fmt.Sprintf("[file omitted: unsupported MIME type %q for %s]", mediaType, p.File.Filename),
		}, nil

	case "input_audio":
		return claude.ContentBlock{Type: "text", Text: "[audio input is not supported]"}, nil

	default:
		return claude.ContentBlock{Type: "text", Text: fmt.Sprintf("[unsupported content part type %q]", p.Type)}, nil
	}
}

// parseDataURL splits a `data:<mime>;base64,<payload>` URL into its parts.
func parseDataURL(url string) (mediaType, data string, ok bool) {
	const prefix = "data:"
	if !strings.HasPrefix(url, prefix) {
		return "", "", false
	}
	rest := url[len(prefix):]
	comma := strings.IndexByte(rest, ',')
	if comma < 0 {
		return "", "", false
	}
	meta, payload := rest[:comma], rest[comma+1:]
	meta = strings.TrimSuffix(meta, ";base64")
	if meta == "" {
		meta = "application/octet-stream"
	}
	if _, err := base64.StdEncoding.DecodeString(payload); err != nil {
		return "", "", false
	}
	return meta, payload, true
}

// assistantMessage converts an assistant-role OpenAI message, including any
// tool_calls, into a claude.Message carrying text and tool_use blocks.
func assistantMessage(m Message) (claude.Message, error) {
	var blocks []claude.ContentBlock
	if len(m.Content) > 0 {
		text, err := extractPlainText(m.Content)
		if err != nil {
			return claude.Message{}, err
		}
		if text != "" {
			blocks = append(blocks, claude.ContentBlock{Type: "text", Text: text})
		}
	}
	for _, tc := range m.ToolCalls {
		input := json.RawMessage(tc.Function.Arguments)
		if len(input) == 0 || !json.Valid(input) {
			input = json.RawMessage("{}")
		}
		blocks = append(blocks, claude.ContentBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
	}
	content, _ := json.Marshal(blocks)
	return claude.Message{Role: "assistant", Content: content}, nil
}

// toolResultBlock converts a tool-role OpenAI message (the result of a prior
// tool call) into an Anthropic tool_result content block.
func toolResultBlock(m Message) (claude.ContentBlock, error) {
	text, err := extractPlainText(m.Content)
	if err != nil {
		return claude.ContentBlock{}, err
	}
	content, _ := json.Marshal(text)
	return claude.ContentBlock{
		Type:      "tool_result",
		ToolUseID: m.ToolCallID,
		Content:   content,
	}, nil
}
