package openai

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/kiroproxy/gateway/internal/claude"
)

// StreamState tracks the bookkeeping needed to translate a sequence of
// Anthropic SSE events (already produced by claude.Converter) into OpenAI
// chat.completion.chunk objects, per the event mapping table.
type StreamState struct {
	messageID       string
	model           string
	toolIndexByIdx  map[int]int
	nextToolIndex   int
	promptTokens    int
	completionToken int
}

// NewStreamState creates translator state for one streamed response.
func NewStreamState(messageID, model string) *StreamState {
	return &StreamState{
		messageID:      messageID,
		model:          model,
		toolIndexByIdx: make(map[int]int),
	}
}

func (s *StreamState) chunk() *ChatCompletionChunk {
	return &ChatCompletionChunk{
		ID:      s.messageID,
		Object:  "chat.completion.chunk",
		Model:   s.model,
		Choices: []Choice{{Index: 0}},
	}
}

// Translate converts one batch of Anthropic SSE events (as returned by a
// single claude.Converter.Convert call) into zero or more OpenAI streaming
// chunks.
func (s *StreamState) Translate(events []*claude.SSEEvent) []*ChatCompletionChunk {
	var chunks []*ChatCompletionChunk
	for _, ev := range events {
		if ev == nil {
			continue
		}
		switch data := ev.Data.(type) {
		case claude.MessageStartEvent:
			s.promptTokens = data.Message.Usage.InputTokens
			c := s.chunk()
			c.Choices[0].Delta = &ResponseMessage{Role: "assistant", Content: strPtr("")}
			chunks = append(chunks, c)

		case *claude.MessageStartEvent:
			s.promptTokens = data.Message.Usage.InputTokens
			c := s.chunk()
			c.Choices[0].Delta = &ResponseMessage{Role: "assistant", Content: strPtr("")}
			chunks = append(chunks, c)

		case claude.ContentBlockStartEvent:
			chunks = append(chunks, s.translateContentBlockStart(data)...)
		case *claude.ContentBlockStartEvent:
			chunks = append(chunks, s.translateContentBlockStart(*data)...)

		case claude.ContentBlockDeltaEvent:
			if c := s.translateContentBlockDelta(data); c != nil {
				chunks = append(chunks, c)
			}
		case *claude.ContentBlockDeltaEvent:
			if c := s.translateContentBlockDelta(*data); c != nil {
				chunks = append(chunks, c)
			}

		case claude.ContentBlockStopEvent:
			c := s.chunk()
			c.Choices[0].Delta = &ResponseMessage{}
			chunks = append(chunks, c)
		case *claude.ContentBlockStopEvent:
			c := s.chunk()
			c.Choices[0].Delta = &ResponseMessage{}
			chunks = append(chunks, c)

		case claude.FullMessageDeltaEvent:
			chunks = append(chunks, s.translateMessageDelta(data.Delta.StopReason, data.Usage.OutputTokens))
		case *claude.FullMessageDeltaEvent:
			chunks = append(chunks, s.translateMessageDelta(data.Delta.StopReason, data.Usage.OutputTokens))
		case claude.MessageDeltaEvent:
			chunks = append(chunks, s.translateMessageDelta(data.Delta.StopReason, data.Usage.OutputTokens))
		case *claude.MessageDeltaEvent:
			chunks = append(chunks, s.translateMessageDelta(data.Delta.StopReason, data.Usage.OutputTokens))

		case claude.MessageStopEvent:
			c := s.chunk()
			c.Choices[0].Delta = &ResponseMessage{}
			stop := "stop"
			c.Choices[0].FinishReason = &stop
			chunks = append(chunks, c)
		case *claude.MessageStopEvent:
			c := s.chunk()
			c.Choices[0].Delta = &ResponseMessage{}
			stop := "stop"
			c.Choices[0].FinishReason = &stop
			chunks = append(chunks, c)
		}
	}
	return chunks
}

func (s *StreamState) translateContentBlockStart(ev claude.ContentBlockStartEvent) []*ChatCompletionChunk {
	c := s.chunk()
	switch ev.ContentBlock.Type {
	case "tool_use":
		toolIdx := s.nextToolIndex
		s.toolIndexByIdx[ev.Index] = toolIdx
		s.nextToolIndex++
		idx := toolIdx
		c.Choices[0].Delta = &ResponseMessage{
			ToolCalls: []ToolCall{{
				Index: &idx,
				ID:    toolCallID(ev.ContentBlock.ID),
				Type:  "function",
				Function: FunctionCall{
					Name:      ev.ContentBlock.Name,
					Arguments: "",
				},
			}},
		}
	case "thinking":
		return nil
	default:
		c.Choices[0].Delta = &ResponseMessage{Content: strPtr("")}
	}
	return []*ChatCompletionChunk{c}
}

func (s *StreamState) translateContentBlockDelta(ev claude.ContentBlockDeltaEvent) *ChatCompletionChunk {
	c := s.chunk()
	switch ev.Delta.Type {
	case "text_delta":
		c.Choices[0].Delta = &ResponseMessage{Content: strPtr(ev.Delta.Text)}
	case "thinking_delta":
		c.Choices[0].Delta = &ResponseMessage{ReasoningContent: ev.Delta.Text}
	case "input_json_delta":
		toolIdx, ok := s.toolIndexByIdx[ev.Index]
		if !ok {
			return nil
		}
		idx := toolIdx
		c.Choices[0].Delta = &ResponseMessage{
			ToolCalls: []ToolCall{{
				Index:    &idx,
				Function: FunctionCall{Arguments: ev.Delta.PartialJSON},
			}},
		}
	default:
		return nil
	}
	return c
}

func (s *StreamState) translateMessageDelta(stopReason string, outputTokens int) *ChatCompletionChunk {
	s.completionToken = outputTokens
	c := s.chunk()
	c.Choices[0].Delta = &ResponseMessage{}
	if stopReason != "" {
		finish := finishReasonFor(stopReason)
		c.Choices[0].FinishReason = &finish
	}
	c.Usage = &Usage{
		PromptTokens:     s.promptTokens,
		CompletionTokens: s.completionToken,
		TotalTokens:      s.promptTokens + s.completionToken,
	}
	return c
}

// bufferPool reduces per-chunk allocation, mirroring claude.SSEWriter's pooling idiom.
var bufferPool = sync.Pool{
	New: func() interface{} { return bytes.NewBuffer(make([]byte, 0, 512)) },
}

// SSEWriter writes OpenAI-style Server-Sent Events: plain `data: {...}\n\n`
// lines with no `event:` field, terminated by a literal `data: [DONE]\n\n`.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter creates a new OpenAI-format SSE writer.
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	flusher, _ := w.(http.Flusher)
	return &SSEWriter{w: w, flusher: flusher}
}

// WriteHeaders sets the headers appropriate for chat.completion.chunk streaming.
func (s *SSEWriter) WriteHeaders() {
	s.w.Header().Set("Content-Type", "text/event-stream")
	s.w.Header().Set("Cache-Control", "no-cache")
	s.w.Header().Set("Connection", "keep-alive")
	s.w.Header().Set("X-Accel-Buffering", "no")
}

// WriteChunk writes one chat.completion.chunk payload.
func (s *SSEWriter) WriteChunk(chunk *ChatCompletionChunk) error {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	buf.WriteString("data: ")
	encoder := json.NewEncoder(buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(chunk); err != nil {
		return err
	}
	buf.WriteByte('\n')

	if _, err := s.w.Write(buf.Bytes()); err != nil {
		return err
	}
	s.flush()
	return nil
}

// WriteDone writes the terminal `data: [DONE]` marker.
func (s *SSEWriter) WriteDone() error {
	_, err := s.w.Write([]byte("data: [DONE]\n\n"))
	s.flush()
	return err
}

func (s *SSEWriter) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

func strPtr(v string) *string { return &v }
