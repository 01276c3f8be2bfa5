// Package kiro provides structural parsing of Kiro's event-stream responses.
package kiro

import (
	"bytes"
	"errors"
	"sync"
)

// ErrBufferOverflow indicates the buffer exceeded maximum size.
var ErrBufferOverflow = errors.New("event stream buffer overflow")

const (
	// Initial buffer capacity for event stream parsing.
	initialBufferCap = 8192
	// Maximum buffer size to prevent unbounded memory growth (1MB).
	maxBufferSize = 1024 * 1024
)

// ParsedEvent is one JSON payload recovered from the Kiro event stream.
type ParsedEvent struct {
	Payload []byte
}

// eventPrefixes are the recognized JSON object openers Kiro emits. The
// stream carries AWS event-stream framing around each payload, but the
// framing varies enough in the wild that scanning for these structural
// prefixes is more reliable than parsing the binary envelope.
var eventPrefixes = [][]byte{
	[]byte(`{"content":`),
	[]byte(`{"name":`),
	[]byte(`{"followupPrompt":`),
	[]byte(`{"input":`),
	[]byte(`{"stop":`),
}

// parserPool provides reusable EventStreamParser instances to reduce GC pressure.
var parserPool = sync.Pool{
	New: func() interface{} {
		return &EventStreamParser{
			buffer: make([]byte, 0, initialBufferCap),
		}
	},
}

// GetEventStreamParser gets a parser from the pool.
// Call ReleaseEventStreamParser when done.
func GetEventStreamParser() *EventStreamParser {
	return parserPool.Get().(*EventStreamParser)
}

// ReleaseEventStreamParser returns a parser to the pool.
func ReleaseEventStreamParser(p *EventStreamParser) {
	p.Reset()
	parserPool.Put(p)
}

// EventStreamParser extracts structural JSON payloads from a Kiro
// event-stream byte sequence arriving across multiple reads.
type EventStreamParser struct {
	buffer []byte
}

// NewEventStreamParser creates a new event stream parser.
// Prefer GetEventStreamParser/ReleaseEventStreamParser for better performance.
func NewEventStreamParser() *EventStreamParser {
	return &EventStreamParser{
		buffer: make([]byte, 0, initialBufferCap),
	}
}

// Parse appends data to the internal buffer and extracts every complete
// JSON payload found so far. A frame whose closing brace hasn't arrived yet
// is left in the buffer for the next call. Bytes that precede the first
// recognized object, or that sit between two discarded exception/framing
// regions, are dropped once a frame is found past them.
func (p *EventStreamParser) Parse(data []byte) ([]*ParsedEvent, error) {
	if len(p.buffer)+len(data) > maxBufferSize {
		return nil, ErrBufferOverflow
	}
	p.buffer = append(p.buffer, data...)

	var events []*ParsedEvent

	for {
		start := findNextPrefix(p.buffer)
		if start == -1 {
			// No recognized prefix yet. Keep only enough trailing bytes to
			// still catch a prefix split across reads.
			if len(p.buffer) > maxPrefixLen {
				p.buffer = p.buffer[len(p.buffer)-maxPrefixLen+1:]
			}
			break
		}

		end := matchingBrace(p.buffer, start)
		if end == -1 {
			// Incomplete object: drop any garbage before it and wait for
			// more data to complete this frame.
			if start > 0 {
				p.buffer = p.buffer[start:]
			}
			break
		}

		payload := make([]byte, end-start+1)
		copy(payload, p.buffer[start:end+1])
		events = append(events, &ParsedEvent{Payload: payload})

		p.buffer = p.buffer[end+1:]
	}

	return events, nil
}

var maxPrefixLen = longestPrefixLen()

func longestPrefixLen() int {
	max := 0
	for _, p := range eventPrefixes {
		if len(p) > max {
			max = len(p)
		}
	}
	return max
}

// findNextPrefix returns the earliest offset at which any recognized JSON
// prefix begins, or -1 if none is present yet.
func findNextPrefix(buf []byte) int {
	earliest := -1
	for _, prefix := range eventPrefixes {
		pos := bytes.Index(buf, prefix)
		if pos == -1 {
			continue
		}
		if earliest == -1 || pos < earliest {
			earliest = pos
		}
	}
	return earliest
}

// matchingBrace finds the index of the closing brace that matches the '{'
// at buf[start], aware of quoted strings and backslash escapes. Returns -1
// if the object is not yet complete within buf.
func matchingBrace(buf []byte, start int) int {
	depth := 0
	inString := false
	escapeNext := false

	for i := start; i < len(buf); i++ {
		c := buf[i]

		if escapeNext {
			escapeNext = false
			continue
		}
		if c == '\\' {
			escapeNext = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch c {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// Reset clears the parser buffer while retaining capacity for reuse.
func (p *EventStreamParser) Reset() {
	if cap(p.buffer) > maxBufferSize {
		p.buffer = make([]byte, 0, initialBufferCap)
	} else {
		p.buffer = p.buffer[:0]
	}
}
