package llm

import (
	"bytes"
	"encoding/json"

	"github.com/rs/zerolog/log"
)

// StreamDecoder turns the newline-delimited stream-json output of the claude
// binary into text fragments. It is incremental: bytes may be written in
// chunks of any size, and the fragments produced do not depend on where the
// chunk boundaries fall.
//
// A StreamDecoder is not safe for concurrent use.
type StreamDecoder struct {
	buf []byte
}

// Write appends p to the buffer and returns the fragments of every complete
// line now available.
func (d *StreamDecoder) Write(p []byte) []string {
	d.buf = append(d.buf, p...)

	var out []string
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := d.buf[:i]
		if text, ok := decodeLine(line); ok {
			out = append(out, text)
		}
		d.buf = d.buf[i+1:]
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return out
}

// Flush decodes whatever partial line remains once the source is exhausted.
func (d *StreamDecoder) Flush() []string {
	line := d.buf
	d.buf = nil
	if text, ok := decodeLine(line); ok {
		return []string{text}
	}
	return nil
}

// decodeLine extracts the text carried by a single stream-json line. Lines
// that are not JSON are returned verbatim.
func decodeLine(raw []byte) (string, bool) {
	line := bytes.TrimSpace(raw)
	if len(line) == 0 {
		return "", false
	}
	if !json.Valid(line) {
		log.Debug().Int("bytes", len(line)).Msg("claude stream: passing through non-JSON line")
		return string(line), true
	}

	var ev claudeEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return "", false
	}

	var text string
	switch ev.Type {
	case "assistant":
		text = ev.Message.text()
	case "content_block_delta":
		text = ev.Delta.Text
	default:
		// "result" repeats text already delivered by "assistant" events.
		return "", false
	}
	if text == "" {
		return "", false
	}
	return text, true
}

// JSON message types from claude CLI output

type claudeEvent struct {
	Type    string               `json:"type"`
	Message claudeMessagePayload `json:"message"`
	Delta   struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

type claudeMessagePayload struct {
	// Content is either a string or an array of claudeContentBlock.
	Content json.RawMessage `json:"content"`
}

type claudeContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func (m claudeMessagePayload) text() string {
	content := bytes.TrimSpace(m.Content)
	if len(content) == 0 {
		return ""
	}
	switch content[0] {
	case '"':
		var s string
		if err := json.Unmarshal(content, &s); err != nil {
			return ""
		}
		return s
	case '[':
		var blocks []claudeContentBlock
		if err := json.Unmarshal(content, &blocks); err != nil {
			return ""
		}
		var b bytes.Buffer
		for _, block := range blocks {
			if block.Type == "text" {
				b.WriteString(block.Text)
			}
		}
		return b.String()
	}
	return ""
}
