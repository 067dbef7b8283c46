package model

import (
	"bytes"
	"encoding/json"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const doneSentinel = "[DONE]"

var (
	eventSeparator = []byte("\n\n")
	crlf           = []byte("\r\n")
	lf             = []byte("\n")
)

// eventDecoder incrementally splits an OpenAI style event stream into the data
// payloads of complete events. Bytes of a partial event stay buffered until
// the terminating blank line arrives.
type eventDecoder struct {
	buf []byte
}

// Feed appends raw bytes and returns the data payloads of every event that is
// now complete, in stream order.
func (d *eventDecoder) Feed(chunk []byte) []string {
	d.buf = append(d.buf, chunk...)
	if bytes.Contains(d.buf, crlf) {
		d.buf = bytes.ReplaceAll(d.buf, crlf, lf)
	}

	var payloads []string
	for {
		idx := bytes.Index(d.buf, eventSeparator)
		if idx < 0 {
			break
		}
		event := string(d.buf[:idx])
		d.buf = d.buf[idx+len(eventSeparator):]

		for _, line := range strings.Split(event, "\n") {
			data, ok := strings.CutPrefix(line, "data:")
			if !ok {
				continue
			}
			payloads = append(payloads, strings.TrimPrefix(data, " "))
		}
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return payloads
}

// Buffered reports how many bytes of an incomplete event are pending.
func (d *eventDecoder) Buffered() int {
	return len(d.buf)
}

// parseDelta extracts the incremental text of one data payload. done is true
// for the [DONE] sentinel. Payloads that are not valid JSON yield "".
func parseDelta(data string) (delta string, done bool) {
	if data == doneSentinel {
		return "", true
	}

	var chunk openai.ChatCompletionStreamResponse
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return "", false
	}
	if len(chunk.Choices) == 0 {
		return "", false
	}
	return chunk.Choices[0].Delta.Content, false
}
