// Package stream converts a provider-formatted Server-Sent-Events byte stream
// into the relay's normalized event sequence, reassembling JSON frames across
// arbitrary socket-buffer boundaries.
package stream

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/timemachine-studio/tm-relay/internal/models"
)

const (
	dataPrefix   = "data: "
	doneSentinel = "[DONE]"
	readBufSize  = 4 * 1024
)

// frame mirrors the slice of an OpenAI-style streaming chunk the relay cares
// about. Unknown fields are ignored.
type frame struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// Normalizer reassembles SSE lines from raw byte chunks. State lives only for
// the duration of one stream: a carry-over buffer for the trailing partial
// line of each read.
type Normalizer struct {
	logger *slog.Logger
}

// NewNormalizer constructs a normalizer. A nil logger falls back to the
// default slog handler.
func NewNormalizer(logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{logger: logger}
}

// Pump reads the body to completion, emitting normalized events to fn in
// upstream order. A malformed frame is logged and dropped, never fatal. fn
// returning an error aborts the pump and propagates that error. Pump returns
// once a finish event has been emitted or the body is exhausted.
func (n *Normalizer) Pump(body io.Reader, fn func(models.StreamEvent) error) error {
	var carry string
	buf := make([]byte, readBufSize)

	for {
		read, readErr := body.Read(buf)
		if read > 0 {
			carry += string(buf[:read])
			lines := strings.Split(carry, "\n")
			carry = lines[len(lines)-1]
			for _, line := range lines[:len(lines)-1] {
				done, err := n.emitLine(line, fn)
				if err != nil {
					return err
				}
				if done {
					return nil
				}
			}
		}

		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				return readErr
			}
			// One final parse attempt for an unterminated trailing line.
			if strings.TrimSpace(carry) != "" {
				if _, err := n.emitLine(carry, fn); err != nil {
					return err
				}
			}
			return nil
		}
	}
}

// emitLine classifies one complete SSE line. It reports done=true after a
// finish event, the stream's terminal signal.
func (n *Normalizer) emitLine(line string, fn func(models.StreamEvent) error) (done bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, dataPrefix) {
		return false, nil
	}

	data := strings.TrimPrefix(line, dataPrefix)
	if data == doneSentinel {
		return false, nil
	}

	var f frame
	if err := json.Unmarshal([]byte(data), &f); err != nil {
		n.logger.Warn("dropping malformed stream frame", "error", err)
		return false, nil
	}
	if len(f.Choices) == 0 {
		return false, nil
	}

	choice := f.Choices[0]

	if choice.Delta.Content != "" {
		if err := fn(models.StreamEvent{Kind: models.EventContent, Text: choice.Delta.Content}); err != nil {
			return false, err
		}
	}

	for _, tc := range choice.Delta.ToolCalls {
		event := models.StreamEvent{
			Kind:         models.EventToolCallDelta,
			Index:        tc.Index,
			ID:           tc.ID,
			Name:         tc.Function.Name,
			ArgsFragment: tc.Function.Arguments,
		}
		if err := fn(event); err != nil {
			return false, err
		}
	}

	if choice.FinishReason != nil && *choice.FinishReason != "" {
		if err := fn(models.StreamEvent{Kind: models.EventFinish, FinishReason: *choice.FinishReason}); err != nil {
			return false, err
		}
		return true, nil
	}

	return false, nil
}
