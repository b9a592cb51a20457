package stream

import (
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"

	"github.com/timemachine-studio/tm-relay/internal/models"
)

// chunkReader yields the source in fixed-size chunks so tests can exercise
// frames split at arbitrary byte offsets.
type chunkReader struct {
	data []byte
	pos  int
	size int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	end := r.pos + r.size
	if end > len(r.data) {
		end = len(r.data)
	}
	n := copy(p, r.data[r.pos:end])
	r.pos += n
	return n, nil
}

func collectEvents(t *testing.T, body io.Reader) []models.StreamEvent {
	t.Helper()
	n := NewNormalizer(slog.New(slog.NewTextHandler(io.Discard, nil)))

	var events []models.StreamEvent
	if err := n.Pump(body, func(event models.StreamEvent) error {
		events = append(events, event)
		return nil
	}); err != nil {
		t.Fatalf("Pump returned error: %v", err)
	}
	return events
}

const basicStream = "data: {\"choices\":[{\"delta\":{\"content\":\"A\"}}]}\n\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\"B\"}}]}\n\n" +
	"data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n" +
	"data: [DONE]\n\n"

func TestPumpBasicContentStream(t *testing.T) {
	events := collectEvents(t, strings.NewReader(basicStream))

	want := []models.StreamEvent{
		{Kind: models.EventContent, Text: "A"},
		{Kind: models.EventContent, Text: "B"},
		{Kind: models.EventFinish, FinishReason: "stop"},
	}
	if !reflect.DeepEqual(events, want) {
		t.Errorf("events = %+v, want %+v", events, want)
	}
}

func TestPumpChunkBoundaryInvariance(t *testing.T) {
	whole := collectEvents(t, strings.NewReader(basicStream))

	for _, size := range []int{1, 2, 3, 7, 13, 64} {
		reader := &chunkReader{data: []byte(basicStream), size: size}
		events := collectEvents(t, reader)
		if !reflect.DeepEqual(events, whole) {
			t.Errorf("chunk size %d: events = %+v, want %+v", size, events, whole)
		}
	}
}

func TestPumpMultipleLinesInOneRead(t *testing.T) {
	// Entire stream arrives in a single read.
	reader := &chunkReader{data: []byte(basicStream), size: len(basicStream)}
	events := collectEvents(t, reader)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
}

func TestPumpDropsMalformedFrames(t *testing.T) {
	input := "data: {not json}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\n" +
		"data: [DONE]\n\n"

	events := collectEvents(t, strings.NewReader(input))
	want := []models.StreamEvent{{Kind: models.EventContent, Text: "ok"}}
	if !reflect.DeepEqual(events, want) {
		t.Errorf("events = %+v, want %+v", events, want)
	}
}

func TestPumpToolCallFragments(t *testing.T) {
	input := "data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"id\":\"call_1\",\"function\":{\"name\":\"generate_image\",\"arguments\":\"{\\\"pro\"}}]}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"function\":{\"arguments\":\"mpt\\\":\\\"a cat\\\"}\"}}]}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"tool_calls\"}]}\n\n" +
		"data: [DONE]\n\n"

	events := collectEvents(t, strings.NewReader(input))

	acc := NewAccumulator()
	for _, event := range events {
		if event.Kind == models.EventToolCallDelta {
			acc.Add(event)
		}
	}
	calls := acc.Finish()

	if len(calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(calls))
	}
	if calls[0].Name != "generate_image" {
		t.Errorf("name = %q, want generate_image", calls[0].Name)
	}
	if calls[0].Arguments != `{"prompt":"a cat"}` {
		t.Errorf("arguments = %q, want valid concatenated JSON", calls[0].Arguments)
	}
}

func TestPumpEmptyStreamStillFinishes(t *testing.T) {
	input := "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n"

	events := collectEvents(t, strings.NewReader(input))
	want := []models.StreamEvent{{Kind: models.EventFinish, FinishReason: "stop"}}
	if !reflect.DeepEqual(events, want) {
		t.Errorf("events = %+v, want %+v", events, want)
	}
}

func TestPumpFlushesUnterminatedTrailingLine(t *testing.T) {
	// No trailing newline on the final frame.
	input := "data: {\"choices\":[{\"delta\":{\"content\":\"tail\"}}]}"

	events := collectEvents(t, strings.NewReader(input))
	want := []models.StreamEvent{{Kind: models.EventContent, Text: "tail"}}
	if !reflect.DeepEqual(events, want) {
		t.Errorf("events = %+v, want %+v", events, want)
	}
}

func TestPumpStopsAtFinish(t *testing.T) {
	input := "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"late\"}}]}\n\n"

	events := collectEvents(t, strings.NewReader(input))
	if len(events) != 1 || events[0].Kind != models.EventFinish {
		t.Errorf("expected only the finish event, got %+v", events)
	}
}

func TestAccumulatorOrdersByIndex(t *testing.T) {
	acc := NewAccumulator()
	acc.Add(models.StreamEvent{Kind: models.EventToolCallDelta, Index: 1, Name: "web_search", ArgsFragment: `{"query":"go"}`})
	acc.Add(models.StreamEvent{Kind: models.EventToolCallDelta, Index: 0, Name: "generate_image", ArgsFragment: `{"prompt":"x"}`})

	calls := acc.Finish()
	if len(calls) != 2 {
		t.Fatalf("got %d calls, want 2", len(calls))
	}
	if calls[0].Name != "generate_image" || calls[1].Name != "web_search" {
		t.Errorf("calls out of order: %+v", calls)
	}

	if again := acc.Finish(); again != nil {
		t.Errorf("accumulator not cleared after Finish: %+v", again)
	}
}
