package provider

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/timemachine-studio/tm-relay/internal/models"
	"github.com/timemachine-studio/tm-relay/internal/tools"
)

// ErrUnknownBackend indicates the requested back-end is not registered.
var ErrUnknownBackend = errors.New("unknown backend")

// ChatCall is the unified request handed to a back-end: model, conversation,
// sampling parameters, and the tool declarations for this turn. ImageURLs
// attach to the final user turn on back-ends with vision support.
type ChatCall struct {
	Model       string
	Turns       []models.Turn
	Temperature float64
	MaxTokens   int
	Tools       []tools.Declaration
	ImageURLs   []string
}

// Provider is one inference back-end. Chat performs a buffered completion;
// Stream returns the raw SSE body for the normalizer to consume. The caller
// owns closing the returned body.
type Provider interface {
	Name() string
	Chat(ctx context.Context, call ChatCall) (*models.ChatResult, error)
	Stream(ctx context.Context, call ChatCall) (io.ReadCloser, error)
}

// UpstreamError reports a non-2xx response from a hosted dependency. The body
// is for server-side logs only and must never reach a client.
type UpstreamError struct {
	Provider string
	Status   int
	Body     string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s upstream error status %d: %s", e.Provider, e.Status, e.Body)
}
