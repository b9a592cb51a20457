package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/timemachine-studio/tm-relay/internal/config"
	"github.com/timemachine-studio/tm-relay/internal/models"
)

// Fallback strings substituted when a tool invocation cannot be resolved.
// These are user-visible and must stay stable.
const (
	imageApology  = "I apologize, but I couldn't generate that image right now. Please try again in a moment."
	searchApology = "I apologize, but I couldn't search the web right now. Please try again in a moment."
	unknownToolMsg = "I apologize, but I couldn't complete that action."

	// SearchProgressMarker precedes web search results in streaming mode.
	SearchProgressMarker = "Searching the web...\n\n"
)

const maxReferenceImages = 4

// CallContext carries the per-request facts a tool resolution needs.
type CallContext struct {
	Persona         string
	Streaming       bool
	ReferenceImages []string
}

// Dispatcher resolves accumulated tool invocations after the main content
// stream has finished, sequentially and in invocation order.
type Dispatcher struct {
	services config.ServicesConfig
	client   *http.Client
	logger   *slog.Logger
}

// NewDispatcher constructs a dispatcher over the configured hosted services.
func NewDispatcher(services config.ServicesConfig, client *http.Client, logger *slog.Logger) *Dispatcher {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		services: services,
		client:   client,
		logger:   logger,
	}
}

// Resolve turns each invocation into a textual fragment to append to the
// outgoing reply. A failed invocation degrades to its fixed apology string;
// Resolve itself never fails.
func (d *Dispatcher) Resolve(ctx context.Context, calls []models.ToolCall, call CallContext) []string {
	results := make([]string, 0, len(calls))
	for _, invocation := range calls {
		switch invocation.Name {
		case NameGenerateImage:
			results = append(results, d.generateImage(invocation, call))
		case NameWebSearch:
			results = append(results, d.webSearch(ctx, invocation, call))
		default:
			d.logger.Warn("unknown tool invocation", "tool", invocation.Name)
			results = append(results, unknownToolMsg)
		}
	}
	return results
}

type imageArgs struct {
	Prompt      string `json:"prompt"`
	Orientation string `json:"orientation"`
}

// generateImage constructs a deterministic hosted-image URL and returns it as
// Markdown. No image bytes are fetched or validated here.
func (d *Dispatcher) generateImage(invocation models.ToolCall, call CallContext) string {
	var args imageArgs
	if err := json.Unmarshal([]byte(invocation.Arguments), &args); err != nil || strings.TrimSpace(args.Prompt) == "" {
		d.logger.Warn("discarding malformed image invocation", "error", err, "arguments", invocation.Arguments)
		return imageApology
	}

	imageURL := d.buildImageURL(args, call)
	return fmt.Sprintf("\n\n![%s](%s)", "Generated Image", imageURL)
}

func (d *Dispatcher) buildImageURL(args imageArgs, call CallContext) string {
	base := strings.TrimRight(d.services.ImageBaseURL, "/")
	prompt := url.PathEscape(args.Prompt)
	editing := len(call.ReferenceImages) > 0

	model := pickImageModel(call.Persona, editing)

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s/%s?", base, prompt)
	if !editing {
		// Create process carries explicit dimensions; landscape swaps them.
		width, height := 2160, 3840
		if args.Orientation == "landscape" {
			width, height = 3840, 2160
		}
		fmt.Fprintf(&sb, "width=%d&height=%d&", width, height)
	}
	fmt.Fprintf(&sb, "enhance=false&private=true&nologo=true&model=%s&key=%s", model, d.services.ImageAPIKey)

	if editing {
		refs := call.ReferenceImages
		if len(refs) > maxReferenceImages {
			refs = refs[:maxReferenceImages]
		}
		encoded := make([]string, len(refs))
		for i, ref := range refs {
			encoded[i] = url.QueryEscape(ref)
		}
		fmt.Fprintf(&sb, "&image=%s", strings.Join(encoded, ","))
	}

	return sb.String()
}

func pickImageModel(persona string, editing bool) string {
	if editing {
		if persona == "girlie" {
			return "nanobanana"
		}
		return "nanobanana-pro"
	}
	if persona == "girlie" {
		return "zimage"
	}
	return "seedream-pro"
}

type searchArgs struct {
	Query string `json:"query"`
}

// webSearch issues one hosted GET and returns the body text verbatim. In
// streaming mode the result is preceded by a literal progress marker.
func (d *Dispatcher) webSearch(ctx context.Context, invocation models.ToolCall, call CallContext) string {
	var args searchArgs
	if err := json.Unmarshal([]byte(invocation.Arguments), &args); err != nil || strings.TrimSpace(args.Query) == "" {
		d.logger.Warn("discarding malformed search invocation", "error", err, "arguments", invocation.Arguments)
		return searchApology
	}

	searchURL := fmt.Sprintf("%s/%s?model=searchgpt",
		strings.TrimRight(d.services.SearchURL, "/"), url.PathEscape(args.Query))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		d.logger.Error("construct search request", "error", err)
		return searchApology
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Error("search request failed", "error", err)
		return searchApology
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		d.logger.Error("search returned non-200", "status", resp.StatusCode)
		return searchApology
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		d.logger.Error("read search response", "error", err)
		return searchApology
	}

	text := string(body)
	if call.Streaming {
		return "\n\n" + SearchProgressMarker + text
	}
	return "\n\n" + text
}
