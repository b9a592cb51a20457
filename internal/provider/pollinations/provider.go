package pollinations

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/timemachine-studio/tm-relay/internal/config"
	"github.com/timemachine-studio/tm-relay/internal/models"
	"github.com/timemachine-studio/tm-relay/internal/provider"
	"github.com/timemachine-studio/tm-relay/internal/tools"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "tm-relay/0.1"
)

// Provider implements the Pollinations OpenAI-compatible aggregator, which
// fronts the external model personas. Its schema support is limited: tool
// declarations pass through the compatibility filter before being attached,
// and image content parts are not supported.
type Provider struct {
	name    string
	apiKey  string
	headers map[string]string
	client  *http.Client
	chatURL string
}

// New creates a new Pollinations provider.
func New(name string, cfg config.ProviderConfig, client *http.Client) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	return &Provider{
		name:    name,
		apiKey:  cfg.APIKey,
		headers: cfg.Headers,
		client:  client,
		chatURL: baseURL + "/openai/chat/completions",
	}, nil
}

func (p *Provider) Name() string {
	return p.name
}

// Chat performs a buffered (non-streaming) completion.
func (p *Provider) Chat(ctx context.Context, call provider.ChatCall) (*models.ChatResult, error) {
	httpResp, err := p.send(ctx, call, false)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	var providerResp chatResponse
	if err := decodeJSON(httpResp.Body, &providerResp); err != nil {
		return nil, err
	}
	return providerResp.toUnified()
}

// Stream performs a streaming completion and returns the raw SSE body.
func (p *Provider) Stream(ctx context.Context, call provider.ChatCall) (io.ReadCloser, error) {
	httpResp, err := p.send(ctx, call, true)
	if err != nil {
		return nil, err
	}
	return httpResp.Body, nil
}

func (p *Provider) send(ctx context.Context, call provider.ChatCall, streaming bool) (*http.Response, error) {
	messages := make([]chatMessage, 0, len(call.Turns))
	for _, turn := range call.Turns {
		messages = append(messages, chatMessage{
			Role:    turn.Role,
			Content: turn.Content,
		})
	}

	payload := chatPayload{
		Model:    call.Model,
		Messages: messages,
		Stream:   streaming,
	}
	if call.Temperature > 0 {
		v := call.Temperature
		payload.Temperature = &v
	}
	if call.MaxTokens > 0 {
		v := call.MaxTokens
		payload.MaxTokens = &v
	}
	if len(call.Tools) > 0 {
		payload.Tools = tools.CompatibilityFilter(call.Tools)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.chatURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set("User-Agent", userAgent)
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	httpResp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pollinations chat request failed: %w", err)
	}

	if httpResp.StatusCode >= 400 {
		defer httpResp.Body.Close()
		respBody, readErr := io.ReadAll(io.LimitReader(httpResp.Body, 64*1024))
		if readErr != nil {
			return nil, fmt.Errorf("upstream error status %d and failed to read body: %w", httpResp.StatusCode, readErr)
		}
		return nil, &provider.UpstreamError{
			Provider: p.name,
			Status:   httpResp.StatusCode,
			Body:     strings.TrimSpace(string(respBody)),
		}
	}
	return httpResp, nil
}

type chatPayload struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	Tools       any           `json:"tools,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (r chatResponse) toUnified() (*models.ChatResult, error) {
	if len(r.Choices) == 0 {
		return nil, errors.New("pollinations response did not include choices")
	}

	choice := r.Choices[0]
	return &models.ChatResult{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
	}, nil
}

func decodeJSON(reader io.Reader, target any) error {
	decoder := json.NewDecoder(reader)
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("decode provider response: %w", err)
	}
	return nil
}
