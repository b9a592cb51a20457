package groq

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
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "tm-relay/0.1"
)

// Provider implements the Groq OpenAI-compatible chat API, including tool
// declarations and vision content parts.
type Provider struct {
	name        string
	apiKey      string
	headers     map[string]string
	client      *http.Client
	chatURL     string
	visionModel string
}

// New creates a new Groq provider.
func New(name string, cfg config.ProviderConfig, client *http.Client) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	return &Provider{
		name:        name,
		apiKey:      cfg.APIKey,
		headers:     cfg.Headers,
		client:      client,
		chatURL:     baseURL + "/openai/v1/chat/completions",
		visionModel: cfg.VisionModel,
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
	payload := buildChatPayload(call, streaming, p.visionModel)

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
		return nil, fmt.Errorf("groq chat request failed: %w", err)
	}

	if httpResp.StatusCode >= 400 {
		defer httpResp.Body.Close()
		return nil, readUpstreamError(p.name, httpResp)
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

// chatMessage content is either a plain string or a slice of content parts
// when images are attached.
type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *imageURLPart `json:"image_url,omitempty"`
}

type imageURLPart struct {
	URL string `json:"url"`
}

func buildChatPayload(call provider.ChatCall, streaming bool, visionModel string) chatPayload {
	messages := make([]chatMessage, 0, len(call.Turns))
	for _, turn := range call.Turns {
		messages = append(messages, chatMessage{
			Role:    turn.Role,
			Content: turn.Content,
		})
	}

	model := call.Model
	if len(call.ImageURLs) > 0 {
		// Image-attached turns swap to the vision-capable model and expand
		// the final user message into content parts.
		if visionModel != "" {
			model = visionModel
		}
		for i := len(messages) - 1; i >= 0; i-- {
			if messages[i].Role != models.RoleUser {
				continue
			}
			text, _ := messages[i].Content.(string)
			parts := []contentPart{{Type: "text", Text: text}}
			for _, imageURL := range call.ImageURLs {
				parts = append(parts, contentPart{
					Type:     "image_url",
					ImageURL: &imageURLPart{URL: imageURL},
				})
			}
			messages[i].Content = parts
			break
		}
	}

	payload := chatPayload{
		Model:    model,
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
		payload.Tools = call.Tools
	}
	return payload
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
}

type chatChoice struct {
	Message struct {
		Content   string `json:"content"`
		ToolCalls []struct {
			ID       string `json:"id"`
			Function struct {
				Name      string `json:"name"`
				Arguments string `json:"arguments"`
			} `json:"function"`
		} `json:"tool_calls"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

func (r chatResponse) toUnified() (*models.ChatResult, error) {
	if len(r.Choices) == 0 {
		return nil, errors.New("groq response did not include choices")
	}

	choice := r.Choices[0]
	result := &models.ChatResult{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
	}
	for i, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, models.ToolCall{
			Index:     i,
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return result, nil
}

func readUpstreamError(name string, resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("upstream error status %d and failed to read body: %w", resp.StatusCode, err)
	}
	return &provider.UpstreamError{
		Provider: name,
		Status:   resp.StatusCode,
		Body:     strings.TrimSpace(string(body)),
	}
}

func decodeJSON(reader io.Reader, target any) error {
	decoder := json.NewDecoder(reader)
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("decode provider response: %w", err)
	}
	return nil
}
