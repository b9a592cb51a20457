// Package speech wraps the hosted speech services: transcription of inbound
// voice notes and construction of the spoken-reply URL.
package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/timemachine-studio/tm-relay/internal/config"
	"github.com/timemachine-studio/tm-relay/internal/provider"
)

const transcriptionModel = "whisper-large-v3"

// Client calls the hosted transcription endpoint and builds reply-audio URLs.
type Client struct {
	services config.ServicesConfig
	apiKey   string
	client   *http.Client
	logger   *slog.Logger
}

// NewClient constructs a speech client. apiKey authenticates the
// transcription endpoint.
func NewClient(services config.ServicesConfig, apiKey string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		services: services,
		apiKey:   apiKey,
		client:   httpClient,
		logger:   logger,
	}
}

// Transcribe decodes a base64 audio data URL and sends it to the hosted
// speech-to-text endpoint, returning the transcript text.
func (c *Client) Transcribe(ctx context.Context, audioData string) (string, error) {
	raw, err := decodeDataURL(audioData)
	if err != nil {
		return "", fmt.Errorf("decode audio payload: %w", err)
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "audio.webm")
	if err != nil {
		return "", fmt.Errorf("build transcription form: %w", err)
	}
	if _, err := part.Write(raw); err != nil {
		return "", fmt.Errorf("write audio payload: %w", err)
	}
	if err := writer.WriteField("model", transcriptionModel); err != nil {
		return "", fmt.Errorf("write model field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finalise transcription form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.services.TranscribeURL, &body)
	if err != nil {
		return "", fmt.Errorf("construct transcription request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcription request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return "", &provider.UpstreamError{
			Provider: "transcription",
			Status:   resp.StatusCode,
			Body:     strings.TrimSpace(string(respBody)),
		}
	}

	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode transcription response: %w", err)
	}
	if strings.TrimSpace(parsed.Text) == "" {
		return "", errors.New("transcription returned empty text")
	}
	return parsed.Text, nil
}

// ReplyAudioURL builds the hosted text-to-speech URL for a finished reply.
// The URL is handed to the client inside the audio marker; no audio bytes are
// fetched here.
func (c *Client) ReplyAudioURL(text string) string {
	voice := c.services.AudioVoice
	if voice == "" {
		voice = "nova"
	}
	base := strings.TrimRight(c.services.AudioBaseURL, "/")
	return fmt.Sprintf("%s/%s?model=openai-audio&voice=%s", base, url.PathEscape(text), voice)
}

// decodeDataURL strips an optional "data:...;base64," prefix and decodes the
// remainder.
func decodeDataURL(data string) ([]byte, error) {
	if idx := strings.Index(data, ","); idx >= 0 && strings.HasPrefix(data, "data:") {
		data = data[idx+1:]
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, errors.New("empty audio payload")
	}
	return raw, nil
}
