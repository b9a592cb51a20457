package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/timemachine-studio/tm-relay/internal/models"
)

var errEmptyMessages = errors.New("at least one message is required")

// proxyRequest models the /api/ai-proxy request payload.
type proxyRequest struct {
	Messages       []proxyMessage  `json:"messages"`
	Persona        string          `json:"persona"`
	HeatLevel      *int            `json:"heatLevel"`
	ImageData      json.RawMessage `json:"imageData"`
	AudioData      string          `json:"audioData"`
	InputImageURLs []string        `json:"inputImageUrls"`
	Stream         bool            `json:"stream"`
}

type proxyMessage struct {
	Content string `json:"content"`
	IsAI    bool   `json:"isAI"`
}

// toChatRequest validates the payload and converts it to the unified form.
func (r *proxyRequest) toChatRequest(clientID string) (models.ChatRequest, error) {
	if len(r.Messages) == 0 {
		return models.ChatRequest{}, errEmptyMessages
	}

	turns := make([]models.Turn, 0, len(r.Messages))
	for _, msg := range r.Messages {
		role := models.RoleUser
		if msg.IsAI {
			role = models.RoleAssistant
		}
		turns = append(turns, models.Turn{Role: role, Content: msg.Content})
	}

	imageData, err := parseImageData(r.ImageData)
	if err != nil {
		return models.ChatRequest{}, err
	}

	heatLevel := 0
	if r.HeatLevel != nil {
		heatLevel = *r.HeatLevel
	}

	return models.ChatRequest{
		Turns:     turns,
		Persona:   strings.TrimSpace(r.Persona),
		HeatLevel: heatLevel,
		ImageData: imageData,
		ImageURLs: r.InputImageURLs,
		AudioData: r.AudioData,
		Stream:    r.Stream,
		ClientID:  clientID,
	}, nil
}

// parseImageData accepts either a single data-URL string or an array of them.
func parseImageData(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single == "" {
			return nil, nil
		}
		return []string{single}, nil
	}

	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many, nil
	}

	return nil, fmt.Errorf("imageData must be a string or an array of strings")
}
