// Package relay orchestrates one chat request end to end: quota check,
// persona resolution, optional voice transcription, the upstream call, stream
// normalization, tool dispatch and marker handling.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/timemachine-studio/tm-relay/internal/marker"
	"github.com/timemachine-studio/tm-relay/internal/models"
	"github.com/timemachine-studio/tm-relay/internal/persona"
	"github.com/timemachine-studio/tm-relay/internal/provider"
	"github.com/timemachine-studio/tm-relay/internal/ratelimit"
	"github.com/timemachine-studio/tm-relay/internal/speech"
	"github.com/timemachine-studio/tm-relay/internal/stream"
	"github.com/timemachine-studio/tm-relay/internal/tools"
)

// ErrRateLimited indicates the client exhausted the persona's daily quota.
var ErrRateLimited = errors.New("rate limit exceeded")

// Fixed fallback shown when voice input cannot be transcribed. Degrades the
// turn instead of failing the request.
const transcriptionApology = "I apologize, but I couldn't understand that voice message. Please try again."

// Relay wires the subsystems together. One instance serves all requests.
type Relay struct {
	personas    *persona.Registry
	limiter     *ratelimit.Limiter
	backends    *provider.Registry
	normalizer  *stream.Normalizer
	dispatcher  *tools.Dispatcher
	speech      *speech.Client
	voicePrompt string
	logger      *slog.Logger
}

// New constructs the relay.
func New(
	personas *persona.Registry,
	limiter *ratelimit.Limiter,
	backends *provider.Registry,
	normalizer *stream.Normalizer,
	dispatcher *tools.Dispatcher,
	speechClient *speech.Client,
	voicePrompt string,
	logger *slog.Logger,
) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		personas:    personas,
		limiter:     limiter,
		backends:    backends,
		normalizer:  normalizer,
		dispatcher:  dispatcher,
		speech:      speechClient,
		voicePrompt: voicePrompt,
		logger:      logger,
	}
}

// preparedCall is the result of the shared request setup: the resolved
// profile, the upstream call, and the facts tool dispatch needs later.
type preparedCall struct {
	profile  *persona.Profile
	call     provider.ChatCall
	backend  provider.Provider
	toolCtx  tools.CallContext
	voice    bool
	degraded string // non-empty: skip upstream, reply with this text
}

func (r *Relay) prepare(ctx context.Context, req models.ChatRequest, streaming bool) (*preparedCall, error) {
	profile, err := r.personas.Resolve(req.Persona)
	if err != nil {
		return nil, err
	}

	allowed, err := r.limiter.Allow(ctx, req.ClientID, profile.ID)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, fmt.Errorf("%w: persona %s", ErrRateLimited, profile.ID)
	}

	turns := append([]models.Turn(nil), req.Turns...)
	systemPrompt := profile.SystemPrompt(req.HeatLevel)
	toolsOn := profile.ToolsOn
	voice := req.AudioData != ""

	prepared := &preparedCall{profile: profile, voice: voice}

	if voice {
		transcript, err := r.speech.Transcribe(ctx, req.AudioData)
		if err != nil {
			// Transcription failure degrades the turn, never the request.
			r.logger.Error("transcription failed", "error", err)
			prepared.degraded = transcriptionApology
			return prepared, nil
		}
		for i := len(turns) - 1; i >= 0; i-- {
			if turns[i].Role == models.RoleUser {
				turns[i].Content = transcript
				break
			}
		}
		// Voice turns run with the spoken-reply prompt and no tools.
		if r.voicePrompt != "" {
			systemPrompt = r.voicePrompt
		}
		toolsOn = false
	}

	imageURLs := append(append([]string(nil), req.ImageData...), req.ImageURLs...)
	if len(imageURLs) > 0 {
		// Vision turns never carry tool declarations.
		toolsOn = false
	}

	backend, err := r.backends.Lookup(profile.Backend)
	if err != nil {
		return nil, err
	}

	allTurns := make([]models.Turn, 0, len(turns)+1)
	if systemPrompt != "" {
		allTurns = append(allTurns, models.Turn{Role: models.RoleSystem, Content: systemPrompt})
	}
	allTurns = append(allTurns, turns...)

	call := provider.ChatCall{
		Model:       profile.Model,
		Turns:       allTurns,
		Temperature: profile.Temperature,
		MaxTokens:   profile.MaxTokens,
		ImageURLs:   imageURLs,
	}
	if toolsOn {
		call.Tools = tools.Declarations()
	}

	prepared.call = call
	prepared.backend = backend
	prepared.toolCtx = tools.CallContext{
		Persona:         profile.ID,
		Streaming:       streaming,
		ReferenceImages: req.ImageURLs,
	}
	return prepared, nil
}

// Respond handles a non-streaming request and returns the reassembled,
// marker-stripped reply.
func (r *Relay) Respond(ctx context.Context, req models.ChatRequest) (*models.RelayResponse, error) {
	prepared, err := r.prepare(ctx, req, false)
	if err != nil {
		return nil, err
	}

	if prepared.degraded != "" {
		return &models.RelayResponse{Content: prepared.degraded}, nil
	}

	result, err := prepared.backend.Chat(ctx, prepared.call)
	if err != nil {
		return nil, err
	}

	content := result.Content
	for _, fragment := range r.dispatcher.Resolve(ctx, result.ToolCalls, prepared.toolCtx) {
		content += fragment
	}

	response := r.assemble(content)
	if prepared.voice && response.Content != "" {
		response.AudioURL = r.speech.ReplyAudioURL(response.Content)
	}

	if err := r.limiter.Record(ctx, req.ClientID, prepared.profile.ID); err != nil {
		r.logger.Error("failed to record quota usage", "error", err)
	}
	return response, nil
}

// RespondStream handles a streaming request. Content chunks are forwarded to
// emit in upstream order, followed by tool results, followed by the audio
// marker on voice turns. Raw marker tags flow through unmodified; the browser
// client strips them.
func (r *Relay) RespondStream(ctx context.Context, req models.ChatRequest, emit func(string) error) error {
	prepared, err := r.prepare(ctx, req, true)
	if err != nil {
		return err
	}

	if prepared.degraded != "" {
		return emit(prepared.degraded)
	}

	body, err := prepared.backend.Stream(ctx, prepared.call)
	if err != nil {
		return err
	}
	defer body.Close()

	accumulator := stream.NewAccumulator()
	var full strings.Builder

	err = r.normalizer.Pump(body, func(event models.StreamEvent) error {
		switch event.Kind {
		case models.EventContent:
			full.WriteString(event.Text)
			return emit(event.Text)
		case models.EventToolCallDelta:
			accumulator.Add(event)
		case models.EventFinish:
			// Terminal; tool resolution happens after the pump returns.
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, fragment := range r.dispatcher.Resolve(ctx, accumulator.Finish(), prepared.toolCtx) {
		full.WriteString(fragment)
		if err := emit(fragment); err != nil {
			return err
		}
	}

	if prepared.voice {
		response := r.assemble(full.String())
		if response.Content != "" {
			audioURL := r.speech.ReplyAudioURL(response.Content)
			if err := emit(marker.EmbedAudio(audioURL)); err != nil {
				return err
			}
		}
	}

	if err := r.limiter.Record(ctx, req.ClientID, prepared.profile.ID); err != nil {
		r.logger.Error("failed to record quota usage", "error", err)
	}
	return nil
}

// assemble strips the side-channel markers from a finished reply.
func (r *Relay) assemble(content string) *models.RelayResponse {
	reasoning, remainder := marker.ExtractReasoning(content)
	emotion, remainder := marker.ExtractEmotion(remainder)

	return &models.RelayResponse{
		Content:  strings.TrimSpace(remainder),
		Thinking: reasoning,
		Emotion:  emotion,
	}
}
