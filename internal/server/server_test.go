package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/timemachine-studio/tm-relay/internal/config"
	"github.com/timemachine-studio/tm-relay/internal/persona"
	"github.com/timemachine-studio/tm-relay/internal/provider"
	"github.com/timemachine-studio/tm-relay/internal/provider/groq"
	"github.com/timemachine-studio/tm-relay/internal/ratelimit"
	"github.com/timemachine-studio/tm-relay/internal/relay"
	"github.com/timemachine-studio/tm-relay/internal/speech"
	"github.com/timemachine-studio/tm-relay/internal/stream"
	"github.com/timemachine-studio/tm-relay/internal/tools"
)

// newTestServer wires a full server against a stubbed upstream. dailyLimit
// bounds the default persona.
func newTestServer(t *testing.T, upstreamURL string, dailyLimit int) *Server {
	t.Helper()

	cfg := config.Config{
		Server: config.ServerConfig{Port: 8080},
		Providers: config.ProvidersConfig{
			Groq: config.ProviderConfig{BaseURL: upstreamURL},
		},
		Personas: config.PersonasConfig{
			Default: "default",
			Profiles: map[string]config.PersonaConfig{
				"default": {
					Backend:      "groq",
					Model:        "test-model",
					SystemPrompt: "you are helpful",
					DailyLimit:   dailyLimit,
				},
			},
		},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	personas, err := persona.NewRegistry(cfg.Personas)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	limits := map[string]int{"default": dailyLimit}
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), limits, nil)

	backends := provider.NewRegistry()
	groqProvider, err := groq.New("groq", cfg.Providers.Groq, http.DefaultClient)
	if err != nil {
		t.Fatalf("groq.New: %v", err)
	}
	if err := backends.Register(groqProvider); err != nil {
		t.Fatalf("Register: %v", err)
	}

	rl := relay.New(
		personas,
		limiter,
		backends,
		stream.NewNormalizer(logger),
		tools.NewDispatcher(cfg.Services, http.DefaultClient, logger),
		speech.NewClient(cfg.Services, "", http.DefaultClient, logger),
		cfg.Personas.VoicePrompt,
		logger,
	)

	srv, err := New(cfg, rl, logger)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	return srv
}

func postProxy(srv *Server, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/ai-proxy", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestProxyBufferedResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/openai/v1/chat/completions" {
			t.Errorf("unexpected upstream path %q", r.URL.Path)
		}
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode upstream payload: %v", err)
		}
		if payload["model"] != "test-model" {
			t.Errorf("model = %v, want test-model", payload["model"])
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"choices":[{"message":{"content":"<reason>the why</reason>hello there <emotion>joy</emotion>"},"finish_reason":"stop"}]}`)
	}))
	defer upstream.Close()

	srv := newTestServer(t, upstream.URL, 30)
	rec := postProxy(srv, `{"messages":[{"content":"hi","isAI":false}]}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got["content"] != "hello there" {
		t.Errorf("content = %q, want %q", got["content"], "hello there")
	}
	if got["thinking"] != "the why" {
		t.Errorf("thinking = %q, want %q", got["thinking"], "the why")
	}
	if _, present := got["audioUrl"]; present {
		t.Error("text turn must not carry audioUrl")
	}
}

func TestProxyStreamingResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		json.NewDecoder(r.Body).Decode(&payload)
		if payload["stream"] != true {
			t.Errorf("upstream payload stream = %v, want true", payload["stream"])
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"A\"}}]}\n\n")
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"B\"}}]}\n\n")
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer upstream.Close()

	srv := newTestServer(t, upstream.URL, 30)
	rec := postProxy(srv, `{"messages":[{"content":"hi","isAI":false}],"stream":true}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q, want text/plain", ct)
	}
	if rec.Body.String() != "AB" {
		t.Errorf("body = %q, want AB", rec.Body.String())
	}
}

func TestProxyQuotaExceeded(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"choices":[{"message":{"content":"ok"},"finish_reason":"stop"}]}`)
	}))
	defer upstream.Close()

	srv := newTestServer(t, upstream.URL, 1)

	if rec := postProxy(srv, `{"messages":[{"content":"hi","isAI":false}]}`); rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}

	rec := postProxy(srv, `{"messages":[{"content":"hi again","isAI":false}]}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}

	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Type != "rateLimit" {
		t.Errorf("error type = %q, want rateLimit", body.Type)
	}
	if body.Error == "" {
		t.Error("error message must not be empty")
	}
}

func TestProxyUnknownPersona(t *testing.T) {
	srv := newTestServer(t, "http://unused.invalid", 30)

	rec := postProxy(srv, `{"messages":[{"content":"hi","isAI":false}],"persona":"ghost"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestProxyRejectsBadPayloads(t *testing.T) {
	srv := newTestServer(t, "http://unused.invalid", 30)

	tests := []struct {
		name string
		body string
	}{
		{"empty body", ""},
		{"invalid json", `{"messages":`},
		{"no messages", `{"messages":[]}`},
		{"bad imageData type", `{"messages":[{"content":"hi"}],"imageData":42}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := postProxy(srv, tt.body); rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestProxyMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, "http://unused.invalid", 30)

	req := httptest.NewRequest(http.MethodGet, "/api/ai-proxy", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Errorf("405 body is not the JSON error shape: %v", err)
	}
}

func TestProxyUpstreamFailureIsApology(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
	}))
	defer upstream.Close()

	srv := newTestServer(t, upstream.URL, 30)
	rec := postProxy(srv, `{"messages":[{"content":"hi","isAI":false}]}`)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error != userFacingApology {
		t.Errorf("error = %q, want fixed apology", body.Error)
	}
	if strings.Contains(body.Error, "overloaded") {
		t.Error("upstream detail leaked to the client")
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, "http://unused.invalid", 30)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestParseImageData(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    int
		wantErr bool
	}{
		{"absent", "", 0, false},
		{"null", "null", 0, false},
		{"single string", `"data:image/png;base64,xxx"`, 1, false},
		{"empty string", `""`, 0, false},
		{"array", `["a","b"]`, 2, false},
		{"number", "42", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseImageData(json.RawMessage(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != tt.want {
				t.Errorf("got %d urls, want %d", len(got), tt.want)
			}
		})
	}
}
