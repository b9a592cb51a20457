package factory

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/timemachine-studio/tm-relay/internal/config"
	"github.com/timemachine-studio/tm-relay/internal/provider"
	groqProvider "github.com/timemachine-studio/tm-relay/internal/provider/groq"
	pollinationsProvider "github.com/timemachine-studio/tm-relay/internal/provider/pollinations"
)

const (
	defaultHTTPTimeout     = 120 * time.Second
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// RegisterConfiguredProviders constructs back-ends from configuration and
// stores them in the registry.
func RegisterConfiguredProviders(cfg config.Config, registry *provider.Registry) error {
	if registry == nil {
		return errors.New("registry must not be nil")
	}

	groqClient := NewHTTPClient(defaultHTTPTimeout)
	groq, err := groqProvider.New("groq", cfg.Providers.Groq, groqClient)
	if err != nil {
		return fmt.Errorf("initialise groq provider: %w", err)
	}
	if err := registry.Register(groq); err != nil {
		return fmt.Errorf("register groq provider: %w", err)
	}

	pollinationsClient := NewHTTPClient(defaultHTTPTimeout)
	pollinations, err := pollinationsProvider.New("pollinations", cfg.Providers.Pollinations, pollinationsClient)
	if err != nil {
		return fmt.Errorf("initialise pollinations provider: %w", err)
	}
	if err := registry.Register(pollinations); err != nil {
		return fmt.Errorf("register pollinations provider: %w", err)
	}

	return nil
}

// NewHTTPClient builds a tuned client shared by outbound hosted-service calls.
func NewHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
