package persona

import (
	"errors"
	"fmt"

	"github.com/timemachine-studio/tm-relay/internal/config"
)

// ErrUnknownPersona indicates the requested persona is not registered.
var ErrUnknownPersona = errors.New("unknown persona")

const (
	// DefaultHeatLevel is applied when the requested level is absent or
	// outside the supported range.
	DefaultHeatLevel = 2
	minHeatLevel     = 1
	maxHeatLevel     = 5
)

// Profile is an immutable persona configuration bundle resolved once per
// request: model choice, sampling parameters, prompt material and quota.
type Profile struct {
	ID          string
	Backend     string
	Model       string
	Temperature float64
	MaxTokens   int
	Greeting    string
	ToolsOn     bool
	DailyLimit  int

	prompt      string
	heatPrompts map[int]string
}

// SystemPrompt returns the system prompt for the given heat level. Profiles
// without heat variants ignore the level entirely. An absent or out-of-range
// level resolves to DefaultHeatLevel.
func (p *Profile) SystemPrompt(heatLevel int) string {
	if len(p.heatPrompts) == 0 {
		return p.prompt
	}
	level := NormalizeHeat(heatLevel)
	if prompt, ok := p.heatPrompts[level]; ok {
		return prompt
	}
	return p.prompt
}

// NormalizeHeat maps any requested heat level onto the supported [1,5] range,
// substituting the default for anything outside it.
func NormalizeHeat(level int) int {
	if level < minHeatLevel || level > maxHeatLevel {
		return DefaultHeatLevel
	}
	return level
}

// Registry holds the static persona table loaded at process start.
type Registry struct {
	profiles  map[string]*Profile
	defaultID string
}

// NewRegistry builds the persona table from configuration.
func NewRegistry(cfg config.PersonasConfig) (*Registry, error) {
	profiles := make(map[string]*Profile, len(cfg.Profiles))
	for id, pc := range cfg.Profiles {
		heatPrompts := make(map[int]string, len(pc.HeatPrompts))
		for level, prompt := range pc.HeatPrompts {
			heatPrompts[level] = prompt
		}
		profiles[id] = &Profile{
			ID:          id,
			Backend:     pc.Backend,
			Model:       pc.Model,
			Temperature: pc.Temperature,
			MaxTokens:   pc.MaxTokens,
			Greeting:    pc.Greeting,
			ToolsOn:     pc.Tools,
			DailyLimit:  pc.DailyLimit,
			prompt:      pc.SystemPrompt,
			heatPrompts: heatPrompts,
		}
	}

	if _, ok := profiles[cfg.Default]; !ok {
		return nil, fmt.Errorf("default persona %q is not configured", cfg.Default)
	}

	return &Registry{
		profiles:  profiles,
		defaultID: cfg.Default,
	}, nil
}

// Resolve returns the profile for the given persona ID. An empty ID resolves
// to the configured default; an unknown ID is an error, never a silent
// substitution.
func (r *Registry) Resolve(id string) (*Profile, error) {
	if id == "" {
		id = r.defaultID
	}
	profile, ok := r.profiles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPersona, id)
	}
	return profile, nil
}

// DefaultID returns the persona applied when a request names none.
func (r *Registry) DefaultID() string {
	return r.defaultID
}
