package chat

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/chatloom/chatloom/internal/config"
)

// Registry holds the configured providers by name.
type Registry struct {
	logger    *slog.Logger
	providers map[string]Provider
}

// NewRegistry wires providers from config. Anthropic and OpenAI require
// an API key; Ollama only needs its daemon URL and is always registered.
func NewRegistry(log *slog.Logger, cfg config.ProvidersConfig) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		logger:    log.With(slog.String("component", "chat")),
		providers: make(map[string]Provider),
	}

	if key := cfg.Anthropic.Key(); key != "" {
		r.Register(NewAnthropicProvider(log, key, cfg.Anthropic.BaseURL))
	}
	if key := cfg.OpenAI.Key(); key != "" {
		r.Register(NewOpenAIProvider(log, key, cfg.OpenAI.BaseURL))
	}
	if p, err := NewOllamaProvider(log, cfg.Ollama.BaseURL, nil); err == nil {
		r.Register(p)
	} else {
		r.logger.Warn("ollama provider disabled", slog.Any("error", err))
	}

	r.logger.Info("providers registered", slog.Any("names", r.Names()))
	return r
}

// Register adds or replaces a provider under its own name.
func (r *Registry) Register(p Provider) {
	r.providers[p.Name()] = p
}

// Get returns the named provider or an error listing what is available.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q not configured (have %v)", name, r.Names())
	}
	return p, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
