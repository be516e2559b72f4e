package ai

import (
	"fmt"
	"strings"

	"planforge/internal/domain"
	"planforge/internal/domain/ports/adapter"
)

// Router resolves the client for a job's api type tag ("openrouter",
// "openai", "gemini"). Unknown or empty tags fall back to the default
// provider, so jobs recorded before a provider was retired still run.
type Router struct {
	defaultProvider string
	byProvider      map[string]adapter.ModelClient
}

func NewRouter(defaultProvider string, clients ...adapter.ModelClient) *Router {
	m := make(map[string]adapter.ModelClient, len(clients))
	for _, c := range clients {
		if c != nil {
			m[strings.ToLower(c.Provider())] = c
		}
	}
	return &Router{
		defaultProvider: strings.ToLower(defaultProvider),
		byProvider:      m,
	}
}

// ClientFor returns the client serving apiType.
func (r *Router) ClientFor(apiType string) (adapter.ModelClient, error) {
	key := strings.ToLower(strings.TrimSpace(apiType))
	if c, ok := r.byProvider[key]; ok {
		return c, nil
	}
	if c, ok := r.byProvider[r.defaultProvider]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("%w: no model client for api type %q", domain.ErrInvalidArgument, apiType)
}

// Providers lists the registered provider tags.
func (r *Router) Providers() []string {
	out := make([]string, 0, len(r.byProvider))
	for p := range r.byProvider {
		out = append(out, p)
	}
	return out
}
