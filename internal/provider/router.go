package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-agents/internal/retry"
)

// Router manages multiple LLM providers and routes requests.
type Router struct {
	providers map[string]Provider
	bindings  map[string]string   // agentID -> providerID
	fallbacks map[string][]string // agentID -> fallback provider chain
	defaults  string              // default provider ID
	policy    retry.Policy
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewRouter creates a new provider router retrying with policy.
func NewRouter(policy retry.Policy, logger *zap.Logger) *Router {
	return &Router{
		providers: make(map[string]Provider),
		bindings:  make(map[string]string),
		fallbacks: make(map[string][]string),
		policy:    policy,
		logger:    logger.Named("provider"),
	}
}

// Register adds a provider to the router.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	if r.defaults == "" {
		r.defaults = p.ID()
	}
	r.logger.Info("registered provider", zap.String("id", p.ID()), zap.String("name", p.Name()))
}

// SetDefault sets the default provider.
func (r *Router) SetDefault(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = providerID
}

// DefaultID returns the current default provider ID.
func (r *Router) DefaultID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults
}

// Bind associates an agent with a specific provider.
func (r *Router) Bind(agentID, providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[agentID] = providerID
}

// SetFallbacks configures fallback providers for an agent.
func (r *Router) SetFallbacks(agentID string, providerIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[agentID] = providerIDs
}

// Route sends a chat request through the agent's provider, then its
// fallbacks in order.
func (r *Router) Route(ctx context.Context, agentID string, req *ChatRequest) (*ChatResponse, error) {
	r.mu.RLock()
	primary := r.getProvider(agentID)
	chain := make([]Provider, 0, len(r.fallbacks[agentID]))
	for _, fbID := range r.fallbacks[agentID] {
		if fb, ok := r.providers[fbID]; ok {
			chain = append(chain, fb)
		}
	}
	r.mu.RUnlock()

	if primary == nil {
		return nil, fmt.Errorf("no provider available for agent %s", agentID)
	}

	resp, err := primary.Chat(ctx, req)
	if err == nil {
		return resp, nil
	}
	if len(chain) > 0 {
		r.logger.Warn("primary provider failed, trying fallbacks",
			zap.String("agent", agentID), zap.Error(err))
	}

	for _, fb := range chain {
		resp, err = fb.Chat(ctx, req)
		if err == nil {
			return resp, nil
		}
		r.logger.Warn("fallback provider failed", zap.String("provider", fb.ID()), zap.Error(err))
	}

	return nil, fmt.Errorf("all providers failed for agent %s: %w", agentID, err)
}

// Generate runs prompt for agentID, retrying the whole provider chain with
// the router's policy. Exhaustion is reported as ErrProvider.
func (r *Router) Generate(ctx context.Context, agentID, prompt, system string) (string, error) {
	req := &ChatRequest{}
	if system != "" {
		req.Messages = append(req.Messages, Message{Role: "system", Content: system})
	}
	req.Messages = append(req.Messages, Message{Role: "user", Content: prompt})

	var text string
	attempt := 0
	err := retry.DoNotify(ctx, r.policy, func(ctx context.Context) error {
		attempt++
		resp, err := r.Route(ctx, agentID, req)
		if err != nil {
			return err
		}
		if strings.TrimSpace(resp.Content) == "" {
			return errors.New("empty completion")
		}
		text = resp.Content
		return nil
	}, func(err error, wait time.Duration) {
		r.logger.Warn("generation failed, retrying",
			zap.String("agent", agentID),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
	if err != nil {
		return "", fmt.Errorf("%w: agent %s after %d attempts: %v", ErrProvider, agentID, attempt, err)
	}
	return text, nil
}

// For returns a Generator bound to agentID.
func (r *Router) For(agentID string) Generator {
	return GeneratorFunc(func(ctx context.Context, prompt, system string) (string, error) {
		return r.Generate(ctx, agentID, prompt, system)
	})
}

func (r *Router) getProvider(agentID string) Provider {
	if pid, ok := r.bindings[agentID]; ok {
		if p, ok := r.providers[pid]; ok {
			return p
		}
	}
	if p, ok := r.providers[r.defaults]; ok {
		return p
	}
	return nil
}

// GetProvider returns a provider by ID.
func (r *Router) GetProvider(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// ListProviders returns all registered providers.
func (r *Router) ListProviders() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		result = append(result, p)
	}
	return result
}
