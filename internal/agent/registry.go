package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Registry tracks the actors running in this process.
type Registry struct {
	agents map[string]*Actor
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		agents: make(map[string]*Actor),
		logger: logger,
	}
}

// Register adds an actor. IDs must be unique.
func (r *Registry) Register(a *Actor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[a.ID()]; exists {
		return fmt.Errorf("agent %s already registered", a.ID())
	}
	r.agents[a.ID()] = a
	r.logger.Info("registered agent",
		zap.String("id", a.ID()),
		zap.String("type", a.Type()))
	return nil
}

// Get returns an actor by ID.
func (r *Registry) Get(id string) (*Actor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// List returns all registered actors ordered by ID.
func (r *Registry) List() []*Actor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Actor, 0, len(r.agents))
	for _, a := range r.agents {
		result = append(result, a)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID() < result[j].ID() })
	return result
}

// IDs returns every registered actor ID.
func (r *Registry) IDs() []string {
	list := r.List()
	ids := make([]string, len(list))
	for i, a := range list {
		ids[i] = a.ID()
	}
	return ids
}

// FindByCapability returns actors advertising capability.
func (r *Registry) FindByCapability(capability string) []*Actor {
	var out []*Actor
	for _, a := range r.List() {
		for _, c := range a.Capabilities() {
			if c == capability {
				out = append(out, a)
				break
			}
		}
	}
	return out
}

// StartAll starts every actor, stopping the ones already started if one fails.
func (r *Registry) StartAll(ctx context.Context) error {
	var started []*Actor
	for _, a := range r.List() {
		if err := a.Start(ctx); err != nil {
			for _, s := range started {
				_ = s.Stop(ctx)
			}
			return err
		}
		started = append(started, a)
	}
	return nil
}

// StopAll stops every actor and joins their errors.
func (r *Registry) StopAll(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, a := range r.List() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.Stop(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
