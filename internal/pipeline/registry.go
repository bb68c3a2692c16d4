package pipeline

import (
	"fmt"
	"slices"
	"sort"
	"sync"
)

// Registry maps stage names to their declarations. Registration happens
// explicitly at startup (constructor injection, no import-time side
// effects); duplicate names are rejected.
//
// Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	stages map[string]Stage
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{stages: make(map[string]Stage)}
}

// Register adds a stage. Registering a name twice is an error.
func (r *Registry) Register(s Stage) error {
	info := s.Info()
	if info.Name == "" {
		return fmt.Errorf("pipeline: register stage with empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.stages[info.Name]; dup {
		return fmt.Errorf("pipeline: stage %q already registered", info.Name)
	}
	r.stages[info.Name] = s
	return nil
}

// MustRegister registers all stages and panics on duplicates. Startup-only.
func (r *Registry) MustRegister(stages ...Stage) {
	for _, s := range stages {
		if err := r.Register(s); err != nil {
			panic(err)
		}
	}
}

// Lookup returns the stage registered under name.
func (r *Registry) Lookup(name string) (Stage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stages[name]
	return s, ok
}

// All returns every registered stage, sorted by name.
func (r *Registry) All() []Stage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Stage, 0, len(r.stages))
	for _, s := range r.stages {
		out = append(out, s)
	}
	sortStages(out)
	return out
}

// ByKind returns all stages of the given kind, sorted by name.
func (r *Registry) ByKind(kind Kind) []Stage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Stage
	for _, s := range r.stages {
		if s.Info().Kind == kind {
			out = append(out, s)
		}
	}
	sortStages(out)
	return out
}

// ByTrigger returns all stages declaring the given trigger, sorted by name.
func (r *Registry) ByTrigger(trigger string) []Stage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Stage
	for _, s := range r.stages {
		if slices.Contains(s.Info().Triggers, trigger) {
			out = append(out, s)
		}
	}
	sortStages(out)
	return out
}

func sortStages(stages []Stage) {
	sort.Slice(stages, func(i, j int) bool {
		return stages[i].Info().Name < stages[j].Info().Name
	})
}
