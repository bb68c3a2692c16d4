package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Graph executes a DAG of stages with dependency ordering. Ready stages run
// concurrently; a stage runs once every dependency has finished. Build-time
// validation rejects unknown dependencies, duplicate names, and cycles, so
// invariant violations never reach production.
type Graph struct {
	stages []Stage
	byName map[string]Stage
}

// NewGraph validates the stage set and returns an executable graph.
func NewGraph(stages ...Stage) (*Graph, error) {
	g := &Graph{stages: stages, byName: make(map[string]Stage, len(stages))}
	for _, s := range stages {
		name := s.Info().Name
		if _, dup := g.byName[name]; dup {
			return nil, fmt.Errorf("pipeline: duplicate stage %q", name)
		}
		g.byName[name] = s
	}
	for _, s := range stages {
		for _, dep := range s.Info().Dependencies {
			if _, ok := g.byName[dep]; !ok {
				return nil, fmt.Errorf("pipeline: stage %q depends on unknown stage %q", s.Info().Name, dep)
			}
		}
	}
	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}
	return g, nil
}

// checkAcyclic runs Kahn's algorithm over the dependency edges.
func (g *Graph) checkAcyclic() error {
	indegree := make(map[string]int, len(g.stages))
	dependents := make(map[string][]string)
	for _, s := range g.stages {
		info := s.Info()
		indegree[info.Name] = len(info.Dependencies)
		for _, dep := range info.Dependencies {
			dependents[dep] = append(dependents[dep], info.Name)
		}
	}

	var ready []string
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	visited := 0
	for len(ready) > 0 {
		name := ready[len(ready)-1]
		ready = ready[:len(ready)-1]
		visited++
		for _, dependent := range dependents[name] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}
	if visited != len(g.stages) {
		return fmt.Errorf("pipeline: stage graph contains a cycle")
	}
	return nil
}

// StageObserver is called once per stage with its output and wall duration.
// The orchestrator uses it to patch the run row and record metrics.
type StageObserver func(name string, out StageOutput, duration time.Duration)

// Run executes the graph. It always returns the full output map; errors and
// cancellation are statuses, not return values. A stage returning canceled
// flips the run's cancel flag so the remaining stages terminate gracefully.
func (g *Graph) Run(ctx context.Context, pctx *PipelineContext, ports *Ports, observe StageObserver) map[string]StageOutput {
	done := make(map[string]chan struct{}, len(g.stages))
	for _, s := range g.stages {
		done[s.Info().Name] = make(chan struct{})
	}

	var mu sync.Mutex
	results := make(map[string]StageOutput, len(g.stages))
	snapshot := pctx.Snapshot()

	var wg sync.WaitGroup
	for _, s := range g.stages {
		wg.Add(1)
		go func(s Stage) {
			defer wg.Done()
			info := s.Info()

			for _, dep := range info.Dependencies {
				<-done[dep]
			}

			mu.Lock()
			inputs := make(map[string]StageOutput, len(info.Dependencies))
			for _, dep := range info.Dependencies {
				inputs[dep] = results[dep]
			}
			mu.Unlock()

			start := time.Now()
			out := g.runStage(ctx, pctx, snapshot, ports, s, inputs)
			if observe != nil {
				observe(info.Name, out, time.Since(start))
			}

			if out.Status == StatusCanceled {
				if reason := out.Reason; reason != "" {
					if cur := pctx.String(KeyCancelReason); cur == "" {
						pctx.Put(KeyCancelReason, reason)
					}
				}
				pctx.Cancel()
			}

			mu.Lock()
			results[info.Name] = out
			mu.Unlock()
			close(done[info.Name])
		}(s)
	}
	wg.Wait()
	return results
}

// runStage decides whether the stage runs at all, then runs it with timing
// and panic containment.
func (g *Graph) runStage(ctx context.Context, pctx *PipelineContext, snapshot Snapshot, ports *Ports, s Stage, inputs map[string]StageOutput) (out StageOutput) {
	info := s.Info()

	if ctx.Err() != nil || pctx.Canceled() {
		return Cancel(pctx.String(KeyCancelReason))
	}
	for _, dep := range inputs {
		if dep.Status == StatusCanceled {
			return Cancel(dep.Reason)
		}
	}
	for _, dep := range inputs {
		if dep.Status == StatusError {
			return Skip(ReasonUpstreamError)
		}
	}
	if !info.Optional {
		for _, dep := range inputs {
			if dep.Status == StatusSkipped {
				return Skip(ReasonMissingInput)
			}
		}
	}

	sc := &StageContext{
		Snapshot: snapshot,
		Inputs:   inputs,
		Ports:    ports,
		pctx:     pctx,
	}

	defer func() {
		if r := recover(); r != nil {
			out = Fail(fmt.Errorf("pipeline: stage %q panicked: %v", info.Name, r))
		}
	}()
	return s.Run(ctx, sc)
}
