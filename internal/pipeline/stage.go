// Package pipeline is the orchestration kernel: a typed stage abstraction, a
// registry, a DAG executor with cooperative cancellation, and the
// orchestrator that wraps every run in durable observability.
//
// Stages never panic across the kernel boundary and never throw to signal
// control flow; every outcome is a tagged [StageOutput]. The graph resolves
// dependency inputs, propagates skips and cancellation, and returns the
// full output map to the orchestrator, which emits exactly one terminal
// pipeline event per run.
package pipeline

import "context"

// Kind classifies a stage for registry lookup and observability. It never
// affects dispatch.
type Kind string

const (
	KindTransform Kind = "TRANSFORM"
	KindEnrich    Kind = "ENRICH"
	KindRoute     Kind = "ROUTE"
	KindGuard     Kind = "GUARD"
	KindWork      Kind = "WORK"
	KindAgent     Kind = "AGENT"
)

// Status is the terminal state of one stage invocation.
type Status string

const (
	StatusOK       Status = "ok"
	StatusSkipped  Status = "skipped"
	StatusError    Status = "error"
	StatusCanceled Status = "canceled"
)

// Skip and cancel reasons set by the graph.
const (
	ReasonMissingInput  = "missing_input"
	ReasonUpstreamError = "upstream_error"
	ReasonNoSpeech      = "no_speech_detected"
)

// StageOutput is the result of one stage invocation. A stage never emits
// partial results on error; downstream stages see absence.
type StageOutput struct {
	// Status is the terminal state.
	Status Status

	// Reason qualifies skipped and canceled statuses.
	Reason string

	// Data is the opaque output consumed by dependent stages via input
	// resolution. Nil on anything but ok.
	Data map[string]any

	// Err is set when Status is error.
	Err error

	// Degraded marks a breaker-driven degradation the orchestrator should
	// surface as pipeline.degraded rather than failed.
	Degraded bool
}

// OK returns a successful output carrying data.
func OK(data map[string]any) StageOutput {
	return StageOutput{Status: StatusOK, Data: data}
}

// Skip returns a skipped output with a reason.
func Skip(reason string) StageOutput {
	return StageOutput{Status: StatusSkipped, Reason: reason}
}

// Cancel returns a canceled output with a reason. A canceled output from any
// stage gracefully terminates the rest of the graph.
func Cancel(reason string) StageOutput {
	return StageOutput{Status: StatusCanceled, Reason: reason}
}

// Fail returns an error output.
func Fail(err error) StageOutput {
	return StageOutput{Status: StatusError, Err: err}
}

// Info is a stage's static declaration: identity, DAG edges, and registry
// metadata.
type Info struct {
	// Name is unique within a pipeline.
	Name string

	// Kind classifies the stage.
	Kind Kind

	// Description is registry metadata for operators.
	Description string

	// Dependencies names the upstream stages whose outputs this stage reads.
	Dependencies []string

	// Triggers are registry lookup tags (e.g. "pre_llm").
	Triggers []string

	// Optional stages still run when a dependency was skipped; they see the
	// skip in their inputs instead of being skipped themselves.
	Optional bool
}

// Stage is a named, typed unit of work. Implementations must check
// [StageContext.Canceled] at suspension points and return a canceled output
// promptly. All collaborators (stores, providers, loggers) are injected at
// construction; the StageContext carries only per-run state.
type Stage interface {
	Info() Info
	Run(ctx context.Context, sc *StageContext) StageOutput
}
