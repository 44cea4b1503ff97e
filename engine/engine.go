// Package engine wires the worker registry, associative memory store,
// decision engine, and reasoning provider into the orchestration engine,
// and exposes the synchronous core API the surrounding application calls:
// SubmitRun, QueryMemory, MakeDecision, ReportOutcome.
package engine

import (
	"context"
	"time"

	"github.com/crewline/opsmind/core"
	"github.com/crewline/opsmind/decision"
	"github.com/crewline/opsmind/memory"
	"github.com/crewline/opsmind/provider"
	"github.com/crewline/opsmind/worker"
)

// Engine is the orchestration engine. One instance is constructed at
// process start and passed by handle to every caller; there are no
// package-level singletons.
type Engine struct {
	registry  *worker.Registry
	store     *memory.Store
	decisions *decision.Engine
	reasoner  provider.Reasoner

	entryWorker   string
	maxSteps      int
	stepTimeout   time.Duration
	historyWindow int
	memoryLimit   int
}

// Option configures the engine.
type Option func(*Engine)

// WithEntryWorker sets the role every run enters the graph at. Defaults to
// the first registered role.
func WithEntryWorker(role string) Option {
	return func(e *Engine) { e.entryWorker = role }
}

// WithMaxSteps caps worker steps per run. Exceeding the cap forces the run
// to Terminal with a step-budget-exceeded error instead of looping forever.
func WithMaxSteps(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxSteps = n
		}
	}
}

// WithStepTimeout bounds each worker step, provider call included. A
// timed-out step is a recovered worker failure, never a hang.
func WithStepTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.stepTimeout = d
		}
	}
}

// WithHistoryWindow sets how many recent messages feed each prompt.
func WithHistoryWindow(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.historyWindow = n
		}
	}
}

// WithMemoryLimit sets how many memories are retrieved per step.
func WithMemoryLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.memoryLimit = n
		}
	}
}

// New creates an engine with the given collaborators.
func New(registry *worker.Registry, store *memory.Store, decisions *decision.Engine, reasoner provider.Reasoner, opts ...Option) *Engine {
	e := &Engine{
		registry:      registry,
		store:         store,
		decisions:     decisions,
		reasoner:      reasoner,
		maxSteps:      32,
		stepTimeout:   60 * time.Second,
		historyWindow: 10,
		memoryLimit:   5,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the engine's worker registry.
func (e *Engine) Registry() *worker.Registry { return e.registry }

// Store returns the engine's memory store.
func (e *Engine) Store() *memory.Store { return e.store }

// QueryMemory retrieves ranked memories for the surrounding application.
func (e *Engine) QueryMemory(ctx context.Context, q memory.QueryRequest) ([]*core.MemoryRecord, error) {
	return e.store.Query(ctx, q)
}

// MakeDecision delegates to the decision engine.
func (e *Engine) MakeDecision(ctx context.Context, req decision.Request) (*core.DecisionRecord, error) {
	return e.decisions.Decide(ctx, req)
}

// ReportOutcome delegates to the decision engine.
func (e *Engine) ReportOutcome(ctx context.Context, decisionID, outcome string, success bool) error {
	return e.decisions.ReportOutcome(ctx, decisionID, outcome, success)
}
