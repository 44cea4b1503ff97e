package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/crewline/opsmind/core"
	"github.com/crewline/opsmind/worker"
)

// SubmitRun executes one run of the orchestration graph from Entry to
// Terminal and always returns a result, carrying whatever partial
// decisions and errors accumulated. A failing worker step never halts the
// run; it is appended to the error list and routing continues.
func (e *Engine) SubmitRun(ctx context.Context, initialMessage string) *core.RunResult {
	run := &core.RunState{
		ID:        uuid.New().String(),
		CreatedAt: time.Now().UTC(),
	}
	run.Append("user", initialMessage)

	entry := e.entryWorker
	if entry == "" {
		roles := e.registry.Roles()
		if len(roles) > 0 {
			entry = roles[0]
		}
	}
	if entry == "" {
		run.Fail("router", fmt.Errorf("no workers registered: %w", core.ErrNotFound))
	} else {
		e.route(ctx, run, entry)
	}

	return &core.RunResult{
		RunID:        run.ID,
		FinalMessage: run.FinalMessage(),
		Decisions:    run.Decisions,
		Errors:       run.Errors,
		Metrics:      run.Metrics,
	}
}

// route drives the run from the entry role until Terminal. Execution is
// strictly sequential: one worker step at a time, RunState owned by this
// run alone. Cancellation is observed only at step boundaries.
func (e *Engine) route(ctx context.Context, run *core.RunState, entry string) {
	current := entry
	for {
		if err := ctx.Err(); err != nil {
			run.Fail(current, fmt.Errorf("run cancelled: %w", err))
			return
		}
		if run.Metrics.Steps >= e.maxSteps {
			run.Fail(current, core.ErrStepBudget)
			log.Printf("[ROUTER] run %s: step budget (%d) exhausted, forcing terminal", run.ID, e.maxSteps)
			return
		}

		suggestions := e.step(ctx, run, current)

		// Transition rule: first suggestion wins, the rest queue up;
		// otherwise drain the pending queue; otherwise Terminal.
		switch {
		case len(suggestions) > 0:
			current = suggestions[0]
			run.Queue = append(run.Queue, suggestions[1:]...)
		case len(run.Queue) > 0:
			current = run.Queue[0]
			run.Queue = run.Queue[1:]
		default:
			return
		}
	}
}

// step executes one worker step under the step timeout and returns the
// validated next-worker suggestions. Errors are recovered into the run.
func (e *Engine) step(ctx context.Context, run *core.RunState, role string) []string {
	handler, err := e.registry.Handler(role)
	if err != nil {
		run.Fail(role, err)
		return nil
	}

	stepCtx, cancel := context.WithTimeout(ctx, e.stepTimeout)
	res, err := handler(stepCtx, role, run)
	cancel()

	run.Metrics.Steps++
	e.registry.Observe(role, err == nil)

	if err != nil {
		run.Fail(role, err)
		log.Printf("[ROUTER] run %s: step %d (%s) failed: %v", run.ID, run.Metrics.Steps, role, err)
		return nil
	}

	if res.Message != "" {
		run.Append(role, res.Message)
	}
	if len(res.Decisions) > 0 {
		run.Decisions = append(run.Decisions, res.Decisions...)
		run.Metrics.DecisionsMade += len(res.Decisions)
	}

	var next []string
	for _, s := range res.NextWorkers {
		if !e.registry.Has(s) {
			log.Printf("[ROUTER] run %s: %s suggested unknown worker %q, dropping", run.ID, role, s)
			continue
		}
		next = append(next, s)
	}
	return next
}

// RegisterLLMWorker registers a role whose handler is the standard
// reasoning-provider step: retrieve memories, assemble the prompt, call
// the provider, validate the reply.
func (e *Engine) RegisterLLMWorker(d worker.Descriptor) (*worker.Descriptor, error) {
	return e.registry.Register(d, e.llmHandler())
}
