package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/crewline/opsmind/core"
	"github.com/crewline/opsmind/memory"
	"github.com/crewline/opsmind/provider"
	"github.com/crewline/opsmind/worker"
)

// SystemPrompt is the contract every LLM worker runs under. The reply must
// be the bare JSON object; anything else is rejected and the run routes to
// Terminal instead of acting on guessed text.
const SystemPrompt = `You are one specialized worker in a multi-worker business operations engine.

Respond with a single JSON object and nothing else:
{
  "text": "your output for the run history",
  "action_taken": "short label for what you did (optional)",
  "proposed_next_workers": ["role", ...] (optional; only roles you were told exist),
  "confidence": 0.0-1.0 (optional)
}

Propose next workers only when another role is genuinely needed to finish
the task. An empty list ends the run.`

// llmHandler builds the standard worker step: retrieve memories, assemble
// the prompt, call the reasoning provider, and hand the validated
// suggestions back to the router.
func (e *Engine) llmHandler() worker.Handler {
	return func(ctx context.Context, role string, run *core.RunState) (*worker.StepResult, error) {
		desc, err := e.registry.Get(role)
		if err != nil {
			return nil, err
		}

		// Ephemeral memory snapshot for this step. Concurrent decay or
		// consolidation may invalidate it mid-step; tolerated.
		memories, err := e.store.Query(ctx, memory.QueryRequest{
			Text:  run.FinalMessage(),
			Limit: e.memoryLimit,
		})
		if err != nil {
			return nil, fmt.Errorf("retrieve memories: %w", err)
		}
		run.MemoryContext = memories

		recent, err := e.store.Backend().ListDecisions(ctx, memory.DecisionFilter{Limit: 5})
		if err != nil {
			return nil, fmt.Errorf("retrieve decisions: %w", err)
		}

		prompt := e.buildPrompt(desc, run, memories, recent)

		run.Metrics.ProviderCalls++
		reply, err := e.reasoner.Generate(ctx, provider.GenerateRequest{
			System:    SystemPrompt,
			Prompt:    prompt,
			Model:     desc.Profile.Model,
			MaxTokens: desc.Profile.MaxTokens,
		})
		if err != nil {
			return nil, err
		}

		return &worker.StepResult{
			Message:     reply.Text,
			NextWorkers: reply.NextWorkers,
		}, nil
	}
}

// buildPrompt assembles the worker prompt from the role description,
// capability tags, recent message history, retrieved memories, and recent
// decisions.
func (e *Engine) buildPrompt(d *worker.Descriptor, run *core.RunState, memories []*core.MemoryRecord, decisions []*core.DecisionRecord) string {
	var b strings.Builder

	fmt.Fprintf(&b, "ROLE: %s\n", d.Role)
	if d.Description != "" {
		fmt.Fprintf(&b, "DESCRIPTION: %s\n", d.Description)
	}
	if len(d.Capabilities) > 0 {
		fmt.Fprintf(&b, "CAPABILITIES: %s\n", strings.Join(d.Capabilities, ", "))
	}
	if len(d.Tools) > 0 {
		fmt.Fprintf(&b, "TOOLS: %s\n", strings.Join(d.Tools, ", "))
	}
	fmt.Fprintf(&b, "KNOWN WORKERS: %s\n", strings.Join(e.registry.Roles(), ", "))

	b.WriteString("\n=== RECENT HISTORY ===\n")
	for _, msg := range run.Recent(e.historyWindow) {
		fmt.Fprintf(&b, "[%s] %s\n", msg.Role, msg.Content)
	}

	if len(memories) > 0 {
		b.WriteString("\n=== RELEVANT MEMORIES ===\n")
		for i, m := range memories {
			fmt.Fprintf(&b, "%d. (%s, importance %.2f) %s\n", i+1, m.Category, m.Importance, m.Content)
		}
	}

	if len(decisions) > 0 {
		b.WriteString("\n=== RECENT DECISIONS ===\n")
		for _, dec := range decisions {
			fmt.Fprintf(&b, "- %s: chose %q (%s)\n", dec.Type, dec.Chosen, dec.Success)
		}
	}

	return b.String()
}
