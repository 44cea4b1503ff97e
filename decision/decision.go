// Package decision implements the decision engine: it scores candidate
// options against the associative memory store and the historical decision
// record, persists an auditable DecisionRecord for every choice, and feeds
// reported outcomes back into memory.
package decision

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crewline/opsmind/core"
	"github.com/crewline/opsmind/memory"
)

// Config holds the scoring weights. Tunable defaults, not contracts.
type Config struct {
	// BaseScore is every option's starting score.
	BaseScore float64 `yaml:"base_score"`

	// HistoryWeight is added (success) or subtracted (failure) per
	// historical same-type decision that chose the candidate.
	HistoryWeight float64 `yaml:"history_weight"`

	// ContextWeight scales the mean importance of the top relevant
	// memories into the score.
	ContextWeight float64 `yaml:"context_weight"`

	// HistoryLimit caps how many recent same-type decisions are consulted.
	HistoryLimit int `yaml:"history_limit"`

	// MemoryLimit caps how many relevant memories are consulted.
	MemoryLimit int `yaml:"memory_limit"`

	// SuccessReinforce is the importance delta applied to related memories
	// when an outcome is reported successful.
	SuccessReinforce float64 `yaml:"success_reinforce"`

	// SuccessImportance is the importance of the outcome memory recorded
	// on success.
	SuccessImportance float64 `yaml:"success_importance"`

	// FailureImportance is the importance of the avoidance memory recorded
	// on failure. Deliberately above SuccessImportance: the engine learns
	// faster from mistakes than from wins.
	FailureImportance float64 `yaml:"failure_importance"`
}

// DefaultConfig returns the stock weights.
func DefaultConfig() Config {
	return Config{
		BaseScore:         0.5,
		HistoryWeight:     0.2,
		ContextWeight:     0.3,
		HistoryLimit:      50,
		MemoryLimit:       5,
		SuccessReinforce:  0.2,
		SuccessImportance: 0.75,
		FailureImportance: 0.9,
	}
}

// Engine scores options and records outcomes.
type Engine struct {
	store *memory.Store
	cfg   Config
}

// New creates an Engine over a memory store.
func New(store *memory.Store, cfg Config) *Engine {
	if cfg.HistoryLimit == 0 {
		cfg = DefaultConfig()
	}
	return &Engine{store: store, cfg: cfg}
}

// Request describes one decision to make.
type Request struct {
	Type    string
	Context string
	Options []string
}

// Decide scores every option and persists the winning choice before
// returning. Scoring: base score per option, plus/minus the history weight
// per resolved same-type decision that chose it, plus the mean importance
// of the top relevant memories scaled by the context weight, clamped to
// [0,1]. Ties break to the first-listed option, so an empty store and
// empty history deterministically yield the first option at the base score.
//
// The engine never fabricates a decision: if the store is unreachable the
// typed error is returned instead.
func (e *Engine) Decide(ctx context.Context, req Request) (*core.DecisionRecord, error) {
	if len(req.Options) == 0 {
		return nil, fmt.Errorf("decide %s: no options", req.Type)
	}

	history, err := e.store.Backend().ListDecisions(ctx, memory.DecisionFilter{
		Type:         req.Type,
		ResolvedOnly: true,
		Limit:        e.cfg.HistoryLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("consult history: %w", err)
	}

	memories, err := e.store.Query(ctx, memory.QueryRequest{
		Text:  req.Context,
		Limit: e.cfg.MemoryLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("consult memory: %w", err)
	}

	var relevance float64
	if len(memories) > 0 {
		var sum float64
		for _, m := range memories {
			sum += m.Importance
		}
		relevance = sum / float64(len(memories)) * e.cfg.ContextWeight
	}

	best := 0
	bestScore := -1.0
	for i, opt := range req.Options {
		score := e.cfg.BaseScore
		for _, h := range history {
			if h.Chosen != opt {
				continue
			}
			switch h.Success {
			case core.OutcomeSuccess:
				score += e.cfg.HistoryWeight
			case core.OutcomeFailure:
				score -= e.cfg.HistoryWeight
			}
		}
		score = core.Clamp01(score + relevance)

		// Strict > keeps ties on the first-listed option.
		if score > bestScore {
			best = i
			bestScore = score
		}
	}

	rec := &core.DecisionRecord{
		ID:                 uuid.New().String(),
		Type:               req.Type,
		InputContext:       req.Context,
		Options:            req.Options,
		Chosen:             req.Options[best],
		Confidence:         bestScore,
		Success:            core.OutcomeUnknown,
		MemoriesConsulted:  len(memories),
		DecisionsConsulted: len(history),
		CreatedAt:          time.Now().UTC(),
	}
	if err := e.store.Backend().PutDecision(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist decision: %w", err)
	}

	log.Printf("[DECISION] %s: chose %q (confidence %.2f, %d memories, %d decisions)",
		req.Type, rec.Chosen, rec.Confidence, len(memories), len(history))
	return rec, nil
}

// ReportOutcome records the outcome of a decision exactly once; a second
// report returns core.ErrOutcomeReported and leaves the first untouched.
//
// On success, the memories most relevant to the decision context are
// reinforced. On failure, an avoidance memory is stored at high importance
// so the same mistake is surfaced before it is repeated.
func (e *Engine) ReportOutcome(ctx context.Context, decisionID, outcome string, success bool) error {
	rec, err := e.store.Backend().GetDecision(ctx, decisionID)
	if err != nil {
		return err
	}
	if rec.Success != core.OutcomeUnknown {
		return fmt.Errorf("decision %s: %w", decisionID, core.ErrOutcomeReported)
	}

	rec.Outcome = outcome
	if success {
		rec.Success = core.OutcomeSuccess
	} else {
		rec.Success = core.OutcomeFailure
	}
	now := time.Now().UTC()
	rec.ReportedAt = &now
	if err := e.store.Backend().PutDecision(ctx, rec); err != nil {
		return fmt.Errorf("persist outcome: %w", err)
	}

	// Pattern aggregation is deferred to the mining cycle; reporting only
	// updates the decision record and the memories around it.
	if success {
		e.reinforceRelated(ctx, rec)
	} else {
		e.recordAvoidance(ctx, rec, outcome)
	}
	return nil
}

func (e *Engine) reinforceRelated(ctx context.Context, rec *core.DecisionRecord) {
	related, err := e.store.Query(ctx, memory.QueryRequest{
		Text:  rec.InputContext,
		Limit: e.cfg.MemoryLimit,
	})
	if err != nil {
		log.Printf("[DECISION] reinforce lookup failed: %v", err)
		return
	}
	for _, m := range related {
		if err := e.store.Reinforce(ctx, m.ID, e.cfg.SuccessReinforce); err != nil {
			log.Printf("[DECISION] reinforce %s: %v", m.ID, err)
		}
	}

	content := fmt.Sprintf("%s: choosing %q worked. Context: %s",
		rec.Type, rec.Chosen, rec.InputContext)
	if _, err := e.store.Insert(ctx, core.OwnerGlobal, "decision-outcome", content,
		memory.WithImportance(e.cfg.SuccessImportance)); err != nil {
		log.Printf("[DECISION] record success memory: %v", err)
	}
}

func (e *Engine) recordAvoidance(ctx context.Context, rec *core.DecisionRecord, outcome string) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: avoid choosing %q. Context: %s", rec.Type, rec.Chosen, rec.InputContext)
	if outcome != "" {
		fmt.Fprintf(&b, ". Outcome: %s", outcome)
	}
	if _, err := e.store.Insert(ctx, core.OwnerGlobal, "avoid", b.String(),
		memory.WithImportance(e.cfg.FailureImportance)); err != nil {
		log.Printf("[DECISION] record avoidance memory: %v", err)
	}
}
