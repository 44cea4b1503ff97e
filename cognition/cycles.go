package cognition

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/crewline/opsmind/core"
	"github.com/crewline/opsmind/memory"
)

// observe records a heartbeat memory summarizing the store's aggregate
// counters. Low importance: heartbeats are the first thing decay reclaims.
func (s *Scheduler) observe(ctx context.Context) error {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return fmt.Errorf("observe stats: %w", err)
	}

	content := fmt.Sprintf(
		"observation: %d records (avg importance %.2f, %d unembedded), %d decisions, %d patterns, %d objectives",
		stats.Records, stats.AvgImportance, stats.UnembeddedRecs,
		stats.Decisions, stats.Patterns, stats.Objectives)

	_, err = s.store.Insert(ctx, core.OwnerGlobal, "observation", content,
		memory.WithImportance(0.1))
	return err
}

// maintain runs the decay pass followed by consolidation over the whole
// store. Both passes are idempotent, so an extra run costs nothing.
func (s *Scheduler) maintain(ctx context.Context) error {
	if _, err := s.store.DecayPass(ctx); err != nil {
		return fmt.Errorf("decay: %w", err)
	}
	if _, err := s.store.ConsolidatePass(ctx); err != nil {
		return fmt.Errorf("consolidate: %w", err)
	}
	return nil
}

// mine groups recent decisions by type and upserts a decision-stat pattern
// per type with the trailing success rate over resolved decisions, plus a
// success or failure pattern per resolved choice. Patterns are recomputed
// from the window on every pass, so mining is the only pattern writer and
// reruns are idempotent.
func (s *Scheduler) mine(ctx context.Context) error {
	since := time.Now().UTC().Add(-s.cfg.MiningWindow)
	decisions, err := s.store.Backend().ListDecisions(ctx, memory.DecisionFilter{Since: since})
	if err != nil {
		return fmt.Errorf("mine list: %w", err)
	}

	byType := make(map[string][]*core.DecisionRecord)
	for _, d := range decisions {
		byType[d.Type] = append(byType[d.Type], d)
	}

	for decisionType, group := range byType {
		var ids []string
		var resolved, succeeded int
		lastSeen := time.Time{}
		for _, d := range group {
			ids = append(ids, d.ID)
			switch d.Success {
			case core.OutcomeSuccess:
				resolved++
				succeeded++
			case core.OutcomeFailure:
				resolved++
			}
			if d.CreatedAt.After(lastSeen) {
				lastSeen = d.CreatedAt
			}
		}

		rate := 0.0
		if resolved > 0 {
			rate = float64(succeeded) / float64(resolved)
		}

		pattern := &core.Pattern{
			Name:        "decision-stat:" + decisionType,
			Kind:        core.PatternDecisionStat,
			DecisionIDs: ids,
			Occurrences: len(group),
			SuccessRate: rate,
			LastSeen:    lastSeen,
		}
		if err := s.store.Backend().UpsertPattern(ctx, pattern); err != nil {
			return fmt.Errorf("mine upsert %s: %w", pattern.Name, err)
		}
	}

	return s.mineOutcomePatterns(ctx, decisions)
}

// mineOutcomePatterns rebuilds the per-choice success and failure patterns
// from the resolved decisions in the mining window.
func (s *Scheduler) mineOutcomePatterns(ctx context.Context, decisions []*core.DecisionRecord) error {
	patterns := make(map[string]*core.Pattern)
	for _, d := range decisions {
		var kind core.PatternKind
		switch d.Success {
		case core.OutcomeSuccess:
			kind = core.PatternSuccess
		case core.OutcomeFailure:
			kind = core.PatternFailure
		default:
			continue
		}

		name := fmt.Sprintf("%s:%s:%s", kind, d.Type, d.Chosen)
		p, ok := patterns[name]
		if !ok {
			p = &core.Pattern{Name: name, Kind: kind}
			if kind == core.PatternSuccess {
				p.SuccessRate = 1
			}
			patterns[name] = p
		}
		p.DecisionIDs = append(p.DecisionIDs, d.ID)
		p.Occurrences++
		if d.CreatedAt.After(p.LastSeen) {
			p.LastSeen = d.CreatedAt
		}
	}

	for _, p := range patterns {
		if err := s.store.Backend().UpsertPattern(ctx, p); err != nil {
			return fmt.Errorf("mine upsert %s: %w", p.Name, err)
		}
	}
	return nil
}

// synthesize advances each open learning objective: retrieve the most
// relevant memories and decisions, fold them into a confidence-weighted
// summary, and move progress forward. Progress never regresses; completion
// is stamped once.
func (s *Scheduler) synthesize(ctx context.Context) error {
	objectives, err := s.store.Backend().ListObjectives(ctx, true)
	if err != nil {
		return fmt.Errorf("synthesize list: %w", err)
	}

	for _, obj := range objectives {
		evidence, err := s.store.Query(ctx, memory.QueryRequest{
			Text:  obj.Topic,
			Limit: s.cfg.SynthesisTopK,
		})
		if err != nil {
			return fmt.Errorf("synthesize query %s: %w", obj.Topic, err)
		}
		decisions, err := s.relatedDecisions(ctx, obj.Topic)
		if err != nil {
			return fmt.Errorf("synthesize decisions %s: %w", obj.Topic, err)
		}
		if len(evidence) == 0 && len(decisions) == 0 {
			continue
		}

		// Highest-confidence evidence leads the summary.
		sort.Slice(evidence, func(i, j int) bool {
			return evidence[i].Confidence > evidence[j].Confidence
		})

		var parts []string
		var confSum float64
		for _, m := range evidence {
			parts = append(parts, fmt.Sprintf("(%.2f) %s", m.Confidence, m.Content))
			confSum += m.Confidence
		}
		for _, d := range decisions {
			parts = append(parts, fmt.Sprintf("(%.2f) decision %s: chose %q, outcome %s",
				d.Confidence, d.Type, d.Chosen, d.Outcome))
			confSum += d.Confidence
		}
		avgConf := confSum / float64(len(evidence)+len(decisions))

		progress := obj.Progress + s.cfg.ProgressStep*avgConf
		if progress > 1 {
			progress = 1
		}
		if progress < obj.Progress {
			progress = obj.Progress // monotone, never regresses
		}

		obj.Knowledge = strings.Join(parts, "\n")
		obj.Progress = progress
		if obj.Progress >= 1 && obj.CompletedAt == nil {
			now := time.Now().UTC()
			obj.CompletedAt = &now
		}

		if err := s.store.Backend().PutObjective(ctx, obj); err != nil {
			return fmt.Errorf("synthesize put %s: %w", obj.Topic, err)
		}
	}
	return nil
}

// relatedDecisions returns resolved decisions whose type or input context
// mentions the topic. Decision records have no embedding column, so the
// match is textual.
func (s *Scheduler) relatedDecisions(ctx context.Context, topic string) ([]*core.DecisionRecord, error) {
	all, err := s.store.Backend().ListDecisions(ctx, memory.DecisionFilter{ResolvedOnly: true})
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(topic)
	var out []*core.DecisionRecord
	for _, d := range all {
		if strings.Contains(strings.ToLower(d.Type), needle) ||
			strings.Contains(strings.ToLower(d.InputContext), needle) {
			out = append(out, d)
			if len(out) == s.cfg.SynthesisTopK {
				break
			}
		}
	}
	return out, nil
}

// AddObjective opens a new learning objective for the synthesis cycle.
// Re-adding an existing topic is a no-op so accumulated progress survives.
func (s *Scheduler) AddObjective(ctx context.Context, topic string, priority float64) error {
	if _, err := s.store.Backend().GetObjective(ctx, topic); err == nil {
		return nil
	}
	obj := &core.LearningObjective{
		Topic:     topic,
		Priority:  priority,
		CreatedAt: time.Now().UTC(),
	}
	return s.store.Backend().PutObjective(ctx, obj)
}
