package cognition

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/crewline/opsmind/core"
	"github.com/crewline/opsmind/memory"
	"github.com/crewline/opsmind/memory/backend/memstore"
	"github.com/crewline/opsmind/provider/embedding"
)

func newScheduler(t *testing.T) (*Scheduler, *memory.Store) {
	t.Helper()

	backend, err := memstore.New()
	if err != nil {
		t.Fatalf("create backend: %v", err)
	}
	store, err := memory.New(backend, embedding.NewLocal(0), memory.DefaultConfig())
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, DefaultConfig()), store
}

func TestObserveRecordsHeartbeat(t *testing.T) {
	ctx := context.Background()
	s, store := newScheduler(t)

	if err := s.observe(ctx); err != nil {
		t.Fatalf("observe: %v", err)
	}

	records, err := store.Backend().ListRecords(ctx, memory.RecordFilter{Category: "observation"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d observations, want 1", len(records))
	}
	if records[0].Importance != 0.1 {
		t.Errorf("heartbeat importance = %v, want 0.1", records[0].Importance)
	}
	if records[0].Owner != core.OwnerGlobal {
		t.Errorf("owner = %q, want global", records[0].Owner)
	}
}

func TestMineAggregatesSuccessRates(t *testing.T) {
	ctx := context.Background()
	s, store := newScheduler(t)

	now := time.Now().UTC()
	put := func(id, decisionType string, outcome core.Outcome) {
		t.Helper()
		err := store.Backend().PutDecision(ctx, &core.DecisionRecord{
			ID:        id,
			Type:      decisionType,
			Chosen:    "x",
			Success:   outcome,
			CreatedAt: now,
		})
		if err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}

	put("d1", "vendor-selection", core.OutcomeSuccess)
	put("d2", "vendor-selection", core.OutcomeFailure)
	put("d3", "vendor-selection", core.OutcomeSuccess)
	put("d4", "vendor-selection", core.OutcomeUnknown) // unresolved, not counted in the rate
	put("d5", "routing", core.OutcomeFailure)

	if err := s.mine(ctx); err != nil {
		t.Fatalf("mine: %v", err)
	}

	patterns, err := store.Backend().ListPatterns(ctx, core.PatternDecisionStat)
	if err != nil {
		t.Fatalf("list patterns: %v", err)
	}
	byName := make(map[string]*core.Pattern, len(patterns))
	for _, p := range patterns {
		byName[p.Name] = p
	}

	vendor := byName["decision-stat:vendor-selection"]
	if vendor == nil {
		t.Fatal("vendor-selection pattern missing")
	}
	if vendor.Occurrences != 4 {
		t.Errorf("occurrences = %d, want 4", vendor.Occurrences)
	}
	if want := 2.0 / 3.0; vendor.SuccessRate != want {
		t.Errorf("success rate = %v, want %v", vendor.SuccessRate, want)
	}

	routing := byName["decision-stat:routing"]
	if routing == nil {
		t.Fatal("routing pattern missing")
	}
	if routing.SuccessRate != 0 {
		t.Errorf("routing rate = %v, want 0", routing.SuccessRate)
	}
}

func TestMineBuildsPerChoiceOutcomePatterns(t *testing.T) {
	ctx := context.Background()
	s, store := newScheduler(t)

	now := time.Now().UTC()
	put := func(id string, outcome core.Outcome) {
		t.Helper()
		err := store.Backend().PutDecision(ctx, &core.DecisionRecord{
			ID:        id,
			Type:      "carrier",
			Chosen:    "fastship",
			Success:   outcome,
			CreatedAt: now,
		})
		if err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}

	put("d1", core.OutcomeSuccess)
	put("d2", core.OutcomeSuccess)
	put("d3", core.OutcomeFailure)
	put("d4", core.OutcomeUnknown) // unresolved decisions never reach a pattern

	if err := s.mine(ctx); err != nil {
		t.Fatalf("mine: %v", err)
	}

	success, err := store.Backend().GetPattern(ctx, "success:carrier:fastship")
	if err != nil {
		t.Fatalf("get success pattern: %v", err)
	}
	if success.Occurrences != 2 || len(success.DecisionIDs) != 2 {
		t.Errorf("success pattern = %+v, want 2 occurrences", success)
	}
	if success.Kind != core.PatternSuccess || success.SuccessRate != 1 {
		t.Errorf("success pattern kind/rate = %q/%v", success.Kind, success.SuccessRate)
	}

	failure, err := store.Backend().GetPattern(ctx, "failure:carrier:fastship")
	if err != nil {
		t.Fatalf("get failure pattern: %v", err)
	}
	if failure.Occurrences != 1 || failure.Kind != core.PatternFailure {
		t.Errorf("failure pattern = %+v", failure)
	}

	// Re-mining the same window recomputes instead of double counting.
	if err := s.mine(ctx); err != nil {
		t.Fatalf("second mine: %v", err)
	}
	success, _ = store.Backend().GetPattern(ctx, "success:carrier:fastship")
	if success.Occurrences != 2 {
		t.Errorf("occurrences after re-mine = %d, want 2", success.Occurrences)
	}
}

func TestMineIgnoresDecisionsOutsideWindow(t *testing.T) {
	ctx := context.Background()
	s, store := newScheduler(t)

	err := store.Backend().PutDecision(ctx, &core.DecisionRecord{
		ID:        "old",
		Type:      "vendor-selection",
		Chosen:    "x",
		Success:   core.OutcomeSuccess,
		CreatedAt: time.Now().UTC().Add(-48 * time.Hour),
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := s.mine(ctx); err != nil {
		t.Fatalf("mine: %v", err)
	}

	patterns, err := store.Backend().ListPatterns(ctx, core.PatternDecisionStat)
	if err != nil {
		t.Fatalf("list patterns: %v", err)
	}
	if len(patterns) != 0 {
		t.Errorf("got %d patterns, want none outside the mining window", len(patterns))
	}
}

func TestSynthesizeAdvancesProgressMonotonically(t *testing.T) {
	ctx := context.Background()
	s, store := newScheduler(t)

	if err := s.AddObjective(ctx, "vendor reliability", 0.8); err != nil {
		t.Fatalf("add objective: %v", err)
	}
	// Re-adding must not reset anything.
	if err := s.AddObjective(ctx, "vendor reliability", 0.1); err != nil {
		t.Fatalf("re-add objective: %v", err)
	}

	store.Insert(ctx, core.OwnerGlobal, "fact", "vendor acme delivers reliably",
		memory.WithConfidence(0.8))
	store.Insert(ctx, core.OwnerGlobal, "fact", "vendor globex misses deadlines",
		memory.WithConfidence(0.6))

	var last float64
	for i := 0; i < 12; i++ {
		if err := s.synthesize(ctx); err != nil {
			t.Fatalf("synthesize pass %d: %v", i, err)
		}
		obj, err := store.Backend().GetObjective(ctx, "vendor reliability")
		if err != nil {
			t.Fatalf("get objective: %v", err)
		}
		if obj.Progress < last {
			t.Fatalf("progress regressed: %v -> %v", last, obj.Progress)
		}
		if obj.Progress > 1 {
			t.Fatalf("progress %v exceeds 1", obj.Progress)
		}
		last = obj.Progress
	}

	obj, _ := store.Backend().GetObjective(ctx, "vendor reliability")
	if obj.Progress != 1 {
		t.Errorf("progress = %v, want saturation at 1", obj.Progress)
	}
	if obj.CompletedAt == nil {
		t.Fatal("completed objective missing completion stamp")
	}
	if obj.Knowledge == "" {
		t.Error("synthesized knowledge is empty")
	}

	// Another pass must not move the completion stamp.
	stamp := *obj.CompletedAt
	if err := s.synthesize(ctx); err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	after, _ := store.Backend().GetObjective(ctx, "vendor reliability")
	if after.CompletedAt == nil || !after.CompletedAt.Equal(stamp) {
		t.Error("completion stamp changed on a later pass")
	}
}

func TestSynthesizeConsultsResolvedDecisions(t *testing.T) {
	ctx := context.Background()
	s, store := newScheduler(t)

	if err := s.AddObjective(ctx, "carrier", 0.5); err != nil {
		t.Fatalf("add objective: %v", err)
	}
	err := store.Backend().PutDecision(ctx, &core.DecisionRecord{
		ID:         "d1",
		Type:       "carrier",
		Chosen:     "fastship",
		Confidence: 0.8,
		Outcome:    "arrived on time",
		Success:    core.OutcomeSuccess,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("put decision: %v", err)
	}

	if err := s.synthesize(ctx); err != nil {
		t.Fatalf("synthesize: %v", err)
	}

	obj, err := store.Backend().GetObjective(ctx, "carrier")
	if err != nil {
		t.Fatalf("get objective: %v", err)
	}
	if obj.Progress <= 0 {
		t.Error("decision evidence did not advance progress")
	}
	if !strings.Contains(obj.Knowledge, "fastship") {
		t.Errorf("knowledge = %q, want the decision folded in", obj.Knowledge)
	}
}

func TestSynthesizeSkipsObjectivesWithoutEvidence(t *testing.T) {
	ctx := context.Background()
	s, store := newScheduler(t)

	if err := s.AddObjective(ctx, "empty topic", 0.5); err != nil {
		t.Fatalf("add objective: %v", err)
	}
	if err := s.synthesize(ctx); err != nil {
		t.Fatalf("synthesize: %v", err)
	}

	obj, err := store.Backend().GetObjective(ctx, "empty topic")
	if err != nil {
		t.Fatalf("get objective: %v", err)
	}
	if obj.Progress != 0 {
		t.Errorf("progress = %v, want 0 without evidence", obj.Progress)
	}
}

func TestMaintainRunsBothPasses(t *testing.T) {
	ctx := context.Background()
	s, store := newScheduler(t)

	const dup = "purchase orders above 10k need director approval"
	store.Insert(ctx, "procurement", "fact", dup)
	store.Insert(ctx, "procurement", "fact", dup)

	if err := s.maintain(ctx); err != nil {
		t.Fatalf("maintain: %v", err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Records != 1 {
		t.Errorf("records = %d, want duplicates consolidated to 1", stats.Records)
	}
}

func TestLoopRetriesAfterFailure(t *testing.T) {
	backend, err := memstore.New()
	if err != nil {
		t.Fatalf("create backend: %v", err)
	}
	store, err := memory.New(backend, embedding.NewLocal(0), memory.DefaultConfig())
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := DefaultConfig()
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffMax = 5 * time.Millisecond
	s := New(store, cfg)

	calls := 0
	retried := make(chan struct{})
	fn := func(context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("transient store outage")
		}
		if calls == 2 {
			close(retried)
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.loop(ctx, "flaky", time.Millisecond, fn) }()

	select {
	case <-retried:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not retry after a failed cycle")
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop after cancel")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s, _ := newScheduler(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
}
