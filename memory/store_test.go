package memory_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/crewline/opsmind/core"
	"github.com/crewline/opsmind/memory"
	"github.com/crewline/opsmind/memory/backend/memstore"
	"github.com/crewline/opsmind/provider/embedding"
)

func newStore(t *testing.T) (*memory.Store, *memstore.Backend) {
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
	return store, backend
}

// backdate makes a record look untouched since the given time.
func backdate(t *testing.T, backend *memstore.Backend, id string, to time.Time) {
	t.Helper()

	rec, err := backend.GetRecord(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	rec.LastAccessed = to
	rec.LastDecayed = time.Time{}
	if err := backend.PutRecord(context.Background(), rec); err != nil {
		t.Fatalf("backdate %s: %v", id, err)
	}
}

func TestInsertDefaultsAndClamping(t *testing.T) {
	ctx := context.Background()
	store, backend := newStore(t)

	id, err := store.Insert(ctx, core.OwnerGlobal, "fact", "vendor acme prefers net 30 terms")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	rec, err := backend.GetRecord(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Importance != 0.5 {
		t.Errorf("default importance = %v, want 0.5", rec.Importance)
	}

	id2, err := store.Insert(ctx, core.OwnerGlobal, "fact", "overclamped",
		memory.WithImportance(3.7))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	rec2, _ := backend.GetRecord(ctx, id2)
	if rec2.Importance != 1.0 {
		t.Errorf("clamped importance = %v, want 1.0", rec2.Importance)
	}
}

func TestInsertSurvivesEmbedFailure(t *testing.T) {
	ctx := context.Background()

	backend, err := memstore.New()
	if err != nil {
		t.Fatalf("create backend: %v", err)
	}
	store, err := memory.New(backend, &failingEmbedder{}, memory.DefaultConfig())
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	defer store.Close()

	id, err := store.Insert(ctx, "scheduler", "note", "crew availability friday")
	if err != nil {
		t.Fatalf("insert should not fail on embed error: %v", err)
	}
	rec, err := backend.GetRecord(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !rec.Unembedded {
		t.Error("record should be marked unembedded")
	}
	if len(rec.Embedding) == 0 {
		t.Error("sentinel embedding missing")
	}
}

type failingEmbedder struct{}

func (f *failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, core.ErrProviderUnavailable
}

func (f *failingEmbedder) Dimensions() int { return 16 }

func TestQueryTouchesReturnedRecords(t *testing.T) {
	ctx := context.Background()
	store, backend := newStore(t)

	id, _ := store.Insert(ctx, core.OwnerGlobal, "fact", "invoice approval needs a manager")

	if _, err := store.Query(ctx, memory.QueryRequest{Text: "invoice approval", Limit: 5}); err != nil {
		t.Fatalf("query: %v", err)
	}

	rec, _ := backend.GetRecord(ctx, id)
	if rec.AccessCount != 1 {
		t.Errorf("access count = %d, want 1", rec.AccessCount)
	}
}

func TestQueryTouchDoesNotClobberConcurrentReinforce(t *testing.T) {
	ctx := context.Background()
	store, backend := newStore(t)

	id, err := store.Insert(ctx, "billing", "fact", "net 30 terms hold for acme")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	const n = 2000
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			if err := store.Reinforce(ctx, id, 0); err != nil {
				t.Errorf("reinforce: %v", err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			if _, err := store.Query(ctx, memory.QueryRequest{Text: "net 30 terms", Limit: 1}); err != nil {
				t.Errorf("query: %v", err)
				return
			}
		}
	}()
	wg.Wait()

	rec, err := backend.GetRecord(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.ReinforcementCount != n {
		t.Errorf("reinforcement count = %d, want %d; concurrent query touches dropped writes", rec.ReinforcementCount, n)
	}
}

func TestQueryFallsBackToImportanceOrder(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)

	store.Insert(ctx, core.OwnerGlobal, "fact", "low value note", memory.WithImportance(0.2))
	store.Insert(ctx, core.OwnerGlobal, "fact", "high value note", memory.WithImportance(0.9))

	// No query text: importance-descending ranking.
	records, err := store.Query(ctx, memory.QueryRequest{Limit: 5})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].Importance < records[1].Importance {
		t.Error("records not in importance-descending order")
	}
}

func TestReinforceApproachesButNeverExceedsOne(t *testing.T) {
	ctx := context.Background()
	store, backend := newStore(t)

	id, _ := store.Insert(ctx, core.OwnerGlobal, "fact", "repeatedly confirmed", memory.WithImportance(0.4))

	for i := 0; i < 25; i++ {
		if err := store.Reinforce(ctx, id, 0.3); err != nil {
			t.Fatalf("reinforce: %v", err)
		}
		rec, _ := backend.GetRecord(ctx, id)
		if rec.Importance > 1.0 {
			t.Fatalf("importance %v exceeds 1.0 after %d reinforcements", rec.Importance, i+1)
		}
	}

	rec, _ := backend.GetRecord(ctx, id)
	if rec.Importance != 1.0 {
		t.Errorf("importance = %v, want saturation at 1.0", rec.Importance)
	}
	if rec.ReinforcementCount != 25 {
		t.Errorf("reinforcement count = %d, want 25", rec.ReinforcementCount)
	}
}

func TestReinforceUnknownRecord(t *testing.T) {
	store, _ := newStore(t)

	err := store.Reinforce(context.Background(), "no-such-id", 0.1)
	if !errors.Is(err, core.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDecayPassPrunesAndDecays(t *testing.T) {
	ctx := context.Background()
	store, backend := newStore(t)

	stale := time.Now().UTC().Add(-8 * 24 * time.Hour)

	high, _ := store.Insert(ctx, core.OwnerGlobal, "fact", "high importance entry", memory.WithImportance(0.9))
	mid, _ := store.Insert(ctx, core.OwnerGlobal, "fact", "mid importance entry", memory.WithImportance(0.4))
	low, _ := store.Insert(ctx, core.OwnerGlobal, "fact", "low importance entry", memory.WithImportance(0.05))
	for _, id := range []string{high, mid, low} {
		backdate(t, backend, id, stale)
	}

	report, err := store.DecayPass(ctx)
	if err != nil {
		t.Fatalf("decay: %v", err)
	}
	if report.Pruned != 1 {
		t.Errorf("pruned = %d, want 1", report.Pruned)
	}

	if _, err := backend.GetRecord(ctx, low); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("low record should be pruned, got err %v", err)
	}

	recHigh, _ := backend.GetRecord(ctx, high)
	if math.Abs(recHigh.Importance-0.9*0.8) > 1e-9 {
		t.Errorf("high importance = %v, want %v", recHigh.Importance, 0.9*0.8)
	}
	recMid, _ := backend.GetRecord(ctx, mid)
	if math.Abs(recMid.Importance-0.4*0.8) > 1e-9 {
		t.Errorf("mid importance = %v, want %v", recMid.Importance, 0.4*0.8)
	}
}

func TestDecayPassIdempotent(t *testing.T) {
	ctx := context.Background()
	store, backend := newStore(t)

	id, _ := store.Insert(ctx, core.OwnerGlobal, "fact", "stale but surviving", memory.WithImportance(0.6))
	backdate(t, backend, id, time.Now().UTC().Add(-8*24*time.Hour))

	if _, err := store.DecayPass(ctx); err != nil {
		t.Fatalf("first decay: %v", err)
	}
	after1, _ := backend.GetRecord(ctx, id)

	report, err := store.DecayPass(ctx)
	if err != nil {
		t.Fatalf("second decay: %v", err)
	}
	if report.Decayed != 0 || report.Pruned != 0 {
		t.Errorf("second pass decayed %d, pruned %d; want 0, 0", report.Decayed, report.Pruned)
	}

	after2, _ := backend.GetRecord(ctx, id)
	if after1.Importance != after2.Importance {
		t.Errorf("importance changed on second pass: %v -> %v", after1.Importance, after2.Importance)
	}
}

func TestDecaySkipsRecentlyAccessed(t *testing.T) {
	ctx := context.Background()
	store, backend := newStore(t)

	id, _ := store.Insert(ctx, core.OwnerGlobal, "fact", "freshly used", memory.WithImportance(0.4))

	if _, err := store.DecayPass(ctx); err != nil {
		t.Fatalf("decay: %v", err)
	}
	rec, _ := backend.GetRecord(ctx, id)
	if rec.Importance != 0.4 {
		t.Errorf("fresh record decayed: importance %v", rec.Importance)
	}
}

func TestConsolidatePassMergesDuplicates(t *testing.T) {
	ctx := context.Background()
	store, backend := newStore(t)

	// Identical content embeds identically: cosine 1, above any threshold.
	const dup = "vendor acme prefers net 30 payment terms"
	a, _ := store.Insert(ctx, "billing", "fact", dup, memory.WithImportance(0.8))
	b, _ := store.Insert(ctx, "billing", "fact", dup, memory.WithImportance(0.3))
	store.Reinforce(ctx, a, 0.0)
	store.Reinforce(ctx, b, 0.0)

	// Unrelated content in the same group must survive.
	other, _ := store.Insert(ctx, "billing", "fact", "quarterly tax filing deadline moved")
	// Same content in another category must survive too.
	elsewhere, _ := store.Insert(ctx, "billing", "note", dup)

	merged, err := store.ConsolidatePass(ctx)
	if err != nil {
		t.Fatalf("consolidate: %v", err)
	}
	if merged != 1 {
		t.Fatalf("merged = %d, want 1", merged)
	}

	survivor, err := backend.GetRecord(ctx, a)
	if err != nil {
		t.Fatalf("higher-importance record should survive: %v", err)
	}
	if _, err := backend.GetRecord(ctx, b); !errors.Is(err, core.ErrNotFound) {
		t.Error("lower-importance duplicate should be deleted")
	}
	if survivor.Importance != 0.8 {
		t.Errorf("survivor importance = %v, want max 0.8", survivor.Importance)
	}
	if survivor.ReinforcementCount != 2 {
		t.Errorf("survivor reinforcement count = %d, want summed 2", survivor.ReinforcementCount)
	}

	if _, err := backend.GetRecord(ctx, other); err != nil {
		t.Errorf("unrelated record should survive: %v", err)
	}
	if _, err := backend.GetRecord(ctx, elsewhere); err != nil {
		t.Errorf("other-category record should survive: %v", err)
	}
}

func TestConsolidatePassIdempotent(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)

	const dup = "purchase orders above 10k need director approval"
	store.Insert(ctx, "procurement", "fact", dup)
	store.Insert(ctx, "procurement", "fact", dup)
	store.Insert(ctx, "procurement", "fact", dup)

	first, err := store.ConsolidatePass(ctx)
	if err != nil {
		t.Fatalf("first consolidate: %v", err)
	}
	if first != 2 {
		t.Fatalf("first pass merged %d, want 2", first)
	}

	second, err := store.ConsolidatePass(ctx)
	if err != nil {
		t.Fatalf("second consolidate: %v", err)
	}
	if second != 0 {
		t.Errorf("second pass merged %d, want 0", second)
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)

	store.Insert(ctx, core.OwnerGlobal, "fact", "one", memory.WithImportance(0.2))
	store.Insert(ctx, core.OwnerGlobal, "fact", "two", memory.WithImportance(0.8))

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Records != 2 {
		t.Errorf("records = %d, want 2", stats.Records)
	}
	if math.Abs(stats.AvgImportance-0.5) > 1e-9 {
		t.Errorf("avg importance = %v, want 0.5", stats.AvgImportance)
	}
}
