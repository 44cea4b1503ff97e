package memory

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/oklog/ulid/v2"

	"github.com/crewline/opsmind/core"
	"github.com/crewline/opsmind/provider"
	"github.com/crewline/opsmind/provider/embedding"
)

// Store is the associative memory store. It is safe for concurrent use:
// foreground decisions query and insert while the background cycles decay,
// consolidate, and mine against the same backend.
type Store struct {
	backend  Backend
	embedder provider.Embedder
	cfg      Config
	embCache *ristretto.Cache
}

// New creates a Store over a backend and embedder.
func New(backend Backend, embedder provider.Embedder, cfg Config) (*Store, error) {
	if cfg.QueryLimit == 0 {
		cfg = DefaultConfig()
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.EmbedCacheSize * 10,
		MaxCost:     cfg.EmbedCacheSize,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("embed cache: %w", err)
	}

	return &Store{
		backend:  backend,
		embedder: embedder,
		cfg:      cfg,
		embCache: cache,
	}, nil
}

// Config returns the store's thresholds.
func (s *Store) Config() Config { return s.cfg }

// Backend exposes the underlying backend for components that need the raw
// decision/pattern/objective tables (decision engine, cognition cycles).
func (s *Store) Backend() Backend { return s.backend }

// InsertOption tweaks a single insert.
type InsertOption func(*core.MemoryRecord)

// WithImportance sets the importance hint, clamped to [0,1].
func WithImportance(v float64) InsertOption {
	return func(r *core.MemoryRecord) { r.Importance = core.Clamp01(v) }
}

// WithConfidence sets the record confidence, clamped to [0,1].
func WithConfidence(v float64) InsertOption {
	return func(r *core.MemoryRecord) { r.Confidence = core.Clamp01(v) }
}

// Insert stores a new record. If embedding fails the record is stored
// anyway with a sentinel zero vector and marked unembedded: losing the
// vector loses ranking quality, not the knowledge.
func (s *Store) Insert(ctx context.Context, owner, category, content string, opts ...InsertOption) (string, error) {
	now := time.Now().UTC()
	rec := &core.MemoryRecord{
		ID:           ulid.Make().String(),
		Owner:        owner,
		Category:     category,
		Content:      content,
		Importance:   s.cfg.DefaultImportance,
		Confidence:   0.5,
		DecayFactor:  s.cfg.DecayFactor,
		CreatedAt:    now,
		LastAccessed: now,
		LastModified: now,
	}
	for _, opt := range opts {
		opt(rec)
	}
	rec.Importance = core.Clamp01(rec.Importance)

	emb, err := s.embed(ctx, content)
	if err != nil {
		log.Printf("[MEMORY] embed failed, storing unembedded: %v", err)
		rec.Embedding = make([]float32, s.embedder.Dimensions())
		rec.Unembedded = true
	} else {
		rec.Embedding = emb
	}

	if err := s.backend.PutRecord(ctx, rec); err != nil {
		return "", fmt.Errorf("insert record: %w", err)
	}
	return rec.ID, nil
}

// QueryRequest describes one retrieval.
type QueryRequest struct {
	Text          string
	Owner         string
	Category      string
	MinImportance float64
	Limit         int
}

// Query returns ranked records: by cosine similarity to Text when given
// and embeddable, by importance descending otherwise. Every returned
// record is touched (access count and last-accessed updated).
func (s *Store) Query(ctx context.Context, q QueryRequest) ([]*core.MemoryRecord, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = s.cfg.QueryLimit
	}
	filter := RecordFilter{
		Owner:         q.Owner,
		Category:      q.Category,
		MinImportance: q.MinImportance,
		Limit:         limit,
	}

	var records []*core.MemoryRecord
	if q.Text != "" {
		emb, err := s.embed(ctx, q.Text)
		if err == nil {
			results, err := s.backend.SearchRecords(ctx, emb, filter, limit)
			if err != nil {
				return nil, fmt.Errorf("search records: %w", err)
			}
			for _, res := range results {
				records = append(records, res.Record)
			}
		} else {
			log.Printf("[MEMORY] query embed failed, ranking by importance: %v", err)
		}
	}

	if records == nil {
		var err error
		records, err = s.backend.ListRecords(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("list records: %w", err)
		}
	}

	now := time.Now().UTC()
	for _, rec := range records {
		// Touch through the backend's atomic path: writing the whole
		// snapshot back would overwrite concurrent reinforce/decay updates.
		rec.Touch(now)
		if err := s.backend.TouchRecord(ctx, rec.ID); err != nil {
			log.Printf("[MEMORY] touch %s: %v", rec.ID, err)
		}
	}
	return records, nil
}

// Get fetches a single record without touching it.
func (s *Store) Get(ctx context.Context, id string) (*core.MemoryRecord, error) {
	return s.backend.GetRecord(ctx, id)
}

// Reinforce raises a record's importance by delta, capped at 1.0.
func (s *Store) Reinforce(ctx context.Context, id string, delta float64) error {
	rec, err := s.backend.GetRecord(ctx, id)
	if err != nil {
		return err
	}
	rec.Importance = core.Clamp01(rec.Importance + delta)
	rec.ReinforcementCount++
	rec.LastModified = time.Now().UTC()
	return s.backend.PutRecord(ctx, rec)
}

// DecayReport summarizes one decay pass.
type DecayReport struct {
	Examined int
	Decayed  int
	Pruned   int
}

// DecayPass reduces the importance of stale, low-value records and prunes
// those that fall below the prune threshold. Idempotent: a record decays
// at most once per staleness horizon, gated by its LastDecayed stamp, so
// repeated passes with no intervening access change nothing further.
func (s *Store) DecayPass(ctx context.Context) (DecayReport, error) {
	var report DecayReport

	records, err := s.backend.ListRecords(ctx, RecordFilter{})
	if err != nil {
		return report, fmt.Errorf("decay list: %w", err)
	}

	now := time.Now().UTC()
	for _, rec := range records {
		report.Examined++

		ref := rec.LastAccessed
		if rec.LastDecayed.After(ref) {
			ref = rec.LastDecayed
		}
		if now.Sub(ref) < s.cfg.StaleAfter || rec.Importance >= s.cfg.DecayCeiling {
			continue
		}

		factor := rec.DecayFactor
		if factor <= 0 || factor >= 1 {
			factor = s.cfg.DecayFactor
		}
		rec.Importance = core.Clamp01(rec.Importance * factor)

		if rec.Importance < s.cfg.PruneBelow {
			if err := s.backend.DeleteRecord(ctx, rec.ID); err != nil {
				return report, fmt.Errorf("prune %s: %w", rec.ID, err)
			}
			report.Pruned++
			continue
		}

		rec.LastDecayed = now
		rec.LastModified = now
		if err := s.backend.PutRecord(ctx, rec); err != nil {
			return report, fmt.Errorf("decay %s: %w", rec.ID, err)
		}
		report.Decayed++
	}

	if report.Decayed+report.Pruned > 0 {
		log.Printf("[MEMORY] decay pass: %d examined, %d decayed, %d pruned",
			report.Examined, report.Decayed, report.Pruned)
	}
	return report, nil
}

// ConsolidatePass merges near-duplicate records (same owner and category,
// embedding similarity above the merge threshold) into the more important
// one, keeping max importance and summing reinforcement and access counts.
// Idempotent: survivors of a pass are pairwise below the threshold.
func (s *Store) ConsolidatePass(ctx context.Context) (int, error) {
	records, err := s.backend.ListRecords(ctx, RecordFilter{})
	if err != nil {
		return 0, fmt.Errorf("consolidate list: %w", err)
	}

	groups := make(map[string][]*core.MemoryRecord)
	for _, rec := range records {
		if rec.Unembedded {
			continue // sentinel vectors carry no similarity signal
		}
		key := rec.Owner + "\x00" + rec.Category
		groups[key] = append(groups[key], rec)
	}

	merged := 0
	now := time.Now().UTC()
	for _, group := range groups {
		sort.Slice(group, func(i, j int) bool {
			return group[i].Importance > group[j].Importance
		})

		consumed := make([]bool, len(group))
		for i, keeper := range group {
			if consumed[i] {
				continue
			}
			dirty := false
			for j := i + 1; j < len(group); j++ {
				if consumed[j] {
					continue
				}
				dup := group[j]
				if embedding.Cosine(keeper.Embedding, dup.Embedding) < s.cfg.MergeSimilarity {
					continue
				}

				// keeper has >= importance by sort order; absorb the rest.
				keeper.ReinforcementCount += dup.ReinforcementCount
				keeper.AccessCount += dup.AccessCount
				if dup.LastAccessed.After(keeper.LastAccessed) {
					keeper.LastAccessed = dup.LastAccessed
				}
				if err := s.backend.DeleteRecord(ctx, dup.ID); err != nil {
					return merged, fmt.Errorf("consolidate delete %s: %w", dup.ID, err)
				}
				consumed[j] = true
				dirty = true
				merged++
			}
			if dirty {
				keeper.LastModified = now
				if err := s.backend.PutRecord(ctx, keeper); err != nil {
					return merged, fmt.Errorf("consolidate update %s: %w", keeper.ID, err)
				}
			}
		}
	}

	if merged > 0 {
		log.Printf("[MEMORY] consolidate pass: %d merged", merged)
	}
	return merged, nil
}

// Stats returns aggregate counters.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	return s.backend.Stats(ctx)
}

// Close releases the backend and cache.
func (s *Store) Close() error {
	s.embCache.Close()
	return s.backend.Close()
}

// embed converts text to a vector, consulting the ristretto cache first.
func (s *Store) embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := s.embCache.Get(text); ok {
		if emb, ok := v.([]float32); ok {
			return emb, nil
		}
	}
	emb, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	s.embCache.Set(text, emb, 1)
	return emb, nil
}
