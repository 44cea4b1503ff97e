// Package memstore implements memory.Backend in process memory, with a
// chromem-go collection indexing record embeddings for similarity search.
// It backs local development and tests; production uses the sqlite backend.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/crewline/opsmind/core"
	"github.com/crewline/opsmind/memory"
)

// Backend keeps records, decisions, patterns, and objectives in maps under
// one lock; every exported method is a single atomic record operation. The
// chromem collection mirrors record embeddings for nearest-neighbour search.
type Backend struct {
	mu         sync.RWMutex
	records    map[string]*core.MemoryRecord
	decisions  map[string]*core.DecisionRecord
	patterns   map[string]*core.Pattern
	objectives map[string]*core.LearningObjective

	col *chromem.Collection
}

// New creates an empty in-memory backend.
func New() (*Backend, error) {
	db := chromem.NewDB()
	col, err := db.CreateCollection("records", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return &Backend{
		records:    make(map[string]*core.MemoryRecord),
		decisions:  make(map[string]*core.DecisionRecord),
		patterns:   make(map[string]*core.Pattern),
		objectives: make(map[string]*core.LearningObjective),
		col:        col,
	}, nil
}

func cloneRecord(r *core.MemoryRecord) *core.MemoryRecord {
	c := *r
	c.Embedding = append([]float32(nil), r.Embedding...)
	return &c
}

func cloneDecision(d *core.DecisionRecord) *core.DecisionRecord {
	c := *d
	c.Options = append([]string(nil), d.Options...)
	if d.ReportedAt != nil {
		t := *d.ReportedAt
		c.ReportedAt = &t
	}
	return &c
}

// PutRecord upserts a record and refreshes its vector index entry.
func (b *Backend) PutRecord(ctx context.Context, rec *core.MemoryRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, existed := b.records[rec.ID]
	b.records[rec.ID] = cloneRecord(rec)

	if existed {
		// chromem has no in-place update; replace the document.
		if err := b.col.Delete(ctx, nil, nil, rec.ID); err != nil {
			return fmt.Errorf("reindex %s: %w", rec.ID, err)
		}
	}
	if rec.Unembedded {
		// Sentinel vectors carry no similarity signal; keep them out of the
		// index so they rank via the importance fallback only.
		return nil
	}
	doc := chromem.Document{
		ID:        rec.ID,
		Content:   rec.Content,
		Embedding: append([]float32(nil), rec.Embedding...),
		Metadata: map[string]string{
			"owner":    rec.Owner,
			"category": rec.Category,
		},
	}
	if err := b.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("index %s: %w", rec.ID, err)
	}
	return nil
}

func (b *Backend) GetRecord(_ context.Context, id string) (*core.MemoryRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	rec, ok := b.records[id]
	if !ok {
		return nil, fmt.Errorf("record %s: %w", id, core.ErrNotFound)
	}
	return cloneRecord(rec), nil
}

func (b *Backend) TouchRecord(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.records[id]
	if !ok {
		return fmt.Errorf("record %s: %w", id, core.ErrNotFound)
	}
	rec.Touch(time.Now().UTC())
	return nil
}

func (b *Backend) DeleteRecord(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.records[id]; !ok {
		return fmt.Errorf("record %s: %w", id, core.ErrNotFound)
	}
	delete(b.records, id)
	return b.col.Delete(ctx, nil, nil, id)
}

func matches(rec *core.MemoryRecord, f memory.RecordFilter) bool {
	if f.Owner != "" && rec.Owner != f.Owner {
		return false
	}
	if f.Category != "" && rec.Category != f.Category {
		return false
	}
	if rec.Importance < f.MinImportance {
		return false
	}
	return true
}

// ListRecords returns matching records ordered by importance descending.
func (b *Backend) ListRecords(_ context.Context, f memory.RecordFilter) ([]*core.MemoryRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*core.MemoryRecord
	for _, rec := range b.records {
		if matches(rec, f) {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Importance > out[j].Importance })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// SearchRecords runs nearest-neighbour search through the chromem index,
// then applies the filter against the authoritative record map.
func (b *Backend) SearchRecords(ctx context.Context, emb []float32, f memory.RecordFilter, limit int) ([]memory.SearchResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	// chromem rejects nResults larger than the filtered document count, so
	// size the query from the authoritative map.
	count := 0
	for _, rec := range b.records {
		if rec.Unembedded {
			continue
		}
		if (f.Owner == "" || rec.Owner == f.Owner) && (f.Category == "" || rec.Category == f.Category) {
			count++
		}
	}
	if count == 0 {
		return nil, nil
	}
	n := limit
	if n <= 0 || n > count {
		n = count
	}

	where := map[string]string{}
	if f.Owner != "" {
		where["owner"] = f.Owner
	}
	if f.Category != "" {
		where["category"] = f.Category
	}

	results, err := b.col.QueryEmbedding(ctx, emb, n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	var out []memory.SearchResult
	for _, res := range results {
		rec, ok := b.records[res.ID]
		if !ok || !matches(rec, f) {
			continue
		}
		out = append(out, memory.SearchResult{
			Record:     cloneRecord(rec),
			Similarity: float64(res.Similarity),
		})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (b *Backend) PutDecision(_ context.Context, d *core.DecisionRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.decisions[d.ID] = cloneDecision(d)
	return nil
}

func (b *Backend) GetDecision(_ context.Context, id string) (*core.DecisionRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	d, ok := b.decisions[id]
	if !ok {
		return nil, fmt.Errorf("decision %s: %w", id, core.ErrNotFound)
	}
	return cloneDecision(d), nil
}

// ListDecisions returns matching decisions, newest first.
func (b *Backend) ListDecisions(_ context.Context, f memory.DecisionFilter) ([]*core.DecisionRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*core.DecisionRecord
	for _, d := range b.decisions {
		if f.Type != "" && d.Type != f.Type {
			continue
		}
		if !f.Since.IsZero() && d.CreatedAt.Before(f.Since) {
			continue
		}
		if f.ResolvedOnly && d.Success == core.OutcomeUnknown {
			continue
		}
		out = append(out, cloneDecision(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (b *Backend) UpsertPattern(_ context.Context, p *core.Pattern) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := *p
	c.DecisionIDs = append([]string(nil), p.DecisionIDs...)
	b.patterns[p.Name] = &c
	return nil
}

func (b *Backend) GetPattern(_ context.Context, name string) (*core.Pattern, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	p, ok := b.patterns[name]
	if !ok {
		return nil, fmt.Errorf("pattern %s: %w", name, core.ErrNotFound)
	}
	c := *p
	c.DecisionIDs = append([]string(nil), p.DecisionIDs...)
	return &c, nil
}

func (b *Backend) ListPatterns(_ context.Context, kind core.PatternKind) ([]*core.Pattern, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*core.Pattern
	for _, p := range b.patterns {
		if kind != "" && p.Kind != kind {
			continue
		}
		c := *p
		c.DecisionIDs = append([]string(nil), p.DecisionIDs...)
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (b *Backend) PutObjective(_ context.Context, o *core.LearningObjective) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := *o
	if o.CompletedAt != nil {
		t := *o.CompletedAt
		c.CompletedAt = &t
	}
	b.objectives[o.Topic] = &c
	return nil
}

func (b *Backend) GetObjective(_ context.Context, topic string) (*core.LearningObjective, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	o, ok := b.objectives[topic]
	if !ok {
		return nil, fmt.Errorf("objective %s: %w", topic, core.ErrNotFound)
	}
	c := *o
	return &c, nil
}

func (b *Backend) ListObjectives(_ context.Context, openOnly bool) ([]*core.LearningObjective, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*core.LearningObjective
	for _, o := range b.objectives {
		if openOnly && o.CompletedAt != nil {
			continue
		}
		c := *o
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Topic < out[j].Topic
	})
	return out, nil
}

func (b *Backend) Stats(_ context.Context) (*memory.Stats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := &memory.Stats{
		Records:    len(b.records),
		Decisions:  len(b.decisions),
		Patterns:   len(b.patterns),
		Objectives: len(b.objectives),
	}
	var sum float64
	for _, rec := range b.records {
		sum += rec.Importance
		if rec.Unembedded {
			stats.UnembeddedRecs++
		}
	}
	if stats.Records > 0 {
		stats.AvgImportance = sum / float64(stats.Records)
	}
	return stats, nil
}

func (b *Backend) Close() error { return nil }

var _ memory.Backend = (*Backend)(nil)
