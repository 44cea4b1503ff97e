// Package memory implements the associative memory store: a durable,
// embedding-indexed, importance-scored knowledge base with decay,
// reinforcement, and consolidation.
//
// Architecture:
//   - Backend: persistence (sqlite for production, memstore for local/dev)
//   - Embedder: text-to-vector conversion, cached through ristretto
//   - Store: the synchronous API plus the maintenance passes the
//     cognition scheduler drives in the background
//
// The store is the single synchronization point of the system. Single-record
// operations are atomic; there are no cross-record transactions, so callers
// must tolerate a retrieval snapshot going stale under concurrent decay or
// consolidation.
package memory

import (
	"context"
	"time"

	"github.com/crewline/opsmind/core"
)

// RecordFilter narrows record listings and searches. Zero values match
// everything.
type RecordFilter struct {
	Owner         string
	Category      string
	MinImportance float64
	Limit         int
}

// SearchResult pairs a record with its similarity to the query embedding.
type SearchResult struct {
	Record     *core.MemoryRecord
	Similarity float64
}

// DecisionFilter narrows decision listings.
type DecisionFilter struct {
	Type         string
	Since        time.Time
	ResolvedOnly bool
	Limit        int
}

// Stats are the aggregate counters the observation cycle snapshots.
type Stats struct {
	Records        int     `json:"records"`
	Decisions      int     `json:"decisions"`
	Patterns       int     `json:"patterns"`
	Objectives     int     `json:"objectives"`
	AvgImportance  float64 `json:"avg_importance"`
	UnembeddedRecs int     `json:"unembedded_records"`
}

// Backend is the durable-store boundary: keyed upsert, filtered query, and
// nearest-neighbour search over the embedding column.
// Implementations: sqlite.Backend (durable), memstore.Backend (embedded).
//
// Every method is atomic per record. Backends surface outages as errors
// wrapping core.ErrStoreUnavailable.
type Backend interface {
	PutRecord(ctx context.Context, rec *core.MemoryRecord) error
	GetRecord(ctx context.Context, id string) (*core.MemoryRecord, error)
	// TouchRecord atomically bumps a record's access count and
	// last-accessed time without rewriting the rest of the row, so a
	// retrieval can never clobber a concurrent reinforce or decay write.
	TouchRecord(ctx context.Context, id string) error
	DeleteRecord(ctx context.Context, id string) error
	ListRecords(ctx context.Context, f RecordFilter) ([]*core.MemoryRecord, error)
	SearchRecords(ctx context.Context, embedding []float32, f RecordFilter, limit int) ([]SearchResult, error)

	PutDecision(ctx context.Context, d *core.DecisionRecord) error
	GetDecision(ctx context.Context, id string) (*core.DecisionRecord, error)
	ListDecisions(ctx context.Context, f DecisionFilter) ([]*core.DecisionRecord, error)

	UpsertPattern(ctx context.Context, p *core.Pattern) error
	GetPattern(ctx context.Context, name string) (*core.Pattern, error)
	ListPatterns(ctx context.Context, kind core.PatternKind) ([]*core.Pattern, error)

	PutObjective(ctx context.Context, o *core.LearningObjective) error
	GetObjective(ctx context.Context, topic string) (*core.LearningObjective, error)
	ListObjectives(ctx context.Context, openOnly bool) ([]*core.LearningObjective, error)

	Stats(ctx context.Context) (*Stats, error)
	Close() error
}

// Config holds the store's tunable thresholds. The decay and scoring
// constants are deliberate defaults, not contracts; deployments tune them.
type Config struct {
	// DefaultImportance is used when Insert gets no hint.
	DefaultImportance float64 `yaml:"default_importance"`

	// StaleAfter is the access-staleness horizon for decay.
	StaleAfter time.Duration `yaml:"stale_after"`

	// DecayFactor multiplies importance on each decay of a stale record.
	DecayFactor float64 `yaml:"decay_factor"`

	// DecayCeiling exempts very important records from decay.
	DecayCeiling float64 `yaml:"decay_ceiling"`

	// PruneBelow permanently deletes records whose importance falls under
	// it during a decay pass.
	PruneBelow float64 `yaml:"prune_below"`

	// MergeSimilarity is the cosine threshold above which same-owner,
	// same-category records are considered duplicates.
	MergeSimilarity float64 `yaml:"merge_similarity"`

	// QueryLimit caps Query results when the caller passes none.
	QueryLimit int `yaml:"query_limit"`

	// EmbedCacheSize bounds the ristretto embedding cache (entries).
	EmbedCacheSize int64 `yaml:"embed_cache_size"`
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		DefaultImportance: 0.5,
		StaleAfter:        7 * 24 * time.Hour,
		DecayFactor:       0.8,
		DecayCeiling:      0.95,
		PruneBelow:        0.05,
		MergeSimilarity:   0.92,
		QueryLimit:        10,
		EmbedCacheSize:    4096,
	}
}
