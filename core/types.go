// Package core defines the shared domain types for the opsmind engine:
// memory records, decision records, mined patterns, learning objectives,
// and the per-run state threaded through the orchestration graph.
package core

import "time"

// OwnerGlobal marks a memory record visible to every worker.
const OwnerGlobal = "global"

// MemoryRecord is one entry in the associative memory store.
//
// Importance governs retrieval ranking and survival: it is always clamped
// to [0,1], and a record is permanently deleted once a decay pass drops it
// below the prune threshold.
type MemoryRecord struct {
	ID       string `json:"id"`
	Owner    string `json:"owner"` // worker role id, or OwnerGlobal
	Category string `json:"category"`
	Content  string `json:"content"` // opaque payload, usually JSON or prose

	Embedding  []float32 `json:"embedding,omitempty"`
	Unembedded bool      `json:"unembedded,omitempty"` // embedding is a sentinel, provider was down

	Importance         float64 `json:"importance"` // [0,1]
	Confidence         float64 `json:"confidence"` // [0,1]
	AccessCount        int     `json:"access_count"`
	DecayFactor        float64 `json:"decay_factor"` // per-pass multiplier, <1
	ReinforcementCount int     `json:"reinforcement_count"`

	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
	LastModified time.Time `json:"last_modified"`
	LastDecayed  time.Time `json:"last_decayed,omitempty"`
}

// Touch records a retrieval of this record.
func (m *MemoryRecord) Touch(now time.Time) {
	m.AccessCount++
	m.LastAccessed = now
}

// Outcome is the tri-state result of a decision.
type Outcome int

const (
	OutcomeUnknown Outcome = iota
	OutcomeSuccess
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// DecisionRecord is the auditable trace of one decision.
//
// Lifecycle: created at decision time; an outcome may be reported exactly
// once afterwards. A second report is rejected so the audit trail is never
// rewritten.
type DecisionRecord struct {
	ID           string   `json:"id"`
	Type         string   `json:"decision_type"`
	InputContext string   `json:"input_context"`
	Options      []string `json:"candidate_options"`
	Chosen       string   `json:"chosen_option"`
	Confidence   float64  `json:"confidence"`

	Outcome string  `json:"outcome,omitempty"`
	Success Outcome `json:"success"`

	MemoriesConsulted  int `json:"memories_consulted"`
	DecisionsConsulted int `json:"decisions_consulted"`

	CreatedAt  time.Time  `json:"created_at"`
	ReportedAt *time.Time `json:"reported_at,omitempty"`
}

// PatternKind classifies a mined pattern.
type PatternKind string

const (
	PatternSuccess      PatternKind = "success"
	PatternFailure      PatternKind = "failure"
	PatternDecisionStat PatternKind = "decision-stat"
)

// Pattern is a mined aggregate over recurring decision outcomes. Patterns
// are created and updated only by the background mining cycle, never
// synchronously on the decision path.
type Pattern struct {
	Name        string      `json:"name"`
	Kind        PatternKind `json:"kind"`
	DecisionIDs []string    `json:"decision_ids,omitempty"`
	Occurrences int         `json:"occurrences"`
	SuccessRate float64     `json:"success_rate"`
	LastSeen    time.Time   `json:"last_seen"`
}

// LearningObjective is a named topic the synthesis cycle works toward.
// Progress is monotonically non-decreasing; CompletedAt is set once when
// progress reaches 1.0.
type LearningObjective struct {
	Topic       string     `json:"topic"`
	Knowledge   string     `json:"knowledge"`
	Progress    float64    `json:"progress"` // [0,1], never regresses
	Priority    float64    `json:"priority"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clamp01 clamps v to [0,1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
