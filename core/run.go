package core

import "time"

// Message is one entry in a run's append-only history.
type Message struct {
	Role    string    `json:"role"` // "user", worker role id, or "system"
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// StepError records a recovered worker-step failure. A failing step never
// halts the run; the error is appended here and routing continues.
type StepError struct {
	Worker string    `json:"worker"`
	Err    string    `json:"error"`
	At     time.Time `json:"at"`
}

// Metrics holds per-run counters.
type Metrics struct {
	Steps           int `json:"steps"`
	ProviderCalls   int `json:"provider_calls"`
	DecisionsMade   int `json:"decisions_made"`
	ErrorsRecovered int `json:"errors_recovered"`
}

// RunState is the mutable context threaded through one run of the
// orchestration graph. It is exclusively owned by its run: worker steps
// within a run are strictly sequential, so no locking is required.
type RunState struct {
	ID string `json:"id"`

	Messages []Message `json:"messages"` // append-only
	Queue    []string  `json:"queue"`    // ordered pending workers

	// MemoryContext is an ephemeral snapshot of retrieved memories for the
	// current step. Concurrent decay or consolidation may make it stale;
	// callers must tolerate that.
	MemoryContext []*MemoryRecord `json:"-"`

	Decisions []*DecisionRecord `json:"decisions"` // append-only
	Errors    []StepError       `json:"errors"`    // append-only
	Metrics   Metrics           `json:"metrics"`

	CreatedAt time.Time `json:"created_at"`
}

// Append adds a message to the run history.
func (r *RunState) Append(role, content string) {
	r.Messages = append(r.Messages, Message{Role: role, Content: content, At: time.Now()})
}

// Fail records a recovered step failure.
func (r *RunState) Fail(worker string, err error) {
	r.Errors = append(r.Errors, StepError{Worker: worker, Err: err.Error(), At: time.Now()})
	r.Metrics.ErrorsRecovered++
}

// Recent returns up to n of the latest messages, oldest first.
func (r *RunState) Recent(n int) []Message {
	if len(r.Messages) <= n {
		return r.Messages
	}
	return r.Messages[len(r.Messages)-n:]
}

// FinalMessage returns the content of the last message, or "" for an
// empty history.
func (r *RunState) FinalMessage() string {
	if len(r.Messages) == 0 {
		return ""
	}
	return r.Messages[len(r.Messages)-1].Content
}

// RunResult is what SubmitRun hands back to the caller. It is always
// returned, carrying whatever partial decisions and errors accumulated.
type RunResult struct {
	RunID        string            `json:"run_id"`
	FinalMessage string            `json:"final_message"`
	Decisions    []*DecisionRecord `json:"decisions"`
	Errors       []StepError       `json:"errors"`
	Metrics      Metrics           `json:"metrics"`
}
