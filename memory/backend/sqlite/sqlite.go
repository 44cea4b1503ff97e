// Package sqlite implements memory.Backend on SQLite via modernc.org/sqlite.
//
// Embeddings are stored as JSON in an embedding column; nearest-neighbour
// ranking is computed in Go over candidate rows because modernc's SQLite
// build has no vector functions. At this subsystem's scale (thousands of
// records, not millions) the scan is cheap and keeps the store to a single
// file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/crewline/opsmind/core"
	"github.com/crewline/opsmind/memory"
	"github.com/crewline/opsmind/provider/embedding"
)

// Backend is the durable store.
type Backend struct {
	db *sql.DB
}

// New opens or creates the database at path and applies the schema.
func New(path string) (*Backend, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	b := &Backend{db: db}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return b, nil
}

func (b *Backend) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memory_records (
		id            TEXT PRIMARY KEY,
		owner         TEXT NOT NULL,
		category      TEXT NOT NULL,
		content       TEXT NOT NULL,
		embedding     TEXT,
		unembedded    INTEGER NOT NULL DEFAULT 0,
		importance    REAL NOT NULL,
		confidence    REAL NOT NULL,
		access_count  INTEGER NOT NULL DEFAULT 0,
		decay_factor  REAL NOT NULL,
		reinforcement_count INTEGER NOT NULL DEFAULT 0,
		created_at    TEXT NOT NULL,
		last_accessed TEXT NOT NULL,
		last_modified TEXT NOT NULL,
		last_decayed  TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_records_owner_cat ON memory_records(owner, category);
	CREATE INDEX IF NOT EXISTS idx_records_importance ON memory_records(importance DESC);

	CREATE TABLE IF NOT EXISTS decision_records (
		id            TEXT PRIMARY KEY,
		decision_type TEXT NOT NULL,
		input_context TEXT NOT NULL,
		options       TEXT NOT NULL,
		chosen        TEXT NOT NULL,
		confidence    REAL NOT NULL,
		outcome       TEXT,
		success       INTEGER NOT NULL DEFAULT 0,
		memories_consulted  INTEGER NOT NULL DEFAULT 0,
		decisions_consulted INTEGER NOT NULL DEFAULT 0,
		created_at    TEXT NOT NULL,
		reported_at   TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_type ON decision_records(decision_type, created_at DESC);

	CREATE TABLE IF NOT EXISTS patterns (
		name         TEXT PRIMARY KEY,
		kind         TEXT NOT NULL,
		decision_ids TEXT,
		occurrences  INTEGER NOT NULL DEFAULT 0,
		success_rate REAL NOT NULL DEFAULT 0,
		last_seen    TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS learning_objectives (
		topic        TEXT PRIMARY KEY,
		knowledge    TEXT NOT NULL DEFAULT '',
		progress     REAL NOT NULL DEFAULT 0,
		priority     REAL NOT NULL DEFAULT 0,
		created_at   TEXT NOT NULL,
		completed_at TEXT
	);
	`
	_, err := b.db.Exec(schema)
	return err
}

// storeErr tags driver failures as retryable store outages. Row-level
// conditions (no rows) are not outages.
func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %v: %w", op, err, core.ErrStoreUnavailable)
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// PutRecord upserts a record keyed by id.
func (b *Backend) PutRecord(ctx context.Context, rec *core.MemoryRecord) error {
	embJSON, _ := json.Marshal(rec.Embedding)
	var lastDecayed *string
	if !rec.LastDecayed.IsZero() {
		s := fmtTime(rec.LastDecayed)
		lastDecayed = &s
	}
	unembedded := 0
	if rec.Unembedded {
		unembedded = 1
	}

	_, err := b.db.ExecContext(ctx, `
		INSERT INTO memory_records
			(id, owner, category, content, embedding, unembedded, importance, confidence,
			 access_count, decay_factor, reinforcement_count, created_at, last_accessed,
			 last_modified, last_decayed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner = excluded.owner,
			category = excluded.category,
			content = excluded.content,
			embedding = excluded.embedding,
			unembedded = excluded.unembedded,
			importance = excluded.importance,
			confidence = excluded.confidence,
			access_count = excluded.access_count,
			decay_factor = excluded.decay_factor,
			reinforcement_count = excluded.reinforcement_count,
			last_accessed = excluded.last_accessed,
			last_modified = excluded.last_modified,
			last_decayed = excluded.last_decayed`,
		rec.ID, rec.Owner, rec.Category, rec.Content, string(embJSON), unembedded,
		rec.Importance, rec.Confidence, rec.AccessCount, rec.DecayFactor,
		rec.ReinforcementCount, fmtTime(rec.CreatedAt), fmtTime(rec.LastAccessed),
		fmtTime(rec.LastModified), lastDecayed)
	if err != nil {
		return storeErr("put record", err)
	}
	return nil
}

const recordCols = `id, owner, category, content, embedding, unembedded, importance,
	confidence, access_count, decay_factor, reinforcement_count, created_at,
	last_accessed, last_modified, last_decayed`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*core.MemoryRecord, error) {
	var rec core.MemoryRecord
	var embJSON string
	var unembedded int
	var createdAt, lastAccessed, lastModified string
	var lastDecayed sql.NullString

	err := row.Scan(&rec.ID, &rec.Owner, &rec.Category, &rec.Content, &embJSON,
		&unembedded, &rec.Importance, &rec.Confidence, &rec.AccessCount,
		&rec.DecayFactor, &rec.ReinforcementCount, &createdAt, &lastAccessed,
		&lastModified, &lastDecayed)
	if err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(embJSON), &rec.Embedding)
	rec.Unembedded = unembedded == 1
	rec.CreatedAt = parseTime(createdAt)
	rec.LastAccessed = parseTime(lastAccessed)
	rec.LastModified = parseTime(lastModified)
	if lastDecayed.Valid {
		rec.LastDecayed = parseTime(lastDecayed.String)
	}
	return &rec, nil
}

func (b *Backend) GetRecord(ctx context.Context, id string) (*core.MemoryRecord, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT `+recordCols+` FROM memory_records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("record %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, storeErr("get record", err)
	}
	return rec, nil
}

func (b *Backend) TouchRecord(ctx context.Context, id string) error {
	res, err := b.db.ExecContext(ctx,
		`UPDATE memory_records SET access_count = access_count + 1, last_accessed = ? WHERE id = ?`,
		fmtTime(time.Now().UTC()), id)
	if err != nil {
		return storeErr("touch record", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record %s: %w", id, core.ErrNotFound)
	}
	return nil
}

func (b *Backend) DeleteRecord(ctx context.Context, id string) error {
	res, err := b.db.ExecContext(ctx, `DELETE FROM memory_records WHERE id = ?`, id)
	if err != nil {
		return storeErr("delete record", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record %s: %w", id, core.ErrNotFound)
	}
	return nil
}

func recordWhere(f memory.RecordFilter) (string, []any) {
	where := []string{"1=1"}
	var args []any
	if f.Owner != "" {
		where = append(where, "owner = ?")
		args = append(args, f.Owner)
	}
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, f.Category)
	}
	if f.MinImportance > 0 {
		where = append(where, "importance >= ?")
		args = append(args, f.MinImportance)
	}
	return strings.Join(where, " AND "), args
}

// ListRecords returns matching records ordered by importance descending.
func (b *Backend) ListRecords(ctx context.Context, f memory.RecordFilter) ([]*core.MemoryRecord, error) {
	where, args := recordWhere(f)
	q := `SELECT ` + recordCols + ` FROM memory_records WHERE ` + where +
		` ORDER BY importance DESC, created_at DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := b.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storeErr("list records", err)
	}
	defer rows.Close()

	var out []*core.MemoryRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, storeErr("scan record", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SearchRecords ranks matching rows by cosine similarity to emb.
func (b *Backend) SearchRecords(ctx context.Context, emb []float32, f memory.RecordFilter, limit int) ([]memory.SearchResult, error) {
	candidates, err := b.ListRecords(ctx, memory.RecordFilter{
		Owner:         f.Owner,
		Category:      f.Category,
		MinImportance: f.MinImportance,
	})
	if err != nil {
		return nil, err
	}

	out := make([]memory.SearchResult, 0, len(candidates))
	for _, rec := range candidates {
		out = append(out, memory.SearchResult{
			Record:     rec,
			Similarity: embedding.Cosine(emb, rec.Embedding),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *Backend) PutDecision(ctx context.Context, d *core.DecisionRecord) error {
	optsJSON, _ := json.Marshal(d.Options)
	var reportedAt *string
	if d.ReportedAt != nil {
		s := fmtTime(*d.ReportedAt)
		reportedAt = &s
	}
	var outcome *string
	if d.Outcome != "" {
		outcome = &d.Outcome
	}

	_, err := b.db.ExecContext(ctx, `
		INSERT INTO decision_records
			(id, decision_type, input_context, options, chosen, confidence, outcome,
			 success, memories_consulted, decisions_consulted, created_at, reported_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			outcome = excluded.outcome,
			success = excluded.success,
			reported_at = excluded.reported_at`,
		d.ID, d.Type, d.InputContext, string(optsJSON), d.Chosen, d.Confidence,
		outcome, int(d.Success), d.MemoriesConsulted, d.DecisionsConsulted,
		fmtTime(d.CreatedAt), reportedAt)
	if err != nil {
		return storeErr("put decision", err)
	}
	return nil
}

const decisionCols = `id, decision_type, input_context, options, chosen, confidence,
	outcome, success, memories_consulted, decisions_consulted, created_at, reported_at`

func scanDecision(row scanner) (*core.DecisionRecord, error) {
	var d core.DecisionRecord
	var optsJSON, createdAt string
	var outcome, reportedAt sql.NullString
	var success int

	err := row.Scan(&d.ID, &d.Type, &d.InputContext, &optsJSON, &d.Chosen,
		&d.Confidence, &outcome, &success, &d.MemoriesConsulted,
		&d.DecisionsConsulted, &createdAt, &reportedAt)
	if err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(optsJSON), &d.Options)
	d.Success = core.Outcome(success)
	d.CreatedAt = parseTime(createdAt)
	if outcome.Valid {
		d.Outcome = outcome.String
	}
	if reportedAt.Valid {
		t := parseTime(reportedAt.String)
		d.ReportedAt = &t
	}
	return &d, nil
}

func (b *Backend) GetDecision(ctx context.Context, id string) (*core.DecisionRecord, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT `+decisionCols+` FROM decision_records WHERE id = ?`, id)
	d, err := scanDecision(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("decision %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, storeErr("get decision", err)
	}
	return d, nil
}

func (b *Backend) ListDecisions(ctx context.Context, f memory.DecisionFilter) ([]*core.DecisionRecord, error) {
	where := []string{"1=1"}
	var args []any
	if f.Type != "" {
		where = append(where, "decision_type = ?")
		args = append(args, f.Type)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, fmtTime(f.Since))
	}
	if f.ResolvedOnly {
		where = append(where, "success != 0")
	}

	q := `SELECT ` + decisionCols + ` FROM decision_records WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := b.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storeErr("list decisions", err)
	}
	defer rows.Close()

	var out []*core.DecisionRecord
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, storeErr("scan decision", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (b *Backend) UpsertPattern(ctx context.Context, p *core.Pattern) error {
	idsJSON, _ := json.Marshal(p.DecisionIDs)
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO patterns (name, kind, decision_ids, occurrences, success_rate, last_seen)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			kind = excluded.kind,
			decision_ids = excluded.decision_ids,
			occurrences = excluded.occurrences,
			success_rate = excluded.success_rate,
			last_seen = excluded.last_seen`,
		p.Name, string(p.Kind), string(idsJSON), p.Occurrences, p.SuccessRate,
		fmtTime(p.LastSeen))
	if err != nil {
		return storeErr("upsert pattern", err)
	}
	return nil
}

func (b *Backend) GetPattern(ctx context.Context, name string) (*core.Pattern, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT name, kind, decision_ids, occurrences, success_rate, last_seen
		 FROM patterns WHERE name = ?`, name)

	var p core.Pattern
	var kindStr, idsJSON, lastSeen string
	err := row.Scan(&p.Name, &kindStr, &idsJSON, &p.Occurrences, &p.SuccessRate, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("pattern %s: %w", name, core.ErrNotFound)
	}
	if err != nil {
		return nil, storeErr("get pattern", err)
	}
	p.Kind = core.PatternKind(kindStr)
	json.Unmarshal([]byte(idsJSON), &p.DecisionIDs)
	p.LastSeen = parseTime(lastSeen)
	return &p, nil
}

func (b *Backend) ListPatterns(ctx context.Context, kind core.PatternKind) ([]*core.Pattern, error) {
	q := `SELECT name, kind, decision_ids, occurrences, success_rate, last_seen FROM patterns`
	var args []any
	if kind != "" {
		q += ` WHERE kind = ?`
		args = append(args, string(kind))
	}
	q += ` ORDER BY name`

	rows, err := b.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storeErr("list patterns", err)
	}
	defer rows.Close()

	var out []*core.Pattern
	for rows.Next() {
		var p core.Pattern
		var kindStr, idsJSON, lastSeen string
		if err := rows.Scan(&p.Name, &kindStr, &idsJSON, &p.Occurrences, &p.SuccessRate, &lastSeen); err != nil {
			return nil, storeErr("scan pattern", err)
		}
		p.Kind = core.PatternKind(kindStr)
		json.Unmarshal([]byte(idsJSON), &p.DecisionIDs)
		p.LastSeen = parseTime(lastSeen)
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (b *Backend) PutObjective(ctx context.Context, o *core.LearningObjective) error {
	var completedAt *string
	if o.CompletedAt != nil {
		s := fmtTime(*o.CompletedAt)
		completedAt = &s
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO learning_objectives (topic, knowledge, progress, priority, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(topic) DO UPDATE SET
			knowledge = excluded.knowledge,
			progress = excluded.progress,
			priority = excluded.priority,
			completed_at = excluded.completed_at`,
		o.Topic, o.Knowledge, o.Progress, o.Priority, fmtTime(o.CreatedAt), completedAt)
	if err != nil {
		return storeErr("put objective", err)
	}
	return nil
}

func scanObjective(row scanner) (*core.LearningObjective, error) {
	var o core.LearningObjective
	var createdAt string
	var completedAt sql.NullString

	err := row.Scan(&o.Topic, &o.Knowledge, &o.Progress, &o.Priority, &createdAt, &completedAt)
	if err != nil {
		return nil, err
	}
	o.CreatedAt = parseTime(createdAt)
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		o.CompletedAt = &t
	}
	return &o, nil
}

func (b *Backend) GetObjective(ctx context.Context, topic string) (*core.LearningObjective, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT topic, knowledge, progress, priority, created_at, completed_at
		 FROM learning_objectives WHERE topic = ?`, topic)
	o, err := scanObjective(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("objective %s: %w", topic, core.ErrNotFound)
	}
	if err != nil {
		return nil, storeErr("get objective", err)
	}
	return o, nil
}

func (b *Backend) ListObjectives(ctx context.Context, openOnly bool) ([]*core.LearningObjective, error) {
	q := `SELECT topic, knowledge, progress, priority, created_at, completed_at
	      FROM learning_objectives`
	if openOnly {
		q += ` WHERE completed_at IS NULL`
	}
	q += ` ORDER BY priority DESC, topic`

	rows, err := b.db.QueryContext(ctx, q)
	if err != nil {
		return nil, storeErr("list objectives", err)
	}
	defer rows.Close()

	var out []*core.LearningObjective
	for rows.Next() {
		o, err := scanObjective(rows)
		if err != nil {
			return nil, storeErr("scan objective", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (b *Backend) Stats(ctx context.Context) (*memory.Stats, error) {
	var stats memory.Stats
	var avg sql.NullFloat64

	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(AVG(importance), 0), COALESCE(SUM(unembedded), 0) FROM memory_records`).
		Scan(&stats.Records, &avg, &stats.UnembeddedRecs)
	if err != nil {
		return nil, storeErr("stats records", err)
	}
	stats.AvgImportance = avg.Float64

	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM decision_records`).Scan(&stats.Decisions); err != nil {
		return nil, storeErr("stats decisions", err)
	}
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM patterns`).Scan(&stats.Patterns); err != nil {
		return nil, storeErr("stats patterns", err)
	}
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM learning_objectives`).Scan(&stats.Objectives); err != nil {
		return nil, storeErr("stats objectives", err)
	}
	return &stats, nil
}

func (b *Backend) Close() error { return b.db.Close() }

var _ memory.Backend = (*Backend)(nil)
