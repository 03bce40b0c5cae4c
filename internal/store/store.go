// Package store persists gate runs, their witnesses, and the refinement
// steps linking them. The tables are append-only: a run id maps to exactly
// one witness digest forever, and re-recording the same witness is a no-op.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"gluegate/internal/logging"
	"gluegate/internal/refine"
	"gluegate/internal/witness"
)

var (
	ErrNotFound       = errors.New("store: not found")
	ErrDigestConflict = errors.New("store: run id already recorded with a different witness digest")
	ErrStepConflict   = errors.New("store: child run already recorded with a different parent or axis")
)

// Store manages the gate database.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// NewStore creates or opens the gate store under workspaceDir/.gluegate.
func NewStore(workspaceDir string) (*Store, error) {
	dbPath := filepath.Join(workspaceDir, ".gluegate", "gate.db")

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

func (s *Store) initSchema() error {
	schema := `
	-- Gate runs, one row per run id. witness_json is the full witness;
	-- the identity columns are denormalized for querying.
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		witness_digest TEXT NOT NULL,
		result TEXT NOT NULL,
		world_id TEXT NOT NULL,
		context_id TEXT NOT NULL,
		ctx_ref TEXT NOT NULL,
		adapter_id TEXT,
		adapter_version TEXT,
		normalizer_id TEXT NOT NULL,
		policy_digest TEXT NOT NULL,
		data_head_ref TEXT,
		witness_json TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_digest ON runs(witness_digest);
	CREATE INDEX IF NOT EXISTS idx_runs_result ON runs(result);
	CREATE INDEX IF NOT EXISTS idx_runs_context ON runs(context_id);

	-- Refinement steps: each child run refines exactly one parent along
	-- exactly one axis.
	CREATE TABLE IF NOT EXISTS refinement_steps (
		child_run_id TEXT PRIMARY KEY,
		parent_run_id TEXT NOT NULL,
		refinement_axis TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_steps_parent ON refinement_steps(parent_run_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveWitness records a gate witness. Saving the same witness twice is a
// no-op; saving a different witness under an existing run id fails.
func (s *Store) SaveWitness(w witness.GateWitness) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing string
	err := s.db.QueryRow(`SELECT witness_digest FROM runs WHERE run_id = ?`, w.RunID).Scan(&existing)
	switch {
	case err == nil:
		if existing != w.Digest {
			return fmt.Errorf("%w: run %s has %s, got %s", ErrDigestConflict, w.RunID, existing, w.Digest)
		}
		return nil
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("failed to query run: %w", err)
	}

	payload, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to encode witness: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO runs (run_id, witness_digest, result, world_id, context_id, ctx_ref,
			adapter_id, adapter_version, normalizer_id, policy_digest, data_head_ref,
			witness_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.RunID, w.Digest, string(w.Result), w.WorldID, w.ContextID, w.CtxRef,
		w.AdapterID, w.AdapterVersion, w.NormalizerID, w.PolicyDigest, w.DataHeadRef,
		string(payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	logging.Store("SaveWitness: run=%s result=%s digest=%s", w.RunID, w.Result, w.Digest)
	return nil
}

// GetRun returns the witness recorded for a run id.
func (s *Store) GetRun(runID string) (witness.GateWitness, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryWitness(`SELECT witness_json FROM runs WHERE run_id = ?`, runID)
}

// GetByDigest returns the witness with the given digest.
func (s *Store) GetByDigest(digest string) (witness.GateWitness, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryWitness(`SELECT witness_json FROM runs WHERE witness_digest = ?`, digest)
}

func (s *Store) queryWitness(query, arg string) (witness.GateWitness, error) {
	var payload string
	err := s.db.QueryRow(query, arg).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return witness.GateWitness{}, fmt.Errorf("%w: %s", ErrNotFound, arg)
	}
	if err != nil {
		return witness.GateWitness{}, fmt.Errorf("failed to query witness: %w", err)
	}
	var w witness.GateWitness
	if err := json.Unmarshal([]byte(payload), &w); err != nil {
		return witness.GateWitness{}, fmt.Errorf("failed to decode witness: %w", err)
	}
	return w, nil
}

// RunSummary is one row of a run listing.
type RunSummary struct {
	RunID     string
	Result    witness.Result
	ContextID string
	CtxRef    string
	Digest    string
	CreatedAt time.Time
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(limit int) ([]RunSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT run_id, result, context_id, ctx_ref, witness_digest, created_at
		FROM runs ORDER BY created_at DESC, run_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		var result string
		if err := rows.Scan(&r.RunID, &result, &r.ContextID, &r.CtxRef, &r.Digest, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.Result = witness.Result(result)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveStep records a refinement step. Re-recording an identical step is a
// no-op; contradicting a recorded step fails.
func (s *Store) SaveStep(step refine.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if step.ChildRunID == "" || step.ParentRunID == "" {
		return fmt.Errorf("store: step missing run ids")
	}

	var parent, axis string
	err := s.db.QueryRow(`SELECT parent_run_id, refinement_axis FROM refinement_steps WHERE child_run_id = ?`,
		step.ChildRunID).Scan(&parent, &axis)
	switch {
	case err == nil:
		if parent != step.ParentRunID || refine.Axis(axis) != step.Axis {
			return fmt.Errorf("%w: child %s", ErrStepConflict, step.ChildRunID)
		}
		return nil
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("failed to query step: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO refinement_steps (child_run_id, parent_run_id, refinement_axis, created_at)
		VALUES (?, ?, ?, ?)`,
		step.ChildRunID, step.ParentRunID, string(step.Axis), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to insert step: %w", err)
	}
	logging.Store("SaveStep: child=%s parent=%s axis=%s", step.ChildRunID, step.ParentRunID, step.Axis)
	return nil
}

// Chain walks a run's refinement ancestry, nearest parent first.
func (s *Store) Chain(runID string) ([]refine.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []refine.Step
	seen := map[string]bool{}
	current := runID
	for {
		if seen[current] {
			return nil, fmt.Errorf("store: refinement cycle at run %s", current)
		}
		seen[current] = true

		var parent, axis string
		err := s.db.QueryRow(`SELECT parent_run_id, refinement_axis FROM refinement_steps WHERE child_run_id = ?`,
			current).Scan(&parent, &axis)
		if errors.Is(err, sql.ErrNoRows) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to query step: %w", err)
		}
		out = append(out, refine.Step{ChildRunID: current, ParentRunID: parent, Axis: refine.Axis(axis)})
		current = parent
	}
}

// Children returns the runs that refine the given run, ordered by child id.
func (s *Store) Children(parentRunID string) ([]refine.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT child_run_id, refinement_axis FROM refinement_steps
		WHERE parent_run_id = ? ORDER BY child_run_id`, parentRunID)
	if err != nil {
		return nil, fmt.Errorf("failed to query children: %w", err)
	}
	defer rows.Close()

	var out []refine.Step
	for rows.Next() {
		var child, axis string
		if err := rows.Scan(&child, &axis); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		out = append(out, refine.Step{ChildRunID: child, ParentRunID: parentRunID, Axis: refine.Axis(axis)})
	}
	return out, rows.Err()
}
