// Package store persists version history, genetic memory and review history
// for helix in a single SQLite database.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"helix/internal/logging"
	"helix/internal/types"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// GenesisHash is the prev_hash of the first version of every skill.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// ErrNotFound is returned when a requested version does not exist.
var ErrNotFound = errors.New("not found")

// VersionStore is the durable record of every promoted version, every dead
// end and every review decision.
//
// Storage location: .helix/versions.db
//
// All access goes through one connection so a promotion transaction is
// never interleaved with another writer.
type VersionStore struct {
	db     *sql.DB
	dbPath string
	now    func() time.Time
}

// Open opens (or creates) the store at dbPath. ":memory:" is accepted for
// tests.
func Open(dbPath string) (*VersionStore, error) {
	logging.StoreDebug("Initializing VersionStore at path: %s", dbPath)

	dsn := dbPath
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			logging.Get(logging.CategoryStore).Error("Failed to create VersionStore directory %s: %v", dir, err)
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		dsn = "file:" + dbPath + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to open VersionStore database at %s: %v", dbPath, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &VersionStore{db: db, dbPath: dbPath, now: func() time.Time { return time.Now().UTC() }}
	if err := s.initialize(); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to initialize VersionStore schema: %v", err)
		db.Close()
		return nil, err
	}
	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("VersionStore initialized at %s", dbPath)
	return s, nil
}

// Close closes the database.
func (s *VersionStore) Close() error {
	return s.db.Close()
}

// initialize creates the database schema.
func (s *VersionStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS patch_versions (
		id TEXT PRIMARY KEY,
		skill TEXT NOT NULL,
		seq INTEGER NOT NULL,
		dna TEXT NOT NULL,
		artifact_path TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		record_hash TEXT NOT NULL,
		UNIQUE(skill, seq)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_patch_versions_one_active
		ON patch_versions(skill) WHERE status = 'active';
	CREATE INDEX IF NOT EXISTS idx_patch_versions_dna ON patch_versions(skill, dna);

	CREATE TRIGGER IF NOT EXISTS patch_versions_immutable
	BEFORE UPDATE OF id, skill, seq, dna, artifact_path, created_at, prev_hash, record_hash ON patch_versions
	BEGIN
		SELECT RAISE(ABORT, 'version records are immutable');
	END;

	CREATE TRIGGER IF NOT EXISTS patch_versions_no_delete
	BEFORE DELETE ON patch_versions
	BEGIN
		SELECT RAISE(ABORT, 'version history is append-only');
	END;

	CREATE TABLE IF NOT EXISTS dead_ends (
		skill TEXT NOT NULL,
		dna TEXT NOT NULL,
		reason TEXT NOT NULL,
		occurrences INTEGER NOT NULL DEFAULT 1,
		first_seen TEXT NOT NULL,
		last_seen TEXT NOT NULL,
		PRIMARY KEY (skill, dna)
	);

	CREATE TRIGGER IF NOT EXISTS dead_ends_no_delete
	BEFORE DELETE ON dead_ends
	BEGIN
		SELECT RAISE(ABORT, 'dead ends are append-only');
	END;

	CREATE TABLE IF NOT EXISTS reviews (
		id TEXT PRIMARY KEY,
		skill TEXT NOT NULL,
		dna TEXT NOT NULL,
		status TEXT NOT NULL,
		approved INTEGER NOT NULL,
		lethal INTEGER NOT NULL,
		override_by TEXT,
		reason TEXT,
		findings TEXT NOT NULL,
		decided_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reviews_decided ON reviews(decided_at);
	CREATE INDEX IF NOT EXISTS idx_reviews_skill ON reviews(skill);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// Tx is a write transaction over version history.
type Tx struct {
	tx  *sql.Tx
	ctx context.Context
	now time.Time
}

// Update runs fn inside a transaction. The transaction commits only if fn
// returns nil.
func (s *VersionStore) Update(ctx context.Context, fn func(*Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	tx := &Tx{tx: sqlTx, ctx: ctx, now: s.now()}
	if err := fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			logging.StoreWarn("rollback after error failed: %v", rbErr)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return &CommitError{Err: err}
	}
	return nil
}

// CommitError signals that fn succeeded but the commit did not. Callers that
// performed side effects inside fn must undo them.
type CommitError struct{ Err error }

func (e *CommitError) Error() string { return "commit: " + e.Err.Error() }
func (e *CommitError) Unwrap() error { return e.Err }

// Active returns the active version of skill, or ErrNotFound.
func (t *Tx) Active(skill string) (types.PatchVersion, error) {
	row := t.tx.QueryRowContext(t.ctx, selectVersion+` WHERE skill = ? AND status = 'active'`, skill)
	return scanVersion(row)
}

// EligiblePrior returns the newest version older than seq that is neither
// rolled back nor a dead end.
func (t *Tx) EligiblePrior(skill string, seq int64) (types.PatchVersion, error) {
	row := t.tx.QueryRowContext(t.ctx, selectVersion+`
		WHERE skill = ? AND seq < ? AND status NOT IN ('rolled_back', 'dead_end')
		ORDER BY seq DESC LIMIT 1`, skill, seq)
	return scanVersion(row)
}

// SetStatus changes the status of one version.
func (t *Tx) SetStatus(id string, status types.PatchStatus) error {
	res, err := t.tx.ExecContext(t.ctx,
		`UPDATE patch_versions SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(t.now), id)
	if err != nil {
		return fmt.Errorf("set status %s on %s: %w", status, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set status on %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetBaseline replaces the metrics a version is judged against. The
// baseline is not part of the record hash.
func (t *Tx) SetBaseline(id string, baseline types.MetricsSnapshot) error {
	b, err := json.Marshal(baseline)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(t.ctx, `UPDATE patch_versions SET baseline = ? WHERE id = ?`, string(b), id)
	if err != nil {
		return fmt.Errorf("set baseline on %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set baseline on %s: %w", id, ErrNotFound)
	}
	return nil
}

// NewVersion is the caller-supplied part of a version record.
type NewVersion struct {
	Skill        string
	DNA          types.DNA
	ArtifactPath string
	Status       types.PatchStatus
	Baseline     types.MetricsSnapshot
}

// Insert appends a version record, extending the skill's hash chain.
func (t *Tx) Insert(nv NewVersion) (types.PatchVersion, error) {
	var lastSeq sql.NullInt64
	var lastHash sql.NullString
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT seq, record_hash FROM patch_versions WHERE skill = ? ORDER BY seq DESC LIMIT 1`,
		nv.Skill).Scan(&lastSeq, &lastHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return types.PatchVersion{}, fmt.Errorf("read chain head: %w", err)
	}

	v := types.PatchVersion{
		ID:           uuid.NewString(),
		Skill:        nv.Skill,
		Seq:          lastSeq.Int64 + 1,
		DNA:          nv.DNA,
		ArtifactPath: nv.ArtifactPath,
		Status:       nv.Status,
		CreatedAt:    t.now,
		UpdatedAt:    t.now,
		PrevHash:     GenesisHash,
		Baseline:     nv.Baseline,
	}
	if lastHash.Valid {
		v.PrevHash = lastHash.String
	}
	v.RecordHash = RecordHash(v)

	baseline, err := json.Marshal(v.Baseline)
	if err != nil {
		return types.PatchVersion{}, err
	}
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO patch_versions
		(id, skill, seq, dna, artifact_path, status, created_at, updated_at, prev_hash, record_hash, baseline)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.Skill, v.Seq, string(v.DNA), v.ArtifactPath, string(v.Status),
		formatTime(v.CreatedAt), formatTime(v.UpdatedAt), v.PrevHash, v.RecordHash, string(baseline))
	if err != nil {
		return types.PatchVersion{}, fmt.Errorf("insert version: %w", err)
	}
	return v, nil
}

// MarkDeadEnd flags every non-active version of skill with dna as a dead
// end. Returns the number of versions changed.
func (t *Tx) MarkDeadEnd(skill string, dna types.DNA) (int64, error) {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE patch_versions SET status = 'dead_end', updated_at = ?
		WHERE skill = ? AND dna = ? AND status NOT IN ('active', 'dead_end')`,
		formatTime(t.now), skill, string(dna))
	if err != nil {
		return 0, fmt.Errorf("mark dead end versions: %w", err)
	}
	return res.RowsAffected()
}

// =============================================================================
// READS
// =============================================================================

const selectVersion = `SELECT id, skill, seq, dna, artifact_path, status, created_at, updated_at,
	prev_hash, record_hash, baseline FROM patch_versions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row rowScanner) (types.PatchVersion, error) {
	var (
		v                types.PatchVersion
		dna, status      string
		created, updated string
		baseline         string
	)
	err := row.Scan(&v.ID, &v.Skill, &v.Seq, &dna, &v.ArtifactPath, &status,
		&created, &updated, &v.PrevHash, &v.RecordHash, &baseline)
	if errors.Is(err, sql.ErrNoRows) {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	v.DNA = types.DNA(dna)
	if v.Status, err = types.ParsePatchStatus(status); err != nil {
		return v, err
	}
	if v.CreatedAt, err = parseTime(created); err != nil {
		return v, err
	}
	if v.UpdatedAt, err = parseTime(updated); err != nil {
		return v, err
	}
	if baseline != "" {
		if err := json.Unmarshal([]byte(baseline), &v.Baseline); err != nil {
			return v, fmt.Errorf("decode baseline of %s: %w", v.ID, err)
		}
	}
	return v, nil
}

// Active returns the active version of skill, or ErrNotFound.
func (s *VersionStore) Active(ctx context.Context, skill string) (types.PatchVersion, error) {
	row := s.db.QueryRowContext(ctx, selectVersion+` WHERE skill = ? AND status = 'active'`, skill)
	return scanVersion(row)
}

// ActiveAll returns the active version of every skill, ordered by name.
func (s *VersionStore) ActiveAll(ctx context.Context) ([]types.PatchVersion, error) {
	return s.queryVersions(ctx, selectVersion+` WHERE status = 'active' ORDER BY skill`)
}

// Versions returns the full history of skill, oldest first.
func (s *VersionStore) Versions(ctx context.Context, skill string) ([]types.PatchVersion, error) {
	return s.queryVersions(ctx, selectVersion+` WHERE skill = ? ORDER BY seq`, skill)
}

// Skills returns every skill with at least one version.
func (s *VersionStore) Skills(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT skill FROM patch_versions ORDER BY skill`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *VersionStore) queryVersions(ctx context.Context, query string, args ...any) ([]types.PatchVersion, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query versions: %w", err)
	}
	defer rows.Close()

	var out []types.PatchVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// =============================================================================
// HASH CHAIN
// =============================================================================

// RecordHash hashes the immutable fields of a version together with its
// predecessor's hash. Status is excluded because it changes over time.
func RecordHash(v types.PatchVersion) string {
	h := sha256.New()
	for _, part := range []string{
		v.PrevHash,
		v.Skill,
		strconv.FormatInt(v.Seq, 10),
		string(v.DNA),
		v.ArtifactPath,
		formatTime(v.CreatedAt),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// ChainError locates the first broken link of a skill's hash chain.
type ChainError struct {
	Skill  string
	Seq    int64
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("version chain of %s broken at seq %d: %s", e.Skill, e.Seq, e.Reason)
}

// VerifyChain recomputes every record hash of skill and checks linkage.
func (s *VersionStore) VerifyChain(ctx context.Context, skill string) error {
	versions, err := s.Versions(ctx, skill)
	if err != nil {
		return err
	}
	prev := GenesisHash
	for _, v := range versions {
		if v.PrevHash != prev {
			return &ChainError{Skill: skill, Seq: v.Seq, Reason: "prev_hash does not match predecessor"}
		}
		if got := RecordHash(v); got != v.RecordHash {
			return &ChainError{Skill: skill, Seq: v.Seq, Reason: "record hash mismatch"}
		}
		prev = v.RecordHash
	}
	return nil
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}
