package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/thalesfsp/protein/models"
)

type dialect string

const (
	dialectSQLite   dialect = "sqlite3"
	dialectPostgres dialect = "postgres"
)

// SQLStore keeps runs and scheduler state in SQLite or PostgreSQL
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

// NewSQLiteStore opens (creating if needed) a SQLite database
func NewSQLiteStore(dbPath string) (*SQLStore, error) {
	// WAL with a busy timeout and immediate transactions lets readers run
	// next to the single writer.
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_txlock=immediate", dbPath)

	db, err := sql.Open(string(dialectSQLite), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1) // Serialize writes to avoid SQLITE_BUSY
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return newSQLStore(db, dialectSQLite)
}

// NewPostgresStore connects to PostgreSQL using config.DSN
func NewPostgresStore(config Config) (*SQLStore, error) {
	if config.DSN == "" {
		return nil, errors.New("PostgreSQL DSN is required")
	}

	db, err := sql.Open(string(dialectPostgres), config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(orDefault(config.MaxOpenConns, 10))
	db.SetMaxIdleConns(orDefault(config.MaxIdleConns, 5))
	db.SetConnMaxLifetime(orDefault(config.ConnMaxLifetime, 5*time.Minute))
	db.SetConnMaxIdleTime(orDefault(config.ConnMaxIdleTime, time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return newSQLStore(db, dialectPostgres)
}

func newSQLStore(db *sql.DB, d dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: d, now: time.Now}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		run_group TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '[]',
		summary TEXT NOT NULL DEFAULT '{}',
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_group ON runs(run_group);

	CREATE TABLE IF NOT EXISTS scheduler_state (
		id TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		updated_at BIGINT NOT NULL
	);
	`

	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}

		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}

	return nil
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// HealthCheck verifies the database connection is healthy
func (s *SQLStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InitRun inserts the run, ignoring an existing row
func (s *SQLStore) InitRun(ctx context.Context, runID string, opts InitRunOptions) error {
	tags, err := json.Marshal(nonNil(opts.Tags))
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}

	summary, err := json.Marshal(nonNilMap(opts.InitialSummary))
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}

	now := s.now().UnixNano()

	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO runs (run_id, run_group, tags, summary, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO NOTHING
	`), runID, opts.Group, string(tags), string(summary), now, now)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", runID, err)
	}

	return nil
}

// FetchRuns returns the matching runs ordered by creation time
func (s *SQLStore) FetchRuns(ctx context.Context, filter Filter) ([]models.RunInfo, error) {
	query := `SELECT run_id, run_group, tags, summary, created_at, updated_at FROM runs`

	var args []any
	if filter.Group != "" {
		query += ` WHERE run_group = ?`
		args = append(args, filter.Group)
	}

	query += ` ORDER BY created_at, run_id`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []models.RunInfo
	for rows.Next() {
		var (
			run                models.RunInfo
			tags, summary      string
			created, updatedAt int64
		)

		if err := rows.Scan(&run.RunID, &run.Group, &tags, &summary, &created, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		if err := json.Unmarshal([]byte(tags), &run.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags of %s: %w", run.RunID, err)
		}

		if err := json.Unmarshal([]byte(summary), &run.Summary); err != nil {
			return nil, fmt.Errorf("failed to decode summary of %s: %w", run.RunID, err)
		}

		if !filter.matches(run.Group, run.Tags) {
			continue
		}

		run.CreatedAt = time.Unix(0, created)
		run.LastUpdatedAt = time.Unix(0, updatedAt)
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// UpdateRunSummary merges update into the stored summary in one transaction
func (s *SQLStore) UpdateRunSummary(ctx context.Context, runID string, update map[string]any) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT summary FROM runs WHERE run_id = ?`
	if s.dialect == dialectPostgres {
		query += ` FOR UPDATE`
	}

	var raw string
	err = tx.QueryRowContext(ctx, s.rebind(query), runID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read run %s: %w", runID, err)
	}

	var summary map[string]any
	if err := json.Unmarshal([]byte(raw), &summary); err != nil {
		return false, fmt.Errorf("failed to decode summary of %s: %w", runID, err)
	}

	data, err := json.Marshal(mergeSummary(summary, update))
	if err != nil {
		return false, fmt.Errorf("failed to encode summary: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.rebind(`UPDATE runs SET summary = ?, updated_at = ? WHERE run_id = ?`),
		string(data), s.now().UnixNano(), runID)
	if err != nil {
		return false, fmt.Errorf("failed to update run %s: %w", runID, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}

	return true, nil
}

// SaveState upserts a scheduler state document
func (s *SQLStore) SaveState(ctx context.Context, id string, data []byte) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO scheduler_state (id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`), id, string(data), s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save state %s: %w", id, err)
	}

	return nil
}

// LoadState returns the stored document, or nil when there is none
func (s *SQLStore) LoadState(ctx context.Context, id string) ([]byte, error) {
	var data string

	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT data FROM scheduler_state WHERE id = ?`), id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state %s: %w", id, err)
	}

	return []byte(data), nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL
func (s *SQLStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}

	var (
		b strings.Builder
		n int
	)

	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))

			continue
		}

		b.WriteRune(r)
	}

	return b.String()
}

func orDefault[T int | time.Duration](v, def T) T {
	if v > 0 {
		return v
	}

	return def
}

func nonNil(tags []string) []string {
	if tags == nil {
		return []string{}
	}

	return tags
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}

	return m
}
