package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/hubenschmidt/go-ragstream/store/migrations"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements RunStore using PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects to dsn and applies migrations
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := runMigration(db, migrations.Postgres, "postgres/001_init.sql"); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func runMigration(db *sql.DB, fs embed.FS, name string) error {
	data, err := fs.ReadFile(name)
	if err != nil {
		return fmt.Errorf("read migration: %w", err)
	}
	if _, err := db.Exec(string(data)); err != nil {
		return fmt.Errorf("exec migration: %w", err)
	}
	return nil
}

func (s *PostgresStore) Add(ctx context.Context, r Run) error {
	sources, err := marshalSources(r)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			kind = EXCLUDED.kind,
			collection = EXCLUDED.collection,
			input = EXCLUDED.input,
			output = EXCLUDED.output,
			sources = EXCLUDED.sources,
			documents = EXCLUDED.documents,
			chunks = EXCLUDED.chunks,
			elapsed_ms = EXCLUDED.elapsed_ms,
			status = EXCLUDED.status,
			error = EXCLUDED.error,
			timestamp = EXCLUDED.timestamp`,
		r.ID, r.Kind, r.Collection, r.Input, r.Output, sources,
		r.Documents, r.Chunks, r.ElapsedMs, r.Status, r.Error, r.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `
		SELECT id, kind, collection, input, output, sources::text, documents, chunks,
			elapsed_ms, status, error, timestamp
		FROM runs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrNotFound
	}
	if err != nil {
		return r, fmt.Errorf("query run: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]Run, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	// LIMIT NULL means no limit in Postgres.
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, collection, input, output, sources::text, documents, chunks,
			elapsed_ms, status, error, timestamp
		FROM runs
		ORDER BY timestamp DESC, id
		LIMIT $1`, lim)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *PostgresStore) Summary(ctx context.Context) (Summary, error) {
	var m Summary
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = $1),
			COALESCE(SUM(chunks), 0),
			COALESCE(AVG(elapsed_ms), 0)
		FROM runs`, StatusFailed).Scan(
		&m.TotalRuns, &m.FailedRuns, &m.TotalChunks, &m.AvgLatencyMs,
	)
	if err != nil {
		return m, fmt.Errorf("query summary: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
