package vector

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pgvector/pgvector-go"

	"github.com/hubenschmidt/go-ragstream/core"
)

const pgUndefinedTable = "42P01"

// PgVectorGateway stores every collection in one pgvector table with an HNSW
// cosine index. ReplaceAll runs inside a single transaction.
type PgVectorGateway struct {
	db        *sql.DB
	dimension int
	index     string

	// iterative is set on pgvector 0.8+, where a filtered HNSW scan keeps
	// going until it finds k rows of the requested collection.
	iterative bool
}

// NewPgVectorGateway connects and migrates. dimension fixes the vector column
// width (768 for nomic-embed-text).
func NewPgVectorGateway(ctx context.Context, dsn string, dimension int, index string) (*PgVectorGateway, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: pgvector requires a positive dimension", core.ErrInvalidConfig)
	}
	if index == "" {
		index = "vector_index"
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, core.Wrap(core.ErrServiceUnavailable, "ping database: %w", err)
	}

	g := &PgVectorGateway{db: db, dimension: dimension, index: index}
	if err := g.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return g, nil
}

func (g *PgVectorGateway) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS rag_collections (
			name TEXT PRIMARY KEY,
			dimension INTEGER NOT NULL,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS rag_chunks (
			collection TEXT NOT NULL REFERENCES rag_collections(name) ON DELETE CASCADE,
			id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			document_id TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (collection, id)
		)`, g.dimension),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON rag_chunks USING hnsw (embedding vector_cosine_ops)`,
			pgx.Identifier{g.index}.Sanitize()),
	}

	for _, m := range migrations {
		if _, err := g.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}

	var version string
	if err := g.db.QueryRowContext(ctx,
		`SELECT extversion FROM pg_extension WHERE extname = 'vector'`).Scan(&version); err != nil {
		return fmt.Errorf("read pgvector version: %w", err)
	}
	g.iterative = supportsIterativeScan(version)
	if !g.iterative {
		log.Printf("[vector] pgvector %s lacks iterative scans; small collections sharing the index may return fewer than k rows", version)
	}
	return nil
}

// supportsIterativeScan reports whether a pgvector extension version has
// hnsw.iterative_scan (added in 0.8.0).
func supportsIterativeScan(version string) bool {
	parts := strings.SplitN(version, ".", 3)
	if len(parts) < 2 {
		return false
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return false
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return false
	}
	return major > 0 || minor >= 8
}

func (g *PgVectorGateway) ReplaceAll(ctx context.Context, collection string, chunks []core.Chunk) error {
	dim, err := checkEmbeddings(chunks)
	if err != nil {
		return err
	}
	if dim != 0 && dim != g.dimension {
		return fmt.Errorf("%w: embedding dimension %d does not match column dimension %d", core.ErrInvalidConfig, dim, g.dimension)
	}

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rag_collections (name, dimension) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET dimension = EXCLUDED.dimension, updated_at = NOW()`,
		collection, g.dimension); err != nil {
		return fmt.Errorf("upsert collection: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM rag_chunks WHERE collection = $1`, collection); err != nil {
		return fmt.Errorf("clear collection: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO rag_chunks (collection, id, seq, document_id, text, embedding, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, c := range chunks {
		metadata, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, collection, c.ID, i, c.DocumentID, c.Text,
			pgvector.NewVector(toFloat32(c.Embedding)), metadata); err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (g *PgVectorGateway) Query(ctx context.Context, collection string, vec []float64, k, candidates int) ([]core.SearchResult, error) {
	if err := checkQuery(k, vec); err != nil {
		return nil, err
	}

	tx, err := g.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := g.checkCollection(ctx, tx, collection); err != nil {
		return nil, err
	}

	// ef_search is the HNSW candidate list size.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`SET LOCAL hnsw.ef_search = %d`, poolSize(k, candidates))); err != nil {
		return nil, fmt.Errorf("set ef_search: %w", err)
	}
	// Every collection shares one index, so the collection filter runs after
	// the scan; strict_order keeps scanning until k rows match.
	if g.iterative {
		if _, err := tx.ExecContext(ctx, `SET LOCAL hnsw.iterative_scan = strict_order`); err != nil {
			return nil, fmt.Errorf("set iterative_scan: %w", err)
		}
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, text, metadata, 1 - (embedding <=> $1) AS score
		FROM rag_chunks
		WHERE collection = $2
		ORDER BY embedding <=> $1
		LIMIT $3`,
		pgvector.NewVector(toFloat32(vec)), collection, k)
	if err != nil {
		return nil, mapPgError(err, collection)
	}
	defer rows.Close()

	var results []core.SearchResult
	for rows.Next() {
		var r core.SearchResult
		var metadata []byte
		if err := rows.Scan(&r.ID, &r.Text, &metadata, &r.Score); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &r.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func (g *PgVectorGateway) checkCollection(ctx context.Context, tx *sql.Tx, collection string) error {
	var exists, indexed bool
	err := tx.QueryRowContext(ctx, `
		SELECT
			EXISTS (SELECT 1 FROM rag_collections WHERE name = $1),
			to_regclass($2) IS NOT NULL`,
		collection, pgx.Identifier{g.index}.Sanitize()).Scan(&exists, &indexed)
	if err != nil {
		return mapPgError(err, collection)
	}
	if !exists {
		return fmt.Errorf("%w: %s", core.ErrCollectionNotFound, collection)
	}
	if !indexed {
		return fmt.Errorf("%w: index %s missing for %s", core.ErrCollectionNotFound, g.index, collection)
	}
	return nil
}

func (g *PgVectorGateway) Count(ctx context.Context, collection string) (int, error) {
	var exists bool
	var n int
	err := g.db.QueryRowContext(ctx, `
		SELECT
			EXISTS (SELECT 1 FROM rag_collections WHERE name = $1),
			(SELECT COUNT(*) FROM rag_chunks WHERE collection = $1)`,
		collection).Scan(&exists, &n)
	if err != nil {
		return 0, mapPgError(err, collection)
	}
	if !exists {
		return 0, fmt.Errorf("%w: %s", core.ErrCollectionNotFound, collection)
	}
	return n, nil
}

// Close closes the database connection.
func (g *PgVectorGateway) Close() error {
	return g.db.Close()
}

func mapPgError(err error, collection string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUndefinedTable {
		return fmt.Errorf("%w: %s: %w", core.ErrCollectionNotFound, collection, err)
	}
	return fmt.Errorf("query: %w", err)
}
