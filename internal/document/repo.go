package document

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (*Document, error) {
	d := &Document{}
	query := `SELECT document_id, source_url, title, headings, COALESCE(fetched_at, 'epoch'), content_hash, status, created_at, updated_at
		FROM documents WHERE document_id = $1`
	err := r.db.QueryRowContext(ctx, query, id).
		Scan(&d.ID, &d.SourceURL, &d.Title, pq.Array(&d.Headings), &d.FetchedAt, &d.ContentHash, &d.Status, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (r *PostgresRepo) Upsert(ctx context.Context, d *Document) error {
	query := `INSERT INTO documents (document_id, source_url, title, headings, fetched_at, content_hash, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (document_id) DO UPDATE SET
			title = EXCLUDED.title,
			headings = EXCLUDED.headings,
			fetched_at = EXCLUDED.fetched_at,
			content_hash = EXCLUDED.content_hash,
			status = EXCLUDED.status,
			updated_at = NOW()`
	_, err := r.db.ExecContext(ctx, query, d.ID, d.SourceURL, d.Title, pq.Array(d.Headings), d.FetchedAt, d.ContentHash, d.Status)
	return err
}

func (r *PostgresRepo) UpdateStatus(ctx context.Context, id, status string) error {
	query := `UPDATE documents SET status = $1, updated_at = NOW() WHERE document_id = $2`
	_, err := r.db.ExecContext(ctx, query, status, id)
	return err
}

func (r *PostgresRepo) List(ctx context.Context, status string) ([]Document, error) {
	query := `SELECT document_id, source_url, title, headings, COALESCE(fetched_at, 'epoch'), content_hash, status, created_at, updated_at
		FROM documents`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.SourceURL, &d.Title, pq.Array(&d.Headings), &d.FetchedAt, &d.ContentHash, &d.Status, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (r *PostgresRepo) Delete(ctx context.Context, id string) error {
	// Chunks cascade.
	query := `DELETE FROM documents WHERE document_id = $1`
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

// CommitIngestion atomically records a completed ingestion cycle: the
// document row is marked ingested with its new hash and the chunk set is
// replaced wholesale. Sequence indexes beyond the new chunk count are
// deleted, so a shrinking document never leaves stale rows behind. Readers
// observe either the prior committed cycle or this one, never a mix.
func (r *PostgresRepo) CommitIngestion(ctx context.Context, d *Document, chunks []Chunk) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	docQuery := `INSERT INTO documents (document_id, source_url, title, headings, fetched_at, content_hash, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (document_id) DO UPDATE SET
			title = EXCLUDED.title,
			headings = EXCLUDED.headings,
			fetched_at = EXCLUDED.fetched_at,
			content_hash = EXCLUDED.content_hash,
			status = EXCLUDED.status,
			updated_at = NOW()`
	if _, err := tx.ExecContext(ctx, docQuery, d.ID, d.SourceURL, d.Title, pq.Array(d.Headings), d.FetchedAt, d.ContentHash, StatusIngested); err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}

	delQuery := `DELETE FROM chunks WHERE document_id = $1 AND sequence_index >= $2`
	if _, err := tx.ExecContext(ctx, delQuery, d.ID, len(chunks)); err != nil {
		return fmt.Errorf("delete stale chunks: %w", err)
	}

	chunkQuery := `INSERT INTO chunks (chunk_id, document_id, sequence_index, content, token_count, embedding_version)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (chunk_id) DO UPDATE SET
			content = EXCLUDED.content,
			token_count = EXCLUDED.token_count,
			embedding_version = EXCLUDED.embedding_version`
	for _, c := range chunks {
		if _, err := tx.ExecContext(ctx, chunkQuery, c.ID, c.DocumentID, c.SequenceIndex, c.Text, c.TokenCount, c.EmbeddingVersion); err != nil {
			return fmt.Errorf("upsert chunk %d: %w", c.SequenceIndex, err)
		}
	}

	return tx.Commit()
}

func (r *PostgresRepo) GetChunks(ctx context.Context, documentID string) ([]Chunk, error) {
	query := `SELECT chunk_id, document_id, sequence_index, content, token_count, embedding_version
		FROM chunks WHERE document_id = $1 ORDER BY sequence_index`
	rows, err := r.db.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.SequenceIndex, &c.Text, &c.TokenCount, &c.EmbeddingVersion); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// GetChunksByIDs hydrates chunk identifiers coming back from the vector
// index. Only chunks whose owning document is ingested are returned; hits on
// pending or failed documents (stale vectors from an in-flight or failed
// cycle) are dropped here.
func (r *PostgresRepo) GetChunksByIDs(ctx context.Context, ids []string) ([]HydratedChunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT c.chunk_id, c.document_id, c.sequence_index, c.content, c.token_count, c.embedding_version,
			d.source_url, d.title, COALESCE(d.fetched_at, 'epoch')
		FROM chunks c
		JOIN documents d ON d.document_id = c.document_id
		WHERE c.chunk_id = ANY($1) AND d.status = $2`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(ids), StatusIngested)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []HydratedChunk
	for rows.Next() {
		var c HydratedChunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.SequenceIndex, &c.Text, &c.TokenCount, &c.EmbeddingVersion,
			&c.SourceURL, &c.Title, &c.FetchedAt); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (r *PostgresRepo) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM documents GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (r *PostgresRepo) CountChunks(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n)
	return n, err
}
