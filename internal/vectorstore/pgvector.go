// Package vectorstore stores restaurant documents and their embeddings in
// PostgreSQL using the pgvector extension.
package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"restaurant-rag/internal/domain"
)

// DefaultTable is the table holding restaurant embeddings.
const DefaultTable = "restaurant_embeddings"

// Embedder turns texts into embedding vectors, one per input, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// PGVector is a vector store over a single pgvector table with columns
// id, content, metadata (jsonb) and embedding (vector). Scores are cosine
// similarity in [-1, 1], higher is closer.
type PGVector struct {
	db       *sql.DB
	table    string
	embedder Embedder
	newID    func() string
}

// Open connects to PostgreSQL with the lib/pq driver.
func Open(dsn string) (*sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("vectorstore: database url must not be empty")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: open: %w", err)
	}
	return db, nil
}

// New returns a PGVector using table, or DefaultTable when empty.
func New(db *sql.DB, embedder Embedder, table string) (*PGVector, error) {
	if db == nil {
		return nil, errors.New("vectorstore: db must not be nil")
	}
	if embedder == nil {
		return nil, errors.New("vectorstore: embedder must not be nil")
	}
	if strings.TrimSpace(table) == "" {
		table = DefaultTable
	}
	return &PGVector{db: db, table: table, embedder: embedder, newID: uuid.NewString}, nil
}

func (p *PGVector) quotedTable() string {
	return pq.QuoteIdentifier(p.table)
}

// EnsureSchema creates the extension and table when missing. dims is the
// embedding width of the configured model.
func (p *PGVector) EnsureSchema(ctx context.Context, dims int) error {
	if dims <= 0 {
		return errors.New("vectorstore: embedding dimensions must be positive")
	}
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id uuid PRIMARY KEY,
	content text NOT NULL,
	metadata jsonb NOT NULL DEFAULT '{}',
	embedding vector(%d) NOT NULL
)`, p.quotedTable(), dims),
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("vectorstore: ensure schema: %w", err)
		}
	}
	return nil
}

// SimilaritySearch embeds query and returns the k nearest documents by
// cosine distance, closest first.
func (p *PGVector) SimilaritySearch(ctx context.Context, query string, k int) ([]domain.Document, error) {
	if k <= 0 {
		return []domain.Document{}, nil
	}
	vecs, err := p.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("vectorstore: embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("vectorstore: embed query: got %d vectors, want 1", len(vecs))
	}

	q := fmt.Sprintf(
		`SELECT content, metadata, embedding <=> $1 AS distance FROM %s ORDER BY distance LIMIT $2`,
		p.quotedTable(),
	)
	rows, err := p.db.QueryContext(ctx, q, pgvector.NewVector(vecs[0]), k)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: search: %w", err)
	}
	defer rows.Close()

	docs := make([]domain.Document, 0, k)
	for rows.Next() {
		var (
			content  string
			rawMeta  []byte
			distance float64
		)
		if err := rows.Scan(&content, &rawMeta, &distance); err != nil {
			return nil, fmt.Errorf("vectorstore: scan: %w", err)
		}
		meta := map[string]any{}
		if len(rawMeta) > 0 {
			if err := json.Unmarshal(rawMeta, &meta); err != nil {
				return nil, fmt.Errorf("vectorstore: decode metadata: %w", err)
			}
		}
		score := 1 - distance
		docs = append(docs, domain.Document{Text: content, Metadata: meta, Score: &score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vectorstore: search rows: %w", err)
	}
	return docs, nil
}

// AddTexts stores texts with precomputed embeddings in one transaction and
// returns the new ids. metadatas may be nil.
func (p *PGVector) AddTexts(ctx context.Context, texts []string, embeddings [][]float32, metadatas []map[string]any) ([]string, error) {
	if len(embeddings) != len(texts) {
		return nil, fmt.Errorf("vectorstore: %d texts but %d embeddings", len(texts), len(embeddings))
	}
	if metadatas != nil && len(metadatas) != len(texts) {
		return nil, fmt.Errorf("vectorstore: %d texts but %d metadatas", len(texts), len(metadatas))
	}
	if len(texts) == 0 {
		return []string{}, nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	q := fmt.Sprintf(`INSERT INTO %s (id, content, metadata, embedding) VALUES ($1, $2, $3, $4)`, p.quotedTable())
	ids := make([]string, len(texts))
	for i, text := range texts {
		var meta map[string]any
		if metadatas != nil {
			meta = metadatas[i]
		}
		if meta == nil {
			meta = map[string]any{}
		}
		rawMeta, err := json.Marshal(meta)
		if err != nil {
			return nil, fmt.Errorf("vectorstore: encode metadata: %w", err)
		}
		ids[i] = p.newID()
		if _, err := tx.ExecContext(ctx, q, ids[i], text, string(rawMeta), pgvector.NewVector(embeddings[i])); err != nil {
			return nil, fmt.Errorf("vectorstore: insert: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("vectorstore: commit: %w", err)
	}
	return ids, nil
}

// AddDocuments embeds the documents and stores them.
func (p *PGVector) AddDocuments(ctx context.Context, docs []domain.Document) ([]string, error) {
	if len(docs) == 0 {
		return []string{}, nil
	}
	texts := make([]string, len(docs))
	metas := make([]map[string]any, len(docs))
	for i, d := range docs {
		texts[i] = d.Text
		metas[i] = d.Metadata
	}
	vecs, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: embed documents: %w", err)
	}
	return p.AddTexts(ctx, texts, vecs, metas)
}

// DeleteByMetadata removes every document whose metadata key equals value
// and returns how many were removed.
func (p *PGVector) DeleteByMetadata(ctx context.Context, key, value string) (int64, error) {
	q := fmt.Sprintf(`DELETE FROM %s WHERE metadata->>$1 = $2`, p.quotedTable())
	res, err := p.db.ExecContext(ctx, q, key, value)
	if err != nil {
		return 0, fmt.Errorf("vectorstore: delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("vectorstore: delete: %w", err)
	}
	return n, nil
}

// Ping checks the database connection.
func (p *PGVector) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("vectorstore: ping: %w", err)
	}
	return nil
}
