// Package ingest loads restaurant documents into the vector store in batches,
// recording progress so an interrupted run resumes where it stopped.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"restaurant-rag/internal/domain"
)

const defaultBatchSize = 50

// Cursor persists the index of the last row written.
type Cursor interface {
	LastCompletedRow(ctx context.Context) (int, error)
	SetLastCompletedRow(ctx context.Context, row int) error
}

// Writer stores documents.
type Writer interface {
	AddDocuments(ctx context.Context, docs []domain.Document) ([]string, error)
}

// Result summarizes one run.
type Result struct {
	Indexed int
	Skipped int
	LastRow int
}

// Indexer reads JSON documents ({"content": ..., "metadata": {...}}), one per
// row, and writes them in batches. Rows are numbered from zero in input order.
type Indexer struct {
	writer    Writer
	cursor    Cursor
	batchSize int
	logger    *slog.Logger
}

// NewIndexer returns an Indexer. A non-positive batchSize uses 50.
func NewIndexer(w Writer, c Cursor, batchSize int, logger *slog.Logger) (*Indexer, error) {
	if w == nil {
		return nil, errors.New("ingest: writer must not be nil")
	}
	if c == nil {
		return nil, errors.New("ingest: cursor must not be nil")
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Indexer{writer: w, cursor: c, batchSize: batchSize, logger: logger}, nil
}

// Reset clears the cursor so the next run starts from the first row.
func (ix *Indexer) Reset(ctx context.Context) error {
	return ix.cursor.SetLastCompletedRow(ctx, domain.NoCompletedRow)
}

// Run indexes every row after the stored cursor. The cursor advances after
// each committed batch, so a failure loses at most the batch in flight.
func (ix *Indexer) Run(ctx context.Context, r io.Reader) (Result, error) {
	last, err := ix.cursor.LastCompletedRow(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("ingest: read cursor: %w", err)
	}
	res := Result{LastRow: last}
	if last > domain.NoCompletedRow {
		ix.logger.Info("resuming ingest", "after_row", last)
	}

	dec := json.NewDecoder(r)
	batch := make([]domain.Document, 0, ix.batchSize)
	batchEnd := last

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := ix.writer.AddDocuments(ctx, batch); err != nil {
			return fmt.Errorf("ingest: write rows up to %d: %w", batchEnd, err)
		}
		if err := ix.cursor.SetLastCompletedRow(ctx, batchEnd); err != nil {
			return fmt.Errorf("ingest: save cursor at %d: %w", batchEnd, err)
		}
		res.Indexed += len(batch)
		res.LastRow = batchEnd
		ix.logger.Info("ingest batch committed", "rows", len(batch), "last_row", batchEnd)
		batch = batch[:0]
		return nil
	}

	for row := 0; ; row++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		var doc domain.Document
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, fmt.Errorf("ingest: decode row %d: %w", row, err)
		}
		if row <= last {
			continue
		}
		if strings.TrimSpace(doc.Text) == "" {
			ix.logger.Warn("skipping row without content", "row", row)
			res.Skipped++
			batchEnd = row
			continue
		}
		doc.Score = nil
		batch = append(batch, doc)
		batchEnd = row
		if len(batch) >= ix.batchSize {
			if err := flush(); err != nil {
				return res, err
			}
		}
	}

	if err := flush(); err != nil {
		return res, err
	}
	if batchEnd > res.LastRow {
		// Trailing rows were all skipped.
		if err := ix.cursor.SetLastCompletedRow(ctx, batchEnd); err != nil {
			return res, fmt.Errorf("ingest: save cursor at %d: %w", batchEnd, err)
		}
		res.LastRow = batchEnd
	}
	return res, nil
}
