// Package retriever returns the documents most relevant to a query.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"restaurant-rag/internal/domain"
)

// DefaultK is the number of documents returned when k is not positive.
const DefaultK = 5

// ErrRetrieval wraps every vector store failure.
var ErrRetrieval = errors.New("retriever: retrieval failed")

// VectorSearcher is the vector store capability the retriever needs.
type VectorSearcher interface {
	SimilaritySearch(ctx context.Context, query string, k int) ([]domain.Document, error)
}

// Retriever performs top-k similarity search. It never retries.
type Retriever struct {
	store    VectorSearcher
	defaultK int
	timeout  time.Duration
}

// New returns a Retriever. A non-positive defaultK uses DefaultK; a zero
// timeout leaves the caller's deadline in charge.
func New(store VectorSearcher, defaultK int, timeout time.Duration) (*Retriever, error) {
	if store == nil {
		return nil, errors.New("retriever: store must not be nil")
	}
	if defaultK <= 0 {
		defaultK = DefaultK
	}
	return &Retriever{store: store, defaultK: defaultK, timeout: timeout}, nil
}

// Retrieve returns at most k documents, most relevant first. Documents
// without a score keep their store order after the scored ones.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int) ([]domain.Document, error) {
	if k <= 0 {
		k = r.defaultK
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	docs, err := r.store.SimilaritySearch(ctx, query, k)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRetrieval, err)
	}

	out := make([]domain.Document, len(docs))
	copy(out, docs)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Score, out[j].Score
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return *a > *b
		}
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}
