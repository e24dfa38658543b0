// Package retrieval looks up context passages for a conversation turn.
package retrieval

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/xiaot623/gogo/turnorch/internal/domain"
)

// Retriever returns ranked passages for a query. An empty result is not an
// error.
type Retriever interface {
	Retrieve(ctx context.Context, sessionID, query string, topK int) ([]domain.RetrievedChunk, error)
}

// Ingester indexes documents for later retrieval.
type Ingester interface {
	Ingest(ctx context.Context, sessionID, title, text string) (*domain.IngestResponse, error)
}

// None never finds anything.
type None struct{}

// Retrieve implements Retriever.
func (None) Retrieve(context.Context, string, string, int) ([]domain.RetrievedChunk, error) {
	return nil, nil
}

var (
	_ Retriever = None{}
	_ Retriever = (*Local)(nil)
	_ Ingester  = (*Local)(nil)
	_ Retriever = (*HTTP)(nil)
)

// Options selects and configures a backend.
type Options struct {
	Backend      string // local, http or none
	URL          string
	Timeout      time.Duration
	Encoding     string
	ChunkSize    int
	ChunkOverlap int
}

// New builds the configured retriever. The local backend reads and writes
// chunks through store.
func New(opts Options, store ChunkStore) (Retriever, error) {
	switch opts.Backend {
	case "local", "":
		local, err := NewLocal(store, opts.Encoding, opts.ChunkSize, opts.ChunkOverlap)
		if err != nil {
			return nil, err
		}
		return local, nil
	case "http":
		return NewHTTP(opts.URL, opts.Timeout), nil
	case "none":
		return None{}, nil
	}
	return nil, errors.Errorf("unknown retrieval backend %q", opts.Backend)
}
