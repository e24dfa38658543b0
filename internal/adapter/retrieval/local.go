package retrieval

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"
	"github.com/xiaot623/gogo/turnorch/internal/domain"
)

// ChunkStore is the slice of the repository the local index needs.
type ChunkStore interface {
	CreateDocument(ctx context.Context, doc *domain.Document, chunks []domain.Chunk) error
	ListChunks(ctx context.Context, sessionID string) ([]domain.Chunk, error)
}

// Local is a lexical retriever over documents stored in SQLite.
type Local struct {
	store   ChunkStore
	codec   tokenizer.Codec
	size    int
	overlap int
}

// NewLocal creates a local retriever. Chunks are windows of size tokens with
// overlap tokens shared between neighbours.
func NewLocal(store ChunkStore, encoding string, size, overlap int) (*Local, error) {
	if encoding == "" {
		encoding = string(tokenizer.Cl100kBase)
	}
	codec, err := tokenizer.Get(tokenizer.Encoding(encoding))
	if err != nil {
		return nil, errors.Wrapf(err, "load tokenizer %s", encoding)
	}
	if size <= 0 {
		size = 1000
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	return &Local{store: store, codec: codec, size: size, overlap: overlap}, nil
}

// Ingest chunks text and stores it as a document of the session.
func (l *Local) Ingest(ctx context.Context, sessionID, title, text string) (*domain.IngestResponse, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &domain.ValidationError{Message: "document text cannot be empty"}
	}
	if strings.TrimSpace(title) == "" {
		title = "untitled"
	}

	pieces, err := l.split(text)
	if err != nil {
		return nil, err
	}

	doc := &domain.Document{
		DocumentID: domain.NewID("doc"),
		SessionID:  sessionID,
		Title:      title,
		CreatedAt:  time.Now().UTC(),
	}
	chunks := make([]domain.Chunk, 0, len(pieces))
	for i, p := range pieces {
		chunks = append(chunks, domain.Chunk{
			ChunkID:    domain.NewID("chk"),
			DocumentID: doc.DocumentID,
			Index:      i,
			Text:       p.text,
			TokenCount: p.tokens,
		})
	}
	if err := l.store.CreateDocument(ctx, doc, chunks); err != nil {
		return nil, errors.Wrap(err, "store document")
	}

	log.Info().Str("session_id", sessionID).Str("document_id", doc.DocumentID).Int("chunks", len(chunks)).Msg("Document ingested")
	return &domain.IngestResponse{DocumentID: doc.DocumentID, Chunks: len(chunks)}, nil
}

type piece struct {
	text   string
	tokens int
}

// split cuts text into overlapping token windows.
func (l *Local) split(text string) ([]piece, error) {
	ids, _, err := l.codec.Encode(text)
	if err != nil {
		return nil, errors.Wrap(err, "tokenize document")
	}
	if len(ids) == 0 {
		return []piece{{text: text}}, nil
	}

	var out []piece
	for start := 0; start < len(ids); {
		end := start + l.size
		if end > len(ids) {
			end = len(ids)
		}
		decoded, err := l.codec.Decode(ids[start:end])
		if err != nil {
			return nil, errors.Wrap(err, "detokenize chunk")
		}
		out = append(out, piece{text: decoded, tokens: end - start})
		if end == len(ids) {
			break
		}
		start = end - l.overlap
	}
	return out, nil
}

// Retrieve scores every chunk of the session against the query.
func (l *Local) Retrieve(ctx context.Context, sessionID, query string, topK int) ([]domain.RetrievedChunk, error) {
	chunks, err := l.store.ListChunks(ctx, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "list chunks")
	}

	queryTerms := terms(query)
	var results []domain.RetrievedChunk
	for _, c := range chunks {
		s := lexicalScore(queryTerms, terms(c.Text))
		if s <= 0 {
			continue
		}
		results = append(results, domain.RetrievedChunk{
			ChunkID:        c.ChunkID,
			SourceDocument: c.Title,
			Text:           c.Text,
			Score:          s,
		})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// lexicalScore is |q∩t| / sqrt(|q|·|t|) over distinct terms.
func lexicalScore(query, text map[string]struct{}) float64 {
	if len(query) == 0 || len(text) == 0 {
		return 0
	}
	shared := 0
	for term := range query {
		if _, ok := text[term]; ok {
			shared++
		}
	}
	if shared == 0 {
		return 0
	}
	return float64(shared) / math.Sqrt(float64(len(query)*len(text)))
}

func terms(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range strings.Fields(s) {
		out[strings.ToLower(f)] = struct{}{}
	}
	return out
}
