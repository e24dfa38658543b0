package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/xiaot623/gogo/turnorch/internal/domain"
)

// HTTP asks an external retrieval service.
type HTTP struct {
	url        string
	httpClient *http.Client
}

// NewHTTP creates a retriever posting to url.
func NewHTTP(url string, timeout time.Duration) *HTTP {
	return &HTTP{url: url, httpClient: &http.Client{Timeout: timeout}}
}

type httpQuery struct {
	Query     string `json:"query"`
	TopK      int    `json:"top_k"`
	SessionID string `json:"session_id"`
}

type httpResults struct {
	Results []struct {
		Text    string  `json:"text"`
		Source  string  `json:"source"`
		Score   float64 `json:"score"`
		ChunkID string  `json:"chunk_id"`
	} `json:"results"`
}

// Retrieve implements Retriever.
func (h *HTTP) Retrieve(ctx context.Context, sessionID, query string, topK int) ([]domain.RetrievedChunk, error) {
	body, err := json.Marshal(httpQuery{Query: query, TopK: topK, SessionID: sessionID})
	if err != nil {
		return nil, errors.Wrap(err, "marshal query")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, &domain.TransportError{Server: "retrieval", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &domain.RemoteError{Server: "retrieval", Status: resp.StatusCode, Body: string(b)}
	}

	var decoded httpResults
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, &domain.ProtocolError{Server: "retrieval", Message: err.Error()}
	}

	out := make([]domain.RetrievedChunk, 0, len(decoded.Results))
	for _, r := range decoded.Results {
		out = append(out, domain.RetrievedChunk{
			ChunkID:        r.ChunkID,
			SourceDocument: r.Source,
			Text:           r.Text,
			Score:          r.Score,
		})
	}
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}
