package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/xiaot623/gogo/turnorch/internal/domain"
)

// apiClient talks to the v1 HTTP API of a running server.
type apiClient struct {
	baseURL    string
	httpClient *http.Client
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	RunID string `json:"run_id,omitempty"`
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Minute},
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "marshal request")
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			if apiErr.RunID != "" {
				return errors.Errorf("%s (%s, run %s)", apiErr.Error, apiErr.Code, apiErr.RunID)
			}
			return errors.Errorf("%s (%s)", apiErr.Error, apiErr.Code)
		}
		return errors.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], data...)
		return nil
	}
	return errors.Wrap(json.Unmarshal(data, out), "decode response")
}

func (c *apiClient) createSession(ctx context.Context) (*domain.Session, error) {
	var session domain.Session
	if err := c.do(ctx, http.MethodPost, "/v1/sessions", domain.CreateSessionRequest{}, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (c *apiClient) messages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	var body struct {
		Messages []domain.Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(sessionID)+"/messages", nil, &body); err != nil {
		return nil, err
	}
	return body.Messages, nil
}

// streamURL maps the server base URL to the session's websocket endpoint.
func (c *apiClient) streamURL(sessionID string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", errors.Wrap(err, "parse server url")
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/sessions/" + url.PathEscape(sessionID) + "/stream"
	return u.String(), nil
}
