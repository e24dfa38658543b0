package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"sync"

	"github.com/pkg/errors"
	"github.com/xiaot623/gogo/turnorch/internal/domain"
)

const maxErrorBody = 4096

// httpOutcome records a non-2xx answer seen while serving one request. The
// MCP client only reports those as text.
type httpOutcome struct {
	mu     sync.Mutex
	status int
	body   string
}

type outcomeKey struct{}

func withOutcome(ctx context.Context) (context.Context, *httpOutcome) {
	o := &httpOutcome{}
	return context.WithValue(ctx, outcomeKey{}, o), o
}

func (o *httpOutcome) set(status int, body string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status, o.body = status, body
}

// remote returns the recorded answer as a RemoteError, or nil.
func (o *httpOutcome) remote(server string) *domain.RemoteError {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status == 0 {
		return nil
	}
	return &domain.RemoteError{Server: server, Status: o.status, Body: o.body}
}

// watchTransport sits under the MCP client's http.Client. It copies non-2xx
// answers into the request's httpOutcome and reports the end of long-lived
// event streams.
type watchTransport struct {
	base        http.RoundTripper
	onStreamEnd func(error)
}

func newWatchedClient(base *http.Client, onStreamEnd func(error)) *http.Client {
	rt := base.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	return &http.Client{
		Transport:     &watchTransport{base: rt, onStreamEnd: onStreamEnd},
		CheckRedirect: base.CheckRedirect,
		Jar:           base.Jar,
		Timeout:       base.Timeout,
	}
}

func (w *watchTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := w.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if o, ok := req.Context().Value(outcomeKey{}).(*httpOutcome); ok {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			resp.Body.Close()
			o.set(resp.StatusCode, string(body))
			resp.Body = io.NopCloser(bytes.NewReader(body))
		}
		return resp, nil
	}
	if w.onStreamEnd != nil && req.Method == http.MethodGet && isEventStream(resp) {
		resp.Body = &streamBody{ReadCloser: resp.Body, done: w.onStreamEnd}
	}
	return resp, nil
}

func isEventStream(resp *http.Response) bool {
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return mediaType == "text/event-stream"
}

// streamBody calls done once, when the stream fails or is closed.
type streamBody struct {
	io.ReadCloser
	once sync.Once
	done func(error)
}

func (b *streamBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil {
		if err == io.EOF {
			err = errors.New("event stream closed")
		}
		b.once.Do(func() { b.done(err) })
	}
	return n, err
}

func (b *streamBody) Close() error {
	b.once.Do(func() { b.done(errors.New("event stream closed")) })
	return b.ReadCloser.Close()
}

// httpFailure maps an error from the MCP HTTP client onto the domain errors.
func httpFailure(ctx context.Context, server string, outcome *httpOutcome, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if remote := outcome.remote(server); remote != nil {
		return remote
	}
	var syntax *json.SyntaxError
	if errors.As(err, &syntax) {
		return &domain.ProtocolError{Server: server, Message: "invalid JSON response: " + err.Error()}
	}
	return &domain.TransportError{Server: server, Cause: err}
}

func headerMap(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
