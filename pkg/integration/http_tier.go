package integration

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

// HTTPTier reaches the backend over HTTP POST. Server-side (5xx) and
// network errors are transient; client-side (4xx) errors are permanent
// since retrying the same request cannot fix them.
type HTTPTier struct {
	id       string
	endpoint string
	client   *http.Client
	headers  map[string]string
}

// NewHTTPTier builds an HTTP tier posting operations to endpoint.
// A nil client uses http.DefaultClient.
func NewHTTPTier(id, endpoint string, client *http.Client) *HTTPTier {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTier{id: id, endpoint: endpoint, client: client, headers: map[string]string{}}
}

// SetHeader adds a static header to every request, e.g. tier credentials.
func (t *HTTPTier) SetHeader(key, value string) {
	t.headers[key] = value
}

func (t *HTTPTier) ID() string { return t.id }

func (t *HTTPTier) Invoke(ctx context.Context, op Operation) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(op.Payload))
	if err != nil {
		return nil, Permanent(fmt.Errorf("build request for %s: %w", op.OperationID, err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Operation-ID", op.OperationID)
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, Transient(fmt.Errorf("tier %s: %w", t.id, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, Transient(fmt.Errorf("tier %s: read response: %w", t.id, err))
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return &Response{TierID: t.id, Payload: body}, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, Transient(fmt.Errorf("tier %s: status %d", t.id, resp.StatusCode))
	default:
		return nil, Permanent(fmt.Errorf("tier %s: status %d", t.id, resp.StatusCode))
	}
}
