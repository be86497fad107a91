package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rollbook/rollbook/internal/protocol"
)

var (
	// ErrOffline is returned by Driver.Run when the Detector reports no
	// connectivity.
	ErrOffline = errors.New("offline")

	// ErrTransport wraps every failure to deliver a batch or read its
	// response: network errors, non-2xx statuses and undecodable bodies.
	ErrTransport = errors.New("sync transport failed")
)

// maxErrorBody bounds how much of a failed response is read.
const maxErrorBody = 64 << 10

// Transport delivers one batch to the reconciliation endpoint.
type Transport interface {
	Send(ctx context.Context, ops []protocol.Operation) (*protocol.SyncResponse, error)
}

// StatusError is a non-2xx response from the sync endpoint.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Code)
	}
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// Unwrap makes errors.Is(err, ErrTransport) hold for status errors.
func (e *StatusError) Unwrap() error { return ErrTransport }

// HTTPTransport POSTs batches as JSON with a bearer token.
type HTTPTransport struct {
	endpoint string
	token    string
	client   *http.Client
}

var _ Transport = (*HTTPTransport)(nil)

// NewHTTPTransport creates a transport for the server at baseURL. A zero
// timeout leaves requests bounded only by the caller's context.
func NewHTTPTransport(baseURL, token string, timeout time.Duration) (*HTTPTransport, error) {
	endpoint, err := endpointURL(baseURL, "/sync")
	if err != nil {
		return nil, err
	}
	return &HTTPTransport{
		endpoint: endpoint,
		token:    token,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, ops []protocol.Operation) (*protocol.SyncResponse, error) {
	if ops == nil {
		ops = []protocol.Operation{}
	}
	body, err := json.Marshal(protocol.SyncRequest{Operations: ops})
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(resp)
	}

	var out protocol.SyncResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: failed to decode response: %v", ErrTransport, err)
	}
	return &out, nil
}

func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	se := &StatusError{Code: resp.StatusCode}
	var eb protocol.ErrorBody
	if err := json.Unmarshal(raw, &eb); err == nil && eb.Message != "" {
		se.Message = eb.Message
	} else {
		se.Message = strings.TrimSpace(string(raw))
	}
	return se
}

func endpointURL(baseURL, path string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("invalid server url %q: scheme must be http or https", baseURL)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid server url %q: missing host", baseURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u.String(), nil
}
