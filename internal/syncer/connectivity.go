package syncer

import (
	"context"
	"net/http"
	"time"
)

// Detector reports whether the server is reachable.
type Detector interface {
	Online(ctx context.Context) bool
}

// Static is a Detector with a fixed answer.
type Static bool

// Online implements Detector.
func (s Static) Online(context.Context) bool { return bool(s) }

// DetectorFunc adapts a function to a Detector.
type DetectorFunc func(ctx context.Context) bool

// Online implements Detector.
func (f DetectorFunc) Online(ctx context.Context) bool { return f(ctx) }

// Probe considers the server online when GET /health answers 2xx.
type Probe struct {
	url    string
	client *http.Client
}

// NewProbe creates a Probe for the server at baseURL. An invalid URL yields a
// probe that always reports offline.
func NewProbe(baseURL string, timeout time.Duration) *Probe {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	u, err := endpointURL(baseURL, "/health")
	if err != nil {
		u = ""
	}
	return &Probe{url: u, client: &http.Client{Timeout: timeout}}
}

// Online implements Detector.
func (p *Probe) Online(ctx context.Context) bool {
	if p.url == "" {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
