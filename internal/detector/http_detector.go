package detector

import (
	"context"
	"net/http"
	"time"
)

// DefaultHTTPTimeout bounds a single readiness request.
const DefaultHTTPTimeout = 2 * time.Second

// HTTPDetector treats a 2xx answer from URL as up. Connection failures and any
// other status are "not ready", never an error.
type HTTPDetector struct {
	URL     string
	Timeout time.Duration
	Client  *http.Client
}

func (d HTTPDetector) Alive() (bool, error) {
	return d.Probe(context.Background()), nil
}

// Probe performs one bounded GET against URL.
func (d HTTPDetector) Probe(ctx context.Context) bool {
	if d.URL == "" {
		return false
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return false
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (d HTTPDetector) Describe() string { return "http:" + d.URL }
