package proxy

import (
	"bytes"
	"io"
	"math/rand"
	"net/http"
	"time"
)

// RetryConfig tunes retries of upstream round trips.
type RetryConfig struct {
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterPercent float64
}

func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:    2,
		BaseDelay:     200 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2.0,
		JitterPercent: 10.0,
	}
}

// retryRoundTripper retries transport errors of idempotent requests. Status
// codes are never retried: the browser must see what the server answered.
type retryRoundTripper struct {
	base http.RoundTripper
	cfg  *RetryConfig
}

func newRetryRoundTripper(base http.RoundTripper, cfg *RetryConfig) http.RoundTripper {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	return &retryRoundTripper{base: base, cfg: cfg}
}

func (rt *retryRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if !idempotent(req.Method) {
		return rt.base.RoundTrip(req)
	}

	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		b, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, err
		}
		body = b
	}

	var resp *http.Response
	var err error
	for attempt := 0; ; attempt++ {
		if body != nil {
			req.Body = io.NopCloser(bytes.NewReader(body))
		}
		resp, err = rt.base.RoundTrip(req)
		if err == nil || attempt >= rt.cfg.MaxRetries {
			return resp, err
		}
		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(rt.delay(attempt)):
		}
	}
}

func (rt *retryRoundTripper) delay(attempt int) time.Duration {
	d := float64(rt.cfg.BaseDelay)
	for i := 0; i < attempt; i++ {
		d *= rt.cfg.BackoffFactor
	}
	if max := float64(rt.cfg.MaxDelay); rt.cfg.MaxDelay > 0 && d > max {
		d = max
	}
	if rt.cfg.JitterPercent > 0 {
		jitter := d * rt.cfg.JitterPercent / 100
		d += (rand.Float64()*2 - 1) * jitter
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}
