// Package client provides the outbound HTTP client used to reach target sites.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"frameproxy/internal/config"
	"frameproxy/internal/metrics"
	"frameproxy/internal/model"
	"frameproxy/internal/target"
)

// ErrUpstreamTimeout is returned when the upstream did not answer within the
// configured deadline. The outbound request is aborted when it fires.
var ErrUpstreamTimeout = errors.New("upstream request aborted: deadline exceeded")

// UpstreamClient sends requests to target sites.
type UpstreamClient struct {
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling, a
// redirect policy that re-checks every hop against the blocklist and, when
// blocklist.check_resolved is set, a dial guard for resolved addresses.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, blocklist *target.Blocklist, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	if blocklist != nil && cfg.Blocklist.CheckResolved != nil && *cfg.Blocklist.CheckResolved {
		dialer.Control = blocklist.DialControl
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
		DialContext:         dialer.DialContext,
	}

	maxRedirects := cfg.Upstream.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = 10
	}
	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", len(via))
				}
				if blocklist != nil && blocklist.BlocksHost(req.URL.Hostname()) {
					return fmt.Errorf("redirect to %s: %w", req.URL.Hostname(), target.ErrForbiddenHost)
				}
				return nil
			},
		},
		timeout: time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}
}

// Do executes a request against the upstream and returns the raw response.
// The caller is responsible for closing the response body.
//
// The request is bound to ctx: when the inbound client disconnects, the
// upstream request is canceled too. A deadline is armed for the configured
// timeout; it covers the whole exchange unless the caller disarms it through
// UpstreamResponse.StopTimeout. Closing the body releases the request.
func (c *UpstreamClient) Do(ctx context.Context, method, rawURL string, header http.Header, body io.Reader) (*model.UpstreamResponse, error) {
	ctx, cancel := context.WithCancel(ctx)

	var timedOut atomic.Bool
	var timer *time.Timer
	if c.timeout > 0 {
		timer = time.AfterFunc(c.timeout, func() {
			timedOut.Store(true)
			cancel()
		})
	}
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
	}
	release := func() {
		stopTimer()
		cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		release()
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header

	c.logger.Debug("upstream request",
		"method", method,
		"host", req.URL.Host,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via UpstreamResponse
	duration := time.Since(start).Seconds()

	metricMethod := metrics.NormalizeMethod(method)
	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(metricMethod).Observe(duration)
	}

	if err != nil {
		release()
		if timedOut.Load() {
			return nil, fmt.Errorf("%w after %s", ErrUpstreamTimeout, c.timeout)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(metricMethod, strconv.Itoa(resp.StatusCode)).Inc()
	}

	return &model.UpstreamResponse{
		StatusCode:  resp.StatusCode,
		Status:      resp.Status,
		Header:      resp.Header,
		Body:        &releasingBody{ReadCloser: resp.Body, release: release, timedOut: &timedOut},
		FinalURL:    resp.Request.URL,
		StopTimeout: stopTimer,
	}, nil
}

// releasingBody cancels the request context once the body is closed and
// reports reads cut short by the deadline as ErrUpstreamTimeout.
type releasingBody struct {
	io.ReadCloser
	release  func()
	timedOut *atomic.Bool
	once     sync.Once
}

func (b *releasingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil && err != io.EOF && b.timedOut.Load() {
		return n, fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	return n, err
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}
