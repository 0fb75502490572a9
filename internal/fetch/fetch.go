// Package fetch retrieves tile and manifest bytes from signed URLs.
package fetch

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
	"github.com/jpillora/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	// ErrExpired marks a rejected signature. Callers re-sign and retry.
	ErrExpired = errors.New("signed url rejected")
	// ErrNotFound marks a missing object.
	ErrNotFound = errors.New("object not found")
)

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return "unexpected status " + strconv.Itoa(e.Code) + " " + http.StatusText(e.Code)
}

// Options configures a Fetcher.
type Options struct {
	// RequestsPerSecond bounds the request rate across all callers.
	// Zero disables limiting.
	RequestsPerSecond float64
	Burst             int
	MaxRetries        int
	Timeout           time.Duration
	Client            *http.Client
	Logger            *zap.Logger
	Registerer        prometheus.Registerer
}

// Fetcher performs rate-limited GETs with retries.
type Fetcher struct {
	client     *http.Client
	limiter    *rate.Limiter
	maxRetries int
	minBackoff time.Duration
	maxBackoff time.Duration
	logger     *zap.Logger

	requests *prometheus.CounterVec
	latency  prometheus.Histogram
}

// New returns a Fetcher.
func New(opts Options) *Fetcher {
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = int(opts.RequestsPerSecond)
			if burst < 1 {
				burst = 1
			}
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Fetcher{
		client:     client,
		limiter:    limiter,
		maxRetries: opts.MaxRetries,
		minBackoff: 100 * time.Millisecond,
		maxBackoff: 5 * time.Second,
		logger:     logger,
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vecmap_fetch_requests_total",
				Help: "Number of object fetches by outcome.",
			},
			[]string{"outcome"},
		),
		latency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "vecmap_fetch_duration_seconds",
			Help:    "Duration of successful object fetches.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Get returns the body at rawURL. file:// URLs are read from disk.
// Server errors and transport failures are retried with exponential backoff;
// 401 and 403 fail with ErrExpired and 404 with ErrNotFound.
func (f *Fetcher) Get(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrapf(err, "parse url")
	}
	if u.Scheme == "file" {
		return f.readFile(u.Path)
	}

	b := &backoff.Backoff{
		Min:    f.minBackoff,
		Max:    f.maxBackoff,
		Factor: 2,
		Jitter: true,
	}
	start := time.Now()
	for attempt := 0; ; attempt++ {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		data, err := f.do(ctx, u.String())
		if err == nil {
			f.requests.WithLabelValues("ok").Inc()
			f.latency.Observe(time.Since(start).Seconds())
			return data, nil
		}
		if !retryable(err) || attempt >= f.maxRetries || ctx.Err() != nil {
			f.requests.WithLabelValues(outcome(err)).Inc()
			return nil, err
		}
		wait := b.Duration()
		f.logger.Debug("retrying fetch",
			zap.String("host", u.Host),
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// GetText returns the body at rawURL as a string.
func (f *Fetcher) GetText(ctx context.Context, rawURL string) (string, error) {
	b, err := f.Get(ctx, rawURL)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (f *Fetcher) do(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "http get")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, errors.Mark(&StatusError{Code: resp.StatusCode}, ErrExpired)
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, errors.Mark(&StatusError{Code: resp.StatusCode}, ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{Code: resp.StatusCode}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read body")
	}
	return data, nil
}

func (f *Fetcher) readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if oserror.IsNotExist(err) {
			f.requests.WithLabelValues("not_found").Inc()
			return nil, errors.Mark(errors.Wrapf(err, "read %s", path), ErrNotFound)
		}
		f.requests.WithLabelValues("error").Inc()
		return nil, errors.Wrapf(err, "read %s", path)
	}
	f.requests.WithLabelValues("ok").Inc()
	return data, nil
}

func retryable(err error) bool {
	if errors.Is(err, ErrExpired) || errors.Is(err, ErrNotFound) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	return true
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	}
	return "error"
}
