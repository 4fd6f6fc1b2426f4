// Package lava resolves the Tradefed results archive of a LAVA test job.
//
// LAVA exposes job results through a paginated REST API and through the
// older XML-RPC interface; a backend uses one or the other. Either way the
// archive is referenced by the metadata of a "test-attachment" test.
package lava

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/metrics"
)

var (
	// ErrUnavailable is returned when the first request of a walk fails.
	ErrUnavailable = errors.New("lava api unavailable")

	// ErrNotFound is returned when no results archive is referenced by a job.
	ErrNotFound = errors.New("results archive not found")
)

// ParseError reports a payload that could not be decoded.
type ParseError struct {
	What string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse %s: %v", e.What, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ClientConfig holds the HTTP settings shared by the LAVA APIs and the
// archive download.
type ClientConfig struct {
	// Timeout bounds every request, including archive downloads.
	Timeout time.Duration

	// RetryCount is the number of retries on transport errors, 429 and 5xx.
	RetryCount int

	RetryWait    time.Duration
	RetryMaxWait time.Duration

	// RequestsPerSecond throttles requests per client; zero disables it.
	RequestsPerSecond float64

	Logger *slog.Logger
}

// DefaultClientConfig mirrors the retry policy LAVA deployments expect.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:      5 * time.Minute,
		RetryCount:   5,
		RetryWait:    time.Second,
		RetryMaxWait: 30 * time.Second,
	}
}

var retryStatuses = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// newHTTPClient builds a resty client with retries and rate limiting.
func newHTTPClient(cfg ClientConfig, api string) *resty.Client {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	limiter := rate.NewLimiter(limit, 1)

	client := resty.New().
		SetHeader("User-Agent", "go-tradefed/1.0").
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(cfg.RetryMaxWait).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil {
				return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
			}
			return retryStatuses[resp.StatusCode()]
		})

	client.OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
		return limiter.Wait(r.Context())
	})
	client.OnAfterResponse(func(_ *resty.Client, resp *resty.Response) error {
		metrics.LavaRequests.WithLabelValues(api, strconv.Itoa(resp.StatusCode())).Inc()
		return nil
	})
	return client
}

// Backend identifies a LAVA server.
type Backend struct {
	// URL is the XML-RPC endpoint, e.g. https://lava.example.com/RPC2/.
	URL string

	// Token is sent as "Authorization: Token {token}".
	Token string

	UseXMLRPC bool
}

// APIBase returns the REST API root of the server hosting the XML-RPC
// endpoint.
func (b Backend) APIBase() (string, error) {
	u, err := url.Parse(b.URL)
	if err != nil {
		return "", errors.Wrapf(err, "failed to parse backend url %q", b.URL)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", errors.Newf("backend url %q is not absolute", b.URL)
	}
	return u.Scheme + "://" + u.Host + "/api/v0.2/", nil
}

func (b Backend) authorize(r *resty.Request) *resty.Request {
	if b.Token != "" {
		r.SetHeader("Authorization", "Token "+b.Token)
	}
	return r
}
