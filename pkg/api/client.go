// Package api implements the shared client for the commissioning endpoint.
// A single Client is safe for use by many goroutines at once; its rate
// limiter paces their submissions so the endpoint never sees more than the
// configured number of calls per trailing window.
package api

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Adis-cmd/CrptApi/pkg/document"
	"github.com/Adis-cmd/CrptApi/pkg/limiter"
	"github.com/Adis-cmd/CrptApi/pkg/metrics"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const defaultSendTimeout = 10 * time.Second

// Client submits signed documents to a single registration endpoint.
type Client struct {
	// HTTPClient performs the actual sends. Replace or tune it before the
	// first Submit call.
	HTTPClient *http.Client

	endpoint  string
	lim       *limiter.SlidingWindow
	available atomic.Bool

	lg *zap.Logger
	ms *metrics.Prom
}

// Result carries the endpoint's response through to the caller. The body is
// fully read and the connection released before Submit returns.
type Result struct {
	StatusCode int
	Status     string
	Body       []byte
}

// New creates a client that allows at most limit submissions per trailing
// window. lg and ms may be nil for library use without logging or metrics.
func New(window time.Duration, limit int, endpoint string, lg *zap.Logger, ms *metrics.Prom) (*Client, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, errors.New("endpoint cannot be empty")
	}
	var blocked prometheus.Counter
	if ms != nil {
		blocked = ms.BlockedSubmitters
	}
	lim, err := limiter.New(window, limit, blocked)
	if err != nil {
		return nil, errors.Wrap(err, "invalid rate limit configuration")
	}
	if lg == nil {
		lg = zap.NewNop()
	}

	c := &Client{
		HTTPClient: &http.Client{Timeout: defaultSendTimeout},
		endpoint:   endpoint,
		lim:        lim,
		lg:         lg.With(zap.String("endpoint", endpoint)),
		ms:         ms,
	}
	c.available.Store(true)
	return c, nil
}

// Submit validates the document and signature, waits for a rate limiter
// slot, and POSTs the envelope to the endpoint. Validation failures return
// before any blocking or network activity. The admission is charged as soon
// as the slot is granted: a send that fails afterwards does not return it,
// since the quota protects the endpoint's receive rate, not the caller's
// success rate.
func (c *Client) Submit(ctx context.Context, doc *document.Document, signature string) (*Result, error) {
	env, err := document.NewEnvelope(doc, signature)
	if err != nil {
		if c.ms != nil {
			c.ms.ValidationFailures.Inc()
		}
		return nil, err
	}

	waitStart := time.Now()
	if err := c.lim.Acquire(ctx); err != nil {
		return nil, err
	}
	if c.ms != nil {
		c.ms.SubmitWaitDuration.Observe(time.Since(waitStart).Seconds())
		c.ms.LiveGrants.Set(float64(c.lim.Live()))
	}

	body, err := env.Encode()
	if err != nil {
		c.countError()
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		c.countError()
		return nil, errors.Wrap(err, "error building request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		c.countError()
		c.setAvailability(false)
		c.lg.Warn("error sending document", zap.Error(err))
		return nil, errors.Wrap(err, "error sending document")
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.lg.Warn("error closing response body", zap.Error(cerr))
		}
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.countError()
		return nil, errors.Wrap(err, "error reading response")
	}

	if c.ms != nil {
		c.ms.OutDocs.Inc()
	}
	c.setAvailability(true)

	return &Result{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       respBody,
	}, nil
}

// IsAvailable tells if the endpoint responded to the most recent send or
// probe.
func (c *Client) IsAvailable() bool {
	return c.available.Load()
}

// Probe checks that the endpoint is reachable without consuming a rate
// limiter slot and records the result.
func (c *Client) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return errors.Wrap(err, "error building probe request")
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		c.setAvailability(false)
		return errors.Wrap(err, "endpoint unreachable")
	}
	if cerr := resp.Body.Close(); cerr != nil {
		c.lg.Warn("error closing probe response body", zap.Error(cerr))
	}
	c.setAvailability(true)
	return nil
}

func (c *Client) countError() {
	if c.ms != nil {
		c.ms.ErrorDocs.Inc()
	}
}

func (c *Client) setAvailability(val bool) {
	c.available.Store(val)
}
