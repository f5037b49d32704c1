// Package alegra is a rate-limit aware client for the Alegra invoices endpoint.
package alegra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/dvloznov/invoice-ingest/internal/config"
	"github.com/dvloznov/invoice-ingest/internal/logger"
)

// FailureKind classifies why a request attempt did not produce invoices.
type FailureKind int

const (
	// RateLimited is an HTTP 429; retried after the cooldown.
	RateLimited FailureKind = iota + 1
	// Network covers transport errors, timeouts and undecodable bodies; retried after a short delay.
	Network
	// Status is any other non-2xx response; never retried.
	Status
)

func (k FailureKind) String() string {
	switch k {
	case RateLimited:
		return "rate_limited"
	case Network:
		return "network"
	case Status:
		return "status"
	default:
		return "unknown"
	}
}

// FetchError is returned when a request gives up.
type FetchError struct {
	Kind       FailureKind
	StatusCode int
	Attempts   int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s failure (status %d) after %d attempt(s): %v", e.Kind, e.StatusCode, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s failure after %d attempt(s): %v", e.Kind, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// KindOf returns the failure kind carried by err, or 0 when err is not a FetchError.
func KindOf(err error) FailureKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}

// Client performs authenticated GET requests against the invoices endpoint.
type Client struct {
	baseURL     *url.URL
	token       string
	http        *http.Client
	limiter     *rate.Limiter
	maxAttempts int
	cooldown    time.Duration
	netDelay    time.Duration
	timer       backoff.Timer
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimer replaces the timer used between attempts.
func WithTimer(t backoff.Timer) Option {
	return func(c *Client) { c.timer = t }
}

// NewClient builds a Client from the API and fetch configuration.
func NewClient(api config.APIConfig, fetch config.FetchConfig, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(api.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("NewClient: parsing base url: %w", err)
	}
	c := &Client{
		baseURL:     base,
		token:       api.Token,
		http:        &http.Client{Timeout: api.RequestTimeout},
		maxAttempts: fetch.MaxAttempts,
		cooldown:    fetch.RateLimitCooldown,
		netDelay:    fetch.NetworkRetryDelay,
	}
	if c.maxAttempts < 1 {
		c.maxAttempts = 1
	}
	if fetch.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(fetch.RequestsPerSecond), 1)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// FetchPage returns the invoices at [offset, offset+limit) ordered by ascending id.
// A nil slice with a *FetchError means the page is lost for this run.
func (c *Client) FetchPage(ctx context.Context, offset, limit int64) ([]Invoice, error) {
	q := url.Values{}
	q.Set("start", strconv.FormatInt(offset, 10))
	q.Set("order_direction", "ASC")
	q.Set("order_field", "id")
	q.Set("limit", strconv.FormatInt(limit, 10))

	log := logger.FromContext(ctx).With().Int64("start", offset).Logger()
	invoices, err := c.getInvoices(ctx, log, q)
	if err != nil {
		log.Error().Err(err).Msg("page abandoned")
		return nil, err
	}
	log.Info().Int("invoices", len(invoices)).Msg("page fetched")
	return invoices, nil
}

// LatestInvoiceID returns the id of the most recent invoice dated on or before asOf.
// ok is false when the API has no such invoice.
func (c *Client) LatestInvoiceID(ctx context.Context, asOf civil.Date) (int64, bool, error) {
	q := url.Values{}
	q.Set("date_beforeOrNow", asOf.String())
	q.Set("order_direction", "DESC")
	q.Set("limit", "1")

	log := logger.FromContext(ctx).With().Str("as_of", asOf.String()).Logger()
	invoices, err := c.getInvoices(ctx, log, q)
	if err != nil {
		return 0, false, fmt.Errorf("LatestInvoiceID: %w", err)
	}
	if len(invoices) == 0 {
		return 0, false, nil
	}
	id, err := invoices[0].ID.Int64()
	if err != nil {
		return 0, false, fmt.Errorf("LatestInvoiceID: invalid invoice id: %w", err)
	}
	return id, true, nil
}

// getInvoices runs one request under the retry policy. The delay before the next
// attempt depends on the kind of the last failure.
func (c *Client) getInvoices(ctx context.Context, log zerolog.Logger, q url.Values) ([]Invoice, error) {
	u := c.baseURL.JoinPath("invoices")
	u.RawQuery = q.Encode()
	endpoint := u.String()

	var (
		result   []Invoice
		attempt  int
		lastKind FailureKind
		lastCode int
	)
	policy := &kindBackOff{last: &lastKind, cooldown: c.cooldown, network: c.netDelay}

	op := func() error {
		attempt++
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		invoices, code, kind, err := c.do(ctx, endpoint)
		lastKind, lastCode = kind, code
		if err == nil {
			result = invoices
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if kind == Status {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", c.maxAttempts).
			Stringer("kind", lastKind).
			Dur("wait", wait).
			Msg("request failed, retrying")
	}

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.maxAttempts-1)), ctx)
	if err := backoff.RetryNotifyWithTimer(op, b, notify, c.timer); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, &FetchError{Kind: lastKind, StatusCode: lastCode, Attempts: attempt, Err: err}
	}
	return result, nil
}

// do performs a single attempt and classifies its failure.
func (c *Client) do(ctx context.Context, endpoint string) ([]Invoice, int, FailureKind, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, Status, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("accept", "application/json")
	req.Header.Set("authorization", "Basic "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, Network, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, resp.StatusCode, RateLimited, errors.New("rate limited")
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, resp.StatusCode, Status, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var invoices []Invoice
	if err := json.NewDecoder(resp.Body).Decode(&invoices); err != nil {
		return nil, resp.StatusCode, Network, fmt.Errorf("decoding response: %w", err)
	}
	return invoices, resp.StatusCode, 0, nil
}

// kindBackOff waits the rate-limit cooldown after a 429 and the network delay after
// anything else.
type kindBackOff struct {
	last     *FailureKind
	cooldown time.Duration
	network  time.Duration
}

func (b *kindBackOff) NextBackOff() time.Duration {
	if *b.last == RateLimited {
		return b.cooldown
	}
	return b.network
}

func (b *kindBackOff) Reset() {}
