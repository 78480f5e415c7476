// Package twin is the HTTP client for the AAS repository and the
// operation service. All outbound calls go through per-host circuit
// breakers, transient-only retries with jittered exponential backoff, an
// in-flight semaphore, and optional HMAC request signing.
package twin

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/twinops/twinops/pkg/canonical"
	"github.com/twinops/twinops/pkg/idempotency"
	"github.com/twinops/twinops/pkg/twinerr"
)

var tracer = otel.Tracer("github.com/twinops/twinops/pkg/twin")

// Options configure the client.
type Options struct {
	// BaseURL of the AAS repository, e.g. "http://basyx:8081".
	BaseURL string
	// Submodels to read for Snapshot.
	Submodels []string

	HTTPClient *http.Client

	RetryMaxAttempts     int           // total attempts, default 3
	RetryInitialInterval time.Duration // default 200ms

	BreakerThreshold uint32        // consecutive failures before opening, default 5
	BreakerRecovery  time.Duration // open duration, default 30s
	HalfOpenMaxCalls uint32        // default 1

	JobPollInitial time.Duration // default 250ms
	JobPollMax     time.Duration // default 5s

	MaxConcurrency int64 // in-flight invocations, default 8

	// HMACSecret enables request signing when non-empty.
	HMACSecret []byte

	// Idem, when set, short-circuits replays and records terminal results.
	Idem idempotency.Store

	Logger *slog.Logger
}

// Client talks to the twin. Safe for concurrent use.
type Client struct {
	base string
	http *http.Client
	opts Options
	log  *slog.Logger
	sem  *semaphore.Weighted

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewClient validates options and builds a Client.
func NewClient(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("twin: base URL is required")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.RetryMaxAttempts <= 0 {
		opts.RetryMaxAttempts = 3
	}
	if opts.RetryInitialInterval <= 0 {
		opts.RetryInitialInterval = 200 * time.Millisecond
	}
	if opts.BreakerThreshold == 0 {
		opts.BreakerThreshold = 5
	}
	if opts.BreakerRecovery <= 0 {
		opts.BreakerRecovery = 30 * time.Second
	}
	if opts.HalfOpenMaxCalls == 0 {
		opts.HalfOpenMaxCalls = 1
	}
	if opts.JobPollInitial <= 0 {
		opts.JobPollInitial = 250 * time.Millisecond
	}
	if opts.JobPollMax <= 0 {
		opts.JobPollMax = 5 * time.Second
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 8
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		base:     strings.TrimRight(opts.BaseURL, "/"),
		http:     opts.HTTPClient,
		opts:     opts,
		log:      opts.Logger,
		sem:      semaphore.NewWeighted(opts.MaxConcurrency),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}, nil
}

// encodeID applies the AAS convention: identifiers travel in URLs as
// base64url without padding.
func encodeID(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

// ReadValue reads one submodel element's value.
func (c *Client) ReadValue(ctx context.Context, submodelID, path string) (any, error) {
	u := fmt.Sprintf("%s/submodels/%s/submodel-elements/%s/$value",
		c.base, encodeID(submodelID), escapePath(path))
	var out any
	if err := c.getJSON(ctx, u, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Snapshot reads the full value of every configured submodel, flattening
// nested elements into slash-joined paths. Implements shadow.Snapshotter.
func (c *Client) Snapshot(ctx context.Context) (map[string]map[string]any, error) {
	out := make(map[string]map[string]any, len(c.opts.Submodels))
	for _, sm := range c.opts.Submodels {
		u := fmt.Sprintf("%s/submodels/%s/$value", c.base, encodeID(sm))
		var values map[string]any
		if err := c.getJSON(ctx, u, &values); err != nil {
			return nil, fmt.Errorf("snapshot of %s: %w", sm, err)
		}
		flat := make(map[string]any)
		flattenValues("", values, flat)
		out[sm] = flat
	}
	return out, nil
}

// flattenValues turns the nested ValueOnly document into path keys:
// {"Pump":{"Speed":10}} becomes {"Pump/Speed":10}. Leaves and arrays stay
// as-is.
func flattenValues(prefix string, in map[string]any, out map[string]any) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "/" + k
		}
		if nested, ok := v.(map[string]any); ok {
			flattenValues(key, nested, out)
			continue
		}
		out[key] = v
	}
}

// SubmodelMetadata reads the full submodel document (elements, qualifiers,
// operation signatures), as opposed to the ValueOnly reads above. The
// caller decodes it into its catalog types.
func (c *Client) SubmodelMetadata(ctx context.Context, submodelID string) (json.RawMessage, error) {
	u := fmt.Sprintf("%s/submodels/%s", c.base, encodeID(submodelID))
	var out json.RawMessage
	if err := c.getJSON(ctx, u, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Fingerprint binds an idempotency key to the exact invocation.
func Fingerprint(tool string, args map[string]any, simulate bool, key string) string {
	h, err := canonical.Hash(map[string]any{
		"tool":     tool,
		"args":     args,
		"simulate": simulate,
		"key":      key,
	})
	if err != nil {
		return ""
	}
	return h
}

// Invoke runs an operation. A non-empty idemKey makes the call replay-safe:
// a repeat with the same key and arguments returns the recorded result
// without touching the twin again.
func (c *Client) Invoke(ctx context.Context, op OperationRef, args map[string]any, simulate bool, idemKey string) (*Result, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, twinerr.Wrap(twinerr.CodeExecutionTimeout, err, "waiting for invocation slot")
	}
	defer c.sem.Release(1)

	ctx, span := tracer.Start(ctx, "twin.Invoke", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("twin.operation", op.Name),
		attribute.Bool("twin.simulate", simulate),
	)
	defer span.End()

	fp := Fingerprint(op.Name, args, simulate, idemKey)
	if c.opts.Idem != nil && idemKey != "" {
		rec, err := idempotency.Check(ctx, c.opts.Idem, idemKey, fp)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			var res Result
			if err := json.Unmarshal(rec.Result, &res); err == nil {
				c.log.Info("invocation replayed from idempotency store",
					"operation", op.Name, "key", idemKey)
				return &res, nil
			}
		}
	}

	var res *Result
	var err error
	if op.DelegationURL != "" {
		res, err = c.invokeDelegated(ctx, op, args, simulate)
	} else {
		res, err = c.invokeDirect(ctx, op, args, simulate)
	}
	if err != nil {
		return nil, err
	}

	if c.opts.Idem != nil && idemKey != "" {
		if perr := c.opts.Idem.Put(ctx, idemKey, idempotency.Record{
			Fingerprint: fp,
			Result:      MarshalResult(res),
			StoredAt:    time.Now().UTC(),
		}); perr != nil {
			// The invocation already happened; a store failure must not turn
			// it into an error, but the replay guarantee is weakened.
			c.log.Warn("failed to record idempotency result",
				"operation", op.Name, "key", idemKey, "error", perr)
		}
	}
	return res, nil
}

func (c *Client) invokeDirect(ctx context.Context, op OperationRef, args map[string]any, simulate bool) (*Result, error) {
	u := fmt.Sprintf("%s/submodels/%s/submodel-elements/%s/invoke",
		c.base, encodeID(op.SubmodelID), escapePath(op.Path))
	body := buildInvokeRequest(args, simulate)

	var resp invokeResponse
	if err := c.postJSON(ctx, u, body, &resp); err != nil {
		return nil, err
	}
	return resp.toResult(simulate), nil
}

// invokeDelegated submits a job to the operation service and polls until
// it reaches a terminal state or the context deadline hits.
func (c *Client) invokeDelegated(ctx context.Context, op OperationRef, args map[string]any, simulate bool) (*Result, error) {
	submitURL := strings.TrimRight(op.DelegationURL, "/") + "/jobs"
	body := buildInvokeRequest(args, simulate)

	var ref jobRef
	if err := c.postJSON(ctx, submitURL, body, &ref); err != nil {
		return nil, err
	}
	if ref.ID == "" {
		return nil, twinerr.New(twinerr.CodeOperationFailed,
			"operation service accepted job for %s but returned no id", op.Name)
	}

	pollURL := submitURL + "/" + url.PathEscape(ref.ID)
	interval := c.opts.JobPollInitial
	for {
		var status jobStatus
		if err := c.getJSON(ctx, pollURL, &status); err != nil {
			return nil, err
		}
		switch status.Status {
		case jobStatusCompleted:
			return status.toResult(simulate), nil
		case jobStatusFailed:
			res := status.toResult(simulate)
			res.Success = false
			return res, nil
		case jobStatusTimeout:
			return nil, twinerr.New(twinerr.CodeExecutionTimeout,
				"operation %s timed out in the operation service", op.Name)
		}

		jitter := time.Duration(rand.Int63n(int64(interval / 4)))
		select {
		case <-ctx.Done():
			return nil, twinerr.Wrap(twinerr.CodeExecutionTimeout, ctx.Err(),
				"deadline while polling job %s for %s", ref.ID, op.Name)
		case <-time.After(interval + jitter):
		}
		if interval *= 2; interval > c.opts.JobPollMax {
			interval = c.opts.JobPollMax
		}
	}
}

func buildInvokeRequest(args map[string]any, simulate bool) invokeRequest {
	req := invokeRequest{InputArguments: make([]operationArgument, 0, len(args))}
	for k, v := range args {
		req.InputArguments = append(req.InputArguments, operationArgument{IDShort: k, Value: v})
	}
	req.ClientContext.Simulate = simulate
	return req
}

func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	return c.doJSON(ctx, http.MethodGet, rawURL, nil, out)
}

func (c *Client) postJSON(ctx context.Context, rawURL string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return twinerr.Wrap(twinerr.CodeInvalidJSON, err, "encoding request body")
	}
	return c.doJSON(ctx, http.MethodPost, rawURL, body, out)
}

// doJSON is the single transport path: breaker, then retry loop, then one
// HTTP round trip with signing.
func (c *Client) doJSON(ctx context.Context, method, rawURL string, body []byte, out any) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return twinerr.Wrap(twinerr.CodeTransportFailure, err, "bad URL %q", rawURL)
	}

	attempt := func() error {
		raw, err := c.roundTrip(ctx, method, u, body)
		if err != nil {
			return err
		}
		if out != nil && len(raw) > 0 {
			if err := json.Unmarshal(raw, out); err != nil {
				return backoff.Permanent(twinerr.Wrap(twinerr.CodeInvalidJSON, err,
					"decoding %s %s response", method, u.Path))
			}
		}
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.opts.RetryInitialInterval
	eb.RandomizationFactor = 0.25
	policy := backoff.WithContext(
		backoff.WithMaxRetries(eb, uint64(c.opts.RetryMaxAttempts-1)), ctx)

	_, err = c.breakerFor(u.Host).Execute(func() (any, error) {
		return nil, backoff.Retry(attempt, policy)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return twinerr.Wrap(twinerr.CodeCircuitOpen, err, "twin endpoint %s unavailable", u.Host)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method string, u *url.URL, body []byte) ([]byte, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return nil, backoff.Permanent(twinerr.Wrap(twinerr.CodeTransportFailure, err, "building request"))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if len(c.opts.HMACSecret) > 0 {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		req.Header.Set(HeaderTimestamp, ts)
		req.Header.Set(HeaderSignature,
			SignHMAC(c.opts.HMACSecret, ts, method, u.Path, body))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(twinerr.Wrap(twinerr.CodeExecutionTimeout, err,
				"%s %s cancelled", method, u.Path))
		}
		return nil, twinerr.Wrap(twinerr.CodeTransportFailure, err, "%s %s", method, u.Path)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, twinerr.Wrap(twinerr.CodeTransportFailure, err, "reading %s %s response", method, u.Path)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return raw, nil
	case resp.StatusCode >= 500:
		// Server errors are transient as far as the retry loop is concerned.
		return nil, twinerr.New(twinerr.CodeOperationFailed,
			"%s %s returned %d", method, u.Path, resp.StatusCode)
	default:
		return nil, backoff.Permanent(statusError(resp.StatusCode, method, u.Path, raw))
	}
}

func statusError(code int, method, path string, raw []byte) error {
	msg := strings.TrimSpace(string(raw))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	switch code {
	case http.StatusNotFound:
		return twinerr.New(twinerr.CodeNotFound, "%s %s: not found", method, path)
	case http.StatusUnauthorized:
		return twinerr.New(twinerr.CodeUnauthorized, "%s %s: unauthorized", method, path)
	case http.StatusForbidden:
		return twinerr.New(twinerr.CodeForbidden, "%s %s: forbidden", method, path)
	default:
		return twinerr.New(twinerr.CodeOperationFailed,
			"%s %s returned %d: %s", method, path, code, msg)
	}
}

// breakerFor returns the circuit breaker for a host, creating it on first
// use.
func (c *Client) breakerFor(host string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[host]; ok {
		return cb
	}
	threshold := c.opts.BreakerThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: c.opts.HalfOpenMaxCalls,
		Timeout:     c.opts.BreakerRecovery,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("twin circuit state changed",
				"host", name, "from", from.String(), "to", to.String())
		},
	})
	c.breakers[host] = cb
	return cb
}

// escapePath escapes each segment of an idShort path while keeping the
// separators.
func escapePath(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}
