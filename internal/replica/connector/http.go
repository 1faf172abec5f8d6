package connector

import (
	"bytes"
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

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/omnii/replica/internal/credentials"
	"github.com/omnii/replica/internal/replica/outbox"
	"github.com/omnii/replica/internal/replica/schema"
	"github.com/omnii/replica/internal/replica/syncerr"
	"github.com/omnii/replica/internal/replica/wire"
)

// Options configures an HTTPConnector.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	// RequestTimeout bounds each HTTP attempt. Default 30s.
	RequestTimeout time.Duration
	// MaxRetries is the number of in-request retries of 429 and 5xx
	// answers. Default 2; negative disables.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// BreakerFailures is the number of consecutive transport failures that
	// opens the circuit. Default 5.
	BreakerFailures uint32
	// BreakerTimeout is how long the circuit stays open. Default 30s.
	BreakerTimeout time.Duration
	Logger         *zap.Logger
}

// HTTPConnector implements Connector over the JSON protocol in package
// wire.
type HTTPConnector struct {
	baseURL    string
	httpClient *http.Client
	creds      *credentials.Cache
	timeout    time.Duration
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	breaker    *gobreaker.CircuitBreaker
	tracer     trace.Tracer
	logger     *zap.Logger
}

var _ Connector = (*HTTPConnector)(nil)

// NewHTTP creates a connector for the remote at opts.BaseURL, authenticating
// with sessions from creds.
func NewHTTP(creds *credentials.Cache, opts Options) (*HTTPConnector, error) {
	u, err := url.Parse(opts.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid remote base URL %q", opts.BaseURL)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("connector")

	c := &HTTPConnector{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		httpClient: opts.HTTPClient,
		creds:      creds,
		timeout:    opts.RequestTimeout,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		maxDelay:   opts.MaxDelay,
		tracer:     otel.Tracer("github.com/omnii/replica/connector"),
		logger:     logger,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.timeout <= 0 {
		c.timeout = 30 * time.Second
	}
	if c.maxRetries == 0 {
		c.maxRetries = 2
	} else if c.maxRetries < 0 {
		c.maxRetries = 0
	}

	failures := opts.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	breakerTimeout := opts.BreakerTimeout
	if breakerTimeout <= 0 {
		breakerTimeout = 30 * time.Second
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "remote",
		MaxRequests: 1,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		// Only transport failures count against the remote.
		IsSuccessful: func(err error) bool {
			return !syncerr.IsRetryable(err)
		},
	})
	return c, nil
}

// FetchCredentials implements Connector.
func (c *HTTPConnector) FetchCredentials(ctx context.Context) (*credentials.Session, error) {
	return c.creds.Session(ctx)
}

// Invalidate implements Connector.
func (c *HTTPConnector) Invalidate() {
	c.creds.Invalidate()
}

// UploadBatch implements Connector.
func (c *HTTPConnector) UploadBatch(ctx context.Context, origin string, batch *outbox.Batch) (UploadResult, error) {
	res := UploadResult{Rejected: map[int64]string{}}
	if batch.Len() == 0 {
		return res, nil
	}

	ctx, span := c.tracer.Start(ctx, "connector.UploadBatch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int("batch.size", batch.Len())))
	defer span.End()

	req := wire.UploadRequest{Changes: make(map[schema.Collection][]wire.UploadOp, len(batch.Order))}
	byWireID := make(map[string]int64, batch.Len())
	for _, col := range batch.Order {
		for _, rec := range batch.Groups[col] {
			ch := rec.Change(origin)
			req.Changes[col] = append(req.Changes[col], wire.UploadOp{Type: ch.Op, ID: ch.ID, OpID: ch.OpID, Data: ch.Data})
			byWireID[ch.OpID] = rec.OpID
		}
	}

	headers := map[string]string{
		wire.HeaderIdempotencyKey: IdempotencyKey(origin, batch.OpIDs()),
		wire.HeaderDeviceID:       origin,
	}
	var out wire.UploadResponse
	if err := c.doJSON(ctx, http.MethodPost, wire.PathChanges, headers, req, &out); err != nil {
		endSpan(span, err)
		return res, err
	}

	for _, r := range out.Results {
		id, ok := byWireID[r.OpID]
		if !ok {
			continue
		}
		delete(byWireID, r.OpID)
		if r.Status == wire.StatusAccepted {
			res.Accepted = append(res.Accepted, id)
		} else {
			res.Rejected[id] = r.Reason
		}
	}
	for _, id := range byWireID {
		res.Rejected[id] = "no verdict from remote"
	}
	span.SetAttributes(
		attribute.Int("batch.accepted", len(res.Accepted)),
		attribute.Int("batch.rejected", len(res.Rejected)))
	return res, nil
}

// PollChanges implements Connector.
func (c *HTTPConnector) PollChanges(ctx context.Context, since string, limit int) (*wire.PollResponse, error) {
	ctx, span := c.tracer.Start(ctx, "connector.PollChanges",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("poll.since", since)))
	defer span.End()

	q := url.Values{}
	if since != "" {
		q.Set("since", since)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := wire.PathChanges
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out wire.PollResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		endSpan(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("poll.changes", len(out.Changes)), attribute.Bool("poll.has_more", out.HasMore))
	return &out, nil
}

// Query runs a graph query for a cache category. It is the fetcher behind
// cache-first reads.
func (c *HTTPConnector) Query(ctx context.Context, category string, scope any) (json.RawMessage, error) {
	ctx, span := c.tracer.Start(ctx, "connector.Query",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("query.category", category)))
	defer span.End()

	req := wire.QueryRequest{Category: category}
	if scope != nil {
		raw, err := json.Marshal(scope)
		if err != nil {
			return nil, fmt.Errorf("failed to encode query scope: %w", err)
		}
		req.Scope = raw
	}
	var out wire.QueryResponse
	if err := c.doJSON(ctx, http.MethodPost, wire.PathQuery, nil, req, &out); err != nil {
		endSpan(span, err)
		return nil, err
	}
	return out.Data, nil
}

// Health checks that the remote answers. It needs no credentials.
func (c *HTTPConnector) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+wire.PathHealth, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return syncerr.Transport("health", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return &syncerr.HTTPError{StatusCode: resp.StatusCode, Message: "health check failed"}
	}
	return nil
}

// IdempotencyKey derives a stable key for a batch, so that a re-sent batch
// carries the same key.
func IdempotencyKey(origin string, opIDs []int64) string {
	var b strings.Builder
	b.WriteString(origin)
	for _, id := range opIDs {
		b.WriteByte(':')
		b.WriteString(strconv.FormatInt(id, 10))
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(b.String())).String()
}

func (c *HTTPConnector) doJSON(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	body any,
	out any,
) error {
	sess, err := c.creds.Session(ctx)
	if err != nil {
		return err
	}

	var bodyBytes []byte
	if body != nil {
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	_, err = c.breaker.Execute(func() (any, error) {
		return nil, c.roundTrip(ctx, method, requestPath, sess.AccessToken, headers, bodyBytes, out)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return syncerr.Transport(method+" "+requestPath, err)
	case syncerr.IsAuth(err):
		// The remote refused the session; the next call fetches a fresh one.
		c.creds.Invalidate()
	}
	return err
}

func (c *HTTPConnector) roundTrip(
	ctx context.Context,
	method, requestPath, token string,
	headers map[string]string,
	bodyBytes []byte,
	out any,
) error {
	op := method + " " + requestPath
	for attempt := 0; ; attempt++ {
		status, retryAfter, err := c.attempt(ctx, method, requestPath, token, headers, bodyBytes, out)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		retryable := status == 0 || status == http.StatusTooManyRequests || status >= 500
		var herr *syncerr.HTTPError
		if errors.As(err, &herr) && !retryable {
			return err
		}
		if attempt >= c.maxRetries {
			return syncerr.Transport(op, err)
		}
		c.logger.Debug("retrying remote call",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, retryAfter)); waitErr != nil {
			return waitErr
		}
	}
}

// attempt performs one request. status is 0 when no response arrived.
func (c *HTTPConnector) attempt(
	ctx context.Context,
	method, requestPath, token string,
	headers map[string]string,
	bodyBytes []byte,
	out any,
) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var bodyReader io.Reader
	if bodyBytes != nil {
		bodyReader = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Correlation-Id", uuid.NewString())
	if bodyBytes != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, "", err
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return 0, "", readErr
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(payload) == 0 {
			return resp.StatusCode, "", nil
		}
		if err := json.Unmarshal(payload, out); err != nil {
			return 0, "", fmt.Errorf("malformed response body: %w", err)
		}
		return resp.StatusCode, "", nil
	}

	var body wire.ErrorBody
	_ = json.Unmarshal(payload, &body)
	return resp.StatusCode, resp.Header.Get("Retry-After"), &syncerr.HTTPError{
		StatusCode: resp.StatusCode,
		Code:       body.Code,
		Message:    body.Message,
	}
}

func (c *HTTPConnector) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, maxDelay)
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func endSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
