package ddns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cloudflare/cloudflare-go"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// DefaultRetryDelay is the flat wait between two attempts of the same request.
	DefaultRetryDelay = 5 * time.Second

	// DefaultLookupTimeout bounds a single public IP lookup.
	DefaultLookupTimeout = 15 * time.Second

	maxResponseBody = 4 << 20
)

// ConnectionSettings are shared by every task in a run.
type ConnectionSettings struct {
	// MaxRetries is the total number of attempts per request.
	MaxRetries int
	// Timeout bounds each attempt on its own.
	Timeout time.Duration
}

// Deadline is the longest a single task may take:
// three sequential provider requests that each use every attempt, plus one IP lookup.
func (s ConnectionSettings) Deadline(retryDelay time.Duration) time.Duration {
	n := time.Duration(max(s.MaxRetries, 0))
	perRequest := n * s.Timeout
	if n > 1 {
		perRequest += (n - 1) * retryDelay
	}
	return 3*perRequest + DefaultLookupTimeout
}

// Attempt describes one finished request attempt.
type Attempt struct {
	Method     string
	URL        string
	Try        int // starts at 1
	StatusCode int // 0 when no response was received
	Err        error
	Retrying   bool // another attempt follows after the retry delay
}

// AttemptHook observes the attempts of one Transport.
type AttemptHook func(Attempt)

type TransportOption func(*Transport)

// HTTPClient sets the client whose connection pool the Transport uses.
// Its Timeout is replaced by the per-attempt timeout.
func HTTPClient(c *http.Client) TransportOption {
	return func(t *Transport) {
		t.httpClient = c
	}
}

// RateLimit makes every attempt wait on l before it starts. The limiter may be shared.
// The wait is bounded by the request context, not by the attempt timeout.
func RateLimit(l *rate.Limiter) TransportOption {
	return func(t *Transport) {
		t.limiter = l
	}
}

func RetryDelay(d time.Duration) TransportOption {
	return func(t *Transport) {
		if d >= 0 {
			t.retryDelay = d
		}
	}
}

func TransportLogger(l *zap.Logger) TransportOption {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

func OnAttempt(h AttemptHook) TransportOption {
	return func(t *Transport) {
		t.onAttempt = h
	}
}

// Request is a single API call.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Query  url.Values
	Body   any // encoded as JSON when non-nil
}

func (r Request) target() (string, error) {
	u, err := url.Parse(r.URL)
	if err != nil {
		return "", fmt.Errorf("error parsing request URL: %w", err)
	}
	if len(r.Query) > 0 {
		q := u.Query()
		for k, vs := range r.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Transport executes JSON requests, retrying failed attempts with a flat delay.
//
// 2xx responses succeed. 4xx responses other than 408 and 429 fail at once with
// [ErrClientStatus], since repeating them cannot change the answer.
// Everything else (network errors, timeouts, 408, 429, 5xx) is retried
// until MaxRetries attempts were made, then fails with [ErrRequestExhausted].
type Transport struct {
	client     *retryablehttp.Client
	maxRetries int
	retryDelay time.Duration
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
	onAttempt  AttemptHook
}

func NewTransport(settings ConnectionSettings, options ...TransportOption) *Transport {
	t := &Transport{
		maxRetries: settings.MaxRetries,
		retryDelay: DefaultRetryDelay,
		logger:     zap.NewNop(),
	}
	for _, opt := range options {
		opt(t)
	}

	base := t.httpClient
	if base == nil {
		base = cleanhttp.DefaultPooledClient()
	}
	rt := base.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}

	t.client = &retryablehttp.Client{
		HTTPClient: &http.Client{
			Transport:     rt,
			CheckRedirect: base.CheckRedirect,
			Jar:           base.Jar,
			Timeout:       settings.Timeout,
		},
		RetryWaitMin:   t.retryDelay,
		RetryWaitMax:   t.retryDelay,
		RetryMax:       settings.MaxRetries - 1,
		RequestLogHook: t.logRequest,
		CheckRetry:     t.checkRetry,
		Backoff:        t.backoff,
		PrepareRetry:   t.prepareRetry,
		ErrorHandler:   giveUp,
	}
	return t
}

// Do sends the request and decodes the JSON response body into out (if non-nil).
func (t *Transport) Do(ctx context.Context, r Request, out any) error {
	target, err := r.target()
	if err != nil {
		return err
	}
	if t.maxRetries < 1 {
		return &RequestError{Method: r.Method, URL: target, kind: ErrRequestExhausted}
	}

	var rawBody any
	if r.Body != nil {
		b, err := json.Marshal(r.Body)
		if err != nil {
			return fmt.Errorf("error encoding request body: %w", err)
		}
		rawBody = b
	}

	st := &attemptState{method: r.Method, url: target}
	req, err := retryablehttp.NewRequestWithContext(context.WithValue(ctx, attemptKey{}, st), r.Method, target, rawBody)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if rawBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if err := t.wait(ctx); err != nil {
		st.throttled = err
	}
	var resp *http.Response
	if st.throttled == nil {
		resp, err = t.client.Do(req)
	}
	if err != nil || st.throttled != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s %s: %w", r.Method, target, ctxErr)
		}
		if st.throttled != nil {
			// the context deadline ends before the limiter could admit the attempt
			return fmt.Errorf("%s %s: error waiting for rate limiter: %w", r.Method, target, st.throttled)
		}
		rerr := &RequestError{
			Method:     r.Method,
			URL:        target,
			Attempts:   st.tries,
			StatusCode: st.status,
			kind:       ErrRequestExhausted,
			Err:        st.last,
		}
		var se *StatusError
		if errors.As(err, &se) {
			rerr.kind = ErrClientStatus
			rerr.Err = se
		}
		return rerr
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("%s %s: error reading response body: %w", r.Method, target, err)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: error decoding response body: %w", r.Method, target, err)
	}
	return nil
}

type attemptKey struct{}

// attemptState follows one Do call. retryablehttp runs all attempts of a
// request on the calling goroutine, so it needs no locking.
type attemptState struct {
	method    string
	url       string
	tries     int
	status    int
	last      error
	throttled error // the limiter refused to admit an attempt
}

func (t *Transport) logRequest(_ retryablehttp.Logger, req *http.Request, i int) {
	t.logger.Debug("sending request",
		zap.String("method", req.Method),
		zap.String("url", req.URL.String()),
		zap.Int("try", i+1),
		zap.Int("max_tries", t.maxRetries),
	)
}

func (t *Transport) checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	st, _ := ctx.Value(attemptKey{}).(*attemptState)
	if st == nil {
		st = &attemptState{}
	}
	st.tries++

	a := Attempt{Method: st.method, URL: st.url, Try: st.tries, Err: err}
	var retry bool
	var fail error
	switch {
	case err != nil:
		retry = true
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		a.StatusCode = resp.StatusCode
	case isClientError(resp.StatusCode):
		a.StatusCode = resp.StatusCode
		se := &StatusError{StatusCode: resp.StatusCode, Messages: readMessages(resp)}
		a.Err, fail = se, se
	default:
		a.StatusCode = resp.StatusCode
		a.Err = &StatusError{StatusCode: resp.StatusCode}
		retry = true
	}
	a.Retrying = retry && st.tries < t.maxRetries
	st.status, st.last = a.StatusCode, a.Err

	t.observe(a)
	return retry, fail
}

func (t *Transport) observe(a Attempt) {
	fields := []zap.Field{
		zap.String("method", a.Method),
		zap.String("url", a.URL),
		zap.Int("try", a.Try),
		zap.Int("status", a.StatusCode),
	}
	if a.Err != nil {
		t.logger.Debug("request attempt failed", append(fields, zap.Error(a.Err))...)
	} else {
		t.logger.Debug("request attempt succeeded", fields...)
	}
	if a.Retrying {
		t.logger.Debug("retrying request", append(fields[:3:3], zap.Duration("wait", t.retryDelay))...)
	}
	if t.onAttempt != nil {
		t.onAttempt(a)
	}
}

// wait blocks until the limiter admits one more attempt.
// It runs before the attempt timeout starts.
func (t *Transport) wait(ctx context.Context) error {
	if t.limiter == nil {
		return nil
	}
	return t.limiter.Wait(ctx)
}

func (t *Transport) prepareRetry(req *http.Request) error {
	err := t.wait(req.Context())
	if st, ok := req.Context().Value(attemptKey{}).(*attemptState); ok && err != nil {
		st.throttled = err
	}
	return err
}

func (t *Transport) backoff(_, _ time.Duration, _ int, _ *http.Response) time.Duration {
	return t.retryDelay
}

// isClientError reports a status that no retry can fix.
func isClientError(code int) bool {
	return code >= 400 && code < 500 &&
		code != http.StatusRequestTimeout &&
		code != http.StatusTooManyRequests
}

func readMessages(resp *http.Response) []cloudflare.ResponseInfo {
	var env cloudflare.Response
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&env); err != nil {
		return nil
	}
	return env.Errors
}

var errGaveUp = errors.New("giving up")

func giveUp(resp *http.Response, err error, _ int) (*http.Response, error) {
	if resp != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
		resp.Body.Close()
	}
	if err == nil {
		err = errGaveUp
	}
	return nil, err
}
