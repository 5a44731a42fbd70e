package ddns

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultRateLimit matches the request rate the Cloudflare SDK allows by default.
const DefaultRateLimit rate.Limit = 4

// New returns an Updater for the given connection settings.
//
// By default every task talks to the Cloudflare API with its own credential,
// through a shared pooled HTTP client and rate limiter.
func New(settings ConnectionSettings, options ...Option) (*Updater, error) {
	if settings.MaxRetries < 0 {
		return nil, fmt.Errorf("ddns.New: max retries cannot be negative")
	}
	if settings.Timeout <= 0 {
		return nil, fmt.Errorf("ddns.New: timeout must be positive")
	}
	u := &Updater{
		settings:   settings,
		logger:     zap.NewNop(),
		tracer:     noop.NewTracerProvider().Tracer(""),
		baseURL:    CloudflareAPI,
		retryDelay: DefaultRetryDelay,
		limiter:    rate.NewLimiter(DefaultRateLimit, 1),
	}
	for i, opt := range options {
		if err := opt(u); err != nil {
			return nil, fmt.Errorf("ddns.New: option %d returned an error: %w", i, err)
		}
	}
	if u.newProvider == nil {
		u.newProvider = u.cloudflare
	}
	return u, nil
}

type Option func(*Updater) error

// WithLogger sets the logger for the updater and every client it builds.
func WithLogger(logger *zap.Logger) Option {
	return func(u *Updater) error {
		if logger == nil {
			logger = zap.NewNop()
		}
		u.logger = logger
		return nil
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(u *Updater) error {
		if tracer != nil {
			u.tracer = tracer
		}
		return nil
	}
}

// UsingProvider replaces the Cloudflare client with providers built by f.
func UsingProvider(f ProviderFactory) Option {
	return func(u *Updater) error {
		if f == nil {
			return fmt.Errorf("provider factory cannot be nil")
		}
		u.newProvider = f
		return nil
	}
}

func UsingHTTPClient(httpclient *http.Client) Option {
	return func(u *Updater) error {
		u.httpClient = httpclient
		return nil
	}
}

// UsingCloudflareAPI sets the API base URL, e.g. to a test server.
func UsingCloudflareAPI(baseURL string) Option {
	return func(u *Updater) error {
		if baseURL == "" {
			return fmt.Errorf("base URL cannot be empty")
		}
		u.baseURL = baseURL
		return nil
	}
}

// WithRetryDelay changes the wait between attempts of one request.
// It also lengthens or shortens the deadline of each task.
func WithRetryDelay(d time.Duration) Option {
	return func(u *Updater) error {
		if d < 0 {
			return fmt.Errorf("retry delay cannot be negative")
		}
		u.retryDelay = d
		return nil
	}
}

// WithRateLimiter shares l between all tasks. A nil limiter disables throttling.
func WithRateLimiter(l *rate.Limiter) Option {
	return func(u *Updater) error {
		u.limiter = l
		return nil
	}
}

// WithConcurrency caps the number of tasks running at once. Zero means no cap.
func WithConcurrency(n int) Option {
	return func(u *Updater) error {
		if n < 0 {
			return fmt.Errorf("concurrency cannot be negative")
		}
		u.concurrency = n
		return nil
	}
}

// Updater brings address records in line with the public IP.
type Updater struct {
	settings    ConnectionSettings
	logger      *zap.Logger
	tracer      trace.Tracer
	newProvider ProviderFactory
	httpClient  *http.Client
	baseURL     string
	retryDelay  time.Duration
	limiter     *rate.Limiter
	concurrency int
}

func (u *Updater) cloudflare(cred Credential, settings ConnectionSettings) (Provider, error) {
	topts := []TransportOption{RetryDelay(u.retryDelay)}
	if u.httpClient != nil {
		topts = append(topts, HTTPClient(u.httpClient))
	}
	if u.limiter != nil {
		topts = append(topts, RateLimit(u.limiter))
	}
	return NewCloudflare(cred, settings,
		CloudflareBaseURL(u.baseURL),
		CloudflareLogger(u.logger),
		CloudflareTransport(topts...),
	)
}

// UpdateOne runs a single task: resolve the zone, find the first A or AAAA record
// named task.Record, and write the public IP to it if it differs.
//
// A name without an address record is skipped, not failed.
// The task's TTL and proxied flag are written along with the new content.
func (u *Updater) UpdateOne(ctx context.Context, ip AddressSource, task Task) (outcome Outcome, err error) {
	ctx, span := u.tracer.Start(ctx, "ddns.UpdateOne", trace.WithAttributes(
		attribute.String("ddns.zone", task.Zone),
		attribute.String("ddns.record", task.Record),
	))
	defer func() {
		span.SetAttributes(attribute.String("ddns.outcome", outcome.String()))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	logger := u.logger.With(zap.String("zone", task.Zone), zap.String("record", task.Record))

	if err := task.Validate(); err != nil {
		return Failed, err
	}
	provider, err := u.newProvider(task.Credential, u.settings)
	if err != nil {
		return Failed, fmt.Errorf("error creating provider: %w", err)
	}

	zone, err := provider.ResolveZone(ctx, task.Zone)
	if err != nil {
		return Failed, err
	}
	logger.Debug("resolved zone", zap.String("zone_id", zone.ID))

	records, err := provider.ListAddressRecords(ctx, zone.ID, task.Record)
	if err != nil {
		return Failed, err
	}
	record, found := lo.Find(records, Record.IsAddress)
	if !found {
		logger.Warn("no A or AAAA record found; skipping", zap.Int("records", len(records)))
		return Skipped, nil
	}
	if record.Content == "" {
		return Failed, fmt.Errorf("%w: %s record %s", ErrRecordHasNoContent, record.Type, record.ID)
	}

	addr, err := ip.Await(ctx)
	if err != nil {
		return Failed, err
	}
	current := addr.String()
	if record.Content == current {
		logger.Info("record already up to date", zap.String("content", current))
		return Unchanged, nil
	}

	updated, err := provider.UpdateRecord(ctx, zone.ID, record.ID, RecordUpdate{
		Name:    lo.CoalesceOrEmpty(record.Name, task.Record),
		Content: current,
		TTL:     task.TTL,
		Proxied: task.Proxied,
	})
	if err != nil {
		return Failed, err
	}
	logger.Info("updated record",
		zap.String("record_id", record.ID),
		zap.String("from", record.Content),
		zap.String("to", current),
		zap.String("type", updated.Type),
		zap.Int("ttl", task.TTL),
		zap.Bool("proxied", task.Proxied),
	)
	return Updated, nil
}
