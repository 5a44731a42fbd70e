package ddns_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Travis-Britz/cfddns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/time/rate"
)

type countingResolver struct {
	calls atomic.Int32
	addr  netip.Addr
	err   error
	delay time.Duration
}

func (r *countingResolver) Resolve(ctx context.Context) (netip.Addr, error) {
	r.calls.Add(1)
	select {
	case <-ctx.Done():
		return netip.Addr{}, ctx.Err()
	case <-time.After(r.delay):
	}
	return r.addr, r.err
}

func TestRunIsolatesFailures(t *testing.T) {
	p := &fakeProvider{
		zones: map[string]ddns.Zone{
			"example.com": {ID: "z1", Name: "example.com"},
			"example.org": {ID: "z2", Name: "example.org"},
		},
		records: map[string][]ddns.Record{
			"z1": {{ID: "r1", Name: "home.example.com", Type: "A", Content: "198.51.100.2"}},
			"z2": {{ID: "r2", Name: "home.example.org", Type: "A", Content: "203.0.113.7"}},
		},
	}
	core, logs := observer.New(zapcore.ErrorLevel)
	u := newTestUpdater(t, p, ddns.WithLogger(zap.New(core)))

	tasks := []ddns.Task{
		homeTask(),
		{Credential: ddns.APIToken("t"), Zone: "missing.example", Record: "home.missing.example", TTL: 1},
		{Credential: ddns.APIToken("t"), Zone: "example.org", Record: "home.example.org", TTL: 120},
	}
	resolver := &countingResolver{addr: netip.MustParseAddr("203.0.113.7"), delay: 20 * time.Millisecond}
	report := u.Run(context.Background(), ddns.Lookup(context.Background(), resolver), tasks)

	require.Len(t, report.Results, 3)
	assert.Equal(t, ddns.Updated, report.Results[0].Outcome)
	assert.Equal(t, ddns.Failed, report.Results[1].Outcome)
	assert.ErrorIs(t, report.Results[1].Err, ddns.ErrZoneNotFound)
	assert.Equal(t, ddns.Unchanged, report.Results[2].Outcome)

	assert.Len(t, report.Failures(), 1)
	assert.Equal(t, 1, report.Count(ddns.Updated))
	assert.ErrorIs(t, report.Err(), ddns.ErrZoneNotFound)
	assert.Contains(t, report.Err().Error(), "home.missing.example")

	assert.EqualValues(t, 1, resolver.calls.Load())
	assert.Len(t, p.updates, 1)

	failed := logs.FilterMessage("task failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, "home.missing.example", failed[0].ContextMap()["record"])
}

func TestRunSharesOneLookup(t *testing.T) {
	p := newFake(ddns.Record{ID: "r1", Name: "home.example.com", Type: "A", Content: "203.0.113.7"})
	u := newTestUpdater(t, p, ddns.WithConcurrency(2))

	tasks := make([]ddns.Task, 10)
	for i := range tasks {
		tasks[i] = homeTask()
	}
	resolver := &countingResolver{addr: netip.MustParseAddr("203.0.113.7"), delay: 10 * time.Millisecond}
	report := u.Run(context.Background(), ddns.Lookup(context.Background(), resolver), tasks)

	assert.NoError(t, report.Err())
	assert.Equal(t, 10, report.Count(ddns.Unchanged))
	assert.EqualValues(t, 1, resolver.calls.Load())
}

func TestRunPublicIPUnavailable(t *testing.T) {
	p := newFake(ddns.Record{ID: "r1", Name: "home.example.com", Type: "A", Content: "198.51.100.2"})
	u := newTestUpdater(t, p)

	resolver := &countingResolver{err: io.ErrUnexpectedEOF}
	report := u.Run(context.Background(), ddns.Lookup(context.Background(), resolver), []ddns.Task{homeTask(), homeTask()})

	assert.Equal(t, 2, report.Count(ddns.Failed))
	for _, res := range report.Results {
		assert.ErrorIs(t, res.Err, ddns.ErrPublicIPUnavailable)
		assert.ErrorIs(t, res.Err, io.ErrUnexpectedEOF)
	}
	assert.Empty(t, p.updates)
}

type panickyProvider struct{ *fakeProvider }

func (p panickyProvider) ResolveZone(ctx context.Context, name string) (ddns.Zone, error) {
	if name == "panic.example" {
		panic("unexpected")
	}
	return p.fakeProvider.ResolveZone(ctx, name)
}

func TestRunRecoversPanics(t *testing.T) {
	p := newFake(ddns.Record{ID: "r1", Name: "home.example.com", Type: "A", Content: "203.0.113.7"})
	u, err := ddns.New(ddns.ConnectionSettings{MaxRetries: 1, Timeout: time.Second},
		ddns.UsingProvider(func(ddns.Credential, ddns.ConnectionSettings) (ddns.Provider, error) {
			return panickyProvider{p}, nil
		}),
	)
	require.NoError(t, err)

	tasks := []ddns.Task{
		{Credential: ddns.APIToken("t"), Zone: "panic.example", Record: "a.panic.example", TTL: 1},
		homeTask(),
	}
	report := u.Run(context.Background(), ipOf("203.0.113.7"), tasks)
	assert.Equal(t, ddns.Failed, report.Results[0].Outcome)
	assert.ErrorContains(t, report.Results[0].Err, "panic")
	assert.Equal(t, ddns.Unchanged, report.Results[1].Outcome)
}

func TestRunEmpty(t *testing.T) {
	u := newTestUpdater(t, newFake())
	report := u.Run(context.Background(), ipOf("203.0.113.7"), nil)
	assert.Empty(t, report.Results)
	assert.NoError(t, report.Err())
}

// fakeCloudflare is a minimal in-memory Cloudflare API.
type fakeCloudflare struct {
	mu      sync.Mutex
	records map[string]map[string]any // by record ID
	puts    int
}

func (f *fakeCloudflare) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /zones", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("name") != "example.com" {
			writeResult(w, `[]`)
			return
		}
		writeResult(w, `[{"id":"z1","name":"example.com"}]`)
	})
	mux.HandleFunc("GET /zones/z1/dns_records", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var out []map[string]any
		for _, rec := range f.records {
			if rec["name"] == r.URL.Query().Get("name") {
				out = append(out, rec)
			}
		}
		b, _ := json.Marshal(out)
		writeResult(w, string(b))
	})
	mux.HandleFunc("PUT /zones/z1/dns_records/{id}", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&body)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		f.puts++
		body["id"] = r.PathValue("id")
		f.records[r.PathValue("id")] = body
		b, _ := json.Marshal(body)
		writeResult(w, string(b))
	})
	return mux
}

func TestRunAgainstCloudflareAPI(t *testing.T) {
	api := &fakeCloudflare{records: map[string]map[string]any{
		"r1": {"id": "r1", "type": "A", "name": "home.example.com", "content": "198.51.100.2", "ttl": 300, "proxied": true},
		"r2": {"id": "r2", "type": "A", "name": "nas.example.com", "content": "203.0.113.7", "ttl": 1, "proxied": false},
		"r3": {"id": "r3", "type": "CNAME", "name": "www.example.com", "content": "home.example.com", "ttl": 1, "proxied": true},
	}}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	u, err := ddns.New(ddns.ConnectionSettings{MaxRetries: 2, Timeout: time.Second},
		ddns.UsingCloudflareAPI(srv.URL),
		ddns.UsingHTTPClient(srv.Client()),
		ddns.WithRetryDelay(time.Millisecond),
		ddns.WithRateLimiter(nil),
	)
	require.NoError(t, err)

	task := func(zone, record string) ddns.Task {
		return ddns.Task{Credential: ddns.APIToken("t"), Zone: zone, Record: record, TTL: ddns.AutoTTL}
	}
	tasks := []ddns.Task{
		task("example.com", "home.example.com"),
		task("example.com", "nas.example.com"),
		task("example.com", "www.example.com"),
		task("example.net", "home.example.net"),
	}
	ip, err := ddns.FromString("203.0.113.7")
	require.NoError(t, err)
	report := u.Run(context.Background(), ddns.Lookup(context.Background(), ip), tasks)

	outcomes := make([]ddns.Outcome, len(report.Results))
	for i, res := range report.Results {
		outcomes[i] = res.Outcome
	}
	assert.Equal(t, []ddns.Outcome{ddns.Updated, ddns.Unchanged, ddns.Skipped, ddns.Failed}, outcomes)
	assert.ErrorIs(t, report.Results[3].Err, ddns.ErrZoneNotFound)

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, 1, api.puts)
	assert.Equal(t, "203.0.113.7", api.records["r1"]["content"])
	assert.Equal(t, "A", api.records["r1"]["type"])
	assert.Equal(t, float64(1), api.records["r1"]["ttl"])
	assert.Equal(t, false, api.records["r1"]["proxied"])
}

func TestRunThrottledByRateLimiter(t *testing.T) {
	api := &fakeCloudflare{records: map[string]map[string]any{}}
	var tasks []ddns.Task
	for i := range 10 {
		id := fmt.Sprintf("r%d", i)
		name := fmt.Sprintf("host%d.example.com", i)
		api.records[id] = map[string]any{"id": id, "type": "A", "name": name, "content": "203.0.113.7", "ttl": 1}
		tasks = append(tasks, ddns.Task{Credential: ddns.APIToken("t"), Zone: "example.com", Record: name, TTL: ddns.AutoTTL})
	}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	// 20 requests at 40/s need about 5 attempt timeouts in total
	u, err := ddns.New(ddns.ConnectionSettings{MaxRetries: 1, Timeout: 100 * time.Millisecond},
		ddns.UsingCloudflareAPI(srv.URL),
		ddns.UsingHTTPClient(srv.Client()),
		ddns.WithRateLimiter(rate.NewLimiter(40, 1)),
	)
	require.NoError(t, err)

	start := time.Now()
	report := u.Run(context.Background(), ipOf("203.0.113.7"), tasks)
	assert.GreaterOrEqual(t, time.Since(start), 450*time.Millisecond)
	require.NoError(t, report.Err())
	assert.Equal(t, len(tasks), report.Count(ddns.Unchanged))
}

func TestNewUsesDefaultRateLimit(t *testing.T) {
	api := &fakeCloudflare{records: map[string]map[string]any{
		"r1": {"id": "r1", "type": "A", "name": "home.example.com", "content": "203.0.113.7", "ttl": 1},
	}}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	u, err := ddns.New(ddns.ConnectionSettings{MaxRetries: 1, Timeout: 100 * time.Millisecond},
		ddns.UsingCloudflareAPI(srv.URL),
		ddns.UsingHTTPClient(srv.Client()),
	)
	require.NoError(t, err)

	task := ddns.Task{Credential: ddns.APIToken("t"), Zone: "example.com", Record: "home.example.com", TTL: ddns.AutoTTL}
	start := time.Now()
	report := u.Run(context.Background(), ipOf("203.0.113.7"), []ddns.Task{task, task})
	require.NoError(t, report.Err())
	// four requests with burst 1 wait three intervals
	assert.GreaterOrEqual(t, time.Since(start), 3*time.Second/time.Duration(ddns.DefaultRateLimit)-50*time.Millisecond)
}
