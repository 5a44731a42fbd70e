package ddns

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cloudflare/cloudflare-go"
	"github.com/google/go-querystring/query"
	"github.com/miekg/dns"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/net/idna"
)

// CloudflareAPI is the production API base URL.
const CloudflareAPI = "https://api.cloudflare.com/client/v4"

// recordsPerPage is the largest page size the dns_records endpoint accepts.
// A name filter rarely matches more than a handful of records, so one page is enough.
const recordsPerPage = 100

// NewCloudflare constructs the Cloudflare provider for one credential.
//
// It returns an error matching ErrInvalidCredential unless cred is a
// non-empty token or a complete email and global API key pair.
func NewCloudflare(cred Credential, settings ConnectionSettings, options ...CloudflareOption) (*Cloudflare, error) {
	if err := validateCredential(cred); err != nil {
		return nil, err
	}
	cf := &Cloudflare{
		cred:    cred,
		baseURL: CloudflareAPI,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range options {
		opt(cf)
	}
	cf.transport = NewTransport(settings, append([]TransportOption{TransportLogger(cf.logger)}, cf.transportOpts...)...)
	return cf, nil
}

type CloudflareOption func(*Cloudflare)

// CloudflareBaseURL points the client at another API root, e.g. a test server.
func CloudflareBaseURL(u string) CloudflareOption {
	return func(cf *Cloudflare) {
		if u != "" {
			cf.baseURL = strings.TrimSuffix(u, "/")
		}
	}
}

func CloudflareLogger(l *zap.Logger) CloudflareOption {
	return func(cf *Cloudflare) {
		if l != nil {
			cf.logger = l
		}
	}
}

// CloudflareTransport passes options through to the client's Transport.
func CloudflareTransport(options ...TransportOption) CloudflareOption {
	return func(cf *Cloudflare) {
		cf.transportOpts = append(cf.transportOpts, options...)
	}
}

// CloudflareClock replaces the clock used for the audit comment.
func CloudflareClock(now func() time.Time) CloudflareOption {
	return func(cf *Cloudflare) {
		if now != nil {
			cf.now = now
		}
	}
}

// Cloudflare implements ddns.Provider on the Cloudflare v4 REST API.
type Cloudflare struct {
	cred          Credential
	baseURL       string
	transport     *Transport
	transportOpts []TransportOption
	logger        *zap.Logger
	now           func() time.Time
}

type zoneFilter struct {
	Name string `url:"name"`
}

type recordFilter struct {
	Name    string `url:"name"`
	PerPage int    `url:"per_page,omitempty"`
}

// recordBody is the PUT payload. cloudflare.DNSRecord would send
// zone and metadata fields the endpoint does not expect.
type recordBody struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	TTL     int    `json:"ttl"`
	Proxied bool   `json:"proxied"`
	Comment string `json:"comment"`
}

// ResolveZone implements ddns.Provider.
func (cf *Cloudflare) ResolveZone(ctx context.Context, name string) (Zone, error) {
	var zones []cloudflare.Zone
	if err := cf.call(ctx, http.MethodGet, "/zones", zoneFilter{Name: queryName(name)}, nil, &zones); err != nil {
		return Zone{}, fmt.Errorf("error listing zones named %s: %w", name, err)
	}

	want := canonicalName(name)
	matches := lo.Filter(zones, func(z cloudflare.Zone, _ int) bool {
		return canonicalName(z.Name) == want
	})
	if len(matches) == 0 {
		return Zone{}, fmt.Errorf("%w: %s", ErrZoneNotFound, name)
	}
	if len(matches) > 1 {
		cf.logger.Warn("multiple zones share a name; using the first",
			zap.String("zone", name),
			zap.Strings("zone_ids", lo.Map(matches, func(z cloudflare.Zone, _ int) string { return z.ID })),
		)
	}
	return Zone{ID: matches[0].ID, Name: matches[0].Name}, nil
}

// ListAddressRecords implements ddns.Provider.
func (cf *Cloudflare) ListAddressRecords(ctx context.Context, zoneID, name string) ([]Record, error) {
	var records []cloudflare.DNSRecord
	path := "/zones/" + url.PathEscape(zoneID) + "/dns_records"
	if err := cf.call(ctx, http.MethodGet, path, recordFilter{Name: queryName(name), PerPage: recordsPerPage}, nil, &records); err != nil {
		return nil, fmt.Errorf("error listing records named %s: %w", name, err)
	}
	return lo.Map(records, func(r cloudflare.DNSRecord, _ int) Record { return fromAPI(r) }), nil
}

// UpdateRecord implements ddns.Provider.
func (cf *Cloudflare) UpdateRecord(ctx context.Context, zoneID, recordID string, update RecordUpdate) (Record, error) {
	body := recordBody{
		Type:    recordType(update.Content),
		Name:    update.Name,
		Content: update.Content,
		TTL:     update.TTL,
		Proxied: update.Proxied,
		Comment: "managed by ddns, updated " + cf.now().UTC().Format(time.RFC3339),
	}
	var record cloudflare.DNSRecord
	path := "/zones/" + url.PathEscape(zoneID) + "/dns_records/" + url.PathEscape(recordID)
	if err := cf.call(ctx, http.MethodPut, path, nil, body, &record); err != nil {
		return Record{}, fmt.Errorf("error updating record %s: %w", recordID, err)
	}
	return fromAPI(record), nil
}

// call sends one request and decodes the result field of the response envelope into result.
func (cf *Cloudflare) call(ctx context.Context, method, path string, filter, body, result any) error {
	req := Request{
		Method: method,
		URL:    cf.baseURL + path,
		Header: http.Header{},
		Body:   body,
	}
	if filter != nil {
		q, err := query.Values(filter)
		if err != nil {
			return fmt.Errorf("error encoding query: %w", err)
		}
		req.Query = q
	}
	cf.cred.authorize(req.Header)

	var env struct {
		cloudflare.Response
		Result json.RawMessage `json:"result"`
	}
	if err := cf.transport.Do(ctx, req, &env); err != nil {
		return err
	}
	if !env.Success {
		return fmt.Errorf("%w: %s", ErrAPIFailure, formatMessages(env.Errors))
	}
	if len(env.Result) == 0 || string(env.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Result, result); err != nil {
		return fmt.Errorf("error decoding result: %w", err)
	}
	return nil
}

func fromAPI(r cloudflare.DNSRecord) Record {
	return Record{
		ID:      r.ID,
		Name:    r.Name,
		Type:    r.Type,
		Content: r.Content,
		TTL:     r.TTL,
		Proxied: r.Proxied != nil && *r.Proxied,
	}
}

// recordType derives the record type from the address text:
// anything containing a colon is IPv6.
func recordType(content string) string {
	if strings.Contains(content, ":") {
		return "AAAA"
	}
	return "A"
}

// canonicalName lowercases name, converts it to its ASCII form and makes it fully qualified.
func canonicalName(name string) string {
	if ascii, err := idna.Lookup.ToASCII(strings.TrimSuffix(name, ".")); err == nil {
		name = ascii
	}
	return dns.CanonicalName(name)
}

// queryName is the form of name sent in filters.
func queryName(name string) string {
	return strings.TrimSuffix(canonicalName(name), ".")
}
