package ddns

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

// WebResolver looks up the public IP with a single GET to an IP echo service.
//
// The service must answer "200 OK" with one of:
//   - a bare IPv4 or IPv6 address as the first line of the body,
//   - a JSON object with an "ip" field (e.g. https://api.ipify.org?format=json),
//   - key=value lines containing an "ip=" line (e.g. https://cloudflare.com/cdn-cgi/trace).
//
// All other responses are considered an error. There is no fallback service;
// the recommended approach is to run your own service over https.
type WebResolver struct {
	URL string

	// HTTPClient is used for the request. A default client is used when nil.
	HTTPClient *http.Client

	// Timeout bounds the lookup. DefaultLookupTimeout is used when zero.
	Timeout time.Duration
}

// Resolve implements ddns.Resolver.
func (wr *WebResolver) Resolve(ctx context.Context) (netip.Addr, error) {
	if wr.URL == "" {
		return netip.Addr{}, errors.New("no IP lookup service URL was provided")
	}
	timeout := wr.Timeout
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	// the timeout ensures the lookup eventually completes even with context.Background
	// and a client that has no timeout of its own.
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wr.URL, nil)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")

	httpclient := wr.HTTPClient
	if httpclient == nil {
		httpclient = cleanhttp.DefaultClient()
	}

	resp, err := httpclient.Do(req)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return netip.Addr{}, fmt.Errorf("http request returned %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("error reading response body: %w", err)
	}
	ip, err := parseEcho(body)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("error parsing IP address from response body: %w", err)
	}
	return ip, nil
}

func parseEcho(body []byte) (netip.Addr, error) {
	body = bytes.TrimSpace(body)
	if bytes.HasPrefix(body, []byte("{")) {
		var v struct {
			IP string `json:"ip"`
		}
		if err := json.Unmarshal(body, &v); err != nil {
			return netip.Addr{}, err
		}
		return netip.ParseAddr(strings.TrimSpace(v.IP))
	}

	scanner := bufio.NewScanner(bytes.NewReader(body))
	first := ""
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if first == "" {
			first = line
		}
		if v, ok := strings.CutPrefix(line, "ip="); ok {
			return netip.ParseAddr(v)
		}
	}
	return netip.ParseAddr(first)
}
