package ddns

import (
	"context"
	"fmt"
	"net/netip"
)

// Resolver looks up the address that records should point at.
type Resolver interface {
	Resolve(context.Context) (netip.Addr, error)
}

// AddressSource hands out an address that may still be in flight.
// [*AddressFuture] is the implementation used by a run.
type AddressSource interface {
	Await(context.Context) (netip.Addr, error)
}

// Provider is the DNS provider API as seen by a single task.
type Provider interface {
	// ResolveZone finds the zone whose name matches exactly, ignoring case.
	ResolveZone(ctx context.Context, name string) (Zone, error)

	// ListAddressRecords returns every record in the zone with the given name.
	// Records of all types are returned; callers pick the address records.
	ListAddressRecords(ctx context.Context, zoneID, name string) ([]Record, error)

	// UpdateRecord overwrites one record.
	UpdateRecord(ctx context.Context, zoneID, recordID string, update RecordUpdate) (Record, error)
}

// ProviderFactory builds the Provider for one task's credential.
type ProviderFactory func(Credential, ConnectionSettings) (Provider, error)

type Zone struct {
	ID   string
	Name string
}

type Record struct {
	ID      string
	Name    string
	Type    string
	Content string
	TTL     int
	Proxied bool
}

// IsAddress reports whether the record is an A or AAAA record.
func (r Record) IsAddress() bool {
	return r.Type == "A" || r.Type == "AAAA"
}

type RecordUpdate struct {
	Name    string
	Content string
	TTL     int
	Proxied bool
}

// AutoTTL lets the provider choose the TTL.
const AutoTTL = 1

// ValidTTL reports whether ttl is AutoTTL or within [60, 86400].
func ValidTTL(ttl int) bool {
	return ttl == AutoTTL || (ttl >= 60 && ttl <= 86400)
}

// Task is one desired record target.
type Task struct {
	Credential Credential
	Zone       string
	Record     string
	TTL        int
	Proxied    bool
}

func (t Task) String() string {
	return fmt.Sprintf("%s (zone %s)", t.Record, t.Zone)
}

// Validate checks the task before any request is made.
func (t Task) Validate() error {
	if t.Zone == "" {
		return fmt.Errorf("task %q: zone cannot be empty", t.Record)
	}
	if t.Record == "" {
		return fmt.Errorf("task in zone %q: record cannot be empty", t.Zone)
	}
	if !ValidTTL(t.TTL) {
		return fmt.Errorf("task %q: ttl must be %d (automatic) or between 60 and 86400; got %d", t.Record, AutoTTL, t.TTL)
	}
	return nil
}

// Outcome is how a single task ended.
type Outcome int

const (
	Failed Outcome = iota
	Skipped
	Unchanged
	Updated
)

func (o Outcome) String() string {
	switch o {
	case Skipped:
		return "skipped"
	case Unchanged:
		return "unchanged"
	case Updated:
		return "updated"
	default:
		return "failed"
	}
}
