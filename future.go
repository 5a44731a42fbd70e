package ddns

import (
	"context"
	"fmt"
	"net/netip"
)

// AddressFuture is a public IP lookup shared by every task of a run.
type AddressFuture struct {
	done chan struct{}
	addr netip.Addr
	err  error
}

// Lookup starts resolving the public IP in the background and returns immediately.
// The resolver is called exactly once no matter how many callers await the result.
func Lookup(ctx context.Context, r Resolver) *AddressFuture {
	f := &AddressFuture{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		if r == nil {
			f.err = fmt.Errorf("%w: no resolver configured", ErrPublicIPUnavailable)
			return
		}
		addr, err := r.Resolve(ctx)
		if err != nil {
			f.err = fmt.Errorf("%w: %w", ErrPublicIPUnavailable, err)
			return
		}
		if !addr.IsValid() {
			f.err = fmt.Errorf("%w: resolver returned no address", ErrPublicIPUnavailable)
			return
		}
		f.addr = addr.Unmap()
	}()
	return f
}

// Await blocks until the lookup finished or ctx is done.
func (f *AddressFuture) Await(ctx context.Context) (netip.Addr, error) {
	select {
	case <-f.done:
		return f.addr, f.err
	case <-ctx.Done():
		return netip.Addr{}, ctx.Err()
	}
}
