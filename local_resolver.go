package ddns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
)

// InterfaceResolver constructs a resolver that returns the first public address
// of the named interface, for hosts that hold their public IP directly.
// If name is empty then all interfaces are searched.
//
// Loopback, link-local and private (RFC 1918, RFC 4193) addresses are skipped.
func InterfaceResolver(name string) Resolver {
	return interfaceResolver{name: name}
}

type interfaceResolver struct {
	name string
}

func (r interfaceResolver) Resolve(context.Context) (netip.Addr, error) {
	var (
		addrs []net.Addr
		err   error
	)
	if r.name == "" {
		addrs, err = net.InterfaceAddrs()
	} else {
		var iface *net.Interface
		iface, err = net.InterfaceByName(r.name)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("error getting interface %s by name: %w", r.name, err)
		}
		addrs, err = iface.Addrs()
	}
	if err != nil {
		return netip.Addr{}, fmt.Errorf("error looking up interface addresses: %w", err)
	}
	return firstPublic(addrs)
}

// firstPublic picks the first global unicast, non-private address.
//
//	addr: ip+net:192.168.86.253/24
//	addr: ip+net:fd64:9f44:fc30:0:b951:8b16:2812:a227/64
//	addr: ip+net:fe80::2cc9:801b:3551:9a43/64
func firstPublic(addrs []net.Addr) (netip.Addr, error) {
	var parseErrors []error
	for _, addr := range addrs {
		prefix, err := netip.ParsePrefix(addr.String())
		if err != nil {
			parseErrors = append(parseErrors, fmt.Errorf("error parsing local ip %s: %w", addr.String(), err))
			continue
		}
		ip := prefix.Addr().Unmap()
		if ip.IsGlobalUnicast() && !ip.IsPrivate() {
			return ip, nil
		}
	}
	return netip.Addr{}, errors.Join(append([]error{errors.New("no public address found on local interfaces")}, parseErrors...)...)
}
