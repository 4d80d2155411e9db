// SPDX-License-Identifier: GPL-3.0-or-later

package hops

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// BindSpec is a parsed bind specifier.
type BindSpec struct {
	// Raw is the specifier as written in the configuration.
	Raw string

	// Host is a literal address, a symbolic token or a host name.
	Host string

	// Port is the port to bind.
	Port int
}

// Symbolic bind hosts.
const (
	// BindAny binds both the IPv4 and the IPv6 unspecified addresses.
	BindAny = "any"

	// BindAny4 binds the IPv4 unspecified address.
	BindAny4 = "any4"

	// BindAny6 binds the IPv6 unspecified address.
	BindAny6 = "any6"
)

// ParseBindSpec parses a semicolon separated list of bind specifiers.
//
// Each specifier is a host optionally followed by a port, like in
// "127.0.0.1:5555", "[::1]:5555", "any:5555", "localhost" or "::1". The
// host is a literal address, "*" or "any" (any IPv4 and IPv6 address),
// "any4", "any6" or a host name. Specifiers without a port use defaultPort.
// Empty specifiers are ignored, but at least one must be present.
func ParseBindSpec(value string, defaultPort int) ([]BindSpec, error) {
	var specs []BindSpec
	for raw := range strings.SplitSeq(value, ";") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		spec, err := parseOneBindSpec(raw, defaultPort)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	if len(specs) <= 0 {
		return nil, fmt.Errorf("%w: %q: no specifiers", ErrBindSpec, value)
	}
	return specs, nil
}

func parseOneBindSpec(raw string, defaultPort int) (BindSpec, error) {
	host, port := raw, defaultPort

	// a bare IPv6 address would otherwise confuse SplitHostPort
	if _, err := netip.ParseAddr(raw); err != nil {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			value, err := strconv.Atoi(p)
			if err != nil {
				return BindSpec{}, fmt.Errorf("%w: %q: invalid port", ErrBindSpec, raw)
			}
			host, port = h, value
		}
	}

	if host == "*" {
		host = BindAny
	}
	if host == "" {
		return BindSpec{}, fmt.Errorf("%w: %q: empty host", ErrBindSpec, raw)
	}
	if port < 0 || port > 65535 {
		return BindSpec{}, fmt.Errorf("%w: %q: port out of range", ErrBindSpec, raw)
	}
	return BindSpec{Raw: raw, Host: host, Port: port}, nil
}

// BindAddr is a resolved listening endpoint.
type BindAddr struct {
	// Spec is the specifier the endpoint derives from.
	Spec BindSpec

	// AddrPort is the endpoint to bind.
	AddrPort netip.AddrPort
}

// Network returns "tcp4" or "tcp6" depending on the address family, so
// that binding both unspecified addresses on the same port does not fail
// because of dual-stack sockets.
func (ba BindAddr) Network() string {
	if ba.AddrPort.Addr().Is4() {
		return "tcp4"
	}
	return "tcp6"
}

// ResolveBindSpec resolves each specifier into one or more endpoints.
//
// Host names are resolved using the resolver. Duplicate endpoints are
// removed, keeping the first occurrence.
func ResolveBindSpec(ctx context.Context, resolver Resolver, specs []BindSpec) ([]BindAddr, error) {
	var (
		out  []BindAddr
		seen = make(map[netip.AddrPort]bool)
	)
	for _, spec := range specs {
		addrs, err := resolveBindHost(ctx, resolver, spec.Host)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrBindSpec, spec.Raw, err)
		}
		for _, addr := range addrs {
			ap := netip.AddrPortFrom(addr.Unmap(), uint16(spec.Port))
			if seen[ap] {
				continue
			}
			seen[ap] = true
			out = append(out, BindAddr{Spec: spec, AddrPort: ap})
		}
	}
	return out, nil
}

func resolveBindHost(ctx context.Context, resolver Resolver, host string) ([]netip.Addr, error) {
	switch host {
	case BindAny:
		return []netip.Addr{netip.IPv4Unspecified(), netip.IPv6Unspecified()}, nil
	case BindAny4:
		return []netip.Addr{netip.IPv4Unspecified()}, nil
	case BindAny6:
		return []netip.Addr{netip.IPv6Unspecified()}, nil
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}
	addrs, err := resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	if len(addrs) <= 0 {
		return nil, fmt.Errorf("no addresses for %q", host)
	}
	return addrs, nil
}
