// SPDX-License-Identifier: GPL-3.0-or-later

package hops

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// funcResolver is a [Resolver] backed by a function.
type funcResolver func(ctx context.Context, network, host string) ([]netip.Addr, error)

func (f funcResolver) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	return f(ctx, network, host)
}

func TestParseBindSpec(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		want    []BindSpec
		wantErr bool
	}{{
		name:  "literal IPv4 with port",
		value: "127.0.0.1:5555",
		want:  []BindSpec{{Raw: "127.0.0.1:5555", Host: "127.0.0.1", Port: 5555}},
	}, {
		name:  "literal IPv6 with port",
		value: "[::1]:5555",
		want:  []BindSpec{{Raw: "[::1]:5555", Host: "::1", Port: 5555}},
	}, {
		name:  "bare IPv6 uses the default port",
		value: "::1",
		want:  []BindSpec{{Raw: "::1", Host: "::1", Port: 7000}},
	}, {
		name:  "star token",
		value: "*:80",
		want:  []BindSpec{{Raw: "*:80", Host: BindAny, Port: 80}},
	}, {
		name:  "multiple with spaces and empty items",
		value: " any4 ; ;localhost:9000;",
		want: []BindSpec{
			{Raw: "any4", Host: BindAny4, Port: 7000},
			{Raw: "localhost:9000", Host: "localhost", Port: 9000},
		},
	}, {
		name:    "empty",
		value:   " ; ",
		wantErr: true,
	}, {
		name:    "invalid port",
		value:   "127.0.0.1:http",
		wantErr: true,
	}, {
		name:    "port out of range",
		value:   "127.0.0.1:70000",
		wantErr: true,
	}, {
		name:    "empty host",
		value:   ":80",
		wantErr: true,
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseBindSpec(tt.value, 7000)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrBindSpec)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveBindSpec(t *testing.T) {
	resolver := funcResolver(func(ctx context.Context, network, host string) ([]netip.Addr, error) {
		switch host {
		case "multi.example":
			return []netip.Addr{
				netip.MustParseAddr("127.0.0.2"),
				netip.MustParseAddr("::ffff:127.0.0.3"),
				netip.MustParseAddr("127.0.0.2"),
			}, nil
		case "empty.example":
			return nil, nil
		default:
			return nil, errors.New("no such host")
		}
	})

	t.Run("tokens literals and names", func(t *testing.T) {
		specs, err := ParseBindSpec("any:1;127.0.0.1:2;multi.example:3", 0)
		require.NoError(t, err)

		addrs, err := ResolveBindSpec(context.Background(), resolver, specs)
		require.NoError(t, err)

		var got []string
		for _, a := range addrs {
			got = append(got, a.Network()+" "+a.AddrPort.String())
		}
		assert.Equal(t, []string{
			"tcp4 0.0.0.0:1",
			"tcp6 [::]:1",
			"tcp4 127.0.0.1:2",
			"tcp4 127.0.0.2:3",
			"tcp4 127.0.0.3:3",
		}, got)
		assert.Equal(t, "multi.example:3", addrs[3].Spec.Raw)
	})

	t.Run("any4 and any6", func(t *testing.T) {
		specs, err := ParseBindSpec("any4:1;any6:1", 0)
		require.NoError(t, err)
		addrs, err := ResolveBindSpec(context.Background(), resolver, specs)
		require.NoError(t, err)
		require.Len(t, addrs, 2)
		assert.Equal(t, netip.IPv4Unspecified(), addrs[0].AddrPort.Addr())
		assert.Equal(t, netip.IPv6Unspecified(), addrs[1].AddrPort.Addr())
	})

	for _, name := range []string{"unknown.example", "empty.example"} {
		t.Run(name, func(t *testing.T) {
			specs, err := ParseBindSpec(name, 1)
			require.NoError(t, err)
			_, err = ResolveBindSpec(context.Background(), resolver, specs)
			require.ErrorIs(t, err, ErrBindSpec)
		})
	}
}
