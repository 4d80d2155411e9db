// SPDX-License-Identifier: GPL-3.0-or-later

package hops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/bassosimone/dnscodec"
	"github.com/bassosimone/minest"
	"github.com/bassosimone/safeconn"
	"github.com/miekg/dns"
)

// ErrNoIPv6Lookup indicates that a [*DNSOverUDPResolver] was asked for
// IPv6 addresses, which it does not resolve.
var ErrNoIPv6Lookup = errors.New("hops: IPv6 lookups are not supported")

// NewDNSOverUDPResolver returns a new [*DNSOverUDPResolver].
//
// The cfg argument contains the common configuration for hops operations.
//
// The server argument is the DNS server endpoint (e.g., 8.8.8.8:53).
//
// The logger argument is the [SLogger] to use for structured logging.
func NewDNSOverUDPResolver(cfg *Config, server netip.AddrPort, logger SLogger) *DNSOverUDPResolver {
	return &DNSOverUDPResolver{
		Connect:       NewConnectFunc(cfg, "udp", logger),
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		Server:        server,
		TimeNow:       cfg.TimeNow,
	}
}

// DNSOverUDPResolver is a [Resolver] using a specific DNS-over-UDP server
// and logging each exchange, including the raw query and response.
//
// Use it as [Config.Resolver] when bind specifiers must be resolved
// without going through the system resolver. It only resolves A records.
//
// All fields are safe to modify after construction but before first use.
type DNSOverUDPResolver struct {
	// Connect dials the UDP conn used for each lookup.
	//
	// Set by [NewDNSOverUDPResolver] using [NewConnectFunc].
	Connect Func[string, net.Conn]

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewDNSOverUDPResolver] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	//
	// Set by [NewDNSOverUDPResolver] to the user-provided logger.
	Logger SLogger

	// Server is the DNS server endpoint.
	//
	// Set by [NewDNSOverUDPResolver] to the user-provided value.
	Server netip.AddrPort

	// TimeNow is the function to get the current time.
	//
	// Set by [NewDNSOverUDPResolver] from [Config.TimeNow].
	TimeNow func() time.Time
}

var _ Resolver = &DNSOverUDPResolver{}

// LookupNetIP implements [Resolver]. The network must be "ip" or "ip4".
func (r *DNSOverUDPResolver) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	if network != "ip" && network != "ip4" {
		return nil, fmt.Errorf("%w: network %q", ErrNoIPv6Lookup, network)
	}

	conn, err := r.Connect.Call(ctx, r.Server.String())
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	resp, err := r.exchange(ctx, conn, host)
	if err != nil {
		return nil, err
	}
	records, err := resp.RecordsA()
	if err != nil {
		return nil, err
	}

	var addrs []netip.Addr
	for _, record := range records {
		addr, err := netip.ParseAddr(record)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

func (r *DNSOverUDPResolver) exchange(ctx context.Context, conn net.Conn, host string) (*dnscodec.Response, error) {
	query := dnscodec.NewQuery(host, dns.TypeA)
	t0 := r.TimeNow()
	deadline, _ := ctx.Deadline()
	var rawQuery []byte
	lc := &dnsExchangeLogContext{
		ErrClassifier: r.ErrClassifier,
		LocalAddr:     safeconn.LocalAddr(conn),
		Logger:        r.Logger,
		QueryName:     host,
		RemoteAddr:    safeconn.RemoteAddr(conn),
		TimeNow:       r.TimeNow,
	}

	// The transport only uses the conn we pass to ExchangeWithConn.
	txp := minest.NewDNSOverUDPTransport(dnsUnusedDialer{}, r.Server)
	txp.ObserveRawQuery = lc.makeQueryObserver(t0, &rawQuery)
	txp.ObserveRawResponse = lc.makeResponseObserver(t0, &rawQuery)

	lc.logStart(t0, deadline)
	resp, err := txp.ExchangeWithConn(ctx, conn, query)
	lc.logDone(t0, deadline, err)
	return resp, err
}

// dnsUnusedDialer is a [Dialer] that panics if DialContext is called.
type dnsUnusedDialer struct{}

var _ Dialer = dnsUnusedDialer{}

// DialContext implements [Dialer].
func (dnsUnusedDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	panic("hops: DNS transport must not dial; this is a programming error")
}

// dnsExchangeLogContext holds the logging state of a DNS exchange.
type dnsExchangeLogContext struct {
	ErrClassifier ErrClassifier
	LocalAddr     string
	Logger        SLogger
	QueryName     string
	RemoteAddr    string
	TimeNow       func() time.Time
}

func (lc *dnsExchangeLogContext) logStart(t0 time.Time, deadline time.Time) {
	lc.Logger.Info(
		"dnsExchangeStart",
		slog.Time("deadline", deadline),
		slog.String("dnsQueryName", lc.QueryName),
		slog.String("localAddr", lc.LocalAddr),
		slog.String("protocol", "udp"),
		slog.String("remoteAddr", lc.RemoteAddr),
		slog.Time("t", t0),
	)
}

func (lc *dnsExchangeLogContext) logDone(t0 time.Time, deadline time.Time, err error) {
	lc.Logger.Info(
		"dnsExchangeDone",
		slog.Time("deadline", deadline),
		slog.String("dnsQueryName", lc.QueryName),
		slog.Any("err", err),
		slog.String("errClass", lc.ErrClassifier.Classify(err)),
		slog.String("localAddr", lc.LocalAddr),
		slog.String("protocol", "udp"),
		slog.String("remoteAddr", lc.RemoteAddr),
		slog.Time("t0", t0),
		slog.Time("t", lc.TimeNow()),
	)
}

func (lc *dnsExchangeLogContext) makeQueryObserver(t0 time.Time, rawQuery *[]byte) func([]byte) {
	return func(raw []byte) {
		lc.Logger.Debug(
			"dnsQuery",
			slog.Any("dnsRawQuery", raw),
			slog.String("localAddr", lc.LocalAddr),
			slog.String("protocol", "udp"),
			slog.String("remoteAddr", lc.RemoteAddr),
			slog.Time("t", t0),
		)
		*rawQuery = raw
	}
}

func (lc *dnsExchangeLogContext) makeResponseObserver(t0 time.Time, rawQuery *[]byte) func([]byte) {
	return func(raw []byte) {
		lc.Logger.Debug(
			"dnsResponse",
			slog.Any("dnsRawQuery", *rawQuery),
			slog.Any("dnsRawResponse", raw),
			slog.String("localAddr", lc.LocalAddr),
			slog.String("protocol", "udp"),
			slog.String("remoteAddr", lc.RemoteAddr),
			slog.Time("t0", t0),
			slog.Time("t", lc.TimeNow()),
		)
	}
}
