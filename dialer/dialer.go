// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package dialer implements the proxy-aware TCP dialer: direct connections
// for routable IPv4/IPv6 endpoints, and SOCKS5 routing (required for Tor
// .onion endpoints) per a configured per-family policy.
package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/juju/loggo"
	"golang.org/x/net/proxy"

	"github.com/hemilabs/dnsseed/netaddr"
)

var log = loggo.GetLogger("dialer")

func init() {
	loggo.ConfigureLoggers("INFO")
}

const (
	// DefaultConnectTimeout bounds how long a dial attempt is allowed to
	// take, proxy handshake included.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultIdleTimeout bounds how long a read may block once connected.
	DefaultIdleTimeout = 20 * time.Second
)

var (
	ErrTimeout        = errors.New("dialer: timeout")
	ErrRefused        = errors.New("dialer: connection refused")
	ErrNoRoute        = errors.New("dialer: no route configured for family")
	ErrProxyHandshake = errors.New("dialer: proxy handshake failed")
)

// Route describes how to reach a given address family: nil means dial
// directly, non-nil means route through this SOCKS5 proxy address.
type Route struct {
	ProxyAddr string // "host:port" of a SOCKS5 proxy
}

// Policy maps each address family to a Route. A Policy is write-once at
// startup and read by every crawler worker thereafter; it requires no
// locking.
type Policy struct {
	IPv4  *Route
	IPv6  *Route
	Onion *Route
}

func (p Policy) routeFor(f netaddr.Family) (*Route, bool) {
	switch f {
	case netaddr.FamilyIPv4:
		return p.IPv4, true
	case netaddr.FamilyIPv6:
		return p.IPv6, true
	case netaddr.FamilyOnionV2, netaddr.FamilyOnionV3:
		return p.Onion, true
	default:
		return nil, false
	}
}

// Dialer dials endpoints according to a Policy, with a connect timeout and
// an idle (read/write) timeout applied to the resulting connection.
type Dialer struct {
	Policy         Policy
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
}

// New returns a Dialer with the spec's default timeouts.
func New(policy Policy) *Dialer {
	return &Dialer{
		Policy:         policy,
		ConnectTimeout: DefaultConnectTimeout,
		IdleTimeout:    DefaultIdleTimeout,
	}
}

// Dial connects to endpoint, routing through the configured proxy for its
// family if one is set. Onion endpoints with no configured Tor route fail
// immediately with ErrNoRoute without attempting a connection.
func (d *Dialer) Dial(ctx context.Context, endpoint netaddr.Endpoint) (net.Conn, error) {
	log.Tracef("Dial %v", endpoint)
	defer log.Tracef("Dial exit %v", endpoint)

	route, ok := d.routeFor(endpoint.Family)
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrNoRoute, endpoint.Family)
	}
	if endpoint.IsOnion() && route == nil {
		return nil, fmt.Errorf("%w: onion endpoint %v requires a tor proxy", ErrNoRoute, endpoint)
	}

	ctx, cancel := context.WithTimeout(ctx, d.connectTimeout())
	defer cancel()

	var conn net.Conn
	var err error
	if route == nil {
		conn, err = directDial(ctx, endpoint.String())
	} else {
		conn, err = proxyDial(ctx, route.ProxyAddr, endpoint.String())
	}
	if err != nil {
		return nil, classifyDialErr(err)
	}

	idle := newIdleConn(conn, d.idleTimeout())
	return idle, nil
}

func (d *Dialer) routeFor(f netaddr.Family) (*Route, bool) {
	return d.Policy.routeFor(f)
}

func (d *Dialer) connectTimeout() time.Duration {
	if d.ConnectTimeout > 0 {
		return d.ConnectTimeout
	}
	return DefaultConnectTimeout
}

func (d *Dialer) idleTimeout() time.Duration {
	if d.IdleTimeout > 0 {
		return d.IdleTimeout
	}
	return DefaultIdleTimeout
}

func directDial(ctx context.Context, addr string) (net.Conn, error) {
	var nd net.Dialer
	return nd.DialContext(ctx, "tcp", addr)
}

func proxyDial(ctx context.Context, proxyAddr, addr string) (net.Conn, error) {
	sock5, err := proxy.SOCKS5("tcp", proxyAddr, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProxyHandshake, err)
	}
	type dialResult struct {
		conn net.Conn
		err  error
	}
	// proxy.Dialer has no context-aware variant; race it against ctx so a
	// slow or hung proxy still respects the connect timeout.
	ch := make(chan dialResult, 1)
	go func() {
		c, err := sock5.Dial("tcp", addr)
		ch <- dialResult{c, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProxyHandshake, r.err)
		}
		return r.conn, nil
	}
}

func classifyDialErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*net.DNSError); ok && sysErr.IsTimeout {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Errorf("%w: %v", ErrRefused, err)
	}
	return err
}

// idleConn wraps a net.Conn, resetting a read/write deadline on every
// successful I/O call so that the idle timeout restarts on activity.
type idleConn struct {
	net.Conn
	timeout time.Duration
}

func newIdleConn(c net.Conn, timeout time.Duration) net.Conn {
	_ = c.SetDeadline(time.Now().Add(timeout))
	return &idleConn{Conn: c, timeout: timeout}
}

func (c *idleConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if err == nil {
		_ = c.Conn.SetDeadline(time.Now().Add(c.timeout))
	}
	return n, err
}

func (c *idleConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if err == nil {
		_ = c.Conn.SetDeadline(time.Now().Add(c.timeout))
	}
	return n, err
}
