// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package crawler

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/hemilabs/dnsseed/addrmgr"
	"github.com/hemilabs/dnsseed/dialer"
	"github.com/hemilabs/dnsseed/netaddr"
)

type fakeDB struct {
	mu      sync.Mutex
	pending []addrmgr.SelectedPeer
	reports []addrmgr.ProbeResult
	added   []netaddr.Endpoint
}

func (f *fakeDB) SelectBatch(limit int) []addrmgr.SelectedPeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return nil
	}
	n := limit
	if n > len(f.pending) {
		n = len(f.pending)
	}
	out := f.pending[:n]
	f.pending = f.pending[n:]
	return out
}

func (f *fakeDB) ReportBatch(results []addrmgr.ProbeResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, results...)
}

func (f *fakeDB) Add(endpoints []netaddr.Endpoint, fromDNS bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, endpoints...)
	return len(endpoints)
}

// TestWorkerHandshakesAndReports spins up a real TCP listener acting as a
// peer, points a single worker at it through the fake database, and checks
// that a successful handshake is reported back.
func TestWorkerHandshakesAndReports(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		msg, _, err := wire.ReadMessage(conn, wire.ProtocolVersion, wire.TestNet3)
		if err != nil {
			return
		}
		if _, ok := msg.(*wire.MsgVersion); !ok {
			return
		}
		v := wire.NewMsgVersion(
			wire.NewNetAddressIPPort(net.ParseIP("127.0.0.1"), 1, 0),
			wire.NewNetAddressIPPort(net.ParseIP("127.0.0.1"), 2, 0), 99, 0)
		v.UserAgent = "/fakepeer:0.0.1/"
		_ = wire.WriteMessage(conn, v, wire.ProtocolVersion, wire.TestNet3)

		msg, _, err = wire.ReadMessage(conn, wire.ProtocolVersion, wire.TestNet3)
		if err != nil {
			return
		}
		if _, ok := msg.(*wire.MsgVerAck); !ok {
			return
		}
		_ = wire.WriteMessage(conn, wire.NewMsgVerAck(), wire.ProtocolVersion, wire.TestNet3)
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	ep, err := netaddr.ParseHostPort(net.JoinHostPort(host, portStr))
	require.NoError(t, err)

	db := &fakeDB{pending: []addrmgr.SelectedPeer{{Endpoint: ep}}}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cfg := Config{
		NumWorkers:  1,
		Net:         wire.TestNet3,
		ProtocolVer: uint32(wire.ProtocolVersion),
		UserAgent:   "/seeder:0.1.0/",
		LocalAddr:   wire.NewNetAddressIPPort(net.ParseIP("127.0.0.1"), 0, 0),
		Dial:        dialer.New(dialer.Policy{}),
		DB:          db,
	}

	done := make(chan struct{})
	go func() {
		worker(ctx, 0, cfg)
		close(done)
	}()

	require.Eventually(t, func() bool {
		db.mu.Lock()
		defer db.mu.Unlock()
		return len(db.reports) == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done

	require.True(t, db.reports[0].Success)
	require.Equal(t, "/fakepeer:0.0.1/", db.reports[0].ClientSubVer)
}

func TestProbeOneDialFailureReportsUnsuccessful(t *testing.T) {
	ep, err := netaddr.Parse("203.0.113.254", 1) // non-routed TEST-NET-3 address
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	cfg := Config{
		Net:         wire.TestNet3,
		ProtocolVer: uint32(wire.ProtocolVersion),
		UserAgent:   "/seeder:0.1.0/",
		LocalAddr:   wire.NewNetAddressIPPort(net.ParseIP("127.0.0.1"), 0, 0),
		Dial:        dialer.New(dialer.Policy{}),
	}

	res := probeOne(ctx, cfg, addrmgr.SelectedPeer{Endpoint: ep})
	require.False(t, res.Success)
}

// TestProbeOneOnionNoRouteSetsNoRoute confirms an Onion endpoint dialed with
// no Tor proxy configured is reported as NoRoute rather than an ordinary
// failure, so the address database applies the week-long suppression
// instead of the regular retry staircase.
func TestProbeOneOnionNoRouteSetsNoRoute(t *testing.T) {
	ep, err := netaddr.Parse("expyuzz4wqqyqhjn.onion", 8333)
	require.NoError(t, err)
	require.True(t, ep.IsOnion())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	cfg := Config{
		Net:         wire.TestNet3,
		ProtocolVer: uint32(wire.ProtocolVersion),
		UserAgent:   "/seeder:0.1.0/",
		LocalAddr:   wire.NewNetAddressIPPort(net.ParseIP("127.0.0.1"), 0, 0),
		Dial:        dialer.New(dialer.Policy{}), // no Onion route configured
	}

	res := probeOne(ctx, cfg, addrmgr.SelectedPeer{Endpoint: ep})
	require.False(t, res.Success)
	require.True(t, res.NoRoute)
}
