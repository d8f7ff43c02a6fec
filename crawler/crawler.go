// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package crawler implements the worker pool (C5) that repeatedly selects
// due peers from the address database, dials and handshakes them, and
// reports the outcome back. It generalizes the teacher's peer-management
// goroutine loop in service/tbc/tbc.go from a single persistent connection
// set to a short-lived probe-and-report cycle.
package crawler

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/juju/loggo"

	"github.com/hemilabs/dnsseed/addrmgr"
	"github.com/hemilabs/dnsseed/dialer"
	"github.com/hemilabs/dnsseed/netaddr"
	"github.com/hemilabs/dnsseed/wireproto"
)

var log = loggo.GetLogger("crawler")

func init() {
	loggo.ConfigureLoggers("INFO")
}

// BatchSize is the number of peers requested per SelectBatch call.
const BatchSize = 64

// EmptyBackoff is the sleep applied when SelectBatch returns nothing,
// jittered to avoid every worker waking in lockstep.
const EmptyBackoff = 5 * time.Second

// AddressDB is the subset of *addrmgr.Manager the crawler depends on. A
// fake satisfying this interface can stand in for the real database in
// tests.
type AddressDB interface {
	SelectBatch(limit int) []addrmgr.SelectedPeer
	ReportBatch(results []addrmgr.ProbeResult)
	Add(endpoints []netaddr.Endpoint, fromDNS bool) int
}

// Config parametrizes the worker pool.
type Config struct {
	NumWorkers  int
	Net         wire.BitcoinNet
	ProtocolVer uint32
	UserAgent   string
	MinVersion  int32
	LocalAddr   *wire.NetAddress

	Dial *dialer.Dialer
	DB   AddressDB
}

// Run starts NumWorkers goroutines probing the address database until ctx
// is cancelled. It blocks until every worker has returned.
func Run(ctx context.Context, cfg Config) {
	log.Infof("crawler starting %d workers", cfg.NumWorkers)
	defer log.Infof("crawler stopped")

	done := make(chan struct{})
	for i := 0; i < cfg.NumWorkers; i++ {
		go func(id int) {
			worker(ctx, id, cfg)
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < cfg.NumWorkers; i++ {
		<-done
	}
}

func worker(ctx context.Context, id int, cfg Config) {
	log.Tracef("worker %d starting", id)
	defer log.Tracef("worker %d exiting", id)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		batch := cfg.DB.SelectBatch(BatchSize)
		if len(batch) == 0 {
			sleepWithJitter(ctx, EmptyBackoff)
			continue
		}

		results := make([]addrmgr.ProbeResult, 0, len(batch))
		for _, sp := range batch {
			if ctx.Err() != nil {
				break
			}
			res := probeOne(ctx, cfg, sp)
			results = append(results, res)
			if len(res.Neighbors) > 0 {
				cfg.DB.Add(res.Neighbors, false)
			}
		}
		cfg.DB.ReportBatch(results)
	}
}

func probeOne(ctx context.Context, cfg Config, sp addrmgr.SelectedPeer) addrmgr.ProbeResult {
	res := addrmgr.ProbeResult{Endpoint: sp.Endpoint}

	conn, err := cfg.Dial.Dial(ctx, sp.Endpoint)
	if err != nil {
		if errors.Is(err, dialer.ErrNoRoute) {
			res.NoRoute = true
		}
		log.Debugf("dial %v: %v", sp.Endpoint, err)
		return res
	}
	defer conn.Close()

	host, _ := sp.Endpoint.Host()
	remote := wire.NewNetAddressIPPort(net.ParseIP(host), sp.Endpoint.Port, 0)
	hsCfg := wireproto.Config{
		Net:            cfg.Net,
		ProtocolVer:    cfg.ProtocolVer,
		UserAgent:      cfg.UserAgent,
		LocalAddr:      cfg.LocalAddr,
		RemoteAddr:     remote,
		RequestGetAddr: sp.RequestGetAddr,
	}

	result, err := wireproto.Handshake(conn, hsCfg)
	if err != nil {
		if isBadPeer(err) {
			res.BadPeer = true
		}
		log.Debugf("handshake %v: %v", sp.Endpoint, err)
		return res
	}

	res.Success = true
	res.Services = uint64(result.Services)
	res.ClientVersion = result.ProtocolVer
	res.ClientSubVer = result.UserAgent
	res.StartingHeight = result.StartingHeight
	res.Neighbors = convertNeighbors(result.Neighbors)
	return res
}

func isBadPeer(err error) bool {
	return errors.Is(err, wireproto.ErrBadPeer)
}

func convertNeighbors(addrs []*wire.NetAddress) []netaddr.Endpoint {
	out := make([]netaddr.Endpoint, 0, len(addrs))
	for _, a := range addrs {
		ep, err := netaddr.Parse(a.IP.String(), a.Port)
		if err != nil {
			continue
		}
		out = append(out, ep)
	}
	return out
}

func sleepWithJitter(ctx context.Context, base time.Duration) {
	jitter := time.Duration(rand.Int63n(int64(base)))
	select {
	case <-ctx.Done():
	case <-time.After(base + jitter):
	}
}
