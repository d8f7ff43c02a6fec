// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package seeder wires the address database, crawler pool, DNS cache
// server, reporter, and observability endpoints into a single runnable
// service, directly generalizing the teacher's service/tbc.Server
// construction-and-Run pattern.
package seeder

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/juju/loggo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hemilabs/dnsseed/addrmgr"
	"github.com/hemilabs/dnsseed/api/seederapi"
	"github.com/hemilabs/dnsseed/config"
	"github.com/hemilabs/dnsseed/crawler"
	"github.com/hemilabs/dnsseed/dialer"
	"github.com/hemilabs/dnsseed/dnscache"
	"github.com/hemilabs/dnsseed/netaddr"
	"github.com/hemilabs/dnsseed/reporter"
)

var log = loggo.GetLogger("seeder")

func init() {
	loggo.ConfigureLoggers("INFO")
}

const (
	mainnetPeerPort = 8333
	testnetPeerPort = 18333

	promSubsystem = "dnsseed"

	// Default TTLs per spec §4.6: data records 3600s, NS/SOA 40000s.
	dataRecordTTL = 3600
	nsRecordTTL   = 40000
)

// Server is the top-level service, the analogue of the teacher's
// service/tbc.Server.
type Server struct {
	cfg *config.Config

	mtx     sync.Mutex
	running bool

	db       *addrmgr.Manager
	level    *addrmgr.LevelStore
	dial     *dialer.Dialer
	dnsCache *dnscache.Cache
	dnsSrv   *dnscache.Server
	dumper   *reporter.Dumper

	wg sync.WaitGroup
}

// NewServer constructs every component from cfg but does not start any
// goroutines; call Run to start the service.
func NewServer(cfg *config.Config) (*Server, error) {
	db := addrmgr.New()
	db.MinVersion = 0

	level, err := addrmgr.OpenLevelStore(cfg.DataDir + "/peers.ldb")
	if err != nil {
		return nil, fmt.Errorf("open peer store: %w", err)
	}
	if err := db.LoadFromLevelStore(level); err != nil {
		log.Warningf("load peer store: %v", err)
	}

	if cfg.WipeBan {
		db.BanWipe()
	}
	if cfg.WipeIgnore {
		db.IgnoreWipe()
	}

	policy := dialer.Policy{}
	if cfg.IPv4Proxy != "" {
		policy.IPv4 = &dialer.Route{ProxyAddr: cfg.IPv4Proxy}
	}
	if cfg.IPv6Proxy != "" {
		policy.IPv6 = &dialer.Route{ProxyAddr: cfg.IPv6Proxy}
	}
	if cfg.TorProxy != "" {
		policy.Onion = &dialer.Route{ProxyAddr: cfg.TorProxy}
	}

	cache := dnscache.NewCache(db, 96)

	whitelist := make(map[uint64]bool, len(cfg.FilterWhitelist))
	for _, f := range cfg.FilterWhitelist {
		whitelist[f] = true
	}

	dnsSrv, err := dnscache.NewServer(dnscache.Config{
		ListenAddr:  net.JoinHostPort(cfg.ListenAddress, fmt.Sprint(cfg.ListenPort)),
		NumWorkers:  cfg.NDNSWorkers,
		Zone:        cfg.ZoneHost,
		Nameserver:  cfg.Nameserver,
		Mailbox:     cfg.SOAMailbox,
		TTL:         dataRecordTTL,
		NSTTL:       nsRecordTTL,
		MaxAnswers:  32,
		DefaultFlag: 0, // bare HOST query with no filter prefix means "any good peer"
		Whitelist:   whitelist,
	}, cache)
	if err != nil {
		return nil, fmt.Errorf("new dns server: %w", err)
	}

	dumper := reporter.NewDumper(reporter.Config{
		Dir:   cfg.DataDir,
		Debug: cfg.Debug,
	}, serializeFn(db), reportRowsFn(db), statsLineFn(db, cfg.DataDir))

	return &Server{
		cfg:      cfg,
		db:       db,
		level:    level,
		dial:     dialer.New(policy),
		dnsCache: cache,
		dnsSrv:   dnsSrv,
		dumper:   dumper,
	}, nil
}

func serializeFn(db *addrmgr.Manager) func(w io.Writer) error {
	return db.Serialize
}

func reportRowsFn(db *addrmgr.Manager) func() []reporter.ReportRow {
	return func() []reporter.ReportRow {
		snap := db.Snapshot()
		rows := make([]reporter.ReportRow, 0, len(snap))
		for _, r := range snap {
			rows = append(rows, reporter.ReportRow{
				Address:          r.Endpoint.String(),
				Good:             r.LastGood != 0,
				LastSuccess:      r.LastSuccess,
				Uptime2h:         r.Uptime[addrmgr.Window2h],
				Uptime8h:         r.Uptime[addrmgr.Window8h],
				Uptime1d:         r.Uptime[addrmgr.Window1d],
				Uptime7d:         r.Uptime[addrmgr.Window7d],
				Uptime30d:        r.Uptime[addrmgr.Window30d],
				ClientVersion:    r.ClientVersion,
				ClientSubVersion: r.ClientSubVersion,
			})
		}
		return rows
	}
}

func statsLineFn(db *addrmgr.Manager, dataDir string) func() string {
	return func() string {
		var sum2h, sum8h, sum1d, sum7d, sum30d float64
		for _, r := range db.Snapshot() {
			sum2h += r.Uptime[addrmgr.Window2h]
			sum8h += r.Uptime[addrmgr.Window8h]
			sum1d += r.Uptime[addrmgr.Window1d]
			sum7d += r.Uptime[addrmgr.Window7d]
			sum30d += r.Uptime[addrmgr.Window30d]
		}
		return reporter.FormatStatsLine(sum2h, sum8h, sum1d, sum7d, sum30d)
	}
}

// Bootstrap resolves every configured bootstrap hostname and inserts the
// results as trusted peers, the DNS-seed-of-DNS-seeds technique the
// original daemon and Bitcoin Core nodes both use to prime an empty
// database.
func (s *Server) Bootstrap() {
	port := uint16(mainnetPeerPort)
	if s.cfg.UseTestnet {
		port = testnetPeerPort
	}
	for _, host := range s.cfg.BootstrapHosts {
		addrs, err := net.LookupHost(host)
		if err != nil {
			log.Errorf("bootstrap lookup %s: %v", host, err)
			continue
		}
		var endpoints []netaddr.Endpoint
		for _, a := range addrs {
			ep, err := netaddr.Parse(a, port)
			if err != nil {
				continue
			}
			endpoints = append(endpoints, ep)
		}
		n := s.db.Add(endpoints, true)
		log.Infof("bootstrap %s resolved %d addresses, %d new", host, len(addrs), n)
	}
}

// levelSaveInterval is how often the in-memory database is flushed to the
// incremental leveldb peer store between dump cycles.
const levelSaveInterval = 5 * time.Minute

// runLevelSaver periodically persists the database to s.level so a crash
// between dnsseed.dat dump cycles loses only the most recent interval of
// learned peers rather than the whole database.
func (s *Server) runLevelSaver(ctx context.Context) {
	ticker := time.NewTicker(levelSaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.db.SaveToLevelStore(s.level); err != nil {
				log.Errorf("periodic peer store save failed: %v", err)
			}
		}
	}
}

func (s *Server) testAndSetRunning(b bool) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	wasRunning := s.running
	s.running = b
	return wasRunning != b
}

func (s *Server) promRunning() float64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.running {
		return 1
	}
	return 0
}

// Run starts every subsystem and blocks until the process receives
// SIGINT/SIGTERM or ctx is cancelled, then shuts down cleanly.
func (s *Server) Run(pctx context.Context) error {
	log.Tracef("Run")
	defer log.Tracef("Run exit")

	if !s.testAndSetRunning(true) {
		return fmt.Errorf("seeder already running")
	}
	defer s.testAndSetRunning(false)

	ctx, stop := signal.NotifyContext(pctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s.Bootstrap()

	if s.cfg.StatsListenAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Subsystem: promSubsystem,
			Name:      "running",
			Help:      "Is the dnsseed service running.",
		}, s.promRunning))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.Handle("/", seederapi.Handler(s.db))
		httpSrv := &http.Server{Addr: s.cfg.StatsListenAddr, Handler: mux}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			<-ctx.Done()
			_ = httpSrv.Close()
		}()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("stats server terminated with error: %v", err)
			}
		}()
	}

	netParam := wire.MainNet
	if s.cfg.UseTestnet {
		netParam = wire.TestNet3
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		crawler.Run(ctx, crawler.Config{
			NumWorkers:  s.cfg.NCrawlers,
			Net:         netParam,
			ProtocolVer: uint32(wire.ProtocolVersion),
			UserAgent:   "/hemi-dnsseed:0.1.0/",
			MinVersion:  0,
			LocalAddr:   wire.NewNetAddressIPPort(net.ParseIP("0.0.0.0"), 0, 0),
			Dial:        s.dial,
			DB:          s.db,
		})
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.dnsSrv.Run(ctx); err != nil {
			log.Errorf("dns server terminated with error: %v", err)
		}
	}()

	stopDump := make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dumper.Run(stopDump)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runLevelSaver(ctx)
	}()

	<-ctx.Done()
	log.Infof("dnsseed service shutting down")
	close(stopDump)
	if err := s.dumper.DumpOnce(); err != nil {
		log.Errorf("final dump failed: %v", err)
	}
	if err := s.db.SaveToLevelStore(s.level); err != nil {
		log.Errorf("final peer store save failed: %v", err)
	}
	if err := s.level.Close(); err != nil {
		log.Errorf("close peer store: %v", err)
	}
	s.wg.Wait()
	log.Infof("dnsseed service clean shutdown")

	return ctx.Err()
}
