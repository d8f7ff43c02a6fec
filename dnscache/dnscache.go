// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package dnscache implements the authoritative DNS server (C7): a
// shared UDP socket read by a pool of worker goroutines, answering from
// a per-service-flag cache refreshed from the address database on a
// staleness trigger.
package dnscache

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/juju/loggo"
	"github.com/miekg/dns"

	"github.com/hemilabs/dnsseed/addrmgr"
	"github.com/hemilabs/dnsseed/dnsmsg"
	"github.com/hemilabs/dnsseed/netaddr"
)

var log = loggo.GetLogger("dnscache")

func init() {
	loggo.ConfigureLoggers("INFO")
}

// Resolver is the subset of *addrmgr.Manager the cache refreshes from.
type Resolver interface {
	ResolveForDNS(flags uint64, families addrmgr.FamilySet, max int) []netaddr.Endpoint
}

// PerFlagCacheEntry holds the last resolved answer set for one service
// flag combination, plus the hit/size bookkeeping the staleness formula
// needs.
type PerFlagCacheEntry struct {
	Endpoints []netaddr.Endpoint
	NIPv4     int
	NIPv6     int
	Hits      uint64
	CacheTime time.Time
}

// staleAfterIdle is the minimum age a low-traffic entry must reach before
// it is reconsidered stale, per the formula below.
const staleAfterIdle = 5 * time.Second

// isStale implements the spec's exact cache-staleness formula, confirmed
// against the original daemon: an entry with no prior resolution is
// stale; otherwise it is stale if hits*400 exceeds size^2 (heavy traffic
// against a small set), or if hits^2*20 exceeds size and it has been idle
// more than five seconds (light but persistent traffic against a set
// that's gone quiet), or if the caller forces a refresh.
func isStale(entry *PerFlagCacheEntry, now time.Time, forced bool) bool {
	if entry == nil {
		return true
	}
	if forced {
		return true
	}
	size := len(entry.Endpoints)
	hits := entry.Hits
	if hits*400 > uint64(size*size) {
		return true
	}
	if hits*hits*20 > uint64(size) && now.Sub(entry.CacheTime) > staleAfterIdle {
		return true
	}
	return false
}

// Cache is the concurrency-safe per-flag answer cache.
type Cache struct {
	mtx        sync.Mutex
	entries    map[uint64]*PerFlagCacheEntry
	resolver   Resolver
	maxAnswers int
	now        func() time.Time
}

// NewCache returns an empty cache backed by resolver, returning at most
// maxAnswers endpoints per refreshed entry.
func NewCache(resolver Resolver, maxAnswers int) *Cache {
	return &Cache{
		entries:    make(map[uint64]*PerFlagCacheEntry),
		resolver:   resolver,
		maxAnswers: maxAnswers,
		now:        time.Now,
	}
}

// Lookup returns up to max endpoints of the requested families satisfying
// flags, refreshing the per-flag entry from the resolver if it is stale.
// The whole refresh runs under the cache's single lock, matching the
// spec's explicitly-preferred simple design over a lock-per-entry scheme.
func (c *Cache) Lookup(flags uint64, families addrmgr.FamilySet, max int) []netaddr.Endpoint {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	now := c.now()
	entry := c.entries[flags]
	if isStale(entry, now, false) {
		endpoints := c.resolver.ResolveForDNS(flags, addrmgr.FamilySet{IPv4: true, IPv6: true}, c.maxAnswers)
		entry = &PerFlagCacheEntry{Endpoints: endpoints, CacheTime: now}
		for _, ep := range endpoints {
			switch ep.Family {
			case netaddr.FamilyIPv4:
				entry.NIPv4++
			case netaddr.FamilyIPv6:
				entry.NIPv6++
			}
		}
		c.entries[flags] = entry
	}
	entry.Hits++

	return sampleFamilies(entry.Endpoints, families, max)
}

// sampleFamilies filters to the requested families and returns a uniform
// sample of up to max entries using a partial Fisher-Yates shuffle, so
// repeated queries against the same cached set don't always return the
// same prefix.
func sampleFamilies(all []netaddr.Endpoint, families addrmgr.FamilySet, max int) []netaddr.Endpoint {
	filtered := make([]netaddr.Endpoint, 0, len(all))
	for _, ep := range all {
		switch ep.Family {
		case netaddr.FamilyIPv4:
			if families.IPv4 {
				filtered = append(filtered, ep)
			}
		case netaddr.FamilyIPv6:
			if families.IPv6 {
				filtered = append(filtered, ep)
			}
		}
	}
	return partialShuffle(filtered, max)
}

// partialShuffle performs the first k steps of a Fisher-Yates shuffle in
// place on a copy of in, then returns the first k elements: a uniform
// sample without replacement, without paying for a full shuffle when k is
// much smaller than len(in).
func partialShuffle(in []netaddr.Endpoint, k int) []netaddr.Endpoint {
	if k > len(in) {
		k = len(in)
	}
	out := make([]netaddr.Endpoint, len(in))
	copy(out, in)
	for i := 0; i < k; i++ {
		j := i + rand.Intn(len(out)-i)
		out[i], out[j] = out[j], out[i]
	}
	return out[:k]
}

// Config parametrizes the UDP server.
type Config struct {
	ListenAddr  string
	NumWorkers  int
	Zone        string // e.g. "seed.example.com."
	Nameserver  string
	Mailbox     string
	TTL         uint32 // data (A/AAAA) record TTL, spec default 3600s
	NSTTL       uint32 // NS/SOA record TTL, spec default 40000s
	MaxAnswers  int
	DefaultFlag uint64
	Whitelist   map[uint64]bool
}

// Server is the authoritative DNS responder.
type Server struct {
	cfg   Config
	cache *Cache
	conn  *net.UDPConn
}

// NewServer binds the UDP listen address and returns a Server ready to
// Run. The socket is shared by every worker goroutine Run spawns;
// net.UDPConn supports concurrent ReadFromUDP/WriteToUDP without extra
// options, so no SO_REUSEPORT trick is needed.
func NewServer(cfg Config, cache *Cache) (*Server, error) {
	addr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve udp addr %s: %w", cfg.ListenAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", cfg.ListenAddr, err)
	}
	return &Server{cfg: cfg, cache: cache, conn: conn}, nil
}

// Run spawns NumWorkers reader goroutines and blocks until ctx is
// cancelled, then closes the shared socket.
func (s *Server) Run(ctx context.Context) error {
	log.Infof("dnscache server listening on %s with %d workers", s.cfg.ListenAddr, s.cfg.NumWorkers)

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.NumWorkers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s.readLoop(ctx, id)
		}(i)
	}

	<-ctx.Done()
	_ = s.conn.Close()
	wg.Wait()
	return nil
}

func (s *Server) readLoop(ctx context.Context, id int) {
	buf := make([]byte, dns.MaxMsgSize)
	for {
		if ctx.Err() != nil {
			return
		}
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Debugf("worker %d read: %v", id, err)
			continue
		}
		req := new(dns.Msg)
		if err := req.Unpack(buf[:n]); err != nil {
			continue // silently drop: can't even build a FORMERR without an id
		}
		resp := s.handle(req)
		if resp == nil {
			continue
		}
		packed, err := resp.Pack()
		if err != nil {
			continue
		}
		_, _ = s.conn.WriteToUDP(packed, addr)
	}
}

// handle interprets a single query and returns the response to send, or
// nil to drop it silently.
func (s *Server) handle(req *dns.Msg) *dns.Msg {
	if req.Opcode != dns.OpcodeQuery || req.Truncated || len(req.Question) != 1 {
		return dnsmsg.NewFormErr(req)
	}
	q := req.Question[0]
	if q.Qclass != dns.ClassINET {
		return dnsmsg.NewFormErr(req)
	}

	flags, ok := s.interpretQName(q.Name)
	if !ok {
		return dnsmsg.NewFormErr(req)
	}
	if len(s.cfg.Whitelist) > 0 && !s.cfg.Whitelist[flags] {
		flags = s.cfg.DefaultFlag
	}

	soa := dnsmsg.SOAParams{Nameserver: s.cfg.Nameserver, Mailbox: s.cfg.Mailbox, Serial: serialFromNow()}

	switch q.Qtype {
	case dns.TypeA, dns.TypeAAAA, dns.TypeANY:
		eps := s.cache.Lookup(flags, addrmgr.FamilySet{IPv4: true, IPv6: true}, s.cfg.MaxAnswers)
		return dnsmsg.NewAnswer(req, q.Name, q.Qtype, eps, s.cfg.TTL, s.cfg.NSTTL, soa)
	case dns.TypeNS, dns.TypeSOA:
		return dnsmsg.NewAnswer(req, q.Name, q.Qtype, nil, s.cfg.TTL, s.cfg.NSTTL, soa)
	default:
		return dnsmsg.NewAnswer(req, q.Name, q.Qtype, nil, s.cfg.TTL, s.cfg.NSTTL, soa)
	}
}

// interpretQName accepts the bare zone ("seed.example.com."), the
// configured nameserver hostname, or a filter-encoded label
// ("x<hex>.seed.example.com.") and returns the requested service-flag
// mask.
func (s *Server) interpretQName(qname string) (uint64, bool) {
	zone := dns.Fqdn(s.cfg.Zone)
	lower := strings.ToLower(qname)
	if lower == zone || lower == strings.ToLower(dns.Fqdn(s.cfg.Nameserver)) {
		return s.cfg.DefaultFlag, true
	}
	if !strings.HasSuffix(lower, "."+zone) {
		return 0, false
	}
	label := lower[:len(lower)-len("."+zone)]
	if strings.Contains(label, ".") {
		return 0, false // only a single filter label is accepted
	}
	if !strings.HasPrefix(label, "x") {
		return 0, false
	}
	digits := label[1:]
	if len(digits) == 0 || len(digits) > 16 {
		return 0, false
	}
	flags, err := strconv.ParseUint(digits, 16, 64)
	if err != nil {
		return 0, false
	}
	return flags, true
}

func serialFromNow() uint32 {
	return uint32(time.Now().Unix())
}
