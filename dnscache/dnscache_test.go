// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package dnscache

import (
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"github.com/hemilabs/dnsseed/addrmgr"
	"github.com/hemilabs/dnsseed/netaddr"
)

type fakeResolver struct {
	calls int
	eps   []netaddr.Endpoint
}

func (f *fakeResolver) ResolveForDNS(flags uint64, families addrmgr.FamilySet, max int) []netaddr.Endpoint {
	f.calls++
	return f.eps
}

func mustEndpoint(t *testing.T, host string) netaddr.Endpoint {
	t.Helper()
	ep, err := netaddr.Parse(host, 8333)
	require.NoError(t, err)
	return ep
}

func TestIsStaleEmptyEntry(t *testing.T) {
	require.True(t, isStale(nil, time.Now(), false))
}

func TestIsStaleForced(t *testing.T) {
	entry := &PerFlagCacheEntry{Endpoints: make([]netaddr.Endpoint, 10), CacheTime: time.Now()}
	require.True(t, isStale(entry, time.Now(), true))
}

func TestIsStaleHeavyTrafficSmallSet(t *testing.T) {
	entry := &PerFlagCacheEntry{Endpoints: make([]netaddr.Endpoint, 2), Hits: 10, CacheTime: time.Now()}
	// hits*400 = 4000 > size^2 = 4
	require.True(t, isStale(entry, time.Now(), false))
}

func TestIsStaleFreshEntryNotStale(t *testing.T) {
	entry := &PerFlagCacheEntry{Endpoints: make([]netaddr.Endpoint, 1000), Hits: 1, CacheTime: time.Now()}
	require.False(t, isStale(entry, time.Now(), false))
}

func TestIsStaleIdleLightTraffic(t *testing.T) {
	entry := &PerFlagCacheEntry{Endpoints: make([]netaddr.Endpoint, 100), Hits: 5, CacheTime: time.Now().Add(-10 * time.Second)}
	// hits^2*20 = 500 > size = 100, and idle > 5s
	require.True(t, isStale(entry, time.Now(), false))
}

func TestCacheLookupRefreshesOnceWhileFresh(t *testing.T) {
	// 40 entries: after 4 hits, hits*400 = 1600 is not > size^2 = 1600, so
	// the entry stays fresh for all five lookups.
	var eps []netaddr.Endpoint
	for i := 0; i < 40; i++ {
		eps = append(eps, mustEndpoint(t, "203.0.113.1"))
	}
	resolver := &fakeResolver{eps: eps}
	c := NewCache(resolver, 10)

	for i := 0; i < 5; i++ {
		c.Lookup(0, addrmgr.FamilySet{IPv4: true}, 10)
	}
	require.Equal(t, 1, resolver.calls)
}

func TestPartialShuffleSamplesWithoutReplacement(t *testing.T) {
	var eps []netaddr.Endpoint
	for i := 0; i < 20; i++ {
		eps = append(eps, mustEndpoint(t, "203.0.113.1"))
	}
	out := partialShuffle(eps, 5)
	require.Len(t, out, 5)
}

func TestInterpretQNameBareZone(t *testing.T) {
	s := &Server{cfg: Config{Zone: "seed.example.com.", DefaultFlag: 1}}
	flags, ok := s.interpretQName("seed.example.com.")
	require.True(t, ok)
	require.Equal(t, uint64(1), flags)
}

func TestInterpretQNameFilterLabel(t *testing.T) {
	s := &Server{cfg: Config{Zone: "seed.example.com.", DefaultFlag: 1}}
	flags, ok := s.interpretQName("x9.seed.example.com.")
	require.True(t, ok)
	require.Equal(t, uint64(9), flags)
}

func TestInterpretQNameRejectsOtherZone(t *testing.T) {
	s := &Server{cfg: Config{Zone: "seed.example.com.", DefaultFlag: 1}}
	_, ok := s.interpretQName("example.net.")
	require.False(t, ok)
}

func TestInterpretQNameAcceptsConfiguredNameserver(t *testing.T) {
	s := &Server{cfg: Config{Zone: "seed.example.com.", Nameserver: "ns.example.com.", DefaultFlag: 1}}
	flags, ok := s.interpretQName("ns.example.com.")
	require.True(t, ok)
	require.Equal(t, uint64(1), flags)
}

func TestCacheLookupPopulatesFamilyCounts(t *testing.T) {
	resolver := &fakeResolver{eps: []netaddr.Endpoint{
		mustEndpoint(t, "203.0.113.1"),
		mustEndpoint(t, "203.0.113.2"),
	}}
	c := NewCache(resolver, 10)
	c.Lookup(0, addrmgr.FamilySet{IPv4: true}, 10)

	entry := c.entries[0]
	require.Equal(t, 2, entry.NIPv4)
	require.Equal(t, 0, entry.NIPv6)
}

func TestHandleRejectsMultiQuestion(t *testing.T) {
	s := &Server{cfg: Config{Zone: "seed.example.com.", DefaultFlag: 1}, cache: NewCache(&fakeResolver{}, 10)}
	req := new(dns.Msg)
	req.Question = []dns.Question{
		{Name: "seed.example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET},
		{Name: "seed.example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET},
	}
	resp := s.handle(req)
	require.Equal(t, dns.RcodeFormatError, resp.Rcode)
}

func TestHandleAnswersA(t *testing.T) {
	resolver := &fakeResolver{eps: []netaddr.Endpoint{mustEndpoint(t, "203.0.113.1")}}
	s := &Server{
		cfg: Config{Zone: "seed.example.com.", DefaultFlag: 1, Nameserver: "ns.example.com.", Mailbox: "m.example.com.", TTL: 60, MaxAnswers: 10},
		cache: NewCache(resolver, 10),
	}
	req := new(dns.Msg)
	req.SetQuestion("seed.example.com.", dns.TypeA)
	resp := s.handle(req)
	require.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.Len(t, resp.Answer, 1)
}
