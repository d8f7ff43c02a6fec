// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package dnsmsg

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"github.com/hemilabs/dnsseed/netaddr"
)

func mustEndpoint(t *testing.T, host string) netaddr.Endpoint {
	t.Helper()
	ep, err := netaddr.Parse(host, 8333)
	require.NoError(t, err)
	return ep
}

func newQuery(qname string, qtype uint16) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(qname), qtype)
	return m
}

func TestNewAnswerTypeA(t *testing.T) {
	req := newQuery("seed.example.com", dns.TypeA)
	eps := []netaddr.Endpoint{mustEndpoint(t, "203.0.113.1"), mustEndpoint(t, "203.0.113.2")}

	soa := SOAParams{Nameserver: "ns.example.com", Mailbox: "hostmaster.example.com", Serial: 1}
	resp := NewAnswer(req, "seed.example.com.", dns.TypeA, eps, 3600, 40000, soa)

	require.Len(t, resp.Answer, 2)
	for _, rr := range resp.Answer {
		_, ok := rr.(*dns.A)
		require.True(t, ok)
	}
	require.Len(t, resp.Ns, 1)
	require.False(t, resp.Truncated)
}

func TestNewAnswerTypeAAAAFiltersFamily(t *testing.T) {
	req := newQuery("seed.example.com", dns.TypeAAAA)
	eps := []netaddr.Endpoint{mustEndpoint(t, "203.0.113.1"), mustEndpoint(t, "2001:db8::1")}

	resp := NewAnswer(req, "seed.example.com.", dns.TypeAAAA, eps, 3600, 40000, SOAParams{Nameserver: "ns.example.com", Mailbox: "m.example.com"})
	require.Len(t, resp.Answer, 1)
	_, ok := resp.Answer[0].(*dns.AAAA)
	require.True(t, ok)
}

func TestNewAnswerTruncatesLargeResultSets(t *testing.T) {
	req := newQuery("seed.example.com", dns.TypeA)
	var eps []netaddr.Endpoint
	for i := 0; i < 200; i++ {
		eps = append(eps, mustEndpoint(t, "203.0.113.1"))
	}

	resp := NewAnswer(req, "seed.example.com.", dns.TypeA, eps, 3600, 40000, SOAParams{Nameserver: "ns.example.com", Mailbox: "m.example.com"})

	packed, err := resp.Pack()
	require.NoError(t, err)
	require.LessOrEqual(t, len(packed), MaxUDPSize)
	require.GreaterOrEqual(t, len(resp.Answer), 1)
	require.False(t, resp.Truncated)
}

func TestNewAnswerSOA(t *testing.T) {
	req := newQuery("seed.example.com", dns.TypeSOA)
	resp := NewAnswer(req, "seed.example.com.", dns.TypeSOA, nil, 3600, 40000, SOAParams{Nameserver: "ns.example.com", Mailbox: "m.example.com", Serial: 7})

	require.Len(t, resp.Answer, 1)
	soa, ok := resp.Answer[0].(*dns.SOA)
	require.True(t, ok)
	require.Equal(t, uint32(7), soa.Serial)
	require.Equal(t, uint32(604800), soa.Refresh)
	require.Equal(t, uint32(40000), soa.Hdr.Ttl)
	require.Equal(t, uint32(3600), soa.Minttl)
}

func TestNewFormErrSetsRcode(t *testing.T) {
	req := newQuery("seed.example.com", dns.TypeA)
	resp := NewFormErr(req)
	require.Equal(t, dns.RcodeFormatError, resp.Rcode)
}
