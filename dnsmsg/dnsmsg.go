// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package dnsmsg builds DNS response messages on top of
// github.com/miekg/dns, the same codec other DNS seeders in the btcd
// family use for this purpose.
package dnsmsg

import (
	"net"

	"github.com/miekg/dns"

	"github.com/hemilabs/dnsseed/netaddr"
)

// MaxUDPSize is the conservative message-size budget answers are
// truncated to, per spec §4.6.
const MaxUDPSize = 512

// SOAParams carries the fields needed to synthesize an SOA record.
type SOAParams struct {
	Nameserver string
	Mailbox    string
	Serial     uint32
}

const (
	soaRefresh = 604800
	soaRetry   = 86400
	soaExpire  = 2592000
)

// NewAnswer builds a response to req for the zone qname/qtype, answering
// with endpoints (already selected and shuffled by the caller) for
// A/AAAA/ANY queries, or the SOA/NS records for SOA/NS queries. ttl is
// applied to data (A/AAAA) records; nsTTL is applied to NS/SOA records,
// per spec §4.6's two distinct defaults (data records 3600s, NS/SOA
// 40000s). The SOA's own minimum field always carries the data ttl. The
// result is never larger than MaxUDPSize: trailing answer RRs are
// dropped (keeping at least one) until the packed message fits, without
// ever setting the truncation bit, per spec.
func NewAnswer(req *dns.Msg, qname string, qtype uint16, endpoints []netaddr.Endpoint, ttl, nsTTL uint32, soa SOAParams) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetReply(req)
	msg.Compress = true
	msg.Authoritative = true
	msg.RecursionAvailable = false

	msg.Ns = []dns.RR{newSOA(qname, soa, nsTTL, ttl)}

	switch qtype {
	case dns.TypeA:
		msg.Answer = aRecords(qname, endpoints, ttl, netaddr.FamilyIPv4)
	case dns.TypeAAAA:
		msg.Answer = aRecords(qname, endpoints, ttl, netaddr.FamilyIPv6)
	case dns.TypeANY:
		msg.Answer = append(aRecords(qname, endpoints, ttl, netaddr.FamilyIPv4),
			aRecords(qname, endpoints, ttl, netaddr.FamilyIPv6)...)
	case dns.TypeNS:
		msg.Answer = []dns.RR{newNS(qname, soa.Nameserver, nsTTL)}
		msg.Ns = nil
	case dns.TypeSOA:
		msg.Answer = []dns.RR{newSOA(qname, soa, nsTTL, ttl)}
		msg.Ns = nil
	default:
		// Unsupported type: return a plain no-error, no-answer response
		// (the SOA authority record already set above suffices).
	}

	truncateToFit(msg)
	return msg
}

// NewFormErr builds a minimal FORMERR response, used for malformed,
// non-IN-class, multi-question, or otherwise rejected queries.
func NewFormErr(req *dns.Msg) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetRcode(req, dns.RcodeFormatError)
	return msg
}

func aRecords(qname string, endpoints []netaddr.Endpoint, ttl uint32, fam netaddr.Family) []dns.RR {
	out := make([]dns.RR, 0, len(endpoints))
	for _, ep := range endpoints {
		if ep.Family != fam {
			continue
		}
		host, err := ep.Host()
		if err != nil {
			continue
		}
		ip := net.ParseIP(host)
		if ip == nil {
			continue
		}
		hdr := dns.RR_Header{Name: qname, Rrtype: rrTypeFor(fam), Class: dns.ClassINET, Ttl: ttl}
		if fam == netaddr.FamilyIPv4 {
			out = append(out, &dns.A{Hdr: hdr, A: ip})
		} else {
			out = append(out, &dns.AAAA{Hdr: hdr, AAAA: ip})
		}
	}
	return out
}

func rrTypeFor(fam netaddr.Family) uint16 {
	if fam == netaddr.FamilyIPv4 {
		return dns.TypeA
	}
	return dns.TypeAAAA
}

// newSOA builds the SOA record. hdrTTL governs how long resolvers may
// cache the record itself (the NS/SOA default); minTTL is the SOA
// MINIMUM field, which per spec always carries the data TTL.
func newSOA(qname string, soa SOAParams, hdrTTL, minTTL uint32) *dns.SOA {
	return &dns.SOA{
		Hdr:     dns.RR_Header{Name: qname, Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: hdrTTL},
		Ns:      dns.Fqdn(soa.Nameserver),
		Mbox:    dns.Fqdn(soa.Mailbox),
		Serial:  soa.Serial,
		Refresh: soaRefresh,
		Retry:   soaRetry,
		Expire:  soaExpire,
		Minttl:  minTTL,
	}
}

func newNS(qname, nameserver string, ttl uint32) *dns.NS {
	return &dns.NS{
		Hdr: dns.RR_Header{Name: qname, Rrtype: dns.TypeNS, Class: dns.ClassINET, Ttl: ttl},
		Ns:  dns.Fqdn(nameserver),
	}
}

// truncateToFit drops trailing answer RRs until the packed message is no
// larger than MaxUDPSize, always keeping at least one answer if any were
// present. The truncation (TC) bit is never set; per spec a constrained
// reply is preferable to forcing the resolver onto TCP.
func truncateToFit(msg *dns.Msg) {
	for len(msg.Answer) > 1 {
		if packed, err := msg.Pack(); err == nil && len(packed) <= MaxUDPSize {
			return
		}
		msg.Answer = msg.Answer[:len(msg.Answer)-1]
	}
}
