// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package addrmgr implements the address database (C4): the in-memory
// relational store of candidate and tracked peers, their uptime
// statistics, ban state, and the scheduler that decides which peer to
// retest next. It generalizes the teacher's Server.peers/Server.mtx
// pattern (service/tbc.go) from a single flat map to the full set of
// operations the spec requires.
package addrmgr

import (
	"sync"
	"time"

	"github.com/juju/loggo"

	"github.com/hemilabs/dnsseed/netaddr"
)

var log = loggo.GetLogger("addrmgr")

func init() {
	loggo.ConfigureLoggers("INFO")
}

const (
	// retryBase is the initial retry delay after a first attempt.
	retryBase = 60 * time.Second
	// retryCap is the maximum backoff between retries.
	retryCap = 24 * time.Hour

	// banThresholdFailures is the consecutive-failure count, sustained
	// over at least banThresholdWindow, that bans a record.
	banThresholdFailures = 100
	banThresholdWindow   = 7 * 24 * time.Hour

	// badPeerBan is the ban duration applied immediately on a protocol
	// violation.
	badPeerBan = 24 * time.Hour

	// noRouteSuppression is the fatal-per-address suppression applied to an
	// Onion endpoint dialed with no Tor route configured: retrying it
	// sooner than this would only repeat the same unroutable failure.
	noRouteSuppression = 7 * 24 * time.Hour

	// goodMaxAge bounds how stale last_success may be for a record to be
	// considered "good".
	goodMaxAge = 30 * 24 * time.Hour
	// goodMinUptime8h is the §4.4 reliability bar for "good".
	goodMinUptime8h = 0.85

	// newPoolThreshold: below this many never-tried records, the
	// selector falls back to round-robin over tracked records.
	newPoolThreshold = 1000
)

// PeerRecord is the database's unit of tracking, matching spec §3 exactly.
type PeerRecord struct {
	Endpoint netaddr.Endpoint

	Services         uint64
	LastTry          int64 // epoch seconds, 0 = never
	LastSuccess      int64
	LastGood         int64
	ClientVersion    int32
	ClientSubVersion string
	StartingHeight   int32

	BanUntil int64 // epoch seconds, 0 = not banned

	Uptime [5]float64

	InFlight bool

	TotalAttempts   uint64
	TotalSuccesses  uint64
	ConsecFailures  uint64 // internal bookkeeping for the ban threshold
	FirstFailureAt  int64  // internal bookkeeping: start of the current failure streak
	TrustedBootstrap bool  // from_dns inserts are exempt from diversity throttling

	Ignore bool
}

func (r *PeerRecord) isBanned(now int64) bool {
	return r.BanUntil > now
}

// due reports whether this record's retry_delay staircase permits a probe
// now.
func (r *PeerRecord) due(now int64) bool {
	if r.isBanned(now) || r.Ignore || r.InFlight {
		return false
	}
	if r.LastTry == 0 {
		return true
	}
	delay := retryDelay(r)
	return now-r.LastTry >= int64(delay.Seconds())
}

// retryDelay implements the spec's staircase: 60s after the first attempt,
// doubling on each subsequent consecutive failure, capped at 24h, reset to
// 60s on success.
func retryDelay(r *PeerRecord) time.Duration {
	if r.LastSuccess >= r.LastTry && r.LastSuccess != 0 {
		return retryBase
	}
	// Doubling keyed off how many tries have accumulated since the last
	// success (or ever, if never successful).
	failStreak := r.TotalAttempts - r.TotalSuccesses
	if r.TotalSuccesses > 0 {
		// Approximate: count attempts since last success via ConsecFailures,
		// which is maintained precisely in reportOne.
		failStreak = r.ConsecFailures
	}
	d := retryBase
	// failStreak-1 doublings: the first failure's delay is retryBase itself.
	for i := uint64(1); i < failStreak && d < retryCap; i++ {
		d *= 2
	}
	if d > retryCap {
		d = retryCap
	}
	return d
}

func (r *PeerRecord) isGood(now int64, minVersion int32) bool {
	if r.isBanned(now) || r.Ignore {
		return false
	}
	if r.LastSuccess == 0 || now-r.LastSuccess > int64(goodMaxAge.Seconds()) {
		return false
	}
	if r.Uptime[Window8h] < goodMinUptime8h {
		return false
	}
	if r.ClientVersion < minVersion {
		return false
	}
	return true
}

// ProbeResult is what a crawler worker hands back to ReportBatch.
type ProbeResult struct {
	Endpoint       netaddr.Endpoint
	Success        bool
	BadPeer        bool // protocol violation: ban immediately for 1 day
	NoRoute        bool // Onion endpoint with no Tor route: suppress for a week
	Services       uint64
	ClientVersion  int32
	ClientSubVer   string
	StartingHeight int32
	Neighbors      []netaddr.Endpoint
}

// Stats is the summary counters returned by GetStats.
type Stats struct {
	Known   int
	Good    int
	Tracked int // tried at least once and not banned (ignored records included)
	New     int // never tried
	Banned  int
}

// FamilySet selects which address families snapshot_for_flags should
// return.
type FamilySet struct {
	IPv4 bool
	IPv6 bool
}

// Clock is overridable for deterministic tests; defaults to time.Now.
type Clock func() time.Time

// Manager is the concurrency-safe address database. All exported methods
// are the spec's atomic operations (§4.4).
type Manager struct {
	mtx sync.RWMutex

	peers map[netaddr.Endpoint]*PeerRecord
	order []netaddr.Endpoint // stable iteration order for the rotating cursor

	cursor int

	// MinVersion is the minimum self-reported client version required for
	// a record to be considered "good".
	MinVersion int32

	now Clock
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{
		peers: make(map[netaddr.Endpoint]*PeerRecord),
		now:   time.Now,
	}
}

func (m *Manager) nowUnix() int64 {
	return m.now().Unix()
}

// Add inserts any endpoints not already known. Returns the count newly
// inserted. Endpoints sourced from DNS bootstrap are marked trusted and
// exempt from group-diversity throttling on selection.
func (m *Manager) Add(endpoints []netaddr.Endpoint, fromDNS bool) int {
	log.Tracef("Add %d candidates fromDNS=%v", len(endpoints), fromDNS)
	defer log.Tracef("Add exit")

	m.mtx.Lock()
	defer m.mtx.Unlock()

	inserted := 0
	for _, ep := range endpoints {
		if _, ok := m.peers[ep]; ok {
			continue
		}
		m.peers[ep] = &PeerRecord{
			Endpoint:         ep,
			TrustedBootstrap: fromDNS,
		}
		m.order = append(m.order, ep)
		inserted++
	}
	if inserted > 0 {
		log.Debugf("Add inserted %d new peers (%d known)", inserted, len(m.peers))
	}
	return inserted
}

// SelectedPeer is a handle returned by SelectBatch: enough for a crawler to
// dial and run the handshake without holding any database lock.
type SelectedPeer struct {
	Endpoint       netaddr.Endpoint
	LastSuccess    int64
	RequestGetAddr bool // §4.3 step 4: last_success older than 24h
}

// SelectBatch returns up to limit records currently due for probe, marking
// each in_flight. If none are due, it returns immediately with an empty
// batch; the caller is expected to back off.
func (m *Manager) SelectBatch(limit int) []SelectedPeer {
	log.Tracef("SelectBatch limit=%d", limit)
	defer log.Tracef("SelectBatch exit")

	m.mtx.Lock()
	defer m.mtx.Unlock()

	now := m.nowUnix()
	n := len(m.order)
	if n == 0 || limit <= 0 {
		return nil
	}

	newCount := 0
	for _, ep := range m.order {
		if r := m.peers[ep]; r != nil && r.TotalAttempts == 0 {
			newCount++
		}
	}
	preferNew := newCount >= newPoolThreshold

	var batch []SelectedPeer
	seenGroups := make(map[[4]byte]bool)

	tryTake := func(ep netaddr.Endpoint, onlyNew bool) bool {
		r := m.peers[ep]
		if r == nil || !r.due(now) {
			return false
		}
		if onlyNew && r.TotalAttempts != 0 {
			return false
		}
		gk := ep.GroupKey()
		if !r.TrustedBootstrap {
			if seenGroups[gk] {
				return false
			}
		}
		r.InFlight = true
		seenGroups[gk] = true
		batch = append(batch, SelectedPeer{
			Endpoint:       ep,
			LastSuccess:    r.LastSuccess,
			RequestGetAddr: now-r.LastSuccess > int64((24 * time.Hour).Seconds()),
		})
		return true
	}

	if preferNew {
		for _, ep := range m.order {
			if len(batch) >= limit {
				break
			}
			tryTake(ep, true)
		}
	}

	// Round-robin over the full tracked set starting at the rotating
	// cursor, regardless of whether the new-pool pass already ran.
	scanned := 0
	for ; scanned < n && len(batch) < limit; scanned++ {
		idx := (m.cursor + scanned) % n
		tryTake(m.order[idx], false)
	}
	m.cursor = (m.cursor + scanned) % n

	return batch
}

// ReportBatch updates last_try/uptime/in_flight for every result, applying
// the ban policy. It is guaranteed-release: every endpoint passed in has
// in_flight cleared on return, regardless of success/failure/BadPeer.
func (m *Manager) ReportBatch(results []ProbeResult) {
	log.Tracef("ReportBatch %d results", len(results))
	defer log.Tracef("ReportBatch exit")

	m.mtx.Lock()
	defer m.mtx.Unlock()

	now := m.nowUnix()
	for _, res := range results {
		m.reportOne(now, res)
	}
}

func (m *Manager) reportOne(now int64, res ProbeResult) {
	r := m.peers[res.Endpoint]
	if r == nil {
		// Record may have been wiped concurrently; nothing to update.
		return
	}
	defer func() { r.InFlight = false }()

	since := time.Duration(0)
	if r.LastTry != 0 {
		since = time.Duration(now-r.LastTry) * time.Second
	}
	updateUptime(&r.Uptime, since, res.Success)

	r.LastTry = now
	r.TotalAttempts++

	switch {
	case res.NoRoute:
		r.BanUntil = now + int64(noRouteSuppression.Seconds())
		log.Infof("suppressing %v for a week: no route configured", res.Endpoint)
	case res.BadPeer:
		r.ConsecFailures++
		r.BanUntil = now + int64(badPeerBan.Seconds())
		log.Infof("banning %v for protocol violation", res.Endpoint)
	case res.Success:
		r.TotalSuccesses++
		r.ConsecFailures = 0
		r.FirstFailureAt = 0
		r.LastSuccess = now
		r.LastGood = now
		r.Services = res.Services
		r.ClientVersion = res.ClientVersion
		r.ClientSubVersion = res.ClientSubVer
		r.StartingHeight = res.StartingHeight
	default:
		if r.ConsecFailures == 0 {
			r.FirstFailureAt = now
		}
		r.ConsecFailures++
		if r.ConsecFailures >= banThresholdFailures &&
			r.FirstFailureAt != 0 &&
			now-r.FirstFailureAt >= int64(banThresholdWindow.Seconds()) {
			r.BanUntil = now + int64(badPeerBan.Seconds())
			log.Infof("banning %v after %d consecutive failures", res.Endpoint, r.ConsecFailures)
		}
	}
}

// SnapshotForFlags returns up to limit endpoints whose services mask
// satisfies flags, that are "good", in a requested family, and with at
// most one endpoint per group_key.
func (m *Manager) SnapshotForFlags(flags uint64, limit int, families FamilySet) []netaddr.Endpoint {
	log.Tracef("SnapshotForFlags flags=%#x limit=%d", flags, limit)
	defer log.Tracef("SnapshotForFlags exit")

	m.mtx.RLock()
	defer m.mtx.RUnlock()

	now := m.nowUnix()
	seenGroups := make(map[[4]byte]bool)
	var out []netaddr.Endpoint
	for _, ep := range m.order {
		if limit > 0 && len(out) >= limit {
			break
		}
		r := m.peers[ep]
		if r == nil {
			continue
		}
		if r.Services&flags != flags {
			continue
		}
		if !r.isGood(now, m.MinVersion) {
			continue
		}
		switch ep.Family {
		case netaddr.FamilyIPv4:
			if !families.IPv4 {
				continue
			}
		case netaddr.FamilyIPv6:
			if !families.IPv6 {
				continue
			}
		default:
			continue
		}
		gk := ep.GroupKey()
		if seenGroups[gk] {
			continue
		}
		seenGroups[gk] = true
		out = append(out, ep)
	}
	return out
}

// ResolveForDNS implements the dnscache.Resolver interface expected by C7.
func (m *Manager) ResolveForDNS(flags uint64, families FamilySet, max int) []netaddr.Endpoint {
	return m.SnapshotForFlags(flags, max, families)
}

// GetStats returns the summary counters over the current table.
func (m *Manager) GetStats() Stats {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	now := m.nowUnix()
	var s Stats
	s.Known = len(m.peers)
	for _, r := range m.peers {
		if r.isBanned(now) {
			s.Banned++
			continue
		}
		if r.TotalAttempts == 0 {
			s.New++
			continue
		}
		s.Tracked++
		if r.isGood(now, m.MinVersion) {
			s.Good++
		}
	}
	return s
}

// BanWipe clears ban state on every record. It is distinct from IgnoreWipe
// (the source program conflated --wipeban and --wipeignore into one flag;
// see SPEC_FULL.md §9).
func (m *Manager) BanWipe() {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for _, r := range m.peers {
		r.BanUntil = 0
		r.ConsecFailures = 0
		r.FirstFailureAt = 0
	}
}

// IgnoreWipe clears the ignore flag on every record.
func (m *Manager) IgnoreWipe() {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for _, r := range m.peers {
		r.Ignore = false
	}
}

// Snapshot returns a shallow copy of every record, used by the reporter to
// build the human-readable dump without holding the lock during
// serialization (see package reporter).
func (m *Manager) Snapshot() []PeerRecord {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	out := make([]PeerRecord, 0, len(m.peers))
	for _, ep := range m.order {
		if r := m.peers[ep]; r != nil {
			out = append(out, *r)
		}
	}
	return out
}

// SetClock overrides the manager's time source; used in tests.
func (m *Manager) SetClock(c Clock) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.now = c
}
