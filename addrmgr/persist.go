// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package addrmgr

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/hemilabs/dnsseed/netaddr"
)

// dumpVersion is the on-disk format version written to dnsseed.dat.
const dumpVersion = 1

// Serialize writes the full database state to w in the dnsseed.dat binary
// layout from spec §6: {u32 version, u32 num_records, record*, u32
// num_banned, banned*}. Every field of PeerRecord is written except
// InFlight, which is never meaningful across a restart.
func (m *Manager) Serialize(w io.Writer) error {
	log.Tracef("Serialize")
	defer log.Tracef("Serialize exit")

	m.mtx.RLock()
	records := make([]PeerRecord, 0, len(m.peers))
	var banned []PeerRecord
	now := m.nowUnix()
	for _, ep := range m.order {
		r := m.peers[ep]
		if r == nil {
			continue
		}
		records = append(records, *r)
		if r.isBanned(now) {
			banned = append(banned, *r)
		}
	}
	m.mtx.RUnlock()

	bw := bufio.NewWriter(w)
	if err := writeU32(bw, dumpVersion); err != nil {
		return err
	}
	if err := writeU32(bw, uint32(len(records))); err != nil {
		return err
	}
	for i := range records {
		if err := writeRecord(bw, &records[i]); err != nil {
			return fmt.Errorf("serialize record %d: %w", i, err)
		}
	}
	if err := writeU32(bw, uint32(len(banned))); err != nil {
		return err
	}
	for i := range banned {
		if err := writeBanned(bw, &banned[i]); err != nil {
			return fmt.Errorf("serialize banned %d: %w", i, err)
		}
	}
	return bw.Flush()
}

// Deserialize replaces the manager's contents with the state read from r.
// A corrupt or truncated dump is returned as an error; the caller (per
// spec §7) should log it and continue with an empty database rather than
// abort startup.
func (m *Manager) Deserialize(r io.Reader) error {
	log.Tracef("Deserialize")
	defer log.Tracef("Deserialize exit")

	br := bufio.NewReader(r)

	version, err := readU32(br)
	if err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if version != dumpVersion {
		return fmt.Errorf("unsupported dump version %d", version)
	}

	numRecords, err := readU32(br)
	if err != nil {
		return fmt.Errorf("read num_records: %w", err)
	}

	peers := make(map[netaddr.Endpoint]*PeerRecord, numRecords)
	order := make([]netaddr.Endpoint, 0, numRecords)
	for i := uint32(0); i < numRecords; i++ {
		rec, err := readRecord(br)
		if err != nil {
			return fmt.Errorf("read record %d: %w", i, err)
		}
		peers[rec.Endpoint] = rec
		order = append(order, rec.Endpoint)
	}

	numBanned, err := readU32(br)
	if err != nil {
		return fmt.Errorf("read num_banned: %w", err)
	}
	for i := uint32(0); i < numBanned; i++ {
		ep, banUntil, err := readBanned(br)
		if err != nil {
			return fmt.Errorf("read banned %d: %w", i, err)
		}
		if r, ok := peers[ep]; ok {
			r.BanUntil = banUntil
		}
	}

	m.mtx.Lock()
	m.peers = peers
	m.order = order
	m.cursor = 0
	m.mtx.Unlock()

	return nil
}

func writeU32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func writeU64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readU64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func writeI64(w io.Writer, v int64) error {
	return writeU64(w, uint64(v))
}

func readI64(r io.Reader) (int64, error) {
	v, err := readU64(r)
	return int64(v), err
}

func writeI32(w io.Writer, v int32) error {
	return writeU32(w, uint32(v))
}

func readI32(r io.Reader) (int32, error) {
	v, err := readU32(r)
	return int32(v), err
}

func writeString(w io.Writer, s string) error {
	if err := writeU32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	n, err := readU32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeEndpoint(w io.Writer, ep netaddr.Endpoint) error {
	if err := writeU32(w, uint32(ep.Family)); err != nil {
		return err
	}
	if _, err := w.Write(ep.Bytes[:]); err != nil {
		return err
	}
	var portBuf [2]byte
	binary.LittleEndian.PutUint16(portBuf[:], ep.Port)
	_, err := w.Write(portBuf[:])
	return err
}

func readEndpoint(r io.Reader) (netaddr.Endpoint, error) {
	var ep netaddr.Endpoint
	fam, err := readU32(r)
	if err != nil {
		return ep, err
	}
	ep.Family = netaddr.Family(fam)
	if _, err := io.ReadFull(r, ep.Bytes[:]); err != nil {
		return ep, err
	}
	var portBuf [2]byte
	if _, err := io.ReadFull(r, portBuf[:]); err != nil {
		return ep, err
	}
	ep.Port = binary.LittleEndian.Uint16(portBuf[:])
	return ep, nil
}

func writeRecord(w io.Writer, r *PeerRecord) error {
	if err := writeEndpoint(w, r.Endpoint); err != nil {
		return err
	}
	if err := writeU64(w, r.Services); err != nil {
		return err
	}
	for _, v := range []int64{r.LastTry, r.LastSuccess, r.LastGood} {
		if err := writeI64(w, v); err != nil {
			return err
		}
	}
	if err := writeI32(w, r.ClientVersion); err != nil {
		return err
	}
	if err := writeString(w, r.ClientSubVersion); err != nil {
		return err
	}
	if err := writeI32(w, r.StartingHeight); err != nil {
		return err
	}
	if err := writeI64(w, r.BanUntil); err != nil {
		return err
	}
	for _, v := range r.Uptime {
		if err := writeU64(w, math.Float64bits(v)); err != nil {
			return err
		}
	}
	if err := writeU64(w, r.TotalAttempts); err != nil {
		return err
	}
	if err := writeU64(w, r.TotalSuccesses); err != nil {
		return err
	}
	if err := writeU64(w, r.ConsecFailures); err != nil {
		return err
	}
	if err := writeI64(w, r.FirstFailureAt); err != nil {
		return err
	}
	if err := writeBool(w, r.TrustedBootstrap); err != nil {
		return err
	}
	return writeBool(w, r.Ignore)
}

func readRecord(r io.Reader) (*PeerRecord, error) {
	rec := &PeerRecord{}
	var err error
	if rec.Endpoint, err = readEndpoint(r); err != nil {
		return nil, err
	}
	if rec.Services, err = readU64(r); err != nil {
		return nil, err
	}
	if rec.LastTry, err = readI64(r); err != nil {
		return nil, err
	}
	if rec.LastSuccess, err = readI64(r); err != nil {
		return nil, err
	}
	if rec.LastGood, err = readI64(r); err != nil {
		return nil, err
	}
	if rec.ClientVersion, err = readI32(r); err != nil {
		return nil, err
	}
	if rec.ClientSubVersion, err = readString(r); err != nil {
		return nil, err
	}
	if rec.StartingHeight, err = readI32(r); err != nil {
		return nil, err
	}
	if rec.BanUntil, err = readI64(r); err != nil {
		return nil, err
	}
	for i := range rec.Uptime {
		bits, err := readU64(r)
		if err != nil {
			return nil, err
		}
		rec.Uptime[i] = math.Float64frombits(bits)
	}
	if rec.TotalAttempts, err = readU64(r); err != nil {
		return nil, err
	}
	if rec.TotalSuccesses, err = readU64(r); err != nil {
		return nil, err
	}
	if rec.ConsecFailures, err = readU64(r); err != nil {
		return nil, err
	}
	if rec.FirstFailureAt, err = readI64(r); err != nil {
		return nil, err
	}
	if rec.TrustedBootstrap, err = readBool(r); err != nil {
		return nil, err
	}
	if rec.Ignore, err = readBool(r); err != nil {
		return nil, err
	}
	return rec, nil
}

func writeBanned(w io.Writer, r *PeerRecord) error {
	if err := writeEndpoint(w, r.Endpoint); err != nil {
		return err
	}
	return writeI64(w, r.BanUntil)
}

func readBanned(r io.Reader) (netaddr.Endpoint, int64, error) {
	ep, err := readEndpoint(r)
	if err != nil {
		return ep, 0, err
	}
	banUntil, err := readI64(r)
	return ep, banUntil, err
}

func writeBool(w io.Writer, b bool) error {
	v := byte(0)
	if b {
		v = 1
	}
	_, err := w.Write([]byte{v})
	return err
}

func readBool(r io.Reader) (bool, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return false, err
	}
	return b[0] != 0, nil
}
