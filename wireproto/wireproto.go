// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package wireproto implements the client side of the peer handshake
// (version/verack/getaddr/addr) on top of github.com/btcsuite/btcd/wire,
// the same wire codec the teacher service imports for exactly this
// message set.
package wireproto

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/juju/loggo"
)

var log = loggo.GetLogger("wireproto")

func init() {
	loggo.ConfigureLoggers("INFO")
}

// ErrBadPeer marks a protocol violation: invalid magic, command, length,
// checksum, or a getaddr response exceeding the harvest cap. BadPeer feeds
// the address database's ban policy.
var ErrBadPeer = errors.New("wireproto: protocol violation")

// MaxAddrHarvest bounds the number of addresses collected from addr
// messages during a single handshake, per spec.
const MaxAddrHarvest = 1000

// HarvestWindow bounds how long addr messages are collected after getaddr
// is sent.
const HarvestWindow = 10 * time.Second

// PeerInfo captures the self-reported fields observed during the version
// exchange.
type PeerInfo struct {
	Services       wire.ServiceFlag
	ProtocolVer    int32
	UserAgent      string
	StartingHeight int32
}

// Result is everything a handshake produces for the address database to
// consume.
type Result struct {
	PeerInfo
	Neighbors []*wire.NetAddress
}

// Config parametrizes a handshake.
type Config struct {
	Net            wire.BitcoinNet
	ProtocolVer    uint32
	UserAgent      string
	LocalAddr      *wire.NetAddress
	RemoteAddr     *wire.NetAddress
	RequestGetAddr bool // send getaddr per spec's 24h-staleness rule
}

// Handshake performs the five-step client handshake over conn and returns
// the harvested results. conn is expected to already carry the idle
// timeout (see package dialer); Handshake does not itself impose timeouts
// beyond the harvest window for addr collection.
func Handshake(conn net.Conn, cfg Config) (*Result, error) {
	log.Tracef("Handshake")
	defer log.Tracef("Handshake exit")

	nonce := rand.Uint64()
	ver := wire.NewMsgVersion(cfg.LocalAddr, cfg.RemoteAddr, nonce, 0)
	ver.ProtocolVersion = int32(cfg.ProtocolVer)
	ver.UserAgent = cfg.UserAgent
	ver.Services = 0
	ver.DisableRelayTx = true

	if err := writeMessage(conn, ver, cfg.Net, cfg.ProtocolVer); err != nil {
		return nil, fmt.Errorf("write version: %w", err)
	}

	info, err := awaitVersion(conn, cfg.Net, cfg.ProtocolVer)
	if err != nil {
		return nil, err
	}

	if err := writeMessage(conn, wire.NewMsgVerAck(), cfg.Net, cfg.ProtocolVer); err != nil {
		return nil, fmt.Errorf("write verack: %w", err)
	}
	if err := awaitVerAck(conn, cfg.Net, cfg.ProtocolVer); err != nil {
		return nil, err
	}

	var neighbors []*wire.NetAddress
	if cfg.RequestGetAddr {
		if err := writeMessage(conn, wire.NewMsgGetAddr(), cfg.Net, cfg.ProtocolVer); err != nil {
			return nil, fmt.Errorf("write getaddr: %w", err)
		}
		neighbors, err = harvestAddr(conn, cfg.Net, cfg.ProtocolVer)
		if err != nil {
			return nil, err
		}
	}

	return &Result{PeerInfo: *info, Neighbors: neighbors}, nil
}

func writeMessage(conn net.Conn, msg wire.Message, net_ wire.BitcoinNet, pver uint32) error {
	return wire.WriteMessage(conn, msg, pver, net_)
}

func awaitVersion(conn net.Conn, net_ wire.BitcoinNet, pver uint32) (*PeerInfo, error) {
	for {
		msg, _, err := wire.ReadMessage(conn, pver, net_)
		if err != nil {
			if errors.Is(err, wire.ErrUnknownMessage) {
				continue
			}
			if errors.Is(err, io.EOF) || isTimeout(err) {
				return nil, fmt.Errorf("read version: %w", err)
			}
			return nil, fmt.Errorf("%w: read version: %v", ErrBadPeer, err)
		}
		v, ok := msg.(*wire.MsgVersion)
		if !ok {
			// Unknown-but-decodable commands are read and discarded
			// until the expected message arrives.
			continue
		}
		return &PeerInfo{
			Services:       v.Services,
			ProtocolVer:    v.ProtocolVersion,
			UserAgent:      v.UserAgent,
			StartingHeight: v.LastBlock,
		}, nil
	}
}

func awaitVerAck(conn net.Conn, net_ wire.BitcoinNet, pver uint32) error {
	for {
		msg, _, err := wire.ReadMessage(conn, pver, net_)
		if err != nil {
			if errors.Is(err, wire.ErrUnknownMessage) {
				continue
			}
			if errors.Is(err, io.EOF) || isTimeout(err) {
				return fmt.Errorf("read verack: %w", err)
			}
			return fmt.Errorf("%w: read verack: %v", ErrBadPeer, err)
		}
		if _, ok := msg.(*wire.MsgVerAck); ok {
			return nil
		}
		// discard anything else and keep waiting
	}
}

func harvestAddr(conn net.Conn, net_ wire.BitcoinNet, pver uint32) ([]*wire.NetAddress, error) {
	deadline := time.Now().Add(HarvestWindow)
	var out []*wire.NetAddress
	for time.Now().Before(deadline) {
		if dc, ok := conn.(interface{ SetReadDeadline(time.Time) error }); ok {
			_ = dc.SetReadDeadline(deadline)
		}
		msg, _, err := wire.ReadMessage(conn, pver, net_)
		if err != nil {
			if errors.Is(err, wire.ErrUnknownMessage) {
				continue
			}
			if errors.Is(err, io.EOF) || isTimeout(err) {
				break
			}
			return nil, fmt.Errorf("%w: read addr: %v", ErrBadPeer, err)
		}
		addr, ok := msg.(*wire.MsgAddr)
		if !ok {
			continue
		}
		if len(addr.AddrList)+len(out) > MaxAddrHarvest {
			return nil, fmt.Errorf("%w: addr message exceeds harvest cap", ErrBadPeer)
		}
		out = append(out, addr.AddrList...)
		if len(out) >= MaxAddrHarvest {
			break
		}
	}
	return out, nil
}

func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
