// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package config defines the seeder's startup configuration and its
// command-line parsing, built on github.com/jessevdk/go-flags the same
// way other DNS seeders in the btcd family parse their flags.
package config

import (
	"fmt"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
)

// Service flag bits, mirroring wire.SFNodeNetwork and friends; kept as
// plain uint64 constants here so config has no dependency on btcd/wire.
const (
	NodeNetwork         uint64 = 1 << 0
	NodeBloom           uint64 = 1 << 2
	NodeWitness         uint64 = 1 << 3
	NodeCompactFilters  uint64 = 1 << 6
	NodeNetworkLimited  uint64 = 1 << 10
)

// DefaultFilterWhitelist is the canonical set of service-flag
// combinations accepted as filters when the operator supplies none,
// carried over verbatim from the original daemon's ParseCommandLine.
var DefaultFilterWhitelist = []uint64{
	NodeNetwork,
	NodeNetwork | NodeBloom,
	NodeNetwork | NodeWitness,
	NodeNetwork | NodeWitness | NodeCompactFilters,
	NodeNetwork | NodeWitness | NodeBloom,
	NodeNetworkLimited,
	NodeNetworkLimited | NodeBloom,
	NodeNetworkLimited | NodeWitness,
	NodeNetworkLimited | NodeWitness | NodeCompactFilters,
	NodeNetworkLimited | NodeWitness | NodeBloom,
}

// Config is the seeder's full startup configuration, the direct
// generalization of the teacher's flag-parsed Config struct in
// cmd/tbcd's entry point, extended with the DNS-seed-specific fields
// spec.md §6 names.
type Config struct {
	ZoneHost      string `long:"host" description:"zone apex the seeder answers authoritatively for" required:"true"`
	Nameserver    string `long:"ns" description:"nameserver name published in NS/SOA records" required:"true"`
	SOAMailbox    string `long:"mbox" description:"SOA RNAME mailbox" required:"true"`
	ListenAddress string `long:"listen" description:"DNS listen address" default:"::"`
	ListenPort    uint16 `long:"port" description:"DNS listen port" default:"53"`

	NCrawlers   int `long:"crawlers" description:"number of concurrent crawler workers" default:"96"`
	NDNSWorkers int `long:"dnsworkers" description:"number of concurrent DNS reader goroutines" default:"4"`

	BootstrapHosts []string `long:"bootstrap" description:"DNS hostname to resolve for initial trusted peers (repeatable)"`

	TorProxy   string `long:"onion-proxy" description:"SOCKS5 proxy host:port for .onion peers"`
	IPv4Proxy  string `long:"ipv4-proxy" description:"SOCKS5 proxy host:port for IPv4 peers"`
	IPv6Proxy  string `long:"ipv6-proxy" description:"SOCKS5 proxy host:port for IPv6 peers"`

	FilterWhitelist []uint64 `long:"filter" description:"allowed service-flag filter combination (repeatable); defaults to the canonical ten if omitted"`

	UseTestnet bool `long:"testnet" description:"connect to testnet peers instead of mainnet"`

	WipeBan    bool `long:"wipeban" description:"clear all ban state on startup"`
	WipeIgnore bool `long:"wipeignore" description:"clear the ignore flag on all records on startup"`

	DataDir string `long:"datadir" description:"directory for dnsseed.dat/.dump/dnsstats.log" default:"."`
	Debug   bool   `long:"debug" description:"enable verbose debug dumps in the report"`

	StatsListenAddr string `long:"stats-listen" description:"address for the read-only JSON stats endpoint" default:"127.0.0.1:8080"`
}

// Parse parses args (typically os.Args[1:]) into a Config, applying the
// canonical filter whitelist when none was supplied, and validating the
// required zone fields. A parse or validation failure is wrapped with
// github.com/pkg/errors so a startup failure carries a stack trace in the
// log, the one place in this codebase unrecoverable-at-startup errors
// warrant that treatment (see DESIGN.md).
func Parse(args []string) (*Config, error) {
	cfg := &Config{}
	parser := flags.NewParser(cfg, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			return nil, err
		}
		return nil, errors.Wrap(err, "parse command line")
	}

	if len(cfg.FilterWhitelist) == 0 {
		cfg.FilterWhitelist = append([]uint64(nil), DefaultFilterWhitelist...)
	}

	if err := cfg.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ZoneHost == "" {
		return fmt.Errorf("host is required")
	}
	if c.Nameserver == "" {
		return fmt.Errorf("ns is required")
	}
	if c.SOAMailbox == "" {
		return fmt.Errorf("mbox is required")
	}
	if c.NCrawlers <= 0 {
		return fmt.Errorf("crawlers must be positive")
	}
	if c.NDNSWorkers <= 0 {
		return fmt.Errorf("dnsworkers must be positive")
	}
	return nil
}
