// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package seeder

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hemilabs/dnsseed/config"
)

func TestNewServerWiresEveryComponent(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		ZoneHost:        "seed.example.com.",
		Nameserver:      "ns.example.com.",
		SOAMailbox:      "hostmaster.example.com.",
		ListenAddress:   "127.0.0.1",
		ListenPort:      0, // ephemeral: this test never calls Run
		NCrawlers:       4,
		NDNSWorkers:     2,
		FilterWhitelist: config.DefaultFilterWhitelist,
		DataDir:         dir,
		StatsListenAddr: "127.0.0.1:0",
	}

	srv, err := NewServer(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.level.Close() })
	require.NotNil(t, srv.db)
	require.NotNil(t, srv.level)
	require.NotNil(t, srv.dial)
	require.NotNil(t, srv.dnsCache)
	require.NotNil(t, srv.dnsSrv)
	require.NotNil(t, srv.dumper)
}

func TestBootstrapInsertsResolvedAddresses(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		ZoneHost:        "seed.example.com.",
		Nameserver:      "ns.example.com.",
		SOAMailbox:      "hostmaster.example.com.",
		ListenAddress:   "127.0.0.1",
		NCrawlers:       4,
		NDNSWorkers:     2,
		FilterWhitelist: config.DefaultFilterWhitelist,
		DataDir:         dir,
		BootstrapHosts:  []string{"localhost"},
	}

	srv, err := NewServer(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.level.Close() })

	srv.Bootstrap()
	require.NotEmpty(t, srv.db.Snapshot())
}
