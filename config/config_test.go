// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAppliesDefaultFilterWhitelist(t *testing.T) {
	cfg, err := Parse([]string{"--host=seed.example.com", "--ns=ns.example.com", "--mbox=hostmaster.example.com"})
	require.NoError(t, err)
	require.Equal(t, DefaultFilterWhitelist, cfg.FilterWhitelist)
	require.Equal(t, "::", cfg.ListenAddress)
	require.Equal(t, uint16(53), cfg.ListenPort)
	require.Equal(t, 96, cfg.NCrawlers)
	require.Equal(t, 4, cfg.NDNSWorkers)
}

func TestParseRespectsExplicitFilters(t *testing.T) {
	cfg, err := Parse([]string{
		"--host=seed.example.com", "--ns=ns.example.com", "--mbox=hostmaster.example.com",
		"--filter=1", "--filter=9",
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 9}, cfg.FilterWhitelist)
}

func TestParseMissingRequiredFieldFails(t *testing.T) {
	_, err := Parse([]string{"--ns=ns.example.com", "--mbox=hostmaster.example.com"})
	require.Error(t, err)
}

func TestDefaultFilterWhitelistMatchesOriginalDaemon(t *testing.T) {
	require.Equal(t, []uint64{
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
	}, DefaultFilterWhitelist)
}
