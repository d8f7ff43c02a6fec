// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package addrmgr

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hemilabs/dnsseed/netaddr"
)

// TestLevelStorePutAllRoundTrip covers storing, listing, and deleting
// records via the incremental leveldb store.
func TestLevelStorePutAllRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "peers.ldb")
	store, err := OpenLevelStore(dir)
	require.NoError(t, err)
	defer store.Close()

	a := mustEndpoint(t, "203.0.113.1", 8333)
	b := mustEndpoint(t, "203.0.113.2", 8333)

	require.NoError(t, store.Put(&PeerRecord{Endpoint: a, Services: 1}))
	require.NoError(t, store.Put(&PeerRecord{Endpoint: b, Services: 9}))

	all, err := store.All()
	require.NoError(t, err)
	require.Len(t, all, 2)

	require.NoError(t, store.Delete(a))
	all, err = store.All()
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, b, all[0].Endpoint)
}

// TestManagerSaveLoadLevelStore covers Manager.SaveToLevelStore and
// LoadFromLevelStore round-tripping a populated database.
func TestManagerSaveLoadLevelStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "peers.ldb")
	store, err := OpenLevelStore(dir)
	require.NoError(t, err)
	defer store.Close()

	m := New()
	eps := []netaddr.Endpoint{
		mustEndpoint(t, "203.0.113.1", 8333),
		mustEndpoint(t, "203.0.113.2", 8333),
	}
	m.Add(eps, false)
	require.NoError(t, m.SaveToLevelStore(store))

	m2 := New()
	require.NoError(t, m2.LoadFromLevelStore(store))
	require.Len(t, m2.Snapshot(), len(eps))
}
