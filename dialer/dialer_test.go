// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package dialer

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hemilabs/dnsseed/netaddr"
)

func TestDialDirectSucceeds(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err == nil {
			c.Close()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	ep, err := netaddr.Parse("127.0.0.1", uint16(addr.Port))
	require.NoError(t, err)

	d := New(Policy{})
	conn, err := d.Dial(context.Background(), ep)
	require.NoError(t, err)
	defer conn.Close()
}

func TestDialOnionWithoutRouteFails(t *testing.T) {
	ep, err := netaddr.Parse("p53lf57qovyuvwsc6xnrppyply3vtqm7l6pcobkmyqsiofyeznfu5uqd.onion", 8333)
	require.NoError(t, err)

	d := New(Policy{}) // no onion route configured
	_, err = d.Dial(context.Background(), ep)
	require.ErrorIs(t, err, ErrNoRoute)
}

func TestDialRefusedClassifiesError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close() // nothing listening now; connection should be refused

	ep, err := netaddr.Parse("127.0.0.1", uint16(addr.Port))
	require.NoError(t, err)

	d := New(Policy{})
	d.ConnectTimeout = 2 * time.Second
	_, err = d.Dial(context.Background(), ep)
	require.ErrorIs(t, err, ErrRefused)
}
