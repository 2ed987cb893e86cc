// Copyright 2024 CloudWeGo Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vchan

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vchan-go/vchan/grant"
)

const testDomID grant.DomID = 7

func dial(t *testing.T, env *Environment, port int, readSize, writeSize int) (*Conn, *Conn) {
	t.Helper()

	srvCh := make(chan *Conn, 1)
	srvErr := make(chan error, 1)
	go func() {
		c, err := Server(context.Background(), env, testDomID, port, readSize, writeSize)
		if err != nil {
			srvErr <- err
			return
		}
		srvCh <- c
	}()

	// Give the server a moment to publish before the client looks it up;
	// Client's registry.Read would block correctly either way, but this
	// keeps the happy path deterministic in test output.
	time.Sleep(5 * time.Millisecond)

	cli, err := Client(context.Background(), env, testDomID, port)
	require.NoError(t, err)

	select {
	case err := <-srvErr:
		t.Fatalf("server failed: %v", err)
	case srv := <-srvCh:
		return srv, cli
	case <-time.After(time.Second):
		t.Fatal("server never attached")
	}
	return nil, nil
}

func TestSmallInPageRingsHandshake(t *testing.T) {
	env := NewMemEnvironment()
	srv, cli := dial(t, env, 1, 1024, 1024)
	defer srv.Close()
	defer cli.Close()

	n, err := cli.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 5)
	readAll(t, srv, buf)
	assert.Equal(t, "hello", string(buf))
}

func TestExternalLeftRingNegotiatesLargeOrder(t *testing.T) {
	env := NewMemEnvironment()
	srv, cli := dial(t, env, 2, 9000, 500)
	defer srv.Close()
	defer cli.Close()

	assert.GreaterOrEqual(t, wireOrderOf(srv, true), 14)
}

func TestWrapAroundScenarioOverVchan(t *testing.T) {
	env := NewMemEnvironment()
	srv, cli := dial(t, env, 3, 1024, 1024)
	defer srv.Close()
	defer cli.Close()

	first := make([]byte, 800)
	for i := range first {
		first[i] = byte(i)
	}
	n, err := cli.Write(first)
	require.NoError(t, err)
	require.Equal(t, 800, n)

	got := make([]byte, 800)
	readAll(t, srv, got)
	assert.Equal(t, first, got)

	second := make([]byte, 600)
	for i := range second {
		second[i] = byte(200 + i)
	}
	// The first 800 bytes are only acknowledged on the server's next read,
	// so the second write must run alongside the reader: it fills 800-1023,
	// then waits for that acknowledgement before wrapping to 0-375.
	type writeResult struct {
		n   int
		err error
	}
	writeDone := make(chan writeResult, 1)
	go func() {
		n, err := cli.Write(second)
		writeDone <- writeResult{n, err}
	}()

	got2 := make([]byte, 600)
	readAll(t, srv, got2)
	res := <-writeDone
	require.NoError(t, res.err)
	require.Equal(t, 600, res.n)
	assert.Equal(t, second, got2)
}

func TestFlowControlBlocksUntilReaderDrains(t *testing.T) {
	env := NewMemEnvironment()
	srv, cli := dial(t, env, 4, 1024, 1024)
	defer srv.Close()
	defer cli.Close()

	payload := make([]byte, 10000)
	for i := range payload {
		payload[i] = byte(i)
	}

	writeDone := make(chan error, 1)
	go func() {
		_, err := cli.Write(payload)
		writeDone <- err
	}()

	got := make([]byte, len(payload))
	readAll(t, srv, got)

	require.NoError(t, <-writeDone)
	assert.Equal(t, payload, got)
}

func TestCleanShutdownReturnsEofAndCleansUp(t *testing.T) {
	env := NewMemEnvironment()
	srv, cli := dial(t, env, 5, 1024, 1024)

	require.NoError(t, srv.Close())
	require.NoError(t, cli.Close())

	_, err := cli.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	require.NoError(t, env.AssertCleanedUp())
}

func TestCloseIsIdempotent(t *testing.T) {
	env := NewMemEnvironment()
	srv, cli := dial(t, env, 6, 1024, 1024)
	defer cli.Close()

	require.NoError(t, srv.Close())
	require.NoError(t, srv.Close())
}

func readAll(t *testing.T, c *Conn, buf []byte) {
	t.Helper()
	read := 0
	for read < len(buf) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		n, err := c.ReadContext(ctx, buf[read:])
		cancel()
		require.NoError(t, err)
		read += n
	}
}

func wireOrderOf(srv *Conn, left bool) int {
	if left {
		return int(srv.page.Order(srv.readSide))
	}
	return int(srv.page.Order(srv.writeSide))
}
