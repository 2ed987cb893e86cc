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

package event

import (
	"context"
	"fmt"
	"sync"

	"github.com/vchan-go/vchan/concurrency/gopool"
	"github.com/vchan-go/vchan/grant"
	"github.com/vchan-go/vchan/internal/portset"
)

const maxPorts = 1 << 16

type portState struct {
	mu      sync.Mutex
	cond    *sync.Cond
	counter uint64
	peer    Port // -1 if unbound
}

// MemSubstrate is an in-memory event Substrate: both domains are simulated
// in the same process, so a "send" is a counter bump plus a condition
// variable broadcast on the bound peer's port state.
type MemSubstrate struct {
	mu    sync.Mutex
	ports *portset.Set
	state map[Port]*portState

	pool *gopool.GoPool
}

// NewMemSubstrate returns an empty in-memory event substrate.
func NewMemSubstrate() *MemSubstrate {
	return &MemSubstrate{
		ports: portset.New(maxPorts),
		state: make(map[Port]*portState),
		pool:  gopool.NewGoPool("vchan-event", nil),
	}
}

func (m *MemSubstrate) newPort() *portState {
	ps := &portState{peer: -1}
	ps.cond = sync.NewCond(&ps.mu)
	return ps
}

// Listen allocates a fresh unbound port.
func (m *MemSubstrate) Listen(remoteDomID grant.DomID) (Port, Channel) {
	m.mu.Lock()
	p := m.ports.Alloc()
	if p == -1 {
		m.mu.Unlock()
		panic("event: port space exhausted")
	}
	ps := m.newPort()
	m.state[p] = ps
	m.mu.Unlock()

	return p, &memChannel{local: p, sub: m}
}

// Connect allocates a fresh local port and binds it to remotePort in both
// directions, so either side's Send reaches the other.
func (m *MemSubstrate) Connect(remoteDomID grant.DomID, remotePort Port) (Channel, error) {
	m.mu.Lock()
	remoteState, ok := m.state[remotePort]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("event: remote port %d is not listening", remotePort)
	}
	local := m.ports.Alloc()
	if local == -1 {
		m.mu.Unlock()
		panic("event: port space exhausted")
	}
	ps := m.newPort()
	ps.peer = remotePort
	m.state[local] = ps
	m.mu.Unlock()

	remoteState.mu.Lock()
	remoteState.peer = local
	remoteState.mu.Unlock()

	return &memChannel{local: local, sub: m}, nil
}

// Close releases port, clearing its binding and counter.
func (m *MemSubstrate) Close(port Port) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.state[port]; !ok {
		return
	}
	delete(m.state, port)
	m.ports.Free(port)
}

// AssertCleanedUp fails if any port is still bound.
func (m *MemSubstrate) AssertCleanedUp() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.state) != 0 {
		return fmt.Errorf("event: %d ports still bound", len(m.state))
	}
	return nil
}

func (m *MemSubstrate) lookup(port Port) (*portState, bool) {
	m.mu.Lock()
	ps, ok := m.state[port]
	m.mu.Unlock()
	return ps, ok
}

type memChannel struct {
	local Port
	sub   *MemSubstrate
}

func (c *memChannel) LocalPort() Port { return c.local }

// Send wakes the peer bound to this channel. The counter bump and
// broadcast run on the substrate's worker pool so a hot write/read path
// never pays for lock contention on the remote port's condition variable.
func (c *memChannel) Send() {
	ps, ok := c.sub.lookup(c.local)
	if !ok {
		return
	}
	ps.mu.Lock()
	peer := ps.peer
	ps.mu.Unlock()
	if peer == -1 {
		return
	}

	peerState, ok := c.sub.lookup(peer)
	if !ok {
		return
	}
	c.sub.pool.Go(func() {
		peerState.mu.Lock()
		peerState.counter++
		peerState.cond.Broadcast()
		peerState.mu.Unlock()
	})
}

// Recv suspends until this channel's own counter (bumped by the peer's
// Send) exceeds last, or ctx is done.
func (c *memChannel) Recv(ctx context.Context, last Token) (Token, error) {
	ps, ok := c.sub.lookup(c.local)
	if !ok {
		return 0, fmt.Errorf("event: port %d closed", c.local)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			ps.mu.Lock()
			ps.cond.Broadcast()
			ps.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	ps.mu.Lock()
	defer ps.mu.Unlock()
	for ps.counter <= uint64(last) {
		if err := ctx.Err(); err != nil {
			return Token(ps.counter), err
		}
		ps.cond.Wait()
	}
	return Token(ps.counter), nil
}
