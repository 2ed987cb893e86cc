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

// Package vchan implements the channel core: buffer-location negotiation,
// the cross-domain notification protocol, the read/write path and the
// connection state machine, layered over the grant, event and registry
// substrates.
package vchan

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vchan-go/vchan/event"
	"github.com/vchan-go/vchan/grant"
	"github.com/vchan-go/vchan/registry"
	"github.com/vchan-go/vchan/ringbuf"
	"github.com/vchan-go/vchan/wire"
)

// Conn is one end of a vchan byte-stream channel: either the Server
// (allocator) or the Client (mapper) role. The two halves are independent
// enough to be driven by separate goroutines, one reading and one writing,
// which is why read-side and write-side state each have their own mutex.
type Conn struct {
	env   *Environment
	role  wire.Peer
	domID grant.DomID
	port  event.Port
	page  *wire.Page
	ch    event.Channel
	log   *zerolog.Logger

	readMu    sync.Mutex
	readSide  wire.Side
	readRing  *ringbuf.Ring
	readToken event.Token
	ackUpTo   uint32
	pending   []byte

	writeMu    sync.Mutex
	writeSide  wire.Side
	writeRing  *ringbuf.Ring
	writeToken event.Token

	closeMu sync.Mutex
	closed  bool

	// Resource bundles, disjoint per role: a Server shares pages and owns
	// Shares; a Client maps pages and owns Mappings.
	controlShare    *grant.Share
	leftExtShare    *grant.Share
	rightExtShare   *grant.Share
	controlMapping  *grant.Mapping
	leftExtMapping  *grant.Mapping
	rightExtMapping *grant.Mapping
}

func shareBuf(s *grant.Share) []byte {
	if s == nil {
		return nil
	}
	return s.Buffer()
}

func mappingBuf(m *grant.Mapping) []byte {
	if m == nil {
		return nil
	}
	return m.Buffer()
}

// Server allocates the control page and ring buffers, publishes them via
// env.Registry under (domID, port), and blocks until the client named by
// domID attaches. domID and port must be the same values the peer's Client
// call uses; the pairing is agreed out of band, as with a real vchan
// deployment's toolstack-assigned domids.
func Server(ctx context.Context, env *Environment, domID grant.DomID, port event.Port, readSize, writeSize int, opts ...Option) (*Conn, error) {
	o := newOptions(opts...)

	controlShare, err := env.Grants.Share(domID, 1, grant.ReadWrite)
	if err != nil {
		return nil, fmt.Errorf("vchan: share control page: %w", err)
	}
	page, err := wire.NewPage(controlShare.Buffer())
	if err != nil {
		_ = env.Grants.Unshare(controlShare)
		return nil, err
	}

	leftOrder, rightOrder := resolveCollision(chooseOrder(readSize), chooseOrder(writeSize))
	page.SetOrder(wire.Left, leftOrder)
	page.SetOrder(wire.Right, rightOrder)

	var leftExtShare, rightExtShare *grant.Share
	var leftRefs, rightRefs []grant.Ref
	if n, ok := leftOrder.External(); ok {
		leftExtShare, err = env.Grants.Share(domID, n, grant.ReadWrite)
		if err != nil {
			_ = env.Grants.Unshare(controlShare)
			return nil, fmt.Errorf("vchan: share left ring: %w", err)
		}
		leftRefs = leftExtShare.Refs()
	}
	if n, ok := rightOrder.External(); ok {
		rightExtShare, err = env.Grants.Share(domID, n, grant.ReadWrite)
		if err != nil {
			_ = env.Grants.Unshare(controlShare)
			if leftExtShare != nil {
				_ = env.Grants.Unshare(leftExtShare)
			}
			return nil, fmt.Errorf("vchan: share right ring: %w", err)
		}
		rightRefs = rightExtShare.Refs()
	}
	page.SetGrantRefs(leftRefs, rightRefs)
	page.InitServer()

	leftRing, err := ringbuf.New(ringBufferSlice(leftOrder, controlShare.Buffer(), shareBuf(leftExtShare)))
	if err != nil {
		return nil, err
	}
	rightRing, err := ringbuf.New(ringBufferSlice(rightOrder, controlShare.Buffer(), shareBuf(rightExtShare)))
	if err != nil {
		return nil, err
	}

	evPort, ch := env.Events.Listen(domID)

	env.Registry.Write(registry.Key{ClientDomID: domID, Port: port}, registry.Record{
		RingRef:      strconv.FormatUint(uint64(controlShare.Refs()[0]), 10),
		EventChannel: event.PortToString(evPort),
	})

	c := &Conn{
		env: env, role: wire.Server, domID: domID, port: port,
		page: page, ch: ch, log: o.log,
		readSide: wire.Left, readRing: leftRing,
		writeSide: wire.Right, writeRing: rightRing,
		controlShare:  controlShare,
		leftExtShare:  leftExtShare,
		rightExtShare: rightExtShare,
	}

	o.log.Debug().Uint16("domid", uint16(domID)).Int("port", port).
		Uint16("left_order", uint16(leftOrder)).Uint16("right_order", uint16(rightOrder)).
		Msg("vchan: server advertised, waiting for client")

	for {
		tok, err := ch.Recv(ctx, c.readToken)
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("vchan: waiting for client attach: %w", err)
		}
		c.readToken = tok
		live, err := page.Live(wire.Client)
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("vchan: waiting for client attach: %w", err)
		}
		if live == wire.LiveConnected {
			break
		}
	}
	o.log.Debug().Msg("vchan: client attached")
	return c, nil
}

// Client reads the advertisement env.Registry holds under (domID, port),
// maps the control page and ring buffers, connects to the server's event
// port and signals it. It returns once attached; it never blocks waiting
// for the server to accept further progress.
func Client(ctx context.Context, env *Environment, domID grant.DomID, port event.Port, opts ...Option) (*Conn, error) {
	o := newOptions(opts...)

	rec, err := env.Registry.Read(ctx, registry.Key{ClientDomID: domID, Port: port})
	if err != nil {
		return nil, fmt.Errorf("vchan: reading advertisement: %w", err)
	}

	ringRef64, err := strconv.ParseUint(rec.RingRef, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: ring_ref %q", ErrPortParse, rec.RingRef)
	}
	evPort, err := event.ParsePort(rec.EventChannel)
	if err != nil {
		return nil, fmt.Errorf("%w: event_channel %q", ErrPortParse, rec.EventChannel)
	}

	controlMapping, err := env.Grants.Map(domID, grant.Ref(ringRef64), grant.ReadWrite)
	if err != nil {
		return nil, fmt.Errorf("vchan: mapping control page: %w", err)
	}

	headerView, err := wire.NewPage(controlMapping.Buffer())
	if err != nil {
		_ = env.Grants.Unmap(controlMapping)
		return nil, err
	}

	leftOrder := headerView.Order(wire.Left)
	rightOrder := headerView.Order(wire.Right)
	if !leftOrder.Valid() || !rightOrder.Valid() {
		_ = env.Grants.Unmap(controlMapping)
		return nil, wire.ErrBadOrder
	}

	nLeftRefs, _ := leftOrder.External()
	nRightRefs, _ := rightOrder.External()
	leftRefs, rightRefs, err := headerView.GrantRefs(nLeftRefs, nRightRefs)
	if err != nil {
		_ = env.Grants.Unmap(controlMapping)
		return nil, err
	}

	page, err := wire.NewPage(controlMapping.Buffer()[:wire.HeaderAndRefsSize(nLeftRefs, nRightRefs)])
	if err != nil {
		_ = env.Grants.Unmap(controlMapping)
		return nil, err
	}

	var leftExtMapping, rightExtMapping *grant.Mapping
	if nLeftRefs > 0 {
		leftExtMapping, err = env.Grants.MapV(domID, leftRefs, grant.ReadWrite)
		if err != nil {
			_ = env.Grants.Unmap(controlMapping)
			return nil, fmt.Errorf("vchan: mapping left ring: %w", err)
		}
	}
	if nRightRefs > 0 {
		rightExtMapping, err = env.Grants.MapV(domID, rightRefs, grant.ReadWrite)
		if err != nil {
			_ = env.Grants.Unmap(controlMapping)
			if leftExtMapping != nil {
				_ = env.Grants.Unmap(leftExtMapping)
			}
			return nil, fmt.Errorf("vchan: mapping right ring: %w", err)
		}
	}

	leftRing, err := ringbuf.New(ringBufferSlice(leftOrder, controlMapping.Buffer(), mappingBuf(leftExtMapping)))
	if err != nil {
		return nil, err
	}
	rightRing, err := ringbuf.New(ringBufferSlice(rightOrder, controlMapping.Buffer(), mappingBuf(rightExtMapping)))
	if err != nil {
		return nil, err
	}

	ch, err := env.Events.Connect(domID, evPort)
	if err != nil {
		_ = env.Grants.Unmap(controlMapping)
		if leftExtMapping != nil {
			_ = env.Grants.Unmap(leftExtMapping)
		}
		if rightExtMapping != nil {
			_ = env.Grants.Unmap(rightExtMapping)
		}
		return nil, fmt.Errorf("vchan: connecting event channel: %w", err)
	}

	page.SetLive(wire.Client, wire.LiveConnected)
	page.RequestNotify(wire.Server, wire.NotifyWrite)

	c := &Conn{
		env: env, role: wire.Client, domID: domID, port: port,
		page: page, ch: ch, log: o.log,
		readSide: wire.Right, readRing: rightRing,
		writeSide: wire.Left, writeRing: leftRing,
		controlMapping:  controlMapping,
		leftExtMapping:  leftExtMapping,
		rightExtMapping: rightExtMapping,
	}

	ch.Send()
	o.log.Debug().Uint16("domid", uint16(domID)).Int("port", port).Msg("vchan: client attached")
	return c, nil
}

// ReadFrame returns a view of up to the currently available contiguous
// bytes, or io.EOF once the remote peer has exited and no bytes remain.
// The view is only valid until the next call to ReadFrame or Read: the
// caller must consume it (or copy it) before calling again, since the
// bytes it covers are acknowledged to the remote the next time ReadFrame
// runs.
func (c *Conn) ReadFrame(ctx context.Context) ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	return c.readFrameLocked(ctx)
}

func (c *Conn) readFrameLocked(ctx context.Context) ([]byte, error) {
	// Publish the previous call's watermark, then run the notify-clear/send
	// step: this read call itself represents the consumer progress made
	// since the last one.
	c.page.StoreCons(c.readSide, c.ackUpTo)
	if bits := c.page.FetchAndClearNotify(c.role); bits&wire.NotifyRead != 0 {
		c.ch.Send()
	}

	for {
		prod := c.page.LoadProd(c.readSide)
		cons := c.page.LoadCons(c.readSide)
		if avail := c.readRing.Avail(prod, cons); avail > 0 {
			view := c.readRing.ReadableSpan(prod, cons)
			c.ackUpTo = cons + uint32(len(view))
			return view, nil
		}
		live, err := c.page.Live(c.role.Other())
		if err != nil {
			return nil, err
		}
		if live != wire.LiveConnected {
			return nil, io.EOF
		}

		c.page.RequestNotify(c.role.Other(), wire.NotifyWrite)
		// Recheck before suspending: the producer may have advanced prod
		// between our first load and setting the request bit.
		prod = c.page.LoadProd(c.readSide)
		cons = c.page.LoadCons(c.readSide)
		if c.readRing.Avail(prod, cons) > 0 {
			continue
		}

		tok, err := c.ch.Recv(ctx, c.readToken)
		if err != nil {
			return nil, err
		}
		c.readToken = tok
	}
}

// Read implements io.Reader: it returns 0, io.EOF exactly when ReadFrame
// would return io.EOF.
func (c *Conn) Read(p []byte) (int, error) {
	return c.ReadContext(context.Background(), p)
}

// ReadContext is Read with an explicit cancellation context.
func (c *Conn) ReadContext(ctx context.Context, p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if len(c.pending) == 0 {
		view, err := c.readFrameLocked(ctx)
		if err != nil {
			return 0, err
		}
		c.pending = view
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// WriteContext copies all of p into the write ring, blocking on
// backpressure, and returns io.EOF (with the count actually written) once
// the remote peer has exited and refuses to make further room.
func (c *Conn) WriteContext(ctx context.Context, p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(ctx, p)
}

func (c *Conn) writeLocked(ctx context.Context, p []byte) (int, error) {
	written := 0
	for written < len(p) {
		prod := c.page.LoadProd(c.writeSide)
		cons := c.page.LoadCons(c.writeSide)
		space := c.writeRing.Space(prod, cons)
		if space == 0 {
			live, err := c.page.Live(c.role.Other())
			if err != nil {
				return written, err
			}
			if live != wire.LiveConnected {
				return written, io.EOF
			}

			c.page.RequestNotify(c.role.Other(), wire.NotifyRead)
			prod = c.page.LoadProd(c.writeSide)
			cons = c.page.LoadCons(c.writeSide)
			if c.writeRing.Space(prod, cons) > 0 {
				continue
			}

			tok, err := c.ch.Recv(ctx, c.writeToken)
			if err != nil {
				return written, err
			}
			c.writeToken = tok
			continue
		}

		span := c.writeRing.WritableSpan(prod, cons)
		n := copy(span, p[written:])
		c.page.StoreProd(c.writeSide, prod+uint32(n))
		written += n

		if bits := c.page.FetchAndClearNotify(c.role); bits&wire.NotifyWrite != 0 {
			c.ch.Send()
		}
	}
	return written, nil
}

// Write implements io.Writer.
func (c *Conn) Write(p []byte) (int, error) {
	return c.WriteContext(context.Background(), p)
}

// Writev writes each buffer in order, stopping (and returning io.EOF) as
// soon as one of them cannot be fully written.
func (c *Conn) Writev(ctx context.Context, bufs [][]byte) error {
	for _, b := range bufs {
		n, err := c.WriteContext(ctx, b)
		if err != nil {
			return err
		}
		if n != len(b) {
			return io.EOF
		}
	}
	return nil
}

// State returns the effective channel state: the remote side's liveness.
// It returns ErrBadLive if the remote's liveness byte holds a value
// outside {Exited,Connected,WaitingForConnection}, which spec treats as
// an invariant violation rather than a recognized state.
func (c *Conn) State() (State, error) {
	live, err := c.page.Live(c.role.Other())
	if err != nil {
		return StateExited, err
	}
	return stateFromLive(live), nil
}

// DataReady returns the number of bytes currently available to Read,
// without blocking or touching the notify protocol.
func (c *Conn) DataReady() int {
	prod := c.page.LoadProd(c.readSide)
	cons := c.page.LoadCons(c.readSide)
	return c.readRing.Avail(prod, cons)
}

// BufferSpace returns the number of bytes Write could currently accept
// without blocking, without touching the notify protocol.
func (c *Conn) BufferSpace() int {
	prod := c.page.LoadProd(c.writeSide)
	cons := c.page.LoadCons(c.writeSide)
	return c.writeRing.Space(prod, cons)
}

// Close marks this side Exited, wakes the peer, and releases every
// resource this Conn owns. It is idempotent.
func (c *Conn) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	c.page.SetLive(c.role, wire.LiveExited)
	c.ch.Send()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	switch c.role {
	case wire.Client:
		if c.leftExtMapping != nil {
			record(c.env.Grants.Unmap(c.leftExtMapping))
		}
		if c.rightExtMapping != nil {
			record(c.env.Grants.Unmap(c.rightExtMapping))
		}
		if c.controlMapping != nil {
			record(c.env.Grants.Unmap(c.controlMapping))
		}
	case wire.Server:
		c.env.Registry.Delete(registry.Key{ClientDomID: c.domID, Port: c.port})
		if c.leftExtShare != nil {
			record(c.env.Grants.Unshare(c.leftExtShare))
		}
		if c.rightExtShare != nil {
			record(c.env.Grants.Unshare(c.rightExtShare))
		}
		if c.controlShare != nil {
			record(c.env.Grants.Unshare(c.controlShare))
		}
	}

	c.env.Events.Close(c.ch.LocalPort())
	c.log.Debug().Str("role", c.role.String()).Msg("vchan: closed")
	return firstErr
}
