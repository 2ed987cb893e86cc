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

// Package wire implements the pure, typed accessors over the fixed binary
// layout of the vchan control page:
//
//	offset  size  field
//	0       4     left.cons  (uint32, little-endian, release/acquire)
//	4       4     left.prod
//	8       4     right.cons
//	12      4     right.prod
//	16      2     left_order
//	18      2     right_order
//	20      1     cli_live
//	21      1     srv_live
//	22      1     cli_notify
//	23      1     srv_notify
//	24      4*K   grant refs (left refs, then right refs; little-endian uint32)
//
// The codec decodes values to their Go types without acting on them.
// Page.Live rejects a live byte outside {0,1,2} with ErrBadLive; Page.Order
// returns the raw value, and checking that an Order is legal (Order.Valid)
// is left to the vchan channel core.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/vchan-go/vchan/internal/atomicbits"
)

// PageSize is the fixed size of the control page in bytes.
const PageSize = 4096

// HeaderSize is the size of the fixed header preceding the grant-ref array.
const HeaderSize = 24

// Side identifies one of the two rings by the §3 left/right convention:
// left is "client writes, server reads", right is "server writes, client
// reads".
type Side int

const (
	Left Side = iota
	Right
)

func (s Side) String() string {
	if s == Left {
		return "left"
	}
	return "right"
}

// Peer identifies one of the two connection endpoints.
type Peer int

const (
	Client Peer = iota
	Server
)

func (p Peer) String() string {
	if p == Client {
		return "client"
	}
	return "server"
}

// Other returns the opposite peer.
func (p Peer) Other() Peer {
	if p == Client {
		return Server
	}
	return Client
}

// Order encodes where a ring's bytes live, per spec.md §4.5.1.
type Order uint16

const (
	// OrderOffset1024 is 1024 bytes at offset 1024 in the control page.
	OrderOffset1024 Order = 10
	// OrderOffset2048 is 2048 bytes at offset 2048 in the control page.
	OrderOffset2048 Order = 11
	// OrderExternalBase is External(0): 4096 bytes in 1 granted page.
	OrderExternalBase Order = 12
	// OrderExternalMax is External(8), the largest legal order.
	OrderExternalMax Order = 20
)

// Valid reports whether o is one of the legal encoded orders: {10, 11} or
// any value in [12, 20].
func (o Order) Valid() bool {
	return o == OrderOffset1024 || o == OrderOffset2048 ||
		(o >= OrderExternalBase && o <= OrderExternalMax)
}

// External reports whether o denotes an externally-granted ring and, if so,
// how many grant refs back it (2^(o-12)).
func (o Order) External() (npages int, ok bool) {
	if o < OrderExternalBase || o > OrderExternalMax {
		return 0, false
	}
	return 1 << uint(o-OrderExternalBase), true
}

// Size returns the ring's byte capacity for this order.
func (o Order) Size() int {
	switch o {
	case OrderOffset1024:
		return 1024
	case OrderOffset2048:
		return 2048
	default:
		if n, ok := o.External(); ok {
			return n * PageSize
		}
		return 0
	}
}

// Live is the liveness state of one side of the channel, per spec.md §3.
type Live uint8

const (
	LiveExited               Live = 0
	LiveConnected            Live = 1
	LiveWaitingForConnection Live = 2
)

func (l Live) Valid() bool {
	return l == LiveExited || l == LiveConnected || l == LiveWaitingForConnection
}

// NotifyBit is a request bit in a peer's notify byte.
type NotifyBit byte

const (
	// NotifyWrite requests a signal when the peer next writes (advances
	// prod), i.e. when readable data appears.
	NotifyWrite NotifyBit = 1 << 0
	// NotifyRead requests a signal when the peer next reads (advances
	// cons), i.e. when writable space appears.
	NotifyRead NotifyBit = 1 << 1
)

// Errors returned while decoding a control page.
var (
	ErrBadOrder = errors.New("wire: left_order/right_order not a legal value")
	ErrBadLive  = errors.New("wire: live byte outside {0,1,2}")
)

const (
	offLeftCons  = 0
	offLeftProd  = 4
	offRightCons = 8
	offRightProd = 12
	offLeftOrder = 16
	offRightOrder = 18
	offLiveWord  = 20 // cli_live, srv_live, cli_notify, srv_notify packed in one word
)

// byte indices within the word at offLiveWord
const (
	idxCliLive   = 0
	idxSrvLive   = 1
	idxCliNotify = 2
	idxSrvNotify = 3
)

// Page is a typed view over a control-page-shaped buffer. The buffer is
// owned by the caller (the grant substrate); Page never allocates.
type Page struct {
	buf []byte
}

// NewPage wraps buf, which must be at least HeaderSize bytes, as a control
// page view.
func NewPage(buf []byte) (*Page, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("wire: page buffer too small: %d < %d", len(buf), HeaderSize)
	}
	return &Page{buf: buf}, nil
}

// Bytes returns the underlying buffer.
func (p *Page) Bytes() []byte { return p.buf }

func consOffset(side Side) int {
	if side == Left {
		return offLeftCons
	}
	return offRightCons
}

func prodOffset(side Side) int {
	if side == Left {
		return offLeftProd
	}
	return offRightProd
}

func orderOffset(side Side) int {
	if side == Left {
		return offLeftOrder
	}
	return offRightOrder
}

func (p *Page) word32(off int) *uint32 {
	return atomicbits.Word(p.buf, off)
}

// LoadCons does an acquire-load of side's consumer counter.
func (p *Page) LoadCons(side Side) uint32 {
	return atomic.LoadUint32(p.word32(consOffset(side)))
}

// StoreCons does a release-store of side's consumer counter.
func (p *Page) StoreCons(side Side, v uint32) {
	atomic.StoreUint32(p.word32(consOffset(side)), v)
}

// LoadProd does an acquire-load of side's producer counter.
func (p *Page) LoadProd(side Side) uint32 {
	return atomic.LoadUint32(p.word32(prodOffset(side)))
}

// StoreProd does a release-store of side's producer counter.
func (p *Page) StoreProd(side Side, v uint32) {
	atomic.StoreUint32(p.word32(prodOffset(side)), v)
}

// Order returns side's buffer-location order. Orders are written once by
// the server before publishing and read once by the client after mapping;
// they are not mutated concurrently, so a plain little-endian load suffices.
func (p *Page) Order(side Side) Order {
	return Order(binary.LittleEndian.Uint16(p.buf[orderOffset(side):]))
}

// SetOrder writes side's buffer-location order.
func (p *Page) SetOrder(side Side, o Order) {
	binary.LittleEndian.PutUint16(p.buf[orderOffset(side):], uint16(o))
}

func notifyByteIndex(peer Peer) int {
	if peer == Client {
		return idxCliNotify
	}
	return idxSrvNotify
}

func liveByteIndex(peer Peer) int {
	if peer == Client {
		return idxCliLive
	}
	return idxSrvLive
}

// Live reads peer's liveness byte. A byte outside {0,1,2} is an invariant
// violation (spec's BadLive): it means the shared page was corrupted or
// the peer wrote a value from a newer protocol revision, and Live reports
// it as ErrBadLive rather than silently treating it as some other state.
func (p *Page) Live(peer Peer) (Live, error) {
	v := Live(atomicbits.LoadByte(p.word32(offLiveWord), liveByteIndex(peer)))
	if !v.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrBadLive, v)
	}
	return v, nil
}

// SetLive stores peer's liveness byte. Each peer is the sole writer of its
// own liveness byte.
func (p *Page) SetLive(peer Peer, v Live) {
	atomicbits.StoreByte(p.word32(offLiveWord), liveByteIndex(peer), byte(v))
}

// RequestNotify ORs bit into peer's own notify byte. Called by whichever
// side is about to suspend waiting for peer's progress: "peer" is the side
// that will eventually clear this same bit with FetchAndClearNotify and
// decide whether to send the wake-up, so the caller passes the *other*
// side's Peer value, not its own.
func (p *Page) RequestNotify(peer Peer, bit NotifyBit) {
	atomicbits.OrByte(p.word32(offLiveWord), notifyByteIndex(peer), byte(bit))
}

// FetchAndClearNotify atomically reads-and-clears peer's own notify byte,
// returning the bits that were set. Called by peer itself immediately
// after peer makes progress (advances its own prod on write, its own cons
// on read); if the returned bits are non-zero, peer must send one event,
// which is what wakes whichever side called RequestNotify(peer, ...)
// before suspending.
func (p *Page) FetchAndClearNotify(peer Peer) NotifyBit {
	return NotifyBit(atomicbits.FetchAndClearByte(p.word32(offLiveWord), notifyByteIndex(peer)))
}

// GrantRefsOffset is the offset of the grant-ref array following the header.
const GrantRefsOffset = HeaderSize

// SetGrantRefs writes left's grant refs followed by right's, little-endian.
func (p *Page) SetGrantRefs(left, right []uint32) {
	off := GrantRefsOffset
	for _, r := range left {
		binary.LittleEndian.PutUint32(p.buf[off:], r)
		off += 4
	}
	for _, r := range right {
		binary.LittleEndian.PutUint32(p.buf[off:], r)
		off += 4
	}
}

// GrantRefs reads nLeft left refs followed by nRight right refs starting at
// GrantRefsOffset.
func (p *Page) GrantRefs(nLeft, nRight int) (left, right []uint32, err error) {
	need := GrantRefsOffset + (nLeft+nRight)*4
	if need > len(p.buf) {
		return nil, nil, fmt.Errorf("wire: grant ref array (%d refs) does not fit in %d-byte buffer", nLeft+nRight, len(p.buf))
	}
	off := GrantRefsOffset
	left = make([]uint32, nLeft)
	for i := range left {
		left[i] = binary.LittleEndian.Uint32(p.buf[off:])
		off += 4
	}
	right = make([]uint32, nRight)
	for i := range right {
		right[i] = binary.LittleEndian.Uint32(p.buf[off:])
		off += 4
	}
	return left, right, nil
}

// HeaderAndRefsSize returns the exact number of bytes occupied by the fixed
// header plus the grant-ref array for the given per-side ref counts; used
// by the client to re-slice its mapped control view down to just what it
// needs, per spec.md §4.5.3.
func HeaderAndRefsSize(nLeft, nRight int) int {
	return GrantRefsOffset + (nLeft+nRight)*4
}

// InitServer writes the initial control-page state a server publishes
// before advertising the channel, per spec.md §4.5.2. All four counters are
// explicitly zeroed (the reference implementation's accidental double
// write to left.cons is not replicated, per spec.md §9).
func (p *Page) InitServer() {
	p.StoreCons(Left, 0)
	p.StoreProd(Left, 0)
	p.StoreCons(Right, 0)
	p.StoreProd(Right, 0)
	p.SetLive(Client, LiveWaitingForConnection)
	p.SetLive(Server, LiveConnected)
	// cli_notify = Write, so the client's first send of data signals the
	// server immediately without the server having to request it first.
	atomicbits.StoreByte(p.word32(offLiveWord), idxCliNotify, byte(NotifyWrite))
	atomicbits.StoreByte(p.word32(offLiveWord), idxSrvNotify, 0)
}
