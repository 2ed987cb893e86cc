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
	"fmt"

	"github.com/vchan-go/vchan/bufiox"
	"github.com/vchan-go/vchan/unsafex"
)

// ringReader adapts Conn's read ring to bufiox.Reader, the same zero-copy
// contract the teacher gives a streaming socket. Unlike a socket reader it
// never needs its own staging copy for the common case: Next only
// allocates when the requested bytes do not lie in one contiguous ring
// view (they straddle the ring's physical wrap point, or arrive over more
// than one ReadFrame), which ReadFrame's single view cannot express. Peek
// keeps a copy of the bytes it returns so they can be handed out again.
type ringReader struct {
	ctx   context.Context
	c     *Conn
	readN int // bytes handed out since the last Release
}

// Reader returns a bufiox.Reader over c's read ring, rooted at ctx for its
// blocking fills.
func (c *Conn) Reader(ctx context.Context) bufiox.Reader {
	return &ringReader{ctx: ctx, c: c}
}

// Next returns a view of exactly n bytes. Bytes beyond what the ring's
// single contiguous span can offer right now are copied into a staging
// buffer; single-span reads (the common case) go straight to the ring.
func (r *ringReader) Next(n int) ([]byte, error) {
	r.c.readMu.Lock()
	defer r.c.readMu.Unlock()

	if len(r.c.pending) == 0 && n > 0 {
		view, err := r.c.readFrameLocked(r.ctx)
		if err != nil {
			return nil, err
		}
		r.c.pending = view
	}
	if len(r.c.pending) >= n {
		p := r.c.pending[:n]
		r.c.pending = r.c.pending[n:]
		r.readN += n
		return p, nil
	}

	staged := make([]byte, 0, n)
	staged = append(staged, r.c.pending...)
	r.c.pending = nil
	for len(staged) < n {
		view, err := r.c.readFrameLocked(r.ctx)
		if err != nil {
			return nil, err
		}
		need := n - len(staged)
		if len(view) > need {
			staged = append(staged, view[:need]...)
			r.c.pending = view[need:]
		} else {
			staged = append(staged, view...)
		}
	}
	r.readN += n
	return staged, nil
}

// ReadBinary copies up to len(bs) bytes into bs.
func (r *ringReader) ReadBinary(bs []byte) (int, error) {
	p, err := r.Next(len(bs))
	if err != nil {
		return 0, err
	}
	return copy(bs, p), nil
}

// Peek behaves like Next without advancing.
func (r *ringReader) Peek(n int) ([]byte, error) {
	p, err := r.Next(n)
	if err != nil {
		return nil, err
	}
	r.c.readMu.Lock()
	r.c.pending = append(append([]byte(nil), p...), r.c.pending...)
	r.readN -= n
	r.c.readMu.Unlock()
	return p, nil
}

// Skip discards the next n bytes.
func (r *ringReader) Skip(n int) error {
	_, err := r.Next(n)
	return err
}

// ReadLen returns the number of bytes handed out since the last Release.
func (r *ringReader) ReadLen() int { return r.readN }

// Release resets the read-length counter. The ring itself has no separate
// release step: acknowledgement to the peer already happens on the next
// ReadFrame/Read call, per the notify protocol.
func (r *ringReader) Release(_ error) error {
	r.readN = 0
	return nil
}

// ringWriter adapts Conn's write ring to bufiox.Writer.
type ringWriter struct {
	ctx context.Context
	c   *Conn
	buf []byte
}

// Writer returns a bufiox.Writer over c's write ring, rooted at ctx for its
// blocking flush.
func (c *Conn) Writer(ctx context.Context) bufiox.Writer {
	return &ringWriter{ctx: ctx, c: c}
}

// Malloc returns n fresh bytes of staging space; Flush is what actually
// copies them into the ring; the ring has no notion of "reserve space
// without committing it" the way a real mapped buffer could.
func (w *ringWriter) Malloc(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("vchan: malloc of negative size %d", n)
	}
	off := len(w.buf)
	w.buf = append(w.buf, make([]byte, n)...)
	return w.buf[off : off+n], nil
}

// WriteBinary appends bs to the pending staging buffer.
func (w *ringWriter) WriteBinary(bs []byte) (int, error) {
	w.buf = append(w.buf, bs...)
	return len(bs), nil
}

// WrittenLen returns the number of staged, unflushed bytes.
func (w *ringWriter) WrittenLen() int { return len(w.buf) }

// Flush writes every staged byte into the ring, blocking on backpressure
// exactly as WriteContext does, then clears the staging buffer.
func (w *ringWriter) Flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	_, err := w.c.WriteContext(w.ctx, w.buf)
	w.buf = w.buf[:0]
	return err
}

// StagedString views a staged write as a string without copying it. The
// caller must not mutate b afterward, same contract as unsafex itself.
func StagedString(b []byte) string {
	return unsafex.BinaryToString(b)
}
