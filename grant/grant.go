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

// Package grant defines the memory-sharing substrate a vchan peer uses to
// hand fixed-size pages to another domain and to map pages another domain
// has handed to it.
package grant

import "errors"

// Errors returned by Substrate implementations on misuse.
var (
	ErrDoubleMap        = errors.New("grant: already mapped")
	ErrUnmapNotMapped   = errors.New("grant: unmap of a grant that is not mapped")
	ErrUnshareNotShared = errors.New("grant: unshare of a grant that is not shared")
	ErrStaleResources   = errors.New("grant: resources remain at shutdown")
)

// DomID identifies a domain (an isolated execution environment, commonly a
// VM under a hypervisor). Xen domids are 16-bit; this substrate keeps the
// same width even though the in-memory reference implementation never
// enforces a range.
type DomID uint16

// Ref is a grant reference: an opaque handle a sharing domain publishes so
// a peer domain can map the corresponding page.
type Ref = uint32

// RW describes the access a mapping is permitted.
type RW int

const (
	ReadOnly RW = iota
	ReadWrite
)

// Share is a set of pages shared from the local domain to a peer, one grant
// ref per page. The backing buffer is contiguous in the owning domain's
// address space.
type Share struct {
	refs []Ref
	buf  []byte
}

// Refs returns the grant references backing this share, in page order.
func (s *Share) Refs() []Ref { return s.refs }

// Buffer returns the share's backing buffer in the owning domain.
func (s *Share) Buffer() []byte { return s.buf }

// Mapping is the peer domain's view of one or more grants, exposed as a
// single contiguous buffer.
type Mapping struct {
	buf     []byte
	key     Ref  // the ref (Map) or first ref (MapV) this mapping came from
	isGroup bool // true if key indexes mappedGroups rather than mappedPages
}

// Buffer returns the mapped bytes.
func (m *Mapping) Buffer() []byte { return m.buf }

// Substrate is the capability set a channel core needs from the hypervisor
// grant table: share pages out, map pages in, and release both.
type Substrate interface {
	// Share allocates npages fresh pages shared with domid and returns a
	// Share naming their grant refs.
	Share(domid DomID, npages int, rw RW) (*Share, error)
	// Unshare releases a Share. Fails with ErrUnshareNotShared if s was
	// already unshared.
	Unshare(s *Share) error
	// Map maps a single grant ref into the caller's address space. Fails
	// with ErrDoubleMap if ref is already mapped.
	Map(domid DomID, ref Ref, rw RW) (*Mapping, error)
	// MapV maps a vector of grant refs (the refs of one Share, in order) as
	// a single contiguous buffer. Fails with ErrDoubleMap if already
	// mapped.
	MapV(domid DomID, refs []Ref, rw RW) (*Mapping, error)
	// Unmap releases a Mapping. Fails with ErrUnmapNotMapped if m is not
	// currently mapped.
	Unmap(m *Mapping) error
	// AssertCleanedUp fails with ErrStaleResources if any share or mapping
	// remains open.
	AssertCleanedUp() error
}
