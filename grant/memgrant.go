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

package grant

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/vchan-go/vchan/cache/mempool"
)

// PageSize is the fixed page size every grant covers.
const PageSize = 4096

type pageLoc struct {
	group *pageGroup
	idx   int
}

type pageGroup struct {
	refs []Ref
	buf  []byte
}

// MemSubstrate is an in-memory Substrate: both domains are simulated in the
// same process, so "sharing" a page is just publishing a grant ref that
// resolves to a slice of a single underlying buffer, and "mapping" it
// returns a slice view onto that same buffer rather than a copy.
type MemSubstrate struct {
	mu sync.Mutex

	nextRef      uint32
	groups       map[Ref]*pageGroup // keyed by first ref of the share
	pages        map[Ref]pageLoc    // keyed by every individual page ref
	mappedPages  map[Ref]bool       // single-page Map() in flight
	mappedGroups map[Ref]bool       // MapV() in flight, keyed by first ref
}

// NewMemSubstrate returns an empty in-memory grant substrate.
func NewMemSubstrate() *MemSubstrate {
	return &MemSubstrate{
		groups:       make(map[Ref]*pageGroup),
		pages:        make(map[Ref]pageLoc),
		mappedPages:  make(map[Ref]bool),
		mappedGroups: make(map[Ref]bool),
	}
}

func (m *MemSubstrate) allocRefs(n int) []Ref {
	first := atomic.AddUint32(&m.nextRef, uint32(n)) - uint32(n) + 1
	refs := make([]Ref, n)
	for i := range refs {
		refs[i] = first + uint32(i)
	}
	return refs
}

// Share allocates npages contiguous pages and assigns each one a fresh,
// monotonically increasing grant ref.
func (m *MemSubstrate) Share(domid DomID, npages int, rw RW) (*Share, error) {
	if npages <= 0 {
		return nil, fmt.Errorf("grant: npages must be positive, got %d", npages)
	}

	buf := mempool.Malloc(npages * PageSize)
	refs := m.allocRefs(npages)
	g := &pageGroup{refs: refs, buf: buf}

	m.mu.Lock()
	m.groups[refs[0]] = g
	for i, r := range refs {
		m.pages[r] = pageLoc{group: g, idx: i}
	}
	m.mu.Unlock()

	return &Share{refs: refs, buf: buf}, nil
}

// Unshare removes s's grant refs from the table, making them unmappable.
func (m *MemSubstrate) Unshare(s *Share) error {
	if len(s.refs) == 0 {
		return ErrUnshareNotShared
	}
	first := s.refs[0]

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.groups[first]; !ok {
		return ErrUnshareNotShared
	}
	delete(m.groups, first)
	for _, r := range s.refs {
		delete(m.pages, r)
	}
	return nil
}

// Map maps a single grant ref, returning a view onto that one page.
func (m *MemSubstrate) Map(domid DomID, ref Ref, rw RW) (*Mapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	loc, ok := m.pages[ref]
	if !ok {
		return nil, fmt.Errorf("grant: ref %d is not shared", ref)
	}
	if m.mappedPages[ref] {
		return nil, ErrDoubleMap
	}
	m.mappedPages[ref] = true

	off := loc.idx * PageSize
	return &Mapping{buf: loc.group.buf[off : off+PageSize], key: ref}, nil
}

// MapV maps the full ref vector of one Share as a single contiguous buffer.
// refs must be exactly the refs returned by that Share's Refs(), in order.
func (m *MemSubstrate) MapV(domid DomID, refs []Ref, rw RW) (*Mapping, error) {
	if len(refs) == 0 {
		return nil, fmt.Errorf("grant: mapv requires at least one ref")
	}
	first := refs[0]

	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[first]
	if !ok {
		return nil, fmt.Errorf("grant: ref %d is not the head of a shared group", first)
	}
	if len(refs) != len(g.refs) {
		return nil, fmt.Errorf("grant: mapv ref count %d does not match share's %d", len(refs), len(g.refs))
	}
	if m.mappedGroups[first] {
		return nil, ErrDoubleMap
	}
	m.mappedGroups[first] = true

	return &Mapping{buf: g.buf, key: first, isGroup: true}, nil
}

// Unmap releases a Mapping previously returned by Map or MapV.
func (m *MemSubstrate) Unmap(mm *Mapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mm.isGroup {
		if !m.mappedGroups[mm.key] {
			return ErrUnmapNotMapped
		}
		delete(m.mappedGroups, mm.key)
		return nil
	}
	if !m.mappedPages[mm.key] {
		return ErrUnmapNotMapped
	}
	delete(m.mappedPages, mm.key)
	return nil
}

// AssertCleanedUp fails if any share or mapping remains outstanding.
func (m *MemSubstrate) AssertCleanedUp() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.groups) != 0 || len(m.mappedPages) != 0 || len(m.mappedGroups) != 0 {
		return fmt.Errorf("%w: %d shares, %d page mappings, %d group mappings",
			ErrStaleResources, len(m.groups), len(m.mappedPages), len(m.mappedGroups))
	}
	return nil
}
