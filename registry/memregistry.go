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

package registry

import (
	"context"
	"fmt"
	"sync"
)

// MemSubstrate is a map plus a broadcast condition variable, exactly as
// the reference implementation: a write replaces the value at a key and
// wakes every blocked reader, which then re-checks whether its own key is
// now present.
type MemSubstrate struct {
	mu      sync.Mutex
	cond    *sync.Cond
	entries map[Key]Record
}

// NewMemSubstrate returns an empty in-memory registry.
func NewMemSubstrate() *MemSubstrate {
	m := &MemSubstrate{entries: make(map[Key]Record)}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Write publishes rec at key and wakes all blocked readers.
func (m *MemSubstrate) Write(key Key, rec Record) {
	m.mu.Lock()
	m.entries[key] = rec
	m.cond.Broadcast()
	m.mu.Unlock()
}

// Read blocks until key is published, then returns it.
func (m *MemSubstrate) Read(ctx context.Context, key Key) (Record, error) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.cond.Broadcast()
			m.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if rec, ok := m.entries[key]; ok {
			return rec, nil
		}
		if err := ctx.Err(); err != nil {
			return Record{}, err
		}
		m.cond.Wait()
	}
}

// Delete removes the entry at key, if any.
func (m *MemSubstrate) Delete(key Key) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
}

// AssertCleanedUp fails if any entry remains.
func (m *MemSubstrate) AssertCleanedUp() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.entries) != 0 {
		return fmt.Errorf("registry: %d entries still published", len(m.entries))
	}
	return nil
}
