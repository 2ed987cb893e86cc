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

// Package registry defines the small shared configuration registry a vchan
// server uses to advertise its control page and event port, and a client
// uses to discover them.
package registry

import (
	"context"

	"github.com/vchan-go/vchan/grant"
)

// Key identifies one advertisement slot.
type Key struct {
	ClientDomID grant.DomID
	Port        int
}

// Record is the advertisement a server publishes for a client to discover.
type Record struct {
	// RingRef is the decimal string of the first grant ref of the control
	// page.
	RingRef string
	// EventChannel is the decimal string of the server's listening event
	// port.
	EventChannel string
}

// Substrate is the capability set a channel core needs from the hypervisor
// configuration facility.
type Substrate interface {
	// Write publishes rec at key, replacing any prior value and waking
	// any blocked Read.
	Write(key Key, rec Record)
	// Read blocks until an entry exists at key, then returns it, or
	// returns ctx.Err() if ctx is done first.
	Read(ctx context.Context, key Key) (Record, error)
	// Delete removes the entry at key, if any. Called by the server on
	// close.
	Delete(key Key)
	// AssertCleanedUp fails if any entry remains.
	AssertCleanedUp() error
}
