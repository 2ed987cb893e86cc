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

// Package event defines the inter-domain event-signal substrate a vchan
// peer uses to wake its counterpart: a one-bit signal with a lost-wakeup-
// proof counter, addressed by small integer ports.
package event

import (
	"context"
	"errors"
	"strconv"

	"github.com/vchan-go/vchan/grant"
)

// Port is a small non-negative integer identifying one end of a channel
// between two domains.
type Port = int

// Token is an event counter value. Recv suspends until this end's counter
// exceeds the token it was last told about.
type Token uint64

// InitialToken is the token a fresh Recv call should start from.
const InitialToken Token = 0

// ErrNotConnected describes a Channel whose peer port is not yet bound.
// Send has no error result: on such a Channel it does nothing.
var ErrNotConnected = errors.New("event: channel has no bound peer")

// Channel is a local handle onto one end of an event signal.
type Channel interface {
	// LocalPort returns this end's own port.
	LocalPort() Port
	// Send wakes whichever peer port is currently bound to this channel.
	Send()
	// Recv suspends until this end's own counter (bumped by the peer's
	// Send) exceeds last, or ctx is done, and returns the counter value
	// observed.
	Recv(ctx context.Context, last Token) (Token, error)
}

// Substrate is the capability set a channel core needs from the hypervisor
// event facility.
type Substrate interface {
	// Listen allocates a fresh, as-yet-unbound local port and returns it
	// along with a channel handle onto it.
	Listen(remoteDomID grant.DomID) (Port, Channel)
	// Connect allocates a fresh local port, binds it (in both directions)
	// to remotePort, and returns a channel handle onto the new local port.
	Connect(remoteDomID grant.DomID, remotePort Port) (Channel, error)
	// Close releases port, clearing its binding and counter.
	Close(port Port)
	// AssertCleanedUp fails if any port is still bound.
	AssertCleanedUp() error
}

// PortToString renders a port as its decimal wire form.
func PortToString(p Port) string {
	return strconv.Itoa(p)
}

// ParsePort parses a port's decimal wire form.
func ParsePort(s string) (Port, error) {
	return strconv.Atoi(s)
}
