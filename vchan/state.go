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

import "github.com/vchan-go/vchan/wire"

// State is the effective channel state a peer observes: the remote side's
// liveness field, not its own.
type State int

const (
	StateExited State = iota
	StateConnected
	StateWaitingForConnection
)

func (s State) String() string {
	switch s {
	case StateExited:
		return "exited"
	case StateConnected:
		return "connected"
	case StateWaitingForConnection:
		return "waiting"
	default:
		return "unknown"
	}
}

func stateFromLive(l wire.Live) State {
	switch l {
	case wire.LiveConnected:
		return StateConnected
	case wire.LiveWaitingForConnection:
		return StateWaitingForConnection
	default:
		return StateExited
	}
}
