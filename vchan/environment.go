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
	"github.com/vchan-go/vchan/event"
	"github.com/vchan-go/vchan/grant"
	"github.com/vchan-go/vchan/registry"
)

// Environment bundles the three substrates a channel core needs. Server and
// Client calls that are meant to talk to each other must share the same
// Environment.
type Environment struct {
	Grants   grant.Substrate
	Events   event.Substrate
	Registry registry.Substrate
}

// NewMemEnvironment returns an Environment backed entirely by the
// in-memory reference substrates, suitable for tests and for the
// single-process demo.
func NewMemEnvironment() *Environment {
	return &Environment{
		Grants:   grant.NewMemSubstrate(),
		Events:   event.NewMemSubstrate(),
		Registry: registry.NewMemSubstrate(),
	}
}

// AssertCleanedUp fails if any of the three substrates still has
// outstanding resources.
func (e *Environment) AssertCleanedUp() error {
	if err := e.Grants.AssertCleanedUp(); err != nil {
		return err
	}
	if err := e.Events.AssertCleanedUp(); err != nil {
		return err
	}
	return e.Registry.AssertCleanedUp()
}
