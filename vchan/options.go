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

import "github.com/rs/zerolog"

type options struct {
	log *zerolog.Logger
}

// Option configures a Server or Client call.
type Option func(*options)

// WithLogger attaches a logger that Server/Client and the returned Conn use
// for protocol-level debug output. The default is a disabled logger: no
// option is required for correct operation.
func WithLogger(log *zerolog.Logger) Option {
	return func(o *options) { o.log = log }
}

func newOptions(opts ...Option) *options {
	nop := zerolog.Nop()
	o := &options{log: &nop}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
