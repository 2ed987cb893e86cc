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

import "errors"

// ErrPortParse is returned when an advertised event_channel is not a valid
// decimal port number.
var ErrPortParse = errors.New("vchan: advertised event_channel is not numeric")

// end-of-stream is reported as io.EOF, matching the io.Reader/io.Writer
// convention this package's Conn otherwise follows; see ReadFrame and
// WriteContext.
