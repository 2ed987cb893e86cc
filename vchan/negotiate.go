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

// chooseOrder picks the smallest buffer_location whose capacity is at
// least size, falling back to the largest legal external order if none
// fits.
func chooseOrder(size int) wire.Order {
	switch {
	case size <= wire.OrderOffset1024.Size():
		return wire.OrderOffset1024
	case size <= wire.OrderOffset2048.Size():
		return wire.OrderOffset2048
	}
	for o := wire.OrderExternalBase; o <= wire.OrderExternalMax; o++ {
		if size <= o.Size() {
			return o
		}
	}
	return wire.OrderExternalMax
}

// resolveCollision rewrites a server's independently-chosen (read, write)
// order pair so the two in-page regions at offset 1024 and offset 2048 are
// never claimed by both rings at once.
func resolveCollision(readOrder, writeOrder wire.Order) (wire.Order, wire.Order) {
	switch {
	case readOrder == wire.OrderOffset1024 && writeOrder == wire.OrderOffset1024:
		return wire.OrderOffset1024, wire.OrderOffset2048
	case readOrder == wire.OrderOffset2048 && writeOrder == wire.OrderOffset2048:
		return wire.OrderOffset2048, wire.OrderExternalBase
	default:
		return readOrder, writeOrder
	}
}

// ringBufferSlice returns the byte slice backing one ring, given its
// negotiated order: an in-page region for Offset1024/Offset2048, or the
// externally shared/mapped buffer otherwise.
func ringBufferSlice(order wire.Order, pageBuf []byte, external []byte) []byte {
	switch order {
	case wire.OrderOffset1024:
		return pageBuf[1024 : 1024+1024]
	case wire.OrderOffset2048:
		return pageBuf[2048 : 2048+2048]
	default:
		return external
	}
}
