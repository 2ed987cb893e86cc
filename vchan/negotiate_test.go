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
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vchan-go/vchan/wire"
)

func TestChooseOrderPicksSmallestFit(t *testing.T) {
	assert.Equal(t, wire.OrderOffset1024, chooseOrder(1))
	assert.Equal(t, wire.OrderOffset1024, chooseOrder(1024))
	assert.Equal(t, wire.OrderOffset2048, chooseOrder(1025))
	assert.Equal(t, wire.OrderOffset2048, chooseOrder(2048))
	assert.Equal(t, wire.OrderExternalBase, chooseOrder(2049))
	assert.Equal(t, wire.OrderExternalBase, chooseOrder(4096))
}

func TestChooseOrderLargeSizeCapsAtExternalMax(t *testing.T) {
	assert.Equal(t, wire.OrderExternalMax, chooseOrder(1<<30))
}

func TestResolveCollisionRewritesBothInPageCases(t *testing.T) {
	l, r := resolveCollision(wire.OrderOffset1024, wire.OrderOffset1024)
	assert.Equal(t, wire.OrderOffset1024, l)
	assert.Equal(t, wire.OrderOffset2048, r)

	l, r = resolveCollision(wire.OrderOffset2048, wire.OrderOffset2048)
	assert.Equal(t, wire.OrderOffset2048, l)
	assert.Equal(t, wire.OrderExternalBase, r)
}

func TestResolveCollisionLeavesOtherPairsUnchanged(t *testing.T) {
	cases := []struct{ l, r wire.Order }{
		{wire.OrderOffset2048, wire.OrderOffset1024},
		{wire.OrderOffset1024, wire.OrderOffset2048},
		{wire.OrderExternalBase, wire.OrderOffset1024},
		{wire.OrderOffset1024, wire.OrderExternalBase},
	}
	for _, tt := range cases {
		l, r := resolveCollision(tt.l, tt.r)
		assert.Equal(t, tt.l, l)
		assert.Equal(t, tt.r, r)
	}
}

func TestResolveCollisionNeverProducesForbiddenPairs(t *testing.T) {
	orders := []wire.Order{wire.OrderOffset1024, wire.OrderOffset2048, wire.OrderExternalBase, wire.OrderExternalMax}
	for _, a := range orders {
		for _, b := range orders {
			l, r := resolveCollision(a, b)
			forbidden := (l == wire.OrderOffset1024 && r == wire.OrderOffset1024) ||
				(l == wire.OrderOffset2048 && r == wire.OrderOffset2048)
			assert.False(t, forbidden, "resolveCollision(%v, %v) = (%v, %v)", a, b, l, r)
		}
	}
}

func TestRingBufferSliceInPageOffsets(t *testing.T) {
	page := make([]byte, wire.PageSize)
	for i := range page {
		page[i] = byte(i)
	}

	s := ringBufferSlice(wire.OrderOffset1024, page, nil)
	assert.Len(t, s, 1024)
	assert.Equal(t, byte(1024%256), s[0])

	s = ringBufferSlice(wire.OrderOffset2048, page, nil)
	assert.Len(t, s, 2048)
	assert.Equal(t, byte(2048%256), s[0])
}

func TestRingBufferSliceExternalUsesGrantedBuffer(t *testing.T) {
	page := make([]byte, wire.PageSize)
	external := make([]byte, wire.OrderExternalBase.Size())
	s := ringBufferSlice(wire.OrderExternalBase, page, external)
	assert.Same(t, &external[0], &s[0])
}
