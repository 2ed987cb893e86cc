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

package ringbuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsNonPowerOfTwo(t *testing.T) {
	_, err := New(make([]byte, 1000))
	assert.Error(t, err)

	_, err = New(nil)
	assert.Error(t, err)

	r, err := New(make([]byte, 1024))
	require.NoError(t, err)
	assert.Equal(t, 1024, r.Size())
}

func TestEmptyAndFull(t *testing.T) {
	r, err := New(make([]byte, 16))
	require.NoError(t, err)

	assert.Equal(t, 0, r.Avail(0, 0))
	assert.Equal(t, 16, r.Space(0, 0))
	assert.Nil(t, r.ReadableSpan(0, 0))

	assert.Equal(t, 16, r.Avail(16, 0))
	assert.Equal(t, 0, r.Space(16, 0))
	assert.Nil(t, r.WritableSpan(16, 0))
}

func TestWriteReadRoundTrip(t *testing.T) {
	r, err := New(make([]byte, 16))
	require.NoError(t, err)

	var prod, cons uint32
	span := r.WritableSpan(prod, cons)
	require.Len(t, span, 16)
	n := copy(span, []byte("hello"))
	prod += uint32(n)

	readable := r.ReadableSpan(prod, cons)
	require.Len(t, readable, 5)
	assert.Equal(t, "hello", string(readable))
	cons += uint32(len(readable))

	assert.Equal(t, 0, r.Avail(prod, cons))
}

func TestWrapAroundScenario(t *testing.T) {
	// spec.md §8 scenario 3: size 1024, write 800, read 800, write 600:
	// the second write spans 800-1023 and 0-375.
	r, err := New(make([]byte, 1024))
	require.NoError(t, err)

	var prod, cons uint32
	first := make([]byte, 800)
	for i := range first {
		first[i] = byte(i)
	}
	span := r.WritableSpan(prod, cons)
	require.Len(t, span, 1024)
	n := copy(span, first)
	require.Equal(t, 800, n)
	prod += uint32(n)

	readSpan := r.ReadableSpan(prod, cons)
	require.Len(t, readSpan, 800)
	got := append([]byte(nil), readSpan...)
	cons += uint32(len(readSpan))
	assert.Equal(t, first, got)

	second := make([]byte, 600)
	for i := range second {
		second[i] = byte(200 + i)
	}

	// First span: offset 800 to 1023 (224 bytes).
	span = r.WritableSpan(prod, cons)
	require.Len(t, span, 224)
	n = copy(span, second)
	require.Equal(t, 224, n)
	prod += uint32(n)

	// Second span: wraps to offset 0, remaining 376 bytes.
	span = r.WritableSpan(prod, cons)
	require.Len(t, span, 376)
	n2 := copy(span, second[n:])
	require.Equal(t, 376, n2)
	prod += uint32(n2)

	assert.Equal(t, 600, r.Avail(prod, cons))

	readSpan = r.ReadableSpan(prod, cons)
	require.Len(t, readSpan, 224)
	gotSecond := append([]byte(nil), readSpan...)
	cons += uint32(len(readSpan))

	readSpan = r.ReadableSpan(prod, cons)
	require.Len(t, readSpan, 376)
	gotSecond = append(gotSecond, readSpan...)
	cons += uint32(len(readSpan))

	assert.Equal(t, second, gotSecond)
	assert.Equal(t, 0, r.Avail(prod, cons))
}

func TestCounterWrapAroundArithmetic(t *testing.T) {
	r, err := New(make([]byte, 16))
	require.NoError(t, err)

	// Counters near the uint32 boundary still compute correctly because
	// subtraction is modular.
	prod := uint32(1<<32 - 4)
	cons := uint32(1<<32 - 8)
	assert.Equal(t, 4, r.Avail(prod, cons))
	assert.Equal(t, 12, r.Space(prod, cons))

	prod2 := prod + 4 // wraps past zero
	assert.Equal(t, 8, r.Avail(prod2, cons))
}
