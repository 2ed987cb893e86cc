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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteThenRead(t *testing.T) {
	m := NewMemSubstrate()
	key := Key{ClientDomID: 1, Port: 7}
	rec := Record{RingRef: "100", EventChannel: "3"}

	m.Write(key, rec)

	got, err := m.Read(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestReadBlocksUntilWrite(t *testing.T) {
	m := NewMemSubstrate()
	key := Key{ClientDomID: 1, Port: 7}

	result := make(chan Record, 1)
	go func() {
		rec, err := m.Read(context.Background(), key)
		require.NoError(t, err)
		result <- rec
	}()

	time.Sleep(20 * time.Millisecond)
	m.Write(key, Record{RingRef: "1", EventChannel: "2"})

	select {
	case rec := <-result:
		assert.Equal(t, Record{RingRef: "1", EventChannel: "2"}, rec)
	case <-time.After(time.Second):
		t.Fatal("read never unblocked")
	}
}

func TestWriteTwiceReplaces(t *testing.T) {
	m := NewMemSubstrate()
	key := Key{ClientDomID: 1, Port: 7}
	m.Write(key, Record{RingRef: "1", EventChannel: "2"})
	m.Write(key, Record{RingRef: "9", EventChannel: "9"})

	got, err := m.Read(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, Record{RingRef: "9", EventChannel: "9"}, got)
}

func TestReadRespectsContextCancellation(t *testing.T) {
	m := NewMemSubstrate()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := m.Read(ctx, Key{ClientDomID: 9, Port: 9})
	assert.Error(t, err)
}

func TestDeleteAndCleanup(t *testing.T) {
	m := NewMemSubstrate()
	key := Key{ClientDomID: 1, Port: 7}
	m.Write(key, Record{RingRef: "1", EventChannel: "2"})

	assert.Error(t, m.AssertCleanedUp())
	m.Delete(key)
	assert.NoError(t, m.AssertCleanedUp())
}
