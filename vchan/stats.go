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

// Stats is a read-only snapshot of one Conn's ring occupancy, for
// introspection and demo output. Taking a Stats snapshot has no side
// effects on the notification protocol.
type Stats struct {
	DataReady   int
	BufferSpace int
	AckUpTo     uint32
	ReadProd    uint32
	ReadCons    uint32
	WriteProd   uint32
	WriteCons   uint32
	RemoteState State
}

// Stats returns a snapshot of c's current occupancy and remote state. It
// returns ErrBadLive if the remote's liveness byte is out of range; the
// occupancy counters in the returned Stats are valid regardless.
func (c *Conn) Stats() (Stats, error) {
	readProd := c.page.LoadProd(c.readSide)
	readCons := c.page.LoadCons(c.readSide)
	writeProd := c.page.LoadProd(c.writeSide)
	writeCons := c.page.LoadCons(c.writeSide)

	state, err := c.State()

	return Stats{
		DataReady:   c.readRing.Avail(readProd, readCons),
		BufferSpace: c.writeRing.Space(writeProd, writeCons),
		AckUpTo:     c.ackUpTo,
		ReadProd:    readProd,
		ReadCons:    readCons,
		WriteProd:   writeProd,
		WriteCons:   writeCons,
		RemoteState: state,
	}, err
}
