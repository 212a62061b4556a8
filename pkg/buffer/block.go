// Copyright 2024 Chainguard, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package buffer

import (
	"errors"
	"fmt"
	"math"
)

// ErrBlockTooLarge is returned when a storage block would exceed its limit.
var ErrBlockTooLarge = errors.New("storage block too large")

// Block is one contiguous allocation holding the buffers of a whole device
// set, count regions of capacity bytes each.
type Block struct {
	mem      []byte
	count    int
	capacity int
	buffers  []*Buffer
}

// NewBlock allocates a zeroed block for count buffers of capacity bytes. A
// positive limit caps the total size of the block.
func NewBlock(count, capacity int, limit int64) (*Block, error) {
	if count <= 0 || capacity <= 0 {
		return nil, fmt.Errorf("invalid block geometry %dx%d", count, capacity)
	}
	if capacity > math.MaxInt/count {
		return nil, fmt.Errorf("%dx%d bytes overflows: %w", count, capacity, ErrBlockTooLarge)
	}
	size := count * capacity
	if limit > 0 && int64(size) > limit {
		return nil, fmt.Errorf("%d bytes exceeds limit of %d: %w", size, limit, ErrBlockTooLarge)
	}

	b := &Block{
		mem:      make([]byte, size),
		count:    count,
		capacity: capacity,
		buffers:  make([]*Buffer, count),
	}
	for i := range b.buffers {
		lo, hi := i*capacity, (i+1)*capacity
		// full slice expression so no buffer can reach into its neighbour
		b.buffers[i] = &Buffer{data: b.mem[lo:hi:hi]}
	}
	return b, nil
}

// Buffer returns the i-th region of the block.
func (b *Block) Buffer(i int) *Buffer {
	if b.mem == nil || i < 0 || i >= b.count {
		return nil
	}
	return b.buffers[i]
}

// Len returns the number of buffers carved from the block.
func (b *Block) Len() int {
	return b.count
}

// Size returns the total number of bytes held, 0 once released.
func (b *Block) Size() int {
	return len(b.mem)
}

// Release drops the block's memory. Buffers handed out earlier must no longer
// be used. Releasing twice is a no-op.
func (b *Block) Release() {
	b.mem = nil
	b.buffers = nil
}
