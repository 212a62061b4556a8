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

// Package buffer implements the fixed-capacity byte regions that back each
// emulated device, and the single storage block they are carved from.
package buffer

import (
	"errors"
	"fmt"
	"io/fs"
)

// ErrTransferFault is returned when the copy primitive could not move bytes
// between a device buffer and its caller.
var ErrTransferFault = errors.New("transfer fault")

// Copier moves bytes across the caller boundary. A failing copy may have
// moved a prefix of the bytes already; callers do not undo it.
type Copier interface {
	// CopyOut copies device memory src into caller memory dst.
	CopyOut(dst, src []byte) error
	// CopyIn copies caller memory src into device memory dst.
	CopyIn(dst, src []byte) error
}

// MemCopier is a Copier for callers that share the address space.
type MemCopier struct{}

func (MemCopier) CopyOut(dst, src []byte) error {
	copy(dst, src)
	return nil
}

func (MemCopier) CopyIn(dst, src []byte) error {
	copy(dst, src)
	return nil
}

// Buffer is a zero-initialized byte region of fixed capacity. Every access is
// clamped to the capacity; nothing can grow it.
type Buffer struct {
	data []byte
}

// New allocates a standalone buffer of the given capacity.
func New(capacity int) (*Buffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("buffer capacity must be positive, got %d", capacity)
	}
	return &Buffer{data: make([]byte, capacity)}, nil
}

// Cap returns the fixed capacity in bytes.
func (b *Buffer) Cap() int {
	return len(b.data)
}

// span returns how many bytes starting at off are accessible for a request of
// want bytes. An offset at or past the end yields 0.
func (b *Buffer) span(off int64, want int) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("offset %d: %w", off, fs.ErrInvalid)
	}
	if off >= int64(len(b.data)) {
		return 0, nil
	}
	return min(want, len(b.data)-int(off)), nil
}

// ReadAt copies min(len(p), Cap()-off) bytes starting at off into p using c.
// Reading at or past the end returns 0 and no error.
func (b *Buffer) ReadAt(c Copier, p []byte, off int64) (int, error) {
	n, err := b.span(off, len(p))
	if err != nil || n == 0 {
		return 0, err
	}
	if err := c.CopyOut(p[:n], b.data[off:off+int64(n)]); err != nil {
		return 0, fmt.Errorf("reading %d bytes at offset %d: %w: %w", n, off, ErrTransferFault, err)
	}
	return n, nil
}

// WriteAt overwrites min(len(p), Cap()-off) bytes starting at off with the
// head of p using c. Writing at or past the end returns 0 and no error.
func (b *Buffer) WriteAt(c Copier, p []byte, off int64) (int, error) {
	n, err := b.span(off, len(p))
	if err != nil || n == 0 {
		return 0, err
	}
	if err := c.CopyIn(b.data[off:off+int64(n)], p[:n]); err != nil {
		return 0, fmt.Errorf("writing %d bytes at offset %d: %w: %w", n, off, ErrTransferFault, err)
	}
	return n, nil
}
