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
	"bytes"
	"errors"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/require"
)

type faultyCopier struct {
	err error
	// prefix bytes are copied before failing
	prefix int
}

func (f faultyCopier) CopyOut(dst, src []byte) error {
	copy(dst[:min(f.prefix, len(dst))], src)
	return f.err
}

func (f faultyCopier) CopyIn(dst, src []byte) error {
	copy(dst[:min(f.prefix, len(dst))], src)
	return f.err
}

func TestReadWriteClamping(t *testing.T) {
	const capacity = 16
	for _, tt := range []struct {
		name string
		off  int64
		len  int
		want int
	}{
		{"start", 0, 4, 4},
		{"whole", 0, capacity, capacity},
		{"longer than capacity", 0, capacity + 10, capacity},
		{"tail", 12, 10, 4},
		{"last byte", capacity - 1, 5, 1},
		{"at end", capacity, 5, 0},
		{"past end", capacity + 100, 5, 0},
		{"empty request", 3, 0, 0},
	} {
		t.Run(tt.name, func(t *testing.T) {
			b, err := New(capacity)
			require.NoError(t, err)

			data := bytes.Repeat([]byte{0xa5}, tt.len)
			n, err := b.WriteAt(MemCopier{}, data, tt.off)
			require.NoError(t, err)
			require.Equal(t, tt.want, n)

			p := make([]byte, tt.len)
			n, err = b.ReadAt(MemCopier{}, p, tt.off)
			require.NoError(t, err)
			require.Equal(t, tt.want, n)
			require.Equal(t, data[:n], p[:n])
		})
	}
}

func TestOutOfRangeLeavesBufferUnchanged(t *testing.T) {
	b, err := New(8)
	require.NoError(t, err)

	n, err := b.WriteAt(MemCopier{}, []byte("overflow"), 8)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, make([]byte, 8), b.data)
}

func TestReadAfterShortWrite(t *testing.T) {
	b, err := New(4096)
	require.NoError(t, err)

	n, err := b.WriteAt(MemCopier{}, []byte("0123456789"), 0)
	require.NoError(t, err)
	require.Equal(t, 10, n)

	p := make([]byte, 20)
	n, err = b.ReadAt(MemCopier{}, p, 0)
	require.NoError(t, err)
	// the rest of the buffer is zero, so only the written prefix is meaningful
	require.Equal(t, 20, n)
	require.Equal(t, "0123456789", string(p[:10]))
	require.Equal(t, make([]byte, 10), p[10:])

	n, err = b.ReadAt(MemCopier{}, p, 4096)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestNegativeOffset(t *testing.T) {
	b, err := New(8)
	require.NoError(t, err)

	_, err = b.ReadAt(MemCopier{}, make([]byte, 1), -1)
	require.ErrorIs(t, err, fs.ErrInvalid)
}

func TestTransferFault(t *testing.T) {
	cause := errors.New("bad address")
	b, err := New(8)
	require.NoError(t, err)

	n, err := b.WriteAt(faultyCopier{err: cause, prefix: 2}, []byte("abcd"), 0)
	require.ErrorIs(t, err, ErrTransferFault)
	require.ErrorIs(t, err, cause)
	require.Zero(t, n)
	// the partial copy stays in place
	require.Equal(t, []byte("ab\x00\x00"), b.data[:4])

	_, err = b.ReadAt(faultyCopier{err: cause}, make([]byte, 4), 0)
	require.ErrorIs(t, err, ErrTransferFault)
}

func TestNewRejectsBadCapacity(t *testing.T) {
	_, err := New(0)
	require.Error(t, err)
}
