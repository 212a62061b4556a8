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

package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"chainguard.dev/chardev/pkg/buffer"
	"chainguard.dev/chardev/pkg/registrar"
)

func newDevice(t *testing.T, capacity int, opts ...Option) *Device {
	t.Helper()
	buf, err := buffer.New(capacity)
	require.NoError(t, err)
	d, err := New(0, registrar.MkDev(240, 0), buf, opts...)
	require.NoError(t, err)
	return d
}

type failingCopier struct{ err error }

func (f failingCopier) CopyOut(_, _ []byte) error { return f.err }
func (f failingCopier) CopyIn(_, _ []byte) error  { return f.err }

func TestReadWriteAdvancesPosition(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, 4096)

	w := d.NewSession(ctx)
	n, err := d.Write(w, []byte("0123456789"))
	require.NoError(t, err)
	require.Equal(t, 10, n)
	require.EqualValues(t, 10, w.Pos())

	r := d.NewSession(ctx)
	got, err := d.Read(r, 4)
	require.NoError(t, err)
	require.Equal(t, "0123", string(got))
	got, err = d.Read(r, 6)
	require.NoError(t, err)
	require.Equal(t, "456789", string(got))
	require.EqualValues(t, 10, r.Pos())
}

func TestEndOfDevice(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, 8)
	s := d.NewSession(ctx)

	n, err := d.Write(s, []byte("0123456789"))
	require.NoError(t, err)
	require.Equal(t, 8, n)

	n, err = d.Write(s, []byte("x"))
	require.NoError(t, err)
	require.Zero(t, n)

	got, err := d.Read(s, 4)
	require.NoError(t, err)
	require.Empty(t, got)
	require.EqualValues(t, 8, s.Pos())
}

func TestReadLengthAboveCapacity(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, 4096)
	s := d.NewSession(ctx)

	_, err := d.Write(s, []byte("0123456789"))
	require.NoError(t, err)

	r := d.NewSession(ctx)
	got, err := d.Read(r, 1<<62)
	require.NoError(t, err)
	require.Len(t, got, 4096)
	require.Equal(t, "0123456789", string(got[:10]))
	require.EqualValues(t, 4096, r.Pos())

	got, err = d.Read(r, 1<<62)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestForeignSession(t *testing.T) {
	ctx := context.Background()
	a := newDevice(t, 16)
	b := newDevice(t, 16)
	s := b.NewSession(ctx)

	_, err := a.Write(s, []byte("x"))
	require.ErrorIs(t, err, ErrForeignSession)
	_, err = a.Read(s, 1)
	require.ErrorIs(t, err, ErrForeignSession)
	_, err = a.Seek(s, 0, io.SeekStart)
	require.ErrorIs(t, err, ErrForeignSession)
	require.Zero(t, s.Pos())

	got, err := b.Read(s, 1)
	require.NoError(t, err)
	require.Equal(t, []byte{0}, got)
}

func TestSessionIO(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, 16)

	f, err := d.Open(ctx)
	require.NoError(t, err)

	n, err := f.Write(bytes.Repeat([]byte("ab"), 10))
	require.ErrorIs(t, err, io.ErrShortWrite)
	require.Equal(t, 16, n)

	r, err := d.Open(ctx)
	require.NoError(t, err)
	all, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte("ab"), 8), all)

	_, err = r.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)

	require.NoError(t, r.Close())
	_, err = r.Read(make([]byte, 1))
	require.ErrorIs(t, err, os.ErrClosed)
	require.ErrorIs(t, r.Close(), os.ErrClosed)
}

func TestSeekIsInert(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, 32)
	s := d.NewSession(ctx)

	_, err := d.Write(s, []byte("hello"))
	require.NoError(t, err)

	for _, tt := range []struct {
		offset int64
		whence int
	}{
		{0, io.SeekStart},
		{3, io.SeekStart},
		{-2, io.SeekCurrent},
		{100, io.SeekEnd},
	} {
		t.Run(fmt.Sprintf("%d/%d", tt.offset, tt.whence), func(t *testing.T) {
			pos, err := s.Seek(tt.offset, tt.whence)
			require.NoError(t, err)
			require.Zero(t, pos)
			require.EqualValues(t, 5, s.Pos())
		})
	}
}

func TestTransferFaultKeepsPosition(t *testing.T) {
	ctx := context.Background()
	cause := errors.New("EFAULT")
	d := newDevice(t, 32, WithCopier(failingCopier{err: cause}))
	s := d.NewSession(ctx)

	_, err := d.Write(s, []byte("data"))
	require.ErrorIs(t, err, buffer.ErrTransferFault)
	require.Zero(t, s.Pos())

	_, err = s.Read(make([]byte, 4))
	require.ErrorIs(t, err, buffer.ErrTransferFault)
	require.Zero(t, s.Pos())
}

func TestTransitions(t *testing.T) {
	d := newDevice(t, 1)
	require.Equal(t, Unregistered, d.State())

	require.NoError(t, d.Transition(Registered))
	require.ErrorIs(t, d.Transition(Failed), ErrInvalidTransition)
	require.NoError(t, d.Transition(TornDown))
	require.ErrorIs(t, d.Transition(Registered), ErrInvalidTransition)

	f := newDevice(t, 1)
	require.NoError(t, f.Transition(Failed))
	require.ErrorIs(t, f.Transition(TornDown), ErrInvalidTransition)
	require.Equal(t, "failed", f.State().String())
}

func TestGuardOption(t *testing.T) {
	require.True(t, newDevice(t, 1).Guarded())
	require.False(t, newDevice(t, 1, WithGuard(false)).Guarded())
}

func TestConcurrentSessionsSerialize(t *testing.T) {
	ctx := context.Background()
	const writers, chunk = 8, 64
	d := newDevice(t, writers*chunk)

	// Every writer appends through its own session at position 0, so all
	// writes land on the same bytes; the guard keeps each one whole.
	var g errgroup.Group
	for i := 0; i < writers; i++ {
		g.Go(func() error {
			s := d.NewSession(ctx)
			_, err := d.Write(s, bytes.Repeat([]byte{byte('a' + i)}, chunk))
			return err
		})
	}
	require.NoError(t, g.Wait())

	got, err := d.Read(d.NewSession(ctx), chunk)
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat(got[:1], chunk), got)
}

func TestDistinctDevicesDoNotInterfere(t *testing.T) {
	ctx := context.Background()
	a := newDevice(t, 256)
	b := newDevice(t, 256)

	_, err := a.Write(a.NewSession(ctx), bytes.Repeat([]byte{'A'}, 256))
	require.NoError(t, err)

	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			s := b.NewSession(ctx)
			if _, err := b.Write(s, bytes.Repeat([]byte{byte(i)}, 256)); err != nil {
				return err
			}
			_, err := b.Read(b.NewSession(ctx), 256)
			return err
		})
	}
	require.NoError(t, g.Wait())

	got, err := a.Read(a.NewSession(ctx), 256)
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte{'A'}, 256), got)
}
