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

package lifecycle

import (
	"context"
	"io"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/require"

	"chainguard.dev/chardev/pkg/config"
	"chainguard.dev/chardev/pkg/registrar"
)

func TestMemoryRegistrarEndToEnd(t *testing.T) {
	ctx := context.Background()
	reg := registrar.NewMemory()
	m := NewManager(reg)

	s, err := m.Provision(ctx, config.MultiInstance(3))
	require.NoError(t, err)

	nodes, err := reg.Nodes()
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	for i, n := range nodes {
		require.Equal(t, s.Range().Dev(i), n.Dev)
		require.Equal(t, "/dev/my_chardev"+string(rune('0'+i)), n.Path)
		require.Equal(t, fs.FileMode(0o444), n.Mode)
	}

	w, err := reg.OpenNode(ctx, "/dev/my_chardev1")
	require.NoError(t, err)
	n, err := w.Write([]byte("0123456789"))
	require.NoError(t, err)
	require.Equal(t, 10, n)

	r, err := reg.OpenNode(ctx, "/dev/my_chardev1")
	require.NoError(t, err)
	got := make([]byte, 20)
	n, err = r.Read(got)
	require.NoError(t, err)
	require.Equal(t, 20, n)
	require.Equal(t, "0123456789", string(got[:10]))

	pos, err := r.Seek(4096, io.SeekStart)
	require.NoError(t, err)
	require.Zero(t, pos)

	other, err := reg.OpenNode(ctx, "/dev/my_chardev0")
	require.NoError(t, err)
	head := make([]byte, 10)
	_, err = io.ReadFull(other, head)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 10), head)

	m.Teardown(ctx, s)
	nodes, err = reg.Nodes()
	require.NoError(t, err)
	require.Empty(t, nodes)
	_, err = reg.OpenNode(ctx, "/dev/my_chardev1")
	require.Error(t, err)

	// the major and class are free again
	again, err := m.Provision(ctx, config.MultiInstance(3))
	require.NoError(t, err)
	require.Equal(t, s.Range().Base, again.Range().Base)
	m.Teardown(ctx, again)
}

func TestMemoryRegistrarSingleInstance(t *testing.T) {
	ctx := context.Background()
	reg := registrar.NewMemory()
	m := NewManager(reg)

	s, err := m.Provision(ctx, config.SingleInstance())
	require.NoError(t, err)
	defer m.Teardown(ctx, s)

	require.Equal(t, []string{"my_chardev"}, s.Names())
	nodes, err := reg.Nodes()
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	require.Equal(t, "/dev/my_chardev", nodes[0].Path)
	require.EqualValues(t, 0o644, nodes[0].Mode)

	// a second family under the same class name cannot register
	_, err = m.Provision(ctx, config.SingleInstance())
	require.ErrorIs(t, err, ErrRegistrarExhausted)
	nodes, err = reg.Nodes()
	require.NoError(t, err)
	require.Len(t, nodes, 1)
}

func TestMemoryRegistrarExhausted(t *testing.T) {
	ctx := context.Background()
	reg := registrar.NewMemory(registrar.WithMajors(250))
	m := NewManager(reg)

	first := config.MultiInstance(1)
	first.Name = "first"
	s, err := m.Provision(ctx, first)
	require.NoError(t, err)
	defer m.Teardown(ctx, s)

	second := config.MultiInstance(1)
	second.Name = "second"
	_, err = m.Provision(ctx, second)
	require.ErrorIs(t, err, ErrRegistrarExhausted)
	require.ErrorIs(t, err, registrar.ErrExhausted)
}
