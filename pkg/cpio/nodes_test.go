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

package cpio

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/require"
	"github.com/u-root/u-root/pkg/cpio"

	"chainguard.dev/chardev/pkg/registrar"
)

func readRecords(t *testing.T, r io.ReaderAt) map[string]cpio.Info {
	t.Helper()
	rr := cpio.Newc.Reader(r)
	out := map[string]cpio.Info{}
	for {
		rec, err := rr.ReadRecord()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out[rec.Name] = rec.Info
	}
}

var nodes = []registrar.Node{
	{Name: "my_chardev0", Path: "/dev/my_chardev0", Dev: registrar.MkDev(254, 0), Mode: 0o644},
	{Name: "my_chardev1", Path: "/dev/my_chardev1", Dev: registrar.MkDev(254, 1), Mode: 0o444},
}

func TestWriteNodes(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteNodes(&buf, nodes))

	recs := readRecords(t, bytes.NewReader(buf.Bytes()))
	require.Contains(t, recs, "dev")
	require.Equal(t, uint64(cpio.S_IFDIR), recs["dev"].Mode&cpio.S_IFMT)

	n1 := recs["dev/my_chardev1"]
	require.Equal(t, uint64(cpio.S_IFCHR), n1.Mode&cpio.S_IFMT)
	require.Equal(t, uint64(0o444), n1.Mode&0o777)
	require.Equal(t, uint64(254), n1.Rmajor)
	require.Equal(t, uint64(1), n1.Rminor)
}

func TestWriteNodesGzip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteNodesGzip(&buf, nodes))

	zr, err := pgzip.NewReader(&buf)
	require.NoError(t, err)
	raw, err := io.ReadAll(zr)
	require.NoError(t, err)

	recs := readRecords(t, bytes.NewReader(raw))
	require.Contains(t, recs, "dev/my_chardev0")
}

func TestWriteNoNodes(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteNodes(&buf, nil))
	require.Empty(t, readRecords(t, bytes.NewReader(buf.Bytes())))
}
