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

// Package cpio exports published device nodes as a newc cpio archive, the
// format an initramfs /dev is assembled from.
package cpio

import (
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/pgzip"
	"github.com/u-root/u-root/pkg/cpio"

	"chainguard.dev/chardev/pkg/registrar"
)

// WriteNodes writes one character device record per node, with the parent
// directories each needs, followed by the trailer.
func WriteNodes(dest io.Writer, nodes []registrar.Node) error {
	w := cpio.NewDedupWriter(cpio.Newc.Writer(dest))

	for _, n := range nodes {
		name := strings.TrimPrefix(path.Clean("/"+n.Path), "/")
		rec := cpio.CharDev(name, uint64(n.Mode.Perm()), uint64(n.Dev.Major()), uint64(n.Dev.Minor()))
		if err := cpio.WriteRecordsAndDirs(w, []cpio.Record{rec}); err != nil {
			return fmt.Errorf("writing %s: %w", n.Path, err)
		}
	}

	return w.WriteRecord(cpio.TrailerRecord)
}

// WriteNodesGzip is WriteNodes through a parallel gzip stream.
func WriteNodesGzip(dest io.Writer, nodes []registrar.Node) error {
	zw := pgzip.NewWriter(dest)
	if err := WriteNodes(zw, nodes); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}
