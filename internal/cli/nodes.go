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

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"
	"golang.org/x/exp/slices"

	"chainguard.dev/chardev/pkg/config"
	"chainguard.dev/chardev/pkg/cpio"
	"chainguard.dev/chardev/pkg/lifecycle"
	"chainguard.dev/chardev/pkg/registrar"
)

func nodesCmd() *cobra.Command {
	var fo familyOptions
	var cpioPath string
	var gz bool

	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "List the device nodes a family publishes",
		Long: `List the device nodes a family publishes, one per line as
"name major:minor mode".

With --cpio the nodes are also written as a newc cpio archive that can be
appended to an initramfs.
`,
		Example: `  chardev nodes --count 3
  chardev nodes -f family.yaml --cpio dev.cpio.gz --gzip`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fam, err := fo.family()
			if err != nil {
				return err
			}
			return NodesCmd(cmd.Context(), cmd.OutOrStdout(), fam, cpioPath, gz)
		},
	}
	fo.addFlags(cmd)
	cmd.Flags().StringVar(&cpioPath, "cpio", "", "write the nodes as a cpio archive to this path")
	cmd.Flags().BoolVar(&gz, "gzip", false, "gzip the cpio archive")

	return cmd
}

func NodesCmd(ctx context.Context, out io.Writer, fam config.Family, cpioPath string, gz bool) error {
	return withSet(ctx, fam, func(reg *registrar.Memory, _ *lifecycle.Set) error {
		nodes, err := reg.Nodes()
		if err != nil {
			return fmt.Errorf("listing nodes: %w", err)
		}
		slices.SortFunc(nodes, func(a, b registrar.Node) int {
			return strings.Compare(a.Name, b.Name)
		})

		for _, n := range nodes {
			if _, err := fmt.Fprintf(out, "%s %s %04o\n", n.Name, n.Dev, uint32(n.Mode)); err != nil {
				return err
			}
		}

		if cpioPath == "" {
			return nil
		}
		return writeArchive(ctx, cpioPath, nodes, gz)
	})
}

func writeArchive(ctx context.Context, p string, nodes []registrar.Node, gz bool) (err error) {
	f, err := os.Create(p)
	if err != nil {
		return fmt.Errorf("creating %s: %w", p, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	if gz {
		err = cpio.WriteNodesGzip(f, nodes)
	} else {
		err = cpio.WriteNodes(f, nodes)
	}
	if err != nil {
		return err
	}

	clog.FromContext(ctx).Infof("wrote %d node(s) to %s", len(nodes), p)
	return nil
}
