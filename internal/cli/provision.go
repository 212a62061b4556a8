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

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"

	"chainguard.dev/chardev/pkg/config"
	"chainguard.dev/chardev/pkg/lifecycle"
	"chainguard.dev/chardev/pkg/registrar"
)

func provisionCmd() *cobra.Command {
	var fo familyOptions

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Provision a device family, print its nodes and tear it down",
		Long: `Provision a device family against an in-process registrar.

Every device is created, attached and published; the visible nodes are
printed and the whole set is torn down again. A failure at any step rolls
back everything done so far.
`,
		Example: `  chardev provision
  chardev provision --count 3
  chardev provision -f family.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fam, err := fo.family()
			if err != nil {
				return err
			}
			return ProvisionCmd(cmd.Context(), cmd.OutOrStdout(), fam)
		},
	}
	fo.addFlags(cmd)

	return cmd
}

func ProvisionCmd(ctx context.Context, out io.Writer, fam config.Family) error {
	return withSet(ctx, fam, func(_ *registrar.Memory, s *lifecycle.Set) error {
		for _, n := range s.Nodes() {
			if _, err := fmt.Fprintln(out, n.Path); err != nil {
				return err
			}
		}
		return nil
	})
}

// withSet provisions fam on a fresh in-process registrar, runs fn and tears
// the set down whatever fn returns.
func withSet(ctx context.Context, fam config.Family, fn func(*registrar.Memory, *lifecycle.Set) error) error {
	log := clog.FromContext(ctx)

	reg := registrar.NewMemory()
	m := lifecycle.NewManager(reg)

	s, err := m.Provision(ctx, fam)
	if err != nil {
		return fmt.Errorf("provisioning %s: %w", fam.Name, err)
	}
	defer func() {
		m.Teardown(ctx, s)
		log.Debugf("tore down %s", fam.Name)
	}()

	return fn(reg, s)
}
