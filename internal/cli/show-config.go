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
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"chainguard.dev/chardev/pkg/config"
)

func showConfig() *cobra.Command {
	var fo familyOptions

	cmd := &cobra.Command{
		Use:   "show-config",
		Short: "Show the device family derived from flags and a YAML file",
		Long: `Show the device family derived from flags and a YAML file.

Defaults are filled in and the result is validated. The derived family is
rendered in YAML.
`,
		Example: `  chardev show-config -f family.yaml`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fam, err := fo.family()
			if err != nil {
				return err
			}
			return ShowConfigCmd(cmd.Context(), cmd.OutOrStdout(), fam)
		},
	}
	fo.addFlags(cmd)

	return cmd
}

func ShowConfigCmd(_ context.Context, out io.Writer, fam config.Family) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)

	if err := enc.Encode(fam); err != nil {
		return fmt.Errorf("failed to encode YAML document: %w", err)
	}

	if _, err := buf.WriteTo(out); err != nil {
		return fmt.Errorf("failed to write YAML document: %w", err)
	}

	return nil
}
