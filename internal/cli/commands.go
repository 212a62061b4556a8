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
	"log/slog"
	"os"

	"github.com/chainguard-dev/clog/slag"
	charmlog "github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"sigs.k8s.io/release-utils/version"

	chardevlog "chainguard.dev/chardev/pkg/log"
)

func New() *cobra.Command {
	level := slag.Level(slog.LevelInfo)
	var logPolicy []string

	cmd := &cobra.Command{
		Use:               "chardev",
		Short:             "Provision and exercise emulated fixed-buffer character devices",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(logPolicy) == 0 {
				slog.SetDefault(slog.New(charmlog.NewWithOptions(os.Stderr, charmlog.Options{
					ReportTimestamp: true,
					Level:           charmlog.Level(level),
				})))
				return nil
			}

			h, err := chardevlog.Handler(logPolicy, slog.Level(level))
			if err != nil {
				return err
			}
			slog.SetDefault(slog.New(h))
			return nil
		},
	}

	cmd.AddCommand(provisionCmd())
	cmd.AddCommand(exerciseCmd())
	cmd.AddCommand(nodesCmd())
	cmd.AddCommand(dotcmd())
	cmd.AddCommand(showConfig())
	cmd.AddCommand(version.Version())

	cmd.PersistentFlags().Var(&level, "log-level", "log level (e.g. debug, info, warn, error)")
	cmd.PersistentFlags().StringSliceVar(&logPolicy, "log-policy", nil, "log targets (builtin:stderr, builtin:stdout, builtin:discard or a file path), replaces the default logger")
	return cmd
}
