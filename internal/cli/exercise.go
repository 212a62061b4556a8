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

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"chainguard.dev/chardev/pkg/config"
	"chainguard.dev/chardev/pkg/lifecycle"
	"chainguard.dev/chardev/pkg/registrar"
)

func exerciseCmd() *cobra.Command {
	var fo familyOptions
	var writers int
	var opsPerSec float64

	cmd := &cobra.Command{
		Use:   "exercise",
		Short: "Run concurrent write/read round trips on every device of a family",
		Long: `Provision a device family and exercise every node through the registrar.

Each node gets a number of concurrent writer sessions. Every writer stores a
payload of the same length at the start of the buffer, then a fresh session
reads the buffer back and checks that it holds exactly one writer's payload.
`,
		Example: `  chardev exercise --count 4 --writers 8`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fam, err := fo.family()
			if err != nil {
				return err
			}
			return ExerciseCmd(cmd.Context(), cmd.OutOrStdout(), fam, writers, opsPerSec)
		},
	}
	fo.addFlags(cmd)
	cmd.Flags().IntVarP(&writers, "writers", "w", 4, "concurrent writer sessions per device")
	cmd.Flags().Float64Var(&opsPerSec, "rate", 0, "maximum session opens per second across all devices (0 means unlimited)")

	return cmd
}

func ExerciseCmd(ctx context.Context, out io.Writer, fam config.Family, writers int, opsPerSec float64) error {
	if writers < 1 {
		return fmt.Errorf("--writers must be at least 1, got %d", writers)
	}

	limit := rate.Inf
	if opsPerSec > 0 {
		limit = rate.Limit(opsPerSec)
	}
	lim := rate.NewLimiter(limit, 1)

	return withSet(ctx, fam, func(reg *registrar.Memory, s *lifecycle.Set) error {
		nodes := s.Nodes()
		winners := make([]int, len(nodes))

		var g errgroup.Group
		for i, n := range nodes {
			g.Go(func() error {
				w, err := exerciseNode(ctx, reg, lim, n, writers, fam.Capacity)
				winners[i] = w
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		for i, n := range nodes {
			if _, err := fmt.Fprintf(out, "%s: ok, %d writers, last writer %d\n", n.Path, writers, winners[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func payload(n registrar.Node, writer, capacity int) []byte {
	p := []byte(fmt.Sprintf("%s writer %06d", n.Name, writer))
	return p[:min(len(p), capacity)]
}

// exerciseNode runs the writers of one node and returns the index of the
// writer whose payload ended up in the buffer.
func exerciseNode(ctx context.Context, reg *registrar.Memory, lim *rate.Limiter, n registrar.Node, writers, capacity int) (int, error) {
	log := clog.FromContext(ctx).With("dev", n.Dev.String())

	var g errgroup.Group
	for w := range writers {
		g.Go(func() error {
			if err := lim.Wait(ctx); err != nil {
				return err
			}
			f, err := reg.OpenNode(ctx, n.Path)
			if err != nil {
				return err
			}
			defer f.Close()

			if _, err := f.Write(payload(n, w, capacity)); err != nil {
				return fmt.Errorf("writing %s: %w", n.Path, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return -1, err
	}

	if err := lim.Wait(ctx); err != nil {
		return -1, err
	}
	f, err := reg.OpenNode(ctx, n.Path)
	if err != nil {
		return -1, err
	}
	defer f.Close()

	got, err := io.ReadAll(f)
	if err != nil {
		return -1, fmt.Errorf("reading %s: %w", n.Path, err)
	}
	if len(got) != capacity {
		return -1, fmt.Errorf("reading %s: got %d bytes, want %d", n.Path, len(got), capacity)
	}

	for w := range writers {
		want := payload(n, w, capacity)
		if bytes.Equal(got[:len(want)], want) {
			log.Debugf("%s holds the payload of writer %d", n.Path, w)
			return w, nil
		}
	}
	return -1, fmt.Errorf("%s holds no single writer's payload: %q", n.Path, got[:len(payload(n, 0, capacity))])
}
