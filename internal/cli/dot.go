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
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/skratchdot/open-golang/open"
	"github.com/spf13/cobra"
	"github.com/tmc/dot"
	"golang.org/x/sync/errgroup"

	"chainguard.dev/chardev/pkg/config"
	"chainguard.dev/chardev/pkg/lifecycle"
	"chainguard.dev/chardev/pkg/registrar"
)

func dotcmd() *cobra.Command {
	var fo familyOptions
	var web bool

	cmd := &cobra.Command{
		Use:   "dot",
		Short: "Output a digraph showing the class, nodes and device numbers of a family.",
		Long: `Output a digraph showing the class, nodes and device numbers of a family.

If provisioning fails, the graph shows the error chain instead.

# Render an svg of family.yaml
chardev dot -f family.yaml | dot -Tsvg > graph.svg

# Open browser to explore family.yaml
chardev dot --web -f family.yaml
`,
		Example: `  chardev dot --count 3`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fam, err := fo.family()
			if err != nil {
				return err
			}
			return DotCmd(cmd.Context(), cmd.OutOrStdout(), fam, web)
		},
	}
	fo.addFlags(cmd)
	cmd.Flags().BoolVar(&web, "web", false, "launch a browser")

	return cmd
}

func DotCmd(ctx context.Context, w io.Writer, fam config.Family, web bool) error {
	log := clog.FromContext(ctx)

	reg := registrar.NewMemory()
	m := lifecycle.NewManager(reg)

	s, provisionErr := m.Provision(ctx, fam)
	if provisionErr != nil {
		log.Errorf("failed to provision %s: %v", fam.Name, provisionErr)
	} else {
		defer m.Teardown(ctx, s)
	}

	out := render(fam, s, provisionErr)

	if web {
		return serve(ctx, out)
	}

	_, err := fmt.Fprintln(w, out.String())
	return err
}

func render(fam config.Family, s *lifecycle.Set, provisionErr error) *dot.Graph {
	out := dot.NewGraph("devices")
	if err := out.Set("rankdir", "LR"); err != nil {
		panic(err)
	}
	out.SetType(dot.DIGRAPH)

	class := dot.NewNode(fam.Name)
	if err := class.Set("shape", "rect"); err != nil {
		panic(err)
	}
	out.AddNode(class)

	if provisionErr != nil {
		errorNode := dot.NewNode("❌ error")
		out.AddNode(errorNode)
		out.AddEdge(dot.NewEdge(class, errorNode))
		walkErrors(out, provisionErr, errorNode)
		return out
	}

	for _, n := range s.Nodes() {
		name := dot.NewNode(n.Path)
		if err := name.Set("label", fmt.Sprintf("%s\n%04o", n.Path, uint32(n.Mode))); err != nil {
			panic(err)
		}
		out.AddNode(name)
		out.AddEdge(dot.NewEdge(class, name))

		dev := dot.NewNode(n.Dev.String())
		out.AddNode(dev)
		out.AddEdge(dot.NewEdge(name, dev))
	}

	return out
}

func serve(ctx context.Context, out *dot.Graph) error {
	log := clog.FromContext(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			return
		}
		log.Infof("%s: rendering", r.URL)
		cmd := exec.Command("dot", "-Tsvg")
		cmd.Stdin = strings.NewReader(out.String())
		cmd.Stdout = w

		if err := cmd.Run(); err != nil {
			fmt.Fprintf(w, "error rendering: %v", err)
		}
	})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              l.Addr().String(),
		Handler:           mux,
		ReadHeaderTimeout: 3 * time.Second,
	}

	log.Infof("%s", l.Addr().String())

	var g errgroup.Group
	g.Go(func() error {
		return server.Serve(l)
	})

	g.Go(func() error {
		return open.Run(fmt.Sprintf("http://localhost:%d", l.Addr().(*net.TCPAddr).Port))
	})

	return g.Wait()
}

type unwrapper interface {
	Unwrap() error
}

type unwrappers interface {
	Unwrap() []error
}

func canUnwrap(err error) bool {
	if _, ok := err.(unwrapper); ok { //nolint:errorlint
		return true
	}

	if _, ok := err.(unwrappers); ok { //nolint:errorlint
		return true
	}

	return false
}

func makeNode(out *dot.Graph, err error, parent *dot.Node) *dot.Node {
	nodeName, label := errToNode(err)
	if nodeName == "" {
		if canUnwrap(err) {
			return parent
		}

		nodeName = "❌ " + err.Error()
	}

	node := dot.NewNode(nodeName)
	out.AddNode(node)
	edge := dot.NewEdge(parent, node)
	if label != "" {
		if err := edge.Set("label", label); err != nil {
			panic(err)
		}
	}
	out.AddEdge(edge)

	return node
}

func walkErrors(out *dot.Graph, err error, parent *dot.Node) {
	node := makeNode(out, err, parent)

	if wrapped := errors.Unwrap(err); wrapped != nil {
		walkErrors(out, wrapped, node)
	} else if mw, ok := err.(unwrappers); ok { //nolint:errorlint
		for _, wrapped := range mw.Unwrap() {
			walkErrors(out, wrapped, node)
		}
	}
}

func errToNode(err error) (string, string) {
	switch v := err.(type) { //nolint:errorlint
	case *lifecycle.AttachError:
		return fmt.Sprintf("device %d (%s)", v.Index, v.Dev), "attaching"
	case *lifecycle.PublishError:
		return v.Name, "publishing"
	}

	return "", ""
}
