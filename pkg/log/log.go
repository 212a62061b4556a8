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

// Package log provides the terminal slog handler of the chardev CLI.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/term"
)

// writerFromTarget returns a writer given a target specification.
func writerFromTarget(target string) (io.Writer, error) {
	switch target {
	case "builtin:stderr":
		return os.Stderr, nil
	case "builtin:stdout":
		return os.Stdout, nil
	case "builtin:discard":
		return io.Discard, nil
	default:
		if strings.Contains(target, "/") {
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return nil, err
			}
		}
		return os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	}
}

// Writer returns a writer which writes to every target specification.
func Writer(targets []string) (io.Writer, error) {
	if len(targets) == 0 {
		return os.Stderr, nil
	}
	if len(targets) == 1 {
		return writerFromTarget(targets[0])
	}

	writers := make([]io.Writer, 0, len(targets))
	for _, target := range targets {
		w, err := writerFromTarget(target)
		if err != nil {
			return nil, err
		}
		writers = append(writers, w)
	}
	return io.MultiWriter(writers...), nil
}

const (
	reset   = 0
	yellow  = 33
	magenta = 35
	gray    = 37
)

func isTerminal(w io.Writer) bool {
	switch v := w.(type) {
	case *os.File:
		return term.IsTerminal(int(v.Fd()))
	default:
		return false
	}
}

func color(w io.Writer, color int) string {
	if !isTerminal(w) {
		return ""
	}
	return fmt.Sprintf("\x1b[%dm", color)
}

func levelToColor(l slog.Level) int {
	switch {
	case l >= slog.LevelError:
		return magenta
	case l >= slog.LevelWarn:
		return yellow
	default:
		return gray
	}
}

// Handler returns a handler writing one line per record to the targets of
// logPolicy, prefixed by the device the record is about when it has a "dev"
// attribute.
func Handler(logPolicy []string, level slog.Level) (slog.Handler, error) {
	out, err := Writer(logPolicy)
	if err != nil {
		return nil, err
	}
	return NewHandler(out, level), nil
}

func NewHandler(out io.Writer, level slog.Level) slog.Handler {
	return &handler{out: out, level: level, mu: &sync.Mutex{}}
}

type handler struct {
	level slog.Level
	out   io.Writer
	attrs []slog.Attr

	mu *sync.Mutex
}

func (h *handler) Enabled(_ context.Context, l slog.Level) bool { return l >= h.level }

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &handler{
		level: h.level,
		out:   h.out,
		attrs: append(append([]slog.Attr(nil), h.attrs...), attrs...),
		mu:    h.mu,
	}
}

// This handler doesn't support groups.
func (h *handler) WithGroup(string) slog.Handler { return h }

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	if !h.Enabled(ctx, r.Level) {
		return nil
	}

	var dev string
	for _, a := range h.attrs {
		if a.Key == "dev" {
			dev = a.Value.String()
			break
		}
	}
	if dev == "" {
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == "dev" {
				dev = a.Value.String()
				return false
			}
			return true
		})
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	c := levelToColor(r.Level)
	_, err := fmt.Fprintf(h.out, "%-5s %s%-10s|%s %s%s%s\n",
		r.Level, color(h.out, c), dev, color(h.out, reset), color(h.out, c), r.Message, color(h.out, reset))
	return err
}
