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

package registrar

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"sync"

	"github.com/chainguard-dev/clog"
	"golang.org/x/sys/unix"
	"k8s.io/apimachinery/pkg/util/sets"

	"chainguard.dev/chardev/pkg/buffer"
	"chainguard.dev/chardev/pkg/devfs"
)

// ErrNoDevice is returned when opening a node whose device number has no
// dispatch table entry.
var ErrNoDevice = errors.New("no such device or address")

// maxMinors is the number of minors addressable under one major.
const maxMinors = 1 << 20

// DefaultMajors returns the dynamic character majors in the order they are
// handed out: 254 down to 234, then 511 down to 384.
func DefaultMajors() []uint32 {
	var majors []uint32
	for m := uint32(254); m >= 234; m-- {
		majors = append(majors, m)
	}
	for m := uint32(511); m >= 384; m-- {
		majors = append(majors, m)
	}
	return majors
}

// Memory is a Registrar that keeps all of its state in process and publishes
// names as character nodes in a devfs namespace.
type Memory struct {
	buffer.MemCopier

	mu       sync.Mutex
	ns       *devfs.FS
	root     string
	pool     []uint32
	majors   sets.Set[uint32]
	ranges   map[uint32]IdentityRange
	classes  map[string]*Class
	attached map[Dev]Operations
	nodes    map[string]*Node
}

var _ Registrar = (*Memory)(nil)

type MemoryOption func(*Memory)

// WithNamespace publishes nodes below root in ns instead of a private
// namespace rooted at /dev.
func WithNamespace(ns *devfs.FS, root string) MemoryOption {
	return func(m *Memory) {
		m.ns = ns
		m.root = path.Clean("/" + root)
	}
}

// WithMajors restricts the pool of majors identity ranges are taken from.
func WithMajors(majors ...uint32) MemoryOption {
	return func(m *Memory) {
		m.pool = majors
	}
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		ns:       devfs.New(),
		root:     "/dev",
		pool:     DefaultMajors(),
		majors:   sets.New[uint32](),
		ranges:   map[uint32]IdentityRange{},
		classes:  map[string]*Class{},
		attached: map[Dev]Operations{},
		nodes:    map[string]*Node{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) AllocateIdentityRange(ctx context.Context, count int, label string) (IdentityRange, error) {
	if count < 1 {
		return IdentityRange{}, fmt.Errorf("identity range for %q: invalid count %d", label, count)
	}
	if count > maxMinors {
		return IdentityRange{}, fmt.Errorf("identity range for %q: %d minors: %w", label, count, ErrExhausted)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, major := range m.pool {
		if m.majors.Has(major) {
			continue
		}
		m.majors.Insert(major)
		r := IdentityRange{Base: MkDev(major, 0), Count: count, Label: label}
		m.ranges[major] = r
		clog.FromContext(ctx).Debugf("allocated identity range %s+%d for %s", r.Base, count, label)
		return r, nil
	}
	return IdentityRange{}, fmt.Errorf("identity range for %q: no free major: %w", label, ErrExhausted)
}

func (m *Memory) ReleaseIdentityRange(ctx context.Context, r IdentityRange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	major := r.Base.Major()
	if live, ok := m.ranges[major]; !ok || live != r {
		return
	}
	delete(m.ranges, major)
	m.majors.Delete(major)
	clog.FromContext(ctx).Debugf("released identity range %s+%d", r.Base, r.Count)
}

func (m *Memory) RegisterClass(ctx context.Context, name string, mode ModePolicy) (*Class, error) {
	if name == "" {
		return nil, errors.New("class name is required")
	}
	if mode == nil {
		mode = FixedMode(0o600)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.classes[name]; ok {
		return nil, fmt.Errorf("class %q already registered: %w", name, ErrExhausted)
	}
	c := &Class{Name: name, Mode: mode}
	m.classes[name] = c
	clog.FromContext(ctx).Debugf("registered class %s", name)
	return c, nil
}

func (m *Memory) UnregisterClass(ctx context.Context, c *Class) {
	if c == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.classes[c.Name] != c {
		return
	}
	delete(m.classes, c.Name)
	clog.FromContext(ctx).Debugf("unregistered class %s", c.Name)
}

func (m *Memory) Attach(ctx context.Context, dev Dev, ops Operations) error {
	if ops == nil {
		return fmt.Errorf("attach %s: no operations", dev)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.ranges[dev.Major()]; !ok || !r.Contains(dev) {
		return fmt.Errorf("attach %s: %w", dev, ErrNotAllocated)
	}
	if _, ok := m.attached[dev]; ok {
		return fmt.Errorf("attach %s: %w", dev, ErrBusy)
	}
	m.attached[dev] = ops
	clog.FromContext(ctx).Debugf("attached %s", dev)
	return nil
}

func (m *Memory) Detach(ctx context.Context, dev Dev) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.attached[dev]; !ok {
		return
	}
	delete(m.attached, dev)
	clog.FromContext(ctx).Debugf("detached %s", dev)
}

func (m *Memory) PublishName(ctx context.Context, c *Class, dev Dev, name string) (*Node, error) {
	if c == nil || name == "" {
		return nil, fmt.Errorf("publish %s: class and name are required", dev)
	}
	p := path.Join(m.root, path.Clean("/"+name))

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.classes[c.Name] != c {
		return nil, fmt.Errorf("publish %s: class %q is not registered", name, c.Name)
	}
	if err := m.ns.MkdirAll(path.Dir(p), 0o755); err != nil {
		return nil, fmt.Errorf("publish %s: %w", name, err)
	}
	mode := c.Mode(name).Perm()
	if err := m.ns.Mknod(p, unix.S_IFCHR|uint32(mode), int(dev)); err != nil {
		return nil, fmt.Errorf("publish %s: %w", name, err)
	}
	n := &Node{Name: name, Path: p, Dev: dev, Mode: mode}
	m.nodes[p] = n
	clog.FromContext(ctx).Debugf("published %s as %s (%s)", dev, p, mode)
	return n, nil
}

func (m *Memory) UnpublishName(ctx context.Context, c *Class, n *Node) {
	if n == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nodes[n.Path] != n {
		return
	}
	delete(m.nodes, n.Path)
	if err := m.ns.Remove(n.Path); err != nil {
		clog.FromContext(ctx).Warnf("removing %s: %v", n.Path, err)
		return
	}
	clog.FromContext(ctx).Debugf("unpublished %s", n.Path)
}

// OpenNode resolves a published node to its device number and opens a session
// through the attached operations.
func (m *Memory) OpenNode(ctx context.Context, p string) (File, error) {
	dev, err := m.ns.Readnod(p)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	ops, ok := m.attached[Dev(dev)]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("open %s (%s): %w", p, Dev(dev), ErrNoDevice)
	}
	return ops.Open(ctx)
}

// Nodes lists every node visible in the namespace, ordered by path.
func (m *Memory) Nodes() ([]Node, error) {
	var nodes []Node
	err := m.ns.WalkNodes(m.root, func(p string, dev int, info fs.FileInfo) error {
		nodes = append(nodes, Node{
			Name: strings.TrimPrefix(strings.TrimPrefix(p, m.root), "/"),
			Path: p,
			Dev:  Dev(dev),
			Mode: info.Mode().Perm(),
		})
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return nodes, err
}
