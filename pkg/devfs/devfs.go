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

// Package devfs is an in-memory device namespace: a tree of directories and
// character device nodes, each node carrying its device number.
package devfs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/slices"
	"golang.org/x/sys/unix"
)

// ErrNotDevice is returned when a character node was expected.
var ErrNotDevice = errors.New("not a device")

type FS struct {
	tree *node
}

type node struct {
	mu       sync.Mutex
	name     string
	mode     fs.FileMode
	dir      bool
	modTime  time.Time
	major    uint32
	minor    uint32
	children map[string]*node
}

func New() *FS {
	return &FS{
		tree: &node{
			name:     "/",
			dir:      true,
			mode:     fs.ModeDir | 0o755,
			modTime:  time.Now(),
			children: map[string]*node{},
		},
	}
}

func split(p string) []string {
	p = path.Clean("/" + p)
	if p == "/" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(p, "/"), "/")
}

// getNode returns the node for the given path. If the path is not found, it
// returns an error.
func (f *FS) getNode(p string) (*node, error) {
	anode := f.tree
	for _, part := range split(p) {
		if !anode.dir {
			return nil, fmt.Errorf("%s: %w", p, fs.ErrNotExist)
		}
		anode.mu.Lock()
		child, ok := anode.children[part]
		// unlock right away, the walk locks one level at a time
		anode.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("%s: %w", p, fs.ErrNotExist)
		}
		anode = child
	}
	return anode, nil
}

func (f *FS) MkdirAll(p string, perm fs.FileMode) error {
	anode := f.tree
	for _, part := range split(p) {
		anode.mu.Lock()
		next, ok := anode.children[part]
		if !ok {
			next = &node{
				name:     part,
				dir:      true,
				mode:     fs.ModeDir | perm,
				modTime:  time.Now(),
				children: map[string]*node{},
			}
			anode.children[part] = next
		}
		anode.mu.Unlock()
		if !next.dir {
			return fmt.Errorf("%s: %s is not a directory", p, part)
		}
		anode = next
	}
	return nil
}

// Mknod creates a character device node. mode must carry S_IFCHR and the
// permission bits; dev is an encoded device number.
func (f *FS) Mknod(p string, mode uint32, dev int) error {
	if mode&unix.S_IFMT != unix.S_IFCHR {
		return fmt.Errorf("mknod %s: only character devices are supported", p)
	}
	parent, err := f.getNode(path.Dir(path.Clean("/" + p)))
	if err != nil {
		return err
	}
	if !parent.dir {
		return fmt.Errorf("mknod %s: parent is not a directory", p)
	}
	base := path.Base(p)

	parent.mu.Lock()
	defer parent.mu.Unlock()
	if _, ok := parent.children[base]; ok {
		return fmt.Errorf("mknod %s: %w", p, fs.ErrExist)
	}
	parent.children[base] = &node{
		name:    base,
		mode:    fs.FileMode(mode&0o777) | os.ModeCharDevice | os.ModeDevice,
		modTime: time.Now(),
		major:   unix.Major(uint64(dev)),
		minor:   unix.Minor(uint64(dev)),
	}
	return nil
}

// Readnod returns the device number of the character node at p.
func (f *FS) Readnod(p string) (int, error) {
	anode, err := f.getNode(p)
	if err != nil {
		return 0, err
	}
	if anode.mode&os.ModeDevice != os.ModeDevice || anode.mode&os.ModeCharDevice != os.ModeCharDevice {
		return 0, fmt.Errorf("%s: %w", p, ErrNotDevice)
	}
	return int(unix.Mkdev(anode.major, anode.minor)), nil
}

// Remove deletes a node, or a directory once it is empty.
func (f *FS) Remove(p string) error {
	clean := path.Clean("/" + p)
	if clean == "/" {
		return fmt.Errorf("remove %s: %w", p, fs.ErrPermission)
	}
	parent, err := f.getNode(path.Dir(clean))
	if err != nil {
		return err
	}
	base := path.Base(clean)

	parent.mu.Lock()
	defer parent.mu.Unlock()
	anode, ok := parent.children[base]
	if !ok {
		return fmt.Errorf("remove %s: %w", p, fs.ErrNotExist)
	}
	anode.mu.Lock()
	notEmpty := anode.dir && len(anode.children) > 0
	anode.mu.Unlock()
	if notEmpty {
		return fmt.Errorf("remove %s: directory not empty", p)
	}
	delete(parent.children, base)
	return nil
}

func (f *FS) Stat(p string) (fs.FileInfo, error) {
	anode, err := f.getNode(p)
	if err != nil {
		return nil, err
	}
	return anode.fileInfo(), nil
}

// ReadDir returns the entries of the directory at p sorted by name.
func (f *FS) ReadDir(p string) ([]fs.DirEntry, error) {
	anode, err := f.getNode(p)
	if err != nil {
		return nil, err
	}
	if !anode.dir {
		return nil, fmt.Errorf("readdir %s: not a directory", p)
	}
	anode.mu.Lock()
	entries := make([]fs.DirEntry, 0, len(anode.children))
	for _, child := range anode.children {
		entries = append(entries, fs.FileInfoToDirEntry(child.fileInfo()))
	}
	anode.mu.Unlock()

	slices.SortFunc(entries, func(a, b fs.DirEntry) int {
		return strings.Compare(a.Name(), b.Name())
	})
	return entries, nil
}

// WalkNodes calls fn for every character node below root, in lexical order.
func (f *FS) WalkNodes(root string, fn func(p string, dev int, info fs.FileInfo) error) error {
	entries, err := f.ReadDir(root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		p := path.Join("/", root, e.Name())
		if e.IsDir() {
			if err := f.WalkNodes(p, fn); err != nil {
				return err
			}
			continue
		}
		dev, err := f.Readnod(p)
		if err != nil {
			return err
		}
		info, err := e.Info()
		if err != nil {
			return err
		}
		if err := fn(p, dev, info); err != nil {
			return err
		}
	}
	return nil
}

func (n *node) fileInfo() *fileInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	return &fileInfo{
		name:    n.name,
		mode:    n.mode,
		modTime: n.modTime,
		dev:     int(unix.Mkdev(n.major, n.minor)),
	}
}

type fileInfo struct {
	name    string
	mode    fs.FileMode
	modTime time.Time
	dev     int
}

func (fi *fileInfo) Name() string       { return fi.name }
func (fi *fileInfo) Size() int64        { return 0 }
func (fi *fileInfo) Mode() fs.FileMode  { return fi.mode }
func (fi *fileInfo) ModTime() time.Time { return fi.modTime }
func (fi *fileInfo) IsDir() bool        { return fi.mode.IsDir() }

// Sys returns the encoded device number, 0 for directories.
func (fi *fileInfo) Sys() any { return fi.dev }
