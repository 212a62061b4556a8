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

// Package registrar defines the collaborator that gives emulated devices an
// identity, a dispatch table entry and a visible name, and provides an
// in-process implementation of it.
package registrar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"golang.org/x/sys/unix"

	"chainguard.dev/chardev/pkg/buffer"
)

var (
	// ErrExhausted is returned when no identity range or class slot is left.
	ErrExhausted = errors.New("registrar resources exhausted")

	// ErrNotAllocated is returned when attaching a device number that no
	// live identity range covers.
	ErrNotAllocated = errors.New("device number not allocated")

	// ErrBusy is returned when attaching a device number twice.
	ErrBusy = errors.New("device number already attached")
)

// Dev is an encoded device number.
type Dev uint64

func MkDev(major, minor uint32) Dev {
	return Dev(unix.Mkdev(major, minor))
}

func (d Dev) Major() uint32 { return unix.Major(uint64(d)) }
func (d Dev) Minor() uint32 { return unix.Minor(uint64(d)) }

func (d Dev) String() string {
	return fmt.Sprintf("%d:%d", d.Major(), d.Minor())
}

// IdentityRange is a run of Count consecutive device numbers starting at
// Base, allocated for one device set.
type IdentityRange struct {
	Base  Dev
	Count int
	Label string
}

// Dev returns the device number of the i-th member of the range.
func (r IdentityRange) Dev(i int) Dev {
	return MkDev(r.Base.Major(), r.Base.Minor()+uint32(i))
}

func (r IdentityRange) Contains(d Dev) bool {
	return d.Major() == r.Base.Major() &&
		d.Minor() >= r.Base.Minor() &&
		d.Minor() < r.Base.Minor()+uint32(r.Count)
}

// ModePolicy yields the access mode of every node published for a class.
type ModePolicy func(name string) fs.FileMode

// FixedMode returns a policy that ignores the name and always yields mode.
func FixedMode(mode fs.FileMode) ModePolicy {
	return func(string) fs.FileMode { return mode.Perm() }
}

// Class is a registered device class.
type Class struct {
	Name string
	Mode ModePolicy
}

// Node is the handle of a published name.
type Node struct {
	Name string
	Path string
	Dev  Dev
	Mode fs.FileMode
}

// File is an open session on a device.
type File interface {
	io.Reader
	io.Writer
	io.Seeker
	io.Closer
}

// Operations is the dispatch table entry attached for a device number.
type Operations interface {
	Open(ctx context.Context) (File, error)
}

// Registrar hands out device identities, classes, dispatch table slots and
// visible names. The release calls never fail and ignore handles they do not
// know about.
type Registrar interface {
	AllocateIdentityRange(ctx context.Context, count int, label string) (IdentityRange, error)
	ReleaseIdentityRange(ctx context.Context, r IdentityRange)

	RegisterClass(ctx context.Context, name string, mode ModePolicy) (*Class, error)
	UnregisterClass(ctx context.Context, c *Class)

	Attach(ctx context.Context, dev Dev, ops Operations) error
	Detach(ctx context.Context, dev Dev)

	PublishName(ctx context.Context, c *Class, dev Dev, name string) (*Node, error)
	UnpublishName(ctx context.Context, c *Class, n *Node)

	// Copier moves bytes between device buffers and callers.
	buffer.Copier
}
