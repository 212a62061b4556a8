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

// Package registrartest provides a recording registrar with injectable
// failures for tests of code built on the registrar contract.
package registrartest

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"

	"k8s.io/apimachinery/pkg/util/sets"

	"chainguard.dev/chardev/pkg/registrar"
)

// Op names the registrar call recorded in a Call.
type Op string

const (
	OpAllocate      Op = "allocate"
	OpRelease       Op = "release"
	OpRegisterClass Op = "register-class"
	OpUnregister    Op = "unregister-class"
	OpAttach        Op = "attach"
	OpDetach        Op = "detach"
	OpPublish       Op = "publish"
	OpUnpublish     Op = "unpublish"
)

// Call is one recorded registrar call. Minor is -1 for calls that do not
// concern a single device.
type Call struct {
	Op    Op
	Minor int
	Arg   string
}

func (c Call) String() string {
	if c.Minor < 0 {
		return fmt.Sprintf("%s(%s)", c.Op, c.Arg)
	}
	return fmt.Sprintf("%s(%d)", c.Op, c.Minor)
}

// ErrInjected is the default error returned by injected failures.
var ErrInjected = errors.New("injected failure")

// Registrar records every call and fails the ones it was told to fail. It
// also tracks live resources so tests can assert nothing leaked and nothing
// was released twice.
type Registrar struct {
	// Major is the major of every allocated range.
	Major uint32

	mu          sync.Mutex
	calls       []Call
	violations  []string
	failAlloc   error
	failClass   error
	failCopy    error
	failAttach  map[int]error
	failPublish map[int]error

	ranges   int
	classes  sets.Set[string]
	attached map[registrar.Dev]registrar.Operations
	nodes    sets.Set[string]
}

var _ registrar.Registrar = (*Registrar)(nil)

func New() *Registrar {
	return &Registrar{
		Major:       240,
		failAttach:  map[int]error{},
		failPublish: map[int]error{},
		classes:     sets.New[string](),
		attached:    map[registrar.Dev]registrar.Operations{},
		nodes:       sets.New[string](),
	}
}

func orDefault(err error) error {
	if err == nil {
		return ErrInjected
	}
	return err
}

// FailAllocate makes identity range allocation fail with err.
func (r *Registrar) FailAllocate(err error) *Registrar {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failAlloc = orDefault(err)
	return r
}

// FailRegisterClass makes class registration fail with err.
func (r *Registrar) FailRegisterClass(err error) *Registrar {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failClass = orDefault(err)
	return r
}

// FailAttachAt makes the attach of the given minor fail with err.
func (r *Registrar) FailAttachAt(minor int, err error) *Registrar {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failAttach[minor] = orDefault(err)
	return r
}

// FailPublishAt makes the publication of the given minor fail with err.
func (r *Registrar) FailPublishAt(minor int, err error) *Registrar {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failPublish[minor] = orDefault(err)
	return r
}

// FailCopy makes every copy in either direction fail with err.
func (r *Registrar) FailCopy(err error) *Registrar {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failCopy = err
	return r
}

// Calls returns the recorded calls in order.
func (r *Registrar) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// CallsOf returns the recorded calls of one kind, in order.
func (r *Registrar) CallsOf(op Op) []Call {
	var out []Call
	for _, c := range r.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Reset forgets the recorded calls.
func (r *Registrar) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

// Violations returns releases of resources that were not live.
func (r *Registrar) Violations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.violations...)
}

// Live returns the number of resources still held, by kind.
func (r *Registrar) Live() (ranges, classes, attached, published int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ranges, r.classes.Len(), len(r.attached), r.nodes.Len()
}

// Open opens a session on an attached device number.
func (r *Registrar) Open(ctx context.Context, dev registrar.Dev) (registrar.File, error) {
	r.mu.Lock()
	ops, ok := r.attached[dev]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("open %s: %w", dev, registrar.ErrNoDevice)
	}
	return ops.Open(ctx)
}

func (r *Registrar) record(op Op, minor int, arg string) {
	r.calls = append(r.calls, Call{Op: op, Minor: minor, Arg: arg})
}

func (r *Registrar) AllocateIdentityRange(_ context.Context, count int, label string) (registrar.IdentityRange, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(OpAllocate, -1, label)
	if r.failAlloc != nil {
		return registrar.IdentityRange{}, r.failAlloc
	}
	r.ranges++
	return registrar.IdentityRange{Base: registrar.MkDev(r.Major, 0), Count: count, Label: label}, nil
}

func (r *Registrar) ReleaseIdentityRange(_ context.Context, rng registrar.IdentityRange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(OpRelease, -1, rng.Label)
	if r.ranges == 0 {
		r.violations = append(r.violations, "release of unallocated range "+rng.Label)
		return
	}
	r.ranges--
}

func (r *Registrar) RegisterClass(_ context.Context, name string, mode registrar.ModePolicy) (*registrar.Class, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(OpRegisterClass, -1, name)
	if r.failClass != nil {
		return nil, r.failClass
	}
	r.classes.Insert(name)
	return &registrar.Class{Name: name, Mode: mode}, nil
}

func (r *Registrar) UnregisterClass(_ context.Context, c *registrar.Class) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(OpUnregister, -1, c.Name)
	if !r.classes.Has(c.Name) {
		r.violations = append(r.violations, "unregister of unknown class "+c.Name)
		return
	}
	r.classes.Delete(c.Name)
}

func (r *Registrar) Attach(_ context.Context, dev registrar.Dev, ops registrar.Operations) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	minor := int(dev.Minor())
	r.record(OpAttach, minor, dev.String())
	if err := r.failAttach[minor]; err != nil {
		return err
	}
	if _, ok := r.attached[dev]; ok {
		return fmt.Errorf("attach %s: %w", dev, registrar.ErrBusy)
	}
	r.attached[dev] = ops
	return nil
}

// Detach of a device number that is not attached is allowed by the contract
// and is not a violation.
func (r *Registrar) Detach(_ context.Context, dev registrar.Dev) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(OpDetach, int(dev.Minor()), dev.String())
	delete(r.attached, dev)
}

func (r *Registrar) PublishName(_ context.Context, c *registrar.Class, dev registrar.Dev, name string) (*registrar.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	minor := int(dev.Minor())
	r.record(OpPublish, minor, name)
	if err := r.failPublish[minor]; err != nil {
		return nil, err
	}
	p := path.Join("/dev", name)
	if r.nodes.Has(p) {
		return nil, fmt.Errorf("publish %s: already exists", name)
	}
	r.nodes.Insert(p)
	n := &registrar.Node{Name: name, Path: p, Dev: dev}
	if c.Mode != nil {
		n.Mode = c.Mode(name)
	}
	return n, nil
}

func (r *Registrar) UnpublishName(_ context.Context, _ *registrar.Class, n *registrar.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(OpUnpublish, int(n.Dev.Minor()), n.Name)
	if !r.nodes.Has(n.Path) {
		r.violations = append(r.violations, "unpublish of unknown node "+n.Path)
		return
	}
	r.nodes.Delete(n.Path)
}

func (r *Registrar) copyErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failCopy
}

func (r *Registrar) CopyOut(dst, src []byte) error {
	if err := r.copyErr(); err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

func (r *Registrar) CopyIn(dst, src []byte) error {
	if err := r.copyErr(); err != nil {
		return err
	}
	copy(dst, src)
	return nil
}
