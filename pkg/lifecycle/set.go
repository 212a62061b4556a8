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

package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"github.com/chainguard-dev/clog"
	"go.opentelemetry.io/otel"

	"chainguard.dev/chardev/pkg/buffer"
	"chainguard.dev/chardev/pkg/config"
	"chainguard.dev/chardev/pkg/device"
	"chainguard.dev/chardev/pkg/registrar"
)

// Set is a provisioned group of devices sharing one identity range and class.
// Devices are ordered by index; teardown runs in reverse of that order.
type Set struct {
	mu     sync.Mutex
	reg    registrar.Registrar
	family config.Family

	base      registrar.IdentityRange
	rangeHeld bool
	class     *registrar.Class
	block     *buffer.Block
	devices   []*device.Device
	nodes     []*registrar.Node

	// High-water marks: devices [0, attached) are attached and devices
	// [0, published) are published.
	attached  int
	published int

	tornDown bool
}

func newSet(reg registrar.Registrar, fam config.Family) *Set {
	return &Set{
		reg:     reg,
		family:  fam,
		devices: make([]*device.Device, 0, fam.Count),
		nodes:   make([]*registrar.Node, 0, fam.Count),
	}
}

// register brings device i from nothing to Registered.
func (s *Set) register(ctx context.Context, i int) error {
	dev := s.base.Dev(i)
	name := s.family.NodeName(i)
	d, err := device.New(i, dev, s.block.Buffer(i),
		device.WithName(name),
		device.WithGuard(s.family.Guarded),
		device.WithCopier(s.reg),
	)
	if err != nil {
		return err
	}
	s.devices = append(s.devices, d)

	if err := s.reg.Attach(ctx, dev, d); err != nil {
		_ = d.Transition(device.Failed)
		return &AttachError{Index: i, Dev: dev, Err: err}
	}
	s.attached++

	node, err := s.reg.PublishName(ctx, s.class, dev, name)
	if err != nil {
		_ = d.Transition(device.Failed)
		return &PublishError{Index: i, Name: name, Err: err}
	}
	s.nodes = append(s.nodes, node)
	s.published++

	clog.FromContext(ctx).Debugf("registered %s as %s", dev, node.Path)
	return d.Transition(device.Registered)
}

// rollback undoes a partial provisioning: detach everything attached, then
// unpublish everything published, then drop the class, the identity range and
// the storage. Only completed steps are undone, so a second call does nothing.
func (s *Set) rollback(ctx context.Context) {
	ctx, span := otel.Tracer("chardev").Start(ctx, "Rollback")
	defer span.End()
	log := clog.FromContext(ctx)

	for ; s.attached > 0; s.attached-- {
		dev := s.base.Dev(s.attached - 1)
		log.Debugf("rollback: detaching %s", dev)
		s.reg.Detach(ctx, dev)
	}
	for ; s.published > 0; s.published-- {
		s.unpublish(ctx, s.published-1)
	}
	s.unregisterClass(ctx)
	s.releaseRange(ctx)
	s.releaseBlock()
}

func (s *Set) teardown(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tornDown {
		return
	}

	ctx, span := otel.Tracer("chardev").Start(ctx, "Teardown")
	defer span.End()
	log := clog.FromContext(ctx)

	for ; s.published > 0; s.published-- {
		s.unpublish(ctx, s.published-1)
	}
	s.unregisterClass(ctx)
	if s.rangeHeld {
		// every member of the range, registered or not
		for i := s.family.Count - 1; i >= 0; i-- {
			s.reg.Detach(ctx, s.base.Dev(i))
			if i < len(s.devices) {
				_ = s.devices[i].Transition(device.TornDown)
			}
		}
	}
	s.attached = 0
	s.releaseRange(ctx)
	s.releaseBlock()
	s.tornDown = true
	log.Infof("tore down %s", s.family.Name)
}

func (s *Set) unpublish(ctx context.Context, i int) {
	clog.FromContext(ctx).Debugf("unpublishing %s", s.nodes[i].Path)
	s.reg.UnpublishName(ctx, s.class, s.nodes[i])
	s.nodes = s.nodes[:i]
	_ = s.devices[i].Transition(device.TornDown)
}

func (s *Set) unregisterClass(ctx context.Context) {
	if s.class == nil {
		return
	}
	s.reg.UnregisterClass(ctx, s.class)
	s.class = nil
}

func (s *Set) releaseRange(ctx context.Context) {
	if !s.rangeHeld {
		return
	}
	s.reg.ReleaseIdentityRange(ctx, s.base)
	s.rangeHeld = false
}

func (s *Set) releaseBlock() {
	if s.block == nil {
		return
	}
	s.block.Release()
	s.block = nil
}

// Family returns the validated configuration the set was provisioned from.
func (s *Set) Family() config.Family { return s.family }

// Range returns the identity range of the set.
func (s *Set) Range() registrar.IdentityRange { return s.base }

// Len returns the number of devices in the set.
func (s *Set) Len() int { return s.family.Count }

// Registered returns how many devices are currently published.
func (s *Set) Registered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.published
}

func (s *Set) TornDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tornDown
}

// Device returns the device at index i.
func (s *Set) Device(i int) (*device.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tornDown {
		return nil, ErrTornDown
	}
	if i < 0 || i >= len(s.devices) {
		return nil, fmt.Errorf("device index %d out of range [0, %d)", i, len(s.devices))
	}
	return s.devices[i], nil
}

// Lookup returns the device registered under dev.
func (s *Set) Lookup(dev registrar.Dev) (*device.Device, error) {
	if !s.base.Contains(dev) {
		return nil, fmt.Errorf("%s is not in range %s+%d", dev, s.base.Base, s.base.Count)
	}
	return s.Device(int(dev.Minor() - s.base.Base.Minor()))
}

// Nodes returns the published nodes in index order.
func (s *Set) Nodes() []registrar.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]registrar.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, *n)
	}
	return out
}

// Names returns the visible names in index order.
func (s *Set) Names() []string {
	var names []string
	for _, n := range s.Nodes() {
		names = append(names, n.Name)
	}
	return names
}
