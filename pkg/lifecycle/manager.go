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

// Package lifecycle provisions sets of emulated devices against a registrar
// and tears them down again, unwinding partial progress in reverse order.
package lifecycle

import (
	"context"
	"fmt"

	"github.com/chainguard-dev/clog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"chainguard.dev/chardev/pkg/buffer"
	"chainguard.dev/chardev/pkg/config"
	"chainguard.dev/chardev/pkg/registrar"
)

// Manager provisions device sets against one registrar.
type Manager struct {
	reg registrar.Registrar
}

func NewManager(reg registrar.Registrar) *Manager {
	return &Manager{reg: reg}
}

// Provision creates, attaches and publishes every device of the family. Either
// all devices end up registered and the set is returned, or everything done
// so far is undone and an error is returned.
func (m *Manager) Provision(ctx context.Context, fam config.Family) (*Set, error) {
	if err := fam.Validate(); err != nil {
		return nil, err
	}

	ctx, span := otel.Tracer("chardev").Start(ctx, "Provision", trace.WithAttributes(
		attribute.String("family", fam.Name),
		attribute.Int("count", fam.Count),
	))
	defer span.End()

	s := newSet(m.reg, fam)
	if err := s.provision(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		clog.FromContext(ctx).Warnf("provisioning %s failed, rolling back: %v", fam.Name, err)
		s.rollback(ctx)
		return nil, err
	}

	clog.FromContext(ctx).Infof("provisioned %d %s device(s) at %s", fam.Count, fam.Name, s.base.Base)
	return s, nil
}

// Teardown releases every registrar resource and the storage of the set. It
// is a no-op on a set that was already torn down.
func (m *Manager) Teardown(ctx context.Context, s *Set) {
	s.teardown(ctx)
}

func (s *Set) provision(ctx context.Context) error {
	log := clog.FromContext(ctx)
	fam := s.family

	r, err := s.reg.AllocateIdentityRange(ctx, fam.Count, fam.Name)
	if err != nil {
		return fmt.Errorf("allocating identity range for %s: %w: %w", fam.Name, ErrRegistrarExhausted, err)
	}
	s.base, s.rangeHeld = r, true
	log.Debugf("identity range %s+%d", r.Base, r.Count)

	class, err := s.reg.RegisterClass(ctx, fam.Name, registrar.FixedMode(fam.Mode.FileMode()))
	if err != nil {
		return fmt.Errorf("registering class %s: %w: %w", fam.Name, ErrRegistrarExhausted, err)
	}
	s.class = class

	block, err := buffer.NewBlock(fam.Count, fam.Capacity, fam.MaxStorage)
	if err != nil {
		return fmt.Errorf("allocating storage for %s: %w: %w", fam.Name, ErrAllocationFailed, err)
	}
	s.block = block

	if !fam.Guarded {
		log.Warnf("device family %s is unguarded, concurrent access to one device is unsafe", fam.Name)
	}

	for i := 0; i < fam.Count; i++ {
		if err := s.register(ctx, i); err != nil {
			return err
		}
	}
	return nil
}
