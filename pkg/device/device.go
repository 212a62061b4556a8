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

// Package device implements a single emulated byte-addressable device: a
// fixed buffer, the identity it is registered under, and the sessions opened
// on it.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"chainguard.dev/chardev/pkg/buffer"
	"chainguard.dev/chardev/pkg/registrar"
)

// State is the registration state of a Device.
type State int32

const (
	// Unregistered devices have a buffer but are not visible.
	Unregistered State = iota
	// Registered devices are attached and published.
	Registered
	// Failed devices could not be attached or published. Terminal.
	Failed
	// TornDown devices have released their registrar resources. Terminal.
	TornDown
)

func (s State) String() string {
	switch s {
	case Unregistered:
		return "unregistered"
	case Registered:
		return "registered"
	case Failed:
		return "failed"
	case TornDown:
		return "torn down"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ErrInvalidTransition is returned by Transition for moves the state machine
// does not allow.
var ErrInvalidTransition = errors.New("invalid device state transition")

// ErrForeignSession is returned when a session is used on a device other
// than the one that opened it.
var ErrForeignSession = errors.New("session belongs to another device")

var transitions = map[State][]State{
	Unregistered: {Registered, Failed, TornDown},
	Registered:   {TornDown},
}

// Device is one emulated device. It owns its buffer exclusively.
type Device struct {
	index  int
	dev    registrar.Dev
	name   string
	buf    *buffer.Buffer
	copier buffer.Copier
	// mu guards buf and the positions of sessions; nil when unguarded.
	mu    *sync.Mutex
	state atomic.Int32
}

var _ registrar.Operations = (*Device)(nil)

type Option func(*Device)

// WithCopier sets the primitive used to move bytes to and from callers.
func WithCopier(c buffer.Copier) Option {
	return func(d *Device) {
		d.copier = c
	}
}

// WithGuard controls whether buffer accesses are serialized. Devices are
// guarded by default.
func WithGuard(guarded bool) Option {
	return func(d *Device) {
		if guarded {
			d.mu = &sync.Mutex{}
		} else {
			d.mu = nil
		}
	}
}

// WithName sets the visible name of the device.
func WithName(name string) Option {
	return func(d *Device) {
		d.name = name
	}
}

// New returns an Unregistered device at position index of its set.
func New(index int, dev registrar.Dev, buf *buffer.Buffer, opts ...Option) (*Device, error) {
	if buf == nil {
		return nil, fmt.Errorf("device %d: no buffer", index)
	}
	d := &Device{
		index:  index,
		dev:    dev,
		buf:    buf,
		copier: buffer.MemCopier{},
		mu:     &sync.Mutex{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func (d *Device) Index() int         { return d.index }
func (d *Device) Dev() registrar.Dev { return d.dev }
func (d *Device) Name() string       { return d.name }
func (d *Device) Cap() int           { return d.buf.Cap() }
func (d *Device) Guarded() bool      { return d.mu != nil }

func (d *Device) State() State {
	return State(d.state.Load())
}

// Transition moves the device to state to.
func (d *Device) Transition(to State) error {
	for {
		from := d.State()
		allowed := false
		for _, s := range transitions[from] {
			if s == to {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("device %d: %s -> %s: %w", d.index, from, to, ErrInvalidTransition)
		}
		if d.state.CompareAndSwap(int32(from), int32(to)) {
			return nil
		}
	}
}

func (d *Device) lock() {
	if d.mu != nil {
		d.mu.Lock()
	}
}

func (d *Device) unlock() {
	if d.mu != nil {
		d.mu.Unlock()
	}
}

// Open binds a new session to the device. It always succeeds; concurrent
// sessions on one device are allowed.
func (d *Device) Open(ctx context.Context) (registrar.File, error) {
	return d.NewSession(ctx), nil
}

// Read reads up to n bytes at the session's position and advances the
// position by the number of bytes read. At the end of the device it returns
// an empty slice and no error.
func (d *Device) Read(s *Session, n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("read %d bytes: negative length", n)
	}
	// nothing past the capacity can be read, whatever the position
	p := make([]byte, min(n, d.buf.Cap()))
	got, err := d.read(s, p)
	return p[:got], err
}

// Write writes the head of data that fits at the session's position and
// advances the position by the number of bytes written.
func (d *Device) Write(s *Session, data []byte) (int, error) {
	return d.write(s, data)
}

// Seek does not move the session. It always reports position 0.
func (d *Device) Seek(s *Session, offset int64, whence int) (int64, error) {
	if s.d != d {
		return 0, fmt.Errorf("device %d: %w", d.index, ErrForeignSession)
	}
	s.log.Debugf("seek is called (offset %d, whence %d)", offset, whence)
	return 0, nil
}

func (d *Device) check(s *Session) error {
	if s.d != d {
		return fmt.Errorf("device %d: %w", d.index, ErrForeignSession)
	}
	if s.closed.Load() {
		return errClosed(d)
	}
	return nil
}

func (d *Device) read(s *Session, p []byte) (int, error) {
	if err := d.check(s); err != nil {
		return 0, err
	}
	d.lock()
	defer d.unlock()
	n, err := d.buf.ReadAt(d.copier, p, s.pos)
	if err != nil {
		return 0, err
	}
	s.pos += int64(n)
	return n, nil
}

func (d *Device) write(s *Session, p []byte) (int, error) {
	if err := d.check(s); err != nil {
		return 0, err
	}
	d.lock()
	defer d.unlock()
	n, err := d.buf.WriteAt(d.copier, p, s.pos)
	if err != nil {
		return 0, err
	}
	s.pos += int64(n)
	return n, nil
}
