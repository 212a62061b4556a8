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

package device

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/chainguard-dev/clog"

	"chainguard.dev/chardev/pkg/registrar"
)

// Session is one open of a Device. Its position starts at 0 and only moves
// through reads and writes.
type Session struct {
	d      *Device
	log    *clog.Logger
	pos    int64
	closed atomic.Bool
}

var _ registrar.File = (*Session)(nil)

// NewSession is Open without the interface conversion.
func (d *Device) NewSession(ctx context.Context) *Session {
	return &Session{
		d:   d,
		log: clog.FromContext(ctx).With("dev", d.dev.String(), "index", d.index),
	}
}

func errClosed(d *Device) error {
	return fmt.Errorf("device %d: %w", d.index, os.ErrClosed)
}

// Device returns the device the session is bound to.
func (s *Session) Device() *Device { return s.d }

// Pos returns the current position.
func (s *Session) Pos() int64 {
	s.d.lock()
	defer s.d.unlock()
	return s.pos
}

// Read implements io.Reader. The end of the device is reported as io.EOF.
func (s *Session) Read(p []byte) (int, error) {
	n, err := s.d.read(s, p)
	if err != nil {
		return 0, err
	}
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Write implements io.Writer. A write clamped at the end of the device
// returns io.ErrShortWrite along with the count written.
func (s *Session) Write(p []byte) (int, error) {
	n, err := s.d.write(s, p)
	if err != nil {
		return 0, err
	}
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// Seek implements io.Seeker with the device's inert seek.
func (s *Session) Seek(offset int64, whence int) (int64, error) {
	if s.closed.Load() {
		return 0, errClosed(s.d)
	}
	return s.d.Seek(s, offset, whence)
}

func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return errClosed(s.d)
	}
	return nil
}
