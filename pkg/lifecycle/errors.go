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
	"errors"
	"fmt"

	"chainguard.dev/chardev/pkg/registrar"
)

var (
	// ErrRegistrarExhausted means no identity range or class registration
	// was available. Nothing is left behind.
	ErrRegistrarExhausted = errors.New("registrar exhausted")

	// ErrAllocationFailed means the storage block for the set could not be
	// obtained.
	ErrAllocationFailed = errors.New("storage allocation failed")

	// ErrAttachFailed is matched by every *AttachError.
	ErrAttachFailed = errors.New("attach failed")

	// ErrPublishFailed is matched by every *PublishError.
	ErrPublishFailed = errors.New("publish failed")

	// ErrTornDown is returned when using a set after Teardown.
	ErrTornDown = errors.New("device set torn down")
)

// AttachError reports the device whose dispatch table attach failed.
type AttachError struct {
	Index int
	Dev   registrar.Dev
	Err   error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("attaching device %d (%s): %v", e.Index, e.Dev, e.Err)
}

func (e *AttachError) Unwrap() []error {
	return []error{ErrAttachFailed, e.Err}
}

// PublishError reports the device whose name could not be published after
// a successful attach.
type PublishError struct {
	Index int
	Name  string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publishing device %d as %q: %v", e.Index, e.Name, e.Err)
}

func (e *PublishError) Unwrap() []error {
	return []error{ErrPublishFailed, e.Err}
}
