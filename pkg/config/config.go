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

// Package config describes a family of emulated devices: how many, how big,
// what they are called and how they are published.
package config

import (
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultName is the class name of the single-instance family.
	DefaultName = "my_chardev"
	// DefaultCapacity is the size of each device buffer.
	DefaultCapacity = 0x1000
	// DefaultMode is the mode of every published node.
	DefaultMode Mode = 0o644
	// ReadOnlyMode is the mode of the nodes of the multi-instance family.
	ReadOnlyMode Mode = 0o444
)

// Mode is a node permission, written in octal in YAML ("0644").
type Mode uint32

func (m Mode) FileMode() fs.FileMode { return fs.FileMode(m).Perm() }

func (m Mode) String() string { return fmt.Sprintf("%#o", uint32(m)) }

func (m Mode) MarshalYAML() (any, error) {
	return fmt.Sprintf("%04o", uint32(m)), nil
}

// UnmarshalYAML reads the mode as octal, with or without a "0o" prefix.
func (m *Mode) UnmarshalYAML(node *yaml.Node) error {
	s := node.Value
	if len(s) > 2 && s[0] == '0' && (s[1] == 'o' || s[1] == 'O') {
		s = s[2:]
	}
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return fmt.Errorf("mode %q is not an octal permission: %w", node.Value, err)
	}
	*m = Mode(v)
	return nil
}

// Family is the configuration of one device set.
type Family struct {
	// Name of the device class, also used as the identity range label.
	Name string `json:"name" yaml:"name"`
	// Prefix of every visible node name. Defaults to Name.
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	// Count is the number of devices in the set.
	Count int `json:"count" yaml:"count"`
	// Capacity of each device in bytes.
	Capacity int `json:"capacity,omitempty" yaml:"capacity,omitempty"`
	// Mode of every published node, in octal.
	Mode Mode `json:"mode,omitempty" yaml:"mode,omitempty" jsonschema:"type=string,pattern=^0?[0-7]{3}$"`
	// Indexed appends the device index to the node name.
	Indexed bool `json:"indexed" yaml:"indexed"`
	// Guarded serializes buffer access within each device.
	Guarded bool `json:"guarded" yaml:"guarded"`
	// MaxStorage caps the bytes allocated for the whole set. 0 means no cap.
	MaxStorage int64 `json:"max_storage,omitempty" yaml:"max_storage,omitempty"`
}

// SingleInstance is one unindexed 4 KiB device named my_chardev.
func SingleInstance() Family {
	return Family{
		Name:     DefaultName,
		Prefix:   DefaultName,
		Count:    1,
		Capacity: DefaultCapacity,
		Mode:     DefaultMode,
		Guarded:  true,
	}
}

// MultiInstance is n indexed 4 KiB devices named my_chardev0..n-1, published
// read-only.
func MultiInstance(n int) Family {
	f := SingleInstance()
	f.Count = n
	f.Indexed = true
	f.Mode = ReadOnlyMode
	return f
}

// Load reads a family from a YAML file. The result is not validated.
func (f *Family) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read device family file: %w", err)
	}

	if err := yaml.Unmarshal(data, f); err != nil {
		return fmt.Errorf("failed to parse device family: %w", err)
	}

	return nil
}

// Validate checks the family and fills in defaults.
func (f *Family) Validate() error {
	if f.Name == "" {
		return fmt.Errorf("device family has no name")
	}

	if f.Count < 1 {
		return fmt.Errorf("device family %s has count %d, need at least 1", f.Name, f.Count)
	}

	if !f.Indexed && f.Count > 1 {
		return fmt.Errorf("device family %s has %d devices but no index suffix, names would collide", f.Name, f.Count)
	}

	if f.Capacity < 0 {
		return fmt.Errorf("device family %s has negative capacity %d", f.Name, f.Capacity)
	}

	if f.Capacity == 0 {
		f.Capacity = DefaultCapacity
	}

	if f.Mode&^0o777 != 0 {
		return fmt.Errorf("device family %s has mode %s with bits outside 0777", f.Name, f.Mode)
	}

	if f.Mode == 0 {
		f.Mode = DefaultMode
	}

	if f.Prefix == "" {
		f.Prefix = f.Name
	}

	if f.MaxStorage < 0 {
		return fmt.Errorf("device family %s has negative storage cap %d", f.Name, f.MaxStorage)
	}

	return nil
}

// NodeName returns the visible name of the i-th device.
func (f *Family) NodeName(i int) string {
	if !f.Indexed {
		return f.Prefix
	}
	return f.Prefix + strconv.Itoa(i)
}
