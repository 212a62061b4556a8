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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoad(t *testing.T) {
	p := filepath.Join(t.TempDir(), "family.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`
name: scull
count: 3
capacity: 512
mode: 0444
indexed: true
guarded: true
max_storage: 4096
`), 0o644))

	var f Family
	require.NoError(t, f.Load(p))
	require.NoError(t, f.Validate())
	require.Equal(t, Family{
		Name:       "scull",
		Prefix:     "scull",
		Count:      3,
		Capacity:   512,
		Mode:       0o444,
		Indexed:    true,
		Guarded:    true,
		MaxStorage: 4096,
	}, f)
	require.Equal(t, "scull2", f.NodeName(2))
}

func TestLoadErrors(t *testing.T) {
	var f Family
	require.Error(t, f.Load(filepath.Join(t.TempDir(), "missing.yaml")))

	p := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(p, []byte("name: x\nmode: rw-r--r--\n"), 0o644))
	require.Error(t, f.Load(p))
}

func TestValidate(t *testing.T) {
	for _, tt := range []struct {
		name    string
		family  Family
		wantErr bool
	}{
		{"single", SingleInstance(), false},
		{"multi", MultiInstance(4), false},
		{"no name", Family{Count: 1}, true},
		{"zero count", Family{Name: "x"}, true},
		{"unindexed collision", Family{Name: "x", Count: 2}, true},
		{"negative capacity", Family{Name: "x", Count: 1, Capacity: -1}, true},
		{"setuid mode", Family{Name: "x", Count: 1, Mode: 0o4755}, true},
		{"negative cap", Family{Name: "x", Count: 1, MaxStorage: -1}, true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.family.Validate()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestDefaults(t *testing.T) {
	f := Family{Name: "x", Count: 1}
	require.NoError(t, f.Validate())
	require.Equal(t, DefaultCapacity, f.Capacity)
	require.Equal(t, DefaultMode, f.Mode)
	require.Equal(t, "x", f.Prefix)
	require.Equal(t, "x", f.NodeName(0))
}

func TestModeRoundTrip(t *testing.T) {
	out, err := yaml.Marshal(SingleInstance())
	require.NoError(t, err)
	require.Regexp(t, `mode: "?0644"?`, string(out))

	var f Family
	require.NoError(t, yaml.Unmarshal(out, &f))
	require.Equal(t, SingleInstance(), f)
}

func TestModeSpellings(t *testing.T) {
	for _, tt := range []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{in: "0644", want: 0o644},
		{in: "644", want: 0o644},
		{in: "0o444", want: 0o444},
		{in: "0O600", want: 0o600},
		{in: `"0o640"`, want: 0o640},
		{in: "0o", wantErr: true},
		{in: "0o9", wantErr: true},
	} {
		t.Run(tt.in, func(t *testing.T) {
			var f Family
			err := yaml.Unmarshal([]byte("mode: "+tt.in+"\n"), &f)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, f.Mode)
		})
	}
}

func TestPresetModes(t *testing.T) {
	require.Equal(t, DefaultMode, SingleInstance().Mode)
	require.Equal(t, ReadOnlyMode, MultiInstance(3).Mode)
}
