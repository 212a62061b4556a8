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

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"chainguard.dev/chardev/pkg/config"
)

// familyOptions selects the device family a command provisions.
type familyOptions struct {
	configFile string
	count      int
}

func (o *familyOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.configFile, "config", "f", "", "device family YAML file (default is a single my_chardev device)")
	cmd.Flags().IntVar(&o.count, "count", 0, "number of devices, overrides the family file; more than one switches to indexed names")
}

// family loads the selected family and validates it.
func (o *familyOptions) family() (config.Family, error) {
	fam := config.SingleInstance()
	if o.configFile != "" {
		fam = config.Family{}
		if err := fam.Load(o.configFile); err != nil {
			return config.Family{}, err
		}
	}

	switch {
	case o.count < 0:
		return config.Family{}, fmt.Errorf("--count must not be negative, got %d", o.count)
	case o.count > 1:
		fam.Count = o.count
		fam.Indexed = true
	case o.count == 1:
		fam.Count = 1
	}

	if err := fam.Validate(); err != nil {
		return config.Family{}, err
	}
	return fam, nil
}
