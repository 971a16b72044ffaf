// Copyright 2026 The kaldi-go Authors
// This file is part of the kaldi-go library.
//
// The kaldi-go library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The kaldi-go library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the kaldi-go library. If not, see <http://www.gnu.org/licenses/>.

package optimize

import (
	"fmt"
	"os"

	"github.com/naoina/toml"
)

// LoadConfig reads optimizer settings from a TOML file, on top of the
// defaults. Keys match the Config field names, e.g.
//
//	optimize = true
//	max_merge_iterations = 50
//	min_deriv_time = -20
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("optimize: reading config: %w", err)
	}
	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("optimize: parsing config %s: %w", path, err)
	}
	if cfg.MaxMergeIterations <= 0 {
		return nil, fmt.Errorf("optimize: config %s: max_merge_iterations must be positive", path)
	}
	return cfg, nil
}
