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
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/M4niex13/kaldi/nnet/computation"
)

func TestOptimizeEndToEnd(t *testing.T) {
	c := copyComputation()
	cfg := DefaultConfig()
	cfg.CheckComputation = true
	if err := Optimize(cfg, mergeTestModel(), c); err != nil {
		t.Fatalf("optimize: %v", err)
	}
	// The temporary and the copy disappear.
	if len(c.Commands) != 5 {
		t.Fatalf("got %d commands:\n%v", len(c.Commands), c.CommandStrings(mergeTestModel()))
	}
	if len(c.Matrices) != 3 {
		t.Fatalf("got %d matrices, want 3:\n%s", len(c.Matrices), spew.Sdump(c.Matrices))
	}
	for _, cmd := range c.Commands {
		if cmd.Type == computation.MatrixCopy {
			t.Fatal("assignment survived optimization")
		}
	}
}

func TestOptimizeDisabled(t *testing.T) {
	c := copyComputation()
	cfg := DefaultConfig()
	cfg.Optimize = false
	if err := Optimize(cfg, mergeTestModel(), c); err != nil {
		t.Fatalf("optimize: %v", err)
	}
	// Dead-entry removal still runs, but the copy stays.
	found := false
	for _, cmd := range c.Commands {
		if cmd.Type == computation.MatrixCopy {
			found = true
		}
	}
	if !found {
		t.Fatal("rewriting ran despite optimize = false")
	}
}

func TestOptimizeNeedsDebugInfo(t *testing.T) {
	c := copyComputation()
	cfg := DefaultConfig()
	cfg.MinDerivTime = 0
	err := Optimize(cfg, mergeTestModel(), c)
	if !errors.Is(err, ErrNeedDebugInfo) {
		t.Fatalf("got %v, want ErrNeedDebugInfo", err)
	}
}

func TestRemoveNoOps(t *testing.T) {
	c := computation.New()
	c.Commands = []computation.Command{
		computation.NewCommand(computation.NoOperation),
		computation.NewCommand(computation.NoOperationMarker),
		computation.NewCommand(computation.NoOperation),
		computation.NewCommand(computation.NoOperationLabel),
	}
	RemoveNoOps(c)
	if len(c.Commands) != 2 ||
		c.Commands[0].Type != computation.NoOperationMarker ||
		c.Commands[1].Type != computation.NoOperationLabel {
		t.Fatalf("commands after RemoveNoOps: %v", c.Commands)
	}
}

func TestFixGotoLabel(t *testing.T) {
	c := computation.New()
	c.Commands = []computation.Command{
		computation.NewCommand(computation.NoOperation),
		computation.NewCommand(computation.NoOperationLabel),
		computation.NewCommand(computation.GotoLabel, 5),
	}
	FixGotoLabel(c)
	if c.Commands[2].Arg1 != 1 {
		t.Fatalf("goto target = %d, want 1", c.Commands[2].Arg1)
	}
	// Without a goto nothing changes.
	c.Commands = c.Commands[:2]
	FixGotoLabel(c)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "optimize.toml")
	data := []byte("optimize = true\nmax_merge_iterations = 7\nmin_deriv_time = -20\nallow_right_merge = false\n")
	require.NoError(t, os.WriteFile(path, data, 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	if cfg.MaxMergeIterations != 7 || cfg.MinDerivTime != -20 || cfg.AllowRightMerge {
		t.Fatalf("config = %+v", cfg)
	}
	// Unset keys keep their defaults.
	if !cfg.AllowLeftMerge || !cfg.ConsolidateModelUpdate {
		t.Fatalf("defaults lost: %+v", cfg)
	}

	require.NoError(t, os.WriteFile(path, []byte("max_merge_iterations = 0\n"), 0644))
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("accepted non-positive max_merge_iterations")
	}

	if _, err := LoadConfig(filepath.Join(dir, "missing.toml")); err == nil {
		t.Fatal("accepted missing file")
	}
}

func TestCacheReusesOptimizedComputations(t *testing.T) {
	cache, err := NewCache(DefaultConfig(), 8)
	require.NoError(t, err)

	first := copyComputation()
	require.NoError(t, cache.Optimize(mergeTestModel(), first))
	if cache.Len() != 1 {
		t.Fatalf("cache holds %d entries, want 1", cache.Len())
	}

	second := copyComputation()
	require.NoError(t, cache.Optimize(mergeTestModel(), second))
	if cache.Len() != 1 {
		t.Fatalf("identical input added an entry: %d", cache.Len())
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("cached result differs from fresh result:\n%s", diff)
	}

	// Callers own what they get back; mutating it must not corrupt
	// the cache.
	second.Commands[0].Arg2 = 99
	third := copyComputation()
	require.NoError(t, cache.Optimize(mergeTestModel(), third))
	if third.Commands[0].Arg2 == 99 {
		t.Fatal("cache returned shared storage")
	}

	// A different computation gets its own entry.
	other := copyComputation()
	other.Commands = other.Commands[:len(other.Commands)-1]
	require.NoError(t, cache.Optimize(mergeTestModel(), other))
	if cache.Len() != 2 {
		t.Fatalf("cache holds %d entries, want 2", cache.Len())
	}
}
