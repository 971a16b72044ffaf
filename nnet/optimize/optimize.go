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
	"math"

	"github.com/ethereum/go-ethereum/log"

	"github.com/M4niex13/kaldi/nnet"
	"github.com/M4niex13/kaldi/nnet/computation"
)

var (
	// ErrNeedDebugInfo is returned when a requested pass needs per-row
	// cindex debug info that the computation does not carry.
	ErrNeedDebugInfo = errors.New("optimize: computation has no debug info")
)

// Config selects and parameterizes the optimization passes. The zero
// value disables everything; use DefaultConfig for the normal
// settings.
type Config struct {
	// Optimize is the master switch for the rewriting passes; dead
	// table entries are removed regardless.
	Optimize bool

	// ConsolidateModelUpdate merges per-chunk updating backprops of
	// each component into one, when the computation needs a model
	// derivative.
	ConsolidateModelUpdate bool

	// RemoveAssignments allows merging the two sides of a plain copy.
	RemoveAssignments bool
	// PropagateInPlace and BackpropInPlace allow merging the input and
	// output of Propagate and Backprop commands when the component
	// supports working in place.
	PropagateInPlace bool
	BackpropInPlace  bool
	// AllowLeftMerge and AllowRightMerge select which side of a merge
	// pair may survive.
	AllowLeftMerge  bool
	AllowRightMerge bool
	// MaxMergeIterations bounds the merge fixpoint.
	MaxMergeIterations int

	// MinDerivTime and MaxDerivTime bound the time window in which
	// derivatives are computed. The math.MinInt / math.MaxInt
	// defaults mean unlimited.
	MinDerivTime int
	MaxDerivTime int

	// OptimizeLoopedComputation folds an unrolled streaming
	// computation into an infinite loop.
	OptimizeLoopedComputation bool

	// CheckComputation runs the structural checker after optimizing.
	CheckComputation bool
}

// DefaultConfig returns the standard optimization settings.
func DefaultConfig() *Config {
	return &Config{
		Optimize:               true,
		ConsolidateModelUpdate: true,
		RemoveAssignments:      true,
		PropagateInPlace:       true,
		BackpropInPlace:        true,
		AllowLeftMerge:         true,
		AllowRightMerge:        true,
		MaxMergeIterations:     100,
		MinDerivTime:           math.MinInt,
		MaxDerivTime:           math.MaxInt,
	}
}

func (c *Config) limitsDerivTimes() bool {
	return c.MinDerivTime != math.MinInt || c.MaxDerivTime != math.MaxInt
}

// Optimize runs the configured passes over comp in place. The order
// is: renumbering, variable merging to a fixpoint, model-update
// consolidation, derivative time limiting, looped-computation
// conversion, and a final cleanup.
func Optimize(cfg *Config, model nnet.Model, comp *computation.Computation) error {
	if (cfg.limitsDerivTimes() || cfg.OptimizeLoopedComputation) &&
		len(comp.MatrixDebug) == 0 {
		return ErrNeedDebugInfo
	}
	RenumberComputation(comp)
	RemoveNoOps(comp)
	if cfg.Optimize && (cfg.AllowLeftMerge || cfg.AllowRightMerge) {
		for iter := 0; iter < cfg.MaxMergeIterations; iter++ {
			opt := newVariableMergingOptimizer(cfg, model, comp)
			if !opt.MergeVariables() {
				break
			}
			log.Debug("merged variables", "iteration", iter,
				"commands", len(comp.Commands), "matrices", len(comp.Matrices)-1)
		}
	}
	if cfg.Optimize && cfg.ConsolidateModelUpdate && comp.NeedModelDerivative {
		ConsolidateModelUpdate(model, comp)
	}
	if cfg.limitsDerivTimes() {
		LimitDerivativeTimes(model, cfg.MinDerivTime, cfg.MaxDerivTime, comp)
	}
	if cfg.OptimizeLoopedComputation {
		if !OptimizeLoopedComputation(model, comp) {
			log.Debug("computation did not loop")
		}
	}
	RenumberComputation(comp)
	RemoveNoOps(comp)
	FixGotoLabel(comp)
	if cfg.CheckComputation {
		if err := comp.Check(model); err != nil {
			return err
		}
	}
	return nil
}

// RemoveNoOps deletes NoOperation commands from the command list.
// Markers and labels stay. Call FixGotoLabel afterwards if the
// computation may contain a goto, since command indexes shift.
func RemoveNoOps(comp *computation.Computation) {
	kept := comp.Commands[:0]
	for _, cmd := range comp.Commands {
		if cmd.Type != computation.NoOperation {
			kept = append(kept, cmd)
		}
	}
	comp.Commands = kept
}

// FixGotoLabel re-points a trailing GotoLabel at the (unique)
// NoOperationLabel command, after passes that may have shifted command
// indexes. No-op when the computation has no goto.
func FixGotoLabel(comp *computation.Computation) {
	numCommands := len(comp.Commands)
	if numCommands == 0 {
		return
	}
	for c := numCommands - 1; c >= 0; c-- {
		switch comp.Commands[c].Type {
		case computation.GotoLabel:
			dest := comp.Commands[c].Arg1
			if dest >= 0 && dest < numCommands &&
				comp.Commands[dest].Type == computation.NoOperationLabel {
				return
			}
			for d := 0; d+1 < numCommands; d++ {
				if comp.Commands[d].Type == computation.NoOperationLabel {
					comp.Commands[c].Arg1 = d
					return
				}
			}
			panic("optimize: goto target label not found")
		case computation.ProvideOutput:
			// Outputs are sometimes temporarily ordered after the
			// goto; keep scanning.
			continue
		default:
			return
		}
	}
}
