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

	mapset "github.com/deckarep/golang-set"

	"github.com/M4niex13/kaldi/nnet"
	"github.com/M4niex13/kaldi/nnet/analysis"
	"github.com/M4niex13/kaldi/nnet/computation"
)

// variableMergingOptimizer merges pairs of matrices that can share
// storage: the two sides of a plain copy, or the input and output of
// an in-place-capable Propagate or Backprop. Each instance does one
// sweep over the commands; the driver constructs fresh instances until
// nothing merges, since the access analysis goes stale after a merge.
type variableMergingOptimizer struct {
	cfg   *Config
	model nnet.Model
	comp  *computation.Computation

	analyzer          analysis.Analyzer
	matrixToSubmatrix [][]int

	// dirty holds variable indexes touched by a merge in this sweep;
	// later candidates overlapping them are rejected.
	dirty      mapset.Set
	alreadyRun bool
}

func newVariableMergingOptimizer(cfg *Config, model nnet.Model,
	comp *computation.Computation) *variableMergingOptimizer {
	o := &variableMergingOptimizer{
		cfg:   cfg,
		model: model,
		comp:  comp,
		dirty: mapset.NewThreadUnsafeSet(),
	}
	o.analyzer.Init(model, comp)
	o.matrixToSubmatrix = make([][]int, len(comp.Matrices))
	for s := 1; s < len(comp.SubMatrices); s++ {
		m := comp.SubMatrices[s].MatrixIndex
		o.matrixToSubmatrix[m] = append(o.matrixToSubmatrix[m], s)
	}
	return o
}

// MergeVariables performs one sweep and reports whether anything
// merged. After a sweep that merged, the computation is renumbered and
// no-ops are removed.
func (o *variableMergingOptimizer) MergeVariables() bool {
	if o.alreadyRun {
		panic("optimize: MergeVariables called twice on one instance")
	}
	o.alreadyRun = true
	merged := false
	for commandIndex := 0; commandIndex < len(o.comp.Commands); commandIndex++ {
		c := &o.comp.Commands[commandIndex]
		s1, s2 := -1, -1
		switch {
		case c.Type == computation.MatrixCopy && o.cfg.RemoveAssignments:
			s2 = c.Arg1 // s2 is the written-to side
			s1 = c.Arg2
		case c.Type == computation.Propagate && o.cfg.PropagateInPlace:
			if o.model.Component(c.Arg1).Properties()&nnet.PropagateInPlace != 0 {
				s1 = c.Arg3
				s2 = c.Arg4
			}
		case (c.Type == computation.Backprop || c.Type == computation.BackpropNoModelUpdate) &&
			o.cfg.BackpropInPlace:
			if o.model.Component(c.Arg1).Properties()&nnet.BackpropInPlace != 0 {
				s1 = c.Arg5
				s2 = c.Arg6
				if s1 == c.Arg3 || s2 == c.Arg3 || s1 == c.Arg4 || s2 == c.Arg4 {
					// The derivative args should never alias the value
					// args; skip rather than merge on top of that.
					s1, s2 = -1, -1
				}
			}
		}
		if s1 > 0 && s2 > 0 {
			left, right := o.mayBeMerged(commandIndex, s1, s2)
			if left {
				o.doMerge(commandIndex, s1, s2)
				merged = true
			} else if right {
				o.doMerge(commandIndex, s2, s1)
				merged = true
			}
		}
	}
	if merged {
		RenumberComputation(o.comp)
		RemoveNoOps(o.comp)
	}
	return merged
}

// mayBeMerged decides whether the matrices under s1 and s2 could share
// storage at commandIndex, returning which directions are allowed:
// left keeps s1's matrix, right keeps s2's.
func (o *variableMergingOptimizer) mayBeMerged(commandIndex, s1, s2 int) (left, right bool) {
	if s1 <= 0 || s2 <= 0 {
		panic("optimize: bad sub-matrix pair")
	}
	if !o.cfg.AllowLeftMerge && !o.cfg.AllowRightMerge {
		return false, false
	}
	m1 := o.comp.SubMatrices[s1].MatrixIndex
	m2 := o.comp.SubMatrices[s2].MatrixIndex
	// Two views of the same matrix cannot merge.
	if m1 == m2 {
		return false, false
	}
	var variables []int
	o.analyzer.Variables.AppendVariablesForSubmatrix(s1, &variables)
	o.analyzer.Variables.AppendVariablesForSubmatrix(s2, &variables)
	for _, v := range variables {
		if o.dirty.Contains(v) {
			return false, false
		}
	}
	m1Access := &o.analyzer.MatrixAccesses[m1]
	m2Access := &o.analyzer.MatrixAccesses[m2]
	if (m1Access.IsInput && m2Access.IsInput) ||
		(m1Access.IsOutput && m2Access.IsOutput) {
		return false, false
	}
	if (m1Access.IsInput || m1Access.IsOutput ||
		m2Access.IsInput || m2Access.IsOutput) &&
		(!o.comp.IsWholeMatrix(s1) || !o.comp.IsWholeMatrix(s2)) {
		return false, false
	}
	left = o.cfg.AllowLeftMerge
	right = o.cfg.AllowRightMerge
	if !o.comp.IsWholeMatrix(s2) {
		left = false
	}
	if !o.comp.IsWholeMatrix(s1) {
		right = false
	}
	// Merging must not break a contiguous-storage requirement: the
	// surviving matrix keeps the strict stride, so the other side must
	// cover the whole of it.
	if o.comp.Matrices[m2].Stride == computation.StrideEqualNumCols &&
		!o.comp.IsWholeMatrix(s1) {
		left = false
	}
	if o.comp.Matrices[m1].Stride == computation.StrideEqualNumCols &&
		!o.comp.IsWholeMatrix(s2) {
		right = false
	}
	if !left && !right {
		return false, false
	}
	isAssignment := o.comp.Commands[commandIndex].Type == computation.MatrixCopy
	an := analysis.NewAnalysis(o.comp, &o.analyzer)
	if isAssignment {
		if an.FirstAccess(s2) == commandIndex &&
			an.LastWriteAccess(s1) < commandIndex &&
			an.LastAccess(s1) < an.DataInvalidatedCommand(commandIndex, s2) {
			return left, right
		}
	} else {
		if an.FirstAccess(s2) == commandIndex &&
			an.LastAccess(s1) == commandIndex {
			return left, right
		}
	}
	return false, false
}

// doMerge makes every view of sToDiscard's matrix a view of sToKeep's
// matrix and removes the now-redundant allocation, deallocation and
// (for copies) the copy command itself.
func (o *variableMergingOptimizer) doMerge(commandIndex, sToKeep, sToDiscard int) {
	o.markAsDirty(sToKeep)
	o.markAsDirty(sToDiscard)

	mToKeep := o.comp.SubMatrices[sToKeep].MatrixIndex
	mToDiscard := o.comp.SubMatrices[sToDiscard].MatrixIndex
	if mToKeep == mToDiscard || mToKeep <= 0 || mToDiscard <= 0 {
		panic("optimize: doMerge on invalid pair")
	}

	for _, s := range o.matrixToSubmatrix[mToDiscard] {
		o.comp.SubMatrices[s] = getSubMatrixOfSubMatrix(o.comp, s, sToKeep)
	}

	an := analysis.NewAnalysis(o.comp, &o.analyzer)
	c := &o.comp.Commands[commandIndex]
	if c.Type == computation.MatrixCopy {
		c.Type = computation.NoOperation
		c.Arg1 = -1
		c.Arg2 = -1
	}

	// Keep a single deallocation: drop the discard side's if it has
	// one (it is not an input then), otherwise drop the keep side's.
	deallocKeep := o.analyzer.MatrixAccesses[mToKeep].DeallocateCommand
	deallocDiscard := o.analyzer.MatrixAccesses[mToDiscard].DeallocateCommand
	if deallocDiscard != -1 {
		o.comp.Commands[deallocDiscard].Type = computation.NoOperation
	} else {
		if deallocKeep == -1 {
			panic("optimize: merged matrices have no deallocation at all")
		}
		o.comp.Commands[deallocKeep].Type = computation.NoOperation
	}

	// Keep a single allocation. AcceptInput counts as an allocation
	// and its position matters, so if the discard side is accepted
	// input, the keep side's allocation goes instead.
	allocKeep := o.analyzer.MatrixAccesses[mToKeep].AllocateCommand
	allocDiscard := o.analyzer.MatrixAccesses[mToDiscard].AllocateCommand
	if allocKeep == -1 || allocDiscard == -1 {
		panic("optimize: merged matrix missing allocation")
	}
	if an.FirstMatrixAccess(mToDiscard) <= allocKeep &&
		!o.analyzer.MatrixAccesses[mToDiscard].IsInput {
		panic("optimize: discarded matrix accessed before surviving allocation")
	}
	if o.comp.Commands[allocDiscard].Type == computation.AcceptInput {
		o.comp.Commands[allocKeep].Type = computation.NoOperation
	} else {
		o.comp.Commands[allocDiscard].Type = computation.NoOperation
	}

	if o.comp.Matrices[mToDiscard].Stride == computation.StrideEqualNumCols {
		o.comp.Matrices[mToKeep].Stride = computation.StrideEqualNumCols
		sub := o.comp.SubMatrices[sToKeep]
		mat := o.comp.Matrices[mToKeep]
		if sub.NumRows != mat.NumRows || sub.NumCols != mat.NumCols {
			panic("optimize: stride requirement propagated to partial view")
		}
	}

	// The surviving matrix takes over any io binding of the discarded
	// one.
	for node, spec := range o.comp.IOInfo {
		changed := false
		if spec.Value == mToDiscard {
			spec.Value = mToKeep
			changed = true
		}
		if spec.Deriv == mToDiscard {
			spec.Deriv = mToKeep
			changed = true
		}
		if changed {
			o.comp.IOInfo[node] = spec
		}
	}
}

func (o *variableMergingOptimizer) markAsDirty(s int) {
	var variables []int
	o.analyzer.Variables.AppendVariablesForSubmatrix(s, &variables)
	for _, v := range variables {
		o.dirty.Add(v)
	}
}

// getSubMatrixOfSubMatrix returns the view that addresses, within b's
// matrix, the region a addresses within its own matrix, where a's
// whole matrix corresponds to the view b.
func getSubMatrixOfSubMatrix(comp *computation.Computation, submatA, submatB int) computation.SubMatrix {
	a := comp.SubMatrices[submatA]
	b := comp.SubMatrices[submatB]
	aMat := comp.Matrices[a.MatrixIndex]
	if aMat.NumRows != b.NumRows || aMat.NumCols != b.NumCols {
		panic(fmt.Sprintf("optimize: dimension mismatch composing s%d with s%d", submatA, submatB))
	}
	return computation.SubMatrix{
		MatrixIndex: b.MatrixIndex,
		RowOffset:   a.RowOffset + b.RowOffset,
		NumRows:     a.NumRows,
		ColOffset:   a.ColOffset + b.ColOffset,
		NumCols:     a.NumCols,
	}
}
