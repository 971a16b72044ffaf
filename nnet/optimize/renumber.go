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

// Package optimize rewrites compiled computations to use less memory
// and less work: removing dead table entries, merging matrices that
// can share storage, consolidating model-update backprops, pruning
// work outside a derivative time window, and folding unrolled
// streaming computations into loops.
package optimize

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/M4niex13/kaldi/nnet/computation"
)

// RenumberComputation removes unused matrices, sub-matrices and index
// tables, collapses duplicate sub-matrices and duplicate index tables,
// and renumbers every reference. Command order and semantics are
// unchanged. Running it twice gives the same result as running it
// once.
func RenumberComputation(comp *computation.Computation) {
	r := renumberer{comp: comp}
	r.renumber()
}

type renumberer struct {
	comp *computation.Computation

	submatrixIsUsed   []bool
	submatrixIsKept   []bool
	matrixIsUsed      []bool
	oldToNewSubmatrix []int
	oldToNewMatrix    []int
}

func (r *renumberer) renumber() {
	// Unused indexes-multi tables must go first: their entries name
	// sub-matrices, and a table no command references must not keep a
	// sub-matrix (or its matrix) alive through the mark phase.
	r.removeUnusedIndexesMulti()
	r.computeSubmatrixIsUsed()
	r.computeMatrixIsUsed()
	r.setUpMappings()
	r.renumberSubmatrices()
	r.renumberMatrices()
	// The index tables are handled last: indexes-multi entries contain
	// sub-matrix indexes, so tables only become equal once those have
	// settled.
	r.renumberIndexesMulti()
	r.renumberIndexes()
	r.renumberIndexesRanges()
}

func (r *renumberer) removeUnusedIndexesMulti() {
	args := r.comp.IndexesMultiArgs()
	used := make([]bool, len(r.comp.IndexesMulti))
	for _, p := range args {
		used[*p] = true
	}
	newIndex := make([]int, len(r.comp.IndexesMulti))
	var kept [][]computation.SubRow
	for i, u := range used {
		if u {
			newIndex[i] = len(kept)
			kept = append(kept, r.comp.IndexesMulti[i])
		} else {
			newIndex[i] = -1
		}
	}
	if len(kept) == len(r.comp.IndexesMulti) {
		return
	}
	for _, p := range args {
		*p = newIndex[*p]
	}
	r.comp.IndexesMulti = kept
}

func (r *renumberer) computeSubmatrixIsUsed() {
	r.submatrixIsUsed = make([]bool, len(r.comp.SubMatrices))
	r.submatrixIsUsed[0] = true
	for _, p := range r.comp.SubmatrixArgs() {
		if *p > 0 {
			r.submatrixIsUsed[*p] = true
		}
	}
}

func (r *renumberer) computeMatrixIsUsed() {
	r.matrixIsUsed = make([]bool, len(r.comp.Matrices))
	r.matrixIsUsed[0] = true
	for s, used := range r.submatrixIsUsed {
		if used && s > 0 {
			r.matrixIsUsed[r.comp.SubMatrices[s].MatrixIndex] = true
		}
	}
	// io bindings keep their matrices alive even if some pass dropped
	// the commands that touched them.
	for _, spec := range r.comp.IOInfo {
		r.matrixIsUsed[spec.Value] = true
		if spec.Deriv != 0 {
			r.matrixIsUsed[spec.Deriv] = true
		}
	}
}

func (r *renumberer) setUpMappings() {
	r.oldToNewMatrix = make([]int, len(r.comp.Matrices))
	next := 0
	for m, used := range r.matrixIsUsed {
		if used {
			r.oldToNewMatrix[m] = next
			next++
		} else {
			r.oldToNewMatrix[m] = -1
		}
	}
	// Duplicate sub-matrices (same view of the same matrix) collapse
	// to the first occurrence.
	r.submatrixIsKept = make([]bool, len(r.comp.SubMatrices))
	r.oldToNewSubmatrix = make([]int, len(r.comp.SubMatrices))
	seen := make(map[computation.SubMatrix]int)
	next = 0
	for s, used := range r.submatrixIsUsed {
		if !used {
			r.oldToNewSubmatrix[s] = -1
			continue
		}
		if s == 0 {
			r.submatrixIsKept[0] = true
			r.oldToNewSubmatrix[0] = 0
			next = 1
			continue
		}
		if first, dup := seen[r.comp.SubMatrices[s]]; dup {
			r.oldToNewSubmatrix[s] = r.oldToNewSubmatrix[first]
			continue
		}
		seen[r.comp.SubMatrices[s]] = s
		r.submatrixIsKept[s] = true
		r.oldToNewSubmatrix[s] = next
		next++
	}
}

func (r *renumberer) renumberSubmatrices() {
	for _, p := range r.comp.SubmatrixArgs() {
		if *p > 0 {
			*p = r.oldToNewSubmatrix[*p]
		}
	}
	kept := make([]computation.SubMatrix, 0, len(r.comp.SubMatrices))
	for s, keep := range r.submatrixIsKept {
		if keep {
			kept = append(kept, r.comp.SubMatrices[s])
		}
	}
	r.comp.SubMatrices = kept
}

func (r *renumberer) renumberMatrices() {
	for i := 1; i < len(r.comp.SubMatrices); i++ {
		old := r.comp.SubMatrices[i].MatrixIndex
		renumbered := r.oldToNewMatrix[old]
		if renumbered == -1 {
			panic(fmt.Sprintf("optimize: kept sub-matrix references dead matrix m%d", old))
		}
		r.comp.SubMatrices[i].MatrixIndex = renumbered
	}
	kept := make([]computation.Matrix, 0, len(r.comp.Matrices))
	for m, used := range r.matrixIsUsed {
		if used {
			kept = append(kept, r.comp.Matrices[m])
		}
	}
	r.comp.Matrices = kept
	if len(r.comp.MatrixDebug) != 0 {
		keptDebug := make([]computation.DebugInfo, 0, len(kept))
		for m, used := range r.matrixIsUsed {
			if used {
				keptDebug = append(keptDebug, r.comp.MatrixDebug[m])
			}
		}
		r.comp.MatrixDebug = keptDebug
	}
	for node, spec := range r.comp.IOInfo {
		spec.Value = r.oldToNewMatrix[spec.Value]
		if spec.Deriv != 0 {
			spec.Deriv = r.oldToNewMatrix[spec.Deriv]
		}
		r.comp.IOInfo[node] = spec
	}
}

func (r *renumberer) renumberIndexesMulti() {
	args := r.comp.IndexesMultiArgs()
	keep := make([]int, len(r.comp.IndexesMulti))
	for i := range keep {
		keep[i] = -1
	}
	seen := make(map[string]int)
	var kept [][]computation.SubRow
	for _, p := range args {
		old := *p
		if keep[old] == -1 {
			key := subRowsKey(r.comp.IndexesMulti[old])
			if first, dup := seen[key]; dup {
				keep[old] = first
			} else {
				seen[key] = len(kept)
				keep[old] = len(kept)
				kept = append(kept, r.comp.IndexesMulti[old])
			}
		}
		*p = keep[old]
	}
	r.comp.IndexesMulti = kept
}

func (r *renumberer) renumberIndexes() {
	args := r.comp.IndexesArgs()
	keep := make([]int, len(r.comp.Indexes))
	for i := range keep {
		keep[i] = -1
	}
	seen := make(map[string]int)
	var kept [][]int
	for _, p := range args {
		old := *p
		if keep[old] == -1 {
			key := intsKey(r.comp.Indexes[old])
			if first, dup := seen[key]; dup {
				keep[old] = first
			} else {
				seen[key] = len(kept)
				keep[old] = len(kept)
				kept = append(kept, r.comp.Indexes[old])
			}
		}
		*p = keep[old]
	}
	r.comp.Indexes = kept
}

func (r *renumberer) renumberIndexesRanges() {
	args := r.comp.IndexesRangesArgs()
	keep := make([]int, len(r.comp.IndexesRanges))
	for i := range keep {
		keep[i] = -1
	}
	seen := make(map[string]int)
	var kept [][]computation.RowRange
	for _, p := range args {
		old := *p
		if keep[old] == -1 {
			key := rowRangesKey(r.comp.IndexesRanges[old])
			if first, dup := seen[key]; dup {
				keep[old] = first
			} else {
				seen[key] = len(kept)
				keep[old] = len(kept)
				kept = append(kept, r.comp.IndexesRanges[old])
			}
		}
		*p = keep[old]
	}
	r.comp.IndexesRanges = kept
}

func intsKey(v []int) string {
	var b strings.Builder
	for _, x := range v {
		b.WriteString(strconv.Itoa(x))
		b.WriteByte(',')
	}
	return b.String()
}

func subRowsKey(v []computation.SubRow) string {
	var b strings.Builder
	for _, p := range v {
		b.WriteString(strconv.Itoa(p.SubMatrix))
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(p.Row))
		b.WriteByte(',')
	}
	return b.String()
}

func rowRangesKey(v []computation.RowRange) string {
	var b strings.Builder
	for _, r := range v {
		b.WriteString(strconv.Itoa(r.Begin))
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(r.End))
		b.WriteByte(',')
	}
	return b.String()
}
