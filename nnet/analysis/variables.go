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

// Package analysis computes read/write/access information for a
// computation: a partition of every matrix into column-range
// variables, per-command access attributes, and per-variable and
// per-matrix access lists with the ordering queries the optimizer
// passes are built on.
package analysis

import (
	"fmt"
	"sort"

	"github.com/M4niex13/kaldi/nnet/computation"
)

// AccessType classifies one access to a variable or matrix.
type AccessType int

const (
	ReadAccess AccessType = iota
	WriteAccess
	ReadWriteAccess
)

func (t AccessType) String() string {
	switch t {
	case ReadAccess:
		return "read"
	case WriteAccess:
		return "write"
	case ReadWriteAccess:
		return "read-write"
	}
	return fmt.Sprintf("AccessType(%d)", int(t))
}

// Variables is the partition of every matrix into variables. The
// column range of each matrix is split at every column boundary used
// by any of its sub-matrices, and each resulting column block is one
// variable; rows are not split. A sub-matrix therefore maps to a
// consecutive run of its matrix's variables.
type Variables struct {
	splitPoints      [][]int // per matrix, sorted unique column boundaries
	matrixToVariable []int   // first variable index of each matrix; has an extra total entry
	variableToMatrix []int
	numVariables     int

	submatrixToVariables [][]int
	fullRowRange         []bool // per sub-matrix: spans all rows of its matrix
	isWholeMatrix        []bool
}

// NewVariables builds the variable partition for comp.
func NewVariables(comp *computation.Computation) *Variables {
	v := &Variables{
		splitPoints:      make([][]int, len(comp.Matrices)),
		matrixToVariable: make([]int, len(comp.Matrices)+1),
	}
	for s := 1; s < len(comp.SubMatrices); s++ {
		sub := comp.SubMatrices[s]
		m := sub.MatrixIndex
		v.splitPoints[m] = append(v.splitPoints[m], sub.ColOffset, sub.ColOffset+sub.NumCols)
	}
	vars := 0
	for m := 1; m < len(comp.Matrices); m++ {
		pts := append(v.splitPoints[m], 0, comp.Matrices[m].NumCols)
		sort.Ints(pts)
		pts = uniqInts(pts)
		v.splitPoints[m] = pts
		v.matrixToVariable[m] = vars
		vars += len(pts) - 1
	}
	v.matrixToVariable[len(comp.Matrices)] = vars
	v.numVariables = vars
	v.variableToMatrix = make([]int, vars)
	for m := 1; m < len(comp.Matrices); m++ {
		for i := v.matrixToVariable[m]; i < v.matrixToVariable[m+1]; i++ {
			v.variableToMatrix[i] = m
		}
	}
	v.computeSubmatrixInfo(comp)
	return v
}

func (v *Variables) computeSubmatrixInfo(comp *computation.Computation) {
	n := len(comp.SubMatrices)
	v.submatrixToVariables = make([][]int, n)
	v.fullRowRange = make([]bool, n)
	v.isWholeMatrix = make([]bool, n)
	for s := 1; s < n; s++ {
		sub := comp.SubMatrices[s]
		m := sub.MatrixIndex
		mat := comp.Matrices[m]
		pts := v.splitPoints[m]
		begin := sort.SearchInts(pts, sub.ColOffset)
		end := sort.SearchInts(pts, sub.ColOffset+sub.NumCols)
		if begin >= len(pts) || pts[begin] != sub.ColOffset ||
			end >= len(pts) || pts[end] != sub.ColOffset+sub.NumCols {
			panic(fmt.Sprintf("analysis: s%d column range not aligned to split points", s))
		}
		base := v.matrixToVariable[m]
		list := make([]int, 0, end-begin)
		for i := begin; i < end; i++ {
			list = append(list, base+i)
		}
		v.submatrixToVariables[s] = list
		v.fullRowRange[s] = sub.RowOffset == 0 && sub.NumRows == mat.NumRows
		v.isWholeMatrix[s] = v.fullRowRange[s] && sub.ColOffset == 0 && sub.NumCols == mat.NumCols
	}
}

// NumVariables returns the total number of variables.
func (v *Variables) NumVariables() int { return v.numVariables }

// VariableToMatrix returns the matrix a variable belongs to.
func (v *Variables) VariableToMatrix(variable int) int { return v.variableToMatrix[variable] }

// AppendVariablesForSubmatrix appends the variables of sub-matrix s to
// *out. s may be 0, which appends nothing.
func (v *Variables) AppendVariablesForSubmatrix(s int, out *[]int) {
	if s == 0 {
		return
	}
	*out = append(*out, v.submatrixToVariables[s]...)
}

// RecordAccessForSubmatrix records an access through sub-matrix s into
// attr. A write through a view that does not span all rows of its
// matrix cannot overwrite the whole of any variable, so it is recorded
// as a read-write; the same reasoning applies at matrix granularity
// for views that are not the whole matrix.
func (v *Variables) RecordAccessForSubmatrix(s int, access AccessType, attr *CommandAttributes) {
	if s == 0 {
		return
	}
	m := v.variableToMatrix[v.submatrixToVariables[s][0]]
	switch access {
	case ReadAccess:
		v.AppendVariablesForSubmatrix(s, &attr.VariablesRead)
		attr.MatricesRead = append(attr.MatricesRead, m)
	case WriteAccess:
		v.AppendVariablesForSubmatrix(s, &attr.VariablesWritten)
		if !v.fullRowRange[s] {
			v.AppendVariablesForSubmatrix(s, &attr.VariablesRead)
		}
		attr.MatricesWritten = append(attr.MatricesWritten, m)
		if !v.isWholeMatrix[s] {
			attr.MatricesRead = append(attr.MatricesRead, m)
		}
	case ReadWriteAccess:
		v.AppendVariablesForSubmatrix(s, &attr.VariablesRead)
		v.AppendVariablesForSubmatrix(s, &attr.VariablesWritten)
		attr.MatricesRead = append(attr.MatricesRead, m)
		attr.MatricesWritten = append(attr.MatricesWritten, m)
	}
}

// DescribeVariable renders a variable as its matrix and column range,
// for diagnostics.
func (v *Variables) DescribeVariable(variable int) string {
	m := v.variableToMatrix[variable]
	block := variable - v.matrixToVariable[m]
	pts := v.splitPoints[m]
	return fmt.Sprintf("m%d(:, %d:%d)", m, pts[block], pts[block+1]-1)
}

func uniqInts(sorted []int) []int {
	out := sorted[:0]
	for i, x := range sorted {
		if i == 0 || x != out[len(out)-1] {
			out = append(out, x)
		}
	}
	return out
}
