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

// Package computation defines the flat intermediate representation of a
// compiled neural-network computation: a table of matrices, a table of
// sub-matrix views onto them, shared index tables, and an ordered list
// of commands that is the sole encoding of execution order and
// liveness.
package computation

// StrideType says how the rows of a matrix are laid out.
type StrideType int

const (
	// DefaultStride lets the runtime pick any row stride.
	DefaultStride StrideType = iota
	// StrideEqualNumCols forces the stride to equal the column count,
	// so the matrix occupies contiguous storage.
	StrideEqualNumCols
)

// Matrix describes the shape of one matrix. Entry 0 of the matrix
// table is a zeroed sentinel meaning "no matrix".
type Matrix struct {
	NumRows int
	NumCols int
	Stride  StrideType
}

// SubMatrix is a rectangular view into a matrix. Entry 0 of the
// sub-matrix table is a zeroed sentinel meaning "no sub-matrix";
// commands refer to matrices only through sub-matrix indexes.
type SubMatrix struct {
	MatrixIndex int
	RowOffset   int
	NumRows     int
	ColOffset   int
	NumCols     int
}

// Cindex tags one matrix row with the (sequence, time, extra) triple it
// holds data for. Debug info is optional for execution but required by
// the derivative-time-limiting and looped-computation passes.
type Cindex struct {
	N int
	T int
	X int
}

// DebugInfo describes the rows of one matrix.
type DebugInfo struct {
	IsDeriv  bool
	Cindexes []Cindex
}

// SubRow addresses one row of one sub-matrix inside an indexes-multi
// table. The pair (-1, -1) means "no source / no destination".
type SubRow struct {
	SubMatrix int
	Row       int
}

// RowRange is a half-open row interval [Begin, End) inside an
// indexes-ranges table. The pair (-1, -1) means "empty range".
type RowRange struct {
	Begin int
	End   int
}

// IOSpec records which matrices carry the value and the derivative of
// one input or output node. Deriv is 0 when no derivative is needed.
type IOSpec struct {
	Value int
	Deriv int
}

// Command is one step of the computation. The meaning of the Arg
// fields depends on Type; unused arguments stay at their default.
type Command struct {
	Type CommandType
	Arg1 int
	Arg2 int
	Arg3 int
	Arg4 int
	Arg5 int
	Arg6 int
}

// Computation is the complete compiled form of a network computation.
// Commands index into the tables; nothing outside the command list
// determines what runs or when.
type Computation struct {
	Matrices      []Matrix
	MatrixDebug   []DebugInfo // empty, or parallel to Matrices
	SubMatrices   []SubMatrix
	Indexes       [][]int
	IndexesMulti  [][]SubRow
	IndexesRanges [][]RowRange
	IOInfo        map[int]IOSpec // node index -> matrices
	Commands      []Command

	// NeedModelDerivative is true when the computation was compiled to
	// produce a model derivative, i.e. it contains updating Backprop
	// commands.
	NeedModelDerivative bool
}

// New returns an empty computation with the index-0 sentinels in
// place.
func New() *Computation {
	return &Computation{
		Matrices:    []Matrix{{}},
		SubMatrices: []SubMatrix{{}},
		IOInfo:      make(map[int]IOSpec),
	}
}

func (c *Computation) ensureSentinels() {
	if len(c.Matrices) == 0 {
		c.Matrices = append(c.Matrices, Matrix{})
	}
	if len(c.SubMatrices) == 0 {
		c.SubMatrices = append(c.SubMatrices, SubMatrix{})
	}
}

// NewMatrix appends a matrix of the given shape and returns the index
// of a new sub-matrix spanning the whole of it.
func (c *Computation) NewMatrix(numRows, numCols int, stride StrideType) int {
	c.ensureSentinels()
	if numRows <= 0 || numCols <= 0 {
		panic("computation: NewMatrix with non-positive dimension")
	}
	m := len(c.Matrices)
	c.Matrices = append(c.Matrices, Matrix{NumRows: numRows, NumCols: numCols, Stride: stride})
	if len(c.MatrixDebug) != 0 {
		c.MatrixDebug = append(c.MatrixDebug, DebugInfo{})
	}
	s := len(c.SubMatrices)
	c.SubMatrices = append(c.SubMatrices, SubMatrix{
		MatrixIndex: m, RowOffset: 0, NumRows: numRows, ColOffset: 0, NumCols: numCols,
	})
	return s
}

// NewSubMatrix appends a view into the matrix underlying sub-matrix
// base, offset relative to base. Passing -1 for numRows or numCols
// means "as many as possible". Returns the new sub-matrix index.
func (c *Computation) NewSubMatrix(base, rowOffset, numRows, colOffset, numCols int) int {
	src := c.SubMatrices[base]
	if numRows == -1 {
		numRows = src.NumRows - rowOffset
	}
	if numCols == -1 {
		numCols = src.NumCols - colOffset
	}
	if rowOffset < 0 || colOffset < 0 || numRows <= 0 || numCols <= 0 ||
		rowOffset+numRows > src.NumRows || colOffset+numCols > src.NumCols {
		panic("computation: NewSubMatrix out of range")
	}
	s := len(c.SubMatrices)
	c.SubMatrices = append(c.SubMatrices, SubMatrix{
		MatrixIndex: src.MatrixIndex,
		RowOffset:   src.RowOffset + rowOffset,
		NumRows:     numRows,
		ColOffset:   src.ColOffset + colOffset,
		NumCols:     numCols,
	})
	return s
}

// IsWholeMatrix reports whether sub-matrix s spans the whole of its
// underlying matrix.
func (c *Computation) IsWholeMatrix(s int) bool {
	if s <= 0 || s >= len(c.SubMatrices) {
		return false
	}
	sub := c.SubMatrices[s]
	mat := c.Matrices[sub.MatrixIndex]
	return sub.RowOffset == 0 && sub.ColOffset == 0 &&
		sub.NumRows == mat.NumRows && sub.NumCols == mat.NumCols
}

// WholeSubmatrices returns, for each matrix index, a sub-matrix index
// spanning the whole of that matrix. Entry 0 is 0. Panics if some
// matrix has no whole-matrix view, since passes that need this mapping
// cannot proceed without it.
func (c *Computation) WholeSubmatrices() []int {
	whole := make([]int, len(c.Matrices))
	for s := 1; s < len(c.SubMatrices); s++ {
		if c.IsWholeMatrix(s) {
			whole[c.SubMatrices[s].MatrixIndex] = s
		}
	}
	for m := 1; m < len(c.Matrices); m++ {
		if whole[m] == 0 {
			panic("computation: matrix has no whole-matrix sub-matrix")
		}
	}
	return whole
}

// Clone returns a deep copy of the computation.
func (c *Computation) Clone() *Computation {
	out := &Computation{
		Matrices:            append([]Matrix(nil), c.Matrices...),
		SubMatrices:         append([]SubMatrix(nil), c.SubMatrices...),
		Commands:            append([]Command(nil), c.Commands...),
		NeedModelDerivative: c.NeedModelDerivative,
	}
	if c.MatrixDebug != nil {
		out.MatrixDebug = make([]DebugInfo, len(c.MatrixDebug))
		for i, d := range c.MatrixDebug {
			out.MatrixDebug[i] = DebugInfo{
				IsDeriv:  d.IsDeriv,
				Cindexes: append([]Cindex(nil), d.Cindexes...),
			}
		}
	}
	out.Indexes = make([][]int, len(c.Indexes))
	for i, v := range c.Indexes {
		out.Indexes[i] = append([]int(nil), v...)
	}
	out.IndexesMulti = make([][]SubRow, len(c.IndexesMulti))
	for i, v := range c.IndexesMulti {
		out.IndexesMulti[i] = append([]SubRow(nil), v...)
	}
	out.IndexesRanges = make([][]RowRange, len(c.IndexesRanges))
	for i, v := range c.IndexesRanges {
		out.IndexesRanges[i] = append([]RowRange(nil), v...)
	}
	out.IOInfo = make(map[int]IOSpec, len(c.IOInfo))
	for k, v := range c.IOInfo {
		out.IOInfo[k] = v
	}
	return out
}
