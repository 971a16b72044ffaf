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

package computation

import (
	"errors"
	"fmt"

	"github.com/M4niex13/kaldi/nnet"
)

var (
	ErrBadTable     = errors.New("malformed table")
	ErrBadSubMatrix = errors.New("bad sub-matrix")
	ErrBadCommand   = errors.New("bad command")
	ErrBadLifetime  = errors.New("bad matrix lifetime")
)

// Check validates the structure of the computation: table sentinels,
// sub-matrix bounds, per-command argument ranges, table sizes, and
// matrix allocation ordering. The model may be nil, in which case
// component indexes are not range-checked. Lifetime ordering is not
// checked for looped computations (ones ending in GotoLabel) since
// their command list is circular.
func (c *Computation) Check(model nnet.Model) error {
	if len(c.Matrices) == 0 || c.Matrices[0] != (Matrix{}) {
		return fmt.Errorf("%w: matrix 0 must be the null sentinel", ErrBadTable)
	}
	if len(c.SubMatrices) == 0 || c.SubMatrices[0] != (SubMatrix{}) {
		return fmt.Errorf("%w: sub-matrix 0 must be the empty sentinel", ErrBadTable)
	}
	for m := 1; m < len(c.Matrices); m++ {
		if c.Matrices[m].NumRows <= 0 || c.Matrices[m].NumCols <= 0 {
			return fmt.Errorf("%w: matrix m%d has non-positive dimensions", ErrBadTable, m)
		}
	}
	if len(c.MatrixDebug) != 0 {
		if len(c.MatrixDebug) != len(c.Matrices) {
			return fmt.Errorf("%w: debug info has %d entries for %d matrices",
				ErrBadTable, len(c.MatrixDebug), len(c.Matrices))
		}
		for m := 1; m < len(c.Matrices); m++ {
			n := len(c.MatrixDebug[m].Cindexes)
			if n != 0 && n != c.Matrices[m].NumRows {
				return fmt.Errorf("%w: debug info for m%d has %d cindexes, matrix has %d rows",
					ErrBadTable, m, n, c.Matrices[m].NumRows)
			}
		}
	}
	for s := 1; s < len(c.SubMatrices); s++ {
		sub := c.SubMatrices[s]
		if sub.MatrixIndex <= 0 || sub.MatrixIndex >= len(c.Matrices) {
			return fmt.Errorf("%w: s%d references matrix m%d", ErrBadSubMatrix, s, sub.MatrixIndex)
		}
		mat := c.Matrices[sub.MatrixIndex]
		if sub.RowOffset < 0 || sub.ColOffset < 0 || sub.NumRows <= 0 || sub.NumCols <= 0 ||
			sub.RowOffset+sub.NumRows > mat.NumRows || sub.ColOffset+sub.NumCols > mat.NumCols {
			return fmt.Errorf("%w: s%d out of range of m%d", ErrBadSubMatrix, s, sub.MatrixIndex)
		}
	}
	for node, spec := range c.IOInfo {
		if spec.Value <= 0 || spec.Value >= len(c.Matrices) {
			return fmt.Errorf("%w: io node %d has value matrix m%d", ErrBadTable, node, spec.Value)
		}
		if spec.Deriv < 0 || spec.Deriv >= len(c.Matrices) {
			return fmt.Errorf("%w: io node %d has deriv matrix m%d", ErrBadTable, node, spec.Deriv)
		}
	}
	for i := range c.Commands {
		if err := c.checkCommand(model, i); err != nil {
			return err
		}
	}
	looped := len(c.Commands) > 0 && c.Commands[len(c.Commands)-1].Type == GotoLabel
	if !looped {
		if err := c.checkLifetimes(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Computation) checkCommand(model nnet.Model, i int) error {
	cmd := &c.Commands[i]
	bad := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: c%d (%s): %s", ErrBadCommand, i, cmd.Type, fmt.Sprintf(format, args...))
	}
	checkSub := func(s int, allowEmpty bool) error {
		if s == 0 {
			if allowEmpty {
				return nil
			}
			return bad("empty sub-matrix argument")
		}
		if s < 0 || s >= len(c.SubMatrices) {
			return bad("sub-matrix s%d out of range", s)
		}
		return nil
	}
	checkWhole := func(s int) error {
		if err := checkSub(s, false); err != nil {
			return err
		}
		if !c.IsWholeMatrix(s) {
			return bad("s%d is not a whole-matrix sub-matrix", s)
		}
		return nil
	}
	checkComponent := func(idx int) error {
		if model == nil {
			return nil
		}
		if idx < 0 || idx >= model.NumComponents() {
			return bad("component %d out of range", idx)
		}
		return nil
	}
	switch cmd.Type {
	case AllocZeroed, AllocUndefined, Dealloc:
		return checkWhole(cmd.Arg1)
	case AllocFromOther, AllocFromOtherZeroed:
		if err := checkWhole(cmd.Arg1); err != nil {
			return err
		}
		if err := checkWhole(cmd.Arg2); err != nil {
			return err
		}
		m1 := c.Matrices[c.SubMatrices[cmd.Arg1].MatrixIndex]
		m2 := c.Matrices[c.SubMatrices[cmd.Arg2].MatrixIndex]
		if m1 != m2 {
			return bad("swapped matrices have different shapes")
		}
		return nil
	case AcceptInput, ProvideOutput:
		if err := checkWhole(cmd.Arg1); err != nil {
			return err
		}
		m := c.SubMatrices[cmd.Arg1].MatrixIndex
		if len(c.IOInfo) != 0 {
			spec, ok := c.IOInfo[cmd.Arg2]
			if !ok {
				return bad("node %d not in io map", cmd.Arg2)
			}
			if spec.Value != m && spec.Deriv != m {
				return bad("m%d is not bound to node %d", m, cmd.Arg2)
			}
		}
		return nil
	case Propagate:
		if err := checkComponent(cmd.Arg1); err != nil {
			return err
		}
		if err := checkSub(cmd.Arg3, false); err != nil {
			return err
		}
		return checkSub(cmd.Arg4, false)
	case StoreStats:
		if err := checkComponent(cmd.Arg1); err != nil {
			return err
		}
		return checkSub(cmd.Arg2, false)
	case Backprop, BackpropNoModelUpdate:
		if err := checkComponent(cmd.Arg1); err != nil {
			return err
		}
		if model != nil {
			props := model.Component(cmd.Arg1).Properties()
			if props&nnet.BackpropNeedsInput != 0 && cmd.Arg3 == 0 {
				return bad("component needs the input value but arg3 is empty")
			}
			if props&nnet.BackpropNeedsOutput != 0 && cmd.Arg4 == 0 {
				return bad("component needs the output value but arg4 is empty")
			}
			if cmd.Type == Backprop && props&nnet.UpdatableComponent == 0 {
				return bad("updating backprop on non-updatable component")
			}
		}
		for _, s := range []int{cmd.Arg3, cmd.Arg4, cmd.Arg6} {
			if err := checkSub(s, true); err != nil {
				return err
			}
		}
		return checkSub(cmd.Arg5, false)
	case MatrixCopy, MatrixAdd:
		if err := checkSub(cmd.Arg1, false); err != nil {
			return err
		}
		if err := checkSub(cmd.Arg2, false); err != nil {
			return err
		}
		d, s := c.SubMatrices[cmd.Arg1], c.SubMatrices[cmd.Arg2]
		if d.NumRows != s.NumRows || d.NumCols != s.NumCols {
			return bad("dimension mismatch %dx%d vs %dx%d", d.NumRows, d.NumCols, s.NumRows, s.NumCols)
		}
		return nil
	case CopyRows, AddRows:
		if err := checkSub(cmd.Arg1, false); err != nil {
			return err
		}
		if err := checkSub(cmd.Arg2, false); err != nil {
			return err
		}
		if cmd.Arg3 < 0 || cmd.Arg3 >= len(c.Indexes) {
			return bad("indexes table %d out of range", cmd.Arg3)
		}
		indexes := c.Indexes[cmd.Arg3]
		dest, src := c.SubMatrices[cmd.Arg1], c.SubMatrices[cmd.Arg2]
		if len(indexes) != dest.NumRows {
			return bad("indexes table has %d entries for %d destination rows", len(indexes), dest.NumRows)
		}
		if dest.NumCols != src.NumCols {
			return bad("column mismatch")
		}
		for _, row := range indexes {
			if row < -1 || row >= src.NumRows {
				return bad("row index %d out of range", row)
			}
		}
		return nil
	case CopyRowsMulti, CopyToRowsMulti, AddRowsMulti, AddToRowsMulti:
		if err := checkSub(cmd.Arg1, false); err != nil {
			return err
		}
		if cmd.Arg2 < 0 || cmd.Arg2 >= len(c.IndexesMulti) {
			return bad("indexes-multi table %d out of range", cmd.Arg2)
		}
		pairs := c.IndexesMulti[cmd.Arg2]
		main := c.SubMatrices[cmd.Arg1]
		if len(pairs) != main.NumRows {
			return bad("indexes-multi table has %d entries for %d rows", len(pairs), main.NumRows)
		}
		for _, p := range pairs {
			if p.SubMatrix == -1 && p.Row == -1 {
				continue
			}
			if err := checkSub(p.SubMatrix, false); err != nil {
				return err
			}
			other := c.SubMatrices[p.SubMatrix]
			if p.Row < 0 || p.Row >= other.NumRows {
				return bad("row %d out of range of s%d", p.Row, p.SubMatrix)
			}
			if other.NumCols != main.NumCols {
				return bad("column mismatch with s%d", p.SubMatrix)
			}
		}
		return nil
	case AddRowRanges:
		if err := checkSub(cmd.Arg1, false); err != nil {
			return err
		}
		if err := checkSub(cmd.Arg2, false); err != nil {
			return err
		}
		if cmd.Arg3 < 0 || cmd.Arg3 >= len(c.IndexesRanges) {
			return bad("indexes-ranges table %d out of range", cmd.Arg3)
		}
		ranges := c.IndexesRanges[cmd.Arg3]
		dest, src := c.SubMatrices[cmd.Arg1], c.SubMatrices[cmd.Arg2]
		if len(ranges) != dest.NumRows {
			return bad("indexes-ranges table has %d entries for %d destination rows", len(ranges), dest.NumRows)
		}
		if dest.NumCols != src.NumCols {
			return bad("column mismatch")
		}
		for _, r := range ranges {
			if r.Begin == -1 && r.End == -1 {
				continue
			}
			if r.Begin < 0 || r.End <= r.Begin || r.End > src.NumRows {
				return bad("row range [%d, %d) out of range", r.Begin, r.End)
			}
		}
		return nil
	case NoOperation, NoOperationMarker, NoOperationLabel:
		return nil
	case GotoLabel:
		if i != len(c.Commands)-1 {
			return bad("goto is not the last command")
		}
		if cmd.Arg1 < 0 || cmd.Arg1 >= len(c.Commands) ||
			c.Commands[cmd.Arg1].Type != NoOperationLabel {
			return bad("target c%d is not a label", cmd.Arg1)
		}
		return nil
	default:
		return bad("unknown command type")
	}
}

// checkLifetimes verifies that every matrix is allocated exactly once,
// deallocated at most once, and only accessed between the two.
func (c *Computation) checkLifetimes() error {
	alloc := make([]int, len(c.Matrices))
	dealloc := make([]int, len(c.Matrices))
	for m := range alloc {
		alloc[m] = -1
		dealloc[m] = -1
	}
	for i := range c.Commands {
		cmd := &c.Commands[i]
		switch cmd.Type {
		case AllocZeroed, AllocUndefined, AcceptInput:
			m := c.SubMatrices[cmd.Arg1].MatrixIndex
			if alloc[m] != -1 {
				return fmt.Errorf("%w: m%d allocated twice (c%d and c%d)", ErrBadLifetime, m, alloc[m], i)
			}
			alloc[m] = i
		case AllocFromOther, AllocFromOtherZeroed:
			m1 := c.SubMatrices[cmd.Arg1].MatrixIndex
			m2 := c.SubMatrices[cmd.Arg2].MatrixIndex
			if alloc[m1] != -1 {
				return fmt.Errorf("%w: m%d allocated twice (c%d and c%d)", ErrBadLifetime, m1, alloc[m1], i)
			}
			alloc[m1] = i
			if dealloc[m2] != -1 {
				return fmt.Errorf("%w: m%d deallocated twice (c%d and c%d)", ErrBadLifetime, m2, dealloc[m2], i)
			}
			dealloc[m2] = i
		case Dealloc:
			m := c.SubMatrices[cmd.Arg1].MatrixIndex
			if dealloc[m] != -1 {
				return fmt.Errorf("%w: m%d deallocated twice (c%d and c%d)", ErrBadLifetime, m, dealloc[m], i)
			}
			dealloc[m] = i
		}
	}
	for i := range c.Commands {
		cmd := &c.Commands[i]
		for _, p := range cmd.SubmatrixArgs() {
			if *p == 0 {
				continue
			}
			m := c.SubMatrices[*p].MatrixIndex
			if alloc[m] == -1 {
				return fmt.Errorf("%w: m%d accessed at c%d but never allocated", ErrBadLifetime, m, i)
			}
			if i < alloc[m] {
				return fmt.Errorf("%w: m%d accessed at c%d before allocation at c%d", ErrBadLifetime, m, i, alloc[m])
			}
			if dealloc[m] != -1 && i > dealloc[m] {
				return fmt.Errorf("%w: m%d accessed at c%d after deallocation at c%d", ErrBadLifetime, m, i, dealloc[m])
			}
		}
	}
	return nil
}
