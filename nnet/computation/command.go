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

import "fmt"

// CommandType enumerates the command vocabulary. Allocation,
// deallocation, swap and I/O commands address whole-matrix sub-matrix
// indexes; every other matrix argument may be an arbitrary view.
type CommandType int

const (
	// AllocZeroed: arg1 = whole sub-matrix; allocate and zero.
	AllocZeroed CommandType = iota
	// AllocUndefined: arg1 = whole sub-matrix; allocate, contents
	// undefined.
	AllocUndefined
	// Dealloc: arg1 = whole sub-matrix; free the matrix.
	Dealloc
	// AllocFromOther: arg1 = whole sub-matrix to create, arg2 = whole
	// sub-matrix to destroy; arg1 takes over arg2's storage.
	AllocFromOther
	// AllocFromOtherZeroed: as AllocFromOther, then zero arg1.
	AllocFromOtherZeroed
	// Propagate: arg1 = component, arg2 = precomputed-indexes slot,
	// arg3 = input sub-matrix, arg4 = output sub-matrix.
	Propagate
	// StoreStats: arg1 = component, arg2 = output sub-matrix whose
	// statistics the component accumulates.
	StoreStats
	// Backprop: arg1 = component, arg2 = precomputed-indexes slot,
	// arg3 = input value, arg4 = output value, arg5 = output deriv,
	// arg6 = input deriv (0 if not needed). Updates the model.
	Backprop
	// BackpropNoModelUpdate: as Backprop without the model update.
	BackpropNoModelUpdate
	// MatrixCopy: arg1 = dest sub-matrix, arg2 = src sub-matrix.
	MatrixCopy
	// MatrixAdd: arg1 += arg2.
	MatrixAdd
	// CopyRows: arg1 = dest, arg2 = src, arg3 = indexes table; row i
	// of dest is set from row indexes[i] of src, -1 leaves the row.
	CopyRows
	// AddRows: as CopyRows but adding.
	AddRows
	// CopyRowsMulti: arg1 = dest, arg2 = indexes-multi table of
	// (sub-matrix, row) sources, (-1,-1) leaves the row.
	CopyRowsMulti
	// CopyToRowsMulti: arg1 = src, arg2 = indexes-multi table of
	// destinations.
	CopyToRowsMulti
	// AddRowsMulti: as CopyRowsMulti but adding.
	AddRowsMulti
	// AddToRowsMulti: as CopyToRowsMulti but adding.
	AddToRowsMulti
	// AddRowRanges: arg1 = dest, arg2 = src, arg3 = indexes-ranges
	// table; row i of dest accumulates src rows [begin, end).
	AddRowRanges
	// AcceptInput: arg1 = whole sub-matrix, arg2 = node; the caller
	// provides the matrix contents.
	AcceptInput
	// ProvideOutput: arg1 = whole sub-matrix, arg2 = node; the matrix
	// is handed to the caller.
	ProvideOutput
	// NoOperation: removable filler.
	NoOperation
	// NoOperationMarker: segment boundary; never removed silently.
	NoOperationMarker
	// NoOperationLabel: jump target for GotoLabel.
	NoOperationLabel
	// GotoLabel: arg1 = command index of a NoOperationLabel; must be
	// the last command.
	GotoLabel
)

var commandNames = map[CommandType]string{
	AllocZeroed:           "AllocZeroed",
	AllocUndefined:        "AllocUndefined",
	Dealloc:               "Dealloc",
	AllocFromOther:        "AllocFromOther",
	AllocFromOtherZeroed:  "AllocFromOtherZeroed",
	Propagate:             "Propagate",
	StoreStats:            "StoreStats",
	Backprop:              "Backprop",
	BackpropNoModelUpdate: "BackpropNoModelUpdate",
	MatrixCopy:            "MatrixCopy",
	MatrixAdd:             "MatrixAdd",
	CopyRows:              "CopyRows",
	AddRows:               "AddRows",
	CopyRowsMulti:         "CopyRowsMulti",
	CopyToRowsMulti:       "CopyToRowsMulti",
	AddRowsMulti:          "AddRowsMulti",
	AddToRowsMulti:        "AddToRowsMulti",
	AddRowRanges:          "AddRowRanges",
	AcceptInput:           "AcceptInput",
	ProvideOutput:         "ProvideOutput",
	NoOperation:           "NoOperation",
	NoOperationMarker:     "NoOperationMarker",
	NoOperationLabel:      "NoOperationLabel",
	GotoLabel:             "GotoLabel",
}

func (t CommandType) String() string {
	if name, ok := commandNames[t]; ok {
		return name
	}
	return fmt.Sprintf("CommandType(%d)", int(t))
}

// NewCommand builds a command from a type and up to six arguments.
func NewCommand(t CommandType, args ...int) Command {
	if len(args) > 6 {
		panic("computation: too many command arguments")
	}
	c := Command{Type: t}
	ptrs := [6]*int{&c.Arg1, &c.Arg2, &c.Arg3, &c.Arg4, &c.Arg5, &c.Arg6}
	for i, a := range args {
		*ptrs[i] = a
	}
	return c
}

// SubmatrixArgs returns pointers to the sub-matrix-valued arguments of
// the command, so callers can renumber them in place. Arguments inside
// indexes-multi tables are not included.
func (c *Command) SubmatrixArgs() []*int {
	switch c.Type {
	case AllocZeroed, AllocUndefined, Dealloc, AcceptInput, ProvideOutput:
		return []*int{&c.Arg1}
	case AllocFromOther, AllocFromOtherZeroed:
		return []*int{&c.Arg1, &c.Arg2}
	case Propagate:
		return []*int{&c.Arg3, &c.Arg4}
	case StoreStats:
		return []*int{&c.Arg2}
	case Backprop, BackpropNoModelUpdate:
		return []*int{&c.Arg3, &c.Arg4, &c.Arg5, &c.Arg6}
	case MatrixCopy, MatrixAdd, CopyRows, AddRows, AddRowRanges:
		return []*int{&c.Arg1, &c.Arg2}
	case CopyRowsMulti, CopyToRowsMulti, AddRowsMulti, AddToRowsMulti:
		return []*int{&c.Arg1}
	case NoOperation, NoOperationMarker, NoOperationLabel, GotoLabel:
		return nil
	default:
		panic(fmt.Sprintf("computation: unknown command type %d", int(c.Type)))
	}
}

// IndexesArg returns a pointer to the indexes-table argument of the
// command, or nil if it has none.
func (c *Command) IndexesArg() *int {
	switch c.Type {
	case CopyRows, AddRows:
		return &c.Arg3
	}
	return nil
}

// IndexesMultiArg returns a pointer to the indexes-multi-table
// argument of the command, or nil if it has none.
func (c *Command) IndexesMultiArg() *int {
	switch c.Type {
	case CopyRowsMulti, CopyToRowsMulti, AddRowsMulti, AddToRowsMulti:
		return &c.Arg2
	}
	return nil
}

// IndexesRangesArg returns a pointer to the indexes-ranges-table
// argument of the command, or nil if it has none.
func (c *Command) IndexesRangesArg() *int {
	switch c.Type {
	case AddRowRanges:
		return &c.Arg3
	}
	return nil
}

// SubmatrixArgs returns pointers to every sub-matrix-valued slot in
// the computation: command arguments plus the members of the
// indexes-multi tables.
func (c *Computation) SubmatrixArgs() []*int {
	var out []*int
	for i := range c.Commands {
		out = append(out, c.Commands[i].SubmatrixArgs()...)
	}
	for i := range c.IndexesMulti {
		for j := range c.IndexesMulti[i] {
			if c.IndexesMulti[i][j].SubMatrix != -1 {
				out = append(out, &c.IndexesMulti[i][j].SubMatrix)
			}
		}
	}
	return out
}

// IndexesArgs returns pointers to every indexes-table argument in the
// command list.
func (c *Computation) IndexesArgs() []*int {
	var out []*int
	for i := range c.Commands {
		if p := c.Commands[i].IndexesArg(); p != nil {
			out = append(out, p)
		}
	}
	return out
}

// IndexesMultiArgs returns pointers to every indexes-multi-table
// argument in the command list.
func (c *Computation) IndexesMultiArgs() []*int {
	var out []*int
	for i := range c.Commands {
		if p := c.Commands[i].IndexesMultiArg(); p != nil {
			out = append(out, p)
		}
	}
	return out
}

// IndexesRangesArgs returns pointers to every indexes-ranges-table
// argument in the command list.
func (c *Computation) IndexesRangesArgs() []*int {
	var out []*int
	for i := range c.Commands {
		if p := c.Commands[i].IndexesRangesArg(); p != nil {
			out = append(out, p)
		}
	}
	return out
}
