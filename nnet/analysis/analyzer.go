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

package analysis

import (
	"fmt"
	"sort"

	"github.com/M4niex13/kaldi/nnet"
	"github.com/M4niex13/kaldi/nnet/computation"
)

// CommandAttributes lists, for one command, the variables and matrices
// it reads and writes. The slices are sorted and duplicate-free.
type CommandAttributes struct {
	VariablesRead    []int
	VariablesWritten []int
	MatricesRead     []int
	MatricesWritten  []int

	// HasSideEffects marks commands whose effect is not fully captured
	// by the matrices they touch (model updates, stats accumulation),
	// so they can never be removed as dead code.
	HasSideEffects bool
}

// Access is one entry of a per-variable or per-matrix access list.
type Access struct {
	CommandIndex int
	Type         AccessType
}

// MatrixAccesses summarizes the lifetime of one matrix.
type MatrixAccesses struct {
	// Accesses lists reads and writes in command order. A zeroing
	// allocation appears here as a write at the allocation command;
	// queries that want post-allocation accesses skip it via
	// AllocateCommand.
	Accesses []Access
	// AllocateCommand and DeallocateCommand are command indexes, or -1.
	AllocateCommand   int
	DeallocateCommand int
	IsInput           bool
	IsOutput          bool
}

// Analyzer bundles everything the optimizer passes need to reason
// about a computation. Build one with Init; it is valid until the
// computation's command list or tables change.
type Analyzer struct {
	Variables         *Variables
	CommandAttributes []CommandAttributes
	VariableAccesses  [][]Access
	MatrixAccesses    []MatrixAccesses
}

// Init computes all the access information for comp. The model is
// needed to tell which backprop commands update parameters.
func (a *Analyzer) Init(model nnet.Model, comp *computation.Computation) {
	a.Variables = NewVariables(comp)
	a.CommandAttributes = ComputeCommandAttributes(model, comp, a.Variables)
	a.VariableAccesses = ComputeVariableAccesses(a.Variables, a.CommandAttributes)
	a.MatrixAccesses = ComputeMatrixAccesses(comp, a.CommandAttributes)
}

// ComputeCommandAttributes records the variable and matrix accesses of
// every command.
func ComputeCommandAttributes(model nnet.Model, comp *computation.Computation,
	vars *Variables) []CommandAttributes {
	attrs := make([]CommandAttributes, len(comp.Commands))
	for i := range comp.Commands {
		cmd := &comp.Commands[i]
		attr := &attrs[i]
		switch cmd.Type {
		case computation.AllocZeroed, computation.AllocFromOtherZeroed:
			vars.RecordAccessForSubmatrix(cmd.Arg1, WriteAccess, attr)
		case computation.AllocUndefined, computation.AllocFromOther, computation.Dealloc:
			// Lifetime commands; tracked through MatrixAccesses.
		case computation.Propagate:
			vars.RecordAccessForSubmatrix(cmd.Arg3, ReadAccess, attr)
			vars.RecordAccessForSubmatrix(cmd.Arg4, WriteAccess, attr)
		case computation.StoreStats:
			vars.RecordAccessForSubmatrix(cmd.Arg2, ReadAccess, attr)
			attr.HasSideEffects = true
		case computation.Backprop, computation.BackpropNoModelUpdate:
			vars.RecordAccessForSubmatrix(cmd.Arg3, ReadAccess, attr)
			vars.RecordAccessForSubmatrix(cmd.Arg4, ReadAccess, attr)
			vars.RecordAccessForSubmatrix(cmd.Arg5, ReadAccess, attr)
			vars.RecordAccessForSubmatrix(cmd.Arg6, WriteAccess, attr)
			if cmd.Type == computation.Backprop && model != nil &&
				model.Component(cmd.Arg1).Properties()&nnet.UpdatableComponent != 0 {
				attr.HasSideEffects = true
			}
		case computation.MatrixCopy:
			vars.RecordAccessForSubmatrix(cmd.Arg1, WriteAccess, attr)
			vars.RecordAccessForSubmatrix(cmd.Arg2, ReadAccess, attr)
		case computation.MatrixAdd, computation.AddRows:
			vars.RecordAccessForSubmatrix(cmd.Arg1, ReadWriteAccess, attr)
			vars.RecordAccessForSubmatrix(cmd.Arg2, ReadAccess, attr)
		case computation.CopyRows:
			// A -1 in the index table leaves the row untouched, which
			// makes the copy a partial write.
			access := WriteAccess
			for _, row := range comp.Indexes[cmd.Arg3] {
				if row == -1 {
					access = ReadWriteAccess
					break
				}
			}
			vars.RecordAccessForSubmatrix(cmd.Arg1, access, attr)
			vars.RecordAccessForSubmatrix(cmd.Arg2, ReadAccess, attr)
		case computation.CopyRowsMulti:
			access := WriteAccess
			for _, p := range comp.IndexesMulti[cmd.Arg2] {
				if p.SubMatrix == -1 {
					access = ReadWriteAccess
					break
				}
			}
			vars.RecordAccessForSubmatrix(cmd.Arg1, access, attr)
			for _, p := range comp.IndexesMulti[cmd.Arg2] {
				if p.SubMatrix != -1 {
					vars.RecordAccessForSubmatrix(p.SubMatrix, ReadAccess, attr)
				}
			}
		case computation.AddRowsMulti:
			vars.RecordAccessForSubmatrix(cmd.Arg1, ReadWriteAccess, attr)
			for _, p := range comp.IndexesMulti[cmd.Arg2] {
				if p.SubMatrix != -1 {
					vars.RecordAccessForSubmatrix(p.SubMatrix, ReadAccess, attr)
				}
			}
		case computation.CopyToRowsMulti, computation.AddToRowsMulti:
			vars.RecordAccessForSubmatrix(cmd.Arg1, ReadAccess, attr)
			// Scattered writes never cover whole destination rows
			// reliably, so treat them as read-writes.
			for _, p := range comp.IndexesMulti[cmd.Arg2] {
				if p.SubMatrix != -1 {
					vars.RecordAccessForSubmatrix(p.SubMatrix, ReadWriteAccess, attr)
				}
			}
		case computation.AddRowRanges:
			vars.RecordAccessForSubmatrix(cmd.Arg1, ReadWriteAccess, attr)
			vars.RecordAccessForSubmatrix(cmd.Arg2, ReadAccess, attr)
		case computation.AcceptInput:
			vars.RecordAccessForSubmatrix(cmd.Arg1, WriteAccess, attr)
		case computation.ProvideOutput:
			vars.RecordAccessForSubmatrix(cmd.Arg1, ReadAccess, attr)
		case computation.NoOperation, computation.NoOperationMarker,
			computation.NoOperationLabel, computation.GotoLabel:
		default:
			panic(fmt.Sprintf("analysis: unknown command type %d", int(cmd.Type)))
		}
		sortUniq(&attr.VariablesRead)
		sortUniq(&attr.VariablesWritten)
		sortUniq(&attr.MatricesRead)
		sortUniq(&attr.MatricesWritten)
	}
	return attrs
}

// ComputeVariableAccesses turns per-command attributes into a
// per-variable access list in command order. A variable both read and
// written by one command gets a single read-write entry.
func ComputeVariableAccesses(vars *Variables, attrs []CommandAttributes) [][]Access {
	out := make([][]Access, vars.NumVariables())
	for c := range attrs {
		attr := &attrs[c]
		appendMergedAccesses(out, c, attr.VariablesRead, attr.VariablesWritten)
	}
	return out
}

// ComputeMatrixAccesses builds the per-matrix access summary, marking
// allocation, deallocation and I/O from the command list.
func ComputeMatrixAccesses(comp *computation.Computation,
	attrs []CommandAttributes) []MatrixAccesses {
	out := make([]MatrixAccesses, len(comp.Matrices))
	for m := range out {
		out[m].AllocateCommand = -1
		out[m].DeallocateCommand = -1
	}
	accesses := make([][]Access, len(comp.Matrices))
	for c := range attrs {
		attr := &attrs[c]
		appendMergedAccesses(accesses, c, attr.MatricesRead, attr.MatricesWritten)
	}
	for m := range out {
		out[m].Accesses = accesses[m]
	}
	for c := range comp.Commands {
		cmd := &comp.Commands[c]
		matrixOf := func(s int) int { return comp.SubMatrices[s].MatrixIndex }
		switch cmd.Type {
		case computation.AllocZeroed, computation.AllocUndefined:
			markAllocated(out, matrixOf(cmd.Arg1), c)
		case computation.AllocFromOther, computation.AllocFromOtherZeroed:
			markAllocated(out, matrixOf(cmd.Arg1), c)
			markDeallocated(out, matrixOf(cmd.Arg2), c)
		case computation.Dealloc:
			markDeallocated(out, matrixOf(cmd.Arg1), c)
		case computation.AcceptInput:
			m := matrixOf(cmd.Arg1)
			if out[m].AllocateCommand == -1 {
				out[m].AllocateCommand = c
			}
			out[m].IsInput = true
		case computation.ProvideOutput:
			out[matrixOf(cmd.Arg1)].IsOutput = true
		}
	}
	return out
}

func markAllocated(out []MatrixAccesses, m, c int) {
	if out[m].AllocateCommand != -1 {
		panic(fmt.Sprintf("analysis: m%d allocated twice (c%d, c%d)", m, out[m].AllocateCommand, c))
	}
	out[m].AllocateCommand = c
}

func markDeallocated(out []MatrixAccesses, m, c int) {
	if out[m].DeallocateCommand != -1 {
		panic(fmt.Sprintf("analysis: m%d deallocated twice (c%d, c%d)", m, out[m].DeallocateCommand, c))
	}
	out[m].DeallocateCommand = c
}

// appendMergedAccesses appends command c's accesses over sorted index
// lists read and written into the per-index lists, merging a
// read+write of the same index into one read-write entry.
func appendMergedAccesses(lists [][]Access, c int, read, written []int) {
	ri, wi := 0, 0
	for ri < len(read) || wi < len(written) {
		switch {
		case wi == len(written) || (ri < len(read) && read[ri] < written[wi]):
			lists[read[ri]] = append(lists[read[ri]], Access{c, ReadAccess})
			ri++
		case ri == len(read) || written[wi] < read[ri]:
			lists[written[wi]] = append(lists[written[wi]], Access{c, WriteAccess})
			wi++
		default:
			lists[read[ri]] = append(lists[read[ri]], Access{c, ReadWriteAccess})
			ri++
			wi++
		}
	}
}

func sortUniq(s *[]int) {
	if len(*s) < 2 {
		return
	}
	sort.Ints(*s)
	*s = uniqInts(*s)
}
