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
	"fmt"
	"io"
	"sort"

	"github.com/M4niex13/kaldi/nnet"
)

// SubmatrixStrings returns a rendering of every sub-matrix, "m2" for a
// whole-matrix view and "m2(1:3, 0:9)" (inclusive ranges) otherwise.
// Entry 0 is "[]".
func (c *Computation) SubmatrixStrings() []string {
	out := make([]string, len(c.SubMatrices))
	out[0] = "[]"
	for s := 1; s < len(c.SubMatrices); s++ {
		sub := c.SubMatrices[s]
		if c.IsWholeMatrix(s) {
			out[s] = fmt.Sprintf("m%d", sub.MatrixIndex)
		} else {
			out[s] = fmt.Sprintf("m%d(%d:%d, %d:%d)", sub.MatrixIndex,
				sub.RowOffset, sub.RowOffset+sub.NumRows-1,
				sub.ColOffset, sub.ColOffset+sub.NumCols-1)
		}
	}
	return out
}

func (c *Computation) commandString(model nnet.Model, cmd Command, subs []string) string {
	componentName := func(i int) string {
		if model != nil {
			return model.ComponentName(i)
		}
		return fmt.Sprintf("component%d", i)
	}
	nodeName := func(i int) string {
		if model != nil {
			return model.NodeName(i)
		}
		return fmt.Sprintf("node%d", i)
	}
	switch cmd.Type {
	case AllocZeroed:
		m := c.Matrices[c.SubMatrices[cmd.Arg1].MatrixIndex]
		return fmt.Sprintf("%s = zeros(%d, %d)", subs[cmd.Arg1], m.NumRows, m.NumCols)
	case AllocUndefined:
		m := c.Matrices[c.SubMatrices[cmd.Arg1].MatrixIndex]
		return fmt.Sprintf("%s = undefined(%d, %d)", subs[cmd.Arg1], m.NumRows, m.NumCols)
	case Dealloc:
		return fmt.Sprintf("%s = []", subs[cmd.Arg1])
	case AllocFromOther:
		return fmt.Sprintf("%s.swap(%s)", subs[cmd.Arg1], subs[cmd.Arg2])
	case AllocFromOtherZeroed:
		return fmt.Sprintf("%s.swap(%s); %s.zero()", subs[cmd.Arg1], subs[cmd.Arg2], subs[cmd.Arg1])
	case Propagate:
		return fmt.Sprintf("%s = Propagate(%s, %s)", subs[cmd.Arg4],
			componentName(cmd.Arg1), subs[cmd.Arg3])
	case StoreStats:
		return fmt.Sprintf("StoreStats(%s, %s)", componentName(cmd.Arg1), subs[cmd.Arg2])
	case Backprop, BackpropNoModelUpdate:
		name := "Backprop"
		if cmd.Type == BackpropNoModelUpdate {
			name = "BackpropNoModelUpdate"
		}
		return fmt.Sprintf("%s = %s(%s, %s, %s, %s)", subs[cmd.Arg6], name,
			componentName(cmd.Arg1), subs[cmd.Arg3], subs[cmd.Arg4], subs[cmd.Arg5])
	case MatrixCopy:
		return fmt.Sprintf("%s = %s", subs[cmd.Arg1], subs[cmd.Arg2])
	case MatrixAdd:
		return fmt.Sprintf("%s += %s", subs[cmd.Arg1], subs[cmd.Arg2])
	case CopyRows:
		return fmt.Sprintf("%s.CopyRows(%s, indexes[%d])", subs[cmd.Arg1], subs[cmd.Arg2], cmd.Arg3)
	case AddRows:
		return fmt.Sprintf("%s.AddRows(%s, indexes[%d])", subs[cmd.Arg1], subs[cmd.Arg2], cmd.Arg3)
	case CopyRowsMulti:
		return fmt.Sprintf("%s.CopyRowsMulti(indexes_multi[%d])", subs[cmd.Arg1], cmd.Arg2)
	case CopyToRowsMulti:
		return fmt.Sprintf("%s.CopyToRowsMulti(indexes_multi[%d])", subs[cmd.Arg1], cmd.Arg2)
	case AddRowsMulti:
		return fmt.Sprintf("%s.AddRowsMulti(indexes_multi[%d])", subs[cmd.Arg1], cmd.Arg2)
	case AddToRowsMulti:
		return fmt.Sprintf("%s.AddToRowsMulti(indexes_multi[%d])", subs[cmd.Arg1], cmd.Arg2)
	case AddRowRanges:
		return fmt.Sprintf("%s.AddRowRanges(%s, indexes_ranges[%d])", subs[cmd.Arg1], subs[cmd.Arg2], cmd.Arg3)
	case AcceptInput:
		return fmt.Sprintf("%s = input [node: %s]", subs[cmd.Arg1], nodeName(cmd.Arg2))
	case ProvideOutput:
		return fmt.Sprintf("output [node: %s] = %s", nodeName(cmd.Arg2), subs[cmd.Arg1])
	case NoOperation:
		return "no-op"
	case NoOperationMarker:
		return "# segment end"
	case NoOperationLabel:
		return "label:"
	case GotoLabel:
		return fmt.Sprintf("goto c%d", cmd.Arg1)
	default:
		return fmt.Sprintf("!unknown command %d", int(cmd.Type))
	}
}

// CommandStrings returns one rendered line per command. The model may
// be nil, in which case generic component and node names are used.
func (c *Computation) CommandStrings(model nnet.Model) []string {
	subs := c.SubmatrixStrings()
	out := make([]string, len(c.Commands))
	for i, cmd := range c.Commands {
		out[i] = c.commandString(model, cmd, subs)
	}
	return out
}

// Print writes a readable listing of the computation: matrix shapes,
// the input/output bindings, and the command list.
func (c *Computation) Print(w io.Writer, model nnet.Model) {
	for m := 1; m < len(c.Matrices); m++ {
		mat := c.Matrices[m]
		fmt.Fprintf(w, "matrix m%d(%d, %d)", m, mat.NumRows, mat.NumCols)
		if len(c.MatrixDebug) > m && c.MatrixDebug[m].IsDeriv {
			fmt.Fprintf(w, " [deriv]")
		}
		fmt.Fprintln(w)
	}
	nodes := make([]int, 0, len(c.IOInfo))
	for node := range c.IOInfo {
		nodes = append(nodes, node)
	}
	sort.Ints(nodes)
	for _, node := range nodes {
		spec := c.IOInfo[node]
		name := fmt.Sprintf("node%d", node)
		if model != nil {
			name = model.NodeName(node)
		}
		fmt.Fprintf(w, "io %s: value m%d", name, spec.Value)
		if spec.Deriv != 0 {
			fmt.Fprintf(w, ", deriv m%d", spec.Deriv)
		}
		fmt.Fprintln(w)
	}
	for i, line := range c.CommandStrings(model) {
		fmt.Fprintf(w, "c%d: %s\n", i, line)
	}
}
