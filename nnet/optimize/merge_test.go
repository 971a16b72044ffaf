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
	"testing"

	"github.com/M4niex13/kaldi/nnet"
	"github.com/M4niex13/kaldi/nnet/computation"
)

func mergeTestModel() *nnet.StaticModel {
	return &nnet.StaticModel{
		Components: []nnet.StaticComponent{
			{Name: "affine", Props: nnet.SimpleComponent | nnet.UpdatableComponent},
			{Name: "relu", Props: nnet.SimpleComponent | nnet.PropagateInPlace},
		},
		Nodes: []string{"input", "output"},
	}
}

// copyComputation propagates into a temporary and then copies it into
// the output matrix; the copy is removable by merging the two
// matrices.
func copyComputation() *computation.Computation {
	c := computation.New()
	sIn := c.NewMatrix(4, 6, computation.DefaultStride)
	sTmp := c.NewMatrix(4, 6, computation.DefaultStride)
	sOut := c.NewMatrix(4, 6, computation.DefaultStride)
	c.IOInfo[0] = computation.IOSpec{Value: 1}
	c.IOInfo[1] = computation.IOSpec{Value: 3}
	c.Commands = []computation.Command{
		computation.NewCommand(computation.AcceptInput, sIn, 0),
		computation.NewCommand(computation.AllocZeroed, sTmp),
		computation.NewCommand(computation.Propagate, 0, 0, sIn, sTmp),
		computation.NewCommand(computation.AllocZeroed, sOut),
		computation.NewCommand(computation.MatrixCopy, sOut, sTmp),
		computation.NewCommand(computation.ProvideOutput, sOut, 1),
		computation.NewCommand(computation.Dealloc, sTmp),
		computation.NewCommand(computation.Dealloc, sIn),
	}
	return c
}

func TestMergeRemovesAssignment(t *testing.T) {
	c := copyComputation()
	o := newVariableMergingOptimizer(DefaultConfig(), mergeTestModel(), c)
	if !o.MergeVariables() {
		t.Fatal("nothing merged")
	}

	want := []computation.CommandType{
		computation.AcceptInput,
		computation.AllocZeroed,
		computation.Propagate,
		computation.ProvideOutput,
		computation.Dealloc,
	}
	if len(c.Commands) != len(want) {
		t.Fatalf("got %d commands, want %d:\n%v", len(c.Commands), len(want), c.CommandStrings(nil))
	}
	for i, typ := range want {
		if c.Commands[i].Type != typ {
			t.Fatalf("c%d = %s, want %s", i, c.Commands[i].Type, typ)
		}
	}
	if len(c.Matrices) != 3 {
		t.Fatalf("got %d matrices, want 3", len(c.Matrices))
	}
	// The output binding follows the surviving matrix.
	outMatrix := c.SubMatrices[c.Commands[3].Arg1].MatrixIndex
	if c.IOInfo[1].Value != outMatrix {
		t.Fatalf("output bound to m%d, provided from m%d", c.IOInfo[1].Value, outMatrix)
	}
	if err := c.Check(mergeTestModel()); err != nil {
		t.Fatalf("merged computation invalid: %v", err)
	}
}

func TestMergeInPlacePropagate(t *testing.T) {
	c := computation.New()
	sIn := c.NewMatrix(4, 6, computation.DefaultStride)
	sOut := c.NewMatrix(4, 6, computation.DefaultStride)
	c.IOInfo[0] = computation.IOSpec{Value: 1}
	c.IOInfo[1] = computation.IOSpec{Value: 2}
	c.Commands = []computation.Command{
		computation.NewCommand(computation.AcceptInput, sIn, 0),
		computation.NewCommand(computation.AllocZeroed, sOut),
		computation.NewCommand(computation.Propagate, 1, 0, sIn, sOut),
		computation.NewCommand(computation.ProvideOutput, sOut, 1),
		computation.NewCommand(computation.Dealloc, sOut),
		computation.NewCommand(computation.Dealloc, sIn),
	}

	o := newVariableMergingOptimizer(DefaultConfig(), mergeTestModel(), c)
	if !o.MergeVariables() {
		t.Fatal("in-place propagate did not merge")
	}
	if len(c.Matrices) != 2 {
		t.Fatalf("got %d matrices, want 2", len(c.Matrices))
	}
	// The propagate now reads and writes the same storage.
	prop := c.Commands[1]
	if prop.Type != computation.Propagate ||
		c.SubMatrices[prop.Arg3].MatrixIndex != c.SubMatrices[prop.Arg4].MatrixIndex {
		t.Fatalf("propagate not in place: %v", c.CommandStrings(mergeTestModel()))
	}
	if c.IOInfo[0].Value != 1 || c.IOInfo[1].Value != 1 {
		t.Fatalf("io bindings = %v, want both on m1", c.IOInfo)
	}
	if err := c.Check(mergeTestModel()); err != nil {
		t.Fatalf("merged computation invalid: %v", err)
	}
}

func TestMergeRejectedWhenSourceOutlivesCopy(t *testing.T) {
	c := computation.New()
	sIn := c.NewMatrix(4, 6, computation.DefaultStride)
	sTmp := c.NewMatrix(4, 6, computation.DefaultStride)
	sOut := c.NewMatrix(4, 6, computation.DefaultStride)
	c.IOInfo[0] = computation.IOSpec{Value: 1}
	c.IOInfo[1] = computation.IOSpec{Value: 3}
	// sTmp is overwritten after the copy while sIn is still read, so
	// the two sides cannot share storage.
	c.Commands = []computation.Command{
		computation.NewCommand(computation.AcceptInput, sIn, 0),
		computation.NewCommand(computation.AllocZeroed, sTmp),
		computation.NewCommand(computation.MatrixCopy, sTmp, sIn),
		computation.NewCommand(computation.AllocZeroed, sOut),
		computation.NewCommand(computation.Propagate, 0, 0, sOut, sTmp),
		computation.NewCommand(computation.Propagate, 0, 0, sIn, sOut),
		computation.NewCommand(computation.ProvideOutput, sOut, 1),
		computation.NewCommand(computation.Dealloc, sTmp),
		computation.NewCommand(computation.Dealloc, sIn),
	}
	numCommands := len(c.Commands)

	o := newVariableMergingOptimizer(DefaultConfig(), mergeTestModel(), c)
	if o.MergeVariables() {
		t.Fatal("unsafe merge performed")
	}
	if len(c.Commands) != numCommands {
		t.Fatalf("command list changed: %v", c.CommandStrings(nil))
	}
}

func TestMergeRespectsDisabledDirections(t *testing.T) {
	c := copyComputation()
	cfg := DefaultConfig()
	cfg.AllowLeftMerge = false
	cfg.AllowRightMerge = false
	o := newVariableMergingOptimizer(cfg, mergeTestModel(), c)
	if o.MergeVariables() {
		t.Fatal("merged with both directions disabled")
	}
}
