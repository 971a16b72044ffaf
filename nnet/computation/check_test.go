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
	"testing"

	"github.com/M4niex13/kaldi/nnet"
)

func checkTestModel() *nnet.StaticModel {
	return &nnet.StaticModel{
		Components: []nnet.StaticComponent{
			{Name: "tdnn1.affine", Props: nnet.SimpleComponent | nnet.UpdatableComponent | nnet.BackpropNeedsInput},
			{Name: "tdnn1.relu", Props: nnet.SimpleComponent | nnet.BackpropNeedsOutput},
		},
		Nodes: []string{"input", "output"},
	}
}

func validComputation() *Computation {
	c := New()
	sIn := c.NewMatrix(5, 8, DefaultStride)
	sMid := c.NewMatrix(5, 8, DefaultStride)
	sOut := c.NewMatrix(5, 8, DefaultStride)
	c.IOInfo[0] = IOSpec{Value: sIn}
	c.IOInfo[1] = IOSpec{Value: sOut}
	c.Commands = []Command{
		NewCommand(AcceptInput, sIn, 0),
		NewCommand(AllocZeroed, sMid),
		NewCommand(Propagate, 0, 0, sIn, sMid),
		NewCommand(AllocZeroed, sOut),
		NewCommand(Propagate, 1, 0, sMid, sOut),
		NewCommand(Dealloc, sMid),
		NewCommand(Dealloc, sIn),
		NewCommand(ProvideOutput, sOut, 1),
		NewCommand(Dealloc, sOut),
	}
	return c
}

func TestCheckValid(t *testing.T) {
	if err := validComputation().Check(checkTestModel()); err != nil {
		t.Fatalf("valid computation rejected: %v", err)
	}
}

func TestCheckBadSubMatrix(t *testing.T) {
	c := validComputation()
	c.SubMatrices = append(c.SubMatrices, SubMatrix{MatrixIndex: 1, RowOffset: 4, NumRows: 3, NumCols: 8})
	err := c.Check(checkTestModel())
	if !errors.Is(err, ErrBadSubMatrix) {
		t.Fatalf("got %v, want ErrBadSubMatrix", err)
	}
}

func TestCheckNonWholeAlloc(t *testing.T) {
	c := validComputation()
	part := c.NewSubMatrix(2, 0, 2, 0, -1)
	c.Commands[1] = NewCommand(AllocZeroed, part)
	err := c.Check(checkTestModel())
	if !errors.Is(err, ErrBadCommand) {
		t.Fatalf("got %v, want ErrBadCommand", err)
	}
}

func TestCheckUpdatingBackpropOnNonUpdatable(t *testing.T) {
	c := validComputation()
	// Component 1 has no parameters; an updating backprop through it is
	// malformed.
	c.Commands = append(c.Commands[:8:8],
		NewCommand(Backprop, 1, 0, 0, 3, 3, 0),
		NewCommand(Dealloc, 3),
	)
	err := c.Check(checkTestModel())
	if !errors.Is(err, ErrBadCommand) {
		t.Fatalf("got %v, want ErrBadCommand", err)
	}
}

func TestCheckDoubleAllocation(t *testing.T) {
	c := validComputation()
	c.Commands = append(c.Commands, NewCommand(AllocZeroed, 2))
	err := c.Check(checkTestModel())
	if !errors.Is(err, ErrBadLifetime) {
		t.Fatalf("got %v, want ErrBadLifetime", err)
	}
}

func TestCheckAccessAfterDealloc(t *testing.T) {
	c := validComputation()
	// sMid (s2) is deallocated at c5; reading it afterwards is invalid.
	c.Commands[5], c.Commands[6] = c.Commands[6], c.Commands[5]
	c.Commands[4] = NewCommand(Propagate, 1, 0, 1, 3)
	c.Commands = append(c.Commands, NewCommand(MatrixCopy, 3, 2))
	err := c.Check(checkTestModel())
	if !errors.Is(err, ErrBadLifetime) {
		t.Fatalf("got %v, want ErrBadLifetime", err)
	}
}

func TestCheckIndexTableSizes(t *testing.T) {
	c := validComputation()
	c.Indexes = [][]int{{0, 1, 2}}
	c.Commands[4] = NewCommand(CopyRows, 3, 2, 0)
	err := c.Check(checkTestModel())
	if !errors.Is(err, ErrBadCommand) {
		t.Fatalf("got %v, want ErrBadCommand", err)
	}
	// The right-sized table passes.
	c.Indexes[0] = []int{0, -1, 2, 3, 4}
	if err := c.Check(checkTestModel()); err != nil {
		t.Fatalf("valid CopyRows rejected: %v", err)
	}
}

func TestCheckLoopedComputationSkipsLifetimes(t *testing.T) {
	c := New()
	s1 := c.NewMatrix(2, 2, DefaultStride)
	s2 := c.NewMatrix(2, 2, DefaultStride)
	c.IOInfo[1] = IOSpec{Value: s1}
	// A looped computation legitimately re-allocates s1 from s2 every
	// pass; lifetime ordering does not apply.
	c.Commands = []Command{
		NewCommand(AllocZeroed, s1),
		NewCommand(AllocZeroed, s2),
		NewCommand(NoOperationLabel),
		NewCommand(ProvideOutput, s1, 1),
		NewCommand(AllocFromOther, s1, s2),
		NewCommand(GotoLabel, 2),
	}
	if err := c.Check(nil); err != nil {
		t.Fatalf("looped computation rejected: %v", err)
	}
}

func TestCheckGotoMustBeLast(t *testing.T) {
	c := New()
	c.Commands = []Command{
		NewCommand(NoOperationLabel),
		NewCommand(GotoLabel, 0),
		NewCommand(NoOperation),
	}
	err := c.Check(nil)
	if !errors.Is(err, ErrBadCommand) {
		t.Fatalf("got %v, want ErrBadCommand", err)
	}
}
