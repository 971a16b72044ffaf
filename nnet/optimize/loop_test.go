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

func loopTestModel() *nnet.StaticModel {
	return &nnet.StaticModel{
		Components: []nnet.StaticComponent{
			{Name: "lstm", Props: nnet.SimpleComponent},
			{Name: "output.affine", Props: nnet.SimpleComponent},
		},
		Nodes: []string{"input", "output"},
	}
}

// unrolledComputation builds five time-shifted segments of a recurrent
// computation, 10 frames apart. Each segment reads an input chunk,
// computes a state matrix that also feeds the next segment, and emits
// an output chunk. The first segment's state carries two frames of
// extra left context, and the state matrices alternate between two
// layouts (x=1 and x=2), so the earliest pair of segment boundaries
// with matching live state is segments 1 and 3.
func unrolledComputation() *computation.Computation {
	c := computation.New()
	c.MatrixDebug = []computation.DebugInfo{{}}
	addDebug := func(s int, firstT, numRows, n, x int, isDeriv bool) {
		m := c.SubMatrices[s].MatrixIndex
		d := &c.MatrixDebug[m]
		d.IsDeriv = isDeriv
		for r := 0; r < numRows; r++ {
			d.Cindexes = append(d.Cindexes, computation.Cindex{N: n, T: firstT + r, X: x})
		}
	}

	prevState := 0 // state view of the previous segment
	var prevWhole int
	for seg := 0; seg < 5; seg++ {
		t0 := 10 * seg
		sIn := c.NewMatrix(10, 4, computation.DefaultStride)
		addDebug(sIn, t0, 10, 0, 0, false)
		c.Commands = append(c.Commands,
			computation.NewCommand(computation.AcceptInput, sIn, 0))

		var sState, view int
		if seg == 0 {
			// extra left context
			sState = c.NewMatrix(12, 6, computation.DefaultStride)
			addDebug(sState, t0-2, 12, 0, 1, false)
			view = c.NewSubMatrix(sState, 2, 10, 0, -1)
		} else {
			x := 1
			if seg%2 == 0 {
				x = 2
			}
			sState = c.NewMatrix(10, 6, computation.DefaultStride)
			addDebug(sState, t0, 10, 0, x, false)
			view = sState
		}
		c.Commands = append(c.Commands,
			computation.NewCommand(computation.AllocZeroed, sState),
			computation.NewCommand(computation.Propagate, 0, 0, sIn, view))
		if seg > 0 {
			c.Commands = append(c.Commands,
				computation.NewCommand(computation.MatrixAdd, view, prevState),
				computation.NewCommand(computation.Dealloc, prevWhole))
		}
		c.Commands = append(c.Commands,
			computation.NewCommand(computation.Dealloc, sIn))

		sOut := c.NewMatrix(10, 4, computation.DefaultStride)
		addDebug(sOut, t0, 10, 0, 3, false)
		c.Commands = append(c.Commands,
			computation.NewCommand(computation.AllocZeroed, sOut),
			computation.NewCommand(computation.Propagate, 1, 0, view, sOut),
			computation.NewCommand(computation.ProvideOutput, sOut, 1),
			computation.NewCommand(computation.Dealloc, sOut),
			computation.NewCommand(computation.NoOperationMarker))

		prevState = view
		prevWhole = sState
	}
	return c
}

func TestGetSegmentEnds(t *testing.T) {
	c := unrolledComputation()
	ends := GetSegmentEnds(c)
	want := []int{8, 19, 30, 41, 52}
	if len(ends) != len(want) {
		t.Fatalf("segment ends = %v, want %v", ends, want)
	}
	for i := range want {
		if ends[i] != want[i] {
			t.Fatalf("segment ends = %v, want %v", ends, want)
		}
	}
}

func TestOptimizeLoopedComputation(t *testing.T) {
	c := unrolledComputation()
	if !OptimizeLoopedComputation(loopTestModel(), c) {
		t.Fatal("computation did not loop")
	}

	numCommands := len(c.Commands)
	gotoCommand := c.Commands[numCommands-1]
	if gotoCommand.Type != computation.GotoLabel {
		t.Fatalf("last command is %s, want GotoLabel", gotoCommand.Type)
	}
	if c.Commands[gotoCommand.Arg1].Type != computation.NoOperationLabel {
		t.Fatalf("goto target c%d is %s", gotoCommand.Arg1, c.Commands[gotoCommand.Arg1].Type)
	}

	// The loop body runs segments 2 and 3; before jumping back, the
	// state computed at the end of the body is swapped into the matrix
	// the body's start expects.
	swap := c.Commands[numCommands-2]
	if swap.Type != computation.AllocFromOther {
		t.Fatalf("second-to-last command is %s, want AllocFromOther", swap.Type)
	}
	swapCount := 0
	for _, cmd := range c.Commands {
		if cmd.Type == computation.AllocFromOther {
			swapCount++
		}
	}
	if swapCount != 1 {
		t.Fatalf("got %d swap commands, want 1", swapCount)
	}
	if !c.IsWholeMatrix(swap.Arg1) || !c.IsWholeMatrix(swap.Arg2) {
		t.Fatal("swap arguments are not whole matrices")
	}
	ci1 := c.MatrixDebug[c.SubMatrices[swap.Arg1].MatrixIndex].Cindexes[0]
	ci2 := c.MatrixDebug[c.SubMatrices[swap.Arg2].MatrixIndex].Cindexes[0]
	if ci1.X != 1 || ci2.X != 1 {
		t.Fatalf("swap between wrong matrices: %+v, %+v", ci1, ci2)
	}
	if ci2.T-ci1.T != 20 {
		t.Fatalf("swap time difference = %d, want 20 (two segments)", ci2.T-ci1.T)
	}

	// The prologue (segments 0 and 1) and the body (segments 2 and 3)
	// survive; segment 4 is truncated away and segment 3's marker
	// became the goto.
	markers := 0
	for _, cmd := range c.Commands {
		if cmd.Type == computation.NoOperationMarker {
			markers++
		}
	}
	if markers != 3 {
		t.Fatalf("got %d segment markers, want 3", markers)
	}
	if len(c.Matrices) != 13 {
		t.Fatalf("got %d matrices, want 13", len(c.Matrices))
	}

	if err := c.Check(loopTestModel()); err != nil {
		t.Fatalf("looped computation invalid: %v", err)
	}
}

func TestOptimizeLoopedComputationTooFewSegments(t *testing.T) {
	c := computation.New()
	c.MatrixDebug = []computation.DebugInfo{{}}
	s := c.NewMatrix(2, 2, computation.DefaultStride)
	c.MatrixDebug[1] = computation.DebugInfo{
		Cindexes: []computation.Cindex{{N: 0, T: 0, X: 0}, {N: 0, T: 1, X: 0}},
	}
	c.Commands = []computation.Command{
		computation.NewCommand(computation.AllocZeroed, s),
		computation.NewCommand(computation.NoOperationMarker),
		computation.NewCommand(computation.Dealloc, s),
		computation.NewCommand(computation.NoOperationMarker),
	}
	before := len(c.Commands)
	if OptimizeLoopedComputation(loopTestModel(), c) {
		t.Fatal("looped with too few segments")
	}
	if len(c.Commands) != before {
		t.Fatal("failed loop attempt modified the computation")
	}
}
