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
	"reflect"
	"testing"

	"github.com/M4niex13/kaldi/nnet"
	"github.com/M4niex13/kaldi/nnet/computation"
)

func analysisTestModel() *nnet.StaticModel {
	return &nnet.StaticModel{
		Components: []nnet.StaticComponent{
			{Name: "affine", Props: nnet.SimpleComponent | nnet.UpdatableComponent},
			{Name: "relu", Props: nnet.SimpleComponent},
		},
		Nodes: []string{"input", "output"},
	}
}

// twoColumnRanges builds a computation whose first matrix is viewed
// through two disjoint column ranges, so it splits into two variables.
func twoColumnRanges() (*computation.Computation, int, int, int) {
	c := computation.New()
	s1 := c.NewMatrix(4, 10, computation.DefaultStride)
	left := c.NewSubMatrix(s1, 0, -1, 0, 6)
	right := c.NewSubMatrix(s1, 0, -1, 6, 4)
	return c, s1, left, right
}

func TestVariablesPartition(t *testing.T) {
	c, s1, left, right := twoColumnRanges()
	s2 := c.NewMatrix(4, 6, computation.DefaultStride)
	v := NewVariables(c)

	// m1 splits at column 6; m2 has no interior boundaries.
	if v.NumVariables() != 3 {
		t.Fatalf("got %d variables, want 3", v.NumVariables())
	}
	var whole, lv, rv, other []int
	v.AppendVariablesForSubmatrix(s1, &whole)
	v.AppendVariablesForSubmatrix(left, &lv)
	v.AppendVariablesForSubmatrix(right, &rv)
	v.AppendVariablesForSubmatrix(s2, &other)
	if !reflect.DeepEqual(whole, []int{0, 1}) ||
		!reflect.DeepEqual(lv, []int{0}) || !reflect.DeepEqual(rv, []int{1}) ||
		!reflect.DeepEqual(other, []int{2}) {
		t.Fatalf("variable lists: whole=%v left=%v right=%v other=%v", whole, lv, rv, other)
	}
	if v.VariableToMatrix(1) != 1 || v.VariableToMatrix(2) != 2 {
		t.Fatal("variable-to-matrix mapping wrong")
	}
	if got := v.DescribeVariable(1); got != "m1(:, 6:9)" {
		t.Fatalf("DescribeVariable = %q", got)
	}
}

func TestPartialRowWriteBecomesReadWrite(t *testing.T) {
	c := computation.New()
	s1 := c.NewMatrix(4, 6, computation.DefaultStride)
	top := c.NewSubMatrix(s1, 0, 2, 0, -1)
	v := NewVariables(c)

	var attr CommandAttributes
	v.RecordAccessForSubmatrix(top, WriteAccess, &attr)
	// Writing two of four rows cannot fully overwrite the variable, so
	// it counts as a read too, at both granularities.
	if !reflect.DeepEqual(attr.VariablesWritten, []int{0}) ||
		!reflect.DeepEqual(attr.VariablesRead, []int{0}) {
		t.Fatalf("partial write: read=%v written=%v", attr.VariablesRead, attr.VariablesWritten)
	}
	if !reflect.DeepEqual(attr.MatricesRead, []int{1}) {
		t.Fatalf("partial write matrices read = %v", attr.MatricesRead)
	}

	attr = CommandAttributes{}
	v.RecordAccessForSubmatrix(s1, WriteAccess, &attr)
	if len(attr.VariablesRead) != 0 || len(attr.MatricesRead) != 0 {
		t.Fatalf("whole write: read=%v matrices read=%v", attr.VariablesRead, attr.MatricesRead)
	}
}

// linearComputation is a small forward computation:
//
//	c0: m1 = input
//	c1: m2 = zeros
//	c2: m2 = Propagate(affine, m1)
//	c3: m3 = zeros
//	c4: m3 = Propagate(relu, m2)
//	c5: m2 = []
//	c6: m1 = []
//	c7: output = m3
//	c8: m3 = []
func linearComputation() *computation.Computation {
	c := computation.New()
	sIn := c.NewMatrix(4, 6, computation.DefaultStride)
	sMid := c.NewMatrix(4, 6, computation.DefaultStride)
	sOut := c.NewMatrix(4, 6, computation.DefaultStride)
	c.IOInfo[0] = computation.IOSpec{Value: sIn}
	c.IOInfo[1] = computation.IOSpec{Value: sOut}
	c.Commands = []computation.Command{
		computation.NewCommand(computation.AcceptInput, sIn, 0),
		computation.NewCommand(computation.AllocZeroed, sMid),
		computation.NewCommand(computation.Propagate, 0, 0, sIn, sMid),
		computation.NewCommand(computation.AllocZeroed, sOut),
		computation.NewCommand(computation.Propagate, 1, 0, sMid, sOut),
		computation.NewCommand(computation.Dealloc, sMid),
		computation.NewCommand(computation.Dealloc, sIn),
		computation.NewCommand(computation.ProvideOutput, sOut, 1),
		computation.NewCommand(computation.Dealloc, sOut),
	}
	return c
}

func TestMatrixAccesses(t *testing.T) {
	c := linearComputation()
	var an Analyzer
	an.Init(analysisTestModel(), c)

	mIn := an.MatrixAccesses[1]
	if !mIn.IsInput || mIn.AllocateCommand != 0 || mIn.DeallocateCommand != 6 {
		t.Fatalf("input matrix summary: %+v", mIn)
	}
	mOut := an.MatrixAccesses[3]
	if !mOut.IsOutput || mOut.AllocateCommand != 3 || mOut.DeallocateCommand != 8 {
		t.Fatalf("output matrix summary: %+v", mOut)
	}
	wantMid := []Access{{1, WriteAccess}, {2, WriteAccess}, {4, ReadAccess}}
	if !reflect.DeepEqual(an.MatrixAccesses[2].Accesses, wantMid) {
		t.Fatalf("m2 accesses = %v, want %v", an.MatrixAccesses[2].Accesses, wantMid)
	}
}

func TestOrderingQueries(t *testing.T) {
	c := linearComputation()
	var an Analyzer
	an.Init(analysisTestModel(), c)
	a := NewAnalysis(c, &an)

	// Input data exists before the computation runs.
	if got := a.FirstAccess(1); got != -1 {
		t.Fatalf("FirstAccess(input) = %d", got)
	}
	// m2's first access skips its allocation.
	if got := a.FirstAccess(2); got != 2 {
		t.Fatalf("FirstAccess(m2) = %d", got)
	}
	if got := a.LastAccess(2); got != 4 {
		t.Fatalf("LastAccess(m2) = %d", got)
	}
	// ProvideOutput is a read, so it bounds the output's last access.
	if got := a.LastAccess(3); got != 7 {
		t.Fatalf("LastAccess(output) = %d", got)
	}
	if got := a.LastWriteAccess(3); got != 4 {
		t.Fatalf("LastWriteAccess(output) = %d", got)
	}
	// After c2 the next access to m2 is the read at c4; after that
	// only its deallocation remains, which does not count.
	if got := a.FirstAccessAfter(2, 2); got != 4 {
		t.Fatalf("FirstAccessAfter(c2, m2) = %d", got)
	}
	if got := a.FirstAccessAfter(4, 2); got != 9 {
		t.Fatalf("FirstAccessAfter(c4, m2) = %d", got)
	}
	if got := a.FirstAccessAfter(4, 3); got != 7 {
		t.Fatalf("FirstAccessAfter(c4, m3) = %d", got)
	}
	// Nothing writes m2 after c2 before its deallocation at c5.
	if got := a.DataInvalidatedCommand(2, 2); got != 5 {
		t.Fatalf("DataInvalidatedCommand(c2, m2) = %d", got)
	}
	// No write touches m3 after c4, so its data stays valid until the
	// deallocation.
	if got := a.DataInvalidatedCommand(4, 3); got != 8 {
		t.Fatalf("DataInvalidatedCommand(c4, m3) = %d", got)
	}
}

func TestSideEffects(t *testing.T) {
	c := linearComputation()
	c.Commands = append(c.Commands[:8:8],
		computation.NewCommand(computation.Backprop, 1, 0, 0, 3, 3, 0),
		computation.NewCommand(computation.Backprop, 0, 0, 1, 0, 2, 0),
		computation.NewCommand(computation.StoreStats, 1, 3),
	)
	var an Analyzer
	an.Init(analysisTestModel(), c)

	if an.CommandAttributes[8].HasSideEffects {
		t.Fatal("non-updating backprop marked as side-effecting")
	}
	if !an.CommandAttributes[9].HasSideEffects {
		t.Fatal("updating backprop not marked as side-effecting")
	}
	if !an.CommandAttributes[10].HasSideEffects {
		t.Fatal("stats accumulation not marked as side-effecting")
	}
}

func TestCopyRowsWithGapsReadsDestination(t *testing.T) {
	c := computation.New()
	s1 := c.NewMatrix(3, 4, computation.DefaultStride)
	s2 := c.NewMatrix(3, 4, computation.DefaultStride)
	c.Indexes = [][]int{{0, 1, 2}, {0, -1, 2}}
	c.Commands = []computation.Command{
		computation.NewCommand(computation.AllocZeroed, s1),
		computation.NewCommand(computation.AllocZeroed, s2),
		computation.NewCommand(computation.CopyRows, s2, s1, 0),
		computation.NewCommand(computation.CopyRows, s2, s1, 1),
	}
	var an Analyzer
	an.Init(nil, c)

	// Table 0 covers every row: pure write. Table 1 has a -1, which
	// leaves a destination row untouched: read-write.
	if len(an.CommandAttributes[2].VariablesRead) != 1 {
		t.Fatalf("full copy reads = %v", an.CommandAttributes[2].VariablesRead)
	}
	if !reflect.DeepEqual(an.CommandAttributes[3].VariablesRead, []int{0, 1}) {
		t.Fatalf("gapped copy reads = %v", an.CommandAttributes[3].VariablesRead)
	}
}
