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
	"fmt"

	"github.com/ethereum/go-ethereum/log"

	"github.com/M4niex13/kaldi/nnet"
	"github.com/M4niex13/kaldi/nnet/computation"
)

// ConsolidateModelUpdate rewrites a computation so each updatable
// simple component gets a single model-updating Backprop over the
// row-concatenation of all its chunks, instead of one update per
// chunk. The per-chunk backprops stay (downgraded to
// BackpropNoModelUpdate) so data derivatives are unchanged; copies
// into the consolidated matrices are inserted right before them.
func ConsolidateModelUpdate(model nnet.Model, comp *computation.Computation) {
	numComponents := model.NumComponents()
	backpropCommands := make([][]int, numComponents)
	for commandIndex, c := range comp.Commands {
		if c.Type != computation.Backprop {
			continue
		}
		props := model.Component(c.Arg1).Properties()
		if props&nnet.UpdatableComponent != 0 && props&nnet.SimpleComponent != 0 {
			backpropCommands[c.Arg1] = append(backpropCommands[c.Arg1], commandIndex)
		}
	}
	m := &modelUpdateConsolidator{
		model:         model,
		comp:          comp,
		extraCommands: make([][]computation.Command, len(comp.Commands)),
	}
	consolidated := false
	for component := 0; component < numComponents; component++ {
		if len(backpropCommands[component]) > 1 {
			m.consolidateUpdateForComponent(component, backpropCommands[component])
			consolidated = true
		}
	}
	if !consolidated {
		return
	}
	m.addCommandsToComputation()
	log.Debug("consolidated model updates", "commands", len(comp.Commands))
}

type modelUpdateConsolidator struct {
	model nnet.Model
	comp  *computation.Computation

	// extraCommands[c] is spliced in just before original command c;
	// finalCommands and finalDeallocCommands go at the very end.
	extraCommands        [][]computation.Command
	finalCommands        []computation.Command
	finalDeallocCommands []computation.Command
}

// consolidateUpdateForComponent handles the updating backprops of one
// component, given the indexes of its Backprop commands in increasing
// order.
func (m *modelUpdateConsolidator) consolidateUpdateForComponent(
	componentIndex int, backpropCommands []int) {
	props := m.model.Component(componentIndex).Properties()
	needInput := props&nnet.BackpropNeedsInput != 0
	needOutput := props&nnet.BackpropNeedsOutput != 0

	n := len(backpropCommands)
	inputSubmatrices := make([]int, n)
	outputSubmatrices := make([]int, n)
	outputDerivSubmatrices := make([]int, n)
	for i, commandIndex := range backpropCommands {
		command := &m.comp.Commands[commandIndex]
		// Simple components have no precomputed indexes.
		if command.Type != computation.Backprop || command.Arg2 != 0 {
			panic(fmt.Sprintf("optimize: c%d is not a plain backprop", commandIndex))
		}
		command.Type = computation.BackpropNoModelUpdate
		if (command.Arg3 != 0) != needInput || (command.Arg4 != 0) != needOutput {
			panic(fmt.Sprintf("optimize: c%d args disagree with component properties", commandIndex))
		}
		inputSubmatrices[i] = command.Arg3
		outputSubmatrices[i] = command.Arg4
		outputDerivSubmatrices[i] = command.Arg5
	}

	inputSubmatrix := 0
	if needInput {
		inputSubmatrix = m.consolidateSubmatrices(backpropCommands, inputSubmatrices)
	}
	outputSubmatrix := 0
	if needOutput {
		outputSubmatrix = m.consolidateSubmatrices(backpropCommands, outputSubmatrices)
	}
	outputDerivSubmatrix := m.consolidateSubmatrices(backpropCommands, outputDerivSubmatrices)

	// The consolidated backprop needs no input derivative, so arg6 is
	// empty.
	m.finalCommands = append(m.finalCommands, computation.NewCommand(
		computation.Backprop, componentIndex, 0,
		inputSubmatrix, outputSubmatrix, outputDerivSubmatrix, 0))
}

// consolidateSubmatrices creates one new matrix holding the row-stack
// of the given sub-matrices, arranges for each part to be copied in
// just before the corresponding command, and returns a whole-matrix
// sub-matrix index for the new matrix. A later merge pass is expected
// to remove the redundant copies where it can.
func (m *modelUpdateConsolidator) consolidateSubmatrices(
	commands, submatrices []int) int {
	if len(submatrices) < 2 || len(commands) != len(submatrices) {
		panic("optimize: consolidateSubmatrices needs matched lists")
	}
	numCols := m.comp.SubMatrices[submatrices[0]].NumCols
	numRows := 0
	stride := computation.DefaultStride
	var debug computation.DebugInfo
	for _, s := range submatrices {
		sub := m.comp.SubMatrices[s]
		if sub.NumCols != numCols {
			panic("optimize: consolidated sub-matrices differ in columns")
		}
		numRows += sub.NumRows
		if len(m.comp.MatrixDebug) != 0 {
			m.appendDebugInfoForSubmatrix(s, &debug)
		}
		if m.comp.IsWholeMatrix(s) &&
			m.comp.Matrices[sub.MatrixIndex].Stride == computation.StrideEqualNumCols {
			stride = computation.StrideEqualNumCols
		}
	}
	newWholeSubmatrix := m.comp.NewMatrix(numRows, numCols, stride)
	m.extraCommands[0] = append(m.extraCommands[0],
		computation.NewCommand(computation.AllocZeroed, newWholeSubmatrix))
	m.finalDeallocCommands = append(m.finalDeallocCommands,
		computation.NewCommand(computation.Dealloc, newWholeSubmatrix))
	newMatrixIndex := m.comp.SubMatrices[newWholeSubmatrix].MatrixIndex
	if len(m.comp.MatrixDebug) != 0 {
		m.comp.MatrixDebug[newMatrixIndex] = debug
	}
	rowOffset := 0
	for i, s := range submatrices {
		thisNumRows := m.comp.SubMatrices[s].NumRows
		newSubmatrix := m.comp.NewSubMatrix(newWholeSubmatrix,
			rowOffset, thisNumRows, 0, numCols)
		m.extraCommands[commands[i]] = append(m.extraCommands[commands[i]],
			computation.NewCommand(computation.MatrixCopy, newSubmatrix, s))
		rowOffset += thisNumRows
	}
	if rowOffset != numRows {
		panic("optimize: row accounting error in consolidation")
	}
	return newWholeSubmatrix
}

// appendDebugInfoForSubmatrix appends the cindexes of the rows of
// sub-matrix s to debug, so the consolidated matrix carries the
// concatenated row tags.
func (m *modelUpdateConsolidator) appendDebugInfoForSubmatrix(
	s int, debug *computation.DebugInfo) {
	sub := m.comp.SubMatrices[s]
	src := &m.comp.MatrixDebug[sub.MatrixIndex]
	if len(src.Cindexes) != m.comp.Matrices[sub.MatrixIndex].NumRows {
		panic(fmt.Sprintf("optimize: m%d debug info does not cover its rows", sub.MatrixIndex))
	}
	debug.IsDeriv = src.IsDeriv
	debug.Cindexes = append(debug.Cindexes,
		src.Cindexes[sub.RowOffset:sub.RowOffset+sub.NumRows]...)
}

// addCommandsToComputation splices the stored extra commands before
// their positions and appends the final backprops and deallocations.
func (m *modelUpdateConsolidator) addCommandsToComputation() {
	total := len(m.comp.Commands) + len(m.finalCommands) + len(m.finalDeallocCommands)
	for _, extra := range m.extraCommands {
		total += len(extra)
	}
	newCommands := make([]computation.Command, 0, total)
	for c, cmd := range m.comp.Commands {
		newCommands = append(newCommands, m.extraCommands[c]...)
		newCommands = append(newCommands, cmd)
	}
	newCommands = append(newCommands, m.finalCommands...)
	newCommands = append(newCommands, m.finalDeallocCommands...)
	m.comp.Commands = newCommands
}
