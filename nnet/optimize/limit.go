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
	"github.com/M4niex13/kaldi/nnet/analysis"
	"github.com/M4niex13/kaldi/nnet/computation"
)

// LimitDerivativeTimes rewrites the computation so derivative work is
// only done for rows whose time tag lies in [minDerivTime,
// maxDerivTime]. Rows outside the window are treated as zero:
// commands that only touch them disappear, commands straddling the
// boundary are narrowed, and derivative matrices whose out-of-window
// rows are never touched afterwards are shrunk to the window. The
// computation must carry debug info.
func LimitDerivativeTimes(model nnet.Model, minDerivTime, maxDerivTime int,
	comp *computation.Computation) {
	if maxDerivTime < minDerivTime {
		panic("optimize: empty derivative time window")
	}
	l := &derivativeTimeLimiter{
		model:        model,
		minDerivTime: minDerivTime,
		maxDerivTime: maxDerivTime,
		comp:         comp,
	}
	l.limit()
}

type matrixPruneInfo struct {
	fullyInside  bool
	partlyInside bool
	// rowBegin and rowEnd bound the in-window rows (half-open), only
	// meaningful when partlyInside. Out-of-window rows interleaved
	// with in-window ones stay inside this envelope.
	rowBegin int
	rowEnd   int
}

type derivativeTimeLimiter struct {
	model        nnet.Model
	minDerivTime int
	maxDerivTime int
	comp         *computation.Computation

	wholeSubmatrices []int
	pruneInfo        []matrixPruneInfo

	// submatrixMap[s] is s narrowed to the in-window rows: s itself if
	// its matrix is fully inside, 0 if there is no overlap, otherwise
	// a new sub-matrix. submatrixMapIfDeriv applies the mapping only
	// to derivative matrices.
	submatrixMap        []int
	submatrixMapIfDeriv []int
}

func (l *derivativeTimeLimiter) limit() {
	l.wholeSubmatrices = l.comp.WholeSubmatrices()
	l.computeMatrixPruneInfo()
	l.computeSubmatrixMaps()
	for i := range l.comp.Commands {
		l.modifyCommand(&l.comp.Commands[i])
	}
	l.pruneMatrices()
	RemoveNoOps(l.comp)
	RenumberComputation(l.comp)
	log.Debug("limited derivative times", "min", l.minDerivTime, "max", l.maxDerivTime,
		"matrices", len(l.comp.Matrices)-1)
}

func (l *derivativeTimeLimiter) computeMatrixPruneInfo() {
	if len(l.comp.MatrixDebug) != len(l.comp.Matrices) {
		panic("optimize: limiting derivative times requires debug info")
	}
	l.pruneInfo = make([]matrixPruneInfo, len(l.comp.Matrices))
	for m := 1; m < len(l.comp.Matrices); m++ {
		cindexes := l.comp.MatrixDebug[m].Cindexes
		numRows := l.comp.Matrices[m].NumRows
		if len(cindexes) != numRows {
			panic(fmt.Sprintf("optimize: m%d debug info does not cover its rows", m))
		}
		firstInside, lastInside := numRows, -1
		for i, ci := range cindexes {
			if ci.T >= l.minDerivTime && ci.T <= l.maxDerivTime {
				if i < firstInside {
					firstInside = i
				}
				if i > lastInside {
					lastInside = i
				}
			}
		}
		info := &l.pruneInfo[m]
		switch {
		case lastInside == -1:
			// fully outside
		case firstInside == 0 && lastInside == numRows-1:
			info.fullyInside = true
		default:
			info.partlyInside = true
			info.rowBegin = firstInside
			info.rowEnd = lastInside + 1
		}
	}
}

func (l *derivativeTimeLimiter) computeSubmatrixMaps() {
	numSubmatrices := len(l.comp.SubMatrices)
	l.submatrixMap = make([]int, numSubmatrices)
	l.submatrixMapIfDeriv = make([]int, numSubmatrices)
	for s := 1; s < numSubmatrices; s++ {
		sub := l.comp.SubMatrices[s]
		m := sub.MatrixIndex
		info := &l.pruneInfo[m]
		switch {
		case info.fullyInside:
			l.submatrixMap[s] = s
		case !info.partlyInside:
			l.submatrixMap[s] = 0
		default:
			prunedBegin := info.rowBegin
			if sub.RowOffset > prunedBegin {
				prunedBegin = sub.RowOffset
			}
			prunedEnd := info.rowEnd
			if sub.RowOffset+sub.NumRows < prunedEnd {
				prunedEnd = sub.RowOffset + sub.NumRows
			}
			if prunedEnd <= prunedBegin {
				l.submatrixMap[s] = 0
			} else {
				l.submatrixMap[s] = l.comp.NewSubMatrix(s,
					prunedBegin-sub.RowOffset, prunedEnd-prunedBegin, 0, -1)
			}
		}
		if l.comp.MatrixDebug[m].IsDeriv {
			l.submatrixMapIfDeriv[s] = l.submatrixMap[s]
		} else {
			l.submatrixMapIfDeriv[s] = s
		}
	}
}

// getPruneValues returns how many rows the mapping removed from the
// start of the original sub-matrix, and optionally from its end.
func (l *derivativeTimeLimiter) getPruneValues(initial, mapped int, rightPrune *int) (leftPrune int) {
	initialInfo := l.comp.SubMatrices[initial]
	mappedInfo := l.comp.SubMatrices[mapped]
	if initialInfo.MatrixIndex != mappedInfo.MatrixIndex {
		panic("optimize: prune values across different matrices")
	}
	leftPrune = mappedInfo.RowOffset - initialInfo.RowOffset
	if rightPrune != nil {
		*rightPrune = initialInfo.NumRows - mappedInfo.NumRows - leftPrune
		if leftPrune < 0 || *rightPrune < 0 {
			panic("optimize: negative prune amount")
		}
	}
	return leftPrune
}

func (l *derivativeTimeLimiter) modifyCommand(c *computation.Command) {
	switch c.Type {
	case computation.AllocUndefined, computation.AllocFromOther,
		computation.AllocFromOtherZeroed:
		panic("optimize: undefined or from-other allocation present while limiting derivative times")
	case computation.AllocZeroed, computation.Dealloc:
		// Allocation sizes are fixed up in pruneMatrices.
	case computation.Propagate:
		// Forward computation is never limited.
	case computation.StoreStats:
		if l.model.Component(c.Arg1).Properties()&nnet.SimpleComponent != 0 {
			mapped := l.submatrixMap[c.Arg2]
			if mapped == 0 {
				c.Type = computation.NoOperation
			} else {
				c.Arg2 = mapped
			}
		}
	case computation.Backprop, computation.BackpropNoModelUpdate:
		if l.model.Component(c.Arg1).Properties()&nnet.SimpleComponent == 0 {
			// Non-simple components would need their precomputed
			// indexes rebuilt; leave them alone.
			return
		}
		mappedInput := l.submatrixMap[c.Arg3]
		mappedOutput := l.submatrixMap[c.Arg4]
		mappedOutputDeriv := l.submatrixMap[c.Arg5]
		mappedInputDeriv := l.submatrixMap[c.Arg6]
		if mappedOutputDeriv == 0 {
			if mappedInputDeriv != 0 || mappedInput != 0 || mappedOutput != 0 {
				panic("optimize: inconsistent backprop pruning")
			}
			c.Type = computation.NoOperation
		} else if mappedOutputDeriv != c.Arg5 {
			c.Arg3 = mappedInput
			c.Arg4 = mappedOutput
			c.Arg5 = mappedOutputDeriv
			c.Arg6 = mappedInputDeriv
		}
	case computation.MatrixCopy, computation.MatrixAdd:
		l.mapSimpleMatrixCommand(c)
	case computation.CopyRows, computation.AddRows:
		l.mapIndexesCommand(c)
	case computation.CopyRowsMulti, computation.CopyToRowsMulti,
		computation.AddRowsMulti, computation.AddToRowsMulti:
		l.mapIndexesMultiCommand(c)
	case computation.AddRowRanges:
		l.mapAddRowRangesCommand(c)
	case computation.AcceptInput, computation.ProvideOutput,
		computation.NoOperation, computation.NoOperationMarker:
	default:
		panic(fmt.Sprintf("optimize: cannot limit derivative times over %s", c.Type))
	}
}

func (l *derivativeTimeLimiter) mapSimpleMatrixCommand(c *computation.Command) {
	mapped1 := l.submatrixMapIfDeriv[c.Arg1]
	mapped2 := l.submatrixMapIfDeriv[c.Arg2]
	if mapped1 == c.Arg1 && mapped2 == c.Arg2 {
		return
	}
	if mapped1 == 0 || mapped2 == 0 {
		c.Type = computation.NoOperation
		return
	}
	origNumRows := l.comp.SubMatrices[c.Arg1].NumRows
	var rightPrune1, rightPrune2 int
	leftPrune1 := l.getPruneValues(c.Arg1, mapped1, &rightPrune1)
	leftPrune2 := l.getPruneValues(c.Arg2, mapped2, &rightPrune2)
	if leftPrune1 == leftPrune2 && rightPrune1 == rightPrune2 {
		c.Arg1 = mapped1
		c.Arg2 = mapped2
		return
	}
	// The two sides were pruned differently; re-slice both to the
	// intersection of what survives.
	leftPrune := leftPrune1
	if leftPrune2 > leftPrune {
		leftPrune = leftPrune2
	}
	rightPrune := rightPrune1
	if rightPrune2 > rightPrune {
		rightPrune = rightPrune2
	}
	if leftPrune+rightPrune >= origNumRows {
		c.Type = computation.NoOperation
		return
	}
	numRows := origNumRows - leftPrune - rightPrune
	c.Arg1 = l.comp.NewSubMatrix(c.Arg1, leftPrune, numRows, 0, -1)
	c.Arg2 = l.comp.NewSubMatrix(c.Arg2, leftPrune, numRows, 0, -1)
}

func (l *derivativeTimeLimiter) mapIndexesCommand(c *computation.Command) {
	outputSubmatrix := c.Arg1
	inputSubmatrix := c.Arg2
	inputMapped := l.submatrixMapIfDeriv[inputSubmatrix]
	outputMapped := l.submatrixMapIfDeriv[outputSubmatrix]
	if inputMapped == inputSubmatrix && outputMapped == outputSubmatrix {
		return
	}
	if inputMapped == 0 || outputMapped == 0 {
		// One side is all zeros. Making the command a no-op is safe
		// even for CopyRows: the compiler zero-initializes
		// destinations, and this pass runs before rewrites that could
		// change that.
		c.Type = computation.NoOperation
		return
	}
	oldIndexes := l.comp.Indexes[c.Arg3]
	leftPruneInput := l.getPruneValues(inputSubmatrix, inputMapped, nil)
	leftPruneOutput := l.getPruneValues(outputSubmatrix, outputMapped, nil)
	newNumInputRows := l.comp.SubMatrices[inputMapped].NumRows
	newNumOutputRows := l.comp.SubMatrices[outputMapped].NumRows
	newIndexes := make([]int, newNumOutputRows)
	mustKeepCommand := false
	for i := 0; i < newNumOutputRows; i++ {
		origIndex := oldIndexes[i+leftPruneOutput]
		if origIndex == -1 {
			newIndexes[i] = -1
			continue
		}
		mappedIndex := origIndex - leftPruneInput
		if mappedIndex >= 0 && mappedIndex < newNumInputRows {
			newIndexes[i] = mappedIndex
			mustKeepCommand = true
		} else {
			// Reads a row we are asserting is zero.
			newIndexes[i] = -1
		}
	}
	if !mustKeepCommand {
		c.Type = computation.NoOperation
		return
	}
	c.Arg1 = outputMapped
	c.Arg2 = inputMapped
	c.Arg3 = len(l.comp.Indexes)
	l.comp.Indexes = append(l.comp.Indexes, newIndexes)
}

func (l *derivativeTimeLimiter) mapIndexesMultiCommand(c *computation.Command) {
	submatrixArg := c.Arg1
	mapped := l.submatrixMapIfDeriv[submatrixArg]
	if mapped == 0 {
		c.Type = computation.NoOperation
		return
	}
	leftPrune := l.getPruneValues(submatrixArg, mapped, nil)
	newNumRows := l.comp.SubMatrices[mapped].NumRows
	oldPairs := l.comp.IndexesMulti[c.Arg2]
	newPairs := make([]computation.SubRow, newNumRows)
	for i := 0; i < newNumRows; i++ {
		pair := oldPairs[i+leftPrune]
		if pair.SubMatrix != -1 {
			pairMapped := l.submatrixMapIfDeriv[pair.SubMatrix]
			switch {
			case pairMapped == pair.SubMatrix:
			case pairMapped == 0:
				pair = computation.SubRow{SubMatrix: -1, Row: -1}
			default:
				pairLeftPrune := l.getPruneValues(pair.SubMatrix, pairMapped, nil)
				rowMapped := pair.Row - pairLeftPrune
				if rowMapped >= 0 && rowMapped < l.comp.SubMatrices[pairMapped].NumRows {
					pair = computation.SubRow{SubMatrix: pairMapped, Row: rowMapped}
				} else {
					pair = computation.SubRow{SubMatrix: -1, Row: -1}
				}
			}
		}
		newPairs[i] = pair
	}
	if mapped == submatrixArg && subRowsEqual(newPairs, oldPairs) {
		return
	}
	canDelete := true
	for _, pair := range newPairs {
		if pair.SubMatrix != -1 {
			canDelete = false
			break
		}
	}
	if canDelete {
		c.Type = computation.NoOperation
		return
	}
	c.Arg1 = mapped
	c.Arg2 = len(l.comp.IndexesMulti)
	l.comp.IndexesMulti = append(l.comp.IndexesMulti, newPairs)
}

func (l *derivativeTimeLimiter) mapAddRowRangesCommand(c *computation.Command) {
	destMapped := l.submatrixMapIfDeriv[c.Arg1]
	srcMapped := l.submatrixMapIfDeriv[c.Arg2]
	if destMapped == c.Arg1 && srcMapped == c.Arg2 {
		return
	}
	if destMapped == 0 || srcMapped == 0 {
		c.Type = computation.NoOperation
		return
	}
	destNumRows := l.comp.SubMatrices[destMapped].NumRows
	srcNumRows := l.comp.SubMatrices[srcMapped].NumRows
	destLeftPrune := l.getPruneValues(c.Arg1, destMapped, nil)
	srcLeftPrune := l.getPruneValues(c.Arg2, srcMapped, nil)
	oldRanges := l.comp.IndexesRanges[c.Arg3]
	newRanges := make([]computation.RowRange, destNumRows)
	for i := 0; i < destNumRows; i++ {
		r := oldRanges[i+destLeftPrune]
		newBegin := clampInt(r.Begin-srcLeftPrune, 0, srcNumRows-1)
		newEnd := clampInt(r.End-srcLeftPrune, 0, srcNumRows-1)
		if newBegin == newEnd {
			newBegin, newEnd = -1, -1
		}
		if newEnd < newBegin {
			panic("optimize: inverted row range while pruning")
		}
		newRanges[i] = computation.RowRange{Begin: newBegin, End: newEnd}
	}
	c.Arg1 = destMapped
	c.Arg2 = srcMapped
	c.Arg3 = len(l.comp.IndexesRanges)
	l.comp.IndexesRanges = append(l.comp.IndexesRanges, newRanges)
}

// canLimitMatrix reports whether the rows of derivative matrix m
// outside the window are never accessed except at allocation, so the
// matrix can be physically shrunk.
func (l *derivativeTimeLimiter) canLimitMatrix(an *analysis.Analyzer, m int) bool {
	sWhole := l.wholeSubmatrices[m]
	sMapped := l.submatrixMap[sWhole]
	if sMapped == 0 || sMapped == sWhole {
		panic("optimize: canLimitMatrix on unpruned matrix")
	}
	var wholeVariables, mappedVariables []int
	an.Variables.AppendVariablesForSubmatrix(sWhole, &wholeVariables)
	an.Variables.AppendVariablesForSubmatrix(sMapped, &mappedVariables)
	mappedSet := make(map[int]bool, len(mappedVariables))
	for _, v := range mappedVariables {
		mappedSet[v] = true
	}
	allocateCommand := an.MatrixAccesses[m].AllocateCommand
	for _, v := range wholeVariables {
		if mappedSet[v] {
			continue
		}
		for _, acc := range an.VariableAccesses[v] {
			if acc.CommandIndex != allocateCommand {
				log.Debug("cannot shrink derivative matrix", "matrix", m)
				return false
			}
		}
	}
	return true
}

func (l *derivativeTimeLimiter) limitMatrices(willLimit []bool) {
	for s := 1; s < len(l.comp.SubMatrices); s++ {
		sub := &l.comp.SubMatrices[s]
		m := sub.MatrixIndex
		if !willLimit[m] {
			continue
		}
		info := &l.pruneInfo[m]
		matrixNumRows := info.rowEnd - info.rowBegin
		if !info.partlyInside || matrixNumRows <= 0 ||
			matrixNumRows >= l.comp.Matrices[m].NumRows {
			panic("optimize: limiting a matrix that needs no limiting")
		}
		newRowBegin := sub.RowOffset - info.rowBegin
		switch {
		case newRowBegin >= 0 && sub.NumRows+newRowBegin <= matrixNumRows:
			// fully inside the kept range: shift for the truncation on
			// the left.
			sub.RowOffset = newRowBegin
		case l.comp.IsWholeMatrix(s):
			// whole-matrix views survive in allocation commands; they
			// become the whole of the shrunken matrix.
			sub.NumRows = matrixNumRows
		default:
			// This view should be unreachable now. Give it a valid but
			// useless 1x1 shape so accidental use fails loudly.
			sub.RowOffset = 0
			sub.NumRows = 1
			sub.ColOffset = 0
			sub.NumCols = 1
		}
	}
	for m := 1; m < len(l.comp.Matrices); m++ {
		if !willLimit[m] {
			continue
		}
		info := &l.pruneInfo[m]
		debug := &l.comp.MatrixDebug[m]
		if len(debug.Cindexes) != l.comp.Matrices[m].NumRows {
			panic("optimize: debug info out of step while limiting")
		}
		debug.Cindexes = debug.Cindexes[info.rowBegin:info.rowEnd]
		l.comp.Matrices[m].NumRows = info.rowEnd - info.rowBegin
	}
}

func (l *derivativeTimeLimiter) pruneMatrices() {
	var an analysis.Analyzer
	an.Init(l.model, l.comp)
	willLimit := make([]bool, len(l.comp.Matrices))
	limitAny := false
	for m := 1; m < len(l.comp.Matrices); m++ {
		accesses := &an.MatrixAccesses[m]
		info := &l.pruneInfo[m]
		if info.fullyInside || accesses.IsInput || accesses.IsOutput ||
			!l.comp.MatrixDebug[m].IsDeriv {
			continue
		}
		if !info.partlyInside {
			// fully outside the window: drop the matrix if nothing but
			// its allocation ever touches it.
			if len(accesses.Accesses) == 0 ||
				(len(accesses.Accesses) == 1 &&
					accesses.Accesses[0].CommandIndex == accesses.AllocateCommand) {
				if accesses.AllocateCommand < 0 || accesses.DeallocateCommand < 0 {
					panic("optimize: pruned matrix has no lifetime commands")
				}
				l.comp.Commands[accesses.AllocateCommand].Type = computation.NoOperation
				l.comp.Commands[accesses.DeallocateCommand].Type = computation.NoOperation
			}
		} else if l.canLimitMatrix(&an, m) {
			willLimit[m] = true
			limitAny = true
		}
	}
	if limitAny {
		l.limitMatrices(willLimit)
	}
}

func clampInt(x, lo, hi int) int {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

func subRowsEqual(a, b []computation.SubRow) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
