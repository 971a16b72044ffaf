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
	"sort"

	"github.com/ethereum/go-ethereum/log"

	"github.com/M4niex13/kaldi/nnet"
	"github.com/M4niex13/kaldi/nnet/analysis"
	"github.com/M4niex13/kaldi/nnet/computation"
)

// OptimizeLoopedComputation turns an unrolled streaming computation
// (segments separated by NoOperationMarker commands, each shifted in
// time from the previous one) into an infinite loop: it finds two
// segment boundaries whose sets of live matrices are identical up to a
// time shift, truncates the command list at the second one, swaps the
// second boundary's matrices into the first boundary's, and jumps back
// with GotoLabel. Returns false, leaving the computation untouched,
// when no such pair of boundaries exists. Requires debug info.
func OptimizeLoopedComputation(model nnet.Model, comp *computation.Computation) bool {
	o := loopedOptimizer{model: model, comp: comp}
	return o.optimize()
}

// GetSegmentEnds returns the command indexes of the NoOperationMarker
// commands, which separate the segments of an unrolled computation.
func GetSegmentEnds(comp *computation.Computation) []int {
	var ends []int
	for c, cmd := range comp.Commands {
		if cmd.Type == computation.NoOperationMarker {
			ends = append(ends, c)
		}
	}
	return ends
}

type loopedOptimizer struct {
	model    nnet.Model
	comp     *computation.Computation
	analyzer analysis.Analyzer
}

// matrixPair identifies a matrix by the shape of its row tags: two
// matrices whose cindex vectors differ only by a uniform time shift
// (and agree on is-deriv) share a ClassID, and TimeOffset is the t of
// the first row.
type matrixPair struct {
	ClassID    int
	TimeOffset int
}

func (o *loopedOptimizer) optimize() bool {
	if len(o.comp.MatrixDebug) == 0 {
		panic("optimize: looped optimization requires debug info")
	}
	o.analyzer.Init(o.model, o.comp)

	segmentEnds := GetSegmentEnds(o.comp)
	if len(segmentEnds) < 3 {
		log.Debug("too few segments to form a loop", "segments", len(segmentEnds))
		return false
	}
	timeShiftPerSegment := o.findTimeShift(segmentEnds)

	// The end of the very last segment is not a candidate splice
	// point; the sequence we want is prologue + repeating body.
	segmentEnds = segmentEnds[:len(segmentEnds)-1]

	activeMatrices := o.findActiveMatrices(segmentEnds)
	matrixToPair := o.createMatrixPairs()
	pairToMatrix := make(map[matrixPair]int, len(matrixToPair))
	for m := 1; m < len(matrixToPair); m++ {
		pairToMatrix[matrixToPair[m]] = m
	}
	pairLists := make([][]matrixPair, len(activeMatrices))
	for seg, matrices := range activeMatrices {
		pairLists[seg] = make([]matrixPair, len(matrices))
		for i, m := range matrices {
			pairLists[seg][i] = matrixToPair[m]
		}
	}
	timeOffsets := normalizePairLists(pairLists)

	seg1, seg2, ok := findFirstRepeat(pairLists, timeOffsets, timeShiftPerSegment)
	if !ok {
		log.Debug("no repeating set of live matrices found")
		return false
	}

	// Undo the normalization for the two chosen segments and map the
	// pairs back to matrix indexes.
	for i := range pairLists[seg1] {
		pairLists[seg1][i].TimeOffset += timeOffsets[seg1]
	}
	for i := range pairLists[seg2] {
		pairLists[seg2][i].TimeOffset += timeOffsets[seg2]
	}
	seg1Matrices := pairListToMatrixList(pairLists[seg1], pairToMatrix)
	seg2Matrices := pairListToMatrixList(pairLists[seg2], pairToMatrix)

	timeDifference := timeOffsets[seg2] - timeOffsets[seg1]
	o.checkIdentifiedMatrices(seg1Matrices, seg2Matrices, timeDifference)

	formInfiniteLoop(segmentEnds[seg1], segmentEnds[seg2], o.comp)
	addMatrixSwapCommands(seg1Matrices, seg2Matrices, o.comp)
	RenumberComputation(o.comp)
	FixGotoLabel(o.comp)
	log.Debug("formed looped computation", "splice1", segmentEnds[seg1],
		"splice2", segmentEnds[seg2], "time_difference", timeDifference)
	return true
}

// findTimeShift works out the per-segment time shift by comparing the
// first output of the second segment with the first output of the
// third. The first segment is ignored since it tends to carry extra
// left context.
func (o *loopedOptimizer) findTimeShift(segmentEnds []int) int {
	secondBegin := segmentEnds[0]
	thirdBegin := segmentEnds[1]
	fourthBegin := segmentEnds[2]
	firstOutputSeg2, firstOutputSeg3 := -1, -1
	for c := secondBegin; c < thirdBegin; c++ {
		if o.comp.Commands[c].Type == computation.ProvideOutput {
			firstOutputSeg2 = c
			break
		}
	}
	for c := thirdBegin; c < fourthBegin; c++ {
		if o.comp.Commands[c].Type == computation.ProvideOutput {
			firstOutputSeg3 = c
			break
		}
	}
	if firstOutputSeg2 < 0 || firstOutputSeg3 < 0 {
		panic("optimize: could not locate outputs of segments 2 and 3")
	}
	command2 := o.comp.Commands[firstOutputSeg2]
	command3 := o.comp.Commands[firstOutputSeg3]
	if command2.Arg2 != command3.Arg2 {
		panic("optimize: successive segments output different nodes")
	}
	if !o.comp.IsWholeMatrix(command2.Arg1) || !o.comp.IsWholeMatrix(command3.Arg1) {
		panic("optimize: segment outputs are not whole matrices")
	}
	m2 := o.comp.SubMatrices[command2.Arg1].MatrixIndex
	m3 := o.comp.SubMatrices[command3.Arg1].MatrixIndex
	debug2 := &o.comp.MatrixDebug[m2]
	debug3 := &o.comp.MatrixDebug[m3]
	if len(debug2.Cindexes) != len(debug3.Cindexes) || len(debug2.Cindexes) == 0 {
		panic("optimize: segment outputs differ in size")
	}
	tOffset := debug3.Cindexes[0].T - debug2.Cindexes[0].T
	for r := range debug2.Cindexes {
		if debug3.Cindexes[r].T != debug2.Cindexes[r].T+tOffset {
			panic("optimize: segment outputs are not uniformly time shifted")
		}
	}
	return tOffset
}

// findActiveMatrices returns, per segment end, the matrices written
// before that point and still read after it, in increasing matrix
// order.
func (o *loopedOptimizer) findActiveMatrices(segmentEnds []int) [][]int {
	active := make([][]int, len(segmentEnds))
	an := analysis.NewAnalysis(o.comp, &o.analyzer)
	wholeSubmatrices := o.comp.WholeSubmatrices()
	for m := 1; m < len(o.comp.Matrices); m++ {
		s := wholeSubmatrices[m]
		firstAccess := an.FirstAccess(s)
		lastAccess := an.LastAccess(s)
		for seg, segmentEnd := range segmentEnds {
			if firstAccess < segmentEnd && lastAccess > segmentEnd {
				active[seg] = append(active[seg], m)
			}
		}
	}
	return active
}

// createMatrixPairs maps every matrix to its (class, time-offset)
// pair. The class identifies the cindex vector normalized to start at
// t=0, combined with the is-deriv flag.
func (o *loopedOptimizer) createMatrixPairs() []matrixPair {
	classOf := make(map[string]int)
	nextClass := 1
	out := make([]matrixPair, len(o.comp.Matrices))
	for m := 1; m < len(o.comp.Matrices); m++ {
		debug := &o.comp.MatrixDebug[m]
		if len(debug.Cindexes) == 0 {
			panic(fmt.Sprintf("optimize: m%d has no cindexes", m))
		}
		tOffset := debug.Cindexes[0].T
		key := normalizedCindexKey(debug.Cindexes, tOffset)
		classID, ok := classOf[key]
		if !ok {
			classID = nextClass
			nextClass++
			classOf[key] = classID
		}
		uniqueID := 2 * classID
		if debug.IsDeriv {
			uniqueID++
		}
		out[m] = matrixPair{ClassID: uniqueID, TimeOffset: tOffset}
	}
	return out
}

func normalizedCindexKey(cindexes []computation.Cindex, tOffset int) string {
	// A textual key is fine here; matrix counts are small.
	b := make([]byte, 0, len(cindexes)*8)
	for _, ci := range cindexes {
		b = append(b, fmt.Sprintf("%d.%d.%d,", ci.N, ci.T-tOffset, ci.X)...)
	}
	return string(b)
}

// normalizePairLists sorts each per-segment pair list and shifts its
// time offsets so the first pair starts at zero, returning the
// subtracted offsets. Equal normalized lists then mean "the same live
// set, shifted in time".
func normalizePairLists(pairLists [][]matrixPair) []int {
	timeOffsets := make([]int, len(pairLists))
	for seg, pairs := range pairLists {
		sort.Slice(pairs, func(i, j int) bool {
			if pairs[i].ClassID != pairs[j].ClassID {
				return pairs[i].ClassID < pairs[j].ClassID
			}
			return pairs[i].TimeOffset < pairs[j].TimeOffset
		})
		var offset int
		if len(pairs) > 0 {
			offset = pairs[0].TimeOffset
		} else if seg > 0 {
			// keep empty-list offsets increasing so the repeat search
			// stays well defined.
			offset = timeOffsets[seg-1] + 1
		}
		timeOffsets[seg] = offset
		for i := range pairs {
			pairs[i].TimeOffset -= offset
		}
	}
	return timeOffsets
}

// findFirstRepeat looks for the first pair of segments with equal
// normalized live sets. Unless the final live set is empty, the two
// segments' time offsets must also differ by exactly the expected
// multiple of the per-segment shift; this rejects coincidental matches
// in setups where some inputs are never used.
func findFirstRepeat(pairLists [][]matrixPair, timeOffsets []int,
	timeShiftPerSegment int) (seg1, seg2 int, ok bool) {
	numSegments := len(pairLists)
	performTimeOffsetCheck := len(pairLists[numSegments-1]) != 0
	for s := 0; s < numSegments; s++ {
		for t := s + 1; t < numSegments; t++ {
			if performTimeOffsetCheck &&
				timeOffsets[t]-timeOffsets[s] != (t-s)*timeShiftPerSegment {
				continue
			}
			if pairListsEqual(pairLists[s], pairLists[t]) {
				return s, t, true
			}
		}
	}
	return 0, 0, false
}

func pairListsEqual(a, b []matrixPair) bool {
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

func pairListToMatrixList(pairs []matrixPair, pairToMatrix map[matrixPair]int) []int {
	out := make([]int, len(pairs))
	for i, p := range pairs {
		m, ok := pairToMatrix[p]
		if !ok {
			panic("optimize: live pair has no matrix")
		}
		out[i] = m
	}
	return out
}

// checkIdentifiedMatrices verifies that the matched matrices really
// are copies of each other shifted by timeDifference; a mismatch means
// the repeat detection identified the wrong matrices.
func (o *loopedOptimizer) checkIdentifiedMatrices(list1, list2 []int, timeDifference int) {
	if timeDifference <= 0 || len(list1) != len(list2) {
		panic("optimize: bad matrix identification")
	}
	for i := range list1 {
		m1, m2 := list1[i], list2[i]
		if o.comp.Matrices[m1] != o.comp.Matrices[m2] {
			panic(fmt.Sprintf("optimize: identified matrices m%d and m%d differ in shape", m1, m2))
		}
		debug1 := &o.comp.MatrixDebug[m1]
		debug2 := &o.comp.MatrixDebug[m2]
		if debug1.IsDeriv != debug2.IsDeriv ||
			len(debug1.Cindexes) != len(debug2.Cindexes) {
			panic(fmt.Sprintf("optimize: identified matrices m%d and m%d differ in kind", m1, m2))
		}
		for r := range debug1.Cindexes {
			c1, c2 := debug1.Cindexes[r], debug2.Cindexes[r]
			if c2.N != c1.N || c2.T != c1.T+timeDifference || c2.X != c1.X {
				panic(fmt.Sprintf("optimize: identified matrices m%d and m%d rows disagree", m1, m2))
			}
		}
	}
}

// formInfiniteLoop truncates the computation after command2, replaces
// that marker with a jump back to command1's position, and inserts the
// jump target label there. Both commands must be segment markers with
// command1 < command2.
func formInfiniteLoop(command1, command2 int, comp *computation.Computation) {
	if command1 >= command2 || command2 >= len(comp.Commands) ||
		comp.Commands[command1].Type != computation.NoOperationMarker ||
		comp.Commands[command2].Type != computation.NoOperationMarker {
		panic("optimize: bad splice points for loop formation")
	}
	comp.Commands = comp.Commands[:command2+1]
	comp.Commands[command2] = computation.NewCommand(computation.GotoLabel, command1)
	label := computation.NewCommand(computation.NoOperationLabel)
	comp.Commands = append(comp.Commands, computation.Command{})
	copy(comp.Commands[command1+1:], comp.Commands[command1:])
	comp.Commands[command1] = label
	// The goto's target still holds: the label now sits at command1.
}

// addMatrixSwapCommands inserts, just before the final goto, swap
// commands that rebind each matrix of matrices1 to the storage of its
// counterpart in matrices2, ordered so overlapping lists still work.
func addMatrixSwapCommands(matrices1, matrices2 []int, comp *computation.Computation) {
	swaps := getMatrixSwapOrder(matrices1, matrices2)
	gotoCommand := comp.Commands[len(comp.Commands)-1]
	if gotoCommand.Type != computation.GotoLabel {
		panic("optimize: swap commands must go before a trailing goto")
	}
	comp.Commands = comp.Commands[:len(comp.Commands)-1]
	wholeSubmatrices := comp.WholeSubmatrices()
	for _, swap := range swaps {
		comp.Commands = append(comp.Commands, computation.NewCommand(
			computation.AllocFromOther,
			wholeSubmatrices[swap[0]], wholeSubmatrices[swap[1]]))
	}
	comp.Commands = append(comp.Commands, gotoCommand)
}

// getMatrixSwapOrder schedules the swaps (matrices1[i], matrices2[i])
// so that a matrix appearing in both lists is swapped out of before it
// is swapped into. Cycles cannot occur: each pair's second matrix
// holds strictly later times than its first.
func getMatrixSwapOrder(matrices1, matrices2 []int) [][2]int {
	if len(matrices1) != len(matrices2) {
		panic("optimize: mismatched swap lists")
	}
	n := len(matrices1)
	positionIn2 := make(map[int]int, n)
	for i, m := range matrices2 {
		positionIn2[m] = i
	}
	swaps := make([][2]int, 0, n)
	processed := make([]bool, n)
	for rounds := 0; len(swaps) < n; rounds++ {
		if rounds > n {
			panic("optimize: swap scheduling did not terminate")
		}
		for i := 0; i < n; i++ {
			if processed[i] {
				continue
			}
			m1, m2 := matrices1[i], matrices2[i]
			pos, inSecondList := positionIn2[m1]
			if !inSecondList || processed[pos] {
				swaps = append(swaps, [2]int{m1, m2})
				processed[i] = true
			}
		}
	}
	return swaps
}
