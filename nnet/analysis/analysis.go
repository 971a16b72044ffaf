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

import "github.com/M4niex13/kaldi/nnet/computation"

// Analysis answers ordering queries about one computation, given the
// access lists an Analyzer computed for it.
type Analysis struct {
	comp *computation.Computation
	an   *Analyzer
}

// NewAnalysis wraps a computation and its analyzer. Both must stay
// unmodified while the Analysis is in use.
func NewAnalysis(comp *computation.Computation, an *Analyzer) *Analysis {
	return &Analysis{comp: comp, an: an}
}

// FirstAccess returns the index of the first command that accesses any
// part of sub-matrix s, not counting the allocation command of its
// matrix. Returns -1 if the matrix is an input (its data exists before
// the computation runs), or the command count if nothing accesses it.
func (a *Analysis) FirstAccess(s int) int {
	m := a.comp.SubMatrices[s].MatrixIndex
	if a.an.MatrixAccesses[m].IsInput {
		return -1
	}
	ans := len(a.comp.Commands)
	alloc := a.an.MatrixAccesses[m].AllocateCommand
	var variables []int
	a.an.Variables.AppendVariablesForSubmatrix(s, &variables)
	for _, v := range variables {
		for _, acc := range a.an.VariableAccesses[v] {
			if acc.CommandIndex != alloc {
				if acc.CommandIndex < ans {
					ans = acc.CommandIndex
				}
				break
			}
		}
	}
	return ans
}

// FirstAccessAfter returns the index of the first command strictly
// after command c that accesses any part of sub-matrix s, not
// counting the deallocation of its matrix, or the command count if
// there is none.
func (a *Analysis) FirstAccessAfter(c, s int) int {
	m := a.comp.SubMatrices[s].MatrixIndex
	dealloc := a.an.MatrixAccesses[m].DeallocateCommand
	ans := len(a.comp.Commands)
	var variables []int
	a.an.Variables.AppendVariablesForSubmatrix(s, &variables)
	for _, v := range variables {
		for _, acc := range a.an.VariableAccesses[v] {
			if acc.CommandIndex > c && acc.CommandIndex != dealloc {
				if acc.CommandIndex < ans {
					ans = acc.CommandIndex
				}
				break
			}
		}
	}
	return ans
}

// FirstMatrixAccess is FirstAccess at whole-matrix granularity.
func (a *Analysis) FirstMatrixAccess(m int) int {
	ma := &a.an.MatrixAccesses[m]
	if ma.IsInput {
		return -1
	}
	for _, acc := range ma.Accesses {
		if acc.CommandIndex != ma.AllocateCommand {
			return acc.CommandIndex
		}
	}
	return len(a.comp.Commands)
}

// LastAccess returns the index of the last command that accesses any
// part of sub-matrix s, not counting the deallocation of its matrix,
// or -1 if nothing accesses it. A ProvideOutput counts as a read, so
// for output matrices this is at latest the providing command.
func (a *Analysis) LastAccess(s int) int {
	m := a.comp.SubMatrices[s].MatrixIndex
	dealloc := a.an.MatrixAccesses[m].DeallocateCommand
	ans := -1
	var variables []int
	a.an.Variables.AppendVariablesForSubmatrix(s, &variables)
	for _, v := range variables {
		accs := a.an.VariableAccesses[v]
		for i := len(accs) - 1; i >= 0; i-- {
			if accs[i].CommandIndex != dealloc {
				if accs[i].CommandIndex > ans {
					ans = accs[i].CommandIndex
				}
				break
			}
		}
	}
	return ans
}

// LastWriteAccess returns the index of the last command that writes
// any part of sub-matrix s, or -1 if none does.
func (a *Analysis) LastWriteAccess(s int) int {
	ans := -1
	var variables []int
	a.an.Variables.AppendVariablesForSubmatrix(s, &variables)
	for _, v := range variables {
		accs := a.an.VariableAccesses[v]
		for i := len(accs) - 1; i >= 0; i-- {
			if accs[i].Type != ReadAccess {
				if accs[i].CommandIndex > ans {
					ans = accs[i].CommandIndex
				}
				break
			}
		}
	}
	return ans
}

// DataInvalidatedCommand returns the index of the earliest command
// after c that writes any part of sub-matrix s, so the data readable
// through s just after command c is unchanged up to (but not
// including) the returned index. Defaults to the deallocation command
// of s's matrix, or the command count if it has none.
func (a *Analysis) DataInvalidatedCommand(c, s int) int {
	m := a.comp.SubMatrices[s].MatrixIndex
	ans := a.an.MatrixAccesses[m].DeallocateCommand
	if ans == -1 {
		ans = len(a.comp.Commands)
	}
	var variables []int
	a.an.Variables.AppendVariablesForSubmatrix(s, &variables)
	for _, v := range variables {
		for _, acc := range a.an.VariableAccesses[v] {
			if acc.CommandIndex > c && acc.Type != ReadAccess {
				if acc.CommandIndex < ans {
					ans = acc.CommandIndex
				}
				break
			}
		}
	}
	return ans
}
