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
	"io"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"
)

// RLP cannot represent negative integers or maps, so the wire form
// zigzag-codes every signed field (index tables carry -1 sentinels and
// time tags may be negative) and flattens the io map into a list of
// entries sorted by node.

func zigzag(x int) uint64 {
	v := int64(x)
	return uint64((v << 1) ^ (v >> 63))
}

func unzigzag(u uint64) int {
	return int(int64(u>>1) ^ -int64(u&1))
}

type extMatrix struct {
	NumRows uint64
	NumCols uint64
	Stride  uint64
}

type extSubMatrix struct {
	MatrixIndex uint64
	RowOffset   uint64
	NumRows     uint64
	ColOffset   uint64
	NumCols     uint64
}

type extCindex struct {
	N uint64
	T uint64
	X uint64
}

type extDebugInfo struct {
	IsDeriv  bool
	Cindexes []extCindex
}

type extSubRow struct {
	SubMatrix uint64
	Row       uint64
}

type extRowRange struct {
	Begin uint64
	End   uint64
}

type extIOEntry struct {
	Node  uint64
	Value uint64
	Deriv uint64
}

type extCommand struct {
	Type uint64
	Args []uint64
}

type extComputation struct {
	Matrices            []extMatrix
	MatrixDebug         []extDebugInfo
	SubMatrices         []extSubMatrix
	Indexes             [][]uint64
	IndexesMulti        [][]extSubRow
	IndexesRanges       [][]extRowRange
	IOInfo              []extIOEntry
	Commands            []extCommand
	NeedModelDerivative bool
}

func (c *Computation) ext() *extComputation {
	e := &extComputation{NeedModelDerivative: c.NeedModelDerivative}
	for _, m := range c.Matrices {
		e.Matrices = append(e.Matrices, extMatrix{
			NumRows: uint64(m.NumRows), NumCols: uint64(m.NumCols), Stride: uint64(m.Stride),
		})
	}
	for _, d := range c.MatrixDebug {
		ed := extDebugInfo{IsDeriv: d.IsDeriv}
		for _, ci := range d.Cindexes {
			ed.Cindexes = append(ed.Cindexes, extCindex{
				N: zigzag(ci.N), T: zigzag(ci.T), X: zigzag(ci.X),
			})
		}
		e.MatrixDebug = append(e.MatrixDebug, ed)
	}
	for _, s := range c.SubMatrices {
		e.SubMatrices = append(e.SubMatrices, extSubMatrix{
			MatrixIndex: uint64(s.MatrixIndex),
			RowOffset:   uint64(s.RowOffset), NumRows: uint64(s.NumRows),
			ColOffset: uint64(s.ColOffset), NumCols: uint64(s.NumCols),
		})
	}
	for _, v := range c.Indexes {
		row := make([]uint64, len(v))
		for i, x := range v {
			row[i] = zigzag(x)
		}
		e.Indexes = append(e.Indexes, row)
	}
	for _, v := range c.IndexesMulti {
		row := make([]extSubRow, len(v))
		for i, p := range v {
			row[i] = extSubRow{SubMatrix: zigzag(p.SubMatrix), Row: zigzag(p.Row)}
		}
		e.IndexesMulti = append(e.IndexesMulti, row)
	}
	for _, v := range c.IndexesRanges {
		row := make([]extRowRange, len(v))
		for i, r := range v {
			row[i] = extRowRange{Begin: zigzag(r.Begin), End: zigzag(r.End)}
		}
		e.IndexesRanges = append(e.IndexesRanges, row)
	}
	nodes := make([]int, 0, len(c.IOInfo))
	for node := range c.IOInfo {
		nodes = append(nodes, node)
	}
	sort.Ints(nodes)
	for _, node := range nodes {
		spec := c.IOInfo[node]
		e.IOInfo = append(e.IOInfo, extIOEntry{
			Node: uint64(node), Value: uint64(spec.Value), Deriv: uint64(spec.Deriv),
		})
	}
	for _, cmd := range c.Commands {
		e.Commands = append(e.Commands, extCommand{
			Type: uint64(cmd.Type),
			Args: []uint64{
				zigzag(cmd.Arg1), zigzag(cmd.Arg2), zigzag(cmd.Arg3),
				zigzag(cmd.Arg4), zigzag(cmd.Arg5), zigzag(cmd.Arg6),
			},
		})
	}
	return e
}

func (c *Computation) setFromExt(e *extComputation) error {
	out := Computation{NeedModelDerivative: e.NeedModelDerivative}
	for _, m := range e.Matrices {
		out.Matrices = append(out.Matrices, Matrix{
			NumRows: int(m.NumRows), NumCols: int(m.NumCols), Stride: StrideType(m.Stride),
		})
	}
	for _, d := range e.MatrixDebug {
		di := DebugInfo{IsDeriv: d.IsDeriv}
		for _, ci := range d.Cindexes {
			di.Cindexes = append(di.Cindexes, Cindex{
				N: unzigzag(ci.N), T: unzigzag(ci.T), X: unzigzag(ci.X),
			})
		}
		out.MatrixDebug = append(out.MatrixDebug, di)
	}
	for _, s := range e.SubMatrices {
		out.SubMatrices = append(out.SubMatrices, SubMatrix{
			MatrixIndex: int(s.MatrixIndex),
			RowOffset:   int(s.RowOffset), NumRows: int(s.NumRows),
			ColOffset: int(s.ColOffset), NumCols: int(s.NumCols),
		})
	}
	for _, v := range e.Indexes {
		row := make([]int, len(v))
		for i, x := range v {
			row[i] = unzigzag(x)
		}
		out.Indexes = append(out.Indexes, row)
	}
	for _, v := range e.IndexesMulti {
		row := make([]SubRow, len(v))
		for i, p := range v {
			row[i] = SubRow{SubMatrix: unzigzag(p.SubMatrix), Row: unzigzag(p.Row)}
		}
		out.IndexesMulti = append(out.IndexesMulti, row)
	}
	for _, v := range e.IndexesRanges {
		row := make([]RowRange, len(v))
		for i, r := range v {
			row[i] = RowRange{Begin: unzigzag(r.Begin), End: unzigzag(r.End)}
		}
		out.IndexesRanges = append(out.IndexesRanges, row)
	}
	out.IOInfo = make(map[int]IOSpec, len(e.IOInfo))
	for _, entry := range e.IOInfo {
		out.IOInfo[int(entry.Node)] = IOSpec{Value: int(entry.Value), Deriv: int(entry.Deriv)}
	}
	for _, cmd := range e.Commands {
		dec := Command{Type: CommandType(cmd.Type)}
		ptrs := [6]*int{&dec.Arg1, &dec.Arg2, &dec.Arg3, &dec.Arg4, &dec.Arg5, &dec.Arg6}
		for i, a := range cmd.Args {
			if i >= len(ptrs) {
				break
			}
			*ptrs[i] = unzigzag(a)
		}
		out.Commands = append(out.Commands, dec)
	}
	*c = out
	return nil
}

// EncodeRLP implements rlp.Encoder.
func (c *Computation) EncodeRLP(w io.Writer) error {
	return rlp.Encode(w, c.ext())
}

// DecodeRLP implements rlp.Decoder.
func (c *Computation) DecodeRLP(s *rlp.Stream) error {
	var e extComputation
	if err := s.Decode(&e); err != nil {
		return err
	}
	return c.setFromExt(&e)
}

// EncodeToBytes returns the RLP encoding of the computation.
func (c *Computation) EncodeToBytes() ([]byte, error) {
	return rlp.EncodeToBytes(c)
}

// DecodeBytes parses an RLP-encoded computation.
func DecodeBytes(data []byte) (*Computation, error) {
	c := new(Computation)
	if err := rlp.DecodeBytes(data, c); err != nil {
		return nil, err
	}
	return c, nil
}
