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

// Package nnet defines the model-side interfaces the computation
// optimizer needs: components with property flags, and a model that
// maps component and node indexes to names for diagnostics.
package nnet

import "fmt"

// Properties is a bitmask of component traits that the optimizer
// consults when deciding which rewrites are legal.
type Properties uint32

const (
	// SimpleComponent marks components whose Propagate and Backprop
	// operate row-by-row with no cross-row context.
	SimpleComponent Properties = 1 << iota

	// UpdatableComponent marks components with trainable parameters;
	// their Backprop has the side effect of accumulating a model
	// derivative.
	UpdatableComponent

	// PropagateInPlace means Propagate may use the same matrix for
	// input and output.
	PropagateInPlace

	// BackpropInPlace means Backprop may use the same matrix for
	// output derivative and input derivative.
	BackpropInPlace

	// BackpropNeedsInput means Backprop reads the matrix that was the
	// input of the corresponding Propagate.
	BackpropNeedsInput

	// BackpropNeedsOutput means Backprop reads the matrix that was the
	// output of the corresponding Propagate.
	BackpropNeedsOutput
)

// Component is the part of a network layer the optimizer can see.
type Component interface {
	Properties() Properties
}

// Model gives the optimizer access to the components of a network and
// to human-readable names for components and graph nodes.
type Model interface {
	NumComponents() int
	Component(index int) Component
	ComponentName(index int) string
	NodeName(index int) string
}

// StaticComponent is a Component with fixed properties. It carries no
// parameters; it exists so computations can be analyzed and optimized
// without a full network implementation.
type StaticComponent struct {
	Name  string
	Props Properties
}

func (c *StaticComponent) Properties() Properties { return c.Props }

// StaticModel is a Model backed by plain slices.
type StaticModel struct {
	Components []StaticComponent
	Nodes      []string
}

func (m *StaticModel) NumComponents() int { return len(m.Components) }

func (m *StaticModel) Component(index int) Component { return &m.Components[index] }

func (m *StaticModel) ComponentName(index int) string {
	if index >= 0 && index < len(m.Components) && m.Components[index].Name != "" {
		return m.Components[index].Name
	}
	return fmt.Sprintf("component%d", index)
}

func (m *StaticModel) NodeName(index int) string {
	if index >= 0 && index < len(m.Nodes) {
		return m.Nodes[index]
	}
	return fmt.Sprintf("node%d", index)
}
