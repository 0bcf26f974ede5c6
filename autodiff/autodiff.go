// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package autodiff provides scalar reverse-mode automatic differentiation.
//
// Variables are registered on a Graph; arithmetic on them records nodes that
// are reference counted and recycled when released. Gradients with respect to
// every variable are computed in time linear in the size of the graph.
//
// Example:
//
//	import "github.com/born-ml/aad/autodiff"
//
//	func main() {
//	    g := autodiff.NewGraph[string, float64]()
//	    x := g.MustCreateVar("x", 1.0)
//	    y := g.MustCreateVar("y", 2.0)
//
//	    z := x.Mul(y.Expr).Exp() // z = exp(x·y)
//	    defer z.Release()
//
//	    grads, _ := z.Grads()
//	    defer grads.Release()
//	    fmt.Println(grads.Wrt(x), grads.Wrt(y)) // y·e², x·e²
//	}
//
// Every Expr returned by an operation must be released exactly once. A Graph
// is not safe for concurrent use; use one graph per goroutine.
package autodiff

import (
	"github.com/born-ml/aad/internal/autodiff"
)

// Real is the constraint on scalar values.
type Real = autodiff.Real

// Graph owns the variables and nodes of a computation.
type Graph[K comparable, V Real] = autodiff.Graph[K, V]

// Expr is a constant or a node of a Graph.
type Expr[K comparable, V Real] = autodiff.Expr[K, V]

// Var is an expression bound to a registered variable.
type Var[K comparable, V Real] = autodiff.Var[K, V]

// Grads holds the gradients of an expression.
type Grads[K comparable, V Real] = autodiff.Grads[K, V]

// GradsAccum aggregates gradients over repeated evaluations.
type GradsAccum[K comparable, V Real] = autodiff.GradsAccum[K, V]

// GraphvizBuilder renders a computation graph in the DOT language.
type GraphvizBuilder[K comparable, V Real] = autodiff.GraphvizBuilder[K, V]

// Visitor receives every node of a sub-graph during back propagation.
type Visitor[K comparable, V Real] = autodiff.Visitor[K, V]

// NopVisitor implements Visitor with no-op methods, for embedding.
type NopVisitor[K comparable, V Real] = autodiff.NopVisitor[K, V]

// Stats describes the memory held by a graph.
type Stats = autodiff.Stats

// VarAlreadyExistsError is returned when a key is registered twice.
type VarAlreadyExistsError[K comparable] = autodiff.VarAlreadyExistsError[K]

// DifferentGraphsError is returned when gradients of different graphs are combined.
type DifferentGraphsError = autodiff.DifferentGraphsError

// Common errors.
var (
	ErrVarAlreadyExists = autodiff.ErrVarAlreadyExists
	ErrDifferentGraphs  = autodiff.ErrDifferentGraphs
)

// NewGraph creates an empty computation graph.
func NewGraph[K comparable, V Real]() *Graph[K, V] {
	return autodiff.NewGraph[K, V]()
}

// Const returns a constant expression.
func Const[K comparable, V Real](v V) Expr[K, V] {
	return autodiff.Const[K](v)
}

// CollectMapped applies f to every (key, gradient) pair in registration order.
func CollectMapped[K comparable, V Real, X any](g Grads[K, V], f func(K, V) X) []X {
	return autodiff.CollectMapped(g, f)
}
