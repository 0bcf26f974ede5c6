// Package autodiff implements scalar reverse-mode automatic differentiation.
//
// A Graph records every operation on its variables in a tape. An expression
// holds a reference-counted handle to its node; once all handles to a
// sub-expression are released, its cells are recycled by the next operation.
//
// Architecture:
//   - Tape: arena of cells with manual reference counts and a vacancy stack
//   - Expr: constant or node handle; arithmetic builds new nodes
//   - Backprop: two passes (reference count, then work list), O(graph size)
//   - Grads: pooled flyweight gradient vector, GradsAccum for aggregation
//   - Visitor: per-node callbacks, used for gradients and Graphviz export
//
// Usage:
//
//	g := autodiff.NewGraph[string, float64]()
//	x, _ := g.CreateVar("x", 2.0)
//	y := x.Mul(x.Expr) // y = x²
//	defer y.Release()
//
//	grads, _ := y.Grads()
//	defer grads.Release()
//	fmt.Println(grads.Wrt(x)) // dy/dx = 2x = 4.0
//
// A Graph is not safe for concurrent use. Run parallel computations on one
// graph per goroutine.
package autodiff

import "github.com/google/uuid"

// Graph owns a tape and the buffers used to differentiate it.
//
// Type parameter K is the variable key, V the scalar type.
type Graph[K comparable, V Real] struct {
	id   uuid.UUID
	tape tape[K, V]
	ws   workspace[K, V]
	pool gradPool[V]
}

// NewGraph creates an empty computation graph.
func NewGraph[K comparable, V Real]() *Graph[K, V] {
	return &Graph[K, V]{
		id:   uuid.New(),
		tape: newTape[K, V](),
	}
}

// ID returns the identifier of the graph, used in diagnostics.
func (g *Graph[K, V]) ID() uuid.UUID {
	return g.id
}

// CreateVar registers a new variable.
//
// Returns *VarAlreadyExistsError if key is already registered on g.
func (g *Graph[K, V]) CreateVar(key K, value V) (Var[K, V], error) {
	idx, err := g.tape.registerVar(key, value)
	if err != nil {
		return Var[K, V]{}, err
	}
	return Var[K, V]{Expr: Expr[K, V]{h: handle[K, V]{graph: g, index: idx}}}, nil
}

// MustCreateVar is like CreateVar but panics on error.
func (g *Graph[K, V]) MustCreateVar(key K, value V) Var[K, V] {
	v, err := g.CreateVar(key, value)
	if err != nil {
		panic(err)
	}
	return v
}

// NumVars returns the number of registered variables.
func (g *Graph[K, V]) NumVars() int {
	return len(g.tape.vars)
}

// Keys returns the variable keys in registration order.
func (g *Graph[K, V]) Keys() []K {
	keys := make([]K, len(g.tape.vars))
	for i, v := range g.tape.vars {
		keys[i] = v.key
	}
	return keys
}

// Stats describes the memory held by a graph.
type Stats struct {
	Cells             int // Allocated tape cells
	Live              int // Cells with a positive reference count
	Vacant            int // Cells waiting for reuse
	Vars              int // Registered variables
	GradBuffers       int // Allocated gradient buffers
	GradBuffersVacant int // Gradient buffers waiting for reuse
}

// Stats returns a snapshot of the tape and gradient pool sizes.
func (g *Graph[K, V]) Stats() Stats {
	return Stats{
		Cells:             len(g.tape.cells),
		Live:              g.tape.live(),
		Vacant:            len(g.tape.vacancy),
		Vars:              len(g.tape.vars),
		GradBuffers:       len(g.pool.buffers),
		GradBuffersVacant: len(g.pool.vacancy),
	}
}
