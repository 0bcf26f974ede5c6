package autodiff

import "fmt"

// handle is a counted reference to one cell of a graph.
//
// Copying a handle does not retain the cell; clone does.
type handle[K comparable, V Real] struct {
	graph *Graph[K, V]
	index int
}

func (h handle[K, V]) value() V {
	return h.graph.tape.at(h.index).value
}

func (h handle[K, V]) key() (K, bool) {
	return h.graph.tape.key(h.index)
}

// varIndex returns the variable index of a Leaf cell.
func (h handle[K, V]) varIndex() int {
	return h.graph.tape.at(h.index).n
}

func (h handle[K, V]) clone() handle[K, V] {
	h.graph.tape.retain(h.index)
	return h
}

func (h handle[K, V]) release() {
	h.graph.tape.release(h.index)
}

func (h handle[K, V]) unary(kind Kind, f func(V) V) handle[K, V] {
	idx := h.graph.tape.makeUnary(h.index, func(x V) node[V] {
		return unaryNode(kind, f(x), h.index)
	})
	return handle[K, V]{graph: h.graph, index: idx}
}

// partial builds a node with a live operand and an embedded constant c.
// f receives the operand value.
func (h handle[K, V]) partial(kind Kind, c V, f func(x V) V) handle[K, V] {
	idx := h.graph.tape.makeUnary(h.index, func(x V) node[V] {
		return partialNode(kind, f(x), h.index, c)
	})
	return handle[K, V]{graph: h.graph, index: idx}
}

func (h handle[K, V]) powi(n int) handle[K, V] {
	idx := h.graph.tape.makeUnary(h.index, func(x V) node[V] {
		return powiNode(powi(x, n), h.index, n)
	})
	return handle[K, V]{graph: h.graph, index: idx}
}

// binary builds a node over two handles of the same graph.
// Mixing graphs is a programming error and panics.
func (h handle[K, V]) binary(kind Kind, rhs handle[K, V], f func(l, r V) V) handle[K, V] {
	if h.graph != rhs.graph {
		panic(fmt.Sprintf("autodiff: cannot %s nodes from different graphs: lhs.graph=%s, rhs.graph=%s",
			kind, h.graph.ID(), rhs.graph.ID()))
	}
	idx := h.graph.tape.makeBinary(h.index, rhs.index, func(l, r V) node[V] {
		return binaryNode(kind, f(l, r), h.index, rhs.index)
	})
	return handle[K, V]{graph: h.graph, index: idx}
}
