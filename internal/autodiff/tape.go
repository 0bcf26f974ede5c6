package autodiff

import "fmt"

// cell is one slot of the tape: a node plus the number of references to it.
type cell[V Real] struct {
	node     node[V]
	refcount int
}

// varEntry maps a variable index to its cell and key.
type varEntry[K comparable] struct {
	cell int
	key  K
}

// tape owns every node of a computation graph.
//
// Nodes are addressed by their index in cells and references are counted
// manually. When a count reaches zero the slot index is pushed on vacancy
// and the next allocation overwrites it in O(1). Indices never move, so
// handles stay valid.
//
// Leaf cells (variables) are never reclaimed. Their variable index is the
// position in every gradient vector.
type tape[K comparable, V Real] struct {
	cells   []cell[V]
	vacancy []int
	vars    []varEntry[K]
	keys    map[K]int // key -> variable index
	stack   []int     // scratch for release cascades
}

func newTape[K comparable, V Real]() tape[K, V] {
	return tape[K, V]{
		cells: make([]cell[V], 0, 64), // Pre-allocate for common case
		keys:  make(map[K]int),
	}
}

// at returns the node stored in cell idx.
func (t *tape[K, V]) at(idx int) *node[V] {
	if idx < 0 || idx >= len(t.cells) {
		panic(fmt.Sprintf("autodiff: cell %d is not managed by the tape (len=%d)", idx, len(t.cells)))
	}
	return &t.cells[idx].node
}

// key returns the key of cell idx if it is a variable.
func (t *tape[K, V]) key(idx int) (K, bool) {
	n := t.at(idx)
	if n.kind != KindLeaf {
		var zero K
		return zero, false
	}
	return t.vars[n.n].key, true
}

// registerVar adds a leaf for key and returns its cell index.
func (t *tape[K, V]) registerVar(key K, value V) (int, error) {
	if _, exists := t.keys[key]; exists {
		return 0, &VarAlreadyExistsError[K]{Key: key}
	}

	varIndex := len(t.vars)
	idx := t.alloc(leafNode(value, varIndex))
	t.vars = append(t.vars, varEntry[K]{cell: idx, key: key})
	t.keys[key] = varIndex
	return idx, nil
}

// alloc stores n in a vacant cell, or a new one, with a reference count of 1.
func (t *tape[K, V]) alloc(n node[V]) int {
	c := cell[V]{node: n, refcount: 1}
	if last := len(t.vacancy) - 1; last >= 0 {
		idx := t.vacancy[last]
		t.vacancy = t.vacancy[:last]
		t.cells[idx] = c
		return idx
	}
	t.cells = append(t.cells, c)
	return len(t.cells) - 1
}

// retain increments the reference count of cell idx.
func (t *tape[K, V]) retain(idx int) {
	t.at(idx)
	t.cells[idx].refcount++
}

// release decrements the reference count of cell idx and reclaims every
// cell whose count drops to zero as a result.
//
// The cascade uses an explicit stack: graphs built in simulation loops can be
// deep enough to overflow a recursive walk.
func (t *tape[K, V]) release(idx int) {
	stack := append(t.stack[:0], idx)

	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		t.at(i)
		c := &t.cells[i]
		if c.refcount == 0 {
			continue
		}
		c.refcount--
		if c.refcount != 0 {
			continue
		}

		switch k := c.node.kind; {
		case k == KindLeaf:
			// variables stay so that gradient vectors can be indexed by them
		case k.IsUnary():
			t.vacancy = append(t.vacancy, i)
			stack = append(stack, c.node.arg)
		case k.IsBinary():
			t.vacancy = append(t.vacancy, i)
			stack = append(stack, c.node.arg, c.node.rhs)
		case k == KindCompressed:
			// only refers to variables, which are never reclaimed
			t.vacancy = append(t.vacancy, i)
		}
	}

	t.stack = stack[:0]
}

// makeUnary builds a node from the value of arg, retains arg and allocates
// the node. Every single-operand node goes through here.
func (t *tape[K, V]) makeUnary(arg int, f func(V) node[V]) int {
	n := f(t.at(arg).value)
	t.retain(arg)
	return t.alloc(n)
}

// makeBinary is makeUnary for two operands.
func (t *tape[K, V]) makeBinary(lhs, rhs int, f func(l, r V) node[V]) int {
	n := f(t.at(lhs).value, t.at(rhs).value)
	t.retain(lhs)
	t.retain(rhs)
	return t.alloc(n)
}

// live returns the number of cells with a positive reference count.
func (t *tape[K, V]) live() int {
	n := 0
	for i := range t.cells {
		if t.cells[i].refcount > 0 {
			n++
		}
	}
	return n
}
