package autodiff

// Visitor receives every node of a sub-graph during back propagation, in
// propagation order, together with the gradient (seed) that reached it.
//
// Cell and argument indices identify tape cells and are only meaningful
// within a single traversal. Embed NopVisitor to implement a subset.
//
// A Visitor must not differentiate, compress, render or walk any expression
// of the graph being traversed; doing so panics.
type Visitor[K comparable, V Real] interface {
	OnVar(cell, varIndex int, key K, value, grad V)
	OnNeg(cell, arg int, value, grad V)
	OnAddL(cell, lhs int, rhs, value, grad V)
	OnAddR(cell int, lhs V, rhs int, value, grad V)
	OnSubL(cell, lhs int, rhs, value, grad V)
	OnSubR(cell int, lhs V, rhs int, value, grad V)
	OnMulL(cell, lhs int, rhs, value, grad V)
	OnMulR(cell int, lhs V, rhs int, value, grad V)
	OnDivL(cell, lhs int, rhs, value, grad V)
	OnDivR(cell int, lhs V, rhs int, value, grad V)
	OnExp(cell, arg int, value, grad V)
	OnLog(cell, arg int, value, grad V)
	OnErf(cell, arg int, value, grad V)
	OnSqrt(cell, arg int, value, grad V)
	OnPowi(cell, arg, exponent int, value, grad V)
	OnAdd(cell, lhs, rhs int, value, grad V)
	OnSub(cell, lhs, rhs int, value, grad V)
	OnMul(cell, lhs, rhs int, value, grad V)
	OnDiv(cell, lhs, rhs int, value, grad V)
	OnCompressed(cell int, grads []V, value, grad V)
}

// NopVisitor implements Visitor with no-op methods.
type NopVisitor[K comparable, V Real] struct{}

func (NopVisitor[K, V]) OnVar(int, int, K, V, V)     {}
func (NopVisitor[K, V]) OnNeg(int, int, V, V)        {}
func (NopVisitor[K, V]) OnAddL(int, int, V, V, V)    {}
func (NopVisitor[K, V]) OnAddR(int, V, int, V, V)    {}
func (NopVisitor[K, V]) OnSubL(int, int, V, V, V)    {}
func (NopVisitor[K, V]) OnSubR(int, V, int, V, V)    {}
func (NopVisitor[K, V]) OnMulL(int, int, V, V, V)    {}
func (NopVisitor[K, V]) OnMulR(int, V, int, V, V)    {}
func (NopVisitor[K, V]) OnDivL(int, int, V, V, V)    {}
func (NopVisitor[K, V]) OnDivR(int, V, int, V, V)    {}
func (NopVisitor[K, V]) OnExp(int, int, V, V)        {}
func (NopVisitor[K, V]) OnLog(int, int, V, V)        {}
func (NopVisitor[K, V]) OnErf(int, int, V, V)        {}
func (NopVisitor[K, V]) OnSqrt(int, int, V, V)       {}
func (NopVisitor[K, V]) OnPowi(int, int, int, V, V)  {}
func (NopVisitor[K, V]) OnAdd(int, int, int, V, V)   {}
func (NopVisitor[K, V]) OnSub(int, int, int, V, V)   {}
func (NopVisitor[K, V]) OnMul(int, int, int, V, V)   {}
func (NopVisitor[K, V]) OnDiv(int, int, int, V, V)   {}
func (NopVisitor[K, V]) OnCompressed(int, []V, V, V) {}

// workspace holds scratch buffers for back propagation.
// It is owned by a Graph and reused across gradient computations.
type workspace[K comparable, V Real] struct {
	refcount []int
	visited  []bool
	memo     []V
	stack    []int
	busy     bool // a traversal is in progress
}

const msgReentered = "autodiff: back propagation re-entered: a visitor must not traverse its own graph"

// checkIdle panics if a traversal of the graph is in progress.
func (ws *workspace[K, V]) checkIdle() {
	if ws.busy {
		panic(msgReentered)
	}
}

// reset returns s resized to n zeroed elements, reusing its storage.
func reset[T any](s []T, n int) []T {
	if cap(s) < n {
		return make([]T, n)
	}
	s = s[:n]
	clear(s)
	return s
}

// countRefs counts, for every cell reachable from root, how many edges of
// the sub-graph point at it.
//
// The visited guard keeps the walk linear, but the count is taken before the
// guard: a node shared by two parents must be counted twice because it
// receives two gradient contributions. For
//
//	y = x0 * x1
//	z = exp(y)
//	w = y * z
//
// the counts are x0=1, x1=1, y=2, z=1, w=1.
func (ws *workspace[K, V]) countRefs(t *tape[K, V], root int) {
	refcount := reset(ws.refcount, len(t.cells))
	visited := reset(ws.visited, len(t.cells))
	stack := append(ws.stack[:0], root)

	for len(stack) > 0 {
		idx := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		refcount[idx]++
		if visited[idx] {
			continue
		}
		visited[idx] = true

		n := t.at(idx)
		switch k := n.kind; {
		case k.IsUnary():
			stack = append(stack, n.arg)
		case k.IsBinary():
			stack = append(stack, n.arg, n.rhs)
		case k == KindCompressed:
			for i := range n.grads {
				refcount[t.vars[i].cell]++
			}
		}
	}

	ws.refcount = refcount
	ws.visited = visited
	ws.stack = stack
}

// backProp propagates d(root)/d(node) from root down to the variables and
// reports every node to visit.
//
// A depth-first walk would push the gradient of a shared node once per path,
// which repeats work exponentially in the worst case. Instead a node is
// expanded only after all of its parents have contributed: countRefs gives
// the number of contributions to wait for, each contribution decrements it,
// and the node is queued when it reaches zero. For the example in countRefs,
// w pushes to y and z; z is queued (0) while y waits (1); z pushes to y,
// which is then queued and finally pushes to x0 and x1.
func (ws *workspace[K, V]) backProp(t *tape[K, V], root int, visit Visitor[K, V]) {
	ws.checkIdle()
	ws.busy = true
	defer func() { ws.busy = false }()

	ws.countRefs(t, root)
	refcount := ws.refcount

	memo := reset(ws.memo, len(t.cells))
	memo[root] = 1

	stack := append(ws.stack[:0], root)
	done := func(idx int) {
		refcount[idx]--
		if refcount[idx] == 0 {
			stack = append(stack, idx)
		}
	}

	for len(stack) > 0 {
		tgt := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		n := t.at(tgt)
		seed := memo[tgt]

		switch n.kind {
		case KindLeaf:
			visit.OnVar(tgt, n.n, t.vars[n.n].key, n.value, seed)

		// unary arithmetic
		case KindNeg:
			visit.OnNeg(tgt, n.arg, n.value, seed)
			memo[n.arg] -= seed
			done(n.arg)
		case KindAddL:
			visit.OnAddL(tgt, n.arg, n.scalar, n.value, seed)
			memo[n.arg] += seed
			done(n.arg)
		case KindAddR:
			visit.OnAddR(tgt, n.scalar, n.arg, n.value, seed)
			memo[n.arg] += seed
			done(n.arg)
		case KindSubL:
			visit.OnSubL(tgt, n.arg, n.scalar, n.value, seed)
			memo[n.arg] += seed
			done(n.arg)
		case KindSubR:
			visit.OnSubR(tgt, n.scalar, n.arg, n.value, seed)
			memo[n.arg] -= seed
			done(n.arg)
		case KindMulL:
			visit.OnMulL(tgt, n.arg, n.scalar, n.value, seed)
			memo[n.arg] += seed * n.scalar
			done(n.arg)
		case KindMulR:
			visit.OnMulR(tgt, n.scalar, n.arg, n.value, seed)
			memo[n.arg] += seed * n.scalar
			done(n.arg)
		case KindDivL:
			visit.OnDivL(tgt, n.arg, n.scalar, n.value, seed)
			memo[n.arg] += seed / n.scalar
			done(n.arg)
		case KindDivR:
			visit.OnDivR(tgt, n.scalar, n.arg, n.value, seed)
			rv := t.at(n.arg).value
			memo[n.arg] -= seed * n.scalar / rv / rv
			done(n.arg)

		// unary elementary functions
		case KindExp:
			visit.OnExp(tgt, n.arg, n.value, seed)
			memo[n.arg] += seed * n.value
			done(n.arg)
		case KindLog:
			visit.OnLog(tgt, n.arg, n.value, seed)
			memo[n.arg] += seed / t.at(n.arg).value
			done(n.arg)
		case KindErf:
			visit.OnErf(tgt, n.arg, n.value, seed)
			x := t.at(n.arg).value
			memo[n.arg] += seed * V(twoOverSqrtPi) * exp(-x*x)
			done(n.arg)
		case KindSqrt:
			visit.OnSqrt(tgt, n.arg, n.value, seed)
			memo[n.arg] += seed * 0.5 / n.value
			done(n.arg)
		case KindPowi:
			visit.OnPowi(tgt, n.arg, n.n, n.value, seed)
			x := t.at(n.arg).value
			memo[n.arg] += seed * powi(x, n.n-1) * V(n.n)
			done(n.arg)

		// binary arithmetic
		case KindAdd:
			visit.OnAdd(tgt, n.arg, n.rhs, n.value, seed)
			memo[n.arg] += seed
			memo[n.rhs] += seed
			done(n.arg)
			done(n.rhs)
		case KindSub:
			visit.OnSub(tgt, n.arg, n.rhs, n.value, seed)
			memo[n.arg] += seed
			memo[n.rhs] -= seed
			done(n.arg)
			done(n.rhs)
		case KindMul:
			visit.OnMul(tgt, n.arg, n.rhs, n.value, seed)
			lv, rv := t.at(n.arg).value, t.at(n.rhs).value
			memo[n.arg] += seed * rv
			memo[n.rhs] += seed * lv
			done(n.arg)
			done(n.rhs)
		case KindDiv:
			visit.OnDiv(tgt, n.arg, n.rhs, n.value, seed)
			lv, rv := t.at(n.arg).value, t.at(n.rhs).value
			memo[n.arg] += seed / rv
			memo[n.rhs] -= seed * lv / rv / rv
			done(n.arg)
			done(n.rhs)

		// multi-ary
		case KindCompressed:
			visit.OnCompressed(tgt, n.grads, n.value, seed)
			for i, g := range n.grads {
				c := t.vars[i].cell
				memo[c] += seed * g
				done(c)
			}
		}
	}

	ws.memo = memo
	ws.stack = stack
}
