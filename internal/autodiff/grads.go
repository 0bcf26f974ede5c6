package autodiff

import "iter"

// gradCollector sums the seed of every variable into values[varIndex].
// A variable reached more than once is reported once per traversal with its
// accumulated seed; the sum also covers several leaves of compressed nodes.
type gradCollector[K comparable, V Real] struct {
	NopVisitor[K, V]
	values []V
}

func (c *gradCollector[K, V]) OnVar(_, varIndex int, _ K, _, grad V) {
	if varIndex >= len(c.values) {
		c.values = append(c.values, make([]V, varIndex+1-len(c.values))...)
	}
	c.values[varIndex] += grad
}

// gradBuffer is one reusable gradient vector of the pool.
type gradBuffer[V Real] struct {
	values   []V
	refcount int
}

// gradPool stores gradient vectors shared by Grads handles.
//
// Buffers are recycled the same way tape cells are: a buffer whose count
// drops to zero is pushed on vacancy and its storage is reused by the next
// gradient computation.
type gradPool[V Real] struct {
	buffers []gradBuffer[V]
	vacancy []int
}

// acquire returns an empty buffer with a reference count of 1.
func (p *gradPool[V]) acquire() int {
	var idx int
	if last := len(p.vacancy) - 1; last >= 0 {
		idx = p.vacancy[last]
		p.vacancy = p.vacancy[:last]
	} else {
		p.buffers = append(p.buffers, gradBuffer[V]{})
		idx = len(p.buffers) - 1
	}
	p.buffers[idx].refcount = 1
	p.buffers[idx].values = p.buffers[idx].values[:0]
	return idx
}

func (p *gradPool[V]) retain(idx int) {
	p.buffers[idx].refcount++
}

func (p *gradPool[V]) release(idx int) {
	b := &p.buffers[idx]
	if b.refcount == 0 {
		return
	}
	b.refcount--
	if b.refcount == 0 {
		p.vacancy = append(p.vacancy, idx)
	}
}

// computeGrads runs back propagation from root into a pooled buffer.
func (g *Graph[K, V]) computeGrads(root int) Grads[K, V] {
	g.ws.checkIdle()
	idx := g.pool.acquire()
	collector := gradCollector[K, V]{values: reset(g.pool.buffers[idx].values, len(g.tape.vars))}
	g.ws.backProp(&g.tape, root, &collector)
	g.pool.buffers[idx].values = collector.values
	return Grads[K, V]{graph: g, index: idx}
}

// Grads holds the gradients of one expression with respect to every variable
// of its graph.
//
// Grads is a flyweight: the vector lives in a pool owned by the graph and is
// shared by clones. It has no mutating methods; use GradsAccum to sum
// gradients. Call Release when done so the buffer can be reused.
type Grads[K comparable, V Real] struct {
	graph *Graph[K, V]
	index int
}

// Clone returns another handle to the same gradients.
func (g Grads[K, V]) Clone() Grads[K, V] {
	if g.graph != nil {
		g.graph.pool.retain(g.index)
	}
	return g
}

// Release returns the handle. The gradients must not be used afterwards.
func (g Grads[K, V]) Release() {
	if g.graph != nil {
		g.graph.pool.release(g.index)
	}
}

// Graph returns the graph the gradients were computed on.
func (g Grads[K, V]) Graph() *Graph[K, V] {
	return g.graph
}

func (g Grads[K, V]) values() []V {
	if g.graph == nil {
		return nil
	}
	return g.graph.pool.buffers[g.index].values
}

// Wrt returns the gradient with respect to v.
//
// It returns zero if v belongs to another graph, or if v was created after
// the gradients were computed.
func (g Grads[K, V]) Wrt(v Var[K, V]) V {
	if g.graph == nil || v.h.graph != g.graph {
		return 0
	}
	return valueAt(g.values(), v.varIndex())
}

// All iterates over every variable of the graph in registration order,
// yielding its key and gradient.
func (g Grads[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		if g.graph == nil {
			return
		}
		values := g.values()
		for i, v := range g.graph.tape.vars {
			if !yield(v.key, valueAt(values, i)) {
				return
			}
		}
	}
}

// Collect returns the gradients keyed by variable.
func (g Grads[K, V]) Collect() map[K]V {
	out := make(map[K]V)
	for k, v := range g.All() {
		out[k] = v
	}
	return out
}

// CollectMapped applies f to every (key, gradient) pair in registration order.
func CollectMapped[K comparable, V Real, X any](g Grads[K, V], f func(K, V) X) []X {
	var out []X
	if g.graph != nil {
		out = make([]X, 0, len(g.graph.tape.vars))
	}
	for k, v := range g.All() {
		out = append(out, f(k, v))
	}
	return out
}

func valueAt[V Real](values []V, i int) V {
	if i >= 0 && i < len(values) {
		return values[i]
	}
	return 0
}

// GradsAccum is a mutable gradient vector used to aggregate many Grads of
// the same graph, for example over Monte Carlo paths.
type GradsAccum[K comparable, V Real] struct {
	graph  *Graph[K, V]
	values []V
}

// NewGradsAccum creates an empty accumulator for g.
func (g *Graph[K, V]) NewGradsAccum() *GradsAccum[K, V] {
	return &GradsAccum[K, V]{graph: g}
}

// Accumulate combines grads into the accumulator pointwise with f.
//
// f receives the accumulated value to update and the incoming gradient.
// Returns *DifferentGraphsError if grads belongs to another graph.
func (a *GradsAccum[K, V]) Accumulate(grads Grads[K, V], f func(acc *V, grad V)) error {
	if grads.graph != a.graph {
		return &DifferentGraphsError{Op: "gradient accumulation"}
	}
	values := grads.values()
	if len(a.values) < len(values) {
		a.values = append(a.values, make([]V, len(values)-len(a.values))...)
	}
	for i, v := range values {
		f(&a.values[i], v)
	}
	return nil
}

// Add sums grads into the accumulator.
func (a *GradsAccum[K, V]) Add(grads Grads[K, V]) error {
	return a.Accumulate(grads, func(acc *V, grad V) { *acc += grad })
}

// Scale multiplies every accumulated gradient by c.
func (a *GradsAccum[K, V]) Scale(c V) {
	for i := range a.values {
		a.values[i] *= c
	}
}

// Reset clears the accumulated gradients, keeping the storage.
func (a *GradsAccum[K, V]) Reset() {
	a.values = a.values[:0]
}

// Wrt returns the accumulated gradient with respect to v, or zero if v
// belongs to another graph.
func (a *GradsAccum[K, V]) Wrt(v Var[K, V]) V {
	if v.h.graph != a.graph {
		return 0
	}
	return valueAt(a.values, v.varIndex())
}

// All iterates over every variable of the graph in registration order.
func (a *GradsAccum[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		if a.graph == nil {
			return
		}
		for i, v := range a.graph.tape.vars {
			if !yield(v.key, valueAt(a.values, i)) {
				return
			}
		}
	}
}

// Collect returns the accumulated gradients keyed by variable.
func (a *GradsAccum[K, V]) Collect() map[K]V {
	out := make(map[K]V)
	for k, v := range a.All() {
		out[k] = v
	}
	return out
}
