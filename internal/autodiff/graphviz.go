package autodiff

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
)

type dotNodeKind uint8

const (
	dotConst dotNodeKind = iota
	dotVar
	dotOp
)

type dotNode[K comparable, V Real] struct {
	kind  dotNodeKind
	op    string
	key   K
	value V
	grad  V
}

// dotRef points at a node either by tape cell (resolved after the
// traversal) or directly by its position in the node list.
type dotRef struct {
	cell  bool
	index int
}

type dotEdge struct {
	src, dst int
	label    string // empty means no label
}

type pendingEdge struct {
	src, dst dotRef
	label    string
}

// graphvizCollector records one Graphviz node per visited cell. Partial nodes
// add a second node for their embedded constant.
type graphvizCollector[K comparable, V Real] struct {
	tape      *tape[K, V]
	cell2node map[int]int
	nodes     []dotNode[K, V]
	edges     []pendingEdge
}

func (c *graphvizCollector[K, V]) push(n dotNode[K, V]) int {
	c.nodes = append(c.nodes, n)
	return len(c.nodes) - 1
}

func (c *graphvizCollector[K, V]) edge(src, dst dotRef, label string) {
	c.edges = append(c.edges, pendingEdge{src: src, dst: dst, label: label})
}

func (c *graphvizCollector[K, V]) unary(op string, cell, arg int, value, grad V) {
	idx := c.push(dotNode[K, V]{kind: dotOp, op: op, value: value, grad: grad})
	c.cell2node[cell] = idx
	c.edge(dotRef{cell: true, index: arg}, dotRef{index: idx}, "")
}

func (c *graphvizCollector[K, V]) partial(op string, cell int, cnst V, arg int, value, grad V, argEdge, cnstEdge string) {
	idx := c.push(dotNode[K, V]{kind: dotOp, op: op, value: value, grad: grad})
	cidx := c.push(dotNode[K, V]{kind: dotConst, value: cnst})
	c.cell2node[cell] = idx
	c.edge(dotRef{index: cidx}, dotRef{index: idx}, cnstEdge)
	c.edge(dotRef{cell: true, index: arg}, dotRef{index: idx}, argEdge)
}

func (c *graphvizCollector[K, V]) binary(op string, cell, lhs, rhs int, value, grad V) {
	idx := c.push(dotNode[K, V]{kind: dotOp, op: op, value: value, grad: grad})
	c.cell2node[cell] = idx
	c.edge(dotRef{cell: true, index: lhs}, dotRef{index: idx}, "L")
	c.edge(dotRef{cell: true, index: rhs}, dotRef{index: idx}, "R")
}

func (c *graphvizCollector[K, V]) OnVar(cell, _ int, key K, value, grad V) {
	c.cell2node[cell] = c.push(dotNode[K, V]{kind: dotVar, key: key, value: value, grad: grad})
}

func (c *graphvizCollector[K, V]) OnNeg(cell, arg int, value, grad V) {
	c.unary("-", cell, arg, value, grad)
}

func (c *graphvizCollector[K, V]) OnAddL(cell, lhs int, rhs, value, grad V) {
	c.partial("+", cell, rhs, lhs, value, grad, "L", "R")
}

func (c *graphvizCollector[K, V]) OnAddR(cell int, lhs V, rhs int, value, grad V) {
	c.partial("+", cell, lhs, rhs, value, grad, "R", "L")
}

func (c *graphvizCollector[K, V]) OnSubL(cell, lhs int, rhs, value, grad V) {
	c.partial("-", cell, rhs, lhs, value, grad, "L", "R")
}

func (c *graphvizCollector[K, V]) OnSubR(cell int, lhs V, rhs int, value, grad V) {
	c.partial("-", cell, lhs, rhs, value, grad, "R", "L")
}

func (c *graphvizCollector[K, V]) OnMulL(cell, lhs int, rhs, value, grad V) {
	c.partial("*", cell, rhs, lhs, value, grad, "L", "R")
}

func (c *graphvizCollector[K, V]) OnMulR(cell int, lhs V, rhs int, value, grad V) {
	c.partial("*", cell, lhs, rhs, value, grad, "R", "L")
}

func (c *graphvizCollector[K, V]) OnDivL(cell, lhs int, rhs, value, grad V) {
	c.partial("/", cell, rhs, lhs, value, grad, "L", "R")
}

func (c *graphvizCollector[K, V]) OnDivR(cell int, lhs V, rhs int, value, grad V) {
	c.partial("/", cell, lhs, rhs, value, grad, "R", "L")
}

func (c *graphvizCollector[K, V]) OnExp(cell, arg int, value, grad V) {
	c.unary("exp", cell, arg, value, grad)
}

func (c *graphvizCollector[K, V]) OnLog(cell, arg int, value, grad V) {
	c.unary("log", cell, arg, value, grad)
}

func (c *graphvizCollector[K, V]) OnErf(cell, arg int, value, grad V) {
	c.unary("erf", cell, arg, value, grad)
}

func (c *graphvizCollector[K, V]) OnSqrt(cell, arg int, value, grad V) {
	c.unary("sqrt", cell, arg, value, grad)
}

func (c *graphvizCollector[K, V]) OnPowi(cell, arg, exponent int, value, grad V) {
	c.unary("powi("+strconv.Itoa(exponent)+")", cell, arg, value, grad)
}

func (c *graphvizCollector[K, V]) OnAdd(cell, lhs, rhs int, value, grad V) {
	c.binary("+", cell, lhs, rhs, value, grad)
}

func (c *graphvizCollector[K, V]) OnSub(cell, lhs, rhs int, value, grad V) {
	c.binary("-", cell, lhs, rhs, value, grad)
}

func (c *graphvizCollector[K, V]) OnMul(cell, lhs, rhs int, value, grad V) {
	c.binary("*", cell, lhs, rhs, value, grad)
}

func (c *graphvizCollector[K, V]) OnDiv(cell, lhs, rhs int, value, grad V) {
	c.binary("/", cell, lhs, rhs, value, grad)
}

func (c *graphvizCollector[K, V]) OnCompressed(cell int, grads []V, value, grad V) {
	idx := c.push(dotNode[K, V]{kind: dotOp, op: "compressed", value: value, grad: grad})
	c.cell2node[cell] = idx
	for i := range grads {
		c.edge(dotRef{cell: true, index: c.tape.vars[i].cell}, dotRef{index: idx}, "")
	}
}

func (c *graphvizCollector[K, V]) resolve(r dotRef) int {
	if r.cell {
		return c.cell2node[r.index]
	}
	return r.index
}

// Graphviz renders the sub-graph of e, annotated with values and gradients
// with respect to e, as a Graphviz builder. It returns false if e is a
// constant.
func (e Expr[K, V]) Graphviz() (*GraphvizBuilder[K, V], bool) {
	if e.IsConst() {
		return nil, false
	}
	g := e.h.graph
	collector := &graphvizCollector[K, V]{tape: &g.tape, cell2node: make(map[int]int)}
	g.ws.backProp(&g.tape, e.h.index, collector)

	edges := make([]dotEdge, len(collector.edges))
	for i, pe := range collector.edges {
		edges[i] = dotEdge{src: collector.resolve(pe.src), dst: collector.resolve(pe.dst), label: pe.label}
	}
	slices.SortFunc(edges, func(a, b dotEdge) int {
		return cmp.Or(
			cmp.Compare(a.src, b.src),
			cmp.Compare(a.dst, b.dst),
			strings.Compare(a.label, b.label),
		)
	})

	return &GraphvizBuilder[K, V]{
		name:           "GradientGraph",
		nodes:          collector.nodes,
		edges:          edges,
		graphSettings:  make(map[string]string),
		nodeSettings:   make(map[string]string),
		keyFormatter:   func(k K) string { return fmt.Sprint(k) },
		valueFormatter: func(v V) string { return fmt.Sprint(v) },
	}, true
}

// GraphvizBuilder renders a computation graph in the DOT language.
//
// Nodes are numbered in back propagation order starting at the root.
// Operation nodes are labeled op|{value|grad}, variables key|{value|grad}
// and embedded constants {value}.
type GraphvizBuilder[K comparable, V Real] struct {
	name           string
	nodes          []dotNode[K, V]
	edges          []dotEdge
	graphSettings  map[string]string
	nodeSettings   map[string]string
	keyFormatter   func(K) string
	valueFormatter func(V) string
}

// WithName sets the graph name.
func (b *GraphvizBuilder[K, V]) WithName(name string) *GraphvizBuilder[K, V] {
	b.name = name
	return b
}

// WithGraphSetting sets a global graph attribute.
func (b *GraphvizBuilder[K, V]) WithGraphSetting(key, value string) *GraphvizBuilder[K, V] {
	b.graphSettings[key] = value
	return b
}

// WithNodeSetting sets a global node attribute.
func (b *GraphvizBuilder[K, V]) WithNodeSetting(key, value string) *GraphvizBuilder[K, V] {
	b.nodeSettings[key] = value
	return b
}

// WithKeyFormatter sets how variable keys are printed. Default is fmt.Sprint.
func (b *GraphvizBuilder[K, V]) WithKeyFormatter(f func(K) string) *GraphvizBuilder[K, V] {
	b.keyFormatter = f
	return b
}

// WithValueFormatter sets how values and gradients are printed. Default is
// fmt.Sprint.
func (b *GraphvizBuilder[K, V]) WithValueFormatter(f func(V) string) *GraphvizBuilder[K, V] {
	b.valueFormatter = f
	return b
}

// GenDot generates the DOT source.
func (b *GraphvizBuilder[K, V]) GenDot() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "digraph %s {\n", b.name)

	sb.WriteString("  graph [\n")
	writeSettings(&sb, b.graphSettings)
	sb.WriteString("  ];\n\n")

	sb.WriteString("  node [\n")
	writeSettings(&sb, b.nodeSettings)
	sb.WriteString("  ];\n\n")

	sb.WriteString("  // nodes\n")
	for idx, n := range b.nodes {
		switch n.kind {
		case dotConst:
			fmt.Fprintf(&sb, "  %d [label=\"{value=%s}\", shape=record];\n",
				idx, b.valueFormatter(n.value))
		case dotVar:
			fmt.Fprintf(&sb, "  %d [label=\"%s|{value=%s|grad=%s}\", shape=record, style=\"diagonals\"];\n",
				idx, b.keyFormatter(n.key), b.valueFormatter(n.value), b.valueFormatter(n.grad))
		case dotOp:
			fmt.Fprintf(&sb, "  %d [label=\"%s|{value=%s|grad=%s}\", shape=record];\n",
				idx, n.op, b.valueFormatter(n.value), b.valueFormatter(n.grad))
		}
	}
	sb.WriteString("\n")

	sb.WriteString("  // edges\n")
	for _, e := range b.edges {
		if e.label == "" {
			fmt.Fprintf(&sb, "  %d -> %d;\n", e.src, e.dst)
		} else {
			fmt.Fprintf(&sb, "  %d -> %d [label=%q];\n", e.src, e.dst, e.label)
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func writeSettings(sb *strings.Builder, settings map[string]string) {
	for _, k := range slices.Sorted(maps.Keys(settings)) {
		fmt.Fprintf(sb, "    %s=%s;\n", k, settings[k])
	}
}
