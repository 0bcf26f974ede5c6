package autodiff

import (
	"cmp"
	"fmt"
)

// Expr is a constant or a reference to a node of a Graph.
//
// The zero Expr is the constant 0. Operations never consume their operands:
// every Expr returned by an operation is owned by the caller and must be
// released once, with Release, when it is no longer needed. Constants need no
// release but releasing them is harmless.
type Expr[K comparable, V Real] struct {
	h handle[K, V]
	c V
}

// Const returns a constant expression. Constants never reach the tape and
// have no gradients.
func Const[K comparable, V Real](v V) Expr[K, V] {
	return Expr[K, V]{c: v}
}

func nodeExpr[K comparable, V Real](h handle[K, V]) Expr[K, V] {
	return Expr[K, V]{h: h}
}

// IsConst reports whether e is a constant.
func (e Expr[K, V]) IsConst() bool {
	return e.h.graph == nil
}

// Graph returns the graph e belongs to, or nil for a constant.
func (e Expr[K, V]) Graph() *Graph[K, V] {
	return e.h.graph
}

// Value returns the value of the expression.
func (e Expr[K, V]) Value() V {
	if e.IsConst() {
		return e.c
	}
	return e.h.value()
}

// Key returns the key of e if it is a variable.
func (e Expr[K, V]) Key() (K, bool) {
	if e.IsConst() {
		var zero K
		return zero, false
	}
	return e.h.key()
}

// IsZero reports whether the value of e is zero.
func (e Expr[K, V]) IsZero() bool {
	return e.Value() == 0
}

// String formats the value of e.
func (e Expr[K, V]) String() string {
	return fmt.Sprint(e.Value())
}

// Equal reports whether e and other have the same value.
// NaN is not equal to anything, including itself.
func (e Expr[K, V]) Equal(other Expr[K, V]) bool {
	return e.Value() == other.Value()
}

// Compare compares the values of e and other like cmp.Compare.
func (e Expr[K, V]) Compare(other Expr[K, V]) int {
	return cmp.Compare(e.Value(), other.Value())
}

// Clone returns a new reference to the same expression.
func (e Expr[K, V]) Clone() Expr[K, V] {
	if e.IsConst() {
		return e
	}
	return nodeExpr(e.h.clone())
}

// Release drops the reference held by e.
// Cells no longer referenced are reused by later operations.
func (e Expr[K, V]) Release() {
	if !e.IsConst() {
		e.h.release()
	}
}

// Grads computes the gradients of e with respect to every variable of its
// graph. It returns false if e is a constant.
//
// The returned Grads must be released.
func (e Expr[K, V]) Grads() (Grads[K, V], bool) {
	if e.IsConst() {
		return Grads[K, V]{}, false
	}
	return e.h.graph.computeGrads(e.h.index), true
}

// Walk runs back propagation from e and reports every node of its sub-graph
// to visit, each with its gradient with respect to e. It returns false if e
// is a constant.
func (e Expr[K, V]) Walk(visit Visitor[K, V]) bool {
	if e.IsConst() {
		return false
	}
	e.h.graph.ws.backProp(&e.h.graph.tape, e.h.index, visit)
	return true
}

// Compress replaces the sub-graph of e by a single node carrying its value
// and gradient with respect to every variable registered so far.
//
// The result behaves like e for values and gradients, but back propagation
// through it costs one step per variable. e itself is left untouched.
func (e Expr[K, V]) Compress() Expr[K, V] {
	if e.IsConst() {
		return e
	}
	g := e.h.graph
	grads := g.computeGrads(e.h.index)
	values := append([]V(nil), grads.values()...)
	grads.Release()

	idx := g.tape.alloc(compressedNode(e.Value(), values))
	return nodeExpr(handle[K, V]{graph: g, index: idx})
}

// Neg returns -e.
func (e Expr[K, V]) Neg() Expr[K, V] {
	if e.IsConst() {
		return Const[K](-e.c)
	}
	return nodeExpr(e.h.unary(KindNeg, func(x V) V { return -x }))
}

// Exp returns the exponential of e.
func (e Expr[K, V]) Exp() Expr[K, V] {
	if e.IsConst() {
		return Const[K](exp(e.c))
	}
	return nodeExpr(e.h.unary(KindExp, exp[V]))
}

// Log returns the natural logarithm of e.
func (e Expr[K, V]) Log() Expr[K, V] {
	if e.IsConst() {
		return Const[K](log(e.c))
	}
	return nodeExpr(e.h.unary(KindLog, log[V]))
}

// Erf returns the error function of e.
func (e Expr[K, V]) Erf() Expr[K, V] {
	if e.IsConst() {
		return Const[K](erf(e.c))
	}
	return nodeExpr(e.h.unary(KindErf, erf[V]))
}

// Sqrt returns the square root of e.
func (e Expr[K, V]) Sqrt() Expr[K, V] {
	if e.IsConst() {
		return Const[K](sqrt(e.c))
	}
	return nodeExpr(e.h.unary(KindSqrt, sqrt[V]))
}

// Powi returns e raised to the integer power n.
func (e Expr[K, V]) Powi(n int) Expr[K, V] {
	if e.IsConst() {
		return Const[K](powi(e.c, n))
	}
	return nodeExpr(e.h.powi(n))
}

// binaryOp describes one arithmetic operator for every operand combination.
type binaryOp struct {
	full, left, right Kind
}

var (
	opAdd = binaryOp{full: KindAdd, left: KindAddL, right: KindAddR}
	opSub = binaryOp{full: KindSub, left: KindSubL, right: KindSubR}
	opMul = binaryOp{full: KindMul, left: KindMulL, right: KindMulR}
	opDiv = binaryOp{full: KindDiv, left: KindDivL, right: KindDivR}
)

// apply folds two constants, embeds a constant operand in a *L or *R node,
// or builds a binary node.
func apply[K comparable, V Real](op binaryOp, lhs, rhs Expr[K, V], f func(l, r V) V) Expr[K, V] {
	switch {
	case lhs.IsConst() && rhs.IsConst():
		return Const[K](f(lhs.c, rhs.c))
	case rhs.IsConst():
		c := rhs.c
		return nodeExpr(lhs.h.partial(op.left, c, func(x V) V { return f(x, c) }))
	case lhs.IsConst():
		c := lhs.c
		return nodeExpr(rhs.h.partial(op.right, c, func(x V) V { return f(c, x) }))
	default:
		return nodeExpr(lhs.h.binary(op.full, rhs.h, f))
	}
}

func add[V Real](l, r V) V { return l + r }
func sub[V Real](l, r V) V { return l - r }
func mul[V Real](l, r V) V { return l * r }
func div[V Real](l, r V) V { return l / r }

// Add returns e + rhs. It panics if both operands belong to different graphs.
func (e Expr[K, V]) Add(rhs Expr[K, V]) Expr[K, V] {
	return apply(opAdd, e, rhs, add[V])
}

// Sub returns e - rhs. It panics if both operands belong to different graphs.
func (e Expr[K, V]) Sub(rhs Expr[K, V]) Expr[K, V] {
	return apply(opSub, e, rhs, sub[V])
}

// Mul returns e * rhs. It panics if both operands belong to different graphs.
func (e Expr[K, V]) Mul(rhs Expr[K, V]) Expr[K, V] {
	return apply(opMul, e, rhs, mul[V])
}

// Div returns e / rhs. It panics if both operands belong to different graphs.
func (e Expr[K, V]) Div(rhs Expr[K, V]) Expr[K, V] {
	return apply(opDiv, e, rhs, div[V])
}

// AddConst returns e + c.
func (e Expr[K, V]) AddConst(c V) Expr[K, V] {
	return e.Add(Const[K](c))
}

// SubConst returns e - c.
func (e Expr[K, V]) SubConst(c V) Expr[K, V] {
	return e.Sub(Const[K](c))
}

// MulConst returns e * c.
func (e Expr[K, V]) MulConst(c V) Expr[K, V] {
	return e.Mul(Const[K](c))
}

// DivConst returns e / c.
func (e Expr[K, V]) DivConst(c V) Expr[K, V] {
	return e.Div(Const[K](c))
}

// Var is an expression bound to a registered variable.
// Create one with Graph.CreateVar.
type Var[K comparable, V Real] struct {
	Expr[K, V]
}

// Key returns the key the variable was registered with.
func (v Var[K, V]) Key() K {
	k, ok := v.Expr.Key()
	if !ok {
		panic("autodiff: variable is not registered on a graph")
	}
	return k
}

// Clone returns a new reference to the variable.
func (v Var[K, V]) Clone() Var[K, V] {
	return Var[K, V]{Expr: v.Expr.Clone()}
}

func (v Var[K, V]) varIndex() int {
	if v.h.graph == nil {
		return -1
	}
	return v.h.varIndex()
}
