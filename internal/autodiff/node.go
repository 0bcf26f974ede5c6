package autodiff

import "fmt"

// Kind identifies the operation a tape cell represents.
type Kind uint8

// Node kinds.
//
// The *L kinds hold the live operand on the left and an embedded constant on
// the right; the *R kinds hold the constant on the left and the live operand
// on the right.
const (
	KindLeaf Kind = iota

	// unary
	KindNeg
	KindAddL
	KindAddR
	KindSubL
	KindSubR
	KindMulL
	KindMulR
	KindDivL
	KindDivR
	KindExp
	KindLog
	KindErf
	KindSqrt
	KindPowi

	// binary
	KindAdd
	KindSub
	KindMul
	KindDiv

	// multi-ary
	KindCompressed
)

var kindNames = [...]string{
	KindLeaf:       "leaf",
	KindNeg:        "neg",
	KindAddL:       "addl",
	KindAddR:       "addr",
	KindSubL:       "subl",
	KindSubR:       "subr",
	KindMulL:       "mull",
	KindMulR:       "mulr",
	KindDivL:       "divl",
	KindDivR:       "divr",
	KindExp:        "exp",
	KindLog:        "log",
	KindErf:        "erf",
	KindSqrt:       "sqrt",
	KindPowi:       "powi",
	KindAdd:        "add",
	KindSub:        "sub",
	KindMul:        "mul",
	KindDiv:        "div",
	KindCompressed: "compressed",
}

// String returns a short lowercase name for the kind.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// IsUnary reports whether the kind has exactly one live child.
func (k Kind) IsUnary() bool {
	return k >= KindNeg && k <= KindPowi
}

// IsBinary reports whether the kind has two live children.
func (k Kind) IsBinary() bool {
	return k >= KindAdd && k <= KindDiv
}

// node is one operation in the computation graph.
//
// Field use by kind:
//   - Leaf: n is the variable index.
//   - unary: arg is the child; scalar is the embedded constant of *L/*R forms;
//     n is the exponent of Powi.
//   - binary: arg is the left child, rhs the right child.
//   - Compressed: grads holds one partial derivative per variable index.
type node[V Real] struct {
	kind   Kind
	value  V
	arg    int
	rhs    int
	scalar V
	n      int
	grads  []V
}

func leafNode[V Real](value V, varIndex int) node[V] {
	return node[V]{kind: KindLeaf, value: value, n: varIndex}
}

func unaryNode[V Real](kind Kind, value V, arg int) node[V] {
	return node[V]{kind: kind, value: value, arg: arg}
}

func partialNode[V Real](kind Kind, value V, arg int, scalar V) node[V] {
	return node[V]{kind: kind, value: value, arg: arg, scalar: scalar}
}

func powiNode[V Real](value V, arg, exponent int) node[V] {
	return node[V]{kind: KindPowi, value: value, arg: arg, n: exponent}
}

func binaryNode[V Real](kind Kind, value V, lhs, rhs int) node[V] {
	return node[V]{kind: kind, value: value, arg: lhs, rhs: rhs}
}

func compressedNode[V Real](value V, grads []V) node[V] {
	return node[V]{kind: KindCompressed, value: value, grads: grads}
}
