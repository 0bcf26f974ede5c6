package autodiff

import "math"

// Real is the constraint for values carried through the computation graph.
// Both float32 and float64 (and named types over them) are supported.
type Real interface {
	~float32 | ~float64
}

// twoOverSqrtPi is d(erf(x))/dx at x = 0.
const twoOverSqrtPi = 2 / math.SqrtPi

func exp[V Real](x V) V  { return V(math.Exp(float64(x))) }
func log[V Real](x V) V  { return V(math.Log(float64(x))) }
func erf[V Real](x V) V  { return V(math.Erf(float64(x))) }
func sqrt[V Real](x V) V { return V(math.Sqrt(float64(x))) }

// powi raises x to an integer power.
func powi[V Real](x V, n int) V {
	return V(math.Pow(float64(x), float64(n)))
}
