package autodiff_test

import (
	"cmp"
	"fmt"
	"math"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/aad/internal/autodiff"
)

type (
	expr = autodiff.Expr[string, float64]
	vr   = autodiff.Var[string, float64]
)

var (
	inf  = math.Inf(1)
	ninf = math.Inf(-1)
	nan  = math.NaN()
)

var unaryInputs = []float64{0, 1, 4, -3.5, 0.25, inf, ninf, nan}

var binaryInputs = [][2]float64{
	{0, 0}, {1, 0}, {4, 0}, {-3.5, 0},
	{1, 1}, {4, 1}, {-3.5, 1},
	{4, 4}, {-3.5, 4}, {-3.5, -3.5},
	{0.5, 2}, {2, -0.25},
	{nan, 1}, {inf, 1}, {ninf, 2}, {1, nan}, {3, inf},
}

// assertFloat compares floats exactly for NaN and infinities, with a relative
// tolerance otherwise.
func assertFloat(t *testing.T, want, got float64, msgAndArgs ...any) {
	t.Helper()
	switch {
	case math.IsNaN(want):
		assert.True(t, math.IsNaN(got), msgAndArgs...)
	case math.IsInf(want, 0):
		assert.Equal(t, want, got, msgAndArgs...)
	default:
		assert.InDelta(t, want, got, 1e-12*math.Max(1, math.Abs(want)), msgAndArgs...)
	}
}

func gradsOf(t *testing.T, e expr) map[string]float64 {
	t.Helper()
	grads, ok := e.Grads()
	require.True(t, ok)
	defer grads.Release()
	return grads.Collect()
}

// TestExpr_String tests formatting of values.
func TestExpr_String(t *testing.T) {
	for _, v := range []float64{0, 1, 4, -3.5} {
		g := autodiff.NewGraph[string, float64]()
		x := g.MustCreateVar("x", v)
		assert.Equal(t, fmt.Sprint(v), x.String())
		assert.Equal(t, fmt.Sprint(v), autodiff.Const[string](v).String())
	}
}

// TestExpr_Unary tests values and derivatives of single-argument functions.
func TestExpr_Unary(t *testing.T) {
	tests := []struct {
		name  string
		op    func(expr) expr
		value func(float64) float64
		deriv func(float64) float64
	}{
		{"neg", expr.Neg, func(x float64) float64 { return -x }, func(float64) float64 { return -1 }},
		{"exp", expr.Exp, math.Exp, math.Exp},
		{"log", expr.Log, math.Log, func(x float64) float64 { return 1 / x }},
		{"erf", expr.Erf, math.Erf, func(x float64) float64 { return 2 / math.SqrtPi * math.Exp(-x*x) }},
		{"sqrt", expr.Sqrt, math.Sqrt, func(x float64) float64 { return 0.5 / math.Sqrt(x) }},
	}

	for _, tt := range tests {
		for _, in := range unaryInputs {
			t.Run(fmt.Sprintf("%s(%v)", tt.name, in), func(t *testing.T) {
				g := autodiff.NewGraph[string, float64]()
				x := g.MustCreateVar("x", in)

				y := tt.op(x.Expr)
				defer y.Release()
				grads := gradsOf(t, y)

				assertFloat(t, tt.value(in), y.Value(), "value")
				require.Len(t, grads, 1)
				assertFloat(t, tt.deriv(in), grads["x"], "grad")
			})
		}
	}
}

// TestExpr_Powi tests integer powers including zero and negative exponents,
// negative bases, NaN and infinities.
func TestExpr_Powi(t *testing.T) {
	for _, in := range append([]float64{0.5, 3.5, -2}, unaryInputs...) {
		for _, n := range []int{0, 1, 2, 3, -1, -4} {
			t.Run(fmt.Sprintf("%v^%d", in, n), func(t *testing.T) {
				g := autodiff.NewGraph[string, float64]()
				x := g.MustCreateVar("x", in)

				y := x.Powi(n)
				defer y.Release()
				grads := gradsOf(t, y)

				assertFloat(t, math.Pow(in, float64(n)), y.Value())
				assertFloat(t, float64(n)*math.Pow(in, float64(n-1)), grads["x"])
			})
		}
	}
}

// TestExpr_Binary tests node-node arithmetic.
func TestExpr_Binary(t *testing.T) {
	tests := []struct {
		name  string
		op    func(expr, expr) expr
		value func(x, y float64) float64
		dx    func(x, y float64) float64
		dy    func(x, y float64) float64
	}{
		{
			"add", expr.Add,
			func(x, y float64) float64 { return x + y },
			func(x, y float64) float64 { return 1 },
			func(x, y float64) float64 { return 1 },
		},
		{
			"sub", expr.Sub,
			func(x, y float64) float64 { return x - y },
			func(x, y float64) float64 { return 1 },
			func(x, y float64) float64 { return -1 },
		},
		{
			"mul", expr.Mul,
			func(x, y float64) float64 { return x * y },
			func(x, y float64) float64 { return y },
			func(x, y float64) float64 { return x },
		},
		{
			"div", expr.Div,
			func(x, y float64) float64 { return x / y },
			func(x, y float64) float64 { return 1 / y },
			func(x, y float64) float64 { return -x / y / y },
		},
	}

	for _, tt := range tests {
		for _, in := range binaryInputs {
			t.Run(fmt.Sprintf("%s(%v,%v)", tt.name, in[0], in[1]), func(t *testing.T) {
				g := autodiff.NewGraph[string, float64]()
				x := g.MustCreateVar("x", in[0])
				y := g.MustCreateVar("y", in[1])

				z := tt.op(x.Expr, y.Expr)
				defer z.Release()
				grads := gradsOf(t, z)

				assertFloat(t, tt.value(in[0], in[1]), z.Value(), "value")
				require.Len(t, grads, 2)
				assertFloat(t, tt.dx(in[0], in[1]), grads["x"], "dx")
				assertFloat(t, tt.dy(in[0], in[1]), grads["y"], "dy")
			})
		}
	}
}

// TestExpr_Partial tests arithmetic between a node and an embedded constant,
// on either side.
func TestExpr_Partial(t *testing.T) {
	tests := []struct {
		name  string
		op    func(x expr, c float64) expr
		value func(x, c float64) float64
		deriv func(x, c float64) float64
	}{
		{
			"addl", expr.AddConst,
			func(x, c float64) float64 { return x + c },
			func(x, c float64) float64 { return 1 },
		},
		{
			"addr", func(x expr, c float64) expr { return autodiff.Const[string](c).Add(x) },
			func(x, c float64) float64 { return c + x },
			func(x, c float64) float64 { return 1 },
		},
		{
			"subl", expr.SubConst,
			func(x, c float64) float64 { return x - c },
			func(x, c float64) float64 { return 1 },
		},
		{
			"subr", func(x expr, c float64) expr { return autodiff.Const[string](c).Sub(x) },
			func(x, c float64) float64 { return c - x },
			func(x, c float64) float64 { return -1 },
		},
		{
			"mull", expr.MulConst,
			func(x, c float64) float64 { return x * c },
			func(x, c float64) float64 { return c },
		},
		{
			"mulr", func(x expr, c float64) expr { return autodiff.Const[string](c).Mul(x) },
			func(x, c float64) float64 { return c * x },
			func(x, c float64) float64 { return c },
		},
		{
			"divl", expr.DivConst,
			func(x, c float64) float64 { return x / c },
			func(x, c float64) float64 { return 1 / c },
		},
		{
			"divr", func(x expr, c float64) expr { return autodiff.Const[string](c).Div(x) },
			func(x, c float64) float64 { return c / x },
			func(x, c float64) float64 { return -c / x / x },
		},
	}

	for _, tt := range tests {
		for _, in := range binaryInputs {
			t.Run(fmt.Sprintf("%s(%v,%v)", tt.name, in[0], in[1]), func(t *testing.T) {
				g := autodiff.NewGraph[string, float64]()
				x := g.MustCreateVar("x", in[0])

				y := tt.op(x.Expr, in[1])
				defer y.Release()
				grads := gradsOf(t, y)

				assertFloat(t, tt.value(in[0], in[1]), y.Value(), "value")
				require.Len(t, grads, 1)
				assertFloat(t, tt.deriv(in[0], in[1]), grads["x"], "grad")
			})
		}
	}
}

// TestExpr_ConstantsHaveNoGrads tests that constant arithmetic folds.
func TestExpr_ConstantsHaveNoGrads(t *testing.T) {
	c := autodiff.Const[string](2.0)
	tests := []struct {
		name string
		e    expr
		want float64
	}{
		{"zero", expr{}, 0},
		{"const", c, 2},
		{"neg", c.Neg(), -2},
		{"exp", c.Exp(), math.Exp(2)},
		{"log", c.Log(), math.Log(2)},
		{"erf", c.Erf(), math.Erf(2)},
		{"sqrt", c.Sqrt(), math.Sqrt(2)},
		{"powi", c.Powi(3), 8},
		{"add", c.Add(autodiff.Const[string](3.0)), 5},
		{"sub", c.SubConst(3), -1},
		{"mul", c.MulConst(3), 6},
		{"div", c.DivConst(4), 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.e.IsConst())
			assertFloat(t, tt.want, tt.e.Value())

			_, ok := tt.e.Grads()
			assert.False(t, ok)
			_, ok = tt.e.Key()
			assert.False(t, ok)
			_, ok = tt.e.Graphviz()
			assert.False(t, ok)
			assert.True(t, tt.e.Compress().IsConst())
		})
	}
}

// TestExpr_IsZero tests zero detection on nodes and constants.
func TestExpr_IsZero(t *testing.T) {
	g := autodiff.NewGraph[string, float64]()
	x := g.MustCreateVar("x", 0)
	y := x.AddConst(0)
	defer y.Release()

	assert.True(t, x.IsZero())
	assert.True(t, y.IsZero())
	assert.True(t, expr{}.IsZero())
	assert.False(t, autodiff.Const[string](1.0).IsZero())
	assert.Equal(t, map[string]float64{"x": 1}, gradsOf(t, y))
}

// TestExpr_EqualCompare tests value comparisons, including NaN and infinities.
func TestExpr_EqualCompare(t *testing.T) {
	cases := [][2]float64{
		{0, 0}, {1, 0}, {-3.5, 4}, {4, 4},
		{nan, 0}, {inf, 1}, {ninf, -3.5},
		{nan, nan}, {inf, nan}, {inf, inf}, {ninf, inf}, {ninf, ninf},
	}

	for _, c := range cases {
		t.Run(fmt.Sprintf("%v,%v", c[0], c[1]), func(t *testing.T) {
			g := autodiff.NewGraph[string, float64]()
			x := g.MustCreateVar("x", c[0])
			y := g.MustCreateVar("y", c[1])

			assert.Equal(t, c[0] == c[1], x.Equal(y.Expr))
			assert.Equal(t, c[1] == c[0], y.Equal(x.Expr))
			assert.Equal(t, cmp.Compare(c[0], c[1]), x.Compare(y.Expr))
			assert.Equal(t, cmp.Compare(c[1], c[0]), y.Compare(x.Expr))
		})
	}
}

// TestExpr_SharedSubexpression tests that a node used twice receives both
// contributions.
func TestExpr_SharedSubexpression(t *testing.T) {
	for _, v := range []float64{-2, 0.5, 3} {
		g := autodiff.NewGraph[string, float64]()
		x := g.MustCreateVar("x", v)

		s := x.Add(x.Expr) // 2x
		z := s.Mul(s)      // 4x²
		s.Release()
		defer z.Release()

		grads := gradsOf(t, z)
		assertFloat(t, 4*v*v, z.Value())
		assertFloat(t, 8*v, grads["x"])
	}
}

// TestExpr_Compound tests w = (x-y)·exp(x-y) + (xy)³ at x=1, y=2.
func TestExpr_Compound(t *testing.T) {
	g := autodiff.NewGraph[string, float64]()
	x := g.MustCreateVar("x", 1)
	y := g.MustCreateVar("y", 2)

	z := x.Sub(y.Expr)
	ez := z.Exp()
	lhs := z.Mul(ez)
	xy := x.Mul(y.Expr)
	rhs := xy.Powi(3)
	w := lhs.Add(rhs)
	for _, e := range []expr{z, ez, lhs, xy, rhs} {
		e.Release()
	}
	defer w.Release()

	grads := gradsOf(t, w)

	assert.Equal(t, -math.Exp(-1)+8, w.Value())
	require.Len(t, grads, 2)
	assert.Equal(t, 24.0, grads["x"])
	assert.Equal(t, 12.0, grads["y"])
}

// TestExpr_Compress tests that compression preserves value and gradients.
func TestExpr_Compress(t *testing.T) {
	g := autodiff.NewGraph[string, float64]()
	x := g.MustCreateVar("x", 1)
	y := g.MustCreateVar("y", 2)

	z := x.Add(y.Expr)
	ez := z.Exp()
	a := z.Mul(ez)
	b := x.Mul(y.Expr)
	w := a.Add(b)
	for _, e := range []expr{z, ez, a, b} {
		e.Release()
	}
	defer w.Release()

	c := w.Compress()
	defer c.Release()

	assert.Equal(t, w.Value(), c.Value())
	assert.Equal(t, gradsOf(t, w), gradsOf(t, c))

	// Composed with further operations.
	w2 := w.Mul(w)
	c2 := c.Mul(c)
	defer w2.Release()
	defer c2.Release()
	wg, cg := gradsOf(t, w2), gradsOf(t, c2)
	for k := range wg {
		assertFloat(t, wg[k], cg[k], k)
	}

	// Variables created afterwards have no gradient.
	late := g.MustCreateVar("late", 5)
	grads, ok := c.Grads()
	require.True(t, ok)
	defer grads.Release()
	assert.Zero(t, grads.Wrt(late))
}

// TestExpr_Key tests key lookup on variables and derived nodes.
func TestExpr_Key(t *testing.T) {
	g := autodiff.NewGraph[string, float64]()
	x := g.MustCreateVar("x", 1)

	k, ok := x.Expr.Key()
	assert.True(t, ok)
	assert.Equal(t, "x", k)
	assert.Equal(t, "x", x.Key())

	y := x.Exp()
	defer y.Release()
	_, ok = y.Key()
	assert.False(t, ok)
}

// TestGraph_CreateVar tests registration and duplicate keys.
func TestGraph_CreateVar(t *testing.T) {
	g := autodiff.NewGraph[string, float64]()

	x, err := g.CreateVar("x", 1)
	require.NoError(t, err)
	assert.Equal(t, 1.0, x.Value())

	_, err = g.CreateVar("x", 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, autodiff.ErrVarAlreadyExists)

	var dup *autodiff.VarAlreadyExistsError[string]
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "x", dup.Key)
	assert.Equal(t, "variable x is already instantiated", err.Error())

	assert.Panics(t, func() { g.MustCreateVar("x", 3) })
	assert.Equal(t, 1, g.NumVars())
	assert.Equal(t, []string{"x"}, g.Keys())
}

// TestGraph_Identity tests that every graph has its own identity.
func TestGraph_Identity(t *testing.T) {
	g1 := autodiff.NewGraph[string, float64]()
	g2 := autodiff.NewGraph[string, float64]()
	assert.NotEqual(t, g1.ID(), g2.ID())

	x := g1.MustCreateVar("x", 1)
	assert.Same(t, g1, x.Graph())
	assert.Nil(t, autodiff.Const[string](1.0).Graph())
}

// TestGraph_CrossGraph tests isolation between graphs.
func TestGraph_CrossGraph(t *testing.T) {
	g1 := autodiff.NewGraph[string, float64]()
	g2 := autodiff.NewGraph[string, float64]()
	x := g1.MustCreateVar("x", 1)
	y := g2.MustCreateVar("x", 2)

	grads, ok := x.Exp().Grads()
	require.True(t, ok)
	defer grads.Release()

	assert.InDelta(t, math.E, grads.Wrt(x), 1e-12)
	assert.Zero(t, grads.Wrt(y))

	acc := g2.NewGradsAccum()
	err := acc.Add(grads)
	require.Error(t, err)
	assert.ErrorIs(t, err, autodiff.ErrDifferentGraphs)
	var dg *autodiff.DifferentGraphsError
	require.ErrorAs(t, err, &dg)
	assert.Equal(t, "gradient accumulation", dg.Op)

	assert.Zero(t, acc.Wrt(x))

	defer func() {
		r := recover()
		require.NotNil(t, r)
		msg, ok := r.(string)
		require.True(t, ok)
		assert.Contains(t, msg, "cannot add nodes from different graphs")
		assert.Contains(t, msg, g1.ID().String())
		assert.Contains(t, msg, g2.ID().String())
	}()
	x.Add(y.Expr)
}

// TestGrads_Iteration tests ordered iteration and mapping.
func TestGrads_Iteration(t *testing.T) {
	g := autodiff.NewGraph[string, float64]()
	vars := make([]vr, 4)
	for i := range vars {
		vars[i] = g.MustCreateVar("x"+strconv.Itoa(i), float64(i+1))
	}

	// Only x0 and x2 contribute.
	y := vars[0].Mul(vars[2].Expr)
	defer y.Release()

	grads, ok := y.Grads()
	require.True(t, ok)
	defer grads.Release()

	var keys []string
	var values []float64
	for k, v := range grads.All() {
		keys = append(keys, k)
		values = append(values, v)
	}
	assert.Equal(t, []string{"x0", "x1", "x2", "x3"}, keys)
	assert.Equal(t, []float64{3, 0, 1, 0}, values)

	pairs := autodiff.CollectMapped(grads, func(k string, v float64) string {
		return fmt.Sprintf("%s=%g", k, v)
	})
	assert.Equal(t, []string{"x0=3", "x1=0", "x2=1", "x3=0"}, pairs)

	// Registered after the computation.
	late := g.MustCreateVar("late", 1)
	assert.Zero(t, grads.Wrt(late))
	assert.Len(t, grads.Collect(), 5)

	assert.Empty(t, autodiff.CollectMapped(autodiff.Grads[string, float64]{}, func(string, float64) int { return 0 }))
}

// TestGradsAccum tests aggregation of gradients over repeated evaluations.
func TestGradsAccum_ZeroValue(t *testing.T) {
	var acc autodiff.GradsAccum[string, float64]
	assert.Empty(t, acc.Collect())
	for k, v := range acc.All() {
		t.Errorf("unexpected gradient %s=%v", k, v)
	}

	g := autodiff.NewGraph[string, float64]()
	x := g.MustCreateVar("x", 1)
	assert.Zero(t, acc.Wrt(x))

	y := x.MulConst(2)
	defer y.Release()
	grads, ok := y.Grads()
	require.True(t, ok)
	defer grads.Release()
	assert.ErrorIs(t, acc.Add(grads), autodiff.ErrDifferentGraphs)
}

func TestGradsAccum(t *testing.T) {
	g := autodiff.NewGraph[string, float64]()
	x := g.MustCreateVar("x", 2)
	y := g.MustCreateVar("y", 3)
	acc := g.NewGradsAccum()

	for i := 1; i <= 3; i++ {
		z := x.Mul(y.Expr).MulConst(float64(i))
		grads, ok := z.Grads()
		require.True(t, ok)
		require.NoError(t, acc.Add(grads))
		grads.Release()
		z.Release()
	}

	// (1+2+3) * y and (1+2+3) * x
	assertFloat(t, 18, acc.Wrt(x))
	assertFloat(t, 12, acc.Wrt(y))

	acc.Scale(0.5)
	assert.Equal(t, map[string]float64{"x": 9, "y": 6}, acc.Collect())

	z := x.Add(y.Expr)
	defer z.Release()
	grads, _ := z.Grads()
	defer grads.Release()
	require.NoError(t, acc.Accumulate(grads, func(acc *float64, grad float64) {
		*acc = math.Max(*acc, grad*100)
	}))
	assert.Equal(t, map[string]float64{"x": 100, "y": 100}, acc.Collect())

	acc.Reset()
	assert.Zero(t, acc.Wrt(x))
	for _, v := range acc.All() {
		assert.Zero(t, v)
	}
}

// TestGraph_Stats tests tape and pool statistics.
func TestGraph_Stats(t *testing.T) {
	g := autodiff.NewGraph[string, float64]()
	x := g.MustCreateVar("x", 1)
	y := x.Exp()
	z := y.Log()

	grads, _ := z.Grads()
	assert.Equal(t, autodiff.Stats{Cells: 3, Live: 3, Vars: 1, GradBuffers: 1}, g.Stats())

	grads.Release()
	z.Release()
	y.Release()
	assert.Equal(t, autodiff.Stats{Cells: 3, Live: 1, Vacant: 2, Vars: 1, GradBuffers: 1, GradBuffersVacant: 1}, g.Stats())
}

// TestExpr_Float32 tests the engine with single precision values.
func TestExpr_Float32(t *testing.T) {
	g := autodiff.NewGraph[int, float32]()
	x := g.MustCreateVar(1, 2)
	y := x.Mul(x.Expr).AddConst(1).Sqrt() // sqrt(x²+1)
	defer y.Release()

	grads, ok := y.Grads()
	require.True(t, ok)
	defer grads.Release()

	assert.InDelta(t, math.Sqrt(5), float64(y.Value()), 1e-6)
	assert.InDelta(t, 2/math.Sqrt(5), float64(grads.Wrt(x)), 1e-6)
}

type opCounter struct {
	autodiff.NopVisitor[string, float64]
	muls, exps int
	seeds      map[string]float64
}

func (c *opCounter) OnMul(_, _, _ int, _, _ float64) { c.muls++ }
func (c *opCounter) OnExp(_, _ int, _, _ float64)    { c.exps++ }
func (c *opCounter) OnVar(_, _ int, key string, _, grad float64) {
	c.seeds[key] = grad
}

// TestExpr_Walk tests a custom visitor over exp(x·y)·x.
func TestExpr_Walk(t *testing.T) {
	g := autodiff.NewGraph[string, float64]()
	x := g.MustCreateVar("x", 1)
	y := g.MustCreateVar("y", 0)

	xy := x.Mul(y.Expr)
	e := xy.Exp()
	w := e.Mul(x.Expr)
	xy.Release()
	e.Release()
	defer w.Release()

	c := &opCounter{seeds: make(map[string]float64)}
	require.True(t, w.Walk(c))
	assert.Equal(t, 2, c.muls)
	assert.Equal(t, 1, c.exps)
	// dw/dx = exp(xy)·(xy + 1), dw/dy = exp(xy)·x²
	assert.Equal(t, map[string]float64{"x": 1, "y": 1}, c.seeds)

	assert.False(t, autodiff.Const[string](1.0).Walk(c))
}

// reentrant differentiates its own graph from inside a traversal.
type reentrant struct {
	autodiff.NopVisitor[string, float64]
	root  expr
	reach func(expr)
}

func (r *reentrant) OnExp(_, _ int, _, _ float64) { r.reach(r.root) }

func TestExpr_WalkReentry(t *testing.T) {
	tests := []struct {
		name  string
		reach func(expr)
	}{
		{"grads", func(e expr) {
			grads, _ := e.Grads()
			grads.Release()
		}},
		{"compress", func(e expr) { e.Compress().Release() }},
		{"graphviz", func(e expr) { e.Graphviz() }},
		{"walk", func(e expr) { e.Walk(&opCounter{seeds: make(map[string]float64)}) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := autodiff.NewGraph[string, float64]()
			x := g.MustCreateVar("x", 1)
			y := g.MustCreateVar("y", 0)

			xy := x.Mul(y.Expr)
			e := xy.Exp()
			w := e.Mul(x.Expr)
			xy.Release()
			e.Release()
			defer w.Release()

			assert.PanicsWithValue(t,
				"autodiff: back propagation re-entered: a visitor must not traverse its own graph",
				func() { w.Walk(&reentrant{root: w, reach: tt.reach}) })

			// The graph is usable again once the panic is recovered.
			c := &opCounter{seeds: make(map[string]float64)}
			require.True(t, w.Walk(c))
			assert.Equal(t, map[string]float64{"x": 1, "y": 1}, c.seeds)

			grads := gradsOf(t, w)
			assert.Equal(t, map[string]float64{"x": 1, "y": 1}, grads)
			assert.Equal(t, 1, g.Stats().GradBuffers)
		})
	}
}
