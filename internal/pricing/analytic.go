package pricing

import (
	"math"

	"github.com/born-ml/aad/internal/autodiff"
)

type expr = autodiff.Expr[string, float64]

// scope collects intermediate expressions so they can be released together.
// Its storage is reused across releases.
type scope struct {
	exprs []expr
}

func (s *scope) add(e expr) expr {
	s.exprs = append(s.exprs, e)
	return e
}

func (s *scope) release() {
	for _, e := range s.exprs {
		e.Release()
	}
	clear(s.exprs)
	s.exprs = s.exprs[:0]
}

// normCDF builds the standard normal distribution function of x.
func (s *scope) normCDF(x expr) expr {
	scaled := s.add(x.DivConst(math.Sqrt2))
	erf := s.add(scaled.Erf())
	shifted := s.add(erf.AddConst(1))
	return s.add(shifted.MulConst(0.5))
}

// BlackScholesCall builds the closed-form price of a European call:
//
//	C = S·N(d1) - K·exp(-r·T)·N(d2)
//	d1 = (log(S/K) + (r + σ²/2)·T) / (σ·√T)
//	d2 = d1 - σ·√T
//
// The caller owns the returned expression.
func BlackScholesCall(v Vars) autodiff.Expr[string, float64] {
	var s scope
	defer s.release()

	sqrtT := s.add(v.Maturity.Sqrt())
	sd := s.add(v.Volatility.Mul(sqrtT))

	moneyness := s.add(v.Spot.Div(v.Strike.Expr))
	logm := s.add(moneyness.Log())
	vol2 := s.add(v.Volatility.Mul(v.Volatility.Expr))
	halfVol2 := s.add(vol2.MulConst(0.5))
	mu := s.add(v.Rate.Add(halfVol2))
	muT := s.add(mu.Mul(v.Maturity.Expr))
	num := s.add(logm.Add(muT))
	d1 := s.add(num.Div(sd))
	d2 := s.add(d1.Sub(sd))

	rt := s.add(v.Rate.Mul(v.Maturity.Expr))
	nrt := s.add(rt.Neg())
	discount := s.add(nrt.Exp())

	spotLeg := s.add(v.Spot.Mul(s.normCDF(d1)))
	pvStrike := s.add(v.Strike.Mul(discount))
	strikeLeg := s.add(pvStrike.Mul(s.normCDF(d2)))

	return spotLeg.Sub(strikeLeg)
}

// Analytic prices a European call in closed form and differentiates the
// price with respect to every parameter.
func Analytic(p Params) (Result, error) {
	if err := p.Validate(); err != nil {
		return Result{}, err
	}

	g := autodiff.NewGraph[string, float64]()
	v, err := NewVars(g, p)
	if err != nil {
		return Result{}, err
	}

	price := BlackScholesCall(v)
	defer price.Release()

	grads, _ := price.Grads()
	defer grads.Release()

	return Result{
		Price:         price.Value(),
		Sensitivities: grads.Collect(),
		Graphs:        []autodiff.Stats{g.Stats()},
	}, nil
}
