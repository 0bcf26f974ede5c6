// Package pricing prices European calls under Black–Scholes dynamics and
// computes their sensitivities by reverse-mode differentiation.
//
// The analytic pricer builds the closed-form price as one expression. The
// Monte Carlo engine builds one small expression per path on a graph owned by
// each worker and sums the path gradients with a GradsAccum.
package pricing

import (
	"errors"
	"fmt"
	"math"

	"github.com/born-ml/aad/internal/autodiff"
)

// Variable keys. Sensitivities are reported under these names.
const (
	KeySpot       = "spot"
	KeyStrike     = "strike"
	KeyVolatility = "volatility"
	KeyRate       = "rate"
	KeyMaturity   = "maturity"
)

// Common errors.
var (
	ErrInvalidParams = errors.New("invalid pricing parameters")
)

// ParamError reports an unusable parameter.
type ParamError struct {
	Name  string
	Value float64
}

// Error implements the error interface.
func (e *ParamError) Error() string {
	return fmt.Sprintf("invalid pricing parameters: %s=%v", e.Name, e.Value)
}

// Unwrap returns ErrInvalidParams.
func (e *ParamError) Unwrap() error {
	return ErrInvalidParams
}

// Params describes a European call.
type Params struct {
	Spot       float64
	Strike     float64
	Volatility float64
	Rate       float64
	Maturity   float64 // In years
}

// Validate checks that the parameters describe a priceable option.
func (p Params) Validate() error {
	positive := []struct {
		name  string
		value float64
	}{
		{KeySpot, p.Spot},
		{KeyStrike, p.Strike},
		{KeyVolatility, p.Volatility},
		{KeyMaturity, p.Maturity},
	}
	for _, f := range positive {
		if !(f.value > 0) || math.IsInf(f.value, 0) {
			return &ParamError{Name: f.name, Value: f.value}
		}
	}
	if math.IsNaN(p.Rate) || math.IsInf(p.Rate, 0) {
		return &ParamError{Name: KeyRate, Value: p.Rate}
	}
	return nil
}

// Vars are the pricing inputs registered on a graph.
type Vars struct {
	Spot       autodiff.Var[string, float64]
	Strike     autodiff.Var[string, float64]
	Volatility autodiff.Var[string, float64]
	Rate       autodiff.Var[string, float64]
	Maturity   autodiff.Var[string, float64]
}

// NewVars registers the parameters on g.
func NewVars(g *autodiff.Graph[string, float64], p Params) (Vars, error) {
	var v Vars
	for _, in := range []struct {
		dst   *autodiff.Var[string, float64]
		key   string
		value float64
	}{
		{&v.Spot, KeySpot, p.Spot},
		{&v.Strike, KeyStrike, p.Strike},
		{&v.Volatility, KeyVolatility, p.Volatility},
		{&v.Rate, KeyRate, p.Rate},
		{&v.Maturity, KeyMaturity, p.Maturity},
	} {
		x, err := g.CreateVar(in.key, in.value)
		if err != nil {
			return Vars{}, fmt.Errorf("failed to register %s: %w", in.key, err)
		}
		*in.dst = x
	}
	return v, nil
}

// Result is a price with its sensitivities to every parameter.
type Result struct {
	Price         float64
	StdErr        float64            // Standard error of the price, zero for closed forms
	Sensitivities map[string]float64 // d(price)/d(param), keyed by parameter
	Paths         int                // Simulated paths, zero for closed forms
	Graphs        []autodiff.Stats   // Final state of every graph used
}

// Delta returns d(price)/d(spot).
func (r Result) Delta() float64 { return r.Sensitivities[KeySpot] }

// Vega returns d(price)/d(volatility).
func (r Result) Vega() float64 { return r.Sensitivities[KeyVolatility] }

// Rho returns d(price)/d(rate).
func (r Result) Rho() float64 { return r.Sensitivities[KeyRate] }

// Theta returns the price decay per year, -d(price)/d(maturity).
func (r Result) Theta() float64 { return -r.Sensitivities[KeyMaturity] }

// DualDelta returns d(price)/d(strike).
func (r Result) DualDelta() float64 { return r.Sensitivities[KeyStrike] }
