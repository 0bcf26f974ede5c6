package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/born-ml/aad/internal/autodiff"
	"github.com/born-ml/aad/internal/parallel"
)

// Recorder observes pricing runs. internal/metrics provides a Prometheus
// implementation.
type Recorder interface {
	RecordRun(method string, paths int, elapsed time.Duration)
	RecordGraph(stats autodiff.Stats)
}

type nopRecorder struct{}

func (nopRecorder) RecordRun(string, int, time.Duration) {}
func (nopRecorder) RecordGraph(autodiff.Stats)           {}

// ctxCheckInterval is the number of paths simulated between context checks.
const ctxCheckInterval = 1024

// Engine is a Monte Carlo pricer.
//
// Paths are split into chunks by internal/parallel. Every chunk owns a graph
// and a random stream derived from the seed and the chunk index, so results
// are reproducible for a given configuration.
type Engine struct {
	paths      int
	seed       uint64
	antithetic bool
	parallel   parallel.Config
	logger     *slog.Logger
	recorder   Recorder
}

// Option configures an Engine.
type Option func(*Engine)

// WithSeed sets the seed of the random streams.
func WithSeed(seed uint64) Option {
	return func(e *Engine) { e.seed = seed }
}

// WithAntithetic enables antithetic variates: every other path reuses the
// negated normal draw of the previous one.
func WithAntithetic(on bool) Option {
	return func(e *Engine) { e.antithetic = on }
}

// WithParallel sets how paths are split across workers.
func WithParallel(cfg parallel.Config) Option {
	return func(e *Engine) { e.parallel = cfg }
}

// WithLogger sets the logger. Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// NewEngine creates an engine simulating the given number of paths.
func NewEngine(paths int, opts ...Option) *Engine {
	e := &Engine{
		paths:    paths,
		seed:     1,
		parallel: parallel.DefaultConfig(),
		logger:   slog.Default(),
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// chunkResult is what a single worker reports.
type chunkResult struct {
	sum, sumSq float64
	paths      int
	sens       map[string]float64
	stats      autodiff.Stats
}

// MonteCarloCall prices a European call by simulating the terminal spot
//
//	S_T = S·exp((r - σ²/2)·T + σ·√T·Z)
//
// and discounting the payoff. Sensitivities are pathwise derivatives
// averaged over all paths.
func (e *Engine) MonteCarloCall(ctx context.Context, p Params) (Result, error) {
	if err := p.Validate(); err != nil {
		return Result{}, err
	}
	if e.paths <= 0 {
		return Result{}, &ParamError{Name: "paths", Value: float64(e.paths)}
	}

	start := time.Now()
	chunks := parallel.NumChunks(e.paths, e.parallel)
	e.logger.Info("monte carlo started", "paths", e.paths, "chunks", chunks, "antithetic", e.antithetic)

	results := make([]chunkResult, chunks)
	err := parallel.ForChunks(ctx, e.paths, e.parallel, func(ctx context.Context, chunk, from, to int) error {
		r, err := e.simulate(ctx, p, chunk, from, to)
		if err != nil {
			return err
		}
		results[chunk] = r
		e.recorder.RecordGraph(r.stats)
		e.logger.Debug("chunk finished",
			"chunk", chunk,
			"paths", r.paths,
			"cells", r.stats.Cells,
			"live", r.stats.Live,
		)
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("monte carlo: %w", err)
	}

	res := merge(results)
	elapsed := time.Since(start)
	e.recorder.RecordRun("monte_carlo", res.Paths, elapsed)
	e.logger.Info("monte carlo finished",
		"price", res.Price,
		"stderr", res.StdErr,
		"elapsed", elapsed,
	)
	return res, nil
}

func merge(results []chunkResult) Result {
	res := Result{
		Sensitivities: make(map[string]float64),
		Graphs:        make([]autodiff.Stats, 0, len(results)),
	}
	var sum, sumSq float64
	for _, r := range results {
		sum += r.sum
		sumSq += r.sumSq
		res.Paths += r.paths
		for k, v := range r.sens {
			res.Sensitivities[k] += v
		}
		res.Graphs = append(res.Graphs, r.stats)
	}
	if res.Paths == 0 {
		return res
	}

	n := float64(res.Paths)
	res.Price = sum / n
	if res.Paths > 1 {
		variance := max((sumSq-n*res.Price*res.Price)/(n-1), 0)
		res.StdErr = math.Sqrt(variance / n)
	}
	for k := range res.Sensitivities {
		res.Sensitivities[k] /= n
	}
	return res
}

// simulate runs paths [from, to) on a graph of its own.
func (e *Engine) simulate(ctx context.Context, p Params, chunk, from, to int) (chunkResult, error) {
	g := autodiff.NewGraph[string, float64]()
	v, err := NewVars(g, p)
	if err != nil {
		return chunkResult{}, err
	}

	drift, diffusion, discount := pathTerms(v)
	defer drift.Release()
	defer diffusion.Release()
	defer discount.Release()

	rng := rand.New(rand.NewPCG(e.seed, uint64(chunk)))
	accum := g.NewGradsAccum()
	res := chunkResult{paths: to - from}

	var s scope
	var z float64
	for i := from; i < to; i++ {
		if (i-from)%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return chunkResult{}, err
			}
		}
		if e.antithetic && (i-from)%2 == 1 {
			z = -z
		} else {
			z = rng.NormFloat64()
		}

		pv, err := simulatePath(&s, v, drift, diffusion, discount, z, accum)
		if err != nil {
			return chunkResult{}, err
		}
		res.sum += pv
		res.sumSq += pv * pv
	}

	res.sens = accum.Collect()
	res.stats = g.Stats()
	return res, nil
}

// pathTerms builds the path-independent parts of the terminal spot and
// compresses them, so that every path differentiates through three nodes
// instead of their whole sub-graphs.
func pathTerms(v Vars) (drift, diffusion, discount expr) {
	var s scope
	defer s.release()

	// (r - σ²/2)·T
	vol2 := s.add(v.Volatility.Mul(v.Volatility.Expr))
	halfVol2 := s.add(vol2.MulConst(0.5))
	mu := s.add(v.Rate.Sub(halfVol2))
	muT := s.add(mu.Mul(v.Maturity.Expr))

	// σ·√T
	sqrtT := s.add(v.Maturity.Sqrt())
	sd := s.add(v.Volatility.Mul(sqrtT))

	// exp(-r·T)
	rt := s.add(v.Rate.Mul(v.Maturity.Expr))
	nrt := s.add(rt.Neg())
	df := s.add(nrt.Exp())

	return muT.Compress(), sd.Compress(), df.Compress()
}

// simulatePath adds the gradient of one discounted payoff to accum and
// returns its value. Out of the money paths contribute nothing.
func simulatePath(s *scope, v Vars, drift, diffusion, discount expr, z float64, accum *autodiff.GradsAccum[string, float64]) (float64, error) {
	defer s.release()

	shock := s.add(diffusion.MulConst(z))
	x := s.add(drift.Add(shock))
	growth := s.add(x.Exp())
	spotT := s.add(v.Spot.Mul(growth))
	if spotT.Value() <= v.Strike.Value() {
		return 0, nil
	}

	intrinsic := s.add(spotT.Sub(v.Strike.Expr))
	pv := s.add(discount.Mul(intrinsic))

	grads, _ := pv.Grads()
	defer grads.Release()
	if err := accum.Add(grads); err != nil {
		return 0, err
	}
	return pv.Value(), nil
}
