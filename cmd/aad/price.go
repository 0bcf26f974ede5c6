package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/born-ml/aad/internal/config"
	"github.com/born-ml/aad/internal/metrics"
	"github.com/born-ml/aad/internal/parallel"
	"github.com/born-ml/aad/internal/pricing"
)

const (
	methodAnalytic   = "analytic"
	methodMonteCarlo = "mc"
	methodBoth       = "both"
)

type priceFlags struct {
	method      string
	showMetrics bool

	spot, strike, volatility, rate, maturity float64

	paths   int
	seed    int64
	workers int
}

func newPriceCmd(a *app) *cobra.Command {
	var f priceFlags

	cmd := &cobra.Command{
		Use:   "price",
		Short: "Price a European call and its sensitivities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f.apply(cmd, &a.cfg)
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			return a.price(cmd, f)
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.method, "method", "m", methodBoth, "pricing method (analytic, mc, both)")
	fl.BoolVar(&f.showMetrics, "metrics", false, "print Prometheus metrics after pricing")
	fl.Float64Var(&f.spot, "spot", 0, "spot price")
	fl.Float64Var(&f.strike, "strike", 0, "strike price")
	fl.Float64Var(&f.volatility, "volatility", 0, "annual volatility")
	fl.Float64Var(&f.rate, "rate", 0, "continuously compounded risk-free rate")
	fl.Float64Var(&f.maturity, "maturity", 0, "time to maturity in years")
	fl.IntVarP(&f.paths, "paths", "n", 0, "number of Monte Carlo paths")
	fl.Int64Var(&f.seed, "seed", 0, "Monte Carlo seed")
	fl.IntVarP(&f.workers, "workers", "w", 0, "Monte Carlo workers (0 for one per CPU)")
	return cmd
}

// apply copies the flags set on the command line over the configuration.
func (f priceFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("spot") {
		cfg.Option.Spot = f.spot
	}
	if changed("strike") {
		cfg.Option.Strike = f.strike
	}
	if changed("volatility") {
		cfg.Option.Volatility = f.volatility
	}
	if changed("rate") {
		cfg.Option.Rate = f.rate
	}
	if changed("maturity") {
		cfg.Option.Maturity = f.maturity
	}
	if changed("paths") {
		cfg.MonteCarlo.Paths = f.paths
	}
	if changed("seed") {
		cfg.MonteCarlo.Seed = f.seed
	}
	if changed("workers") {
		cfg.MonteCarlo.Workers = f.workers
	}
}

func paramsFrom(cfg config.Config) pricing.Params {
	return pricing.Params{
		Spot:       cfg.Option.Spot,
		Strike:     cfg.Option.Strike,
		Volatility: cfg.Option.Volatility,
		Rate:       cfg.Option.Rate,
		Maturity:   cfg.Option.Maturity,
	}
}

func parallelFrom(cfg config.MonteCarloConfig) parallel.Config {
	pc := parallel.DefaultConfig()
	if cfg.Workers > 0 {
		pc.NumWorkers = cfg.Workers
		pc.Enabled = cfg.Workers > 1
	}
	if cfg.MinChunkSize > 0 {
		pc.MinChunkSize = cfg.MinChunkSize
	}
	return pc
}

func (a *app) price(cmd *cobra.Command, f priceFlags) error {
	var runAnalytic, runMC bool
	switch f.method {
	case methodAnalytic:
		runAnalytic = true
	case methodMonteCarlo:
		runMC = true
	case methodBoth:
		runAnalytic, runMC = true, true
	default:
		return fmt.Errorf("unknown method %q (want %s, %s or %s)", f.method, methodAnalytic, methodMonteCarlo, methodBoth)
	}

	p := paramsFrom(a.cfg)
	rec := metrics.NewRecorder()

	type row struct {
		method string
		res    pricing.Result
	}
	var rows []row

	if runAnalytic {
		start := time.Now()
		res, err := pricing.Analytic(p)
		if err != nil {
			return err
		}
		rec.RecordRun("analytic", 0, time.Since(start))
		for _, s := range res.Graphs {
			rec.RecordGraph(s)
		}
		rows = append(rows, row{methodAnalytic, res})
	}

	if runMC {
		mc := a.cfg.MonteCarlo
		engine := pricing.NewEngine(mc.Paths,
			pricing.WithSeed(uint64(mc.Seed)),
			pricing.WithAntithetic(mc.Antithetic),
			pricing.WithParallel(parallelFrom(mc)),
			pricing.WithLogger(a.logger),
			pricing.WithRecorder(rec),
		)
		res, err := engine.MonteCarloCall(cmd.Context(), p)
		if err != nil {
			return err
		}
		rows = append(rows, row{methodMonteCarlo, res})
	}

	out := cmd.OutOrStdout()
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "method\tprice\tstderr\tdelta\tvega\trho\ttheta\tdual_delta\tpaths\t")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%.6f\t%.6f\t%.6f\t%.6f\t%.6f\t%.6f\t%.6f\t%d\t\n",
			r.method, r.res.Price, r.res.StdErr,
			r.res.Delta(), r.res.Vega(), r.res.Rho(), r.res.Theta(), r.res.DualDelta(),
			r.res.Paths)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if f.showMetrics {
		return writeMetrics(out, rec)
	}
	return nil
}

func writeMetrics(w io.Writer, rec *metrics.Recorder) error {
	if _, err := fmt.Fprintln(w); err != nil {
		return err
	}
	return rec.WriteText(w)
}
