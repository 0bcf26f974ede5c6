// Package parallel provides chunked parallel execution for Monte Carlo style
// workloads where every worker owns its own state.
package parallel

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Config controls parallel execution behavior.
type Config struct {
	Enabled      bool // Whether parallel execution is enabled.
	NumWorkers   int  // Number of worker goroutines to use.
	MinChunkSize int  // Minimum items per goroutine to avoid overhead.
}

// DefaultConfig returns sensible defaults based on CPU count.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		Enabled:      n > 1,
		NumWorkers:   n,
		MinChunkSize: 256, // A graph per worker is only worth it for enough paths.
	}
}

// chunkSize returns the number of items per chunk for n items.
func chunkSize(n int, cfg Config) int {
	if !cfg.Enabled || cfg.NumWorkers < 2 || n < cfg.MinChunkSize {
		return n
	}
	return max((n+cfg.NumWorkers-1)/cfg.NumWorkers, cfg.MinChunkSize, 1)
}

// NumChunks returns how many chunks ForChunks splits n items into.
func NumChunks(n int, cfg Config) int {
	if n <= 0 {
		return 0
	}
	size := chunkSize(n, cfg)
	return (n + size - 1) / size
}

// ForChunks splits [0, n) into contiguous chunks and calls f(ctx, chunk, start, end)
// once per chunk. Chunks run concurrently unless parallelism is disabled or n
// is too small, in which case a single chunk runs on the calling goroutine.
//
// The first error cancels the context passed to the other chunks and is
// returned once all of them have finished.
func ForChunks(ctx context.Context, n int, cfg Config, f func(ctx context.Context, chunk, start, end int) error) error {
	if n <= 0 {
		return nil
	}
	size := chunkSize(n, cfg)
	if size >= n {
		// Sequential fallback.
		return f(ctx, 0, 0, n)
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.NumWorkers)

	for chunk, start := 0, 0; start < n; chunk, start = chunk+1, start+size {
		end := min(start+size, n)
		g.Go(func() error {
			return f(gCtx, chunk, start, end)
		})
	}
	return g.Wait()
}
