package problem

import (
	"context"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/copyleftdev/nloptd/internal/errors"
	"github.com/copyleftdev/nloptd/internal/model"
)

// unboundedSpread is the half-width of the sampling box along a side
// without a finite bound.
const unboundedSpread = 10.0

// MultistartConfig controls Multistart.
type MultistartConfig struct {
	// Starts is the number of starting points, the first being the
	// definition's own start.
	Starts int
	// Workers bounds the number of concurrent solves.
	Workers int
	// Seed makes the sampled starting points reproducible.
	Seed uint64
	// Acquire, when set, is called before each start is built and the
	// returned release after it finishes. Callers sharing a solve budget
	// across requests use it to bound native solves globally.
	Acquire func(ctx context.Context) (release func(), err error)
}

// Multistart solves d from cfg.Starts points concurrently, each on its own
// model and native optimizer, and returns the best result with a point.
// All results are returned sorted by StartIndex.
func Multistart(ctx context.Context, d *Definition, cfg MultistartConfig, logger *zap.Logger) (*Result, []*Result, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := d.Validate(); err != nil {
		return nil, nil, err
	}
	if cfg.Starts < 1 {
		cfg.Starts = 1
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}

	starts := SampleStarts(d, cfg.Starts, cfg.Seed)

	p := pool.NewWithResults[*Result]().
		WithContext(ctx).
		WithMaxGoroutines(cfg.Workers)
	for i, x0 := range starts {
		p.Go(func(ctx context.Context) (*Result, error) {
			if cfg.Acquire != nil {
				release, err := cfg.Acquire(ctx)
				if err != nil {
					return nil, err
				}
				defer release()
			}
			inst, err := Build(d, logger)
			if err != nil {
				return nil, err
			}
			defer inst.Close()
			if err := inst.SetStart(x0); err != nil {
				return nil, err
			}
			res, err := inst.Solve(ctx)
			if err != nil {
				logger.Debug("start failed", zap.Int("start", i), zap.Error(err))
				return nil, err
			}
			res.StartIndex = i
			return res, nil
		})
	}
	results, err := p.Wait()

	sort.Slice(results, func(a, b int) bool { return results[a].StartIndex < results[b].StartIndex })
	best := Best(d, results)
	if best == nil {
		if err == nil {
			err = errors.New(errors.SolverFailure, "no start produced a point").
				WithOperation("multistart").
				WithComponent(component)
		}
		return nil, results, err
	}

	logger.Info("multistart finished",
		zap.String("problem", d.Name),
		zap.Int("starts", len(starts)),
		zap.Int("succeeded", len(results)),
		zap.Int("best_start", best.StartIndex),
		zap.Float64("objective", best.Objective))
	return best, results, nil
}

// Best picks the result with the best objective among those that carry a
// point, preferring locally solved ones. It returns nil if none has a point.
func Best(d *Definition, results []*Result) *Result {
	maximize := d.sense() == model.Maximize
	var best *Result
	for _, r := range results {
		if r == nil || !r.HasPoint() {
			continue
		}
		if best == nil || better(r, best, maximize) {
			best = r
		}
	}
	return best
}

func better(a, b *Result, maximize bool) bool {
	aSolved := a.Termination == model.LocallySolved
	bSolved := b.Termination == model.LocallySolved
	if aSolved != bSolved {
		return aSolved
	}
	if maximize {
		return a.Objective > b.Objective
	}
	return a.Objective < b.Objective
}

// SampleStarts returns n starting points: the definition's own start,
// then points drawn uniformly from the bounds. A side without a finite
// bound is replaced by the start offset by unboundedSpread.
func SampleStarts(d *Definition, n int, seed uint64) [][]float64 {
	base := defaultStart(d)
	out := make([][]float64, 0, n)
	out = append(out, base)

	src := rand.NewPCG(seed, 0x6e6c6f7074)
	for len(out) < n {
		x := make([]float64, len(base))
		for i, v := range d.Variables {
			lo, hi := bounds(v)
			if math.IsInf(lo, -1) {
				lo = math.Min(base[i], hi) - unboundedSpread
			}
			if math.IsInf(hi, 1) {
				hi = math.Max(base[i], lo) + unboundedSpread
			}
			x[i] = distuv.Uniform{Min: lo, Max: hi, Src: src}.Rand()
		}
		out = append(out, x)
	}
	return out
}
