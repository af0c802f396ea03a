// Package planner decides, once per epoch, which dataset prefix, read order,
// objects and samples every rank works on.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/mlio-bench/internal/config"
	"github.com/withObsrvr/mlio-bench/internal/group"
	"github.com/withObsrvr/mlio-bench/internal/source"
)

// ErrNoSamples is returned when the chosen objects hold no bytes at all.
var ErrNoSamples = errors.New("no samples available")

// statConcurrency bounds parallel Size calls while enumerating samples.
const statConcurrency = 32

// Sample is one fixed-size byte range.
type Sample struct {
	Object string `json:"object"`
	Offset uint64 `json:"offset"`
}

// Epoch is the per-epoch execution state shared by every rank.
type Epoch struct {
	Index     int
	Source    source.Source
	ReadOrder string
	Objects   []string
	Samples   []Sample

	// Degraded is set when samples were drawn with replacement.
	Degraded bool
}

// Planner draws epochs and samples. Rank 0's choices win: every rank draws,
// then the results are broadcast from rank 0.
type Planner struct {
	cfg   config.Config
	group group.Group
	rng   *rand.Rand
	log   *slog.Logger
}

// New creates a planner. rng must not be shared with other goroutines.
func New(cfg config.Config, g group.Group, rng *rand.Rand, log *slog.Logger) *Planner {
	return &Planner{cfg: cfg, group: g, rng: rng, log: log}
}

// NewRand seeds a generator; seed 0 means nondeterministic.
func NewRand(seed int64) *rand.Rand {
	if seed == 0 {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return rand.New(rand.NewPCG(uint64(seed), uint64(seed)))
}

// PlanEpoch picks the source, object list and read order for one epoch.
func (p *Planner) PlanEpoch(ctx context.Context, index int, reg *source.Registry) (Epoch, error) {
	sources := reg.Sources()
	if len(sources) == 0 {
		return Epoch{}, fmt.Errorf("epoch %d: %w", index, source.ErrNoObjects)
	}

	name := sources[p.rng.IntN(len(sources))].Name
	if err := p.share(ctx, "source", &name); err != nil {
		return Epoch{}, err
	}
	src, err := reg.Lookup(name)
	if err != nil {
		return Epoch{}, fmt.Errorf("epoch %d: rank 0 chose %w", index, err)
	}

	objects := slices.Clone(src.Objects)
	p.rng.Shuffle(len(objects), func(i, j int) {
		objects[i], objects[j] = objects[j], objects[i]
	})
	if limit := p.cfg.ObjectCountLimit; limit > 0 && len(objects) > limit {
		objects = objects[:limit]
	}
	if err := p.share(ctx, "objects", &objects); err != nil {
		return Epoch{}, err
	}

	order := p.cfg.ReadOrder[p.rng.IntN(len(p.cfg.ReadOrder))]
	if err := p.share(ctx, "read order", &order); err != nil {
		return Epoch{}, err
	}

	p.log.Info("planned epoch",
		"epoch", index,
		"source", src.Name,
		"read_order", order,
		"objects", len(objects),
	)

	return Epoch{
		Index:     index,
		Source:    src,
		ReadOrder: order,
		Objects:   objects,
	}, nil
}

// PlanSamples sizes every object of the epoch and draws exactly
// batch_size * steps * group_size samples.
func (p *Planner) PlanSamples(ctx context.Context, e Epoch) (Epoch, error) {
	sizes, err := p.sizes(ctx, e.Source.FS, e.Objects)
	if err != nil {
		return e, fmt.Errorf("epoch %d: %w", e.Index, err)
	}

	candidates := Candidates(e.Objects, sizes, uint64(p.cfg.SampleSize))
	required := p.cfg.RequiredSamples(p.group.Size())
	if required > 0 && len(candidates) == 0 {
		return e, fmt.Errorf("epoch %d: %w in %d objects", e.Index, ErrNoSamples, len(e.Objects))
	}

	samples, degraded := Draw(p.rng, candidates, required)
	if degraded {
		p.log.Warn("not enough samples, drawing with replacement",
			"epoch", e.Index,
			"available", len(candidates),
			"required", required,
		)
	}

	if err := p.share(ctx, "samples", &samples); err != nil {
		return e, err
	}

	e.Samples = samples
	e.Degraded = degraded
	return e, nil
}

// sizes stats every object before any sampling happens.
func (p *Planner) sizes(ctx context.Context, fs source.Filesystem, objects []string) ([]int64, error) {
	sizes := make([]int64, len(objects))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statConcurrency)
	for i, key := range objects {
		g.Go(func() error {
			n, err := fs.Size(gctx, key)
			if err != nil {
				return err
			}
			sizes[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("size objects: %w", err)
	}
	return sizes, nil
}

// share broadcasts v from rank 0 and waits for every rank. A group of one
// skips both.
func (p *Planner) share(ctx context.Context, what string, v any) error {
	if p.group.Size() <= 1 {
		return nil
	}
	if err := p.group.Broadcast(ctx, v); err != nil {
		return fmt.Errorf("broadcast %s: %w", what, err)
	}
	if err := p.group.Barrier(ctx); err != nil {
		return fmt.Errorf("barrier after %s: %w", what, err)
	}
	return nil
}

// Candidates enumerates every offset in [0, size) stepped by sampleSize, per
// object, in object order.
func Candidates(objects []string, sizes []int64, sampleSize uint64) []Sample {
	if sampleSize == 0 {
		return nil
	}
	var out []Sample
	for i, key := range objects {
		size := uint64(max(sizes[i], 0))
		for off := uint64(0); off < size; off += sampleSize {
			out = append(out, Sample{Object: key, Offset: off})
		}
	}
	return out
}

// Draw picks exactly required samples. Without replacement when the pool is
// large enough, otherwise with replacement; degraded reports the latter.
func Draw(rng *rand.Rand, pool []Sample, required int) (samples []Sample, degraded bool) {
	if required <= 0 {
		return []Sample{}, false
	}
	if required > len(pool) {
		samples = make([]Sample, required)
		for i := range samples {
			samples[i] = pool[rng.IntN(len(pool))]
		}
		return samples, true
	}

	// Partial Fisher-Yates over a copy.
	samples = slices.Clone(pool)
	for i := 0; i < required; i++ {
		j := i + rng.IntN(len(samples)-i)
		samples[i], samples[j] = samples[j], samples[i]
	}
	return samples[:required:required], false
}
