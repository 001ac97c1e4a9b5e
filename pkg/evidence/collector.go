package evidence

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/epistemd/pkg/vectors"
)

// Source produces evidence items for the dimensions it covers.
//
// Collect may shell out to test runners or walk version-control history, so
// latency is unbounded; the Collector wraps every call in a timeout.
type Source interface {
	// Name identifies the source in logs and Item records.
	Name() string

	// Dimensions lists the vector dimensions this source can inform.
	Dimensions() []vectors.Dimension

	// Collect gathers evidence. It must respect ctx cancellation.
	Collect(ctx context.Context) ([]Item, error)
}

// DefaultSourceTimeout bounds a single source's Collect call.
const DefaultSourceTimeout = 30 * time.Second

// Collector fans collection out over registered sources, one timeout per
// source, and returns whatever evidence survived.
type Collector struct {
	sources []Source
	timeout time.Duration
	logger  *zap.Logger
}

// NewCollector creates a collector over the given sources.
//
// A timeout of zero selects DefaultSourceTimeout. A nil logger falls back to
// a no-op logger.
func NewCollector(sources []Source, timeout time.Duration, logger *zap.Logger) *Collector {
	if timeout <= 0 {
		timeout = DefaultSourceTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		sources: sources,
		timeout: timeout,
		logger:  logger,
	}
}

// Collect runs every source and returns all gathered items grouped by
// dimension, plus the list of dimensions whose sources failed or timed out.
//
// A degraded source never fails the overall pass: its dimensions simply end
// up ungrounded for this transaction.
func (c *Collector) Collect(ctx context.Context) (map[vectors.Dimension][]Item, []vectors.Dimension) {
	return c.CollectWith(ctx)
}

// CollectWith runs the registered sources plus any extra per-call sources,
// for evidence that only exists at a specific point in the lifecycle (goal
// progress reported at close, for example).
func (c *Collector) CollectWith(ctx context.Context, extra ...Source) (map[vectors.Dimension][]Item, []vectors.Dimension) {
	byDim := make(map[vectors.Dimension][]Item)
	var degraded []vectors.Dimension

	sources := c.sources
	if len(extra) > 0 {
		sources = append(append([]Source(nil), c.sources...), extra...)
	}
	for _, src := range sources {
		items, err := c.collectOne(ctx, src)
		if err != nil {
			c.logger.Warn("Evidence source degraded",
				zap.String("source", src.Name()),
				zap.Error(err))
			degraded = append(degraded, src.Dimensions()...)
			continue
		}
		for _, item := range items {
			if !Groundable(item.Dimension) {
				// A source cannot promote an ungroundable dimension.
				continue
			}
			byDim[item.Dimension] = append(byDim[item.Dimension], item)
		}
	}

	return byDim, degraded
}

// collectOne runs a single source under its own deadline.
func (c *Collector) collectOne(ctx context.Context, src Source) ([]Item, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type result struct {
		items []Item
		err   error
	}
	done := make(chan result, 1)

	go func() {
		items, err := src.Collect(ctx)
		done <- result{items: items, err: err}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrEvidenceTimeout
		}
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, errors.Join(ErrEvidenceUnavailable, r.err)
		}
		return r.items, nil
	}
}
