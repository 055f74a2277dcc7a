package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agenthands/autonet/pkg/cidutil"
	"github.com/agenthands/autonet/pkg/core"
	"github.com/agenthands/autonet/pkg/metrics"
	"github.com/jpillora/backoff"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Reader fetches records from the nodes responsible for them.
type Reader struct {
	net     core.Network
	cfg     core.TransferConfig
	addrs   cidutil.Builder
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewReader returns a Reader. cfg should already carry defaults.
func NewReader(net core.Network, cfg core.TransferConfig, opts ...Option) *Reader {
	s := defaultSettings(opts)
	return &Reader{
		net:     net,
		cfg:     cfg,
		addrs:   cidutil.NewBuilder(),
		logger:  s.logger,
		metrics: s.metrics,
	}
}

// Fetch returns the chunk at addr after checking that it hashes to addr.
//
// When no holder returns valid bytes the error is core.ErrCorrupt if any
// holder returned mismatching bytes, else core.ErrNotFound if any holder
// reported the chunk missing, else core.ErrNetwork.
func (r *Reader) Fetch(ctx context.Context, addr core.Address) ([]byte, error) {
	nodes, err := r.closest(ctx, addr)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: no holders for %s", core.ErrNotFound, addr)
	}

	var (
		corrupt, missing bool
		failures         error
		b                = &backoff.Backoff{Min: r.cfg.BackoffMin, Max: r.cfg.BackoffMax, Factor: 2, Jitter: true}
	)

	for round := 0; round < r.cfg.MaxAttempts; round++ {
		if round > 0 {
			if err := sleep(ctx, b.Duration()); err != nil {
				return nil, err
			}
		}

		transient := false
		for _, node := range nodes {
			start := time.Now()
			data, err := r.get(ctx, node, addr)
			if err == nil {
				err = r.addrs.Verify(addr, data)
			}
			if err == nil {
				r.metrics.Fetched(len(data), time.Since(start))
				return data, nil
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			r.metrics.FetchFailed(reason(err))
			failures = multierr.Append(failures, fmt.Errorf("%s: %w", node, err))
			switch {
			case errors.Is(err, core.ErrCorrupt):
				corrupt = true
			case errors.Is(err, core.ErrNotFound):
				missing = true
			default:
				transient = true
			}
		}

		// Only transport failures are worth another round.
		if !transient {
			break
		}
	}

	r.logger.Debug("fetch failed",
		zap.Stringer("addr", addr),
		zap.Int("holders", len(nodes)),
		zap.Error(failures),
	)
	switch {
	case corrupt:
		return nil, fmt.Errorf("%w: no holder returned valid bytes for %s", core.ErrCorrupt, addr)
	case missing:
		return nil, fmt.Errorf("%w: %s", core.ErrNotFound, addr)
	default:
		return nil, fmt.Errorf("%w: fetching %s: %v", core.ErrNetwork, addr, failures)
	}
}

// FetchRecordCopies asks every node responsible for addr for its copy of the
// record and returns the copies found, nearest holder first. Replicas of a
// replaceable record may disagree; callers pick the current one. Failing
// holders are ignored once any copy is found.
func (r *Reader) FetchRecordCopies(ctx context.Context, addr core.Address) ([][]byte, error) {
	nodes, err := r.closest(ctx, addr)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: no holders for %s", core.ErrNotFound, addr)
	}

	var (
		missing  bool
		failures error
		b        = &backoff.Backoff{Min: r.cfg.BackoffMin, Max: r.cfg.BackoffMax, Factor: 2, Jitter: true}
	)
	for round := 0; round < r.cfg.MaxAttempts; round++ {
		if round > 0 {
			if err := sleep(ctx, b.Duration()); err != nil {
				return nil, err
			}
		}

		start := time.Now()
		copies := make([][]byte, len(nodes))
		errs := make([]error, len(nodes))
		var g errgroup.Group
		g.SetLimit(r.cfg.Concurrency)
		for i, node := range nodes {
			g.Go(func() error {
				copies[i], errs[i] = r.get(ctx, node, addr)
				return nil
			})
		}
		_ = g.Wait()
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var found [][]byte
		transient := false
		for i, err := range errs {
			if err == nil {
				r.metrics.Fetched(len(copies[i]), time.Since(start))
				found = append(found, copies[i])
				continue
			}
			if errors.Is(err, core.ErrNotFound) {
				missing = true
				continue
			}
			r.metrics.FetchFailed(reason(err))
			failures = multierr.Append(failures, fmt.Errorf("%s: %w", nodes[i], err))
			transient = true
		}
		if len(found) > 0 {
			return found, nil
		}
		if !transient {
			break
		}
	}

	r.logger.Debug("record fetch failed",
		zap.Stringer("addr", addr),
		zap.Int("holders", len(nodes)),
		zap.Error(failures),
	)
	if missing && failures == nil {
		return nil, fmt.Errorf("%w: %s", core.ErrNotFound, addr)
	}
	return nil, fmt.Errorf("%w: fetching copies of %s: %v", core.ErrNetwork, addr, failures)
}

// FetchAll fetches addrs concurrently. The result is index-aligned with addrs.
// Any failure aborts the whole fetch and no partial result is returned.
func (r *Reader) FetchAll(ctx context.Context, addrs []core.Address) ([][]byte, error) {
	slots := make([][]byte, len(addrs))

	first := make(map[core.Address]int, len(addrs))
	var unique []int
	for i, a := range addrs {
		if _, ok := first[a]; ok {
			continue
		}
		first[a] = i
		unique = append(unique, i)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, i := range unique {
		g.Go(func() error {
			data, err := r.Fetch(gctx, addrs[i])
			if err != nil {
				return err
			}
			slots[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, a := range addrs {
		if slots[i] == nil {
			slots[i] = slots[first[a]]
		}
	}
	return slots, nil
}

func (r *Reader) closest(ctx context.Context, addr core.Address) ([]core.NodeID, error) {
	rctx, cancel := withTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()
	nodes, err := r.net.ClosestNodes(rctx, addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: resolving holders of %s: %v", core.ErrNetwork, addr, err)
	}
	return nodes, nil
}

func (r *Reader) get(ctx context.Context, node core.NodeID, addr core.Address) ([]byte, error) {
	rctx, cancel := withTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()
	return r.net.GetChunk(rctx, node, addr)
}
