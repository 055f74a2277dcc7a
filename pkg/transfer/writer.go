package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agenthands/autonet/pkg/core"
	"github.com/agenthands/autonet/pkg/metrics"
	"github.com/agenthands/autonet/pkg/quote"
	"github.com/jpillora/backoff"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Summary accounts for one upload.
type Summary struct {
	// Stored counts records written by this call.
	Stored int
	// Skipped counts records the network already held.
	Skipped int
	// Paid sums the prices of every settled quote, including ones whose put
	// later failed.
	Paid     core.Amount
	Receipts []core.Receipt
}

func (s *Summary) add(o Summary) {
	s.Stored += o.Stored
	s.Skipped += o.Skipped
	s.Paid += o.Paid
	s.Receipts = append(s.Receipts, o.Receipts...)
}

// Writer uploads records to the network, paying each node it stores with.
type Writer struct {
	net       core.Network
	quoter    *quote.Quoter
	cfg       core.TransferConfig
	maxRecord int
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// NewWriter returns a Writer. cfg should already carry defaults.
func NewWriter(net core.Network, q *quote.Quoter, cfg core.Config, opts ...Option) *Writer {
	s := defaultSettings(opts)
	return &Writer{
		net:       net,
		quoter:    q,
		cfg:       cfg.Transfer,
		maxRecord: cfg.MaxRecordSize(),
		logger:    s.logger,
		metrics:   s.metrics,
	}
}

// PutChunks stores every distinct chunk. Chunks the network already holds
// are skipped without payment. The first unrecoverable failure cancels the
// remaining uploads; chunks stored before that stay stored.
func (w *Writer) PutChunks(ctx context.Context, chunks []core.Chunk, payer core.Payer) (Summary, error) {
	if payer == nil {
		return Summary{}, fmt.Errorf("%w: no payer", core.ErrPayment)
	}

	distinct := make([]core.Chunk, 0, len(chunks))
	seen := make(map[core.Address]struct{}, len(chunks))
	for _, ch := range chunks {
		if _, ok := seen[ch.Address]; ok {
			continue
		}
		seen[ch.Address] = struct{}{}
		distinct = append(distinct, ch)
	}

	var (
		mu  sync.Mutex
		sum Summary
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	for _, ch := range distinct {
		g.Go(func() error {
			out, err := w.store(gctx, core.ChunkRecord(ch), payer, false)
			mu.Lock()
			sum.add(out)
			mu.Unlock()
			if err != nil {
				return fmt.Errorf("chunk %s: %w", ch.Address, err)
			}
			return nil
		})
	}
	err := g.Wait()

	w.logger.Debug("uploaded chunks",
		zap.Int("chunks", len(distinct)),
		zap.Int("stored", sum.Stored),
		zap.Int("skipped", sum.Skipped),
		zap.Stringer("paid", sum.Paid),
		zap.Error(err),
	)
	return sum, err
}

// PutRecord stores a single record. Vault records are written even when the
// network already holds a version at their address.
func (w *Writer) PutRecord(ctx context.Context, rec core.Record, payer core.Payer) (Summary, error) {
	if payer == nil {
		return Summary{}, fmt.Errorf("%w: no payer", core.ErrPayment)
	}
	return w.store(ctx, rec, payer, rec.Kind == core.KindVault)
}

func (w *Writer) store(ctx context.Context, rec core.Record, payer core.Payer, replace bool) (Summary, error) {
	if len(rec.Data) > w.maxRecord {
		return Summary{}, fmt.Errorf("%w: record of %d bytes exceeds %d", core.ErrTooLarge, len(rec.Data), w.maxRecord)
	}

	sel, err := w.quoter.Quote(ctx, rec.Address)
	w.metrics.Quoted(err == nil)
	if err != nil {
		return Summary{}, err
	}
	if sel.Stored && !replace {
		w.metrics.Skipped()
		return Summary{Skipped: 1}, nil
	}

	var (
		sum      Summary
		failures error
		attempts int
		rejected int // puts refused for payment reasons
		requoted bool
		pool     = sel.Quotes
		stored   = make(map[core.NodeID]struct{}, w.cfg.Quorum)
		b        = &backoff.Backoff{Min: w.cfg.BackoffMin, Max: w.cfg.BackoffMax, Factor: 2, Jitter: true}
	)

	for len(stored) < w.cfg.Quorum && attempts < w.cfg.MaxAttempts {
		if len(pool) == 0 {
			if requoted {
				break
			}
			requoted = true
			sel, err = w.quoter.Quote(ctx, rec.Address)
			w.metrics.Quoted(err == nil)
			if err != nil {
				failures = multierr.Append(failures, err)
				break
			}
			if sel.Stored && !replace && len(stored) == 0 {
				w.metrics.Skipped()
				return Summary{Skipped: 1, Paid: sum.Paid}, nil
			}
			pool = sel.Quotes
			continue
		}

		q := pool[0]
		pool = pool[1:]
		if _, ok := stored[q.Node]; ok {
			continue
		}

		if attempts > 0 {
			if err := sleep(ctx, b.Duration()); err != nil {
				return sum, err
			}
		}
		attempts++
		w.metrics.Attempt()

		start := time.Now()
		proof, err := payer.Pay(ctx, q)
		if err != nil {
			return sum, fmt.Errorf("%w: paying %s: %w", core.ErrPayment, q.Node, err)
		}
		sum.Paid += q.Price

		rctx, cancel := withTimeout(ctx, w.cfg.RequestTimeout)
		receipt, err := w.net.PutChunk(rctx, q.Node, rec, proof)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return sum, ctx.Err()
			}
			w.metrics.PutFailed(reason(err))
			w.logger.Warn("put attempt failed",
				zap.Stringer("addr", rec.Address),
				zap.String("node", string(q.Node)),
				zap.Int("attempt", attempts),
				zap.Error(err),
			)
			if errors.Is(err, core.ErrPayment) {
				rejected++
			}
			failures = multierr.Append(failures, fmt.Errorf("%s: %w", q.Node, err))
			continue
		}

		stored[q.Node] = struct{}{}
		sum.Receipts = append(sum.Receipts, receipt)
		w.metrics.Stored(len(rec.Data), uint64(q.Price), time.Since(start))
	}

	if len(stored) >= w.cfg.Quorum {
		sum.Stored = 1
		return sum, nil
	}

	w.logger.Error("record upload exhausted",
		zap.Stringer("addr", rec.Address),
		zap.Stringer("kind", rec.Kind),
		zap.Int("attempts", attempts),
		zap.Int("receipts", len(stored)),
		zap.Error(failures),
	)
	if failures == nil {
		failures = errors.New("no quotes left")
	}
	kind := core.ErrNetwork
	if rejected > 0 && rejected == len(multierr.Errors(failures)) {
		kind = core.ErrPayment
	}
	return sum, fmt.Errorf("%w: %s stored on %d of %d nodes after %d attempts: %v",
		kind, rec.Address, len(stored), w.cfg.Quorum, attempts, failures)
}
