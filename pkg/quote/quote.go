package quote

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/agenthands/autonet/pkg/core"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Selection is the usable outcome of one quote round for an address.
type Selection struct {
	Address core.Address
	// Stored is set when a responsible node already holds the record.
	Stored bool
	// Quotes are the non-expired offers, cheapest first, ties by node id.
	// Holders may still offer, which replaceable records need.
	Quotes []core.Quote
}

// Best returns the cheapest quote.
func (s Selection) Best() (core.Quote, bool) {
	if len(s.Quotes) == 0 {
		return core.Quote{}, false
	}
	return s.Quotes[0], true
}

// Quoter asks the network for storage offers and picks the payable ones.
type Quoter struct {
	net         core.Network
	now         func() time.Time
	timeout     time.Duration
	concurrency int
	logger      *zap.Logger
}

// Option configures a Quoter.
type Option func(*Quoter)

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(q *Quoter) { q.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(q *Quoter) {
		if l != nil {
			q.logger = l
		}
	}
}

// New returns a Quoter over net using the transfer settings of cfg.
func New(net core.Network, cfg core.TransferConfig, opts ...Option) *Quoter {
	q := &Quoter{
		net:         net,
		now:         time.Now,
		timeout:     cfg.RequestTimeout,
		concurrency: cfg.Concurrency,
		logger:      zap.NewNop(),
	}
	for _, o := range opts {
		o(q)
	}
	if q.concurrency < 1 {
		q.concurrency = 1
	}
	return q
}

// Quote fetches offers for addr. When nothing is stored and no offer is
// usable it fails with core.ErrPayment.
func (q *Quoter) Quote(ctx context.Context, addr core.Address) (Selection, error) {
	rctx, cancel := q.roundTrip(ctx)
	defer cancel()

	quotes, err := q.net.GetQuotes(rctx, addr)
	if err != nil {
		if ctx.Err() != nil {
			return Selection{}, ctx.Err()
		}
		return Selection{}, fmt.Errorf("%w: quotes for %s: %v", core.ErrNetwork, addr, err)
	}

	sel := Select(addr, quotes, q.now())
	if !sel.Stored && len(sel.Quotes) == 0 {
		return sel, fmt.Errorf("%w: no usable quote for %s (%d offered)", core.ErrPayment, addr, len(quotes))
	}
	return sel, nil
}

// Select filters quotes for addr at time now and orders them cheapest first.
func Select(addr core.Address, quotes []core.Quote, now time.Time) Selection {
	sel := Selection{Address: addr}
	for _, qt := range quotes {
		if qt.Address != addr {
			continue
		}
		if qt.Stored {
			sel.Stored = true
		}
		if !qt.Expiry.IsZero() && !now.Before(qt.Expiry) {
			continue
		}
		sel.Quotes = append(sel.Quotes, qt)
	}
	sort.SliceStable(sel.Quotes, func(i, j int) bool {
		if sel.Quotes[i].Price != sel.Quotes[j].Price {
			return sel.Quotes[i].Price < sel.Quotes[j].Price
		}
		return sel.Quotes[i].Node < sel.Quotes[j].Node
	})
	return sel
}

// Estimate is the priced outcome of quoting a set of addresses.
type Estimate struct {
	Total core.Amount
	// Chunks is the number of distinct addresses quoted.
	Chunks int
	// Stored counts addresses already held by the network; they cost nothing.
	Stored int
	// Selections holds each distinct address's selection in first-seen order.
	Selections []Selection
}

// EstimateChunks sums the cheapest price of every distinct address that is not
// already stored. It never touches the ledger.
func (q *Quoter) EstimateChunks(ctx context.Context, addrs []core.Address) (Estimate, error) {
	distinct := make([]core.Address, 0, len(addrs))
	seen := make(map[core.Address]struct{}, len(addrs))
	for _, a := range addrs {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		distinct = append(distinct, a)
	}

	sels := make([]Selection, len(distinct))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(q.concurrency)
	for i, a := range distinct {
		g.Go(func() error {
			sel, err := q.Quote(gctx, a)
			if err != nil {
				return err
			}
			sels[i] = sel
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Estimate{}, err
	}

	est := Estimate{Chunks: len(distinct), Selections: sels}
	for _, sel := range sels {
		if sel.Stored {
			est.Stored++
			continue
		}
		best, _ := sel.Best()
		if est.Total+best.Price < est.Total {
			return Estimate{}, fmt.Errorf("%w: cost overflows", core.ErrTooLarge)
		}
		est.Total += best.Price
	}

	q.logger.Debug("estimated storage cost",
		zap.Int("chunks", est.Chunks),
		zap.Int("stored", est.Stored),
		zap.Stringer("total", est.Total),
	)
	return est, nil
}

func (q *Quoter) roundTrip(ctx context.Context) (context.Context, context.CancelFunc) {
	if q.timeout > 0 {
		return context.WithTimeout(ctx, q.timeout)
	}
	return context.WithCancel(ctx)
}
