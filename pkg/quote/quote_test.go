package quote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agenthands/autonet/pkg/cidutil"
	"github.com/agenthands/autonet/pkg/core"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// staticNetwork answers quotes from a fixed table.
type staticNetwork struct {
	core.Network

	mu     sync.Mutex
	quotes map[core.Address][]core.Quote
	err    error
	calls  atomic.Int64
}

func (n *staticNetwork) GetQuotes(ctx context.Context, addr core.Address) ([]core.Quote, error) {
	n.calls.Add(1)
	if n.err != nil {
		return nil, n.err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.quotes[addr], nil
}

func offer(node string, addr core.Address, price core.Amount, ttl time.Duration) core.Quote {
	return core.Quote{Node: core.NodeID(node), Address: addr, Price: price, Expiry: epoch.Add(ttl)}
}

func newQuoter(net core.Network) *Quoter {
	cfg := core.DefaultConfig().Transfer
	cfg.Concurrency = 4
	return New(net, cfg, WithClock(func() time.Time { return epoch }))
}

func TestQuoteOrdering(t *testing.T) {
	addr := cidutil.MustSum([]byte("ordering"))
	net := &staticNetwork{quotes: map[core.Address][]core.Quote{
		addr: {
			offer("node-c", addr, 30, time.Minute),
			offer("node-b", addr, 10, time.Minute),
			offer("node-a", addr, 10, time.Minute),
			offer("node-x", addr, 1, -time.Second),
		},
	}}

	sel, err := newQuoter(net).Quote(context.Background(), addr)
	if err != nil {
		t.Fatalf("Quote failed: %v", err)
	}
	if sel.Stored {
		t.Error("expected Stored to be false")
	}

	want := []core.NodeID{"node-a", "node-b", "node-c"}
	if len(sel.Quotes) != len(want) {
		t.Fatalf("expected %d usable quotes, got %d", len(want), len(sel.Quotes))
	}
	for i, q := range sel.Quotes {
		if q.Node != want[i] {
			t.Errorf("quote %d: expected %s, got %s", i, want[i], q.Node)
		}
	}
	best, ok := sel.Best()
	if !ok || best.Price != 10 {
		t.Errorf("expected best price 10, got %v (ok=%v)", best.Price, ok)
	}
}

func TestQuoteSelection(t *testing.T) {
	addr := cidutil.MustSum([]byte("selection"))
	other := cidutil.MustSum([]byte("other"))

	tests := []struct {
		name      string
		quotes    []core.Quote
		wantErr   error
		wantStore bool
		wantCount int
	}{
		{"NoQuotes", nil, core.ErrPayment, false, 0},
		{"AllExpired", []core.Quote{offer("n1", addr, 5, 0), offer("n2", addr, 5, -time.Hour)}, core.ErrPayment, false, 0},
		{"WrongAddress", []core.Quote{offer("n1", other, 5, time.Hour)}, core.ErrPayment, false, 0},
		{"StoredOnly", []core.Quote{{Node: "n1", Address: addr, Stored: true, Expiry: epoch}}, nil, true, 0},
		{"StoredAndOffers", []core.Quote{{Node: "n1", Address: addr, Stored: true, Expiry: epoch}, offer("n2", addr, 5, time.Hour)}, nil, true, 1},
		{"HolderOffers", []core.Quote{{Node: "n1", Address: addr, Price: 2, Stored: true}, offer("n2", addr, 5, time.Hour)}, nil, true, 2},
		{"NoExpiry", []core.Quote{{Node: "n1", Address: addr, Price: 3}}, nil, false, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			net := &staticNetwork{quotes: map[core.Address][]core.Quote{addr: tt.quotes}}
			sel, err := newQuoter(net).Quote(context.Background(), addr)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Quote failed: %v", err)
			}
			if sel.Stored != tt.wantStore {
				t.Errorf("expected Stored=%v, got %v", tt.wantStore, sel.Stored)
			}
			if len(sel.Quotes) != tt.wantCount {
				t.Errorf("expected %d quotes, got %d", tt.wantCount, len(sel.Quotes))
			}
		})
	}
}

func TestQuoteNetworkError(t *testing.T) {
	net := &staticNetwork{err: fmt.Errorf("dial failed")}
	_, err := newQuoter(net).Quote(context.Background(), cidutil.MustSum([]byte("x")))
	if !errors.Is(err, core.ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
}

func TestQuoteCancelled(t *testing.T) {
	net := &staticNetwork{err: context.Canceled}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newQuoter(net).Quote(ctx, cidutil.MustSum([]byte("x")))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestEstimateChunks(t *testing.T) {
	a := cidutil.MustSum([]byte("a"))
	b := cidutil.MustSum([]byte("b"))
	c := cidutil.MustSum([]byte("c"))

	net := &staticNetwork{quotes: map[core.Address][]core.Quote{
		a: {offer("n1", a, 7, time.Hour), offer("n2", a, 4, time.Hour)},
		b: {offer("n1", b, 9, time.Hour)},
		c: {{Node: "n1", Address: c, Stored: true}},
	}}

	est, err := newQuoter(net).EstimateChunks(context.Background(), []core.Address{a, b, a, c, b})
	if err != nil {
		t.Fatalf("EstimateChunks failed: %v", err)
	}
	if est.Total != 13 {
		t.Errorf("expected total 13, got %v", est.Total)
	}
	if est.Chunks != 3 {
		t.Errorf("expected 3 distinct chunks, got %d", est.Chunks)
	}
	if est.Stored != 1 {
		t.Errorf("expected 1 stored chunk, got %d", est.Stored)
	}
	if got := net.calls.Load(); got != 3 {
		t.Errorf("expected 3 quote requests, got %d", got)
	}
	if est.Selections[0].Address != a || est.Selections[2].Address != c {
		t.Error("selections not in first-seen order")
	}

	t.Run("Empty", func(t *testing.T) {
		est, err := newQuoter(net).EstimateChunks(context.Background(), nil)
		if err != nil {
			t.Fatalf("EstimateChunks failed: %v", err)
		}
		if est.Total != 0 || est.Chunks != 0 {
			t.Errorf("expected zero estimate, got %+v", est)
		}
	})

	t.Run("Unpriceable", func(t *testing.T) {
		d := cidutil.MustSum([]byte("d"))
		_, err := newQuoter(net).EstimateChunks(context.Background(), []core.Address{a, d})
		if !errors.Is(err, core.ErrPayment) {
			t.Fatalf("expected ErrPayment, got %v", err)
		}
	})
}
