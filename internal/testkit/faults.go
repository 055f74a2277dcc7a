package testkit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/agenthands/autonet/pkg/core"
)

var ErrInjectedFault = errors.New("injected fault")

// FaultyNetwork wraps a core.Network and injects failures per address or node.
type FaultyNetwork struct {
	core.Network

	mu        sync.Mutex
	withheld  map[core.Address]bool
	corrupt   map[core.Address]bool
	failPuts  map[core.NodeID]int
	failGets  map[core.NodeID]int
	slowQuote chan struct{}

	Puts   atomic.Int64
	Gets   atomic.Int64
	Quotes atomic.Int64
}

// NewFaultyNetwork returns a pass-through wrapper around inner.
func NewFaultyNetwork(inner core.Network) *FaultyNetwork {
	return &FaultyNetwork{
		Network:  inner,
		withheld: make(map[core.Address]bool),
		corrupt:  make(map[core.Address]bool),
		failPuts: make(map[core.NodeID]int),
		failGets: make(map[core.NodeID]int),
	}
}

// Withhold makes every holder report addr as not found.
func (f *FaultyNetwork) Withhold(addr core.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.withheld[addr] = true
}

// Corrupt makes every holder return addr with one byte flipped.
func (f *FaultyNetwork) Corrupt(addr core.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.corrupt[addr] = true
}

// FailPuts makes the next n puts against node fail.
func (f *FaultyNetwork) FailPuts(node core.NodeID, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failPuts[node] = n
}

// FailGets makes the next n gets against node fail with a transport error.
func (f *FaultyNetwork) FailGets(node core.NodeID, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failGets[node] = n
}

// StallQuotes blocks GetQuotes until the returned release func is called or
// the caller's context ends.
func (f *FaultyNetwork) StallQuotes() (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.slowQuote = ch
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (f *FaultyNetwork) GetQuotes(ctx context.Context, addr core.Address) ([]core.Quote, error) {
	f.Quotes.Add(1)
	f.mu.Lock()
	stall := f.slowQuote
	f.mu.Unlock()
	if stall != nil {
		select {
		case <-stall:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.Network.GetQuotes(ctx, addr)
}

func (f *FaultyNetwork) GetChunk(ctx context.Context, node core.NodeID, addr core.Address) ([]byte, error) {
	f.Gets.Add(1)
	f.mu.Lock()
	withheld := f.withheld[addr]
	corrupt := f.corrupt[addr]
	failing := f.failGets[node] > 0
	if failing {
		f.failGets[node]--
	}
	f.mu.Unlock()

	if failing {
		return nil, fmt.Errorf("%w: %w: get from %s", core.ErrNetwork, ErrInjectedFault, node)
	}
	if withheld {
		return nil, fmt.Errorf("%w: %s withheld by %s", core.ErrNotFound, addr, node)
	}

	data, err := f.Network.GetChunk(ctx, node, addr)
	if err != nil {
		return nil, err
	}
	if corrupt {
		return FlipByte(data), nil
	}
	return data, nil
}

func (f *FaultyNetwork) PutChunk(ctx context.Context, node core.NodeID, rec core.Record, proof core.PaymentProof) (core.Receipt, error) {
	f.Puts.Add(1)
	f.mu.Lock()
	failing := f.failPuts[node] > 0
	if failing {
		f.failPuts[node]--
	}
	f.mu.Unlock()

	if failing {
		return core.Receipt{}, fmt.Errorf("%w: %w: put to %s", core.ErrNetwork, ErrInjectedFault, node)
	}
	return f.Network.PutChunk(ctx, node, rec, proof)
}
