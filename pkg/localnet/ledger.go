package localnet

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/agenthands/autonet/pkg/core"
)

// Payment is a settled transfer recorded by the Ledger.
type Payment struct {
	From   string
	To     core.NodeID
	Amount core.Amount
	Quote  core.Quote
}

// Ledger is an in-process settlement layer for quotes.
type Ledger struct {
	mu       sync.Mutex
	balances map[string]core.Amount
	earned   map[core.NodeID]core.Amount
	txs      map[[32]byte]Payment
	seq      uint64
}

func newLedger() *Ledger {
	return &Ledger{
		balances: make(map[string]core.Amount),
		earned:   make(map[core.NodeID]core.Amount),
		txs:      make(map[[32]byte]Payment),
	}
}

// Wallet funds a named account with balance and returns a payer drawing on it.
func (l *Ledger) Wallet(name string, balance core.Amount) *Wallet {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[name] += balance
	return &Wallet{ledger: l, name: name}
}

// Verify checks that proof settles its quote in full.
func (l *Ledger) Verify(proof core.PaymentProof) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.txs[proof.TxHash]
	if !ok {
		return fmt.Errorf("%w: unknown transaction %x", core.ErrPayment, proof.TxHash[:8])
	}
	if p.To != proof.Quote.Node || p.Quote.Address != proof.Quote.Address {
		return fmt.Errorf("%w: transaction does not match quote", core.ErrPayment)
	}
	if p.Amount < proof.Quote.Price {
		return fmt.Errorf("%w: paid %s, quoted %s", core.ErrPayment, p.Amount, proof.Quote.Price)
	}
	return nil
}

// Earned is the total paid to node.
func (l *Ledger) Earned(node core.NodeID) core.Amount {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.earned[node]
}

// Transactions is the number of settled payments.
func (l *Ledger) Transactions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.txs)
}

func (l *Ledger) pay(from string, q core.Quote) (core.PaymentProof, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.balances[from] < q.Price {
		return core.PaymentProof{}, fmt.Errorf("%w: %s has %s, needs %s", core.ErrPayment, from, l.balances[from], q.Price)
	}
	l.balances[from] -= q.Price
	l.earned[q.Node] += q.Price
	l.seq++

	h := sha256.New()
	h.Write([]byte(from))
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], l.seq)
	h.Write(seq[:])
	h.Write([]byte(q.Node))
	h.Write(q.Address[:])

	var tx [32]byte
	copy(tx[:], h.Sum(nil))
	l.txs[tx] = Payment{From: from, To: q.Node, Amount: q.Price, Quote: q}
	return core.PaymentProof{Quote: q, TxHash: tx}, nil
}

// Wallet pays quotes out of one ledger account.
type Wallet struct {
	ledger *Ledger
	name   string
}

// Pay settles q.
func (w *Wallet) Pay(ctx context.Context, q core.Quote) (core.PaymentProof, error) {
	if err := ctx.Err(); err != nil {
		return core.PaymentProof{}, err
	}
	return w.ledger.pay(w.name, q)
}

// Balance is the wallet's remaining funds.
func (w *Wallet) Balance() core.Amount {
	w.ledger.mu.Lock()
	defer w.ledger.mu.Unlock()
	return w.ledger.balances[w.name]
}
