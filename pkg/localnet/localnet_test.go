package localnet

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/agenthands/autonet/pkg/cidutil"
	"github.com/agenthands/autonet/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newNetwork(t *testing.T, cfg Config) (*Network, *time.Time) {
	t.Helper()
	now := epoch
	n, err := New(cfg, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n, &now
}

func storeChunk(t *testing.T, n *Network, w *Wallet, data []byte) (core.Chunk, core.Quote) {
	t.Helper()
	ctx := context.Background()
	ch, err := cidutil.NewBuilder().Chunk(data)
	require.NoError(t, err)

	quotes, err := n.GetQuotes(ctx, ch.Address)
	require.NoError(t, err)
	require.NotEmpty(t, quotes)

	proof, err := w.Pay(ctx, quotes[0])
	require.NoError(t, err)
	_, err = n.PutChunk(ctx, quotes[0].Node, core.ChunkRecord(ch), proof)
	require.NoError(t, err)
	return ch, quotes[0]
}

func TestResponsibleNodes(t *testing.T) {
	n, _ := newNetwork(t, Config{Nodes: 12, Replication: 4})
	addr := cidutil.MustSum([]byte("placement"))

	first := n.Responsible(addr)
	assert.Len(t, first, 4)
	assert.Equal(t, first, n.Responsible(addr), "placement must be stable")

	closest, err := n.ClosestNodes(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, first, closest)

	seen := make(map[core.NodeID]bool)
	for _, id := range first {
		assert.False(t, seen[id], "duplicate responsible node %s", id)
		seen[id] = true
	}
}

func TestQuotesAndStorage(t *testing.T) {
	n, _ := newNetwork(t, Config{Nodes: 8, Replication: 3})
	ctx := context.Background()
	w := n.Ledger().Wallet("alice", 10_000)

	ch, q := storeChunk(t, n, w, []byte("hello network"))

	got, err := n.GetChunk(ctx, q.Node, ch.Address)
	require.NoError(t, err)
	assert.Equal(t, ch.Data, got)

	quotes, err := n.GetQuotes(ctx, ch.Address)
	require.NoError(t, err)
	stored := 0
	for _, qt := range quotes {
		if qt.Stored {
			stored++
			assert.Equal(t, q.Node, qt.Node)
		}
	}
	assert.Equal(t, 1, stored)

	assert.Equal(t, core.Amount(10_000)-q.Price, w.Balance())
	assert.Equal(t, q.Price, n.Ledger().Earned(q.Node))
	assert.Equal(t, 1, n.Ledger().Transactions())

	holders, err := n.Holders(ctx, ch.Address)
	require.NoError(t, err)
	assert.Equal(t, []core.NodeID{q.Node}, holders)

	records, err := n.Records(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, records)

	require.NoError(t, n.Evict(ch.Address))
	_, err = n.GetChunk(ctx, q.Node, ch.Address)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestPutValidation(t *testing.T) {
	n, now := newNetwork(t, Config{Nodes: 8, Replication: 3})
	ctx := context.Background()
	w := n.Ledger().Wallet("bob", 100_000)

	data := []byte("validated chunk")
	ch, err := cidutil.NewBuilder().Chunk(data)
	require.NoError(t, err)
	quotes, err := n.GetQuotes(ctx, ch.Address)
	require.NoError(t, err)
	q := quotes[0]

	t.Run("Unpaid", func(t *testing.T) {
		_, err := n.PutChunk(ctx, q.Node, core.ChunkRecord(ch), core.PaymentProof{Quote: q})
		assert.ErrorIs(t, err, core.ErrPayment)
	})

	t.Run("WrongNode", func(t *testing.T) {
		proof, err := w.Pay(ctx, q)
		require.NoError(t, err)
		_, err = n.PutChunk(ctx, quotes[1].Node, core.ChunkRecord(ch), proof)
		assert.ErrorIs(t, err, core.ErrPayment)
	})

	t.Run("HashMismatch", func(t *testing.T) {
		proof, err := w.Pay(ctx, q)
		require.NoError(t, err)
		bad := core.Record{Kind: core.KindChunk, Address: ch.Address, Data: []byte("other")}
		_, err = n.PutChunk(ctx, q.Node, bad, proof)
		assert.ErrorIs(t, err, core.ErrInvalidInput)
	})

	t.Run("NotResponsible", func(t *testing.T) {
		responsible := make(map[core.NodeID]bool)
		for _, id := range n.Responsible(ch.Address) {
			responsible[id] = true
		}
		var outsider core.NodeID
		for _, id := range n.Nodes() {
			if !responsible[id] {
				outsider = id
				break
			}
		}
		require.NotEmpty(t, outsider)
		forged := q
		forged.Node = outsider
		proof, err := w.Pay(ctx, forged)
		require.NoError(t, err)
		_, err = n.PutChunk(ctx, outsider, core.ChunkRecord(ch), proof)
		assert.ErrorIs(t, err, core.ErrInvalidInput)
	})

	t.Run("Replay", func(t *testing.T) {
		proof, err := w.Pay(ctx, q)
		require.NoError(t, err)
		_, err = n.PutChunk(ctx, q.Node, core.ChunkRecord(ch), proof)
		require.NoError(t, err)
		_, err = n.PutChunk(ctx, q.Node, core.ChunkRecord(ch), proof)
		assert.ErrorIs(t, err, core.ErrPayment)
	})

	t.Run("Expired", func(t *testing.T) {
		proof, err := w.Pay(ctx, q)
		require.NoError(t, err)
		*now = q.Expiry
		defer func() { *now = epoch }()
		_, err = n.PutChunk(ctx, q.Node, core.ChunkRecord(ch), proof)
		assert.ErrorIs(t, err, core.ErrPayment)
	})

	t.Run("TooLarge", func(t *testing.T) {
		small, _ := newNetwork(t, Config{Nodes: 3, Replication: 1, MaxRecordSize: 4})
		big, err := cidutil.NewBuilder().Chunk([]byte("too large"))
		require.NoError(t, err)
		quotes, err := small.GetQuotes(ctx, big.Address)
		require.NoError(t, err)
		proof, err := small.Ledger().Wallet("carol", 1000).Pay(ctx, quotes[0])
		require.NoError(t, err)
		_, err = small.PutChunk(ctx, quotes[0].Node, core.ChunkRecord(big), proof)
		assert.ErrorIs(t, err, core.ErrTooLarge)
	})
}

func TestVaultRecords(t *testing.T) {
	n, _ := newNetwork(t, Config{Nodes: 6, Replication: 2})
	ctx := context.Background()
	w := n.Ledger().Wallet("dave", 100_000)
	addr := cidutil.MustSum([]byte("vault address"))

	put := func(data string) {
		quotes, err := n.GetQuotes(ctx, addr)
		require.NoError(t, err)
		proof, err := w.Pay(ctx, quotes[0])
		require.NoError(t, err)
		_, err = n.PutChunk(ctx, quotes[0].Node, core.Record{Kind: core.KindVault, Address: addr, Data: []byte(data)}, proof)
		require.NoError(t, err)
	}

	put("first")
	put("second")

	holders, err := n.Holders(ctx, addr)
	require.NoError(t, err)
	require.NotEmpty(t, holders)
	got, err := n.GetChunk(ctx, holders[0], addr)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))
}

func TestFaultSwitches(t *testing.T) {
	n, _ := newNetwork(t, Config{Nodes: 4, Replication: 2})
	ctx := context.Background()
	w := n.Ledger().Wallet("erin", 100_000)
	ch, q := storeChunk(t, n, w, []byte("faulty"))

	n.SetOffline(q.Node, true)
	_, err := n.GetChunk(ctx, q.Node, ch.Address)
	assert.ErrorIs(t, err, core.ErrNetwork)

	quotes, err := n.GetQuotes(ctx, ch.Address)
	require.NoError(t, err)
	for _, qt := range quotes {
		assert.NotEqual(t, q.Node, qt.Node, "offline node must not quote")
	}

	for _, id := range n.Responsible(ch.Address) {
		n.SetOffline(id, true)
	}
	_, err = n.GetQuotes(ctx, ch.Address)
	assert.ErrorIs(t, err, core.ErrNetwork)
	for _, id := range n.Responsible(ch.Address) {
		n.SetOffline(id, false)
	}

	n.SetRejectPuts(q.Node, true)
	proof, err := w.Pay(ctx, q)
	require.NoError(t, err)
	_, err = n.PutChunk(ctx, q.Node, core.ChunkRecord(ch), proof)
	assert.ErrorIs(t, err, core.ErrNetwork)
}

func TestInsufficientFunds(t *testing.T) {
	n, _ := newNetwork(t, Config{Nodes: 3, Replication: 1})
	w := n.Ledger().Wallet("frank", 1)
	addr := cidutil.MustSum([]byte("expensive"))
	quotes, err := n.GetQuotes(context.Background(), addr)
	require.NoError(t, err)
	_, err = w.Pay(context.Background(), quotes[0])
	assert.ErrorIs(t, err, core.ErrPayment)
	assert.Equal(t, core.Amount(1), w.Balance())
}

func TestOnDisk(t *testing.T) {
	dir, err := os.MkdirTemp("", "autonet-localnet-*")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	n, err := New(Config{Nodes: 3, Replication: 1, Dir: dir})
	require.NoError(t, err)
	w := n.Ledger().Wallet("gina", 1000)
	storeChunk(t, n, w, []byte("persisted"))
	require.NoError(t, n.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}
