// Package localnet runs a set of simulated storage nodes in-process. Each node
// keeps its records in its own pebble store and charges for storage through a
// shared Ledger. It implements core.Network for tests and examples.
package localnet

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agenthands/autonet/pkg/chunkstore"
	"github.com/agenthands/autonet/pkg/cidutil"
	"github.com/agenthands/autonet/pkg/core"
	"github.com/cockroachdb/pebble"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type Config struct {
	// Nodes is the number of simulated nodes.
	Nodes int `yaml:"nodes"`
	// Replication is how many nodes, closest by XOR distance, are responsible
	// for an address.
	Replication int `yaml:"replication"`
	// BasePrice is the cheapest node's price per record.
	BasePrice core.Amount `yaml:"base_price"`
	// QuoteTTL is how long a quote stays payable.
	QuoteTTL time.Duration `yaml:"quote_ttl"`
	// MaxRecordSize bounds accepted records.
	MaxRecordSize int `yaml:"max_record_size"`
	// Dir, when set, keeps node stores on disk under one directory per node.
	Dir string `yaml:"dir"`
}

// DefaultConfig returns a small network suitable for tests.
func DefaultConfig() Config {
	return Config{
		Nodes:         20,
		Replication:   5,
		BasePrice:     100,
		QuoteTTL:      5 * time.Minute,
		MaxRecordSize: core.DefaultMaxChunkSize + core.ChunkOverhead,
	}
}

// Option configures a Network.
type Option func(*Network)

// WithClock overrides the time source used for quote expiry.
func WithClock(now func() time.Time) Option {
	return func(n *Network) { n.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(n *Network) {
		if l != nil {
			n.logger = l
		}
	}
}

// Node is one simulated storage node.
type Node struct {
	ID    core.NodeID
	Price core.Amount

	key     core.Address
	store   chunkstore.Store
	mu      sync.Mutex
	offline atomic.Bool
	reject  atomic.Bool
}

// Network is an in-process core.Network.
type Network struct {
	cfg    Config
	nodes  []*Node
	byID   map[core.NodeID]*Node
	ledger *Ledger
	addrs  cidutil.Builder
	now    func() time.Time
	logger *zap.Logger
}

// New starts cfg.Nodes nodes. Zero fields of cfg take DefaultConfig values.
func New(cfg Config, opts ...Option) (*Network, error) {
	d := DefaultConfig()
	if cfg.Nodes == 0 {
		cfg.Nodes = d.Nodes
	}
	if cfg.Replication == 0 {
		cfg.Replication = d.Replication
	}
	if cfg.BasePrice == 0 {
		cfg.BasePrice = d.BasePrice
	}
	if cfg.QuoteTTL == 0 {
		cfg.QuoteTTL = d.QuoteTTL
	}
	if cfg.MaxRecordSize == 0 {
		cfg.MaxRecordSize = d.MaxRecordSize
	}
	if cfg.Nodes < 1 || cfg.Replication < 1 {
		return nil, fmt.Errorf("%w: need at least one node and replication of one", core.ErrInvalidInput)
	}
	if cfg.Replication > cfg.Nodes {
		cfg.Replication = cfg.Nodes
	}

	n := &Network{
		cfg:    cfg,
		byID:   make(map[core.NodeID]*Node, cfg.Nodes),
		ledger: newLedger(),
		addrs:  cidutil.NewBuilder(),
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, o := range opts {
		o(n)
	}

	for i := 0; i < cfg.Nodes; i++ {
		id := core.NodeID(fmt.Sprintf("node-%02d", i))
		var (
			st  chunkstore.Store
			err error
		)
		if cfg.Dir != "" {
			st, err = chunkstore.Open(filepath.Join(cfg.Dir, string(id)))
		} else {
			st, err = chunkstore.OpenInMemory()
		}
		if err != nil {
			n.Close()
			return nil, fmt.Errorf("failed to start %s: %w", id, err)
		}
		node := &Node{
			ID:    id,
			Price: cfg.BasePrice + core.Amount(i%5)*cfg.BasePrice/10,
			key:   cidutil.MustSum([]byte(id)),
			store: st,
		}
		n.nodes = append(n.nodes, node)
		n.byID[id] = node
	}

	n.logger.Debug("local network started",
		zap.Int("nodes", cfg.Nodes),
		zap.Int("replication", cfg.Replication),
	)
	return n, nil
}

// Close shuts every node's store.
func (n *Network) Close() error {
	var err error
	for _, node := range n.nodes {
		err = multierr.Append(err, node.store.Close())
	}
	return err
}

// Ledger returns the settlement layer shared by all nodes.
func (n *Network) Ledger() *Ledger { return n.ledger }

// Nodes lists node ids in creation order.
func (n *Network) Nodes() []core.NodeID {
	ids := make([]core.NodeID, len(n.nodes))
	for i, node := range n.nodes {
		ids[i] = node.ID
	}
	return ids
}

// SetOffline makes node fail every request with a transport error.
func (n *Network) SetOffline(id core.NodeID, offline bool) {
	if node, ok := n.byID[id]; ok {
		node.offline.Store(offline)
	}
}

// SetRejectPuts makes node refuse uploads after payment.
func (n *Network) SetRejectPuts(id core.NodeID, reject bool) {
	if node, ok := n.byID[id]; ok {
		node.reject.Store(reject)
	}
}

// Responsible lists the nodes responsible for addr, nearest first.
func (n *Network) Responsible(addr core.Address) []core.NodeID {
	nodes := n.responsible(addr)
	ids := make([]core.NodeID, len(nodes))
	for i, node := range nodes {
		ids[i] = node.ID
	}
	return ids
}

// Holders lists the nodes currently storing addr.
func (n *Network) Holders(ctx context.Context, addr core.Address) ([]core.NodeID, error) {
	var ids []core.NodeID
	for _, node := range n.nodes {
		has, err := node.store.Has(ctx, addr)
		if err != nil {
			return nil, err
		}
		if has {
			ids = append(ids, node.ID)
		}
	}
	return ids, nil
}

// Records counts the records held across all nodes.
func (n *Network) Records(ctx context.Context) (int, error) {
	total := 0
	for _, node := range n.nodes {
		c, err := node.store.Len(ctx)
		if err != nil {
			return 0, err
		}
		total += c
	}
	return total, nil
}

// Evict removes addr from every node.
func (n *Network) Evict(addr core.Address) error {
	var err error
	for _, node := range n.nodes {
		err = multierr.Append(err, node.store.Delete(nil, addr))
	}
	return err
}

func (n *Network) GetQuotes(ctx context.Context, addr core.Address) ([]core.Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	expiry := n.now().Add(n.cfg.QuoteTTL)

	var quotes []core.Quote
	for _, node := range n.responsible(addr) {
		if node.offline.Load() {
			continue
		}
		has, err := node.store.Has(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", core.ErrNetwork, node.ID, err)
		}
		quotes = append(quotes, core.Quote{
			Node:    node.ID,
			Address: addr,
			Price:   node.Price,
			Expiry:  expiry,
			Stored:  has,
		})
	}
	if len(quotes) == 0 {
		return nil, fmt.Errorf("%w: no responsible node reachable for %s", core.ErrNetwork, addr)
	}
	return quotes, nil
}

func (n *Network) ClosestNodes(ctx context.Context, addr core.Address) ([]core.NodeID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return n.Responsible(addr), nil
}

func (n *Network) GetChunk(ctx context.Context, id core.NodeID, addr core.Address) ([]byte, error) {
	node, err := n.reachable(ctx, id)
	if err != nil {
		return nil, err
	}
	rec, ok, err := node.store.Get(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", core.ErrNetwork, id, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s not held by %s", core.ErrNotFound, addr, id)
	}
	return rec.Data, nil
}

func (n *Network) PutChunk(ctx context.Context, id core.NodeID, rec core.Record, proof core.PaymentProof) (core.Receipt, error) {
	node, err := n.reachable(ctx, id)
	if err != nil {
		return core.Receipt{}, err
	}
	if node.reject.Load() {
		return core.Receipt{}, fmt.Errorf("%w: %s refused the upload", core.ErrNetwork, id)
	}
	if err := n.admit(node, rec, proof); err != nil {
		n.logger.Debug("put refused", zap.String("node", string(id)), zap.Stringer("addr", rec.Address), zap.Error(err))
		return core.Receipt{}, err
	}

	node.mu.Lock()
	defer node.mu.Unlock()

	used, err := node.store.PaymentUsed(ctx, proof.TxHash)
	if err != nil {
		return core.Receipt{}, fmt.Errorf("%w: %s: %v", core.ErrNetwork, id, err)
	}
	if used {
		return core.Receipt{}, fmt.Errorf("%w: payment already redeemed", core.ErrPayment)
	}
	existing, ok, err := node.store.Get(ctx, rec.Address)
	if err != nil {
		return core.Receipt{}, fmt.Errorf("%w: %s: %v", core.ErrNetwork, id, err)
	}
	if ok && existing.Kind != rec.Kind {
		return core.Receipt{}, fmt.Errorf("%w: %s already holds a %s record", core.ErrInvalidInput, rec.Address, existing.Kind)
	}

	batch := node.store.NewBatch()
	defer batch.Close()
	if err := node.store.Put(batch, rec); err != nil {
		return core.Receipt{}, err
	}
	if err := node.store.MarkPayment(batch, proof.TxHash); err != nil {
		return core.Receipt{}, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return core.Receipt{}, fmt.Errorf("%w: %s: commit: %v", core.ErrNetwork, id, err)
	}

	return core.Receipt{Node: id, Address: rec.Address, TxHash: proof.TxHash}, nil
}

// admit runs the checks that do not need the node's store.
func (n *Network) admit(node *Node, rec core.Record, proof core.PaymentProof) error {
	if len(rec.Data) > n.cfg.MaxRecordSize {
		return fmt.Errorf("%w: record of %d bytes exceeds %d", core.ErrTooLarge, len(rec.Data), n.cfg.MaxRecordSize)
	}
	switch rec.Kind {
	case core.KindChunk:
		if err := n.addrs.Verify(rec.Address, rec.Data); err != nil {
			return fmt.Errorf("%w: chunk does not hash to its address", core.ErrInvalidInput)
		}
	case core.KindVault:
	default:
		return fmt.Errorf("%w: unknown record kind %s", core.ErrInvalidInput, rec.Kind)
	}

	responsible := false
	for _, r := range n.responsible(rec.Address) {
		if r == node {
			responsible = true
			break
		}
	}
	if !responsible {
		return fmt.Errorf("%w: %s is not responsible for %s", core.ErrInvalidInput, node.ID, rec.Address)
	}

	q := proof.Quote
	if q.Node != node.ID || q.Address != rec.Address {
		return fmt.Errorf("%w: payment is for another quote", core.ErrPayment)
	}
	if !q.Expiry.IsZero() && !n.now().Before(q.Expiry) {
		return fmt.Errorf("%w: quote expired", core.ErrPayment)
	}
	if q.Price < node.Price {
		return fmt.Errorf("%w: quote below node price", core.ErrPayment)
	}
	return n.ledger.Verify(proof)
}

func (n *Network) reachable(ctx context.Context, id core.NodeID) (*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	node, ok := n.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown node %s", core.ErrNetwork, id)
	}
	if node.offline.Load() {
		return nil, fmt.Errorf("%w: %s unreachable", core.ErrNetwork, id)
	}
	return node, nil
}

func (n *Network) responsible(addr core.Address) []*Node {
	sorted := make([]*Node, len(n.nodes))
	copy(sorted, n.nodes)
	sort.Slice(sorted, func(i, j int) bool {
		di, dj := distance(sorted[i].key, addr), distance(sorted[j].key, addr)
		return bytes.Compare(di[:], dj[:]) < 0
	})
	return sorted[:n.cfg.Replication]
}

func distance(a, b core.Address) core.Address {
	var d core.Address
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}
