// Package client composes the codec, quoter and transfer layers into the
// operations applications call: storing and fetching data, archives and
// vaults, and estimating what a write would cost.
package client

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"github.com/agenthands/autonet/pkg/archive"
	"github.com/agenthands/autonet/pkg/core"
	"github.com/agenthands/autonet/pkg/metrics"
	"github.com/agenthands/autonet/pkg/quote"
	"github.com/agenthands/autonet/pkg/selfenc"
	"github.com/agenthands/autonet/pkg/transfer"
	"go.uber.org/zap"
)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger shared by the client and its transfer layer.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics records activity into m instead of a private registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithClock overrides the time source used for quote expiry and archive
// creation times.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// WithRand sets the randomness source for vault nonces.
func WithRand(r io.Reader) Option {
	return func(c *Client) {
		if r != nil {
			c.rand = r
		}
	}
}

// Client owns the network and codec handles for a session. It keeps no
// state between calls and is safe for concurrent use.
type Client struct {
	net      core.Network
	cfg      core.Config
	codec    *selfenc.Codec
	quoter   *quote.Quoter
	writer   *transfer.Writer
	reader   *transfer.Reader
	archives *archive.Codec

	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	rand    io.Reader
}

// New builds a Client over net. Zero fields of cfg take defaults.
func New(net core.Network, cfg core.Config, opts ...Option) (*Client, error) {
	if net == nil {
		return nil, fmt.Errorf("%w: nil network", core.ErrInvalidInput)
	}
	cfg = cfg.WithDefaults()
	codec, err := selfenc.New(cfg)
	if err != nil {
		return nil, err
	}

	c := &Client{
		net:    net,
		cfg:    cfg,
		codec:  codec,
		logger: zap.NewNop(),
		now:    time.Now,
		rand:   rand.Reader,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = metrics.New(nil)
	}

	c.quoter = quote.New(net, cfg.Transfer, quote.WithClock(c.now), quote.WithLogger(c.logger))
	c.writer = transfer.NewWriter(net, c.quoter, cfg, transfer.WithLogger(c.logger), transfer.WithMetrics(c.metrics))
	c.reader = transfer.NewReader(net, cfg.Transfer, transfer.WithLogger(c.logger), transfer.WithMetrics(c.metrics))
	c.archives = archive.NewCodec(cfg.Limits)
	return c, nil
}

// Config returns the effective configuration.
func (c *Client) Config() core.Config { return c.cfg }

// Metrics returns the collectors the client records into.
func (c *Client) Metrics() *metrics.Metrics { return c.metrics }

// PutResult accounts for one write.
type PutResult struct {
	Address core.Address
	// Chunks is the number of distinct chunks the write consists of,
	// including the root DataMap.
	Chunks  int
	Stored  int
	Skipped int
	Paid    core.Amount
}

func (r *PutResult) add(sum transfer.Summary) {
	r.Stored += sum.Stored
	r.Skipped += sum.Skipped
	r.Paid += sum.Paid
}

func (r *PutResult) merge(o PutResult) {
	r.Chunks += o.Chunks
	r.Stored += o.Stored
	r.Skipped += o.Skipped
	r.Paid += o.Paid
}

// DataPut encrypts payload into chunks and stores every chunk the network
// does not already hold. The returned address is what DataGet takes.
func (c *Client) DataPut(ctx context.Context, payload []byte, payer core.Payer) (res PutResult, err error) {
	defer func() { c.metrics.Operation("data_put", err) }()

	res, err = c.putData(ctx, payload, payer)
	if err != nil {
		return res, err
	}
	c.logger.Info("stored data",
		zap.Stringer("addr", res.Address),
		zap.Int("bytes", len(payload)),
		zap.Int("chunks", res.Chunks),
		zap.Int("stored", res.Stored),
		zap.Int("skipped", res.Skipped),
		zap.Stringer("paid", res.Paid),
	)
	return res, nil
}

func (c *Client) putData(ctx context.Context, payload []byte, payer core.Payer) (PutResult, error) {
	enc, err := c.codec.Encode(ctx, payload)
	if err != nil {
		return PutResult{}, err
	}
	all := enc.All()
	return c.upload(ctx, enc.Root, all[:len(all)-1], payer)
}

// upload stores body before root, so a root the network holds implies the
// chunks it references are held too.
func (c *Client) upload(ctx context.Context, root core.Chunk, body []core.Chunk, payer core.Payer) (PutResult, error) {
	res := PutResult{Address: root.Address, Chunks: len(body) + 1}

	if len(body) > 0 {
		sum, err := c.writer.PutChunks(ctx, body, payer)
		res.add(sum)
		if err != nil {
			return res, err
		}
	}
	sum, err := c.writer.PutChunks(ctx, []core.Chunk{root}, payer)
	res.add(sum)
	return res, err
}

// DataGet fetches and decrypts the payload stored at addr.
func (c *Client) DataGet(ctx context.Context, addr core.Address) (data []byte, err error) {
	defer func() { c.metrics.Operation("data_get", err) }()

	data, err = c.getData(ctx, addr)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("fetched data", zap.Stringer("addr", addr), zap.Int("bytes", len(data)))
	return data, nil
}

func (c *Client) getData(ctx context.Context, addr core.Address) ([]byte, error) {
	root, err := c.reader.Fetch(ctx, addr)
	if err != nil {
		return nil, err
	}
	return c.codec.Decode(ctx, root, c.reader)
}

// DataCost estimates what DataPut would pay for payload right now. Chunks the
// network already holds cost nothing. No payment is made.
func (c *Client) DataCost(ctx context.Context, payload []byte) (total core.Amount, err error) {
	defer func() { c.metrics.Operation("data_cost", err) }()

	est, err := c.estimate(ctx, payload)
	if err != nil {
		return 0, err
	}
	return est.Total, nil
}

func (c *Client) estimate(ctx context.Context, payload []byte) (quote.Estimate, error) {
	enc, err := c.codec.Encode(ctx, payload)
	if err != nil {
		return quote.Estimate{}, err
	}
	all := enc.All()
	addrs := make([]core.Address, len(all))
	for i, ch := range all {
		addrs[i] = ch.Address
	}
	return c.quoter.EstimateChunks(ctx, addrs)
}

// ChunkGet fetches a single verified chunk.
func (c *Client) ChunkGet(ctx context.Context, addr core.Address) (data []byte, err error) {
	defer func() { c.metrics.Operation("chunk_get", err) }()
	return c.reader.Fetch(ctx, addr)
}
