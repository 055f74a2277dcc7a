package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/agenthands/autonet/pkg/core"
	"github.com/agenthands/autonet/pkg/pack"
	"github.com/agenthands/autonet/pkg/selfenc"
	"go.uber.org/zap"
)

// recorder keeps every distinct chunk fetched through it, in fetch order.
type recorder struct {
	f selfenc.Fetcher

	mu     sync.Mutex
	seen   map[core.Address]struct{}
	chunks []core.Chunk
}

func newRecorder(f selfenc.Fetcher) *recorder {
	return &recorder{f: f, seen: make(map[core.Address]struct{})}
}

func (r *recorder) FetchAll(ctx context.Context, addrs []core.Address) ([][]byte, error) {
	out, err := r.f.FetchAll(ctx, addrs)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	for i, a := range addrs {
		if _, ok := r.seen[a]; ok {
			continue
		}
		r.seen[a] = struct{}{}
		r.chunks = append(r.chunks, core.Chunk{Address: a, Data: out[i]})
	}
	r.mu.Unlock()
	return out, nil
}

// DataExport writes every chunk of the data at addr into a new pack file at
// path. The data is decoded once on the way, so a pack is only written for
// data that is complete and intact on the network.
func (c *Client) DataExport(ctx context.Context, addr core.Address, path string) (err error) {
	defer func() { c.metrics.Operation("data_export", err) }()

	root, err := c.reader.Fetch(ctx, addr)
	if err != nil {
		return err
	}
	rec := newRecorder(c.reader)
	if _, err := c.codec.Decode(ctx, root, rec); err != nil {
		return err
	}

	chunks := append(rec.chunks, core.Chunk{Address: addr, Data: root})
	if err := pack.Export(ctx, path, addr, chunks); err != nil {
		return err
	}
	c.logger.Info("exported data",
		zap.Stringer("addr", addr),
		zap.String("path", path),
		zap.Int("chunks", len(chunks)),
	)
	return nil
}

// DataImport uploads the data held in the pack at path. The pack must decode
// in full before anything is paid for, and only the chunks the data actually
// references are uploaded.
func (c *Client) DataImport(ctx context.Context, path string, payer core.Payer) (res PutResult, err error) {
	defer func() { c.metrics.Operation("data_import", err) }()

	b, err := pack.ReadFile(ctx, path)
	if err != nil {
		return PutResult{}, err
	}

	byAddr := make(map[core.Address][]byte, len(b.Chunks))
	for _, ch := range b.Chunks {
		byAddr[ch.Address] = ch.Data
	}
	local := selfenc.FetcherFunc(func(_ context.Context, a core.Address) ([]byte, error) {
		data, ok := byAddr[a]
		if !ok {
			return nil, fmt.Errorf("%w: pack %s lacks chunk %s", core.ErrNotFound, path, a)
		}
		return data, nil
	})
	root := byAddr[b.Root]
	rec := newRecorder(local)
	if _, err := c.codec.Decode(ctx, root, rec); err != nil {
		return PutResult{}, err
	}
	if skipped := len(byAddr) - len(rec.chunks) - 1; skipped > 0 {
		c.logger.Warn("ignoring unreferenced pack blocks",
			zap.String("path", path),
			zap.Int("blocks", skipped),
		)
	}

	res, err = c.upload(ctx, core.Chunk{Address: b.Root, Data: root}, rec.chunks, payer)
	if err != nil {
		return res, err
	}
	c.logger.Info("imported data",
		zap.Stringer("addr", res.Address),
		zap.String("path", path),
		zap.Int("stored", res.Stored),
		zap.Stringer("paid", res.Paid),
	)
	return res, nil
}
