package pack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/agenthands/autonet/pkg/cidutil"
	"github.com/agenthands/autonet/pkg/core"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	carv2 "github.com/ipld/go-car/v2"
	"github.com/ipld/go-car/v2/blockstore"
)

// Export writes root and chunks into a new CARv2 file at path. root becomes
// the file's only root and must be among chunks. The file must not exist.
func Export(ctx context.Context, path string, root core.Address, chunks []core.Chunk) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s already exists", core.ErrInvalidInput, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create pack directory: %w", err)
	}

	rootCID, err := cidutil.ToCID(root)
	if err != nil {
		return err
	}
	bs, err := blockstore.OpenReadWrite(path, []cid.Cid{rootCID})
	if err != nil {
		return fmt.Errorf("failed to create pack %s: %w", path, err)
	}

	if err := putAll(ctx, bs, root, chunks); err != nil {
		_ = bs.Finalize()
		_ = os.Remove(path)
		return err
	}
	if err := bs.Finalize(); err != nil {
		return fmt.Errorf("failed to finalize pack: %w", err)
	}
	return nil
}

func putAll(ctx context.Context, bs *blockstore.ReadWrite, root core.Address, chunks []core.Chunk) error {
	hasRoot := false
	for _, ch := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if ch.Address == root {
			hasRoot = true
		}

		id, err := cidutil.ToCID(ch.Address)
		if err != nil {
			return err
		}
		has, err := bs.Has(ctx, id)
		if err != nil {
			return err
		}
		if has {
			continue
		}

		blk, err := blocks.NewBlockWithCid(ch.Data, id)
		if err != nil {
			return err
		}
		if err := bs.Put(ctx, blk); err != nil {
			return err
		}
	}
	if !hasRoot {
		return fmt.Errorf("%w: root %s not among exported chunks", core.ErrInvalidInput, root)
	}
	return nil
}

// Bundle is the content of a pack read in full.
type Bundle struct {
	Root   core.Address
	Chunks []core.Chunk
}

// Read streams a pack from r, checking every block against its address.
func Read(ctx context.Context, r io.Reader) (*Bundle, error) {
	br, err := carv2.NewBlockReader(r, carv2.WithTrustedCAR(false))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read pack header: %v", core.ErrCorrupt, err)
	}
	if len(br.Roots) != 1 {
		return nil, fmt.Errorf("%w: pack has %d roots, expected 1", core.ErrCorrupt, len(br.Roots))
	}
	root, err := cidutil.FromCID(br.Roots[0])
	if err != nil {
		return nil, fmt.Errorf("%w: root: %v", core.ErrCorrupt, err)
	}

	addrs := cidutil.NewBuilder()
	b := &Bundle{Root: root}
	hasRoot := false
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		blk, err := br.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("%w: failed to read block: %v", core.ErrCorrupt, err)
		}

		addr, err := cidutil.FromCID(blk.Cid())
		if err != nil {
			return nil, fmt.Errorf("%w: block %s: %v", core.ErrCorrupt, blk.Cid(), err)
		}
		if err := addrs.Verify(addr, blk.RawData()); err != nil {
			return nil, err
		}
		if addr == root {
			hasRoot = true
		}
		b.Chunks = append(b.Chunks, core.Chunk{Address: addr, Data: blk.RawData()})
	}
	if !hasRoot {
		return nil, fmt.Errorf("%w: root block %s missing", core.ErrCorrupt, root)
	}
	return b, nil
}

// ReadFile reads the pack at path.
func ReadFile(ctx context.Context, path string) (*Bundle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pack: %w", err)
	}
	defer f.Close()
	return Read(ctx, f)
}

// Pack gives random access to the chunks of a finalized pack file.
type Pack struct {
	bs    *blockstore.ReadOnly
	root  core.Address
	addrs cidutil.Builder
}

// Open opens a pack written by Export.
func Open(path string) (*Pack, error) {
	bs, err := blockstore.OpenReadOnly(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pack %s: %w", path, err)
	}
	roots, err := bs.Roots()
	if err != nil || len(roots) != 1 {
		bs.Close()
		return nil, fmt.Errorf("%w: pack %s must have exactly one root", core.ErrCorrupt, path)
	}
	root, err := cidutil.FromCID(roots[0])
	if err != nil {
		bs.Close()
		return nil, fmt.Errorf("%w: root: %v", core.ErrCorrupt, err)
	}
	return &Pack{bs: bs, root: root, addrs: cidutil.NewBuilder()}, nil
}

// Root is the address the pack was exported for.
func (p *Pack) Root() core.Address { return p.root }

// Get returns the verified chunk at addr.
func (p *Pack) Get(ctx context.Context, addr core.Address) ([]byte, error) {
	id, err := cidutil.ToCID(addr)
	if err != nil {
		return nil, err
	}
	has, err := p.bs.Has(ctx, id)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, fmt.Errorf("%w: %s not in pack", core.ErrNotFound, addr)
	}
	blk, err := p.bs.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrNotFound, err)
	}
	if err := p.addrs.Verify(addr, blk.RawData()); err != nil {
		return nil, err
	}
	return blk.RawData(), nil
}

// FetchAll returns the chunks at addrs, index-aligned.
func (p *Pack) FetchAll(ctx context.Context, addrs []core.Address) ([][]byte, error) {
	out := make([][]byte, len(addrs))
	for i, a := range addrs {
		b, err := p.Get(ctx, a)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

func (p *Pack) Close() error {
	return p.bs.Close()
}
