// Package selfenc turns payloads into content-addressed chunks whose keys are
// derived from the hashes of sibling pieces, and reassembles them.
//
// A payload no larger than the piece bound is stored as a single plain chunk.
// Larger payloads are split, each piece is compressed and sealed with
// XChaCha20-Poly1305 under a key derived from the other pieces' plaintext
// hashes, and a DataMap records the order, hashes and lengths. DataMaps that
// do not fit into one piece are themselves encoded one level up until the
// outermost map fits into a single root chunk.
package selfenc

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"slices"

	"github.com/agenthands/autonet/pkg/chunker"
	"github.com/agenthands/autonet/pkg/cidutil"
	"github.com/agenthands/autonet/pkg/core"
	"github.com/agenthands/autonet/pkg/datamap"
	"github.com/agenthands/autonet/pkg/transform"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var salt = []byte("autonet/selfenc/v1")

// Fetcher returns the verified bytes of each address, index-aligned with addrs.
type Fetcher interface {
	FetchAll(ctx context.Context, addrs []core.Address) ([][]byte, error)
}

// FetcherFunc adapts a single-address lookup into a sequential Fetcher.
type FetcherFunc func(ctx context.Context, addr core.Address) ([]byte, error)

func (f FetcherFunc) FetchAll(ctx context.Context, addrs []core.Address) ([][]byte, error) {
	out := make([][]byte, len(addrs))
	for i, a := range addrs {
		b, err := f(ctx, a)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

// Encoded is the result of encoding one payload.
type Encoded struct {
	// Root holds the outermost DataMap; its address is the payload's address.
	Root core.Chunk
	Map  *datamap.DataMap
	// Chunks are the data pieces and any intermediate DataMap pieces, in
	// level then piece order. Identical pieces appear once.
	Chunks []core.Chunk
}

// All returns Chunks followed by Root, without duplicates.
func (e *Encoded) All() []core.Chunk {
	out := make([]core.Chunk, 0, len(e.Chunks)+1)
	for _, c := range e.Chunks {
		if c.Address != e.Root.Address {
			out = append(out, c)
		}
	}
	return append(out, e.Root)
}

// Codec implements the self-encrypting chunk codec.
type Codec struct {
	maxPiece int
	limits   core.LimitsConfig
	splitter chunker.Splitter
	tr       transform.Transform
	maps     datamap.Codec
	addrs    cidutil.Builder
}

// New builds a Codec from cfg. cfg should already carry defaults.
func New(cfg core.Config) (*Codec, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sp, err := chunker.New(cfg.Chunking.Profile, cfg.MaxChunkSize)
	if err != nil {
		return nil, err
	}
	tr, err := transform.New(cfg.Transform, cfg.MaxChunkSize)
	if err != nil {
		return nil, err
	}
	return &Codec{
		maxPiece: cfg.MaxChunkSize,
		limits:   cfg.Limits,
		splitter: sp,
		tr:       tr,
		maps:     datamap.NewCodec(cfg.Limits, cfg.MaxChunkSize),
		addrs:    cidutil.NewBuilder(),
	}, nil
}

// MaxPiece is the plaintext piece bound.
func (c *Codec) MaxPiece() int { return c.maxPiece }

// Encode splits and encrypts payload. It performs no I/O.
func (c *Codec) Encode(ctx context.Context, payload []byte) (*Encoded, error) {
	var chunks []core.Chunk
	seen := make(map[core.Address]struct{})
	add := func(cs []core.Chunk) {
		for _, ch := range cs {
			if _, ok := seen[ch.Address]; ok {
				continue
			}
			seen[ch.Address] = struct{}{}
			chunks = append(chunks, ch)
		}
	}

	input := payload
	for level := 0; ; level++ {
		if level > c.limits.MaxDataMapDepth {
			return nil, fmt.Errorf("%w: datamap nesting exceeds depth %d", core.ErrInvalidInput, c.limits.MaxDataMapDepth)
		}

		m, cs, err := c.encodeLevel(ctx, input, uint8(level))
		if err != nil {
			return nil, err
		}
		add(cs)

		mBytes, err := c.maps.Encode(m)
		if err != nil {
			return nil, err
		}

		if len(mBytes) <= c.maxPiece {
			root, err := c.addrs.Chunk(mBytes)
			if err != nil {
				return nil, err
			}
			return &Encoded{Root: root, Map: m, Chunks: chunks}, nil
		}

		if len(mBytes) >= len(input) {
			return nil, fmt.Errorf("%w: datamap of %d bytes does not shrink below its %d byte input",
				core.ErrInvalidInput, len(mBytes), len(input))
		}
		input = mBytes
	}
}

func (c *Codec) encodeLevel(ctx context.Context, data []byte, level uint8) (*datamap.DataMap, []core.Chunk, error) {
	m := &datamap.DataMap{
		Version: datamap.CurrentVersion,
		Level:   level,
		Length:  uint64(len(data)),
	}
	if len(data) == 0 {
		return m, nil, nil
	}

	if len(data) <= c.maxPiece {
		ch, err := c.addrs.Chunk(data)
		if err != nil {
			return nil, nil, err
		}
		m.Chunks = []datamap.ChunkInfo{{Index: 0, Dst: ch.Address, Src: ch.Address, Len: uint32(len(data))}}
		return m, []core.Chunk{ch}, nil
	}

	pieces, err := c.splitter.Split(ctx, data)
	if err != nil {
		return nil, nil, err
	}
	if len(pieces) < 2 {
		return nil, nil, fmt.Errorf("%w: splitter produced %d pieces for %d bytes", core.ErrInvalidInput, len(pieces), len(data))
	}
	if c.limits.MaxChunksPerMap > 0 && uint32(len(pieces)) > c.limits.MaxChunksPerMap {
		return nil, nil, fmt.Errorf("%w: %d pieces exceed limit %d", core.ErrTooLarge, len(pieces), c.limits.MaxChunksPerMap)
	}

	srcs := make([]core.Address, len(pieces))
	for i, p := range pieces {
		if srcs[i], err = c.addrs.Address(p); err != nil {
			return nil, nil, err
		}
	}

	chunks := make([]core.Chunk, len(pieces))
	m.Chunks = make([]datamap.ChunkInfo, len(pieces))
	for i, p := range pieces {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		ct, err := c.seal(srcs, i, p)
		if err != nil {
			return nil, nil, err
		}
		ch, err := c.addrs.Chunk(ct)
		if err != nil {
			return nil, nil, err
		}
		chunks[i] = ch
		m.Chunks[i] = datamap.ChunkInfo{
			Index: uint32(i),
			Dst:   ch.Address,
			Src:   srcs[i],
			Len:   uint32(len(p)),
		}
	}
	return m, chunks, nil
}

// Decode rebuilds the payload whose root DataMap chunk is root.
func (c *Codec) Decode(ctx context.Context, root []byte, f Fetcher) ([]byte, error) {
	m, err := c.maps.Decode(root)
	if err != nil {
		return nil, err
	}
	return c.DecodeMap(ctx, m, f)
}

// DecodeMap rebuilds the payload described by m, unwrapping nested levels.
func (c *Codec) DecodeMap(ctx context.Context, m *datamap.DataMap, f Fetcher) ([]byte, error) {
	for {
		data, err := c.decodeLevel(ctx, m, f)
		if err != nil {
			return nil, err
		}
		if m.Level == 0 {
			return data, nil
		}

		inner, err := c.maps.Decode(data)
		if err != nil {
			return nil, err
		}
		if inner.Level != m.Level-1 {
			return nil, fmt.Errorf("%w: datamap level %d wraps level %d", core.ErrCorrupt, m.Level, inner.Level)
		}
		m = inner
	}
}

func (c *Codec) decodeLevel(ctx context.Context, m *datamap.DataMap, f Fetcher) ([]byte, error) {
	if len(m.Chunks) == 0 {
		return []byte{}, nil
	}

	stored, err := f.FetchAll(ctx, m.Addresses())
	if err != nil {
		return nil, err
	}
	if len(stored) != len(m.Chunks) {
		return nil, fmt.Errorf("%w: fetched %d of %d chunks", core.ErrNotFound, len(stored), len(m.Chunks))
	}

	if m.Inline() {
		info := m.Chunks[0]
		if err := c.addrs.Verify(info.Dst, stored[0]); err != nil {
			return nil, err
		}
		if len(stored[0]) != int(info.Len) {
			return nil, fmt.Errorf("%w: piece length %d, expected %d", core.ErrCorrupt, len(stored[0]), info.Len)
		}
		return stored[0], nil
	}

	srcs := make([]core.Address, len(m.Chunks))
	for i, info := range m.Chunks {
		srcs[i] = info.Src
	}

	out := make([]byte, 0, m.Length)
	for i, info := range m.Chunks {
		if err := c.addrs.Verify(info.Dst, stored[i]); err != nil {
			return nil, err
		}
		plain, err := c.open(srcs, i, stored[i])
		if err != nil {
			return nil, fmt.Errorf("piece %d: %w", i, err)
		}
		if len(plain) != int(info.Len) {
			return nil, fmt.Errorf("%w: piece %d length %d, expected %d", core.ErrCorrupt, i, len(plain), info.Len)
		}
		if err := c.addrs.Verify(info.Src, plain); err != nil {
			return nil, fmt.Errorf("piece %d plaintext: %w", i, err)
		}
		out = append(out, plain...)
	}
	return out, nil
}

func (c *Codec) seal(srcs []core.Address, i int, piece []byte) ([]byte, error) {
	key, nonce, err := pieceKey(srcs, i)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	encoded, err := c.tr.Encode(piece)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, encoded, nil), nil
}

func (c *Codec) open(srcs []core.Address, i int, ct []byte) ([]byte, error) {
	key, nonce, err := pieceKey(srcs, i)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	encoded, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: piece authentication failed", core.ErrCorrupt)
	}
	return c.tr.Decode(encoded)
}

// pieceKey derives the key for piece i from the plaintext hashes of every
// other piece, taken in sorted order so that equal pieces anywhere in the
// payload share a key. The nonce additionally binds piece i's own hash, so a
// key shared by two different pieces never meets the same nonce twice.
func pieceKey(srcs []core.Address, i int) (key, nonce []byte, err error) {
	others := make([]core.Address, 0, len(srcs)-1)
	others = append(others, srcs[:i]...)
	others = append(others, srcs[i+1:]...)
	slices.SortFunc(others, func(a, b core.Address) int { return bytes.Compare(a[:], b[:]) })

	siblings := make([]byte, 0, len(others)*core.AddressSize)
	for _, s := range others {
		siblings = append(siblings, s[:]...)
	}

	var count [4]byte
	binary.BigEndian.PutUint32(count[:], uint32(len(srcs)))

	key = make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, siblings, salt, append([]byte("key"), count[:]...)), key); err != nil {
		return nil, nil, fmt.Errorf("failed to derive piece key: %w", err)
	}

	own := srcs[i]
	nonce = make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(hkdf.New(sha256.New, append(siblings, own[:]...), salt, append([]byte("nonce"), count[:]...)), nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to derive piece nonce: %w", err)
	}
	return key, nonce, nil
}
