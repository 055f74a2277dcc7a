package datamap

import (
	"fmt"

	"github.com/agenthands/autonet/pkg/core"
	"github.com/fxamacker/cbor/v2"
)

// CurrentVersion is the only DataMap version this package reads and writes.
const CurrentVersion = 1

// ChunkInfo describes one stored piece. Dst is the address of the stored
// (encrypted) chunk, Src the hash of the plaintext piece, Len its length.
type ChunkInfo struct {
	_     struct{} `cbor:",toarray"`
	Index uint32
	Dst   core.Address
	Src   core.Address
	Len   uint32
}

// DataMap lists the pieces of a payload in order. At Level 0 the pieces
// concatenate to the payload; at Level n > 0 they concatenate to the encoded
// DataMap of Level n-1.
type DataMap struct {
	Version uint16      `cbor:"v"`
	Level   uint8       `cbor:"lvl"`
	Length  uint64      `cbor:"len"`
	Chunks  []ChunkInfo `cbor:"chunks"`
}

// Inline reports whether the map describes a single unencrypted piece.
func (m *DataMap) Inline() bool {
	return len(m.Chunks) == 1
}

// Addresses returns the stored chunk addresses in piece order.
func (m *DataMap) Addresses() []core.Address {
	out := make([]core.Address, len(m.Chunks))
	for i, c := range m.Chunks {
		out[i] = c.Dst
	}
	return out
}

// Codec defines the interface for DataMap encoding/decoding and validation.
type Codec interface {
	Encode(m *DataMap) ([]byte, error)
	Decode(b []byte) (*DataMap, error)
}

type codec struct {
	limits   core.LimitsConfig
	maxPiece int
	encMode  cbor.EncMode
	decMode  cbor.DecMode
}

// NewCodec returns a new Codec implementation. maxPiece bounds each entry's Len.
func NewCodec(limits core.LimitsConfig, maxPiece int) Codec {
	// Canonical CBOR (Core Deterministic Encoding Requirements) keeps the
	// DataMap address stable for identical content.
	em, _ := cbor.CanonicalEncOptions().EncMode()

	maxElems := int(limits.MaxChunksPerMap)
	if maxElems < 16 {
		maxElems = 16
	}
	dm, _ := cbor.DecOptions{
		MaxArrayElements: maxElems,
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
	}.DecMode()

	return &codec{
		limits:   limits,
		maxPiece: maxPiece,
		encMode:  em,
		decMode:  dm,
	}
}

func (c *codec) Encode(m *DataMap) ([]byte, error) {
	if err := c.validate(m); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
	}

	return c.encMode.Marshal(m)
}

func (c *codec) Decode(b []byte) (*DataMap, error) {
	var m DataMap
	if err := c.decMode.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal datamap: %v", core.ErrCorrupt, err)
	}

	if err := c.validate(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrCorrupt, err)
	}

	return &m, nil
}

func (c *codec) validate(m *DataMap) error {
	if m.Version != CurrentVersion {
		return fmt.Errorf("unsupported datamap version %d", m.Version)
	}

	if c.limits.MaxDataMapDepth > 0 && int(m.Level) > c.limits.MaxDataMapDepth {
		return fmt.Errorf("datamap level %d exceeds depth limit %d", m.Level, c.limits.MaxDataMapDepth)
	}

	if uint32(len(m.Chunks)) > c.limits.MaxChunksPerMap && c.limits.MaxChunksPerMap > 0 {
		return fmt.Errorf("too many chunks: %d > %d", len(m.Chunks), c.limits.MaxChunksPerMap)
	}

	var sumLength uint64
	for i, chunk := range m.Chunks {
		if chunk.Index != uint32(i) {
			return fmt.Errorf("chunk %d has index %d", i, chunk.Index)
		}
		if chunk.Dst.IsZero() || chunk.Src.IsZero() {
			return fmt.Errorf("chunk %d has empty address", i)
		}
		if c.maxPiece > 0 && int(chunk.Len) > c.maxPiece {
			return fmt.Errorf("chunk %d length %d exceeds piece bound %d", i, chunk.Len, c.maxPiece)
		}
		if chunk.Len == 0 {
			return fmt.Errorf("chunk %d is empty", i)
		}
		sumLength += uint64(chunk.Len)
	}

	if sumLength != m.Length {
		return fmt.Errorf("length mismatch: datamap says %d, chunks sum to %d", m.Length, sumLength)
	}

	if len(m.Chunks) == 1 && m.Chunks[0].Src != m.Chunks[0].Dst {
		return fmt.Errorf("single piece must be stored unencrypted")
	}

	if m.Level > 0 && len(m.Chunks) < 2 {
		return fmt.Errorf("wrapping level %d holds %d chunks", m.Level, len(m.Chunks))
	}

	return nil
}
