package cidutil

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/agenthands/autonet/pkg/core"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// Builder defines the interface for computing and verifying content addresses.
type Builder interface {
	Address(data []byte) (core.Address, error)
	Chunk(data []byte) (core.Chunk, error)
	Verify(addr core.Address, data []byte) error
}

type builder struct{}

// NewBuilder returns a new address builder implementation.
func NewBuilder() Builder {
	return &builder{}
}

func (b *builder) Address(data []byte) (core.Address, error) {
	return Sum(data)
}

func (b *builder) Chunk(data []byte) (core.Chunk, error) {
	addr, err := Sum(data)
	if err != nil {
		return core.Chunk{}, err
	}
	return core.Chunk{Address: addr, Data: data}, nil
}

func (b *builder) Verify(addr core.Address, data []byte) error {
	got, err := Sum(data)
	if err != nil {
		return fmt.Errorf("failed to compute address for verification: %w", err)
	}
	if got != addr {
		return fmt.Errorf("%w: address mismatch for %s", core.ErrCorrupt, addr)
	}
	return nil
}

// Sum computes the SHA2-256 content address of data.
func Sum(data []byte) (core.Address, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return core.Address{}, fmt.Errorf("failed to compute multihash: %w", err)
	}
	dec, err := multihash.Decode(mh)
	if err != nil {
		return core.Address{}, fmt.Errorf("failed to decode multihash: %w", err)
	}

	var addr core.Address
	copy(addr[:], dec.Digest)
	return addr, nil
}

// MustSum is Sum for callers that cannot handle an error. SHA2-256 over a
// byte slice only fails if the hash registry is broken.
func MustSum(data []byte) core.Address {
	addr, err := Sum(data)
	if err != nil {
		panic(err)
	}
	return addr
}

// ToCID expresses addr as a CIDv1 with the raw codec.
func ToCID(addr core.Address) (cid.Cid, error) {
	mh, err := multihash.Encode(addr[:], multihash.SHA2_256)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to encode multihash: %w", err)
	}
	return cid.NewCidV1(cid.Raw, mh), nil
}

// FromCID extracts the address from a CID carrying a sha2-256 multihash.
func FromCID(c cid.Cid) (core.Address, error) {
	dec, err := multihash.Decode(c.Hash())
	if err != nil {
		return core.Address{}, fmt.Errorf("%w: invalid multihash: %v", core.ErrInvalidInput, err)
	}
	if dec.Code != multihash.SHA2_256 || len(dec.Digest) != core.AddressSize {
		return core.Address{}, fmt.Errorf("%w: unsupported multihash %s", core.ErrInvalidInput, dec.Name)
	}

	var addr core.Address
	copy(addr[:], dec.Digest)
	return addr, nil
}

// ParseAddress decodes the hex form produced by core.Address.String. A CIDv1
// string with a sha2-256 multihash is accepted too.
func ParseAddress(s string) (core.Address, error) {
	s = strings.TrimSpace(s)
	if len(s) == hex.EncodedLen(core.AddressSize) {
		if raw, err := hex.DecodeString(s); err == nil {
			var addr core.Address
			copy(addr[:], raw)
			return addr, nil
		}
	}

	c, err := cid.Decode(s)
	if err != nil {
		return core.Address{}, fmt.Errorf("%w: malformed address %q", core.ErrInvalidInput, s)
	}
	return FromCID(c)
}
