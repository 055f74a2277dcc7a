package transform

import (
	"fmt"

	"github.com/agenthands/autonet/pkg/core"
	"github.com/klauspost/compress/zstd"
)

const (
	Magic   = "ANET"
	Version = 1

	// EnvelopeSize is the fixed header prepended by the zstd transform.
	EnvelopeSize = 7
)

const (
	FlagCompressed = 1 << 0
)

const (
	AlgNone = 0
	AlgZstd = 1
)

// Transform defines the interface for encoding/decoding piece payloads
// before they are encrypted.
type Transform interface {
	Name() string
	Encode(plain []byte) ([]byte, error)
	Decode(stored []byte) ([]byte, error)
}

// New returns the transform named by cfg. Decoded pieces may not exceed
// maxPlain bytes.
func New(cfg core.TransformConfig, maxPlain int) (Transform, error) {
	switch cfg.Name {
	case "zstd":
		return NewZstd(cfg.ZstdLevel, maxPlain)
	case "none", "":
		return NewNone(), nil
	default:
		return nil, fmt.Errorf("%w: unsupported transform %q", core.ErrInvalidInput, cfg.Name)
	}
}

type noneTransform struct{}

// NewNone returns the identity transform.
func NewNone() Transform {
	return &noneTransform{}
}

func (t *noneTransform) Name() string                         { return "none" }
func (t *noneTransform) Encode(plain []byte) ([]byte, error)  { return plain, nil }
func (t *noneTransform) Decode(stored []byte) ([]byte, error) { return stored, nil }

type zstdTransform struct {
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
	maxPlain int
}

// NewZstd returns a transform compressing with zstd at level. Payloads that do
// not shrink are kept raw inside the envelope. The decoder refuses to inflate
// anything beyond maxPlain bytes.
func NewZstd(level, maxPlain int) (Transform, error) {
	if maxPlain <= 0 {
		return nil, fmt.Errorf("%w: decode bound must be positive, got %d", core.ErrInvalidInput, maxPlain)
	}
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd writer: %w", err)
	}
	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(uint64(maxPlain)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	return &zstdTransform{
		encoder:  enc,
		decoder:  dec,
		maxPlain: maxPlain,
	}, nil
}

func (t *zstdTransform) Name() string { return "zstd" }

func (t *zstdTransform) Encode(plain []byte) ([]byte, error) {
	compressed := t.encoder.EncodeAll(plain, nil)

	flags, alg, payload := byte(FlagCompressed), byte(AlgZstd), compressed
	if len(compressed) >= len(plain) {
		flags, alg, payload = 0, AlgNone, plain
	}

	envelope := make([]byte, 0, EnvelopeSize+len(payload))
	envelope = append(envelope, Magic...)
	envelope = append(envelope, Version, flags, alg)
	envelope = append(envelope, payload...)

	return envelope, nil
}

func (t *zstdTransform) Decode(stored []byte) ([]byte, error) {
	if len(stored) < EnvelopeSize {
		return nil, fmt.Errorf("%w: piece too small for envelope", core.ErrCorrupt)
	}

	if string(stored[:4]) != Magic {
		return nil, fmt.Errorf("%w: invalid magic", core.ErrCorrupt)
	}

	if stored[4] != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", core.ErrCorrupt, stored[4])
	}

	flags := stored[5]
	alg := stored[6]
	payload := stored[EnvelopeSize:]

	if len(payload) > t.maxPlain {
		return nil, fmt.Errorf("%w: piece payload of %d bytes exceeds %d", core.ErrCorrupt, len(payload), t.maxPlain)
	}

	if flags&FlagCompressed == 0 {
		if alg != AlgNone {
			return nil, fmt.Errorf("%w: raw envelope with algorithm %d", core.ErrCorrupt, alg)
		}
		return append([]byte(nil), payload...), nil
	}

	if alg != AlgZstd {
		return nil, fmt.Errorf("%w: unsupported compression algorithm %d", core.ErrCorrupt, alg)
	}
	plain, err := t.decoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", core.ErrCorrupt, err)
	}
	return plain, nil
}
