package transform

import (
	"bytes"
	"errors"
	"testing"

	"github.com/agenthands/autonet/internal/testkit"
	"github.com/agenthands/autonet/pkg/core"
)

func TestTransformNone(t *testing.T) {
	tr := NewNone()

	if tr.Name() != "none" {
		t.Errorf("expected none, got %s", tr.Name())
	}

	data := []byte("hello world")
	encoded, err := tr.Encode(data)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, err := tr.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(decoded, data) {
		t.Error("none transform should not change data")
	}
}

func TestTransformZstd(t *testing.T) {
	tr, err := NewZstd(3, 1<<20)
	if err != nil {
		t.Fatalf("NewZstd failed: %v", err)
	}

	t.Run("Compressible", func(t *testing.T) {
		r := testkit.RNG(1)
		data := testkit.CompressibleBytes(r, 256*1024)

		encoded, err := tr.Encode(data)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		if len(encoded) >= len(data) {
			t.Errorf("expected zstd to compress data, %d >= %d", len(encoded), len(data))
		}
		if encoded[5]&FlagCompressed == 0 {
			t.Error("expected compressed flag")
		}

		decoded, err := tr.Decode(encoded)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if !bytes.Equal(decoded, data) {
			t.Error("zstd transform corrupted data on roundtrip")
		}
	})

	t.Run("IncompressibleStaysRaw", func(t *testing.T) {
		r := testkit.RNG(2)
		data := testkit.RandomBytes(r, 4096)

		encoded, err := tr.Encode(data)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		if len(encoded) != len(data)+EnvelopeSize {
			t.Errorf("expected raw envelope of %d bytes, got %d", len(data)+EnvelopeSize, len(encoded))
		}

		decoded, err := tr.Decode(encoded)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if !bytes.Equal(decoded, data) {
			t.Error("raw envelope corrupted data")
		}
	})

	t.Run("Empty", func(t *testing.T) {
		encoded, err := tr.Encode(nil)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		decoded, err := tr.Decode(encoded)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if len(decoded) != 0 {
			t.Errorf("expected empty output, got %d bytes", len(decoded))
		}
	})

	t.Run("Corruption", func(t *testing.T) {
		data := bytes.Repeat([]byte("hello world this is a test payload "), 8)
		encoded, _ := tr.Encode(data)

		cases := map[string][]byte{
			"Truncated": encoded[:6],
			"Magic":     append([]byte("XNET"), encoded[4:]...),
			"Version":   append(append([]byte(nil), encoded[:4]...), append([]byte{99}, encoded[5:]...)...),
			"Algorithm": append(append([]byte(nil), encoded[:6]...), append([]byte{99}, encoded[7:]...)...),
			"Payload":   append(append([]byte(nil), encoded[:EnvelopeSize]...), []byte("not zstd")...),
		}
		for name, in := range cases {
			if _, err := tr.Decode(in); !errors.Is(err, core.ErrCorrupt) {
				t.Errorf("%s: expected ErrCorrupt, got %v", name, err)
			}
		}
	})

	t.Run("DecodeBound", func(t *testing.T) {
		small, err := NewZstd(3, 4096)
		if err != nil {
			t.Fatalf("NewZstd failed: %v", err)
		}

		bomb, _ := tr.Encode(make([]byte, 512*1024))
		if bomb[5]&FlagCompressed == 0 {
			t.Fatal("expected zeros to compress")
		}
		if _, err := small.Decode(bomb); !errors.Is(err, core.ErrCorrupt) {
			t.Errorf("expected ErrCorrupt past the decode bound, got %v", err)
		}

		raw, _ := tr.Encode(testkit.RandomBytes(testkit.RNG(3), 8192))
		if _, err := small.Decode(raw); !errors.Is(err, core.ErrCorrupt) {
			t.Errorf("expected ErrCorrupt for oversized raw piece, got %v", err)
		}

		fits, _ := small.Encode(make([]byte, 4096))
		if _, err := small.Decode(fits); err != nil {
			t.Errorf("expected piece at the bound to decode, got %v", err)
		}
	})
}

func TestNewTransform(t *testing.T) {
	if _, err := NewZstd(3, 0); !errors.Is(err, core.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for zero decode bound, got %v", err)
	}
	if _, err := New(core.TransformConfig{Name: "brotli"}, 1<<20); !errors.Is(err, core.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	tr, err := New(core.TransformConfig{Name: "zstd", ZstdLevel: 1}, 1<<20)
	if err != nil || tr.Name() != "zstd" {
		t.Errorf("expected zstd transform, got %v, %v", tr, err)
	}
}

func FuzzTransformDecode(f *testing.F) {
	tr, _ := NewZstd(3, 1<<20)

	f.Add([]byte{})
	f.Add([]byte("garbage input"))
	valid, _ := tr.Encode([]byte("highly compressible compressible compressible data"))
	f.Add(valid)

	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = tr.Decode(data)
	})
}
