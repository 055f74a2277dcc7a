package chunker

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/agenthands/autonet/internal/testkit"
	"github.com/agenthands/autonet/pkg/core"
)

func TestEvenSplitter(t *testing.T) {
	const max = 1024
	s, err := New("even", max)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()
	r := testkit.RNG(42)

	tests := []struct {
		name   string
		length int
		pieces int
	}{
		{"Empty", 0, 0},
		{"OneByte", 1, 1},
		{"ExactlyMax", max, 1},
		{"MaxPlusOne", max + 1, 2},
		{"ThreeMaxPlusOne", 3*max + 1, 4},
		{"Large", 10*max + 17, 11},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := testkit.RandomBytes(r, tt.length)
			pieces, err := s.Split(ctx, data)
			if err != nil {
				t.Fatalf("Split failed: %v", err)
			}
			if len(pieces) != tt.pieces {
				t.Fatalf("expected %d pieces, got %d", tt.pieces, len(pieces))
			}

			var reassembled []byte
			minLen, maxLen := max+1, 0
			for _, p := range pieces {
				if len(p) > max {
					t.Errorf("piece too large: %d > %d", len(p), max)
				}
				if len(p) < minLen {
					minLen = len(p)
				}
				if len(p) > maxLen {
					maxLen = len(p)
				}
				reassembled = append(reassembled, p...)
			}
			if !bytes.Equal(reassembled, data) {
				t.Error("reassembled data does not match original")
			}
			if len(pieces) > 1 && maxLen-minLen > maxLen/2+1 {
				t.Errorf("pieces not roughly equal: min %d max %d", minLen, maxLen)
			}
		})
	}
}

func TestCDCSplitter(t *testing.T) {
	const max = 4096
	s, err := New("cdc", max)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if s.Name() != "cdc" {
		t.Errorf("expected cdc, got %s", s.Name())
	}

	r := testkit.RNG(3)
	data := testkit.RandomBytes(r, 64*1024)
	pieces, err := s.Split(context.Background(), data)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}

	var reassembled []byte
	for _, p := range pieces {
		if len(p) > max {
			t.Errorf("piece too large: %d > %d", len(p), max)
		}
		reassembled = append(reassembled, p...)
	}
	if !bytes.Equal(reassembled, data) {
		t.Error("reassembled data does not match original")
	}

	t.Run("ShiftResistance", func(t *testing.T) {
		shifted := append([]byte("prefix"), data...)
		again, err := s.Split(context.Background(), shifted)
		if err != nil {
			t.Fatalf("Split failed: %v", err)
		}
		seen := make(map[string]bool)
		for _, p := range pieces {
			seen[string(p)] = true
		}
		shared := 0
		for _, p := range again {
			if seen[string(p)] {
				shared++
			}
		}
		if shared == 0 {
			t.Error("expected content-defined boundaries to survive a prefix insert")
		}
	})

	t.Run("Concurrent", func(t *testing.T) {
		var wg sync.WaitGroup
		counts := make([]int, 8)
		for i := range counts {
			wg.Add(1)
			go func() {
				defer wg.Done()
				got, err := s.Split(context.Background(), data)
				if err != nil {
					t.Errorf("Split failed: %v", err)
					return
				}
				counts[i] = len(got)
			}()
		}
		wg.Wait()
		for i, n := range counts {
			if n != len(pieces) {
				t.Errorf("split %d: expected %d pieces, got %d", i, len(pieces), n)
			}
		}
	})
}

func TestSplitterErrors(t *testing.T) {
	if _, err := New("even", 10); !errors.Is(err, core.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for tiny bound, got %v", err)
	}
	if _, err := New("rabin", 4096); !errors.Is(err, core.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for unknown profile, got %v", err)
	}

	s, _ := New("even", 1024)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Split(ctx, make([]byte, 4096)); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
