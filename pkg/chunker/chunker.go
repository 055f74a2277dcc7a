package chunker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/agenthands/autonet/pkg/core"
	"github.com/jotfs/fastcdc-go"
)

// Splitter cuts a payload into ordered pieces, each at most Max bytes.
// Concatenating the pieces yields the payload again.
type Splitter interface {
	Name() string
	Split(ctx context.Context, data []byte) ([][]byte, error)
}

// New returns the splitter for profile with the given piece bound.
func New(profile string, max int) (Splitter, error) {
	if max < core.MinChunkSize {
		return nil, fmt.Errorf("%w: piece bound %d below %d", core.ErrInvalidInput, max, core.MinChunkSize)
	}
	switch profile {
	case "even", "":
		return &evenSplitter{max: max}, nil
	case "cdc":
		return &cdcSplitter{opts: fastcdc.Options{
			MinSize:     max / 4,
			AverageSize: max / 2,
			MaxSize:     max,
		}}, nil
	default:
		return nil, fmt.Errorf("%w: unknown chunking profile %q", core.ErrInvalidInput, profile)
	}
}

// evenSplitter produces ceil(len/max) pieces of near-equal size.
type evenSplitter struct {
	max int
}

func (s *evenSplitter) Name() string { return "even" }

func (s *evenSplitter) Split(ctx context.Context, data []byte) ([][]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	n := (len(data) + s.max - 1) / s.max
	base, rem := len(data)/n, len(data)%n

	pieces := make([][]byte, 0, n)
	off := 0
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		size := base
		if i < rem {
			size++
		}
		end := off + size
		pieces = append(pieces, data[off:end:end])
		off = end
	}
	return pieces, nil
}

// cdcMu serialises cdc splits. fastcdc.NewChunker XORs the seed into a
// package-level table that Next reads.
var cdcMu sync.Mutex

// cdcSplitter places boundaries by content so that shifted inputs keep most pieces.
type cdcSplitter struct {
	opts fastcdc.Options
}

func (s *cdcSplitter) Name() string { return "cdc" }

func (s *cdcSplitter) Split(ctx context.Context, data []byte) ([][]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	cdcMu.Lock()
	defer cdcMu.Unlock()

	cdc, err := fastcdc.NewChunker(bytes.NewReader(data), s.opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create cdc chunker: %w", err)
	}

	var pieces [][]byte
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunk, err := cdc.Next()
		if err != nil {
			if err == io.EOF {
				return pieces, nil
			}
			return nil, err
		}
		// chunk.Data aliases the chunker's buffer; slice the input instead.
		pieces = append(pieces, data[chunk.Offset:chunk.Offset+chunk.Length:chunk.Offset+chunk.Length])
	}
}
