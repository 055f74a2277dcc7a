package testkit

import (
	"sort"

	"github.com/agenthands/autonet/pkg/core"
)

// FlipByte returns a copy of payload with one byte inverted.
func FlipByte(payload []byte) []byte {
	out := make([]byte, len(payload))
	copy(out, payload)
	if len(out) > 0 {
		out[len(out)/2] ^= 0xFF
	}
	return out
}

// Addresses returns the addresses of chunks, sorted.
func Addresses(chunks []core.Chunk) []core.Address {
	out := make([]core.Address, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, c.Address)
	}
	sort.Slice(out, func(i, j int) bool {
		return string(out[i][:]) < string(out[j][:])
	})
	return out
}
