package core

import (
	"context"
	"encoding/hex"
	"strconv"
	"time"
)

// AddressSize is the width of a content address digest in bytes.
const AddressSize = 32

// Address is the SHA2-256 digest identifying a chunk or record.
type Address [AddressSize]byte

// String renders the address as lowercase hex.
func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// IsZero reports whether a is the zero address.
func (a Address) IsZero() bool {
	return a == Address{}
}

// Chunk is an immutable, content-addressed blob.
type Chunk struct {
	Address Address
	Data    []byte
}

// RecordKind distinguishes content-addressed chunks from replaceable records.
type RecordKind uint8

const (
	// KindChunk records must satisfy Address == hash(Data).
	KindChunk RecordKind = iota
	// KindVault records live at an address derived from a public key and may be replaced.
	KindVault
)

func (k RecordKind) String() string {
	switch k {
	case KindChunk:
		return "chunk"
	case KindVault:
		return "vault"
	default:
		return "unknown(" + strconv.Itoa(int(k)) + ")"
	}
}

// Record is the unit submitted to storage nodes.
type Record struct {
	Kind    RecordKind
	Address Address
	Data    []byte
}

// ChunkRecord wraps a chunk as a KindChunk record.
func ChunkRecord(c Chunk) Record {
	return Record{Kind: KindChunk, Address: c.Address, Data: c.Data}
}

// NodeID identifies a storage node.
type NodeID string

// Amount is a token amount in atto units.
type Amount uint64

func (a Amount) String() string {
	return strconv.FormatUint(uint64(a), 10)
}

// Quote is a node's offer to store a record until Expiry.
type Quote struct {
	Node    NodeID
	Address Address
	Price   Amount
	Expiry  time.Time

	// Stored is set when the node already holds the record.
	Stored bool
}

// PaymentProof is what a payer hands back after settling a quote.
type PaymentProof struct {
	Quote  Quote
	TxHash [32]byte
}

// Receipt acknowledges that a node stored a record.
type Receipt struct {
	Node    NodeID
	Address Address
	TxHash  [32]byte
}

// Network is the transport capability consumed by the client. Implementations
// must be safe for concurrent use.
type Network interface {
	// GetQuotes asks the nodes responsible for addr for storage offers.
	GetQuotes(ctx context.Context, addr Address) ([]Quote, error)
	// ClosestNodes lists the nodes expected to hold addr, nearest first.
	ClosestNodes(ctx context.Context, addr Address) ([]NodeID, error)
	// GetChunk fetches the record stored at addr from a single node.
	GetChunk(ctx context.Context, node NodeID, addr Address) ([]byte, error)
	// PutChunk submits rec together with the payment for node's quote.
	PutChunk(ctx context.Context, node NodeID, rec Record, proof PaymentProof) (Receipt, error)
}

// Payer settles quotes. It is opaque beyond this signature.
type Payer interface {
	Pay(ctx context.Context, q Quote) (PaymentProof, error)
}
