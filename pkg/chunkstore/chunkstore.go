package chunkstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/agenthands/autonet/pkg/core"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

var (
	PrefixRecord  = []byte("rec:")
	PrefixPayment = []byte("pay:")
)

// Store is the embedded KV store a storage node keeps its records in.
type Store interface {
	Get(ctx context.Context, addr core.Address) (core.Record, bool, error)
	Has(ctx context.Context, addr core.Address) (bool, error)
	Put(batch *pebble.Batch, rec core.Record) error
	Delete(batch *pebble.Batch, addr core.Address) error

	// PaymentUsed reports whether a payment was already redeemed.
	PaymentUsed(ctx context.Context, tx [32]byte) (bool, error)
	MarkPayment(batch *pebble.Batch, tx [32]byte) error

	Iterate(ctx context.Context, fn func(rec core.Record) error) error
	Len(ctx context.Context) (int, error)

	NewBatch() *pebble.Batch
	Close() error
}

type pebbleStore struct {
	db *pebble.DB
}

// Open opens a Pebble-based store in the specified directory.
func Open(dir string) (Store, error) {
	return open(dir, &pebble.Options{})
}

// OpenInMemory opens a Pebble-based store backed by an in-memory filesystem.
func OpenInMemory() (Store, error) {
	return open("", &pebble.Options{FS: vfs.NewMem()})
}

func open(dir string, opts *pebble.Options) (Store, error) {
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}
	return &pebbleStore{db: db}, nil
}

func (s *pebbleStore) Close() error {
	return s.db.Close()
}

func (s *pebbleStore) NewBatch() *pebble.Batch {
	return s.db.NewBatch()
}

func (s *pebbleStore) Get(ctx context.Context, addr core.Address) (core.Record, bool, error) {
	val, closer, err := s.db.Get(recordKey(addr))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return core.Record{}, false, nil
		}
		return core.Record{}, false, err
	}
	defer closer.Close()

	rec, err := decodeRecord(addr, val)
	if err != nil {
		return core.Record{}, false, err
	}
	return rec, true, nil
}

func (s *pebbleStore) Has(ctx context.Context, addr core.Address) (bool, error) {
	_, closer, err := s.db.Get(recordKey(addr))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	closer.Close()
	return true, nil
}

func (s *pebbleStore) Put(batch *pebble.Batch, rec core.Record) error {
	key := recordKey(rec.Address)
	val := make([]byte, 1+len(rec.Data))
	val[0] = byte(rec.Kind)
	copy(val[1:], rec.Data)

	if batch != nil {
		return batch.Set(key, val, nil)
	}
	return s.db.Set(key, val, pebble.Sync)
}

func (s *pebbleStore) Delete(batch *pebble.Batch, addr core.Address) error {
	if batch != nil {
		return batch.Delete(recordKey(addr), nil)
	}
	return s.db.Delete(recordKey(addr), pebble.Sync)
}

func (s *pebbleStore) PaymentUsed(ctx context.Context, tx [32]byte) (bool, error) {
	_, closer, err := s.db.Get(prefixed(PrefixPayment, tx[:]))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	closer.Close()
	return true, nil
}

func (s *pebbleStore) MarkPayment(batch *pebble.Batch, tx [32]byte) error {
	key := prefixed(PrefixPayment, tx[:])
	if batch != nil {
		return batch.Set(key, []byte{1}, nil)
	}
	return s.db.Set(key, []byte{1}, pebble.Sync)
}

func (s *pebbleStore) Iterate(ctx context.Context, fn func(rec core.Record) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: PrefixRecord,
		UpperBound: incrementByte(PrefixRecord),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		k := iter.Key()[len(PrefixRecord):]
		if len(k) != core.AddressSize {
			continue
		}
		var addr core.Address
		copy(addr[:], k)

		rec, err := decodeRecord(addr, iter.Value())
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *pebbleStore) Len(ctx context.Context) (int, error) {
	n := 0
	err := s.Iterate(ctx, func(core.Record) error {
		n++
		return nil
	})
	return n, err
}

func recordKey(addr core.Address) []byte {
	return prefixed(PrefixRecord, addr[:])
}

func prefixed(prefix, id []byte) []byte {
	k := make([]byte, 0, len(prefix)+len(id))
	k = append(k, prefix...)
	return append(k, id...)
}

// decodeRecord copies val, which pebble only lends until the closer runs.
func decodeRecord(addr core.Address, val []byte) (core.Record, error) {
	if len(val) < 1 {
		return core.Record{}, fmt.Errorf("%w: empty record value for %s", core.ErrCorrupt, addr)
	}
	kind := core.RecordKind(val[0])
	if kind != core.KindChunk && kind != core.KindVault {
		return core.Record{}, fmt.Errorf("%w: unknown record kind %d for %s", core.ErrCorrupt, val[0], addr)
	}
	data := make([]byte, len(val)-1)
	copy(data, val[1:])
	return core.Record{Kind: kind, Address: addr, Data: data}, nil
}

func incrementByte(b []byte) []byte {
	res := make([]byte, len(b))
	copy(res, b)
	for i := len(res) - 1; i >= 0; i-- {
		res[i]++
		if res[i] != 0 {
			return res
		}
	}
	return nil
}
