package chunkstore

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"

	"github.com/agenthands/autonet/pkg/cidutil"
	"github.com/agenthands/autonet/pkg/core"
	"github.com/cockroachdb/pebble"
)

func TestStore(t *testing.T) {
	dir, err := os.MkdirTemp("", "autonet-chunkstore-test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	st, err := Open(dir)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	data := []byte("chunk payload")
	addr := cidutil.MustSum(data)

	t.Run("PutGet", func(t *testing.T) {
		if err := st.Put(nil, core.Record{Kind: core.KindChunk, Address: addr, Data: data}); err != nil {
			t.Fatalf("Put failed: %v", err)
		}

		rec, ok, err := st.Get(ctx, addr)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !ok || !bytes.Equal(rec.Data, data) || rec.Kind != core.KindChunk || rec.Address != addr {
			t.Errorf("unexpected record %+v (ok=%v)", rec, ok)
		}

		has, err := st.Has(ctx, addr)
		if err != nil || !has {
			t.Errorf("expected Has=true, got %v (err=%v)", has, err)
		}
	})

	t.Run("Missing", func(t *testing.T) {
		_, ok, err := st.Get(ctx, cidutil.MustSum([]byte("absent")))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ok {
			t.Error("expected ok=false for missing address")
		}
	})

	t.Run("VaultReplace", func(t *testing.T) {
		vaddr := cidutil.MustSum([]byte("vault"))
		_ = st.Put(nil, core.Record{Kind: core.KindVault, Address: vaddr, Data: []byte("v1")})
		_ = st.Put(nil, core.Record{Kind: core.KindVault, Address: vaddr, Data: []byte("v2")})

		rec, ok, err := st.Get(ctx, vaddr)
		if err != nil || !ok {
			t.Fatalf("Get failed: %v (ok=%v)", err, ok)
		}
		if rec.Kind != core.KindVault || string(rec.Data) != "v2" {
			t.Errorf("expected latest vault record, got %+v", rec)
		}
	})

	t.Run("Payments", func(t *testing.T) {
		tx := [32]byte{1, 2, 3}
		used, err := st.PaymentUsed(ctx, tx)
		if err != nil || used {
			t.Fatalf("expected unused payment, got %v (err=%v)", used, err)
		}
		if err := st.MarkPayment(nil, tx); err != nil {
			t.Fatalf("MarkPayment failed: %v", err)
		}
		used, _ = st.PaymentUsed(ctx, tx)
		if !used {
			t.Error("expected payment to be marked used")
		}
	})

	t.Run("Iterate", func(t *testing.T) {
		n, err := st.Len(ctx)
		if err != nil {
			t.Fatalf("Len failed: %v", err)
		}
		if n != 2 {
			t.Errorf("expected 2 records, got %d", n)
		}

		stop := errors.New("stop")
		err = st.Iterate(ctx, func(core.Record) error { return stop })
		if !errors.Is(err, stop) {
			t.Errorf("expected callback error to propagate, got %v", err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := st.Delete(nil, addr); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if has, _ := st.Has(ctx, addr); has {
			t.Error("expected record to be gone")
		}
	})

	t.Run("BatchAtomicity", func(t *testing.T) {
		a1 := cidutil.MustSum([]byte("batch1"))
		a2 := cidutil.MustSum([]byte("batch2"))

		batch := st.NewBatch()
		_ = st.Put(batch, core.Record{Kind: core.KindChunk, Address: a1, Data: []byte("batch1")})
		_ = st.MarkPayment(batch, [32]byte{9})

		if has, _ := st.Has(ctx, a1); has {
			t.Error("expected record not to be visible before commit")
		}
		batch.Close()

		if has, _ := st.Has(ctx, a1); has {
			t.Error("expected record not to be visible after discarded batch")
		}

		batch2 := st.NewBatch()
		_ = st.Put(batch2, core.Record{Kind: core.KindChunk, Address: a1, Data: []byte("batch1")})
		_ = st.Put(batch2, core.Record{Kind: core.KindChunk, Address: a2, Data: []byte("batch2")})
		_ = batch2.Commit(pebble.Sync)
		batch2.Close()

		ok1, _ := st.Has(ctx, a1)
		ok2, _ := st.Has(ctx, a2)
		if !ok1 || !ok2 {
			t.Error("expected both records to be committed atomically")
		}
	})
}

func TestStore_InMemory(t *testing.T) {
	st, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory failed: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	addr := cidutil.MustSum([]byte("mem"))
	if err := st.Put(nil, core.Record{Kind: core.KindChunk, Address: addr, Data: []byte("mem")}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if has, _ := st.Has(ctx, addr); !has {
		t.Error("expected record in memory store")
	}
}

func TestStore_CorruptValue(t *testing.T) {
	st, err := OpenInMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	ctx := context.Background()
	ps := st.(*pebbleStore)

	empty := cidutil.MustSum([]byte("empty"))
	_ = ps.db.Set(recordKey(empty), nil, pebble.Sync)
	if _, _, err := st.Get(ctx, empty); !errors.Is(err, core.ErrCorrupt) {
		t.Errorf("expected ErrCorrupt for empty value, got %v", err)
	}

	badKind := cidutil.MustSum([]byte("kind"))
	_ = ps.db.Set(recordKey(badKind), []byte{0x7f, 1, 2}, pebble.Sync)
	if _, _, err := st.Get(ctx, badKind); !errors.Is(err, core.ErrCorrupt) {
		t.Errorf("expected ErrCorrupt for unknown kind, got %v", err)
	}

	// Short keys under the record prefix are skipped by iteration.
	_ = ps.db.Set(prefixed(PrefixRecord, []byte("short")), []byte{0}, pebble.Sync)
	if err := st.Iterate(ctx, func(core.Record) error { return nil }); !errors.Is(err, core.ErrCorrupt) {
		t.Errorf("expected ErrCorrupt from corrupt values during iteration, got %v", err)
	}
}

func TestIncrementByte(t *testing.T) {
	if got := incrementByte([]byte{0x01, 0xff}); !bytes.Equal(got, []byte{0x02, 0x00}) {
		t.Errorf("unexpected increment: %x", got)
	}
	if got := incrementByte([]byte{0xff, 0xff}); got != nil {
		t.Errorf("expected nil on overflow, got %x", got)
	}
}
