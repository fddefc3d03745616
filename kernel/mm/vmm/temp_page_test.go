package vmm

import (
	"testing"
	"unsafe"

	"kernmm/kernel/mm"
)

func TestFramePool(t *testing.T) {
	var pool framePool
	if err := pool.init(newSeqAllocator(1, 3)); err != nil {
		t.Fatal(err)
	}

	for exp := mm.Frame(1); exp <= 3; exp++ {
		got, err := pool.AllocFrame()
		if err != nil {
			t.Fatal(err)
		}
		if got != exp {
			t.Fatalf("expected to allocate frame %d; got %d", exp, got)
		}
	}

	if _, err := pool.AllocFrame(); err != errPoolExhausted {
		t.Fatalf("expected error %v; got %v", errPoolExhausted, err)
	}

	if err := pool.FreeFrame(mm.Frame(2)); err != nil {
		t.Fatal(err)
	}

	if got, _ := pool.AllocFrame(); got != mm.Frame(2) {
		t.Fatalf("expected to get back the freed frame 2; got %d", got)
	}

	for i := 0; i < tempPagePoolSize; i++ {
		if err := pool.FreeFrame(mm.Frame(10 + i)); err != nil {
			t.Fatal(err)
		}
	}

	if err := pool.FreeFrame(mm.Frame(42)); err != errPoolFull {
		t.Fatalf("expected error %v; got %v", errPoolFull, err)
	}

	if err := pool.init(newSeqAllocator(1, 2)); err != errTestOutOfFrames {
		t.Fatalf("expected error %v; got %v", errTestOutOfFrames, err)
	}
}

func TestTemporaryPage(t *testing.T) {
	m := emulate(t)
	alloc := newSeqAllocator(0x1000, 3)
	active := ActiveTable()

	var tp TemporaryPage
	if err := tp.Init(mm.PageFromAddress(tempMappingAddr), alloc); err != nil {
		t.Fatal(err)
	}

	if len(alloc.allocated) != tempPagePoolSize {
		t.Fatalf("expected Init to reserve %d frames; got %d", tempPagePoolSize, len(alloc.allocated))
	}

	if tp.Page().Address() != tempMappingAddr {
		t.Fatalf("expected temporary page address to be 0x%x; got 0x%x", tempMappingAddr, tp.Page().Address())
	}

	addr, err := tp.MapToFrame(mm.Frame(0x42), active)
	if err != nil {
		t.Fatal(err)
	}

	if addr != tempMappingAddr {
		t.Fatalf("expected MapToFrame to return 0x%x; got 0x%x", tempMappingAddr, addr)
	}

	*(*uint64)(m.Pointer(addr)) = 0xf00
	if got := m.Frame(mm.Frame(0x42))[0]; got != 0xf00 {
		t.Fatalf("expected write through the temporary page to reach frame 0x42; got 0x%x", got)
	}

	// All pool frames now back the P3, P2 and P1 tables of the mapping
	if _, err = tp.pool.AllocFrame(); err != errPoolExhausted {
		t.Fatalf("expected the frame pool to be exhausted; got %v", err)
	}

	// Mapping a different frame reuses the tables
	table, err := tp.MapToFrameAsTable(mm.Frame(0x43), active)
	if err != nil {
		t.Fatal(err)
	}

	if table.Level() != LevelP4 || table.Address() != tempMappingAddr {
		t.Fatalf("unexpected table handle: %s at 0x%x", table.Level(), table.Address())
	}

	if _, ok := table.Next(0); ok {
		t.Fatal("expected Next to refuse walking below a temporarily mapped table")
	}

	if _, err = table.NextOrCreate(0, newSeqAllocator(0x2000, 1)); err != errDetachedTable {
		t.Fatalf("expected error %v; got %v", errDetachedTable, err)
	}

	if exp, got := unsafe.Pointer(&m.Frame(mm.Frame(0x43))[recursiveEntry]), unsafe.Pointer(table.entry(recursiveEntry)); exp != got {
		t.Fatal("expected table entries to resolve to the mapped frame")
	}

	if err = tp.Unmap(active); err != nil {
		t.Fatal(err)
	}

	if _, ok := m.Lookup(tempMappingAddr); ok {
		t.Fatal("expected the temporary page to be unmapped")
	}

	if err = tp.Unmap(active); err != ErrInvalidMapping {
		t.Fatalf("expected error %v; got %v", ErrInvalidMapping, err)
	}
}
