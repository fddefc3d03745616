package vmm

import (
	"testing"

	"kernmm/kernel"
	"kernmm/kernel/mm"
	"kernmm/kernel/mm/emu"
)

// newInactiveTable creates an inactive P4 table at frame 0x2000 using a
// temporary page whose tables are allocated from frames 0x1000-0x1002.
func newInactiveTable(t *testing.T) (*TemporaryPage, InactivePageTable) {
	t.Helper()

	var (
		tp  TemporaryPage
		ipt InactivePageTable
	)

	if err := tp.Init(mm.PageFromAddress(tempMappingAddr), newSeqAllocator(0x1000, tempPagePoolSize)); err != nil {
		t.Fatal(err)
	}

	if err := ipt.Init(mm.Frame(0x2000), ActiveTable(), &tp); err != nil {
		t.Fatal(err)
	}

	return &tp, ipt
}

func recursiveEntryOf(frame mm.Frame) uint64 {
	return uint64(frame.Address()) | emu.EntryPresent | emu.EntryRW
}

func TestInactivePageTableInit(t *testing.T) {
	m := emulate(t)
	_, ipt := newInactiveTable(t)

	if exp := mm.Frame(0x2000); ipt.Frame() != exp {
		t.Fatalf("expected inactive table frame to be %d; got %d", exp, ipt.Frame())
	}

	p4 := m.Frame(ipt.Frame())
	for index := 0; index < int(recursiveEntry); index++ {
		if p4[index]&emu.EntryPresent != 0 {
			t.Fatalf("expected entry %d of the new P4 to be unused; got 0x%x", index, p4[index])
		}
	}

	if exp := recursiveEntryOf(ipt.Frame()); p4[recursiveEntry] != exp {
		t.Fatalf("expected the last P4 entry to be 0x%x; got 0x%x", exp, p4[recursiveEntry])
	}

	if _, ok := m.Lookup(tempMappingAddr); ok {
		t.Fatal("expected Init to unmap the temporary page")
	}

	if exp := loaderP4.Address(); m.ActivePDT() != exp {
		t.Fatalf("expected Init to leave CR3 untouched (0x%x); got 0x%x", exp, m.ActivePDT())
	}
}

func TestActivePageTableWith(t *testing.T) {
	t.Run("edits land in the inactive table", func(t *testing.T) {
		m := emulate(t)
		tp, ipt := newInactiveTable(t)
		active := ActiveTable()
		alloc := newSeqAllocator(0x3000, 3)

		statsBefore := m.Stats
		err := active.With(&ipt, tp, func(mapper *Mapper) *kernel.Error {
			// The loader mappings are not visible through the redirected
			// recursive entry
			if _, err := mapper.Translate(0x200000); err != ErrInvalidMapping {
				t.Errorf("expected loader mapping to be hidden inside With; got %v", err)
			}

			if err := mapper.MapTo(mm.Page(0), mm.Frame(5), FlagRW, alloc); err != nil {
				return err
			}

			if got, err := mapper.Translate(0x123); err != nil || got != 0x5123 {
				t.Errorf("expected Translate(0x123) inside With to return 0x5123; got 0x%x, %v", got, err)
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}

		if got := m.Stats.TLBFlushes - statsBefore.TLBFlushes; got != 2 {
			t.Fatalf("expected With to flush the TLB twice; got %d", got)
		}

		if exp, got := recursiveEntryOf(loaderP4), m.Frame(loaderP4)[recursiveEntry]; got != exp {
			t.Fatalf("expected the recursive entry of the active P4 to be restored to 0x%x; got 0x%x", exp, got)
		}

		if _, ok := m.Lookup(tempMappingAddr); ok {
			t.Fatal("expected With to unmap the temporary page")
		}

		// The active hierarchy still identity maps low memory
		if got, err := active.Translate(0x123); err != nil || got != 0x123 {
			t.Fatalf("expected Translate(0x123) to return 0x123 after With; got 0x%x, %v", got, err)
		}
	})

	t.Run("closure error", func(t *testing.T) {
		m := emulate(t)
		tp, ipt := newInactiveTable(t)
		active := ActiveTable()

		err := active.With(&ipt, tp, func(mapper *Mapper) *kernel.Error {
			return mapper.Map(mm.Page(0), FlagRW, newSeqAllocator(0x3000, 0))
		})
		if err != errTestOutOfFrames {
			t.Fatalf("expected error %v; got %v", errTestOutOfFrames, err)
		}

		if exp, got := recursiveEntryOf(loaderP4), m.Frame(loaderP4)[recursiveEntry]; got != exp {
			t.Fatalf("expected the recursive entry to be restored after a failed closure; got 0x%x", got)
		}

		if _, ok := m.Lookup(tempMappingAddr); ok {
			t.Fatal("expected the temporary page to be unmapped after a failed closure")
		}
	})
}

func TestActivePageTableSwitch(t *testing.T) {
	m := emulate(t)
	tp, ipt := newInactiveTable(t)
	active := ActiveTable()
	alloc := newSeqAllocator(0x3000, 3)

	err := active.With(&ipt, tp, func(mapper *Mapper) *kernel.Error {
		return mapper.MapTo(mm.Page(0), mm.Frame(5), FlagRW, alloc)
	})
	if err != nil {
		t.Fatal(err)
	}

	statsBefore := m.Stats
	prev := active.Switch(ipt)

	if prev.Frame() != loaderP4 {
		t.Fatalf("expected Switch to return the loader P4 frame %d; got %d", loaderP4, prev.Frame())
	}

	if exp := ipt.Frame().Address(); m.ActivePDT() != exp {
		t.Fatalf("expected CR3 to be 0x%x; got 0x%x", exp, m.ActivePDT())
	}

	if got := m.Stats.PDTSwitches - statsBefore.PDTSwitches; got != 1 {
		t.Fatalf("expected exactly one CR3 load; got %d", got)
	}

	// The recursive mapping of the new table is live
	got, err := active.Translate(0x123)
	if err != nil {
		t.Fatal(err)
	}

	if exp := uintptr(0x5123); got != exp {
		t.Fatalf("expected Translate(0x123) to return 0x%x; got 0x%x", exp, got)
	}

	if _, err = active.Translate(0x200000); err != ErrInvalidMapping {
		t.Fatalf("expected loader mappings to be gone after Switch; got %v", err)
	}

	// Switching back restores the loader hierarchy
	if back := active.Switch(prev); back.Frame() != ipt.Frame() {
		t.Fatalf("expected Switch to return frame %d; got %d", ipt.Frame(), back.Frame())
	}

	if got, _ = active.Translate(0x123); got != 0x123 {
		t.Fatalf("expected loader identity mapping after switching back; got 0x%x", got)
	}
}
