package vmm

import (
	"kernmm/kernel"
	"kernmm/kernel/mm"
)

// Level identifies the position of a page table inside the hierarchy.
type Level uint8

const (
	// LevelP4 is the top-most table; its physical address is loaded in CR3.
	LevelP4 Level = iota

	// LevelP3 tables are referenced by P4 entries. A P3 entry may map a 1G page.
	LevelP3

	// LevelP2 tables are referenced by P3 entries. A P2 entry may map a 2M page.
	LevelP2

	// LevelP1 tables hold the entries that map 4K pages.
	LevelP1
)

// String implements fmt.Stringer for Level.
func (l Level) String() string {
	switch l {
	case LevelP4:
		return "P4"
	case LevelP3:
		return "P3"
	case LevelP2:
		return "P2"
	case LevelP1:
		return "P1"
	default:
		return "invalid"
	}
}

// Table is a handle to a page table that is reachable through a virtual
// address. For every table of the active hierarchy this address is derived
// from the recursive mapping installed in the last P4 entry: shifting a
// table's address left by 9 bits and adding the entry index, shifted by the
// page size, yields the address of the child table.
//
// Tables reached through the temporary page are detached from the recursive
// mapping; their entries can be edited but their children cannot be
// addressed.
type Table struct {
	level    Level
	addr     uintptr
	detached bool
}

// activeP4 returns the P4 table of the active page table hierarchy.
func activeP4() Table {
	return Table{level: LevelP4, addr: pdtVirtualAddr}
}

// Level returns the level of this table.
func (t Table) Level() Level { return t.level }

// Address returns the virtual address of the table.
func (t Table) Address() uintptr { return t.addr }

// entry returns a pointer to the entry at the supplied index.
func (t Table) entry(index uintptr) *pageTableEntry {
	return (*pageTableEntry)(ptePtrFn(t.addr + (index << mm.PointerShift)))
}

// Clear marks every entry of the table as unused.
func (t Table) Clear() {
	for index := uintptr(0); index < mm.EntriesPerTable; index++ {
		t.entry(index).MarkUnused()
	}
}

func (t Table) childAddr(index uintptr) uintptr {
	return (t.addr << mm.PageLevelBits) | (index << mm.PageShift)
}

// Next returns the table referenced by the entry at index. It returns false
// if t is a P1 or detached table or if the entry is not present or maps a
// huge page.
func (t Table) Next(index uintptr) (Table, bool) {
	if t.level == LevelP1 || t.detached {
		return Table{}, false
	}

	pte := t.entry(index)
	if !pte.HasFlags(FlagPresent) || pte.HasFlags(FlagHugePage) {
		return Table{}, false
	}

	return Table{level: t.level + 1, addr: t.childAddr(index)}, true
}

// NextOrCreate works like Next but allocates a frame from alloc and installs
// a zeroed table if the entry at index is not present.
func (t Table) NextOrCreate(index uintptr, alloc mm.FrameAllocator) (Table, *kernel.Error) {
	switch {
	case t.level == LevelP1:
		return Table{}, errLeafTable
	case t.detached:
		return Table{}, errDetachedTable
	}

	pte := t.entry(index)
	child := Table{level: t.level + 1, addr: t.childAddr(index)}

	if pte.HasFlags(FlagPresent) {
		if pte.HasFlags(FlagHugePage) {
			return Table{}, errNoHugePageSupport
		}
		return child, nil
	}

	frame, err := alloc.AllocFrame()
	if err != nil {
		return Table{}, err
	}

	pte.Set(frame, FlagPresent|FlagRW)

	// The child address may still be cached with whatever it pointed to
	// before the entry was installed.
	flushTLBEntryFn(child.addr)
	kernel.Memset(uintptr(ptePtrFn(child.addr)), 0, mm.PageSize)

	return child, nil
}
