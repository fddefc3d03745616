package vmm

import (
	"kernmm/kernel"
	"kernmm/kernel/mm"
)

// Mapper translates, creates and removes mappings in the page table
// hierarchy reachable through its P4 table.
type Mapper struct {
	p4 Table
}

// P4 returns the top-level table used by the mapper.
func (m *Mapper) P4() Table { return m.p4 }

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the table being visited and the index of the entry
// that maps the page. Returning false aborts the walk.
type pageTableWalker func(table Table, index uintptr) bool

// walk performs a page table walk for the given page starting at p4 and
// calls walkFn for each visited table. The walk stops after the P1 table
// or when an entry that does not reference a table is reached.
func walk(p4 Table, page mm.Page, walkFn pageTableWalker) {
	for table, ok := p4, true; ok; {
		index := page.TableIndex(uint8(table.level))
		if !walkFn(table, index) {
			return
		}

		table, ok = table.Next(index)
	}
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (m *Mapper) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	frame, err := m.TranslatePage(mm.PageFromAddress(virtAddr))
	if err != nil {
		return 0, err
	}

	return frame.Address() + PageOffset(virtAddr), nil
}

// TranslatePage returns the physical frame that page is mapped to. Pages
// that belong to a 1G or 2M huge page resolve to the matching frame inside
// the huge page.
func (m *Mapper) TranslatePage(page mm.Page) (mm.Frame, *kernel.Error) {
	var (
		frame = mm.InvalidFrame
		err   = ErrInvalidMapping
	)

	walk(m.p4, page, func(table Table, index uintptr) bool {
		pte := table.entry(index)
		switch {
		case !pte.HasFlags(FlagPresent):
			return false
		case table.level == LevelP1:
			frame, err = pte.Frame(), nil
		case pte.HasFlags(FlagHugePage):
			frame, err = hugePageFrame(table.level, pte.Frame(), page)
			return false
		}

		return true
	})

	return frame, err
}

// hugePageFrame returns the frame that page maps to when the entry at the
// given level maps a huge page starting at base.
func hugePageFrame(level Level, base mm.Frame, page mm.Page) (mm.Frame, *kernel.Error) {
	var (
		p2Index = mm.Frame(page.TableIndex(uint8(LevelP2)))
		p1Index = mm.Frame(page.TableIndex(uint8(LevelP1)))
	)

	switch level {
	case LevelP3:
		if base%(mm.Frame(mm.EntriesPerTable)*mm.Frame(mm.EntriesPerTable)) != 0 {
			return mm.InvalidFrame, errMisalignedHugePage
		}
		return base + p2Index*mm.Frame(mm.EntriesPerTable) + p1Index, nil
	case LevelP2:
		if base%mm.Frame(mm.EntriesPerTable) != 0 {
			return mm.InvalidFrame, errMisalignedHugePage
		}
		return base + p1Index, nil
	default:
		return mm.InvalidFrame, ErrInvalidMapping
	}
}

// MapTo establishes a mapping between page and frame using the supplied
// flags. Missing intermediate tables are allocated from alloc. The present
// flag is always added to flags.
func (m *Mapper) MapTo(page mm.Page, frame mm.Frame, flags PageTableEntryFlag, alloc mm.FrameAllocator) *kernel.Error {
	var (
		table = m.p4
		err   *kernel.Error
	)

	for level := LevelP4; level < LevelP1; level++ {
		if table, err = table.NextOrCreate(page.TableIndex(uint8(level)), alloc); err != nil {
			return err
		}
	}

	table.entry(page.TableIndex(uint8(LevelP1))).Set(frame, flags|FlagPresent)
	flushTLBEntryFn(page.Address())
	return nil
}

// Map allocates a frame from alloc and maps page to it.
func (m *Mapper) Map(page mm.Page, flags PageTableEntryFlag, alloc mm.FrameAllocator) *kernel.Error {
	frame, err := alloc.AllocFrame()
	if err != nil {
		return err
	}

	return m.MapTo(page, frame, flags, alloc)
}

// IdentityMap maps frame to the page with the same address.
func (m *Mapper) IdentityMap(frame mm.Frame, flags PageTableEntryFlag, alloc mm.FrameAllocator) *kernel.Error {
	return m.MapTo(mm.Page(frame), frame, flags, alloc)
}

// IdentityMapRegion identity-maps all frames in [startFrame, startFrame+size).
// The region size is rounded up to a page multiple.
func (m *Mapper) IdentityMapRegion(startFrame mm.Frame, size uintptr, flags PageTableEntryFlag, alloc mm.FrameAllocator) *kernel.Error {
	pageCount := mm.Frame((size + mm.PageSize - 1) >> mm.PageShift)
	for frame := startFrame; frame < startFrame+pageCount; frame++ {
		if err := m.IdentityMap(frame, flags, alloc); err != nil {
			return err
		}
	}

	return nil
}

// Unmap removes the mapping for page and flushes its TLB entry. Intermediate
// tables are left in place even if they become empty. Unmap returns
// ErrInvalidMapping if the page is not mapped.
func (m *Mapper) Unmap(page mm.Page) *kernel.Error {
	var (
		leaf *pageTableEntry
		err  = ErrInvalidMapping
	)

	walk(m.p4, page, func(table Table, index uintptr) bool {
		pte := table.entry(index)
		switch {
		case !pte.HasFlags(FlagPresent):
			return false
		case table.level == LevelP1:
			leaf, err = pte, nil
		case pte.HasFlags(FlagHugePage):
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	if err != nil {
		return err
	}

	leaf.MarkUnused()
	flushTLBEntryFn(page.Address())
	return nil
}
