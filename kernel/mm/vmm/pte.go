package vmm

import "kernmm/kernel/mm"

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uintptr

// pageTableEntry describes a page table entry. These entries encode
// a physical frame address and a set of flags. The actual format
// of the entry and flags is architecture-dependent.
type pageTableEntry uintptr

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) == uintptr(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) | uintptr(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) &^ uintptr(flags))
}

// Flags returns the flag bits of this entry.
func (pte pageTableEntry) Flags() PageTableEntryFlag {
	return PageTableEntryFlag(uintptr(pte) &^ ptePhysPageMask)
}

// Frame returns the physical page frame that this page table entry points to.
// The result is only meaningful if the entry is present.
func (pte pageTableEntry) Frame() mm.Frame {
	return mm.Frame((uintptr(pte) & ptePhysPageMask) >> mm.PageShift)
}

// SetFrame updates the page table entry to point the the given physical frame
// while preserving its flags.
func (pte *pageTableEntry) SetFrame(frame mm.Frame) {
	*pte = (pageTableEntry)((uintptr(*pte) &^ ptePhysPageMask) | (frame.Address() & ptePhysPageMask))
}

// Set overwrites the entry so that it points to frame with exactly the given
// flags.
func (pte *pageTableEntry) Set(frame mm.Frame, flags PageTableEntryFlag) {
	*pte = (pageTableEntry)((frame.Address() & ptePhysPageMask) | (uintptr(flags) &^ ptePhysPageMask))
}

// IsUnused returns true if the entry is not present. The remaining bits of
// an entry that is not present carry no meaning.
func (pte pageTableEntry) IsUnused() bool {
	return !pte.HasFlags(FlagPresent)
}

// MarkUnused clears the present flag leaving the rest of the entry intact.
func (pte *pageTableEntry) MarkUnused() {
	pte.ClearFlags(FlagPresent)
}
