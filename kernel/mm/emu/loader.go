package emu

import (
	"fmt"

	"kernmm/kernel/mm"
)

// LoaderLayout names the frames used by BootLoader for the page tables it
// builds.
type LoaderLayout struct {
	P4, P3, P2 mm.Frame

	// IdentitySize is the amount of low memory identity-mapped with 2M
	// pages. It is rounded up to a 2M boundary and may not exceed 1G.
	IdentitySize uintptr
}

// BootLoader reproduces the page tables a typical multiboot trampoline sets
// up before jumping to a 64-bit kernel. Low memory is identity-mapped with
// writable 2M pages and the last P4 entry points back to the P4 itself.
// BootLoader then loads CR3 with the new P4.
func (m *Machine) BootLoader(layout LoaderLayout) error {
	size := (layout.IdentitySize + hugePage2M - 1) &^ (hugePage2M - 1)
	if size == 0 || size > hugePage1G {
		return fmt.Errorf("identity map size 0x%x must be in (0, 1G]", layout.IdentitySize)
	}

	if layout.P4 == layout.P3 || layout.P4 == layout.P2 || layout.P3 == layout.P2 {
		return fmt.Errorf("loader tables must use distinct frames; got %d, %d, %d", layout.P4, layout.P3, layout.P2)
	}

	p4, p3, p2 := m.Frame(layout.P4), m.Frame(layout.P3), m.Frame(layout.P2)
	*p4, *p3, *p2 = FrameData{}, FrameData{}, FrameData{}

	p4[0] = uint64(layout.P3.Address()) | EntryPresent | EntryRW
	p4[entriesPerTable-1] = uint64(layout.P4.Address()) | EntryPresent | EntryRW
	p3[0] = uint64(layout.P2.Address()) | EntryPresent | EntryRW
	for i := uintptr(0); i < size/hugePage2M; i++ {
		p2[i] = uint64(i*hugePage2M) | EntryPresent | EntryRW | EntryHuge
	}

	m.SwitchPDT(layout.P4.Address())
	return nil
}

// MappingVisitor is invoked by VisitMappings for every present leaf entry.
type MappingVisitor func(virtAddr uintptr, mapping Mapping)

// VisitMappings walks the page tables loaded in CR3 and reports every
// present leaf, huge pages included, in ascending virtual address order.
// Table entries that point back to the P4 frame are treated as the recursive
// slot and skipped.
func (m *Machine) VisitMappings(visitor MappingVisitor) {
	root := mm.FrameFromAddress(uintptr(uint64(m.cr3) & EntryAddrMask))
	m.visitTable(root, root, 0, 0, visitor)
}

func (m *Machine) visitTable(root, table mm.Frame, level uint8, virtBase uintptr, visitor MappingVisitor) {
	shift := mm.PageShift + mm.PageLevelBits*uintptr(mm.PageLevels-1-level)
	data := m.Frame(table)

	for i := 0; i < entriesPerTable; i++ {
		entry := data[i]
		if entry&EntryPresent == 0 {
			continue
		}

		virtAddr := virtBase | uintptr(i)<<shift
		if level == 0 && virtAddr&(1<<47) != 0 {
			// sign-extend upper half addresses
			virtAddr |= uintptr(0xffff) << 48
		}

		base := uintptr(entry & EntryAddrMask)
		switch {
		case level != mm.PageLevels-1 && mm.FrameFromAddress(base) == root:
			continue
		case level == mm.PageLevels-1 || (level != 0 && entry&EntryHuge != 0):
			visitor(virtAddr, Mapping{PhysAddr: base, Size: uintptr(1) << shift, Flags: entry &^ EntryAddrMask})
		default:
			m.visitTable(root, mm.FrameFromAddress(base), level+1, virtAddr, visitor)
		}
	}
}
