// Package emu provides a software model of the amd64 MMU.
//
// A Machine owns a sparse physical memory made of 4K frames, a CR3 register,
// and a TLB. It also implements the hardware page walk, including canonical
// address checks and 1G/2M huge pages. Page table code that relies on the
// recursive P4 mapping can be pointed at a Machine instead of the real CPU
// and will then read and write emulated page tables through ordinary Go
// pointers.
//
// Only translations are modelled. Protection bits (RW, NX, user) are
// reported but never enforced.
package emu

import (
	"fmt"
	"unsafe"

	"kernmm/kernel/mm"
)

// Page table entry bits interpreted by the hardware walker.
const (
	EntryPresent = uint64(1 << 0)
	EntryRW      = uint64(1 << 1)
	EntryHuge    = uint64(1 << 7)
	EntryGlobal  = uint64(1 << 8)

	// EntryAddrMask selects the physical address bits (12-51) of an entry.
	EntryAddrMask = uint64(0x000ffffffffff000)

	entriesPerTable = int(mm.EntriesPerTable)
	hugePage2M      = uintptr(1 << 21)
	hugePage1G      = uintptr(1 << 30)
)

// FrameData is the contents of a physical frame viewed as 512 page table
// entries.
type FrameData [entriesPerTable]uint64

// Fault describes a memory access that the MMU could not translate. Pointer
// raises it with panic, the same way a page fault interrupts the faulting
// instruction.
type Fault struct {
	Addr   uintptr
	Reason string
}

// Error implements the error interface.
func (f *Fault) Error() string {
	return fmt.Sprintf("page fault at 0x%x: %s", f.Addr, f.Reason)
}

// Stats counts MMU events.
type Stats struct {
	PDTSwitches     uint64
	TLBFlushes      uint64
	TLBEntryFlushes uint64
	TLBHits         uint64
	TLBMisses       uint64
}

// Mapping is a translation produced by a hardware walk.
type Mapping struct {
	// PhysAddr is the translated physical address.
	PhysAddr uintptr

	// Size is the size of the page backing the translation (4K, 2M or 1G).
	Size uintptr

	// Flags holds the flag bits of the final entry.
	Flags uint64
}

type tlbEntry struct {
	frame  mm.Frame
	global bool
}

// Machine is an emulated MMU together with the physical memory it
// translates into.
type Machine struct {
	frames      map[mm.Frame]*FrameData
	fillPattern uint64
	cr3         uintptr
	tlb         map[mm.Page]tlbEntry

	// Stats is updated on every MMU operation.
	Stats Stats
}

// New returns a Machine whose frames are filled with fillPattern the first
// time they are touched. A non-zero pattern makes code that forgets to clear
// freshly allocated page tables fail loudly.
func New(fillPattern uint64) *Machine {
	return &Machine{
		frames:      make(map[mm.Frame]*FrameData),
		fillPattern: fillPattern,
		tlb:         make(map[mm.Page]tlbEntry),
	}
}

// Frame returns the contents of a physical frame.
func (m *Machine) Frame(frame mm.Frame) *FrameData {
	data, ok := m.frames[frame]
	if !ok {
		data = new(FrameData)
		if m.fillPattern != 0 {
			for i := range data {
				data[i] = m.fillPattern
			}
		}
		m.frames[frame] = data
	}
	return data
}

// FrameCount returns the number of physical frames that have been touched.
func (m *Machine) FrameCount() int {
	return len(m.frames)
}

// ActivePDT returns the physical address loaded in CR3.
func (m *Machine) ActivePDT() uintptr {
	return m.cr3
}

// SwitchPDT loads CR3 with pdtPhysAddr and drops all non-global TLB entries.
func (m *Machine) SwitchPDT(pdtPhysAddr uintptr) {
	m.cr3 = pdtPhysAddr
	m.Stats.PDTSwitches++
	m.dropNonGlobal()
}

// FlushTLB drops all non-global TLB entries.
func (m *Machine) FlushTLB() {
	m.Stats.TLBFlushes++
	m.dropNonGlobal()
}

// FlushTLBEntry drops the TLB entry for the page containing virtAddr.
func (m *Machine) FlushTLBEntry(virtAddr uintptr) {
	m.Stats.TLBEntryFlushes++
	delete(m.tlb, mm.PageFromAddress(virtAddr))
}

func (m *Machine) dropNonGlobal() {
	for page, entry := range m.tlb {
		if !entry.global {
			delete(m.tlb, page)
		}
	}
}

// Pointer translates virtAddr the way a memory access would, consulting the
// TLB first, and returns a pointer to the backing physical memory. The
// address must be 8-byte aligned. Pointer panics with a *Fault if the
// address cannot be translated.
func (m *Machine) Pointer(virtAddr uintptr) unsafe.Pointer {
	if virtAddr&7 != 0 {
		panic(&Fault{Addr: virtAddr, Reason: "unaligned access"})
	}

	page := mm.PageFromAddress(virtAddr)
	entry, hit := m.tlb[page]
	if hit {
		m.Stats.TLBHits++
	} else {
		m.Stats.TLBMisses++

		mapping, err := m.walk(virtAddr)
		if err != nil {
			panic(err)
		}

		entry = tlbEntry{
			frame:  mm.FrameFromAddress(mapping.PhysAddr),
			global: mapping.Flags&EntryGlobal != 0,
		}
		m.tlb[page] = entry
	}

	offset := (virtAddr & (mm.PageSize - 1)) >> mm.PointerShift
	return unsafe.Pointer(&m.Frame(entry.frame)[offset])
}

// Lookup performs a hardware page walk for virtAddr on the page tables
// loaded in CR3, bypassing the TLB.
func (m *Machine) Lookup(virtAddr uintptr) (Mapping, bool) {
	mapping, err := m.walk(virtAddr)
	return mapping, err == nil
}

// Cached returns true if the TLB holds a translation for the page that
// contains virtAddr.
func (m *Machine) Cached(virtAddr uintptr) bool {
	_, ok := m.tlb[mm.PageFromAddress(virtAddr)]
	return ok
}

func (m *Machine) walk(virtAddr uintptr) (Mapping, *Fault) {
	if !canonical(virtAddr) {
		return Mapping{}, &Fault{Addr: virtAddr, Reason: "non-canonical address"}
	}

	var (
		tableAddr = uintptr(uint64(m.cr3) & EntryAddrMask)
		pageSize  = uintptr(1) << (mm.PageShift + mm.PageLevelBits*(mm.PageLevels-1))
		page      = mm.PageFromAddress(virtAddr)
	)

	for level := uint8(0); level < mm.PageLevels; level, pageSize = level+1, pageSize>>mm.PageLevelBits {
		entry := m.Frame(mm.FrameFromAddress(tableAddr))[page.TableIndex(level)]
		if entry&EntryPresent == 0 {
			return Mapping{}, &Fault{Addr: virtAddr, Reason: fmt.Sprintf("entry not present at level %d", level)}
		}

		base := uintptr(entry & EntryAddrMask)
		switch {
		case level == mm.PageLevels-1:
			return Mapping{PhysAddr: base | (virtAddr & (mm.PageSize - 1)), Size: mm.PageSize, Flags: entry &^ EntryAddrMask}, nil
		case entry&EntryHuge != 0:
			if level == 0 {
				return Mapping{}, &Fault{Addr: virtAddr, Reason: "huge page bit set in P4 entry"}
			}
			if base&(pageSize-1) != 0 {
				return Mapping{}, &Fault{Addr: virtAddr, Reason: "misaligned huge page"}
			}
			return Mapping{PhysAddr: base | (virtAddr & (pageSize - 1)), Size: pageSize, Flags: entry &^ EntryAddrMask}, nil
		}

		tableAddr = base
	}

	// unreachable; the leaf level always returns
	return Mapping{}, &Fault{Addr: virtAddr, Reason: "walk did not terminate"}
}

// canonical returns true if bits 48-63 of addr are copies of bit 47.
func canonical(addr uintptr) bool {
	upper := uint64(addr) >> 47
	return upper == 0 || upper == (1<<17)-1
}
