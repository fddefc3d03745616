package vmm

import (
	"kernmm/kernel"
	"kernmm/kernel/cpu"
	"kernmm/kernel/mm"
	"unsafe"
)

var (
	// activePDTFn is used by tests to override calls to activePDT which
	// will cause a fault if called in user-mode.
	activePDTFn = cpu.ActivePDT

	// switchPDTFn is used by tests to override calls to switchPDT which
	// will cause a fault if called in user-mode.
	switchPDTFn = cpu.SwitchPDT

	// flushTLBEntryFn is used by tests to override calls to flushTLBEntry
	// which will cause a fault if called in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// flushTLBFn is used by tests to override calls to flushTLB which
	// will cause a fault if called in user-mode.
	flushTLBFn = cpu.FlushTLB

	// ptePtrFn returns a pointer to the supplied virtual address. Page
	// table accesses go through this hook so tests can run the table
	// code against a model of the MMU.
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(entryAddr)
	}

	// ErrInvalidMapping is returned when trying to lookup or unmap a
	// virtual address that is not mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	errNoHugePageSupport  = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
	errMisalignedHugePage = &kernel.Error{Module: "vmm", Message: "huge page frame is not aligned to the page size"}
	errLeafTable          = &kernel.Error{Module: "vmm", Message: "P1 entries do not point to page tables"}
	errDetachedTable      = &kernel.Error{Module: "vmm", Message: "child tables of a temporarily mapped table are not addressable"}
)

// Hooks groups the hardware primitives used by this package. Page tables can
// only be edited through the MMU; installing a set of hooks backed by an MMU
// model allows the package to run unmodified on the host.
type Hooks struct {
	ActivePDT     func() uintptr
	SwitchPDT     func(uintptr)
	FlushTLBEntry func(uintptr)
	FlushTLB      func()
	PtrTo         func(uintptr) unsafe.Pointer
}

// SetHooks installs the non-nil primitives in h and returns a function that
// restores the previous set.
func SetHooks(h Hooks) (restore func()) {
	origActivePDT, origSwitchPDT := activePDTFn, switchPDTFn
	origFlushEntry, origFlush, origPtr := flushTLBEntryFn, flushTLBFn, ptePtrFn

	if h.ActivePDT != nil {
		activePDTFn = h.ActivePDT
	}
	if h.SwitchPDT != nil {
		switchPDTFn = h.SwitchPDT
	}
	if h.FlushTLBEntry != nil {
		flushTLBEntryFn = h.FlushTLBEntry
	}
	if h.FlushTLB != nil {
		flushTLBFn = h.FlushTLB
	}
	if h.PtrTo != nil {
		ptePtrFn = h.PtrTo
	}

	return func() {
		activePDTFn, switchPDTFn = origActivePDT, origSwitchPDT
		flushTLBEntryFn, flushTLBFn, ptePtrFn = origFlushEntry, origFlush, origPtr
	}
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & (mm.PageSize - 1)
}

// noEscape hides a pointer from escape analysis. This function is copied over
// from runtime/stubs.go
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
