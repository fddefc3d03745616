package vmm

import (
	"runtime"
	"testing"
	"unsafe"

	"kernmm/kernel"
	"kernmm/kernel/mm"
	"kernmm/kernel/mm/emu"
)

const (
	// The loader tables live inside the kernel .bss section used by the
	// remap tests.
	loaderP4 = mm.Frame(0x103)
	loaderP3 = mm.Frame(0x104)
	loaderP2 = mm.Frame(0x105)

	fillPattern = uint64(0xdeadbeefdeadbeef)
)

var errTestOutOfFrames = &kernel.Error{Module: "test", Message: "out of frames"}

// emulate boots an emulated MMU with a loader-style page table and routes
// all page table accesses made by this package through it.
func emulate(t *testing.T) *emu.Machine {
	t.Helper()

	if runtime.GOARCH != "amd64" {
		t.Skip("test requires amd64 runtime; skipping")
	}

	m := emu.New(fillPattern)
	if err := m.BootLoader(emu.LoaderLayout{P4: loaderP4, P3: loaderP3, P2: loaderP2, IdentitySize: 4 << 20}); err != nil {
		t.Fatal(err)
	}

	t.Cleanup(SetHooks(Hooks{
		ActivePDT:     m.ActivePDT,
		SwitchPDT:     m.SwitchPDT,
		FlushTLBEntry: m.FlushTLBEntry,
		FlushTLB:      m.FlushTLB,
		PtrTo:         m.Pointer,
	}))

	return m
}

// seqAllocator hands out consecutive frames starting at next.
type seqAllocator struct {
	next, limit mm.Frame
	allocated   []mm.Frame
}

func newSeqAllocator(first mm.Frame, count int) *seqAllocator {
	return &seqAllocator{next: first, limit: first + mm.Frame(count)}
}

func (a *seqAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	if a.next >= a.limit {
		return mm.InvalidFrame, errTestOutOfFrames
	}

	frame := a.next
	a.next++
	a.allocated = append(a.allocated, frame)
	return frame, nil
}

func TestSetHooks(t *testing.T) {
	origPtr := ptePtrFn

	var switched uintptr
	restore := SetHooks(Hooks{SwitchPDT: func(addr uintptr) { switched = addr }})

	switchPDTFn(0x1000)
	if switched != 0x1000 {
		t.Fatalf("expected installed SwitchPDT hook to be called with 0x1000; got 0x%x", switched)
	}

	if exp, got := unsafe.Pointer(uintptr(123)), ptePtrFn(uintptr(123)); exp != got {
		t.Fatalf("expected nil hooks to keep the existing ptePtrFn")
	}

	restore()

	if exp, got := origPtr(uintptr(123)), ptePtrFn(uintptr(123)); exp != got {
		t.Fatal("expected restore to reinstate ptePtrFn")
	}
}

func TestPageOffset(t *testing.T) {
	if exp, got := uintptr(0x123), PageOffset(0xffff800000001123); got != exp {
		t.Fatalf("expected PageOffset to return 0x%x; got 0x%x", exp, got)
	}
}
