package pmm

import (
	"kernmm/kernel"
	"kernmm/kernel/kfmt"
	"kernmm/kernel/mm"
	"kernmm/multiboot"
	"unsafe"
)

var (
	errBootAllocOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}
)

// MemRegionSource provides the memory map reported by the boot loader.
// multiboot.Info implements it.
type MemRegionSource interface {
	VisitMemRegions(multiboot.MemRegionVisitor) bool
}

// addrRange is a half-open physical address interval [start, end).
type addrRange struct {
	start, end uintptr
}

// overlapsFrame returns true if any byte of the frame starting at addr falls
// inside the range.
func (r addrRange) overlapsFrame(addr uintptr) bool {
	return r.start < r.end && addr < r.end && addr+mm.PageSize > r.start
}

// BootMemAllocator is the frame allocator used while the kernel boots.
//
// It walks the available memory regions reported by the boot loader with a
// forward-only cursor and hands out every full frame that does not overlap
// the kernel image or the boot information block. Frames are returned in
// strictly increasing address order.
//
// BootMemAllocator is non-reclaiming: it has no way to take frames back and
// every frame it returns stays allocated for the lifetime of the kernel.
type BootMemAllocator struct {
	regions MemRegionSource

	// cursor is the address of the next candidate frame.
	cursor uintptr

	// regionIndex is the position of the current region among the
	// available regions in the order reported by the boot loader.
	regionIndex int
	exhausted   bool

	allocCount uint64

	kernel, bootInfo addrRange
}

// Init sets up the allocator state. The kernel image occupies physical
// addresses [kernelStart, kernelEnd) and the boot information block occupies
// [infoStart, infoEnd); frames overlapping either range are never returned.
func (alloc *BootMemAllocator) Init(regions MemRegionSource, kernelStart, kernelEnd, infoStart, infoEnd uintptr) {
	*alloc = BootMemAllocator{
		regions:  regions,
		kernel:   addrRange{kernelStart, kernelEnd},
		bootInfo: addrRange{infoStart, infoEnd},
	}
}

// AllocCount returns the number of frames handed out so far.
func (alloc *BootMemAllocator) AllocCount() uint64 {
	return alloc.allocCount
}

// AllocFrame reserves the next free frame. It returns errBootAllocOutOfMemory
// once every available region has been consumed.
func (alloc *BootMemAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	if alloc.exhausted {
		return mm.InvalidFrame, errBootAllocOutOfMemory
	}

	var (
		regionStart, regionEnd uintptr
		regionFound, changed   bool
		pageSizeMinus1         = mm.PageSize - 1
	)

	regionStart, regionEnd, regionFound = alloc.region(alloc.regionIndex)

	// Each pass applies at most one correction to the cursor. Region
	// switches and reserved-range skips only move the cursor forward so
	// the loop ends once a pass leaves the cursor untouched.
	for changed = true; changed; {
		changed = false

		if !regionFound {
			alloc.exhausted = true
			return mm.InvalidFrame, errBootAllocOutOfMemory
		}

		// Only full frames count; round the region start up and its
		// end down to a frame boundary.
		firstFrame := (regionStart + pageSizeMinus1) & ^pageSizeMinus1
		lastFrameEnd := regionEnd & ^pageSizeMinus1

		switch {
		case alloc.cursor >= lastFrameEnd || firstFrame >= lastFrameEnd:
			alloc.regionIndex++
			regionStart, regionEnd, regionFound = alloc.region(alloc.regionIndex)
			changed = true
		case alloc.cursor < firstFrame:
			alloc.cursor = firstFrame
			changed = true
		case alloc.kernel.overlapsFrame(alloc.cursor):
			alloc.cursor = (alloc.kernel.end + pageSizeMinus1) & ^pageSizeMinus1
			changed = true
		case alloc.bootInfo.overlapsFrame(alloc.cursor):
			alloc.cursor = (alloc.bootInfo.end + pageSizeMinus1) & ^pageSizeMinus1
			changed = true
		}
	}

	frame := mm.FrameFromAddress(alloc.cursor)
	alloc.cursor += mm.PageSize
	alloc.allocCount++
	return frame, nil
}

// region returns the extent of the index-th available memory region.
func (alloc *BootMemAllocator) region(index int) (uintptr, uintptr, bool) {
	var (
		start, end uintptr
		found      bool
		seen       int
	)

	visitor := func(entry *multiboot.MemoryMapEntry) bool {
		if entry.Type != multiboot.MemAvailable {
			return true
		}

		if seen == index {
			start = uintptr(entry.PhysAddress)
			end = uintptr(entry.PhysAddress + entry.Length)
			found = true
			return false
		}

		seen++
		return true
	}

	// Use the noescape hack to prevent the compiler from leaking the visitor
	// function literal to the heap.
	alloc.regions.VisitMemRegions(
		*(*multiboot.MemRegionVisitor)(noEscape(unsafe.Pointer(&visitor))),
	)

	return start, end, found
}

// printMemoryMap prints out the system memory map reported by the boot
// loader together with the ranges reserved by the allocator.
func (alloc *BootMemAllocator) printMemoryMap() {
	kfmt.Printf("[pmm] system memory map:\n")

	var totalFree mm.Size
	visitor := func(region *multiboot.MemoryMapEntry) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type == multiboot.MemAvailable {
			totalFree += mm.Size(region.Length)
		}
		return true
	}
	alloc.regions.VisitMemRegions(
		*(*multiboot.MemRegionVisitor)(noEscape(unsafe.Pointer(&visitor))),
	)

	kfmt.Printf("[pmm] available memory: %dKb\n", uint64(totalFree/mm.Kb))
	kfmt.Printf("[pmm] kernel loaded at 0x%x - 0x%x\n", alloc.kernel.start, alloc.kernel.end)
	kfmt.Printf("[pmm] boot info at 0x%x - 0x%x\n", alloc.bootInfo.start, alloc.bootInfo.end)
}

// noEscape hides a pointer from escape analysis. This function is copied over
// from runtime/stubs.go
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
