package vmm

import (
	"kernmm/kernel/mm"
	"math"
)

const (
	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry. For this particular architecture,
	// bits 12-51 contain the physical memory address.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// tempMappingAddr is a reserved virtual page address used for
	// temporary physical page mappings (e.g. when initializing or
	// patching page tables that are not reachable through the active
	// hierarchy). For amd64 this address uses the following table
	// indices: 510, 511, 511, 511.
	tempMappingAddr = uintptr(0xffffff7ffffff000)

	// recursiveEntry is the P4 entry that points back to the P4 itself.
	recursiveEntry = mm.EntriesPerTable - 1
)

var (
	// pdtVirtualAddr is a special virtual address that exploits the
	// recursive mapping used in the last P4 entry to allow accessing the
	// P4 table using the system's MMU address translation mechanism. By
	// setting all page level bits to 1 the MMU keeps following the last
	// P4 entry for all page levels landing on the P4.
	pdtVirtualAddr = uintptr(math.MaxUint64 &^ ((1 << 12) - 1))
)

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set on a P3 entry mapping a 1G page or on a P2 entry
	// mapping a 2M page. It must be clear in P4 entries.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when the swapping page tables by updating the CR3 register.
	FlagGlobal

	// FlagNoExecute if set, indicates that a page contains non-executable code.
	FlagNoExecute PageTableEntryFlag = 1 << 63
)
