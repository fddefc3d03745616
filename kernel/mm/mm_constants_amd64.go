package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// PageLevels is the number of page table levels used by the MMU.
	PageLevels = 4

	// PageLevelBits is the number of page number bits that index each
	// page table level.
	PageLevelBits = uintptr(9)

	// EntriesPerTable is the number of entries held by a page table at any
	// level. A table occupies exactly one frame.
	EntriesPerTable = uintptr(1 << PageLevelBits)
)
