// Package multiboot parses the multiboot2 information block that the boot
// loader passes to the kernel.
package multiboot

import "unsafe"

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
	tagVbeInfo
	tagFramebufferInfo
	tagElfSymbols
	tagApmTable
)

// infoHeader describes the multiboot info block header.
type infoHeader struct {
	// Total size of the info block including this header.
	totalSize uint32

	// Always set to zero; reserved for future use
	reserved uint32
}

// tagHeader describes the header that precedes each tag.
type tagHeader struct {
	tagType tagType

	// The size of the tag including the header but *not* including any
	// padding. Each tag starts at an 8-byte aligned address.
	size uint32
}

// mmapHeader describes the header for a memory map specification.
type mmapHeader struct {
	// The size of each entry.
	entrySize uint32

	// The version of the entries that follow.
	entryVersion uint32
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// MemRegionVisitor defines a visitor function that gets invoked by
// VisitMemRegions for each memory region provided by the boot loader. The
// visitor must return true to continue or false to abort the scan.
type MemRegionVisitor func(*MemoryMapEntry) bool

type elfSections struct {
	numSections        uint16
	sectionSize        uint32
	strtabSectionIndex uint32
	sectionData        [0]byte
}

type elfSection64 struct {
	nameIndex   uint32
	sectionType uint32
	flags       uint64
	address     uint64
	offset      uint64
	size        uint64
	link        uint32
	info        uint32
	addrAlign   uint64
	entSize     uint64
}

// ElfSectionFlag defines an OR-able flag associated with an ElfSection.
type ElfSectionFlag uint32

const (
	// ElfSectionWritable marks the section as writable.
	ElfSectionWritable ElfSectionFlag = 1 << iota

	// ElfSectionAllocated means that the section occupies memory when the
	// image is loaded (e.g .bss sections)
	ElfSectionAllocated

	// ElfSectionExecutable marks the section as executable.
	ElfSectionExecutable
)

// ElfSectionVisitor defines a visitor function that gets invoked by
// VisitElfSections for each ELF section that belongs to the loaded kernel
// image.
type ElfSectionVisitor func(name string, flags ElfSectionFlag, address uintptr, size uint64)

// FramebufferType defines the type of the initialized framebuffer.
type FramebufferType uint8

const (
	// FramebufferTypeIndexed specifies a 256-color palette.
	FramebufferTypeIndexed FramebufferType = iota

	// FramebufferTypeRGB specifies direct RGB mode.
	FramebufferTypeRGB

	// FramebufferTypeEGA specifies EGA text mode.
	FramebufferTypeEGA
)

// FramebufferInfo provides information about the initialized framebuffer.
type FramebufferInfo struct {
	// The framebuffer physical address.
	PhysAddr uint64

	// Row pitch in bytes.
	Pitch uint32

	// Width and height in pixels (or characters if Type = FramebufferTypeEGA)
	Width, Height uint32

	// Bits per pixel (non EGA modes only).
	Bpp uint8

	// Framebuffer type.
	Type FramebufferType
}

// Info provides access to a multiboot2 information block. The zero value
// describes a missing block and every lookup on it reports no data.
type Info struct {
	ptr uintptr
}

// Init points the Info at the information block located at ptr.
func (i *Info) Init(ptr uintptr) {
	i.ptr = ptr
}

// Region returns the physical extent [start, end) of the information block.
func (i Info) Region() (uintptr, uintptr) {
	if i.ptr == 0 {
		return 0, 0
	}

	hdr := (*infoHeader)(unsafe.Pointer(i.ptr))
	return i.ptr, i.ptr + uintptr(hdr.totalSize)
}

// VisitMemRegions invokes visitor for each memory region reported by the
// boot loader. It returns false if the block carries no memory map tag.
func (i Info) VisitMemRegions(visitor MemRegionVisitor) bool {
	curPtr, size := i.findTagByType(tagMemoryMap)
	if size == 0 {
		return false
	}

	// curPtr points to the memory map header (2 dwords long)
	ptrMapHeader := (*mmapHeader)(unsafe.Pointer(curPtr))
	endPtr := curPtr + uintptr(size)
	curPtr += 8

	var entry *MemoryMapEntry
	for curPtr < endPtr {
		entry = (*MemoryMapEntry)(unsafe.Pointer(curPtr))

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(entry) {
			break
		}

		curPtr += uintptr(ptrMapHeader.entrySize)
	}

	return true
}

// VisitElfSections invokes visitor for each non-empty ELF section that
// belongs to the loaded kernel image. It returns false if the block carries
// no ELF symbols tag.
func (i Info) VisitElfSections(visitor ElfSectionVisitor) bool {
	curPtr, size := i.findTagByType(tagElfSymbols)
	if size == 0 {
		return false
	}

	var (
		sectionPayload  elfSection64
		ptrElfSections  = (*elfSections)(unsafe.Pointer(curPtr))
		secPtr          = uintptr(unsafe.Pointer(&ptrElfSections.sectionData))
		sizeofSection   = unsafe.Sizeof(sectionPayload)
		strTableSection = (*elfSection64)(unsafe.Pointer(secPtr + uintptr(ptrElfSections.strtabSectionIndex)*sizeofSection))
	)

	for secIndex := uint16(0); secIndex < ptrElfSections.numSections; secIndex, secPtr = secIndex+1, secPtr+sizeofSection {
		secData := (*elfSection64)(unsafe.Pointer(secPtr))
		if secData.size == 0 {
			continue
		}

		// String table entries are C-style NULL-terminated strings
		nameStart := uintptr(strTableSection.address) + uintptr(secData.nameIndex)
		nameEnd := nameStart
		for ; *(*byte)(unsafe.Pointer(nameEnd)) != 0; nameEnd++ {
		}

		secName := unsafe.String((*byte)(unsafe.Pointer(nameStart)), int(nameEnd-nameStart))
		visitor(secName, ElfSectionFlag(secData.flags), uintptr(secData.address), secData.size)
	}

	return true
}

// FramebufferInfo returns information about the framebuffer initialized by
// the boot loader or nil if no framebuffer info is available.
func (i Info) FramebufferInfo() *FramebufferInfo {
	curPtr, size := i.findTagByType(tagFramebufferInfo)
	if size == 0 {
		return nil
	}

	return (*FramebufferInfo)(unsafe.Pointer(curPtr))
}

// CmdLineOption scans the boot command line for a key=value pair and returns
// its value. Options without a value (e.g. "nosmp") report the key itself as
// their value. The scan does not allocate so it can run before the memory
// subsystem is up.
func (i Info) CmdLineOption(key string) (string, bool) {
	curPtr, size := i.findTagByType(tagBootCmdLine)
	if size <= 1 {
		return "", false
	}

	// The command line is a C-style NULL-terminated string
	cmdLine := unsafe.String((*byte)(unsafe.Pointer(curPtr)), int(size-1))
	for start := 0; start < len(cmdLine); {
		for start < len(cmdLine) && cmdLine[start] == ' ' {
			start++
		}

		end := start
		for end < len(cmdLine) && cmdLine[end] != ' ' && cmdLine[end] != 0 {
			end++
		}

		if field := cmdLine[start:end]; len(field) != 0 {
			name, value := field, field
			for sep := 0; sep < len(field); sep++ {
				if field[sep] == '=' {
					name, value = field[:sep], field[sep+1:]
					break
				}
			}

			if name == key {
				return value, true
			}
		}

		start = end + 1
	}

	return "", false
}

// findTagByType scans the multiboot info data looking for the start of the
// specified tag type. It returns a pointer to the tag contents and the
// content length excluding the tag header or (0, 0) if the tag is missing.
func (i Info) findTagByType(tagType tagType) (uintptr, uint32) {
	if i.ptr == 0 {
		return 0, 0
	}

	var ptrTagHeader *tagHeader

	curPtr := i.ptr + 8
	for ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)); ptrTagHeader.tagType != tagMbSectionEnd; ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)) {
		if ptrTagHeader.tagType == tagType {
			return curPtr + 8, ptrTagHeader.size - 8
		}

		// Tags are aligned at 8-byte aligned addresses
		curPtr += uintptr(int32(ptrTagHeader.size+7) & ^7)
	}

	return 0, 0
}
