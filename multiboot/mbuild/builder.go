// Package mbuild assembles multiboot2 information blocks in host memory. The
// blocks it produces have the same layout as the ones handed over by a
// multiboot2 compliant boot loader so they can be parsed by the multiboot
// package outside of a real boot environment.
package mbuild

import (
	"encoding/binary"
	"unsafe"

	"kernmm/multiboot"
)

// Tag type identifiers from the multiboot2 specification.
const (
	tagEnd             = 0
	tagBootCmdLine     = 1
	tagMemoryMap       = 6
	tagFramebufferInfo = 8
	tagElfSymbols      = 9

	mmapEntrySize   = 24
	elfSectionSize  = 64
	elfStrtabType   = 3
	tagHeaderLength = 8
)

type elfSection struct {
	name    string
	flags   multiboot.ElfSectionFlag
	address uintptr
	size    uint64
}

// Builder collects the contents of a multiboot information block. The zero
// value is an empty builder that produces a block with no tags.
type Builder struct {
	regions  []multiboot.MemoryMapEntry
	sections []elfSection
	cmdLine  *string
	fb       *multiboot.FramebufferInfo
}

// AddMemRegion appends a memory map entry.
func (b *Builder) AddMemRegion(addr, length uint64, typ multiboot.MemoryEntryType) *Builder {
	b.regions = append(b.regions, multiboot.MemoryMapEntry{PhysAddress: addr, Length: length, Type: typ})
	return b
}

// AddElfSection appends a kernel ELF section header.
func (b *Builder) AddElfSection(name string, flags multiboot.ElfSectionFlag, addr uintptr, size uint64) *Builder {
	b.sections = append(b.sections, elfSection{name: name, flags: flags, address: addr, size: size})
	return b
}

// SetCmdLine sets the boot command line.
func (b *Builder) SetCmdLine(cmdLine string) *Builder {
	b.cmdLine = &cmdLine
	return b
}

// SetFramebuffer adds a framebuffer info tag.
func (b *Builder) SetFramebuffer(fb multiboot.FramebufferInfo) *Builder {
	b.fb = &fb
	return b
}

// Block is an assembled information block. The block memory stays valid for
// as long as the Block is reachable.
type Block struct {
	words  []uint64
	strtab []byte
}

// Addr returns the address of the block's first byte.
func (blk *Block) Addr() uintptr {
	return uintptr(unsafe.Pointer(&blk.words[0]))
}

// Info returns a multiboot.Info that parses this block.
func (blk *Block) Info() multiboot.Info {
	var info multiboot.Info
	info.Init(blk.Addr())
	return info
}

// Build assembles the block. Section names are stored in a string table that
// is kept alive by the returned Block.
func (b *Builder) Build() *Block {
	var (
		blk = &Block{}
		out = make([]byte, tagHeaderLength)
		le  = binary.LittleEndian
	)

	if b.cmdLine != nil {
		out = appendTag(out, tagBootCmdLine, append([]byte(*b.cmdLine), 0))
	}

	if len(b.regions) != 0 {
		payload := make([]byte, 8, 8+len(b.regions)*mmapEntrySize)
		le.PutUint32(payload[0:], mmapEntrySize)
		for _, r := range b.regions {
			var entry [mmapEntrySize]byte
			le.PutUint64(entry[0:], r.PhysAddress)
			le.PutUint64(entry[8:], r.Length)
			le.PutUint32(entry[16:], uint32(r.Type))
			payload = append(payload, entry[:]...)
		}
		out = appendTag(out, tagMemoryMap, payload)
	}

	if b.fb != nil {
		payload := make([]byte, 24)
		le.PutUint64(payload[0:], b.fb.PhysAddr)
		le.PutUint32(payload[8:], b.fb.Pitch)
		le.PutUint32(payload[12:], b.fb.Width)
		le.PutUint32(payload[16:], b.fb.Height)
		payload[20] = b.fb.Bpp
		payload[21] = uint8(b.fb.Type)
		out = appendTag(out, tagFramebufferInfo, payload)
	}

	if len(b.sections) != 0 {
		// index 0 is the mandatory null section; the string table goes last
		blk.strtab = []byte{0}
		nameIndex := make([]uint32, len(b.sections))
		for i, sec := range b.sections {
			nameIndex[i] = uint32(len(blk.strtab))
			blk.strtab = append(blk.strtab, sec.name...)
			blk.strtab = append(blk.strtab, 0)
		}
		strtabName := uint32(len(blk.strtab))
		blk.strtab = append(blk.strtab, ".shstrtab"...)
		blk.strtab = append(blk.strtab, 0)

		numSections := uint32(len(b.sections) + 2)
		payload := make([]byte, 12, 12+int(numSections)*elfSectionSize)
		le.PutUint32(payload[0:], numSections)
		le.PutUint32(payload[4:], elfSectionSize)
		le.PutUint32(payload[8:], numSections-1)

		payload = append(payload, make([]byte, elfSectionSize)...)
		for i, sec := range b.sections {
			payload = appendSection(payload, nameIndex[i], 1, uint64(sec.flags), uint64(sec.address), sec.size)
		}
		strtabAddr := uint64(uintptr(unsafe.Pointer(&blk.strtab[0])))
		payload = appendSection(payload, strtabName, elfStrtabType, 0, strtabAddr, uint64(len(blk.strtab)))

		out = appendTag(out, tagElfSymbols, payload)
	}

	out = appendTag(out, tagEnd, nil)
	le.PutUint32(out[0:], uint32(len(out)))

	blk.words = make([]uint64, len(out)/8)
	copy(unsafe.Slice((*byte)(unsafe.Pointer(&blk.words[0])), len(out)), out)
	return blk
}

func appendTag(out []byte, tagType uint32, payload []byte) []byte {
	var hdr [tagHeaderLength]byte
	binary.LittleEndian.PutUint32(hdr[0:], tagType)
	binary.LittleEndian.PutUint32(hdr[4:], uint32(tagHeaderLength+len(payload)))

	out = append(out, hdr[:]...)
	out = append(out, payload...)
	for len(out)%8 != 0 {
		out = append(out, 0)
	}
	return out
}

func appendSection(out []byte, nameIndex, secType uint32, flags, addr, size uint64) []byte {
	var sec [elfSectionSize]byte
	le := binary.LittleEndian
	le.PutUint32(sec[0:], nameIndex)
	le.PutUint32(sec[4:], secType)
	le.PutUint64(sec[8:], flags)
	le.PutUint64(sec[16:], addr)
	le.PutUint64(sec[32:], size)
	return append(out, sec[:]...)
}
