package vmm

import (
	"kernmm/kernel"
	"kernmm/kernel/kfmt"
	"kernmm/kernel/mm"
	"kernmm/multiboot"
	"unsafe"
)

var (
	// visitElfSectionsFn is used by tests to observe the section walk.
	visitElfSectionsFn = func(info BootInfo, visitor multiboot.ElfSectionVisitor) bool {
		return info.VisitElfSections(visitor)
	}

	// tempPage is the temporary page used while building the kernel page
	// table.
	tempPage TemporaryPage

	errSectionNotPageAligned = &kernel.Error{Module: "vmm", Message: "kernel sections need to be page aligned"}
	errMissingElfSections    = &kernel.Error{Module: "vmm", Message: "boot information does not contain ELF sections"}
)

// BootInfo describes the boot information needed to remap the kernel: the
// ELF sections of the kernel image and the physical extent of the boot
// information block.
type BootInfo interface {
	VisitElfSections(multiboot.ElfSectionVisitor) bool
	Region() (uintptr, uintptr)
}

// Config controls the diagnostics printed by RemapKernel.
type Config struct {
	// Verbose enables one line per mapped kernel section.
	Verbose bool
}

// ConfigFromCmdLine builds a Config from the boot command line. Section
// diagnostics are enabled unless vmm.verbose=0 is specified.
func ConfigFromCmdLine(info multiboot.Info) Config {
	cfg := Config{Verbose: true}
	if v, ok := info.CmdLineOption("vmm.verbose"); ok && v == "0" {
		cfg.Verbose = false
	}
	return cfg
}

// RemapKernel builds a new page table that identity-maps each allocated
// kernel ELF section with flags matching the section attributes, the VGA
// text buffer page at consoleFbAddr and the boot information block. It then
// activates the new table and unmaps the page backing the old P4 table so
// that it serves as a guard page below the kernel stack.
func RemapKernel(alloc mm.FrameAllocator, info BootInfo, consoleFbAddr uintptr, cfg Config) *kernel.Error {
	if !visitElfSectionsFn(info, func(string, multiboot.ElfSectionFlag, uintptr, uint64) {}) {
		return errMissingElfSections
	}

	active := ActiveTable()
	if err := tempPage.Init(mm.PageFromAddress(tempMappingAddr), alloc); err != nil {
		return err
	}

	p4Frame, err := alloc.AllocFrame()
	if err != nil {
		return err
	}

	var kernelTable InactivePageTable
	if err = kernelTable.Init(p4Frame, active, &tempPage); err != nil {
		return err
	}

	err = active.With(&kernelTable, &tempPage, func(mapper *Mapper) *kernel.Error {
		return mapKernel(mapper, alloc, info, consoleFbAddr, cfg)
	})
	if err != nil {
		return err
	}

	oldTable := active.Switch(kernelTable)
	kfmt.Printf("[vmm] switched to new page table (P4 at 0x%x)\n", p4Frame.Address())

	// The old P4 frame is part of the kernel bss and is now identity mapped
	// by the new table.
	guardAddr := oldTable.Frame().Address()
	if err = active.Unmap(mm.PageFromAddress(guardAddr)); err != nil {
		return err
	}
	kfmt.Printf("[vmm] guard page installed at 0x%x\n", guardAddr)

	return nil
}

// mapKernel populates the page table reachable through mapper.
func mapKernel(mapper *Mapper, alloc mm.FrameAllocator, info BootInfo, consoleFbAddr uintptr, cfg Config) *kernel.Error {
	var err *kernel.Error

	visitor := func(secName string, secFlags multiboot.ElfSectionFlag, secAddress uintptr, secSize uint64) {
		// Bail out if we have encountered an error or the section is not
		// loaded in memory
		if err != nil || (secFlags&multiboot.ElfSectionAllocated) == 0 {
			return
		}

		if secAddress&(mm.PageSize-1) != 0 {
			kfmt.Printf("[vmm] section %s at 0x%x is not page aligned\n", secName, secAddress)
			err = errSectionNotPageAligned
			return
		}

		flags := FlagPresent
		if (secFlags & multiboot.ElfSectionExecutable) == 0 {
			flags |= FlagNoExecute
		}
		if (secFlags & multiboot.ElfSectionWritable) != 0 {
			flags |= FlagRW
		}

		if cfg.Verbose {
			kfmt.Printf("[vmm] mapping section %s addr=0x%x size=%d flags=0x%x\n", secName, secAddress, secSize, uintptr(flags))
		}

		err = mapper.IdentityMapRegion(mm.FrameFromAddress(secAddress), uintptr(secSize), flags, alloc)
	}

	// Use the noEscape hack to prevent the compiler from leaking the visitor
	// function literal to the heap.
	visitElfSectionsFn(info, *(*multiboot.ElfSectionVisitor)(noEscape(unsafe.Pointer(&visitor))))
	if err != nil {
		return err
	}

	if err = mapper.IdentityMap(mm.FrameFromAddress(consoleFbAddr), FlagPresent|FlagRW, alloc); err != nil {
		return err
	}

	infoStart, infoEnd := info.Region()
	infoFrame := mm.FrameFromAddress(infoStart)
	return mapper.IdentityMapRegion(infoFrame, infoEnd-infoFrame.Address(), FlagPresent, alloc)
}
