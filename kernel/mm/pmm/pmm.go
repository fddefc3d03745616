package pmm

import (
	"kernmm/kernel"
	"kernmm/multiboot"
)

var (
	// bootMemAllocator is the frame allocator used while the kernel boots.
	bootMemAllocator BootMemAllocator

	errMissingMemoryMap = &kernel.Error{Module: "pmm", Message: "boot information does not contain a memory map"}
)

// BootInfo describes the boot information the pmm package needs: the memory
// map and the physical extent of the boot information block itself.
type BootInfo interface {
	MemRegionSource
	Region() (uintptr, uintptr)
}

// Config controls the diagnostics printed by Init.
type Config struct {
	// QuietMemoryMap suppresses the memory map dump.
	QuietMemoryMap bool
}

// ConfigFromCmdLine builds a Config from the boot command line. The option
// memmap=quiet suppresses the memory map dump.
func ConfigFromCmdLine(info multiboot.Info) Config {
	var cfg Config
	if v, ok := info.CmdLineOption("memmap"); ok && v == "quiet" {
		cfg.QuietMemoryMap = true
	}
	return cfg
}

// Init sets up the boot memory allocator so that it excludes the kernel
// image located at [kernelStart, kernelEnd) and the boot information block.
// The returned allocator is the only frame source available during boot.
func Init(info BootInfo, kernelStart, kernelEnd uintptr, cfg Config) (*BootMemAllocator, *kernel.Error) {
	infoStart, infoEnd := info.Region()
	bootMemAllocator.Init(info, kernelStart, kernelEnd, infoStart, infoEnd)

	// Make sure that the memory map is actually there before handing out
	// the allocator.
	if !info.VisitMemRegions(func(_ *multiboot.MemoryMapEntry) bool { return false }) {
		return nil, errMissingMemoryMap
	}

	if !cfg.QuietMemoryMap {
		bootMemAllocator.printMemoryMap()
	}

	return &bootMemAllocator, nil
}
