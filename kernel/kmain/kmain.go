package kmain

import (
	"io"

	"kernmm/device/video/console"
	"kernmm/kernel"
	"kernmm/kernel/kfmt"
	"kernmm/kernel/mm/pmm"
	"kernmm/kernel/mm/vmm"
	"kernmm/multiboot"
)

var (
	// bootInfo and vgaConsole are package-level so that handing them out
	// as interfaces does not require a heap allocation.
	bootInfo   multiboot.Info
	vgaConsole console.VgaTextConsole

	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	consoleInitFn = func(columns, rows uint32, fbAddr uintptr) io.Writer {
		vgaConsole.Init(columns, rows, fbAddr)
		return &vgaConsole
	}
	pmmInitFn     = pmm.Init
	remapKernelFn = vmm.RemapKernel
	panicFn       = kfmt.Panic

	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
)

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by the
// bootloader as well as the physical addresses for the kernel start/end.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	bootInfo.Init(multibootInfoPtr)

	// The text framebuffer is identity mapped by the remap so that the
	// console keeps working after the new page table is activated.
	columns, rows, fbAddr := console.TextModeFramebuffer(bootInfo.FramebufferInfo())
	kfmt.SetOutputSink(consoleInitFn(columns, rows, fbAddr))

	alloc, err := pmmInitFn(&bootInfo, kernelStart, kernelEnd, pmm.ConfigFromCmdLine(bootInfo))
	if err != nil {
		panicFn(err)
		return
	}

	if err = remapKernelFn(alloc, &bootInfo, fbAddr, vmm.ConfigFromCmdLine(bootInfo)); err != nil {
		panicFn(err)
		return
	}

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	panicFn(errKmainReturned)
}
