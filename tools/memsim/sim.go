package main

import (
	"errors"
	"fmt"
	"io"

	"kernmm/device/video/console"
	"kernmm/kernel"
	"kernmm/kernel/kfmt"
	"kernmm/kernel/mm"
	"kernmm/kernel/mm/emu"
	"kernmm/kernel/mm/pmm"
	"kernmm/kernel/mm/vmm"
	"kernmm/multiboot"
	"kernmm/multiboot/mbuild"
)

// bootInfo reports the boot information extent configured by the scenario
// instead of the host address of the encoded block.
type bootInfo struct {
	multiboot.Info
	start, end uintptr
}

func (i *bootInfo) Region() (uintptr, uintptr) { return i.start, i.end }

// Sim runs the kernel memory management code against an emulated MMU. The
// vmm package keeps its hardware hooks in package state so only one Sim may
// be live at a time.
type Sim struct {
	sc      *Scenario
	machine *emu.Machine
	block   *mbuild.Block
	info    bootInfo
	restore func()
}

// NewSim boots an emulated machine with the loader page tables described by
// sc and routes kernel console output to kernelOut.
func NewSim(sc *Scenario, kernelOut io.Writer) (*Sim, error) {
	s := &Sim{
		sc:      sc,
		machine: emu.New(sc.FillPattern),
		block:   sc.build(),
	}

	if err := s.machine.BootLoader(sc.layout()); err != nil {
		return nil, err
	}

	s.info = bootInfo{
		Info:  s.block.Info(),
		start: uintptr(sc.BootInfo.Start),
		end:   uintptr(sc.BootInfo.End),
	}

	kfmt.SetOutputSink(kernelOut)
	unhook := vmm.SetHooks(vmm.Hooks{
		ActivePDT:     s.machine.ActivePDT,
		SwitchPDT:     s.machine.SwitchPDT,
		FlushTLBEntry: s.machine.FlushTLBEntry,
		FlushTLB:      s.machine.FlushTLB,
		PtrTo:         s.machine.Pointer,
	})
	s.restore = func() {
		unhook()
		kfmt.SetOutputSink(nil)
	}

	return s, nil
}

// Close detaches the simulator from the kernel packages.
func (s *Sim) Close() {
	s.restore()
}

// Machine returns the emulated machine.
func (s *Sim) Machine() *emu.Machine { return s.machine }

// run invokes fn and converts emulated page faults into errors.
func (s *Sim) run(fn func() *kernel.Error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			fault, ok := r.(*emu.Fault)
			if !ok {
				panic(r)
			}
			err = fault
		}
	}()

	if kerr := fn(); kerr != nil {
		return kerr
	}
	return nil
}

// Allocator sets up the boot memory allocator.
func (s *Sim) Allocator() (*pmm.BootMemAllocator, error) {
	var alloc *pmm.BootMemAllocator
	err := s.run(func() (kerr *kernel.Error) {
		alloc, kerr = pmm.Init(&s.info, uintptr(s.sc.KernelStart), uintptr(s.sc.KernelEnd), pmm.ConfigFromCmdLine(s.info.Info))
		return kerr
	})
	return alloc, err
}

// Remap sets up the boot memory allocator and remaps the kernel. It returns
// the number of frames consumed.
func (s *Sim) Remap() (uint64, error) {
	alloc, err := s.Allocator()
	if err != nil {
		return 0, fmt.Errorf("init allocator: %w", err)
	}

	_, _, fbAddr := console.TextModeFramebuffer(s.info.FramebufferInfo())
	err = s.run(func() *kernel.Error {
		return vmm.RemapKernel(alloc, &s.info, fbAddr, vmm.ConfigFromCmdLine(s.info.Info))
	})
	if err != nil {
		return alloc.AllocCount(), fmt.Errorf("remap kernel: %w", err)
	}

	return alloc.AllocCount(), nil
}

// Translation is the result of translating a virtual address.
type Translation struct {
	VirtAddr uint64 `yaml:"virt"`
	PhysAddr uint64 `yaml:"phys,omitempty"`
	Error    string `yaml:"error,omitempty"`
}

var errTranslationMismatch = errors.New("page table walk disagrees with the MMU")

// Translate resolves virtAddr through the active page table using the
// kernel's software walk and cross-checks the result with the MMU.
func (s *Sim) Translate(virtAddr uintptr) (Translation, error) {
	res := Translation{VirtAddr: uint64(virtAddr)}

	var (
		phys uintptr
		kerr *kernel.Error
	)
	if err := s.run(func() *kernel.Error {
		phys, kerr = vmm.ActiveTable().Translate(virtAddr)
		return nil
	}); err != nil {
		return res, err
	}

	mapping, mapped := s.machine.Lookup(virtAddr)
	switch {
	case kerr != nil && !mapped:
		res.Error = kerr.Message
	case kerr == nil && mapped && mapping.PhysAddr == phys:
		res.PhysAddr = uint64(phys)
	default:
		return res, fmt.Errorf("0x%x: %w", virtAddr, errTranslationMismatch)
	}

	return res, nil
}

// FrameSequence drains up to limit frames from a fresh boot allocator. A
// negative limit drains the allocator.
func (s *Sim) FrameSequence(limit int) ([]mm.Frame, error) {
	alloc, err := s.Allocator()
	if err != nil {
		return nil, err
	}

	var frames []mm.Frame
	for limit < 0 || len(frames) < limit {
		frame, kerr := alloc.AllocFrame()
		if kerr != nil {
			break
		}
		frames = append(frames, frame)
	}

	return frames, nil
}
