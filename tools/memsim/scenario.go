package main

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"kernmm/kernel/mm"
	"kernmm/kernel/mm/emu"
	"kernmm/multiboot"
	"kernmm/multiboot/mbuild"
)

// Scenario describes the machine state handed to the kernel by the boot
// loader: the memory map, the kernel image sections and the page tables set
// up before jumping to the kernel.
type Scenario struct {
	KernelStart uint64 `toml:"kernel_start"`
	KernelEnd   uint64 `toml:"kernel_end"`
	CmdLine     string `toml:"cmdline"`

	// FillPattern is the initial contents of every emulated frame.
	FillPattern uint64 `toml:"fill_pattern"`

	// Framebuffer is reported to the kernel through the multiboot
	// framebuffer tag. The tag is omitted if no type is set.
	Framebuffer struct {
		Addr   uint64 `toml:"addr"`
		Width  uint32 `toml:"width"`
		Height uint32 `toml:"height"`
		Bpp    uint8  `toml:"bpp"`
		Type   string `toml:"type"`
	} `toml:"framebuffer"`

	BootInfo struct {
		Start uint64 `toml:"start"`
		End   uint64 `toml:"end"`
	} `toml:"boot_info"`

	Loader struct {
		P4           uint64 `toml:"p4"`
		P3           uint64 `toml:"p3"`
		P2           uint64 `toml:"p2"`
		IdentitySize uint64 `toml:"identity_size"`
	} `toml:"loader"`

	Regions  []ScenarioRegion  `toml:"region"`
	Sections []ScenarioSection `toml:"section"`
}

// ScenarioRegion is a memory map entry.
type ScenarioRegion struct {
	Addr   uint64 `toml:"addr"`
	Length uint64 `toml:"length"`
	Type   string `toml:"type"`
}

// ScenarioSection is an ELF section of the kernel image.
type ScenarioSection struct {
	Name  string   `toml:"name"`
	Addr  uint64   `toml:"addr"`
	Size  uint64   `toml:"size"`
	Flags []string `toml:"flags"`
}

var (
	regionTypes = map[string]multiboot.MemoryEntryType{
		"available":        multiboot.MemAvailable,
		"reserved":         multiboot.MemReserved,
		"acpi_reclaimable": multiboot.MemAcpiReclaimable,
		"nvs":              multiboot.MemNvs,
	}

	framebufferTypes = map[string]multiboot.FramebufferType{
		"indexed": multiboot.FramebufferTypeIndexed,
		"rgb":     multiboot.FramebufferTypeRGB,
		"ega":     multiboot.FramebufferTypeEGA,
	}

	sectionFlags = map[string]multiboot.ElfSectionFlag{
		"write": multiboot.ElfSectionWritable,
		"alloc": multiboot.ElfSectionAllocated,
		"exec":  multiboot.ElfSectionExecutable,
	}
)

// LoadScenario reads a scenario from a TOML file.
func LoadScenario(path string) (*Scenario, error) {
	var sc Scenario
	if _, err := toml.DecodeFile(path, &sc); err != nil {
		return nil, err
	}
	return &sc, sc.validate()
}

// ParseScenario reads a scenario from TOML data.
func ParseScenario(data string) (*Scenario, error) {
	var sc Scenario
	if _, err := toml.Decode(data, &sc); err != nil {
		return nil, err
	}
	return &sc, sc.validate()
}

func (sc *Scenario) validate() error {
	if sc.KernelEnd < sc.KernelStart {
		return fmt.Errorf("kernel end 0x%x precedes kernel start 0x%x", sc.KernelEnd, sc.KernelStart)
	}

	if sc.BootInfo.End < sc.BootInfo.Start {
		return fmt.Errorf("boot info end 0x%x precedes start 0x%x", sc.BootInfo.End, sc.BootInfo.Start)
	}

	if fb := sc.Framebuffer; fb.Type != "" {
		if _, ok := framebufferTypes[fb.Type]; !ok {
			return fmt.Errorf("framebuffer: unknown type %q", fb.Type)
		}
	}

	for _, r := range sc.Regions {
		if _, ok := regionTypes[r.Type]; !ok {
			return fmt.Errorf("region at 0x%x: unknown type %q", r.Addr, r.Type)
		}
	}

	for _, s := range sc.Sections {
		for _, f := range s.Flags {
			if _, ok := sectionFlags[f]; !ok {
				return fmt.Errorf("section %s: unknown flag %q", s.Name, f)
			}
		}
	}

	return nil
}

// layout returns the loader page table layout.
func (sc *Scenario) layout() emu.LoaderLayout {
	return emu.LoaderLayout{
		P4:           mm.Frame(sc.Loader.P4),
		P3:           mm.Frame(sc.Loader.P3),
		P2:           mm.Frame(sc.Loader.P2),
		IdentitySize: uintptr(sc.Loader.IdentitySize),
	}
}

// build encodes the scenario as a multiboot information block.
func (sc *Scenario) build() *mbuild.Block {
	b := new(mbuild.Builder).SetCmdLine(sc.CmdLine)

	for _, r := range sc.Regions {
		b.AddMemRegion(r.Addr, r.Length, regionTypes[r.Type])
	}

	for _, s := range sc.Sections {
		var flags multiboot.ElfSectionFlag
		for _, f := range s.Flags {
			flags |= sectionFlags[f]
		}
		b.AddElfSection(s.Name, flags, uintptr(s.Addr), s.Size)
	}

	if fb := sc.Framebuffer; fb.Type != "" {
		fbType := framebufferTypes[fb.Type]

		// EGA text cells are two bytes wide and their size is implied
		// by the mode.
		bpp := fb.Bpp
		if fbType == multiboot.FramebufferTypeEGA {
			bpp = 16
		}

		b.SetFramebuffer(multiboot.FramebufferInfo{
			PhysAddr: fb.Addr,
			Pitch:    fb.Width * uint32(bpp) / 8,
			Width:    fb.Width,
			Height:   fb.Height,
			Bpp:      bpp,
			Type:     fbType,
		})
	}

	return b.Build()
}
