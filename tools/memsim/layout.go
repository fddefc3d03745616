package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/cespare/xxhash/v2"
	"github.com/google/btree"
	"gopkg.in/yaml.v3"

	"kernmm/kernel/mm/emu"
	"kernmm/kernel/mm/vmm"
)

// Region is a run of virtually and physically contiguous pages that share
// the same page size and protection.
type Region struct {
	VirtStart uint64 `yaml:"virt_start"`
	VirtEnd   uint64 `yaml:"virt_end"`
	PhysStart uint64 `yaml:"phys_start"`
	PageSize  uint64 `yaml:"page_size"`
	Perm      string `yaml:"perm"`
}

// Layout is the set of regions mapped by a page table hierarchy.
type Layout struct {
	Regions []Region `yaml:"regions"`
	Digest  string   `yaml:"digest"`
}

func regionLess(a, b Region) bool { return a.VirtStart < b.VirtStart }

// perm renders the protection flags of a mapping as r/w/x.
func perm(flags uint64) string {
	p := []byte("r--")
	if flags&uint64(vmm.FlagRW) != 0 {
		p[1] = 'w'
	}
	if flags&uint64(vmm.FlagNoExecute) == 0 {
		p[2] = 'x'
	}
	if flags&uint64(vmm.FlagGlobal) != 0 {
		p = append(p, 'g')
	}
	return string(p)
}

// CollectLayout walks the page tables loaded in the machine's CR3 and
// coalesces adjacent pages into regions.
func CollectLayout(m *emu.Machine) Layout {
	tree := btree.NewG[Region](2, regionLess)

	m.VisitMappings(func(virtAddr uintptr, mapping emu.Mapping) {
		pageStart := uint64(virtAddr)
		pageEnd := pageStart + uint64(mapping.Size)
		next := Region{
			VirtStart: pageStart,
			VirtEnd:   pageEnd,
			PhysStart: uint64(mapping.PhysAddr),
			PageSize:  uint64(mapping.Size),
			Perm:      perm(mapping.Flags),
		}

		// Extend the closest region if it ends at this page.
		var (
			prev  Region
			found bool
		)
		tree.DescendLessOrEqual(next, func(r Region) bool {
			prev, found = r, true
			return false
		})

		if found && prev.VirtEnd == pageStart && prev.Perm == next.Perm && prev.PageSize == next.PageSize &&
			prev.PhysStart+(prev.VirtEnd-prev.VirtStart) == next.PhysStart {
			tree.Delete(prev)
			next.VirtStart, next.PhysStart = prev.VirtStart, prev.PhysStart
		}
		tree.ReplaceOrInsert(next)
	})

	layout := Layout{Regions: make([]Region, 0, tree.Len())}
	digest := xxhash.New()
	tree.Ascend(func(r Region) bool {
		layout.Regions = append(layout.Regions, r)

		var buf [32]byte
		binary.LittleEndian.PutUint64(buf[0:], r.VirtStart)
		binary.LittleEndian.PutUint64(buf[8:], r.VirtEnd)
		binary.LittleEndian.PutUint64(buf[16:], r.PhysStart)
		binary.LittleEndian.PutUint64(buf[24:], r.PageSize)
		_, _ = digest.Write(buf[:])
		_, _ = digest.WriteString(r.Perm)
		return true
	})
	layout.Digest = fmt.Sprintf("%016x", digest.Sum64())

	return layout
}

// WriteTable prints the layout as an aligned table.
func (l Layout) WriteTable(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "VIRT\tPHYS\tSIZE\tPAGE\tPERM\n")
	for _, r := range l.Regions {
		fmt.Fprintf(tw, "0x%x-0x%x\t0x%x\t0x%x\t0x%x\t%s\n", r.VirtStart, r.VirtEnd, r.PhysStart, r.VirtEnd-r.VirtStart, r.PageSize, r.Perm)
	}
	fmt.Fprintf(tw, "digest: %s\n", l.Digest)
	return tw.Flush()
}

// WriteYAML prints the layout as a YAML document.
func (l Layout) WriteYAML(w io.Writer) error {
	return writeYAML(w, l)
}

func writeYAML(w io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
