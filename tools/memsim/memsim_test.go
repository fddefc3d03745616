package main

import (
	"bytes"
	"context"
	"flag"
	"io"
	"runtime"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/subcommands"
	"gopkg.in/yaml.v3"

	"kernmm/kernel/mm"
)

const qemuScenario = "testdata/qemu.toml"

func openSim(t *testing.T) (*Sim, *bytes.Buffer) {
	t.Helper()

	sc, err := LoadScenario(qemuScenario)
	if err != nil {
		t.Fatal(err)
	}

	var console bytes.Buffer
	sim, err := NewSim(sc, &console)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sim.Close)

	return sim, &console
}

func TestParseScenario(t *testing.T) {
	specs := []struct {
		data   string
		expErr string
	}{
		{"kernel_start = 0x2000\nkernel_end = 0x1000\n", "precedes kernel start"},
		{"[boot_info]\nstart = 0x2000\nend = 0x1000\n", "boot info end"},
		{"[[region]]\naddr = 0\nlength = 0x1000\ntype = \"bogus\"\n", "unknown type"},
		{"[[section]]\nname = \".text\"\nflags = [\"rwx\"]\n", "unknown flag"},
		{"kernel_start = \"nope\"\n", "kernel_start"},
		{"[framebuffer]\ntype = \"cga\"\n", "framebuffer"},
	}

	for specIndex, spec := range specs {
		_, err := ParseScenario(spec.data)
		if err == nil || !strings.Contains(err.Error(), spec.expErr) {
			t.Errorf("[spec %d] expected error containing %q; got %v", specIndex, spec.expErr, err)
		}
	}

	sc, err := ParseScenario("kernel_end = 0x1000\n")
	if err != nil {
		t.Fatal(err)
	}

	blk := sc.build()
	if fb := blk.Info().FramebufferInfo(); fb != nil {
		t.Fatalf("expected no framebuffer tag when the scenario omits it; got %+v", fb)
	}
	runtime.KeepAlive(blk)
}

func TestLoaderLayout(t *testing.T) {
	sim, _ := openSim(t)

	exp := []Region{
		{VirtStart: 0, VirtEnd: 0x400000, PhysStart: 0, PageSize: 0x200000, Perm: "rwx"},
	}

	layout := CollectLayout(sim.Machine())
	if diff := cmp.Diff(exp, layout.Regions); diff != "" {
		t.Fatalf("loader layout mismatch (-want +got):\n%s", diff)
	}

	if len(layout.Digest) != 16 {
		t.Fatalf("expected a 16 digit digest; got %q", layout.Digest)
	}
}

func TestRemap(t *testing.T) {
	sim, console := openSim(t)
	loaderDigest := CollectLayout(sim.Machine()).Digest

	frames, err := sim.Remap()
	if err != nil {
		t.Fatal(err)
	}

	// 3 temporary page frames, the new P4 and one P3, P2 and P1 table
	if frames != 7 {
		t.Fatalf("expected remap to consume 7 frames; got %d", frames)
	}

	if exp := uintptr(0x3000); sim.Machine().ActivePDT() != exp {
		t.Fatalf("expected CR3 to be 0x%x; got 0x%x", exp, sim.Machine().ActivePDT())
	}

	exp := []Region{
		{VirtStart: 0x9000, VirtEnd: 0xa000, PhysStart: 0x9000, PageSize: 0x1000, Perm: "r-x"},
		{VirtStart: 0xb8000, VirtEnd: 0xb9000, PhysStart: 0xb8000, PageSize: 0x1000, Perm: "rwx"},
		{VirtStart: 0x100000, VirtEnd: 0x102000, PhysStart: 0x100000, PageSize: 0x1000, Perm: "r-x"},
		{VirtStart: 0x102000, VirtEnd: 0x103000, PhysStart: 0x102000, PageSize: 0x1000, Perm: "rw-"},
		{VirtStart: 0x104000, VirtEnd: 0x106000, PhysStart: 0x104000, PageSize: 0x1000, Perm: "rw-"},
		{VirtStart: 0x106000, VirtEnd: 0x107000, PhysStart: 0x106000, PageSize: 0x1000, Perm: "r--"},
	}

	layout := CollectLayout(sim.Machine())
	if diff := cmp.Diff(exp, layout.Regions); diff != "" {
		t.Fatalf("remapped layout mismatch (-want +got):\n%s", diff)
	}

	if layout.Digest == loaderDigest {
		t.Fatal("expected the layout digest to change after remapping")
	}

	if again := CollectLayout(sim.Machine()); again.Digest != layout.Digest {
		t.Fatalf("expected the digest to be stable; got %s and %s", layout.Digest, again.Digest)
	}

	if !strings.Contains(console.String(), "[vmm] guard page installed at 0x103000") {
		t.Fatalf("expected the kernel to report the guard page; console output:\n%s", console.String())
	}
}

func TestTranslate(t *testing.T) {
	sim, _ := openSim(t)

	if _, err := sim.Remap(); err != nil {
		t.Fatal(err)
	}

	specs := []struct {
		virtAddr uintptr
		exp      Translation
	}{
		{0x100123, Translation{VirtAddr: 0x100123, PhysAddr: 0x100123}},
		{0xb8f9f, Translation{VirtAddr: 0xb8f9f, PhysAddr: 0xb8f9f}},
		{0x103000, Translation{VirtAddr: 0x103000, Error: "virtual address does not point to a mapped physical page"}},
		{0x200000, Translation{VirtAddr: 0x200000, Error: "virtual address does not point to a mapped physical page"}},
	}

	for specIndex, spec := range specs {
		got, err := sim.Translate(spec.virtAddr)
		if err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
			continue
		}

		if diff := cmp.Diff(spec.exp, got); diff != "" {
			t.Errorf("[spec %d] translation mismatch (-want +got):\n%s", specIndex, diff)
		}
	}
}

func TestRemapTextFramebuffer(t *testing.T) {
	sc, err := LoadScenario(qemuScenario)
	if err != nil {
		t.Fatal(err)
	}
	sc.Framebuffer.Addr = 0xb0000
	sc.Framebuffer.Height = 50

	sim, err := NewSim(sc, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	defer sim.Close()

	if _, err = sim.Remap(); err != nil {
		t.Fatal(err)
	}

	specs := []struct {
		virtAddr uintptr
		exp      Translation
	}{
		{0xb0010, Translation{VirtAddr: 0xb0010, PhysAddr: 0xb0010}},
		{0xb8000, Translation{VirtAddr: 0xb8000, Error: "virtual address does not point to a mapped physical page"}},
	}

	for specIndex, spec := range specs {
		got, err := sim.Translate(spec.virtAddr)
		if err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
			continue
		}

		if diff := cmp.Diff(spec.exp, got); diff != "" {
			t.Errorf("[spec %d] translation mismatch (-want +got):\n%s", specIndex, diff)
		}
	}
}

func TestFrameSequence(t *testing.T) {
	sim, _ := openSim(t)

	frames, err := sim.FrameSequence(12)
	if err != nil {
		t.Fatal(err)
	}

	// Frame 9 holds the boot information
	exp := []mm.Frame{0, 1, 2, 3, 4, 5, 6, 7, 8, 10, 11, 12}
	if diff := cmp.Diff(exp, frames); diff != "" {
		t.Fatalf("frame sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestCommands(t *testing.T) {
	run := func(t *testing.T, cmd subcommands.Command, args ...string) subcommands.ExitStatus {
		t.Helper()

		fs := flag.NewFlagSet(cmd.Name(), flag.ContinueOnError)
		cmd.SetFlags(fs)
		if err := fs.Parse(args); err != nil {
			t.Fatal(err)
		}

		return cmd.Execute(context.Background(), fs)
	}

	t.Run("remap yaml", func(t *testing.T) {
		var stdout, console bytes.Buffer
		cmd := &remapCmd{common: common{stdout: &stdout, console: &console}}

		if status := run(t, cmd, "-scenario", qemuScenario, "-format", "yaml"); status != subcommands.ExitSuccess {
			t.Fatalf("expected exit status %d; got %d", subcommands.ExitSuccess, status)
		}

		var got Layout
		if err := yaml.Unmarshal(stdout.Bytes(), &got); err != nil {
			t.Fatal(err)
		}

		if len(got.Regions) != 6 || got.Regions[0].VirtStart != 0x9000 {
			t.Fatalf("unexpected layout:\n%s", stdout.String())
		}
	})

	t.Run("translate", func(t *testing.T) {
		var stdout, console bytes.Buffer
		cmd := &translateCmd{common: common{stdout: &stdout, console: &console}}

		if status := run(t, cmd, "-scenario", qemuScenario, "0x100123", "0x103000"); status != subcommands.ExitSuccess {
			t.Fatalf("expected exit status %d; got %d", subcommands.ExitSuccess, status)
		}

		exp := "0x100123 -> 0x100123\n0x103000: virtual address does not point to a mapped physical page\n"
		if got := stdout.String(); got != exp {
			t.Fatalf("expected output:\n%s\ngot:\n%s", exp, got)
		}
	})

	t.Run("alloc", func(t *testing.T) {
		var stdout, console bytes.Buffer
		cmd := &allocCmd{common: common{stdout: &stdout, console: &console}}

		if status := run(t, cmd, "-scenario", qemuScenario, "-n", "2"); status != subcommands.ExitSuccess {
			t.Fatalf("expected exit status %d; got %d", subcommands.ExitSuccess, status)
		}

		if exp, got := "0x0\n0x1000\nallocated 2 frames\n", stdout.String(); got != exp {
			t.Fatalf("expected output:\n%s\ngot:\n%s", exp, got)
		}
	})

	t.Run("errors", func(t *testing.T) {
		var stdout, console bytes.Buffer

		if status := run(t, &layoutCmd{common: common{stdout: &stdout, console: &console}}); status != subcommands.ExitFailure {
			t.Errorf("expected a missing scenario to fail; got %d", status)
		}

		if status := run(t, &layoutCmd{common: common{stdout: &stdout, console: &console}}, "-scenario", qemuScenario, "-format", "xml"); status != subcommands.ExitFailure {
			t.Errorf("expected an unknown format to fail; got %d", status)
		}

		if status := run(t, &translateCmd{common: common{stdout: &stdout, console: &console}}, "-scenario", qemuScenario, "zzz"); status != subcommands.ExitUsageError {
			t.Errorf("expected an invalid address to be a usage error; got %d", status)
		}
	})
}
