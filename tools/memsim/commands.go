package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/google/subcommands"
	log "github.com/sirupsen/logrus"
)

// common holds the flags and plumbing shared by all commands.
type common struct {
	scenario string
	format   string

	// stdout receives command output; console receives kernel console
	// output. Both default to the process outputs.
	stdout  io.Writer
	console io.Writer
}

func (c *common) setFlags(f *flag.FlagSet) {
	f.StringVar(&c.scenario, "scenario", "", "path to the TOML scenario file.")
	f.StringVar(&c.format, "format", "table", "output format (table, yaml).")
}

// open loads the scenario and boots a simulator. The returned function must
// be called once the simulator is no longer needed.
func (c *common) open() (*Sim, func(), error) {
	if c.scenario == "" {
		return nil, nil, fmt.Errorf("missing -scenario")
	}

	if c.format != "table" && c.format != "yaml" {
		return nil, nil, fmt.Errorf("unsupported output format %q", c.format)
	}

	sc, err := LoadScenario(c.scenario)
	if err != nil {
		return nil, nil, fmt.Errorf("load scenario %q: %w", c.scenario, err)
	}

	console := c.console
	closeConsole := func() {}
	if console == nil {
		pw := log.WithField("src", "kernel").WriterLevel(log.InfoLevel)
		console, closeConsole = pw, func() { _ = pw.Close() }
	}

	sim, err := NewSim(sc, console)
	if err != nil {
		closeConsole()
		return nil, nil, err
	}

	log.WithField("scenario", c.scenario).Debug("machine booted")
	return sim, func() { sim.Close(); closeConsole() }, nil
}

func (c *common) out() io.Writer {
	if c.stdout == nil {
		return os.Stdout
	}
	return c.stdout
}

func (c *common) writeLayout(l Layout) error {
	if c.format == "yaml" {
		return l.WriteYAML(c.out())
	}
	return l.WriteTable(c.out())
}

func failure(err error, msg string) subcommands.ExitStatus {
	log.WithError(err).Error(msg)
	return subcommands.ExitFailure
}

// remapCmd implements subcommands.Command for the "remap" command.
type remapCmd struct {
	common
}

// Name implements subcommands.Command.Name.
func (*remapCmd) Name() string { return "remap" }

// Synopsis implements subcommands.Command.Synopsis.
func (*remapCmd) Synopsis() string {
	return "remap the kernel and print the resulting page table layout."
}

// Usage implements subcommands.Command.Usage.
func (*remapCmd) Usage() string {
	return `remap -scenario <file> [-format table|yaml] - boot the scenario, remap the kernel and print the new layout.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *remapCmd) SetFlags(f *flag.FlagSet) { c.setFlags(f) }

// Execute implements subcommands.Command.Execute.
func (c *remapCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	sim, done, err := c.open()
	if err != nil {
		return failure(err, "remap")
	}
	defer done()

	frames, err := sim.Remap()
	if err != nil {
		return failure(err, "remap")
	}

	log.WithFields(log.Fields{
		"frames":  frames,
		"cr3":     fmt.Sprintf("0x%x", sim.Machine().ActivePDT()),
		"flushes": sim.Machine().Stats.TLBFlushes,
	}).Info("kernel remapped")

	if err = c.writeLayout(CollectLayout(sim.Machine())); err != nil {
		return failure(err, "write layout")
	}
	return subcommands.ExitSuccess
}

// layoutCmd implements subcommands.Command for the "layout" command.
type layoutCmd struct {
	common
}

// Name implements subcommands.Command.Name.
func (*layoutCmd) Name() string { return "layout" }

// Synopsis implements subcommands.Command.Synopsis.
func (*layoutCmd) Synopsis() string {
	return "print the page table layout set up by the boot loader."
}

// Usage implements subcommands.Command.Usage.
func (*layoutCmd) Usage() string {
	return `layout -scenario <file> [-format table|yaml] - print the loader page table layout.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *layoutCmd) SetFlags(f *flag.FlagSet) { c.setFlags(f) }

// Execute implements subcommands.Command.Execute.
func (c *layoutCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	sim, done, err := c.open()
	if err != nil {
		return failure(err, "layout")
	}
	defer done()

	if err = c.writeLayout(CollectLayout(sim.Machine())); err != nil {
		return failure(err, "write layout")
	}
	return subcommands.ExitSuccess
}

// allocCmd implements subcommands.Command for the "alloc" command.
type allocCmd struct {
	common
	count int
}

// Name implements subcommands.Command.Name.
func (*allocCmd) Name() string { return "alloc" }

// Synopsis implements subcommands.Command.Synopsis.
func (*allocCmd) Synopsis() string {
	return "print the frames handed out by the boot memory allocator."
}

// Usage implements subcommands.Command.Usage.
func (*allocCmd) Usage() string {
	return `alloc -scenario <file> [-n count] - allocate frames and print them in allocation order.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *allocCmd) SetFlags(f *flag.FlagSet) {
	c.setFlags(f)
	f.IntVar(&c.count, "n", 16, "number of frames to allocate; a negative value drains the allocator.")
}

// Execute implements subcommands.Command.Execute.
func (c *allocCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	sim, done, err := c.open()
	if err != nil {
		return failure(err, "alloc")
	}
	defer done()

	frames, err := sim.FrameSequence(c.count)
	if err != nil {
		return failure(err, "alloc")
	}

	addrs := make([]string, len(frames))
	for i, frame := range frames {
		addrs[i] = fmt.Sprintf("0x%x", frame.Address())
	}

	if c.format == "yaml" {
		err = writeYAML(c.out(), map[string]interface{}{"count": len(frames), "frames": addrs})
	} else {
		for _, addr := range addrs {
			fmt.Fprintln(c.out(), addr)
		}
		_, err = fmt.Fprintf(c.out(), "allocated %d frames\n", len(frames))
	}

	if err != nil {
		return failure(err, "write frames")
	}
	return subcommands.ExitSuccess
}

// translateCmd implements subcommands.Command for the "translate" command.
type translateCmd struct {
	common
	remap bool
}

// Name implements subcommands.Command.Name.
func (*translateCmd) Name() string { return "translate" }

// Synopsis implements subcommands.Command.Synopsis.
func (*translateCmd) Synopsis() string {
	return "translate virtual addresses through the active page table."
}

// Usage implements subcommands.Command.Usage.
func (*translateCmd) Usage() string {
	return `translate -scenario <file> [-remap] <addr>... - translate each address and print the physical address.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *translateCmd) SetFlags(f *flag.FlagSet) {
	c.setFlags(f)
	f.BoolVar(&c.remap, "remap", true, "remap the kernel before translating.")
}

// Execute implements subcommands.Command.Execute.
func (c *translateCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	addrs := make([]uintptr, f.NArg())
	for i, arg := range f.Args() {
		v, err := strconv.ParseUint(arg, 0, 64)
		if err != nil {
			log.WithError(err).Errorf("invalid address %q", arg)
			return subcommands.ExitUsageError
		}
		addrs[i] = uintptr(v)
	}

	sim, done, err := c.open()
	if err != nil {
		return failure(err, "translate")
	}
	defer done()

	if c.remap {
		if _, err = sim.Remap(); err != nil {
			return failure(err, "translate")
		}
	}

	results := make([]Translation, 0, len(addrs))
	for _, addr := range addrs {
		res, err := sim.Translate(addr)
		if err != nil {
			return failure(err, "translate")
		}
		results = append(results, res)
	}

	if c.format == "yaml" {
		err = writeYAML(c.out(), results)
	} else {
		for _, res := range results {
			if res.Error != "" {
				fmt.Fprintf(c.out(), "0x%x: %s\n", res.VirtAddr, res.Error)
				continue
			}
			fmt.Fprintf(c.out(), "0x%x -> 0x%x\n", res.VirtAddr, res.PhysAddr)
		}
	}

	if err != nil {
		return failure(err, "write translations")
	}
	return subcommands.ExitSuccess
}
