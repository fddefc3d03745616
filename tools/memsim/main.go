// memsim boots the kernel memory management code against an emulated MMU
// and reports the resulting allocations and page table layout.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	log "github.com/sirupsen/logrus"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(new(remapCmd), "")
	subcommands.Register(new(layoutCmd), "")
	subcommands.Register(new(allocCmd), "")
	subcommands.Register(new(translateCmd), "")

	debug := flag.Bool("debug", false, "enable debug logging.")
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{DisableTimestamp: true})
	if *debug {
		log.SetLevel(log.DebugLevel)
	}

	os.Exit(int(subcommands.Execute(context.Background())))
}
