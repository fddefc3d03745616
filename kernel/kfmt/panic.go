package kfmt

import (
	"kernmm/kernel"
	"kernmm/kernel/cpu"
)

// panicRule frames the panic report so it stands out from earlier output.
const panicRule = "\n-----------------------------------\n"

var (
	// cpuHaltFn is mocked by tests and is automatically inlined by the compiler.
	cpuHaltFn = cpu.Halt

	// errUnattributed carries panic values that do not name a module.
	errUnattributed = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic reports a boot-fatal failure and halts the CPU. Calls to Panic never
// return.
//
// The report names the failing subsystem using the same "[module]" prefix as
// the rest of the kernel output:
//
//	[vmm] unrecoverable error: sections need to be page aligned
//
// A *kernel.Error supplies both the module and the message. Strings and Go
// errors are attributed to the "rt" module. Any other value, nil included,
// only prints the halt banner.
func Panic(e interface{}) {
	if err := panicError(e); err != nil {
		Printf("%s[%s] unrecoverable error: %s\n", panicRule, err.Module, err.Message)
	} else {
		Printf(panicRule)
	}

	Printf("*** kernel panic: system halted ***%s", panicRule)
	cpuHaltFn()
}

// panicError maps a panic value to the error that Panic reports.
func panicError(e interface{}) *kernel.Error {
	switch t := e.(type) {
	case *kernel.Error:
		return t
	case string:
		errUnattributed.Message = t
	case error:
		errUnattributed.Message = t.Error()
	default:
		return nil
	}

	return errUnattributed
}
