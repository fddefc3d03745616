package vmm

import (
	"kernmm/kernel"
	"kernmm/kernel/mm"
)

// activePageTable is the only ActivePageTable instance. It is handed out by
// ActiveTable.
var activePageTable = ActivePageTable{Mapper: Mapper{p4: activeP4()}}

// ActivePageTable is the page table hierarchy currently loaded in CR3. It
// embeds a Mapper that edits the hierarchy through the recursive mapping.
type ActivePageTable struct {
	Mapper
}

// ActiveTable returns the active page table.
func ActiveTable() *ActivePageTable {
	return &activePageTable
}

// With temporarily redirects the recursive P4 entry of the active table to
// the P4 frame of inactive and invokes fn with a Mapper whose edits land in
// the inactive hierarchy. The active P4 frame remains reachable through tmp
// so that the recursive entry can be restored once fn returns, even if fn
// fails. The error returned by fn is passed through to the caller.
func (apt *ActivePageTable) With(inactive *InactivePageTable, tmp *TemporaryPage, fn func(*Mapper) *kernel.Error) *kernel.Error {
	activeFrame := mm.FrameFromAddress(activePDTFn())

	activeTable, err := tmp.MapToFrameAsTable(activeFrame, apt)
	if err != nil {
		return err
	}

	apt.p4.entry(recursiveEntry).Set(inactive.p4Frame, FlagPresent|FlagRW)
	flushTLBFn()

	err = fn(&apt.Mapper)

	activeTable.entry(recursiveEntry).Set(activeFrame, FlagPresent|FlagRW)
	flushTLBFn()

	if unmapErr := tmp.Unmap(apt); err == nil {
		err = unmapErr
	}

	return err
}

// Switch loads the P4 frame of next into CR3 and returns the previously
// active hierarchy as an InactivePageTable.
func (apt *ActivePageTable) Switch(next InactivePageTable) InactivePageTable {
	prev := InactivePageTable{p4Frame: mm.FrameFromAddress(activePDTFn())}
	switchPDTFn(next.p4Frame.Address())
	return prev
}

// InactivePageTable is a page table hierarchy that is not loaded in CR3. It
// can only be edited through ActivePageTable.With.
type InactivePageTable struct {
	p4Frame mm.Frame
}

// Init turns frame into an empty P4 table whose last entry points back to
// itself. The frame is accessed through tmp.
func (ipt *InactivePageTable) Init(frame mm.Frame, active *ActivePageTable, tmp *TemporaryPage) *kernel.Error {
	table, err := tmp.MapToFrameAsTable(frame, active)
	if err != nil {
		return err
	}

	table.Clear()
	table.entry(recursiveEntry).Set(frame, FlagPresent|FlagRW)

	if err = tmp.Unmap(active); err != nil {
		return err
	}

	ipt.p4Frame = frame
	return nil
}

// Frame returns the physical frame holding the P4 table.
func (ipt InactivePageTable) Frame() mm.Frame {
	return ipt.p4Frame
}
