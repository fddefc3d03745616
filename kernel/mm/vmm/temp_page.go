package vmm

import (
	"kernmm/kernel"
	"kernmm/kernel/mm"
)

// tempPagePoolSize is the number of frames needed to create the P3, P2 and
// P1 tables for a single page.
const tempPagePoolSize = 3

var (
	errPoolExhausted = &kernel.Error{Module: "vmm", Message: "temporary page frame pool exhausted"}
	errPoolFull      = &kernel.Error{Module: "vmm", Message: "temporary page frame pool is full"}
)

// framePool is a fixed-capacity frame allocator that holds the frames needed
// to map a temporary page.
type framePool struct {
	frames [tempPagePoolSize]mm.Frame
}

// init fills the pool with frames obtained from alloc.
func (p *framePool) init(alloc mm.FrameAllocator) *kernel.Error {
	for i := range p.frames {
		frame, err := alloc.AllocFrame()
		if err != nil {
			return err
		}
		p.frames[i] = frame
	}

	return nil
}

// AllocFrame hands out the first frame still held by the pool.
func (p *framePool) AllocFrame() (mm.Frame, *kernel.Error) {
	for i, frame := range p.frames {
		if frame.Valid() {
			p.frames[i] = mm.InvalidFrame
			return frame, nil
		}
	}

	return mm.InvalidFrame, errPoolExhausted
}

// FreeFrame returns a frame to the first empty pool slot. It is the only way
// a frame is ever handed back in this package: unmapping the temporary page
// keeps its tables, so the pool frames stay in use once the page has been
// mapped.
func (p *framePool) FreeFrame(frame mm.Frame) *kernel.Error {
	for i := range p.frames {
		if !p.frames[i].Valid() {
			p.frames[i] = frame
			return nil
		}
	}

	return errPoolFull
}

// TemporaryPage reserves a virtual page that can be pointed to arbitrary
// physical frames. It is used for editing page tables that are not reachable
// through the active recursive mapping. The intermediate tables needed to
// map the page come from a private pool of frames so that mapping it never
// touches the caller's allocator.
type TemporaryPage struct {
	page mm.Page
	pool framePool
}

// Init reserves page for temporary mappings and fills the private frame pool
// from alloc.
func (tp *TemporaryPage) Init(page mm.Page, alloc mm.FrameAllocator) *kernel.Error {
	tp.page = page
	return tp.pool.init(alloc)
}

// Page returns the virtual page used for temporary mappings.
func (tp *TemporaryPage) Page() mm.Page { return tp.page }

// MapToFrame maps the temporary page to frame with RW access in the active
// table and returns its virtual address.
func (tp *TemporaryPage) MapToFrame(frame mm.Frame, active *ActivePageTable) (uintptr, *kernel.Error) {
	if err := active.MapTo(tp.page, frame, FlagRW, &tp.pool); err != nil {
		return 0, err
	}

	return tp.page.Address(), nil
}

// MapToFrameAsTable maps the temporary page to frame and returns a handle that
// treats the frame contents as a P4 table. The handle is detached: it gives
// access to the table entries only.
func (tp *TemporaryPage) MapToFrameAsTable(frame mm.Frame, active *ActivePageTable) (Table, *kernel.Error) {
	addr, err := tp.MapToFrame(frame, active)
	if err != nil {
		return Table{}, err
	}

	return Table{level: LevelP4, addr: addr, detached: true}, nil
}

// Unmap removes the temporary mapping from the active table.
func (tp *TemporaryPage) Unmap(active *ActivePageTable) *kernel.Error {
	return active.Unmap(tp.page)
}
