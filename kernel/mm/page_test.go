package mm

import (
	"kernmm/kernel"
	"testing"
)

func TestFrameMethods(t *testing.T) {
	for frameIndex := uint64(0); frameIndex < 128; frameIndex++ {
		frame := Frame(frameIndex)

		if !frame.Valid() {
			t.Errorf("expected frame %d to be valid", frameIndex)
		}

		if exp, got := uintptr(frameIndex<<PageShift), frame.Address(); got != exp {
			t.Errorf("expected frame (%d, index: %d) call to Address() to return %x; got %x", frame, frameIndex, exp, got)
		}
	}

	invalidFrame := InvalidFrame
	if invalidFrame.Valid() {
		t.Error("expected InvalidFrame.Valid() to return false")
	}
}

func TestFrameFromAddress(t *testing.T) {
	specs := []struct {
		input    uintptr
		expFrame Frame
	}{
		{0, Frame(0)},
		{4095, Frame(0)},
		{4096, Frame(1)},
		{4123, Frame(1)},
		{0xb8000, Frame(0xb8)},
	}

	for specIndex, spec := range specs {
		if got := FrameFromAddress(spec.input); got != spec.expFrame {
			t.Errorf("[spec %d] expected returned frame to be %v; got %v", specIndex, spec.expFrame, got)
		}
	}
}

func TestFrameAllocatorFn(t *testing.T) {
	var allocCalled bool
	var alloc FrameAllocator = FrameAllocatorFn(func() (Frame, *kernel.Error) {
		allocCalled = true
		return FrameFromAddress(0xbadf00), nil
	})

	frame, err := alloc.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}

	if !allocCalled {
		t.Fatal("expected wrapped function to be invoked by AllocFrame")
	}

	if exp := Frame(0xbad); frame != exp {
		t.Fatalf("expected allocated frame to be %d; got %d", exp, frame)
	}
}

func TestPageMethods(t *testing.T) {
	for pageIndex := uint64(0); pageIndex < 128; pageIndex++ {
		page := Page(pageIndex)

		if exp, got := uintptr(pageIndex<<PageShift), page.Address(); got != exp {
			t.Errorf("expected page (%d, index: %d) call to Address() to return %x; got %x", page, pageIndex, exp, got)
		}
	}
}

func TestPageFromAddress(t *testing.T) {
	specs := []struct {
		input   uintptr
		expPage Page
	}{
		{0, Page(0)},
		{4095, Page(0)},
		{4096, Page(1)},
		{4123, Page(1)},
	}

	for specIndex, spec := range specs {
		if got := PageFromAddress(spec.input); got != spec.expPage {
			t.Errorf("[spec %d] expected returned page to be %v; got %v", specIndex, spec.expPage, got)
		}
	}
}

func TestPageTableIndex(t *testing.T) {
	specs := []struct {
		virtAddr   uintptr
		expIndices [PageLevels]uintptr
	}{
		{0, [PageLevels]uintptr{0, 0, 0, 0}},
		{0x123, [PageLevels]uintptr{0, 0, 0, 0}},
		{0xb8000, [PageLevels]uintptr{0, 0, 0, 0xb8}},
		{0x40201000, [PageLevels]uintptr{0, 1, 1, 1}},
		{0xffffff7ffffff000, [PageLevels]uintptr{510, 511, 511, 511}},
		{0xfffffffffffff000, [PageLevels]uintptr{511, 511, 511, 511}},
		{0x00007fffffffffff, [PageLevels]uintptr{255, 511, 511, 511}},
	}

	for specIndex, spec := range specs {
		page := PageFromAddress(spec.virtAddr)
		for level := uint8(0); level < PageLevels; level++ {
			if got := page.TableIndex(level); got != spec.expIndices[level] {
				t.Errorf("[spec %d] expected index at level %d to be %d; got %d", specIndex, level, spec.expIndices[level], got)
			}
		}
	}
}
