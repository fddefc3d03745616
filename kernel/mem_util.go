package kernel

import "unsafe"

// Memset sets size bytes at the given address to the supplied value. Instead
// of looping over each byte, the first byte is set and then copied onto the
// remaining region using log2(size) copy calls. Page-table frames are always
// page-sized so clearing one costs 12 copies.
func Memset(addr uintptr, value byte, size uintptr) {
	if size == 0 {
		return
	}

	target := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)

	target[0] = value
	for index := uintptr(1); index < size; index *= 2 {
		copy(target[index:], target[:index])
	}
}
