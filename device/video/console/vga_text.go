package console

import (
	"unsafe"

	"kernmm/multiboot"
)

const (
	// VgaTextFbAddr is the physical address of the VGA text mode framebuffer.
	VgaTextFbAddr = uintptr(0xb8000)

	// Default dimensions of the VGA text mode (mode 0x3) console.
	VgaTextColumns = 80
	VgaTextRows    = 25

	tabWidth = 4
)

// TextModeFramebuffer returns the geometry and physical address of the text
// framebuffer described by fbInfo. The boot loader reports text mode as an
// EGA framebuffer whose width and height are measured in characters. A nil
// fbInfo or a graphics framebuffer yields the standard 80x25 VGA text buffer.
func TextModeFramebuffer(fbInfo *multiboot.FramebufferInfo) (columns, rows uint32, fbAddr uintptr) {
	if fbInfo == nil || fbInfo.Type != multiboot.FramebufferTypeEGA || fbInfo.Width == 0 || fbInfo.Height == 0 {
		return VgaTextColumns, VgaTextRows, VgaTextFbAddr
	}

	return fbInfo.Width, fbInfo.Height, uintptr(fbInfo.PhysAddr)
}

// VgaTextConsole implements an EGA-compatible 80x25 text console using VGA
// mode 0x3. It is used as the kernel's output sink while booting.
//
// Each character in the console framebuffer is represented using two bytes,
// a byte for the character ASCII code and a byte that encodes the foreground
// and background colors (4 bits for each).
//
// The default settings for the console are:
//   - light gray text (color 7) on black background (color 0).
//   - space as the clear character
//
// Output always lands on the last row; when a line is complete the console
// contents scroll up by one row.
type VgaTextConsole struct {
	width  uint32
	height uint32

	fb []uint16

	fg, bg    uint8
	clearChar uint16

	// column of the next character on the last row (1-based)
	curX uint32
}

// Init sets up the console to use a framebuffer of columns x rows cells at
// fbAddr and clears it. The framebuffer must be accessible at fbAddr.
func (cons *VgaTextConsole) Init(columns, rows uint32, fbAddr uintptr) {
	cons.width = columns
	cons.height = rows
	cons.fb = unsafe.Slice((*uint16)(unsafe.Pointer(fbAddr)), columns*rows)
	cons.clearChar = uint16(' ')
	cons.fg, cons.bg = 7, 0
	cons.curX = 1

	cons.Clear()
}

// Dimensions returns the console width and height in characters.
func (cons *VgaTextConsole) Dimensions() (uint32, uint32) {
	return cons.width, cons.height
}

// SetColors sets the colors used for subsequent writes. Colors outside the
// 16-color EGA palette are ignored.
func (cons *VgaTextConsole) SetColors(fg, bg uint8) {
	if fg < 16 {
		cons.fg = fg
	}
	if bg < 16 {
		cons.bg = bg
	}
}

// Clear fills the console with the clear character and resets the cursor.
func (cons *VgaTextConsole) Clear() {
	cons.Fill(1, 1, cons.width, cons.height)
	cons.curX = 1
}

// Fill sets the contents of the specified rectangular region to the clear
// character using the active colors. Both x and y coordinates are 1-based.
func (cons *VgaTextConsole) Fill(x, y, width, height uint32) {
	var (
		clr                  = cons.attr() | cons.clearChar
		rowOffset, colOffset uint32
	)

	// clip rectangle
	if x == 0 {
		x = 1
	} else if x >= cons.width {
		x = cons.width
	}

	if y == 0 {
		y = 1
	} else if y >= cons.height {
		y = cons.height
	}

	if x+width-1 > cons.width {
		width = cons.width - x + 1
	}

	if y+height-1 > cons.height {
		height = cons.height - y + 1
	}

	rowOffset = ((y - 1) * cons.width) + (x - 1)
	for ; height > 0; height, rowOffset = height-1, rowOffset+cons.width {
		for colOffset = rowOffset; colOffset < rowOffset+width; colOffset++ {
			cons.fb[colOffset] = clr
		}
	}
}

// Scroll moves the console contents up by the specified number of lines. The
// caller is responsible for updating the contents of the region that was
// scrolled.
func (cons *VgaTextConsole) Scroll(lines uint32) {
	if lines == 0 || lines > cons.height {
		return
	}

	offset := lines * cons.width
	for i := uint32(0); i < (cons.height-lines)*cons.width; i++ {
		cons.fb[i] = cons.fb[i+offset]
	}
}

// WriteChar writes a char to the specified location. Both x and y coordinates
// are 1-based.
func (cons *VgaTextConsole) WriteChar(ch byte, x, y uint32) {
	if x < 1 || x > cons.width || y < 1 || y > cons.height {
		return
	}

	cons.fb[((y-1)*cons.width)+(x-1)] = cons.attr() | uint16(ch)
}

// Write implements io.Writer. Newlines start a new row, carriage returns
// move to the start of the current row and tabs advance the cursor to the
// next tab stop. Non-printable characters are rendered as 0xfe.
func (cons *VgaTextConsole) Write(data []byte) (int, error) {
	for _, ch := range data {
		switch ch {
		case '\n':
			cons.newLine()
		case '\r':
			cons.curX = 1
		case '\t':
			for spaces := tabWidth - (cons.curX-1)%tabWidth; spaces > 0; spaces-- {
				cons.writeByte(' ')
			}
		default:
			if ch < 0x20 || ch > 0x7e {
				ch = 0xfe
			}
			cons.writeByte(ch)
		}
	}

	return len(data), nil
}

func (cons *VgaTextConsole) writeByte(ch byte) {
	if cons.curX > cons.width {
		cons.newLine()
	}

	cons.WriteChar(ch, cons.curX, cons.height)
	cons.curX++
}

func (cons *VgaTextConsole) newLine() {
	cons.Scroll(1)
	cons.Fill(1, cons.height, cons.width, 1)
	cons.curX = 1
}

func (cons *VgaTextConsole) attr() uint16 {
	return ((uint16(cons.bg) << 4) | uint16(cons.fg)) << 8
}
