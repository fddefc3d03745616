package kfmt

import (
	"io"
	"unsafe"
)

// maxBufSize defines the buffer size for formatting numbers. It fits a 64-bit
// value printed in base 8 together with its sign and any padding.
const maxBufSize = 32

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")
	digits          = []byte("0123456789abcdef")

	numFmtBuf [maxBufSize]byte

	// singleByte is a shared buffer for passing single characters to
	// doWrite without converting strings into byte slices.
	singleByte [1]byte

	// earlyPrintBuffer captures Printf output until SetOutputSink attaches
	// a real output device.
	earlyPrintBuffer ringBuffer

	// outputSink receives the output of Printf. While nil, output is
	// redirected to earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and replays
// any output accumulated in the early print buffer.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// Printf provides a minimal Printf implementation that is safe to use while
// the memory subsystem is still being set up. It never allocates.
//
// The following subset of verbs is supported:
//
//	%s  string or []byte
//	%d  integer in base 10, left-padded with spaces
//	%x  integer in base 16 (lower case), left-padded with zeroes
//	%o  integer in base 8, left-padded with zeroes
//	%t  bool
//
// An optional decimal width may precede the verb. Pointers (%p) are not
// supported since formatting them requires reflect which makes the compiler
// emit runtime.convT2E calls for the argument slice.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves like Printf but writes its output to w. If w is nil the
// output goes to the early print buffer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		argIndex int
		width    int
		ch       byte
	)

	for i := 0; i < len(format); i++ {
		if ch = format[i]; ch != '%' {
			writeByte(w, ch)
			continue
		}

		width = 0
	verbScan:
		for i++; ; i++ {
			if i == len(format) {
				doWrite(w, errNoVerb)
				break
			}

			switch ch = format[i]; {
			case ch == '%':
				writeByte(w, '%')
				break verbScan
			case ch >= '0' && ch <= '9':
				width = width*10 + int(ch-'0')
			case ch == 'd' || ch == 'x' || ch == 'o' || ch == 's' || ch == 't':
				if argIndex >= len(args) {
					doWrite(w, errMissingArg)
					break verbScan
				}

				switch ch {
				case 'd':
					fmtInt(w, args[argIndex], 10, width)
				case 'x':
					fmtInt(w, args[argIndex], 16, width)
				case 'o':
					fmtInt(w, args[argIndex], 8, width)
				case 's':
					fmtString(w, args[argIndex], width)
				case 't':
					fmtBool(w, args[argIndex])
				}
				argIndex++
				break verbScan
			default:
				doWrite(w, errNoVerb)
				break verbScan
			}
		}
	}

	for ; argIndex < len(args); argIndex++ {
		doWrite(w, errExtraArg)
	}
}

func fmtBool(w io.Writer, v interface{}) {
	b, ok := v.(bool)
	switch {
	case !ok:
		doWrite(w, errWrongArgType)
	case b:
		doWrite(w, trueValue)
	default:
		doWrite(w, falseValue)
	}
}

// fmtString writes a string or []byte value left-padded with spaces to width.
func fmtString(w io.Writer, v interface{}, width int) {
	switch s := v.(type) {
	case string:
		writeRepeat(w, ' ', width-len(s))
		for i := 0; i < len(s); i++ {
			writeByte(w, s[i])
		}
	case []byte:
		writeRepeat(w, ' ', width-len(s))
		doWrite(w, s)
	default:
		doWrite(w, errWrongArgType)
	}
}

// fmtInt writes v in the requested base. All built-in integer types are
// supported; anything else is reported as a wrong argument type.
func fmtInt(w io.Writer, v interface{}, base uint64, width int) {
	var (
		uval uint64
		neg  bool
	)

	switch n := v.(type) {
	case uint8:
		uval = uint64(n)
	case uint16:
		uval = uint64(n)
	case uint32:
		uval = uint64(n)
	case uint64:
		uval = n
	case uint:
		uval = uint64(n)
	case uintptr:
		uval = uint64(n)
	case int8:
		uval, neg = abs(int64(n))
	case int16:
		uval, neg = abs(int64(n))
	case int32:
		uval, neg = abs(int64(n))
	case int64:
		uval, neg = abs(n)
	case int:
		uval, neg = abs(int64(n))
	default:
		doWrite(w, errWrongArgType)
		return
	}

	padCh := byte('0')
	if base == 10 {
		padCh = ' '
	}

	// Digits are generated in reverse order and flipped at the end.
	end := 0
	for {
		numFmtBuf[end] = digits[uval%base]
		end++
		if uval /= base; uval == 0 {
			break
		}
	}

	if neg && padCh == ' ' {
		numFmtBuf[end] = '-'
		end++
	}

	if width > maxBufSize-1 {
		width = maxBufSize - 1
	}
	for ; end < width; end++ {
		numFmtBuf[end] = padCh
	}

	if neg && padCh == '0' {
		numFmtBuf[end] = '-'
		end++
	}

	for l, r := 0, end-1; l < r; l, r = l+1, r-1 {
		numFmtBuf[l], numFmtBuf[r] = numFmtBuf[r], numFmtBuf[l]
	}

	doWrite(w, numFmtBuf[:end])
}

func abs(v int64) (uint64, bool) {
	if v < 0 {
		return uint64(-v), true
	}
	return uint64(v), false
}

func writeRepeat(w io.Writer, ch byte, count int) {
	for ; count > 0; count-- {
		writeByte(w, ch)
	}
}

func writeByte(w io.Writer, ch byte) {
	singleByte[0] = ch
	doWrite(w, singleByte[:])
}

// doWrite uses the runtime.noescape hack to hide p from escape analysis.
// Without it the compiler cannot prove that p does not escape through the
// io.Writer call and flags it as escaping, turning every Printf call into a
// heap allocation.
func doWrite(w io.Writer, p []byte) {
	doRealWrite(w, noEscape(unsafe.Pointer(&p)))
}

func doRealWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		_, _ = w.Write(p)
		return
	}

	_, _ = earlyPrintBuffer.Write(p)
}

// noEscape hides a pointer from escape analysis. This function is copied over
// from runtime/stubs.go
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
