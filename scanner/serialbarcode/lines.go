package serialbarcode

import "strings"

// maxLineSize caps a single decode. A version 40 QR code holds about 7 KB.
const maxLineSize = 8192

const (
	stx = 0x02
	etx = 0x03
)

// lineAssembler splits the engine's byte stream into decoded values.
// Values are terminated by CR, LF or both. Values longer than maxLineSize
// are discarded up to the next terminator.
type lineAssembler struct {
	buf        []byte
	overflowed bool
}

// Feed consumes a chunk of serial input and returns every value it completes.
func (a *lineAssembler) Feed(chunk []byte) (lines []string, overflowed bool) {
	for _, b := range chunk {
		if b == '\n' || b == '\r' {
			if a.overflowed {
				a.overflowed = false
				a.buf = a.buf[:0]
				continue
			}
			if line := cleanLine(a.buf); line != "" {
				lines = append(lines, line)
			}
			a.buf = a.buf[:0]
			continue
		}

		if a.overflowed {
			continue
		}
		if len(a.buf) >= maxLineSize {
			a.buf = a.buf[:0]
			a.overflowed = true
			overflowed = true
			continue
		}
		a.buf = append(a.buf, b)
	}
	return lines, overflowed
}

// cleanLine strips whitespace and the STX/ETX framing some POS-configured
// engines add around each value.
func cleanLine(raw []byte) string {
	line := strings.TrimSpace(string(raw))
	line = strings.TrimPrefix(line, string(rune(stx)))
	line = strings.TrimSuffix(line, string(rune(etx)))
	return strings.TrimSpace(line)
}
