package bleuhf

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dotside-studios/davi-scan-agent/scanner"
)

// Frame layout, both directions:
//
//	A5 5A | len(2, BE, whole frame) | cmd | data... | xor | 0D 0A
//
// The checksum is the XOR of every byte from the length field through the
// last data byte.
const (
	header0 = 0xA5
	header1 = 0x5A
	trail0  = 0x0D
	trail1  = 0x0A

	frameOverhead = 8
	maxFrameSize  = 512
)

// Reader commands. Responses echo the command byte with the high bit set.
const (
	CmdStartInventory byte = 0x82
	CmdStopInventory  byte = 0x8C
	CmdGetBattery     byte = 0xE4

	RespStartInventory byte = 0x83
	RespStopInventory  byte = 0x8D
	RespTagReport      byte = 0x97
	RespBattery        byte = 0xE5
)

var (
	errShortFrame  = errors.New("frame too short")
	errBadChecksum = errors.New("frame checksum mismatch")
	errBadTrailer  = errors.New("frame trailer missing")
)

// Frame is one decoded reader message.
type Frame struct {
	Cmd  byte
	Data []byte
}

// EncodeFrame builds a frame for cmd carrying data.
func EncodeFrame(cmd byte, data []byte) []byte {
	total := frameOverhead + len(data)
	buf := make([]byte, 0, total)
	buf = append(buf, header0, header1)
	buf = binary.BigEndian.AppendUint16(buf, uint16(total))
	buf = append(buf, cmd)
	buf = append(buf, data...)
	buf = append(buf, checksum(buf[2:]))
	buf = append(buf, trail0, trail1)
	return buf
}

func checksum(b []byte) byte {
	var x byte
	for _, c := range b {
		x ^= c
	}
	return x
}

// FrameDecoder reassembles frames split across BLE notifications.
type FrameDecoder struct {
	buf []byte
}

// Feed appends a notification payload and returns every complete frame.
// Corrupt frames are skipped and reported through the returned error count.
func (d *FrameDecoder) Feed(chunk []byte) (frames []Frame, corrupt int) {
	d.buf = append(d.buf, chunk...)

	for {
		start := findHeader(d.buf)
		if start < 0 {
			// Keep a trailing A5 in case the 5A is in the next chunk.
			if n := len(d.buf); n > 0 && d.buf[n-1] == header0 {
				d.buf = d.buf[n-1:]
			} else {
				d.buf = d.buf[:0]
			}
			return frames, corrupt
		}
		if start > 0 {
			d.buf = d.buf[start:]
		}
		if len(d.buf) < 4 {
			return frames, corrupt
		}

		total := int(binary.BigEndian.Uint16(d.buf[2:4]))
		if total < frameOverhead || total > maxFrameSize {
			corrupt++
			d.buf = d.buf[2:]
			continue
		}
		if len(d.buf) < total {
			return frames, corrupt
		}

		f, err := parseFrame(d.buf[:total])
		if err != nil {
			corrupt++
			d.buf = d.buf[2:]
			continue
		}
		frames = append(frames, f)
		d.buf = d.buf[total:]
	}
}

// Reset drops any partial frame.
func (d *FrameDecoder) Reset() {
	d.buf = d.buf[:0]
}

func findHeader(b []byte) int {
	for i := 0; i+1 < len(b); i++ {
		if b[i] == header0 && b[i+1] == header1 {
			return i
		}
	}
	return -1
}

func parseFrame(b []byte) (Frame, error) {
	if len(b) < frameOverhead {
		return Frame{}, errShortFrame
	}
	n := len(b)
	if b[n-2] != trail0 || b[n-1] != trail1 {
		return Frame{}, errBadTrailer
	}
	if checksum(b[2:n-3]) != b[n-3] {
		return Frame{}, errBadChecksum
	}
	return Frame{
		Cmd:  b[4],
		Data: append([]byte(nil), b[5:n-3]...),
	}, nil
}

// ParseTagReport decodes a tag report payload:
//
//	PC(2) | EPC(words from PC bits 15..11) | RSSI(2, signed, 0.1 dBm) | antenna(1)
func ParseTagReport(data []byte, at time.Time) (scanner.Tag, error) {
	if len(data) < 2 {
		return scanner.Tag{}, fmt.Errorf("tag report: %w", errShortFrame)
	}
	pc := binary.BigEndian.Uint16(data[0:2])
	epcLen := int(pc>>11) * 2
	if len(data) < 2+epcLen+3 {
		return scanner.Tag{}, fmt.Errorf("tag report: EPC length %d exceeds payload %d", epcLen, len(data))
	}

	epc := data[2 : 2+epcLen]
	rest := data[2+epcLen:]
	rssi := int16(binary.BigEndian.Uint16(rest[0:2]))

	return scanner.Tag{
		EPC:     strings.ToUpper(hex.EncodeToString(epc)),
		RSSI:    float64(rssi) / 10,
		Antenna: int(rest[2]),
		ReadAt:  at,
	}, nil
}

// ParseBattery decodes a battery response payload (one byte, percent).
func ParseBattery(data []byte) (int, error) {
	if len(data) < 1 {
		return 0, fmt.Errorf("battery: %w", errShortFrame)
	}
	level := int(data[0])
	if level > 100 {
		return 0, fmt.Errorf("battery: level %d out of range", level)
	}
	return level, nil
}
