package scanner

import "time"

// backendHandle is the single live hardware handle a session may own.
// A nil handle means nothing is open. The concrete type always matches the
// session mode that created it.
type backendHandle interface {
	mode() Mode
	activeStream() *Stream[ScanEvent]
}

type legacyHandle struct {
	engine BarcodeEngine
	stream *Stream[ScanEvent]
}

func (*legacyHandle) mode() Mode { return ModeLegacy }
func (h *legacyHandle) activeStream() *Stream[ScanEvent] { return h.stream }

type bleHandle struct {
	reader  UhfReader
	address string
	stream  *Stream[ScanEvent]
}

func (*bleHandle) mode() Mode { return ModeBleRfid }
func (h *bleHandle) activeStream() *Stream[ScanEvent] { return h.stream }

// ScanEvent is one delivery from a running scan. Legacy scans fill Code,
// BLE inventories fill Tag.
type ScanEvent struct {
	Mode Mode      `json:"mode"`
	Code string    `json:"code,omitempty"`
	Tag  *Tag      `json:"tag,omitempty"`
	At   time.Time `json:"at"`
}

type discovery struct {
	stream *Stream[[]Peer]
	cancel func()
}
