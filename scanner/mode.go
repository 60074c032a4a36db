package scanner

import (
	"fmt"
	"strings"
)

// Mode selects which hardware backend a session drives.
type Mode int

const (
	ModeUninitialized Mode = iota
	ModeLegacy
	ModeBleRfid
)

func (m Mode) String() string {
	switch m {
	case ModeLegacy:
		return "legacy"
	case ModeBleRfid:
		return "bleRfid"
	default:
		return "uninitialized"
	}
}

// MarshalText encodes the mode by name.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText decodes a mode name.
func (m *Mode) UnmarshalText(text []byte) error {
	switch string(text) {
	case "uninitialized", "":
		*m = ModeUninitialized
	case "legacy":
		*m = ModeLegacy
	case "bleRfid":
		*m = ModeBleRfid
	default:
		return fmt.Errorf("unknown mode %q", text)
	}
	return nil
}

// ModeForAddress picks the backend from the shape of an initialize argument:
// an empty address selects the built-in barcode engine, anything else the
// BLE reader at that address.
func ModeForAddress(address string) Mode {
	if strings.TrimSpace(address) == "" {
		return ModeLegacy
	}
	return ModeBleRfid
}
