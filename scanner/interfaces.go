package scanner

import (
	"context"
	"time"
)

// BarcodeEngine is the built-in 2D imaging decoder.
//
// Open must be called before StartScan. StartScan delivers every decoded
// value to onDecode from whatever goroutine the engine reads on, until
// StopScan or Close is called.
type BarcodeEngine interface {
	Open(ctx context.Context) error
	StartScan(onDecode func(code string)) error
	StopScan() error
	Close() error
}

// ConnectionStatus is reported by a UhfReader whenever its link changes.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Tag is a single inventory read.
type Tag struct {
	EPC     string    `json:"epc"`
	RSSI    float64   `json:"rssi"`
	Antenna int       `json:"antenna,omitempty"`
	ReadAt  time.Time `json:"readAt"`
}

// UhfReader is an external UHF RFID reader reachable over Bluetooth LE.
//
// Callbacks may be invoked from any goroutine. Connect blocks until the
// link is up, the reader refuses, or ctx is done.
type UhfReader interface {
	Connect(ctx context.Context, address string) error
	SetConnectionStatusCallback(cb func(ConnectionStatus))
	SetInventoryCallback(cb func(Tag))
	StartInventoryTag() error
	StopInventory() error
	Disconnect() error
	GetBattery() (int, error)
}

// Peer is a nearby reader found by discovery.
type Peer struct {
	Name string `json:"name"`
	MAC  string `json:"mac"`
}

// PeerScanner discovers nearby BLE readers. StartScanDevices returns once
// discovery is running; onResult receives the full list seen so far every
// time it grows, until ctx is done. onDone is called once when the scan
// ends, with a non-nil error if it failed before ctx was done.
type PeerScanner interface {
	StartScanDevices(ctx context.Context, onResult func([]Peer), onDone func(error)) error
}

// Backends builds fresh hardware handles. A nil factory means the backend
// is not available on this host.
type Backends struct {
	NewBarcodeEngine func() (BarcodeEngine, error)
	NewUhfReader     func() (UhfReader, error)
	PeerScanner      PeerScanner
}
