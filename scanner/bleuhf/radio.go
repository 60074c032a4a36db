// Package bleuhf talks to a UHF RFID reader over Bluetooth LE using a
// Nordic-UART style service: one characteristic carries commands to the
// reader, a second notifies replies and tag reports.
package bleuhf

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"tinygo.org/x/bluetooth"
)

const DefaultScanTimeout = 10 * time.Second

// ErrNoAdapter means the host has no usable Bluetooth adapter.
var ErrNoAdapter = errors.New("no bluetooth adapter provided")

// Radio owns the host adapter. The adapter can run one scan at a time, so
// address resolution and peer discovery take turns through the scan slot.
type Radio struct {
	adapter *bluetooth.Adapter
	log     zerolog.Logger

	enableOnce sync.Once
	enableErr  error

	scanSlot chan struct{}
}

// NewRadio wraps adapter. A nil adapter selects bluetooth.DefaultAdapter.
func NewRadio(adapter *bluetooth.Adapter) *Radio {
	if adapter == nil {
		adapter = bluetooth.DefaultAdapter
	}
	return &Radio{
		adapter:  adapter,
		log:      log.With().Str("component", "ble").Logger(),
		scanSlot: make(chan struct{}, 1),
	}
}

// Enable powers the adapter on. Later calls return the first result.
func (r *Radio) Enable() error {
	if r == nil || r.adapter == nil {
		return ErrNoAdapter
	}
	r.enableOnce.Do(func() {
		r.enableErr = r.adapter.Enable()
		if r.enableErr != nil {
			r.log.Error().Err(r.enableErr).Msg("failed to enable bluetooth adapter")
		}
	})
	return r.enableErr
}

func (r *Radio) acquireScan(ctx context.Context) error {
	select {
	case r.scanSlot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Radio) releaseScan() {
	<-r.scanSlot
}

// scan runs an adapter scan until ctx is done or onResult returns false.
// It holds the scan slot for the whole run.
func (r *Radio) scan(ctx context.Context, onResult func(bluetooth.ScanResult) bool) error {
	if err := r.Enable(); err != nil {
		return err
	}
	if err := r.acquireScan(ctx); err != nil {
		return err
	}
	return r.scanHeld(ctx, onResult)
}

// scanHeld is scan for a caller that already holds the slot. It releases
// the slot when the scan ends.
func (r *Radio) scanHeld(ctx context.Context, onResult func(bluetooth.ScanResult) bool) error {
	defer r.releaseScan()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			if err := r.adapter.StopScan(); err != nil {
				r.log.Debug().Err(err).Msg("stop scan")
			}
		case <-stop:
		}
	}()

	return r.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !onResult(result) {
			if err := adapter.StopScan(); err != nil {
				r.log.Debug().Err(err).Msg("stop scan")
			}
		}
	})
}

// resolve scans for the device advertising address as its MAC or name.
func (r *Radio) resolve(ctx context.Context, address string) (bluetooth.ScanResult, error) {
	var found *bluetooth.ScanResult
	err := r.scan(ctx, func(result bluetooth.ScanResult) bool {
		if matchAddress(result.Address.String(), result.LocalName(), address) {
			found = &result
			return false
		}
		return true
	})
	if found != nil {
		return *found, nil
	}
	if err == nil {
		err = ctx.Err()
	}
	if err == nil {
		err = errors.New("device not found")
	}
	return bluetooth.ScanResult{}, err
}

func matchAddress(mac, name, want string) bool {
	want = strings.TrimSpace(want)
	if want == "" {
		return false
	}
	if strings.EqualFold(mac, want) {
		return true
	}
	return name != "" && name == want
}
