package bleuhf

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"tinygo.org/x/bluetooth"

	"github.com/dotside-studios/davi-scan-agent/scanner"
)

// Nordic UART service, used by most BLE UHF handhelds.
const (
	DefaultServiceUUID = "6E400001-B5A3-F393-E0A9-E50E24DCCA9E"
	DefaultTxUUID      = "6E400002-B5A3-F393-E0A9-E50E24DCCA9E"
	DefaultRxUUID      = "6E400003-B5A3-F393-E0A9-E50E24DCCA9E"

	DefaultReplyTimeout = 3 * time.Second
)

// ErrNotConnected is returned by commands issued without a link.
var ErrNotConnected = errors.New("R6 not connected")

// Config selects the GATT layout of the reader.
type Config struct {
	ServiceUUID string
	TxUUID      string // host -> reader
	RxUUID      string // reader -> host (notify)

	ReplyTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ServiceUUID == "" {
		c.ServiceUUID = DefaultServiceUUID
	}
	if c.TxUUID == "" {
		c.TxUUID = DefaultTxUUID
	}
	if c.RxUUID == "" {
		c.RxUUID = DefaultRxUUID
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = DefaultReplyTimeout
	}
	return c
}

type link struct {
	device  bluetooth.Device
	tx      bluetooth.DeviceCharacteristic
	address string
}

// Reader implements scanner.UhfReader over BLE.
type Reader struct {
	radio *Radio
	cfg   Config
	log   zerolog.Logger

	mu        sync.Mutex
	link      *link
	write     func([]byte) error
	onStatus  func(scanner.ConnectionStatus)
	onTag     func(scanner.Tag)
	replies   map[byte]chan Frame
	decoder   FrameDecoder
	inventory bool
}

var _ scanner.UhfReader = (*Reader)(nil)

// NewReader creates a reader bound to radio.
func NewReader(radio *Radio, cfg Config) *Reader {
	return &Reader{
		radio:   radio,
		cfg:     cfg.withDefaults(),
		log:     radio.log.With().Str("component", "uhf").Logger(),
		replies: make(map[byte]chan Frame),
	}
}

func (r *Reader) SetConnectionStatusCallback(cb func(scanner.ConnectionStatus)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStatus = cb
}

func (r *Reader) SetInventoryCallback(cb func(scanner.Tag)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onTag = cb
}

func (r *Reader) emitStatus(status scanner.ConnectionStatus) {
	r.mu.Lock()
	cb := r.onStatus
	r.mu.Unlock()
	if cb != nil {
		cb(status)
	}
}

// Connect resolves address by scanning, connects, and subscribes to the
// reader's notify characteristic.
func (r *Reader) Connect(ctx context.Context, address string) error {
	r.emitStatus(scanner.StatusConnecting)

	l, err := r.connect(ctx, address)
	if err != nil {
		r.emitStatus(scanner.StatusDisconnected)
		return err
	}

	r.mu.Lock()
	r.link = l
	r.write = func(p []byte) error {
		_, err := l.tx.WriteWithoutResponse(p)
		return err
	}
	r.decoder.Reset()
	r.mu.Unlock()

	r.radio.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected || device.Address.String() != l.device.Address.String() {
			return
		}
		r.linkLost(l)
	})

	r.log.Info().Str("address", address).Msg("reader connected")
	r.emitStatus(scanner.StatusConnected)
	return nil
}

func (r *Reader) connect(ctx context.Context, address string) (*link, error) {
	result, err := r.radio.resolve(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", address, err)
	}

	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := r.radio.adapter.Connect(result.Address, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	var device bluetooth.Device
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		device = res.device
	case <-ctx.Done():
		// A late connect must not leak a link.
		go func() {
			if res := <-ch; res.err == nil {
				_ = res.device.Disconnect()
			}
		}()
		return nil, ctx.Err()
	}

	tx, err := r.subscribe(device)
	if err != nil {
		_ = device.Disconnect()
		return nil, err
	}
	return &link{device: device, tx: tx, address: address}, nil
}

func (r *Reader) subscribe(device bluetooth.Device) (bluetooth.DeviceCharacteristic, error) {
	var none bluetooth.DeviceCharacteristic

	serviceUUID, err := bluetooth.ParseUUID(r.cfg.ServiceUUID)
	if err != nil {
		return none, fmt.Errorf("service uuid: %w", err)
	}
	txUUID, err := bluetooth.ParseUUID(r.cfg.TxUUID)
	if err != nil {
		return none, fmt.Errorf("tx uuid: %w", err)
	}
	rxUUID, err := bluetooth.ParseUUID(r.cfg.RxUUID)
	if err != nil {
		return none, fmt.Errorf("rx uuid: %w", err)
	}

	services, err := device.DiscoverServices([]bluetooth.UUID{serviceUUID})
	if err != nil {
		return none, fmt.Errorf("discover services: %w", err)
	}
	if len(services) == 0 {
		return none, errors.New("reader service not found")
	}

	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{txUUID, rxUUID})
	if err != nil {
		return none, fmt.Errorf("discover characteristics: %w", err)
	}

	var tx, rx *bluetooth.DeviceCharacteristic
	for i := range chars {
		switch chars[i].UUID() {
		case txUUID:
			tx = &chars[i]
		case rxUUID:
			rx = &chars[i]
		}
	}
	if tx == nil || rx == nil {
		return none, errors.New("reader characteristics not found")
	}

	if err := rx.EnableNotifications(r.handleNotify); err != nil {
		return none, fmt.Errorf("enable notifications: %w", err)
	}
	return *tx, nil
}

// handleNotify is called by the BLE stack for every notification.
func (r *Reader) handleNotify(buf []byte) {
	r.mu.Lock()
	frames, corrupt := r.decoder.Feed(buf)
	r.mu.Unlock()

	if corrupt > 0 {
		r.log.Warn().Int("count", corrupt).Msg("dropped corrupt frames")
	}
	for _, f := range frames {
		r.dispatch(f)
	}
}

func (r *Reader) dispatch(f Frame) {
	if f.Cmd == RespTagReport {
		r.mu.Lock()
		cb, running := r.onTag, r.inventory
		r.mu.Unlock()
		if cb == nil || !running {
			return
		}
		tag, err := ParseTagReport(f.Data, time.Now())
		if err != nil {
			r.log.Warn().Err(err).Msg("bad tag report")
			return
		}
		cb(tag)
		return
	}

	r.mu.Lock()
	ch, waiting := r.replies[f.Cmd]
	if waiting {
		delete(r.replies, f.Cmd)
	}
	r.mu.Unlock()

	if !waiting {
		r.log.Debug().Hex("cmd", []byte{f.Cmd}).Msg("unsolicited frame")
		return
	}
	ch <- f
}

// request sends cmd and waits for the frame with reply's command byte.
func (r *Reader) request(cmd, reply byte, data []byte) (Frame, error) {
	ch := make(chan Frame, 1)

	r.mu.Lock()
	write := r.write
	if write == nil {
		r.mu.Unlock()
		return Frame{}, ErrNotConnected
	}
	r.replies[reply] = ch
	r.mu.Unlock()

	cleanup := func() {
		r.mu.Lock()
		if r.replies[reply] == ch {
			delete(r.replies, reply)
		}
		r.mu.Unlock()
	}

	if err := write(EncodeFrame(cmd, data)); err != nil {
		cleanup()
		return Frame{}, err
	}

	timer := time.NewTimer(r.cfg.ReplyTimeout)
	defer timer.Stop()
	select {
	case f, ok := <-ch:
		if !ok {
			return Frame{}, ErrNotConnected
		}
		return f, nil
	case <-timer.C:
		cleanup()
		return Frame{}, fmt.Errorf("no reply to command 0x%02X", cmd)
	}
}

func (r *Reader) StartInventoryTag() error {
	f, err := r.request(CmdStartInventory, RespStartInventory, nil)
	if err != nil {
		return err
	}
	if len(f.Data) > 0 && f.Data[0] != 0x00 {
		return fmt.Errorf("startInventory rejected: status 0x%02X", f.Data[0])
	}

	r.mu.Lock()
	r.inventory = true
	r.mu.Unlock()
	return nil
}

func (r *Reader) StopInventory() error {
	r.mu.Lock()
	running := r.inventory
	r.inventory = false
	r.mu.Unlock()

	if !running {
		return nil
	}
	_, err := r.request(CmdStopInventory, RespStopInventory, nil)
	return err
}

func (r *Reader) GetBattery() (int, error) {
	f, err := r.request(CmdGetBattery, RespBattery, nil)
	if err != nil {
		return 0, err
	}
	return ParseBattery(f.Data)
}

func (r *Reader) Disconnect() error {
	r.mu.Lock()
	l := r.link
	r.link = nil
	r.write = nil
	r.inventory = false
	r.failWaiters()
	r.mu.Unlock()

	if l == nil {
		return nil
	}
	err := l.device.Disconnect()
	r.log.Info().Str("address", l.address).Msg("reader disconnected")
	r.emitStatus(scanner.StatusDisconnected)
	return err
}

func (r *Reader) linkLost(l *link) {
	r.mu.Lock()
	if r.link != l {
		r.mu.Unlock()
		return
	}
	r.link = nil
	r.write = nil
	r.inventory = false
	r.failWaiters()
	r.mu.Unlock()

	r.log.Warn().Str("address", l.address).Msg("reader link lost")
	r.emitStatus(scanner.StatusDisconnected)
}

// failWaiters wakes every pending request with ErrNotConnected. Caller holds mu.
func (r *Reader) failWaiters() {
	for cmd, ch := range r.replies {
		close(ch)
		delete(r.replies, cmd)
	}
}
