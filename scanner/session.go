// Package scanner owns the device session that routes scan commands to one of
// two mutually exclusive hardware backends: the built-in 2D barcode engine
// (legacy mode) or an external Bluetooth LE UHF RFID reader.
//
// A Session is an actor. Every command is posted to a single goroutine that
// owns the mode, the backend handle and the pending permission request, so
// initialize, start, stop and disconnect are strictly ordered per session.
// Scan results are delivered through cancellable Streams.
//
// Example:
//
//	sess := scanner.NewSession(scanner.Config{Backends: backends})
//	defer sess.Close()
//	if _, err := sess.Initialize(ctx, ""); err != nil {
//	    return err
//	}
//	stream, _ := sess.StartScan(ctx)
//	for ev := range stream.Events() {
//	    fmt.Println(ev.Code)
//	}
package scanner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultConnectTimeout  = 10 * time.Second
	DefaultDiscoveryWindow = 10 * time.Second
	DefaultScanOnceTimeout = 5 * time.Second
)

// Stream end reasons other than a plain stop.
var (
	ErrStreamPaused   = errors.New("stream paused by host")
	ErrStreamTornDown = errors.New("backend torn down")
)

// Status is a point-in-time snapshot of the session.
type Status struct {
	Mode              Mode   `json:"mode"`
	Connected         bool   `json:"connected"`
	Scanning          bool   `json:"scanning"`
	Discovering       bool   `json:"discovering"`
	Address           string `json:"address,omitempty"`
	PermissionPending bool   `json:"permissionPending"`
	Message           string `json:"message"`
}

// Config holds the collaborators and tunables of a Session.
type Config struct {
	Backends    Backends
	Permissions PermissionService

	// ConnectTimeout bounds backend open and BLE connect calls.
	ConnectTimeout time.Duration

	// StreamBuffer is the per-stream delivery buffer.
	StreamBuffer int

	// OnStatus, if set, is called with a fresh snapshot after every state
	// change. It runs on the session goroutine and must not call back into
	// the session synchronously.
	OnStatus func(Status)

	Logger *zerolog.Logger
}

type pendingAction struct {
	op     string
	action func()
	fail   func(error)
}

type result[T any] struct {
	val T
	err error
}

// Session is the device session actor.
type Session struct {
	cfg Config
	log zerolog.Logger

	cmds      chan func()
	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	// Owned by the run goroutine.
	mode      Mode
	handle    backendHandle
	discovery *discovery
	pending   *pendingAction

	status atomic.Pointer[Status]
}

// NewSession creates a session in ModeUninitialized and starts its goroutine.
func NewSession(cfg Config) *Session {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = DefaultStreamBuffer
	}

	logger := log.With().Str("component", "session").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	s := &Session{
		cfg:     cfg,
		log:     logger,
		cmds:    make(chan func()),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	s.status.Store(&Status{Mode: ModeUninitialized, Message: "Not initialized"})

	go s.run()
	return s
}

func (s *Session) run() {
	defer close(s.stopped)
	for {
		select {
		case fn := <-s.cmds:
			fn()
		case <-s.quit:
			s.teardown()
			if p := s.pending; p != nil {
				s.pending = nil
				p.fail(ErrSessionClosed)
			}
			return
		}
	}
}

// submit hands fn to the session goroutine.
func (s *Session) submit(ctx context.Context, fn func()) error {
	select {
	case s.cmds <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return ErrSessionClosed
	}
}

// post submits fn from a backend callback goroutine without a caller context.
func (s *Session) post(fn func()) {
	go func() {
		if err := s.submit(context.Background(), fn); err != nil {
			s.log.Debug().Err(err).Msg("dropped internal command")
		}
	}()
}

func call[T any](ctx context.Context, s *Session, fn func(reply chan<- result[T])) (T, error) {
	var zero T
	reply := make(chan result[T], 1)
	if err := s.submit(ctx, func() { fn(reply) }); err != nil {
		return zero, err
	}
	select {
	case r := <-reply:
		return r.val, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-s.stopped:
		select {
		case r := <-reply:
			return r.val, r.err
		default:
			return zero, ErrSessionClosed
		}
	}
}

func replyOK[T any](reply chan<- result[T], v T) {
	reply <- result[T]{val: v}
}

func replyErr[T any](reply chan<- result[T], err error) {
	reply <- result[T]{err: err}
}

// Status returns the latest snapshot without waiting on the session goroutine.
func (s *Session) Status() Status {
	return *s.status.Load()
}

// Mode returns the current mode.
func (s *Session) Mode() Mode {
	return s.Status().Mode
}

// Initialize selects the backend from the shape of address and opens it.
// An empty address opens the barcode engine and returns "initialized"; any
// other address connects the BLE reader there, after the permission gate,
// and returns "connected". Any handle already open is torn down before the
// new backend is opened; a BLE initialize leaves it alone until the
// permission gate lets the connect through. While a permission prompt is
// pending every initialize is rejected with ErrPermissionPending.
func (s *Session) Initialize(ctx context.Context, address string) (string, error) {
	return call(ctx, s, func(reply chan<- result[string]) {
		s.initialize(strings.TrimSpace(address), reply)
	})
}

// StartScan begins a barcode decode stream (legacy) or tag inventory (BLE).
func (s *Session) StartScan(ctx context.Context) (*Stream[ScanEvent], error) {
	return call(ctx, s, s.startScan)
}

// StopScan stops the running scan. In legacy mode it also closes the engine
// and releases the handle; in BLE mode the connection stays open. With
// nothing running it succeeds.
func (s *Session) StopScan(ctx context.Context) (string, error) {
	return call(ctx, s, s.stopScan)
}

// ScanPeers discovers nearby BLE readers for window (DefaultDiscoveryWindow
// when zero), independent of the current mode. It is permission gated.
func (s *Session) ScanPeers(ctx context.Context, window time.Duration) (*Stream[[]Peer], error) {
	if window <= 0 {
		window = DefaultDiscoveryWindow
	}
	return call(ctx, s, func(reply chan<- result[*Stream[[]Peer]]) {
		s.scanPeers(window, reply)
	})
}

// StopPeerScan ends a running discovery early.
func (s *Session) StopPeerScan(ctx context.Context) error {
	_, err := call(ctx, s, func(reply chan<- result[struct{}]) {
		if d := s.discovery; d != nil {
			d.cancel()
		}
		replyOK(reply, struct{}{})
	})
	return err
}

// Disconnect releases the BLE reader. In legacy mode it does nothing.
func (s *Session) Disconnect(ctx context.Context) error {
	_, err := call(ctx, s, s.disconnect)
	return err
}

// GetBatteryLevel queries the BLE reader's battery percentage.
func (s *Session) GetBatteryLevel(ctx context.Context) (int, error) {
	return call(ctx, s, s.batteryLevel)
}

// ScanOnce starts a scan, returns the first event, then halts the scan
// without releasing the backend.
func (s *Session) ScanOnce(ctx context.Context, timeout time.Duration) (ScanEvent, error) {
	if timeout <= 0 {
		timeout = DefaultScanOnceTimeout
	}
	stream, err := s.StartScan(ctx)
	if err != nil {
		return ScanEvent{}, err
	}
	defer s.halt(context.Background(), stream.ID())

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev, open := <-stream.Events():
		if !open {
			if err := stream.Err(); err != nil {
				return ScanEvent{}, err
			}
			return ScanEvent{}, newError(ErrCodeBackend, "scan", "scan ended before a value was read")
		}
		return ev, nil
	case <-timer.C:
		return ScanEvent{}, NewTimeoutError("scan", nil)
	case <-ctx.Done():
		return ScanEvent{}, ctx.Err()
	}
}

// OnPermissionResult feeds the platform's permission answer to the gate.
// If every permission was granted the deferred action runs; otherwise its
// caller fails with ErrPermissionDenied.
func (s *Session) OnPermissionResult(r PermissionResult) {
	s.post(func() { s.onPermissionResult(r) })
}

// Pause handles the host going to the background: a running BLE inventory
// is stopped, the connection and mode are kept. The inventory must be
// restarted explicitly.
func (s *Session) Pause(ctx context.Context) error {
	_, err := call(ctx, s, func(reply chan<- result[struct{}]) {
		if h, isBle := s.handle.(*bleHandle); isBle && h.stream != nil {
			if err := h.reader.StopInventory(); err != nil {
				s.log.Warn().Err(err).Msg("stop inventory on pause failed")
			}
			h.reader.SetInventoryCallback(nil)
			h.stream.finish(ErrStreamPaused)
			h.stream = nil
			s.publishStatus()
		}
		replyOK(reply, struct{}{})
	})
	return err
}

// Teardown releases every hardware handle and ends all streams. The mode is
// kept, so the host can resume and re-initialize or query the session.
func (s *Session) Teardown(ctx context.Context) error {
	_, err := call(ctx, s, func(reply chan<- result[struct{}]) {
		s.teardown()
		replyOK(reply, struct{}{})
	})
	return err
}

// Close tears the session down and stops its goroutine. Further calls fail
// with ErrSessionClosed.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
	})
	<-s.stopped
}

func (s *Session) initialize(address string, reply chan<- result[string]) {
	// The deferred action of a pending prompt would tear down whatever a
	// newer initialize opened, so no initialize runs until it is answered.
	if s.pending != nil {
		replyErr(reply, &ScannerError{Code: ErrCodePermissionPending, Op: "initialize", Message: ErrPermissionPending.Message})
		return
	}

	if ModeForAddress(address) == ModeLegacy {
		s.releaseHandle()
		s.mode = ModeLegacy
		s.publishStatus()
		s.openEngine(reply)
		return
	}

	// The current handle survives until the gate lets the connect through.
	s.withPermissions("initialize",
		func() {
			s.releaseHandle()
			s.mode = ModeBleRfid
			s.publishStatus()
			s.connectReader(address, reply)
		},
		func(err error) { replyErr(reply, err) },
	)
}

func (s *Session) openEngine(reply chan<- result[string]) {
	newEngine := s.cfg.Backends.NewBarcodeEngine
	if newEngine == nil {
		replyErr(reply, NewBackendError("initialize", "barcode engine not available", nil))
		return
	}

	engine, err := newEngine()
	if err != nil {
		replyErr(reply, NewBackendError("initialize", "init failed", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
	defer cancel()

	if err := engine.Open(ctx); err != nil {
		if cerr := engine.Close(); cerr != nil {
			s.log.Debug().Err(cerr).Msg("close after failed open")
		}
		s.handle = nil
		s.publishStatus()
		replyErr(reply, NewBackendError("initialize", "open failed", err))
		return
	}

	s.handle = &legacyHandle{engine: engine}
	s.log.Info().Msg("barcode engine initialized")
	s.publishStatus()
	replyOK(reply, "initialized")
}

func (s *Session) connectReader(address string, reply chan<- result[string]) {
	newReader := s.cfg.Backends.NewUhfReader
	if newReader == nil {
		replyErr(reply, NewBackendError("initialize", "UHF reader not available", nil))
		return
	}

	reader, err := newReader()
	if err != nil {
		replyErr(reply, NewBackendError("initialize", "reader init failed", err))
		return
	}
	reader.SetConnectionStatusCallback(s.readerStatusCallback(reader))

	// The adapter scans for one caller at a time and connect needs a scan.
	if d := s.discovery; d != nil {
		s.log.Debug().Msg("stopping peer discovery for connect")
		d.stream.finish(nil)
		d.cancel()
		s.discovery = nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
	defer cancel()

	s.log.Info().Str("address", address).Msg("connecting to reader")
	if err := reader.Connect(ctx, address); err != nil {
		if derr := reader.Disconnect(); derr != nil {
			s.log.Debug().Err(derr).Msg("disconnect after failed connect")
		}
		s.handle = nil
		s.publishStatus()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			replyErr(reply, NewTimeoutError("initialize", err))
			return
		}
		replyErr(reply, NewBackendError("initialize", "connect failed", err))
		return
	}

	s.handle = &bleHandle{reader: reader, address: address}
	s.log.Info().Str("address", address).Msg("reader connected")
	s.publishStatus()
	replyOK(reply, "connected")
}

// readerStatusCallback drops the handle when the reader reports a link loss
// that the session did not ask for.
func (s *Session) readerStatusCallback(reader UhfReader) func(ConnectionStatus) {
	return func(status ConnectionStatus) {
		s.log.Debug().Stringer("status", status).Msg("reader connection status")
		if status != StatusDisconnected {
			return
		}
		s.post(func() {
			h, isBle := s.handle.(*bleHandle)
			if !isBle || h.reader != reader {
				return
			}
			s.log.Warn().Str("address", h.address).Msg("reader connection lost")
			if h.stream != nil {
				h.stream.finish(ErrNotConnected)
			}
			s.handle = nil
			s.publishStatus()
		})
	}
}

func (s *Session) newScanStream() *Stream[ScanEvent] {
	stream := newStream[ScanEvent](s.cfg.StreamBuffer)
	id := stream.ID()
	stream.onCancel = func() { s.halt(context.Background(), id) }
	return stream
}

func (s *Session) startScan(reply chan<- result[*Stream[ScanEvent]]) {
	switch h := s.handle.(type) {
	case *legacyHandle:
		if h.stream != nil {
			if !h.stream.Closed() {
				replyErr(reply, &ScannerError{Code: ErrCodeAlreadyScanning, Op: "startScan", Message: ErrAlreadyScanning.Message})
				return
			}
			s.haltHandle(h)
		}
		stream := s.newScanStream()
		err := h.engine.StartScan(func(code string) {
			if !stream.send(ScanEvent{Mode: ModeLegacy, Code: code, At: time.Now()}) && !stream.Closed() {
				s.log.Warn().Str("stream", stream.ID()).Msg("scan consumer behind, dropping barcode")
			}
		})
		if err != nil {
			stream.finish(err)
			replyErr(reply, NewBackendError("startScan", "start scan failed", err))
			return
		}
		h.stream = stream
		s.publishStatus()
		replyOK(reply, stream)

	case *bleHandle:
		if h.stream != nil {
			if !h.stream.Closed() {
				replyErr(reply, &ScannerError{Code: ErrCodeAlreadyScanning, Op: "startScan", Message: ErrAlreadyScanning.Message})
				return
			}
			s.haltHandle(h)
		}
		stream := s.newScanStream()
		h.reader.SetInventoryCallback(func(tag Tag) {
			if tag.ReadAt.IsZero() {
				tag.ReadAt = time.Now()
			}
			if !stream.send(ScanEvent{Mode: ModeBleRfid, Tag: &tag, At: tag.ReadAt}) && !stream.Closed() {
				s.log.Warn().Str("stream", stream.ID()).Msg("inventory consumer behind, dropping tag")
			}
		})
		if err := h.reader.StartInventoryTag(); err != nil {
			h.reader.SetInventoryCallback(nil)
			stream.finish(err)
			replyErr(reply, NewBackendError("startScan", "startInventory failed", err))
			return
		}
		h.stream = stream
		s.publishStatus()
		replyOK(reply, stream)

	default:
		if s.mode == ModeBleRfid {
			replyErr(reply, &ScannerError{Code: ErrCodeNotConnected, Op: "startScan", Message: ErrNotConnected.Message})
			return
		}
		replyErr(reply, &ScannerError{Code: ErrCodeNotInitialized, Op: "startScan", Message: ErrNotInitialized.Message})
	}
}

func (s *Session) stopScan(reply chan<- result[string]) {
	switch h := s.handle.(type) {
	case *legacyHandle:
		if h.stream != nil {
			h.stream.finish(nil)
		}
		stopErr := h.engine.StopScan()
		closeErr := h.engine.Close()
		s.handle = nil
		s.publishStatus()
		if err := errors.Join(stopErr, closeErr); err != nil {
			replyErr(reply, NewBackendError("stopScan", "stop failed", err))
			return
		}
		replyOK(reply, "stopped")

	case *bleHandle:
		if h.stream != nil {
			h.stream.finish(nil)
			h.stream = nil
		}
		err := h.reader.StopInventory()
		h.reader.SetInventoryCallback(nil)
		s.publishStatus()
		if err != nil {
			replyErr(reply, NewBackendError("stopScan", "stopInventory failed", err))
			return
		}
		replyOK(reply, "stopped")

	default:
		replyOK(reply, "stopped")
	}
}

// halt stops the stream with the given id without releasing the backend.
func (s *Session) halt(ctx context.Context, streamID string) {
	_, err := call(ctx, s, func(reply chan<- result[struct{}]) {
		if s.handle != nil {
			if st := s.handle.activeStream(); st != nil && st.ID() == streamID {
				s.haltHandle(s.handle)
				s.publishStatus()
			}
		}
		replyOK(reply, struct{}{})
	})
	if err != nil && !errors.Is(err, ErrSessionClosed) {
		s.log.Debug().Err(err).Str("stream", streamID).Msg("halt failed")
	}
}

func (s *Session) haltHandle(handle backendHandle) {
	switch h := handle.(type) {
	case *legacyHandle:
		if err := h.engine.StopScan(); err != nil {
			s.log.Warn().Err(err).Msg("stop scan failed")
		}
		if h.stream != nil {
			h.stream.finish(nil)
			h.stream = nil
		}
	case *bleHandle:
		if err := h.reader.StopInventory(); err != nil {
			s.log.Warn().Err(err).Msg("stop inventory failed")
		}
		h.reader.SetInventoryCallback(nil)
		if h.stream != nil {
			h.stream.finish(nil)
			h.stream = nil
		}
	}
}

func (s *Session) scanPeers(window time.Duration, reply chan<- result[*Stream[[]Peer]]) {
	if s.discovery != nil {
		replyErr(reply, &ScannerError{Code: ErrCodeAlreadyScanning, Op: "scanPeers", Message: "discovery already running"})
		return
	}

	s.withPermissions("scanPeers",
		func() { s.startDiscovery(window, reply) },
		func(err error) { replyErr(reply, err) },
	)
}

func (s *Session) startDiscovery(window time.Duration, reply chan<- result[*Stream[[]Peer]]) {
	peers := s.cfg.Backends.PeerScanner
	if peers == nil {
		replyErr(reply, NewBackendError("scanPeers", "peer discovery not available", nil))
		return
	}
	if s.discovery != nil {
		replyErr(reply, &ScannerError{Code: ErrCodeAlreadyScanning, Op: "scanPeers", Message: "discovery already running"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), window)
	stream := newStream[[]Peer](s.cfg.StreamBuffer)
	stream.onCancel = cancel

	onDone := func(err error) {
		if err != nil {
			s.log.Warn().Err(err).Msg("peer discovery failed")
			stream.finish(NewBackendError("scanPeers", "discovery failed", err))
		}
		cancel()
	}
	err := peers.StartScanDevices(ctx, func(found []Peer) {
		stream.send(append([]Peer(nil), found...))
	}, onDone)
	if err != nil {
		cancel()
		stream.finish(err)
		replyErr(reply, NewBackendError("scanPeers", "scanBle failed", err))
		return
	}

	d := &discovery{stream: stream, cancel: cancel}
	s.discovery = d
	go func() {
		<-ctx.Done()
		stream.finish(nil)
		s.post(func() {
			if s.discovery == d {
				s.discovery = nil
				s.publishStatus()
			}
		})
	}()

	s.log.Info().Dur("window", window).Msg("peer discovery started")
	s.publishStatus()
	replyOK(reply, stream)
}

func (s *Session) disconnect(reply chan<- result[struct{}]) {
	h, isBle := s.handle.(*bleHandle)
	if !isBle {
		replyOK(reply, struct{}{})
		return
	}

	if h.stream != nil {
		h.stream.finish(ErrStreamTornDown)
		h.stream = nil
	}
	err := h.reader.Disconnect()
	s.handle = nil
	s.publishStatus()
	if err != nil {
		replyErr(reply, NewBackendError("disconnect", "disconnect failed", err))
		return
	}
	s.log.Info().Str("address", h.address).Msg("reader disconnected")
	replyOK(reply, struct{}{})
}

func (s *Session) batteryLevel(reply chan<- result[int]) {
	if s.mode != ModeBleRfid {
		replyErr(reply, &ScannerError{Code: ErrCodeUnsupported, Op: "getBatteryLevel", Message: ErrUnsupported.Message})
		return
	}
	h, isBle := s.handle.(*bleHandle)
	if !isBle {
		replyErr(reply, &ScannerError{Code: ErrCodeNotConnected, Op: "getBatteryLevel", Message: ErrNotConnected.Message})
		return
	}

	level, err := h.reader.GetBattery()
	if err != nil {
		replyErr(reply, NewBackendError("getBatteryLevel", "battery failed", err))
		return
	}
	if level < 0 {
		replyErr(reply, newError(ErrCodeBackend, "getBatteryLevel", "reader reported an invalid battery level"))
		return
	}
	replyOK(reply, level)
}

// withPermissions runs action now if the BLE permissions are held, or parks
// it until the platform answers a permission request.
func (s *Session) withPermissions(op string, action func(), onFail func(error)) {
	svc := s.cfg.Permissions
	if svc == nil || !svc.RuntimeGrantsRequired() || hasAll(svc, BLEPermissions) {
		action()
		return
	}

	if s.pending != nil {
		onFail(&ScannerError{Code: ErrCodePermissionPending, Op: op, Message: ErrPermissionPending.Message})
		return
	}

	s.pending = &pendingAction{op: op, action: action, fail: onFail}
	s.log.Info().Str("op", op).Msg("requesting BLE permissions")
	if err := svc.RequestPermissions(PermissionRequestCode, BLEPermissions, s.OnPermissionResult); err != nil {
		s.pending = nil
		onFail(NewBackendError(op, "permission request failed", err))
		return
	}
	s.publishStatus()
}

func (s *Session) onPermissionResult(r PermissionResult) {
	if r.RequestCode != PermissionRequestCode {
		s.log.Debug().Int("requestCode", r.RequestCode).Msg("ignoring unrelated permission result")
		return
	}
	p := s.pending
	s.pending = nil
	if p == nil {
		s.log.Debug().Msg("permission result with nothing pending")
		return
	}
	s.publishStatus()

	if !r.AllGranted() {
		s.log.Warn().Str("op", p.op).Msg("BLE permissions denied")
		p.fail(&ScannerError{Code: ErrCodePermissionDenied, Op: p.op, Message: ErrPermissionDenied.Message})
		return
	}
	p.action()
}

// releaseHandle tears down whatever handle is open before a mode switch.
func (s *Session) releaseHandle() {
	if s.handle == nil {
		return
	}
	s.log.Debug().Stringer("mode", s.handle.mode()).Msg("releasing previous handle")
	s.teardownHandle()
}

func (s *Session) teardownHandle() {
	switch h := s.handle.(type) {
	case *legacyHandle:
		if h.stream != nil {
			h.stream.finish(ErrStreamTornDown)
		}
		if err := h.engine.StopScan(); err != nil {
			s.log.Warn().Err(err).Msg("teardown: stop scan failed")
		}
		if err := h.engine.Close(); err != nil {
			s.log.Warn().Err(err).Msg("teardown: close engine failed")
		}
	case *bleHandle:
		if h.stream != nil {
			h.stream.finish(ErrStreamTornDown)
		}
		h.reader.SetInventoryCallback(nil)
		if err := h.reader.Disconnect(); err != nil {
			s.log.Warn().Err(err).Msg("teardown: disconnect failed")
		}
	}
	s.handle = nil
}

func (s *Session) teardown() {
	s.teardownHandle()
	if d := s.discovery; d != nil {
		d.stream.finish(ErrStreamTornDown)
		d.cancel()
		s.discovery = nil
	}
	s.publishStatus()
}

func (s *Session) publishStatus() {
	st := &Status{
		Mode:              s.mode,
		Discovering:       s.discovery != nil,
		PermissionPending: s.pending != nil,
	}
	switch h := s.handle.(type) {
	case *legacyHandle:
		st.Connected = true
		st.Scanning = h.stream != nil && !h.stream.Closed()
		st.Message = "Barcode engine open"
	case *bleHandle:
		st.Connected = true
		st.Scanning = h.stream != nil && !h.stream.Closed()
		st.Address = h.address
		st.Message = "Connected to " + h.address
	default:
		switch s.mode {
		case ModeBleRfid:
			st.Message = "Reader not connected"
		case ModeLegacy:
			st.Message = "Barcode engine closed"
		default:
			st.Message = "Not initialized"
		}
	}

	prev := s.status.Swap(st)
	if s.cfg.OnStatus != nil && (prev == nil || *prev != *st) {
		s.cfg.OnStatus(*st)
	}
}
