package scanner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

const testWait = 2 * time.Second

func newTestSession(t *testing.T, cfg Config) *Session {
	t.Helper()
	logger := zerolog.Nop()
	cfg.Logger = &logger
	sess := NewSession(cfg)
	t.Cleanup(sess.Close)
	return sess
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testWait)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func receive[T any](t *testing.T, stream *Stream[T]) (T, bool) {
	t.Helper()
	select {
	case v, open := <-stream.Events():
		return v, open
	case <-time.After(testWait):
		t.Fatal("Timed out waiting for stream event")
	}
	var zero T
	return zero, false
}

func TestSession_InitializeSelectsMode(t *testing.T) {
	tests := []struct {
		name    string
		address string
		want    Mode
		token   string
	}{
		{"empty address", "", ModeLegacy, "initialized"},
		{"blank address", "   ", ModeLegacy, "initialized"},
		{"mac address", "AA:BB:CC:DD:EE:FF", ModeBleRfid, "connected"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := NewMockBarcodeEngine()
			reader := NewMockUhfReader()
			sess := newTestSession(t, Config{Backends: MockBackends(engine, reader, nil)})

			if got := sess.Mode(); got != ModeUninitialized {
				t.Fatalf("Expected new session to be uninitialized, got %v", got)
			}

			token, err := sess.Initialize(context.Background(), tt.address)
			if err != nil {
				t.Fatalf("Initialize(%q) failed: %v", tt.address, err)
			}
			if token != tt.token {
				t.Errorf("Expected token %q, got %q", tt.token, token)
			}
			if got := sess.Mode(); got != tt.want {
				t.Errorf("Expected mode %v, got %v", tt.want, got)
			}
			if !sess.Status().Connected {
				t.Error("Expected status to report an open handle")
			}
		})
	}
}

func TestSession_ModeOnlyChangesOnInitialize(t *testing.T) {
	engine := NewMockBarcodeEngine()
	reader := NewMockUhfReader()
	sess := newTestSession(t, Config{Backends: MockBackends(engine, reader, nil)})
	ctx := context.Background()

	if _, err := sess.Initialize(ctx, "AA:BB:CC:DD:EE:FF"); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	steps := []struct {
		name string
		run  func() error
	}{
		{"startScan", func() error { _, err := sess.StartScan(ctx); return err }},
		{"stopScan", func() error { _, err := sess.StopScan(ctx); return err }},
		{"getBatteryLevel", func() error { _, err := sess.GetBatteryLevel(ctx); return err }},
		{"disconnect", func() error { return sess.Disconnect(ctx) }},
		{"startScan after disconnect", func() error { _, err := sess.StartScan(ctx); return err }},
		{"pause", func() error { return sess.Pause(ctx) }},
		{"teardown", func() error { return sess.Teardown(ctx) }},
	}

	for _, step := range steps {
		_ = step.run()
		if got := sess.Mode(); got != ModeBleRfid {
			t.Fatalf("Mode changed to %v after %s", got, step.name)
		}
	}

	if _, err := sess.Initialize(ctx, ""); err != nil {
		t.Fatalf("Initialize legacy failed: %v", err)
	}
	if got := sess.Mode(); got != ModeLegacy {
		t.Errorf("Expected legacy mode after re-initialize, got %v", got)
	}
}

func TestSession_InitializeTearsDownPreviousHandle(t *testing.T) {
	engine := NewMockBarcodeEngine()
	reader := NewMockUhfReader()
	sess := newTestSession(t, Config{Backends: MockBackends(engine, reader, nil)})
	ctx := context.Background()

	if _, err := sess.Initialize(ctx, ""); err != nil {
		t.Fatalf("Initialize legacy failed: %v", err)
	}
	if _, err := sess.StartScan(ctx); err != nil {
		t.Fatalf("StartScan failed: %v", err)
	}

	if _, err := sess.Initialize(ctx, "AA:BB:CC:DD:EE:FF"); err != nil {
		t.Fatalf("Initialize BLE failed: %v", err)
	}

	if open, scanning := engine.State(); open || scanning {
		t.Errorf("Expected engine closed after switching mode, open=%v scanning=%v", open, scanning)
	}
	if connected, _ := reader.State(); !connected {
		t.Error("Expected reader connected")
	}

	if _, err := sess.Initialize(ctx, ""); err != nil {
		t.Fatalf("Initialize legacy again failed: %v", err)
	}
	if connected, _ := reader.State(); connected {
		t.Error("Expected reader disconnected after switching back to legacy")
	}
}

func TestSession_InitializeFailureClearsHandle(t *testing.T) {
	t.Run("engine open fails", func(t *testing.T) {
		engine := NewMockBarcodeEngine()
		engine.OpenError = fmt.Errorf("open() returned false")
		sess := newTestSession(t, Config{Backends: MockBackends(engine, nil, nil)})

		_, err := sess.Initialize(context.Background(), "")
		if GetErrorCode(err) != ErrCodeBackend {
			t.Fatalf("Expected backend error, got %v", err)
		}
		if !strings.Contains(err.Error(), "open() returned false") {
			t.Errorf("Expected cause in message, got %q", err.Error())
		}
		if sess.Status().Connected {
			t.Error("Expected no handle after failed open")
		}

		_, err = sess.StartScan(context.Background())
		if !errors.Is(err, ErrNotInitialized) {
			t.Errorf("Expected not initialized after failed open, got %v", err)
		}
	})

	t.Run("reader connect fails", func(t *testing.T) {
		reader := NewMockUhfReader()
		reader.ConnectError = fmt.Errorf("refused")
		sess := newTestSession(t, Config{Backends: MockBackends(nil, reader, nil)})

		_, err := sess.Initialize(context.Background(), "AA:BB:CC:DD:EE:FF")
		if GetErrorCode(err) != ErrCodeBackend {
			t.Fatalf("Expected backend error, got %v", err)
		}
		if got := sess.Mode(); got != ModeBleRfid {
			t.Errorf("Expected mode to follow the address even on failure, got %v", got)
		}

		_, err = sess.StartScan(context.Background())
		if !errors.Is(err, ErrNotConnected) {
			t.Errorf("Expected not connected after failed connect, got %v", err)
		}
	})

	t.Run("connect times out", func(t *testing.T) {
		reader := NewMockUhfReader()
		reader.ConnectFunc = func(ctx context.Context, _ string) error {
			<-ctx.Done()
			return ctx.Err()
		}
		sess := newTestSession(t, Config{
			Backends:       MockBackends(nil, reader, nil),
			ConnectTimeout: 20 * time.Millisecond,
		})

		_, err := sess.Initialize(context.Background(), "AA:BB:CC:DD:EE:FF")
		if GetErrorCode(err) != ErrCodeTimeout {
			t.Fatalf("Expected timeout error, got %v", err)
		}
		if connected, _ := reader.State(); connected {
			t.Error("Expected reader not connected after timeout")
		}
	})
}

func TestSession_LegacyScanStream(t *testing.T) {
	engine := NewMockBarcodeEngine()
	sess := newTestSession(t, Config{Backends: MockBackends(engine, nil, nil)})
	ctx := context.Background()

	if _, err := sess.Initialize(ctx, ""); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	stream, err := sess.StartScan(ctx)
	if err != nil {
		t.Fatalf("StartScan failed: %v", err)
	}

	for _, code := range []string{"4006381333931", "https://example.com/x"} {
		if !engine.Decode(code) {
			t.Fatal("Expected engine to be scanning")
		}
		ev, open := receive(t, stream)
		if !open {
			t.Fatal("Stream closed early")
		}
		if ev.Mode != ModeLegacy || ev.Code != code || ev.Tag != nil {
			t.Errorf("Unexpected event %+v", ev)
		}
	}

	result, err := sess.StopScan(ctx)
	if err != nil {
		t.Fatalf("StopScan failed: %v", err)
	}
	if result != "stopped" {
		t.Errorf("Expected 'stopped', got %q", result)
	}

	if _, open := receive(t, stream); open {
		t.Error("Expected stream to end after StopScan")
	}
	if stream.Err() != nil {
		t.Errorf("Expected clean stream end, got %v", stream.Err())
	}
	if open, _ := engine.State(); open {
		t.Error("Expected legacy StopScan to close the engine")
	}

	_, err = sess.StartScan(ctx)
	if !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Expected not initialized after legacy stop, got %v", err)
	}
}

func TestSession_BleInventoryStream(t *testing.T) {
	reader := NewMockUhfReader()
	sess := newTestSession(t, Config{Backends: MockBackends(nil, reader, nil)})
	ctx := context.Background()

	if _, err := sess.Initialize(ctx, "AA:BB:CC:DD:EE:FF"); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	stream, err := sess.StartScan(ctx)
	if err != nil {
		t.Fatalf("StartScan failed: %v", err)
	}
	if !sess.Status().Scanning {
		t.Error("Expected status to report scanning")
	}

	reader.EmitTag(Tag{EPC: "E2801160600002084F6C4A12", RSSI: -54.5})
	ev, open := receive(t, stream)
	if !open {
		t.Fatal("Stream closed early")
	}
	if ev.Tag == nil || ev.Tag.EPC != "E2801160600002084F6C4A12" || ev.Tag.RSSI != -54.5 {
		t.Errorf("Unexpected event %+v", ev)
	}
	if ev.Tag.ReadAt.IsZero() {
		t.Error("Expected read time to be filled in")
	}

	if _, err := sess.StopScan(ctx); err != nil {
		t.Fatalf("StopScan failed: %v", err)
	}
	if connected, inventorying := reader.State(); !connected || inventorying {
		t.Errorf("Expected connection kept and inventory stopped, connected=%v inventorying=%v", connected, inventorying)
	}

	level, err := sess.GetBatteryLevel(ctx)
	if err != nil {
		t.Fatalf("GetBatteryLevel after stop failed: %v", err)
	}
	if level != 100 {
		t.Errorf("Expected battery 100, got %d", level)
	}

	if _, err := sess.StartScan(ctx); err != nil {
		t.Errorf("Expected inventory restart after stop, got %v", err)
	}
}

func TestSession_StartScanPreconditions(t *testing.T) {
	t.Run("uninitialized", func(t *testing.T) {
		sess := newTestSession(t, Config{})
		_, err := sess.StartScan(context.Background())
		if !errors.Is(err, ErrNotInitialized) {
			t.Errorf("Expected not initialized, got %v", err)
		}
	})

	t.Run("duplicate start is rejected", func(t *testing.T) {
		reader := NewMockUhfReader()
		sess := newTestSession(t, Config{Backends: MockBackends(nil, reader, nil)})
		ctx := context.Background()
		if _, err := sess.Initialize(ctx, "AA:BB:CC:DD:EE:FF"); err != nil {
			t.Fatalf("Initialize failed: %v", err)
		}
		if _, err := sess.StartScan(ctx); err != nil {
			t.Fatalf("StartScan failed: %v", err)
		}
		_, err := sess.StartScan(ctx)
		if !errors.Is(err, ErrAlreadyScanning) {
			t.Errorf("Expected already scanning, got %v", err)
		}
	})

	t.Run("backend start failure", func(t *testing.T) {
		engine := NewMockBarcodeEngine()
		engine.StartError = fmt.Errorf("decoder busy")
		sess := newTestSession(t, Config{Backends: MockBackends(engine, nil, nil)})
		ctx := context.Background()
		if _, err := sess.Initialize(ctx, ""); err != nil {
			t.Fatalf("Initialize failed: %v", err)
		}
		_, err := sess.StartScan(ctx)
		if GetErrorCode(err) != ErrCodeBackend {
			t.Errorf("Expected backend error, got %v", err)
		}
		if sess.Status().Scanning {
			t.Error("Expected no active stream after failed start")
		}
	})
}

func TestSession_StopScanWithoutStart(t *testing.T) {
	addresses := map[string]string{
		"uninitialized": "-",
		"legacy":        "",
		"ble":           "AA:BB:CC:DD:EE:FF",
	}

	for name, address := range addresses {
		t.Run(name, func(t *testing.T) {
			engine := NewMockBarcodeEngine()
			reader := NewMockUhfReader()
			sess := newTestSession(t, Config{Backends: MockBackends(engine, reader, nil)})
			ctx := context.Background()

			if address != "-" {
				if _, err := sess.Initialize(ctx, address); err != nil {
					t.Fatalf("Initialize failed: %v", err)
				}
			}

			for i := 0; i < 2; i++ {
				result, err := sess.StopScan(ctx)
				if err != nil {
					t.Fatalf("StopScan #%d failed: %v", i+1, err)
				}
				if result != "stopped" {
					t.Errorf("Expected 'stopped', got %q", result)
				}
			}
		})
	}
}

func TestSession_ConsumerCloseHaltsScan(t *testing.T) {
	reader := NewMockUhfReader()
	sess := newTestSession(t, Config{Backends: MockBackends(nil, reader, nil)})
	ctx := context.Background()

	if _, err := sess.Initialize(ctx, "AA:BB:CC:DD:EE:FF"); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	stream, err := sess.StartScan(ctx)
	if err != nil {
		t.Fatalf("StartScan failed: %v", err)
	}

	stream.Close()
	stream.Close()

	waitFor(t, "inventory to stop", func() bool {
		_, inventorying := reader.State()
		return !inventorying
	})
	if connected, _ := reader.State(); !connected {
		t.Error("Expected connection kept after consumer close")
	}

	waitFor(t, "status to clear scanning", func() bool { return !sess.Status().Scanning })
	if _, err := sess.StartScan(ctx); err != nil {
		t.Errorf("Expected restart after consumer close, got %v", err)
	}
}

func TestSession_DisconnectLegacyIsNoop(t *testing.T) {
	engine := NewMockBarcodeEngine()
	sess := newTestSession(t, Config{Backends: MockBackends(engine, nil, nil)})
	ctx := context.Background()

	if err := sess.Disconnect(ctx); err != nil {
		t.Errorf("Disconnect before initialize failed: %v", err)
	}

	if _, err := sess.Initialize(ctx, ""); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	engine.ClearCallLog()

	if err := sess.Disconnect(ctx); err != nil {
		t.Errorf("Disconnect in legacy mode failed: %v", err)
	}
	if calls := engine.GetCallLog(); len(calls) != 0 {
		t.Errorf("Expected no engine calls, got %v", calls)
	}
	if !sess.Status().Connected {
		t.Error("Expected legacy handle kept")
	}
}

func TestSession_DisconnectBle(t *testing.T) {
	reader := NewMockUhfReader()
	sess := newTestSession(t, Config{Backends: MockBackends(nil, reader, nil)})
	ctx := context.Background()

	if _, err := sess.Initialize(ctx, "AA:BB:CC:DD:EE:FF"); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	stream, err := sess.StartScan(ctx)
	if err != nil {
		t.Fatalf("StartScan failed: %v", err)
	}

	if err := sess.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	if _, open := receive(t, stream); open {
		t.Error("Expected stream to end on disconnect")
	}
	if !errors.Is(stream.Err(), ErrStreamTornDown) {
		t.Errorf("Expected torn down stream, got %v", stream.Err())
	}

	_, err = sess.GetBatteryLevel(ctx)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected not connected, got %v", err)
	}
}

func TestSession_BatteryLevel(t *testing.T) {
	t.Run("unsupported outside BLE mode", func(t *testing.T) {
		engine := NewMockBarcodeEngine()
		sess := newTestSession(t, Config{Backends: MockBackends(engine, nil, nil)})
		ctx := context.Background()

		if _, err := sess.GetBatteryLevel(ctx); !errors.Is(err, ErrUnsupported) {
			t.Errorf("Expected unsupported before initialize, got %v", err)
		}
		if _, err := sess.Initialize(ctx, ""); err != nil {
			t.Fatalf("Initialize failed: %v", err)
		}
		if _, err := sess.StartScan(ctx); err != nil {
			t.Fatalf("StartScan failed: %v", err)
		}
		if _, err := sess.GetBatteryLevel(ctx); !errors.Is(err, ErrUnsupported) {
			t.Errorf("Expected unsupported in legacy mode, got %v", err)
		}
	})

	t.Run("backend failure", func(t *testing.T) {
		reader := NewMockUhfReader()
		reader.BatteryError = fmt.Errorf("no response")
		sess := newTestSession(t, Config{Backends: MockBackends(nil, reader, nil)})
		ctx := context.Background()
		if _, err := sess.Initialize(ctx, "AA:BB:CC:DD:EE:FF"); err != nil {
			t.Fatalf("Initialize failed: %v", err)
		}
		if _, err := sess.GetBatteryLevel(ctx); GetErrorCode(err) != ErrCodeBackend {
			t.Errorf("Expected backend error, got %v", err)
		}
	})

	t.Run("negative level", func(t *testing.T) {
		reader := NewMockUhfReader()
		reader.BatteryLevel = -1
		sess := newTestSession(t, Config{Backends: MockBackends(nil, reader, nil)})
		ctx := context.Background()
		if _, err := sess.Initialize(ctx, "AA:BB:CC:DD:EE:FF"); err != nil {
			t.Fatalf("Initialize failed: %v", err)
		}
		if _, err := sess.GetBatteryLevel(ctx); GetErrorCode(err) != ErrCodeBackend {
			t.Errorf("Expected backend error, got %v", err)
		}
	})
}

func TestSession_PermissionGranted(t *testing.T) {
	reader := NewMockUhfReader()
	perms := NewMockPermissionService()
	created := 0
	backends := Backends{NewUhfReader: func() (UhfReader, error) {
		created++
		return reader, nil
	}}
	sess := newTestSession(t, Config{Backends: backends, Permissions: perms})

	type initResult struct {
		token string
		err   error
	}
	done := make(chan initResult, 1)
	go func() {
		token, err := sess.Initialize(context.Background(), "AA:BB:CC:DD:EE:FF")
		done <- initResult{token, err}
	}()

	waitFor(t, "permission request", perms.Pending)
	if got := perms.RequestCount(); got != 1 {
		t.Errorf("Expected exactly one permission request, got %d", got)
	}
	if !sess.Status().PermissionPending {
		t.Error("Expected status to report a pending permission request")
	}

	perms.Respond(true, true, true)

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("Initialize failed after grant: %v", r.err)
		}
		if r.token != "connected" {
			t.Errorf("Expected 'connected', got %q", r.token)
		}
	case <-time.After(testWait):
		t.Fatal("Initialize did not complete after grant")
	}

	if created != 1 {
		t.Errorf("Expected one reader created, got %d", created)
	}

	// Grants are remembered, so a second gated call needs no prompt.
	stream, err := sess.ScanPeers(context.Background(), 10*time.Millisecond)
	if err == nil {
		stream.Close()
	}
	if got := perms.RequestCount(); got != 1 {
		t.Errorf("Expected no new permission request, got %d", got)
	}
}

func TestSession_PermissionDenied(t *testing.T) {
	tests := []struct {
		name    string
		granted []bool
	}{
		{"one denied", []bool{true, false, true}},
		{"all denied", []bool{false, false, false}},
		{"prompt dismissed", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			perms := NewMockPermissionService()
			created := 0
			backends := Backends{NewUhfReader: func() (UhfReader, error) {
				created++
				return NewMockUhfReader(), nil
			}}
			sess := newTestSession(t, Config{Backends: backends, Permissions: perms})

			done := make(chan error, 1)
			go func() {
				_, err := sess.Initialize(context.Background(), "AA:BB:CC:DD:EE:FF")
				done <- err
			}()

			waitFor(t, "permission request", perms.Pending)
			perms.Respond(tt.granted...)

			select {
			case err := <-done:
				if !errors.Is(err, ErrPermissionDenied) {
					t.Errorf("Expected permission denied, got %v", err)
				}
				if !strings.Contains(err.Error(), "BLE permissions denied") {
					t.Errorf("Expected denial message, got %q", err.Error())
				}
			case <-time.After(testWait):
				t.Fatal("Initialize did not complete after denial")
			}

			if created != 0 {
				t.Errorf("Expected no backend call, got %d readers created", created)
			}
			if sess.Status().PermissionPending {
				t.Error("Expected pending request to be discarded")
			}
		})
	}
}

func TestSession_DeniedBleInitializeKeepsLegacy(t *testing.T) {
	engine := NewMockBarcodeEngine()
	reader := NewMockUhfReader()
	perms := NewMockPermissionService()
	sess := newTestSession(t, Config{
		Backends:    MockBackends(engine, reader, nil),
		Permissions: perms,
	})
	ctx := context.Background()

	if _, err := sess.Initialize(ctx, ""); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	stream, err := sess.StartScan(ctx)
	if err != nil {
		t.Fatalf("StartScan failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := sess.Initialize(ctx, "AA:BB:CC:DD:EE:FF")
		done <- err
	}()
	waitFor(t, "permission request", perms.Pending)

	want := []string{"Open", "StartScan"}
	if diff := cmp.Diff(want, engine.GetCallLog()); diff != "" {
		t.Errorf("Engine touched while prompt is up (-want +got):\n%s", diff)
	}
	if st := sess.Status(); st.Mode != ModeLegacy || !st.Scanning {
		t.Errorf("Expected legacy scan to keep running, got %+v", st)
	}

	perms.Respond(false, false, false)
	select {
	case err := <-done:
		if !errors.Is(err, ErrPermissionDenied) {
			t.Errorf("Expected permission denied, got %v", err)
		}
	case <-time.After(testWait):
		t.Fatal("Initialize did not complete after denial")
	}

	if diff := cmp.Diff(want, engine.GetCallLog()); diff != "" {
		t.Errorf("Engine touched after denial (-want +got):\n%s", diff)
	}
	if got := reader.GetCallLog(); len(got) != 0 {
		t.Errorf("Expected no reader calls, got %v", got)
	}
	if st := sess.Status(); st.Mode != ModeLegacy || !st.Connected {
		t.Errorf("Expected legacy engine still open, got %+v", st)
	}
	if !engine.Decode("4006381333931") {
		t.Fatal("Expected engine to still be scanning")
	}
	if ev, open := receive(t, stream); !open || ev.Code != "4006381333931" {
		t.Errorf("Expected stream to keep delivering, got %+v open=%v", ev, open)
	}
}

func TestSession_PermissionPendingRejectsSecondCall(t *testing.T) {
	perms := NewMockPermissionService()
	peers := &MockPeerScanner{}
	reader := NewMockUhfReader()
	sess := newTestSession(t, Config{
		Backends:    MockBackends(nil, reader, peers),
		Permissions: perms,
	})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := sess.Initialize(ctx, "AA:BB:CC:DD:EE:FF")
		done <- err
	}()
	waitFor(t, "permission request", perms.Pending)

	if _, err := sess.Initialize(ctx, "11:22:33:44:55:66"); !errors.Is(err, ErrPermissionPending) {
		t.Errorf("Expected pending rejection for initialize, got %v", err)
	}
	if _, err := sess.Initialize(ctx, ""); !errors.Is(err, ErrPermissionPending) {
		t.Errorf("Expected pending rejection for legacy initialize, got %v", err)
	}
	if got := sess.Mode(); got != ModeUninitialized {
		t.Errorf("Expected mode untouched while prompt is up, got %v", got)
	}
	if _, err := sess.ScanPeers(ctx, time.Second); !errors.Is(err, ErrPermissionPending) {
		t.Errorf("Expected pending rejection for scanPeers, got %v", err)
	}
	if got := perms.RequestCount(); got != 1 {
		t.Errorf("Expected one permission request, got %d", got)
	}

	perms.Respond(true, true, true)
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("First caller should still succeed, got %v", err)
		}
	case <-time.After(testWait):
		t.Fatal("First initialize never completed")
	}
	if reader.Address != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("Expected first caller's address, got %q", reader.Address)
	}
}

func TestSession_UnrelatedPermissionResultIgnored(t *testing.T) {
	perms := NewMockPermissionService()
	sess := newTestSession(t, Config{
		Backends:    MockBackends(nil, NewMockUhfReader(), nil),
		Permissions: perms,
	})

	go func() {
		_, _ = sess.Initialize(context.Background(), "AA:BB:CC:DD:EE:FF")
	}()
	waitFor(t, "permission request", perms.Pending)

	sess.OnPermissionResult(PermissionResult{RequestCode: 42, Granted: []bool{true, true, true}})
	time.Sleep(20 * time.Millisecond)

	if !sess.Status().PermissionPending {
		t.Error("Expected pending request to survive an unrelated result")
	}
}

func TestSession_NoRuntimeGrantsNeeded(t *testing.T) {
	reader := NewMockUhfReader()
	perms := NewStaticPermissions(30)
	sess := newTestSession(t, Config{Backends: MockBackends(nil, reader, nil), Permissions: perms})

	if _, err := sess.Initialize(context.Background(), "AA:BB:CC:DD:EE:FF"); err != nil {
		t.Errorf("Expected old API level to skip the gate, got %v", err)
	}
}

func TestSession_ScanPeers(t *testing.T) {
	peers := &MockPeerScanner{Peers: []Peer{{Name: "R6-0042", MAC: "AA:BB:CC:DD:EE:FF"}}}
	sess := newTestSession(t, Config{Backends: MockBackends(nil, nil, peers)})
	ctx := context.Background()

	stream, err := sess.ScanPeers(ctx, time.Second)
	if err != nil {
		t.Fatalf("ScanPeers failed: %v", err)
	}

	found, open := receive(t, stream)
	if !open || len(found) != 1 || found[0].MAC != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("Unexpected first delivery %+v", found)
	}

	peers.Emit(Peer{Name: "R6-0042", MAC: "AA:BB:CC:DD:EE:FF"}, Peer{Name: "R6-0043", MAC: "11:22:33:44:55:66"})
	found, _ = receive(t, stream)
	want := []Peer{{Name: "R6-0042", MAC: "AA:BB:CC:DD:EE:FF"}, {Name: "R6-0043", MAC: "11:22:33:44:55:66"}}
	if diff := cmp.Diff(want, found); diff != "" {
		t.Errorf("Peers mismatch (-want +got):\n%s", diff)
	}

	if _, err := sess.ScanPeers(ctx, time.Second); !errors.Is(err, ErrAlreadyScanning) {
		t.Errorf("Expected second discovery to be rejected, got %v", err)
	}
	if got := sess.Mode(); got != ModeUninitialized {
		t.Errorf("Expected discovery to leave mode alone, got %v", got)
	}

	if err := sess.StopPeerScan(ctx); err != nil {
		t.Fatalf("StopPeerScan failed: %v", err)
	}
	select {
	case <-stream.Done():
	case <-time.After(testWait):
		t.Fatal("Expected discovery stream to end")
	}
	waitFor(t, "discovery to clear", func() bool { return !sess.Status().Discovering })
}

func TestSession_ScanPeersWindowExpires(t *testing.T) {
	peers := &MockPeerScanner{}
	sess := newTestSession(t, Config{Backends: MockBackends(nil, nil, peers)})

	stream, err := sess.ScanPeers(context.Background(), 20*time.Millisecond)
	if err != nil {
		t.Fatalf("ScanPeers failed: %v", err)
	}
	select {
	case <-stream.Done():
	case <-time.After(testWait):
		t.Fatal("Expected discovery to end when its window closes")
	}
	if stream.Err() != nil {
		t.Errorf("Expected clean end, got %v", stream.Err())
	}
	if peers.Running() {
		t.Error("Expected scanner context to be cancelled")
	}
}

func TestSession_ScanPeersFailure(t *testing.T) {
	peers := &MockPeerScanner{StartError: fmt.Errorf("adapter off")}
	sess := newTestSession(t, Config{Backends: MockBackends(nil, nil, peers)})

	_, err := sess.ScanPeers(context.Background(), time.Second)
	if GetErrorCode(err) != ErrCodeBackend {
		t.Errorf("Expected backend error, got %v", err)
	}
	if sess.Status().Discovering {
		t.Error("Expected no discovery after failure")
	}
}

func TestSession_ScanPeersAdapterFailure(t *testing.T) {
	peers := &MockPeerScanner{}
	sess := newTestSession(t, Config{Backends: MockBackends(nil, nil, peers)})

	stream, err := sess.ScanPeers(context.Background(), time.Minute)
	if err != nil {
		t.Fatalf("ScanPeers failed: %v", err)
	}

	if !peers.Fail(errors.New("adapter powered off")) {
		t.Fatal("Expected discovery to be running")
	}

	select {
	case <-stream.Done():
	case <-time.After(testWait):
		t.Fatal("Expected stream to end when the scan fails")
	}
	if GetErrorCode(stream.Err()) != ErrCodeBackend {
		t.Errorf("Expected backend error, got %v", stream.Err())
	}
	if !strings.Contains(stream.Err().Error(), "adapter powered off") {
		t.Errorf("Expected cause in error, got %q", stream.Err().Error())
	}
	waitFor(t, "discovery cleared", func() bool { return !sess.Status().Discovering })

	if _, err := sess.ScanPeers(context.Background(), time.Minute); err != nil {
		t.Errorf("Expected a new discovery after the failure, got %v", err)
	}
}

func TestSession_PauseStopsInventoryOnly(t *testing.T) {
	reader := NewMockUhfReader()
	sess := newTestSession(t, Config{Backends: MockBackends(nil, reader, nil)})
	ctx := context.Background()

	if _, err := sess.Initialize(ctx, "AA:BB:CC:DD:EE:FF"); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	stream, err := sess.StartScan(ctx)
	if err != nil {
		t.Fatalf("StartScan failed: %v", err)
	}

	if err := sess.Pause(ctx); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}

	if !errors.Is(stream.Err(), ErrStreamPaused) {
		t.Errorf("Expected paused stream, got %v", stream.Err())
	}
	if connected, inventorying := reader.State(); !connected || inventorying {
		t.Errorf("Expected connected and idle, connected=%v inventorying=%v", connected, inventorying)
	}
	if reader.EmitTag(Tag{EPC: "E200"}) {
		t.Error("Expected no deliveries after pause")
	}
	if got := sess.Mode(); got != ModeBleRfid {
		t.Errorf("Expected mode kept across pause, got %v", got)
	}

	if _, err := sess.StartScan(ctx); err != nil {
		t.Errorf("Expected explicit restart after pause, got %v", err)
	}
}

func TestSession_PauseLegacyKeepsScan(t *testing.T) {
	engine := NewMockBarcodeEngine()
	sess := newTestSession(t, Config{Backends: MockBackends(engine, nil, nil)})
	ctx := context.Background()

	if _, err := sess.Initialize(ctx, ""); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	stream, err := sess.StartScan(ctx)
	if err != nil {
		t.Fatalf("StartScan failed: %v", err)
	}
	if err := sess.Pause(ctx); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if stream.Closed() {
		t.Error("Expected legacy scan to survive pause")
	}
}

func TestSession_TeardownAfterInventory(t *testing.T) {
	reader := NewMockUhfReader()
	reader.StopError = fmt.Errorf("stop failed")
	reader.DisconnectError = fmt.Errorf("already gone")
	sess := newTestSession(t, Config{Backends: MockBackends(nil, reader, nil)})
	ctx := context.Background()

	if _, err := sess.Initialize(ctx, "AA:BB:CC:DD:EE:FF"); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	stream, err := sess.StartScan(ctx)
	if err != nil {
		t.Fatalf("StartScan failed: %v", err)
	}

	if err := sess.Teardown(ctx); err != nil {
		t.Fatalf("Teardown should swallow backend errors, got %v", err)
	}

	if !errors.Is(stream.Err(), ErrStreamTornDown) {
		t.Errorf("Expected torn down stream, got %v", stream.Err())
	}
	if reader.EmitTag(Tag{EPC: "E200"}) {
		t.Error("Expected no deliveries after teardown")
	}
	if _, err := sess.GetBatteryLevel(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected not connected after teardown, got %v", err)
	}
	if got := sess.Mode(); got != ModeBleRfid {
		t.Errorf("Expected mode preserved across teardown, got %v", got)
	}
}

func TestSession_ReaderLinkLoss(t *testing.T) {
	reader := NewMockUhfReader()
	sess := newTestSession(t, Config{Backends: MockBackends(nil, reader, nil)})
	ctx := context.Background()

	if _, err := sess.Initialize(ctx, "AA:BB:CC:DD:EE:FF"); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	stream, err := sess.StartScan(ctx)
	if err != nil {
		t.Fatalf("StartScan failed: %v", err)
	}

	reader.DropLink()

	select {
	case <-stream.Done():
	case <-time.After(testWait):
		t.Fatal("Expected stream to end on link loss")
	}
	if !errors.Is(stream.Err(), ErrNotConnected) {
		t.Errorf("Expected not connected, got %v", stream.Err())
	}
	waitFor(t, "handle to clear", func() bool { return !sess.Status().Connected })
}

func TestSession_ScanOnce(t *testing.T) {
	engine := NewMockBarcodeEngine()
	sess := newTestSession(t, Config{Backends: MockBackends(engine, nil, nil)})
	ctx := context.Background()

	if _, err := sess.Initialize(ctx, ""); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	go func() {
		deadline := time.Now().Add(testWait)
		for time.Now().Before(deadline) {
			if engine.Decode("0123456789") {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	ev, err := sess.ScanOnce(ctx, time.Second)
	if err != nil {
		t.Fatalf("ScanOnce failed: %v", err)
	}
	if ev.Code != "0123456789" {
		t.Errorf("Expected decoded value, got %q", ev.Code)
	}

	waitFor(t, "scan to halt", func() bool {
		_, scanning := engine.State()
		return !scanning
	})
	if open, _ := engine.State(); !open {
		t.Error("Expected engine to stay open after a single scan")
	}

	_, err = sess.ScanOnce(ctx, 20*time.Millisecond)
	if GetErrorCode(err) != ErrCodeTimeout {
		t.Errorf("Expected timeout, got %v", err)
	}
}

func TestSession_StatusCallback(t *testing.T) {
	var mu sync.Mutex
	var seen []Status
	sess := newTestSession(t, Config{
		Backends: MockBackends(NewMockBarcodeEngine(), nil, nil),
		OnStatus: func(st Status) {
			mu.Lock()
			seen = append(seen, st)
			mu.Unlock()
		},
	})

	if _, err := sess.Initialize(context.Background(), ""); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 {
		t.Fatal("Expected status callbacks")
	}
	last := seen[len(seen)-1]
	if last.Mode != ModeLegacy || !last.Connected {
		t.Errorf("Unexpected final status %+v", last)
	}
}

func TestSession_Close(t *testing.T) {
	engine := NewMockBarcodeEngine()
	sess := NewSession(Config{Backends: MockBackends(engine, nil, nil)})
	ctx := context.Background()

	if _, err := sess.Initialize(ctx, ""); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	stream, err := sess.StartScan(ctx)
	if err != nil {
		t.Fatalf("StartScan failed: %v", err)
	}

	sess.Close()
	sess.Close()

	if !stream.Closed() {
		t.Error("Expected stream closed with the session")
	}
	if open, _ := engine.State(); open {
		t.Error("Expected engine closed with the session")
	}
	if _, err := sess.StartScan(ctx); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected session closed, got %v", err)
	}
}

func TestSession_ContextCancelled(t *testing.T) {
	sess := newTestSession(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Either the submit or the wait notices the cancelled context.
	_, err := sess.StopScan(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		t.Errorf("Expected nil or context.Canceled, got %v", err)
	}
}
