package scanner

import (
	"context"
	"fmt"
	"sync"
)

// MockBarcodeEngine is a test implementation of BarcodeEngine.
//
// Example:
//
//	engine := scanner.NewMockBarcodeEngine()
//	sess := scanner.NewSession(scanner.Config{Backends: scanner.MockBackends(engine, nil, nil)})
//	sess.Initialize(ctx, "")
//	stream, _ := sess.StartScan(ctx)
//	engine.Decode("4006381333931")
type MockBarcodeEngine struct {
	// OpenFunc, if set, replaces the default Open behavior.
	OpenFunc func(ctx context.Context) error

	// OpenError, if set, will be returned by Open()
	OpenError error

	// StartError, if set, will be returned by StartScan()
	StartError error

	// StopError, if set, will be returned by StopScan()
	StopError error

	// CloseError, if set, will be returned by Close()
	CloseError error

	IsOpen   bool
	Scanning bool

	// CallLog tracks all method calls for verification in tests
	CallLog []string

	onDecode func(string)
	mu       sync.Mutex
}

// NewMockBarcodeEngine creates an engine that opens successfully.
func NewMockBarcodeEngine() *MockBarcodeEngine {
	return &MockBarcodeEngine{CallLog: make([]string, 0)}
}

func (m *MockBarcodeEngine) Open(ctx context.Context) error {
	m.mu.Lock()
	m.CallLog = append(m.CallLog, "Open")
	openFunc := m.OpenFunc
	m.mu.Unlock()

	var err error
	if openFunc != nil {
		err = openFunc(ctx)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		err = m.OpenError
	}
	if err == nil {
		m.IsOpen = true
	}
	return err
}

func (m *MockBarcodeEngine) StartScan(onDecode func(code string)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallLog = append(m.CallLog, "StartScan")
	if !m.IsOpen {
		return fmt.Errorf("engine not open")
	}
	if m.StartError != nil {
		return m.StartError
	}
	m.Scanning = true
	m.onDecode = onDecode
	return nil
}

func (m *MockBarcodeEngine) StopScan() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallLog = append(m.CallLog, "StopScan")
	m.Scanning = false
	m.onDecode = nil
	return m.StopError
}

func (m *MockBarcodeEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallLog = append(m.CallLog, "Close")
	m.IsOpen = false
	m.Scanning = false
	m.onDecode = nil
	return m.CloseError
}

// Decode simulates the engine decoding code. It returns false if no scan is
// running.
func (m *MockBarcodeEngine) Decode(code string) bool {
	m.mu.Lock()
	cb := m.onDecode
	m.mu.Unlock()

	if cb == nil {
		return false
	}
	cb(code)
	return true
}

// State returns the open and scanning flags under the lock.
func (m *MockBarcodeEngine) State() (open, scanning bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.IsOpen, m.Scanning
}

// GetCallLog returns a copy of the call log.
func (m *MockBarcodeEngine) GetCallLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.CallLog...)
}

// ClearCallLog clears the call log.
func (m *MockBarcodeEngine) ClearCallLog() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallLog = make([]string, 0)
}

// MockUhfReader is a test implementation of UhfReader.
type MockUhfReader struct {
	// ConnectFunc, if set, replaces the default Connect behavior.
	ConnectFunc func(ctx context.Context, address string) error

	// ConnectError, if set, will be returned by Connect()
	ConnectError error

	// StartError, if set, will be returned by StartInventoryTag()
	StartError error

	// StopError, if set, will be returned by StopInventory()
	StopError error

	// DisconnectError, if set, will be returned by Disconnect()
	DisconnectError error

	BatteryLevel int
	BatteryError error

	Address      string
	Connected    bool
	Inventorying bool

	// CallLog tracks all method calls for verification in tests
	CallLog []string

	onStatus func(ConnectionStatus)
	onTag    func(Tag)
	mu       sync.Mutex
}

// NewMockUhfReader creates a reader that connects successfully and reports
// a full battery.
func NewMockUhfReader() *MockUhfReader {
	return &MockUhfReader{
		BatteryLevel: 100,
		CallLog:      make([]string, 0),
	}
}

func (m *MockUhfReader) Connect(ctx context.Context, address string) error {
	m.mu.Lock()
	m.CallLog = append(m.CallLog, fmt.Sprintf("Connect(%s)", address))
	connectFunc := m.ConnectFunc
	m.mu.Unlock()

	m.emitStatus(StatusConnecting)

	var err error
	if connectFunc != nil {
		err = connectFunc(ctx, address)
	}

	m.mu.Lock()
	if err == nil {
		err = m.ConnectError
	}
	if err == nil {
		m.Connected = true
		m.Address = address
	}
	m.mu.Unlock()

	if err != nil {
		m.emitStatus(StatusDisconnected)
		return err
	}
	m.emitStatus(StatusConnected)
	return nil
}

func (m *MockUhfReader) SetConnectionStatusCallback(cb func(ConnectionStatus)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStatus = cb
}

func (m *MockUhfReader) SetInventoryCallback(cb func(Tag)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTag = cb
}

func (m *MockUhfReader) StartInventoryTag() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallLog = append(m.CallLog, "StartInventoryTag")
	if !m.Connected {
		return fmt.Errorf("reader not connected")
	}
	if m.StartError != nil {
		return m.StartError
	}
	m.Inventorying = true
	return nil
}

func (m *MockUhfReader) StopInventory() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallLog = append(m.CallLog, "StopInventory")
	m.Inventorying = false
	return m.StopError
}

func (m *MockUhfReader) Disconnect() error {
	m.mu.Lock()
	m.CallLog = append(m.CallLog, "Disconnect")
	m.Connected = false
	m.Inventorying = false
	err := m.DisconnectError
	m.mu.Unlock()
	return err
}

func (m *MockUhfReader) GetBattery() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallLog = append(m.CallLog, "GetBattery")
	if m.BatteryError != nil {
		return 0, m.BatteryError
	}
	return m.BatteryLevel, nil
}

// EmitTag simulates a tag read. It returns false if no inventory is running.
func (m *MockUhfReader) EmitTag(tag Tag) bool {
	m.mu.Lock()
	cb := m.onTag
	running := m.Inventorying
	m.mu.Unlock()

	if cb == nil || !running {
		return false
	}
	cb(tag)
	return true
}

// DropLink simulates the reader going out of range.
func (m *MockUhfReader) DropLink() {
	m.mu.Lock()
	m.Connected = false
	m.Inventorying = false
	m.mu.Unlock()
	m.emitStatus(StatusDisconnected)
}

func (m *MockUhfReader) emitStatus(status ConnectionStatus) {
	m.mu.Lock()
	cb := m.onStatus
	m.mu.Unlock()
	if cb != nil {
		cb(status)
	}
}

// State returns the connected and inventorying flags under the lock.
func (m *MockUhfReader) State() (connected, inventorying bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Connected, m.Inventorying
}

// GetCallLog returns a copy of the call log.
func (m *MockUhfReader) GetCallLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.CallLog...)
}

// ClearCallLog clears the call log.
func (m *MockUhfReader) ClearCallLog() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallLog = make([]string, 0)
}

// MockPeerScanner is a test implementation of PeerScanner.
type MockPeerScanner struct {
	// StartError, if set, will be returned by StartScanDevices()
	StartError error

	// Peers is reported once as soon as discovery starts, if non-empty.
	Peers []Peer

	Scans int

	onResult func([]Peer)
	onDone   func(error)
	ctx      context.Context
	mu       sync.Mutex
}

func (m *MockPeerScanner) StartScanDevices(ctx context.Context, onResult func([]Peer), onDone func(error)) error {
	m.mu.Lock()
	m.Scans++
	if m.StartError != nil {
		err := m.StartError
		m.mu.Unlock()
		return err
	}
	m.onResult = onResult
	m.onDone = onDone
	m.ctx = ctx
	initial := append([]Peer(nil), m.Peers...)
	m.mu.Unlock()

	if len(initial) > 0 {
		onResult(initial)
	}
	return nil
}

// Emit simulates a discovery update. It returns false once the discovery
// window has closed.
func (m *MockPeerScanner) Emit(peers ...Peer) bool {
	m.mu.Lock()
	cb, ctx := m.onResult, m.ctx
	m.mu.Unlock()

	if cb == nil || ctx == nil || ctx.Err() != nil {
		return false
	}
	cb(peers)
	return true
}

// Fail simulates the adapter scan dying with err while the window is open.
func (m *MockPeerScanner) Fail(err error) bool {
	m.mu.Lock()
	done, ctx := m.onDone, m.ctx
	m.onDone = nil
	m.mu.Unlock()

	if done == nil || ctx == nil || ctx.Err() != nil {
		return false
	}
	done(err)
	return true
}

// Running reports whether the last discovery is still inside its window.
func (m *MockPeerScanner) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx != nil && m.ctx.Err() == nil
}

// MockPermissionService is a PermissionService whose requests stay pending
// until the test answers them with Respond.
type MockPermissionService struct {
	Required     bool
	RequestError error

	Requests int

	granted map[Permission]bool
	deliver func(PermissionResult)
	perms   []Permission
	code    int
	mu      sync.Mutex
}

// NewMockPermissionService creates a service that needs runtime grants and
// holds none.
func NewMockPermissionService() *MockPermissionService {
	return &MockPermissionService{
		Required: true,
		granted:  make(map[Permission]bool),
	}
}

func (m *MockPermissionService) RuntimeGrantsRequired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Required
}

func (m *MockPermissionService) HasPermission(p Permission) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.granted[p]
}

func (m *MockPermissionService) RequestPermissions(requestCode int, perms []Permission, deliver func(PermissionResult)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Requests++
	if m.RequestError != nil {
		return m.RequestError
	}
	m.code = requestCode
	m.perms = append([]Permission(nil), perms...)
	m.deliver = deliver
	return nil
}

// Pending reports whether a request is waiting for Respond.
func (m *MockPermissionService) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deliver != nil
}

// RequestCount returns how many requests were made.
func (m *MockPermissionService) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Requests
}

// Respond answers the pending request. With no arguments the user dismissed
// the prompt. Granted permissions are remembered for later checks.
func (m *MockPermissionService) Respond(granted ...bool) bool {
	m.mu.Lock()
	deliver := m.deliver
	m.deliver = nil
	result := PermissionResult{
		RequestCode: m.code,
		Permissions: m.perms,
		Granted:     granted,
	}
	for i, g := range granted {
		if i < len(m.perms) {
			m.granted[m.perms[i]] = g
		}
	}
	m.mu.Unlock()

	if deliver == nil {
		return false
	}
	deliver(result)
	return true
}

// MockBackends returns factories that hand out the given mocks. A nil mock
// leaves that backend unavailable.
func MockBackends(engine *MockBarcodeEngine, reader *MockUhfReader, peers *MockPeerScanner) Backends {
	var b Backends
	if engine != nil {
		b.NewBarcodeEngine = func() (BarcodeEngine, error) { return engine, nil }
	}
	if reader != nil {
		b.NewUhfReader = func() (UhfReader, error) { return reader, nil }
	}
	if peers != nil {
		b.PeerScanner = peers
	}
	return b
}
