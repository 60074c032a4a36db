// Package serialbarcode drives a 2D imaging barcode engine attached as a
// serial (CDC/ACM or USB-serial) device. The engine sends each decoded value
// as a CR/LF terminated line; optional trigger commands switch decoding on
// and off for engines configured in host-trigger mode.
package serialbarcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tarm/serial"

	"github.com/dotside-studios/davi-scan-agent/scanner"
)

const (
	DefaultBaud        = 9600
	DefaultReadTimeout = 100 * time.Millisecond
)

// Config describes how to reach the engine.
type Config struct {
	// Port is the device path or COM name. Empty means the first port
	// found by ListPorts.
	Port string
	Baud int

	ReadTimeout time.Duration

	// TriggerOn and TriggerOff, if set, are written on StartScan and
	// StopScan. Engines in continuous mode need neither.
	TriggerOn  []byte
	TriggerOff []byte
}

// PortOpener opens a serial port. Tests replace it to avoid real hardware.
type PortOpener func(*serial.Config) (io.ReadWriteCloser, error)

func openPort(c *serial.Config) (io.ReadWriteCloser, error) {
	p, err := serial.OpenPort(c)
	if err != nil {
		return nil, err
	}
	_ = p.Flush()
	return p, nil
}

// Engine implements scanner.BarcodeEngine over a serial port.
type Engine struct {
	cfg  Config
	open PortOpener
	log  zerolog.Logger

	mu       sync.Mutex
	port     io.ReadWriteCloser
	path     string
	onDecode func(string)
	done     chan struct{}
}

var _ scanner.BarcodeEngine = (*Engine)(nil)

// New creates an engine. Nothing is opened until Open.
func New(cfg Config) *Engine {
	return NewWithOpener(cfg, openPort)
}

// NewWithOpener creates an engine that opens its port through opener.
func NewWithOpener(cfg Config, opener PortOpener) *Engine {
	if cfg.Baud <= 0 {
		cfg.Baud = DefaultBaud
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	return &Engine{
		cfg:  cfg,
		open: opener,
		log:  log.With().Str("component", "serialbarcode").Logger(),
	}
}

// Path returns the device path in use, once open.
func (e *Engine) Path() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.path
}

// Open opens the serial port and starts reading from it.
func (e *Engine) Open(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.port != nil {
		return nil
	}

	path := e.cfg.Port
	if path == "" {
		ports := ListPorts()
		if len(ports) == 0 {
			return errors.New("no serial barcode engine found")
		}
		path = ports[0]
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	e.log.Debug().Str("path", path).Int("baud", e.cfg.Baud).Msg("opening barcode engine")
	port, err := e.open(&serial.Config{
		Name:        path,
		Baud:        e.cfg.Baud,
		ReadTimeout: e.cfg.ReadTimeout,
	})
	if err != nil {
		return fmt.Errorf("open() returned false: %s: %w", path, err)
	}

	e.port = port
	e.path = path
	e.done = make(chan struct{})
	go e.readLoop(port, e.done)

	e.log.Info().Str("path", path).Msg("opened barcode engine")
	return nil
}

// StartScan routes decoded values to onDecode and fires the trigger.
func (e *Engine) StartScan(onDecode func(code string)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.port == nil {
		return errors.New("engine not open")
	}
	if len(e.cfg.TriggerOn) > 0 {
		if _, err := e.port.Write(e.cfg.TriggerOn); err != nil {
			return fmt.Errorf("trigger on: %w", err)
		}
	}
	e.onDecode = onDecode
	return nil
}

// StopScan stops routing decoded values and releases the trigger.
func (e *Engine) StopScan() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.onDecode = nil
	if e.port == nil || len(e.cfg.TriggerOff) == 0 {
		return nil
	}
	if _, err := e.port.Write(e.cfg.TriggerOff); err != nil {
		return fmt.Errorf("trigger off: %w", err)
	}
	return nil
}

// Close stops reading and closes the port.
func (e *Engine) Close() error {
	e.mu.Lock()
	port, done := e.port, e.done
	e.port = nil
	e.onDecode = nil
	e.mu.Unlock()

	if port == nil {
		return nil
	}
	err := port.Close()
	if done != nil {
		select {
		case <-done:
		case <-time.After(2 * e.cfg.ReadTimeout):
			e.log.Warn().Msg("read loop did not exit after close")
		}
	}
	if err != nil {
		return fmt.Errorf("failed to close serial port: %w", err)
	}
	return nil
}

func (e *Engine) readLoop(port io.Reader, done chan struct{}) {
	defer close(done)

	buf := make([]byte, 1024)
	var lines lineAssembler

	for {
		n, err := port.Read(buf)
		if n > 0 {
			values, overflowed := lines.Feed(buf[:n])
			if overflowed {
				e.log.Warn().Msg("decode too long, discarding until next terminator")
			}
			for _, v := range values {
				e.dispatch(v)
			}
		}

		if err == nil || errors.Is(err, io.EOF) {
			// tarm/serial reports a read timeout as a short or EOF read.
			if e.closed(port) {
				return
			}
			continue
		}

		if !e.closed(port) {
			e.log.Error().Err(err).Msg("failed to read from barcode engine")
		}
		return
	}
}

func (e *Engine) dispatch(code string) {
	e.mu.Lock()
	cb := e.onDecode
	e.mu.Unlock()

	if cb == nil {
		e.log.Debug().Str("code", code).Msg("decode outside a scan, ignored")
		return
	}
	e.log.Debug().Str("code", code).Msg("barcode scanned")
	cb(code)
}

func (e *Engine) closed(port io.Reader) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.port == nil || e.port != port
}

// ListPorts finds likely barcode engine ports on the host.
func ListPorts() []string {
	var globs []string
	switch runtime.GOOS {
	case "darwin":
		globs = []string{"/dev/tty.usbmodem*", "/dev/tty.usbserial*"}
	case "windows":
		ports := make([]string, 0, 40)
		for i := 1; i <= 40; i++ {
			ports = append(ports, fmt.Sprintf("COM%d", i))
		}
		return ports
	default:
		globs = []string{"/dev/ttyACM*", "/dev/ttyUSB*"}
	}

	seen := map[string]bool{}
	for _, g := range globs {
		matches, _ := filepath.Glob(g)
		for _, p := range matches {
			seen[p] = true
		}
	}
	ports := make([]string, 0, len(seen))
	for p := range seen {
		ports = append(ports, p)
	}
	sort.Strings(ports)
	return ports
}
