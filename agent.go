package main

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dotside-studios/davi-scan-agent/scanner"
	"github.com/dotside-studios/davi-scan-agent/scanner/bleuhf"
	"github.com/dotside-studios/davi-scan-agent/scanner/serialbarcode"
	"github.com/dotside-studios/davi-scan-agent/server"
	"github.com/dotside-studios/davi-scan-agent/tls"
)

// Permission sources selectable with -permissions.
const (
	PermissionsGranted = "granted"
	PermissionsClient  = "client"
)

// AgentConfig is everything the agent needs to start, filled from flags.
type AgentConfig struct {
	Port        int
	APISecret   string
	Workers     int
	DisableMDNS bool

	Serial serialbarcode.Config
	BLE    bleuhf.Config

	// BLENamePrefix limits peer discovery to readers whose name starts with it.
	BLENamePrefix  string
	ConnectTimeout time.Duration

	Permissions string
	APILevel    int

	TLS       bool
	ConfigDir string
}

// Agent owns the device session and the server in front of it.
type Agent struct {
	Config AgentConfig
	Logger zerolog.Logger

	Session *scanner.Session
	Server  *server.Server

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	onStatus []func(scanner.Status)
}

func NewAgent(cfg AgentConfig) *Agent {
	return &Agent{
		Config: cfg,
		Logger: log.With().Str("component", "agent").Logger(),
	}
}

// OnStatus registers fn to be called on every session status change.
// Must be called before Start.
func (a *Agent) OnStatus(fn func(scanner.Status)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onStatus = append(a.onStatus, fn)
}

// Running reports whether the agent has been started and not stopped.
func (a *Agent) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancel != nil
}

func (a *Agent) backends() scanner.Backends {
	radio := bleuhf.NewRadio(nil)
	return scanner.Backends{
		NewBarcodeEngine: func() (scanner.BarcodeEngine, error) {
			return serialbarcode.New(a.Config.Serial), nil
		},
		NewUhfReader: func() (scanner.UhfReader, error) {
			return bleuhf.NewReader(radio, a.Config.BLE), nil
		},
		PeerScanner: bleuhf.NewDiscovery(radio, a.Config.BLENamePrefix),
	}
}

func (a *Agent) permissions() (scanner.PermissionService, *server.ClientPermissionService, error) {
	switch a.Config.Permissions {
	case "", PermissionsGranted:
		return scanner.NewStaticPermissions(a.Config.APILevel, scanner.BLEPermissions...), nil, nil
	case PermissionsClient:
		svc := server.NewClientPermissionService(a.Config.APILevel)
		return svc, svc, nil
	default:
		return nil, nil, fmt.Errorf("unknown permission source %q", a.Config.Permissions)
	}
}

// Start creates the session and server and serves in the background.
func (a *Agent) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cancel != nil {
		return errors.New("agent is already running")
	}

	perms, clientPerms, err := a.permissions()
	if err != nil {
		return err
	}

	srvCfg := server.Config{
		Permissions: clientPerms,
		Port:        a.Config.Port,
		APISecret:   a.Config.APISecret,
		Workers:     a.Config.Workers,
		DisableMDNS: a.Config.DisableMDNS,
	}

	if a.Config.TLS {
		mgr := tls.NewManager(a.Config.ConfigDir)
		certFile, keyFile, err := mgr.EnsureCertificates(tls.MDNSHostname())
		if err != nil {
			return fmt.Errorf("failed to set up TLS: %w", err)
		}
		srvCfg.CertFile = certFile
		srvCfg.KeyFile = keyFile
		srvCfg.CA = mgr
		if fp, err := mgr.CAFingerprint(); err == nil {
			a.Logger.Info().Str("fingerprint", fp).Msg("local CA ready")
		}
	}

	// The server is created after the session but receives its status
	// changes, so the callback resolves it late.
	var srv *server.Server
	var srvMu sync.Mutex
	listeners := slices.Clone(a.onStatus)

	a.Session = scanner.NewSession(scanner.Config{
		Backends:       a.backends(),
		Permissions:    perms,
		ConnectTimeout: a.Config.ConnectTimeout,
		OnStatus: func(st scanner.Status) {
			srvMu.Lock()
			s := srv
			srvMu.Unlock()
			if s != nil {
				s.NotifyStatus(st)
			}
			for _, fn := range listeners {
				fn(st)
			}
		},
	})

	srvCfg.Session = a.Session
	srvMu.Lock()
	srv = server.New(srvCfg)
	srvMu.Unlock()
	a.Server = srv

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		if err := srv.Start(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("server stopped")
		}
	}(a.done)

	a.Logger.Info().Int("port", a.Config.Port).Bool("tls", a.Config.TLS).Msg("agent started")
	return nil
}

// Stop shuts the server down and releases all scanner hardware.
func (a *Agent) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cancel == nil {
		a.Logger.Info().Msg("agent is not running")
		return
	}

	a.Logger.Info().Msg("stopping agent")

	a.Server.Stop()
	a.cancel()
	<-a.done
	a.Session.Close()

	a.cancel = nil
	a.Server = nil
	a.Session = nil
	a.Logger.Info().Msg("agent stopped")
}

// Wait blocks until the server exits.
func (a *Agent) Wait() {
	a.mu.Lock()
	done := a.done
	a.mu.Unlock()
	if done != nil {
		<-done
	}
}

// session returns the running session, or nil.
func (a *Agent) session() *scanner.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Session
}

// StopScan stops any running scan from the tray.
func (a *Agent) StopScan(ctx context.Context) error {
	sess := a.session()
	if sess == nil {
		return scanner.ErrSessionClosed
	}
	_, err := sess.StopScan(ctx)
	return err
}

// Disconnect drops the BLE reader from the tray.
func (a *Agent) Disconnect(ctx context.Context) error {
	sess := a.session()
	if sess == nil {
		return scanner.ErrSessionClosed
	}
	return sess.Disconnect(ctx)
}

// BatteryLevel returns the BLE reader's battery percentage.
func (a *Agent) BatteryLevel(ctx context.Context) (int, error) {
	sess := a.session()
	if sess == nil {
		return 0, scanner.ErrSessionClosed
	}
	return sess.GetBatteryLevel(ctx)
}
