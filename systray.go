package main

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"fyne.io/systray"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dotside-studios/davi-scan-agent/buildinfo"
	"github.com/dotside-studios/davi-scan-agent/scanner"
	"github.com/dotside-studios/davi-scan-agent/server"
	"github.com/dotside-studios/davi-scan-agent/tls"
)

const batteryPollInterval = 30 * time.Second

// SystrayApp manages the system tray interface for the scan agent
type SystrayApp struct {
	agent *Agent
	log   zerolog.Logger

	statusCh chan scanner.Status

	mu     sync.Mutex
	status scanner.Status

	// Menu items
	mStatus     *systray.MenuItem
	mMode       *systray.MenuItem
	mConnection *systray.MenuItem
	mBattery    *systray.MenuItem
	mURL        *systray.MenuItem
	mCopyURL    *systray.MenuItem
	mStopScan   *systray.MenuItem
	mDisconnect *systray.MenuItem
	mStart      *systray.MenuItem
	mStop       *systray.MenuItem
	mQuit       *systray.MenuItem
}

// NewSystrayApp creates a new systray application
func NewSystrayApp(agent *Agent) *SystrayApp {
	s := &SystrayApp{
		agent:    agent,
		log:      log.With().Str("component", "systray").Logger(),
		statusCh: make(chan scanner.Status, 8),
	}
	agent.OnStatus(s.pushStatus)
	return s
}

// Run starts the systray application
func (s *SystrayApp) Run() {
	systray.Run(s.onReady, s.onExit)
}

func (s *SystrayApp) onReady() {
	s.setupUI()
	s.startAgent()
	go s.watchStatus()
	go s.pollBattery()
	go s.handleMenuEvents()
}

func (s *SystrayApp) onExit() {
	s.agent.Stop()
}

// pushStatus runs on the session goroutine, so it only hands off.
func (s *SystrayApp) pushStatus(st scanner.Status) {
	select {
	case s.statusCh <- st:
	default:
	}
}

func (s *SystrayApp) setupUI() {
	systray.SetIcon(iconData)
	systray.SetTooltip(buildinfo.DisplayName)

	s.mStatus = systray.AddMenuItem("Starting...", "Agent status")
	s.mStatus.Disable()

	s.mURL = systray.AddMenuItem("URL: Not running", "WebSocket URL for host apps")
	s.mURL.Disable()
	s.mCopyURL = systray.AddMenuItem("Copy URL", "Copy the WebSocket URL to the clipboard")

	systray.AddSeparator()

	s.mMode = systray.AddMenuItem("Mode: Uninitialized", "Scanner backend")
	s.mMode.Disable()
	s.mConnection = systray.AddMenuItem("Reader: Not connected", "Scanner connection")
	s.mConnection.Disable()
	s.mBattery = systray.AddMenuItem("Battery: -", "BLE reader battery")
	s.mBattery.Disable()

	systray.AddSeparator()

	s.mStopScan = systray.AddMenuItem("Stop Scan", "Stop the running scan or inventory")
	s.mDisconnect = systray.AddMenuItem("Disconnect Reader", "Disconnect the BLE reader")
	s.mStopScan.Disable()
	s.mDisconnect.Disable()

	systray.AddSeparator()

	s.mStart = systray.AddMenuItem("Start Agent", "Start the scan agent")
	s.mStop = systray.AddMenuItem("Stop Agent", "Stop the scan agent")
	s.mStart.Disable()
	s.mStop.Disable()

	systray.AddSeparator()
	s.mQuit = systray.AddMenuItem("Quit", "Quit the application")
}

func (s *SystrayApp) startAgent() {
	if err := s.agent.Start(); err != nil {
		s.log.Error().Err(err).Msg("failed to start agent")
		s.mStatus.SetTitle("Failed to Start")
		systray.SetIcon(iconDataError)
		s.mStart.Enable()
		return
	}
	s.mStatus.SetTitle("Running")
	s.mURL.SetTitle("URL: " + s.wsURL())
	systray.SetIcon(iconDataConnected)
	s.mStart.Disable()
	s.mStop.Enable()
}

func (s *SystrayApp) stopAgent() {
	s.agent.Stop()
	s.mStatus.SetTitle("Stopped")
	s.mURL.SetTitle("URL: Not running")
	s.mBattery.SetTitle("Battery: -")
	s.mStopScan.Disable()
	s.mDisconnect.Disable()
	systray.SetIcon(iconDataStopped)
	s.mStop.Disable()
	s.mStart.Enable()
}

// wsURL returns the address host apps on this machine connect to.
func (s *SystrayApp) wsURL() string {
	scheme, host := "ws", "localhost"
	if s.agent.Config.TLS {
		scheme = "wss"
		if name := tls.MDNSHostname(); name != "" {
			host = name
		}
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, host, s.agent.Config.Port, server.RouteWS)
}

func (s *SystrayApp) watchStatus() {
	for st := range s.statusCh {
		s.mu.Lock()
		s.status = st
		s.mu.Unlock()
		s.renderStatus(st)
	}
}

func (s *SystrayApp) renderStatus(st scanner.Status) {
	s.mMode.SetTitle("Mode: " + st.Mode.String())

	switch {
	case st.Connected && st.Address != "":
		s.mConnection.SetTitle("Reader: " + st.Address)
	case st.Connected:
		s.mConnection.SetTitle("Reader: Ready")
	case st.PermissionPending:
		s.mConnection.SetTitle("Reader: Waiting for permission")
	default:
		s.mConnection.SetTitle("Reader: Not connected")
	}

	if st.Scanning {
		s.mStopScan.Enable()
		systray.SetIcon(iconDataScanning)
	} else {
		s.mStopScan.Disable()
		systray.SetIcon(iconDataConnected)
	}

	if st.Mode == scanner.ModeBleRfid && st.Connected {
		s.mDisconnect.Enable()
	} else {
		s.mDisconnect.Disable()
		s.mBattery.SetTitle("Battery: -")
	}
}

// pollBattery refreshes the battery item while a BLE reader is connected.
func (s *SystrayApp) pollBattery() {
	ticker := time.NewTicker(batteryPollInterval)
	defer ticker.Stop()

	for range ticker.C {
		s.mu.Lock()
		st := s.status
		s.mu.Unlock()
		if st.Mode != scanner.ModeBleRfid || !st.Connected || !s.agent.Running() {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		level, err := s.agent.BatteryLevel(ctx)
		cancel()
		if err != nil {
			s.log.Debug().Err(err).Msg("battery poll failed")
			continue
		}
		s.mBattery.SetTitle(fmt.Sprintf("Battery: %d%%", level))
	}
}

func (s *SystrayApp) handleMenuEvents() {
	for {
		select {
		case <-s.mStart.ClickedCh:
			s.startAgent()
		case <-s.mStop.ClickedCh:
			s.stopAgent()
		case <-s.mStopScan.ClickedCh:
			s.runAction("stop scan", s.agent.StopScan)
		case <-s.mDisconnect.ClickedCh:
			s.runAction("disconnect", s.agent.Disconnect)
		case <-s.mCopyURL.ClickedCh:
			if !s.agent.Running() {
				continue
			}
			if err := copyToClipboard(s.wsURL()); err != nil {
				s.log.Warn().Err(err).Msg("failed to copy to clipboard")
			}
		case <-s.mQuit.ClickedCh:
			systray.Quit()
			return
		}
	}
}

func (s *SystrayApp) runAction(name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		s.log.Warn().Err(err).Str("action", name).Msg("tray action failed")
	}
}

// copyToClipboard copies text to the system clipboard
func copyToClipboard(text string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("pbcopy")
	case "windows":
		cmd = exec.Command("clip")
	default:
		cmd = exec.Command("xclip", "-selection", "clipboard")
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	if _, err := stdin.Write([]byte(text)); err != nil {
		return err
	}
	stdin.Close()
	return cmd.Wait()
}
