// Package main runs the scan agent: a local WebSocket service that drives a
// serial 2D barcode engine or a BLE UHF RFID reader on behalf of a host app.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dotside-studios/davi-scan-agent/buildinfo"
	"github.com/dotside-studios/davi-scan-agent/scanner"
	"github.com/dotside-studios/davi-scan-agent/scanner/bleuhf"
	"github.com/dotside-studios/davi-scan-agent/server"
)

const defaultPort = 18080

func defaultConfigDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".", buildinfo.DirName)
	}
	return filepath.Join(dir, buildinfo.DirName)
}

// parseTrigger decodes a hex trigger sequence such as "16 54 0D".
func parseTrigger(s string) ([]byte, error) {
	s = strings.NewReplacer(" ", "", ":", "").Replace(s)
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(s)
}

func setupLogging(level string, console bool) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	if console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	return nil
}

func main() {
	var (
		cfg         AgentConfig
		cliMode     bool
		showVersion bool
		logLevel    string
		triggerOn   string
		triggerOff  string
	)

	flag.IntVar(&cfg.Port, "port", defaultPort, "Port to listen on")
	flag.BoolVar(&cliMode, "cli", false, "Run in CLI mode (default: system tray mode)")
	flag.StringVar(&cfg.APISecret, "api-secret", "", "API secret required to open the WebSocket (optional)")
	flag.StringVar(&cfg.Serial.Port, "serial-port", "", "Serial device of the barcode engine (default: auto-detect)")
	flag.IntVar(&cfg.Serial.Baud, "serial-baud", 9600, "Baud rate of the barcode engine")
	flag.StringVar(&triggerOn, "serial-trigger-on", "", "Hex bytes that start decoding (optional)")
	flag.StringVar(&triggerOff, "serial-trigger-off", "", "Hex bytes that stop decoding (optional)")
	flag.StringVar(&cfg.BLE.ServiceUUID, "ble-service", bleuhf.DefaultServiceUUID, "GATT service of the UHF reader")
	flag.StringVar(&cfg.BLE.RxUUID, "ble-rx", bleuhf.DefaultRxUUID, "Notify characteristic (reader to host)")
	flag.StringVar(&cfg.BLE.TxUUID, "ble-tx", bleuhf.DefaultTxUUID, "Write characteristic (host to reader)")
	flag.StringVar(&cfg.BLENamePrefix, "ble-name-prefix", "", "Only report BLE peers whose name starts with this")
	flag.DurationVar(&cfg.ConnectTimeout, "connect-timeout", scanner.DefaultConnectTimeout, "Timeout for opening a scanner backend")
	flag.StringVar(&cfg.Permissions, "permissions", PermissionsGranted, "Where BLE permissions come from: granted or client")
	flag.IntVar(&cfg.APILevel, "api-level", scanner.RuntimePermissionAPILevel, "Platform API level reported by the host")
	flag.BoolVar(&cfg.TLS, "tls", false, "Serve https/wss with a locally trusted certificate")
	flag.StringVar(&cfg.ConfigDir, "config-dir", defaultConfigDir(), "Directory for certificates")
	flag.IntVar(&cfg.Workers, "workers", server.DefaultWorkers, "Requests handled concurrently")
	flag.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.BoolVar(&cfg.DisableMDNS, "no-mdns", false, "Do not advertise the agent over mDNS")
	flag.BoolVar(&showVersion, "version", false, "Print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(buildinfo.BuildInfo())
		return
	}

	if err := setupLogging(logLevel, cliMode); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	var err error
	if cfg.Serial.TriggerOn, err = parseTrigger(triggerOn); err != nil {
		log.Fatal().Err(err).Msg("invalid -serial-trigger-on")
	}
	if cfg.Serial.TriggerOff, err = parseTrigger(triggerOff); err != nil {
		log.Fatal().Err(err).Msg("invalid -serial-trigger-off")
	}

	agent := NewAgent(cfg)

	if !cliMode {
		NewSystrayApp(agent).Run()
		return
	}

	log.Info().Str("version", buildinfo.FullVersion()).Msg("starting " + buildinfo.DisplayName)
	if err := agent.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start agent")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	exited := make(chan struct{})
	go func() {
		agent.Wait()
		close(exited)
	}()

	select {
	case <-sigChan:
		log.Info().Msg("shutting down")
	case <-exited:
	}
	agent.Stop()
}
