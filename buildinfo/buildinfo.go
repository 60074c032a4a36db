// Package buildinfo holds the agent's name and the version stamped in at
// link time:
//
//	go build -ldflags "\
//	  -X github.com/dotside-studios/davi-scan-agent/buildinfo.Version=1.2.0 \
//	  -X github.com/dotside-studios/davi-scan-agent/buildinfo.Commit=$(git rev-parse --short HEAD) \
//	  -X github.com/dotside-studios/davi-scan-agent/buildinfo.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package buildinfo

import (
	"fmt"
	"runtime"
	"strings"
)

// Names used for the binary, the config directory and anything a user sees
// (tray tooltip, mDNS instance).
const (
	Name        = "davi-scan-agent"
	DirName     = Name
	DisplayName = "Davi Scan Agent"
)

// Set through -ldflags.
var (
	Version   = "dev"
	Commit    = ""
	BuildTime = ""
)

// FullVersion is Version with the short commit appended when known,
// e.g. "1.2.0 (abc1234)".
func FullVersion() string {
	if Commit == "" {
		return Version
	}
	return Version + " (" + Commit + ")"
}

// BuildInfo is the text printed by -version.
func BuildInfo() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", Name, FullVersion())
	b.WriteString("  Barcode and UHF RFID scanner bridge for host apps\n")
	fmt.Fprintf(&b, "  %s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	if BuildTime != "" {
		fmt.Fprintf(&b, "\n  built %s", BuildTime)
	}
	return b.String()
}
