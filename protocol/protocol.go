// Package protocol provides the scan agent's wire types for host apps and
// external tools. This package is designed to be importable without pulling
// in server or hardware dependencies.
package protocol

import "time"

// InitScannerPayload is the payload of initScanner. An empty or missing
// address selects the built-in barcode engine; anything else is the BLE
// reader to connect to.
type InitScannerPayload struct {
	Address string `json:"address,omitempty"`
}

// ScanPayload is the payload of the single-shot scan request.
type ScanPayload struct {
	// TimeoutMs bounds the wait for the first value. Defaults to 5000.
	TimeoutMs int `json:"timeoutMs,omitempty"`
}

// ScanBlePayload is the payload of scanBle.
type ScanBlePayload struct {
	// DurationMs is the discovery window. Defaults to 10000.
	DurationMs int `json:"durationMs,omitempty"`
}

// LifecyclePayload reports a host app lifecycle transition.
type LifecyclePayload struct {
	State string `json:"state"`
}

// Host lifecycle states.
const (
	LifecyclePause   = "pause"
	LifecycleResume  = "resume"
	LifecycleDestroy = "destroy"
)

// TagDataPayload is one inventory read, streamed while a BLE inventory runs.
type TagDataPayload struct {
	EPC     string    `json:"epc"`
	RSSI    float64   `json:"rssi"`
	Antenna int       `json:"antenna,omitempty"`
	ReadAt  time.Time `json:"readAt"`
}

// PeerPayload is one discovered reader.
type PeerPayload struct {
	Name string `json:"name"`
	MAC  string `json:"mac"`
}

// PermissionRequestPayload asks the host to prompt for platform permissions.
type PermissionRequestPayload struct {
	RequestCode int      `json:"requestCode"`
	Permissions []string `json:"permissions"`
}

// PermissionResultPayload is the host's answer to a permission request.
type PermissionResultPayload struct {
	RequestCode  int      `json:"requestCode"`
	Permissions  []string `json:"permissions"`
	GrantResults []bool   `json:"grantResults"`
}

// DeviceStatusPayload is the session snapshot pushed on connect and on
// every state change.
type DeviceStatusPayload struct {
	Mode              string `json:"mode"`
	Connected         bool   `json:"connected"`
	Scanning          bool   `json:"scanning"`
	Discovering       bool   `json:"discovering"`
	Address           string `json:"address,omitempty"`
	PermissionPending bool   `json:"permissionPending"`
	Message           string `json:"message"`
}

// HealthResponse is returned by GET /api/v1/health.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"` // RFC3339
	Version   string `json:"version"`
}

// Error codes for requests rejected before they reach the session.
const (
	ErrCodeParseError     = "PARSE_ERROR"
	ErrCodeUnknownType    = "UNKNOWN_TYPE"
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeBusy           = "BUSY"
)
