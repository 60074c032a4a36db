package protocol

import (
	"bytes"
	"encoding/json"
)

// Request message types sent by the client.
const (
	WSTypeInitScanner      = "initScanner"
	WSTypeStartScan        = "startScan"
	WSTypeStopScan         = "stopScan"
	WSTypeScan             = "scan"
	WSTypeScanBle          = "scanBle"
	WSTypeStopScanBle      = "stopScanBle"
	WSTypeDisconnect       = "disconnect"
	WSTypeGetBatteryLevel  = "getBatteryLevel"
	WSTypePermissionResult = "permissionResult"
	WSTypeGetStatus        = "getStatus"
	WSTypeLifecycle        = "lifecycle"
)

// Older action names still sent by some host builds.
const (
	WSTypeInitialize = "initialize"
	WSTypeStart      = "start"
	WSTypeStop       = "stop"
)

// Message types pushed by the agent.
const (
	WSTypeScanData          = "scanData"
	WSTypeTagData           = "tagData"
	WSTypePeers             = "peers"
	WSTypeDeviceStatus      = "deviceStatus"
	WSTypePermissionRequest = "permissionRequest"
	WSTypeError             = "error"
)

// ResponseType returns the terminal response type for a request type.
func ResponseType(requestType string) string {
	return requestType + "Response"
}

// WebSocketMessage is the generic envelope for agent-initiated messages and
// streaming deliveries. KeepCallback marks a delivery that will be followed
// by more deliveries for the same request ID.
type WebSocketMessage struct {
	ID           string `json:"id,omitempty"`
	Type         string `json:"type"`
	KeepCallback bool   `json:"keepCallback,omitempty"`
	Payload      any    `json:"payload"`
}

// WebSocketRequest is an incoming request from the client.
type WebSocketRequest struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DecodePayload unmarshals the request payload into v. An absent or null
// payload leaves v untouched.
func (r WebSocketRequest) DecodePayload(v any) error {
	p := bytes.TrimSpace(r.Payload)
	if len(p) == 0 || bytes.Equal(p, []byte("null")) {
		return nil
	}
	return json.Unmarshal(p, v)
}

// WebSocketResponse is the terminal response to a request.
type WebSocketResponse struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ErrorPayload carries the machine-readable code of a failed request.
type ErrorPayload struct {
	Code string `json:"code"`
}
