package scanner

import (
	"sync"
)

// Permission names a platform runtime permission.
type Permission string

const (
	PermissionBluetoothScan    Permission = "android.permission.BLUETOOTH_SCAN"
	PermissionBluetoothConnect Permission = "android.permission.BLUETOOTH_CONNECT"
	PermissionFineLocation     Permission = "android.permission.ACCESS_FINE_LOCATION"
)

// BLEPermissions is requested as one batch before any BLE action.
var BLEPermissions = []Permission{
	PermissionBluetoothScan,
	PermissionBluetoothConnect,
	PermissionFineLocation,
}

const (
	// PermissionRequestCode tags the BLE permission request.
	PermissionRequestCode = 9001

	// RuntimePermissionAPILevel is the first platform level that needs
	// runtime BLE grants. Older levels are always satisfied.
	RuntimePermissionAPILevel = 31
)

// PermissionResult is the platform's answer to a permission request.
type PermissionResult struct {
	RequestCode int          `json:"requestCode"`
	Permissions []Permission `json:"permissions"`
	Granted     []bool       `json:"grantResults"`
}

// AllGranted reports whether every requested permission was granted.
// An empty answer (the prompt was dismissed) counts as denied.
func (r PermissionResult) AllGranted() bool {
	if len(r.Granted) == 0 {
		return false
	}
	for _, ok := range r.Granted {
		if !ok {
			return false
		}
	}
	return true
}

// PermissionService is the platform permission plumbing.
//
// RequestPermissions must return without waiting for the user; the answer
// is handed to deliver later, from any goroutine.
type PermissionService interface {
	RuntimeGrantsRequired() bool
	HasPermission(p Permission) bool
	RequestPermissions(requestCode int, perms []Permission, deliver func(PermissionResult)) error
}

func hasAll(svc PermissionService, perms []Permission) bool {
	for _, p := range perms {
		if !svc.HasPermission(p) {
			return false
		}
	}
	return true
}

// StaticPermissions answers permission checks from a fixed grant table.
// It stands in for the platform on hosts without a permission prompt.
type StaticPermissions struct {
	APILevel int
	granted  map[Permission]bool
	mu       sync.RWMutex
}

// NewStaticPermissions creates a table granting the given permissions.
func NewStaticPermissions(apiLevel int, granted ...Permission) *StaticPermissions {
	sp := &StaticPermissions{
		APILevel: apiLevel,
		granted:  make(map[Permission]bool),
	}
	for _, p := range granted {
		sp.granted[p] = true
	}
	return sp
}

// RuntimeGrantsRequired implements PermissionService.
func (sp *StaticPermissions) RuntimeGrantsRequired() bool {
	return sp.APILevel >= RuntimePermissionAPILevel
}

// HasPermission implements PermissionService.
func (sp *StaticPermissions) HasPermission(p Permission) bool {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	return sp.granted[p]
}

// SetGranted changes the grant for p.
func (sp *StaticPermissions) SetGranted(p Permission, granted bool) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.granted[p] = granted
}

// RequestPermissions implements PermissionService by answering from the table.
func (sp *StaticPermissions) RequestPermissions(requestCode int, perms []Permission, deliver func(PermissionResult)) error {
	result := PermissionResult{
		RequestCode: requestCode,
		Permissions: append([]Permission(nil), perms...),
		Granted:     make([]bool, len(perms)),
	}
	for i, p := range perms {
		result.Granted[i] = sp.HasPermission(p)
	}
	go deliver(result)
	return nil
}
