package server

import (
	"errors"
	"sync"

	"github.com/dotside-studios/davi-scan-agent/protocol"
	"github.com/dotside-studios/davi-scan-agent/scanner"
)

// ErrNoClient is returned when a permission prompt is needed but no host
// app is connected to show it.
var ErrNoClient = errors.New("no client connected to answer the permission request")

// ClientPermissionService is a scanner.PermissionService whose prompts are
// shown by the connected host app. The agent pushes a permissionRequest and
// the host answers with a permissionResult.
type ClientPermissionService struct {
	apiLevel int

	mu      sync.Mutex
	push    func(protocol.WebSocketMessage) error
	granted map[scanner.Permission]bool
	deliver func(scanner.PermissionResult)
	code    int
	perms   []scanner.Permission
}

// NewClientPermissionService creates a service for a host at apiLevel.
func NewClientPermissionService(apiLevel int) *ClientPermissionService {
	return &ClientPermissionService{
		apiLevel: apiLevel,
		granted:  make(map[scanner.Permission]bool),
	}
}

// bind sets the function used to reach the host app.
func (p *ClientPermissionService) bind(push func(protocol.WebSocketMessage) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.push = push
}

// RuntimeGrantsRequired implements scanner.PermissionService.
func (p *ClientPermissionService) RuntimeGrantsRequired() bool {
	return p.apiLevel >= scanner.RuntimePermissionAPILevel
}

// HasPermission implements scanner.PermissionService. Grants are remembered
// from earlier answers for the lifetime of the agent.
func (p *ClientPermissionService) HasPermission(perm scanner.Permission) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.granted[perm]
}

// RequestPermissions implements scanner.PermissionService.
func (p *ClientPermissionService) RequestPermissions(requestCode int, perms []scanner.Permission, deliver func(scanner.PermissionResult)) error {
	p.mu.Lock()
	push := p.push
	p.deliver = deliver
	p.code = requestCode
	p.perms = append([]scanner.Permission(nil), perms...)
	p.mu.Unlock()

	if push == nil {
		p.clearPending()
		return ErrNoClient
	}

	names := make([]string, len(perms))
	for i, perm := range perms {
		names[i] = string(perm)
	}
	err := push(protocol.WebSocketMessage{
		Type: protocol.WSTypePermissionRequest,
		Payload: protocol.PermissionRequestPayload{
			RequestCode: requestCode,
			Permissions: names,
		},
	})
	if err != nil {
		p.clearPending()
		return err
	}
	return nil
}

// Resolve hands the host's answer to whoever asked. Results for a request
// that is not outstanding are passed through too; the session ignores codes
// it does not know.
func (p *ClientPermissionService) Resolve(payload protocol.PermissionResultPayload) {
	result := scanner.PermissionResult{
		RequestCode: payload.RequestCode,
		Granted:     payload.GrantResults,
	}
	for _, name := range payload.Permissions {
		result.Permissions = append(result.Permissions, scanner.Permission(name))
	}

	p.mu.Lock()
	for i, perm := range result.Permissions {
		if i < len(result.Granted) {
			p.granted[perm] = result.Granted[i]
		}
	}
	deliver := p.deliver
	if payload.RequestCode == p.code {
		p.deliver = nil
		p.perms = nil
	}
	p.mu.Unlock()

	if deliver != nil {
		deliver(result)
	}
}

// Cancel answers an outstanding request as dismissed. Called when the
// host app that was asked goes away.
func (p *ClientPermissionService) Cancel() {
	p.mu.Lock()
	deliver := p.deliver
	code := p.code
	perms := p.perms
	p.deliver = nil
	p.perms = nil
	p.mu.Unlock()

	if deliver != nil {
		deliver(scanner.PermissionResult{RequestCode: code, Permissions: perms})
	}
}

func (p *ClientPermissionService) clearPending() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deliver = nil
	p.perms = nil
}
