package server

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dotside-studios/davi-scan-agent/protocol"
	"github.com/dotside-studios/davi-scan-agent/scanner"
)

// ScannerHandler maps WebSocket requests onto the device session.
type ScannerHandler struct {
	session     *scanner.Session
	permissions *ClientPermissionService
	log         zerolog.Logger
}

// NewScannerHandler creates a handler for session. permissions may be nil
// when prompts are answered locally.
func NewScannerHandler(session *scanner.Session, permissions *ClientPermissionService) *ScannerHandler {
	return &ScannerHandler{
		session:     session,
		permissions: permissions,
		log:         log.With().Str("component", "scanner-handler").Logger(),
	}
}

// Register implements ServerHandler interface.
func (h *ScannerHandler) Register(server HandlerServer) {
	server.Handle(protocol.WSTypeInitScanner, h.handleInitScanner)
	server.Handle(protocol.WSTypeInitialize, h.handleInitScanner)
	server.Handle(protocol.WSTypeStartScan, h.handleStartScan)
	server.Handle(protocol.WSTypeStart, h.handleStartScan)
	server.Handle(protocol.WSTypeStopScan, h.handleStopScan)
	server.Handle(protocol.WSTypeStop, h.handleStopScan)
	server.Handle(protocol.WSTypeScan, h.handleScan)
	server.Handle(protocol.WSTypeScanBle, h.handleScanBle)
	server.Handle(protocol.WSTypeStopScanBle, h.handleStopScanBle)
	server.Handle(protocol.WSTypeDisconnect, h.handleDisconnect)
	server.Handle(protocol.WSTypeGetBatteryLevel, h.handleGetBatteryLevel)
	server.Handle(protocol.WSTypeLifecycle, h.handleLifecycle)

	// Never queued behind a blocked pool: a pending initialize may be
	// waiting on exactly this answer.
	server.HandleInline(protocol.WSTypePermissionResult, h.handlePermissionResult)
	server.HandleInline(protocol.WSTypeGetStatus, h.handleGetStatus)
}

func (h *ScannerHandler) handleInitScanner(ctx context.Context, client *Client, req protocol.WebSocketRequest) error {
	var payload protocol.InitScannerPayload
	if err := req.DecodePayload(&payload); err != nil {
		client.ReplyError(req, protocol.ErrCodeInvalidRequest, "Invalid initScanner payload")
		return err
	}

	address := protocol.NormalizeAddress(payload.Address)
	h.log.Info().Str("address", address).Msg("initializing scanner")

	msg, err := h.session.Initialize(ctx, address)
	if err != nil {
		client.Fail(req, err)
		return err
	}
	return client.Reply(req, msg)
}

func (h *ScannerHandler) handleStartScan(ctx context.Context, client *Client, req protocol.WebSocketRequest) error {
	stream, err := h.session.StartScan(ctx)
	if err != nil {
		client.Fail(req, err)
		return err
	}

	remove := client.OnClose(stream.Close)
	go func() {
		defer remove()
		h.forwardScan(client, req, stream)
	}()
	return nil
}

// forwardScan relays scan events to the client until the stream ends, then
// sends the terminal response.
func (h *ScannerHandler) forwardScan(client *Client, req protocol.WebSocketRequest, stream *scanner.Stream[scanner.ScanEvent]) {
	logger := h.log.With().Str("stream", stream.ID()).Logger()

	for ev := range stream.Events() {
		if err := client.Send(scanMessage(req.ID, ev)); err != nil {
			logger.Debug().Err(err).Msg("client gone, closing scan stream")
			stream.Close()
		}
	}

	if n := stream.Dropped(); n > 0 {
		logger.Warn().Uint64("dropped", n).Msg("scan events dropped, client too slow")
	}

	if err := stream.Err(); err != nil {
		client.Fail(req, err)
		return
	}
	client.Reply(req, "stopped")
}

func scanMessage(id string, ev scanner.ScanEvent) protocol.WebSocketMessage {
	if ev.Tag == nil {
		return protocol.WebSocketMessage{
			ID:           id,
			Type:         protocol.WSTypeScanData,
			KeepCallback: true,
			Payload:      ev.Code,
		}
	}
	return protocol.WebSocketMessage{
		ID:           id,
		Type:         protocol.WSTypeTagData,
		KeepCallback: true,
		Payload:      tagPayload(*ev.Tag),
	}
}

func tagPayload(tag scanner.Tag) protocol.TagDataPayload {
	epc, err := protocol.ParseEPC(tag.EPC)
	if err != nil {
		epc = tag.EPC
	}
	return protocol.TagDataPayload{
		EPC:     epc,
		RSSI:    tag.RSSI,
		Antenna: tag.Antenna,
		ReadAt:  tag.ReadAt,
	}
}

func (h *ScannerHandler) handleStopScan(ctx context.Context, client *Client, req protocol.WebSocketRequest) error {
	msg, err := h.session.StopScan(ctx)
	if err != nil {
		client.Fail(req, err)
		return err
	}
	return client.Reply(req, msg)
}

func (h *ScannerHandler) handleScan(ctx context.Context, client *Client, req protocol.WebSocketRequest) error {
	var payload protocol.ScanPayload
	if err := req.DecodePayload(&payload); err != nil {
		client.ReplyError(req, protocol.ErrCodeInvalidRequest, "Invalid scan payload")
		return err
	}

	ev, err := h.session.ScanOnce(ctx, time.Duration(payload.TimeoutMs)*time.Millisecond)
	if err != nil {
		client.Fail(req, err)
		return err
	}
	if ev.Tag != nil {
		return client.Reply(req, tagPayload(*ev.Tag))
	}
	return client.Reply(req, ev.Code)
}

func (h *ScannerHandler) handleScanBle(ctx context.Context, client *Client, req protocol.WebSocketRequest) error {
	var payload protocol.ScanBlePayload
	if err := req.DecodePayload(&payload); err != nil {
		client.ReplyError(req, protocol.ErrCodeInvalidRequest, "Invalid scanBle payload")
		return err
	}

	stream, err := h.session.ScanPeers(ctx, time.Duration(payload.DurationMs)*time.Millisecond)
	if err != nil {
		client.Fail(req, err)
		return err
	}

	remove := client.OnClose(stream.Close)
	go func() {
		defer remove()
		h.forwardPeers(client, req, stream)
	}()
	return nil
}

func (h *ScannerHandler) forwardPeers(client *Client, req protocol.WebSocketRequest, stream *scanner.Stream[[]scanner.Peer]) {
	last := []protocol.PeerPayload{}
	for peers := range stream.Events() {
		last = peerPayloads(peers)
		err := client.Send(protocol.WebSocketMessage{
			ID:           req.ID,
			Type:         protocol.WSTypePeers,
			KeepCallback: true,
			Payload:      last,
		})
		if err != nil {
			stream.Close()
		}
	}

	if err := stream.Err(); err != nil {
		client.Fail(req, err)
		return
	}
	client.Reply(req, last)
}

func peerPayloads(peers []scanner.Peer) []protocol.PeerPayload {
	out := make([]protocol.PeerPayload, len(peers))
	for i, p := range peers {
		out[i] = protocol.PeerPayload{Name: p.Name, MAC: p.MAC}
	}
	return out
}

func (h *ScannerHandler) handleStopScanBle(ctx context.Context, client *Client, req protocol.WebSocketRequest) error {
	if err := h.session.StopPeerScan(ctx); err != nil {
		client.Fail(req, err)
		return err
	}
	return client.Reply(req, nil)
}

func (h *ScannerHandler) handleDisconnect(ctx context.Context, client *Client, req protocol.WebSocketRequest) error {
	if err := h.session.Disconnect(ctx); err != nil {
		client.Fail(req, err)
		return err
	}
	return client.Reply(req, nil)
}

func (h *ScannerHandler) handleGetBatteryLevel(ctx context.Context, client *Client, req protocol.WebSocketRequest) error {
	level, err := h.session.GetBatteryLevel(ctx)
	if err != nil {
		client.Fail(req, err)
		return err
	}
	return client.Reply(req, strconv.Itoa(level))
}

func (h *ScannerHandler) handleLifecycle(ctx context.Context, client *Client, req protocol.WebSocketRequest) error {
	var payload protocol.LifecyclePayload
	if err := req.DecodePayload(&payload); err != nil {
		client.ReplyError(req, protocol.ErrCodeInvalidRequest, "Invalid lifecycle payload")
		return err
	}

	var err error
	switch payload.State {
	case protocol.LifecyclePause:
		err = h.session.Pause(ctx)
	case protocol.LifecycleDestroy:
		err = h.session.Teardown(ctx)
	case protocol.LifecycleResume:
	default:
		msg := fmt.Sprintf("Unknown lifecycle state: %q", payload.State)
		client.ReplyError(req, protocol.ErrCodeInvalidRequest, msg)
		return errors.New(msg)
	}

	if err != nil {
		client.Fail(req, err)
		return err
	}
	h.log.Info().Str("state", payload.State).Msg("host lifecycle")
	return client.Reply(req, nil)
}

func (h *ScannerHandler) handlePermissionResult(ctx context.Context, client *Client, req protocol.WebSocketRequest) error {
	var payload protocol.PermissionResultPayload
	if err := req.DecodePayload(&payload); err != nil {
		client.ReplyError(req, protocol.ErrCodeInvalidRequest, "Invalid permissionResult payload")
		return err
	}

	if h.permissions != nil {
		h.permissions.Resolve(payload)
	} else {
		// No client-side prompts configured; hand the answer to the session directly.
		result := scanner.PermissionResult{RequestCode: payload.RequestCode, Granted: payload.GrantResults}
		for _, p := range payload.Permissions {
			result.Permissions = append(result.Permissions, scanner.Permission(p))
		}
		h.session.OnPermissionResult(result)
	}
	return client.Reply(req, nil)
}

func (h *ScannerHandler) handleGetStatus(ctx context.Context, client *Client, req protocol.WebSocketRequest) error {
	return client.Reply(req, statusPayload(h.session.Status()))
}
