package server

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/dotside-studios/davi-scan-agent/protocol"
)

// HandlerFunc is a function type for handling websocket messages.
// It processes a websocket request and returns an error if processing fails.
// Handlers report failures to the client themselves; the returned error is
// only logged.
type HandlerFunc func(ctx context.Context, client *Client, req protocol.WebSocketRequest) error

// HandlerServer provides methods for handlers to register routes and start lifecycle processes.
// It also provides broadcast methods for sending data to the connected client.
type HandlerServer interface {
	// Handle registers a handler that runs on the worker pool.
	Handle(messageType string, handler HandlerFunc) error

	// HandleInline registers a handler that runs on the connection's read
	// loop. It must not block.
	HandleInline(messageType string, handler HandlerFunc) error

	// StartLifecycle registers a function to be called when the server starts
	StartLifecycle(start func(ctx context.Context))

	// Broadcast sends msg to the connected client, if any.
	Broadcast(msg protocol.WebSocketMessage) error
}

// ServerHandler is the interface that handlers must implement.
// Handlers call Register() to set up their routes and lifecycle in one place.
type ServerHandler interface {
	Register(server HandlerServer)
}

type handlerEntry struct {
	fn     HandlerFunc
	inline bool
}

// HandlerRegistry manages websocket message handlers using a router-style approach.
// It provides thread-safe registration and retrieval of handler functions by message type.
type HandlerRegistry struct {
	handlers          map[string]handlerEntry
	lifecycleStarters []func(ctx context.Context)
	mu                sync.RWMutex
}

// NewHandlerRegistry creates a new handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]handlerEntry),
	}
}

// Handle registers a pooled handler function for a specific message type.
// Returns an error if a handler for the same message type is already registered.
func (r *HandlerRegistry) Handle(messageType string, handler HandlerFunc) error {
	return r.register(messageType, handler, false)
}

// HandleInline registers a handler that runs on the read loop.
func (r *HandlerRegistry) HandleInline(messageType string, handler HandlerFunc) error {
	return r.register(messageType, handler, true)
}

func (r *HandlerRegistry) register(messageType string, handler HandlerFunc, inline bool) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	if messageType == "" {
		return fmt.Errorf("message type cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[messageType]; exists {
		return fmt.Errorf("handler for message type '%s' already registered", messageType)
	}

	r.handlers[messageType] = handlerEntry{fn: handler, inline: inline}
	return nil
}

// RegisterLifecycle registers a lifecycle function to be called when the server starts.
func (r *HandlerRegistry) RegisterLifecycle(start func(ctx context.Context)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lifecycleStarters = append(r.lifecycleStarters, start)
}

// Get retrieves a handler function by message type.
// Returns the handler and true if found, nil and false otherwise.
func (r *HandlerRegistry) Get(messageType string) (HandlerFunc, bool) {
	entry, ok := r.lookup(messageType)
	return entry.fn, ok
}

// IsInline reports whether the handler for messageType runs on the read loop.
func (r *HandlerRegistry) IsInline(messageType string) bool {
	entry, _ := r.lookup(messageType)
	return entry.inline
}

func (r *HandlerRegistry) lookup(messageType string) (handlerEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.handlers[messageType]
	return entry, ok
}

// Has checks if a handler exists for the given message type.
func (r *HandlerRegistry) Has(messageType string) bool {
	_, ok := r.lookup(messageType)
	return ok
}

// MessageTypes returns all registered message types, sorted.
func (r *HandlerRegistry) MessageTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// StartLifecycleHandlers starts all registered lifecycle functions.
func (r *HandlerRegistry) StartLifecycleHandlers(ctx context.Context) {
	r.mu.RLock()
	starters := slices.Clone(r.lifecycleStarters)
	r.mu.RUnlock()

	for _, starter := range starters {
		starter(ctx)
	}
}
