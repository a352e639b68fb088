// Package rpc implements the transport-agnostic JSON-RPC 2.0 dispatcher
// shared by the stdio and HTTP control-surface transports: one Dispatcher,
// driven by both, so session management, resource routing, and tool
// dispatch are written once (per spec §4.11's "both transports share the
// dispatcher").
package rpc

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smithers-ai/smithers/internal/engine"
)

// Standard JSON-RPC 2.0 error codes, plus the domain-specific codes this
// control surface adds.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeResourceNotFound = -32000
	CodeUnauthorized     = -32001
	CodeSessionExpired   = -32002
)

// Request is one JSON-RPC 2.0 request object.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is one JSON-RPC 2.0 response object.
type Response struct {
	JSONRPC string     `json:"jsonrpc"`
	ID      any        `json:"id,omitempty"`
	Result  any        `json:"result,omitempty"`
	Error   *RPCError  `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func errorResponse(id any, code int, message string) Response {
	return Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}}
}

func resultResponse(id any, result any) Response {
	return Response{JSONRPC: "2.0", ID: id, Result: result}
}

// Notification is one server-to-client event, carried over SSE with a
// monotone id so a resumed stream can replay via Last-Event-ID.
type Notification struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

// Session tracks one connected client's subscription state; sessions
// expire after IdleTimeout with no activity.
type Session struct {
	ID           string
	LastEventID  int64
	Subscribed   map[string]bool
	CreatedAt    time.Time
	LastActivity time.Time
}

// SessionManager creates and expires Sessions.
type SessionManager struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	idleTimeout time.Duration
	now         func() time.Time
}

func NewSessionManager(idleTimeout time.Duration) *SessionManager {
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Minute
	}
	return &SessionManager{sessions: make(map[string]*Session), idleTimeout: idleTimeout, now: time.Now}
}

func (m *SessionManager) Create() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &Session{ID: uuid.NewString(), Subscribed: make(map[string]bool), CreatedAt: m.now(), LastActivity: m.now()}
	m.sessions[s.ID] = s
	return s
}

// Touch marks a session active and returns it, or nil if unknown or
// expired (the caller should treat that as CodeSessionExpired).
func (m *SessionManager) Touch(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil
	}
	if m.now().Sub(s.LastActivity) > m.idleTimeout {
		delete(m.sessions, id)
		return nil
	}
	s.LastActivity = m.now()
	return s
}

// Sweep removes every session idle past the timeout.
func (m *SessionManager) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if m.now().Sub(s.LastActivity) > m.idleTimeout {
			delete(m.sessions, id)
		}
	}
}

// NotificationBus is a bounded ring buffer of notifications, shared by all
// sessions. On overflow the oldest entry is dropped (spec's default drop
// policy).
type NotificationBus struct {
	mu       sync.Mutex
	capacity int
	nextID   int64
	buf      []Notification
}

func NewNotificationBus(capacity int) *NotificationBus {
	if capacity <= 0 {
		capacity = 1024
	}
	return &NotificationBus{capacity: capacity}
}

// Publish appends a new notification and returns its assigned id.
func (b *NotificationBus) Publish(method string, params any) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	n := Notification{ID: b.nextID, Method: method, Params: params}
	b.buf = append(b.buf, n)
	if len(b.buf) > b.capacity {
		b.buf = b.buf[len(b.buf)-b.capacity:]
	}
	return n.ID
}

// Since returns every notification with id > sinceID, oldest first. If
// sinceID predates the buffer's oldest retained entry, everything still
// held is returned (best-effort replay, per the bounded-buffer drop
// policy).
func (b *NotificationBus) Since(sinceID int64) []Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Notification, 0, len(b.buf))
	for _, n := range b.buf {
		if n.ID > sinceID {
			out = append(out, n)
		}
	}
	return out
}

// Binding is one controllable execution: its engine handle. The dispatcher
// looks bindings up by execution id.
type Binding struct {
	Handle *engine.Handle
}

// Dispatcher is the transport-agnostic JSON-RPC 2.0 method router: both
// the stdio and HTTP transports call Dispatch per incoming request.
type Dispatcher struct {
	mu       sync.RWMutex
	bindings map[string]*Binding

	Sessions      *SessionManager
	Notifications *NotificationBus
	AuthToken     string // empty disables bearer-token enforcement (stdio transport)
}

func New(authToken string) *Dispatcher {
	return &Dispatcher{
		bindings:      make(map[string]*Binding),
		Sessions:      NewSessionManager(30 * time.Minute),
		Notifications: NewNotificationBus(1024),
		AuthToken:     authToken,
	}
}

// Bind registers executionID as controllable, and unbinds any prior
// binding under the same id.
func (d *Dispatcher) Bind(executionID string, h *engine.Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bindings[executionID] = &Binding{Handle: h}
}

func (d *Dispatcher) Unbind(executionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.bindings, executionID)
}

func (d *Dispatcher) binding(executionID string) (*Binding, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.bindings[executionID]
	return b, ok
}

// Authenticate checks a bearer token against AuthToken. Returns true if no
// token is configured (auth disabled) or the token matches.
func (d *Dispatcher) Authenticate(presented string) bool {
	if d.AuthToken == "" {
		return true
	}
	return presented == d.AuthToken
}

// Dispatch routes one JSON-RPC request to its method handler.
func (d *Dispatcher) Dispatch(req Request) Response {
	if req.JSONRPC != "2.0" || req.Method == "" {
		return errorResponse(req.ID, CodeInvalidRequest, "invalid request")
	}

	switch req.Method {
	case "initialize":
		return d.handleInitialize(req)
	case "resources/list":
		return d.handleResourcesList(req)
	case "resources/read":
		return d.handleResourcesRead(req)
	case "tools/list":
		return d.handleToolsList(req)
	case "tools/call":
		return d.handleToolsCall(req)
	default:
		return errorResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method))
	}
}

func (d *Dispatcher) handleInitialize(req Request) Response {
	session := d.Sessions.Create()
	return resultResponse(req.ID, map[string]any{
		"session_id": session.ID,
		"capabilities": map[string]any{
			"resources":     true,
			"tools":         true,
			"notifications": true,
		},
	})
}

func (d *Dispatcher) handleToolsList(req Request) Response {
	names := make([]string, 0, len(toolRegistry))
	for name := range toolRegistry {
		names = append(names, name)
	}
	return resultResponse(req.ID, map[string]any{"tools": names})
}
