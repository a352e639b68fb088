// Package approvals implements the approval store: a human-or-external
// decision gate that blocks a task until approved, denied, or expired.
package approvals

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smithers-ai/smithers/internal/errs"
)

// Status is the lifecycle state of one approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

// Request is one pending-or-resolved approval.
type Request struct {
	ID        string
	NodeID    string
	Kind      string
	Payload   any
	Prompt    string
	Options   map[string]any
	Status    Status
	Responder string
	Comment   string
	Data      any
	CreatedAt time.Time
	Deadline  time.Time
}

// Result is what Request(...) returns once resolved.
type Result struct {
	Approved bool
	Status   Status
	Comment  string
	Data     any
}

// Store tracks pending and resolved approvals for one execution.
type Store struct {
	mu       sync.Mutex
	requests map[string]*Request
	waiters  map[string]chan struct{}
	now      func() time.Time
}

// New builds an empty Store.
func New() *Store {
	return &Store{
		requests: make(map[string]*Request),
		waiters:  make(map[string]chan struct{}),
		now:      time.Now,
	}
}

// Request creates a pending approval and blocks until it is approved,
// denied, or its timeout elapses (treated as denial with a synthetic
// comment, per the spec's error taxonomy). ctx cancellation also unblocks
// the call, returning ctx.Err().
func (s *Store) Request(ctx context.Context, nodeID, kind string, payload any, prompt string, options map[string]any, timeout time.Duration) (Result, error) {
	id := uuid.NewString()
	wait := make(chan struct{})

	s.mu.Lock()
	req := &Request{
		ID: id, NodeID: nodeID, Kind: kind, Payload: payload, Prompt: prompt,
		Options: options, Status: StatusPending, CreatedAt: s.now(),
	}
	if timeout > 0 {
		req.Deadline = s.now().Add(timeout)
	}
	s.requests[id] = req
	s.waiters[id] = wait
	s.mu.Unlock()

	var timer *time.Timer
	var timerCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		timerCh = timer.C
		defer timer.Stop()
	}

	select {
	case <-wait:
		return s.resultFor(id), nil
	case <-timerCh:
		s.expire(id)
		return s.resultFor(id), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (s *Store) resultFor(id string) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return Result{Status: StatusDenied}
	}
	return Result{
		Approved: req.Status == StatusApproved,
		Status:   req.Status,
		Comment:  req.Comment,
		Data:     req.Data,
	}
}

func (s *Store) expire(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok || req.Status != StatusPending {
		return
	}
	req.Status = StatusExpired
	req.Comment = "approval expired before a response was recorded"
}

// Respond resolves a pending request. Rejects unknown ids and non-pending
// requests (already resolved or expired) per §4.12.
func (s *Store) Respond(id string, approved bool, responder, comment string, data any) error {
	s.mu.Lock()
	req, ok := s.requests[id]
	if !ok {
		s.mu.Unlock()
		return errs.NotFound("approval", id)
	}
	if req.Status != StatusPending {
		s.mu.Unlock()
		return errs.Conflict("approval is not pending").WithDetails("id", id).WithDetails("status", req.Status)
	}
	if approved {
		req.Status = StatusApproved
	} else {
		req.Status = StatusDenied
	}
	req.Responder = responder
	req.Comment = comment
	req.Data = data
	wait := s.waiters[id]
	delete(s.waiters, id)
	s.mu.Unlock()

	if wait != nil {
		close(wait)
	}
	return nil
}

// Pending lists every request still awaiting resolution, newest last.
func (s *Store) Pending() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Request
	for _, req := range s.requests {
		if req.Status == StatusPending {
			out = append(out, *req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Get returns a copy of one request by id.
func (s *Store) Get(id string) (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return Request{}, false
	}
	return *req, true
}

// SweepExpired resolves any pending request whose deadline has passed,
// called periodically by the tick loop so a blocked Request() call that
// raced the timer still observes StatusExpired promptly.
func (s *Store) SweepExpired() {
	s.mu.Lock()
	now := s.now()
	var toClose []chan struct{}
	for id, req := range s.requests {
		if req.Status == StatusPending && !req.Deadline.IsZero() && now.After(req.Deadline) {
			req.Status = StatusExpired
			req.Comment = "approval expired before a response was recorded"
			if w, ok := s.waiters[id]; ok {
				toClose = append(toClose, w)
				delete(s.waiters, id)
			}
		}
	}
	s.mu.Unlock()
	for _, w := range toClose {
		close(w)
	}
}
