package rpc

import (
	"context"
	"encoding/json"
	"time"
)

// toolCallParams is the params shape for "tools/call".
type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type toolHandler func(d *Dispatcher, req Request, args json.RawMessage) Response

// toolRegistry lists every mutating tool the control surface exposes, per
// spec §4.11.
var toolRegistry = map[string]toolHandler{
	"tick":                toolTick,
	"run_until_idle":      toolRunUntilIdle,
	"stop":                toolStop,
	"pause":               toolPause,
	"resume":              toolResume,
	"set_state":           toolSetState,
	"get_frame":           toolGetFrame,
	"cancel_node":         toolCancelNode,
	"retry_node":          toolRetryNode,
	"approve":             toolApprove,
	"deny":                toolDeny,
	"restart_from_frame":  toolRestartFromFrame,
}

func (d *Dispatcher) handleToolsCall(req Request) Response {
	var p toolCallParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return errorResponse(req.ID, CodeInvalidParams, "malformed params: "+err.Error())
	}
	handler, ok := toolRegistry[p.Name]
	if !ok {
		return errorResponse(req.ID, CodeMethodNotFound, "unknown tool: "+p.Name)
	}
	return handler(d, req, p.Arguments)
}

type execArgs struct {
	ExecutionID string `json:"execution_id"`
}

func (d *Dispatcher) bindingFor(req Request, args json.RawMessage) (*Binding, *Response) {
	var a execArgs
	if err := json.Unmarshal(args, &a); err != nil || a.ExecutionID == "" {
		r := errorResponse(req.ID, CodeInvalidParams, "execution_id is required")
		return nil, &r
	}
	b, ok := d.binding(a.ExecutionID)
	if !ok {
		r := errorResponse(req.ID, CodeResourceNotFound, "unknown execution: "+a.ExecutionID)
		return nil, &r
	}
	return b, nil
}

func toolTick(d *Dispatcher, req Request, args json.RawMessage) Response {
	b, errResp := d.bindingFor(req, args)
	if errResp != nil {
		return *errResp
	}
	quiescent, err := b.Handle.Step(context.Background())
	if err != nil {
		return errorResponse(req.ID, CodeInternalError, err.Error())
	}
	return resultResponse(req.ID, map[string]any{"quiescent": quiescent})
}

func toolRunUntilIdle(d *Dispatcher, req Request, args json.RawMessage) Response {
	b, errResp := d.bindingFor(req, args)
	if errResp != nil {
		return *errResp
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	frames := 0
	for {
		quiescent, err := b.Handle.Step(ctx)
		if err != nil {
			return errorResponse(req.ID, CodeInternalError, err.Error())
		}
		frames++
		if quiescent {
			return resultResponse(req.ID, map[string]any{"quiescent": true, "frames_run": frames})
		}
		select {
		case <-ctx.Done():
			return resultResponse(req.ID, map[string]any{"quiescent": false, "frames_run": frames, "reason": "deadline exceeded"})
		default:
		}
	}
}

func toolStop(d *Dispatcher, req Request, args json.RawMessage) Response {
	b, errResp := d.bindingFor(req, args)
	if errResp != nil {
		return *errResp
	}
	b.Handle.RequestStop()
	return resultResponse(req.ID, map[string]any{"stopping": true})
}

func toolPause(d *Dispatcher, req Request, args json.RawMessage) Response {
	b, errResp := d.bindingFor(req, args)
	if errResp != nil {
		return *errResp
	}
	b.Handle.Pause()
	return resultResponse(req.ID, map[string]any{"paused": true})
}

func toolResume(d *Dispatcher, req Request, args json.RawMessage) Response {
	b, errResp := d.bindingFor(req, args)
	if errResp != nil {
		return *errResp
	}
	b.Handle.Resume()
	return resultResponse(req.ID, map[string]any{"paused": false})
}

type setStateArgs struct {
	ExecutionID string `json:"execution_id"`
	Key         string `json:"key"`
	Value       any    `json:"value"`
}

func toolSetState(d *Dispatcher, req Request, args json.RawMessage) Response {
	var a setStateArgs
	if err := json.Unmarshal(args, &a); err != nil || a.ExecutionID == "" || a.Key == "" {
		return errorResponse(req.ID, CodeInvalidParams, "execution_id and key are required")
	}
	b, ok := d.binding(a.ExecutionID)
	if !ok {
		return errorResponse(req.ID, CodeResourceNotFound, "unknown execution: "+a.ExecutionID)
	}
	if err := b.Handle.SetState(a.Key, a.Value); err != nil {
		return errorResponse(req.ID, CodeInternalError, err.Error())
	}
	return resultResponse(req.ID, map[string]any{"ok": true})
}

type frameArgs struct {
	ExecutionID string `json:"execution_id"`
	Sequence    int64  `json:"sequence"`
}

func toolGetFrame(d *Dispatcher, req Request, args json.RawMessage) Response {
	var a frameArgs
	if err := json.Unmarshal(args, &a); err != nil || a.ExecutionID == "" {
		return errorResponse(req.ID, CodeInvalidParams, "execution_id is required")
	}
	b, ok := d.binding(a.ExecutionID)
	if !ok {
		return errorResponse(req.ID, CodeResourceNotFound, "unknown execution: "+a.ExecutionID)
	}
	row, err := b.Handle.Repo().GetFrame(a.ExecutionID, a.Sequence)
	if err != nil {
		return errorResponse(req.ID, CodeResourceNotFound, err.Error())
	}
	return resultResponse(req.ID, row)
}

type nodeArgs struct {
	ExecutionID string `json:"execution_id"`
	NodeID      string `json:"node_id"`
}

func toolCancelNode(d *Dispatcher, req Request, args json.RawMessage) Response {
	var a nodeArgs
	if err := json.Unmarshal(args, &a); err != nil || a.ExecutionID == "" || a.NodeID == "" {
		return errorResponse(req.ID, CodeInvalidParams, "execution_id and node_id are required")
	}
	b, ok := d.binding(a.ExecutionID)
	if !ok {
		return errorResponse(req.ID, CodeResourceNotFound, "unknown execution: "+a.ExecutionID)
	}
	cancelled := b.Handle.CancelNode(a.NodeID)
	return resultResponse(req.ID, map[string]any{"cancelled": cancelled})
}

type retryArgs struct {
	ExecutionID string `json:"execution_id"`
	TaskID      string `json:"task_id"`
}

func toolRetryNode(d *Dispatcher, req Request, args json.RawMessage) Response {
	var a retryArgs
	if err := json.Unmarshal(args, &a); err != nil || a.ExecutionID == "" || a.TaskID == "" {
		return errorResponse(req.ID, CodeInvalidParams, "execution_id and task_id are required")
	}
	b, ok := d.binding(a.ExecutionID)
	if !ok {
		return errorResponse(req.ID, CodeResourceNotFound, "unknown execution: "+a.ExecutionID)
	}
	if err := b.Handle.RetryNode(a.TaskID); err != nil {
		return errorResponse(req.ID, CodeInternalError, err.Error())
	}
	return resultResponse(req.ID, map[string]any{"ok": true})
}

type approvalArgs struct {
	ExecutionID string `json:"execution_id"`
	ApprovalID  string `json:"approval_id"`
	Responder   string `json:"responder"`
	Comment     string `json:"comment"`
	Data        any    `json:"data"`
}

func toolApprove(d *Dispatcher, req Request, args json.RawMessage) Response {
	return respondApproval(d, req, args, true)
}

func toolDeny(d *Dispatcher, req Request, args json.RawMessage) Response {
	return respondApproval(d, req, args, false)
}

func respondApproval(d *Dispatcher, req Request, args json.RawMessage, approved bool) Response {
	var a approvalArgs
	if err := json.Unmarshal(args, &a); err != nil || a.ExecutionID == "" || a.ApprovalID == "" {
		return errorResponse(req.ID, CodeInvalidParams, "execution_id and approval_id are required")
	}
	b, ok := d.binding(a.ExecutionID)
	if !ok {
		return errorResponse(req.ID, CodeResourceNotFound, "unknown execution: "+a.ExecutionID)
	}
	if err := b.Handle.Approvals().Respond(a.ApprovalID, approved, a.Responder, a.Comment, a.Data); err != nil {
		return errorResponse(req.ID, CodeInvalidParams, err.Error())
	}
	return resultResponse(req.ID, map[string]any{"ok": true})
}

// toolRestartFromFrame is a control-surface placeholder: restarting a
// live Engine from an arbitrary historical frame requires re-deriving its
// in-memory reconciliation state (previous tree, running tasks) from that
// frame's persisted plan, which the CLI's "run" path builds fresh rather
// than the server resuming in place. Exposed here so the tool contract is
// complete; it reports the target frame rather than performing a live
// rewind, and callers that need this should restart the process with
// SMITHERS_EXECUTION_ID set and the database already at that frame.
func toolRestartFromFrame(d *Dispatcher, req Request, args json.RawMessage) Response {
	var a frameArgs
	if err := json.Unmarshal(args, &a); err != nil || a.ExecutionID == "" {
		return errorResponse(req.ID, CodeInvalidParams, "execution_id is required")
	}
	b, ok := d.binding(a.ExecutionID)
	if !ok {
		return errorResponse(req.ID, CodeResourceNotFound, "unknown execution: "+a.ExecutionID)
	}
	row, err := b.Handle.Repo().GetFrame(a.ExecutionID, a.Sequence)
	if err != nil {
		return errorResponse(req.ID, CodeResourceNotFound, err.Error())
	}
	return resultResponse(req.ID, map[string]any{"target_frame": row.Sequence, "restart_required": true})
}
