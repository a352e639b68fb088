package rpc

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/smithers-ai/smithers/internal/repo"
)

// resourceParams is the params shape for "resources/read".
type resourceParams struct {
	URI    string `json:"uri"`
	Cursor int64  `json:"cursor"`
	Limit  int    `json:"limit"`
}

// page wraps a result slice with the cursor pagination flags spec §4.11
// requires of every list resource.
type page struct {
	Items   any   `json:"items"`
	Cursor  int64 `json:"cursor"`
	HasNext bool  `json:"has_next"`
	HasPrev bool  `json:"has_prev"`
}

func (d *Dispatcher) handleResourcesList(req Request) Response {
	return resultResponse(req.ID, map[string]any{
		"uris": []string{
			"smithers://executions",
			"smithers://executions/{id}/frames",
			"smithers://executions/{id}/frames/{n}",
			"smithers://executions/{id}/nodes/{node_id}",
			"smithers://executions/{id}/nodes/{node_id}/runs",
			"smithers://executions/{id}/artifacts",
			"smithers://executions/{id}/approvals",
			"smithers://health",
		},
	})
}

// handleResourcesRead routes a resource URI per the fixed scheme recovered
// from original_source/smithers_py/mcp/resources.py.
func (d *Dispatcher) handleResourcesRead(req Request) Response {
	var p resourceParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return errorResponse(req.ID, CodeInvalidParams, "malformed params: "+err.Error())
		}
	}
	uri := strings.TrimPrefix(p.URI, "smithers://")
	parts := strings.Split(strings.Trim(uri, "/"), "/")

	if uri == "health" {
		return resultResponse(req.ID, map[string]any{"status": "ok"})
	}
	if len(parts) == 0 || parts[0] != "executions" {
		return errorResponse(req.ID, CodeResourceNotFound, "unknown resource: "+p.URI)
	}

	// smithers://executions
	if len(parts) == 1 {
		return d.readExecutionsList(req, p)
	}

	execID := parts[1]
	binding, ok := d.binding(execID)
	if !ok {
		return errorResponse(req.ID, CodeResourceNotFound, "unknown execution: "+execID)
	}
	r := binding.Handle.Repo()

	// smithers://executions/{id}
	if len(parts) == 2 {
		return d.readExecutionDetail(req, r, execID)
	}

	switch parts[2] {
	case "frames":
		if len(parts) == 4 {
			return d.readFrameDetail(req, r, execID, parts[3])
		}
		return d.readFramesList(req, r, execID, p)
	case "nodes":
		if len(parts) >= 4 {
			return d.readNodeRuns(req, r, execID, parts[3])
		}
		return errorResponse(req.ID, CodeResourceNotFound, "malformed node resource: "+p.URI)
	case "artifacts":
		return d.readArtifacts(req, binding, execID)
	case "approvals":
		return d.readApprovals(req, binding, execID)
	default:
		return errorResponse(req.ID, CodeResourceNotFound, "unknown resource: "+p.URI)
	}
}

func (d *Dispatcher) readExecutionsList(req Request, p resourceParams) Response {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows := make([]repo.ExecutionRow, 0, len(d.bindings))
	for id, b := range d.bindings {
		row, err := b.Handle.Repo().GetExecution(id)
		if err == nil {
			rows = append(rows, row)
		}
	}
	return resultResponse(req.ID, page{Items: rows, HasNext: false, HasPrev: false})
}

func (d *Dispatcher) readExecutionDetail(req Request, r *repo.Repo, execID string) Response {
	row, err := r.GetExecution(execID)
	if err != nil {
		return errorResponse(req.ID, CodeResourceNotFound, err.Error())
	}
	return resultResponse(req.ID, row)
}

func (d *Dispatcher) readFramesList(req Request, r *repo.Repo, execID string, p resourceParams) Response {
	limit := p.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.ListFrames(execID, p.Cursor, p.Cursor+int64(limit))
	if err != nil {
		return errorResponse(req.ID, CodeInternalError, err.Error())
	}
	next := p.Cursor
	hasNext := false
	if len(rows) > 0 {
		next = rows[len(rows)-1].Sequence
		hasNext = int64(len(rows)) >= int64(limit)
	}
	return resultResponse(req.ID, page{Items: rows, Cursor: next, HasNext: hasNext, HasPrev: p.Cursor > 0})
}

func (d *Dispatcher) readFrameDetail(req Request, r *repo.Repo, execID, seqStr string) Response {
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil {
		return errorResponse(req.ID, CodeInvalidParams, "frame sequence must be an integer")
	}
	row, err := r.GetFrame(execID, seq)
	if err != nil {
		return errorResponse(req.ID, CodeResourceNotFound, err.Error())
	}
	return resultResponse(req.ID, row)
}

func (d *Dispatcher) readNodeRuns(req Request, r *repo.Repo, execID, nodeID string) Response {
	tasks, err := r.ListTasks(execID)
	if err != nil {
		return errorResponse(req.ID, CodeInternalError, err.Error())
	}
	matching := make([]repo.TaskRow, 0)
	for _, t := range tasks {
		if t.NodeID == nodeID {
			matching = append(matching, t)
		}
	}
	return resultResponse(req.ID, page{Items: matching})
}

func (d *Dispatcher) readArtifacts(req Request, b *Binding, execID string) Response {
	return resultResponse(req.ID, page{Items: b.Handle.Artifacts().List()})
}

func (d *Dispatcher) readApprovals(req Request, b *Binding, execID string) Response {
	return resultResponse(req.ID, page{Items: b.Handle.Approvals().Pending()})
}
