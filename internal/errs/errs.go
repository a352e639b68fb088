// Package errs provides the error taxonomy used across the engine, store,
// and control surface.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a class of engine error, per the error handling design.
type Code string

const (
	// Configuration errors (CFG_1xxx)
	CodeInvalidConfig    Code = "CFG_1001"
	CodeMissingEnv       Code = "CFG_1002"
	CodeInvalidDBPath    Code = "CFG_1003"

	// Render-purity errors (PURE_2xxx)
	CodeRenderPhaseWrite Code = "PURE_2001"
	CodeRenderPhaseTask  Code = "PURE_2002"
	CodeRenderPhaseDB    Code = "PURE_2003"

	// Serialization errors (SER_3xxx)
	CodeSerialization   Code = "SER_3001"
	CodeDeserialization Code = "SER_3002"
	CodeUnknownNodeType Code = "SER_3003"

	// Effect-loop errors (EFF_4xxx)
	CodeEffectLoop    Code = "EFF_4001"
	CodeEffectRunCap  Code = "EFF_4002"
	CodeEffectPanic   Code = "EFF_4003"

	// Frame-storm errors (STORM_5xxx)
	CodeFrameStorm     Code = "STORM_5001"
	CodeFrameRateCeil  Code = "STORM_5002"

	// Backend errors (BACK_6xxx)
	CodeBackendTransient Code = "BACK_6001"
	CodeBackendFatal     Code = "BACK_6002"
	CodeBackendRateLimit Code = "BACK_6003"
	CodeBackendTimeout   Code = "BACK_6004"

	// Lease / orphan errors (LEASE_7xxx)
	CodeLeaseHeld       Code = "LEASE_7001"
	CodeLeaseExpired    Code = "LEASE_7002"
	CodeOrphanTask      Code = "LEASE_7003"

	// Approval errors (APPR_8xxx)
	CodeApprovalExpired  Code = "APPR_8001"
	CodeApprovalDenied   Code = "APPR_8002"
	CodeApprovalNotFound Code = "APPR_8003"

	// Generic resource / validation errors (RES_9xxx, VAL_9xxx)
	CodeNotFound        Code = "RES_9001"
	CodeAlreadyExists   Code = "RES_9002"
	CodeConflict        Code = "RES_9003"
	CodeInvalidInput    Code = "VAL_9101"
	CodeMissingParam    Code = "VAL_9102"
	CodeInternal        Code = "SVC_9901"
	CodeDatabase        Code = "SVC_9902"
	CodeTimeout         Code = "SVC_9903"
	CodeRateLimited     Code = "SVC_9904"
	CodeCancelled       Code = "SVC_9905"
)

// EngineError is a structured error carrying a taxonomy code, an HTTP
// status for the control surface, and optional machine-readable details.
type EngineError struct {
	Code       Code                   `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error { return e.Err }

// WithDetails attaches a machine-readable detail key/value and returns the
// same error for chaining.
func (e *EngineError) WithDetails(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New builds a bare EngineError.
func New(code Code, message string, httpStatus int) *EngineError {
	return &EngineError{Code: code, Message: message, HTTPStatus: httpStatus}
}

// Wrap builds an EngineError around an underlying cause.
func Wrap(code Code, message string, httpStatus int, err error) *EngineError {
	return &EngineError{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

// Configuration

func InvalidConfig(reason string) *EngineError {
	return New(CodeInvalidConfig, reason, http.StatusInternalServerError).
		WithDetails("reason", reason)
}

func MissingEnv(name string) *EngineError {
	return New(CodeMissingEnv, "missing required environment variable", http.StatusInternalServerError).
		WithDetails("name", name)
}

// Render purity

func RenderPhaseWrite(phase, field string) *EngineError {
	return New(CodeRenderPhaseWrite, "state write attempted outside a writable phase", http.StatusInternalServerError).
		WithDetails("phase", phase).
		WithDetails("field", field)
}

func RenderPhaseTask(phase string) *EngineError {
	return New(CodeRenderPhaseTask, "task scheduled outside the execute phase", http.StatusInternalServerError).
		WithDetails("phase", phase)
}

func RenderPhaseDB(phase string) *EngineError {
	return New(CodeRenderPhaseDB, "database write attempted from a pure phase", http.StatusInternalServerError).
		WithDetails("phase", phase)
}

// Serialization

func Serialization(nodeID string, err error) *EngineError {
	return Wrap(CodeSerialization, "failed to serialize node tree", http.StatusInternalServerError, err).
		WithDetails("node_id", nodeID)
}

func Deserialization(err error) *EngineError {
	return Wrap(CodeDeserialization, "failed to deserialize plan", http.StatusInternalServerError, err)
}

func UnknownNodeType(t string) *EngineError {
	return New(CodeUnknownNodeType, "unknown node type", http.StatusInternalServerError).
		WithDetails("type", t)
}

// Effect loop

func EffectLoop(effectID string, signature string) *EngineError {
	return New(CodeEffectLoop, "effect dependency loop detected", http.StatusInternalServerError).
		WithDetails("effect_id", effectID).
		WithDetails("signature", signature)
}

func EffectRunCap(effectID string, cap int) *EngineError {
	return New(CodeEffectRunCap, "effect exceeded per-frame run cap", http.StatusInternalServerError).
		WithDetails("effect_id", effectID).
		WithDetails("cap", cap)
}

// Frame storm

func FrameStorm(signature string, repeats int) *EngineError {
	return New(CodeFrameStorm, "frame-storm guard tripped", http.StatusInternalServerError).
		WithDetails("signature", signature).
		WithDetails("repeats", repeats)
}

// Backend

func BackendTransient(backend string, err error) *EngineError {
	return Wrap(CodeBackendTransient, "backend call failed transiently", http.StatusBadGateway, err).
		WithDetails("backend", backend)
}

func BackendFatal(backend string, err error) *EngineError {
	return Wrap(CodeBackendFatal, "backend call failed fatally", http.StatusBadGateway, err).
		WithDetails("backend", backend)
}

func BackendRateLimit(backend string, retryAfterSeconds int) *EngineError {
	return New(CodeBackendRateLimit, "backend rate limit exceeded", http.StatusTooManyRequests).
		WithDetails("backend", backend).
		WithDetails("retry_after_seconds", retryAfterSeconds)
}

// Lease / orphan

func LeaseHeld(taskID, owner string) *EngineError {
	return New(CodeLeaseHeld, "task lease already held", http.StatusConflict).
		WithDetails("task_id", taskID).
		WithDetails("owner", owner)
}

func LeaseExpired(taskID string) *EngineError {
	return New(CodeLeaseExpired, "task lease expired", http.StatusConflict).
		WithDetails("task_id", taskID)
}

func OrphanTask(taskID string) *EngineError {
	return New(CodeOrphanTask, "task orphaned by a crashed owner", http.StatusConflict).
		WithDetails("task_id", taskID)
}

// Approvals

func ApprovalExpired(id string) *EngineError {
	return New(CodeApprovalExpired, "approval request expired", http.StatusGone).
		WithDetails("approval_id", id)
}

func ApprovalDenied(id string) *EngineError {
	return New(CodeApprovalDenied, "approval request denied", http.StatusForbidden).
		WithDetails("approval_id", id)
}

// Generic

func NotFound(resource, id string) *EngineError {
	return New(CodeNotFound, "resource not found", http.StatusNotFound).
		WithDetails("resource", resource).WithDetails("id", id)
}

func AlreadyExists(resource, id string) *EngineError {
	return New(CodeAlreadyExists, "resource already exists", http.StatusConflict).
		WithDetails("resource", resource).WithDetails("id", id)
}

func Conflict(message string) *EngineError {
	return New(CodeConflict, message, http.StatusConflict)
}

func InvalidInput(field, reason string) *EngineError {
	return New(CodeInvalidInput, "invalid input", http.StatusBadRequest).
		WithDetails("field", field).WithDetails("reason", reason)
}

func MissingParameter(param string) *EngineError {
	return New(CodeMissingParam, "missing required parameter", http.StatusBadRequest).
		WithDetails("parameter", param)
}

func Internal(message string, err error) *EngineError {
	return Wrap(CodeInternal, message, http.StatusInternalServerError, err)
}

func Database(operation string, err error) *EngineError {
	return Wrap(CodeDatabase, "database operation failed", http.StatusInternalServerError, err).
		WithDetails("operation", operation)
}

func Timeout(operation string) *EngineError {
	return New(CodeTimeout, "operation timed out", http.StatusGatewayTimeout).
		WithDetails("operation", operation)
}

func RateLimited(limit int, window string) *EngineError {
	return New(CodeRateLimited, "rate limit exceeded", http.StatusTooManyRequests).
		WithDetails("limit", limit).WithDetails("window", window)
}

func Cancelled(reason string) *EngineError {
	return New(CodeCancelled, "execution cancelled", http.StatusOK).
		WithDetails("reason", reason)
}

// Is reports whether err is (or wraps) an EngineError.
func Is(err error) bool {
	var e *EngineError
	return errors.As(err, &e)
}

// As extracts an *EngineError from an error chain, or nil.
func As(err error) *EngineError {
	var e *EngineError
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// HTTPStatus returns the HTTP status code associated with err, defaulting
// to 500 for errors outside the taxonomy.
func HTTPStatus(err error) int {
	if e := As(err); e != nil {
		return e.HTTPStatus
	}
	return http.StatusInternalServerError
}
