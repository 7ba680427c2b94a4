// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianSubstrate/services/substrate/observability"
	"github.com/AleutianAI/AleutianSubstrate/services/substrate/telemetry"
)

// Dispatch statuses.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusTimeout = "timeout"
	StatusDenied  = "denied"
)

// DefaultToolTimeout bounds a tool invocation when no override is set.
const DefaultToolTimeout = 30 * time.Second

const resultSummaryLen = 200
const errorLen = 500

var (
	// ErrEmptyToolID rejects a dispatch without a tool id.
	ErrEmptyToolID = errors.New("dispatch: empty tool id")

	// ErrToolNotFound is returned when the tool is not registered at
	// execution time.
	ErrToolNotFound = errors.New("dispatch: tool not registered")

	// ErrMissingArgument rejects a call missing a required argument.
	ErrMissingArgument = errors.New("dispatch: missing required argument")
)

// DeniedError is the typed denial a governance rejection produces.
type DeniedError struct {
	ToolID string
	Reason string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("dispatch denied for %s: %s", e.ToolID, e.Reason)
}

// Context carries the caller identity and governance hooks through a
// dispatch.
type Context struct {
	AgentID  string
	TaskID   string
	ThreadID string

	// Approved marks that the approval authority signed off on this call.
	Approved bool

	// ApprovedBy names the approval authority. Recorded on the audit
	// packet; the compliance reporter treats a high-risk dispatch with
	// no approver as a violation.
	ApprovedBy string

	// Governance, when set, is consulted before execution.
	Governance GovernanceEngine

	// Timeout overrides the dispatcher default for this call.
	Timeout time.Duration
}

// Result is the dispatch outcome handed back to the caller.
type Result struct {
	CallID     string `json:"call_id"`
	ToolID     string `json:"tool_id"`
	Status     string `json:"status"`
	Value      any    `json:"value,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Dispatcher executes tools behind the six-step protocol. Audit is
// dual-channel: a background packet + audit row per call, synchronous
// metrics either way.
type Dispatcher struct {
	registry *Registry
	metrics  *telemetry.Metrics
	obs      *observability.Service
	audit    *AuditWorker
	timeout  time.Duration
	logger   *slog.Logger
}

// NewDispatcher builds the dispatcher. audit may be nil (no packet
// audit, metrics only), obs may be nil (no spans).
func NewDispatcher(registry *Registry, audit *AuditWorker, metrics *telemetry.Metrics, obs *observability.Service, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultToolTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		metrics:  metrics,
		obs:      obs,
		audit:    audit,
		timeout:  timeout,
		logger:   logger,
	}
}

// Registry exposes the tool registry for planners.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Dispatch runs the protocol: validate, classify, governance, execute
// under timeout, audit, return. The returned Result always carries a
// terminal status; err mirrors Result.Error for failed calls.
func (d *Dispatcher) Dispatch(ctx context.Context, toolID string, args map[string]any, dctx Context) (*Result, error) {
	result := &Result{
		CallID: uuid.New().String(),
		ToolID: toolID,
	}
	sanitized := Sanitize(args)

	// Step 1: validate.
	if toolID == "" {
		return nil, ErrEmptyToolID
	}
	tool, registered := d.registry.Get(toolID)
	if !registered {
		// Unknown tools may be registered dynamically; the hard failure
		// comes at execution time.
		d.logger.Warn("dispatch of unregistered tool", "tool_id", toolID, "agent_id", dctx.AgentID)
	} else if err := validateArgs(tool, args); err != nil {
		result.Status = StatusFailure
		result.Error = err.Error()
		d.record(ctx, result, dctx, sanitized, time.Now().UTC())
		return result, err
	}

	// Step 2: classify safety.
	safety := ClassifySafety(toolID)

	// Step 3: governance.
	if dctx.Governance != nil {
		decision := d.evaluate(ctx, Request{
			ToolID:    toolID,
			AgentID:   dctx.AgentID,
			TaskID:    dctx.TaskID,
			Arguments: sanitized,
			Safety:    safety,
			Approved:  dctx.Approved,
		}, dctx)
		denied := decision.Verdict == VerdictDeny ||
			(decision.Verdict == VerdictReview && safety.RequiresApproval && !dctx.Approved)
		if denied {
			result.Status = StatusDenied
			result.Error = decision.Reason
			d.record(ctx, result, dctx, sanitized, time.Now().UTC())
			return result, &DeniedError{ToolID: toolID, Reason: decision.Reason}
		}
	}

	if !registered {
		result.Status = StatusFailure
		result.Error = fmt.Sprintf("%v: %s", ErrToolNotFound, toolID)
		d.record(ctx, result, dctx, sanitized, time.Now().UTC())
		return result, fmt.Errorf("%w: %s", ErrToolNotFound, toolID)
	}

	// Step 4: execute under timeout.
	timeout := dctx.Timeout
	if timeout <= 0 {
		timeout = d.timeout
	}
	started := time.Now().UTC()
	value, execErr := d.execute(ctx, tool, args, sanitized, timeout)
	result.DurationMs = time.Since(started).Milliseconds()
	result.Value = value

	switch {
	case execErr == nil:
		result.Status = StatusSuccess
	case errors.Is(execErr, context.DeadlineExceeded):
		result.Status = StatusTimeout
		result.Error = fmt.Sprintf("tool %s exceeded %s timeout", toolID, timeout)
	default:
		result.Status = StatusFailure
		result.Error = execErr.Error()
	}

	// Step 5: audit, dual channel.
	d.record(ctx, result, dctx, sanitized, started)

	// Step 6: return.
	if execErr != nil {
		return result, execErr
	}
	return result, nil
}

// evaluate shields dispatch from a panicking governance engine: a panic
// is a deny, never an unaudited crash.
func (d *Dispatcher) evaluate(ctx context.Context, req Request, dctx Context) (decision Decision) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("governance engine panicked", "tool_id", req.ToolID, "panic", r)
			decision = Decision{Verdict: VerdictDeny, Reason: "governance engine failure"}
		}
	}()
	return dctx.Governance.Evaluate(ctx, req)
}

func (d *Dispatcher) execute(ctx context.Context, tool Tool, args, sanitized map[string]any, timeout time.Duration) (any, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	spanCtx := execCtx
	var span *observability.Span
	if d.obs != nil {
		spanCtx, span = d.obs.StartSpan(execCtx, "tool."+tool.ID(), observability.KindInternal)
	}

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool %s panicked: %v", tool.ID(), r)}
			}
		}()
		value, err := tool.Invoke(spanCtx, args)
		done <- outcome{value: value, err: err}
	}()

	var value any
	var err error
	select {
	case out := <-done:
		value, err = out.value, out.err
	case <-execCtx.Done():
		// Non-cooperative tools are abandoned; the goroutine drains into
		// the buffered channel.
		err = execCtx.Err()
	}

	if span != nil {
		span.SetToolCall(tool.ID(), compactJSON(sanitized), summarize(value, err))
		if err != nil {
			span.FinishError(err)
		} else {
			span.FinishOK()
		}
	}
	return value, err
}

// record is the step-5 dual channel: synchronous metrics, asynchronous
// packet + row audit.
func (d *Dispatcher) record(ctx context.Context, result *Result, dctx Context, sanitized map[string]any, started time.Time) {
	d.metrics.RecordToolInvocation(result.ToolID, result.Status, float64(result.DurationMs))

	if d.audit == nil {
		return
	}
	approvedBy := dctx.ApprovedBy
	if dctx.Approved && approvedBy == "" {
		approvedBy = dctx.AgentID
	}
	d.audit.enqueue(auditJob{
		result:     result,
		agentID:    dctx.AgentID,
		taskID:     dctx.TaskID,
		threadID:   dctx.ThreadID,
		approvedBy: approvedBy,
		arguments:  sanitized,
		traceID:    traceIDFrom(ctx),
		startedAt:  started,
	})
}

func validateArgs(tool Tool, args map[string]any) error {
	for _, param := range tool.Schema() {
		if !param.Required {
			continue
		}
		if _, ok := args[param.Name]; !ok {
			return fmt.Errorf("%w: %s", ErrMissingArgument, param.Name)
		}
	}
	return nil
}

func traceIDFrom(ctx context.Context) string {
	if tc := observability.FromContext(ctx); tc != nil {
		return tc.TraceID.String()
	}
	return ""
}

func compactJSON(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return Truncate(string(data), maxStringLen)
}

func summarize(value any, err error) string {
	if err != nil {
		return Truncate("error: "+err.Error(), resultSummaryLen)
	}
	if value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return Truncate(v, resultSummaryLen)
	default:
		data, marshalErr := json.Marshal(v)
		if marshalErr != nil {
			return fmt.Sprintf("%T", value)
		}
		return Truncate(string(data), resultSummaryLen)
	}
}
