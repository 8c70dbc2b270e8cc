package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/zhubert/toolgate/audit"
	"github.com/zhubert/toolgate/logger"
	"github.com/zhubert/toolgate/permission"
	"github.com/zhubert/toolgate/registry"
	"github.com/zhubert/toolgate/tool"
)

// CallRequest is one tool invocation from the agent runtime.
type CallRequest struct {
	ID          string // correlation ID; generated when empty
	Server      string
	Tool        string
	Arguments   map[string]any
	CallerRoles []string
	Context     map[string]any
	Actor       string

	// Confirmed satisfies an AGENT approval requirement.
	Confirmed bool

	// ApprovalScope groups the approval request for approvers; the server
	// name when empty. ApprovalTimeout overrides the configured expiry.
	ApprovalScope   string
	ApprovalTimeout time.Duration

	// ApprovalID resumes a call whose approval was requested earlier. The
	// arguments recorded on the request are the ones executed.
	ApprovalID string
	// NoWait returns immediately with approval_required and approval_id
	// instead of blocking on a HUMAN approval.
	NoWait bool
}

// callState carries one call through the pipeline.
type callState struct {
	call  tool.Call
	actor string
	log   *slog.Logger
}

// CallTool runs req through lookup, validation, authorization, approval and
// execution. It always returns a result; every failure is reported through
// Success=false with a redacted error.
func (g *Gateway) CallTool(ctx context.Context, req CallRequest) *tool.Result {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	c := &callState{
		call: tool.Call{
			ID:          req.ID,
			Server:      req.Server,
			Tool:        req.Tool,
			Arguments:   req.Arguments,
			CallerRoles: req.CallerRoles,
			Context:     req.Context,
			RequestedAt: g.now(),
		},
		actor: req.Actor,
		log:   logger.WithCall(req.ID).With("server", req.Server, "tool", req.Tool),
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !g.track(req.ID, cancel) {
		return g.finish(c, OutcomeFailure, tool.Failf("call %s is already in flight", req.ID))
	}
	defer g.untrack(req.ID)

	g.metrics.inFlight.Inc()
	defer g.metrics.inFlight.Dec()

	entry, res := g.resolveTool(ctx, c)
	if res != nil {
		return g.finish(c, OutcomeFailure, res)
	}
	var resumed *permission.Request
	if req.ApprovalID != "" {
		r, err := g.resumeApproval(c, req.ApprovalID)
		if err != nil {
			return g.finish(c, OutcomeFailure, tool.Fail(err.Error()))
		}
		resumed = r
	}

	g.audit.Record(audit.Event{
		Type:        audit.EventToolCall,
		Actor:       c.actor,
		Server:      c.call.Server,
		Tool:        c.call.Tool,
		ExecutionID: c.call.ID,
		Success:     true,
		Arguments:   c.call.Arguments,
		Details:     map[string]any{"risk_level": string(entry.RiskLevel), "roles": c.call.CallerRoles},
	})

	if err := entry.Validate(c.call.Arguments); err != nil {
		return g.finish(c, OutcomeInvalid, tool.Fail(err.Error()))
	}

	decision := g.perms.CheckPermission(c.call.Server, c.call.Tool, entry.RiskLevel, c.call.CallerRoles, c.call.Arguments, c.call.Context)
	g.auditDecision(c, decision)
	if !decision.Allowed {
		return g.finish(c, OutcomeDenied, tool.Fail("permission denied: "+decision.Reason).With(tool.MetaDenied, decision.Reason))
	}

	switch decision.Approval {
	case tool.ApprovalAgent:
		if !req.Confirmed {
			return g.finish(c, OutcomeConfirmRequired, tool.Failf("%s/%s requires confirmation", c.call.Server, c.call.Tool).
				With(tool.MetaApprovalRequired, string(tool.ApprovalAgent)))
		}
	case tool.ApprovalHuman:
		if outcome, res := g.awaitApproval(ctx, c, req, resumed); res != nil {
			return g.finish(c, outcome, res)
		}
	}

	return g.execute(ctx, c, entry)
}

func (g *Gateway) track(id string, cancel context.CancelFunc) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, dup := g.inFlight[id]; dup {
		return false
	}
	g.inFlight[id] = cancel
	return true
}

func (g *Gateway) untrack(id string) {
	g.mu.Lock()
	delete(g.inFlight, id)
	g.mu.Unlock()
}

// resolveTool connects the server if needed and finds the tool.
func (g *Gateway) resolveTool(ctx context.Context, c *callState) (registry.ToolEntry, *tool.Result) {
	meta, err := g.registry.Get(c.call.Server)
	if err != nil {
		return registry.ToolEntry{}, tool.Failf("unknown server %q", c.call.Server)
	}
	if !meta.Enabled {
		return registry.ToolEntry{}, tool.Failf("server %q is disabled", c.call.Server)
	}
	if err := g.registry.Connect(ctx, c.call.Server); err != nil {
		c.log.Warn("connect failed", "error", err)
		return registry.ToolEntry{}, tool.Failf("server %q is unavailable: %v", c.call.Server, err).With(tool.MetaTransportError, true)
	}
	entry, err := g.registry.LookupTool(c.call.Server, c.call.Tool)
	if err != nil {
		return registry.ToolEntry{}, tool.Failf("unknown tool %q on server %q", c.call.Tool, c.call.Server)
	}
	return entry, nil
}

func (g *Gateway) auditDecision(c *callState, d permission.Decision) {
	sev := audit.SeverityInfo
	if !d.Allowed {
		sev = audit.SeverityWarning
	}
	g.audit.Record(audit.Event{
		Type:        audit.EventPermissionCheck,
		Severity:    sev,
		Actor:       c.actor,
		Server:      c.call.Server,
		Tool:        c.call.Tool,
		ExecutionID: c.call.ID,
		Success:     d.Allowed,
		Reason:      d.Reason,
		Details: map[string]any{
			"rule":       d.Rule,
			"approval":   string(d.Approval),
			"risk_level": string(d.RiskLevel),
		},
	})
}

// awaitApproval blocks until a HUMAN approval is granted. A nil result means
// the call may run; otherwise the result explains why it may not. resumed is
// the request named by the caller, if any.
func (g *Gateway) awaitApproval(ctx context.Context, c *callState, req CallRequest, resumed *permission.Request) (string, *tool.Result) {
	r := resumed
	if r == nil {
		var err error
		r, err = g.approvals.Create(c.call, req.ApprovalScope, req.ApprovalTimeout)
		if err != nil {
			c.log.Error("failed to create approval", "error", err)
			return OutcomeFailure, tool.Fail("approval request could not be created")
		}
		g.audit.Record(audit.Event{
			Type:        audit.EventApprovalRequested,
			Actor:       c.actor,
			Server:      c.call.Server,
			Tool:        c.call.Tool,
			ExecutionID: c.call.ID,
			Success:     true,
			Arguments:   c.call.Arguments,
			Details:     map[string]any{"approval_id": r.ID, "scope": r.Scope, "expires_at": r.ExpiresAt},
		})
	}

	if !r.Resolved() {
		if req.NoWait {
			return OutcomeApprovalRequired, tool.Failf("%s/%s is waiting for approval", c.call.Server, c.call.Tool).
				With(tool.MetaApprovalRequired, string(tool.ApprovalHuman)).
				With(tool.MetaApprovalID, r.ID)
		}
		id := r.ID
		c.log.Info("waiting for approval", "approval", id)
		var err error
		r, err = g.approvals.Wait(ctx, id)
		if err != nil {
			return g.cancelApproval(c, id, err)
		}
	}

	switch r.Status {
	case permission.StatusApproved:
		g.mu.Lock()
		used := g.consumed[r.ID]
		g.consumed[r.ID] = true
		g.mu.Unlock()
		if used {
			return OutcomeFailure, tool.Failf("approval %s has already been used", r.ID)
		}
		return "", nil
	case permission.StatusExpired:
		return OutcomeExpired, tool.Failf("approval %s expired", r.ID).With(tool.MetaApprovalID, r.ID)
	}

	msg := fmt.Sprintf("approval %s was rejected", r.ID)
	if r.ResolvedBy != "" {
		msg += " by " + r.ResolvedBy
	}
	if detail := r.Feedback + r.Reason; detail != "" {
		msg += ": " + detail
	}
	return OutcomeRejected, tool.Fail(msg).With(tool.MetaApprovalID, r.ID)
}

// resumeApproval loads an earlier approval request and adopts its call.
func (g *Gateway) resumeApproval(c *callState, id string) (*permission.Request, error) {
	r, err := g.approvals.Get(id)
	if err != nil {
		return nil, fmt.Errorf("approval %s not found", id)
	}
	if r.Call.Server != c.call.Server || r.Call.Tool != c.call.Tool {
		return nil, fmt.Errorf("approval %s is for %s/%s", id, r.Call.Server, r.Call.Tool)
	}
	g.mu.Lock()
	used := g.consumed[id]
	g.mu.Unlock()
	if used {
		return nil, fmt.Errorf("approval %s has already been used", id)
	}
	c.call.Arguments = r.Call.Arguments
	return r, nil
}

// cancelApproval rejects the request of a caller that stopped waiting.
func (g *Gateway) cancelApproval(c *callState, id string, cause error) (string, *tool.Result) {
	if _, err := g.approvals.Cancel(id, permission.ReasonCancelled); err != nil && !errors.Is(err, permission.ErrNotPending) {
		c.log.Error("failed to cancel approval", "approval", id, "error", err)
	}
	c.log.Info("approval wait abandoned", "approval", id, "cause", cause)
	return OutcomeCancelled, tool.Failf("call cancelled while waiting for approval %s: %v", id, cause).With(tool.MetaApprovalID, id)
}

// execute sends the call to the backend.
func (g *Gateway) execute(ctx context.Context, c *callState, entry registry.ToolEntry) *tool.Result {
	args := entry.WithDefaults(c.call.Arguments)

	start := time.Now()
	res, err := g.registry.Call(ctx, c.call.Server, c.call.ID, c.call.Tool, args)
	g.metrics.observeDuration(c.call.Server, c.call.Tool, time.Since(start))
	if err != nil {
		c.log.Warn("backend unreachable", "error", err)
		return g.finish(c, OutcomeTransportError, tool.Failf("backend error: %v", err).With(tool.MetaTransportError, true))
	}

	outcome := OutcomeSuccess
	switch {
	case res.ViolationReason() != "":
		outcome = OutcomeViolation
	case !res.Success:
		outcome = OutcomeFailure
	}
	return g.finish(c, outcome, res)
}

// finish audits the result, records metrics and scrubs secrets from the
// error text before it is returned.
func (g *Gateway) finish(c *callState, outcome string, res *tool.Result) *tool.Result {
	redactor := g.audit.Redactor()
	res.Error = redactor.String(res.Error)
	if s, ok := res.Metadata[tool.MetaStderr].(string); ok {
		res.Metadata[tool.MetaStderr] = redactor.String(s)
	}

	sev := audit.SeverityInfo
	switch outcome {
	case OutcomeViolation:
		sev = audit.SeverityCritical
	case OutcomeSuccess, OutcomeApprovalRequired, OutcomeConfirmRequired:
	default:
		sev = audit.SeverityWarning
	}

	details := map[string]any{"outcome": outcome}
	for _, k := range []string{tool.MetaExitCode, tool.MetaDurationMS, tool.MetaTimedOut, tool.MetaTruncated, tool.MetaViolation, tool.MetaApprovalID} {
		if v, ok := res.Metadata[k]; ok {
			details[k] = v
		}
	}
	// Record redacts the result before it is stored.
	g.audit.Record(audit.Event{
		Type:        audit.EventToolResult,
		Severity:    sev,
		Actor:       c.actor,
		Server:      c.call.Server,
		Tool:        c.call.Tool,
		ExecutionID: c.call.ID,
		Success:     res.Success,
		Reason:      res.Error,
		Result:      auditedResult(res),
		Details:     details,
	})
	g.metrics.observeCall(c.call.Server, c.call.Tool, outcome)

	if sev == audit.SeverityCritical {
		c.log.Warn("sandbox violation", "reason", res.ViolationReason())
	} else {
		c.log.Debug("call finished", "outcome", outcome, "success", res.Success)
	}
	return res
}

// auditedResult is the content of res, or its captured output when a failed
// command produced no content.
func auditedResult(res *tool.Result) any {
	if res.Content != nil {
		return res.Content
	}
	stdout, hasOut := res.Metadata[tool.MetaStdout]
	stderr, hasErr := res.Metadata[tool.MetaStderr]
	if !hasOut && !hasErr {
		return nil
	}
	return map[string]any{tool.MetaStdout: stdout, tool.MetaStderr: stderr}
}
