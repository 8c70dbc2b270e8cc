// Package permission decides whether a tool call may run and, for calls
// gated on a human, tracks the approval request until it is resolved or
// expires.
package permission

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/zhubert/toolgate/config"
	"github.com/zhubert/toolgate/tool"
)

// Wildcard is the tool name of a server-wide permission entry.
const Wildcard = "*"

// Permission is the authorization entry for one (server, tool) pair.
type Permission struct {
	Server       string
	Tool         string
	RiskLevel    tool.RiskLevel           // overrides the tool's declared level when set
	Approval     tool.ApprovalRequirement // empty means the default for the risk level
	AllowedRoles []string
	DeniedRoles  []string
	Conditions   []Condition
}

// Decision is the outcome of CheckPermission.
type Decision struct {
	Allowed   bool
	Approval  tool.ApprovalRequirement
	RiskLevel tool.RiskLevel
	Reason    string
	Rule      string // "server/tool" of the matched entry, or "default"
}

type key struct{ server, tool string }

// Engine evaluates permission entries. It is safe for concurrent use; Load
// swaps the whole rule set at once.
type Engine struct {
	mu       sync.RWMutex
	perms    map[key]Permission
	defaults map[tool.RiskLevel]tool.ApprovalRequirement
}

// NewEngine returns an engine with no entries and the built-in default
// policy.
func NewEngine() *Engine {
	return &Engine{perms: make(map[key]Permission), defaults: defaultPolicy(nil)}
}

// FromConfig builds an engine from the permissions and default policy in cfg.
func FromConfig(cfg *config.Config) (*Engine, error) {
	e := NewEngine()
	if err := e.Load(cfg.GetPermissions(), cfg.DefaultPolicy); err != nil {
		return nil, err
	}
	return e, nil
}

func defaultPolicy(overrides map[tool.RiskLevel]tool.ApprovalRequirement) map[tool.RiskLevel]tool.ApprovalRequirement {
	out := make(map[tool.RiskLevel]tool.ApprovalRequirement, 3)
	for _, r := range []tool.RiskLevel{tool.RiskLow, tool.RiskMedium, tool.RiskHigh} {
		out[r] = tool.DefaultApproval(r)
		if a, ok := overrides[r]; ok && a != "" {
			out[r] = a
		}
	}
	return out
}

// Load replaces every entry and the default policy.
func (e *Engine) Load(entries []config.PermissionConfig, defaults map[tool.RiskLevel]tool.ApprovalRequirement) error {
	perms := make(map[key]Permission, len(entries))
	for _, c := range entries {
		p, err := FromPermissionConfig(c)
		if err != nil {
			return err
		}
		perms[key{p.Server, p.Tool}] = p
	}
	policy := defaultPolicy(defaults)

	e.mu.Lock()
	e.perms = perms
	e.defaults = policy
	e.mu.Unlock()
	return nil
}

// FromPermissionConfig compiles a config entry.
func FromPermissionConfig(c config.PermissionConfig) (Permission, error) {
	p := Permission{
		Server:       c.Server,
		Tool:         c.Tool,
		RiskLevel:    c.RiskLevel,
		Approval:     c.Approval,
		AllowedRoles: slices.Clone(c.AllowedRoles),
		DeniedRoles:  slices.Clone(c.DeniedRoles),
	}
	for _, cc := range c.Conditions {
		cond, err := NewCondition(cc.Key, Source(cc.Source), Operator(cc.Operator), cc.Value)
		if err != nil {
			return Permission{}, fmt.Errorf("permission %s/%s: %w", c.Server, c.Tool, err)
		}
		p.Conditions = append(p.Conditions, cond)
	}
	return p, nil
}

// Set adds or replaces one entry.
func (e *Engine) Set(p Permission) {
	e.mu.Lock()
	defer e.mu.Unlock()
	perms := maps.Clone(e.perms)
	perms[key{p.Server, p.Tool}] = p
	e.perms = perms
}

// Remove deletes one entry.
func (e *Engine) Remove(server, toolName string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	perms := maps.Clone(e.perms)
	delete(perms, key{server, toolName})
	e.perms = perms
}

// Lookup returns the entry that governs (server, tool): the exact entry, else
// the server's wildcard entry.
func (e *Engine) Lookup(server, toolName string) (Permission, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if p, ok := e.perms[key{server, toolName}]; ok {
		return p, true
	}
	p, ok := e.perms[key{server, Wildcard}]
	return p, ok
}

// DefaultApproval returns the configured default for a risk level.
func (e *Engine) DefaultApproval(risk tool.RiskLevel) tool.ApprovalRequirement {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if a, ok := e.defaults[risk]; ok {
		return a
	}
	return tool.ApprovalHuman
}

// CheckPermission decides whether roles may call (server, tool) with args.
// Deny rules always win: a role in DeniedRoles is refused even when it is
// also allowed, and a failing condition refuses the call whatever the
// approval requirement.
func (e *Engine) CheckPermission(server, toolName string, risk tool.RiskLevel, roles []string, args, callCtx map[string]any) Decision {
	if !risk.Valid() {
		risk = tool.RiskHigh
	}

	p, ok := e.Lookup(server, toolName)
	if !ok {
		return Decision{
			Allowed:   true,
			Approval:  e.DefaultApproval(risk),
			RiskLevel: risk,
			Reason:    fmt.Sprintf("default policy for %s risk", risk),
			Rule:      "default",
		}
	}

	if p.RiskLevel.Valid() {
		risk = p.RiskLevel
	}
	d := Decision{RiskLevel: risk, Rule: p.Server + "/" + p.Tool}

	if role, hit := intersect(roles, p.DeniedRoles); hit {
		d.Reason = fmt.Sprintf("role %q is denied for %s/%s", role, server, toolName)
		return d
	}
	if len(p.AllowedRoles) > 0 {
		if _, hit := intersect(roles, p.AllowedRoles); !hit {
			d.Reason = fmt.Sprintf("none of the caller's roles may use %s/%s", server, toolName)
			return d
		}
	}
	for _, c := range p.Conditions {
		if err := c.Evaluate(args, callCtx); err != nil {
			d.Reason = err.Error()
			return d
		}
	}

	d.Allowed = true
	d.Approval = p.Approval
	if d.Approval == "" {
		d.Approval = e.DefaultApproval(risk)
	}
	d.Reason = fmt.Sprintf("allowed by %s", d.Rule)
	return d
}

func intersect(roles, set []string) (string, bool) {
	for _, r := range roles {
		if slices.Contains(set, r) {
			return r, true
		}
	}
	return "", false
}
