package tool

import (
	"fmt"
	"strings"
)

// RiskLevel is the declared danger tier of a tool or server.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// ParseRiskLevel accepts any letter case; "" is returned unchanged.
func ParseRiskLevel(s string) (RiskLevel, error) {
	r := RiskLevel(strings.ToUpper(strings.TrimSpace(s)))
	if r == "" || r.Valid() {
		return r, nil
	}
	return "", fmt.Errorf("invalid risk level %q (want LOW, MEDIUM or HIGH)", s)
}

func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// Rank orders risk levels; unknown levels rank above HIGH so they are never
// treated as safer than a declared tier.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	}
	return 3
}

// AtMost reports whether r is no riskier than limit.
func (r RiskLevel) AtMost(limit RiskLevel) bool {
	return r.Rank() <= limit.Rank()
}

// Stricter returns the riskier of r and other.
func (r RiskLevel) Stricter(other RiskLevel) RiskLevel {
	if other.Rank() > r.Rank() {
		return other
	}
	return r
}

func (r *RiskLevel) UnmarshalText(b []byte) error {
	v, err := ParseRiskLevel(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// ApprovalRequirement is the gate a call must pass before it executes.
type ApprovalRequirement string

const (
	ApprovalNone  ApprovalRequirement = "NONE"
	ApprovalAgent ApprovalRequirement = "AGENT"
	ApprovalHuman ApprovalRequirement = "HUMAN"
)

func ParseApprovalRequirement(s string) (ApprovalRequirement, error) {
	a := ApprovalRequirement(strings.ToUpper(strings.TrimSpace(s)))
	switch a {
	case "", ApprovalNone, ApprovalAgent, ApprovalHuman:
		return a, nil
	}
	return "", fmt.Errorf("invalid approval requirement %q (want NONE, AGENT or HUMAN)", s)
}

func (a *ApprovalRequirement) UnmarshalText(b []byte) error {
	v, err := ParseApprovalRequirement(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// DefaultApproval is the policy applied when no permission entry exists.
func DefaultApproval(r RiskLevel) ApprovalRequirement {
	switch r {
	case RiskLow:
		return ApprovalNone
	case RiskMedium:
		return ApprovalAgent
	}
	return ApprovalHuman
}
