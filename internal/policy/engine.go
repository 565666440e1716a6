package policy

import (
	"path"
	"strings"
	"time"
)

// Rule requires approval for steps whose id matches StepPattern. Patterns are
// path-style globs: "*" matches everything, "deploy/**" matches deploy and
// anything below it.
type Rule struct {
	StepPattern  string
	ApprovalType string
	TTL          time.Duration
	Deny         bool
}

type Decision struct {
	Required     bool
	ApprovalType string
	TTL          time.Duration
	Reason       string
}

// Engine evaluates rules in order. A deny rule exempts matching steps even
// when a later rule would require approval.
type Engine struct {
	rules      []Rule
	defaultTTL time.Duration
}

func New(rules []Rule, defaultTTL time.Duration) *Engine {
	return &Engine{rules: append([]Rule(nil), rules...), defaultTTL: defaultTTL}
}

func (e *Engine) RequiresApproval(stepID string) Decision {
	var match *Rule
	for i := range e.rules {
		r := &e.rules[i]
		if !globMatch(r.StepPattern, stepID) {
			continue
		}
		if r.Deny {
			return Decision{Reason: "exempted by rule " + r.StepPattern}
		}
		if match == nil {
			match = r
		}
	}
	if match == nil {
		return Decision{Reason: "no matching rule"}
	}
	ttl := match.TTL
	if ttl <= 0 {
		ttl = e.defaultTTL
	}
	approvalType := match.ApprovalType
	if approvalType == "" {
		approvalType = "manual"
	}
	return Decision{Required: true, ApprovalType: approvalType, TTL: ttl, Reason: "matched rule " + match.StepPattern}
}

func normalizeStep(p string) string {
	cleaned := strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	cleaned = strings.TrimPrefix(cleaned, "./")
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" {
		return "."
	}
	return cleaned
}

func globMatch(pattern string, value string) bool {
	p := normalizeStep(pattern)
	v := normalizeStep(value)
	if p == "**" || p == "*" {
		return true
	}
	if strings.HasSuffix(p, "/**") {
		base := strings.TrimSuffix(p, "/**")
		return v == base || strings.HasPrefix(v, base+"/")
	}
	ok, err := path.Match(p, v)
	if err != nil {
		return false
	}
	return ok
}
