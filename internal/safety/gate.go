package safety

import (
	"strings"
	"sync"

	"github.com/gobwas/glob"
)

// Gate classifies candidate actions as allowed, denied, or allowed with
// confirmation. Its output depends only on the action, the custom rules
// and the built-in tables; the compiled-pattern cache does not affect
// results.
type Gate struct {
	defaults []Rule
	compiled sync.Map // map[string]glob.Glob, nil value = invalid pattern
}

// NewGate returns a gate over DefaultRules.
func NewGate() *Gate {
	return NewGateWithDefaults(DefaultRules)
}

// NewGateWithDefaults returns a gate over a caller-supplied default table.
// The default patterns are compiled up front.
func NewGateWithDefaults(defaults []Rule) *Gate {
	g := &Gate{defaults: defaults}
	g.Compile(defaults)
	return g
}

// Compile adds the patterns of rules to the gate's cache. Check compiles
// unseen patterns on first use, so calling Compile is optional.
func (g *Gate) Compile(rules []Rule) {
	for _, r := range rules {
		g.load(r.Pattern)
	}
}

// Check evaluates action. Order, first match wins:
//  1. injection patterns → denied, critical
//  2. dangerous commands → critical denied, medium/high need confirmation
//  3. custom rules, then defaults, by glob match
//  4. otherwise allowed
func (g *Gate) Check(action string, custom []Rule) CheckResult {
	if detail := matchInjection(action); detail != "" {
		return CheckResult{
			Allowed:   false,
			Reason:    "prompt injection detected: " + detail,
			RiskLevel: RiskCritical,
		}
	}

	if risk, detail, ok := matchDangerous(action); ok {
		if risk == RiskCritical {
			return CheckResult{
				Allowed:   false,
				Reason:    "dangerous command blocked: " + detail,
				RiskLevel: RiskCritical,
			}
		}
		return CheckResult{
			Allowed:              true,
			RequiresConfirmation: true,
			Reason:               "dangerous command requires confirmation: " + detail,
			RiskLevel:            risk,
		}
	}

	for _, table := range [][]Rule{custom, g.defaults} {
		for i := range table {
			rule := table[i]
			if !g.match(rule.Pattern, action) {
				continue
			}
			matched := rule
			risk := deriveRisk(rule, action)
			switch rule.Kind {
			case KindDeny:
				return CheckResult{
					Allowed:     false,
					Reason:      ruleReason("blocked by rule", rule),
					MatchedRule: &matched,
					RiskLevel:   risk,
				}
			case KindConfirm:
				return CheckResult{
					Allowed:              true,
					RequiresConfirmation: true,
					Reason:               ruleReason("confirmation required by rule", rule),
					MatchedRule:          &matched,
					RiskLevel:            risk,
				}
			case KindAllow:
				return CheckResult{
					Allowed:     true,
					Reason:      ruleReason("allowed by rule", rule),
					MatchedRule: &matched,
					RiskLevel:   risk,
				}
			}
		}
	}

	return CheckResult{Allowed: true, RiskLevel: RiskLow}
}

func (g *Gate) match(pattern, action string) bool {
	m := g.load(pattern)
	return m != nil && m.Match(action)
}

func (g *Gate) load(pattern string) glob.Glob {
	if v, ok := g.compiled.Load(pattern); ok {
		m, _ := v.(glob.Glob)
		return m
	}
	m, err := compileGlob(pattern)
	if err != nil {
		g.compiled.Store(pattern, glob.Glob(nil))
		return nil
	}
	g.compiled.Store(pattern, m)
	return m
}

// Stricter returns the more restrictive of two verdicts: a denial beats a
// confirmation, which beats a plain allow. Ties go to the higher risk.
func Stricter(a, b CheckResult) CheckResult {
	if severity(b) > severity(a) {
		return b
	}
	return a
}

func severity(r CheckResult) int {
	n := riskRank[r.RiskLevel]
	switch {
	case !r.Allowed:
		n += 20
	case r.RequiresConfirmation:
		n += 10
	}
	return n
}

var riskRank = map[RiskLevel]int{RiskLow: 0, RiskMedium: 1, RiskHigh: 2, RiskCritical: 3}

// deriveRisk grades a rule match.
func deriveRisk(rule Rule, action string) RiskLevel {
	switch {
	case rule.Category == CategorySystem || rule.Category == CategoryCredentials:
		return RiskCritical
	case recursiveForceDelete.MatchString(action):
		return RiskCritical
	case forceFlag.MatchString(action):
		return RiskHigh
	case rule.Kind == KindDeny && rule.Category == CategoryTerminal:
		return RiskHigh
	case rule.Kind == KindConfirm:
		return RiskMedium
	default:
		return RiskLow
	}
}

func ruleReason(prefix string, rule Rule) string {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteString(" ")
	b.WriteString(rule.ID)
	if rule.Description != "" {
		b.WriteString(": ")
		b.WriteString(rule.Description)
	}
	return b.String()
}
