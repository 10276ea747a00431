package safety

// RuleKind is the outcome a matching rule imposes on an action.
type RuleKind string

const (
	KindAllow   RuleKind = "allow"
	KindDeny    RuleKind = "deny"
	KindConfirm RuleKind = "confirm"
)

// Valid reports whether k is one of the known rule kinds.
func (k RuleKind) Valid() bool {
	switch k {
	case KindAllow, KindDeny, KindConfirm:
		return true
	default:
		return false
	}
}

// RiskLevel grades how much damage an action could do.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rule categories used by the built-in table. Custom rules may use any
// string; only CategorySystem, CategoryCredentials and CategoryTerminal
// influence risk derivation.
const (
	CategorySystem      = "system"
	CategoryCredentials = "credentials"
	CategoryTerminal    = "terminal"
	CategoryGit         = "git"
	CategoryPackage     = "package"
	CategoryFilesystem  = "filesystem"
)

// Rule is an immutable allow/deny/confirm entry matched against the
// action string with glob semantics.
type Rule struct {
	ID          string   `yaml:"id" json:"id"`
	Kind        RuleKind `yaml:"kind" json:"kind"`
	Pattern     string   `yaml:"pattern" json:"pattern"`
	Description string   `yaml:"description" json:"description"`
	Category    string   `yaml:"category" json:"category"`
}

// CheckResult is the gate's verdict for one action. It is computed
// fresh on every call and never persisted by the gate.
type CheckResult struct {
	Allowed              bool      `json:"allowed"`
	RequiresConfirmation bool      `json:"requires_confirmation"`
	Reason               string    `json:"reason,omitempty"`
	MatchedRule          *Rule     `json:"matched_rule,omitempty"`
	RiskLevel            RiskLevel `json:"risk_level"`
}
