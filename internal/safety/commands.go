package safety

import "regexp"

// rm option grammar. Short flags may be bundled (-rf) or split (-r -f),
// long flags (--recursive, --force) and the "--" end-of-options marker
// may appear anywhere before the target.
const (
	rmOptions   = `(-[-a-zA-Z]*\s+)*`
	rmRecursive = `(-[a-zA-Z]*[rR][a-zA-Z]*|--recursive)`
	rmForce     = `(-[a-zA-Z]*f[a-zA-Z]*|--force)`
	rmBundled   = `-[a-zA-Z]*([rR][a-zA-Z]*f|f[a-zA-Z]*[rR])[a-zA-Z]*`

	rmCritical       = `\brm\s+` + rmOptions + `["']?(/|/\*|~|~/|\*|\$HOME|\$\{HOME\})["']?(\s|[;&|]|$)`
	rmRecursiveForce = `\brm\s+` + rmOptions + `(` + rmBundled + `|` + rmRecursive + `\s+` + rmOptions + rmForce + `|` + rmForce + `\s+` + rmOptions + rmRecursive + `)(\s|$)`
)

// Dangerous shell idioms, most severe first. Critical entries are denied,
// medium/high entries are allowed only with confirmation.
var dangerousCommands = []struct {
	re     *regexp.Regexp
	risk   RiskLevel
	detail string
}{
	// Critical
	{regexp.MustCompile(rmCritical), RiskCritical, "recursive delete of root, home or wildcard"},
	{regexp.MustCompile(`(^|[;&|]\s*)(sudo\s+)?mkfs(\.[a-z0-9]+)?\b`), RiskCritical, "filesystem format"},
	{regexp.MustCompile(`\bdd\s+.*\bof=/dev/`), RiskCritical, "raw write to block device"},
	{regexp.MustCompile(`>\s*/dev/(sd[a-z]|nvme|hd[a-z]|disk)`), RiskCritical, "redirect onto block device"},
	{regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`), RiskCritical, "fork bomb"},
	{regexp.MustCompile(`\bchmod\s+(-R\s+)?[0-7]?777\s+/(\s|$)`), RiskCritical, "world-writable root"},
	{regexp.MustCompile(`\b(curl|wget)\b[^|]*\|\s*(sudo\s+)?(ba|z)?sh\b`), RiskCritical, "remote script piped to shell"},
	{regexp.MustCompile(`(^|[;&|]\s*)(sudo\s+)?(shutdown|reboot|halt|poweroff)\b`), RiskCritical, "host power control"},

	// High
	{regexp.MustCompile(rmRecursiveForce), RiskHigh, "recursive force delete"},
	{regexp.MustCompile(`\bgit\s+push\b.*(\s--force\b|\s-f\b|\s--force-with-lease\b)`), RiskHigh, "force push"},
	{regexp.MustCompile(`\bgit\s+reset\s+--hard\b`), RiskHigh, "hard reset discards work"},
	{regexp.MustCompile(`\bgit\s+clean\s+-[a-zA-Z]*f`), RiskHigh, "git clean removes untracked files"},
	{regexp.MustCompile(`(?i)\b(DROP|TRUNCATE)\s+(TABLE|DATABASE|SCHEMA)\b`), RiskHigh, "destructive SQL"},
	{regexp.MustCompile(`\bchmod\s+(-R\s+)?[0-7]?777\b`), RiskHigh, "world-writable permissions"},
	{regexp.MustCompile(`\bkill(all)?\s+-9\b`), RiskHigh, "forced process kill"},
	{regexp.MustCompile(`\bdocker\s+system\s+prune\b`), RiskHigh, "docker prune"},

	// Medium
	{regexp.MustCompile(`(^|[;&|]\s*)sudo\b`), RiskMedium, "privilege escalation"},
	{regexp.MustCompile(`\bgit\s+push\b`), RiskMedium, "publishes commits to the remote"},
	{regexp.MustCompile(`\b(npm|yarn|pnpm)\s+publish\b`), RiskMedium, "publishes a package"},
	{regexp.MustCompile(`\b(npm|yarn|pnpm)\s+(install|add|i)\s+(-g|--global)\b`), RiskMedium, "global package install"},
	{regexp.MustCompile(`\bchown\s+-R\b`), RiskMedium, "recursive ownership change"},
	{regexp.MustCompile(`\bgit\s+rebase\b`), RiskMedium, "history rewrite"},
}

// matchDangerous returns the risk and detail of the first dangerous
// command idiom in action. ok is false when nothing matched.
func matchDangerous(action string) (risk RiskLevel, detail string, ok bool) {
	for _, c := range dangerousCommands {
		if c.re.MatchString(action) {
			return c.risk, c.detail, true
		}
	}
	return "", "", false
}

var (
	recursiveForceDelete = regexp.MustCompile(rmRecursiveForce)
	forceFlag            = regexp.MustCompile(`(^|\s)(--force(-with-lease)?|-f)(\s|=|$)`)
)
