package safety

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultRules is the built-in rule table. Custom rules are evaluated
// before these.
var DefaultRules = []Rule{
	{ID: "deny-etc", Kind: KindDeny, Pattern: "/etc/**", Description: "system configuration", Category: CategorySystem},
	{ID: "deny-boot", Kind: KindDeny, Pattern: "/boot/**", Description: "boot partition", Category: CategorySystem},
	{ID: "deny-usr", Kind: KindDeny, Pattern: "/usr/**", Description: "system binaries and libraries", Category: CategorySystem},
	{ID: "deny-proc", Kind: KindDeny, Pattern: "/proc/**", Description: "kernel process table", Category: CategorySystem},
	{ID: "deny-ssh", Kind: KindDeny, Pattern: "**/.ssh/**", Description: "SSH keys", Category: CategoryCredentials},
	{ID: "deny-aws", Kind: KindDeny, Pattern: "**/.aws/credentials", Description: "AWS credentials", Category: CategoryCredentials},
	{ID: "deny-netcat-listen", Kind: KindDeny, Pattern: "nc -l**", Description: "opens a listening socket", Category: CategoryTerminal},
	{ID: "deny-history-wipe", Kind: KindDeny, Pattern: "history -c*", Description: "erases shell history", Category: CategoryTerminal},
	{ID: "confirm-sudo", Kind: KindConfirm, Pattern: "sudo *", Description: "runs as root", Category: CategoryTerminal},
	{ID: "confirm-git-push", Kind: KindConfirm, Pattern: "git push *", Description: "publishes commits", Category: CategoryGit},
	{ID: "confirm-git-rebase", Kind: KindConfirm, Pattern: "git rebase *", Description: "rewrites history", Category: CategoryGit},
	{ID: "confirm-npm-publish", Kind: KindConfirm, Pattern: "npm publish*", Description: "publishes a package", Category: CategoryPackage},
	{ID: "confirm-docker", Kind: KindConfirm, Pattern: "docker **", Description: "controls containers on the host", Category: CategoryTerminal},
	{ID: "allow-git-status", Kind: KindAllow, Pattern: "git status**", Description: "read-only git", Category: CategoryGit},
	{ID: "allow-git-diff", Kind: KindAllow, Pattern: "git diff**", Description: "read-only git", Category: CategoryGit},
	{ID: "allow-git-log", Kind: KindAllow, Pattern: "git log**", Description: "read-only git", Category: CategoryGit},
}

var ErrInvalidRule = errors.New("invalid safety rule")

// ValidateRules checks every rule's kind and pattern. It is the
// registration-time gate for custom rules; Check itself never fails.
func ValidateRules(rules []Rule) error {
	var errs []error
	for i, r := range rules {
		if !r.Kind.Valid() {
			errs = append(errs, fmt.Errorf("%w: rule %d (%s): unknown kind %q", ErrInvalidRule, i, r.ID, r.Kind))
			continue
		}
		if _, err := compileGlob(r.Pattern); err != nil {
			errs = append(errs, fmt.Errorf("%w: rule %d (%s): %w", ErrInvalidRule, i, r.ID, err))
		}
	}
	return errors.Join(errs...)
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads custom rules from a YAML file of the form
//
//	rules:
//	  - id: deny-secrets
//	    kind: deny
//	    pattern: "**/secrets/**"
//	    category: credentials
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadRules: %w", err)
	}
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("LoadRules: parse %s: %w", path, err)
	}
	if err := ValidateRules(f.Rules); err != nil {
		return nil, fmt.Errorf("LoadRules: %w", err)
	}
	return f.Rules, nil
}
