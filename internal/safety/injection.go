package safety

import "regexp"

// Pre-compiled injection patterns. Any hit denies the action outright.
var injectionPatterns = []struct {
	re     *regexp.Regexp
	detail string
}{
	// Instruction override
	{regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions|rules|prompts?)`), "instruction override: ignore previous instructions"},
	{regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|above)\s+(instructions|rules|guidelines)`), "instruction override: disregard instructions"},
	{regexp.MustCompile(`(?i)forget\s+(all\s+)?(previous|prior|above)\s+(instructions|context)`), "instruction override: forget instructions"},
	{regexp.MustCompile(`(?i)override\s+(system|safety|security)\s+(prompt|instructions|rules|policy)`), "instruction override: explicit override"},
	{regexp.MustCompile(`(?i)bypass\s+(the\s+)?(safety|security|content)\s+(filter|check|policy|rules)`), "instruction override: explicit bypass"},
	{regexp.MustCompile(`(?i)do\s+not\s+follow\s+(your|the|any)\s+(rules|guidelines|instructions|safety)`), "instruction override: instruction negation"},

	// Role hijack
	{regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|the|my|in)\b`), "role hijack: you are now"},
	{regexp.MustCompile(`(?i)from\s+now\s+on\s+you\s+(are|will|must|should)`), "role hijack: from now on"},
	{regexp.MustCompile(`(?i)your\s+new\s+(role|identity|persona|instructions)\s+(is|are)`), "role hijack: new role"},
	{regexp.MustCompile(`(?i)\[SYSTEM\]`), "role hijack: [SYSTEM] tag"},
	{regexp.MustCompile(`(?i)<\|im_start\|>\s*system`), "role hijack: ChatML system tag"},
	{regexp.MustCompile(`(?i)###\s*(SYSTEM|NEW INSTRUCTION)`), "role hijack: markdown system header"},

	// Jailbreak keywords
	{regexp.MustCompile(`(?i)\bDAN\s+mode\b`), "jailbreak: DAN mode"},
	{regexp.MustCompile(`(?i)\bdo\s+anything\s+now\b`), "jailbreak: do anything now"},
	{regexp.MustCompile(`(?i)enter\s+(developer|debug|god|sudo)\s+mode`), "jailbreak: privileged mode"},
	{regexp.MustCompile(`(?i)\bjailbreak(ing|ed)?\b`), "jailbreak: explicit keyword"},
	{regexp.MustCompile(`(?i)you\s+have\s+no\s+(restrictions|rules|limitations|guidelines|filters)`), "jailbreak: no restrictions claim"},

	// System prompt extraction
	{regexp.MustCompile(`(?i)(reveal|output|print|show)\s+(your|the)\s+(system|initial|original|hidden)\s+(prompt|instructions|message)`), "prompt extraction: reveal system prompt"},
	{regexp.MustCompile(`(?i)what\s+(are|is|were)\s+your\s+(system|initial|original|hidden)\s+(prompt|instructions|rules)`), "prompt extraction: ask for system prompt"},

	// Encoding / eval obfuscation
	{regexp.MustCompile(`(?i)\beval\s*\(`), "obfuscation: eval call"},
	{regexp.MustCompile(`(?i)\beval\s+["'$]`), "obfuscation: shell eval"},
	{regexp.MustCompile(`(?i)base64\s+(-d|--decode)\b.*\|\s*(ba|z)?sh\b`), "obfuscation: decoded payload piped to shell"},
	{regexp.MustCompile(`(?i)\batob\s*\(`), "obfuscation: atob decode"},
	{regexp.MustCompile(`(?i)String\.fromCharCode\s*\(`), "obfuscation: fromCharCode"},
	{regexp.MustCompile(`(\\x[0-9a-fA-F]{2}){8,}`), "obfuscation: hex escaped payload"},
}

// matchInjection returns the detail of the first injection pattern that
// matches action, or "" when none do.
func matchInjection(action string) string {
	for _, p := range injectionPatterns {
		if p.re.MatchString(action) {
			return p.detail
		}
	}
	return ""
}
