package touchfish

import "strings"

// InferName guesses a client's username from one of its messages. It is a
// best-effort heuristic over untrusted text, not authentication.
//
// A join announcement matching one of patterns wins. Otherwise a chat line
// "name: text" names its sender, unless it looks like a JSON object. If
// nothing matches, or the match sanitizes to an empty name, current is
// returned.
func InferName(current, text string, patterns []JoinPattern) string {
	for _, p := range patterns {
		if p.Prefix == "" || p.Suffix == "" {
			continue
		}
		if !strings.Contains(text, p.Prefix) || !strings.Contains(text, p.Suffix) {
			continue
		}
		_, rest, _ := strings.Cut(text, p.Prefix)
		name, _, _ := strings.Cut(rest, p.Suffix)
		if name = SanitizeName(name); name != "" {
			return name
		}
		return current
	}

	if strings.HasPrefix(text, "{") {
		return current
	}
	if name, _, ok := strings.Cut(text, ":"); ok {
		if name = SanitizeName(strings.TrimSpace(name)); name != "" {
			return name
		}
	}
	return current
}
