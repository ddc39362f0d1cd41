package touchfish

import "regexp"

// Control and formatting characters could rewrite the operator's terminal.
var reStripName = regexp.MustCompile(`[\p{Cc}\p{Cf}]`)

const maxNameLength = 32

// SanitizeName returns a name without control characters, at most
// maxNameLength runes long.
func SanitizeName(s string) string {
	s = reStripName.ReplaceAllString(s, "")
	if r := []rune(s); len(r) > maxNameLength {
		s = string(r[:maxNameLength])
	}
	return s
}
