package logutil

import "strings"

// maxLogValueLen bounds how much of a client-supplied value ends up in a log line.
const maxLogValueLen = 200

// SanitizeForLog removes newlines and control characters from client-provided
// strings (origins, session ids, user ids) so a crafted value cannot forge
// extra log entries. Long values are cut at maxLogValueLen.
func SanitizeForLog(s string) string {
	var result strings.Builder
	result.Grow(min(len(s), maxLogValueLen))
	n := 0
	for _, r := range s {
		if n >= maxLogValueLen {
			result.WriteString("...")
			break
		}
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			result.WriteByte(' ')
		case r < 32 || r == 0x7f:
			continue
		default:
			result.WriteRune(r)
		}
		n++
	}
	return result.String()
}

// Mask hides all but the last four characters of a credential.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 8 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
