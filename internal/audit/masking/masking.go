package masking

import "strings"

const maskToken = "****"

// MaskSecret redacts a secret, keeping the last four characters for correlation.
func MaskSecret(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	if len(trimmed) <= 8 {
		return maskToken
	}
	return maskToken + trimmed[len(trimmed)-4:]
}
