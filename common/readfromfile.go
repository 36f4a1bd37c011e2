package common

import (
	"os"
	"strings"
)

// ReadSecret resolves a secret given on the command line. When s names a
// readable, non-empty regular file the trimmed file content is returned,
// otherwise s itself is the secret.
func ReadSecret(s string) string {
	if s == "" || !FileExists(s) {
		return s
	}
	b, err := os.ReadFile(s)
	if err != nil {
		return s
	}
	txt := strings.TrimSpace(string(b))
	if txt == "" {
		return s
	}
	return txt
}
