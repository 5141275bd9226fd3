package server

import (
	"fmt"
	"regexp"
	"strings"
)

var sourcePattern = regexp.MustCompile(`^[a-zA-Z0-9./-]+$`)

// NormalizeSource strips the scheme and a leading www. from a caller-supplied
// source identifier and validates the remainder. Case is preserved.
func NormalizeSource(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	for _, prefix := range []string{"https://", "http://"} {
		if strings.HasPrefix(strings.ToLower(s), prefix) {
			s = s[len(prefix):]
			break
		}
	}
	if strings.HasPrefix(strings.ToLower(s), "www.") {
		s = s[len("www."):]
	}
	if s == "" {
		return "", nil
	}
	if !sourcePattern.MatchString(s) {
		return "", fmt.Errorf("invalid source %q", s)
	}
	return s, nil
}
