package util

import "strings"

// IsTruthy interprets common spellings of a boolean setting. Anything unrecognized is false.
func IsTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}
