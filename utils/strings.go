package utils

import (
	"strings"
	"unsafe"
)

func BytesToString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return *(*string)(unsafe.Pointer(&b))
}

// NormalizeKey folds a user supplied lookup value so that "BTS", " bts " and
// "Bts" address the same entry.
func NormalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func BuildKey(parts ...string) string {
	return strings.Join(parts, ":")
}
