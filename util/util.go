// Package util contains misc internal utilities.
package util

import (
	"strconv"
	"strings"
)

// IntSliceToCSV convets a slice of ints to CSV formatted data.
// e.g., []int32{1,2,3,4,5} => "1,2,3,4,5"
func IntSliceToCSV(is []int32) string {
	s := make([]string, len(is))
	for i, v := range is {
		s[i] = strconv.FormatInt(int64(v), 10)
	}

	return strings.Join(s, ",")
}

// SubMuxSanitize converts a URL stem into a form suitable for mounting
// a sub router, e.g. "omc/ghzcal" => "/omc/ghzcal"
func SubMuxSanitize(str string) string {
	str = strings.TrimSuffix(str, "*")
	str = strings.TrimSuffix(str, "/")
	if !strings.HasPrefix(str, "/") {
		str = "/" + str
	}
	return str
}

// UniqueString returns the unique elements of a slice of strings, preserving
// the order of first appearance
func UniqueString(strs []string) []string {
	seen := make(map[string]struct{}, len(strs))
	out := make([]string, 0, len(strs))
	for _, s := range strs {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// ParseKeyValue splits "key=value" into its halves.  The key is trimmed of
// surrounding whitespace.  ok is false if there is no '='.
func ParseKeyValue(s string) (key, value string, ok bool) {
	idx := strings.IndexByte(s, '=')
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(s[:idx]), s[idx+1:], true
}
