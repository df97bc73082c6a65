package utils

import "strings"

// MatchResourcePattern reports whether resource matches pattern. Matching is
// case-sensitive and works on '/'-separated segments:
//   - "*" on its own matches every resource.
//   - A trailing "/*" matches one or more further segments, so "Loan/*"
//     matches "Loan/123" and "Loan/123/docs" but not "Loan" or "Loans/123".
//   - A "*" or ":name" segment elsewhere matches exactly one non-empty segment.
//   - Any other segment must be equal. A '*' inside a segment is literal.
func MatchResourcePattern(resource, pattern string) bool {
	if pattern == "" || resource == "" {
		return false
	}
	if pattern == "*" || pattern == resource {
		return true
	}
	pat := strings.Split(pattern, "/")
	val := strings.Split(resource, "/")
	for i, seg := range pat {
		last := i == len(pat)-1
		if last && seg == "*" {
			if len(val) <= i {
				return false
			}
			for _, rest := range val[i:] {
				if rest == "" {
					return false
				}
			}
			return true
		}
		if i >= len(val) {
			return false
		}
		switch {
		case seg == "*", strings.HasPrefix(seg, ":") && len(seg) > 1:
			if val[i] == "" {
				return false
			}
		case seg != val[i]:
			return false
		}
	}
	return len(pat) == len(val)
}

// MatchAction reports whether an action pattern grants action. "*" grants
// every action; anything else must be equal.
func MatchAction(pattern, action string) bool {
	if pattern == "" || action == "" {
		return false
	}
	return pattern == "*" || pattern == action
}

var keySegmentEscaper = strings.NewReplacer("%", "%25", ":", "%3A", "/", "%2F")

// EscapeKeySegment makes s safe to embed in a ':'-delimited cache key.
// Distinct inputs always produce distinct outputs.
func EscapeKeySegment(s string) string {
	return keySegmentEscaper.Replace(s)
}
