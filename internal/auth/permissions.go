package auth

import "strings"

// AdminPermission grants every permission.
const AdminPermission = "admin"

// HasPermission reports whether the granted permission list satisfies the
// required permission. Satisfaction rules:
//   - "admin" grants everything
//   - exact match
//   - prefix wildcard: "a:*" satisfies "a:b:c", "a:b:*" satisfies "a:b:c"
func HasPermission(granted []string, required string) bool {
	for _, g := range granted {
		if g == AdminPermission || g == required {
			return true
		}
		if prefix, ok := strings.CutSuffix(g, ":*"); ok {
			if required == prefix || strings.HasPrefix(required, prefix+":") {
				return true
			}
		}
	}
	return false
}
