package limitrate

import "strings"

// EndpointKey normalizes (method, path, routeTemplate) into the stable
// "METHOD|PATH" identifier used as the primary key into policy tables and
// as the counter key namespace (spec.md 4.1). routeTemplate, when
// non-empty, is preferred over path since it collapses path parameters
// ("/users/{id}") to one stable key across all concrete ids.
//
// EndpointKey is the *only* producer of endpoint keys in this package so
// that enforcement-time and peek-time keys match bit-for-bit (spec.md 4.1,
// property P6).
func EndpointKey(method, path, routeTemplate string) string {
	m := strings.ToUpper(method)
	p := path
	if routeTemplate != "" {
		p = routeTemplate
	}
	return m + "|" + p
}
