// Package pathmatch implements the segment-wise path template matching
// shared by the route table, the OpenAPI operation matcher, and request-time
// path parameter extraction. All three need the same rule: split on '/',
// require equal segment counts, and let a parameter segment stand in for any
// non-empty actual segment.
package pathmatch

import "strings"

// Segments splits a request or template path into its '/'-separated parts,
// discarding the leading and trailing slash. The root path "/" yields a nil
// (zero-length) slice.
func Segments(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// IsRouteParam reports whether a route-table segment is a parameter. Route
// templates accept both the ":name" and "{name}" spellings.
func IsRouteParam(segment string) bool {
	if strings.HasPrefix(segment, ":") {
		return true
	}
	return IsSpecParam(segment)
}

// IsSpecParam reports whether an OpenAPI spec path segment is a parameter.
// Spec templates only accept the "{name}" spelling.
func IsSpecParam(segment string) bool {
	return len(segment) >= 2 && strings.HasPrefix(segment, "{") && strings.HasSuffix(segment, "}")
}

// paramName strips the marker off a parameter segment ("{name}" or ":name").
func paramName(segment string) string {
	if strings.HasPrefix(segment, "{") && strings.HasSuffix(segment, "}") {
		return segment[1 : len(segment)-1]
	}
	return strings.TrimPrefix(segment, ":")
}

// MatchPath matches a concrete request path against a route-style template.
// A template segment beginning with ':' or wrapped in '{…}' accepts any
// non-empty actual segment; every other segment must match byte-for-byte.
func MatchPath(actualPath, template string) bool {
	actual := Segments(actualPath)
	tmpl := Segments(template)
	if len(actual) != len(tmpl) {
		return false
	}
	for i, seg := range tmpl {
		if IsRouteParam(seg) {
			if actual[i] == "" {
				return false
			}
			continue
		}
		if seg != actual[i] {
			return false
		}
	}
	return true
}

// ExtractParams matches a concrete request path against an OpenAPI spec path
// template (brace parameters only) and, on success, returns the named path
// parameters pulled from the actual path.
func ExtractParams(actualPath, specTemplate string) (map[string]string, bool) {
	actual := Segments(actualPath)
	tmpl := Segments(specTemplate)
	if len(actual) != len(tmpl) {
		return nil, false
	}
	params := make(map[string]string, len(tmpl))
	for i, seg := range tmpl {
		if IsSpecParam(seg) {
			if actual[i] == "" {
				return nil, false
			}
			params[paramName(seg)] = actual[i]
			continue
		}
		if seg != actual[i] {
			return nil, false
		}
	}
	return params, true
}

// TemplatesMatch compares a route-table template (':name' or '{name}') with
// an OpenAPI spec path template ('{name}' only). Either side being a
// parameter segment makes the pair a wildcard match; literal segments must
// be byte-equal.
func TemplatesMatch(routeTemplate, specTemplate string) bool {
	route := Segments(routeTemplate)
	spec := Segments(specTemplate)
	if len(route) != len(spec) {
		return false
	}
	for i := range route {
		if IsRouteParam(route[i]) || IsSpecParam(spec[i]) {
			continue
		}
		if route[i] != spec[i] {
			return false
		}
	}
	return true
}
