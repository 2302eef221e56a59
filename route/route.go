// Package route builds the gateway's in-memory route table from decoded
// configuration and resolves a (path, method) pair to a route plus its
// effective policy.
package route

import (
	"strings"

	"github.com/AncientiCe/schema-gateway/gwconfig"
	"github.com/AncientiCe/schema-gateway/pathmatch"
)

// SourceKind distinguishes the three mutually exclusive validation sources
// a route may carry.
type SourceKind int

const (
	// SourceNone means the route forwards without body validation.
	SourceNone SourceKind = iota
	// SourceJSONSchema means the route validates its request body against
	// a raw JSON-Schema file.
	SourceJSONSchema
	// SourceOpenAPI means the route validates parameters, body, and
	// response against an OpenAPI operation.
	SourceOpenAPI
)

// ValidationSource identifies what, if anything, validates a route's
// traffic.
type ValidationSource struct {
	Kind SourceKind

	// SchemaPath is set when Kind == SourceJSONSchema.
	SchemaPath string

	// OpenAPISpecPath and OpenAPIOperationID are set when Kind ==
	// SourceOpenAPI. OpenAPIOperationID may be empty, meaning the
	// operation is located by path+method instead of by id.
	OpenAPISpecPath    string
	OpenAPIOperationID string
}

// Policy is the fully resolved, per-request triple of boolean flags.
type Policy struct {
	ForwardOnError      bool
	AddErrorHeader      bool
	AddValidationHeader bool
}

// Route is one resolved entry in the Table: a path template, an HTTP
// method, an upstream origin, a validation source, and its effective
// policy.
type Route struct {
	PathTemplate string
	Method       string
	Upstream     string
	Source       ValidationSource
	Policy       Policy
}

// Table holds the full ordered set of routes, matched first-configured-wins.
type Table struct {
	routes []Route
}

// NewTable builds a Table from a decoded configuration. The route order is
// preserved from the configuration file, since Match returns the first
// matching route.
func NewTable(cfg *gwconfig.Config) *Table {
	t := &Table{routes: make([]Route, 0, len(cfg.Routes))}
	for _, rc := range cfg.Routes {
		forward, addErr, addVal := cfg.EffectivePolicy(rc)
		src := ValidationSource{Kind: SourceNone}
		switch {
		case rc.OpenAPI != nil:
			src = ValidationSource{
				Kind:               SourceOpenAPI,
				OpenAPISpecPath:    rc.OpenAPI.Spec,
				OpenAPIOperationID: rc.OpenAPI.OperationID,
			}
		case rc.Schema != "":
			src = ValidationSource{Kind: SourceJSONSchema, SchemaPath: rc.Schema}
		}
		t.routes = append(t.routes, Route{
			PathTemplate: rc.Path,
			Method:       strings.ToUpper(rc.Method),
			Upstream:     rc.Upstream,
			Source:       src,
			Policy:       Policy{ForwardOnError: forward, AddErrorHeader: addErr, AddValidationHeader: addVal},
		})
	}
	return t
}

// Routes returns the full ordered route list, for callers that need to walk
// every route rather than match a single request (the startup preflight in
// cmd/gateway, for instance).
func (t *Table) Routes() []Route {
	return t.routes
}

// Match returns the first route whose template matches path (segment-wise)
// and whose method matches method case-insensitively, or false if no route
// matches.
func (t *Table) Match(path, method string) (Route, bool) {
	upperMethod := strings.ToUpper(method)
	for _, r := range t.routes {
		if r.Method != upperMethod {
			continue
		}
		if pathmatch.MatchPath(path, r.PathTemplate) {
			return r, true
		}
	}
	return Route{}, false
}
