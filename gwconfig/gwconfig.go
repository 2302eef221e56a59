// Package gwconfig decodes and validates the gateway's YAML configuration
// file: the route table and the global policy defaults.
package gwconfig

import (
	"fmt"
	"os"
	"strings"

	"github.com/AncientiCe/schema-gateway/gwerr"
	"gopkg.in/yaml.v3"
)

// validMethods is the set of HTTP verbs a route may declare, per spec.md §3.
var validMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true, "PATCH": true,
	"HEAD": true, "OPTIONS": true, "CONNECT": true, "TRACE": true,
}

// Config is the top-level decoded configuration file.
type Config struct {
	Global GlobalPolicy `yaml:"global"`
	Routes []Route      `yaml:"routes"`
}

// GlobalPolicy carries the process-wide defaults for the three policy
// flags. Every flag defaults to true when absent from the YAML document.
type GlobalPolicy struct {
	ForwardOnError      *bool `yaml:"forward_on_error"`
	AddErrorHeader      *bool `yaml:"add_error_header"`
	AddValidationHeader *bool `yaml:"add_validation_header"`
}

func (g GlobalPolicy) forwardOnError() bool      { return boolOrDefault(g.ForwardOnError, true) }
func (g GlobalPolicy) addErrorHeader() bool      { return boolOrDefault(g.AddErrorHeader, true) }
func (g GlobalPolicy) addValidationHeader() bool { return boolOrDefault(g.AddValidationHeader, true) }

func boolOrDefault(v *bool, d bool) bool {
	if v == nil {
		return d
	}
	return *v
}

// OverridePolicy is the partial per-route policy override: each flag is
// either set or left to fall back to the global default.
type OverridePolicy struct {
	ForwardOnError      *bool `yaml:"forward_on_error"`
	AddErrorHeader      *bool `yaml:"add_error_header"`
	AddValidationHeader *bool `yaml:"add_validation_header"`
}

// Route is one declarative route entry.
type Route struct {
	Path     string         `yaml:"path"`
	Method   string         `yaml:"method"`
	Upstream string         `yaml:"upstream"`
	Schema   string         `yaml:"schema"`
	OpenAPI  *OpenAPIRoute  `yaml:"openapi"`
	Config   OverridePolicy `yaml:"config"`
}

// OpenAPIRoute is the openapi: key of a route, accepting either a bare
// spec-path string or an object with an optional operation_id.
type OpenAPIRoute struct {
	Spec        string `yaml:"spec"`
	OperationID string `yaml:"operation_id"`
}

// UnmarshalYAML implements the bare-string-or-object form spec.md §6
// requires: `openapi: ./spec.yaml` is shorthand for `openapi: {spec:
// ./spec.yaml}`.
func (o *OpenAPIRoute) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		o.Spec = value.Value
		o.OperationID = ""
		return nil
	}
	type plain OpenAPIRoute
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*o = OpenAPIRoute(p)
	return nil
}

// Load reads and decodes a gateway configuration file, then validates it.
// Any failure is fatal to process start, per spec.md §7.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &gwerr.ConfigError{Message: fmt.Sprintf("failed to read config file %q", path), Cause: err}
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &gwerr.ConfigError{Message: fmt.Sprintf("failed to parse config file %q", path), Cause: err}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks structural invariants on the decoded config: a non-empty
// route list, and per-route invariants from spec.md §3.
func (c *Config) Validate() error {
	if len(c.Routes) == 0 {
		return &gwerr.ConfigError{Message: "config must have at least one route"}
	}
	for idx, route := range c.Routes {
		if err := route.validate(); err != nil {
			return &gwerr.ConfigError{Message: fmt.Sprintf("route %d: %v", idx, err)}
		}
	}
	return nil
}

func (r Route) validate() error {
	if r.Upstream == "" {
		return fmt.Errorf("upstream cannot be empty")
	}
	if !validMethods[strings.ToUpper(r.Method)] {
		return fmt.Errorf("invalid HTTP method: %s", r.Method)
	}
	if r.Schema != "" && r.OpenAPI != nil {
		return fmt.Errorf("route may not set both schema and openapi")
	}
	if r.OpenAPI != nil {
		if r.OpenAPI.Spec == "" {
			return fmt.Errorf("openapi.spec cannot be empty")
		}
		if r.OpenAPI.OperationID != "" && strings.TrimSpace(r.OpenAPI.OperationID) == "" {
			return fmt.Errorf("openapi.operation_id cannot be blank")
		}
	}
	return nil
}

// EffectivePolicy resolves the three-flag policy for one route: the
// route's override if set, else the global default, else true.
func (c *Config) EffectivePolicy(r Route) (forwardOnError, addErrorHeader, addValidationHeader bool) {
	return boolOrDefault(r.Config.ForwardOnError, c.Global.forwardOnError()),
		boolOrDefault(r.Config.AddErrorHeader, c.Global.addErrorHeader()),
		boolOrDefault(r.Config.AddValidationHeader, c.Global.addValidationHeader())
}
