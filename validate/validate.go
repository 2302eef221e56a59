// Package validate runs a compiled JSON Schema against a decoded JSON
// value and flattens the result into the gateway's error-message shape.
package validate

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Result is the outcome of validating one JSON value against one schema.
type Result struct {
	Valid  bool
	Errors []string
}

// Validate runs schema against instance (a value produced by
// jsonschema.UnmarshalJSON, matching the library's expected instance
// shape) and returns a deterministic, ordered list of
// "{instance_path}: {message}" strings — or just "{message}" when the
// instance path is empty (a failure at the document root).
func Validate(schema *jsonschema.Schema, instance any) Result {
	err := schema.Validate(instance)
	if err == nil {
		return Result{Valid: true}
	}

	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return Result{Valid: false, Errors: []string{err.Error()}}
	}

	var errs []string
	collectLeaves(ve, &errs)
	if len(errs) == 0 {
		errs = []string{ve.Error()}
	}
	return Result{Valid: false, Errors: errs}
}

// collectLeaves walks ve's Causes tree and appends one message per leaf (a
// cause with no causes of its own), formatted as "{instance_path}:
// {message}". A cause's own Error() string already describes its failed
// keyword, so no separate keyword lookup is needed.
func collectLeaves(ve *jsonschema.ValidationError, errs *[]string) {
	if len(ve.Causes) == 0 {
		loc := strings.Trim(strings.Join(ve.InstanceLocation, "/"), "/")
		if loc == "" {
			*errs = append(*errs, ve.Error())
			return
		}
		*errs = append(*errs, loc+": "+ve.Error())
		return
	}
	for _, cause := range ve.Causes {
		collectLeaves(cause, errs)
	}
}

// Join collapses a Result's error list into one comma-separated string.
// The pipeline prefixes it (for example with "Validation failed: ") before
// attaching it to X-Gateway-Error or the rejection body.
func Join(errs []string) string {
	return strings.Join(errs, ", ")
}
