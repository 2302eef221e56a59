// Package pipeline implements the per-request state machine: ingest the
// body, resolve a route, validate per its source, forward upstream, and
// (for OpenAPI routes) validate the response — all under the route's
// resolved error policy.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/AncientiCe/schema-gateway/forwarder"
	"github.com/AncientiCe/schema-gateway/openapi"
	"github.com/AncientiCe/schema-gateway/pathmatch"
	"github.com/AncientiCe/schema-gateway/route"
	"github.com/AncientiCe/schema-gateway/schemacache"
	"github.com/AncientiCe/schema-gateway/validate"
)

// Handler is the gateway's single http.Handler: every request, regardless
// of path, enters here and is dispatched by route lookup.
type Handler struct {
	Table   *route.Table
	Schemas *schemacache.Cache
	OpenAPI *openapi.Cache
	Client  forwarder.Client
	Logger  *slog.Logger
}

// outcome is an internal representation of "what goes to the client",
// produced either by forwarding upstream or by synthesizing an error body.
type outcome struct {
	status  int
	headers http.Header
	body    []byte
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// ServeHTTP implements the Ingest -> Route -> {ForwardBare |
// JsonSchemaValidate | OpenApiValidate} -> ErrorPolicy -> (OpenAPI only)
// ResponseValidate state machine (spec.md §4.7).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeOutcome(w, synthesize(http.StatusBadRequest, "Failed to read request body"))
		return
	}

	pathAndQuery := r.URL.Path
	if r.URL.RawQuery != "" {
		pathAndQuery += "?" + r.URL.RawQuery
	}

	rt, ok := h.Table.Match(r.URL.Path, r.Method)
	if !ok {
		writeOutcome(w, synthesize(http.StatusNotFound, "Not Found"))
		return
	}

	var result outcome
	switch rt.Source.Kind {
	case route.SourceNone:
		result = h.forwardBare(r.Context(), rt, r.Header, pathAndQuery, body)
	case route.SourceJSONSchema:
		result = h.jsonSchemaValidate(r, rt, pathAndQuery, body)
	case route.SourceOpenAPI:
		result = h.openAPIValidate(r, rt, pathAndQuery, body)
	default:
		result = h.forwardBare(r.Context(), rt, r.Header, pathAndQuery, body)
	}

	writeOutcome(w, result)
}

func (h *Handler) forwardBare(ctx context.Context, rt route.Route, headers http.Header, pathAndQuery string, body []byte) outcome {
	resp := forwarder.Forward(ctx, h.Client, rt.Method, rt.Upstream, pathAndQuery, headers, body)
	return outcome{status: resp.Status, headers: resp.Headers, body: resp.Body}
}

// errorPolicy is the shared terminal step for every per-request validation
// failure (spec.md §4.7 step 6): either forward the original request
// anyway (optionally stamped with the failure as a header), or reject
// locally without ever calling upstream.
func (h *Handler) errorPolicy(ctx context.Context, rt route.Route, headers http.Header, pathAndQuery string, body []byte, msg string, status int) outcome {
	if !rt.Policy.ForwardOnError {
		return synthesize(status, msg)
	}

	forwardHeaders := headers.Clone()
	if rt.Policy.AddErrorHeader {
		if isValidHeaderValue(msg) {
			forwardHeaders.Set("X-Gateway-Error", msg)
		} else {
			h.logger().Warn("gateway error message is not a valid header value, dropping X-Gateway-Error",
				slog.String("path", rt.PathTemplate))
		}
	}
	resp := forwarder.Forward(ctx, h.Client, rt.Method, rt.Upstream, pathAndQuery, forwardHeaders, body)
	return outcome{status: resp.Status, headers: resp.Headers, body: resp.Body}
}

func (h *Handler) jsonSchemaValidate(r *http.Request, rt route.Route, pathAndQuery string, body []byte) outcome {
	if len(body) == 0 {
		return h.forwardBare(r.Context(), rt, r.Header, pathAndQuery, body)
	}

	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return h.errorPolicy(r.Context(), rt, r.Header, pathAndQuery, body, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
	}

	schema, err := h.Schemas.Load(rt.Source.SchemaPath)
	if err != nil {
		return h.errorPolicy(r.Context(), rt, r.Header, pathAndQuery, body, err.Error(), http.StatusInternalServerError)
	}

	result := validate.Validate(schema, instance)
	if !result.Valid {
		msg := "Validation failed: " + validate.Join(result.Errors)
		return h.errorPolicy(r.Context(), rt, r.Header, pathAndQuery, body, msg, http.StatusBadRequest)
	}

	headers := r.Header.Clone()
	if rt.Policy.AddValidationHeader {
		headers.Set("X-Schema-Validated", "true")
	}
	return h.forwardBare(r.Context(), rt, headers, pathAndQuery, body)
}

func (h *Handler) openAPIValidate(r *http.Request, rt route.Route, pathAndQuery string, body []byte) outcome {
	plan, err := h.OpenAPI.LoadOperation(rt.Source.OpenAPISpecPath, rt.PathTemplate, rt.Method, rt.Source.OpenAPIOperationID)
	if err != nil {
		return h.errorPolicy(r.Context(), rt, r.Header, pathAndQuery, body, err.Error(), http.StatusInternalServerError)
	}

	if msg, status, ok := validateOpenAPIParameters(r, plan); !ok {
		return h.errorPolicy(r.Context(), rt, r.Header, pathAndQuery, body, msg, status)
	}

	switch {
	case plan.BodySchema == nil && len(body) == 0:
		return h.forwardBare(r.Context(), rt, r.Header, pathAndQuery, body)
	case plan.BodyRequired && len(body) == 0:
		msg := fmt.Sprintf("OpenAPI request body required for %s %s", rt.Method, plan.PathTemplate)
		return h.errorPolicy(r.Context(), rt, r.Header, pathAndQuery, body, msg, http.StatusBadRequest)
	case plan.BodySchema == nil:
		return h.forwardBare(r.Context(), rt, r.Header, pathAndQuery, body)
	}

	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return h.errorPolicy(r.Context(), rt, r.Header, pathAndQuery, body, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
	}
	result := validate.Validate(plan.BodySchema, instance)
	if !result.Valid {
		msg := "Validation failed: " + validate.Join(result.Errors)
		return h.errorPolicy(r.Context(), rt, r.Header, pathAndQuery, body, msg, http.StatusBadRequest)
	}

	headers := r.Header.Clone()
	if rt.Policy.AddValidationHeader {
		headers.Set("X-Schema-Validated", "openapi")
	}
	forwardOutcome := h.forwardBare(r.Context(), rt, headers, pathAndQuery, body)
	return h.responseValidate(plan, rt, forwardOutcome)
}

// validateOpenAPIParameters implements spec.md §4.8: re-match the route's
// plan template against the actual request path, build location lookup
// maps, then walk each parameter validator, short-circuiting on the first
// failure.
func validateOpenAPIParameters(r *http.Request, plan *openapi.OperationPlan) (msg string, status int, ok bool) {
	pathParams, matched := pathmatch.ExtractParams(r.URL.Path, plan.PathTemplate)
	if !matched {
		return fmt.Sprintf("request path does not match operation template '%s'", plan.PathTemplate), http.StatusBadRequest, false
	}
	queryParams, _ := url.ParseQuery(r.URL.RawQuery)
	cookieParams := parseCookieHeader(r.Header.Get("Cookie"))

	for _, p := range plan.Parameters {
		raw, present := lookupParam(p, pathParams, queryParams, r.Header, cookieParams)
		if !present {
			if p.Required {
				return fmt.Sprintf("Missing required %s parameter '%s'", p.Location, p.Name), http.StatusBadRequest, false
			}
			continue
		}

		coerced, err := p.Coerce(raw)
		if err != nil {
			return err.Error(), http.StatusBadRequest, false
		}

		if p.Schema != nil {
			result := validate.Validate(p.Schema, coerced)
			if !result.Valid {
				first := "invalid value"
				if len(result.Errors) > 0 {
					first = result.Errors[0]
				}
				return fmt.Sprintf("Parameter '%s' invalid: %s", p.Name, first), http.StatusBadRequest, false
			}
		}
	}
	return "", 0, true
}

func lookupParam(p openapi.ParameterValidator, pathParams map[string]string, queryParams url.Values, headers http.Header, cookieParams map[string]string) (string, bool) {
	switch p.Location {
	case openapi.LocationPath:
		v, ok := pathParams[p.Name]
		return v, ok
	case openapi.LocationQuery:
		vs, ok := queryParams[p.Name]
		if !ok || len(vs) == 0 {
			return "", false
		}
		return vs[0], true
	case openapi.LocationHeader:
		v := headers.Get(p.Name)
		return v, v != ""
	case openapi.LocationCookie:
		v, ok := cookieParams[p.Name]
		return v, ok
	default:
		return "", false
	}
}

// parseCookieHeader parses a raw Cookie header value per spec.md §4.8:
// split on ';', the first '=' in each piece splits name from value, both
// trimmed.
func parseCookieHeader(header string) map[string]string {
	params := make(map[string]string)
	if header == "" {
		return params
	}
	for _, piece := range strings.Split(header, ";") {
		idx := strings.Index(piece, "=")
		if idx < 0 {
			continue
		}
		name := strings.TrimSpace(piece[:idx])
		value := strings.TrimSpace(piece[idx+1:])
		if name == "" {
			continue
		}
		params[name] = value
	}
	return params
}

// responseValidate implements spec.md §4.9, running only after a
// successfully-forwarded, validation-pass OpenAPI request.
func (h *Handler) responseValidate(plan *openapi.OperationPlan, rt route.Route, fwd outcome) outcome {
	if len(plan.ResponseSchemas) == 0 {
		return fwd
	}
	schema, ok := plan.ResponseSchemaFor(fwd.status)
	if !ok {
		return fwd
	}
	contentType := fwd.headers.Get("Content-Type")
	if !strings.Contains(strings.ToLower(contentType), "json") {
		return fwd
	}
	if len(fwd.body) == 0 {
		return fwd
	}

	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(fwd.body))
	var validationMsg string
	if err != nil {
		validationMsg = "OpenAPI response validation failed: invalid JSON: " + err.Error()
	} else {
		result := validate.Validate(schema, instance)
		if !result.Valid {
			validationMsg = "OpenAPI response validation failed: " + validate.Join(result.Errors)
		}
	}
	if validationMsg == "" {
		return fwd
	}

	if rt.Policy.ForwardOnError {
		if rt.Policy.AddErrorHeader && isValidHeaderValue(validationMsg) {
			fwd.headers = fwd.headers.Clone()
			fwd.headers.Set("X-Gateway-Error", validationMsg)
		} else if rt.Policy.AddErrorHeader {
			h.logger().Warn("response validation error message is not a valid header value, dropping X-Gateway-Error")
		}
		return fwd
	}
	return synthesize(http.StatusBadGateway, validationMsg)
}

func isValidHeaderValue(s string) bool {
	for _, r := range s {
		if r == '\r' || r == '\n' || r > 127 {
			return false
		}
	}
	return true
}

func synthesize(status int, msg string) outcome {
	body, _ := json.Marshal(map[string]string{"error": msg})
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	return outcome{status: status, headers: headers, body: body}
}

func writeOutcome(w http.ResponseWriter, o outcome) {
	dst := w.Header()
	for name, values := range o.headers {
		if strings.EqualFold(name, "Content-Length") {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
	dst.Set("Content-Length", strconv.Itoa(len(o.body)))
	w.WriteHeader(o.status)
	_, _ = w.Write(o.body)
}
