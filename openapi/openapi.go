// Package openapi loads OpenAPI v3 documents, resolves local $ref
// pointers, locates operations by path-template or operationId, and
// distills each matched operation into a compiled OperationPlan: a
// request-body schema, an ordered list of parameter validators, and a
// status-indexed table of response schemas.
package openapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"github.com/AncientiCe/schema-gateway/gwerr"
	"github.com/AncientiCe/schema-gateway/pathmatch"
)

// maxRefDepth caps the recursion depth of deep $ref resolution; every
// nested mapping, sequence item and $ref hop counts one level. A cycle in
// the $ref graph
// is a configuration error (spec.md §9, DESIGN.md's resolved Open
// Question), surfaced as InvalidOpenAPIError rather than a stack overflow.
const maxRefDepth = 64

// methodKeys lists the HTTP-method keys a path item may carry, in the
// order find-by-operationId scans them.
var methodKeys = []string{"get", "put", "post", "delete", "options", "head", "patch", "trace"}

// ParamLocation identifies where an OpenAPI parameter is carried.
type ParamLocation int

const (
	LocationPath ParamLocation = iota
	LocationQuery
	LocationHeader
	LocationCookie
)

func (l ParamLocation) String() string {
	switch l {
	case LocationPath:
		return "path"
	case LocationQuery:
		return "query"
	case LocationHeader:
		return "header"
	case LocationCookie:
		return "cookie"
	default:
		return "unknown"
	}
}

// PrimitiveKind is the coercion target detected from a parameter schema's
// top-level "type".
type PrimitiveKind int

const (
	PrimitiveNone PrimitiveKind = iota
	PrimitiveInteger
	PrimitiveNumber
	PrimitiveBoolean
)

// ResponseKey selects a response schema by exact status code or the
// literal "default" entry.
type ResponseKey struct {
	Status    uint16
	IsDefault bool
}

// ParameterValidator describes one compiled, ready-to-apply parameter
// check.
type ParameterValidator struct {
	Name      string
	Location  ParamLocation
	Required  bool
	Schema    *jsonschema.Schema
	Primitive PrimitiveKind
}

// Coerce converts a raw string parameter value to the JSON value its
// schema expects, per spec.md §4.8.
func (p ParameterValidator) Coerce(raw string) (any, error) {
	switch p.Primitive {
	case PrimitiveInteger:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("Failed to parse integer for parameter '%s'", p.Name)
		}
		return n, nil
	case PrimitiveNumber:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil || isNaNOrInf(f) {
			return nil, fmt.Errorf("Failed to parse number for parameter '%s'", p.Name)
		}
		return f, nil
	case PrimitiveBoolean:
		switch raw {
		case "true":
			return true, nil
		case "false":
			return false, nil
		default:
			return nil, fmt.Errorf("Failed to parse boolean for parameter '%s'", p.Name)
		}
	default:
		return raw, nil
	}
}

func isNaNOrInf(f float64) bool {
	return math.IsNaN(f) || math.IsInf(f, 0)
}

// OperationPlan is the compiled artifact for one (spec, method,
// path_template) operation.
type OperationPlan struct {
	Method          string
	PathTemplate    string
	BodySchema      *jsonschema.Schema
	BodyRequired    bool
	Parameters      []ParameterValidator
	ResponseSchemas map[ResponseKey]*jsonschema.Schema
}

// ResponseSchemaFor selects a response schema by exact status match, then
// the default entry, per spec.md §4.9.
func (p *OperationPlan) ResponseSchemaFor(status int) (*jsonschema.Schema, bool) {
	if schema, ok := p.ResponseSchemas[ResponseKey{Status: uint16(status)}]; ok {
		return schema, true
	}
	if schema, ok := p.ResponseSchemas[ResponseKey{IsDefault: true}]; ok {
		return schema, true
	}
	return nil, false
}

type operationCacheKey struct {
	specPath     string
	method       string
	pathTemplate string
}

// Cache loads OpenAPI documents and caches the compiled OperationPlan for
// each (spec, method, path_template) that has actually been requested.
type Cache struct {
	logger *slog.Logger

	specMu sync.RWMutex
	specs  map[string]*yaml.Node
	specSF singleflight.Group

	opMu   sync.RWMutex
	ops    map[operationCacheKey]*OperationPlan
	opSF   singleflight.Group
	nextID int
}

// New returns an empty Cache.
func New(logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		logger: logger,
		specs:  make(map[string]*yaml.Node),
		ops:    make(map[operationCacheKey]*OperationPlan),
	}
}

// LoadOperation resolves routeTemplate+method (optionally narrowed by
// operationID) against the spec at specPath and returns its compiled plan,
// compiling it on first reference.
func (c *Cache) LoadOperation(specPath, routeTemplate, method, operationID string) (*OperationPlan, error) {
	spec, err := c.loadSpec(specPath)
	if err != nil {
		return nil, err
	}
	methodKey := strings.ToLower(method)

	match, err := findOperation(spec, routeTemplate, methodKey, operationID, specPath)
	if err != nil {
		return nil, err
	}

	key := operationCacheKey{specPath: specPath, method: methodKey, pathTemplate: match.path}
	c.opMu.RLock()
	if plan, ok := c.ops[key]; ok {
		c.opMu.RUnlock()
		return plan, nil
	}
	c.opMu.RUnlock()

	sfKey := specPath + "|" + methodKey + "|" + match.path
	v, err, _ := c.opSF.Do(sfKey, func() (any, error) {
		c.opMu.RLock()
		if plan, ok := c.ops[key]; ok {
			c.opMu.RUnlock()
			return plan, nil
		}
		c.opMu.RUnlock()

		plan, err := c.compilePlan(match, methodKey, specPath)
		if err != nil {
			return nil, err
		}
		c.opMu.Lock()
		c.ops[key] = plan
		c.opMu.Unlock()
		return plan, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*OperationPlan), nil
}

func (c *Cache) compilePlan(match *operationMatch, methodKey, specPath string) (*OperationPlan, error) {
	var bodySchema *jsonschema.Schema
	if match.schema != nil {
		var err error
		bodySchema, err = c.compileSchemaNode(match.schema, specPath)
		if err != nil {
			return nil, err
		}
	}

	params := make([]ParameterValidator, 0, len(match.parameters))
	for _, p := range match.parameters {
		var schema *jsonschema.Schema
		primitive := PrimitiveNone
		if p.schema != nil {
			primitive = detectPrimitiveKind(p.schema)
			var err error
			schema, err = c.compileSchemaNode(p.schema, specPath)
			if err != nil {
				return nil, err
			}
		}
		params = append(params, ParameterValidator{
			Name: p.name, Location: p.location, Required: p.required,
			Schema: schema, Primitive: primitive,
		})
	}

	responses := make(map[ResponseKey]*jsonschema.Schema, len(match.responses))
	for key, node := range match.responses {
		schema, err := c.compileSchemaNode(node, specPath)
		if err != nil {
			return nil, err
		}
		responses[key] = schema
	}

	return &OperationPlan{
		Method:          strings.ToUpper(methodKey),
		PathTemplate:    match.path,
		BodySchema:      bodySchema,
		BodyRequired:    match.bodyRequired,
		Parameters:      params,
		ResponseSchemas: responses,
	}, nil
}

// compileSchemaNode converts a deep-resolved schema node into a compiled
// jsonschema.Schema under a synthetic resource URL, unique within this
// Cache. Each call uses a fresh compiler holding only that one resource,
// which is enough because the node is already deep-resolved and
// self-contained.
func (c *Cache) compileSchemaNode(node *yaml.Node, specPath string) (*jsonschema.Schema, error) {
	value, err := decode(node)
	if err != nil {
		return nil, &gwerr.InvalidOpenAPIError{Path: specPath, Message: err.Error()}
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, &gwerr.InvalidOpenAPIError{Path: specPath, Message: err.Error()}
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, &gwerr.InvalidOpenAPIError{Path: specPath, Message: err.Error()}
	}

	c.opMu.Lock()
	c.nextID++
	resourceURL := fmt.Sprintf("%s#/compiled/%d", specPath, c.nextID)
	c.opMu.Unlock()

	compiler := jsonschema.NewCompiler()
	compiler.DefaultDraft(jsonschema.Draft2020)
	if err := compiler.AddResource(resourceURL, doc); err != nil {
		return nil, &gwerr.InvalidOpenAPIError{Path: specPath, Message: err.Error()}
	}
	schema, err := compiler.Compile(resourceURL)
	if err != nil {
		return nil, &gwerr.InvalidOpenAPIError{Path: specPath, Message: err.Error()}
	}
	return schema, nil
}

func detectPrimitiveKind(schema *yaml.Node) PrimitiveKind {
	t, ok := scalarString(mapGet(schema, "type"))
	if !ok {
		return PrimitiveNone
	}
	switch t {
	case "integer":
		return PrimitiveInteger
	case "number":
		return PrimitiveNumber
	case "boolean":
		return PrimitiveBoolean
	default:
		return PrimitiveNone
	}
}

func (c *Cache) loadSpec(specPath string) (*yaml.Node, error) {
	c.specMu.RLock()
	spec, ok := c.specs[specPath]
	c.specMu.RUnlock()
	if ok {
		return spec, nil
	}

	v, err, _ := c.specSF.Do(specPath, func() (any, error) {
		c.specMu.RLock()
		if spec, ok := c.specs[specPath]; ok {
			c.specMu.RUnlock()
			return spec, nil
		}
		c.specMu.RUnlock()

		data, err := os.ReadFile(specPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, &gwerr.OpenAPINotFoundError{Path: specPath}
			}
			return nil, &gwerr.IOError{Path: specPath, Cause: err}
		}

		var doc yaml.Node
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, &gwerr.InvalidOpenAPIError{Path: specPath, Message: err.Error()}
		}

		c.specMu.Lock()
		c.specs[specPath] = &doc
		c.specMu.Unlock()
		c.logger.Debug("loaded openapi spec", slog.String("path", specPath))
		return &doc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*yaml.Node), nil
}

// operationMatch is the shallow, pre-compile result of locating one
// operation in a spec document.
type operationMatch struct {
	path         string
	bodyRequired bool
	schema       *yaml.Node
	parameters   []parameterSpec
	responses    map[ResponseKey]*yaml.Node
}

type parameterSpec struct {
	name     string
	location ParamLocation
	required bool
	schema   *yaml.Node
}

func findOperation(spec *yaml.Node, routeTemplate, methodKey, operationID, specPath string) (*operationMatch, error) {
	paths, ok := mapGet(root(spec), "paths")
	if !ok || !isMapping(paths) {
		return nil, &gwerr.OpenAPISemanticError{Path: specPath, Message: "OpenAPI document missing 'paths' section"}
	}

	if operationID != "" {
		return findByOperationID(spec, paths, operationID, methodKey, routeTemplate, specPath)
	}
	return findByPath(spec, paths, routeTemplate, methodKey, specPath)
}

func findByOperationID(spec, paths *yaml.Node, targetOpID, methodKey, routeTemplate, specPath string) (*operationMatch, error) {
	for _, pathEntry := range mapPairs(paths) {
		pathTemplate := pathEntry.Key
		resolvedPathItem, err := resolveReference(pathEntry.Value, spec, specPath)
		if err != nil {
			return nil, err
		}
		if !isMapping(resolvedPathItem) {
			return nil, &gwerr.OpenAPISemanticError{Path: specPath, Message: fmt.Sprintf("path item '%s' is not an object", pathTemplate)}
		}

		for _, opKey := range methodKeys {
			opValue, ok := mapGet(resolvedPathItem, opKey)
			if !ok {
				continue
			}
			resolvedOp, err := resolveReference(opValue, spec, specPath)
			if err != nil {
				return nil, err
			}
			opID, ok := scalarString(mapGet(resolvedOp, "operationId"))
			if !ok || opID != targetOpID {
				continue
			}
			if opKey != methodKey {
				return nil, &gwerr.OpenAPISemanticError{Path: specPath, Message: fmt.Sprintf(
					"operation '%s' uses HTTP method '%s', not '%s'", targetOpID, opKey, methodKey)}
			}
			if !pathmatch.TemplatesMatch(routeTemplate, pathTemplate) {
				return nil, &gwerr.OpenAPISemanticError{Path: specPath, Message: fmt.Sprintf(
					"operation '%s' is defined at '%s' which does not match route '%s'", targetOpID, pathTemplate, routeTemplate)}
			}
			return buildOperationMatch(pathTemplate, resolvedPathItem, resolvedOp, spec, specPath)
		}
	}
	return nil, &gwerr.OpenAPISemanticError{Path: specPath, Message: fmt.Sprintf("operation '%s' was not found", targetOpID)}
}

func findByPath(spec, paths *yaml.Node, routeTemplate, methodKey, specPath string) (*operationMatch, error) {
	for _, pathEntry := range mapPairs(paths) {
		pathTemplate := pathEntry.Key
		if !pathmatch.TemplatesMatch(routeTemplate, pathTemplate) {
			continue
		}
		resolvedPathItem, err := resolveReference(pathEntry.Value, spec, specPath)
		if err != nil {
			return nil, err
		}
		if !isMapping(resolvedPathItem) {
			return nil, &gwerr.OpenAPISemanticError{Path: specPath, Message: fmt.Sprintf("path item '%s' is not an object", pathTemplate)}
		}
		opValue, ok := mapGet(resolvedPathItem, methodKey)
		if !ok {
			continue
		}
		resolvedOp, err := resolveReference(opValue, spec, specPath)
		if err != nil {
			return nil, err
		}
		return buildOperationMatch(pathTemplate, resolvedPathItem, resolvedOp, spec, specPath)
	}
	return nil, &gwerr.OpenAPISemanticError{Path: specPath, Message: fmt.Sprintf(
		"no OpenAPI operation for '%s' %s", strings.ToUpper(methodKey), routeTemplate)}
}

func buildOperationMatch(pathTemplate string, pathItem, operation, spec *yaml.Node, specPath string) (*operationMatch, error) {
	schema, bodyRequired, err := extractRequestBodyInfo(operation, spec, specPath)
	if err != nil {
		return nil, err
	}
	params, err := collectParameters(pathItem, operation, spec, specPath)
	if err != nil {
		return nil, err
	}
	responses, err := extractResponseSchemas(operation, spec, specPath)
	if err != nil {
		return nil, err
	}
	return &operationMatch{
		path: pathTemplate, bodyRequired: bodyRequired, schema: schema,
		parameters: params, responses: responses,
	}, nil
}

func extractRequestBodyInfo(operation, spec *yaml.Node, specPath string) (*yaml.Node, bool, error) {
	requestBodyVal, ok := mapGet(operation, "requestBody")
	if !ok {
		return nil, false, nil
	}
	resolved, err := resolveReference(requestBodyVal, spec, specPath)
	if err != nil {
		return nil, false, err
	}
	bodyRequired, _ := scalarBool(mapGet(resolved, "required"))

	content, ok := mapGet(resolved, "content")
	if !ok || !isMapping(content) {
		return nil, bodyRequired, nil
	}
	media, ok := selectJSONMediaType(content)
	if !ok {
		return nil, bodyRequired, nil
	}
	schemaVal, ok := mapGet(media, "schema")
	if !ok {
		return nil, bodyRequired, nil
	}
	resolvedSchema, err := resolveSchemaValue(schemaVal, spec, specPath, 0)
	if err != nil {
		return nil, false, err
	}
	return resolvedSchema, bodyRequired, nil
}

func collectParameters(pathItem, operation, spec *yaml.Node, specPath string) ([]parameterSpec, error) {
	var params []parameterSpec
	for _, container := range []*yaml.Node{pathItem, operation} {
		list, ok := mapGet(container, "parameters")
		if !ok || !isSequence(list) {
			continue
		}
		for _, item := range sequenceItems(list) {
			parsed, skip, err := parseParameter(item, spec, specPath)
			if err != nil {
				return nil, err
			}
			if skip {
				continue
			}
			params = upsertParameter(params, parsed)
		}
	}
	return params, nil
}

func parseParameter(value, spec *yaml.Node, specPath string) (parameterSpec, bool, error) {
	resolved, err := resolveReference(value, spec, specPath)
	if err != nil {
		return parameterSpec{}, false, err
	}
	name, ok := scalarString(mapGet(resolved, "name"))
	if !ok {
		return parameterSpec{}, false, &gwerr.OpenAPISemanticError{Path: specPath, Message: "parameter missing 'name'"}
	}

	inVal, inOk := scalarString(mapGet(resolved, "in"))
	var location ParamLocation
	switch inVal {
	case "path":
		location = LocationPath
	case "query":
		location = LocationQuery
	case "header":
		location = LocationHeader
	case "cookie":
		location = LocationCookie
	default:
		if inOk {
			return parameterSpec{}, true, nil
		}
		return parameterSpec{}, false, &gwerr.OpenAPISemanticError{Path: specPath, Message: fmt.Sprintf("parameter '%s' missing 'in'", name)}
	}

	required, _ := scalarBool(mapGet(resolved, "required"))
	if location == LocationPath {
		required = true
	}

	var schema *yaml.Node
	if schemaVal, ok := mapGet(resolved, "schema"); ok {
		schema, err = resolveSchemaValue(schemaVal, spec, specPath, 0)
		if err != nil {
			return parameterSpec{}, false, err
		}
	}

	return parameterSpec{name: name, location: location, required: required, schema: schema}, false, nil
}

func upsertParameter(params []parameterSpec, p parameterSpec) []parameterSpec {
	for i, existing := range params {
		if existing.name == p.name && existing.location == p.location {
			params[i] = p
			return params
		}
	}
	return append(params, p)
}

func extractResponseSchemas(operation, spec *yaml.Node, specPath string) (map[ResponseKey]*yaml.Node, error) {
	result := make(map[ResponseKey]*yaml.Node)
	responses, ok := mapGet(operation, "responses")
	if !ok || !isMapping(responses) {
		return result, nil
	}

	for _, entry := range mapPairs(responses) {
		resolvedResponse, err := resolveReference(entry.Value, spec, specPath)
		if err != nil {
			return nil, err
		}
		content, ok := mapGet(resolvedResponse, "content")
		if !ok || !isMapping(content) {
			continue
		}
		media, ok := selectJSONMediaType(content)
		if !ok {
			continue
		}
		schemaVal, ok := mapGet(media, "schema")
		if !ok {
			continue
		}
		resolvedSchema, err := resolveSchemaValue(schemaVal, spec, specPath, 0)
		if err != nil {
			return nil, err
		}
		if key, ok := parseResponseKey(entry.Key); ok {
			result[key] = resolvedSchema
		}
	}
	return result, nil
}

func parseResponseKey(raw string) (ResponseKey, bool) {
	if strings.EqualFold(raw, "default") {
		return ResponseKey{IsDefault: true}, true
	}
	n, err := strconv.ParseUint(raw, 10, 16)
	if err != nil {
		return ResponseKey{}, false
	}
	return ResponseKey{Status: uint16(n)}, true
}

func selectJSONMediaType(content *yaml.Node) (*yaml.Node, bool) {
	for _, preferred := range [...]string{"application/json", "application/*+json"} {
		if v, ok := mapGet(content, preferred); ok {
			return v, true
		}
	}
	for _, entry := range mapPairs(content) {
		if strings.Contains(strings.ToLower(entry.Key), "json") {
			return entry.Value, true
		}
	}
	return nil, false
}

// resolveReference dereferences a single $ref, if value carries one.
// Only local "#/…" pointers are supported; anything else is a hard error.
func resolveReference(value, spec *yaml.Node, specPath string) (*yaml.Node, error) {
	if !isMapping(value) {
		return value, nil
	}
	refVal, ok := mapGet(value, "$ref")
	if !ok {
		return value, nil
	}
	ref, ok := scalarString(refVal, true)
	if !ok || !strings.HasPrefix(ref, "#") {
		return nil, &gwerr.OpenAPISemanticError{Path: specPath, Message: fmt.Sprintf("unsupported external reference '%s'", ref)}
	}
	resolved, ok := jsonPointer(spec, strings.TrimPrefix(ref, "#"))
	if !ok {
		return nil, &gwerr.OpenAPISemanticError{Path: specPath, Message: fmt.Sprintf("reference '%s' not found", ref)}
	}
	return resolved, nil
}

// resolveSchemaValue recursively replaces every $ref-bearing subtree with
// its referent so the resulting schema can be compiled independently of
// the rest of the document (spec.md §4.4, §9).
func resolveSchemaValue(schema, spec *yaml.Node, specPath string, depth int) (*yaml.Node, error) {
	if depth > maxRefDepth {
		return nil, &gwerr.InvalidOpenAPIError{Path: specPath, Message: "exceeded maximum $ref resolution depth (possible cycle)"}
	}
	if isMapping(schema) && hasKey(schema, "$ref") {
		resolved, err := resolveReference(schema, spec, specPath)
		if err != nil {
			return nil, err
		}
		return resolveSchemaValue(resolved, spec, specPath, depth+1)
	}

	switch schema.Kind {
	case yaml.MappingNode:
		out := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		for _, entry := range mapPairs(schema) {
			resolvedVal, err := resolveSchemaValue(entry.Value, spec, specPath, depth+1)
			if err != nil {
				return nil, err
			}
			out.Content = append(out.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: entry.Key}, resolvedVal)
		}
		return out, nil
	case yaml.SequenceNode:
		out := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, item := range sequenceItems(schema) {
			resolvedItem, err := resolveSchemaValue(item, spec, specPath, depth+1)
			if err != nil {
				return nil, err
			}
			out.Content = append(out.Content, resolvedItem)
		}
		return out, nil
	default:
		return cloneScalar(schema), nil
	}
}
