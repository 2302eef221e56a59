// Package schemacache implements the content-addressed JSON-Schema cache:
// a compiled schema is loaded from its filesystem path once and shared by
// every subsequent request that references the same path, for the life of
// the process.
package schemacache

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/sync/singleflight"

	"github.com/AncientiCe/schema-gateway/gwerr"
)

// Cache is a process-wide registry of compiled JSON schemas keyed by
// filesystem path exactly as passed to Load; paths are not cleaned or made
// absolute, so two spellings of the same file are compiled and cached
// separately. At-most-one-compile per path is a performance
// goal, not a correctness requirement: a singleflight.Group collapses
// concurrent first-requesters for the same path into a single compile, but
// a racing insert that slips past it still leaves the cache in a
// consistent one-entry-per-path state, mirroring the double-checked
// RWMutex + singleflight pattern the gateway's OpenAPI cache also uses.
type Cache struct {
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*jsonschema.Schema

	sf singleflight.Group
}

// New returns an empty Cache. A nil logger falls back to slog.Default.
func New(logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		logger:  logger,
		entries: make(map[string]*jsonschema.Schema),
	}
}

// Load returns the compiled schema for path, compiling and caching it on
// first reference. Subsequent calls for the same path return the same
// *jsonschema.Schema handle.
func (c *Cache) Load(path string) (*jsonschema.Schema, error) {
	c.mu.RLock()
	schema, ok := c.entries[path]
	c.mu.RUnlock()
	if ok {
		return schema, nil
	}

	v, err, _ := c.sf.Do(path, func() (any, error) {
		return c.compile(path)
	})
	if err != nil {
		return nil, err
	}
	return v.(*jsonschema.Schema), nil
}

func (c *Cache) compile(path string) (*jsonschema.Schema, error) {
	c.mu.RLock()
	if schema, ok := c.entries[path]; ok {
		c.mu.RUnlock()
		return schema, nil
	}
	c.mu.RUnlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &gwerr.SchemaNotFoundError{Path: path}
		}
		return nil, &gwerr.IOError{Path: path, Cause: err}
	}

	var probe any
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, &gwerr.InvalidSchemaJSONError{Path: path, Cause: err}
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, &gwerr.InvalidSchemaJSONError{Path: path, Cause: err}
	}

	compiler := jsonschema.NewCompiler()
	compiler.DefaultDraft(jsonschema.Draft2020)
	if err := compiler.AddResource(path, doc); err != nil {
		return nil, &gwerr.InvalidSchemaSyntaxError{Path: path, Message: err.Error()}
	}
	schema, err := compiler.Compile(path)
	if err != nil {
		return nil, &gwerr.InvalidSchemaSyntaxError{Path: path, Message: err.Error()}
	}

	c.mu.Lock()
	c.entries[path] = schema
	c.mu.Unlock()

	c.logger.Debug("compiled json schema", slog.String("path", path))
	return schema, nil
}
