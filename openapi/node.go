package openapi

import (
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// root dereferences document nodes down to the mapping/sequence/scalar they
// wrap, since yaml.v3 decodes a document's top level into a
// DocumentNode -> single child.
func root(doc *yaml.Node) *yaml.Node {
	if doc.Kind == yaml.DocumentNode && len(doc.Content) == 1 {
		return doc.Content[0]
	}
	return doc
}

// mapGet looks up key in a mapping node, returning its value node and
// whether it was present. Mapping nodes store Content as a flat,
// document-ordered [key0, value0, key1, value1, ...] list; iterating it in
// order is what makes $ref resolution and operation matching deterministic.
func mapGet(node *yaml.Node, key string) (*yaml.Node, bool) {
	if node == nil || node.Kind != yaml.MappingNode {
		return nil, false
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1], true
		}
	}
	return nil, false
}

// mapPairs returns a mapping node's keys and value nodes in document order.
func mapPairs(node *yaml.Node) []struct {
	Key   string
	Value *yaml.Node
} {
	if node == nil || node.Kind != yaml.MappingNode {
		return nil
	}
	pairs := make([]struct {
		Key   string
		Value *yaml.Node
	}, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		pairs = append(pairs, struct {
			Key   string
			Value *yaml.Node
		}{Key: node.Content[i].Value, Value: node.Content[i+1]})
	}
	return pairs
}

func isMapping(node *yaml.Node) bool  { return node != nil && node.Kind == yaml.MappingNode }
func isSequence(node *yaml.Node) bool { return node != nil && node.Kind == yaml.SequenceNode }

func sequenceItems(node *yaml.Node) []*yaml.Node {
	if !isSequence(node) {
		return nil
	}
	return node.Content
}

func scalarString(node *yaml.Node, ok bool) (string, bool) {
	if !ok || node == nil || node.Kind != yaml.ScalarNode {
		return "", false
	}
	return node.Value, true
}

func scalarBool(node *yaml.Node, ok bool) (bool, bool) {
	if !ok || node == nil || node.Kind != yaml.ScalarNode {
		return false, false
	}
	b, err := strconv.ParseBool(node.Value)
	if err != nil {
		return false, false
	}
	return b, true
}

// hasKey reports whether a mapping node has the given key, without caring
// about its value.
func hasKey(node *yaml.Node, key string) bool {
	_, ok := mapGet(node, key)
	return ok
}

// jsonPointer walks a node tree following an RFC 6901 JSON pointer (without
// its leading '#'), as used by local $ref values.
func jsonPointer(doc *yaml.Node, pointer string) (*yaml.Node, bool) {
	cur := root(doc)
	if pointer == "" {
		return cur, true
	}
	pointer = strings.TrimPrefix(pointer, "/")
	for _, rawTok := range strings.Split(pointer, "/") {
		tok := strings.ReplaceAll(strings.ReplaceAll(rawTok, "~1", "/"), "~0", "~")
		switch cur.Kind {
		case yaml.MappingNode:
			v, ok := mapGet(cur, tok)
			if !ok {
				return nil, false
			}
			cur = v
		case yaml.SequenceNode:
			idx, err := strconv.Atoi(tok)
			if err != nil || idx < 0 || idx >= len(cur.Content) {
				return nil, false
			}
			cur = cur.Content[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// cloneScalar makes an independent copy of a scalar/alias-free node for
// inclusion in a deep-resolved tree.
func cloneScalar(node *yaml.Node) *yaml.Node {
	clone := *node
	clone.Content = nil
	return &clone
}

// decode converts a node subtree into a plain Go value suitable for
// encoding/json, for feeding to the schema compiler once $ref resolution is
// complete. Map key order is no longer significant past this point: JSON
// Schema validation semantics do not depend on it.
func decode(node *yaml.Node) (any, error) {
	var v any
	if err := node.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
