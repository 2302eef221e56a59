package gwconfig

import (
	"os"
	"path/filepath"
	"testing"
)

const validYAML = `
global:
  forward_on_error: false
routes:
  - path: /api/users
    method: POST
    upstream: http://upstream.local
    schema: ./user.json
  - path: /api/items/:id
    method: GET
    upstream: http://upstream.local
    openapi: ./spec.yaml
    config:
      add_error_header: false
  - path: /api/widgets
    method: get
    upstream: http://upstream.local
    openapi:
      spec: ./spec.yaml
      operation_id: getWidgets
`

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadValid(t *testing.T) {
	path := writeTemp(t, validYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Routes) != 3 {
		t.Fatalf("expected 3 routes, got %d", len(cfg.Routes))
	}
	if cfg.Routes[1].OpenAPI == nil || cfg.Routes[1].OpenAPI.Spec != "./spec.yaml" {
		t.Fatalf("expected bare-string openapi shorthand to decode, got %+v", cfg.Routes[1].OpenAPI)
	}
	if cfg.Routes[2].OpenAPI == nil || cfg.Routes[2].OpenAPI.OperationID != "getWidgets" {
		t.Fatalf("expected object-form openapi to decode operation_id, got %+v", cfg.Routes[2].OpenAPI)
	}
}

func TestEffectivePolicy(t *testing.T) {
	path := writeTemp(t, validYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	forward, addErr, addVal := cfg.EffectivePolicy(cfg.Routes[0])
	if forward != false || addErr != true || addVal != true {
		t.Fatalf("route 0: unexpected policy %v %v %v", forward, addErr, addVal)
	}

	forward, addErr, addVal = cfg.EffectivePolicy(cfg.Routes[1])
	if forward != false || addErr != false || addVal != true {
		t.Fatalf("route 1: unexpected policy %v %v %v", forward, addErr, addVal)
	}
}

func TestValidateEmptyRoutes(t *testing.T) {
	path := writeTemp(t, "routes: []\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for empty routes")
	}
}

func TestValidateBadMethod(t *testing.T) {
	path := writeTemp(t, `
routes:
  - path: /x
    method: FOO
    upstream: http://u
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for invalid method")
	}
}

func TestValidateEmptyUpstream(t *testing.T) {
	path := writeTemp(t, `
routes:
  - path: /x
    method: GET
    upstream: ""
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for empty upstream")
	}
}

func TestValidateSchemaAndOpenAPIMutuallyExclusive(t *testing.T) {
	path := writeTemp(t, `
routes:
  - path: /x
    method: GET
    upstream: http://u
    schema: ./s.json
    openapi: ./o.yaml
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for route with both schema and openapi")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
