package pipeline

import (
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/AncientiCe/schema-gateway/gwconfig"
	"github.com/AncientiCe/schema-gateway/openapi"
	"github.com/AncientiCe/schema-gateway/route"
	"github.com/AncientiCe/schema-gateway/schemacache"
)

func boolPtr(b bool) *bool { return &b }

func newTestHandler(t *testing.T, upstream string, routes []gwconfig.Route, global gwconfig.GlobalPolicy) *Handler {
	t.Helper()
	cfg := &gwconfig.Config{Global: global, Routes: routes}
	for i := range cfg.Routes {
		if cfg.Routes[i].Upstream == "" {
			cfg.Routes[i].Upstream = upstream
		}
	}
	return &Handler{
		Table:   route.NewTable(cfg),
		Schemas: schemacache.New(nil),
		OpenAPI: openapi.New(nil),
		Client:  http.DefaultClient,
	}
}

func doRequest(t *testing.T, h *Handler, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestForwardBarePassthrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	}))
	defer upstream.Close()

	h := newTestHandler(t, upstream.URL, []gwconfig.Route{
		{Path: "/api/ping", Method: "GET"},
	}, gwconfig.GlobalPolicy{})

	rec := doRequest(t, h, "GET", "/api/ping", "", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "hello" {
		t.Fatalf("unexpected response: %d %s", rec.Code, rec.Body.String())
	}
}

func TestRouteNotMatched(t *testing.T) {
	h := newTestHandler(t, "http://example.invalid", []gwconfig.Route{
		{Path: "/api/ping", Method: "GET"},
	}, gwconfig.GlobalPolicy{})

	rec := doRequest(t, h, "GET", "/nope", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestJSONSchemaValidationPassAddsHeader(t *testing.T) {
	var gotHeader string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Schema-Validated")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	schemaPath := filepath.Join("..", "testdata", "user.json")
	h := newTestHandler(t, upstream.URL, []gwconfig.Route{
		{Path: "/api/users", Method: "POST", Schema: schemaPath},
	}, gwconfig.GlobalPolicy{})

	rec := doRequest(t, h, "POST", "/api/users", `{"name":"Ada"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if gotHeader != "true" {
		t.Fatalf("expected X-Schema-Validated: true forwarded upstream, got %q", gotHeader)
	}
}

func TestJSONSchemaValidationFailReject(t *testing.T) {
	called := false
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer upstream.Close()

	schemaPath := filepath.Join("..", "testdata", "user.json")
	h := newTestHandler(t, upstream.URL, []gwconfig.Route{
		{
			Path: "/api/users", Method: "POST", Schema: schemaPath,
			Config: gwconfig.OverridePolicy{ForwardOnError: boolPtr(false)},
		},
	}, gwconfig.GlobalPolicy{})

	rec := doRequest(t, h, "POST", "/api/users", `{"name":123}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if called {
		t.Fatalf("expected upstream never called when forward_on_error is false")
	}
	if !strings.Contains(rec.Body.String(), "Validation failed") {
		t.Fatalf("expected validation failure message, got %s", rec.Body.String())
	}
}

func TestJSONSchemaValidationFailForwardsWithHeader(t *testing.T) {
	var gotErrHeader string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotErrHeader = r.Header.Get("X-Gateway-Error")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer upstream.Close()

	schemaPath := filepath.Join("..", "testdata", "user.json")
	h := newTestHandler(t, upstream.URL, []gwconfig.Route{
		{Path: "/api/users", Method: "POST", Schema: schemaPath},
	}, gwconfig.GlobalPolicy{})

	rec := doRequest(t, h, "POST", "/api/users", `{"name":123}`, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected upstream's status forwarded, got %d", rec.Code)
	}
	if !strings.Contains(gotErrHeader, "Validation failed") {
		t.Fatalf("expected X-Gateway-Error to carry the validation message, got %q", gotErrHeader)
	}
}

func TestOpenAPIParameterCoercionFailure(t *testing.T) {
	called := false
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer upstream.Close()

	specPath := filepath.Join("..", "testdata", "petstore.yaml")
	h := newTestHandler(t, upstream.URL, []gwconfig.Route{
		{
			Path: "/api/items", Method: "GET",
			OpenAPI: &gwconfig.OpenAPIRoute{Spec: specPath, OperationID: "listItems"},
			Config:  gwconfig.OverridePolicy{ForwardOnError: boolPtr(false)},
		},
	}, gwconfig.GlobalPolicy{})

	rec := doRequest(t, h, "GET", "/api/items?limit=notanumber", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	if called {
		t.Fatalf("expected upstream never called")
	}
	if !strings.Contains(rec.Body.String(), "Failed to parse integer for parameter 'limit'") {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestOpenAPIMissingRequiredParameter(t *testing.T) {
	specPath := filepath.Join("..", "testdata", "petstore.yaml")
	h := newTestHandler(t, "http://example.invalid", []gwconfig.Route{
		{
			Path: "/api/items", Method: "GET",
			OpenAPI: &gwconfig.OpenAPIRoute{Spec: specPath, OperationID: "listItems"},
			Config:  gwconfig.OverridePolicy{ForwardOnError: boolPtr(false)},
		},
	}, gwconfig.GlobalPolicy{})

	rec := doRequest(t, h, "GET", "/api/items", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Missing required query parameter 'limit'") {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestOpenAPIRequestBodyValidationPass(t *testing.T) {
	var gotHeader string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Schema-Validated")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"x1"}`))
	}))
	defer upstream.Close()

	specPath := filepath.Join("..", "testdata", "petstore.yaml")
	h := newTestHandler(t, upstream.URL, []gwconfig.Route{
		{
			Path: "/api/items", Method: "POST",
			OpenAPI: &gwconfig.OpenAPIRoute{Spec: specPath, OperationID: "createItem"},
		},
	}, gwconfig.GlobalPolicy{})

	rec := doRequest(t, h, "POST", "/api/items", `{"id":"x1"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if gotHeader != "openapi" {
		t.Fatalf("expected X-Schema-Validated: openapi forwarded, got %q", gotHeader)
	}
}

func TestOpenAPIResponseValidationFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"notAnId":true}`))
	}))
	defer upstream.Close()

	specPath := filepath.Join("..", "testdata", "petstore.yaml")
	h := newTestHandler(t, upstream.URL, []gwconfig.Route{
		{
			Path: "/api/items", Method: "GET",
			OpenAPI: &gwconfig.OpenAPIRoute{Spec: specPath, OperationID: "listItems"},
			Config:  gwconfig.OverridePolicy{ForwardOnError: boolPtr(false)},
		},
	}, gwconfig.GlobalPolicy{})

	rec := doRequest(t, h, "GET", "/api/items?limit=5", "", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "OpenAPI response validation failed") {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestOpenAPIResponseValidationFailureForwardsOnError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`["wrong","shape"]`))
	}))
	defer upstream.Close()

	specPath := filepath.Join("..", "testdata", "petstore.yaml")
	h := newTestHandler(t, upstream.URL, []gwconfig.Route{
		{
			Path: "/api/items", Method: "GET",
			OpenAPI: &gwconfig.OpenAPIRoute{Spec: specPath, OperationID: "listItems"},
		},
	}, gwconfig.GlobalPolicy{})

	rec := doRequest(t, h, "GET", "/api/items?limit=5", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected upstream's original 200 preserved on forward-on-error, got %d", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("X-Gateway-Error"), "OpenAPI response validation failed") {
		t.Fatalf("expected X-Gateway-Error set, got %q", rec.Header().Get("X-Gateway-Error"))
	}
}

func TestReadRequestBodyFailure(t *testing.T) {
	h := newTestHandler(t, "http://example.invalid", []gwconfig.Route{
		{Path: "/api/ping", Method: "GET"},
	}, gwconfig.GlobalPolicy{})

	req := httptest.NewRequest("GET", "/api/ping", &erroringReader{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

type erroringReader struct{}

func (e *erroringReader) Read(p []byte) (int, error) { return 0, io.ErrUnexpectedEOF }
