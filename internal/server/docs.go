package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gorilla/mux"
	"gopkg.in/yaml.v2"
)

const openAPISpecPath = "docs/openapi.yaml"

func (s *Server) setupDocsRoutes(r *mux.Router) {
	r.HandleFunc("/docs/openapi.yaml", s.handleOpenAPISpec).Methods("GET")
	r.HandleFunc("/docs/openapi.json", s.handleOpenAPISpec).Methods("GET")
	r.HandleFunc("/docs", s.handleSwaggerUI).Methods("GET")
	r.HandleFunc("/docs/", s.handleSwaggerUI).Methods("GET")
}

// handleOpenAPISpec serves the OpenAPI document, converting to JSON
// when the .json path is requested.
func (s *Server) handleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, ".json") {
		w.Header().Set("Content-Type", "text/yaml")
		http.ServeFile(w, r, filepath.Clean(openAPISpecPath))
		return
	}

	yamlData, err := os.ReadFile(openAPISpecPath)
	if err != nil {
		http.Error(w, "OpenAPI spec not found", http.StatusNotFound)
		return
	}

	var spec interface{}
	if err := yaml.Unmarshal(yamlData, &spec); err != nil {
		http.Error(w, "Error parsing OpenAPI spec", http.StatusInternalServerError)
		return
	}

	jsonData, err := json.MarshalIndent(jsonCompatible(spec), "", "  ")
	if err != nil {
		http.Error(w, "Error converting to JSON", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(jsonData)
}

// jsonCompatible rewrites yaml.v2's map[interface{}]interface{} values
// into map[string]interface{} so they can be JSON-encoded.
func jsonCompatible(v interface{}) interface{} {
	switch val := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[fmt.Sprintf("%v", k)] = jsonCompatible(item)
		}
		return out
	case []interface{}:
		for i, item := range val {
			val[i] = jsonCompatible(item)
		}
		return val
	default:
		return v
	}
}

// handleSwaggerUI serves a minimal Swagger UI page pointed at the
// OpenAPI document.
func (s *Server) handleSwaggerUI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")

	fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>Lodestar API Documentation</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
    <script>
        SwaggerUIBundle({
            url: "/docs/openapi.json",
            dom_id: "#swagger-ui",
            presets: [SwaggerUIBundle.presets.apis],
        });
    </script>
</body>
</html>`)
}
