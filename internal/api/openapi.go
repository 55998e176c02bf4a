package api

import (
	"net/http"

	"github.com/mattjoyce/snapline/internal/command"
)

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.commands))
}

// argsSchema renders a command's params as a JSON schema object.
func argsSchema(def command.Def) map[string]any {
	props := map[string]any{}
	required := []string{}
	for _, p := range def.Params {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if p.Type == "array" {
			prop["items"] = map[string]any{"type": "string"}
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the session routes,
// with one run variant per registered command.
func buildOpenAPIDoc(defs []command.Def) map[string]any {
	schemas := map[string]any{}
	variants := make([]any, 0, len(defs))
	for _, def := range defs {
		name := def.Name + "Run"
		schemas[name] = map[string]any{
			"type":        "object",
			"description": def.Description,
			"required":    []string{"parent_id", "command"},
			"properties": map[string]any{
				"parent_id": map[string]any{"type": "string"},
				"command":   map[string]any{"const": def.Name},
				"args":      argsSchema(def),
			},
		}
		variants = append(variants, map[string]any{"$ref": "#/components/schemas/" + name})
	}

	secured := []any{map[string]any{"BearerAuth": []string{}}}
	sessionParam := map[string]any{"name": "session", "in": "path", "required": true, "schema": map[string]any{"type": "string"}}
	jsonBody := func(schema any) map[string]any {
		return map[string]any{
			"required": true,
			"content":  map[string]any{"application/json": map[string]any{"schema": schema}},
		}
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "Snapline",
			"version": "1.0",
		},
		"paths": map[string]any{
			"/v1/sessions/{session}/open": map[string]any{
				"post": map[string]any{
					"operationId": "openRoot",
					"parameters":  []any{sessionParam},
					"security":    secured,
					"responses":   map[string]any{"201": map[string]any{"description": "Root workspace created"}},
				},
			},
			"/v1/sessions/{session}/run": map[string]any{
				"post": map[string]any{
					"operationId": "runCommand",
					"parameters":  []any{sessionParam},
					"security":    secured,
					"requestBody": jsonBody(map[string]any{"oneOf": variants}),
					"responses": map[string]any{
						"200": map[string]any{"description": "Workspace created; result may be a failure"},
						"400": map[string]any{"description": "Invalid arguments"},
						"404": map[string]any{"description": "Unknown parent or command"},
						"409": map[string]any{"description": "Lineage sealed"},
					},
				},
			},
			"/v1/sessions/{session}/finalize": map[string]any{
				"post": map[string]any{
					"operationId": "finalize",
					"parameters":  []any{sessionParam},
					"security":    secured,
					"requestBody": jsonBody(map[string]any{
						"type":       "object",
						"required":   []string{"leaf_id"},
						"properties": map[string]any{"leaf_id": map[string]any{"type": "string"}},
					}),
					"responses": map[string]any{
						"200": map[string]any{"description": "Lineage sealed"},
						"409": map[string]any{"description": "Already sealed"},
					},
				},
			},
			"/v1/sessions/{session}/lineage/{workspaceID}": map[string]any{
				"get": map[string]any{
					"operationId": "readLineage",
					"parameters": []any{sessionParam, map[string]any{
						"name": "workspaceID", "in": "path", "required": true, "schema": map[string]any{"type": "string"},
					}},
					"security":  secured,
					"responses": map[string]any{"200": map[string]any{"description": "Branch, tree and chronology"}},
				},
			},
		},
		"components": map[string]any{
			"schemas": schemas,
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}
