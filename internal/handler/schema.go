package handler

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/jengzang/trip-tracker/pkg/response"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://trip-tracker.local/schemas/"

// Validator checks request bodies against the embedded JSON Schemas
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles every embedded schema. Schemas are keyed by file
// name without extension.
func NewValidator() (*Validator, error) {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("failed to list schemas: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	for _, e := range entries {
		data, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read schema %s: %w", e.Name(), err)
		}
		if err := compiler.AddResource(schemaBaseURL+e.Name(), bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("failed to add schema %s: %w", e.Name(), err)
		}
	}

	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(entries))}
	for _, e := range entries {
		schema, err := compiler.Compile(schemaBaseURL + e.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema %s: %w", e.Name(), err)
		}
		v.schemas[strings.TrimSuffix(e.Name(), ".json")] = schema
	}
	return v, nil
}

// Validate checks body against the named schema
func (v *Validator) Validate(name string, body []byte) error {
	schema, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("no schema named %q", name)
	}
	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return schema.Validate(doc)
}

// bind validates the request body against the named schema and decodes it
// into dst, writing a 400 on failure
func (v *Validator) bind(c *gin.Context, name string, dst interface{}) bool {
	body, err := c.GetRawData()
	if err != nil {
		response.BadRequest(c, "Failed to read request body", err)
		return false
	}
	if err := v.Validate(name, body); err != nil {
		response.BadRequest(c, "Invalid "+name+" payload", err)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		response.BadRequest(c, "Invalid "+name+" payload", err)
		return false
	}
	return true
}
