// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

package plugin

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/samber/oops"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/sandhost/sandhost/internal/plugin/capability"
	"github.com/sandhost/sandhost/pkg/errutil"
)

const (
	schemaID       = "https://sandhost.dev/schemas/plugin.schema.json"
	schemaResource = "plugin.schema.json"

	// dependencyPattern matches "id" or "id@constraint".
	dependencyPattern = `^[a-z0-9-]+(@\S+)?$`
)

var (
	compiledMu sync.Mutex
	compiled   *jschema.Schema
)

// manifestSchema reflects Manifest and tightens the list fields that
// struct tags cannot express.
func manifestSchema() *jsonschema.Schema {
	r := jsonschema.Reflector{DoNotReference: true}
	s := r.Reflect(&Manifest{})
	s.ID = jsonschema.ID(schemaID)
	s.Title = "Sandhost Plugin Manifest"
	s.Description = "Schema for plugin.yaml manifest files"

	if perms, ok := s.Properties.Get("permissions"); ok && perms.Items != nil {
		perms.UniqueItems = true
		for _, p := range capability.Permissions() {
			perms.Items.Enum = append(perms.Items.Enum, p)
		}
	}
	if deps, ok := s.Properties.Get("dependencies"); ok && deps.Items != nil {
		deps.UniqueItems = true
		deps.Items.Pattern = dependencyPattern
	}
	return s
}

// GenerateSchema returns the manifest JSON Schema, indented.
func GenerateSchema() ([]byte, error) {
	data, err := json.MarshalIndent(manifestSchema(), "", "  ")
	if err != nil {
		return nil, oops.In("schema").Wrapf(err, "marshal schema")
	}
	return data, nil
}

// ValidateSchema checks plugin.yaml content against the manifest schema.
func ValidateSchema(data []byte) error {
	if len(data) == 0 {
		return oops.In("schema").Code(errutil.CodeValidation).New("manifest data is empty")
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return oops.In("schema").Code(errutil.CodeValidation).Wrapf(err, "invalid YAML")
	}
	// Round-trip through JSON so the validator sees json.Number values and
	// string-keyed maps only.
	raw, err := json.Marshal(doc)
	if err != nil {
		return oops.In("schema").Code(errutil.CodeValidation).Wrapf(err, "manifest is not representable as JSON")
	}
	inst, err := jschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return oops.In("schema").Wrapf(err, "decode manifest JSON")
	}

	sch, err := compiledSchema()
	if err != nil {
		return err
	}
	if err := sch.Validate(inst); err != nil {
		return oops.In("schema").Code(errutil.CodeValidation).Wrapf(err, "schema validation failed")
	}
	return nil
}

func compiledSchema() (*jschema.Schema, error) {
	compiledMu.Lock()
	defer compiledMu.Unlock()
	if compiled != nil {
		return compiled, nil
	}

	data, err := GenerateSchema()
	if err != nil {
		return nil, err
	}
	doc, err := jschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, oops.In("schema").Wrapf(err, "parse schema JSON")
	}
	c := jschema.NewCompiler()
	if err := c.AddResource(schemaResource, doc); err != nil {
		return nil, oops.In("schema").Wrapf(err, "add schema resource")
	}
	sch, err := c.Compile(schemaResource)
	if err != nil {
		return nil, oops.In("schema").Wrapf(err, "compile schema")
	}
	compiled = sch
	return sch, nil
}

// ResetSchemaCache drops the compiled schema. Tests use it.
func ResetSchemaCache() {
	compiledMu.Lock()
	defer compiledMu.Unlock()
	compiled = nil
}

// GetSchemaID returns the schema $id to reference from plugin.yaml files.
func GetSchemaID() string {
	return schemaID
}

// FormatSchemaError strips the wrapping prefix from a validation error.
func FormatSchemaError(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.TrimPrefix(err.Error(), "schema validation failed: ")
	return strings.TrimSpace(msg)
}
