package httpapi

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Resources are registered under a fixed base so relative $refs between the
// embedded files resolve without touching the network.
const schemaBaseURL = "https://operatorsync.invalid/schemas/"

const (
	schemaCorrectionCreate = "correction_create"
	schemaCorrectionPatch  = "correction_patch"
	schemaWorkupCreate     = "workup_create"
	schemaWorkupPatch      = "workup_patch"
	schemaWorkupReport     = "workup_report"
	schemaResolve          = "resolve"
	schemaSettingsPatch    = "settings_patch"
)

type schemaSet struct {
	byName map[string]*jsonschema.Schema
}

func loadSchemas() (*schemaSet, error) {
	entries, err := fs.ReadDir(schemaFS, "schemas")
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		data, err := schemaFS.ReadFile("schemas/" + entry.Name())
		if err != nil {
			return nil, err
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", entry.Name(), err)
		}
		if err := compiler.AddResource(schemaBaseURL+entry.Name(), doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", entry.Name(), err)
		}
		names = append(names, strings.TrimSuffix(entry.Name(), ".json"))
	}
	set := &schemaSet{byName: make(map[string]*jsonschema.Schema, len(names))}
	for _, name := range names {
		schema, err := compiler.Compile(schemaBaseURL + name + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		set.byName[name] = schema
	}
	return set, nil
}

func (s *schemaSet) validate(name string, body []byte) error {
	if name == "" {
		return nil
	}
	schema, ok := s.byName[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid json body")
	}
	return schema.Validate(inst)
}
