// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package modulehost

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// manifestSchemaJSON is the JSON Schema every module's manifest.json
// must validate against (spec §4.7 supplement: modules declare which
// hooks they implement instead of every module stubbing all ten).
const manifestSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name", "type"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "type": {"type": "string", "minLength": 1},
    "hooks": {
      "type": "array",
      "items": {
        "type": "string",
        "enum": [
          "on_server_start", "on_server_stop",
          "on_current_data_processed", "on_current_data_calculated",
          "on_archive_data_processed",
          "on_event_creating", "on_event_created", "on_event_checked",
          "on_command_received", "validate_user"
        ]
      }
    },
    "config": {"type": "object"}
  }
}`

var manifestSchema = func() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("manifest.schema.json", mustDecode(manifestSchemaJSON)); err != nil {
		panic(err)
	}
	return c.MustCompile("manifest.schema.json")
}()

func mustDecode(s string) interface{} {
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		panic(err)
	}
	return v
}

// Manifest is one module directory's manifest.json.
type Manifest struct {
	Name   string                 `json:"name"`
	Type   string                 `json:"type"`
	Hooks  []string               `json:"hooks"`
	Config map[string]interface{} `json:"config"`
}

// loadManifest reads and schema-validates dir/manifest.json.
func loadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "manifest.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("modulehost: %s is not valid JSON: %w", path, err)
	}
	if err := manifestSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("modulehost: %s failed schema validation: %w", path, err)
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) supports(hook string) bool {
	for _, h := range m.Hooks {
		if h == hook {
			return true
		}
	}
	return false
}
