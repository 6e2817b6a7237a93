package snapshot

import (
	"bytes"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaURL = "panelsync://snapshot.schema.json"

const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["schemaVersion", "version", "savedAt", "panels", "camera"],
  "properties": {
    "schemaVersion": {"type": "integer", "minimum": 1},
    "version": {"type": "integer", "minimum": 0},
    "savedAt": {"type": "string", "minLength": 1},
    "camera": {
      "type": "object",
      "required": ["translateX", "translateY", "zoom"],
      "properties": {
        "translateX": {"type": "number"},
        "translateY": {"type": "number"},
        "zoom": {"type": "number", "exclusiveMinimum": 0}
      }
    },
    "panels": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["noteId", "panelId", "type", "positionWorld", "sizeWorld", "zIndex", "state"],
        "properties": {
          "noteId": {"type": "string", "minLength": 1},
          "panelId": {"type": "string", "minLength": 1},
          "type": {"enum": ["editor", "branch", "context", "toolbar", "annotation"]},
          "state": {"enum": ["active", "closed"]},
          "zIndex": {"type": "integer"},
          "revision": {"type": "integer", "minimum": 0},
          "parentId": {"type": "string"},
          "title": {"type": "string"},
          "contentPreview": {"type": "string"},
          "positionWorld": {
            "type": "object",
            "required": ["x", "y"],
            "properties": {"x": {"type": "number"}, "y": {"type": "number"}}
          },
          "sizeWorld": {
            "type": "object",
            "required": ["width", "height"],
            "properties": {"width": {"type": "number"}, "height": {"type": "number"}}
          }
        }
      }
    }
  }
}`

var (
	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func snapshotSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
		if err != nil {
			compileErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, doc); err != nil {
			compileErr = err
			return
		}
		compiledSchema, compileErr = compiler.Compile(schemaURL)
	})
	return compiledSchema, compileErr
}

func validatePayload(data []byte) error {
	schema, err := snapshotSchema()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return err
	}
	return schema.Validate(inst)
}
