package api

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaBase = "https://responseforge.local/schemas/"

// responseRequestSchema constrains the body of /plan and /respond
const responseRequestSchema = `{
  "type": "object",
  "required": ["alert", "assessment"],
  "properties": {
    "alert": {
      "type": "object",
      "required": ["alert"],
      "properties": {
        "alert": {
          "type": "object",
          "required": ["id"],
          "properties": {
            "id": {"type": "string", "minLength": 1},
            "src_ip": {"type": "string"},
            "username": {"type": "string"},
            "hostname": {"type": "string"}
          }
        },
        "context": {
          "type": "object",
          "properties": {
            "asset": {
              "type": "object",
              "properties": {
                "criticality": {"type": "integer", "minimum": 0, "maximum": 5}
              }
            },
            "identity": {
              "type": "object",
              "properties": {
                "privileged": {"type": "boolean"}
              }
            }
          }
        }
      }
    },
    "assessment": {
      "type": "object",
      "required": ["confidence", "severity"],
      "properties": {
        "confidence": {"type": "number", "minimum": 0, "maximum": 1},
        "severity": {"type": "integer", "minimum": 0, "maximum": 100},
        "recommended_actions": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["kind"],
            "properties": {
              "kind": {"type": "string", "minLength": 1},
              "parameters": {
                "type": "object",
                "additionalProperties": {"type": "string"}
              }
            }
          }
        }
      }
    },
    "environment": {"type": "string"},
    "dry_run": {"type": "boolean"},
    "stop_on_failure": {"type": "boolean"},
    "correlation_id": {"type": "string"}
  }
}`

// decisionRequestSchema constrains approve and deny bodies
const decisionRequestSchema = `{
  "type": "object",
  "required": ["actor"],
  "properties": {
    "actor": {"type": "string", "minLength": 1},
    "comment": {"type": "string"}
  }
}`

func compileSchema(name, src string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := schemaBase + name + ".schema.json"
	if err := c.AddResource(url, strings.NewReader(src)); err != nil {
		return nil, fmt.Errorf("load %s schema: %w", name, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", name, err)
	}
	return schema, nil
}
