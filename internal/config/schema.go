package config

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// configSchema rejects misspelled keys and out-of-range values before the
// typed unmarshal, so a bad config.yaml fails loudly at startup instead of
// silently falling back to defaults.
const configSchema = `{
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"results_dir": {"type": "string"},
		"db_path": {"type": "string"},
		"log_level": {"type": "string", "enum": ["debug", "info", "warn", "warning", "error"]},
		"tick_interval_seconds": {"type": "integer", "minimum": 1},
		"pidfile_timeout_mins": {"type": "integer", "minimum": 1},
		"clean_interval_mins": {"type": "integer", "minimum": 1},
		"gc_stats_interval_mins": {"type": "integer", "minimum": 1},
		"retention_days": {"type": "integer", "minimum": 0},
		"die_on_orphans": {"type": "boolean"},
		"runner_path": {"type": "string"},
		"parser_path": {"type": "string"},
		"drones": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"hosts": {"type": "array", "items": {"type": "string"}, "minItems": 1},
				"max_processes": {"type": "integer", "minimum": 0},
				"nice_level": {"type": "integer", "minimum": 0, "maximum": 19},
				"results_host": {"type": "string"}
			}
		},
		"throttle": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"max_processes_started_per_cycle": {"type": "integer", "minimum": 1},
				"max_parse_processes": {"type": "integer", "minimum": 1},
				"max_transfer_processes": {"type": "integer", "minimum": 1}
			}
		},
		"notify": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"from_address": {"type": "string"},
				"to_address": {"type": "string"},
				"smtp_server": {"type": "string"}
			}
		},
		"otel": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"enabled": {"type": "boolean"},
				"exporter": {"type": "string", "enum": ["otlp-http", "stdout", "none"]},
				"endpoint": {"type": "string"},
				"service_name": {"type": "string"},
				"sample_rate": {"type": "number", "minimum": 0, "maximum": 1}
			}
		}
	}
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	// jsonschema.UnmarshalJSON gives correct number handling (json.Number).
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(configSchema))
	if err != nil {
		panic(fmt.Sprintf("unmarshal config schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("config-schema.json", doc); err != nil {
		panic(fmt.Sprintf("add config schema resource: %v", err))
	}
	schema, err := c.Compile("config-schema.json")
	if err != nil {
		panic(fmt.Sprintf("compile config schema: %v", err))
	}
	return schema
}

// validateSchema checks raw config.yaml bytes against the embedded schema.
func validateSchema(data []byte) error {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse config.yaml: %w", err)
	}
	if doc == nil {
		return nil
	}
	if err := compiledSchema.Validate(normalizeYAML(doc)); err != nil {
		return fmt.Errorf("validate config.yaml: %w", err)
	}
	return nil
}

// normalizeYAML converts yaml.v3 generic values into the shapes the JSON
// schema validator expects (string-keyed maps).
func normalizeYAML(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = normalizeYAML(item)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = normalizeYAML(item)
		}
		return out
	default:
		return v
	}
}
