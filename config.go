package limitrate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/gowebpki/jcs"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// FileConfig is the on-disk shape of an operator-supplied policy file
// (spec.md 3 "Policy tree"), loaded by LoadYAML/LoadJSON and turned into
// WithPolicies/WithBasePlan options.
type FileConfig struct {
	BasePlan string                  `json:"basePlan" yaml:"basePlan"`
	Plans    map[string]PlanPolicy   `json:"plans" yaml:"plans"`
}

// policySchema is the JSON Schema an operator-supplied config must satisfy
// before it is parsed into Go structs, catching malformed policy files at
// load time with a precise error instead of a zero-value policy silently
// applying no limits.
const policySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["plans"],
  "properties": {
    "basePlan": {"type": "string"},
    "plans": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "properties": {
          "defaults": {"$ref": "#/$defs/endpointPolicy"},
          "endpoints": {
            "type": "object",
            "additionalProperties": {"$ref": "#/$defs/endpointPolicy"}
          }
        }
      }
    }
  },
  "$defs": {
    "endpointPolicy": {
      "type": "object",
      "properties": {
        "rate": {
          "type": "object",
          "properties": {
            "maxPerMinute": {"type": "integer", "minimum": 0},
            "maxPerHour": {"type": "integer", "minimum": 0},
            "maxPerDay": {"type": "integer", "minimum": 0},
            "actionOnExceed": {"enum": ["block", "slowdown", "allow-and-log"]},
            "slowdownMs": {"type": "integer", "minimum": 0}
          }
        },
        "cost": {
          "type": "object",
          "properties": {
            "perRequest": {"type": "number", "minimum": 0},
            "hourlyCap": {"type": "number", "minimum": 0},
            "dailyCap": {"type": "number", "minimum": 0},
            "actionOnExceed": {"enum": ["block", "slowdown", "allow-and-log"]}
          }
        }
      }
    }
  }
}`

var compiledPolicySchema = mustCompilePolicySchema()

func mustCompilePolicySchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("limitrate://policy.schema.json", strings.NewReader(policySchema)); err != nil {
		panic(fmt.Sprintf("limitrate: invalid embedded policy schema: %v", err))
	}
	schema, err := c.Compile("limitrate://policy.schema.json")
	if err != nil {
		panic(fmt.Sprintf("limitrate: embedded policy schema failed to compile: %v", err))
	}
	return schema
}

// validateAgainstSchema decodes raw into a generic document and checks it
// against policySchema before the caller attempts a typed unmarshal, so a
// malformed config fails with a field-level JSON Schema error rather than a
// Go unmarshal error pointing at the wrong line.
func validateAgainstSchema(raw []byte) error {
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("limitrate: config is not valid JSON: %w", err)
	}
	if err := compiledPolicySchema.Validate(doc); err != nil {
		return fmt.Errorf("limitrate: config failed schema validation: %w", err)
	}
	return nil
}

// LoadJSON reads and validates a FileConfig from JSON bytes.
func LoadJSON(data []byte) (*FileConfig, error) {
	if err := validateAgainstSchema(data); err != nil {
		return nil, err
	}
	var fc FileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("limitrate: decode config: %w", err)
	}
	return &fc, nil
}

// LoadYAML reads and validates a FileConfig from YAML bytes: it is
// converted to JSON first so the same schema validates both formats.
func LoadYAML(data []byte) (*FileConfig, error) {
	var generic interface{}
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("limitrate: decode yaml config: %w", err)
	}
	jsonBytes, err := json.Marshal(convertYAMLMaps(generic))
	if err != nil {
		return nil, fmt.Errorf("limitrate: re-encode yaml config as json: %w", err)
	}
	return LoadJSON(jsonBytes)
}

// LoadYAMLFile reads a FileConfig from a path on disk.
func LoadYAMLFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("limitrate: read config file: %w", err)
	}
	return LoadYAML(data)
}

// convertYAMLMaps recursively turns the map[string]interface{} (or, with
// older yaml behavior, map[interface{}]interface{}) trees that gopkg.in/yaml.v3
// produces into the map[string]interface{} shape encoding/json requires.
func convertYAMLMaps(v interface{}) interface{} {
	switch n := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(n))
		for k, val := range n {
			out[k] = convertYAMLMaps(val)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(n))
		for k, val := range n {
			out[fmt.Sprintf("%v", k)] = convertYAMLMaps(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(n))
		for i, val := range n {
			out[i] = convertYAMLMaps(val)
		}
		return out
	default:
		return v
	}
}

// Fingerprint returns a stable, order-independent hash of a FileConfig by
// canonicalizing it per RFC 8785 (JSON Canonicalization Scheme) before
// hashing, so two configs that differ only in key order or formatting
// produce the same fingerprint. Operators can diff this across deploys to
// detect an unintended policy change.
func (fc *FileConfig) Fingerprint() (string, error) {
	raw, err := json.Marshal(fc)
	if err != nil {
		return "", fmt.Errorf("limitrate: marshal config for fingerprint: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("limitrate: canonicalize config: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Options turns a loaded FileConfig into the WithPolicies/WithBasePlan
// options New expects.
func (fc *FileConfig) Options() []Option {
	opts := []Option{WithPolicies(fc.Plans)}
	if fc.BasePlan != "" {
		opts = append(opts, WithBasePlan(fc.BasePlan))
	}
	return opts
}
