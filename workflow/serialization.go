package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that serializes as a duration string ("30s").
// When decoding, plain numbers are read as seconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Seconds is a convenience for building definitions in code.
func Seconds(s float64) Duration { return Duration(s * float64(time.Second)) }

// MarshalJSON encodes the duration as a string
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts "1m30s", "90" or 90
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to unmarshal duration: %w", err)
	}
	switch v := raw.(type) {
	case float64:
		*d = Seconds(v)
		return nil
	case string:
		parsed, err := parseDuration(v)
		if err != nil {
			return err
		}
		*d = parsed
		return nil
	case nil:
		*d = 0
		return nil
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
}

// MarshalYAML encodes the duration as a string
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML accepts the same forms as UnmarshalJSON
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := parseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = parsed
	return nil
}

func parseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return Seconds(secs), nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return Duration(v), nil
}

// ToJSON converts the definition to indented JSON
func (d *WorkflowDefinition) ToJSON() ([]byte, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal to JSON: %w", err)
	}
	return data, nil
}

// ToYAML converts the definition to YAML
func (d *WorkflowDefinition) ToYAML() ([]byte, error) {
	data, err := yaml.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal to YAML: %w", err)
	}
	return data, nil
}

// ParseDefinitionJSON decodes and validates a definition
func ParseDefinitionJSON(data []byte) (*WorkflowDefinition, error) {
	var def WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal from JSON: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// ParseDefinitionYAML decodes and validates a definition
func ParseDefinitionYAML(data []byte) (*WorkflowDefinition, error) {
	var def WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal from YAML: %w", err)
	}
	def.normalizeYAML()
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadDefinitionFile reads a .json, .yaml or .yml definition file
func LoadDefinitionFile(filename string) (*WorkflowDefinition, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".json":
		return ParseDefinitionJSON(data)
	case ".yaml", ".yml":
		return ParseDefinitionYAML(data)
	default:
		return nil, fmt.Errorf("unsupported definition file extension: %s", filename)
	}
}

// LoadDefinitionsDir loads every definition file in dir, sorted by file name.
func LoadDefinitionsDir(dir string) ([]*WorkflowDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".json", ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	defs := make([]*WorkflowDefinition, 0, len(names))
	for _, name := range names {
		def, err := LoadDefinitionFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// normalizeYAML rewrites any map[any]any produced for nested mappings into
// map[string]any so path lookups see the same shapes as with JSON input.
func (d *WorkflowDefinition) normalizeYAML() {
	d.Metadata = normalizeYAMLMap(d.Metadata)
	normalizeYAMLSteps(d.Steps)
}

func normalizeYAMLSteps(steps []WorkflowStep) {
	for i := range steps {
		s := &steps[i]
		s.Parameters = normalizeYAMLMap(s.Parameters)
		s.Metadata = normalizeYAMLMap(s.Metadata)
		for _, r := range []*ConditionRule{s.Condition, s.WaitCondition} {
			if r != nil {
				r.Value = normalizeYAMLValue(r.Value)
			}
		}
		if s.LoopConfig != nil && s.LoopConfig.Condition != nil {
			s.LoopConfig.Condition.Value = normalizeYAMLValue(s.LoopConfig.Condition.Value)
		}
		normalizeYAMLSteps(s.ParallelSteps)
		normalizeYAMLSteps(s.LoopSteps)
	}
}

func normalizeYAMLMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	for k, v := range m {
		m[k] = normalizeYAMLValue(v)
	}
	return m
}

func normalizeYAMLValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return normalizeYAMLMap(t)
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[fmt.Sprint(k)] = normalizeYAMLValue(item)
		}
		return out
	case []any:
		for i, item := range t {
			t[i] = normalizeYAMLValue(item)
		}
		return t
	default:
		return v
	}
}
