package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// GetPath retrieves a value from the configuration using a dot-notation path
// such as "executor.max_workers".
func (c *Config) GetPath(path string) (any, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return getValue(m, path)
}

func getValue(m map[string]any, path string) (any, error) {
	var current any = m
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			continue
		}
		node, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path %q breaks at %q (not a map)", path, part)
		}
		val, exists := node[part]
		if !exists {
			return nil, fmt.Errorf("path %q: key %q not found", path, part)
		}
		current = val
	}
	return current, nil
}

func findNode(node *yaml.Node, path string, create bool) (*yaml.Node, error) {
	current := node
	for _, part := range strings.Split(path, ".") {
		if current.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("not a mapping node")
		}

		found := false
		for i := 0; i < len(current.Content); i += 2 {
			if current.Content[i].Value == part {
				current = current.Content[i+1]
				found = true
				break
			}
		}
		if found {
			continue
		}
		if !create {
			return nil, fmt.Errorf("key %q not found", part)
		}
		key := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: part}
		value := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		current.Content = append(current.Content, key, value)
		current = value
	}
	return current, nil
}

// SetPath sets a scalar at path in the loaded file. With persist the file is
// rewritten, reloaded for validation, and restored if the result is invalid.
func (c *Config) SetPath(path, value string, persist bool) error {
	if c.source == nil || c.source.Kind != yaml.DocumentNode || len(c.source.Content) == 0 {
		return fmt.Errorf("no valid configuration source found")
	}

	target, err := findNode(c.source.Content[0], path, true)
	if err != nil {
		return fmt.Errorf("failed to navigate/create path %q: %w", path, err)
	}
	target.Kind = yaml.ScalarNode
	target.Value = value
	target.Tag = guessTag(value)
	target.Content = nil

	if !persist {
		return nil
	}
	candidate, err := yaml.Marshal(c.source)
	if err != nil {
		return err
	}
	return c.persistWithValidation(candidate)
}

func guessTag(v string) string {
	if v == "true" || v == "false" {
		return "!!bool"
	}
	isDigit := v != "" && v != "-"
	for i, c := range v {
		if i == 0 && c == '-' {
			continue
		}
		if c < '0' || c > '9' {
			isDigit = false
			break
		}
	}
	if isDigit {
		return "!!int"
	}
	return "!!str"
}

func (c *Config) persistWithValidation(candidate []byte) error {
	original, err := os.ReadFile(c.Path)
	if err != nil {
		return fmt.Errorf("failed to read original config file: %w", err)
	}

	mode := os.FileMode(0o644)
	if info, statErr := os.Stat(c.Path); statErr == nil {
		mode = info.Mode().Perm()
	}

	if err := os.WriteFile(c.Path, candidate, mode); err != nil {
		return fmt.Errorf("failed to persist config change: %w", err)
	}
	if _, err := Load(c.Path); err != nil {
		if restoreErr := os.WriteFile(c.Path, original, mode); restoreErr != nil {
			return fmt.Errorf("validation failed (%v) and rollback failed (%v)", err, restoreErr)
		}
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}
