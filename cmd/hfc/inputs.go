package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// inputFlags collects repeated --input key=value flags.
type inputFlags map[string]string

func (f inputFlags) String() string {
	parts := make([]string, 0, len(f))
	for k, v := range f {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (f inputFlags) Set(raw string) error {
	key, value, ok := strings.Cut(raw, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return fmt.Errorf("input %q must be key=value", raw)
	}
	f[key] = value
	return nil
}

// mergeInputs loads the optional JSON inputs file and lays the flag values
// over it.
func mergeInputs(path string, flags inputFlags) (map[string]any, error) {
	inputs := make(map[string]any)
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read inputs file: %w", err)
		}
		if err := json.Unmarshal(data, &inputs); err != nil {
			return nil, fmt.Errorf("parse inputs file %s: %w", path, err)
		}
		if inputs == nil {
			inputs = make(map[string]any)
		}
	}
	for k, v := range flags {
		inputs[k] = v
	}
	return inputs, nil
}
