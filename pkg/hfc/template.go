package hfc

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// TemplateDocument is a template as authored on disk: metadata plus the
// contract body with {{name}} placeholders.
type TemplateDocument struct {
	Slug        string
	Version     string
	Name        string
	Description string
	Published   bool
	Content     json.RawMessage
}

type templateFile struct {
	Slug        string `yaml:"slug" json:"slug"`
	Version     string `yaml:"version" json:"version"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Published   *bool  `yaml:"published" json:"published"`
	Content     any    `yaml:"content" json:"content"`
}

// ParseTemplate reads a template document. Files ending in .json are decoded
// as JSON; everything else as YAML. YAML content is converted to a JSON tree
// so both formats flow through the same contract decoder.
func ParseTemplate(name string, data []byte) (TemplateDocument, error) {
	var file templateFile
	var content []byte
	if strings.EqualFold(filepath.Ext(name), ".json") {
		var raw struct {
			templateFile
			Content json.RawMessage `json:"content"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return TemplateDocument{}, fmt.Errorf("parse template %s: %w", name, err)
		}
		file = raw.templateFile
		content = raw.Content
	} else {
		if err := yaml.Unmarshal(data, &file); err != nil {
			return TemplateDocument{}, fmt.Errorf("parse template %s: %w", name, err)
		}
		if file.Content != nil {
			encoded, err := json.Marshal(normalizeYAML(file.Content))
			if err != nil {
				return TemplateDocument{}, fmt.Errorf("encode template %s: %w", name, err)
			}
			content = encoded
		}
	}
	if strings.TrimSpace(file.Slug) == "" {
		return TemplateDocument{}, fmt.Errorf("template %s: slug is required", name)
	}
	if len(content) == 0 || string(content) == "null" {
		return TemplateDocument{}, fmt.Errorf("template %s: content is required", name)
	}
	if _, err := DecodeTree(content); err != nil {
		return TemplateDocument{}, fmt.Errorf("template %s: %w", name, err)
	}
	doc := TemplateDocument{
		Slug:        strings.TrimSpace(file.Slug),
		Version:     strings.TrimSpace(file.Version),
		Name:        strings.TrimSpace(file.Name),
		Description: strings.TrimSpace(file.Description),
		Published:   true,
		Content:     content,
	}
	if file.Published != nil {
		doc.Published = *file.Published
	}
	if doc.Version == "" {
		doc.Version = "1.0.0"
	}
	if doc.Name == "" {
		doc.Name = doc.Slug
	}
	return doc, nil
}

// normalizeYAML rewrites map[any]any nodes, which JSON cannot encode.
func normalizeYAML(node any) any {
	switch n := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(n))
		for k, v := range n {
			out[k] = normalizeYAML(v)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(n))
		for k, v := range n {
			out[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return out
	case []any:
		out := make([]any, len(n))
		for i, v := range n {
			out[i] = normalizeYAML(v)
		}
		return out
	default:
		return n
	}
}
