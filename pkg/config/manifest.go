package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jiocloud/nodeconverge/pkg/engine"
	"gopkg.in/yaml.v3"
)

// Loader reads manifests in any supported format. The format follows the
// path: a directory or .cue file is CUE, .star is Starlark and .yaml,
// .yml or .json is YAML.
type Loader struct {
	schemas   *SchemaRegistry
	cue       *CUELoader
	starlark  *StarlarkEvaluator
	validator *validator.Validate

	// Input is predeclared in Starlark manifests, e.g. node facts.
	Input map[string]interface{}
}

// NewLoader creates a loader for the given resource types.
func NewLoader(types engine.SchemaSet) (*Loader, error) {
	schemas, err := NewSchemaRegistry(types)
	if err != nil {
		return nil, err
	}
	return &Loader{
		schemas:   schemas,
		cue:       NewCUELoader(schemas),
		starlark:  NewStarlarkEvaluator(30 * time.Second),
		validator: validator.New(),
		Input:     map[string]interface{}{},
	}, nil
}

// Schemas returns the schema registry used for checks.
func (l *Loader) Schemas() *SchemaRegistry {
	return l.schemas
}

// Load reads the manifest at path.
func (l *Loader) Load(ctx context.Context, path string) (*Manifest, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat manifest %s: %w", path, err)
	}

	var m *Manifest
	switch ext := strings.ToLower(filepath.Ext(path)); {
	case info.IsDir(), ext == ".cue":
		m, err = l.cue.Load(ctx, path)
	case ext == ".star":
		m, err = l.loadStarlark(ctx, path)
	case ext == ".yaml", ext == ".yml", ext == ".json":
		m, err = l.loadYAML(path)
	default:
		return nil, fmt.Errorf("unsupported manifest format %q", ext)
	}
	if err != nil {
		return nil, err
	}

	if err := l.Validate(m); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadCatalog reads the manifest at path and declares it in a new catalog.
func (l *Loader) LoadCatalog(ctx context.Context, path string) (*Manifest, *engine.Catalog, error) {
	m, err := l.Load(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	c, err := m.Catalog(l.schemas.Types())
	if err != nil {
		return m, nil, err
	}
	return m, c, nil
}

// Validate checks every declaration's identity fields.
func (l *Loader) Validate(m *Manifest) error {
	var errs []ValidationError
	for i, decl := range m.Resources {
		if err := l.validator.Struct(decl); err != nil {
			file, line := splitSource(decl.Source)
			errs = append(errs, ValidationError{
				File:    file,
				Line:    line,
				Path:    fmt.Sprintf("resources[%d]", i),
				Message: fmt.Sprintf("validation failed: %v", err),
			})
		}
	}
	if len(errs) > 0 {
		return &ManifestError{Errors: errs}
	}
	return nil
}

func (l *Loader) loadStarlark(ctx context.Context, path string) (*Manifest, error) {
	script, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}

	result, err := l.starlark.Evaluate(ctx, path, string(script), l.Input)
	if err != nil {
		return nil, err
	}

	m := &Manifest{
		Resources:   result.Resources,
		SourceFiles: []string{path},
		LoadedAt:    time.Now(),
	}
	if name, ok := result.Output["name"].(string); ok {
		m.Name = name
	}
	if err := l.checkDecls(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (l *Loader) loadYAML(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}

	m, err := ParseYAMLManifest(path, data)
	if err != nil {
		return nil, err
	}
	if err := l.checkDecls(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (l *Loader) checkDecls(m *Manifest) error {
	var errs []ValidationError
	for _, decl := range m.Resources {
		errs = append(errs, l.schemas.CheckDecl(decl)...)
	}
	if len(errs) > 0 {
		return &ManifestError{Errors: errs}
	}
	return nil
}

// yamlManifest accepts resources as a list of declarations or as a
// mapping from type to title to attributes.
type yamlManifest struct {
	Name      string    `yaml:"name"`
	Resources yaml.Node `yaml:"resources"`
}

// ParseYAMLManifest parses YAML (or JSON) manifest content. Declaration
// order follows the document.
func ParseYAMLManifest(filename string, data []byte) (*Manifest, error) {
	var raw yamlManifest
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ManifestError{Errors: []ValidationError{{File: filename, Message: err.Error()}}}
	}

	m := &Manifest{
		Name:        raw.Name,
		SourceFiles: []string{filename},
		LoadedAt:    time.Now(),
	}
	source := func(n *yaml.Node) string {
		return fmt.Sprintf("%s:%d", filename, n.Line)
	}
	fail := func(n *yaml.Node, path, msg string) error {
		return &ManifestError{Errors: []ValidationError{{
			File: filename, Line: n.Line, Column: n.Column, Path: path, Message: msg,
		}}}
	}

	node := &raw.Resources
	switch node.Kind {
	case yaml.SequenceNode:
		for i, item := range node.Content {
			var decl ResourceDecl
			if err := item.Decode(&decl); err != nil {
				return nil, fail(item, fmt.Sprintf("resources[%d]", i), err.Error())
			}
			decl.Source = source(item)
			m.Resources = append(m.Resources, decl)
		}

	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			typeNode, titles := node.Content[i], node.Content[i+1]
			if titles.Kind != yaml.MappingNode {
				return nil, fail(titles, "resources."+typeNode.Value, "expected a mapping of titles")
			}
			for j := 0; j+1 < len(titles.Content); j += 2 {
				titleNode, attrsNode := titles.Content[j], titles.Content[j+1]
				path := fmt.Sprintf("resources.%s.%s", typeNode.Value, titleNode.Value)

				attrs := map[string]interface{}{}
				if attrsNode.Kind != yaml.ScalarNode || attrsNode.Tag != "!!null" {
					if err := attrsNode.Decode(&attrs); err != nil {
						return nil, fail(attrsNode, path, err.Error())
					}
				}
				m.Resources = append(m.Resources, ResourceDecl{
					Type:       typeNode.Value,
					Title:      titleNode.Value,
					Attributes: attrs,
					Source:     source(titleNode),
				})
			}
		}

	case 0:
		return nil, &ManifestError{Errors: []ValidationError{{File: filename, Path: "resources", Message: "no resources declared"}}}

	default:
		return nil, fail(node, "resources", "expected a list or mapping")
	}

	for i := range m.Resources {
		m.Resources[i].Attributes = normalizeYAML(m.Resources[i].Attributes)
	}
	return m, nil
}

// normalizeYAML turns the ints yaml.v3 decodes into int64 and makes nested
// maps string keyed.
func normalizeYAML(attrs map[string]interface{}) map[string]interface{} {
	if attrs == nil {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		out[k] = normalizeYAMLValue(v)
	}
	return out
}

func normalizeYAMLValue(v interface{}) interface{} {
	switch val := v.(type) {
	case int:
		return int64(val)
	case []interface{}:
		list := make([]interface{}, len(val))
		for i, item := range val {
			list[i] = normalizeYAMLValue(item)
		}
		return list
	case map[string]interface{}:
		return normalizeYAML(val)
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(val))
		for k, item := range val {
			m[fmt.Sprint(k)] = normalizeYAMLValue(item)
		}
		return m
	default:
		return v
	}
}
