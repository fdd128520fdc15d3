package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/jiocloud/nodeconverge/pkg/engine"
)

// ResourceDecl is one resource declaration read from a manifest.
type ResourceDecl struct {
	// Type is the resource type (e.g., "package", "neutron_subnet").
	Type string `json:"type" yaml:"type" validate:"required,lowercase"`

	// Title is the resource title, unique per type.
	Title string `json:"title" yaml:"title" validate:"required"`

	// Attributes holds the declared attributes and metaparameters.
	Attributes map[string]interface{} `json:"attributes,omitempty" yaml:"attributes,omitempty"`

	// Source is the file:line the declaration came from.
	Source string `json:"source,omitempty" yaml:"-"`
}

// Reference returns the "Type[title]" form of the declaration.
func (d ResourceDecl) Reference() string {
	return engine.NewIdentity(d.Type, d.Title).String()
}

// Manifest is an ordered list of resource declarations.
type Manifest struct {
	// Name identifies the manifest, e.g. the class it describes.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Resources are the declarations in declaration order.
	Resources []ResourceDecl `json:"resources" yaml:"resources"`

	// SourceFiles are the files that were read.
	SourceFiles []string `json:"source_files,omitempty" yaml:"-"`

	// LoadedAt is when the manifest was loaded.
	LoadedAt time.Time `json:"loaded_at" yaml:"-"`
}

// Declare adds every declaration to the catalog in manifest order.
func (m *Manifest) Declare(c *engine.Catalog) error {
	for _, d := range m.Resources {
		if _, err := c.Declare(d.Type, d.Title, engine.Attributes(d.Attributes)); err != nil {
			if d.Source != "" {
				return fmt.Errorf("%s: %w", d.Source, err)
			}
			return err
		}
	}
	return nil
}

// Catalog builds a catalog from the manifest using the given schemas.
func (m *Manifest) Catalog(schemas engine.SchemaSet) (*engine.Catalog, error) {
	c := engine.NewCatalogWithSchemas(schemas)
	if err := m.Declare(c); err != nil {
		return nil, err
	}
	return c, nil
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the path to the error (e.g., "resources[3].attributes.cidr").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d", e.Line)
			if e.Column > 0 {
				fmt.Fprintf(&b, ":%d", e.Column)
			}
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path + ": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ManifestError collects the validation errors of a manifest.
type ManifestError struct {
	Errors []ValidationError
}

func (e *ManifestError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].String()
	}
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.String()
	}
	return fmt.Sprintf("%d manifest errors: %s", len(e.Errors), strings.Join(msgs, "; "))
}

// StarlarkResult represents the result of Starlark execution.
type StarlarkResult struct {
	// Output holds the exported globals of the script.
	Output map[string]interface{} `json:"output,omitempty"`

	// Resources are the declarations made with declare().
	Resources []ResourceDecl `json:"resources,omitempty"`

	// ExecutionTime is how long the script took to execute.
	ExecutionTime time.Duration `json:"execution_time"`
}
