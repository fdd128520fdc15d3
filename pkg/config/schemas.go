package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/jiocloud/nodeconverge/pkg/engine"
)

// SchemaRegistry holds one closed CUE definition per resource type,
// generated from the engine type schemas. Declarations are unified with
// the definition of their type before they reach the catalog, so shape
// errors carry manifest positions.
type SchemaRegistry struct {
	mu      sync.Mutex
	ctx     *cue.Context
	types   engine.SchemaSet
	schemas map[string]cue.Value
	source  string
}

// NewSchemaRegistry compiles the definitions for the given resource types.
func NewSchemaRegistry(types engine.SchemaSet) (*SchemaRegistry, error) {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		types:   types,
		schemas: make(map[string]cue.Value),
	}

	sr.source = GenerateCUESchema(types)
	val := sr.ctx.CompileString(sr.source, cue.Filename("schema.cue"))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile resource schemas: %w", err)
	}

	for _, name := range types.Types() {
		def := val.LookupPath(cue.ParsePath("#" + name))
		if err := def.Err(); err != nil {
			return nil, fmt.Errorf("failed to look up schema %s: %w", name, err)
		}
		sr.schemas[name] = def
	}
	return sr, nil
}

// Types returns the engine schemas the registry was built from.
func (sr *SchemaRegistry) Types() engine.SchemaSet {
	return sr.types
}

// Source returns the generated CUE source of all definitions.
func (sr *SchemaRegistry) Source() string {
	return sr.source
}

// GetSchema retrieves the definition of a resource type.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	val, ok := sr.schemas[name]
	return val, ok
}

// ListSchemas returns the resource types in sorted order.
func (sr *SchemaRegistry) ListSchemas() []string {
	return sr.types.Types()
}

// CheckValue unifies a CUE attribute struct with its type definition.
// attrs must have been built in the registry's context.
func (sr *SchemaRegistry) CheckValue(resourceType, path string, attrs cue.Value) []ValidationError {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.checkValue(resourceType, path, attrs)
}

func (sr *SchemaRegistry) checkValue(resourceType, path string, attrs cue.Value) []ValidationError {
	def, ok := sr.GetSchema(resourceType)
	if !ok {
		return []ValidationError{{
			Path:    path,
			Message: fmt.Sprintf("unknown resource type %q", resourceType),
		}}
	}

	unified := def.Unify(attrs)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		errs := convertCUEErrors(err)
		for i := range errs {
			if errs[i].Path == "" {
				errs[i].Path = path
			} else {
				errs[i].Path = path + "." + errs[i].Path
			}
		}
		return errs
	}
	return nil
}

// CheckDecl validates a declaration that was not written in CUE, such as
// one read from YAML or produced by a Starlark script.
func (sr *SchemaRegistry) CheckDecl(decl ResourceDecl) []ValidationError {
	path := decl.Reference()

	attrs := decl.Attributes
	if attrs == nil {
		attrs = map[string]interface{}{}
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.Encode(attrs)
	if err := val.Err(); err != nil {
		return []ValidationError{{Path: path, Message: fmt.Sprintf("failed to encode attributes: %v", err)}}
	}

	errs := sr.checkValue(decl.Type, path, val)
	if decl.Source != "" {
		file, line := splitSource(decl.Source)
		for i := range errs {
			if errs[i].File == "" || errs[i].Line == 0 {
				errs[i].File = file
				errs[i].Line = line
			}
		}
	}
	return errs
}

// GenerateCUESchema renders one closed definition per resource type.
func GenerateCUESchema(types engine.SchemaSet) string {
	var b strings.Builder
	b.WriteString("#ref: string | [...string]\n")
	b.WriteString("#bool: bool | \"true\" | \"false\" | \"yes\" | \"no\"\n")
	b.WriteString("#int: int | =~\"^-?[0-9]+$\"\n\n")

	for _, name := range types.Types() {
		schema := types[name]
		fmt.Fprintf(&b, "#%s: close({\n", name)

		if schema.HasEnsure() {
			if schema.EnsureFreeform {
				b.WriteString("\tensure?: string & !=\"\"\n")
			} else {
				fmt.Fprintf(&b, "\tensure?: %s\n", cueEnum(schema.EnsureValues))
			}
		}
		for _, meta := range []string{engine.AttrRequire, engine.AttrBefore, engine.AttrSubscribe, engine.AttrNotify} {
			fmt.Fprintf(&b, "\t%s?: #ref\n", meta)
		}
		fmt.Fprintf(&b, "\t%s?: #bool\n", engine.AttrNoop)

		attrs := make([]string, 0, len(schema.Attributes))
		for attr := range schema.Attributes {
			attrs = append(attrs, attr)
		}
		sort.Strings(attrs)
		for _, attr := range attrs {
			fmt.Fprintf(&b, "\t%s?: %s\n", strconv.Quote(attr), cueKind(schema.Attributes[attr]))
		}
		b.WriteString("})\n\n")
	}
	return b.String()
}

func cueKind(spec engine.AttributeSpec) string {
	switch spec.Kind {
	case engine.KindString:
		if len(spec.Enum) > 0 {
			return cueEnum(spec.Enum)
		}
		return "string"
	case engine.KindScalar:
		return "string | number | bool"
	case engine.KindBool:
		return "#bool"
	case engine.KindInt:
		return "#int"
	case engine.KindList, engine.KindSet:
		return "string | [...string]"
	case engine.KindMap:
		return "{...}"
	default:
		return "_"
	}
}

func cueEnum(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = strconv.Quote(v)
	}
	return strings.Join(quoted, " | ")
}

// splitSource splits a "file:line" source annotation.
func splitSource(source string) (string, int) {
	idx := strings.LastIndex(source, ":")
	if idx < 0 {
		return source, 0
	}
	line, err := strconv.Atoi(source[idx+1:])
	if err != nil {
		return source, 0
	}
	return source[:idx], line
}
