package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
)

// schemaFile names the generated definitions in CUE error positions.
const schemaFile = "schema.cue"

// CUELoader loads manifests written in CUE. Resources are declared either
// as a list of {type, title, attributes} structs or as a nested struct
// keyed by type and then by title:
//
//	resources: package: "python-six": {ensure: "latest"}
type CUELoader struct {
	schemas *SchemaRegistry
}

// NewCUELoader creates a loader that checks declarations against schemas.
func NewCUELoader(schemas *SchemaRegistry) *CUELoader {
	return &CUELoader{schemas: schemas}
}

// Load reads CUE files or package directories and unifies them into one
// manifest. Parse and schema errors are returned as a *ManifestError.
func (l *CUELoader) Load(ctx context.Context, sources ...string) (*Manifest, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	l.schemas.mu.Lock()
	defer l.schemas.mu.Unlock()

	var value cue.Value
	var sourceFiles []string
	var parseErrors []ValidationError

	for _, source := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		var val cue.Value
		var errs []ValidationError
		if info.IsDir() {
			var files []string
			val, files, errs = l.loadDirectory(source)
			sourceFiles = append(sourceFiles, files...)
		} else {
			val, errs = l.loadFile(source)
			sourceFiles = append(sourceFiles, source)
		}
		parseErrors = append(parseErrors, errs...)

		if val.Exists() {
			if value.Exists() {
				value = value.Unify(val)
			} else {
				value = val
			}
		}
	}

	if len(parseErrors) > 0 {
		return nil, &ManifestError{Errors: parseErrors}
	}
	if err := value.Err(); err != nil {
		return nil, &ManifestError{Errors: convertCUEErrors(err)}
	}

	return l.extractManifest(value, sourceFiles)
}

// LoadString compiles inline CUE content. name is used in error positions.
func (l *CUELoader) LoadString(ctx context.Context, name, content string) (*Manifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.schemas.mu.Lock()
	defer l.schemas.mu.Unlock()

	val := l.schemas.ctx.CompileString(content, cue.Filename(name))
	if err := val.Err(); err != nil {
		return nil, &ManifestError{Errors: convertCUEErrors(err)}
	}
	return l.extractManifest(val, []string{name})
}

// loadDirectory loads a directory as a CUE package.
func (l *CUELoader) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	instances := load.Instances([]string{dir}, nil)
	if len(instances) == 0 {
		return cue.Value{}, nil, []ValidationError{{
			File:    dir,
			Message: "no CUE files found",
		}}
	}

	inst := instances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, convertCUEErrors(inst.Err)
	}

	val := l.schemas.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}
	return val, files, nil
}

// loadFile loads a single CUE file.
func (l *CUELoader) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:    path,
			Message: fmt.Sprintf("failed to read file: %v", err),
		}}
	}

	val := l.schemas.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

// extractManifest walks the resources value in declaration order.
// The caller holds the registry lock.
func (l *CUELoader) extractManifest(val cue.Value, sourceFiles []string) (*Manifest, error) {
	m := &Manifest{
		SourceFiles: sourceFiles,
		LoadedAt:    time.Now(),
	}
	var errs []ValidationError

	if nameVal := val.LookupPath(cue.ParsePath("name")); nameVal.Exists() {
		name, err := nameVal.String()
		if err != nil {
			errs = append(errs, valueError(nameVal, "name", err))
		}
		m.Name = name
	}

	resourcesVal := val.LookupPath(cue.ParsePath("resources"))
	if !resourcesVal.Exists() {
		return nil, &ManifestError{Errors: append(errs, ValidationError{
			File:    firstFile(sourceFiles),
			Path:    "resources",
			Message: "no resources declared",
		})}
	}

	switch resourcesVal.IncompleteKind() {
	case cue.StructKind:
		types, err := resourcesVal.Fields()
		if err != nil {
			return nil, &ManifestError{Errors: convertCUEErrors(err)}
		}
		for types.Next() {
			resourceType := types.Selector().Unquoted()
			titles, err := types.Value().Fields()
			if err != nil {
				errs = append(errs, convertCUEErrors(err)...)
				continue
			}
			for titles.Next() {
				title := titles.Selector().Unquoted()
				path := fmt.Sprintf("resources.%s.%q", resourceType, title)
				decl, declErrs := l.extractResource(resourceType, title, titles.Value(), path)
				if len(declErrs) > 0 {
					errs = append(errs, declErrs...)
					continue
				}
				m.Resources = append(m.Resources, decl)
			}
		}

	case cue.ListKind:
		list, err := resourcesVal.List()
		if err != nil {
			return nil, &ManifestError{Errors: convertCUEErrors(err)}
		}
		for idx := 0; list.Next(); idx++ {
			item := list.Value()
			path := fmt.Sprintf("resources[%d]", idx)

			resourceType, err := item.LookupPath(cue.ParsePath("type")).String()
			if err != nil {
				errs = append(errs, valueError(item, path+".type", err))
				continue
			}
			title, err := item.LookupPath(cue.ParsePath("title")).String()
			if err != nil {
				errs = append(errs, valueError(item, path+".title", err))
				continue
			}

			attrs := item.LookupPath(cue.ParsePath("attributes"))
			if !attrs.Exists() {
				attrs = l.schemas.ctx.CompileString("{}")
			}
			decl, declErrs := l.extractResource(resourceType, title, attrs, path+".attributes")
			if len(declErrs) > 0 {
				errs = append(errs, declErrs...)
				continue
			}
			if pos := item.Pos(); pos.IsValid() {
				decl.Source = fmt.Sprintf("%s:%d", pos.Filename(), pos.Line())
			}
			m.Resources = append(m.Resources, decl)
		}

	default:
		errs = append(errs, ValidationError{
			Path:    "resources",
			Message: fmt.Sprintf("expected struct or list, got %s", resourcesVal.IncompleteKind()),
		})
	}

	if len(errs) > 0 {
		return nil, &ManifestError{Errors: errs}
	}
	return m, nil
}

// extractResource checks one attribute struct against its type definition
// and converts it to a declaration.
func (l *CUELoader) extractResource(resourceType, title string, attrs cue.Value, path string) (ResourceDecl, []ValidationError) {
	decl := ResourceDecl{Type: resourceType, Title: title}

	if errs := l.schemas.checkValue(resourceType, path, attrs); len(errs) > 0 {
		return decl, errs
	}

	decoded, err := decodeValue(attrs)
	if err != nil {
		return decl, []ValidationError{valueError(attrs, path, err)}
	}
	fields, ok := decoded.(map[string]interface{})
	if !ok {
		return decl, []ValidationError{valueError(attrs, path, fmt.Errorf("expected struct, got %T", decoded))}
	}
	decl.Attributes = fields

	if pos := attrs.Pos(); pos.IsValid() {
		decl.Source = fmt.Sprintf("%s:%d", pos.Filename(), pos.Line())
	}
	return decl, nil
}

// decodeValue converts a concrete CUE value into plain Go values.
func decodeValue(v cue.Value) (interface{}, error) {
	switch v.Kind() {
	case cue.NullKind:
		return nil, nil
	case cue.BoolKind:
		return v.Bool()
	case cue.IntKind:
		return v.Int64()
	case cue.FloatKind, cue.NumberKind:
		return v.Float64()
	case cue.StringKind:
		return v.String()
	case cue.BytesKind:
		b, err := v.Bytes()
		return string(b), err
	case cue.ListKind:
		iter, err := v.List()
		if err != nil {
			return nil, err
		}
		list := []interface{}{}
		for iter.Next() {
			item, err := decodeValue(iter.Value())
			if err != nil {
				return nil, err
			}
			list = append(list, item)
		}
		return list, nil
	case cue.StructKind:
		iter, err := v.Fields()
		if err != nil {
			return nil, err
		}
		fields := map[string]interface{}{}
		for iter.Next() {
			item, err := decodeValue(iter.Value())
			if err != nil {
				return nil, fmt.Errorf("%s: %w", iter.Selector(), err)
			}
			fields[iter.Selector().Unquoted()] = item
		}
		return fields, nil
	default:
		if err := v.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("value is not concrete")
	}
}

// convertCUEErrors converts CUE errors to ValidationError slice. Positions
// inside the generated definitions are skipped in favour of manifest ones.
func convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		var file string
		var line, column int
		for _, pos := range errors.Positions(e) {
			if pos.Filename() == schemaFile {
				continue
			}
			file = pos.Filename()
			line = pos.Line()
			column = pos.Column()
			break
		}

		format, args := e.Msg()
		validationErrors = append(validationErrors, ValidationError{
			File:    file,
			Line:    line,
			Column:  column,
			Path:    cuePath(e.Path()),
			Message: fmt.Sprintf(format, args...),
		})
	}
	return validationErrors
}

// cuePath drops definition selectors from an error path.
func cuePath(path []string) string {
	var out string
	for _, p := range path {
		if len(p) > 0 && p[0] == '#' {
			continue
		}
		if out != "" {
			out += "."
		}
		out += p
	}
	return out
}

func valueError(v cue.Value, path string, err error) ValidationError {
	ve := ValidationError{Path: path, Message: err.Error()}
	if pos := v.Pos(); pos.IsValid() {
		ve.File = pos.Filename()
		ve.Line = pos.Line()
		ve.Column = pos.Column()
	}
	return ve
}

func firstFile(files []string) string {
	if len(files) == 0 {
		return ""
	}
	return files[0]
}
