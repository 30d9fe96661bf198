package config

import (
	"context"
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// CUEParser evaluates CUE deployment documents against the deployment schema.
type CUEParser struct {
	ctx            *cue.Context
	schemaRegistry *SchemaRegistry
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	ctx := cuecontext.New()
	return &CUEParser{
		ctx:            ctx,
		schemaRegistry: newSchemaRegistry(ctx),
	}
}

// Parse compiles src, unifies it with the deployment schema and returns the
// concrete document exported as JSON. When the source declares a top-level
// "deployment" field, that field is the document.
func (cp *CUEParser) Parse(ctx context.Context, filename string, src []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	val := cp.ctx.CompileBytes(src, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, cp.convertCUEErrors(err)
	}
	if inner := val.LookupPath(cue.ParsePath("deployment")); inner.Exists() {
		val = inner
	}

	schema, ok := cp.schemaRegistry.GetSchema("deployment")
	if !ok {
		return nil, fmt.Errorf("deployment schema not registered")
	}
	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, cp.convertCUEErrors(err)
	}

	doc, err := unified.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to export %s: %w", filename, err)
	}
	return doc, nil
}

// GetSchemaRegistry returns the schema registry.
func (cp *CUEParser) GetSchemaRegistry() *SchemaRegistry {
	return cp.schemaRegistry
}

// convertCUEErrors converts CUE errors to ValidationErrors with positions.
func (cp *CUEParser) convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range errors.Errors(err) {
		ve := ValidationError{Message: errors.Details(e, nil)}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		ve.Path = strings.Join(e.Path(), ".")
		out = append(out, ve)
	}
	return out
}
