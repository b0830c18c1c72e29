package compiler

import (
	"bytes"
	"encoding/json"
	"fmt"

	js "github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopmonkeyus/schemastore/internal"
)

const jsonSchemaDraft = "https://json-schema.org/draft/2020-12/schema"

// ExportJSONSchema returns a JSON Schema projection of the table. The projection is lossy: coercion,
// trimming, case-insensitive enums and relative date rules have no exact JSON Schema equivalent and are
// exported as x- annotations.
func (r *Registry) ExportJSONSchema(name string) (map[string]any, error) {
	table, err := r.GetTable(name)
	if err != nil {
		return nil, err
	}
	return ExportTable(table), nil
}

// CompileJSONSchema compiles the exported projection so it can be used by a generic JSON Schema validator.
func (r *Registry) CompileJSONSchema(name string) (*js.Schema, error) {
	schema, err := r.ExportJSONSchema(name)
	if err != nil {
		return nil, err
	}
	return CompileProjection(name, schema)
}

// CompileProjection compiles a JSON Schema projection of the named table.
func CompileProjection(name string, schema map[string]any) (*js.Schema, error) {
	buf, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("error encoding json schema for %s: %w", name, err)
	}
	url := schemaURL(name)
	compiler := js.NewCompiler()
	compiler.Draft = js.Draft2020
	compiler.ExtractAnnotations = true
	if err := compiler.AddResource(url, bytes.NewReader(buf)); err != nil {
		return nil, fmt.Errorf("error adding json schema resource for %s: %w", name, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("error compiling json schema for %s: %w", name, err)
	}
	return compiled, nil
}

func schemaURL(table string) string {
	return "file:///schemastore/" + table + ".json"
}

// ExportTable returns the JSON Schema projection of a table declaration.
func ExportTable(table *internal.TableSchema) map[string]any {
	res := exportObject(table.Fields, table.Validation.Strict, false)
	props := res["properties"].(map[string]any)
	props[internal.FieldID] = map[string]any{"type": "string", "readOnly": true}
	if table.Timestamps {
		props[internal.FieldCreatedAt] = map[string]any{"type": "string", "format": "date-time", "readOnly": true}
		props[internal.FieldUpdatedAt] = map[string]any{"type": "string", "format": "date-time", "readOnly": true}
	}
	if table.SoftDelete {
		props[internal.FieldDeletedAt] = map[string]any{"type": []any{"string", "null"}, "format": "date-time", "readOnly": true}
	}
	res["$schema"] = jsonSchemaDraft
	res["$id"] = schemaURL(table.Name)
	if table.Label != "" {
		res["title"] = table.Label
	} else {
		res["title"] = table.Name
	}
	if table.Description != "" {
		res["description"] = table.Description
	}
	return res
}

func exportObject(fields internal.Fields, strict bool, passthrough bool) map[string]any {
	props := make(map[string]any, len(fields))
	required := make([]any, 0)
	for _, f := range fields {
		base := f.Base()
		props[base.Name] = ExportField(f)
		if base.Required && !base.HasDefault() {
			required = append(required, base.Name)
		}
	}
	res := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		res["required"] = required
	}
	if strict {
		res["additionalProperties"] = false
	} else if !passthrough {
		res["x-strip-unknown"] = true
	}
	return res
}

// ExportField returns the JSON Schema projection of a single field.
func ExportField(f internal.Field) map[string]any {
	var res map[string]any
	switch v := f.(type) {
	case *internal.StringField:
		res = exportString(v)
	case *internal.NumberField:
		res = exportNumber(v)
	case *internal.BooleanField:
		res = map[string]any{"type": "boolean"}
		if v.Validation.Literal != nil {
			res["const"] = *v.Validation.Literal
		} else if v.Validation.IsTrue {
			res["const"] = true
		} else if v.Validation.IsFalse {
			res["const"] = false
		}
	case *internal.DateField:
		res = map[string]any{"type": "string", "format": "date-time"}
		if v.Validation.Min != "" {
			res["x-min"] = v.Validation.Min
		}
		if v.Validation.Max != "" {
			res["x-max"] = v.Validation.Max
		}
		if v.Validation.Past {
			res["x-past"] = true
		}
		if v.Validation.Future {
			res["x-future"] = true
		}
	case *internal.EnumField:
		values := make([]any, 0, len(v.Options))
		labels := make(map[string]any, len(v.Options))
		for _, o := range v.Options {
			values = append(values, o.Value)
			labels[o.Value] = o.Label
		}
		res = map[string]any{"type": "string", "enum": values, "x-enum-labels": labels}
		if !v.IsCaseSensitive() {
			res["x-case-insensitive"] = true
		}
	case *internal.ReferenceField:
		ref := map[string]any{"table": v.Table}
		if v.Column != "" {
			ref["column"] = v.Column
		}
		if len(v.Selects) > 0 {
			selects := make([]any, len(v.Selects))
			for i, s := range v.Selects {
				selects[i] = s
			}
			ref["selects"] = selects
		}
		if v.CascadeDelete {
			ref["cascadeDelete"] = true
		}
		res = map[string]any{"type": "string", "x-reference": ref}
	case *internal.ArrayField:
		res = map[string]any{"type": "array"}
		if v.Items != nil {
			res["items"] = ExportField(v.Items)
		}
		if v.Validation.Min != nil {
			res["minItems"] = *v.Validation.Min
		}
		if v.Validation.Max != nil {
			res["maxItems"] = *v.Validation.Max
		}
		if v.Validation.Length != nil {
			res["minItems"] = *v.Validation.Length
			res["maxItems"] = *v.Validation.Length
		}
		if v.Validation.NoEmpty {
			if _, found := res["minItems"]; !found {
				res["minItems"] = 1
			}
		}
		if v.Validation.Unique {
			res["uniqueItems"] = true
		}
	case *internal.ObjectField:
		res = exportObject(v.Fields, v.Validation.Strict, v.Validation.Passthrough)
	default:
		res = map[string]any{}
	}
	annotate(res, f)
	return res
}

func exportString(f *internal.StringField) map[string]any {
	v := f.Validation
	res := map[string]any{"type": "string"}
	switch v.Format {
	case internal.StringFormatEmail:
		res["format"] = "email"
		return res
	case internal.StringFormatURL:
		res["format"] = "uri"
		return res
	case internal.StringFormatUUID:
		res["format"] = "uuid"
		return res
	case internal.StringFormatPhone:
		res["x-format"] = "phone"
	case internal.StringFormatPassword:
		res["x-format"] = "password"
		res["writeOnly"] = true
		res["minLength"] = minimumPasswordLength
	}
	if v.Min != nil {
		if cur, ok := res["minLength"].(int); !ok || *v.Min > cur {
			res["minLength"] = *v.Min
		}
	}
	if v.Max != nil {
		res["maxLength"] = *v.Max
	}
	if v.Length != nil {
		res["minLength"] = *v.Length
		res["maxLength"] = *v.Length
	}
	if v.NoEmpty {
		if _, found := res["minLength"]; !found {
			res["minLength"] = 1
		}
	}
	if v.Pattern != "" {
		res["pattern"] = v.Pattern
	}
	if v.Trim {
		res["x-trim"] = true
	}
	return res
}

func exportNumber(f *internal.NumberField) map[string]any {
	v := f.Validation
	res := map[string]any{"type": "number"}
	if v.Integer {
		res["type"] = "integer"
	}
	if v.Min != nil {
		res["minimum"] = *v.Min
	}
	if v.Max != nil {
		res["maximum"] = *v.Max
	}
	if v.Nonnegative {
		if cur, ok := res["minimum"].(float64); !ok || cur < 0 {
			res["minimum"] = float64(0)
		}
	}
	if v.Positive {
		res["exclusiveMinimum"] = float64(0)
	}
	if v.MultipleOf != nil {
		res["multipleOf"] = *v.MultipleOf
	}
	return res
}

func annotate(res map[string]any, f internal.Field) {
	base := f.Base()
	if base.Label != "" {
		res["title"] = base.Label
	}
	if base.Description != "" {
		res["description"] = base.Description
	}
	if base.HasDefault() {
		res["default"] = base.Default
	}
	if base.Readonly {
		res["readOnly"] = true
	}
	if base.Hidden {
		res["x-hidden"] = true
	}
	if base.Unique {
		res["x-unique"] = true
	}
	if base.Indexed {
		res["x-indexed"] = true
	}
	if base.Coerce {
		res["x-coerce"] = true
	}
	if base.Nullable {
		if t, ok := res["type"].(string); ok {
			res["type"] = []any{t, "null"}
		}
	}
}
