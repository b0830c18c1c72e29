package compiler

import (
	"strconv"
	"strings"

	"github.com/shopmonkeyus/schemastore/internal"
)

// Defaults returns a document with the declared default, or the zero value of the type, for every field.
func Defaults(fields internal.Fields) internal.Document {
	res := make(internal.Document, len(fields))
	for _, f := range fields {
		res[f.Base().Name] = DefaultValue(f)
	}
	return res
}

// DefaultValue returns the declared default of the field or the zero value of its type.
func DefaultValue(f internal.Field) any {
	if f.Base().HasDefault() {
		return internal.CloneValue(f.Base().Default)
	}
	switch v := f.(type) {
	case *internal.StringField:
		return ""
	case *internal.NumberField:
		return float64(0)
	case *internal.BooleanField:
		if v.Validation.Literal != nil {
			return *v.Validation.Literal
		}
		return v.Validation.IsTrue
	case *internal.DateField:
		return nil
	case *internal.EnumField:
		if len(v.Options) > 0 {
			return v.Options[0].Value
		}
		return ""
	case *internal.ReferenceField:
		return ""
	case *internal.ArrayField:
		return []any{}
	case *internal.ObjectField:
		return map[string]any(Defaults(v.Fields))
	}
	return nil
}

// Resolve returns the declaration for a dotted path such as "address.city" or "items.0.name".
// Array fields resolve to their item declaration when the path continues.
func Resolve(fields internal.Fields, path string) internal.Field {
	if path == "" {
		return nil
	}
	segments := strings.Split(path, ".")
	var current internal.Field
	scope := fields
	for i, segment := range segments {
		if current != nil {
			if arr, ok := current.(*internal.ArrayField); ok {
				current = arr.Items
				if _, err := strconv.Atoi(segment); err == nil || segment == "[]" {
					continue
				}
			}
			obj, ok := current.(*internal.ObjectField)
			if !ok {
				return nil
			}
			scope = obj.Fields
		}
		name := strings.TrimSuffix(segment, "[]")
		current = scope.Find(name)
		if current == nil {
			return nil
		}
		if i == len(segments)-1 && strings.HasSuffix(segment, "[]") {
			if arr, ok := current.(*internal.ArrayField); ok {
				return arr.Items
			}
		}
	}
	return current
}
