package query

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopmonkeyus/schemastore/internal"
	"github.com/shopmonkeyus/schemastore/internal/util"
)

// TypeResolver resolves a (possibly dotted) field name to its declared type.
type TypeResolver interface {
	FieldType(name string) (internal.FieldType, bool)
}

func resolveType(types TypeResolver, field string) (internal.FieldType, bool) {
	if types == nil {
		return "", false
	}
	return types.FieldType(field)
}

// GetPath returns the value at a dotted path. Numeric segments index into arrays and a non-numeric segment
// applied to an array collects the value from every element.
func GetPath(doc map[string]any, path string) (any, bool) {
	if doc == nil {
		return nil, false
	}
	if val, ok := doc[path]; ok {
		return val, true
	}
	return getSegments(doc, strings.Split(path, "."))
}

func getSegments(current any, segments []string) (any, bool) {
	if len(segments) == 0 {
		return current, true
	}
	segment := segments[0]
	switch v := current.(type) {
	case map[string]any:
		next, ok := v[segment]
		if !ok {
			return nil, false
		}
		return getSegments(next, segments[1:])
	case internal.Document:
		return getSegments(map[string]any(v), segments)
	case []any:
		if i, err := strconv.Atoi(segment); err == nil {
			if i < 0 || i >= len(v) {
				return nil, false
			}
			return getSegments(v[i], segments[1:])
		}
		res := make([]any, 0, len(v))
		for _, item := range v {
			if val, ok := getSegments(item, segments); ok {
				res = append(res, val)
			}
		}
		if len(res) == 0 {
			return nil, false
		}
		return res, true
	}
	return nil, false
}

// SetPath sets the value at a dotted path creating intermediate objects.
func SetPath(doc map[string]any, path string, value any) {
	segments := strings.Split(path, ".")
	current := doc
	for _, segment := range segments[:len(segments)-1] {
		next, ok := current[segment].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[segment] = next
		}
		current = next
	}
	current[segments[len(segments)-1]] = value
}

// DeletePath removes the value at a dotted path.
func DeletePath(doc map[string]any, path string) {
	segments := strings.Split(path, ".")
	current := doc
	for _, segment := range segments[:len(segments)-1] {
		next, ok := current[segment].(map[string]any)
		if !ok {
			return
		}
		current = next
	}
	delete(current, segments[len(segments)-1])
}

// FieldResolver is implemented by type resolvers that can also return the declaration of a field.
type FieldResolver interface {
	ResolveField(name string) internal.Field
}

// canonicalEnum maps the operand of a filter on a case-insensitive enum field to the declared option
// values, the form the documents are stored in.
func canonicalEnum(types TypeResolver, field string, value any) any {
	fr, ok := types.(FieldResolver)
	if !ok {
		return value
	}
	enum, ok := fr.ResolveField(field).(*internal.EnumField)
	if !ok || enum.IsCaseSensitive() {
		return value
	}
	switch v := value.(type) {
	case string:
		lower := strings.ToLower(v)
		for _, option := range enum.Options {
			if strings.ToLower(option.Value) == lower {
				return option.Value
			}
		}
	case []any:
		res := make([]any, len(v))
		for i, item := range v {
			res[i] = canonicalEnum(types, field, item)
		}
		return res
	case []string:
		res := make([]any, len(v))
		for i, item := range v {
			res[i] = canonicalEnum(types, field, item)
		}
		return res
	}
	return value
}

// coerceOperand converts a filter operand to the logical type of the field it is compared against.
func coerceOperand(value any, ft internal.FieldType) any {
	if value == nil {
		return nil
	}
	switch ft {
	case internal.FieldTypeNumber:
		if f, ok := internal.ToFloat(value, true); ok {
			return f
		}
	case internal.FieldTypeDate:
		if t, ok := internal.ToTime(value, true); ok {
			return t
		}
	case internal.FieldTypeBoolean:
		switch v := value.(type) {
		case bool:
			return v
		case string:
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "true", "1":
				return true
			case "false", "0", "":
				return false
			}
		default:
			if f, ok := internal.ToFloat(value, false); ok {
				return f != 0
			}
		}
	case internal.FieldTypeString, internal.FieldTypeEnum, internal.FieldTypeReference:
		if s, ok := toString(value); ok {
			return s
		}
	}
	return value
}

func toString(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case bool:
		return strconv.FormatBool(v), true
	case time.Time:
		return internal.FormatDate(v), true
	}
	if f, ok := internal.ToFloat(value, false); ok {
		return strconv.FormatFloat(f, 'f', -1, 64), true
	}
	return "", false
}

// rank orders values of different kinds: null, numbers, strings, objects, arrays, booleans, dates.
func rank(value any) int {
	switch value.(type) {
	case nil:
		return 0
	case string:
		return 2
	case map[string]any, internal.Document:
		return 3
	case []any:
		return 4
	case bool:
		return 5
	case time.Time:
		return 6
	}
	if _, ok := internal.ToFloat(value, false); ok {
		return 1
	}
	return 7
}

// compareTyped compares a stored value against an operand that was coerced for the field type.
func compareTyped(actual, operand any, ft internal.FieldType) (int, bool) {
	if actual == nil || operand == nil {
		return 0, false
	}
	switch ft {
	case internal.FieldTypeNumber:
		a, ok := internal.ToFloat(actual, true)
		if !ok {
			return 0, false
		}
		b, ok := operand.(float64)
		if !ok {
			return 0, false
		}
		return compareFloat(a, b), true
	case internal.FieldTypeDate:
		a, ok := internal.ToTime(actual, true)
		if !ok {
			return 0, false
		}
		b, ok := operand.(time.Time)
		if !ok {
			return 0, false
		}
		return a.Compare(b), true
	}
	return compareValues(actual, operand)
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	}
	return 1
}

// compareValues compares two values of the same kind. ok is false for values that cannot be ordered
// against each other.
func compareValues(a, b any) (int, bool) {
	if fa, ok := internal.ToFloat(a, false); ok {
		if fb, ok := internal.ToFloat(b, false); ok {
			return compareFloat(fa, fb), true
		}
		return 0, false
	}
	switch av := a.(type) {
	case string:
		switch bv := b.(type) {
		case string:
			return strings.Compare(av, bv), true
		case time.Time:
			if t, err := internal.ParseDate(av); err == nil {
				return t.Compare(bv), true
			}
		}
	case bool:
		if bv, ok := b.(bool); ok {
			return compareBool(av, bv), true
		}
	case time.Time:
		switch bv := b.(type) {
		case time.Time:
			return av.Compare(bv), true
		case string:
			if t, err := internal.ParseDate(bv); err == nil {
				return av.Compare(t), true
			}
		}
	}
	return 0, false
}

// CompareAny gives a total order over any two values, ordering different kinds by rank.
func CompareAny(a, b any) int {
	if c, ok := compareValues(a, b); ok {
		return c
	}
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra - rb
	}
	return strings.Compare(util.JSONStringify(a), util.JSONStringify(b))
}

// equalValues returns true if a and b are structurally equal, treating numbers by value.
func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if c, ok := compareValues(a, b); ok {
		return c == 0
	}
	return util.HashValue(a) == util.HashValue(b)
}
