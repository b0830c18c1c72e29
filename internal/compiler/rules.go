package compiler

import (
	"fmt"
	"math"
	"net/url"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopmonkeyus/schemastore/internal"
	"github.com/shopmonkeyus/schemastore/internal/util"
)

// issue codes
const (
	CodeRequired          = "required"
	CodeInvalidType       = "invalid_type"
	CodeTooSmall          = "too_small"
	CodeTooBig            = "too_big"
	CodeInvalidLength     = "invalid_length"
	CodeInvalidString     = "invalid_string"
	CodeEmpty             = "empty"
	CodeNotInteger        = "not_integer"
	CodeNotMultipleOf     = "not_multiple_of"
	CodeInvalidLiteral    = "invalid_literal"
	CodeInvalidEnumValue  = "invalid_enum_value"
	CodeInvalidDate       = "invalid_date"
	CodeNotUnique         = "not_unique"
	CodeUnrecognizedKeys  = "unrecognized_keys"
	minimumPasswordLength = 8
)

var (
	isEmail = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	isPhone = regexp.MustCompile(`^\+?[0-9\s\-().]{7,20}$`)
)

type issues struct {
	list []internal.Issue
}

func (i *issues) add(path, code, format string, args ...any) {
	i.list = append(i.list, internal.Issue{Path: path, Code: code, Message: fmt.Sprintf(format, args...)})
}

func (i *issues) empty() bool {
	return len(i.list) == 0
}

// rule validates a present, non-nil value and returns the coerced value. It records
// issues and returns nil when the value is rejected.
type rule func(path string, value any, iss *issues, now time.Time) any

// compiledField is the executable form of a field declaration.
type compiledField struct {
	field      internal.Field
	base       *internal.FieldBase
	check      rule
	def        any
	hasDefault bool
}

// apply runs the presence handling shared by every field type and then the field rule.
// The returned bool is false when the key should be left out of the result.
func (c *compiledField) apply(path string, value any, present bool, iss *issues, now time.Time) (any, bool) {
	if !present {
		if c.hasDefault {
			return internal.CloneValue(c.def), true
		}
		if c.base.Required {
			iss.add(path, CodeRequired, "%s is required", c.label())
		}
		return nil, false
	}
	if value == nil {
		if c.base.Nullable {
			return nil, true
		}
		if c.hasDefault {
			return internal.CloneValue(c.def), true
		}
		if c.base.Required {
			iss.add(path, CodeRequired, "%s is required", c.label())
		}
		return nil, false
	}
	before := len(iss.list)
	res := c.check(path, value, iss, now)
	if len(iss.list) > before {
		return nil, false
	}
	return res, true
}

func (c *compiledField) label() string {
	if c.base.Label != "" {
		return c.base.Label
	}
	return c.base.Name
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

func indexPath(prefix string, i int) string {
	return prefix + "[" + strconv.Itoa(i) + "]"
}

func typeName(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case map[string]any, internal.Document:
		return "object"
	case []any:
		return "array"
	}
	if _, ok := internal.ToFloat(value, false); ok {
		return "number"
	}
	return fmt.Sprintf("%T", value)
}

func configError(table, path, format string, args ...any) error {
	return &internal.ConfigurationError{Table: table, Field: path, Message: fmt.Sprintf(format, args...)}
}

// compileField turns a declaration into a compiledField. It reports a ConfigurationError for
// malformed declarations or nesting beyond MaxDepth.
func compileField(table, path string, f internal.Field, depth int) (*compiledField, error) {
	if f == nil {
		return nil, configError(table, path, "field declaration is missing a type")
	}
	if depth > MaxDepth {
		return nil, configError(table, path, "field nesting exceeds the maximum depth of %d", MaxDepth)
	}
	base := f.Base()
	var check rule
	var err error
	switch v := f.(type) {
	case *internal.StringField:
		check, err = stringRule(table, path, v)
	case *internal.NumberField:
		check, err = numberRule(table, path, v)
	case *internal.BooleanField:
		check, err = booleanRule(table, path, v)
	case *internal.DateField:
		check, err = dateRule(table, path, v)
	case *internal.EnumField:
		check, err = enumRule(table, path, v)
	case *internal.ReferenceField:
		check, err = referenceRule(table, path, v)
	case *internal.ArrayField:
		check, err = arrayRule(table, path, v, depth)
	case *internal.ObjectField:
		var obj *objectRule
		obj, err = newObjectRule(table, path, v.Fields, depth+1, v.Validation.Strict, v.Validation.Passthrough)
		if err == nil {
			check = obj.rule
		}
	default:
		return nil, configError(table, path, "unsupported field type: %T", f)
	}
	if err != nil {
		return nil, err
	}
	c := &compiledField{field: f, base: base, check: check}
	if base.HasDefault() {
		var iss issues
		def := check(path, base.Default, &iss, time.Now())
		if !iss.empty() {
			return nil, configError(table, path, "invalid default value: %s", iss.list[0].Message)
		}
		c.def = def
		c.hasDefault = true
	}
	return c, nil
}

// stringify converts scalars to strings for coercion.
func stringify(value any) (string, bool) {
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

func stringRule(table, path string, f *internal.StringField) (rule, error) {
	v := f.Validation
	var pattern *regexp.Regexp
	if v.Pattern != "" {
		re, err := regexp.Compile(v.Pattern)
		if err != nil {
			return nil, configError(table, path, "invalid pattern: %s", err)
		}
		pattern = re
	}
	min := v.Min
	switch v.Format {
	case "", internal.StringFormatEmail, internal.StringFormatURL, internal.StringFormatUUID, internal.StringFormatPhone:
	case internal.StringFormatPassword:
		if min == nil || *min < minimumPasswordLength {
			m := minimumPasswordLength
			min = &m
		}
	default:
		return nil, configError(table, path, "unknown string format: %s", v.Format)
	}
	coerce := f.Coerce
	return func(p string, value any, iss *issues, _ time.Time) any {
		var s string
		if str, ok := value.(string); ok {
			s = str
		} else if coerce {
			str, ok := stringify(value)
			if !ok {
				iss.add(p, CodeInvalidType, "expected string, received %s", typeName(value))
				return nil
			}
			s = str
		} else {
			iss.add(p, CodeInvalidType, "expected string, received %s", typeName(value))
			return nil
		}
		if v.Trim {
			s = strings.TrimSpace(s)
		}
		if v.NoEmpty && s == "" {
			iss.add(p, CodeEmpty, "must not be empty")
			return nil
		}
		switch v.Format {
		case internal.StringFormatEmail:
			if !isEmail.MatchString(s) {
				iss.add(p, CodeInvalidString, "invalid email")
				return nil
			}
			return s
		case internal.StringFormatURL:
			u, err := url.ParseRequestURI(s)
			if err != nil || u.Scheme == "" || u.Host == "" {
				iss.add(p, CodeInvalidString, "invalid url")
				return nil
			}
			return s
		case internal.StringFormatUUID:
			if _, err := uuid.Parse(s); err != nil {
				iss.add(p, CodeInvalidString, "invalid uuid")
				return nil
			}
			return s
		case internal.StringFormatPhone:
			if !isPhone.MatchString(s) {
				iss.add(p, CodeInvalidString, "invalid phone number")
				return nil
			}
		}
		count := utf8.RuneCountInString(s)
		ok := true
		if min != nil && count < *min {
			iss.add(p, CodeTooSmall, "must contain at least %d character(s)", *min)
			ok = false
		}
		if v.Max != nil && count > *v.Max {
			iss.add(p, CodeTooBig, "must contain at most %d character(s)", *v.Max)
			ok = false
		}
		if v.Length != nil && count != *v.Length {
			iss.add(p, CodeInvalidLength, "must contain exactly %d character(s)", *v.Length)
			ok = false
		}
		if pattern != nil && !pattern.MatchString(s) {
			iss.add(p, CodeInvalidString, "does not match pattern %s", v.Pattern)
			ok = false
		}
		if !ok {
			return nil
		}
		return s
	}, nil
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func isMultipleOf(val, of float64) bool {
	q := val / of
	return math.Abs(q-math.Round(q)) < 1e-9
}

func numberRule(table, path string, f *internal.NumberField) (rule, error) {
	v := f.Validation
	if v.MultipleOf != nil && *v.MultipleOf <= 0 {
		return nil, configError(table, path, "multipleOf must be greater than zero")
	}
	coerce := f.Coerce
	return func(p string, value any, iss *issues, _ time.Time) any {
		if _, isString := value.(string); isString && !coerce {
			iss.add(p, CodeInvalidType, "expected number, received string")
			return nil
		}
		n, ok := internal.ToFloat(value, coerce)
		if !ok || math.IsNaN(n) || math.IsInf(n, 0) {
			iss.add(p, CodeInvalidType, "expected number, received %s", typeName(value))
			return nil
		}
		ok = true
		if v.Min != nil && n < *v.Min {
			iss.add(p, CodeTooSmall, "must be greater than or equal to %s", formatNumber(*v.Min))
			ok = false
		}
		if v.Max != nil && n > *v.Max {
			iss.add(p, CodeTooBig, "must be less than or equal to %s", formatNumber(*v.Max))
			ok = false
		}
		if v.Integer && n != math.Trunc(n) {
			iss.add(p, CodeNotInteger, "expected integer, received float")
			ok = false
		}
		if v.Positive && n <= 0 {
			iss.add(p, CodeTooSmall, "must be greater than 0")
			ok = false
		}
		if v.Nonnegative && n < 0 {
			iss.add(p, CodeTooSmall, "must be greater than or equal to 0")
			ok = false
		}
		if v.MultipleOf != nil && !isMultipleOf(n, *v.MultipleOf) {
			iss.add(p, CodeNotMultipleOf, "must be a multiple of %s", formatNumber(*v.MultipleOf))
			ok = false
		}
		if !ok {
			return nil
		}
		return n
	}, nil
}

// coerceBool applies the truth table: "true"/"1" and nonzero numbers are true, "false"/"0"/"" and zero are
// false, any other string, object or array is true.
func coerceBool(value any) (bool, bool) {
	switch v := value.(type) {
	case bool:
		return v, true
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1":
			return true, true
		case "false", "0", "":
			return false, true
		}
		return true, true
	}
	if n, ok := internal.ToFloat(value, false); ok {
		return n != 0, true
	}
	switch value.(type) {
	case map[string]any, []any, internal.Document:
		return true, true
	}
	return false, false
}

func booleanRule(table, path string, f *internal.BooleanField) (rule, error) {
	v := f.Validation
	if v.IsTrue && v.IsFalse {
		return nil, configError(table, path, "isTrue and isFalse are mutually exclusive")
	}
	coerce := f.Coerce
	return func(p string, value any, iss *issues, _ time.Time) any {
		var b bool
		if bv, ok := value.(bool); ok {
			b = bv
		} else if coerce {
			bv, ok := coerceBool(value)
			if !ok {
				iss.add(p, CodeInvalidType, "expected boolean, received %s", typeName(value))
				return nil
			}
			b = bv
		} else {
			iss.add(p, CodeInvalidType, "expected boolean, received %s", typeName(value))
			return nil
		}
		if v.Literal != nil && b != *v.Literal {
			iss.add(p, CodeInvalidLiteral, "must be %t", *v.Literal)
			return nil
		}
		if v.IsTrue && !b {
			iss.add(p, CodeInvalidLiteral, "must be true")
			return nil
		}
		if v.IsFalse && b {
			iss.add(p, CodeInvalidLiteral, "must be false")
			return nil
		}
		return b
	}, nil
}

func dateRule(table, path string, f *internal.DateField) (rule, error) {
	v := f.Validation
	var min, max *time.Time
	if v.Min != "" {
		t, err := internal.ParseDate(v.Min)
		if err != nil {
			return nil, configError(table, path, "invalid date bound: %s", v.Min)
		}
		min = &t
	}
	if v.Max != "" {
		t, err := internal.ParseDate(v.Max)
		if err != nil {
			return nil, configError(table, path, "invalid date bound: %s", v.Max)
		}
		max = &t
	}
	if v.Past && v.Future {
		return nil, configError(table, path, "past and future are mutually exclusive")
	}
	coerce := f.Coerce
	return func(p string, value any, iss *issues, now time.Time) any {
		t, ok := internal.ToTime(value, coerce)
		if !ok {
			if _, isString := value.(string); isString {
				iss.add(p, CodeInvalidDate, "invalid date")
			} else {
				iss.add(p, CodeInvalidType, "expected date, received %s", typeName(value))
			}
			return nil
		}
		ok = true
		if min != nil && t.Before(*min) {
			iss.add(p, CodeTooSmall, "must be on or after %s", internal.FormatDate(*min))
			ok = false
		}
		if max != nil && t.After(*max) {
			iss.add(p, CodeTooBig, "must be on or before %s", internal.FormatDate(*max))
			ok = false
		}
		if v.Past && !t.Before(now) {
			iss.add(p, CodeTooBig, "must be in the past")
			ok = false
		}
		if v.Future && !t.After(now) {
			iss.add(p, CodeTooSmall, "must be in the future")
			ok = false
		}
		if !ok {
			return nil
		}
		return internal.FormatDate(t)
	}, nil
}

func enumRule(table, path string, f *internal.EnumField) (rule, error) {
	if len(f.Options) == 0 {
		return nil, configError(table, path, "enum must declare at least one option")
	}
	caseSensitive := f.IsCaseSensitive()
	lookup := make(map[string]string, len(f.Options))
	for _, o := range f.Options {
		key := o.Value
		if !caseSensitive {
			key = strings.ToLower(key)
		}
		if _, found := lookup[key]; found {
			return nil, configError(table, path, "duplicate enum value: %s", o.Value)
		}
		lookup[key] = o.Value
	}
	values := f.Values()
	coerce := f.Coerce
	return func(p string, value any, iss *issues, _ time.Time) any {
		s, ok := value.(string)
		if !ok && coerce {
			s, ok = stringify(value)
		}
		if !ok {
			iss.add(p, CodeInvalidType, "expected string, received %s", typeName(value))
			return nil
		}
		key := s
		if !caseSensitive {
			key = strings.ToLower(key)
		}
		canonical, found := lookup[key]
		if !found {
			iss.add(p, CodeInvalidEnumValue, "invalid enum value. Expected %s, received '%s'", quoteList(values), s)
			return nil
		}
		return canonical
	}, nil
}

func quoteList(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = "'" + v + "'"
	}
	return strings.Join(quoted, " | ")
}

func referenceRule(table, path string, f *internal.ReferenceField) (rule, error) {
	if f.Table == "" {
		return nil, configError(table, path, "reference must name a table")
	}
	required := f.Required
	coerce := f.Coerce
	return func(p string, value any, iss *issues, _ time.Time) any {
		s, ok := value.(string)
		if !ok && coerce {
			s, ok = stringify(value)
		}
		if !ok {
			iss.add(p, CodeInvalidType, "expected reference id, received %s", typeName(value))
			return nil
		}
		if required && strings.TrimSpace(s) == "" {
			iss.add(p, CodeRequired, "reference to %s is required", f.Table)
			return nil
		}
		return s
	}, nil
}

// toSlice converts any slice value into a []any.
func toSlice(value any) ([]any, bool) {
	if s, ok := value.([]any); ok {
		return s, true
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	if _, isBytes := value.([]byte); isBytes {
		return nil, false
	}
	res := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		res[i] = rv.Index(i).Interface()
	}
	return res, true
}

func arrayRule(table, path string, f *internal.ArrayField, depth int) (rule, error) {
	if f.Items == nil {
		return nil, configError(table, path, "array must declare items")
	}
	items, err := compileField(table, path+"[]", f.Items, depth+1)
	if err != nil {
		return nil, err
	}
	v := f.Validation
	return func(p string, value any, iss *issues, now time.Time) any {
		list, ok := toSlice(value)
		if !ok {
			iss.add(p, CodeInvalidType, "expected array, received %s", typeName(value))
			return nil
		}
		if v.NoEmpty && len(list) == 0 {
			iss.add(p, CodeEmpty, "must contain at least 1 element(s)")
			return nil
		}
		ok = true
		if v.Min != nil && len(list) < *v.Min {
			iss.add(p, CodeTooSmall, "must contain at least %d element(s)", *v.Min)
			ok = false
		}
		if v.Max != nil && len(list) > *v.Max {
			iss.add(p, CodeTooBig, "must contain at most %d element(s)", *v.Max)
			ok = false
		}
		if v.Length != nil && len(list) != *v.Length {
			iss.add(p, CodeInvalidLength, "must contain exactly %d element(s)", *v.Length)
			ok = false
		}
		res := make([]any, 0, len(list))
		for i, item := range list {
			ip := indexPath(p, i)
			if item == nil {
				if items.base.Nullable {
					res = append(res, nil)
					continue
				}
				iss.add(ip, CodeInvalidType, "expected %s, received null", items.field.Type())
				ok = false
				continue
			}
			before := len(iss.list)
			val := items.check(ip, item, iss, now)
			if len(iss.list) > before {
				ok = false
				continue
			}
			res = append(res, val)
		}
		if !ok {
			return nil
		}
		if v.Unique {
			seen := make(map[uint64]int, len(res))
			for i, item := range res {
				h := util.HashValue(item)
				if first, found := seen[h]; found {
					iss.add(indexPath(p, i), CodeNotUnique, "duplicates element %d", first)
					ok = false
					continue
				}
				seen[h] = i
			}
			if !ok {
				return nil
			}
		}
		return res
	}, nil
}

// objectRule validates an object against a list of compiled fields.
type objectRule struct {
	fields      []*compiledField
	names       []string
	strict      bool
	passthrough bool
	system      bool
}

func newObjectRule(table, path string, fields internal.Fields, depth int, strict, passthrough bool) (*objectRule, error) {
	if len(fields) == 0 {
		return nil, configError(table, path, "object must declare at least one field")
	}
	if strict && passthrough {
		return nil, configError(table, path, "strict and passthrough are mutually exclusive")
	}
	o := &objectRule{strict: strict, passthrough: passthrough}
	seen := make(map[string]bool)
	for _, f := range fields {
		if f == nil {
			return nil, configError(table, path, "field declaration is missing a type")
		}
		name := f.Base().Name
		if name == "" {
			return nil, configError(table, path, "field name is required")
		}
		if seen[name] {
			return nil, configError(table, joinPath(path, name), "duplicate field name")
		}
		seen[name] = true
		c, err := compileField(table, joinPath(path, name), f, depth)
		if err != nil {
			return nil, err
		}
		o.fields = append(o.fields, c)
		o.names = append(o.names, name)
	}
	return o, nil
}

func toObject(value any) (map[string]any, bool) {
	switch v := value.(type) {
	case map[string]any:
		return v, true
	case internal.Document:
		return map[string]any(v), true
	}
	return nil, false
}

func (o *objectRule) rule(p string, value any, iss *issues, now time.Time) any {
	obj, ok := toObject(value)
	if !ok {
		iss.add(p, CodeInvalidType, "expected object, received %s", typeName(value))
		return nil
	}
	before := len(iss.list)
	res := o.validate(p, obj, iss, now, false)
	if len(iss.list) > before {
		return nil
	}
	return res
}

// validate checks obj and returns the cleaned object. In partial mode only the keys present
// in obj are checked and no defaults or required checks apply.
func (o *objectRule) validate(prefix string, obj map[string]any, iss *issues, now time.Time, partial bool) map[string]any {
	res := make(map[string]any, len(obj))
	for _, c := range o.fields {
		name := c.base.Name
		value, present := obj[name]
		if partial && !present {
			continue
		}
		if partial && present && value == nil && !c.base.Nullable {
			// an explicit null in a patch unsets the value unless the field is required
			if c.base.Required {
				iss.add(joinPath(prefix, name), CodeRequired, "%s is required", c.label())
				continue
			}
			res[name] = nil
			continue
		}
		if val, keep := c.apply(joinPath(prefix, name), value, present, iss, now); keep {
			res[name] = val
		}
	}
	var unknown []string
	for _, key := range util.JSONDiff(obj, o.names) {
		value := obj[key]
		if o.system && internal.IsSystemField(key) {
			res[key] = value
			continue
		}
		if o.passthrough {
			res[key] = internal.CloneValue(value)
			continue
		}
		if o.strict {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		for _, key := range unknown {
			iss.add(joinPath(prefix, key), CodeUnrecognizedKeys, "unrecognized key: '%s'", key)
		}
	}
	return res
}

func (o *objectRule) field(name string) *compiledField {
	for _, c := range o.fields {
		if c.base.Name == name {
			return c
		}
	}
	return nil
}
