package compiler

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopmonkeyus/go-common/logger"
	"github.com/shopmonkeyus/schemastore/internal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int             { return &v }
func floatPtr(v float64) *float64   { return &v }
func boolPtr(v bool) *bool          { return &v }
func base(name string) internal.FieldBase { return internal.FieldBase{Name: name} }

func newTestRegistry(t *testing.T) *Registry {
	r := New(Config{Logger: logger.NewTestLogger()})
	t.Cleanup(func() { r.Close() })
	return r
}

func compileTable(t *testing.T, fields ...internal.Field) *Validator {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(internal.TableSchema{Name: "test", Fields: fields}))
	v, err := r.Compile("test")
	require.NoError(t, err)
	return v
}

func issueCodes(err error) []string {
	var codes []string
	for _, issue := range internal.ValidationIssues(err) {
		codes = append(codes, issue.Code)
	}
	return codes
}

func TestNumericBoundary(t *testing.T) {
	v := compileTable(t, &internal.NumberField{
		FieldBase:  internal.FieldBase{Name: "age", Required: true},
		Validation: internal.NumberValidation{Min: floatPtr(5), Max: floatPtr(25), Integer: true},
	})
	for _, ok := range []float64{5, 25, 10} {
		doc, err := v.Validate(map[string]any{"age": ok})
		assert.NoError(t, err, "value %v", ok)
		assert.Equal(t, ok, doc["age"])
	}
	for _, bad := range []float64{4, 26, 5.5} {
		_, err := v.Validate(map[string]any{"age": bad})
		assert.Error(t, err, "value %v", bad)
		assert.True(t, internal.IsValidation(err))
	}
	_, err := v.Validate(map[string]any{"age": 26.5})
	assert.ElementsMatch(t, []string{CodeTooBig, CodeNotInteger}, issueCodes(err))

	_, err = v.Validate(map[string]any{})
	assert.Equal(t, []string{CodeRequired}, issueCodes(err))
	assert.Equal(t, "age", internal.ValidationIssues(err)[0].Path)

	_, err = v.Validate(map[string]any{"age": "10"})
	assert.Equal(t, []string{CodeInvalidType}, issueCodes(err))
}

func TestNumberConstraintsAllApply(t *testing.T) {
	v := compileTable(t, &internal.NumberField{
		FieldBase:  base("qty"),
		Validation: internal.NumberValidation{Positive: true, MultipleOf: floatPtr(0.5), Max: floatPtr(10)},
	})
	_, err := v.Validate(map[string]any{"qty": 2.5})
	assert.NoError(t, err)
	_, err = v.Validate(map[string]any{"qty": -0.3})
	assert.ElementsMatch(t, []string{CodeTooSmall, CodeNotMultipleOf}, issueCodes(err))
	_, err = v.Validate(map[string]any{"qty": 0.3})
	assert.Equal(t, []string{CodeNotMultipleOf}, issueCodes(err))
}

func TestNumberCoerce(t *testing.T) {
	v := compileTable(t, &internal.NumberField{FieldBase: internal.FieldBase{Name: "n", Coerce: true}})
	doc, err := v.Validate(map[string]any{"n": " 42.5 "})
	assert.NoError(t, err)
	assert.Equal(t, 42.5, doc["n"])
	doc, err = v.Validate(map[string]any{"n": json.Number("7")})
	assert.NoError(t, err)
	assert.Equal(t, float64(7), doc["n"])
	_, err = v.Validate(map[string]any{"n": "abc"})
	assert.Equal(t, []string{CodeInvalidType}, issueCodes(err))
}

func TestBooleanCoercion(t *testing.T) {
	v := compileTable(t, &internal.BooleanField{FieldBase: internal.FieldBase{Name: "active", Coerce: true}})
	cases := []struct {
		in   any
		want bool
	}{
		{"true", true},
		{"TRUE", true},
		{"1", true},
		{1, true},
		{2.5, true},
		{0, false},
		{"false", false},
		{"False", false},
		{"0", false},
		{"", false},
		{"yes", true},
		{true, true},
		{false, false},
		{map[string]any{}, true},
		{map[string]any{"a": 1}, true},
		{[]any{}, true},
		{[]any{0}, true},
	}
	for _, c := range cases {
		doc, err := v.Validate(map[string]any{"active": c.in})
		assert.NoError(t, err, "input %v", c.in)
		assert.Equal(t, c.want, doc["active"], "input %v", c.in)
	}

	strict := compileTable(t, &internal.BooleanField{FieldBase: base("active")})
	_, err := strict.Validate(map[string]any{"active": "true"})
	assert.Equal(t, []string{CodeInvalidType}, issueCodes(err))
}

func TestBooleanRefinements(t *testing.T) {
	v := compileTable(t, &internal.BooleanField{FieldBase: base("terms"), Validation: internal.BooleanValidation{IsTrue: true}})
	_, err := v.Validate(map[string]any{"terms": true})
	assert.NoError(t, err)
	_, err = v.Validate(map[string]any{"terms": false})
	assert.Equal(t, []string{CodeInvalidLiteral}, issueCodes(err))

	v = compileTable(t, &internal.BooleanField{FieldBase: base("off"), Validation: internal.BooleanValidation{Literal: boolPtr(false)}})
	_, err = v.Validate(map[string]any{"off": true})
	assert.Equal(t, []string{CodeInvalidLiteral}, issueCodes(err))
}

func TestEnumExhaustiveness(t *testing.T) {
	options := []internal.EnumOption{{Label: "Red", Value: "red"}, {Label: "Green", Value: "green"}, {Label: "Blue", Value: "blue"}}
	v := compileTable(t, &internal.EnumField{FieldBase: base("color"), Options: options})
	for _, o := range options {
		doc, err := v.Validate(map[string]any{"color": o.Value})
		assert.NoError(t, err)
		assert.Equal(t, o.Value, doc["color"])
	}
	for _, bad := range []string{"RED", "purple", ""} {
		_, err := v.Validate(map[string]any{"color": bad})
		assert.Equal(t, []string{CodeInvalidEnumValue}, issueCodes(err), "value %s", bad)
	}

	insensitive := compileTable(t, &internal.EnumField{FieldBase: base("color"), Options: options, CaseSensitive: boolPtr(false)})
	doc, err := insensitive.Validate(map[string]any{"color": "GrEeN"})
	assert.NoError(t, err)
	assert.Equal(t, "green", doc["color"])
}

func TestEnumRequiresOptions(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Register(internal.TableSchema{Name: "bad", Fields: internal.Fields{&internal.EnumField{FieldBase: base("e")}}})
	assert.Error(t, err)
	assert.True(t, internal.IsConfiguration(err))
}

func TestStringRules(t *testing.T) {
	v := compileTable(t,
		&internal.StringField{FieldBase: base("name"), Validation: internal.StringValidation{Trim: true, Min: intPtr(2), Max: intPtr(5)}},
		&internal.StringField{FieldBase: base("code"), Validation: internal.StringValidation{Length: intPtr(3), Pattern: "^[A-Z]+$"}},
		&internal.StringField{FieldBase: base("email"), Validation: internal.StringValidation{Format: internal.StringFormatEmail, Max: intPtr(1)}},
		&internal.StringField{FieldBase: base("site"), Validation: internal.StringValidation{Format: internal.StringFormatURL}},
		&internal.StringField{FieldBase: base("ref"), Validation: internal.StringValidation{Format: internal.StringFormatUUID}},
		&internal.StringField{FieldBase: base("phone"), Validation: internal.StringValidation{Format: internal.StringFormatPhone}},
		&internal.StringField{FieldBase: base("secret"), Validation: internal.StringValidation{Format: internal.StringFormatPassword}},
		&internal.StringField{FieldBase: base("note"), Validation: internal.StringValidation{NoEmpty: true, Trim: true}},
	)
	doc, err := v.Validate(map[string]any{
		"name":   "  bob  ",
		"code":   "ABC",
		"email":  "bob@example.com",
		"site":   "https://example.com/path",
		"ref":    "1c3a2b54-9b2c-4c8e-a0a4-9a7d1d5f4e21",
		"phone":  "+1 (555) 123-4567",
		"secret": "correcthorse",
		"note":   "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, "bob", doc["name"])
	assert.Equal(t, "bob@example.com", doc["email"])

	_, err = v.Validate(map[string]any{
		"name":   "a",
		"code":   "AB1",
		"email":  "nope",
		"site":   "example",
		"ref":    "not-a-uuid",
		"phone":  "abc",
		"secret": "short",
		"note":   "   ",
	})
	issues := internal.ValidationIssues(err)
	paths := map[string]string{}
	for _, issue := range issues {
		if _, found := paths[issue.Path]; !found {
			paths[issue.Path] = issue.Code
		}
	}
	assert.Equal(t, CodeTooSmall, paths["name"])
	assert.Equal(t, CodeInvalidString, paths["code"])
	assert.Equal(t, CodeInvalidString, paths["email"])
	assert.Equal(t, CodeInvalidString, paths["site"])
	assert.Equal(t, CodeInvalidString, paths["ref"])
	assert.Equal(t, CodeInvalidString, paths["phone"])
	assert.Equal(t, CodeTooSmall, paths["secret"])
	assert.Equal(t, CodeEmpty, paths["note"])
}

func TestStringCoerce(t *testing.T) {
	v := compileTable(t, &internal.StringField{FieldBase: internal.FieldBase{Name: "s", Coerce: true}})
	doc, err := v.Validate(map[string]any{"s": 12.5})
	assert.NoError(t, err)
	assert.Equal(t, "12.5", doc["s"])
	doc, err = v.Validate(map[string]any{"s": true})
	assert.NoError(t, err)
	assert.Equal(t, "true", doc["s"])
	_, err = v.Validate(map[string]any{"s": map[string]any{}})
	assert.Equal(t, []string{CodeInvalidType}, issueCodes(err))
}

func TestDateRules(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	r := New(Config{Logger: logger.NewTestLogger(), Now: func() time.Time { return now }})
	defer r.Close()
	require.NoError(t, r.Register(internal.TableSchema{Name: "events", Fields: internal.Fields{
		&internal.DateField{FieldBase: base("born"), Validation: internal.DateValidation{Past: true, Min: "1900-01-01"}},
		&internal.DateField{FieldBase: internal.FieldBase{Name: "due", Coerce: true}, Validation: internal.DateValidation{Future: true}},
	}}))
	v, err := r.Compile("events")
	require.NoError(t, err)

	doc, err := v.Validate(map[string]any{"born": "1990-02-03", "due": float64(now.Add(time.Hour).UnixMilli())})
	require.NoError(t, err)
	assert.Equal(t, "1990-02-03T00:00:00Z", doc["born"])
	assert.Equal(t, "2024-06-01T13:00:00Z", doc["due"])

	_, err = v.Validate(map[string]any{"born": "2030-01-01T00:00:00Z"})
	assert.Equal(t, []string{CodeTooBig}, issueCodes(err))
	_, err = v.Validate(map[string]any{"born": "1800-01-01"})
	assert.Equal(t, []string{CodeTooSmall}, issueCodes(err))
	_, err = v.Validate(map[string]any{"born": "yesterday"})
	assert.Equal(t, []string{CodeInvalidDate}, issueCodes(err))
	_, err = v.Validate(map[string]any{"born": float64(0)})
	assert.Equal(t, []string{CodeInvalidType}, issueCodes(err))
	_, err = v.Validate(map[string]any{"due": "2020-01-01"})
	assert.Equal(t, []string{CodeTooSmall}, issueCodes(err))
}

func TestReferenceRule(t *testing.T) {
	v := compileTable(t,
		&internal.ReferenceField{FieldBase: internal.FieldBase{Name: "owner", Required: true}, Table: "users"},
		&internal.ReferenceField{FieldBase: base("team"), Table: "teams"},
	)
	doc, err := v.Validate(map[string]any{"owner": "u1", "team": ""})
	assert.NoError(t, err)
	assert.Equal(t, "u1", doc["owner"])
	_, err = v.Validate(map[string]any{"owner": " "})
	assert.Equal(t, []string{CodeRequired}, issueCodes(err))
	_, err = v.Validate(map[string]any{"owner": 12})
	assert.Equal(t, []string{CodeInvalidType}, issueCodes(err))
}

func TestArrayRules(t *testing.T) {
	v := compileTable(t,
		&internal.ArrayField{
			FieldBase:  base("tags"),
			Items:      &internal.StringField{FieldBase: base("tag"), Validation: internal.StringValidation{Min: intPtr(1)}},
			Validation: internal.ArrayValidation{Min: intPtr(1), Max: intPtr(3), Unique: true},
		},
		&internal.ArrayField{
			FieldBase:  base("points"),
			Items:      &internal.ObjectField{FieldBase: base("point"), Fields: internal.Fields{&internal.NumberField{FieldBase: base("x")}}},
			Validation: internal.ArrayValidation{Unique: true},
		},
	)
	doc, err := v.Validate(map[string]any{"tags": []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, doc["tags"])

	_, err = v.Validate(map[string]any{"tags": []any{}})
	assert.Equal(t, []string{CodeTooSmall}, issueCodes(err))
	_, err = v.Validate(map[string]any{"tags": []any{"a", "b", "c", "d"}})
	assert.Equal(t, []string{CodeTooBig}, issueCodes(err))
	_, err = v.Validate(map[string]any{"tags": []any{"a", ""}})
	issues := internal.ValidationIssues(err)
	require.Len(t, issues, 1)
	assert.Equal(t, "tags[1]", issues[0].Path)
	_, err = v.Validate(map[string]any{"tags": []any{"a", "a"}})
	assert.Equal(t, []string{CodeNotUnique}, issueCodes(err))
	_, err = v.Validate(map[string]any{"tags": "a"})
	assert.Equal(t, []string{CodeInvalidType}, issueCodes(err))

	// structural equality for objects
	_, err = v.Validate(map[string]any{"points": []any{map[string]any{"x": 1}, map[string]any{"x": 1.0}}})
	assert.Equal(t, []string{CodeNotUnique}, issueCodes(err))
	_, err = v.Validate(map[string]any{"points": []any{map[string]any{"x": 1}, map[string]any{"x": 2}}})
	assert.NoError(t, err)
}

func nestedFields(strict, passthrough bool) internal.Fields {
	return internal.Fields{
		&internal.ObjectField{
			FieldBase: base("address"),
			Fields: internal.Fields{
				&internal.StringField{FieldBase: internal.FieldBase{Name: "city", Required: true}},
				&internal.ObjectField{
					FieldBase:  base("geo"),
					Fields:     internal.Fields{&internal.NumberField{FieldBase: base("lat")}},
					Validation: internal.ObjectValidation{Strict: strict, Passthrough: passthrough},
				},
			},
			Validation: internal.ObjectValidation{Strict: strict, Passthrough: passthrough},
		},
	}
}

func TestNestedStrictness(t *testing.T) {
	input := map[string]any{
		"address": map[string]any{
			"city":  "Austin",
			"extra": 1,
			"geo":   map[string]any{"lat": 30.2, "alt": 100},
		},
	}

	strict := compileTable(t, nestedFields(true, false)...)
	_, err := strict.Validate(input)
	issues := internal.ValidationIssues(err)
	require.Len(t, issues, 2)
	var paths []string
	for _, issue := range issues {
		assert.Equal(t, CodeUnrecognizedKeys, issue.Code)
		paths = append(paths, issue.Path)
	}
	assert.ElementsMatch(t, []string{"address.extra", "address.geo.alt"}, paths)

	strip := compileTable(t, nestedFields(false, false)...)
	doc, err := strip.Validate(input)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"city": "Austin", "geo": map[string]any{"lat": 30.2}}, doc["address"])

	passthrough := compileTable(t, nestedFields(false, true)...)
	doc, err = passthrough.Validate(input)
	require.NoError(t, err)
	assert.Equal(t, input["address"], doc["address"])

	_, err = strip.Validate(map[string]any{"address": map[string]any{"geo": map[string]any{}}})
	issues = internal.ValidationIssues(err)
	require.Len(t, issues, 1)
	assert.Equal(t, "address.city", issues[0].Path)
	assert.Equal(t, CodeRequired, issues[0].Code)
}

func TestTableStrictAndSystemFields(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(internal.TableSchema{
		Name:       "people",
		Fields:     internal.Fields{&internal.StringField{FieldBase: base("name")}},
		Validation: internal.TableValidation{Strict: true},
	}))
	v, err := r.Compile("people")
	require.NoError(t, err)
	assert.True(t, v.Strict())
	doc, err := v.Validate(map[string]any{"_id": "1", "name": "x"})
	require.NoError(t, err)
	assert.Equal(t, "1", doc.ID())
	_, err = v.Validate(map[string]any{"name": "x", "age": 1})
	assert.Equal(t, []string{CodeUnrecognizedKeys}, issueCodes(err))
}

func TestPresenceOrder(t *testing.T) {
	v := compileTable(t,
		&internal.StringField{FieldBase: internal.FieldBase{Name: "status", Required: true, Default: "new"}},
		&internal.StringField{FieldBase: internal.FieldBase{Name: "nickname", Nullable: true}},
		&internal.StringField{FieldBase: base("optional")},
		&internal.NumberField{FieldBase: internal.FieldBase{Name: "count", Required: true}},
	)
	doc, err := v.Validate(map[string]any{"count": 1, "nickname": nil, "optional": nil})
	require.NoError(t, err)
	assert.Equal(t, "new", doc["status"])
	v1, found := doc["nickname"]
	assert.True(t, found)
	assert.Nil(t, v1)
	_, found = doc["optional"]
	assert.False(t, found)

	_, err = v.Validate(map[string]any{"count": nil})
	assert.Equal(t, []string{CodeRequired}, issueCodes(err))
}

func TestInvalidDefaultIsConfigurationError(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Register(internal.TableSchema{Name: "bad", Fields: internal.Fields{
		&internal.NumberField{FieldBase: internal.FieldBase{Name: "n", Default: "abc"}},
	}})
	assert.True(t, internal.IsConfiguration(err))
}

func TestDepthLimit(t *testing.T) {
	var f internal.Field = &internal.StringField{FieldBase: base("leaf")}
	for i := 0; i < MaxDepth+2; i++ {
		f = &internal.ObjectField{FieldBase: base("n"), Fields: internal.Fields{f}}
	}
	r := newTestRegistry(t)
	err := r.Register(internal.TableSchema{Name: "deep", Fields: internal.Fields{f}})
	assert.Error(t, err)
	assert.True(t, internal.IsConfiguration(err))
	assert.Contains(t, err.Error(), "maximum depth")
}

func TestValidatePartial(t *testing.T) {
	v := compileTable(t,
		&internal.StringField{FieldBase: internal.FieldBase{Name: "name", Required: true}},
		&internal.NumberField{FieldBase: internal.FieldBase{Name: "age", Default: 1}},
		&internal.StringField{FieldBase: base("bio")},
	)
	doc, err := v.ValidatePartial(map[string]any{"bio": "hello"})
	require.NoError(t, err)
	assert.Equal(t, internal.Document{"bio": "hello"}, doc)

	doc, err = v.ValidatePartial(map[string]any{"bio": nil})
	require.NoError(t, err)
	val, found := doc["bio"]
	assert.True(t, found)
	assert.Nil(t, val)

	_, err = v.ValidatePartial(map[string]any{"name": nil})
	assert.Equal(t, []string{CodeRequired}, issueCodes(err))

	_, err = v.ValidatePartial(map[string]any{"age": "x"})
	assert.Equal(t, []string{CodeInvalidType}, issueCodes(err))
}

func TestValidateFieldAndLookups(t *testing.T) {
	v := compileTable(t,
		&internal.NumberField{FieldBase: base("age")},
		&internal.ObjectField{FieldBase: base("address"), Fields: internal.Fields{&internal.StringField{FieldBase: base("city")}}},
		&internal.ArrayField{FieldBase: base("items"), Items: &internal.ObjectField{FieldBase: base("item"), Fields: internal.Fields{&internal.DateField{FieldBase: base("at")}}}},
	)
	val, err := v.ValidateField("age", 3)
	assert.NoError(t, err)
	assert.Equal(t, float64(3), val)
	_, err = v.ValidateField("age", "x")
	assert.True(t, internal.IsValidation(err))
	_, err = v.ValidateField("missing", 1)
	assert.True(t, internal.IsNotFound(err))

	f, ok := v.Field("age")
	assert.True(t, ok)
	assert.Equal(t, internal.FieldTypeNumber, f.Type())
	assert.Len(t, v.Fields(), 3)

	ft, ok := v.FieldType("address.city")
	assert.True(t, ok)
	assert.Equal(t, internal.FieldTypeString, ft)
	ft, ok = v.FieldType("items.0.at")
	assert.True(t, ok)
	assert.Equal(t, internal.FieldTypeDate, ft)
	ft, ok = v.FieldType("items.at")
	assert.True(t, ok)
	assert.Equal(t, internal.FieldTypeDate, ft)
	_, ok = v.FieldType("address.zip")
	assert.False(t, ok)
}

func TestExtractDefaults(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(internal.TableSchema{Name: "d", Fields: internal.Fields{
		&internal.StringField{FieldBase: base("s")},
		&internal.NumberField{FieldBase: internal.FieldBase{Name: "n", Default: 5.0}},
		&internal.BooleanField{FieldBase: base("b")},
		&internal.DateField{FieldBase: base("d")},
		&internal.EnumField{FieldBase: base("e"), Options: []internal.EnumOption{{Label: "A", Value: "a"}, {Label: "B", Value: "b"}}},
		&internal.ReferenceField{FieldBase: base("r"), Table: "other"},
		&internal.ArrayField{FieldBase: base("arr"), Items: &internal.StringField{FieldBase: base("i")}},
		&internal.ObjectField{FieldBase: base("o"), Fields: internal.Fields{&internal.NumberField{FieldBase: base("x")}}},
	}}))
	defaults, err := r.ExtractDefaults("d")
	require.NoError(t, err)
	assert.Equal(t, internal.Document{
		"s":   "",
		"n":   5.0,
		"b":   false,
		"d":   nil,
		"e":   "a",
		"r":   "",
		"arr": []any{},
		"o":   map[string]any{"x": float64(0)},
	}, defaults)
	_, err = r.ExtractDefaults("missing")
	assert.True(t, internal.IsNotFound(err))
}

func TestCheckDoesNotRegister(t *testing.T) {
	r := newTestRegistry(t)
	good := internal.TableSchema{Name: "people", Fields: internal.Fields{&internal.NumberField{FieldBase: internal.FieldBase{Name: "age", Default: 3.0}}}}
	require.NoError(t, r.Check(good))
	_, err := r.GetTable("people")
	assert.True(t, internal.IsNotFound(err))

	badDefault := internal.TableSchema{Name: "people", Fields: internal.Fields{&internal.NumberField{FieldBase: internal.FieldBase{Name: "age", Default: "abc"}}}}
	assert.True(t, internal.IsConfiguration(r.Check(badDefault)))
	badDate := internal.TableSchema{Name: "people", Fields: internal.Fields{&internal.DateField{FieldBase: base("born"), Validation: internal.DateValidation{Past: true, Future: true}}}}
	assert.True(t, internal.IsConfiguration(r.Check(badDate)))
	assert.Empty(t, r.Tables())
}

func TestRegisterInvalidatesCache(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(internal.TableSchema{Name: "t", Fields: internal.Fields{&internal.StringField{FieldBase: base("a")}}}))
	v1, err := r.Compile("t")
	require.NoError(t, err)
	v2, err := r.Compile("t")
	require.NoError(t, err)
	assert.Same(t, v1, v2)

	require.NoError(t, r.Register(internal.TableSchema{Name: "t", Fields: internal.Fields{&internal.NumberField{FieldBase: base("a")}}}))
	v3, err := r.Compile("t")
	require.NoError(t, err)
	assert.NotSame(t, v1, v3)
	ft, _ := v3.FieldType("a")
	assert.Equal(t, internal.FieldTypeNumber, ft)

	assert.True(t, r.Unregister("t"))
	assert.False(t, r.Unregister("t"))
	_, err = r.Compile("t")
	assert.True(t, internal.IsNotFound(err))
}

func TestConcurrentCompile(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(internal.TableSchema{Name: "t", Fields: internal.Fields{&internal.StringField{FieldBase: base("a")}}}))
	var wg sync.WaitGroup
	results := make([]*Validator, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := r.Compile("t")
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()
	for _, v := range results {
		assert.NotNil(t, v)
		assert.Equal(t, "t", v.Table())
	}
}

func TestTablesOrderAndCopies(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(internal.TableSchema{Name: "b", Fields: internal.Fields{&internal.StringField{FieldBase: base("a")}}}))
	require.NoError(t, r.Register(internal.TableSchema{Name: "a", Fields: internal.Fields{&internal.StringField{FieldBase: base("a")}}}))
	tables := r.Tables()
	require.Len(t, tables, 2)
	assert.Equal(t, "b", tables[0].Name)
	assert.Equal(t, "a", tables[1].Name)
	tables[0].Name = "changed"
	table, err := r.GetTable("b")
	require.NoError(t, err)
	assert.Equal(t, "b", table.Name)
	_, err = r.GetTable("zzz")
	assert.True(t, internal.IsNotFound(err))
}

func TestExportJSONSchema(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(internal.TableSchema{
		Name:       "people",
		Label:      "People",
		Timestamps: true,
		Validation: internal.TableValidation{Strict: true},
		Fields: internal.Fields{
			&internal.StringField{FieldBase: internal.FieldBase{Name: "email", Required: true}, Validation: internal.StringValidation{Format: internal.StringFormatEmail}},
			&internal.NumberField{FieldBase: base("age"), Validation: internal.NumberValidation{Min: floatPtr(0), Integer: true}},
			&internal.EnumField{FieldBase: base("role"), Options: []internal.EnumOption{{Label: "Admin", Value: "admin"}, {Label: "User", Value: "user"}}},
			&internal.ReferenceField{FieldBase: internal.FieldBase{Name: "team", Hidden: true, Readonly: true}, Table: "teams"},
			&internal.ArrayField{FieldBase: base("tags"), Items: &internal.StringField{FieldBase: base("tag")}, Validation: internal.ArrayValidation{Unique: true}},
		},
	}))
	schema, err := r.ExportJSONSchema("people")
	require.NoError(t, err)
	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, "People", schema["title"])
	assert.Equal(t, false, schema["additionalProperties"])
	assert.Equal(t, []any{"email"}, schema["required"])
	props := schema["properties"].(map[string]any)
	assert.Equal(t, "email", props["email"].(map[string]any)["format"])
	assert.Equal(t, "integer", props["age"].(map[string]any)["type"])
	assert.Equal(t, []any{"admin", "user"}, props["role"].(map[string]any)["enum"])
	team := props["team"].(map[string]any)
	assert.Equal(t, true, team["x-hidden"])
	assert.Equal(t, true, team["readOnly"])
	assert.Equal(t, "teams", team["x-reference"].(map[string]any)["table"])
	assert.Equal(t, true, props["tags"].(map[string]any)["uniqueItems"])
	assert.Contains(t, props, internal.FieldCreatedAt)

	compiled, err := r.CompileJSONSchema("people")
	require.NoError(t, err)
	var good any
	require.NoError(t, json.Unmarshal([]byte(`{"email":"a@b.co","age":3,"role":"admin","tags":["x"]}`), &good))
	assert.NoError(t, compiled.Validate(good))
	var bad any
	require.NoError(t, json.Unmarshal([]byte(`{"age":-1,"role":"root","extra":true}`), &bad))
	err = compiled.Validate(bad)
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "jsonschema"))
}

func TestValidateIsIdempotent(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	r := New(Config{Logger: logger.NewTestLogger(), Now: func() time.Time { return now }})
	defer r.Close()
	table := internal.TableSchema{Name: "everything", Fields: internal.Fields{
		&internal.StringField{FieldBase: base("name"), Validation: internal.StringValidation{Trim: true}},
		&internal.NumberField{FieldBase: internal.FieldBase{Name: "age", Coerce: true}},
		&internal.BooleanField{FieldBase: internal.FieldBase{Name: "active", Coerce: true}},
		&internal.DateField{FieldBase: internal.FieldBase{Name: "born", Coerce: true}, Validation: internal.DateValidation{Past: true}},
		&internal.EnumField{FieldBase: base("role"), Options: []internal.EnumOption{{Value: "admin"}, {Value: "user"}}, CaseSensitive: boolPtr(false)},
		&internal.ReferenceField{FieldBase: base("team"), Table: "teams"},
		&internal.ArrayField{FieldBase: base("tags"), Items: &internal.StringField{FieldBase: base("tag")}},
		&internal.ObjectField{FieldBase: base("address"), Fields: internal.Fields{
			&internal.StringField{FieldBase: base("city")},
			&internal.NumberField{FieldBase: internal.FieldBase{Name: "zip", Default: 0.0}},
		}},
	}}
	require.NoError(t, r.Register(table))
	v, err := r.Compile("everything")
	require.NoError(t, err)

	first, err := v.Validate(map[string]any{
		"name":    "  Alice ",
		"age":     "42",
		"active":  "yes",
		"born":    "1990-05-01",
		"role":    "ADMIN",
		"team":    "t1",
		"tags":    []any{"a", "b"},
		"address": map[string]any{"city": "Austin"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Alice", first["name"])
	assert.Equal(t, 42.0, first["age"])
	assert.Equal(t, true, first["active"])
	assert.Equal(t, "admin", first["role"])
	assert.Equal(t, 0.0, first["address"].(map[string]any)["zip"])

	// the output of a validation is valid and validates to itself
	var roundTrip map[string]any
	require.NoError(t, json.Unmarshal([]byte(mustJSON(t, first)), &roundTrip))
	second, err := v.Validate(roundTrip)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func mustJSON(t *testing.T, v any) string {
	buf, err := json.Marshal(v)
	require.NoError(t, err)
	return string(buf)
}
