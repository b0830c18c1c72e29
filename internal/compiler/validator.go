package compiler

import (
	"time"

	"github.com/shopmonkeyus/schemastore/internal"
)

// Validator is the compiled form of a table declaration. It is immutable and safe for concurrent use.
type Validator struct {
	table  *internal.TableSchema
	object *objectRule
	now    func() time.Time
}

func newValidator(table *internal.TableSchema, now func() time.Time) (*Validator, error) {
	obj, err := newObjectRule(table.Name, "", table.Fields, 0, table.Validation.Strict, false)
	if err != nil {
		return nil, err
	}
	obj.system = true
	if now == nil {
		now = time.Now
	}
	return &Validator{table: table, object: obj, now: now}, nil
}

// Table returns the name of the table the validator was compiled from.
func (v *Validator) Table() string {
	return v.table.Name
}

// Strict returns true if unknown top-level keys are rejected.
func (v *Validator) Strict() bool {
	return v.object.strict
}

func (v *Validator) result(doc map[string]any, iss *issues) (internal.Document, error) {
	if !iss.empty() {
		internal.ValidationFailures.Inc()
		return nil, &internal.ValidationError{Table: v.table.Name, Issues: iss.list}
	}
	return internal.Document(doc), nil
}

// Validate checks a full document, applying coercion and defaults. The returned document holds the
// cleaned values; system fields are passed through untouched.
func (v *Validator) Validate(doc map[string]any) (internal.Document, error) {
	if doc == nil {
		doc = map[string]any{}
	}
	var iss issues
	res := v.object.validate("", doc, &iss, v.now(), false)
	return v.result(res, &iss)
}

// ValidatePartial checks only the keys present in the patch. Defaults and required checks are not applied
// to absent keys. A nil value in the result means the key should be unset.
func (v *Validator) ValidatePartial(patch map[string]any) (internal.Document, error) {
	if patch == nil {
		patch = map[string]any{}
	}
	var iss issues
	res := v.object.validate("", patch, &iss, v.now(), true)
	return v.result(res, &iss)
}

// ValidateField checks a single top-level field value.
func (v *Validator) ValidateField(name string, value any) (any, error) {
	c := v.object.field(name)
	if c == nil {
		return nil, internal.NewFieldNotFound(name)
	}
	var iss issues
	res, _ := c.apply(name, value, true, &iss, v.now())
	if !iss.empty() {
		internal.ValidationFailures.Inc()
		return nil, &internal.ValidationError{Table: v.table.Name, Issues: iss.list}
	}
	return res, nil
}

// Field returns the top-level field declaration.
func (v *Validator) Field(name string) (internal.Field, bool) {
	c := v.object.field(name)
	if c == nil {
		return nil, false
	}
	return c.field, true
}

// Fields returns the top-level field declarations in declaration order.
func (v *Validator) Fields() []internal.Field {
	res := make([]internal.Field, 0, len(v.object.fields))
	for _, c := range v.object.fields {
		res = append(res, c.field)
	}
	return res
}

// FieldType returns the type of a field. Dotted paths resolve into object fields and array items.
func (v *Validator) FieldType(name string) (internal.FieldType, bool) {
	f := Resolve(v.table.Fields, name)
	if f == nil {
		return "", false
	}
	return f.Type(), true
}

// ResolveField returns the declaration for a possibly dotted path.
func (v *Validator) ResolveField(name string) internal.Field {
	return Resolve(v.table.Fields, name)
}
