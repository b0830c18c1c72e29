package internal

import (
	"fmt"
	"regexp"
	"strings"
)

// FieldType is the discriminator of a field declaration.
type FieldType string

const (
	FieldTypeString    FieldType = "string"
	FieldTypeNumber    FieldType = "number"
	FieldTypeBoolean   FieldType = "boolean"
	FieldTypeDate      FieldType = "date"
	FieldTypeEnum      FieldType = "enum"
	FieldTypeReference FieldType = "reference"
	FieldTypeArray     FieldType = "array"
	FieldTypeObject    FieldType = "object"
)

// MaxFieldDepth is the deepest nesting of array items and object fields a schema may declare.
const MaxFieldDepth = 32

// FieldBase is the part of a field declaration shared by every field type.
type FieldBase struct {
	Name        string `json:"name"`
	Label       string `json:"label,omitempty"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
	Unique      bool   `json:"unique,omitempty"`
	Indexed     bool   `json:"indexed,omitempty"`
	Hidden      bool   `json:"hidden,omitempty"`
	Readonly    bool   `json:"readonly,omitempty"`
	Nullable    bool   `json:"nullable,omitempty"`
	Coerce      bool   `json:"coerce,omitempty"`
	Default     any    `json:"default,omitempty"`
}

// HasDefault returns true if the field declares a default value.
func (b *FieldBase) HasDefault() bool {
	return b.Default != nil
}

// Field is a single typed field declaration. The set of implementations is closed:
// StringField, NumberField, BooleanField, DateField, EnumField, ReferenceField,
// ArrayField and ObjectField.
type Field interface {
	// Base returns the shared part of the declaration.
	Base() *FieldBase
	// Type returns the discriminator of the declaration.
	Type() FieldType

	field()
}

type StringFormat string

const (
	StringFormatEmail    StringFormat = "email"
	StringFormatURL      StringFormat = "url"
	StringFormatUUID     StringFormat = "uuid"
	StringFormatPhone    StringFormat = "phone"
	StringFormatPassword StringFormat = "password"
)

type StringValidation struct {
	Min     *int         `json:"min,omitempty"`
	Max     *int         `json:"max,omitempty"`
	Length  *int         `json:"length,omitempty"`
	Pattern string       `json:"pattern,omitempty"`
	Format  StringFormat `json:"format,omitempty"`
	Trim    bool         `json:"trim,omitempty"`
	NoEmpty bool         `json:"noEmpty,omitempty"`
}

type StringField struct {
	FieldBase
	Validation StringValidation `json:"validation"`
}

type NumberValidation struct {
	Min         *float64 `json:"min,omitempty"`
	Max         *float64 `json:"max,omitempty"`
	Integer     bool     `json:"integer,omitempty"`
	Positive    bool     `json:"positive,omitempty"`
	Nonnegative bool     `json:"nonnegative,omitempty"`
	MultipleOf  *float64 `json:"multipleOf,omitempty"`
}

type NumberField struct {
	FieldBase
	Validation NumberValidation `json:"validation"`
}

type BooleanValidation struct {
	IsTrue  bool  `json:"isTrue,omitempty"`
	IsFalse bool  `json:"isFalse,omitempty"`
	Literal *bool `json:"literal,omitempty"`
}

type BooleanField struct {
	FieldBase
	Validation BooleanValidation `json:"validation"`
}

// DateValidation bounds are ISO-8601 strings (date or date-time).
type DateValidation struct {
	Min    string `json:"min,omitempty"`
	Max    string `json:"max,omitempty"`
	Past   bool   `json:"past,omitempty"`
	Future bool   `json:"future,omitempty"`
}

type DateField struct {
	FieldBase
	Validation DateValidation `json:"validation"`
}

type EnumOption struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

type EnumField struct {
	FieldBase
	Options       []EnumOption `json:"options"`
	CaseSensitive *bool        `json:"caseSensitive,omitempty"`
}

// IsCaseSensitive returns the effective case sensitivity, which defaults to true.
func (f *EnumField) IsCaseSensitive() bool {
	return f.CaseSensitive == nil || *f.CaseSensitive
}

// Values returns the option values in declaration order.
func (f *EnumField) Values() []string {
	values := make([]string, 0, len(f.Options))
	for _, o := range f.Options {
		values = append(values, o.Value)
	}
	return values
}

type ReferenceField struct {
	FieldBase
	Table         string   `json:"table"`
	Column        string   `json:"column,omitempty"`
	Selects       []string `json:"selects,omitempty"`
	CascadeDelete bool     `json:"cascadeDelete,omitempty"`
}

type ArrayValidation struct {
	Min     *int `json:"min,omitempty"`
	Max     *int `json:"max,omitempty"`
	Length  *int `json:"length,omitempty"`
	Unique  bool `json:"unique,omitempty"`
	NoEmpty bool `json:"noEmpty,omitempty"`
}

type ArrayField struct {
	FieldBase
	Items      Field           `json:"items"`
	Validation ArrayValidation `json:"validation"`
}

type ObjectValidation struct {
	Strict      bool `json:"strict,omitempty"`
	Passthrough bool `json:"passthrough,omitempty"`
}

type ObjectField struct {
	FieldBase
	Fields     Fields           `json:"fields"`
	Validation ObjectValidation `json:"validation"`
}

func (f *StringField) Base() *FieldBase    { return &f.FieldBase }
func (f *NumberField) Base() *FieldBase    { return &f.FieldBase }
func (f *BooleanField) Base() *FieldBase   { return &f.FieldBase }
func (f *DateField) Base() *FieldBase      { return &f.FieldBase }
func (f *EnumField) Base() *FieldBase      { return &f.FieldBase }
func (f *ReferenceField) Base() *FieldBase { return &f.FieldBase }
func (f *ArrayField) Base() *FieldBase     { return &f.FieldBase }
func (f *ObjectField) Base() *FieldBase    { return &f.FieldBase }

func (f *StringField) Type() FieldType    { return FieldTypeString }
func (f *NumberField) Type() FieldType    { return FieldTypeNumber }
func (f *BooleanField) Type() FieldType   { return FieldTypeBoolean }
func (f *DateField) Type() FieldType      { return FieldTypeDate }
func (f *EnumField) Type() FieldType      { return FieldTypeEnum }
func (f *ReferenceField) Type() FieldType { return FieldTypeReference }
func (f *ArrayField) Type() FieldType     { return FieldTypeArray }
func (f *ObjectField) Type() FieldType    { return FieldTypeObject }

func (*StringField) field()    {}
func (*NumberField) field()    {}
func (*BooleanField) field()   {}
func (*DateField) field()      {}
func (*EnumField) field()      {}
func (*ReferenceField) field() {}
func (*ArrayField) field()     {}
func (*ObjectField) field()    {}

// Fields is an ordered list of field declarations.
type Fields []Field

// Find returns the field with the given name or nil if not found.
func (fs Fields) Find(name string) Field {
	for _, f := range fs {
		if f.Base().Name == name {
			return f
		}
	}
	return nil
}

// Names returns the field names in declaration order.
func (fs Fields) Names() []string {
	names := make([]string, 0, len(fs))
	for _, f := range fs {
		names = append(names, f.Base().Name)
	}
	return names
}

type TableValidation struct {
	Strict bool `json:"strict,omitempty"`
}

// TableSchema is the declaration of a table.
type TableSchema struct {
	Name        string          `json:"name"`
	Label       string          `json:"label,omitempty"`
	Description string          `json:"description,omitempty"`
	Fields      Fields          `json:"fields"`
	Indexes     []string        `json:"indexes,omitempty"`
	Timestamps  bool            `json:"timestamps,omitempty"`
	SoftDelete  bool            `json:"softDelete,omitempty"`
	Validation  TableValidation `json:"validation"`
}

func (t *TableSchema) String() string {
	return fmt.Sprintf("TableSchema[name=%s,fields=%v]", t.Name, t.Fields.Names())
}

// Field returns the top-level field with the given name or nil if not found.
func (t *TableSchema) Field(name string) Field {
	return t.Fields.Find(name)
}

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_\-]*$`)

// Validate checks the structure of the declaration and returns a *ConfigurationError if it is malformed.
func (t *TableSchema) Validate() error {
	if t.Name == "" {
		return &ConfigurationError{Message: "table name is required"}
	}
	if !tableNamePattern.MatchString(t.Name) {
		return &ConfigurationError{Table: t.Name, Message: "table name contains invalid characters"}
	}
	if len(t.Fields) == 0 {
		return &ConfigurationError{Table: t.Name, Message: "table must declare at least one field"}
	}
	if err := validateFields(t.Name, "", t.Fields, 0, true); err != nil {
		return err
	}
	for _, index := range t.Indexes {
		if t.Field(index) == nil {
			return &ConfigurationError{Table: t.Name, Field: index, Message: "index references an unknown field"}
		}
	}
	return nil
}

func validateFields(table string, prefix string, fields Fields, depth int, topLevel bool) error {
	seen := make(map[string]bool)
	for _, f := range fields {
		if f == nil {
			return &ConfigurationError{Table: table, Field: prefix, Message: "field declaration is missing a type"}
		}
		name := f.Base().Name
		path := joinPath(prefix, name)
		if name == "" {
			return &ConfigurationError{Table: table, Field: prefix, Message: "field name is required"}
		}
		if seen[name] {
			return &ConfigurationError{Table: table, Field: path, Message: "duplicate field name"}
		}
		if topLevel && IsSystemField(name) {
			return &ConfigurationError{Table: table, Field: path, Message: "field name is reserved"}
		}
		seen[name] = true
		if err := validateField(table, path, f, depth); err != nil {
			return err
		}
	}
	return nil
}

func validateField(table string, path string, f Field, depth int) error {
	if depth > MaxFieldDepth {
		return &ConfigurationError{Table: table, Field: path, Message: fmt.Sprintf("field nesting exceeds the maximum depth of %d", MaxFieldDepth)}
	}
	switch v := f.(type) {
	case *StringField:
		if v.Validation.Pattern != "" {
			if _, err := regexp.Compile(v.Validation.Pattern); err != nil {
				return &ConfigurationError{Table: table, Field: path, Message: fmt.Sprintf("invalid pattern: %s", err)}
			}
		}
		switch v.Validation.Format {
		case "", StringFormatEmail, StringFormatURL, StringFormatUUID, StringFormatPhone, StringFormatPassword:
		default:
			return &ConfigurationError{Table: table, Field: path, Message: fmt.Sprintf("unknown string format: %s", v.Validation.Format)}
		}
	case *NumberField:
		if m := v.Validation.MultipleOf; m != nil && *m <= 0 {
			return &ConfigurationError{Table: table, Field: path, Message: "multipleOf must be greater than zero"}
		}
	case *BooleanField:
		if v.Validation.IsTrue && v.Validation.IsFalse {
			return &ConfigurationError{Table: table, Field: path, Message: "isTrue and isFalse are mutually exclusive"}
		}
	case *DateField:
		for _, bound := range []string{v.Validation.Min, v.Validation.Max} {
			if bound == "" {
				continue
			}
			if _, err := ParseDate(bound); err != nil {
				return &ConfigurationError{Table: table, Field: path, Message: fmt.Sprintf("invalid date bound: %s", bound)}
			}
		}
	case *EnumField:
		if len(v.Options) == 0 {
			return &ConfigurationError{Table: table, Field: path, Message: "enum must declare at least one option"}
		}
		values := make(map[string]bool)
		for _, o := range v.Options {
			key := o.Value
			if !v.IsCaseSensitive() {
				key = strings.ToLower(key)
			}
			if values[key] {
				return &ConfigurationError{Table: table, Field: path, Message: fmt.Sprintf("duplicate enum value: %s", o.Value)}
			}
			values[key] = true
		}
	case *ReferenceField:
		if v.Table == "" {
			return &ConfigurationError{Table: table, Field: path, Message: "reference must name a table"}
		}
	case *ArrayField:
		if v.Items == nil {
			return &ConfigurationError{Table: table, Field: path, Message: "array must declare items"}
		}
		return validateField(table, path+"[]", v.Items, depth+1)
	case *ObjectField:
		if len(v.Fields) == 0 {
			return &ConfigurationError{Table: table, Field: path, Message: "object must declare at least one field"}
		}
		if v.Validation.Strict && v.Validation.Passthrough {
			return &ConfigurationError{Table: table, Field: path, Message: "strict and passthrough are mutually exclusive"}
		}
		return validateFields(table, path, v.Fields, depth+1, false)
	default:
		return &ConfigurationError{Table: table, Field: path, Message: fmt.Sprintf("unsupported field type: %T", f)}
	}
	return nil
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// DatabaseSchema is the declaration of a database and all of its tables.
type DatabaseSchema struct {
	Name    string        `json:"name"`
	Version string        `json:"version"`
	Tables  []TableSchema `json:"tables"`
}

// Validate checks every table and that table names are unique.
func (d *DatabaseSchema) Validate() error {
	if d.Name == "" {
		return &ConfigurationError{Message: "database name is required"}
	}
	if len(d.Tables) == 0 {
		return &ConfigurationError{Message: "database must declare at least one table"}
	}
	seen := make(map[string]bool)
	for i := range d.Tables {
		table := &d.Tables[i]
		if err := table.Validate(); err != nil {
			return err
		}
		if seen[table.Name] {
			return &ConfigurationError{Table: table.Name, Message: "duplicate table name"}
		}
		seen[table.Name] = true
	}
	return nil
}

// SchemaRegistry is the interface for a registry of table declarations.
type SchemaRegistry interface {

	// Register stores the table declaration, replacing any previous declaration with the same name.
	Register(table TableSchema) error

	// GetTable returns the table declaration for a name.
	GetTable(name string) (*TableSchema, error)

	// Tables returns every registered table declaration.
	Tables() []*TableSchema
}
