package internal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// DecodeField decodes a single field declaration, using the "type" property to pick the variant.
func DecodeField(data []byte) (Field, error) {
	var head struct {
		Type FieldType `json:"type"`
		Name string    `json:"name"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("error decoding field: %w", err)
	}
	var f Field
	switch head.Type {
	case FieldTypeString:
		f = &StringField{}
	case FieldTypeNumber:
		f = &NumberField{}
	case FieldTypeBoolean:
		f = &BooleanField{}
	case FieldTypeDate:
		f = &DateField{}
	case FieldTypeEnum:
		f = &EnumField{}
	case FieldTypeReference:
		f = &ReferenceField{}
	case FieldTypeArray:
		f = &ArrayField{}
	case FieldTypeObject:
		f = &ObjectField{}
	case "":
		return nil, &ConfigurationError{Field: head.Name, Message: "field declaration is missing a type"}
	default:
		return nil, &ConfigurationError{Field: head.Name, Message: fmt.Sprintf("unsupported field type: %s", head.Type)}
	}
	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("error decoding %s field %s: %w", head.Type, head.Name, err)
	}
	return f, nil
}

// UnmarshalJSON decodes a list of field declarations.
func (fs *Fields) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("error decoding fields: %w", err)
	}
	res := make(Fields, 0, len(raw))
	for _, buf := range raw {
		f, err := DecodeField(buf)
		if err != nil {
			return err
		}
		res = append(res, f)
	}
	*fs = res
	return nil
}

func (f *ArrayField) UnmarshalJSON(data []byte) error {
	type alias ArrayField
	aux := struct {
		Items json.RawMessage `json:"items"`
		*alias
	}{alias: (*alias)(f)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Items) > 0 && !bytes.Equal(bytes.TrimSpace(aux.Items), []byte("null")) {
		items, err := DecodeField(aux.Items)
		if err != nil {
			return err
		}
		f.Items = items
	}
	return nil
}

func (f *StringField) MarshalJSON() ([]byte, error) {
	type alias StringField
	return json.Marshal(struct {
		Type FieldType `json:"type"`
		*alias
	}{FieldTypeString, (*alias)(f)})
}

func (f *NumberField) MarshalJSON() ([]byte, error) {
	type alias NumberField
	return json.Marshal(struct {
		Type FieldType `json:"type"`
		*alias
	}{FieldTypeNumber, (*alias)(f)})
}

func (f *BooleanField) MarshalJSON() ([]byte, error) {
	type alias BooleanField
	return json.Marshal(struct {
		Type FieldType `json:"type"`
		*alias
	}{FieldTypeBoolean, (*alias)(f)})
}

func (f *DateField) MarshalJSON() ([]byte, error) {
	type alias DateField
	return json.Marshal(struct {
		Type FieldType `json:"type"`
		*alias
	}{FieldTypeDate, (*alias)(f)})
}

func (f *EnumField) MarshalJSON() ([]byte, error) {
	type alias EnumField
	return json.Marshal(struct {
		Type FieldType `json:"type"`
		*alias
	}{FieldTypeEnum, (*alias)(f)})
}

func (f *ReferenceField) MarshalJSON() ([]byte, error) {
	type alias ReferenceField
	return json.Marshal(struct {
		Type FieldType `json:"type"`
		*alias
	}{FieldTypeReference, (*alias)(f)})
}

func (f *ArrayField) MarshalJSON() ([]byte, error) {
	type alias ArrayField
	return json.Marshal(struct {
		Type FieldType `json:"type"`
		*alias
	}{FieldTypeArray, (*alias)(f)})
}

func (f *ObjectField) MarshalJSON() ([]byte, error) {
	type alias ObjectField
	return json.Marshal(struct {
		Type FieldType `json:"type"`
		*alias
	}{FieldTypeObject, (*alias)(f)})
}

// CloneTable returns a deep copy of the table declaration.
func CloneTable(t *TableSchema) (*TableSchema, error) {
	buf, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("error encoding table %s: %w", t.Name, err)
	}
	var res TableSchema
	if err := json.Unmarshal(buf, &res); err != nil {
		return nil, fmt.Errorf("error decoding table %s: %w", t.Name, err)
	}
	return &res, nil
}

// CloneField returns a deep copy of a field declaration.
func CloneField(f Field) (Field, error) {
	buf, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("error encoding field %s: %w", f.Base().Name, err)
	}
	return DecodeField(buf)
}

// decodeSchemaFile reads a .json or .toml file and decodes it into v. TOML documents
// are normalized through JSON so that the field declarations decode the same way.
func decodeSchemaFile(filename string, v any) error {
	buf, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("error reading schema file: %s. %w", filename, err)
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".toml":
		var doc map[string]any
		if err := toml.Unmarshal(buf, &doc); err != nil {
			return fmt.Errorf("error decoding toml schema file: %s. %w", filename, err)
		}
		buf, err = json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("error normalizing toml schema file: %s. %w", filename, err)
		}
	case ".json", "":
	default:
		return fmt.Errorf("unsupported schema file extension: %s", filename)
	}
	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("error decoding schema file: %s. %w", filename, err)
	}
	return nil
}

// LoadTableSchemaFile loads and validates a table declaration from a .json or .toml file.
func LoadTableSchemaFile(filename string) (*TableSchema, error) {
	var table TableSchema
	if err := decodeSchemaFile(filename, &table); err != nil {
		return nil, err
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return &table, nil
}

// LoadDatabaseSchemaFile loads and validates a database declaration from a .json or .toml file.
func LoadDatabaseSchemaFile(filename string) (*DatabaseSchema, error) {
	var db DatabaseSchema
	if err := decodeSchemaFile(filename, &db); err != nil {
		return nil, err
	}
	if err := db.Validate(); err != nil {
		return nil, err
	}
	return &db, nil
}
