package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopmonkeyus/schemastore/internal"
	"github.com/shopmonkeyus/schemastore/internal/compiler"
	"github.com/shopmonkeyus/schemastore/internal/store"
)

func (s *Service) getTable(name string) (*table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	t := s.tables[name]
	if t == nil {
		return nil, internal.NewTableNotFound(name)
	}
	return t, nil
}

func (s *Service) writeTable(t *table, schema *internal.TableSchema, columns store.ColumnIndex) error {
	meta := storedTable{ID: t.id, Schema: schema, Columns: make(map[string]string, columns.Len())}
	for _, col := range columns.Columns() {
		meta.Columns[col.ID] = col.Name
	}
	buf, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("error encoding table metadata: %w", err)
	}
	if err := s.db.Set(metaTableKey(t.id), string(buf)); err != nil {
		return fmt.Errorf("error writing table metadata: %w", err)
	}
	return nil
}

// CreateTable registers the table and creates its document store.
func (s *Service) CreateTable(ctx context.Context, schema internal.TableSchema) (*internal.TableSchema, error) {
	defer s.observe("createTable", time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	if _, found := s.tables[schema.Name]; found {
		return nil, fmt.Errorf("table %s already exists: %w", schema.Name, internal.ErrConflict)
	}
	if err := s.registry.Register(schema); err != nil {
		return nil, err
	}
	t, err := s.openTable(uuid.NewString(), schema.Name)
	if err != nil {
		s.registry.Unregister(schema.Name)
		return nil, err
	}
	registered, err := s.registry.GetTable(schema.Name)
	if err != nil {
		return nil, err
	}
	columns, err := t.store.SetColumns(ctx, registered.Fields.Names())
	if err == nil {
		err = s.writeTable(t, registered, columns)
	}
	if err != nil {
		s.registry.Unregister(schema.Name)
		t.store.Drop(ctx)
		t.store.Close()
		return nil, err
	}
	s.tables[schema.Name] = t
	s.logger.Info("created table %s (%s)", schema.Name, t.id)
	s.logEvent(ctx, auditTypeTable, "create", registered, nil)
	return registered, nil
}

// replaceSchema registers the new declaration of an existing table and persists it. The optional migrate
// function runs against the store before the metadata is written.
func (s *Service) replaceSchema(ctx context.Context, name string, method string, change func(current *internal.TableSchema) (*internal.TableSchema, error), migrate func(t *table) error) (*internal.TableSchema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	t := s.tables[name]
	if t == nil {
		return nil, internal.NewTableNotFound(name)
	}
	current, err := s.registry.GetTable(name)
	if err != nil {
		return nil, err
	}
	next, err := change(current)
	if err != nil {
		return nil, err
	}
	if next.Name != name {
		return nil, &internal.ConfigurationError{Table: name, Message: "a table cannot be renamed"}
	}
	// compile before touching the store so a bad declaration leaves everything unchanged
	if err := s.registry.Check(*next); err != nil {
		return nil, err
	}
	if migrate != nil {
		if err := migrate(t); err != nil {
			return nil, err
		}
	}
	if err := s.registry.Register(*next); err != nil {
		return nil, err
	}
	registered, err := s.registry.GetTable(name)
	if err != nil {
		return nil, err
	}
	columns, err := t.store.SetColumns(ctx, registered.Fields.Names())
	if err != nil {
		return nil, err
	}
	if err := s.writeTable(t, registered, columns); err != nil {
		return nil, err
	}
	s.logger.Info("%s on table %s", method, name)
	s.logEvent(ctx, auditTypeTable, method, registered, nil)
	return registered, nil
}

// UpdateTableSchema replaces the declaration of a table. Stored documents are not rewritten; columns that
// keep their name keep their id.
func (s *Service) UpdateTableSchema(ctx context.Context, schema internal.TableSchema) (*internal.TableSchema, error) {
	defer s.observe("updateTableSchema", time.Now())
	return s.replaceSchema(ctx, schema.Name, "updateSchema", func(current *internal.TableSchema) (*internal.TableSchema, error) {
		return internal.CloneTable(&schema)
	}, nil)
}

// AddField appends a field to the table. When the field declares a default it is written to every stored
// document that does not have a value yet.
func (s *Service) AddField(ctx context.Context, tableName string, field internal.Field) (*internal.TableSchema, error) {
	defer s.observe("addField", time.Now())
	if field == nil {
		return nil, &internal.ConfigurationError{Table: tableName, Message: "field is required"}
	}
	var def any
	return s.replaceSchema(ctx, tableName, "addField", func(current *internal.TableSchema) (*internal.TableSchema, error) {
		if current.Field(field.Base().Name) != nil {
			return nil, &internal.ConfigurationError{Table: tableName, Field: field.Base().Name, Message: "field already exists"}
		}
		f, err := internal.CloneField(field)
		if err != nil {
			return nil, err
		}
		current.Fields = append(current.Fields, f)
		if f.Base().HasDefault() {
			def = compiler.DefaultValue(f)
		}
		return current, nil
	}, func(t *table) error {
		if def == nil {
			return nil
		}
		name := field.Base().Name
		_, err := t.store.Apply(ctx, func(tx *store.Tx) (any, error) {
			rows, err := tx.All()
			if err != nil {
				return nil, err
			}
			for _, row := range rows {
				if _, ok := row[name]; ok {
					continue
				}
				row[name] = internal.CloneValue(def)
				if err := tx.Put(row); err != nil {
					return nil, err
				}
			}
			return nil, nil
		})
		return err
	})
}

// RemoveField removes a top-level field from the table and unsets it in every stored document.
func (s *Service) RemoveField(ctx context.Context, tableName string, fieldName string) (*internal.TableSchema, error) {
	defer s.observe("removeField", time.Now())
	return s.replaceSchema(ctx, tableName, "removeField", func(current *internal.TableSchema) (*internal.TableSchema, error) {
		fields := make(internal.Fields, 0, len(current.Fields))
		for _, f := range current.Fields {
			if f.Base().Name != fieldName {
				fields = append(fields, f)
			}
		}
		if len(fields) == len(current.Fields) {
			return nil, internal.NewFieldNotFound(fieldName)
		}
		current.Fields = fields
		current.Indexes = without(current.Indexes, fieldName)
		return current, nil
	}, func(t *table) error {
		_, err := t.store.UnsetField(ctx, fieldName)
		return err
	})
}

// UpdateField replaces the declaration of a top-level field. When the new declaration has a different name
// the values of every stored document are moved to the new name and the column keeps its id.
func (s *Service) UpdateField(ctx context.Context, tableName string, fieldName string, field internal.Field) (*internal.TableSchema, error) {
	defer s.observe("updateField", time.Now())
	if field == nil {
		return nil, &internal.ConfigurationError{Table: tableName, Message: "field is required"}
	}
	newName := field.Base().Name
	return s.replaceSchema(ctx, tableName, "updateField", func(current *internal.TableSchema) (*internal.TableSchema, error) {
		index := -1
		for i, f := range current.Fields {
			if f.Base().Name == fieldName {
				index = i
			}
		}
		if index < 0 {
			return nil, internal.NewFieldNotFound(fieldName)
		}
		if newName != fieldName && current.Field(newName) != nil {
			return nil, &internal.ConfigurationError{Table: tableName, Field: newName, Message: "field already exists"}
		}
		f, err := internal.CloneField(field)
		if err != nil {
			return nil, err
		}
		current.Fields[index] = f
		if newName != fieldName {
			for i, idx := range current.Indexes {
				if idx == fieldName {
					current.Indexes[i] = newName
				}
			}
		}
		return current, nil
	}, func(t *table) error {
		if newName == fieldName {
			return nil
		}
		if _, err := t.store.RenameField(ctx, fieldName, newName); err != nil {
			return err
		}
		if _, err := t.store.RenameColumn(ctx, fieldName, newName); err != nil {
			if _, rerr := t.store.RenameField(ctx, newName, fieldName); rerr != nil {
				s.logger.Error("error restoring field %s of table %s: %s", fieldName, tableName, rerr)
			}
			return err
		}
		return nil
	})
}

// DropTable removes the table, its documents and its metadata.
func (s *Service) DropTable(ctx context.Context, name string) error {
	defer s.observe("dropTable", time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	t := s.tables[name]
	if t == nil {
		return internal.NewTableNotFound(name)
	}
	if err := t.store.Drop(ctx); err != nil {
		return err
	}
	if err := s.db.Delete(metaTableKey(t.id)); err != nil {
		return err
	}
	t.store.Close()
	delete(s.tables, name)
	s.registry.Unregister(name)
	s.logger.Info("dropped table %s (%s)", name, t.id)
	s.logEvent(ctx, auditTypeTable, "drop", map[string]any{"name": name, "id": t.id}, nil)
	return nil
}

// GetTable returns a copy of the table declaration.
func (s *Service) GetTable(name string) (*internal.TableSchema, error) {
	defer s.observe("getTable", time.Now())
	return s.registry.GetTable(name)
}

// ListTables returns every table declaration in the order they were created.
func (s *Service) ListTables() []*internal.TableSchema {
	defer s.observe("listTables", time.Now())
	return s.registry.Tables()
}

// TableID returns the stable id of a table.
func (s *Service) TableID(name string) (string, error) {
	t, err := s.getTable(name)
	if err != nil {
		return "", err
	}
	return t.id, nil
}

// Columns returns the column index of a table. Query bodies address columns by these ids.
func (s *Service) Columns(name string) (store.ColumnIndex, error) {
	t, err := s.getTable(name)
	if err != nil {
		return store.ColumnIndex{}, err
	}
	return t.store.Columns(), nil
}

// CompileValidator returns the compiled validator for a table.
func (s *Service) CompileValidator(name string) (*compiler.Validator, error) {
	defer s.observe("compile", time.Now())
	return s.registry.Compile(name)
}

// ExtractDefaults returns a document holding the default value of every field of a table.
func (s *Service) ExtractDefaults(name string) (internal.Document, error) {
	defer s.observe("extractDefaults", time.Now())
	return s.registry.ExtractDefaults(name)
}

// ExportJSONSchema returns a JSON Schema (draft 2020-12) describing the documents of a table.
func (s *Service) ExportJSONSchema(name string) (map[string]any, error) {
	defer s.observe("exportJSONSchema", time.Now())
	schema, err := s.registry.ExportJSONSchema(name)
	if err != nil {
		return nil, err
	}
	// fail when the projection does not compile
	if _, err := compiler.CompileProjection(name, schema); err != nil {
		return nil, err
	}
	return schema, nil
}

func without(list []string, val string) []string {
	if len(list) == 0 {
		return list
	}
	res := make([]string, 0, len(list))
	for _, v := range list {
		if v != val {
			res = append(res, v)
		}
	}
	return res
}
