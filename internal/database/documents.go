package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopmonkeyus/schemastore/internal"
	"github.com/shopmonkeyus/schemastore/internal/compiler"
	"github.com/shopmonkeyus/schemastore/internal/query"
	"github.com/shopmonkeyus/schemastore/internal/store"
	"github.com/shopmonkeyus/schemastore/internal/util"
	"golang.org/x/sync/errgroup"
)

// DeleteOptions control how documents are deleted.
type DeleteOptions struct {
	// Hard removes the document even when the table uses soft delete.
	Hard bool `json:"hard,omitempty"`
}

// mutation is the compiled state a document operation needs.
type mutation struct {
	table     *table
	validator *compiler.Validator
	schema    *internal.TableSchema
}

func (s *Service) prepare(name string) (*mutation, error) {
	t, err := s.getTable(name)
	if err != nil {
		return nil, err
	}
	v, err := s.registry.Compile(name)
	if err != nil {
		return nil, err
	}
	schema, err := s.registry.GetTable(name)
	if err != nil {
		return nil, err
	}
	return &mutation{table: t, validator: v, schema: schema}, nil
}

// maskedFields returns the top-level fields whose values are not recorded in the audit log.
func (m *mutation) maskedFields() []string {
	var res []string
	for _, f := range m.schema.Fields {
		if sf, ok := f.(*internal.StringField); ok && sf.Validation.Format == internal.StringFormatPassword {
			res = append(res, sf.Name)
		}
	}
	return res
}

func validationError(table string, issues ...internal.Issue) error {
	internal.ValidationFailures.Inc()
	return &internal.ValidationError{Table: table, Issues: issues}
}

// input copies the caller's document dropping the system fields it may not set.
func input(doc map[string]any, keepID bool) map[string]any {
	res := make(map[string]any, len(doc))
	for k, v := range doc {
		if internal.IsSystemField(k) && !(keepID && k == internal.FieldID) {
			continue
		}
		res[k] = v
	}
	return res
}

// checkUnique returns issues for every unique field of doc whose value is already used by another live
// document in rows.
func (m *mutation) checkUnique(doc internal.Document, rows []internal.Document) []internal.Issue {
	var issues []internal.Issue
	for _, f := range m.schema.Fields {
		b := f.Base()
		if !b.Unique {
			continue
		}
		val, ok := doc[b.Name]
		if !ok || val == nil {
			continue
		}
		hash := util.HashValue(val)
		for _, row := range rows {
			if row.ID() == doc.ID() || row.IsDeleted() {
				continue
			}
			other, ok := row[b.Name]
			if ok && other != nil && util.HashValue(other) == hash {
				issues = append(issues, internal.Issue{Path: b.Name, Code: CodeUnique, Message: fmt.Sprintf("%s must be unique", b.Name)})
				break
			}
		}
	}
	return issues
}

func (m *mutation) hasUnique() bool {
	for _, f := range m.schema.Fields {
		if f.Base().Unique {
			return true
		}
	}
	return false
}

// checkReadonly returns issues for every readonly field the patch changes on an existing document.
func (m *mutation) checkReadonly(existing internal.Document, patch internal.Document) []internal.Issue {
	var issues []internal.Issue
	for _, f := range m.schema.Fields {
		b := f.Base()
		if !b.Readonly {
			continue
		}
		val, inPatch := patch[b.Name]
		if !inPatch {
			continue
		}
		current, ok := existing[b.Name]
		if !ok || current == nil {
			continue
		}
		if val == nil || util.HashValue(val) != util.HashValue(current) {
			issues = append(issues, internal.Issue{Path: b.Name, Code: CodeReadonly, Message: fmt.Sprintf("%s is readonly", b.Name)})
		}
	}
	return issues
}

func (s *Service) stamp(schema *internal.TableSchema, doc internal.Document, created bool) {
	if !schema.Timestamps {
		return
	}
	now := s.timestamp()
	if created {
		doc[internal.FieldCreatedAt] = now
	}
	doc[internal.FieldUpdatedAt] = now
}

// Create validates the document and stores it. An _id may be supplied, otherwise one is generated.
func (s *Service) Create(ctx context.Context, tableName string, doc map[string]any) (internal.Document, error) {
	defer s.observe("create", time.Now())
	docs, err := s.createDocuments(ctx, tableName, []map[string]any{doc}, "create")
	if err != nil {
		return nil, err
	}
	return docs[0], nil
}

// CreateMany validates every document and stores them atomically: either all are stored or none. Issues are
// reported with the index of the document, for example [2].email.
func (s *Service) CreateMany(ctx context.Context, tableName string, docs []map[string]any) ([]internal.Document, error) {
	defer s.observe("createMany", time.Now())
	if len(docs) == 0 {
		return []internal.Document{}, nil
	}
	return s.createDocuments(ctx, tableName, docs, "createMany")
}

func (s *Service) validateAll(m *mutation, docs []map[string]any) ([]internal.Document, error) {
	validated := make([]internal.Document, len(docs))
	issues := make([][]internal.Issue, len(docs))
	var g errgroup.Group
	g.SetLimit(8)
	for i, doc := range docs {
		g.Go(func() error {
			res, err := m.validator.Validate(input(doc, true))
			if err != nil {
				list := internal.ValidationIssues(err)
				if list == nil {
					return err
				}
				issues[i] = list
				return nil
			}
			if id, ok := res[internal.FieldID]; ok {
				if _, isString := id.(string); !isString {
					issues[i] = []internal.Issue{{Path: internal.FieldID, Code: compiler.CodeInvalidType, Message: "_id must be a string"}}
					return nil
				}
			}
			validated[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var all []internal.Issue
	for i, list := range issues {
		for _, issue := range list {
			if len(docs) > 1 {
				issue.Path = fmt.Sprintf("[%d]", i) + prefixPath(issue.Path)
			}
			all = append(all, issue)
		}
	}
	if len(all) > 0 {
		return nil, &internal.ValidationError{Table: m.schema.Name, Issues: all}
	}
	return validated, nil
}

func prefixPath(path string) string {
	if path == "" || path[0] == '[' {
		return path
	}
	return "." + path
}

func (s *Service) createDocuments(ctx context.Context, tableName string, docs []map[string]any, method string) ([]internal.Document, error) {
	m, err := s.prepare(tableName)
	if err != nil {
		return nil, err
	}
	validated, err := s.validateAll(m, docs)
	if err != nil {
		return nil, err
	}
	for _, doc := range validated {
		if doc.ID() == "" {
			doc[internal.FieldID] = uuid.NewString()
		}
		s.stamp(m.schema, doc, true)
	}
	res, err := m.table.store.Apply(ctx, func(tx *store.Tx) (any, error) {
		var existing []internal.Document
		if m.hasUnique() {
			rows, err := tx.All()
			if err != nil {
				return nil, err
			}
			existing = rows
		}
		stored := make([]internal.Document, 0, len(validated))
		for i, doc := range validated {
			if doc.ID() != "" {
				if _, found, err := tx.Get(doc.ID()); err != nil {
					return nil, err
				} else if found {
					return nil, fmt.Errorf("document %s already exists: %w", doc.ID(), internal.ErrConflict)
				}
			}
			if issues := m.checkUnique(doc, existing); len(issues) > 0 {
				if len(validated) > 1 {
					for j := range issues {
						issues[j].Path = fmt.Sprintf("[%d].%s", i, issues[j].Path)
					}
				}
				return nil, validationError(m.schema.Name, issues...)
			}
			if err := tx.Put(doc); err != nil {
				return nil, err
			}
			existing = append(existing, doc)
			stored = append(stored, doc)
		}
		return stored, nil
	})
	if err != nil {
		return nil, err
	}
	stored := res.([]internal.Document)
	if method == "create" {
		s.logEvent(ctx, auditTypeDocument, method, map[string]any{"table": tableName, "document": map[string]any(stored[0])}, m.maskedFields())
	} else {
		ids := make([]any, 0, len(stored))
		for _, doc := range stored {
			ids = append(ids, doc.ID())
		}
		s.logEvent(ctx, auditTypeDocument, method, map[string]any{"table": tableName, "ids": ids, "count": len(stored)}, nil)
	}
	return stored, nil
}

// FindByID returns a document. Soft deleted documents are only returned with withDeleted.
func (s *Service) FindByID(ctx context.Context, tableName string, id string, withDeleted bool) (internal.Document, error) {
	defer s.observe("findById", time.Now())
	t, err := s.getTable(tableName)
	if err != nil {
		return nil, err
	}
	doc, err := t.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc.IsDeleted() && !withDeleted {
		return nil, internal.NewDocumentNotFound(id)
	}
	return doc, nil
}

// applyPatch merges a validated patch into the document. A nil value unsets the key.
func applyPatch(doc internal.Document, patch internal.Document) internal.Document {
	res := doc.Clone()
	for k, v := range patch {
		if internal.IsSystemField(k) {
			continue
		}
		if v == nil {
			delete(res, k)
			continue
		}
		res[k] = v
	}
	return res
}

// updateDocument applies the patch to an existing document inside the transaction and returns the stored
// document.
func (s *Service) updateDocument(tx *store.Tx, m *mutation, existing internal.Document, patch internal.Document, rows []internal.Document) (internal.Document, error) {
	if issues := m.checkReadonly(existing, patch); len(issues) > 0 {
		return nil, validationError(m.schema.Name, issues...)
	}
	merged, err := m.validator.Validate(applyPatch(existing, patch))
	if err != nil {
		return nil, err
	}
	if issues := m.checkUnique(merged, rows); len(issues) > 0 {
		return nil, validationError(m.schema.Name, issues...)
	}
	s.stamp(m.schema, merged, false)
	if err := tx.Put(merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// Update validates the patch and merges it into the document. Keys set to null are removed. Readonly fields
// cannot be changed once they have a value.
func (s *Service) Update(ctx context.Context, tableName string, id string, patch map[string]any) (internal.Document, error) {
	defer s.observe("update", time.Now())
	m, err := s.prepare(tableName)
	if err != nil {
		return nil, err
	}
	validated, err := m.validator.ValidatePartial(input(patch, false))
	if err != nil {
		return nil, err
	}
	res, err := m.table.store.Apply(ctx, func(tx *store.Tx) (any, error) {
		existing, found, err := tx.Get(id)
		if err != nil {
			return nil, err
		}
		if !found || existing.IsDeleted() {
			return nil, internal.NewDocumentNotFound(id)
		}
		var rows []internal.Document
		if m.hasUnique() {
			if rows, err = tx.All(); err != nil {
				return nil, err
			}
		}
		return s.updateDocument(tx, m, existing, validated, rows)
	})
	if err != nil {
		return nil, err
	}
	doc := res.(internal.Document)
	s.logEvent(ctx, auditTypeDocument, "update", map[string]any{"table": tableName, "id": id, "patch": map[string]any(validated)}, m.maskedFields())
	return doc, nil
}

// UpdateMany applies the patch to every live document matching the filter. The update is atomic: if any
// document fails validation none are changed.
func (s *Service) UpdateMany(ctx context.Context, tableName string, filter map[string]any, patch map[string]any) (int, error) {
	defer s.observe("updateMany", time.Now())
	m, err := s.prepare(tableName)
	if err != nil {
		return 0, err
	}
	cond, err := parseFilter(filter)
	if err != nil {
		return 0, err
	}
	validated, err := m.validator.ValidatePartial(input(patch, false))
	if err != nil {
		return 0, err
	}
	res, err := m.table.store.Apply(ctx, func(tx *store.Tx) (any, error) {
		rows, err := tx.All()
		if err != nil {
			return nil, err
		}
		var count int
		for i, row := range rows {
			if row.IsDeleted() || !query.EvaluateFilter(cond, row, m.validator) {
				continue
			}
			updated, err := s.updateDocument(tx, m, row, validated, rows)
			if err != nil {
				return nil, fmt.Errorf("document %s: %w", row.ID(), err)
			}
			rows[i] = updated
			count++
		}
		return count, nil
	})
	if err != nil {
		return 0, err
	}
	count := res.(int)
	s.logEvent(ctx, auditTypeDocument, "updateMany", map[string]any{"table": tableName, "filter": filter, "patch": map[string]any(validated), "count": count}, m.maskedFields())
	return count, nil
}

// Delete removes a document. Tables with soft delete mark the document deleted unless Hard is set.
// Documents in other tables referencing it with cascadeDelete are deleted the same way.
func (s *Service) Delete(ctx context.Context, tableName string, id string, opts DeleteOptions) (bool, error) {
	defer s.observe("delete", time.Now())
	return s.deleteDocument(ctx, tableName, id, opts, 0)
}

func (s *Service) deleteDocument(ctx context.Context, tableName string, id string, opts DeleteOptions, depth int) (bool, error) {
	m, err := s.prepare(tableName)
	if err != nil {
		return false, err
	}
	soft := m.schema.SoftDelete && !opts.Hard
	res, err := m.table.store.Apply(ctx, func(tx *store.Tx) (any, error) {
		doc, found, err := tx.Get(id)
		if err != nil || !found {
			return nil, err
		}
		if soft {
			if doc.IsDeleted() {
				return nil, nil
			}
			doc[internal.FieldDeletedAt] = s.timestamp()
			s.stamp(m.schema, doc, false)
			if err := tx.Put(doc); err != nil {
				return nil, err
			}
			return doc, nil
		}
		if _, err := tx.Delete(id); err != nil {
			return nil, err
		}
		return doc, nil
	})
	if err != nil {
		return false, err
	}
	if res == nil {
		return false, nil
	}
	deleted := res.(internal.Document)
	cascaded, err := s.cascade(ctx, tableName, deleted, opts, depth)
	if err != nil {
		return true, err
	}
	s.logEvent(ctx, auditTypeDocument, "delete", map[string]any{"table": tableName, "id": id, "hard": !soft, "cascaded": cascaded}, nil)
	return true, nil
}

// cascade deletes the documents that reference doc through a reference field declaring cascadeDelete.
func (s *Service) cascade(ctx context.Context, tableName string, doc internal.Document, opts DeleteOptions, depth int) (int, error) {
	if depth >= maxCascadeDepth {
		s.logger.Warn("cascade delete from %s %s stopped at depth %d", tableName, doc.ID(), depth)
		return 0, nil
	}
	var count int
	for _, other := range s.registry.Tables() {
		for _, f := range other.Fields {
			ref, ok := f.(*internal.ReferenceField)
			if !ok || !ref.CascadeDelete || ref.Table != tableName {
				continue
			}
			key := any(doc.ID())
			if ref.Column != "" {
				key = doc[ref.Column]
			}
			if key == nil {
				continue
			}
			t, err := s.getTable(other.Name)
			if err != nil {
				return count, err
			}
			hash := util.HashValue(key)
			rows, err := t.store.Scan(ctx, func(row internal.Document) bool {
				val, ok := row[ref.Name]
				return ok && val != nil && !row.IsDeleted() && util.HashValue(val) == hash
			})
			if err != nil {
				return count, err
			}
			for _, row := range rows {
				deleted, err := s.deleteDocument(ctx, other.Name, row.ID(), opts, depth+1)
				if err != nil {
					return count, err
				}
				if deleted {
					count++
				}
			}
		}
	}
	return count, nil
}

// DeleteMany deletes every live document matching the filter and returns how many were deleted.
func (s *Service) DeleteMany(ctx context.Context, tableName string, filter map[string]any, opts DeleteOptions) (int, error) {
	defer s.observe("deleteMany", time.Now())
	m, err := s.prepare(tableName)
	if err != nil {
		return 0, err
	}
	cond, err := parseFilter(filter)
	if err != nil {
		return 0, err
	}
	rows, err := m.table.store.Scan(ctx, func(row internal.Document) bool {
		return !row.IsDeleted() && query.EvaluateFilter(cond, row, m.validator)
	})
	if err != nil {
		return 0, err
	}
	var count int
	for _, row := range rows {
		deleted, err := s.deleteDocument(ctx, tableName, row.ID(), opts, 0)
		if err != nil {
			return count, err
		}
		if deleted {
			count++
		}
	}
	return count, nil
}
