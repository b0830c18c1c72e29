package database

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/shopmonkeyus/schemastore/internal"
	"github.com/shopmonkeyus/schemastore/internal/query"
	"github.com/shopmonkeyus/schemastore/internal/util"
)

// FindOptions control the rows returned by a read.
type FindOptions struct {
	Sort   query.SortSpec `json:"sort,omitempty"`
	Limit  int            `json:"limit,omitempty"`
	Offset int            `json:"offset,omitempty"`
	// Fields projects the returned documents. A name prefixed with - is removed instead.
	Fields []string `json:"fields,omitempty"`
	// WithDeleted includes soft deleted documents.
	WithDeleted bool `json:"withDeleted,omitempty"`
}

// TableQuery is a query in the column id keyed wire format.
type TableQuery struct {
	Filter query.FilterBody `json:"filter,omitempty"`
	Sort   query.SortBody   `json:"sort"`
	Limit  int              `json:"limit,omitempty"`
	Offset int              `json:"offset,omitempty"`
}

func parseFilter(filter map[string]any) (*query.Condition, error) {
	cond, err := query.ParseMatch(filter)
	if err != nil {
		return nil, validationError("", internal.Issue{Code: CodeInvalidPayload, Message: err.Error()})
	}
	return cond, nil
}

// rows returns the documents of a table and its validator for interpreting filter values.
func (s *Service) rows(ctx context.Context, tableName string, withDeleted bool) ([]internal.Document, query.TypeResolver, error) {
	t, err := s.getTable(tableName)
	if err != nil {
		return nil, nil, err
	}
	v, err := s.registry.Compile(tableName)
	if err != nil {
		return nil, nil, err
	}
	all, err := t.store.GetAll(ctx)
	if err != nil {
		return nil, nil, err
	}
	if withDeleted {
		return all, v, nil
	}
	live := make([]internal.Document, 0, len(all))
	for _, row := range all {
		if !row.IsDeleted() {
			live = append(live, row)
		}
	}
	return live, v, nil
}

func (s *Service) find(ctx context.Context, tableName string, cond *query.Condition, opts FindOptions) (query.Result, error) {
	rows, types, err := s.rows(ctx, tableName, opts.WithDeleted)
	if err != nil {
		return query.Result{}, err
	}
	res := query.Run(rows, query.Query{Filter: cond, Sort: opts.Sort, Limit: opts.Limit, Offset: opts.Offset}, types)
	if len(opts.Fields) > 0 {
		data := make([]internal.Document, 0, len(res.Data))
		for _, doc := range res.Data {
			data = append(data, query.Project(doc, opts.Fields))
		}
		res.Data = data
	}
	return res, nil
}

// Find returns the documents matching the filter, a match document such as {"age": {"$gt": 28}}.
func (s *Service) Find(ctx context.Context, tableName string, filter map[string]any, opts FindOptions) (query.Result, error) {
	defer s.observe("find", time.Now())
	cond, err := parseFilter(filter)
	if err != nil {
		return query.Result{}, err
	}
	return s.find(ctx, tableName, cond, opts)
}

// FindOne returns the first document matching the filter.
func (s *Service) FindOne(ctx context.Context, tableName string, filter map[string]any, opts FindOptions) (internal.Document, error) {
	defer s.observe("findOne", time.Now())
	cond, err := parseFilter(filter)
	if err != nil {
		return nil, err
	}
	opts.Limit = 1
	res, err := s.find(ctx, tableName, cond, opts)
	if err != nil {
		return nil, err
	}
	if len(res.Data) == 0 {
		return nil, &internal.NotFoundError{Kind: "document", Name: "matching filter"}
	}
	return res.Data[0], nil
}

// Count returns the number of documents matching the filter.
func (s *Service) Count(ctx context.Context, tableName string, filter map[string]any) (int, error) {
	defer s.observe("count", time.Now())
	cond, err := parseFilter(filter)
	if err != nil {
		return 0, err
	}
	res, err := s.find(ctx, tableName, cond, FindOptions{Limit: 1})
	if err != nil {
		return 0, err
	}
	return res.Total, nil
}

// ExistsMatching returns true if at least one document matches the filter.
func (s *Service) ExistsMatching(ctx context.Context, tableName string, filter map[string]any) (bool, error) {
	defer s.observe("exists", time.Now())
	count, err := s.Count(ctx, tableName, filter)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Distinct returns the distinct values of a field across the documents matching the filter, sorted. Array
// values contribute each of their elements.
func (s *Service) Distinct(ctx context.Context, tableName string, field string, filter map[string]any) ([]any, error) {
	defer s.observe("distinct", time.Now())
	cond, err := parseFilter(filter)
	if err != nil {
		return nil, err
	}
	rows, types, err := s.rows(ctx, tableName, false)
	if err != nil {
		return nil, err
	}
	if _, ok := types.FieldType(field); !ok && !internal.IsSystemField(field) {
		return nil, internal.NewFieldNotFound(field)
	}
	seen := make(map[uint64]bool)
	values := make([]any, 0)
	add := func(val any) {
		if val == nil {
			return
		}
		hash := util.HashValue(val)
		if !seen[hash] {
			seen[hash] = true
			values = append(values, val)
		}
	}
	for _, row := range rows {
		if !query.EvaluateFilter(cond, row, types) {
			continue
		}
		val, ok := query.GetPath(row, field)
		if !ok {
			continue
		}
		if list, isList := val.([]any); isList {
			for _, item := range list {
				add(item)
			}
			continue
		}
		add(val)
	}
	sort.SliceStable(values, func(i, j int) bool {
		return query.CompareAny(values[i], values[j]) < 0
	})
	return values, nil
}

// Search returns the documents where any of the fields contains the term, ignoring case. When no fields are
// given every top-level string, enum and reference field is searched.
func (s *Service) Search(ctx context.Context, tableName string, term string, fields []string, opts FindOptions) (query.Result, error) {
	defer s.observe("search", time.Now())
	schema, err := s.registry.GetTable(tableName)
	if err != nil {
		return query.Result{}, err
	}
	if len(fields) == 0 {
		for _, f := range schema.Fields {
			switch f.Type() {
			case internal.FieldTypeString, internal.FieldTypeEnum, internal.FieldTypeReference:
				fields = append(fields, f.Base().Name)
			}
		}
	}
	if term == "" || len(fields) == 0 {
		return s.find(ctx, tableName, nil, opts)
	}
	pattern := regexp.QuoteMeta(term)
	children := make([]*query.Condition, 0, len(fields))
	for _, field := range fields {
		children = append(children, query.Leaf(field, query.OpContains, pattern))
	}
	return s.find(ctx, tableName, query.AnyOf(children...), opts)
}

// Aggregate runs the pipeline over the live documents of a table. $lookup stages read the live documents of
// the table they name.
func (s *Service) Aggregate(ctx context.Context, tableName string, pipeline query.Pipeline) ([]internal.Document, error) {
	defer s.observe("aggregate", time.Now())
	rows, types, err := s.rows(ctx, tableName, false)
	if err != nil {
		return nil, err
	}
	lookup := func(ctx context.Context, table string) ([]internal.Document, error) {
		rows, _, err := s.rows(ctx, table, false)
		return rows, err
	}
	res, err := query.Aggregate(ctx, rows, pipeline, lookup, types)
	if err != nil {
		if internal.IsNotFound(err) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, validationError(tableName, internal.Issue{Code: CodeInvalidPayload, Message: err.Error()})
	}
	return res, nil
}

// QueryTableRecords runs a query whose filter and sort address columns by id. Soft deleted documents are
// excluded.
func (s *Service) QueryTableRecords(ctx context.Context, tableName string, q TableQuery) (query.Result, error) {
	defer s.observe("queryTableRecords", time.Now())
	columns, err := s.Columns(tableName)
	if err != nil {
		return query.Result{}, err
	}
	entries, err := query.BuildFilterQuery(q.Filter, columns)
	if err != nil {
		return query.Result{}, wrapQueryError(tableName, err)
	}
	spec, err := query.BuildSortQuery(q.Sort, columns)
	if err != nil {
		return query.Result{}, wrapQueryError(tableName, err)
	}
	return s.find(ctx, tableName, entries.Condition(), FindOptions{Sort: spec, Limit: q.Limit, Offset: q.Offset})
}

func wrapQueryError(tableName string, err error) error {
	if internal.IsNotFound(err) {
		return fmt.Errorf("unknown column in query for table %s: %w", tableName, err)
	}
	return validationError(tableName, internal.Issue{Code: CodeInvalidPayload, Message: err.Error()})
}
