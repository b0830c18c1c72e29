package query

import (
	"github.com/shopmonkeyus/schemastore/internal"
)

// Query is a filter, sort and page over the rows of a table.
type Query struct {
	Filter *Condition
	Sort   SortSpec
	Limit  int
	Offset int
}

// Result is a page of rows. Total counts every row that matched the filter.
type Result struct {
	Data    []internal.Document `json:"data"`
	Total   int                 `json:"total"`
	HasMore bool                `json:"hasMore"`
}

// Run filters, sorts and pages the rows. A limit of zero or less returns every row after the offset.
// The rows slice is not modified.
func Run(rows []internal.Document, q Query, types TypeResolver) Result {
	matched := make([]internal.Document, 0, len(rows))
	for _, row := range rows {
		if EvaluateFilter(q.Filter, row, types) {
			matched = append(matched, row)
		}
	}
	q.Sort.Sort(matched, types)
	total := len(matched)
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := total
	if q.Limit > 0 && offset+q.Limit < total {
		end = offset + q.Limit
	}
	data := matched[offset:end]
	return Result{
		Data:    data,
		Total:   total,
		HasMore: offset+len(data) < total,
	}
}
