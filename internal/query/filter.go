package query

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopmonkeyus/schemastore/internal"
)

// Columns resolves the column ids used on the wire.
type Columns interface {
	Name(id string) (string, bool)
	Position(id string) int
}

// ColumnCondition is a single condition on a column in the wire format.
type ColumnCondition struct {
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// ColumnFilter is the set of conditions for one column.
type ColumnFilter struct {
	Combinator Combinator        `json:"combinator,omitempty"`
	Conditions []ColumnCondition `json:"conditions"`
}

// UnmarshalJSON accepts either the object form or a bare array of conditions.
func (f *ColumnFilter) UnmarshalJSON(data []byte) error {
	var list []ColumnCondition
	if err := json.Unmarshal(data, &list); err == nil {
		f.Combinator = And
		f.Conditions = list
		return nil
	}
	type alias ColumnFilter
	var val alias
	if err := json.Unmarshal(data, &val); err != nil {
		return fmt.Errorf("error decoding column filter: %w", err)
	}
	*f = ColumnFilter(val)
	return nil
}

// FilterBody is the filter wire format keyed by column id.
type FilterBody map[string]ColumnFilter

// FilterEntry is the filter of one column resolved to a field name.
type FilterEntry struct {
	Key        string
	Column     string
	Combinator Combinator
	Conditions []*Condition
}

// FilterEntries are the filters of each column in column declaration order.
type FilterEntries []FilterEntry

// Condition returns the AST for the entries: every column filter must hold.
func (e FilterEntries) Condition() *Condition {
	if len(e) == 0 {
		return nil
	}
	children := make([]*Condition, 0, len(e))
	for _, entry := range e {
		combinator := entry.Combinator
		if combinator == "" {
			combinator = And
		}
		children = append(children, &Condition{Combinator: combinator, Children: entry.Conditions})
	}
	if len(children) == 1 {
		return children[0]
	}
	return AllOf(children...)
}

// BuildFilterQuery resolves the column ids of the body and orders the entries by column position.
func BuildFilterQuery(body FilterBody, columns Columns) (FilterEntries, error) {
	entries := make(FilterEntries, 0, len(body))
	for key, filter := range body {
		name, ok := columns.Name(key)
		if !ok {
			return nil, internal.NewFieldNotFound(key)
		}
		switch filter.Combinator {
		case "", And, Or:
		default:
			return nil, fmt.Errorf("invalid combinator %q for column %s", filter.Combinator, name)
		}
		conditions := make([]*Condition, 0, len(filter.Conditions))
		for _, c := range filter.Conditions {
			cond := Leaf(name, c.Operator, c.Value)
			if err := cond.Validate(); err != nil {
				return nil, err
			}
			conditions = append(conditions, cond)
		}
		entries = append(entries, FilterEntry{Key: key, Column: name, Combinator: filter.Combinator, Conditions: conditions})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		pi, pj := columns.Position(entries[i].Key), columns.Position(entries[j].Key)
		if pi != pj {
			return pi < pj
		}
		return entries[i].Key < entries[j].Key
	})
	return entries, nil
}
