package store

import "github.com/google/uuid"

// Column is a named column with a stable id. Query bodies address columns by id.
type Column struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ColumnIndex maps column names to ids, in declaration order.
type ColumnIndex struct {
	columns []Column
}

// NewColumnIndex returns an index of the columns.
func NewColumnIndex(columns ...Column) ColumnIndex {
	return ColumnIndex{columns: append([]Column(nil), columns...)}
}

// ID returns the id of the named column.
func (c ColumnIndex) ID(name string) (string, bool) {
	for _, col := range c.columns {
		if col.Name == name {
			return col.ID, true
		}
	}
	return "", false
}

// Name returns the name of the column with the id.
func (c ColumnIndex) Name(id string) (string, bool) {
	for _, col := range c.columns {
		if col.ID == id {
			return col.Name, true
		}
	}
	return "", false
}

// Position returns the declaration position of the column with the id or -1.
func (c ColumnIndex) Position(id string) int {
	for i, col := range c.columns {
		if col.ID == id {
			return i
		}
	}
	return -1
}

// Columns returns a copy of the columns in declaration order.
func (c ColumnIndex) Columns() []Column {
	return append([]Column(nil), c.columns...)
}

// Names returns the column names in declaration order.
func (c ColumnIndex) Names() []string {
	names := make([]string, 0, len(c.columns))
	for _, col := range c.columns {
		names = append(names, col.Name)
	}
	return names
}

// Map returns the name to id mapping.
func (c ColumnIndex) Map() map[string]string {
	res := make(map[string]string, len(c.columns))
	for _, col := range c.columns {
		res[col.Name] = col.ID
	}
	return res
}

func (c ColumnIndex) Len() int {
	return len(c.columns)
}

// With returns an index of the names in order, reusing the ids of names already in the index.
func (c ColumnIndex) With(names []string) ColumnIndex {
	res := make([]Column, 0, len(names))
	for _, name := range names {
		id, found := c.ID(name)
		if !found {
			id = uuid.NewString()
		}
		res = append(res, Column{ID: id, Name: name})
	}
	return ColumnIndex{columns: res}
}

func (c ColumnIndex) renamed(from, to string) ColumnIndex {
	res := c.Columns()
	for i := range res {
		if res[i].Name == from {
			res[i].Name = to
		}
	}
	return ColumnIndex{columns: res}
}
