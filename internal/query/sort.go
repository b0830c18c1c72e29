package query

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/shopmonkeyus/schemastore/internal"
	"github.com/shopmonkeyus/schemastore/internal/util"
)

type Direction string

const (
	Ascending  Direction = "asc"
	Descending Direction = "desc"
)

// UnmarshalJSON accepts asc/desc (any case) or 1/-1.
func (d *Direction) UnmarshalJSON(data []byte) error {
	var val any
	if err := json.Unmarshal(data, &val); err != nil {
		return err
	}
	dir, err := parseDirection(val)
	if err != nil {
		return err
	}
	*d = dir
	return nil
}

func parseDirection(val any) (Direction, error) {
	switch v := val.(type) {
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "asc", "ascending", "1":
			return Ascending, nil
		case "desc", "descending", "-1":
			return Descending, nil
		}
	case float64:
		switch v {
		case 1:
			return Ascending, nil
		case -1:
			return Descending, nil
		}
	case int:
		return parseDirection(float64(v))
	}
	return "", fmt.Errorf("invalid sort direction: %v", val)
}

// SortKey is one key of a multi-key sort.
type SortKey struct {
	Field     string    `json:"field"`
	Direction Direction `json:"direction"`
}

// SortSpec is an ordered list of sort keys. The first key is the most significant.
type SortSpec []SortKey

// SortBody is the sort wire format: column id to direction in the order the caller wrote them.
type SortBody struct {
	Keys       []string
	Directions map[string]Direction
}

// NewSortBody returns a body with the keys in order.
func NewSortBody(keys ...SortKey) SortBody {
	body := SortBody{Directions: make(map[string]Direction)}
	for _, key := range keys {
		body.Add(key.Field, key.Direction)
	}
	return body
}

// Add appends a key to the body.
func (b *SortBody) Add(key string, dir Direction) {
	if b.Directions == nil {
		b.Directions = make(map[string]Direction)
	}
	if _, ok := b.Directions[key]; !ok {
		b.Keys = append(b.Keys, key)
	}
	b.Directions[key] = dir
}

func (b SortBody) Len() int {
	return len(b.Keys)
}

// UnmarshalJSON keeps the order of the object keys. An array of {field, direction} is accepted too.
func (b *SortBody) UnmarshalJSON(data []byte) error {
	*b = SortBody{Directions: make(map[string]Direction)}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		return nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var keys []SortKey
		if err := json.Unmarshal(data, &keys); err != nil {
			return fmt.Errorf("error decoding sort: %w", err)
		}
		for _, key := range keys {
			b.Add(key.Field, key.Direction)
		}
		return nil
	}
	obj, err := util.DecodeOrderedObject(data)
	if err != nil {
		return fmt.Errorf("error decoding sort: %w", err)
	}
	for _, key := range obj.Keys {
		var dir Direction
		if err := json.Unmarshal(obj.Values[key], &dir); err != nil {
			return fmt.Errorf("error decoding sort for %s: %w", key, err)
		}
		b.Add(key, dir)
	}
	return nil
}

// Spec returns the keys of the body as field names, for callers that sort by name and not column id.
func (b SortBody) Spec() SortSpec {
	keys := make(SortSpec, 0, len(b.Keys))
	for _, key := range b.Keys {
		dir := b.Directions[key]
		if dir == "" {
			dir = Ascending
		}
		keys = append(keys, SortKey{Field: key, Direction: dir})
	}
	return keys
}

func (b SortBody) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.Spec())
}

// BuildSortQuery resolves the column ids of the body keeping the caller's order.
func BuildSortQuery(body SortBody, columns Columns) (SortSpec, error) {
	spec := make(SortSpec, 0, len(body.Keys))
	for _, key := range body.Keys {
		name, ok := columns.Name(key)
		if !ok {
			return nil, internal.NewFieldNotFound(key)
		}
		dir := body.Directions[key]
		if dir == "" {
			dir = Ascending
		}
		spec = append(spec, SortKey{Field: name, Direction: dir})
	}
	return spec, nil
}

// compareRows compares two rows key by key. Missing values sort first ascending.
func (s SortSpec) compareRows(a, b internal.Document, types TypeResolver) int {
	for _, key := range s {
		av, _ := GetPath(a, key.Field)
		bv, _ := GetPath(b, key.Field)
		c := compareForSort(av, bv, key.Field, types)
		if c == 0 {
			continue
		}
		if key.Direction == Descending {
			return -c
		}
		return c
	}
	return 0
}

func compareForSort(a, b any, field string, types TypeResolver) int {
	if ft, ok := resolveType(types, field); ok && a != nil && b != nil {
		if c, ok := compareTyped(a, coerceOperand(b, ft), ft); ok {
			return c
		}
	}
	return CompareAny(a, b)
}

// Sort sorts the rows in place. The sort is stable so rows with equal keys keep their order.
func (s SortSpec) Sort(rows []internal.Document, types TypeResolver) {
	if len(s) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return s.compareRows(rows[i], rows[j], types) < 0
	})
}
