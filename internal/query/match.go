package query

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopmonkeyus/schemastore/internal"
)

var matchOperators = map[string]Operator{
	"$eq":       OpEquals,
	"$ne":       OpNotEquals,
	"$gt":       OpGreaterThan,
	"$gte":      OpGreaterThanOrEqual,
	"$lt":       OpLessThan,
	"$lte":      OpLessThanOrEqual,
	"$in":       OpIn,
	"$nin":      OpNotIn,
	"$regex":    OpContains,
	"$contains": OpContains,
	"$exists":   OpExists,
}

// ParseMatch converts a match document such as {"age": {"$gt": 28}, "$or": [...]} into a condition.
// A plain value matches by equality. Keys are processed in sorted order so the result is deterministic.
func ParseMatch(match map[string]any) (*Condition, error) {
	if len(match) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(match))
	for key := range match {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	children := make([]*Condition, 0, len(keys))
	for _, key := range keys {
		val := match[key]
		switch key {
		case "$and", "$or":
			list, ok := val.([]any)
			if !ok {
				return nil, fmt.Errorf("%s requires an array", key)
			}
			group := &Condition{Combinator: And}
			if key == "$or" {
				group.Combinator = Or
			}
			for i, item := range list {
				sub, ok := toMap(item)
				if !ok {
					return nil, fmt.Errorf("%s[%d] must be an object", key, i)
				}
				cond, err := ParseMatch(sub)
				if err != nil {
					return nil, err
				}
				if cond == nil {
					cond = AllOf()
				}
				group.Children = append(group.Children, cond)
			}
			children = append(children, group)
			continue
		}
		if strings.HasPrefix(key, "$") {
			return nil, fmt.Errorf("unsupported match operator: %s", key)
		}
		conds, err := parseFieldMatch(key, val)
		if err != nil {
			return nil, err
		}
		children = append(children, conds...)
	}
	if len(children) == 1 {
		return children[0], nil
	}
	return AllOf(children...), nil
}

func parseFieldMatch(field string, val any) ([]*Condition, error) {
	ops, ok := toMap(val)
	if !ok || !isOperatorObject(ops) {
		return []*Condition{Leaf(field, OpEquals, val)}, nil
	}
	names := make([]string, 0, len(ops))
	for name := range ops {
		names = append(names, name)
	}
	sort.Strings(names)
	res := make([]*Condition, 0, len(names))
	for _, name := range names {
		if name == "$options" {
			continue
		}
		op, found := matchOperators[name]
		if !found {
			return nil, fmt.Errorf("unsupported operator %s for field %s", name, field)
		}
		cond := Leaf(field, op, ops[name])
		if err := cond.Validate(); err != nil {
			return nil, err
		}
		res = append(res, cond)
	}
	return res, nil
}

func isOperatorObject(m map[string]any) bool {
	if len(m) == 0 {
		return false
	}
	for key := range m {
		if !strings.HasPrefix(key, "$") {
			return false
		}
	}
	return true
}

func toMap(val any) (map[string]any, bool) {
	switch v := val.(type) {
	case map[string]any:
		return v, true
	case internal.Document:
		return v, true
	}
	return nil, false
}

// Project returns a copy of the document with only the named fields. Names prefixed with - are removed
// instead. The _id is always kept unless explicitly excluded.
func Project(doc internal.Document, fields []string) internal.Document {
	if len(fields) == 0 {
		return doc.Clone()
	}
	var include, exclude []string
	for _, f := range fields {
		if strings.HasPrefix(f, "-") {
			exclude = append(exclude, f[1:])
		} else {
			include = append(include, f)
		}
	}
	var res internal.Document
	if len(include) > 0 {
		res = make(internal.Document, len(include)+1)
		if id, ok := doc[internal.FieldID]; ok {
			res[internal.FieldID] = id
		}
		for _, f := range include {
			if val, ok := GetPath(doc, f); ok {
				SetPath(res, f, internal.CloneValue(val))
			}
		}
	} else {
		res = doc.Clone()
	}
	for _, f := range exclude {
		DeletePath(res, f)
	}
	return res
}
