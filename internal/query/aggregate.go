package query

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/shopmonkeyus/schemastore/internal"
	"github.com/shopmonkeyus/schemastore/internal/util"
)

// Stage is one step of an aggregation pipeline, a single-key object such as {"$match": {...}}.
type Stage struct {
	Op    string
	Value any
	// sort keys in the order they were written, only for $sort
	sort SortSpec
}

// NewStage returns a stage. For $sort use NewSortStage so the key order is explicit.
func NewStage(op string, value any) Stage {
	return Stage{Op: op, Value: value}
}

// NewSortStage returns a $sort stage.
func NewSortStage(keys ...SortKey) Stage {
	return Stage{Op: "$sort", sort: keys}
}

func (s *Stage) UnmarshalJSON(data []byte) error {
	obj, err := util.DecodeOrderedObject(data)
	if err != nil {
		return fmt.Errorf("error decoding stage: %w", err)
	}
	if len(obj.Keys) != 1 {
		return fmt.Errorf("a stage must have exactly one operator, found %d", len(obj.Keys))
	}
	s.Op = obj.Keys[0]
	raw := obj.Values[s.Op]
	if s.Op == "$sort" {
		keys, err := util.DecodeOrderedObject(raw)
		if err != nil {
			return fmt.Errorf("error decoding $sort: %w", err)
		}
		s.sort = make(SortSpec, 0, len(keys.Keys))
		for _, key := range keys.Keys {
			var dir Direction
			if err := json.Unmarshal(keys.Values[key], &dir); err != nil {
				return fmt.Errorf("error decoding $sort for %s: %w", key, err)
			}
			s.sort = append(s.sort, SortKey{Field: key, Direction: dir})
		}
		return nil
	}
	if err := json.Unmarshal(raw, &s.Value); err != nil {
		return fmt.Errorf("error decoding %s: %w", s.Op, err)
	}
	return nil
}

func (s Stage) MarshalJSON() ([]byte, error) {
	if s.Op == "$sort" {
		var sb strings.Builder
		sb.WriteString(`{"$sort":{`)
		for i, key := range s.sort {
			if i > 0 {
				sb.WriteString(",")
			}
			name, _ := json.Marshal(key.Field)
			sb.Write(name)
			if key.Direction == Descending {
				sb.WriteString(":-1")
			} else {
				sb.WriteString(":1")
			}
		}
		sb.WriteString("}}")
		return []byte(sb.String()), nil
	}
	return json.Marshal(map[string]any{s.Op: s.Value})
}

// Pipeline is an ordered list of stages.
type Pipeline []Stage

// ParsePipeline decodes a JSON array of stages.
func ParsePipeline(data []byte) (Pipeline, error) {
	var p Pipeline
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return p, nil
}

// LookupFunc returns the rows of another table for $lookup.
type LookupFunc func(ctx context.Context, table string) ([]internal.Document, error)

// Aggregate runs the pipeline over the rows. Field types only apply until a stage reshapes the rows.
func Aggregate(ctx context.Context, rows []internal.Document, pipeline Pipeline, lookup LookupFunc, types TypeResolver) ([]internal.Document, error) {
	current := make([]internal.Document, len(rows))
	copy(current, rows)
	for i, stage := range pipeline {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var err error
		current, err = runStage(ctx, current, stage, lookup, types)
		if err != nil {
			return nil, fmt.Errorf("stage %d (%s): %w", i, stage.Op, err)
		}
		switch stage.Op {
		case "$group", "$project", "$addFields", "$set", "$lookup", "$unwind", "$count":
			types = nil
		}
	}
	return current, nil
}

func runStage(ctx context.Context, rows []internal.Document, stage Stage, lookup LookupFunc, types TypeResolver) ([]internal.Document, error) {
	switch stage.Op {
	case "$match":
		m, ok := toMap(stage.Value)
		if !ok {
			return nil, fmt.Errorf("requires an object")
		}
		cond, err := ParseMatch(m)
		if err != nil {
			return nil, err
		}
		res := make([]internal.Document, 0, len(rows))
		for _, row := range rows {
			if EvaluateFilter(cond, row, types) {
				res = append(res, row)
			}
		}
		return res, nil
	case "$sort":
		if len(stage.sort) == 0 {
			return nil, fmt.Errorf("requires at least one key")
		}
		res := make([]internal.Document, len(rows))
		copy(res, rows)
		stage.sort.Sort(res, types)
		return res, nil
	case "$skip", "$limit":
		n, ok := internal.ToFloat(stage.Value, false)
		if !ok || n < 0 {
			return nil, fmt.Errorf("requires a non-negative number")
		}
		count := int(n)
		if stage.Op == "$skip" {
			if count >= len(rows) {
				return []internal.Document{}, nil
			}
			return rows[count:], nil
		}
		if count < len(rows) {
			return rows[:count], nil
		}
		return rows, nil
	case "$group":
		spec, ok := toMap(stage.Value)
		if !ok {
			return nil, fmt.Errorf("requires an object")
		}
		return group(rows, spec)
	case "$project":
		spec, ok := toMap(stage.Value)
		if !ok {
			return nil, fmt.Errorf("requires an object")
		}
		return project(rows, spec)
	case "$addFields", "$set":
		spec, ok := toMap(stage.Value)
		if !ok {
			return nil, fmt.Errorf("requires an object")
		}
		res := make([]internal.Document, 0, len(rows))
		for _, row := range rows {
			doc := row.Clone()
			for _, key := range sortedKeys(spec) {
				val, err := evaluate(spec[key], row)
				if err != nil {
					return nil, err
				}
				SetPath(doc, key, val)
			}
			res = append(res, doc)
		}
		return res, nil
	case "$unwind":
		return unwind(rows, stage.Value)
	case "$lookup":
		return lookupStage(ctx, rows, stage.Value, lookup)
	case "$count":
		name, ok := stage.Value.(string)
		if !ok || name == "" {
			return nil, fmt.Errorf("requires a field name")
		}
		return []internal.Document{{name: float64(len(rows))}}, nil
	}
	return nil, fmt.Errorf("unsupported stage")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

type accumulator struct {
	field string
	op    string
	expr  any
}

type groupState struct {
	key    any
	values map[string]any
	counts map[string]int
	seen   map[string]map[uint64]bool
}

func group(rows []internal.Document, spec map[string]any) ([]internal.Document, error) {
	idExpr, ok := spec[internal.FieldID]
	if !ok {
		return nil, fmt.Errorf("requires an %s expression", internal.FieldID)
	}
	var accs []accumulator
	for _, field := range sortedKeys(spec) {
		if field == internal.FieldID {
			continue
		}
		def, ok := toMap(spec[field])
		if !ok || len(def) != 1 {
			return nil, fmt.Errorf("field %s must be a single accumulator object", field)
		}
		for op, expr := range def {
			switch op {
			case "$sum", "$avg", "$min", "$max", "$count", "$first", "$last", "$push", "$addToSet":
			default:
				return nil, fmt.Errorf("unsupported accumulator %s for field %s", op, field)
			}
			accs = append(accs, accumulator{field: field, op: op, expr: expr})
		}
	}
	var order []uint64
	groups := make(map[uint64]*groupState)
	for _, row := range rows {
		key, err := evaluate(idExpr, row)
		if err != nil {
			return nil, err
		}
		hash := util.HashValue(key)
		state, found := groups[hash]
		if !found {
			state = &groupState{key: key, values: make(map[string]any), counts: make(map[string]int), seen: make(map[string]map[uint64]bool)}
			groups[hash] = state
			order = append(order, hash)
		}
		for _, acc := range accs {
			if err := state.accumulate(acc, row); err != nil {
				return nil, err
			}
		}
	}
	res := make([]internal.Document, 0, len(order))
	for _, hash := range order {
		state := groups[hash]
		doc := internal.Document{internal.FieldID: state.key}
		for _, acc := range accs {
			doc[acc.field] = state.result(acc)
		}
		res = append(res, doc)
	}
	return res, nil
}

func (g *groupState) accumulate(acc accumulator, row internal.Document) error {
	if acc.op == "$count" {
		g.counts[acc.field]++
		return nil
	}
	val, err := evaluate(acc.expr, row)
	if err != nil {
		return err
	}
	current := g.values[acc.field]
	switch acc.op {
	case "$sum", "$avg":
		f, ok := internal.ToFloat(val, false)
		if !ok {
			return nil
		}
		sum, _ := current.(float64)
		g.values[acc.field] = sum + f
		g.counts[acc.field]++
	case "$min", "$max":
		if val == nil {
			return nil
		}
		if current == nil {
			g.values[acc.field] = val
			return nil
		}
		c := CompareAny(val, current)
		if (acc.op == "$min" && c < 0) || (acc.op == "$max" && c > 0) {
			g.values[acc.field] = val
		}
	case "$first":
		if _, ok := g.counts[acc.field]; !ok {
			g.values[acc.field] = val
			g.counts[acc.field] = 1
		}
	case "$last":
		g.values[acc.field] = val
	case "$push":
		list, _ := current.([]any)
		g.values[acc.field] = append(list, val)
	case "$addToSet":
		seen := g.seen[acc.field]
		if seen == nil {
			seen = make(map[uint64]bool)
			g.seen[acc.field] = seen
		}
		list, _ := current.([]any)
		if list == nil {
			list = []any{}
		}
		hash := util.HashValue(val)
		if !seen[hash] {
			seen[hash] = true
			list = append(list, val)
		}
		g.values[acc.field] = list
	}
	return nil
}

func (g *groupState) result(acc accumulator) any {
	switch acc.op {
	case "$count":
		return float64(g.counts[acc.field])
	case "$sum":
		sum, _ := g.values[acc.field].(float64)
		return sum
	case "$avg":
		n := g.counts[acc.field]
		if n == 0 {
			return nil
		}
		return g.values[acc.field].(float64) / float64(n)
	case "$push", "$addToSet":
		if list, ok := g.values[acc.field].([]any); ok {
			return list
		}
		return []any{}
	}
	return g.values[acc.field]
}

func isFlag(val any) (bool, bool) {
	switch v := val.(type) {
	case bool:
		return v, true
	}
	if f, ok := internal.ToFloat(val, false); ok && (f == 0 || f == 1) {
		return f == 1, true
	}
	return false, false
}

func project(rows []internal.Document, spec map[string]any) ([]internal.Document, error) {
	includeID := true
	inclusion := false
	var excluded []string
	for key, val := range spec {
		flag, ok := isFlag(val)
		if key == internal.FieldID && ok {
			includeID = flag
			continue
		}
		if !ok || flag {
			inclusion = true
		} else {
			excluded = append(excluded, key)
		}
	}
	if inclusion && len(excluded) > 0 {
		return nil, fmt.Errorf("cannot mix inclusion and exclusion")
	}
	keys := sortedKeys(spec)
	res := make([]internal.Document, 0, len(rows))
	for _, row := range rows {
		var doc internal.Document
		if inclusion {
			doc = make(internal.Document, len(spec))
			for _, key := range keys {
				if key == internal.FieldID {
					continue
				}
				val := spec[key]
				if _, ok := isFlag(val); ok {
					if v, found := GetPath(row, key); found {
						SetPath(doc, key, internal.CloneValue(v))
					}
					continue
				}
				v, err := evaluate(val, row)
				if err != nil {
					return nil, err
				}
				SetPath(doc, key, v)
			}
			if id, ok := row[internal.FieldID]; ok && includeID {
				doc[internal.FieldID] = id
			}
		} else {
			doc = row.Clone()
			for _, key := range excluded {
				DeletePath(doc, key)
			}
			if !includeID {
				delete(doc, internal.FieldID)
			}
		}
		res = append(res, doc)
	}
	return res, nil
}

func unwind(rows []internal.Document, spec any) ([]internal.Document, error) {
	var path string
	var preserve bool
	switch v := spec.(type) {
	case string:
		path = v
	default:
		m, ok := toMap(spec)
		if !ok {
			return nil, fmt.Errorf("requires a path")
		}
		path, _ = m["path"].(string)
		preserve, _ = m["preserveNullAndEmptyArrays"].(bool)
	}
	if !strings.HasPrefix(path, "$") || len(path) < 2 {
		return nil, fmt.Errorf("path must start with $")
	}
	field := path[1:]
	res := make([]internal.Document, 0, len(rows))
	for _, row := range rows {
		val, found := GetPath(row, field)
		list, isList := val.([]any)
		switch {
		case isList && len(list) > 0:
			for _, item := range list {
				doc := row.Clone()
				SetPath(doc, field, internal.CloneValue(item))
				res = append(res, doc)
			}
		case isList || !found || val == nil:
			if preserve {
				doc := row.Clone()
				if isList {
					DeletePath(doc, field)
				}
				res = append(res, doc)
			}
		default:
			res = append(res, row)
		}
	}
	return res, nil
}

func lookupStage(ctx context.Context, rows []internal.Document, spec any, lookup LookupFunc) ([]internal.Document, error) {
	m, ok := toMap(spec)
	if !ok {
		return nil, fmt.Errorf("requires an object")
	}
	from, _ := m["from"].(string)
	localField, _ := m["localField"].(string)
	foreignField, _ := m["foreignField"].(string)
	as, _ := m["as"].(string)
	if from == "" || localField == "" || foreignField == "" || as == "" {
		return nil, fmt.Errorf("requires from, localField, foreignField and as")
	}
	if lookup == nil {
		return nil, fmt.Errorf("lookups are not available")
	}
	foreign, err := lookup(ctx, from)
	if err != nil {
		return nil, err
	}
	res := make([]internal.Document, 0, len(rows))
	for _, row := range rows {
		local, _ := GetPath(row, localField)
		matches := []any{}
		for _, other := range foreign {
			value, _ := GetPath(other, foreignField)
			if lookupMatches(local, value) {
				matches = append(matches, map[string]any(other.Clone()))
			}
		}
		doc := row.Clone()
		SetPath(doc, as, matches)
		res = append(res, doc)
	}
	return res, nil
}

func lookupMatches(local, foreign any) bool {
	if list, ok := local.([]any); ok {
		for _, item := range list {
			if lookupMatches(item, foreign) {
				return true
			}
		}
		return false
	}
	if list, ok := foreign.([]any); ok {
		for _, item := range list {
			if equalValues(local, item) {
				return true
			}
		}
		return false
	}
	return equalValues(local, foreign)
}

// evaluate computes an expression: "$path" references a field, an object with a single $operator key applies
// it and anything else is a literal (objects and arrays are evaluated element-wise).
func evaluate(expr any, doc internal.Document) (any, error) {
	switch v := expr.(type) {
	case string:
		if strings.HasPrefix(v, "$") && len(v) > 1 {
			if v == "$$ROOT" {
				return map[string]any(doc.Clone()), nil
			}
			val, _ := GetPath(doc, v[1:])
			return val, nil
		}
		return v, nil
	case []any:
		res := make([]any, 0, len(v))
		for _, item := range v {
			val, err := evaluate(item, doc)
			if err != nil {
				return nil, err
			}
			res = append(res, val)
		}
		return res, nil
	}
	m, ok := toMap(expr)
	if !ok {
		return expr, nil
	}
	if len(m) == 1 {
		for op, arg := range m {
			if strings.HasPrefix(op, "$") {
				return evaluateOperator(op, arg, doc)
			}
		}
	}
	res := make(map[string]any, len(m))
	for key, item := range m {
		val, err := evaluate(item, doc)
		if err != nil {
			return nil, err
		}
		res[key] = val
	}
	return res, nil
}

func evaluateArgs(arg any, doc internal.Document) ([]any, error) {
	list, ok := arg.([]any)
	if !ok {
		list = []any{arg}
	}
	res := make([]any, 0, len(list))
	for _, item := range list {
		val, err := evaluate(item, doc)
		if err != nil {
			return nil, err
		}
		res = append(res, val)
	}
	return res, nil
}

func evaluateOperator(op string, arg any, doc internal.Document) (any, error) {
	if op == "$literal" {
		return arg, nil
	}
	args, err := evaluateArgs(arg, doc)
	if err != nil {
		return nil, err
	}
	switch op {
	case "$concat":
		var sb strings.Builder
		for _, a := range args {
			if a == nil {
				return nil, nil
			}
			s, ok := toString(a)
			if !ok {
				return nil, fmt.Errorf("$concat only supports strings")
			}
			sb.WriteString(s)
		}
		return sb.String(), nil
	case "$add", "$multiply":
		total := 0.0
		if op == "$multiply" {
			total = 1
		}
		for _, a := range args {
			if a == nil {
				return nil, nil
			}
			f, ok := internal.ToFloat(a, false)
			if !ok {
				return nil, fmt.Errorf("%s only supports numbers", op)
			}
			if op == "$add" {
				total += f
			} else {
				total *= f
			}
		}
		return total, nil
	case "$subtract", "$divide":
		if len(args) != 2 {
			return nil, fmt.Errorf("%s requires two arguments", op)
		}
		if args[0] == nil || args[1] == nil {
			return nil, nil
		}
		a, ok1 := internal.ToFloat(args[0], false)
		b, ok2 := internal.ToFloat(args[1], false)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("%s only supports numbers", op)
		}
		if op == "$subtract" {
			return a - b, nil
		}
		if b == 0 {
			return nil, nil
		}
		return a / b, nil
	case "$toUpper", "$toLower":
		if len(args) != 1 {
			return nil, fmt.Errorf("%s requires one argument", op)
		}
		if args[0] == nil {
			return "", nil
		}
		s, ok := toString(args[0])
		if !ok {
			return nil, fmt.Errorf("%s only supports strings", op)
		}
		if op == "$toUpper" {
			return strings.ToUpper(s), nil
		}
		return strings.ToLower(s), nil
	case "$size":
		if len(args) != 1 {
			return nil, fmt.Errorf("$size requires one argument")
		}
		list, ok := args[0].([]any)
		if !ok {
			return nil, fmt.Errorf("$size requires an array")
		}
		return float64(len(list)), nil
	case "$ifNull":
		for _, a := range args {
			if a != nil {
				return a, nil
			}
		}
		return nil, nil
	}
	return nil, fmt.Errorf("unsupported expression operator: %s", op)
}
