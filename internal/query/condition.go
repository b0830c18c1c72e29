package query

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/shopmonkeyus/schemastore/internal"
)

type Operator string

const (
	OpEquals             Operator = "equals"
	OpNotEquals          Operator = "notEquals"
	OpContains           Operator = "contains"
	OpGreaterThan        Operator = "greaterThan"
	OpLessThan           Operator = "lessThan"
	OpGreaterThanOrEqual Operator = "greaterThanOrEqual"
	OpLessThanOrEqual    Operator = "lessThanOrEqual"
	OpIn                 Operator = "in"
	OpNotIn              Operator = "notIn"
	OpExists             Operator = "exists"
)

// Valid returns true if the operator is known.
func (o Operator) Valid() bool {
	switch o {
	case OpEquals, OpNotEquals, OpContains, OpGreaterThan, OpLessThan,
		OpGreaterThanOrEqual, OpLessThanOrEqual, OpIn, OpNotIn, OpExists:
		return true
	}
	return false
}

type Combinator string

const (
	And Combinator = "and"
	Or  Combinator = "or"
)

// Condition is a node of the filter tree: a leaf comparing a field against a value, or a combinator
// over child conditions.
type Condition struct {
	Field      string       `json:"field,omitempty"`
	Operator   Operator     `json:"operator,omitempty"`
	Value      any          `json:"value,omitempty"`
	Combinator Combinator   `json:"combinator,omitempty"`
	Children   []*Condition `json:"children,omitempty"`
}

// Leaf returns a leaf condition.
func Leaf(field string, op Operator, value any) *Condition {
	return &Condition{Field: field, Operator: op, Value: value}
}

// AllOf returns a condition that holds when every child holds.
func AllOf(children ...*Condition) *Condition {
	return &Condition{Combinator: And, Children: children}
}

// AnyOf returns a condition that holds when at least one child holds.
func AnyOf(children ...*Condition) *Condition {
	return &Condition{Combinator: Or, Children: children}
}

// IsLeaf returns true if the condition compares a field.
func (c *Condition) IsLeaf() bool {
	return c.Combinator == ""
}

func (c *Condition) String() string {
	if c == nil {
		return "true"
	}
	if c.IsLeaf() {
		return fmt.Sprintf("%s %s %v", c.Field, c.Operator, c.Value)
	}
	parts := make([]string, 0, len(c.Children))
	for _, child := range c.Children {
		parts = append(parts, child.String())
	}
	return "(" + strings.Join(parts, " "+string(c.Combinator)+" ") + ")"
}

// Validate checks the tree is well formed.
func (c *Condition) Validate() error {
	if c == nil {
		return nil
	}
	switch c.Combinator {
	case And, Or:
		for _, child := range c.Children {
			if child == nil {
				return fmt.Errorf("%s condition has a nil child", c.Combinator)
			}
			if err := child.Validate(); err != nil {
				return err
			}
		}
		return nil
	case "":
	default:
		return fmt.Errorf("unknown combinator: %s", c.Combinator)
	}
	if c.Field == "" {
		return fmt.Errorf("condition is missing a field")
	}
	if !c.Operator.Valid() {
		return fmt.Errorf("unknown operator %q for field %s", c.Operator, c.Field)
	}
	if c.Operator == OpContains {
		if _, ok := c.Value.(string); !ok {
			return fmt.Errorf("contains requires a string value for field %s", c.Field)
		}
	}
	return nil
}

// EvaluateFilter returns true if the row satisfies the condition. A nil condition matches every row.
// Operands are coerced to the declared type of the field when types can resolve it.
func EvaluateFilter(cond *Condition, row internal.Document, types TypeResolver) bool {
	if cond == nil {
		return true
	}
	switch cond.Combinator {
	case And:
		for _, child := range cond.Children {
			if !EvaluateFilter(child, row, types) {
				return false
			}
		}
		return true
	case Or:
		for _, child := range cond.Children {
			if EvaluateFilter(child, row, types) {
				return true
			}
		}
		return false
	case "":
		return evaluateLeaf(cond, row, types)
	}
	return false
}

func evaluateLeaf(cond *Condition, row internal.Document, types TypeResolver) bool {
	actual, present := GetPath(row, cond.Field)
	ft, _ := resolveType(types, cond.Field)
	switch cond.Operator {
	case OpExists:
		want := true
		if b, ok := cond.Value.(bool); ok {
			want = b
		}
		return (present && actual != nil) == want
	case OpEquals:
		return matchEquals(actual, canonicalEnum(types, cond.Field, cond.Value), ft)
	case OpNotEquals:
		return !matchEquals(actual, canonicalEnum(types, cond.Field, cond.Value), ft)
	case OpIn:
		return matchIn(actual, canonicalEnum(types, cond.Field, cond.Value), ft)
	case OpNotIn:
		return !matchIn(actual, canonicalEnum(types, cond.Field, cond.Value), ft)
	case OpContains:
		return matchContains(actual, cond.Value)
	case OpGreaterThan:
		return matchCompare(actual, cond.Value, ft, func(c int) bool { return c > 0 })
	case OpGreaterThanOrEqual:
		return matchCompare(actual, cond.Value, ft, func(c int) bool { return c >= 0 })
	case OpLessThan:
		return matchCompare(actual, cond.Value, ft, func(c int) bool { return c < 0 })
	case OpLessThanOrEqual:
		return matchCompare(actual, cond.Value, ft, func(c int) bool { return c <= 0 })
	}
	return false
}

// elements returns the values to test: the items of an array or the value itself.
func elements(actual any, ft internal.FieldType) []any {
	if list, ok := actual.([]any); ok && ft != internal.FieldTypeObject {
		return list
	}
	return []any{actual}
}

func equalsOne(actual, operand any, ft internal.FieldType) bool {
	if operand == nil {
		return actual == nil
	}
	if actual == nil {
		return false
	}
	if c, ok := compareTyped(actual, operand, ft); ok {
		return c == 0
	}
	return equalValues(actual, operand)
}

func matchEquals(actual, value any, ft internal.FieldType) bool {
	operand := coerceOperand(value, ft)
	if equalsOne(actual, operand, ft) {
		return true
	}
	if list, ok := actual.([]any); ok {
		for _, item := range list {
			if equalsOne(item, operand, ft) {
				return true
			}
		}
	}
	return false
}

func matchIn(actual, value any, ft internal.FieldType) bool {
	options, ok := value.([]any)
	if !ok {
		if strs, isStrings := value.([]string); isStrings {
			for _, s := range strs {
				options = append(options, s)
			}
		} else {
			options = []any{value}
		}
	}
	for _, option := range options {
		if matchEquals(actual, option, ft) {
			return true
		}
	}
	return false
}

var regexCache sync.Map

func compileContains(pattern string) *regexp.Regexp {
	if re, ok := regexCache.Load(pattern); ok {
		return re.(*regexp.Regexp)
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil
	}
	regexCache.Store(pattern, re)
	return re
}

// matchContains is a case-insensitive regex match, falling back to a substring match when the value is
// not a valid expression. Arrays match when any element matches.
func matchContains(actual, value any) bool {
	pattern, ok := value.(string)
	if !ok {
		pattern, ok = toString(value)
		if !ok {
			return false
		}
	}
	for _, item := range elements(actual, "") {
		s, ok := toString(item)
		if !ok {
			continue
		}
		if re := compileContains(pattern); re != nil {
			if re.MatchString(s) {
				return true
			}
			continue
		}
		if strings.Contains(strings.ToLower(s), strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}

func matchCompare(actual, value any, ft internal.FieldType, test func(int) bool) bool {
	operand := coerceOperand(value, ft)
	for _, item := range elements(actual, ft) {
		if c, ok := compareTyped(item, operand, ft); ok && test(c) {
			return true
		}
	}
	return false
}
