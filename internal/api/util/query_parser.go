package util

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
)

// QueryOperator represents a filter operator
type QueryOperator string

const (
	OpEq        QueryOperator = "eq"
	OpNe        QueryOperator = "ne"
	OpGt        QueryOperator = "gt"
	OpGte       QueryOperator = "gte"
	OpLt        QueryOperator = "lt"
	OpLte       QueryOperator = "lte"
	OpIn        QueryOperator = "in"
	OpNin       QueryOperator = "nin"
	OpIsNull    QueryOperator = "isnull"
	OpIsNotNull QueryOperator = "isnotnull"
)

var validOperators = map[string]QueryOperator{
	"eq":        OpEq,
	"ne":        OpNe,
	"gt":        OpGt,
	"gte":       OpGte,
	"lt":        OpLt,
	"lte":       OpLte,
	"in":        OpIn,
	"nin":       OpNin,
	"isnull":    OpIsNull,
	"isnotnull": OpIsNotNull,
}

func (op QueryOperator) isRange() bool {
	return op == OpGt || op == OpGte || op == OpLt || op == OpLte
}

// FieldKind decides how a filter value is parsed before it reaches the store.
type FieldKind int

const (
	KindText FieldKind = iota
	KindInteger
	KindNumber
	KindTime
	KindBool
	KindEnum
)

// Field is one column a list endpoint exposes.
type Field struct {
	Name     string
	Kind     FieldKind
	Nullable bool
	Sortable bool
	// Values are the accepted upper case values of a KindEnum field.
	Values []string
}

// parse converts raw into the Go value bound for this column.
func (f Field) parse(raw string) (any, error) {
	switch f.Kind {
	case KindInteger:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s must be an integer, got %q", f.Name, raw)
		}
		return n, nil
	case KindNumber:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
			return nil, fmt.Errorf("%s must be a number, got %q", f.Name, raw)
		}
		return n, nil
	case KindBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%s must be true or false, got %q", f.Name, raw)
		}
		return b, nil
	case KindTime:
		t, ok := parseTime(raw)
		if !ok {
			return nil, fmt.Errorf("%s must be a date or RFC3339 timestamp, got %q", f.Name, raw)
		}
		return t, nil
	case KindEnum:
		v := strings.ToUpper(raw)
		if !slices.Contains(f.Values, v) {
			return nil, fmt.Errorf("invalid %s %q (valid values: %s)", f.Name, raw, strings.Join(f.Values, ", "))
		}
		return v, nil
	default:
		return raw, nil
	}
}

// Layouts accepted for time columns. Values without a zone are UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

func parseTime(raw string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// QueryFilter is one validated condition. Value holds the parsed value
// (string, int64, float64, bool or time.Time), a []any for in/nin and nil
// for the null checks.
type QueryFilter struct {
	Field    string
	Operator QueryOperator
	Value    any
}

// OrderDirection represents sort direction
type OrderDirection string

const (
	OrderAsc  OrderDirection = "asc"
	OrderDesc OrderDirection = "desc"
)

// OrderClause represents a single order by clause
type OrderClause struct {
	Field     string
	Direction OrderDirection
}

// Schema checks ?query= and ?order= strings against a fixed set of columns.
// Column names end up in SQL, so nothing outside the schema gets through.
type Schema struct {
	fields map[string]Field
	names  []string
}

func NewSchema(fields ...Field) *Schema {
	s := &Schema{fields: make(map[string]Field, len(fields))}
	for _, f := range fields {
		s.fields[f.Name] = f
		s.names = append(s.names, f.Name)
	}
	return s
}

// Fields returns the filterable column names in declaration order.
func (s *Schema) Fields() []string {
	return slices.Clone(s.names)
}

// SortableFields returns the columns accepted by ParseOrder.
func (s *Schema) SortableFields() []string {
	var out []string
	for _, name := range s.names {
		if s.fields[name].Sortable {
			out = append(out, name)
		}
	}
	return out
}

// ParseQuery parses a query string into typed filter conditions.
// Supports formats:
//   - field|value (defaults to eq operator)
//   - field|isnull or field|isnotnull (null checks)
//   - field|operator|value (explicit operator)
//
// Conditions are comma-separated. A segment without '|' following an in or
// nin condition adds another value to it: status|in|RUNNING,STARTED.
func (s *Schema) ParseQuery(query string) ([]QueryFilter, error) {
	if query == "" {
		return nil, nil
	}

	var filters []QueryFilter
	for _, segment := range strings.Split(query, ",") {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}

		parts := strings.Split(segment, "|")
		if len(parts) == 1 && len(filters) > 0 {
			last := &filters[len(filters)-1]
			if last.Operator == OpIn || last.Operator == OpNin {
				v, err := s.fields[last.Field].parse(segment)
				if err != nil {
					return nil, err
				}
				last.Value = append(last.Value.([]any), v)
				continue
			}
		}

		f, err := s.parseCondition(segment, parts)
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}

	return filters, nil
}

func (s *Schema) parseCondition(segment string, parts []string) (QueryFilter, error) {
	var name, opStr, raw string
	switch len(parts) {
	case 2:
		name, raw = parts[0], parts[1]
		opStr = string(OpEq)
		if lower := strings.ToLower(raw); lower == string(OpIsNull) || lower == string(OpIsNotNull) {
			opStr, raw = lower, ""
		}
	case 3:
		name, opStr, raw = parts[0], strings.ToLower(parts[1]), parts[2]
	default:
		return QueryFilter{}, fmt.Errorf("invalid query format: %s (expected field|value or field|operator|value)", segment)
	}

	field, ok := s.fields[name]
	if !ok {
		return QueryFilter{}, fmt.Errorf("invalid query field: %s (valid fields: %s)", name, strings.Join(s.names, ", "))
	}
	op, ok := validOperators[opStr]
	if !ok {
		return QueryFilter{}, fmt.Errorf("invalid operator: %s", opStr)
	}

	switch {
	case op == OpIsNull || op == OpIsNotNull:
		if !field.Nullable {
			return QueryFilter{}, fmt.Errorf("%s is never null", name)
		}
		if raw != "" {
			return QueryFilter{}, fmt.Errorf("operator %s takes no value", op)
		}
		return QueryFilter{Field: name, Operator: op}, nil
	case op.isRange() && (field.Kind == KindBool || field.Kind == KindEnum):
		return QueryFilter{}, fmt.Errorf("operator %s does not apply to %s", op, name)
	}

	v, err := field.parse(raw)
	if err != nil {
		return QueryFilter{}, err
	}
	if op == OpIn || op == OpNin {
		return QueryFilter{Field: name, Operator: op, Value: []any{v}}, nil
	}
	return QueryFilter{Field: name, Operator: op, Value: v}, nil
}

// ParseOrder parses an order string into order clauses.
// Format: field|direction (direction is asc or desc)
// Multiple clauses are comma-separated.
func (s *Schema) ParseOrder(order string) ([]OrderClause, error) {
	if order == "" {
		return nil, nil
	}

	var orders []OrderClause
	for _, pair := range strings.Split(order, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		parts := strings.Split(pair, "|")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid order format: %s (expected field|direction)", pair)
		}

		if !s.fields[parts[0]].Sortable {
			return nil, fmt.Errorf("invalid order field: %s (valid fields: %s)", parts[0], strings.Join(s.SortableFields(), ", "))
		}

		direction := strings.ToLower(parts[1])
		if direction != string(OrderAsc) && direction != string(OrderDesc) {
			return nil, fmt.Errorf("invalid order direction: %s (expected asc or desc)", direction)
		}

		orders = append(orders, OrderClause{
			Field:     parts[0],
			Direction: OrderDirection(direction),
		})
	}

	return orders, nil
}
