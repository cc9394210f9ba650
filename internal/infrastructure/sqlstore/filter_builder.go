package sqlstore

import (
	"fmt"
	"strings"
	"time"

	"github.com/Broadband-Catalysts/tasker-sub002/internal/api/util"
)

var comparisonOps = map[util.QueryOperator]string{
	util.OpEq:  "=",
	util.OpNe:  "<>",
	util.OpGt:  ">",
	util.OpGte: ">=",
	util.OpLt:  "<",
	util.OpLte: "<=",
}

// filterArg binds a parsed filter value. Times go through dbTime so the
// driver formats them like stored values: SQLite compares the text, Postgres
// compares timestamps.
func filterArg(v any) any {
	if t, ok := v.(time.Time); ok {
		return dbTime(t)
	}
	return v
}

// BuildFilterClause renders one schema-validated condition with '?'
// placeholders. Callers Rebind the finished query.
func BuildFilterClause(f util.QueryFilter) (string, []any) {
	switch f.Operator {
	case util.OpIsNull:
		return f.Field + " IS NULL", nil
	case util.OpIsNotNull:
		return f.Field + " IS NOT NULL", nil
	case util.OpIn, util.OpNin:
		values, _ := f.Value.([]any)
		if len(values) == 0 {
			return "", nil
		}
		args := make([]any, len(values))
		for i, v := range values {
			args[i] = filterArg(v)
		}
		keyword := "IN"
		if f.Operator == util.OpNin {
			keyword = "NOT IN"
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
		return fmt.Sprintf("%s %s (%s)", f.Field, keyword, placeholders), args
	}

	op, ok := comparisonOps[f.Operator]
	if !ok {
		return "", nil
	}
	return fmt.Sprintf("%s %s ?", f.Field, op), []any{filterArg(f.Value)}
}

// ApplyFilters ANDs every condition onto a query that already has a WHERE.
func ApplyFilters(query string, args []any, filters []util.QueryFilter) (string, []any) {
	for _, f := range filters {
		clause, filterArgs := BuildFilterClause(f)
		if clause != "" {
			query += " AND " + clause
			args = append(args, filterArgs...)
		}
	}
	return query, args
}

// ApplyOrdering applies OrderClauses to a query
func ApplyOrdering(query string, orders []util.OrderClause, defaultOrder string) string {
	if len(orders) == 0 {
		return query + " ORDER BY " + defaultOrder
	}
	clauses := make([]string, len(orders))
	for i, o := range orders {
		direction := "ASC"
		if o.Direction == util.OrderDesc {
			direction = "DESC"
		}
		clauses[i] = o.Field + " " + direction
	}
	return query + " ORDER BY " + strings.Join(clauses, ", ")
}

// ApplyPagination limits the query to the filter's page.
func ApplyPagination(query string, args []any, filter util.ListFilter) (string, []any) {
	if filter.PerPage <= 0 {
		return query, args
	}
	query += " LIMIT ?"
	args = append(args, filter.PerPage)
	if offset := filter.Offset(); offset > 0 {
		query += " OFFSET ?"
		args = append(args, offset)
	}
	return query, args
}
