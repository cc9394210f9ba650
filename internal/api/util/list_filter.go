package util

// ListFilter is a parsed list request: conditions from ?query=, sort keys
// from ?order= and the requested page.
type ListFilter struct {
	Filters []QueryFilter
	Order   []OrderClause
	Page    int
	PerPage int
}

// NewListFilter parses query and order against schema.
func NewListFilter(schema *Schema, query, order string, page, perPage int) (ListFilter, error) {
	filters, err := schema.ParseQuery(query)
	if err != nil {
		return ListFilter{}, err
	}
	orders, err := schema.ParseOrder(order)
	if err != nil {
		return ListFilter{}, err
	}
	return ListFilter{Filters: filters, Order: orders, Page: page, PerPage: perPage}, nil
}

// Offset is the number of rows before the requested page.
func (f ListFilter) Offset() int {
	if f.Page <= 1 || f.PerPage <= 0 {
		return 0
	}
	return (f.Page - 1) * f.PerPage
}

// TotalPages is the page count for total matching rows. An unpaged filter
// has everything on one page.
func (f ListFilter) TotalPages(total int) int {
	if total <= 0 {
		return 0
	}
	if f.PerPage <= 0 {
		return 1
	}
	return (total + f.PerPage - 1) / f.PerPage
}
