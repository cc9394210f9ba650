package repository

import (
	"context"

	"github.com/Broadband-Catalysts/tasker-sub002/internal/api/util"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/domain"
)

// RunViewFilter embeds ListFilter for generic query/order/pagination
type RunViewFilter struct {
	util.ListFilter
}

// RunViewSchema lists the run view columns callers may filter and sort on.
// Status and metrics error type only accept the values the domain defines.
var RunViewSchema = util.NewSchema(
	util.Field{Name: "run_id", Kind: util.KindText},
	util.Field{Name: "task_id", Kind: util.KindInteger},
	util.Field{Name: "task_name", Kind: util.KindText, Sortable: true},
	util.Field{Name: "task_type", Kind: util.KindText},
	util.Field{Name: "stage_name", Kind: util.KindText, Sortable: true},
	util.Field{Name: "hostname", Kind: util.KindText, Sortable: true},
	util.Field{Name: "pid", Kind: util.KindInteger, Nullable: true},
	util.Field{Name: "status", Kind: util.KindEnum, Sortable: true, Values: enumValues(domain.AllRunStatuses)},
	util.Field{Name: "start_time", Kind: util.KindTime, Sortable: true},
	util.Field{Name: "end_time", Kind: util.KindTime, Nullable: true, Sortable: true},
	util.Field{Name: "last_update", Kind: util.KindTime, Sortable: true},
	util.Field{Name: "overall_percent", Kind: util.KindNumber, Sortable: true},
	util.Field{Name: "metrics_time", Kind: util.KindTime, Nullable: true},
	util.Field{Name: "cpu_percent", Kind: util.KindNumber, Nullable: true, Sortable: true},
	util.Field{Name: "memory_rss_mb", Kind: util.KindNumber, Nullable: true, Sortable: true},
	util.Field{Name: "is_alive", Kind: util.KindBool, Nullable: true},
	util.Field{Name: "metrics_error_type", Kind: util.KindEnum, Nullable: true, Values: enumValues(domain.AllCollectionErrorTypes)},
)

func enumValues[T ~string](values []T) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}

type RunViewRepository interface {
	List(ctx context.Context, filter RunViewFilter) ([]*domain.RunView, error)
	Count(ctx context.Context, filter RunViewFilter) (int, error)
	Get(ctx context.Context, runID string) (*domain.RunView, error)
}
