package cli

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/domain"
)

func TestMetricsState(t *testing.T) {
	sampled := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	died := domain.ErrorTypeProcessDied

	tests := []struct {
		name string
		view domain.RunView
		want string
	}{
		{
			name: "no snapshot",
			view: domain.RunView{Status: domain.RunStatusRunning, MetricsStale: true},
			want: "none",
		},
		{
			name: "collection error",
			view: domain.RunView{Status: domain.RunStatusFailed, MetricsTime: &sampled, MetricsErrorType: &died, MetricsStale: true},
			want: "PROCESS_DIED",
		},
		{
			name: "stale while running",
			view: domain.RunView{Status: domain.RunStatusRunning, MetricsTime: &sampled, MetricsStale: true},
			want: "stale",
		},
		{
			name: "finished run shows its last sample",
			view: domain.RunView{Status: domain.RunStatusCompleted, MetricsTime: &sampled, MetricsStale: true},
			want: formatTime(sampled),
		},
		{
			name: "fresh sample",
			view: domain.RunView{Status: domain.RunStatusStarted, MetricsTime: &sampled},
			want: formatTime(sampled),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, metricsState(&tt.view))
		})
	}
}
