package domain

import "time"

type SubtaskProgress struct {
	ID            int64         `db:"id"`
	RunID         string        `db:"run_id"`
	Number        int           `db:"subtask_number"`
	Name          string        `db:"name"`
	Status        SubtaskStatus `db:"status"`
	StartTime     *time.Time    `db:"start_time"`
	EndTime       *time.Time    `db:"end_time"`
	LastUpdate    time.Time     `db:"last_update"`
	Percent       float64       `db:"percent"`
	ItemsTotal    *int64        `db:"items_total"`
	ItemsComplete *int64        `db:"items_complete"`
	Message       *string       `db:"message"`
	ErrorMessage  *string       `db:"error_message"`
}

// PercentComplete derives progress from the item counters when a total is
// known, falling back to the explicitly reported percentage.
func (s *SubtaskProgress) PercentComplete() float64 {
	if s.ItemsTotal != nil && *s.ItemsTotal > 0 {
		done := int64(0)
		if s.ItemsComplete != nil {
			done = *s.ItemsComplete
		}
		pct := float64(done) * 100 / float64(*s.ItemsTotal)
		if pct > 100 {
			return 100
		}
		return pct
	}
	return s.Percent
}

type StartSubtaskInput struct {
	RunID      string
	Number     *int // next free number when nil
	Name       string
	ItemsTotal *int64
}

// SubtaskPatch is a partial update of a subtask.
//
// ItemsComplete is an absolute overwrite and loses updates when several
// workers report progress concurrently. Concurrent workers must use the
// counter service's Increment instead.
type SubtaskPatch struct {
	Status        *SubtaskStatus
	Percent       *float64
	ItemsTotal    *int64
	ItemsComplete *int64
	Message       *string
	ErrorMessage  *string
}

func (p SubtaskPatch) IsEmpty() bool {
	return p.Status == nil && p.Percent == nil && p.ItemsTotal == nil &&
		p.ItemsComplete == nil && p.Message == nil && p.ErrorMessage == nil
}
