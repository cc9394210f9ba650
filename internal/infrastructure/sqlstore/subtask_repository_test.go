package sqlstore

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/domain"
)

func TestSubtaskStartAllocatesNumbers(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB, _ Options) {
		ctx := context.Background()
		repos := NewRepositories(db)
		run := seedRun(t, repos, "worker-1", 100, baseTime)

		first, err := repos.Subtasks.Start(ctx, domain.StartSubtaskInput{RunID: run.ID, Name: "download"}, baseTime)
		require.NoError(t, err)
		assert.Equal(t, 1, first.Number)
		assert.Equal(t, domain.SubtaskStatusStarted, first.Status)

		second, err := repos.Subtasks.Start(ctx, domain.StartSubtaskInput{RunID: run.ID, Name: "parse", ItemsTotal: ptr(int64(10))}, baseTime)
		require.NoError(t, err)
		assert.Equal(t, 2, second.Number)
		assert.Equal(t, int64(10), *second.ItemsTotal)

		explicit, err := repos.Subtasks.Start(ctx, domain.StartSubtaskInput{RunID: run.ID, Number: ptr(5), Name: "load"}, baseTime)
		require.NoError(t, err)
		assert.Equal(t, 5, explicit.Number)

		next, err := repos.Subtasks.Start(ctx, domain.StartSubtaskInput{RunID: run.ID, Name: "index"}, baseTime)
		require.NoError(t, err)
		assert.Equal(t, 6, next.Number)

		got, err := repos.Runs.FindByID(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.RunStatusRunning, got.Status)
		assert.Equal(t, 6, *got.CurrentSubtask)
		assert.Equal(t, 6, *got.TotalSubtasks)

		n, err := repos.Subtasks.ResolveNumber(ctx, run.ID, nil)
		require.NoError(t, err)
		assert.Equal(t, 6, n)

		list, err := repos.Subtasks.ListByRun(ctx, run.ID)
		require.NoError(t, err)
		require.Len(t, list, 4)
		assert.Equal(t, []int{1, 2, 5, 6}, []int{list[0].Number, list[1].Number, list[2].Number, list[3].Number})
	})
}

func TestSubtaskReannounceKeepsCountUnlessTerminal(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB, _ Options) {
		ctx := context.Background()
		repos := NewRepositories(db)
		run := seedRun(t, repos, "worker-1", 100, baseTime)

		_, err := repos.Subtasks.Start(ctx, domain.StartSubtaskInput{RunID: run.ID, Number: ptr(1), Name: "a", ItemsTotal: ptr(int64(4))}, baseTime)
		require.NoError(t, err)
		_, err = repos.Subtasks.Increment(ctx, run.ID, 1, 3, baseTime)
		require.NoError(t, err)

		running := domain.SubtaskStatusRunning
		require.NoError(t, repos.Subtasks.Patch(ctx, run.ID, 1, domain.SubtaskPatch{Status: &running}, baseTime))

		again, err := repos.Subtasks.Start(ctx, domain.StartSubtaskInput{RunID: run.ID, Number: ptr(1), Name: "a2"}, baseTime.Add(time.Second))
		require.NoError(t, err)
		assert.Equal(t, "a2", again.Name)
		assert.Equal(t, domain.SubtaskStatusRunning, again.Status)
		require.NotNil(t, again.StartTime)
		assert.True(t, again.StartTime.Equal(baseTime))
		assert.Equal(t, int64(3), *again.ItemsComplete)
		assert.Equal(t, int64(4), *again.ItemsTotal)
		assert.InDelta(t, 75.0, again.Percent, 0.001)

		// a new total rescales percent against the kept count
		again, err = repos.Subtasks.Start(ctx, domain.StartSubtaskInput{RunID: run.ID, Number: ptr(1), Name: "a2", ItemsTotal: ptr(int64(6))}, baseTime.Add(time.Second))
		require.NoError(t, err)
		assert.Equal(t, int64(3), *again.ItemsComplete)
		assert.Equal(t, int64(6), *again.ItemsTotal)
		assert.InDelta(t, 50.0, again.Percent, 0.001)

		total, err := repos.Subtasks.Increment(ctx, run.ID, 1, 1, baseTime.Add(time.Second))
		require.NoError(t, err)
		assert.Equal(t, int64(4), total)

		completed := domain.SubtaskStatusCompleted
		require.NoError(t, repos.Subtasks.Patch(ctx, run.ID, 1, domain.SubtaskPatch{Status: &completed}, baseTime.Add(2*time.Second)))

		_, err = repos.Subtasks.Start(ctx, domain.StartSubtaskInput{RunID: run.ID, Number: ptr(1), Name: "again"}, baseTime.Add(3*time.Second))
		assert.ErrorIs(t, err, domain.ErrTerminalState)

		got, err := repos.Subtasks.Find(ctx, run.ID, 1)
		require.NoError(t, err)
		assert.Equal(t, domain.SubtaskStatusCompleted, got.Status)
		assert.Equal(t, "a2", got.Name)
		require.NotNil(t, got.EndTime)
	})
}

func TestSubtaskPatch(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB, _ Options) {
		ctx := context.Background()
		repos := NewRepositories(db)
		run := seedRun(t, repos, "worker-1", 100, baseTime)

		_, err := repos.Subtasks.Start(ctx, domain.StartSubtaskInput{RunID: run.ID, Name: "a"}, baseTime)
		require.NoError(t, err)

		running := domain.SubtaskStatusRunning
		err = repos.Subtasks.Patch(ctx, run.ID, 1, domain.SubtaskPatch{Status: &running, Percent: ptr(40.0), Message: ptr("halfway")}, baseTime)
		require.NoError(t, err)

		started := domain.SubtaskStatusStarted
		err = repos.Subtasks.Patch(ctx, run.ID, 1, domain.SubtaskPatch{Status: &started}, baseTime)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)

		failed := domain.SubtaskStatusFailed
		err = repos.Subtasks.Patch(ctx, run.ID, 1, domain.SubtaskPatch{Status: &failed, ErrorMessage: ptr("bad row")}, baseTime)
		require.NoError(t, err)

		err = repos.Subtasks.Patch(ctx, run.ID, 1, domain.SubtaskPatch{Percent: ptr(99.0)}, baseTime)
		assert.ErrorIs(t, err, domain.ErrTerminalState)

		err = repos.Subtasks.Patch(ctx, run.ID, 9, domain.SubtaskPatch{Percent: ptr(1.0)}, baseTime)
		assert.ErrorIs(t, err, domain.ErrSubtaskNotFound)

		got, err := repos.Subtasks.Find(ctx, run.ID, 1)
		require.NoError(t, err)
		assert.Equal(t, domain.SubtaskStatusFailed, got.Status)
		assert.Equal(t, 40.0, got.Percent)
		assert.Equal(t, "bad row", *got.ErrorMessage)
	})
}

func TestSubtaskIncrementUpdatesPercent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB, _ Options) {
		ctx := context.Background()
		repos := NewRepositories(db)
		run := seedRun(t, repos, "worker-1", 100, baseTime)

		_, err := repos.Subtasks.Start(ctx, domain.StartSubtaskInput{RunID: run.ID, Name: "a", ItemsTotal: ptr(int64(8))}, baseTime)
		require.NoError(t, err)

		total, err := repos.Subtasks.Increment(ctx, run.ID, 1, 2, baseTime)
		require.NoError(t, err)
		assert.Equal(t, int64(2), total)

		got, err := repos.Subtasks.Find(ctx, run.ID, 1)
		require.NoError(t, err)
		assert.Equal(t, domain.SubtaskStatusRunning, got.Status)
		assert.InDelta(t, 25.0, got.Percent, 0.001)

		_, err = repos.Subtasks.Increment(ctx, run.ID, 1, 20, baseTime)
		require.NoError(t, err)
		got, err = repos.Subtasks.Find(ctx, run.ID, 1)
		require.NoError(t, err)
		assert.InDelta(t, 100.0, got.Percent, 0.001)
		assert.Equal(t, int64(22), *got.ItemsComplete)

		_, err = repos.Subtasks.Increment(ctx, run.ID, 7, 1, baseTime)
		assert.ErrorIs(t, err, domain.ErrSubtaskNotFound)
	})
}

// Increments from many goroutines spread over several independent handles
// on the same database must all land.
func TestSubtaskIncrementConcurrent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB, opts Options) {
		ctx := context.Background()
		repos := NewRepositories(db)
		run := seedRun(t, repos, "worker-1", 100, baseTime)

		_, err := repos.Subtasks.Start(ctx, domain.StartSubtaskInput{RunID: run.ID, Name: "fanout", ItemsTotal: ptr(int64(100))}, baseTime)
		require.NoError(t, err)

		handles := []*DB{db}
		for i := 0; i < 3; i++ {
			h, err := Connect(ctx, opts)
			require.NoError(t, err)
			t.Cleanup(func() { h.Close() })
			handles = append(handles, h)
		}

		var applied atomic.Int64
		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < 100; i++ {
			subtasks := NewSubtaskRepository(handles[i%len(handles)])
			g.Go(func() error {
				if _, err := subtasks.Increment(gctx, run.ID, 1, 1, time.Now()); err != nil {
					return err
				}
				applied.Add(1)
				return nil
			})
		}
		require.NoError(t, g.Wait())
		assert.Equal(t, int64(100), applied.Load())

		got, err := repos.Subtasks.Find(ctx, run.ID, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(100), *got.ItemsComplete)
		assert.InDelta(t, 100.0, got.Percent, 0.001)
	})
}
