package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunRecordsStagesInOrder(t *testing.T) {
	m := NewManager("", zerolog.Nop())
	assert.Len(t, m.RunID, 36)

	require.NoError(t, m.Run(context.Background(), "load", "loading data", func(_ context.Context, job *Job) error {
		job.Logf("rows=%d", 10)
		job.SetResult(10)
		return nil
	}))
	boom := errors.New("boom")
	err := m.Run(context.Background(), "search", "searching", func(context.Context, *Job) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "search")

	jobs := m.ListJobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "load", jobs[0].Type)
	assert.Equal(t, JobCompleted, jobs[0].GetStatus())
	assert.Equal(t, 1.0, jobs[0].GetProgress())
	assert.Equal(t, 10, jobs[0].Result)
	require.Len(t, jobs[0].GetLogs(), 1)
	assert.Contains(t, jobs[0].GetLogs()[0], "rows=10")
	assert.NotNil(t, jobs[0].EndTime)
	assert.GreaterOrEqual(t, jobs[0].Duration().Nanoseconds(), int64(0))

	assert.Equal(t, JobFailed, jobs[1].GetStatus())
	assert.ErrorIs(t, jobs[1].Error, boom)

	got, ok := m.GetJob(jobs[1].ID)
	assert.True(t, ok)
	assert.Same(t, jobs[1], got)
}

func TestCancelJob(t *testing.T) {
	m := NewManager("run-1", zerolog.Nop())
	started := make(chan string)

	done := make(chan error)
	go func() {
		done <- m.Run(context.Background(), "search", "long search", func(ctx context.Context, job *Job) error {
			started <- job.ID
			<-ctx.Done()
			return ctx.Err()
		})
	}()

	id := <-started
	require.NoError(t, m.CancelJob(id))
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)

	job, _ := m.GetJob(id)
	assert.Equal(t, JobCancelled, job.GetStatus())
	assert.Error(t, m.CancelJob(id))
	assert.Error(t, m.CancelJob("missing"))
}
