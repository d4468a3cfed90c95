package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingJob struct {
	BaseJob
	execCount int64
	fn        func(ctx context.Context) (*JobResult, error)
}

func newCountingJob(name string, fn func(ctx context.Context) (*JobResult, error)) *countingJob {
	return &countingJob{BaseJob: NewBaseJob(name, time.Second), fn: fn}
}

func (j *countingJob) Execute(ctx context.Context) (*JobResult, error) {
	atomic.AddInt64(&j.execCount, 1)
	if j.fn != nil {
		return j.fn(ctx)
	}
	return &JobResult{ProcessedCount: 1}, nil
}

func (j *countingJob) count() int64 {
	return atomic.LoadInt64(&j.execCount)
}

func TestScheduler_RegisterJob(t *testing.T) {
	s := NewScheduler(Config{})

	job := newCountingJob("sweep", nil)
	require.NoError(t, s.RegisterJob(job, JobConfig{Cron: "*/5 * * * * *", Enabled: true}))
	assert.Error(t, s.RegisterJob(job, JobConfig{Cron: "*/5 * * * * *", Enabled: true}))

	// 表达式无效时不保留注册
	bad := newCountingJob("bad", nil)
	assert.Error(t, s.RegisterJob(bad, JobConfig{Cron: "every now and then", Enabled: true}))
	assert.Error(t, s.TriggerJob("bad"))
	assert.NoError(t, s.RegisterJob(bad, JobConfig{Cron: "@every 1m", Enabled: true}))

	assert.Error(t, s.TriggerJob("missing"))
}

func TestScheduler_RunsOnSchedule(t *testing.T) {
	s := NewScheduler(Config{})
	job := newCountingJob("tick", nil)
	disabled := newCountingJob("disabled", nil)
	require.NoError(t, s.RegisterJob(job, JobConfig{Cron: "@every 1s", Enabled: true}))
	require.NoError(t, s.RegisterJob(disabled, JobConfig{Cron: "@every 1s", Enabled: false}))

	s.Start()
	require.Eventually(t, func() bool { return job.count() > 0 }, 3*time.Second, 20*time.Millisecond)
	s.Stop()

	assert.Zero(t, disabled.count())
}

func TestScheduler_TriggerDisabledJob(t *testing.T) {
	s := NewScheduler(Config{})
	job := newCountingJob("manual", func(context.Context) (*JobResult, error) {
		return nil, errors.New("endpoint pool empty")
	})
	require.NoError(t, s.RegisterJob(job, JobConfig{Enabled: false}))

	require.NoError(t, s.TriggerJob("manual"))
	s.Stop()
	assert.EqualValues(t, 1, job.count())
}

func TestScheduler_SkipsBeyondConcurrencyLimit(t *testing.T) {
	s := NewScheduler(Config{MaxConcurrentJobs: 1})

	started := make(chan struct{})
	release := make(chan struct{})
	slow := newCountingJob("slow", func(context.Context) (*JobResult, error) {
		close(started)
		<-release
		return &JobResult{AffectedCount: 1}, nil
	})
	other := newCountingJob("other", nil)
	require.NoError(t, s.RegisterJob(slow, JobConfig{}))
	require.NoError(t, s.RegisterJob(other, JobConfig{}))

	require.NoError(t, s.TriggerJob("slow"))
	<-started

	// 唯一的执行位被占用，本次直接跳过
	s.executeJob(other)
	assert.Zero(t, other.count())

	close(release)
	s.Stop()
	assert.EqualValues(t, 1, slow.count())
}

func TestScheduler_StopCancelsRunningJob(t *testing.T) {
	s := NewScheduler(Config{})

	started := make(chan struct{})
	job := newCountingJob("long", func(ctx context.Context) (*JobResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	job.timeout = time.Minute
	require.NoError(t, s.RegisterJob(job, JobConfig{}))

	require.NoError(t, s.TriggerJob("long"))
	<-started

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	// 停止后不再执行
	s.executeJob(job)
	assert.EqualValues(t, 1, job.count())
}
