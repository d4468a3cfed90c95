package scheduler

import (
	"context"
	"time"
)

// Job 定时任务
type Job interface {
	// Name 任务名称
	Name() string
	// Execute 执行任务
	Execute(ctx context.Context) (*JobResult, error)
	// Timeout 单次执行超时
	Timeout() time.Duration
}

// JobResult 任务执行结果
type JobResult struct {
	// ProcessedCount 处理的记录数
	ProcessedCount int
	// AffectedCount 状态发生变化的记录数
	AffectedCount int
	// Details 详细信息
	Details map[string]interface{}
}

// BaseJob 基础任务实现
type BaseJob struct {
	name    string
	timeout time.Duration
}

// NewBaseJob 创建基础任务
func NewBaseJob(name string, timeout time.Duration) BaseJob {
	return BaseJob{name: name, timeout: timeout}
}

// Name 任务名称
func (j BaseJob) Name() string {
	return j.name
}

// Timeout 单次执行超时
func (j BaseJob) Timeout() time.Duration {
	return j.timeout
}

// FuncJob 以函数实现的任务
type FuncJob struct {
	BaseJob
	fn func(ctx context.Context) (*JobResult, error)
}

// NewFuncJob 创建函数任务
func NewFuncJob(name string, timeout time.Duration, fn func(ctx context.Context) (*JobResult, error)) *FuncJob {
	return &FuncJob{BaseJob: NewBaseJob(name, timeout), fn: fn}
}

// Execute 执行任务
func (j *FuncJob) Execute(ctx context.Context) (*JobResult, error) {
	return j.fn(ctx)
}
