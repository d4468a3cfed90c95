// Package scheduler 按 cron 表达式执行过期清理、节点探活等周期任务
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-dapp/internal/metrics"
	"github.com/eidos-exchange/eidos/eidos-dapp/pkg/logger"
)

// 执行状态
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Scheduler 任务调度器
type Scheduler struct {
	cron          *cron.Cron
	jobs          map[string]Job
	mu            sync.RWMutex
	maxConcurrent int
	running       chan struct{}
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// JobConfig 任务配置
type JobConfig struct {
	Cron    string
	Enabled bool
}

// Config 调度器配置
type Config struct {
	MaxConcurrentJobs int
}

// NewScheduler 创建调度器
func NewScheduler(cfg Config) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	maxConcurrent := cfg.MaxConcurrentJobs
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}

	return &Scheduler{
		cron:          cron.New(cron.WithSeconds()), // 支持秒级调度
		jobs:          make(map[string]Job),
		maxConcurrent: maxConcurrent,
		running:       make(chan struct{}, maxConcurrent),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// RegisterJob 注册任务
func (s *Scheduler) RegisterJob(job Job, config JobConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.Name()]; exists {
		return fmt.Errorf("job %s already registered", job.Name())
	}
	s.jobs[job.Name()] = job

	if !config.Enabled {
		logger.Info("job registered but disabled", zap.String("job", job.Name()))
		return nil
	}

	if _, err := s.cron.AddFunc(config.Cron, func() { s.executeJob(job) }); err != nil {
		delete(s.jobs, job.Name())
		return fmt.Errorf("failed to add cron job %s: %w", job.Name(), err)
	}

	logger.Info("job registered",
		zap.String("job", job.Name()),
		zap.String("cron", config.Cron))
	return nil
}

// Start 启动调度器
func (s *Scheduler) Start() {
	s.cron.Start()
	logger.Info("scheduler started")
}

// Stop 停止调度器，等待进行中的任务结束
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.wg.Wait()
	logger.Info("scheduler stopped")
}

// TriggerJob 手动触发任务，已注册但禁用的任务也可触发
func (s *Scheduler) TriggerJob(jobName string) error {
	s.mu.RLock()
	job, exists := s.jobs[jobName]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("job %s not found", jobName)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.executeJob(job)
	}()
	return nil
}

// executeJob 执行任务，超过并发上限时跳过本次
func (s *Scheduler) executeJob(job Job) {
	select {
	case s.running <- struct{}{}:
		defer func() { <-s.running }()
	default:
		logger.Warn("max concurrent jobs reached, skipping", zap.String("job", job.Name()))
		metrics.JobExecutionsTotal.WithLabelValues(job.Name(), StatusSkipped).Inc()
		return
	}

	select {
	case <-s.ctx.Done():
		return
	default:
	}

	ctx, cancel := context.WithTimeout(s.ctx, job.Timeout())
	defer cancel()

	start := time.Now()
	result, err := job.Execute(ctx)
	elapsed := time.Since(start)
	metrics.JobDuration.WithLabelValues(job.Name()).Observe(elapsed.Seconds())

	if err != nil {
		metrics.JobExecutionsTotal.WithLabelValues(job.Name(), StatusFailed).Inc()
		logger.Error("job failed",
			zap.String("job", job.Name()),
			zap.Duration("duration", elapsed),
			zap.Error(err))
		return
	}

	metrics.JobExecutionsTotal.WithLabelValues(job.Name(), StatusSuccess).Inc()
	fields := []zap.Field{zap.String("job", job.Name()), zap.Duration("duration", elapsed)}
	if result != nil {
		fields = append(fields,
			zap.Int("processed", result.ProcessedCount),
			zap.Int("affected", result.AffectedCount),
			zap.Any("details", result.Details))
	}
	// 无变化时只记 Debug
	if result != nil && result.AffectedCount > 0 {
		logger.Info("job completed", fields...)
	} else {
		logger.Debug("job completed", fields...)
	}
}
