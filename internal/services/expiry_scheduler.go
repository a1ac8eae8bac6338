package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"invoicegate/pkg/logger"

	"github.com/robfig/cron/v3"
)

// CounterSweeper 内存计数器的过期窗口清理
type CounterSweeper interface {
	Sweep(now time.Time) int
}

// ExpiryScheduler 订阅到期与计数器清理的定时任务
type ExpiryScheduler struct {
	subscriptions *SubscriptionService
	sweepers      []CounterSweeper
	spec          string
	cron          *cron.Cron
	mu            sync.Mutex
	running       bool
}

// NewExpiryScheduler 创建调度器，没有 sweeper 时只处理订阅到期
func NewExpiryScheduler(subscriptions *SubscriptionService, spec string, sweepers ...CounterSweeper) *ExpiryScheduler {
	if spec == "" {
		spec = "*/10 * * * *"
	}
	return &ExpiryScheduler{
		subscriptions: subscriptions,
		sweepers:      sweepers,
		spec:          spec,
		cron:          cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger))),
	}
}

// Start 启动调度器
func (s *ExpiryScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("调度器已经在运行")
	}

	if _, err := s.cron.AddFunc(s.spec, s.RunExpiry); err != nil {
		return fmt.Errorf("无效的cron表达式 %s: %v", s.spec, err)
	}
	if len(s.sweepers) > 0 {
		if _, err := s.cron.AddFunc("@every 1m", s.RunSweep); err != nil {
			return fmt.Errorf("添加计数器清理任务失败: %v", err)
		}
	}

	s.cron.Start()
	s.running = true
	logger.GetLogger().Infof("订阅到期调度器启动成功，cron: %s", s.spec)
	return nil
}

// Stop 停止调度器并等待正在执行的任务结束
func (s *ExpiryScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	logger.GetLogger().Info("订阅到期调度器已停止")
}

// RunExpiry 执行一次订阅到期处理
func (s *ExpiryScheduler) RunExpiry() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := s.subscriptions.ExpireDue(ctx); err != nil {
		logger.GetLogger().Errorf("订阅到期处理失败: %v", err)
	}
}

// RunSweep 清理已结束的计数窗口
func (s *ExpiryScheduler) RunSweep() {
	now := time.Now()
	removed := 0
	for _, sweeper := range s.sweepers {
		removed += sweeper.Sweep(now)
	}
	if removed > 0 {
		logger.GetLogger().Debugf("清理过期计数窗口 %d 个", removed)
	}
}
