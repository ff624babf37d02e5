package task

import (
	"context"
	"log/slog"
	"time"

	"agentmarket/pkg/logger"
)

// Sweeper 周期性过期逾期任务。惰性过期已保证正确性，它只负责及时清理。
type Sweeper struct {
	service   *Service
	interval  time.Duration
	batchSize int
}

// NewSweeper 创建清扫器。
func NewSweeper(service *Service, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Sweeper{service: service, interval: interval, batchSize: 200}
}

// Run 持续运行直到 ctx 结束。
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			expired, err := s.service.ExpireOverdue(ctx, s.batchSize)
			if err != nil {
				logger.L().Warn("任务清扫失败", slog.Any("error", err))
				continue
			}
			if expired > 0 {
				logger.L().Debug("任务清扫完成", slog.Int("expired", expired))
			}
		}
	}
}
