package execution

import (
	"context"
	"log/slog"
	"time"

	"agentmarket/pkg/logger"
)

// Sweeper 周期性地将逾期的执行记录标记为失败。
type Sweeper struct {
	machine   *Machine
	interval  time.Duration
	batchSize int
}

// NewSweeper 创建清扫器。
func NewSweeper(machine *Machine, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Sweeper{machine: machine, interval: interval, batchSize: 200}
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
			expired, err := s.machine.ExpireOverdue(ctx, s.batchSize)
			if err != nil {
				logger.L().Warn("执行记录清扫失败", slog.Any("error", err))
				continue
			}
			if expired > 0 {
				logger.L().Info("执行记录清扫完成", slog.Int("expired", expired))
			}
		}
	}
}
