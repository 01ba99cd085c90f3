/*
 * Licensed to the Apache Software Foundation (ASF) under one or more
 * contributor license agreements.  See the NOTICE file distributed with
 * this work for additional information regarding copyright ownership.
 * The ASF licenses this file to You under the Apache License, Version 2.0
 * (the "License"); you may not use this file except in compliance with
 * the License.  You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultInterval is the default evaluation interval
// DefaultInterval 是默认的评估间隔
const DefaultInterval = 30 * time.Second

// EvaluateFunc runs one supervision cycle
// EvaluateFunc 执行一个监督周期
type EvaluateFunc func(ctx context.Context) error

// Scheduler calls an EvaluateFunc once immediately and then on a fixed interval.
// A cycle always finishes before the next one starts; a failing cycle is logged
// and never stops the loop.
// Scheduler 立即调用一次 EvaluateFunc，之后按固定间隔调用。
// 上一个周期结束后才开始下一个；失败的周期只记录日志，不会停止循环。
type Scheduler struct {
	evaluate EvaluateFunc
	logger   *zap.Logger

	mu       sync.Mutex
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
	cycles   int
}

// NewScheduler creates a Scheduler
// NewScheduler 创建 Scheduler
func NewScheduler(interval time.Duration, evaluate EvaluateFunc, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{evaluate: evaluate, interval: interval, logger: logger}
}

// SetInterval changes the interval, applied after the next tick
// SetInterval 修改间隔，在下一次触发后生效
func (s *Scheduler) SetInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interval = interval
}

// Interval returns the current interval
// Interval 返回当前间隔
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Cycles returns how many cycles have run
// Cycles 返回已执行的周期数
func (s *Scheduler) Cycles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycles
}

// Run blocks until ctx is done
// Run 阻塞直到 ctx 结束
func (s *Scheduler) Run(ctx context.Context) {
	interval := s.Interval()
	s.logger.Info("Scheduler started", zap.Duration("interval", interval))
	defer s.logger.Info("Scheduler stopped")

	s.runCycle(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCycle(ctx)
			if next := s.Interval(); next != interval {
				interval = next
				ticker.Reset(interval)
				s.logger.Info("Scheduler interval changed", zap.Duration("interval", interval))
			}
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	err := s.evaluate(ctx)

	s.mu.Lock()
	s.cycles++
	s.mu.Unlock()

	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		s.logger.Debug("Evaluation cycle cancelled")
	default:
		s.logger.Warn("Evaluation cycle ended with error", zap.Error(err))
	}
}

// Start runs the scheduler in a goroutine
// Start 在 goroutine 中运行调度器
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	done := make(chan struct{})
	s.done = done
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
}

// Stop cancels the scheduler and waits for the running cycle to finish
// Stop 取消调度器并等待当前周期结束
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
