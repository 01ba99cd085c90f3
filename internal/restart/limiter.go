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

package restart

import (
	"sync"
	"time"
)

// Default limiter values
// 默认限制值
const (
	DefaultMaxRestarts    = 3                // 默认最大重启次数 / Default max restarts
	DefaultTimeWindow     = 5 * time.Minute  // 默认时间窗口 / Default time window
	DefaultCooldownPeriod = 30 * time.Minute // 默认冷却时间 / Default cooldown period
)

// LimitConfig holds the crash-loop guard configuration
// LimitConfig 保存崩溃循环保护配置
type LimitConfig struct {
	Enabled        bool          `json:"enabled"`         // 是否启用限制 / Enable limiting
	MaxRestarts    int           `json:"max_restarts"`    // 最大重启次数 / Max restart count
	TimeWindow     time.Duration `json:"time_window"`     // 时间窗口 / Time window
	CooldownPeriod time.Duration `json:"cooldown_period"` // 冷却时间 / Cooldown period
}

// DefaultLimitConfig returns the default limiter configuration, disabled
// DefaultLimitConfig 返回默认限制配置（禁用）
func DefaultLimitConfig() LimitConfig {
	return LimitConfig{
		Enabled:        false,
		MaxRestarts:    DefaultMaxRestarts,
		TimeWindow:     DefaultTimeWindow,
		CooldownPeriod: DefaultCooldownPeriod,
	}
}

// History tracks recent orchestrations of the managed service
// History 跟踪受管服务最近的重启编排
type History struct {
	RestartCount  int         `json:"restart_count"`
	LastRestart   time.Time   `json:"last_restart"`
	WindowStart   time.Time   `json:"window_start"`
	CooldownUntil time.Time   `json:"cooldown_until"`
	RestartTimes  []time.Time `json:"restart_times"` // 窗口内的重启时间 / Restart times in window
}

// Limiter bounds how many orchestrations may run within a time window.
// Limiter 限制时间窗口内可执行的重启编排次数。
//
// A disabled limiter allows everything.
// 禁用的限制器允许所有重启。
type Limiter struct {
	mu      sync.Mutex
	config  LimitConfig
	history History
	now     func() time.Time
}

// NewLimiter creates a Limiter
// NewLimiter 创建 Limiter
func NewLimiter(config LimitConfig) *Limiter {
	return &Limiter{config: config, now: time.Now}
}

// SetConfig replaces the configuration, history is kept
// SetConfig 替换配置，保留历史
func (l *Limiter) SetConfig(config LimitConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.config = config
}

// Allow checks whether another orchestration may run now. Reaching the limit
// starts the cooldown; a finished cooldown resets the counter.
// Allow 检查当前是否允许再次重启。达到上限时进入冷却；冷却结束后重置计数。
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.config.Enabled {
		return true
	}

	now := l.now()
	h := &l.history

	// In cooldown / 冷却中
	if now.Before(h.CooldownUntil) {
		return false
	}

	// Cooldown passed, reset counter / 冷却已过，重置计数器
	if !h.CooldownUntil.IsZero() {
		l.resetLocked(now)
		return true
	}

	// Count restarts within time window / 计算时间窗口内的重启次数
	windowStart := now.Add(-l.config.TimeWindow)
	inWindow := 0
	for _, t := range h.RestartTimes {
		if t.After(windowStart) {
			inWindow++
		}
	}

	if inWindow >= l.config.MaxRestarts {
		// Enter cooldown / 进入冷却
		h.CooldownUntil = now.Add(l.config.CooldownPeriod)
		return false
	}
	return true
}

// Record adds an orchestration to the history
// Record 在历史中记录一次重启编排
func (l *Limiter) Record() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	h := &l.history
	if h.WindowStart.IsZero() {
		h.WindowStart = now
	}
	h.RestartCount++
	h.LastRestart = now
	h.RestartTimes = append(h.RestartTimes, now)

	// Clean up old restart times / 清理旧的重启时间
	windowStart := now.Add(-l.config.TimeWindow)
	kept := h.RestartTimes[:0]
	for _, t := range h.RestartTimes {
		if t.After(windowStart) {
			kept = append(kept, t)
		}
	}
	h.RestartTimes = kept
}

// Reset clears the history
// Reset 清空历史
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetLocked(l.now())
}

func (l *Limiter) resetLocked(now time.Time) {
	l.history = History{WindowStart: now}
}

// InCooldown reports whether restarts are currently suppressed
// InCooldown 判断当前是否处于冷却期
func (l *Limiter) InCooldown() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.config.Enabled && l.now().Before(l.history.CooldownUntil)
}

// History returns a copy of the history
// History 返回历史的副本
func (l *Limiter) History() History {
	l.mu.Lock()
	defer l.mu.Unlock()
	h := l.history
	h.RestartTimes = append([]time.Time(nil), l.history.RestartTimes...)
	return h
}
