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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

// fakeClock is a manually advanced clock
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time {
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func newTestLimiter(config LimitConfig) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewLimiter(config)
	l.now = clock.now
	return l, clock
}

// **Feature: nodeguard, Property 6: Restart Count Limit**
// For any limit, restarts within the window never exceed the maximum and the
// next attempt enters cooldown.
// 对于任何限制，时间窗口内的重启次数不超过最大值，下一次尝试进入冷却。
func TestProperty_RestartCountLimit(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		maxRestarts := rapid.IntRange(1, 5).Draw(t, "maxRestarts")
		timeWindow := time.Duration(rapid.IntRange(60, 300).Draw(t, "timeWindow")) * time.Second
		step := time.Duration(rapid.IntRange(0, 10).Draw(t, "step")) * time.Second

		l, clock := newTestLimiter(LimitConfig{
			Enabled:        true,
			MaxRestarts:    maxRestarts,
			TimeWindow:     timeWindow,
			CooldownPeriod: 30 * time.Minute,
		})

		for i := 0; i < maxRestarts; i++ {
			if !l.Allow() {
				t.Fatalf("should allow restart %d (max: %d)", i+1, maxRestarts)
			}
			l.Record()
			clock.advance(step)
		}

		if l.Allow() {
			t.Fatalf("should NOT allow restart after reaching max (%d)", maxRestarts)
		}
		if !l.InCooldown() {
			t.Fatalf("should be in cooldown after reaching max restarts")
		}
	})
}

// **Feature: nodeguard, Property 7: Cooldown Reset**
// For any cooldown, once it has passed the history is cleared and restarts are
// allowed again.
// 对于任何冷却时间，冷却结束后历史被清空并再次允许重启。
func TestProperty_CooldownReset(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cooldown := time.Duration(rapid.IntRange(1, 120).Draw(t, "cooldownMinutes")) * time.Minute
		l, clock := newTestLimiter(LimitConfig{
			Enabled:        true,
			MaxRestarts:    3,
			TimeWindow:     5 * time.Minute,
			CooldownPeriod: cooldown,
		})

		for i := 0; i < 3; i++ {
			l.Record()
		}
		if l.Allow() {
			t.Fatalf("should be denied at the limit")
		}

		clock.advance(cooldown)
		if !l.Allow() {
			t.Fatalf("should allow restart after cooldown of %s", cooldown)
		}
		if h := l.History(); len(h.RestartTimes) != 0 || h.RestartCount != 0 {
			t.Fatalf("history should be empty after cooldown, got %+v", h)
		}
	})
}

// TestLimiterDisabled tests that a disabled limiter never suppresses
// TestLimiterDisabled 测试禁用的限制器从不抑制重启
func TestLimiterDisabled(t *testing.T) {
	l, _ := newTestLimiter(DefaultLimitConfig())
	for i := 0; i < 20; i++ {
		assert.True(t, l.Allow())
		l.Record()
	}
	assert.False(t, l.InCooldown())
	assert.Equal(t, 20, l.History().RestartCount)
}

// TestLimiterWindowExpiry tests that old restarts fall out of the window
// TestLimiterWindowExpiry 测试旧的重启记录移出时间窗口
func TestLimiterWindowExpiry(t *testing.T) {
	l, clock := newTestLimiter(LimitConfig{
		Enabled:        true,
		MaxRestarts:    2,
		TimeWindow:     time.Minute,
		CooldownPeriod: time.Hour,
	})

	l.Record()
	l.Record()
	clock.advance(2 * time.Minute)

	assert.True(t, l.Allow())
	l.Record()
	assert.Len(t, l.History().RestartTimes, 1)
	assert.Equal(t, 3, l.History().RestartCount)
}

// TestLimiterReset tests manual reset
// TestLimiterReset 测试手动重置
func TestLimiterReset(t *testing.T) {
	l, _ := newTestLimiter(LimitConfig{
		Enabled:        true,
		MaxRestarts:    1,
		TimeWindow:     time.Minute,
		CooldownPeriod: time.Hour,
	})
	l.Record()
	assert.False(t, l.Allow())
	assert.True(t, l.InCooldown())

	l.Reset()
	assert.False(t, l.InCooldown())
	assert.True(t, l.Allow())
}

// TestLimiterSetConfigKeepsHistory tests that reconfiguring keeps the history
// TestLimiterSetConfigKeepsHistory 测试重新配置时保留历史
func TestLimiterSetConfigKeepsHistory(t *testing.T) {
	l, _ := newTestLimiter(DefaultLimitConfig())
	l.Record()
	l.Record()

	l.SetConfig(LimitConfig{Enabled: true, MaxRestarts: 2, TimeWindow: time.Minute, CooldownPeriod: time.Minute})
	assert.False(t, l.Allow())
}

// TestLimiterHistoryIsCopy tests that History does not alias internal state
// TestLimiterHistoryIsCopy 测试 History 返回的是副本
func TestLimiterHistoryIsCopy(t *testing.T) {
	l, _ := newTestLimiter(DefaultLimitConfig())
	l.Record()
	h := l.History()
	h.RestartTimes[0] = time.Time{}
	assert.False(t, l.History().RestartTimes[0].IsZero())
}
