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
	"sync"
	"time"

	"github.com/nodeguard/nodeguard/internal/policy"
	"github.com/nodeguard/nodeguard/internal/restart"
)

// DefaultEventCacheSize is the default size of the event cache
// DefaultEventCacheSize 是事件缓存的默认大小
const DefaultEventCacheSize = 1000

// Health is the coarse state shown by the status surfaces
// Health 是状态接口展示的粗粒度状态
type Health string

const (
	HealthUnknown   Health = "unknown"
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"

	// HealthRecovering follows a completed restart until the next cycle confirms the topology
	// HealthRecovering 表示重启已完成，等待下一个周期确认拓扑
	HealthRecovering Health = "recovering"
)

// StatusSnapshot is the outcome of one finished cycle
// StatusSnapshot 是一个已结束周期的结果
type StatusSnapshot struct {
	CycleID           string         `json:"cycle_id" yaml:"cycle_id"`
	StartedAt         time.Time      `json:"started_at" yaml:"started_at"`
	FinishedAt        time.Time      `json:"finished_at" yaml:"finished_at"`
	Counts            Counts         `json:"counts" yaml:"counts"`
	Processes         []ProcessInfo  `json:"processes" yaml:"processes"`
	Duplicates        int            `json:"duplicates" yaml:"duplicates"`
	Verdict           policy.Verdict `json:"verdict,omitempty" yaml:"verdict,omitempty"`
	Reason            string         `json:"reason,omitempty" yaml:"reason,omitempty"`
	OrchestratorState string         `json:"orchestrator_state,omitempty" yaml:"orchestrator_state,omitempty"`
	LastError         string         `json:"last_error,omitempty" yaml:"last_error,omitempty"`

	// Warnings are failures the restart tolerated / 重启过程中被容忍的失败
	Warnings []string `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// Health derives the coarse state of the snapshot. A cycle whose restart
// finished without error reports HealthRecovering.
// Health 根据快照得出粗粒度状态，重启无错误完成的周期返回 HealthRecovering。
func (s *StatusSnapshot) Health() Health {
	switch {
	case s == nil:
		return HealthUnknown
	case s.LastError != "":
		return HealthUnhealthy
	case s.Verdict == policy.Healthy:
		return HealthHealthy
	case s.Verdict == "":
		return HealthUnknown
	case s.OrchestratorState == string(restart.StateIdle):
		return HealthRecovering
	default:
		return HealthUnhealthy
	}
}

func (s *StatusSnapshot) clone() *StatusSnapshot {
	c := *s
	c.Processes = append([]ProcessInfo(nil), s.Processes...)
	c.Warnings = append([]string(nil), s.Warnings...)
	return &c
}

// EventReporter caches recent events and folds them into status snapshots.
// EventReporter 缓存最近的事件并将其汇总为状态快照。
//
// A snapshot is published when a cycle completes, fails, or finds the
// environment not ready.
// 周期完成、失败或发现环境未就绪时发布快照。
type EventReporter struct {
	mu         sync.RWMutex
	eventCache []Event
	cacheSize  int
	current    *StatusSnapshot
	last       *StatusSnapshot
}

// NewEventReporter creates a new EventReporter instance
// NewEventReporter 创建一个新的 EventReporter 实例
func NewEventReporter() *EventReporter {
	return &EventReporter{
		eventCache: make([]Event, 0, DefaultEventCacheSize),
		cacheSize:  DefaultEventCacheSize,
	}
}

// SetCacheSize sets the maximum cache size
// SetCacheSize 设置最大缓存大小
func (r *EventReporter) SetCacheSize(size int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if size <= 0 {
		size = DefaultEventCacheSize
	}
	r.cacheSize = size
	if over := len(r.eventCache) - size; over > 0 {
		r.eventCache = append([]Event(nil), r.eventCache[over:]...)
	}
}

// Emit caches the event and updates the snapshot being built
// Emit 缓存事件并更新正在构建的快照
func (r *EventReporter) Emit(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Remove oldest event if cache is full / 如果缓存已满则移除最旧的事件
	if len(r.eventCache) >= r.cacheSize {
		r.eventCache = r.eventCache[1:]
	}
	r.eventCache = append(r.eventCache, event)

	r.fold(event)
}

// fold applies one event to the current snapshot (must be called with lock held)
// fold 将事件应用到当前快照（必须在持有锁的情况下调用）
func (r *EventReporter) fold(event Event) {
	if event.Kind == EventCycleStarted || r.current == nil || r.current.CycleID != event.CycleID {
		r.current = &StatusSnapshot{CycleID: event.CycleID, StartedAt: event.Timestamp}
	}
	cur := r.current

	switch event.Kind {
	case EventTopology:
		if event.Counts != nil {
			cur.Counts = *event.Counts
		}
	case EventProcess:
		if event.Process != nil {
			cur.Processes = append(cur.Processes, *event.Process)
		}
	case EventDuplicateTerminated:
		cur.Duplicates++
	case EventVerdict:
		cur.Verdict = event.Verdict
		cur.Reason = event.Message
	case EventOrchestratorState:
		cur.OrchestratorState = event.To
		if event.Error != "" {
			cur.LastError = event.Error
		}
	case EventOrchestratorWarning:
		cur.Warnings = append(cur.Warnings, event.Error)
	case EventRestartSuppressed:
		cur.Reason = event.Message
	case EventCycleFailed, EventEnvironmentNotReady:
		cur.LastError = event.Error
		r.publish(event)
	case EventCycleCompleted:
		r.publish(event)
	}
}

func (r *EventReporter) publish(event Event) {
	r.current.FinishedAt = event.Timestamp
	r.last = r.current.clone()
}

// Snapshot returns the last published snapshot, nil before the first cycle ends
// Snapshot 返回最近发布的快照，首个周期结束前为 nil
func (r *EventReporter) Snapshot() *StatusSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.last == nil {
		return nil
	}
	return r.last.clone()
}

// Recent returns up to limit of the newest events, oldest first.
// limit <= 0 returns every cached event.
// Recent 返回最多 limit 条最新事件（按时间先后排列），limit <= 0 时返回全部缓存事件。
func (r *EventReporter) Recent(limit int) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events := r.eventCache
	if limit > 0 && limit < len(events) {
		events = events[len(events)-limit:]
	}
	return append([]Event(nil), events...)
}

// GetCachedEventCount returns the number of cached events
// GetCachedEventCount 返回缓存的事件数量
func (r *EventReporter) GetCachedEventCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.eventCache)
}

// ClearCache clears all cached events, the last snapshot is kept
// ClearCache 清除所有缓存的事件，保留最近的快照
func (r *EventReporter) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eventCache = make([]Event, 0, r.cacheSize)
}
