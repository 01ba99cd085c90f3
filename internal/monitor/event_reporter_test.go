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
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nodeguard/nodeguard/internal/classifier"
	"github.com/nodeguard/nodeguard/internal/discovery"
	"github.com/nodeguard/nodeguard/internal/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const mb = 1024 * 1024

func emitHealthyCycle(e *Emitter) {
	e.CycleStarted()
	e.Process(discovery.ProcessRecord{PID: 2001, Name: "node", ResidentMemoryBytes: 60 * mb}, classifier.RolePrimary)
	e.Process(discovery.ProcessRecord{PID: 2002, Name: "worker", ResidentMemoryBytes: 30 * mb}, classifier.RoleWorker)
	e.Process(discovery.ProcessRecord{PID: 2003, Name: "worker-b", ResidentMemoryBytes: 40 * mb}, classifier.RoleWorker)
	e.Topology(1, 2)
	e.Verdict(policy.Healthy, "")
	e.CycleCompleted()
}

// TestEventReporterSnapshot tests folding one cycle into a snapshot
// TestEventReporterSnapshot 测试将一个周期汇总为快照
func TestEventReporterSnapshot(t *testing.T) {
	r := NewEventReporter()
	assert.Nil(t, r.Snapshot())
	assert.Equal(t, HealthUnknown, r.Snapshot().Health())

	e := NewEmitter(r, "cycle-1")
	emitHealthyCycle(e)

	snap := r.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, "cycle-1", snap.CycleID)
	assert.Equal(t, Counts{Primary: 1, Workers: 2}, snap.Counts)
	require.Len(t, snap.Processes, 3)
	assert.Equal(t, classifier.RolePrimary, snap.Processes[0].Role)
	assert.InDelta(t, 60.0, snap.Processes[0].MemoryMB, 0.001)
	assert.Equal(t, policy.Healthy, snap.Verdict)
	assert.Equal(t, HealthHealthy, snap.Health())
	assert.False(t, snap.FinishedAt.Before(snap.StartedAt))
	assert.Equal(t, 7, r.GetCachedEventCount())
}

// TestEventReporterKeepsLastSnapshotDuringCycle tests that an in-flight cycle
// does not replace the published snapshot
// TestEventReporterKeepsLastSnapshotDuringCycle 测试进行中的周期不会替换已发布的快照
func TestEventReporterKeepsLastSnapshotDuringCycle(t *testing.T) {
	r := NewEventReporter()
	emitHealthyCycle(NewEmitter(r, "cycle-1"))

	e := NewEmitter(r, "cycle-2")
	e.CycleStarted()
	e.Topology(0, 7)
	e.Verdict(policy.NeedsRestart, "found 0 primary processes, want 1")

	snap := r.Snapshot()
	assert.Equal(t, "cycle-1", snap.CycleID)
	assert.Equal(t, HealthHealthy, snap.Health())

	e.OrchestratorState("idle", "resetting_manager", nil)
	e.OrchestratorState("launching", "failed", errors.New("launch nodejs-server: exit status 1"))
	e.CycleFailed(errors.New("launch nodejs-server: exit status 1"))

	snap = r.Snapshot()
	assert.Equal(t, "cycle-2", snap.CycleID)
	assert.Equal(t, "failed", snap.OrchestratorState)
	assert.Equal(t, "launch nodejs-server: exit status 1", snap.LastError)
	assert.Equal(t, policy.NeedsRestart, snap.Verdict)
	assert.Equal(t, HealthUnhealthy, snap.Health())
}

// TestEventReporterRestartWarnings tests that tolerated restart failures are kept
// and a completed restart reports recovering
// TestEventReporterRestartWarnings 测试保留重启中被容忍的失败，且完成的重启报告 recovering
func TestEventReporterRestartWarnings(t *testing.T) {
	r := NewEventReporter()
	e := NewEmitter(r, "cycle-1")
	e.CycleStarted()
	e.Topology(1, 7)
	e.Verdict(policy.NeedsRestart, "found 7 workers, want 2..5")
	e.OrchestratorState("idle", "resetting_manager", nil)
	e.OrchestratorWarning("resetting_manager", errors.New("pm2 delete_all failed: no process found"))
	e.OrchestratorState("resetting_manager", "terminating_processes", nil)
	e.OrchestratorWarning("terminating_processes", errors.New("process outlived settle interval, killed: pid 2003 (worker)"))
	e.OrchestratorState("persisting", "idle", nil)
	e.CycleCompleted()

	snap := r.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, []string{
		"pm2 delete_all failed: no process found",
		"process outlived settle interval, killed: pid 2003 (worker)",
	}, snap.Warnings)
	assert.Equal(t, "idle", snap.OrchestratorState)
	assert.Empty(t, snap.LastError)
	assert.Equal(t, HealthRecovering, snap.Health())

	warning := r.Recent(0)[4]
	assert.Equal(t, EventOrchestratorWarning, warning.Kind)
	assert.Equal(t, warning.From, warning.To)

	// The published copy does not alias the reporter / 发布的副本不与 reporter 共享
	snap.Warnings[0] = "changed"
	assert.Equal(t, "pm2 delete_all failed: no process found", r.Snapshot().Warnings[0])

	// The next cycle starts without warnings / 下一个周期从无警告开始
	emitHealthyCycle(NewEmitter(r, "cycle-2"))
	assert.Empty(t, r.Snapshot().Warnings)
	assert.Equal(t, HealthHealthy, r.Snapshot().Health())
}

// TestEventReporterEnvironmentNotReady tests that a skipped cycle is published
// TestEventReporterEnvironmentNotReady 测试被跳过的周期也会发布
func TestEventReporterEnvironmentNotReady(t *testing.T) {
	r := NewEventReporter()
	e := NewEmitter(r, "cycle-1")
	e.CycleStarted()
	e.EnvironmentNotReady(errors.New("node is not installed"))

	snap := r.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, "node is not installed", snap.LastError)
	assert.Equal(t, HealthUnhealthy, snap.Health())
}

// TestEventReporterDuplicatesAndSuppression tests the remaining fold rules
// TestEventReporterDuplicatesAndSuppression 测试其余的汇总规则
func TestEventReporterDuplicatesAndSuppression(t *testing.T) {
	r := NewEventReporter()
	e := NewEmitter(r, "cycle-1")
	e.CycleStarted()
	e.DuplicateTerminated(discovery.ProcessRecord{PID: 2005, Name: "worker"}, 2006, nil)
	e.DuplicateTerminated(discovery.ProcessRecord{PID: 2007, Name: "worker"}, 2006, errors.New("operation not permitted"))
	e.Verdict(policy.NeedsRestart, "found 1 workers, want 2..5")
	e.RestartSuppressed("restart limit reached")
	e.CycleCompleted()

	snap := r.Snapshot()
	assert.Equal(t, 2, snap.Duplicates)
	assert.Equal(t, "restart limit reached", snap.Reason)
	assert.Equal(t, HealthUnhealthy, snap.Health())

	events := r.Recent(0)
	require.Len(t, events, 6)
	assert.Equal(t, 2006, events[1].KeptPID)
	assert.Equal(t, "operation not permitted", events[2].Error)
}

// TestEventReporterSnapshotIsCopy tests that callers cannot mutate the snapshot
// TestEventReporterSnapshotIsCopy 测试调用方无法修改快照
func TestEventReporterSnapshotIsCopy(t *testing.T) {
	r := NewEventReporter()
	emitHealthyCycle(NewEmitter(r, "cycle-1"))

	snap := r.Snapshot()
	snap.Processes[0].Name = "changed"
	assert.Equal(t, "node", r.Snapshot().Processes[0].Name)
}

// TestEventReporterRecent tests limits of Recent
// TestEventReporterRecent 测试 Recent 的数量限制
func TestEventReporterRecent(t *testing.T) {
	r := NewEventReporter()
	emitHealthyCycle(NewEmitter(r, "cycle-1"))

	assert.Len(t, r.Recent(0), 7)
	assert.Len(t, r.Recent(100), 7)

	last := r.Recent(2)
	require.Len(t, last, 2)
	assert.Equal(t, EventVerdict, last[0].Kind)
	assert.Equal(t, EventCycleCompleted, last[1].Kind)

	r.ClearCache()
	assert.Empty(t, r.Recent(0))
	assert.NotNil(t, r.Snapshot())
}

// TestEventReporterSetCacheSize tests shrinking the cache
// TestEventReporterSetCacheSize 测试缩小缓存
func TestEventReporterSetCacheSize(t *testing.T) {
	r := NewEventReporter()
	emitHealthyCycle(NewEmitter(r, "cycle-1"))

	r.SetCacheSize(3)
	events := r.Recent(0)
	require.Len(t, events, 3)
	assert.Equal(t, EventCycleCompleted, events[2].Kind)
}

// TestEmitterStampsEvents tests cycle id and timestamp stamping
// TestEmitterStampsEvents 测试周期 ID 与时间戳填充
func TestEmitterStampsEvents(t *testing.T) {
	var got []Event
	e := NewEmitter(SinkFunc(func(ev Event) { got = append(got, ev) }), "abc")
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return fixed }

	e.CycleStarted()
	e.Topology(0, 0)

	require.Len(t, got, 2)
	for _, ev := range got {
		assert.Equal(t, "abc", ev.CycleID)
		assert.Equal(t, fixed, ev.Timestamp)
	}
	require.NotNil(t, got[1].Counts)
	assert.Equal(t, Counts{}, *got[1].Counts)
	assert.Equal(t, "abc", e.CycleID())

	// nil sink discards / nil 接收器丢弃事件
	NewEmitter(nil, "x").CycleStarted()
}

// **Feature: nodeguard, Property 8: Bounded Event Cache**
// For any number of events and cache size, the cache keeps exactly the newest
// min(n, size) events in emission order.
// 对于任意事件数量与缓存大小，缓存按发送顺序精确保留最新的 min(n, size) 个事件。
func TestProperty_BoundedEventCache(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		size := rapid.IntRange(1, 50).Draw(t, "size")
		n := rapid.IntRange(0, 200).Draw(t, "n")

		r := NewEventReporter()
		r.SetCacheSize(size)
		for i := 0; i < n; i++ {
			r.Emit(Event{Kind: EventTopology, CycleID: fmt.Sprintf("c%d", i)})
		}

		events := r.Recent(0)
		want := min(n, size)
		if len(events) != want {
			t.Fatalf("expected %d cached events, got %d", want, len(events))
		}
		for i, ev := range events {
			if exp := fmt.Sprintf("c%d", n-want+i); ev.CycleID != exp {
				t.Fatalf("event %d: expected %s, got %s", i, exp, ev.CycleID)
			}
		}
	})
}
