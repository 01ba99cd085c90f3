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
	"testing"

	"github.com/nodeguard/nodeguard/internal/classifier"
	"github.com/nodeguard/nodeguard/internal/discovery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestMultiSink tests fan-out order and nil handling
// TestMultiSink 测试分发顺序与 nil 处理
func TestMultiSink(t *testing.T) {
	var order []string
	a := SinkFunc(func(ev Event) { order = append(order, "a:"+string(ev.Kind)) })
	b := SinkFunc(func(ev Event) { order = append(order, "b:"+string(ev.Kind)) })

	m := NewMultiSink(a, nil, b)
	m.Emit(Event{Kind: EventCycleStarted})
	m.Add(nil)
	m.Add(SinkFunc(func(ev Event) { order = append(order, "c:"+string(ev.Kind)) }))
	m.Emit(Event{Kind: EventCycleCompleted})

	assert.Equal(t, []string{
		"a:cycle_started", "b:cycle_started",
		"a:cycle_completed", "b:cycle_completed", "c:cycle_completed",
	}, order)

	Discard.Emit(Event{Kind: EventCycleStarted})
}

// TestLogSink tests log levels and fields per event kind
// TestLogSink 测试不同事件类型的日志级别与字段
func TestLogSink(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	e := NewEmitter(NewLogSink(zap.New(core)), "cycle-9")

	e.CycleStarted()
	e.Process(discovery.ProcessRecord{PID: 2001, Name: "node", ResidentMemoryBytes: 50 * mb}, classifier.RolePrimary)
	e.DuplicateTerminated(discovery.ProcessRecord{PID: 2005, Name: "worker"}, 2006, nil)
	e.OrchestratorState("launching", "failed", errors.New("boom"))
	e.CycleFailed(errors.New("boom"))
	e.OrchestratorWarning("persisting", errors.New("read-only fs"))

	entries := logs.All()
	require.Len(t, entries, 6)

	levels := make([]zapcore.Level, 0, len(entries))
	for _, entry := range entries {
		levels = append(levels, entry.Level)
		assert.Equal(t, "cycle-9", entry.ContextMap()["cycle_id"])
	}
	assert.Equal(t, []zapcore.Level{
		zapcore.InfoLevel,
		zapcore.DebugLevel,
		zapcore.WarnLevel,
		zapcore.ErrorLevel,
		zapcore.ErrorLevel,
		zapcore.WarnLevel,
	}, levels)

	proc := entries[1].ContextMap()
	assert.Equal(t, int64(2001), proc["pid"])
	assert.Equal(t, "primary", proc["role"])
	assert.Equal(t, int64(2006), entries[2].ContextMap()["kept_pid"])
	assert.Equal(t, "failed", entries[3].ContextMap()["to"])
	assert.Equal(t, "boom", entries[4].ContextMap()["error"])
	assert.Equal(t, "persisting", entries[5].ContextMap()["to"])
}

// TestLogSinkRespectsLevel tests that debug events are dropped at info level
// TestLogSinkRespectsLevel 测试 info 级别下丢弃 debug 事件
func TestLogSinkRespectsLevel(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	e := NewEmitter(NewLogSink(zap.New(core)), "cycle-1")

	e.Process(discovery.ProcessRecord{PID: 2001, Name: "node"}, classifier.RolePrimary)
	e.Topology(1, 3)

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, int64(3), logs.All()[0].ContextMap()["workers"])

	NewLogSink(nil).Emit(Event{Kind: EventCycleStarted})
}
