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

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Sink receives status events. It has no way to call back into the supervisor.
// Sink 接收状态事件，不能回调监督器。
type Sink interface {
	Emit(event Event)
}

// SinkFunc adapts a function to Sink
// SinkFunc 将函数适配为 Sink
type SinkFunc func(event Event)

// Emit calls f(event)
func (f SinkFunc) Emit(event Event) {
	f(event)
}

// Discard drops every event
// Discard 丢弃所有事件
var Discard Sink = SinkFunc(func(Event) {})

// MultiSink fans events out to several sinks in order
// MultiSink 按顺序将事件分发到多个接收器
type MultiSink struct {
	mu    sync.RWMutex
	sinks []Sink
}

// NewMultiSink creates a MultiSink, nil sinks are skipped
// NewMultiSink 创建 MultiSink，跳过 nil 接收器
func NewMultiSink(sinks ...Sink) *MultiSink {
	m := &MultiSink{}
	for _, s := range sinks {
		m.Add(s)
	}
	return m
}

// Add appends a sink
// Add 追加一个接收器
func (m *MultiSink) Add(s Sink) {
	if s == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, s)
}

// Emit forwards the event to every sink
// Emit 将事件转发给所有接收器
func (m *MultiSink) Emit(event Event) {
	m.mu.RLock()
	sinks := m.sinks
	m.mu.RUnlock()
	for _, s := range sinks {
		s.Emit(event)
	}
}

// LogSink writes every event to a zap logger
// LogSink 将每个事件写入 zap 日志
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink
// NewLogSink 创建 LogSink
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Emit logs the event at a level matching its kind
// Emit 按事件类型对应的级别记录日志
func (s *LogSink) Emit(event Event) {
	fields := []zap.Field{
		zap.String("kind", string(event.Kind)),
		zap.String("cycle_id", event.CycleID),
	}
	if event.Counts != nil {
		fields = append(fields,
			zap.Int("primary", event.Counts.Primary),
			zap.Int("workers", event.Counts.Workers))
	}
	if p := event.Process; p != nil {
		fields = append(fields,
			zap.Int("pid", p.PID),
			zap.String("name", p.Name),
			zap.Float64("memory_mb", p.MemoryMB),
			zap.String("role", string(p.Role)))
	}
	if event.KeptPID != 0 {
		fields = append(fields, zap.Int("kept_pid", event.KeptPID))
	}
	if event.Verdict != "" {
		fields = append(fields, zap.String("verdict", string(event.Verdict)))
	}
	if event.From != "" || event.To != "" {
		fields = append(fields, zap.String("from", event.From), zap.String("to", event.To))
	}
	if event.Message != "" {
		fields = append(fields, zap.String("message", event.Message))
	}
	if event.Error != "" {
		fields = append(fields, zap.String("error", event.Error))
	}

	if ce := s.logger.Check(levelOf(event), "Status event"); ce != nil {
		ce.Write(fields...)
	}
}

func levelOf(event Event) zapcore.Level {
	switch event.Kind {
	case EventProcess:
		return zapcore.DebugLevel
	case EventCycleFailed:
		return zapcore.ErrorLevel
	case EventEnvironmentNotReady, EventRestartSuppressed, EventDuplicateTerminated, EventOrchestratorWarning:
		return zapcore.WarnLevel
	case EventOrchestratorState:
		if event.Error != "" {
			return zapcore.ErrorLevel
		}
	}
	return zapcore.InfoLevel
}
