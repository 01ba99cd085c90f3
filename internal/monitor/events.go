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

// Package monitor carries the status of every supervision cycle to its observers.
// monitor 包把每个监督周期的状态传递给观察者。
//
// This package provides:
// 此包提供：
// - Status events and their sinks / 状态事件及其接收器
// - A bounded event cache with the last status snapshot / 带最新状态快照的有界事件缓存
// - The periodic evaluation scheduler / 周期性评估调度器
package monitor

import (
	"time"

	"github.com/nodeguard/nodeguard/internal/classifier"
	"github.com/nodeguard/nodeguard/internal/discovery"
	"github.com/nodeguard/nodeguard/internal/policy"
)

// EventKind represents the type of status event
// EventKind 表示状态事件类型
type EventKind string

const (
	EventCycleStarted        EventKind = "cycle_started"
	EventTopology            EventKind = "topology"
	EventProcess             EventKind = "process"
	EventDuplicateTerminated EventKind = "duplicate_terminated"
	EventVerdict             EventKind = "verdict"
	EventOrchestratorState   EventKind = "orchestrator_state"
	EventOrchestratorWarning EventKind = "orchestrator_warning"
	EventCycleFailed         EventKind = "cycle_failed"
	EventEnvironmentNotReady EventKind = "environment_not_ready"
	EventRestartSuppressed   EventKind = "restart_suppressed"
	EventCycleCompleted      EventKind = "cycle_completed"
)

// Counts are the classified process counts of one cycle
// Counts 是一个周期的分类进程数量
type Counts struct {
	Primary int `json:"primary" yaml:"primary"`
	Workers int `json:"workers" yaml:"workers"`
}

// ProcessInfo is the displayed view of one classified process
// ProcessInfo 是一个已分类进程的展示视图
type ProcessInfo struct {
	PID      int             `json:"pid" yaml:"pid"`
	Name     string          `json:"name" yaml:"name"`
	MemoryMB float64         `json:"memory_mb" yaml:"memory_mb"`
	Role     classifier.Role `json:"role" yaml:"role"`
}

// NewProcessInfo builds a ProcessInfo from a process record
// NewProcessInfo 根据进程记录构建 ProcessInfo
func NewProcessInfo(rec discovery.ProcessRecord, role classifier.Role) ProcessInfo {
	return ProcessInfo{
		PID:      rec.PID,
		Name:     rec.Name,
		MemoryMB: rec.MemoryMB(),
		Role:     role,
	}
}

// Event is one status notification. Only the fields relevant to Kind are set.
// Event 是一条状态通知，仅设置与 Kind 相关的字段。
type Event struct {
	Kind      EventKind      `json:"kind" yaml:"kind"`
	CycleID   string         `json:"cycle_id" yaml:"cycle_id"`
	Timestamp time.Time      `json:"timestamp" yaml:"timestamp"`
	Counts    *Counts        `json:"counts,omitempty" yaml:"counts,omitempty"`
	Process   *ProcessInfo   `json:"process,omitempty" yaml:"process,omitempty"`
	KeptPID   int            `json:"kept_pid,omitempty" yaml:"kept_pid,omitempty"`
	Verdict   policy.Verdict `json:"verdict,omitempty" yaml:"verdict,omitempty"`
	From      string         `json:"from,omitempty" yaml:"from,omitempty"`
	To        string         `json:"to,omitempty" yaml:"to,omitempty"`
	Message   string         `json:"message,omitempty" yaml:"message,omitempty"`
	Error     string         `json:"error,omitempty" yaml:"error,omitempty"`
}

// errText returns the error message or an empty string
func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Emitter stamps events of one cycle with its id and the current time
// Emitter 为同一周期的事件填充周期 ID 与时间戳
type Emitter struct {
	sink    Sink
	cycleID string
	now     func() time.Time
}

// NewEmitter creates an Emitter for a cycle
// NewEmitter 为一个周期创建 Emitter
func NewEmitter(sink Sink, cycleID string) *Emitter {
	if sink == nil {
		sink = Discard
	}
	return &Emitter{sink: sink, cycleID: cycleID, now: time.Now}
}

// CycleID returns the cycle id
// CycleID 返回周期 ID
func (e *Emitter) CycleID() string {
	return e.cycleID
}

func (e *Emitter) emit(ev Event) {
	ev.CycleID = e.cycleID
	ev.Timestamp = e.now()
	e.sink.Emit(ev)
}

// CycleStarted emits cycle_started
func (e *Emitter) CycleStarted() {
	e.emit(Event{Kind: EventCycleStarted})
}

// Topology emits the classified counts
// Topology 发送分类数量
func (e *Emitter) Topology(primary, workers int) {
	e.emit(Event{Kind: EventTopology, Counts: &Counts{Primary: primary, Workers: workers}})
}

// Process emits one classified process
// Process 发送一个已分类进程
func (e *Emitter) Process(rec discovery.ProcessRecord, role classifier.Role) {
	info := NewProcessInfo(rec, role)
	e.emit(Event{Kind: EventProcess, Process: &info})
}

// DuplicateTerminated emits a reconciled duplicate worker
// DuplicateTerminated 发送被合并终止的重复工作进程
func (e *Emitter) DuplicateTerminated(rec discovery.ProcessRecord, keptPID int, err error) {
	info := NewProcessInfo(rec, classifier.RoleWorker)
	e.emit(Event{Kind: EventDuplicateTerminated, Process: &info, KeptPID: keptPID, Error: errText(err)})
}

// Verdict emits the topology decision
// Verdict 发送拓扑判定
func (e *Emitter) Verdict(v policy.Verdict, reason string) {
	e.emit(Event{Kind: EventVerdict, Verdict: v, Message: reason})
}

// OrchestratorState emits a restart state transition
// OrchestratorState 发送重启状态变化
func (e *Emitter) OrchestratorState(from, to string, err error) {
	e.emit(Event{Kind: EventOrchestratorState, From: from, To: to, Error: errText(err)})
}

// OrchestratorWarning emits a failure tolerated by the step in state.
// The state is unchanged, so From and To are equal.
// OrchestratorWarning 发送 state 所在步骤容忍的失败，状态不变，From 与 To 相同。
func (e *Emitter) OrchestratorWarning(state string, err error) {
	e.emit(Event{Kind: EventOrchestratorWarning, From: state, To: state, Error: errText(err)})
}

// CycleFailed emits a fatal cycle error verbatim
// CycleFailed 原样发送周期的致命错误
func (e *Emitter) CycleFailed(err error) {
	e.emit(Event{Kind: EventCycleFailed, Error: errText(err)})
}

// EnvironmentNotReady emits a failed runtime precondition
// EnvironmentNotReady 发送运行环境未就绪
func (e *Emitter) EnvironmentNotReady(err error) {
	e.emit(Event{Kind: EventEnvironmentNotReady, Error: errText(err)})
}

// RestartSuppressed emits a restart refused by the limiter
// RestartSuppressed 发送被限制器拒绝的重启
func (e *Emitter) RestartSuppressed(reason string) {
	e.emit(Event{Kind: EventRestartSuppressed, Message: reason})
}

// CycleCompleted emits cycle_completed
func (e *Emitter) CycleCompleted() {
	e.emit(Event{Kind: EventCycleCompleted})
}
