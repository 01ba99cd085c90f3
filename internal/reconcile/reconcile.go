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

// Package reconcile collapses duplicate worker processes.
// reconcile 包合并重复的工作进程。
//
// Workers are grouped by process name. In every group the most recently created
// record survives; equal creation times keep the record seen first. Every other
// member is terminated and removed from the result.
// 工作进程按名称分组。每组保留创建时间最新的记录；创建时间相同时保留最先出现的记录。
// 其余成员被终止并从结果中移除。
package reconcile

import (
	"github.com/nodeguard/nodeguard/internal/discovery"
	"github.com/nodeguard/nodeguard/internal/process"
	"go.uber.org/zap"
)

// Termination records one superseded process and the outcome of signalling it
// Termination 记录一个被替代的进程及其终止结果
type Termination struct {
	Record discovery.ProcessRecord
	// KeptPID is the surviving process of the same name / 同名的保留进程
	KeptPID int
	Err     error
}

// Result is the outcome of one reconciliation pass
// Result 是一次合并的结果
type Result struct {
	Kept       []discovery.ProcessRecord
	Terminated []Termination
}

// Reconciler terminates superseded duplicates
// Reconciler 终止被替代的重复进程
type Reconciler struct {
	terminator process.Terminator
	logger     *zap.Logger
}

// New creates a Reconciler
// New 创建 Reconciler
func New(terminator process.Terminator, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{terminator: terminator, logger: logger}
}

// Reconcile returns the surviving workers in enumeration order.
// Termination failures are logged and never abort the pass.
// Reconcile 按枚举顺序返回保留的工作进程。终止失败只记录日志，不会中断。
func (r *Reconciler) Reconcile(workers []discovery.ProcessRecord) Result {
	keep := Select(workers)

	var res Result
	for i, rec := range workers {
		winner := keep[rec.Name]
		if winner == i {
			res.Kept = append(res.Kept, rec)
			continue
		}

		t := Termination{Record: rec, KeptPID: workers[winner].PID}
		if err := r.terminator.Terminate(rec); err != nil {
			t.Err = err
			r.logger.Warn("Failed to terminate duplicate worker",
				zap.Int("pid", rec.PID),
				zap.String("name", rec.Name),
				zap.Error(err))
		} else {
			r.logger.Info("Terminated duplicate worker",
				zap.Int("pid", rec.PID),
				zap.String("name", rec.Name),
				zap.Int("kept_pid", t.KeptPID))
		}
		res.Terminated = append(res.Terminated, t)
	}
	return res
}

// Select maps each name to the index of its surviving record.
// Select 返回每个名称对应的保留记录下标。
func Select(workers []discovery.ProcessRecord) map[string]int {
	keep := make(map[string]int, len(workers))
	for i, rec := range workers {
		j, seen := keep[rec.Name]
		// Strictly newer replaces, so ties keep the first / 严格更新才替换，相同时保留第一个
		if !seen || rec.CreationTime.After(workers[j].CreationTime) {
			keep[rec.Name] = i
		}
	}
	return keep
}
