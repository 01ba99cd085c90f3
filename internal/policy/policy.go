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

// Package policy decides whether an observed topology needs a restart.
// policy 包判断观测到的拓扑是否需要重启。
package policy

import "fmt"

// Verdict is the outcome of a topology evaluation
// Verdict 是拓扑评估结果
type Verdict string

const (
	// Healthy means the topology matches the expected shape / 拓扑符合预期
	Healthy Verdict = "healthy"
	// NeedsRestart means the managed service must be relaunched / 需要重启受管服务
	NeedsRestart Verdict = "needs_restart"
)

// Policy holds the expected topology bounds
// Policy 包含期望的拓扑范围
type Policy struct {
	PrimaryCount int `json:"primary_count" yaml:"primary_count"`
	WorkerMin    int `json:"worker_min" yaml:"worker_min"`
	WorkerMax    int `json:"worker_max" yaml:"worker_max"`
}

// Default returns one primary with two to five workers
// Default 返回一个主服务加二到五个工作进程
func Default() Policy {
	return Policy{PrimaryCount: 1, WorkerMin: 2, WorkerMax: 5}
}

// Evaluate is Healthy iff primaryCount equals the expected count and
// WorkerMin <= workerCount <= WorkerMax.
// Evaluate 当且仅当主服务数量等于期望值且 WorkerMin <= workerCount <= WorkerMax 时返回 Healthy。
func (p Policy) Evaluate(primaryCount, workerCount int) Verdict {
	if primaryCount == p.PrimaryCount && workerCount >= p.WorkerMin && workerCount <= p.WorkerMax {
		return Healthy
	}
	return NeedsRestart
}

// Reason explains a NeedsRestart verdict, empty when healthy
// Reason 说明 NeedsRestart 的原因，健康时为空
func (p Policy) Reason(primaryCount, workerCount int) string {
	switch {
	case primaryCount != p.PrimaryCount:
		return fmt.Sprintf("found %d primary processes, want %d", primaryCount, p.PrimaryCount)
	case workerCount < p.WorkerMin || workerCount > p.WorkerMax:
		return fmt.Sprintf("found %d workers, want %d..%d", workerCount, p.WorkerMin, p.WorkerMax)
	default:
		return ""
	}
}
