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

// Package classifier partitions a process snapshot into role buckets.
// classifier 包将进程快照划分为不同角色。
//
// Rules are applied per record in a fixed order, first match wins:
// 规则按固定顺序逐条应用，先匹配者生效：
// 1. excluded pid, skipped / 被排除的 PID，跳过
// 2. primary service matcher / 主服务匹配器
// 3. worker binary matcher / 工作进程匹配器
// 4. anything else is dropped / 其余丢弃
package classifier

import (
	"strings"

	"github.com/nodeguard/nodeguard/internal/discovery"
)

// Role is the semantic role of a classified process
// Role 是已分类进程的语义角色
type Role string

const (
	// RolePrimary is the managed server process / 受管服务进程
	RolePrimary Role = "primary"
	// RoleWorker is a helper binary identified by memory footprint / 按内存识别的工作进程
	RoleWorker Role = "worker"
)

// Matcher decides whether a record has a role
// Matcher 判断记录是否属于某角色
type Matcher interface {
	Match(rec discovery.ProcessRecord) bool
}

// MatcherFunc adapts a function to Matcher
// MatcherFunc 将函数适配为 Matcher
type MatcherFunc func(rec discovery.ProcessRecord) bool

// Match implements Matcher
func (f MatcherFunc) Match(rec discovery.ProcessRecord) bool {
	return f(rec)
}

// PrimaryMatcher matches a process whose name contains nameToken (case-insensitive)
// and whose joined command line contains argToken.
// PrimaryMatcher 匹配名称包含 nameToken（不区分大小写）且命令行包含 argToken 的进程。
func PrimaryMatcher(nameToken, argToken string) Matcher {
	nameToken = strings.ToLower(nameToken)
	return MatcherFunc(func(rec discovery.ProcessRecord) bool {
		return strings.Contains(strings.ToLower(rec.Name), nameToken) &&
			strings.Contains(rec.Cmdline(), argToken)
	})
}

// MemoryMatcher matches a process whose resident memory lies in r
// MemoryMatcher 匹配常驻内存位于 r 内的进程
func MemoryMatcher(r MemoryRange) Matcher {
	return MatcherFunc(func(rec discovery.ProcessRecord) bool {
		return r.Contains(rec.ResidentMemoryBytes)
	})
}

// MemoryRange is an inclusive byte range
// MemoryRange 是闭区间字节范围
type MemoryRange struct {
	Min int64 `json:"min" yaml:"min"`
	Max int64 `json:"max" yaml:"max"`
}

// MemoryRangeMB builds a range from mebibyte bounds
// MemoryRangeMB 根据 MiB 边界构建范围
func MemoryRangeMB(minMB, maxMB int64) MemoryRange {
	return MemoryRange{Min: minMB * 1024 * 1024, Max: maxMB * 1024 * 1024}
}

// Contains reports whether b lies within the range
// Contains 判断 b 是否在范围内
func (r MemoryRange) Contains(b int64) bool {
	return r.Min <= b && b <= r.Max
}

// Options holds the rules used by a Classifier
// Options 包含 Classifier 使用的规则
type Options struct {
	Exclusions ExclusionSet
	Primary    Matcher
	Worker     Matcher
}

// NewOptions builds the default heuristic rules
// NewOptions 构建默认启发式规则
func NewOptions(exclusions ExclusionSet, memory MemoryRange, nameToken, argToken string) Options {
	return Options{
		Exclusions: exclusions,
		Primary:    PrimaryMatcher(nameToken, argToken),
		Worker:     MemoryMatcher(memory),
	}
}

// Result holds the role buckets; every record is in at most one bucket
// Result 包含角色分组；每条记录最多属于一个分组
type Result struct {
	Primary []discovery.ProcessRecord `json:"primary" yaml:"primary"`
	Workers []discovery.ProcessRecord `json:"workers" yaml:"workers"`
}

// Classifier applies Options to snapshots
// Classifier 将 Options 应用于快照
type Classifier struct {
	opts Options
}

// New creates a Classifier. Nil matchers never match.
// New 创建 Classifier。为 nil 的匹配器不匹配任何进程。
func New(opts Options) *Classifier {
	return &Classifier{opts: opts}
}

// RoleOf returns the role of a single record, ok is false when unclassified
// RoleOf 返回单条记录的角色，未分类时 ok 为 false
func (c *Classifier) RoleOf(rec discovery.ProcessRecord) (role Role, ok bool) {
	if c.opts.Exclusions.Contains(rec.PID) {
		return "", false
	}
	if c.opts.Primary != nil && c.opts.Primary.Match(rec) {
		return RolePrimary, true
	}
	if c.opts.Worker != nil && c.opts.Worker.Match(rec) {
		return RoleWorker, true
	}
	return "", false
}

// Classify partitions the snapshot preserving enumeration order
// Classify 划分快照并保持枚举顺序
func (c *Classifier) Classify(snapshot []discovery.ProcessRecord) Result {
	var res Result
	for _, rec := range snapshot {
		role, ok := c.RoleOf(rec)
		if !ok {
			continue
		}
		switch role {
		case RolePrimary:
			res.Primary = append(res.Primary, rec)
		case RoleWorker:
			res.Workers = append(res.Workers, rec)
		}
	}
	return res
}

// Classify applies the default heuristic: a "node" process running "index.js"
// is primary, anything in the memory range is a worker.
// Classify 应用默认启发式：运行 "index.js" 的 "node" 进程为主服务，内存范围内的进程为工作进程。
func Classify(snapshot []discovery.ProcessRecord, exclusions ExclusionSet, memory MemoryRange) Result {
	return New(NewOptions(exclusions, memory, "node", "index.js")).Classify(snapshot)
}
