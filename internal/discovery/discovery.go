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

// Package discovery enumerates operating system processes for one evaluation cycle.
// discovery 包为一次评估周期枚举操作系统进程。
//
// A snapshot is best effort: processes that exit while the table is being read
// are omitted rather than reported.
// 快照是尽力而为的：枚举过程中退出的进程会被忽略而不是报错。
package discovery

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"
)

// ErrDiscovery is returned when the process table cannot be read at all
// ErrDiscovery 表示进程表完全无法读取
var ErrDiscovery = errors.New("process table unreadable")

// ProcessRecord is one process as seen in a single snapshot.
// ProcessRecord 是单次快照中看到的一个进程。
//
// Records are values owned by the cycle that produced them; a pid is only
// meaningful inside that cycle.
// 记录归产生它的周期所有；PID 只在该周期内有意义。
type ProcessRecord struct {
	PID                 int       `json:"pid" yaml:"pid"`
	Name                string    `json:"name" yaml:"name"`
	CommandLine         []string  `json:"command_line" yaml:"command_line"`
	ResidentMemoryBytes int64     `json:"resident_memory_bytes" yaml:"resident_memory_bytes"`
	CreationTime        time.Time `json:"creation_time" yaml:"creation_time"`
}

// MemoryMB returns resident memory in mebibytes
// MemoryMB 返回以 MiB 为单位的常驻内存
func (r ProcessRecord) MemoryMB() float64 {
	return float64(r.ResidentMemoryBytes) / (1024 * 1024)
}

// Cmdline joins the command line with single spaces
// Cmdline 用空格拼接命令行
func (r ProcessRecord) Cmdline() string {
	return strings.Join(r.CommandLine, " ")
}

// Provider produces process snapshots
// Provider 生成进程快照
type Provider interface {
	Snapshot(ctx context.Context) ([]ProcessRecord, error)
}

// ProviderFunc adapts a function to Provider
// ProviderFunc 将函数适配为 Provider
type ProviderFunc func(ctx context.Context) ([]ProcessRecord, error)

// Snapshot implements Provider
func (f ProviderFunc) Snapshot(ctx context.Context) ([]ProcessRecord, error) {
	return f(ctx)
}

// commLimit is the kernel's truncation length for process names
const commLimit = 15

// resolveName expands a truncated comm using argv[0] when it is a prefix match
// resolveName 当 comm 被截断且与 argv[0] 前缀匹配时使用完整名称
func resolveName(comm string, cmdline []string) string {
	if len(comm) < commLimit || len(cmdline) == 0 {
		return comm
	}
	base := filepath.Base(cmdline[0])
	if strings.HasPrefix(base, comm) {
		return base
	}
	return comm
}
