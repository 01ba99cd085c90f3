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

// Package precheck verifies that the Node.js runtime and PM2 are available
// before the supervisor attempts any restart.
// precheck 包在守护进程尝试重启之前检查 Node.js 运行时和 PM2 是否可用。
package precheck

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ErrEnvironmentNotReady indicates the runtime or the process manager is missing
// ErrEnvironmentNotReady 表示运行时或进程管理器缺失
var ErrEnvironmentNotReady = errors.New("environment not ready")

// versionTimeout bounds "node --version"
const versionTimeout = 10 * time.Second

// CheckStatus represents the status of a precheck item
// CheckStatus 表示预检查项的状态
type CheckStatus string

const (
	// CheckStatusPassed indicates the check passed
	// CheckStatusPassed 表示检查通过
	CheckStatusPassed CheckStatus = "passed"

	// CheckStatusFailed indicates the check failed
	// CheckStatusFailed 表示检查失败
	CheckStatusFailed CheckStatus = "failed"
)

// CheckName represents the name of a precheck item
// CheckName 表示预检查项的名称
type CheckName string

const (
	// CheckNameRuntime is the Node.js runtime check
	// CheckNameRuntime 是 Node.js 运行时检查
	CheckNameRuntime CheckName = "runtime"

	// CheckNameManager is the PM2 presence check
	// CheckNameManager 是 PM2 存在性检查
	CheckNameManager CheckName = "manager"
)

// CheckItem represents a single precheck result item
// CheckItem 表示单个预检查结果项
type CheckItem struct {
	Name    CheckName              `json:"name" yaml:"name"`
	Status  CheckStatus            `json:"status" yaml:"status"`
	Message string                 `json:"message" yaml:"message"`
	Details map[string]interface{} `json:"details,omitempty" yaml:"details,omitempty"`
}

// Readiness contains all precheck results
// Readiness 包含所有预检查结果
type Readiness struct {
	Items          []CheckItem `json:"items" yaml:"items"`
	Ready          bool        `json:"ready" yaml:"ready"`
	RuntimeVersion string      `json:"runtime_version,omitempty" yaml:"runtime_version,omitempty"`
}

// Failed returns the failed items
// Failed 返回失败的检查项
func (r *Readiness) Failed() []CheckItem {
	var out []CheckItem
	for _, item := range r.Items {
		if item.Status == CheckStatusFailed {
			out = append(out, item)
		}
	}
	return out
}

// SystemInfoProvider is an interface for probing the host
// SystemInfoProvider 是探测主机信息的接口
type SystemInfoProvider interface {
	// LookPath resolves an executable like "command -v"
	// LookPath 类似 "command -v" 解析可执行文件
	LookPath(name string) (string, error)

	// RuntimeVersion runs "<path> --version"
	// RuntimeVersion 执行 "<path> --version"
	RuntimeVersion(ctx context.Context, path string) (string, error)

	// Executable reports whether path is an executable regular file
	// Executable 判断 path 是否为可执行的普通文件
	Executable(path string) error
}

// DefaultSystemInfoProvider probes the real host
// DefaultSystemInfoProvider 探测真实主机
type DefaultSystemInfoProvider struct{}

// LookPath implements SystemInfoProvider
func (DefaultSystemInfoProvider) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// RuntimeVersion implements SystemInfoProvider
func (DefaultSystemInfoProvider) RuntimeVersion(ctx context.Context, path string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, versionTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, path, "--version").Output()
	if err != nil {
		return "", fmt.Errorf("%s --version failed: %w", path, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Executable implements SystemInfoProvider
func (DefaultSystemInfoProvider) Executable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if info.Mode().Perm()&0111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}

// Checker runs the environment prechecks
// Checker 执行环境预检查
type Checker struct {
	runtime     string
	managerPath string
	provider    SystemInfoProvider
}

// NewChecker creates a Checker for the given runtime name and PM2 path
// NewChecker 为给定的运行时名称和 PM2 路径创建 Checker
func NewChecker(runtime, managerPath string) *Checker {
	return NewCheckerWithProvider(runtime, managerPath, DefaultSystemInfoProvider{})
}

// NewCheckerWithProvider creates a Checker with a custom SystemInfoProvider
// NewCheckerWithProvider 使用自定义 SystemInfoProvider 创建 Checker
func NewCheckerWithProvider(runtime, managerPath string, provider SystemInfoProvider) *Checker {
	return &Checker{runtime: runtime, managerPath: managerPath, provider: provider}
}

// IsRuntimeInstalled reports whether the runtime resolves and answers --version
// IsRuntimeInstalled 判断运行时能否解析并响应 --version
func (c *Checker) IsRuntimeInstalled(ctx context.Context) (bool, string) {
	item := c.CheckRuntime(ctx)
	if item.Status != CheckStatusPassed {
		return false, ""
	}
	v, _ := item.Details["version"].(string)
	return true, v
}

// CheckRuntime checks the Node.js runtime
// CheckRuntime 检查 Node.js 运行时
func (c *Checker) CheckRuntime(ctx context.Context) CheckItem {
	item := CheckItem{Name: CheckNameRuntime, Details: make(map[string]interface{})}

	path, err := c.provider.LookPath(c.runtime)
	if err != nil {
		item.Status = CheckStatusFailed
		item.Message = fmt.Sprintf("Runtime %q not found: %v / 未找到运行时 %q：%v", c.runtime, err, c.runtime, err)
		return item
	}
	item.Details["path"] = path

	version, err := c.provider.RuntimeVersion(ctx, path)
	if err != nil || version == "" {
		item.Status = CheckStatusFailed
		item.Message = fmt.Sprintf("Runtime %s did not report a version: %v / 运行时未返回版本：%v", path, err, err)
		return item
	}
	item.Details["version"] = version
	if major, ok := parseMajor(version); ok {
		item.Details["major"] = major
	}

	item.Status = CheckStatusPassed
	item.Message = fmt.Sprintf("Runtime %s %s / 运行时 %s %s", path, version, path, version)
	return item
}

// CheckManager checks that the PM2 executable is present
// CheckManager 检查 PM2 可执行文件是否存在
func (c *Checker) CheckManager(ctx context.Context) CheckItem {
	item := CheckItem{Name: CheckNameManager, Details: map[string]interface{}{"path": c.managerPath}}

	if err := c.provider.Executable(c.managerPath); err != nil {
		item.Status = CheckStatusFailed
		item.Message = fmt.Sprintf("Process manager unavailable: %v / 进程管理器不可用：%v", err, err)
		return item
	}
	item.Status = CheckStatusPassed
	item.Message = fmt.Sprintf("Process manager found at %s / 进程管理器位于 %s", c.managerPath, c.managerPath)
	return item
}

// Ready runs all checks. When any fails it returns the readiness together with
// an error wrapping ErrEnvironmentNotReady.
// Ready 运行所有检查。任一失败时返回结果以及包装 ErrEnvironmentNotReady 的错误。
func (c *Checker) Ready(ctx context.Context) (*Readiness, error) {
	r := &Readiness{Ready: true}

	checks := []func(context.Context) CheckItem{
		c.CheckRuntime,
		c.CheckManager,
	}
	for _, check := range checks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		item := check(ctx)
		r.Items = append(r.Items, item)
		if item.Status == CheckStatusFailed {
			r.Ready = false
		}
		if item.Name == CheckNameRuntime {
			r.RuntimeVersion, _ = item.Details["version"].(string)
		}
	}

	if !r.Ready {
		msgs := make([]string, 0, len(r.Items))
		for _, item := range r.Failed() {
			msgs = append(msgs, string(item.Name))
		}
		return r, fmt.Errorf("%w: %s check failed", ErrEnvironmentNotReady, strings.Join(msgs, ", "))
	}
	return r, nil
}

// parseMajor extracts the major version from "v20.11.1"
// parseMajor 从 "v20.11.1" 中提取主版本号
func parseMajor(version string) (int, bool) {
	v := strings.TrimPrefix(strings.TrimSpace(version), "v")
	majorStr, _, _ := strings.Cut(v, ".")
	major, err := strconv.Atoi(majorStr)
	if err != nil {
		return 0, false
	}
	return major, true
}
