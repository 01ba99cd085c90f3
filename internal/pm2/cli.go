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

// Package pm2 drives the PM2 process manager through its command line.
// pm2 包通过命令行驱动 PM2 进程管理器。
package pm2

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Common errors for process manager calls
// 进程管理器调用的常见错误
var (
	// ErrManagerCommand indicates a PM2 invocation failed
	// ErrManagerCommand 表示 PM2 调用失败
	ErrManagerCommand = errors.New("process manager command failed")

	// ErrCommandTimeout indicates a PM2 invocation exceeded its time bound
	// ErrCommandTimeout 表示 PM2 调用超时
	ErrCommandTimeout = errors.New("process manager command timed out")
)

// Operation names / 操作名称
const (
	OpDeleteAll  = "delete_all"
	OpKillDaemon = "kill_daemon"
	OpStart      = "start"
	OpSave       = "save"
)

// DefaultTimeout bounds a call when none is configured
// DefaultTimeout 是未配置时的调用超时
const DefaultTimeout = 30 * time.Second

// CommandError carries the diagnostic output of a failed call.
// CommandError 携带失败调用的诊断输出。
type CommandError struct {
	Op     string
	Args   []string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("pm2 %s failed: %v", e.Op, e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + out
	}
	return msg
}

// Unwrap exposes ErrManagerCommand and the cause
func (e *CommandError) Unwrap() []error {
	return []error{ErrManagerCommand, e.Err}
}

// Manager is the set of process manager operations used for a restart
// Manager 是重启所需的进程管理器操作集合
type Manager interface {
	// DeleteAll removes every managed entry / 删除所有受管条目
	DeleteAll(ctx context.Context) (string, error)
	// KillDaemon stops the manager daemon / 停止管理器守护进程
	KillDaemon(ctx context.Context) (string, error)
	// Start launches path under name, replacing an existing entry when force is set
	// Start 以 name 启动 path，force 时替换已有条目
	Start(ctx context.Context, path, name string, force bool) (string, error)
	// Save persists the process list / 持久化进程列表
	Save(ctx context.Context) (string, error)
}

// CLI runs the pm2 executable
// CLI 运行 pm2 可执行文件
type CLI struct {
	binary  string
	workDir string
	timeout time.Duration
	logger  *zap.Logger
}

// NewCLI creates a PM2 client. workDir is the directory commands run in.
// NewCLI 创建 PM2 客户端。workDir 是命令执行目录。
func NewCLI(binary, workDir string, timeout time.Duration, logger *zap.Logger) *CLI {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CLI{binary: binary, workDir: workDir, timeout: timeout, logger: logger}
}

// Binary returns the executable path
func (c *CLI) Binary() string {
	return c.binary
}

// DeleteAll runs "pm2 delete all"
func (c *CLI) DeleteAll(ctx context.Context) (string, error) {
	return c.run(ctx, OpDeleteAll, "delete", "all")
}

// KillDaemon runs "pm2 kill"
func (c *CLI) KillDaemon(ctx context.Context) (string, error) {
	return c.run(ctx, OpKillDaemon, "kill")
}

// Start runs "pm2 start <path> --name <name> [-f]"
func (c *CLI) Start(ctx context.Context, path, name string, force bool) (string, error) {
	args := []string{"start", path, "--name", name}
	if force {
		args = append(args, "-f")
	}
	return c.run(ctx, OpStart, args...)
}

// Save runs "pm2 save"
func (c *CLI) Save(ctx context.Context) (string, error) {
	return c.run(ctx, OpSave, "save")
}

// run executes one pm2 command bounded by the configured timeout
// run 在超时限制下执行一条 pm2 命令
func (c *CLI) run(ctx context.Context, op string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.binary, args...)
	cmd.Dir = c.workDir
	// Kill the whole group so a hung pm2 child cannot hold the pipes open
	setProcGroupAttr(cmd)
	cmd.WaitDelay = time.Second

	start := time.Now()
	out, err := cmd.CombinedOutput()
	output := string(out)

	c.logger.Debug("pm2 command finished",
		zap.String("op", op),
		zap.Strings("args", args),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err))

	if err != nil {
		if ctxErr := ctx.Err(); errors.Is(ctxErr, context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %w", ErrCommandTimeout, c.timeout, ctxErr)
		} else if ctxErr != nil {
			err = ctxErr
		}
		return output, &CommandError{Op: op, Args: args, Output: output, Err: err}
	}
	return output, nil
}
