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

package pm2

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePM2 writes a shell script that records its arguments and behaves per subcommand
// fakePM2 写入一个记录参数并按子命令执行的脚本
func fakePM2(t *testing.T, body string) (binary, logFile string) {
	t.Helper()
	dir := t.TempDir()
	logFile = filepath.Join(dir, "calls.log")
	binary = filepath.Join(dir, "pm2")
	script := "#!/bin/sh\necho \"$@\" >> " + logFile + "\n" + body + "\n"
	require.NoError(t, os.WriteFile(binary, []byte(script), 0755))
	return binary, logFile
}

func calls(t *testing.T, logFile string) []string {
	t.Helper()
	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

// TestCLICommands tests the argument vectors of every operation
// TestCLICommands 测试每个操作的参数
func TestCLICommands(t *testing.T) {
	binary, logFile := fakePM2(t, `echo "ok $1"`)
	c := NewCLI(binary, t.TempDir(), time.Second, nil)
	ctx := context.Background()

	out, err := c.DeleteAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok delete\n", out)

	_, err = c.KillDaemon(ctx)
	require.NoError(t, err)
	_, err = c.Start(ctx, "/srv/app/index.js", "nodejs-server", true)
	require.NoError(t, err)
	_, err = c.Start(ctx, "/srv/app/index.js", "other", false)
	require.NoError(t, err)
	_, err = c.Save(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"delete all",
		"kill",
		"start /srv/app/index.js --name nodejs-server -f",
		"start /srv/app/index.js --name other",
		"save",
	}, calls(t, logFile))
}

// TestCLIFailure tests that a non-zero exit becomes a CommandError with output
// TestCLIFailure 测试非零退出码转换为带输出的 CommandError
func TestCLIFailure(t *testing.T) {
	binary, _ := fakePM2(t, `echo "[PM2][ERROR] Script not found" >&2; exit 1`)
	c := NewCLI(binary, t.TempDir(), time.Second, nil)

	out, err := c.Start(context.Background(), "missing.js", "app", true)
	require.Error(t, err)
	assert.Contains(t, out, "Script not found")

	var ce *CommandError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, OpStart, ce.Op)
	assert.Equal(t, []string{"start", "missing.js", "--name", "app", "-f"}, ce.Args)
	assert.ErrorIs(t, err, ErrManagerCommand)
	assert.NotErrorIs(t, err, ErrCommandTimeout)
	assert.Contains(t, err.Error(), "Script not found")
}

// TestCLITimeout tests that a hung command is bounded
// TestCLITimeout 测试挂起的命令受超时限制
func TestCLITimeout(t *testing.T) {
	binary, _ := fakePM2(t, `sleep 30`)
	c := NewCLI(binary, t.TempDir(), 200*time.Millisecond, nil)

	start := time.Now()
	_, err := c.Save(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCommandTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrManagerCommand)
	assert.Less(t, time.Since(start), 10*time.Second)
}

// TestCLICancelled tests that a cancelled parent context is not reported as timeout
// TestCLICancelled 测试父上下文取消不被视为超时
func TestCLICancelled(t *testing.T) {
	binary, _ := fakePM2(t, `sleep 30`)
	c := NewCLI(binary, t.TempDir(), time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.KillDaemon(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrCommandTimeout)
}

// TestCLIMissingBinary tests a missing executable
// TestCLIMissingBinary 测试可执行文件不存在
func TestCLIMissingBinary(t *testing.T) {
	c := NewCLI(filepath.Join(t.TempDir(), "nope"), "", 0, nil)
	_, err := c.DeleteAll(context.Background())
	assert.ErrorIs(t, err, ErrManagerCommand)
}
