//go:build linux

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

package discovery

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// DefaultProcRoot is where the kernel exposes the process table
// DefaultProcRoot 是内核暴露进程表的位置
const DefaultProcRoot = "/proc"

// clockTicks is USER_HZ, 100 on every mainstream Linux build
const clockTicks = 100

// Scanner reads the process table from procfs
// Scanner 从 procfs 读取进程表
type Scanner struct {
	root     string
	pageSize int64
	logger   *zap.Logger
}

// NewScanner creates a Scanner rooted at /proc
// NewScanner 创建以 /proc 为根的 Scanner
func NewScanner(logger *zap.Logger) *Scanner {
	return newScannerAt(DefaultProcRoot, logger)
}

func newScannerAt(root string, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{
		root:     root,
		pageSize: int64(unix.Getpagesize()),
		logger:   logger,
	}
}

// Snapshot enumerates every readable process ordered by pid
// Snapshot 按 PID 顺序枚举所有可读进程
func (s *Scanner) Snapshot(ctx context.Context) ([]ProcessRecord, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiscovery, err)
	}

	boot, err := s.bootTime()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiscovery, err)
	}

	pids := make([]int, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	sort.Ints(pids)

	records := make([]ProcessRecord, 0, len(pids))
	for _, pid := range pids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := s.readProcess(pid, boot)
		if err != nil {
			// Vanished or unreadable, skip / 已退出或不可读，跳过
			s.logger.Debug("Skipping process", zap.Int("pid", pid), zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *Scanner) readProcess(pid int, boot time.Time) (ProcessRecord, error) {
	dir := filepath.Join(s.root, strconv.Itoa(pid))

	stat, err := os.ReadFile(filepath.Join(dir, "stat"))
	if err != nil {
		return ProcessRecord{}, err
	}
	comm, startTicks, rssPages, err := parseStat(stat)
	if err != nil {
		return ProcessRecord{}, err
	}

	var cmdline []string
	if raw, err := os.ReadFile(filepath.Join(dir, "cmdline")); err == nil {
		cmdline = parseCmdline(raw)
	} else if !errors.Is(err, os.ErrPermission) {
		return ProcessRecord{}, err
	}

	return ProcessRecord{
		PID:                 pid,
		Name:                resolveName(comm, cmdline),
		CommandLine:         cmdline,
		ResidentMemoryBytes: rssPages * s.pageSize,
		CreationTime:        boot.Add(time.Duration(startTicks) * time.Second / clockTicks),
	}, nil
}

func (s *Scanner) bootTime() (time.Time, error) {
	f, err := os.Open(filepath.Join(s.root, "stat"))
	if err != nil {
		return time.Time{}, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "btime") {
			parts := strings.Fields(line)
			if len(parts) < 2 {
				break
			}
			sec, err := strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				return time.Time{}, fmt.Errorf("parse btime: %w", err)
			}
			return time.Unix(sec, 0), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return time.Time{}, err
	}
	return time.Time{}, errors.New("btime not found")
}

// parseStat extracts comm, starttime and rss from /proc/<pid>/stat.
// parseStat 从 /proc/<pid>/stat 中提取 comm、starttime 和 rss。
//
// comm sits inside the outermost parentheses and may itself contain spaces or ')'.
// comm 位于最外层括号中，可能包含空格或 ')'。
func parseStat(raw []byte) (comm string, startTicks, rssPages int64, err error) {
	open := bytes.IndexByte(raw, '(')
	closing := bytes.LastIndexByte(raw, ')')
	if open == -1 || closing == -1 || closing < open || closing+2 > len(raw) {
		return "", 0, 0, errors.New("invalid stat format")
	}
	comm = string(raw[open+1 : closing])

	// Fields after ") ": state is index 0, starttime 19, rss 21
	fields := strings.Fields(string(raw[closing+2:]))
	if len(fields) < 22 {
		return "", 0, 0, fmt.Errorf("stat has %d fields, want at least 22", len(fields))
	}
	if startTicks, err = strconv.ParseInt(fields[19], 10, 64); err != nil {
		return "", 0, 0, fmt.Errorf("parse starttime: %w", err)
	}
	if rssPages, err = strconv.ParseInt(fields[21], 10, 64); err != nil {
		return "", 0, 0, fmt.Errorf("parse rss: %w", err)
	}
	if rssPages < 0 {
		rssPages = 0
	}
	return comm, startTicks, rssPages, nil
}

// parseCmdline splits the NUL separated argv
// parseCmdline 拆分以 NUL 分隔的 argv
func parseCmdline(raw []byte) []string {
	raw = bytes.TrimRight(raw, "\x00")
	if len(raw) == 0 {
		return nil
	}
	parts := bytes.Split(raw, []byte{0})
	args := make([]string, 0, len(parts))
	for _, p := range parts {
		args = append(args, string(p))
	}
	return args
}
