//go:build !linux

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
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Scanner reads the process table through ps(1)
// Scanner 通过 ps(1) 读取进程表
type Scanner struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewScanner creates a ps based Scanner
// NewScanner 创建基于 ps 的 Scanner
func NewScanner(logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{logger: logger, now: time.Now}
}

// Snapshot enumerates processes. ps cannot preserve argv boundaries so the
// command line is split on whitespace. comm may contain spaces (a full path
// on darwin), so it is read by a second call where it is the only trailing column.
// Snapshot 枚举进程。ps 无法保留 argv 边界，命令行按空白拆分。
// comm 可能包含空格（darwin 上为完整路径），因此通过第二次调用单独读取。
func (s *Scanner) Snapshot(ctx context.Context) ([]ProcessRecord, error) {
	rows, err := runPS(ctx, "pid=,rss=,etime=,args=")
	if err != nil {
		return nil, err
	}
	commRows, err := runPS(ctx, "pid=,comm=")
	if err != nil {
		return nil, err
	}
	names := parseCommLines(commRows)

	now := s.now()
	var records []ProcessRecord
	for _, line := range rows {
		rec, ok := parsePSLine(line, names, now)
		if !ok {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func runPS(ctx context.Context, format string) ([]string, error) {
	out, err := exec.CommandContext(ctx, "ps", "-A", "-o", format).Output()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiscovery, err)
	}
	return strings.Split(string(out), "\n"), nil
}

// parseCommLines maps pid to comm from "pid comm" rows, comm kept verbatim
func parseCommLines(lines []string) map[int]string {
	names := make(map[int]string, len(lines))
	for _, line := range lines {
		pidStr, comm, ok := strings.Cut(strings.TrimSpace(line), " ")
		if !ok {
			continue
		}
		pid, err := strconv.Atoi(pidStr)
		if err != nil {
			continue
		}
		if comm = strings.TrimSpace(comm); comm != "" {
			names[pid] = comm
		}
	}
	return names
}

// parsePSLine parses "pid rss etime args..." and takes the name from names.
// A process missing from names (it started between the two calls) falls back to argv[0].
func parsePSLine(line string, names map[int]string, now time.Time) (ProcessRecord, bool) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return ProcessRecord{}, false
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil {
		return ProcessRecord{}, false
	}
	rssKB, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return ProcessRecord{}, false
	}
	elapsed, err := parseElapsed(fields[2])
	if err != nil {
		return ProcessRecord{}, false
	}

	args := fields[3:]
	comm := names[pid]
	switch {
	case comm == "" && len(args) == 0:
		return ProcessRecord{}, false
	case comm == "":
		comm = args[0]
	case len(args) == 0:
		args = []string{comm}
	}
	return ProcessRecord{
		PID:                 pid,
		Name:                resolveName(filepath.Base(comm), args),
		CommandLine:         args,
		ResidentMemoryBytes: rssKB * 1024,
		CreationTime:        now.Add(-elapsed),
	}, true
}

// parseElapsed parses ps etime: [[dd-]hh:]mm:ss
func parseElapsed(s string) (time.Duration, error) {
	var days int64
	if i := strings.IndexByte(s, '-'); i >= 0 {
		d, err := strconv.ParseInt(s[:i], 10, 64)
		if err != nil {
			return 0, err
		}
		days = d
		s = s[i+1:]
	}
	parts := strings.Split(s, ":")
	var total int64
	for _, p := range parts {
		v, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return 0, err
		}
		total = total*60 + v
	}
	return time.Duration(days*86400+total) * time.Second, nil
}
