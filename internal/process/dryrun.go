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

package process

import (
	"context"
	"time"

	"github.com/nodeguard/nodeguard/internal/discovery"
	"go.uber.org/zap"
)

// Reaper terminates processes and waits for them to disappear
// Reaper 终止进程并等待其消失
type Reaper interface {
	Terminator
	Kill(rec discovery.ProcessRecord) error
	WaitGone(ctx context.Context, pids []int, timeout, poll time.Duration) []int
}

var (
	_ Reaper = (*Signaller)(nil)
	_ Reaper = (*DryRun)(nil)
)

// DryRun is a Reaper that only logs
// DryRun 是只记录日志的 Reaper
type DryRun struct {
	logger *zap.Logger
}

// NewDryRun creates a logging-only Reaper
// NewDryRun 创建只记录日志的 Reaper
func NewDryRun(logger *zap.Logger) *DryRun {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DryRun{logger: logger}
}

// Terminate implements Terminator
func (d *DryRun) Terminate(rec discovery.ProcessRecord) error {
	d.logger.Info("[dry-run] SIGTERM", zap.Int("pid", rec.PID), zap.String("name", rec.Name))
	return nil
}

// Kill implements Reaper
func (d *DryRun) Kill(rec discovery.ProcessRecord) error {
	d.logger.Info("[dry-run] SIGKILL", zap.Int("pid", rec.PID), zap.String("name", rec.Name))
	return nil
}

// WaitGone implements Reaper, nothing was signalled so nothing remains
func (d *DryRun) WaitGone(context.Context, []int, time.Duration, time.Duration) []int {
	return nil
}
