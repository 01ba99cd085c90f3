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

	"go.uber.org/zap"
)

// DryRun is a Manager that only logs what it would do
// DryRun 是只记录日志而不执行的 Manager
type DryRun struct {
	logger *zap.Logger
}

// NewDryRun creates a logging-only Manager
// NewDryRun 创建只记录日志的 Manager
func NewDryRun(logger *zap.Logger) *DryRun {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DryRun{logger: logger}
}

// DeleteAll implements Manager
func (d *DryRun) DeleteAll(context.Context) (string, error) {
	d.logger.Info("[dry-run] pm2 delete all")
	return "", nil
}

// KillDaemon implements Manager
func (d *DryRun) KillDaemon(context.Context) (string, error) {
	d.logger.Info("[dry-run] pm2 kill")
	return "", nil
}

// Start implements Manager
func (d *DryRun) Start(_ context.Context, path, name string, force bool) (string, error) {
	d.logger.Info("[dry-run] pm2 start", zap.String("path", path), zap.String("name", name), zap.Bool("force", force))
	return "", nil
}

// Save implements Manager
func (d *DryRun) Save(context.Context) (string, error) {
	d.logger.Info("[dry-run] pm2 save")
	return "", nil
}
