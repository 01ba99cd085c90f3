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

// Package restart relaunches the managed service when its topology is unhealthy.
// restart 包在拓扑不健康时重新拉起受管服务。
//
// This package provides:
// 此包提供：
// - The restart state machine / 重启状态机
// - Manager reset, process cleanup, relaunch and persistence / 管理器重置、进程清理、重新启动与持久化
// - Restart count limiting with cooldown / 带冷却的重启次数限制
package restart

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nodeguard/nodeguard/internal/classifier"
	"github.com/nodeguard/nodeguard/internal/discovery"
	"github.com/nodeguard/nodeguard/internal/pm2"
	"github.com/nodeguard/nodeguard/internal/process"
	"go.uber.org/zap"
)

// Common errors for restart orchestration
// 重启编排的常见错误
var (
	// ErrMissingArtifact indicates the primary entry file does not exist
	// ErrMissingArtifact 表示主服务入口文件不存在
	ErrMissingArtifact = errors.New("primary entry artifact missing")

	// ErrOrchestratorTimeout indicates a process manager call exceeded its bound
	// ErrOrchestratorTimeout 表示进程管理器调用超时
	ErrOrchestratorTimeout = errors.New("orchestrator timed out")

	// ErrRestartSuppressed indicates the restart limiter refused a restart
	// ErrRestartSuppressed 表示重启限制器拒绝了本次重启
	ErrRestartSuppressed = errors.New("restart suppressed by limiter")

	// ErrSurvivorKilled marks a process that outlived the settle interval
	// ErrSurvivorKilled 标记超过等待期仍存活的进程
	ErrSurvivorKilled = errors.New("process outlived settle interval, killed")
)

// State is a restart state machine state
// State 是重启状态机的状态
type State string

const (
	StateIdle                 State = "idle"
	StateResettingManager     State = "resetting_manager"
	StateTerminatingProcesses State = "terminating_processes"
	StateLaunching            State = "launching"
	StatePersisting           State = "persisting"
	StateFailed               State = "failed"
)

// Transition describes one state change
// Transition 描述一次状态变化
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	Err  error     `json:"-"`
	At   time.Time `json:"at"`
}

// TransitionFunc observes state changes
// TransitionFunc 观察状态变化
type TransitionFunc func(Transition)

// Warning is a failure tolerated by the step running in State
// Warning 是 State 所在步骤容忍的失败
type Warning struct {
	State State     `json:"state"`
	Err   error     `json:"-"`
	At    time.Time `json:"at"`
}

// WarningFunc observes tolerated failures
// WarningFunc 观察被容忍的失败
type WarningFunc func(Warning)

// Options configures an Orchestrator
// Options 配置 Orchestrator
type Options struct {
	// EntryPath is the primary service entry file / 主服务入口文件
	EntryPath string
	// AppName is the logical name given to the process manager / 进程管理器中的逻辑名称
	AppName string
	// SettleInterval bounds the wait for terminated processes / 等待被终止进程的上限
	SettleInterval time.Duration
	// ManagerResetDelay is slept after the manager reset / 管理器重置后的等待
	ManagerResetDelay time.Duration
	// ReapPollInterval is the liveness poll step / 存活轮询间隔
	ReapPollInterval time.Duration
}

// Report summarises one orchestration
// Report 汇总一次重启编排
type Report struct {
	Final State `json:"final"`
	// ManagerErrors are the tolerated reset and persist failures / 被容忍的重置与持久化错误
	ManagerErrors []error `json:"-"`
	// Terminated are the processes signalled during cleanup / 清理阶段发送信号的进程
	Terminated []discovery.ProcessRecord `json:"terminated"`
	// TerminationErrors are tolerated signalling failures / 被容忍的信号发送失败
	TerminationErrors []error `json:"-"`
	// Killed are pids that outlived the settle interval / 超过等待期仍存活而被强杀的 PID
	Killed []int `json:"killed,omitempty"`
	// Output of the start command / 启动命令输出
	StartOutput string `json:"start_output,omitempty"`
}

// Orchestrator runs the restart sequence:
// Orchestrator 执行重启序列：
//
//	Idle -> ResettingManager -> TerminatingProcesses -> Launching -> Persisting -> Idle
//
// Any fatal error moves it to Failed. Reset and persist failures are tolerated,
// launch failures and timeouts are fatal.
// 任何致命错误都会进入 Failed。重置和持久化失败会被容忍，启动失败和超时是致命的。
type Orchestrator struct {
	manager    pm2.Manager
	provider   discovery.Provider
	classifier *classifier.Classifier
	reaper     process.Reaper
	opts       Options
	logger     *zap.Logger

	onTransition TransitionFunc
	onWarning    WarningFunc
	sleep        func(ctx context.Context, d time.Duration) error
	stat         func(path string) (os.FileInfo, error)

	mu    sync.Mutex
	state State
}

// NewOrchestrator creates an Orchestrator
// NewOrchestrator 创建 Orchestrator
func NewOrchestrator(
	manager pm2.Manager,
	provider discovery.Provider,
	c *classifier.Classifier,
	reaper process.Reaper,
	opts Options,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		manager:    manager,
		provider:   provider,
		classifier: c,
		reaper:     reaper,
		opts:       opts,
		logger:     logger,
		sleep:      sleepContext,
		stat:       os.Stat,
		state:      StateIdle,
	}
}

// OnTransition sets the state change observer
// OnTransition 设置状态变化观察者
func (o *Orchestrator) OnTransition(fn TransitionFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onTransition = fn
}

// OnWarning sets the observer of tolerated failures
// OnWarning 设置被容忍失败的观察者
func (o *Orchestrator) OnWarning(fn WarningFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onWarning = fn
}

// State returns the current state
// State 返回当前状态
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Run executes the full restart sequence. The returned report is never nil.
// Run 执行完整的重启序列。返回的报告不会为 nil。
//
// ctx is checked between steps; a step already in progress is not interrupted
// mid-signal.
// 步骤之间检查 ctx；正在进行的步骤不会在发送信号中途被打断。
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	report := &Report{}

	steps := []struct {
		state State
		run   func(context.Context, *Report) error
	}{
		{StateResettingManager, o.resetManager},
		{StateTerminatingProcesses, o.terminateProcesses},
		{StateLaunching, o.launch},
		{StatePersisting, o.persist},
	}

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return o.fail(report, fmt.Errorf("cancelled before %s: %w", step.state, err))
		}
		o.transition(step.state, nil)
		if err := step.run(ctx, report); err != nil {
			return o.fail(report, err)
		}
	}

	o.transition(StateIdle, nil)
	report.Final = StateIdle
	return report, nil
}

func (o *Orchestrator) fail(report *Report, err error) (*Report, error) {
	o.transition(StateFailed, err)
	report.Final = StateFailed
	o.logger.Error("Restart failed", zap.Error(err))
	return report, err
}

func (o *Orchestrator) transition(to State, err error) {
	o.mu.Lock()
	from := o.state
	o.state = to
	fn := o.onTransition
	o.mu.Unlock()

	o.logger.Info("Restart state changed",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Error(err))
	if fn != nil {
		fn(Transition{From: from, To: to, Err: err, At: time.Now()})
	}
}

// warn reports a tolerated failure of the current step
func (o *Orchestrator) warn(err error) {
	o.mu.Lock()
	state := o.state
	fn := o.onWarning
	o.mu.Unlock()
	if fn != nil {
		fn(Warning{State: state, Err: err, At: time.Now()})
	}
}

// resetManager deletes every managed entry and stops the daemon. Failures are
// tolerated; timeouts are not.
// resetManager 删除所有受管条目并停止守护进程。失败会被容忍，超时不会。
func (o *Orchestrator) resetManager(ctx context.Context, report *Report) error {
	calls := []func(context.Context) (string, error){
		o.manager.DeleteAll,
		o.manager.KillDaemon,
	}
	for _, call := range calls {
		if _, err := call(ctx); err != nil {
			if errors.Is(err, pm2.ErrCommandTimeout) {
				return fmt.Errorf("%w: %w", ErrOrchestratorTimeout, err)
			}
			report.ManagerErrors = append(report.ManagerErrors, err)
			o.logger.Warn("Process manager reset step failed, continuing", zap.Error(err))
			o.warn(err)
		}
	}
	return o.sleep(ctx, o.opts.ManagerResetDelay)
}

// terminateProcesses re-enumerates and signals every classified process, then
// waits up to the settle interval for them to exit. Survivors are killed.
// terminateProcesses 重新枚举并终止所有已分类进程，然后在等待期内等待其退出，仍存活的进程被强杀。
func (o *Orchestrator) terminateProcesses(ctx context.Context, report *Report) error {
	snapshot, err := o.provider.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("re-enumerate processes: %w", err)
	}
	res := o.classifier.Classify(snapshot)
	targets := append(append([]discovery.ProcessRecord{}, res.Primary...), res.Workers...)

	byPID := make(map[int]discovery.ProcessRecord, len(targets))
	var signalled []int
	for _, rec := range targets {
		if err := o.reaper.Terminate(rec); err != nil {
			report.TerminationErrors = append(report.TerminationErrors, err)
			o.logger.Warn("Failed to terminate process",
				zap.Int("pid", rec.PID),
				zap.String("name", rec.Name),
				zap.Error(err))
			o.warn(err)
			continue
		}
		report.Terminated = append(report.Terminated, rec)
		byPID[rec.PID] = rec
		signalled = append(signalled, rec.PID)
	}

	survivors := o.reaper.WaitGone(ctx, signalled, o.opts.SettleInterval, o.opts.ReapPollInterval)
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("cancelled while waiting for processes to exit: %w", err)
	}
	for _, pid := range survivors {
		rec := byPID[pid]
		if err := o.reaper.Kill(rec); err != nil {
			report.TerminationErrors = append(report.TerminationErrors, err)
			o.warn(err)
			continue
		}
		report.Killed = append(report.Killed, pid)
		o.logger.Warn("Process outlived settle interval, killed",
			zap.Int("pid", pid),
			zap.String("name", rec.Name))
		o.warn(fmt.Errorf("%w: pid %d (%s)", ErrSurvivorKilled, pid, rec.Name))
	}
	return nil
}

// launch verifies the entry artifact and starts it under the logical name
// launch 校验入口文件并以逻辑名称启动
func (o *Orchestrator) launch(ctx context.Context, report *Report) error {
	info, err := o.stat(o.opts.EntryPath)
	if err != nil || info.IsDir() {
		if err == nil {
			err = fmt.Errorf("%s is a directory", o.opts.EntryPath)
		}
		return fmt.Errorf("%w: %s: %v", ErrMissingArtifact, o.opts.EntryPath, err)
	}

	out, err := o.manager.Start(ctx, o.opts.EntryPath, o.opts.AppName, true)
	report.StartOutput = out
	if err != nil {
		if errors.Is(err, pm2.ErrCommandTimeout) {
			return fmt.Errorf("%w: %w", ErrOrchestratorTimeout, err)
		}
		return fmt.Errorf("launch %s: %w", o.opts.AppName, err)
	}
	return nil
}

// persist saves the process list; failures are tolerated, timeouts are not
// persist 保存进程列表；失败会被容忍，超时不会
func (o *Orchestrator) persist(ctx context.Context, report *Report) error {
	if _, err := o.manager.Save(ctx); err != nil {
		if errors.Is(err, pm2.ErrCommandTimeout) {
			return fmt.Errorf("%w: %w", ErrOrchestratorTimeout, err)
		}
		report.ManagerErrors = append(report.ManagerErrors, err)
		o.logger.Warn("Failed to persist process list", zap.Error(err))
		o.warn(err)
	}
	return nil
}

// sleepContext sleeps for d or until ctx is done
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("cancelled during manager reset delay: %w", ctx.Err())
	case <-t.C:
		return nil
	}
}
