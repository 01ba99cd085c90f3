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

package restart

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/nodeguard/nodeguard/internal/classifier"
	"github.com/nodeguard/nodeguard/internal/discovery"
	"github.com/nodeguard/nodeguard/internal/pm2"
	"github.com/nodeguard/nodeguard/internal/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// callLog records every side effect in order
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeManager struct {
	log  *callLog
	errs map[string]error
	hook map[string]func()
}

func (m *fakeManager) call(op string) (string, error) {
	m.log.add("%s", op)
	if fn := m.hook[op]; fn != nil {
		fn()
	}
	return op + " output", m.errs[op]
}

func (m *fakeManager) DeleteAll(context.Context) (string, error) {
	return m.call(pm2.OpDeleteAll)
}

func (m *fakeManager) KillDaemon(context.Context) (string, error) {
	return m.call(pm2.OpKillDaemon)
}

func (m *fakeManager) Save(context.Context) (string, error) {
	return m.call(pm2.OpSave)
}

func (m *fakeManager) Start(_ context.Context, path, name string, force bool) (string, error) {
	m.log.add("start %s %s %v", filepath.Base(path), name, force)
	return "started", m.errs[pm2.OpStart]
}

type fakeReaper struct {
	log       *callLog
	failPIDs  map[int]bool
	survivors []int
}

func (r *fakeReaper) Terminate(rec discovery.ProcessRecord) error {
	r.log.add("terminate %d", rec.PID)
	if r.failPIDs[rec.PID] {
		return &process.TerminationError{PID: rec.PID, Name: rec.Name, Err: process.ErrPermissionDenied}
	}
	return nil
}

func (r *fakeReaper) Kill(rec discovery.ProcessRecord) error {
	r.log.add("kill %d", rec.PID)
	return nil
}

func (r *fakeReaper) WaitGone(_ context.Context, pids []int, timeout, _ time.Duration) []int {
	r.log.add("wait %v %v", pids, timeout)
	return r.survivors
}

func snapshot() []discovery.ProcessRecord {
	const mb = 1024 * 1024
	return []discovery.ProcessRecord{
		{PID: 1, Name: "systemd", ResidentMemoryBytes: 50 * mb},
		{PID: 2001, Name: "node", CommandLine: []string{"node", "index.js"}, ResidentMemoryBytes: 60 * mb},
		{PID: 2002, Name: "worker", ResidentMemoryBytes: 30 * mb},
		{PID: 2003, Name: "worker", ResidentMemoryBytes: 40 * mb},
		{PID: 2004, Name: "bash", ResidentMemoryBytes: 1 * mb},
	}
}

type fixture struct {
	log         *callLog
	manager     *fakeManager
	reaper      *fakeReaper
	orch        *Orchestrator
	transitions []Transition
	entry       string
}

func newFixture(t *testing.T, snap []discovery.ProcessRecord, snapErr error) *fixture {
	t.Helper()
	dir := t.TempDir()
	entry := filepath.Join(dir, "index.js")
	require.NoError(t, os.WriteFile(entry, []byte("// app"), 0644))

	log := &callLog{}
	f := &fixture{
		log:     log,
		manager: &fakeManager{log: log, errs: map[string]error{}, hook: map[string]func(){}},
		reaper:  &fakeReaper{log: log, failPIDs: map[int]bool{}},
		entry:   entry,
	}
	provider := discovery.ProviderFunc(func(context.Context) ([]discovery.ProcessRecord, error) {
		log.add("snapshot")
		return snap, snapErr
	})
	c := classifier.New(classifier.NewOptions(
		classifier.NewExclusionSet([2]int{0, 1000}),
		classifier.MemoryRangeMB(20, 120),
		"node", "index.js",
	))
	f.orch = NewOrchestrator(f.manager, provider, c, f.reaper, Options{
		EntryPath:         entry,
		AppName:           "nodejs-server",
		SettleInterval:    3 * time.Second,
		ManagerResetDelay: 3 * time.Second,
		ReapPollInterval:  200 * time.Millisecond,
	}, nil)
	f.orch.sleep = func(ctx context.Context, d time.Duration) error {
		log.add("sleep %v", d)
		return ctx.Err()
	}
	f.orch.OnTransition(func(tr Transition) { f.transitions = append(f.transitions, tr) })
	return f
}

func (f *fixture) states() []State {
	var out []State
	for _, tr := range f.transitions {
		out = append(out, tr.To)
	}
	return out
}

// TestOrchestratorHappyPath tests the strict step order of a restart
// TestOrchestratorHappyPath 测试重启步骤的严格顺序
func TestOrchestratorHappyPath(t *testing.T) {
	f := newFixture(t, snapshot(), nil)

	report, err := f.orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateIdle, report.Final)
	assert.Equal(t, StateIdle, f.orch.State())

	want := []string{
		"delete_all",
		"kill_daemon",
		"sleep 3s",
		"snapshot",
		"terminate 2001",
		"terminate 2002",
		"terminate 2003",
		"wait [2001 2002 2003] 3s",
		"start index.js nodejs-server true",
		"save",
	}
	if diff := cmp.Diff(want, f.log.list()); diff != "" {
		t.Fatalf("call order mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, []State{
		StateResettingManager,
		StateTerminatingProcesses,
		StateLaunching,
		StatePersisting,
		StateIdle,
	}, f.states())
	assert.Len(t, report.Terminated, 3)
	assert.Equal(t, "started", report.StartOutput)
}

// TestOrchestratorStartFailure tests that a failed launch never persists
// TestOrchestratorStartFailure 测试启动失败时不会执行保存
func TestOrchestratorStartFailure(t *testing.T) {
	f := newFixture(t, snapshot(), nil)
	f.manager.errs[pm2.OpStart] = &pm2.CommandError{Op: pm2.OpStart, Err: errors.New("exit status 1")}

	report, err := f.orch.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, pm2.ErrManagerCommand)
	assert.Equal(t, StateFailed, report.Final)
	assert.Equal(t, StateFailed, f.orch.State())
	assert.NotContains(t, f.log.list(), "save")

	last := f.transitions[len(f.transitions)-1]
	assert.Equal(t, StateLaunching, last.From)
	assert.Equal(t, StateFailed, last.To)
	assert.Error(t, last.Err)
}

// TestOrchestratorMissingArtifact tests fail-fast when the entry file is absent
// TestOrchestratorMissingArtifact 测试入口文件缺失时快速失败
func TestOrchestratorMissingArtifact(t *testing.T) {
	f := newFixture(t, snapshot(), nil)
	require.NoError(t, os.Remove(f.entry))

	report, err := f.orch.Run(context.Background())
	assert.ErrorIs(t, err, ErrMissingArtifact)
	assert.Equal(t, StateFailed, report.Final)
	for _, c := range f.log.list() {
		assert.NotContains(t, c, "start")
		assert.NotEqual(t, "save", c)
	}
}

// TestOrchestratorEntryIsDirectory tests a directory in place of the entry file
// TestOrchestratorEntryIsDirectory 测试入口路径为目录
func TestOrchestratorEntryIsDirectory(t *testing.T) {
	f := newFixture(t, snapshot(), nil)
	f.orch.opts.EntryPath = t.TempDir()

	_, err := f.orch.Run(context.Background())
	assert.ErrorIs(t, err, ErrMissingArtifact)
}

// TestOrchestratorLenientReset tests that reset failures do not stop the restart
// TestOrchestratorLenientReset 测试重置失败不会阻止重启
func TestOrchestratorLenientReset(t *testing.T) {
	f := newFixture(t, snapshot(), nil)
	f.manager.errs[pm2.OpDeleteAll] = &pm2.CommandError{Op: pm2.OpDeleteAll, Err: errors.New("no process found")}
	f.manager.errs[pm2.OpKillDaemon] = &pm2.CommandError{Op: pm2.OpKillDaemon, Err: errors.New("daemon not running")}
	f.manager.errs[pm2.OpSave] = &pm2.CommandError{Op: pm2.OpSave, Err: errors.New("read-only fs")}

	report, err := f.orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateIdle, report.Final)
	assert.Len(t, report.ManagerErrors, 3)
	assert.Contains(t, f.log.list(), "start index.js nodejs-server true")
	assert.Contains(t, f.log.list(), "save")
}

// TestOrchestratorReportsWarnings tests that each tolerated failure is observed in its step
// TestOrchestratorReportsWarnings 测试每个被容忍的失败都在其步骤中被观察到
func TestOrchestratorReportsWarnings(t *testing.T) {
	f := newFixture(t, snapshot(), nil)
	f.manager.errs[pm2.OpDeleteAll] = &pm2.CommandError{Op: pm2.OpDeleteAll, Err: errors.New("no process found")}
	f.manager.errs[pm2.OpSave] = &pm2.CommandError{Op: pm2.OpSave, Err: errors.New("read-only fs")}
	f.reaper.failPIDs[2002] = true
	f.reaper.survivors = []int{2003}

	var warnings []Warning
	f.orch.OnWarning(func(w Warning) {
		warnings = append(warnings, w)
	})

	_, err := f.orch.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, warnings, 4)

	assert.Equal(t, StateResettingManager, warnings[0].State)
	assert.ErrorIs(t, warnings[0].Err, pm2.ErrManagerCommand)
	assert.Equal(t, StateTerminatingProcesses, warnings[1].State)
	assert.ErrorIs(t, warnings[1].Err, process.ErrTermination)
	assert.Equal(t, StateTerminatingProcesses, warnings[2].State)
	assert.ErrorIs(t, warnings[2].Err, ErrSurvivorKilled)
	assert.Contains(t, warnings[2].Err.Error(), "pid 2003")
	assert.Equal(t, StatePersisting, warnings[3].State)
	assert.Contains(t, warnings[3].Err.Error(), "read-only fs")
	for _, w := range warnings {
		assert.False(t, w.At.IsZero())
	}
}

// TestOrchestratorTimeout tests that a hung manager call is fatal
// TestOrchestratorTimeout 测试进程管理器调用超时是致命的
func TestOrchestratorTimeout(t *testing.T) {
	for _, op := range []string{pm2.OpDeleteAll, pm2.OpKillDaemon, pm2.OpStart, pm2.OpSave} {
		t.Run(op, func(t *testing.T) {
			f := newFixture(t, snapshot(), nil)
			f.manager.errs[op] = &pm2.CommandError{
				Op:  op,
				Err: fmt.Errorf("%w: %w", pm2.ErrCommandTimeout, context.DeadlineExceeded),
			}

			report, err := f.orch.Run(context.Background())
			assert.ErrorIs(t, err, ErrOrchestratorTimeout)
			assert.Equal(t, StateFailed, report.Final)

			calls := f.log.list()
			assert.NotEmpty(t, calls)
			last := calls[len(calls)-1]
			if op == pm2.OpStart {
				assert.Equal(t, "start index.js nodejs-server true", last)
			} else {
				assert.Equal(t, op, last)
			}
		})
	}
}

// TestOrchestratorDiscoveryFailure tests that cleanup needs a fresh snapshot
// TestOrchestratorDiscoveryFailure 测试清理阶段需要新的快照
func TestOrchestratorDiscoveryFailure(t *testing.T) {
	f := newFixture(t, nil, discovery.ErrDiscovery)

	report, err := f.orch.Run(context.Background())
	assert.ErrorIs(t, err, discovery.ErrDiscovery)
	assert.Equal(t, StateFailed, report.Final)
	assert.NotContains(t, f.log.list(), "start index.js nodejs-server true")
}

// TestOrchestratorTerminationErrorsTolerated tests per-process failures are absorbed
// TestOrchestratorTerminationErrorsTolerated 测试单个进程终止失败被吸收
func TestOrchestratorTerminationErrorsTolerated(t *testing.T) {
	f := newFixture(t, snapshot(), nil)
	f.reaper.failPIDs[2002] = true

	report, err := f.orch.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.TerminationErrors, 1)
	assert.ErrorIs(t, report.TerminationErrors[0], process.ErrTermination)
	assert.Contains(t, f.log.list(), "wait [2001 2003] 3s")
}

// TestOrchestratorKillsSurvivors tests escalation after the settle interval
// TestOrchestratorKillsSurvivors 测试等待期后强杀仍存活的进程
func TestOrchestratorKillsSurvivors(t *testing.T) {
	f := newFixture(t, snapshot(), nil)
	f.reaper.survivors = []int{2003}

	report, err := f.orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{2003}, report.Killed)
	assert.Contains(t, f.log.list(), "kill 2003")
}

// TestOrchestratorCancelledBetweenSteps tests cancellation between steps
// TestOrchestratorCancelledBetweenSteps 测试步骤之间的取消
func TestOrchestratorCancelledBetweenSteps(t *testing.T) {
	f := newFixture(t, snapshot(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.manager.hook[pm2.OpKillDaemon] = cancel

	report, err := f.orch.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateFailed, report.Final)

	// Reset step finished, nothing after it ran / 重置步骤完成，其后的步骤未执行
	assert.Equal(t, []string{"delete_all", "kill_daemon", "sleep 3s"}, f.log.list())
}

// TestOrchestratorCancelledBeforeRun tests an already cancelled context
// TestOrchestratorCancelledBeforeRun 测试已取消的上下文
func TestOrchestratorCancelledBeforeRun(t *testing.T) {
	f := newFixture(t, snapshot(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.orch.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.log.list())
	assert.Equal(t, []State{StateFailed}, f.states())
}

// TestOrchestratorRecoversAfterFailure tests that a failed run does not block the next
// TestOrchestratorRecoversAfterFailure 测试失败后下一次运行不受影响
func TestOrchestratorRecoversAfterFailure(t *testing.T) {
	f := newFixture(t, snapshot(), nil)
	f.manager.errs[pm2.OpStart] = errors.New("boom")
	_, err := f.orch.Run(context.Background())
	require.Error(t, err)

	delete(f.manager.errs, pm2.OpStart)
	report, err := f.orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateIdle, report.Final)
}

// TestSleepContext tests the cancellable delay
// TestSleepContext 测试可取消的延迟
func TestSleepContext(t *testing.T) {
	assert.NoError(t, sleepContext(context.Background(), 0))
	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}
