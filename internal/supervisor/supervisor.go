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

// Package supervisor runs one evaluation cycle of the managed service.
// supervisor 包执行受管服务的一个评估周期。
//
// A cycle takes a process snapshot, classifies it, reconciles duplicate
// workers, evaluates the topology and restarts the service when it is unhealthy.
// 一个周期会获取进程快照、分类、合并重复工作进程、评估拓扑，并在不健康时重启服务。
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nodeguard/nodeguard/internal/classifier"
	"github.com/nodeguard/nodeguard/internal/config"
	"github.com/nodeguard/nodeguard/internal/discovery"
	"github.com/nodeguard/nodeguard/internal/monitor"
	"github.com/nodeguard/nodeguard/internal/otel_trace"
	"github.com/nodeguard/nodeguard/internal/pm2"
	"github.com/nodeguard/nodeguard/internal/policy"
	"github.com/nodeguard/nodeguard/internal/precheck"
	"github.com/nodeguard/nodeguard/internal/process"
	"github.com/nodeguard/nodeguard/internal/reconcile"
	"github.com/nodeguard/nodeguard/internal/restart"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ErrCycleInProgress indicates Evaluate was called while a cycle was running
// ErrCycleInProgress 表示在周期运行期间调用了 Evaluate
var ErrCycleInProgress = errors.New("evaluation cycle already in progress")

// ReadinessChecker gates every cycle on the runtime preconditions
// ReadinessChecker 在每个周期前检查运行环境前置条件
type ReadinessChecker interface {
	Ready(ctx context.Context) (*precheck.Readiness, error)
}

// Dependencies overrides collaborators built from configuration.
// Nil fields use the defaults.
// Dependencies 覆盖根据配置构建的协作者，nil 字段使用默认实现。
type Dependencies struct {
	Provider discovery.Provider
	Manager  pm2.Manager
	Reaper   process.Reaper
	Checker  ReadinessChecker
	Sink     monitor.Sink
	Logger   *zap.Logger
	// DryRun replaces every side effect with logging / 用日志替代所有副作用
	DryRun bool
}

// pipeline is the immutable per-config set of components. A cycle loads it
// once and finishes with it even if the configuration is reloaded meanwhile.
// pipeline 是与配置绑定的不可变组件集合。周期开始时加载一次，即使期间配置被重载也用它完成。
type pipeline struct {
	cfg          *config.Config
	provider     discovery.Provider
	classifier   *classifier.Classifier
	reconciler   *reconcile.Reconciler
	policy       policy.Policy
	orchestrator *restart.Orchestrator
	checker      ReadinessChecker
}

// Supervisor evaluates the managed service topology
// Supervisor 评估受管服务的进程拓扑
type Supervisor struct {
	deps    Dependencies
	logger  *zap.Logger
	sink    monitor.Sink
	sem     *semaphore.Weighted
	pipe    atomic.Pointer[pipeline]
	limiter *restart.Limiter
	newID   func() string
}

// New creates a Supervisor for a validated configuration
// New 根据已校验的配置创建 Supervisor
func New(cfg *config.Config, deps Dependencies) (*Supervisor, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sink := deps.Sink
	if sink == nil {
		sink = monitor.Discard
	}

	s := &Supervisor{
		deps:    deps,
		logger:  logger,
		sink:    sink,
		sem:     semaphore.NewWeighted(1),
		limiter: restart.NewLimiter(limitConfig(cfg)),
		newID:   uuid.NewString,
	}
	if err := s.Reload(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload validates cfg and swaps it in for the next cycle
// Reload 校验 cfg 并在下一个周期生效
func (s *Supervisor) Reload(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	p, err := s.build(cfg)
	if err != nil {
		return err
	}
	s.pipe.Store(p)
	s.limiter.SetConfig(limitConfig(cfg))
	return nil
}

// Config returns the configuration used by the next cycle
// Config 返回下一个周期使用的配置
func (s *Supervisor) Config() *config.Config {
	return s.pipe.Load().cfg
}

// Limiter returns the restart limiter
// Limiter 返回重启限制器
func (s *Supervisor) Limiter() *restart.Limiter {
	return s.limiter
}

func (s *Supervisor) build(cfg *config.Config) (*pipeline, error) {
	opts, err := cfg.ClassifierOptions()
	if err != nil {
		return nil, err
	}
	c := classifier.New(opts)

	provider := s.deps.Provider
	if provider == nil {
		provider = discovery.NewScanner(s.logger.Named("discovery"))
	}

	manager := s.deps.Manager
	reaper := s.deps.Reaper
	switch {
	case s.deps.DryRun:
		if manager == nil {
			manager = pm2.NewDryRun(s.logger.Named("pm2"))
		}
		if reaper == nil {
			reaper = process.NewDryRun(s.logger.Named("process"))
		}
	default:
		if manager == nil {
			manager = pm2.NewCLI(cfg.PM2Path(), cfg.Supervisor.WorkDir, cfg.Restart.CommandTimeout, s.logger.Named("pm2"))
		}
		if reaper == nil {
			reaper = process.NewSignaller()
		}
	}

	checker := s.deps.Checker
	if checker == nil {
		checker = precheck.NewChecker(cfg.PM2.Runtime, cfg.PM2Path())
	}

	orchestrator := restart.NewOrchestrator(manager, provider, c, reaper, restart.Options{
		EntryPath:         cfg.EntryPath(),
		AppName:           cfg.Supervisor.AppName,
		SettleInterval:    cfg.Restart.SettleInterval,
		ManagerResetDelay: cfg.Restart.ManagerResetDelay,
		ReapPollInterval:  cfg.Restart.ReapPollInterval,
	}, s.logger.Named("restart"))

	return &pipeline{
		cfg:          cfg,
		provider:     provider,
		classifier:   c,
		reconciler:   reconcile.New(reaper, s.logger.Named("reconcile")),
		policy:       cfg.Policy(),
		orchestrator: orchestrator,
		checker:      checker,
	}, nil
}

// Evaluate runs one cycle: snapshot, classify, reconcile, evaluate and restart
// when unhealthy. Cycles never overlap; a concurrent call returns
// ErrCycleInProgress. On a healthy topology the orchestrator is never invoked.
// Evaluate 执行一个周期：快照、分类、合并、评估，不健康时重启。
// 周期不会重叠，并发调用返回 ErrCycleInProgress。拓扑健康时不会调用重启编排。
func (s *Supervisor) Evaluate(ctx context.Context) error {
	if !s.sem.TryAcquire(1) {
		return ErrCycleInProgress
	}
	defer s.sem.Release(1)

	p := s.pipe.Load()
	cycleID := s.newID()
	em := monitor.NewEmitter(s.sink, cycleID)

	ctx, span := otel_trace.Start(ctx, "supervisor.Evaluate",
		trace.WithAttributes(attribute.String("nodeguard.cycle_id", cycleID)))
	defer span.End()

	start := time.Now()
	err := s.evaluate(ctx, p, em, span)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	s.logger.Debug("Evaluation cycle finished",
		zap.String("cycle_id", cycleID),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err))
	return err
}

func (s *Supervisor) evaluate(ctx context.Context, p *pipeline, em *monitor.Emitter, span trace.Span) error {
	em.CycleStarted()

	if _, err := p.checker.Ready(ctx); err != nil {
		em.EnvironmentNotReady(err)
		return err
	}

	snapshot, err := p.provider.Snapshot(ctx)
	if err != nil {
		err = fmt.Errorf("snapshot: %w", err)
		em.CycleFailed(err)
		return err
	}

	res := p.classifier.Classify(snapshot)
	for _, rec := range res.Primary {
		em.Process(rec, classifier.RolePrimary)
	}

	reconciled := p.reconciler.Reconcile(res.Workers)
	for _, t := range reconciled.Terminated {
		em.DuplicateTerminated(t.Record, t.KeptPID, t.Err)
	}
	for _, rec := range reconciled.Kept {
		em.Process(rec, classifier.RoleWorker)
	}

	primaries, workers := len(res.Primary), len(reconciled.Kept)
	em.Topology(primaries, workers)

	verdict := p.policy.Evaluate(primaries, workers)
	reason := p.policy.Reason(primaries, workers)
	em.Verdict(verdict, reason)
	span.SetAttributes(
		attribute.Int("nodeguard.primary_count", primaries),
		attribute.Int("nodeguard.worker_count", workers),
		attribute.String("nodeguard.verdict", string(verdict)),
	)

	if verdict == policy.Healthy {
		em.CycleCompleted()
		return nil
	}

	if !p.cfg.Restart.Enabled {
		s.logger.Warn("Topology unhealthy, restart disabled", zap.String("reason", reason))
		em.CycleCompleted()
		return nil
	}

	if !s.limiter.Allow() {
		h := s.limiter.History()
		msg := fmt.Sprintf("restart limit reached, cooldown until %s", h.CooldownUntil.Format(time.RFC3339))
		em.RestartSuppressed(msg)
		em.CycleCompleted()
		return fmt.Errorf("%w: %s", restart.ErrRestartSuppressed, msg)
	}

	s.logger.Warn("Topology unhealthy, restarting", zap.String("reason", reason))
	p.orchestrator.OnTransition(func(tr restart.Transition) {
		em.OrchestratorState(string(tr.From), string(tr.To), tr.Err)
	})
	p.orchestrator.OnWarning(func(w restart.Warning) {
		em.OrchestratorWarning(string(w.State), w.Err)
	})
	report, err := p.orchestrator.Run(ctx)
	s.limiter.Record()
	span.SetAttributes(
		attribute.String("nodeguard.restart.final", string(report.Final)),
		attribute.Int("nodeguard.restart.terminated", len(report.Terminated)),
		attribute.Int("nodeguard.restart.killed", len(report.Killed)),
		attribute.Int("nodeguard.restart.warnings", len(report.ManagerErrors)+len(report.TerminationErrors)),
	)
	if err != nil {
		em.CycleFailed(err)
		return err
	}

	em.CycleCompleted()
	return nil
}

func limitConfig(cfg *config.Config) restart.LimitConfig {
	l := cfg.Restart.Limit
	return restart.LimitConfig{
		Enabled:        l.Enabled,
		MaxRestarts:    l.MaxRestarts,
		TimeWindow:     l.TimeWindow,
		CooldownPeriod: l.CooldownPeriod,
	}
}
