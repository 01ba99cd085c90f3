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

// Package main is the entry point for the nodeguard supervisor.
// main 包是 nodeguard 守护进程的入口点。
//
// nodeguard keeps a PM2-managed Node.js service in its expected shape:
// nodeguard 使 PM2 托管的 Node.js 服务保持期望的进程拓扑：
// - Periodically inspects the process table / 周期性检查进程表
// - Terminates duplicate workers / 终止重复的工作进程
// - Restarts the service through PM2 when the topology is unhealthy / 拓扑不健康时通过 PM2 重启服务
// - Reports status over HTTP and gRPC / 通过 HTTP 和 gRPC 上报状态
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gofrs/flock"
	"github.com/nodeguard/nodeguard/internal/config"
	nggrpc "github.com/nodeguard/nodeguard/internal/grpc"
	"github.com/nodeguard/nodeguard/internal/logger"
	"github.com/nodeguard/nodeguard/internal/monitor"
	"github.com/nodeguard/nodeguard/internal/otel_trace"
	"github.com/nodeguard/nodeguard/internal/router"
	"github.com/nodeguard/nodeguard/internal/supervisor"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Version information, set at build time
// 版本信息，在构建时设置
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// shutdownTimeout bounds the graceful stop of the status servers
const shutdownTimeout = 10 * time.Second

// ErrAlreadyRunning indicates another instance holds the lock file
// ErrAlreadyRunning 表示另一个实例持有锁文件
var ErrAlreadyRunning = errors.New("another nodeguard instance is running")

// Daemon wires the supervisor to its scheduler and status surfaces
// Daemon 将监督器与调度器及状态接口连接起来
type Daemon struct {
	config     *config.Config
	logger     *zap.Logger
	level      zap.AtomicLevel
	reporter   *monitor.EventReporter
	supervisor *supervisor.Supervisor
	scheduler  *monitor.Scheduler

	// grpcServer and httpServer are nil when disabled
	// grpcServer 与 httpServer 在禁用时为 nil
	grpcServer *nggrpc.Server
	httpServer *router.Server

	mu sync.Mutex
}

// NewDaemon creates a Daemon. deps may override supervisor collaborators.
// NewDaemon 创建 Daemon，deps 可覆盖监督器的协作者。
func NewDaemon(cfg *config.Config, log *zap.Logger, level zap.AtomicLevel, deps supervisor.Dependencies) (*Daemon, error) {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Daemon{
		config:   cfg,
		logger:   log,
		level:    level,
		reporter: monitor.NewEventReporter(),
	}

	sinks := monitor.NewMultiSink(monitor.NewLogSink(log.Named("status")), d.reporter)
	if cfg.Status.GRPCAddr != "" {
		d.grpcServer = nggrpc.NewServer(&nggrpc.ServerConfig{Addr: cfg.Status.GRPCAddr}, log.Named("grpc"))
		sinks.Add(d.grpcServer)
	}
	if deps.Sink != nil {
		sinks.Add(deps.Sink)
	}
	deps.Sink = sinks
	deps.Logger = log

	sup, err := supervisor.New(cfg, deps)
	if err != nil {
		return nil, err
	}
	d.supervisor = sup
	d.scheduler = monitor.NewScheduler(cfg.Supervisor.Interval, sup.Evaluate, log.Named("scheduler"))

	if cfg.Status.HTTPAddr != "" {
		engine := router.New(d.reporter, cfg.Telemetry.ServiceName, log.Named("http"))
		d.httpServer = router.NewServer(cfg.Status.HTTPAddr, engine, log.Named("http"))
	}
	return d, nil
}

// Run starts the status servers and the scheduler, and blocks until ctx is done
// Run 启动状态服务和调度器，阻塞直到 ctx 结束
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info("nodeguard starting",
		zap.String("version", Version),
		zap.Stringer("config", d.config))

	if d.grpcServer != nil {
		if err := d.grpcServer.Start(ctx); err != nil {
			return err
		}
		defer d.grpcServer.Stop()
	}
	if d.httpServer != nil {
		if err := d.httpServer.Start(ctx); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := d.httpServer.Shutdown(shutdownCtx); err != nil {
				d.logger.Warn("HTTP status server shutdown failed", zap.Error(err))
			}
		}()
	}

	d.scheduler.Run(ctx)
	d.logger.Info("nodeguard stopped")
	return nil
}

// ApplyConfig swaps in a reloaded configuration; the running cycle keeps its own
// ApplyConfig 切换到重新加载的配置，正在运行的周期继续使用其原配置
func (d *Daemon) ApplyConfig(cfg *config.Config, err error) {
	if err != nil {
		d.logger.Warn("Config reload rejected, keeping previous config", zap.Error(err))
		return
	}
	if err := d.supervisor.Reload(cfg); err != nil {
		d.logger.Warn("Config reload rejected, keeping previous config", zap.Error(err))
		return
	}
	d.scheduler.SetInterval(cfg.Supervisor.Interval)
	if lvl, err := zapcore.ParseLevel(cfg.Log.Level); err == nil {
		d.level.SetLevel(lvl)
	}

	d.mu.Lock()
	d.config = cfg
	d.mu.Unlock()
	d.logger.Info("Config reloaded", zap.Stringer("config", cfg))
}

// Config returns the active configuration
// Config 返回当前生效的配置
func (d *Daemon) Config() *config.Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config
}

// acquireLock takes the single-instance lock
// acquireLock 获取单实例锁
func acquireLock(path string) (*flock.Flock, error) {
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s is locked", ErrAlreadyRunning, path)
	}
	return lock, nil
}

// loadConfig loads and validates the configuration
// loadConfig 加载并校验配置
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// options holds the flag values of one CLI invocation
// options 保存一次 CLI 调用的标志值
type options struct {
	configFile string
	dryRun     bool
}

// newRootCmd builds the command tree
// newRootCmd 构建命令树
func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "nodeguard",
		Short: "nodeguard - self-healing supervisor for a PM2-managed Node.js service",
		Long: `nodeguard periodically inspects the process table, classifies the Node.js
primary process and its workers, and restarts the service through PM2 when
the observed topology deviates from the expected shape.
nodeguard 周期性检查进程表，识别 Node.js 主进程及其工作进程，
并在拓扑偏离预期时通过 PM2 重启服务。`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), opts)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "",
		fmt.Sprintf("config file path (default: $%s or %s)", config.EnvConfigPath, config.DefaultConfigPath))

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the supervisor until interrupted / 运行守护进程直到被中断",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), opts)
		},
	}

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Run one evaluation cycle and print the status / 执行一次评估并输出状态",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd.Context(), opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	checkCmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "log restarts and terminations instead of performing them")

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration / 打印生效的配置",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configFile)
			if err != nil {
				return err
			}
			out, err := cfg.ToYAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information / 打印版本信息",
		Run: func(cmd *cobra.Command, args []string) {
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "nodeguard\n")
			fmt.Fprintf(w, "  Version:    %s\n", Version)
			fmt.Fprintf(w, "  Git Commit: %s\n", GitCommit)
			fmt.Fprintf(w, "  Build Time: %s\n", BuildTime)
			fmt.Fprintf(w, "  Go Version: %s\n", runtime.Version())
			fmt.Fprintf(w, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}

	rootCmd.AddCommand(runCmd, checkCmd, configCmd, versionCmd)
	return rootCmd
}

// runDaemon is the main entry point for the supervisor service
// runDaemon 是守护服务的主入口点
func runDaemon(ctx context.Context, opts *options) error {
	cfg, err := loadConfig(opts.configFile)
	if err != nil {
		return err
	}

	log, level, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()
	if level.Level() > zapcore.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	lock, err := acquireLock(cfg.Supervisor.LockFile)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	if err := otel_trace.Init(ctx, cfg.Telemetry, log.Named("trace")); err != nil {
		log.Warn("Failed to init tracing, using noop tracer", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = otel_trace.Shutdown(shutdownCtx)
	}()

	daemon, err := NewDaemon(cfg, log, level, supervisor.Dependencies{})
	if err != nil {
		return err
	}
	if err := config.Watch(opts.configFile, daemon.ApplyConfig); err != nil {
		log.Info("Config hot reload disabled", zap.Error(err))
	}

	// Setup signal handling for graceful shutdown
	// 设置信号处理以实现优雅关闭
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return daemon.Run(ctx)
}

// runCheck runs exactly one cycle and prints the resulting snapshot as YAML.
// A real cycle holds the instance lock so it never overlaps a running daemon.
// runCheck 执行一个周期并以 YAML 输出结果快照。真实周期持有实例锁，不会与运行中的守护进程重叠。
func runCheck(ctx context.Context, opts *options, stdout, stderr io.Writer) error {
	cfg, err := loadConfig(opts.configFile)
	if err != nil {
		return err
	}

	if !opts.dryRun {
		lock, err := acquireLock(cfg.Supervisor.LockFile)
		if err != nil {
			return err
		}
		defer lock.Unlock()
	}

	logCfg := cfg.Log
	logCfg.Console = false
	log, level, err := logger.New(logCfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	// Progress goes to stderr so stdout stays valid YAML / 进度输出到 stderr，保证 stdout 为合法 YAML
	progress := zap.New(zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
		zapcore.AddSync(stderr),
		level,
	))
	log = zap.New(zapcore.NewTee(log.Core(), progress.Core()))

	daemon, err := NewDaemon(cfg, log, level, supervisor.Dependencies{DryRun: opts.dryRun})
	if err != nil {
		return err
	}

	evalErr := daemon.supervisor.Evaluate(ctx)

	out, err := yaml.Marshal(daemon.reporter.Snapshot())
	if err != nil {
		return err
	}
	if _, err := stdout.Write(out); err != nil {
		return err
	}
	return evalErr
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
