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

// Package config provides configuration management for the nodeguard supervisor.
// config 包提供 nodeguard 守护进程的配置管理功能。
//
// Configuration loading priority (highest to lowest):
// 配置加载优先级（从高到低）：
// 1. Environment variables (NODEGUARD_*) / 环境变量（NODEGUARD_*）
// 2. Configuration file / 配置文件
// 3. Default values / 默认值
//
// A loaded *Config is treated as immutable. Components receive the pieces they
// need by value; a hot reload produces a brand new *Config.
// 加载后的 *Config 视为不可变。热加载会生成全新的 *Config。
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/nodeguard/nodeguard/internal/classifier"
	"github.com/nodeguard/nodeguard/internal/policy"
	"github.com/nodeguard/nodeguard/internal/restart"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Default configuration values
// 默认配置值
const (
	DefaultConfigPath = "/etc/nodeguard/config.yaml"
	EnvConfigPath     = "NODEGUARD_CONFIG_PATH"
	EnvPrefix         = "NODEGUARD"

	DefaultInterval  = 30 * time.Second
	DefaultWorkDir   = "."
	DefaultEntryFile = "index.js"
	DefaultAppName   = "nodejs-server"
	DefaultLockFile  = "/tmp/nodeguard.lock"

	DefaultPrimaryNameToken  = "node"
	DefaultPrimaryArgToken   = "index.js"
	DefaultWorkerMemoryMinMB = 20
	DefaultWorkerMemoryMaxMB = 120

	DefaultPrimaryCount = 1
	DefaultWorkerMin    = 2
	DefaultWorkerMax    = 5

	DefaultSettleInterval    = 3 * time.Second
	DefaultManagerResetDelay = 3 * time.Second
	DefaultReapPollInterval  = 200 * time.Millisecond
	DefaultCommandTimeout    = 30 * time.Second

	DefaultPM2Binary = "node_modules/.bin/pm2"
	DefaultRuntime   = "node"

	DefaultLogLevel      = "info"
	DefaultLogMaxSize    = 100 // MB
	DefaultLogMaxBackups = 3
	DefaultLogMaxAge     = 7 // days

	DefaultServiceName = "nodeguard"
)

// DefaultExcludePIDs mirrors the low pid range reserved for system processes.
// DefaultExcludePIDs 对应保留给系统进程的低 PID 区间。
var DefaultExcludePIDs = []string{"0-1000"}

// Config represents the supervisor configuration
// Config 表示守护进程配置
type Config struct {
	// Supervisor loop configuration / 守护循环配置
	Supervisor SupervisorConfig `mapstructure:"supervisor"`

	// Process classification rules / 进程分类规则
	Classifier ClassifierConfig `mapstructure:"classifier"`

	// Expected topology bounds / 期望拓扑范围
	Topology TopologyConfig `mapstructure:"topology"`

	// Restart orchestration / 重启编排
	Restart RestartConfig `mapstructure:"restart"`

	// Process manager (PM2) / 进程管理器（PM2）
	PM2 PM2Config `mapstructure:"pm2"`

	// Log configuration / 日志配置
	Log LogConfig `mapstructure:"log"`

	// Status surfaces / 状态输出
	Status StatusConfig `mapstructure:"status"`

	// Tracing / 链路追踪
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// SupervisorConfig contains evaluation loop settings
// SupervisorConfig 包含评估循环设置
type SupervisorConfig struct {
	// Interval between two evaluation cycles
	// Interval 是两次评估周期之间的间隔
	Interval time.Duration `mapstructure:"interval"`

	// WorkDir is the directory holding the entry file and node_modules
	// WorkDir 是入口文件和 node_modules 所在目录
	WorkDir string `mapstructure:"work_dir"`

	// EntryFile is the primary service entry, relative to WorkDir
	// EntryFile 是主服务入口文件（相对 WorkDir）
	EntryFile string `mapstructure:"entry_file"`

	// AppName is the logical name registered in the process manager
	// AppName 是在进程管理器中注册的逻辑名称
	AppName string `mapstructure:"app_name"`

	// LockFile guards against two supervisors on one host
	// LockFile 防止同一主机上运行两个守护进程
	LockFile string `mapstructure:"lock_file"`
}

// ClassifierConfig contains the role heuristics
// ClassifierConfig 包含角色识别启发式规则
type ClassifierConfig struct {
	// ExcludePIDs accepts single pids ("7") and inclusive ranges ("0-1000")
	// ExcludePIDs 支持单个 PID（"7"）和闭区间（"0-1000"）
	ExcludePIDs []string `mapstructure:"exclude_pids"`

	WorkerMemoryMinMB int64  `mapstructure:"worker_memory_min_mb"`
	WorkerMemoryMaxMB int64  `mapstructure:"worker_memory_max_mb"`
	PrimaryNameToken  string `mapstructure:"primary_name_token"`
	PrimaryArgToken   string `mapstructure:"primary_arg_token"`
}

// TopologyConfig contains the expected process shape
// TopologyConfig 包含期望的进程拓扑
type TopologyConfig struct {
	PrimaryCount int `mapstructure:"primary_count"`
	WorkerMin    int `mapstructure:"worker_min"`
	WorkerMax    int `mapstructure:"worker_max"`
}

// RestartConfig contains restart orchestration settings
// RestartConfig 包含重启编排设置
type RestartConfig struct {
	// Enabled turns remediation on; when false verdicts are only reported
	// Enabled 开启自动修复；为 false 时只上报判定结果
	Enabled bool `mapstructure:"enabled"`

	// SettleInterval bounds the wait for terminated processes to disappear
	// SettleInterval 是等待已终止进程消失的上限
	SettleInterval time.Duration `mapstructure:"settle_interval"`

	// ManagerResetDelay is the pause after the process manager is reset
	// ManagerResetDelay 是重置进程管理器之后的等待时间
	ManagerResetDelay time.Duration `mapstructure:"manager_reset_delay"`

	// ReapPollInterval is the poll step while waiting for processes to exit
	// ReapPollInterval 是等待进程退出时的轮询间隔
	ReapPollInterval time.Duration `mapstructure:"reap_poll_interval"`

	// CommandTimeout bounds every process manager invocation
	// CommandTimeout 限制每次进程管理器调用的时长
	CommandTimeout time.Duration `mapstructure:"command_timeout"`

	// Limit is the optional crash-loop guard
	// Limit 是可选的崩溃循环保护
	Limit RestartLimitConfig `mapstructure:"limit"`
}

// RestartLimitConfig contains the crash-loop guard settings
// RestartLimitConfig 包含崩溃循环保护设置
type RestartLimitConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	MaxRestarts    int           `mapstructure:"max_restarts"`
	TimeWindow     time.Duration `mapstructure:"time_window"`
	CooldownPeriod time.Duration `mapstructure:"cooldown_period"`
}

// PM2Config contains process manager settings
// PM2Config 包含进程管理器设置
type PM2Config struct {
	// Binary is the pm2 executable, relative paths resolve against WorkDir
	// Binary 是 pm2 可执行文件，相对路径基于 WorkDir 解析
	Binary string `mapstructure:"binary"`

	// Runtime is the Node.js executable name or path
	// Runtime 是 Node.js 可执行文件名称或路径
	Runtime string `mapstructure:"runtime"`
}

// LogConfig contains logging settings
// LogConfig 包含日志设置
type LogConfig struct {
	// Level is the log level (debug, info, warn, error)
	// Level 是日志级别（debug, info, warn, error）
	Level string `mapstructure:"level"`

	// File is the log file path, empty disables file output
	// File 是日志文件路径，为空时不写文件
	File string `mapstructure:"file"`

	// MaxSize is the maximum size of log file in MB before rotation
	// MaxSize 是日志文件轮转前的最大大小（MB）
	MaxSize int `mapstructure:"max_size"`

	// MaxBackups is the maximum number of old log files to retain
	// MaxBackups 是保留的旧日志文件的最大数量
	MaxBackups int `mapstructure:"max_backups"`

	// MaxAge is the maximum number of days to retain old log files
	// MaxAge 是保留旧日志文件的最大天数
	MaxAge int `mapstructure:"max_age"`

	// Console enables human readable output on stderr
	// Console 启用 stderr 上的可读输出
	Console bool `mapstructure:"console"`
}

// StatusConfig contains status endpoint addresses, empty disables
// StatusConfig 包含状态端点地址，为空表示禁用
type StatusConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
	GRPCAddr string `mapstructure:"grpc_addr"`
}

// TelemetryConfig contains OpenTelemetry settings
// TelemetryConfig 包含 OpenTelemetry 设置
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
	Insecure    bool   `mapstructure:"insecure"`
}

// Default returns a configuration populated with default values only
// Default 返回只包含默认值的配置
func Default() *Config {
	cfg, err := unmarshal(newViper())
	if err != nil {
		// defaults are static, failing here is a programming error
		panic(err)
	}
	return cfg
}

// Load loads configuration from file and environment variables
// Load 从文件和环境变量加载配置
func Load(configPath string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(resolvePath(configPath))

	// Read config file / 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		// Config file not found is not an error if we have defaults
		// 如果有默认值，配置文件未找到不是错误
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			if _, statErr := os.Stat(v.ConfigFileUsed()); statErr == nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	return unmarshal(v)
}

// Watch reloads the configuration whenever the file changes.
// Watch 在配置文件变化时重新加载配置。
//
// onChange receives either a new validated config or the reload error;
// the previous config stays in effect on error.
// onChange 收到新的已校验配置或加载错误；出错时旧配置继续生效。
func Watch(configPath string, onChange func(*Config, error)) error {
	v := newViper()
	v.SetConfigFile(resolvePath(configPath))
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("cannot watch config file: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := unmarshal(v)
		if err == nil {
			err = cfg.Validate()
		}
		if err != nil {
			onChange(nil, fmt.Errorf("reload %s: %w", e.Name, err))
			return
		}
		onChange(cfg, nil)
	})
	v.WatchConfig()
	return nil
}

// resolvePath picks the config file: explicit path > env var > default
// resolvePath 选择配置文件：显式路径 > 环境变量 > 默认路径
func resolvePath(configPath string) string {
	if configPath != "" {
		return configPath
	}
	if envPath := os.Getenv(EnvConfigPath); envPath != "" {
		return envPath
	}
	return DefaultConfigPath
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	// Enable environment variable override / 启用环境变量覆盖
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default configuration values
// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	// Supervisor defaults / 守护循环默认值
	v.SetDefault("supervisor.interval", DefaultInterval)
	v.SetDefault("supervisor.work_dir", DefaultWorkDir)
	v.SetDefault("supervisor.entry_file", DefaultEntryFile)
	v.SetDefault("supervisor.app_name", DefaultAppName)
	v.SetDefault("supervisor.lock_file", DefaultLockFile)

	// Classifier defaults / 分类默认值
	v.SetDefault("classifier.exclude_pids", DefaultExcludePIDs)
	v.SetDefault("classifier.worker_memory_min_mb", DefaultWorkerMemoryMinMB)
	v.SetDefault("classifier.worker_memory_max_mb", DefaultWorkerMemoryMaxMB)
	v.SetDefault("classifier.primary_name_token", DefaultPrimaryNameToken)
	v.SetDefault("classifier.primary_arg_token", DefaultPrimaryArgToken)

	// Topology defaults / 拓扑默认值
	v.SetDefault("topology.primary_count", DefaultPrimaryCount)
	v.SetDefault("topology.worker_min", DefaultWorkerMin)
	v.SetDefault("topology.worker_max", DefaultWorkerMax)

	// Restart defaults / 重启默认值
	v.SetDefault("restart.enabled", true)
	v.SetDefault("restart.settle_interval", DefaultSettleInterval)
	v.SetDefault("restart.manager_reset_delay", DefaultManagerResetDelay)
	v.SetDefault("restart.reap_poll_interval", DefaultReapPollInterval)
	v.SetDefault("restart.command_timeout", DefaultCommandTimeout)
	limit := restart.DefaultLimitConfig()
	v.SetDefault("restart.limit.enabled", limit.Enabled)
	v.SetDefault("restart.limit.max_restarts", limit.MaxRestarts)
	v.SetDefault("restart.limit.time_window", limit.TimeWindow)
	v.SetDefault("restart.limit.cooldown_period", limit.CooldownPeriod)

	// PM2 defaults / PM2 默认值
	v.SetDefault("pm2.binary", DefaultPM2Binary)
	v.SetDefault("pm2.runtime", DefaultRuntime)

	// Log defaults / 日志默认值
	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size", DefaultLogMaxSize)
	v.SetDefault("log.max_backups", DefaultLogMaxBackups)
	v.SetDefault("log.max_age", DefaultLogMaxAge)
	v.SetDefault("log.console", true)

	// Status defaults / 状态端点默认值
	v.SetDefault("status.http_addr", "")
	v.SetDefault("status.grpc_addr", "")

	// Telemetry defaults / 追踪默认值
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "localhost:4317")
	v.SetDefault("telemetry.service_name", DefaultServiceName)
	v.SetDefault("telemetry.insecure", true)
}

// Validate validates the configuration
// Validate 验证配置
func (c *Config) Validate() error {
	if c.Supervisor.Interval < time.Second {
		return errors.New("supervisor.interval must be at least 1 second")
	}
	if c.Supervisor.EntryFile == "" {
		return errors.New("supervisor.entry_file is required")
	}
	if c.Supervisor.AppName == "" {
		return errors.New("supervisor.app_name is required")
	}

	// Validate classifier / 验证分类规则
	if _, err := classifier.ParseExclusionSet(c.Classifier.ExcludePIDs); err != nil {
		return fmt.Errorf("classifier.exclude_pids: %w", err)
	}
	if c.Classifier.WorkerMemoryMinMB < 0 || c.Classifier.WorkerMemoryMinMB > c.Classifier.WorkerMemoryMaxMB {
		return fmt.Errorf("invalid worker memory range [%d, %d] MB",
			c.Classifier.WorkerMemoryMinMB, c.Classifier.WorkerMemoryMaxMB)
	}
	if c.Classifier.PrimaryNameToken == "" || c.Classifier.PrimaryArgToken == "" {
		return errors.New("classifier.primary_name_token and classifier.primary_arg_token are required")
	}

	// Validate topology / 验证拓扑
	if c.Topology.PrimaryCount < 0 {
		return errors.New("topology.primary_count must not be negative")
	}
	if c.Topology.WorkerMin < 0 || c.Topology.WorkerMin > c.Topology.WorkerMax {
		return fmt.Errorf("invalid worker bounds [%d, %d]", c.Topology.WorkerMin, c.Topology.WorkerMax)
	}

	// Validate restart / 验证重启设置
	if c.Restart.CommandTimeout <= 0 {
		return errors.New("restart.command_timeout must be positive")
	}
	if c.Restart.SettleInterval < 0 || c.Restart.ManagerResetDelay < 0 {
		return errors.New("restart delays must not be negative")
	}
	if c.Restart.Limit.Enabled && (c.Restart.Limit.MaxRestarts < 1 || c.Restart.Limit.TimeWindow <= 0) {
		return errors.New("restart.limit requires max_restarts >= 1 and a positive time_window")
	}

	// Validate log level / 验证日志级别
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level)
	}

	return nil
}

// ClassifierOptions builds the classification rules from the classifier section.
// The supervisor's own pid is always excluded.
// ClassifierOptions 根据 classifier 配置构建分类规则，始终排除守护进程自身的 PID。
func (c *Config) ClassifierOptions() (classifier.Options, error) {
	exclusions, err := classifier.ParseExclusionSet(c.Classifier.ExcludePIDs)
	if err != nil {
		return classifier.Options{}, err
	}
	return classifier.NewOptions(
		exclusions.With(os.Getpid()),
		classifier.MemoryRangeMB(c.Classifier.WorkerMemoryMinMB, c.Classifier.WorkerMemoryMaxMB),
		c.Classifier.PrimaryNameToken,
		c.Classifier.PrimaryArgToken,
	), nil
}

// Policy returns the expected topology bounds
// Policy 返回期望的拓扑范围
func (c *Config) Policy() policy.Policy {
	return policy.Policy{
		PrimaryCount: c.Topology.PrimaryCount,
		WorkerMin:    c.Topology.WorkerMin,
		WorkerMax:    c.Topology.WorkerMax,
	}
}

// EntryPath returns the absolute path of the primary service entry file
// EntryPath 返回主服务入口文件的路径
func (c *Config) EntryPath() string {
	return c.resolve(c.Supervisor.EntryFile)
}

// PM2Path returns the pm2 executable path
// PM2Path 返回 pm2 可执行文件路径
func (c *Config) PM2Path() string {
	return c.resolve(c.PM2.Binary)
}

func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	dir := c.Supervisor.WorkDir
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	return filepath.Join(dir, p)
}

// ToYAML renders the effective configuration, durations as Go duration strings
// ToYAML 输出生效的配置，时长以 Go duration 字符串表示
func (c *Config) ToYAML() ([]byte, error) {
	doc := map[string]any{
		"supervisor": map[string]any{
			"interval":   c.Supervisor.Interval.String(),
			"work_dir":   c.Supervisor.WorkDir,
			"entry_file": c.Supervisor.EntryFile,
			"app_name":   c.Supervisor.AppName,
			"lock_file":  c.Supervisor.LockFile,
		},
		"classifier": map[string]any{
			"exclude_pids":         c.Classifier.ExcludePIDs,
			"worker_memory_min_mb": c.Classifier.WorkerMemoryMinMB,
			"worker_memory_max_mb": c.Classifier.WorkerMemoryMaxMB,
			"primary_name_token":   c.Classifier.PrimaryNameToken,
			"primary_arg_token":    c.Classifier.PrimaryArgToken,
		},
		"topology": map[string]any{
			"primary_count": c.Topology.PrimaryCount,
			"worker_min":    c.Topology.WorkerMin,
			"worker_max":    c.Topology.WorkerMax,
		},
		"restart": map[string]any{
			"enabled":             c.Restart.Enabled,
			"settle_interval":     c.Restart.SettleInterval.String(),
			"manager_reset_delay": c.Restart.ManagerResetDelay.String(),
			"reap_poll_interval":  c.Restart.ReapPollInterval.String(),
			"command_timeout":     c.Restart.CommandTimeout.String(),
			"limit": map[string]any{
				"enabled":         c.Restart.Limit.Enabled,
				"max_restarts":    c.Restart.Limit.MaxRestarts,
				"time_window":     c.Restart.Limit.TimeWindow.String(),
				"cooldown_period": c.Restart.Limit.CooldownPeriod.String(),
			},
		},
		"pm2": map[string]any{
			"binary":  c.PM2.Binary,
			"runtime": c.PM2.Runtime,
		},
		"log": map[string]any{
			"level":       c.Log.Level,
			"file":        c.Log.File,
			"max_size":    c.Log.MaxSize,
			"max_backups": c.Log.MaxBackups,
			"max_age":     c.Log.MaxAge,
			"console":     c.Log.Console,
		},
		"status": map[string]any{
			"http_addr": c.Status.HTTPAddr,
			"grpc_addr": c.Status.GRPCAddr,
		},
		"telemetry": map[string]any{
			"enabled":      c.Telemetry.Enabled,
			"endpoint":     c.Telemetry.Endpoint,
			"service_name": c.Telemetry.ServiceName,
			"insecure":     c.Telemetry.Insecure,
		},
	}
	return yaml.Marshal(doc)
}

// String returns a string representation of the config (for debugging)
// String 返回配置的字符串表示（用于调试）
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Interval: %v, Entry: %s, App: %s, Workers: [%d, %d], Memory: [%d, %d]MB, Log.Level: %s}",
		c.Supervisor.Interval,
		c.EntryPath(),
		c.Supervisor.AppName,
		c.Topology.WorkerMin,
		c.Topology.WorkerMax,
		c.Classifier.WorkerMemoryMinMB,
		c.Classifier.WorkerMemoryMaxMB,
		c.Log.Level,
	)
}
