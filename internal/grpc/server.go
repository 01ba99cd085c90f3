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

// Package grpc exposes the supervisor verdict through the standard gRPC health service.
// grpc 包通过标准 gRPC 健康检查服务暴露守护进程的判定结果。
package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/nodeguard/nodeguard/internal/monitor"
	"github.com/nodeguard/nodeguard/internal/policy"
	"github.com/nodeguard/nodeguard/internal/restart"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// ServiceName is the health service name reporting the managed topology
// ServiceName 是报告受管拓扑的健康检查服务名
const ServiceName = "nodeguard"

// Default configuration values for gRPC server
// gRPC 服务器的默认配置值
const (
	// DefaultMaxRecvMsgSize is the default maximum receive message size (4MB).
	// DefaultMaxRecvMsgSize 是默认的最大接收消息大小（4MB）。
	DefaultMaxRecvMsgSize = 4 * 1024 * 1024

	// DefaultMaxSendMsgSize is the default maximum send message size (4MB).
	// DefaultMaxSendMsgSize 是默认的最大发送消息大小（4MB）。
	DefaultMaxSendMsgSize = 4 * 1024 * 1024
)

// Errors for gRPC server operations
// gRPC 服务器操作的错误定义
var (
	// ErrServerNotRunning indicates the server is not running.
	// ErrServerNotRunning 表示服务器未运行。
	ErrServerNotRunning = errors.New("grpc: server is not running")

	// ErrServerAlreadyRunning indicates the server is already running.
	// ErrServerAlreadyRunning 表示服务器已在运行。
	ErrServerAlreadyRunning = errors.New("grpc: server is already running")
)

// ServerConfig holds configuration for the gRPC server.
// ServerConfig 保存 gRPC 服务器的配置。
type ServerConfig struct {
	// Addr is the listen address, e.g. "127.0.0.1:9090".
	// Addr 是监听地址，例如 "127.0.0.1:9090"。
	Addr string

	// MaxRecvMsgSize is the maximum receive message size in bytes.
	// MaxRecvMsgSize 是最大接收消息大小（字节）。
	MaxRecvMsgSize int

	// MaxSendMsgSize is the maximum send message size in bytes.
	// MaxSendMsgSize 是最大发送消息大小（字节）。
	MaxSendMsgSize int
}

// Server serves grpc.health.v1.Health and is a monitor.Sink that mirrors the
// latest verdict into the health status of ServiceName.
// Server 提供 grpc.health.v1.Health 服务，同时作为 monitor.Sink 将最新判定映射为 ServiceName 的健康状态。
type Server struct {
	config *ServerConfig
	health *health.Server
	logger *zap.Logger

	mu         sync.Mutex
	grpcServer *grpc.Server
	listener   net.Listener
	running    bool
}

// NewServer creates a new gRPC server instance.
// NewServer 创建一个新的 gRPC 服务器实例。
func NewServer(config *ServerConfig, logger *zap.Logger) *Server {
	if config == nil {
		config = &ServerConfig{}
	}

	// Set default values
	// 设置默认值
	if config.MaxRecvMsgSize <= 0 {
		config.MaxRecvMsgSize = DefaultMaxRecvMsgSize
	}
	if config.MaxSendMsgSize <= 0 {
		config.MaxSendMsgSize = DefaultMaxSendMsgSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	hs := health.NewServer()
	// Unknown until the first cycle reports / 首个周期上报前为未知
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_UNKNOWN)

	return &Server{
		config: config,
		health: hs,
		logger: logger,
	}
}

// Emit implements monitor.Sink
// Emit 实现 monitor.Sink
func (s *Server) Emit(event monitor.Event) {
	switch event.Kind {
	case monitor.EventVerdict:
		if event.Verdict == policy.Healthy {
			s.setStatus(healthpb.HealthCheckResponse_SERVING)
		} else {
			s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
		}
	case monitor.EventOrchestratorState:
		// A restart that reached idle relaunched the service / 重启回到 idle 表示服务已重新拉起
		if event.To == string(restart.StateIdle) && event.Error == "" {
			s.setStatus(healthpb.HealthCheckResponse_SERVING)
		}
	case monitor.EventCycleFailed, monitor.EventEnvironmentNotReady:
		s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	}
}

func (s *Server) setStatus(st healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus(ServiceName, st)
}

// Start listens on the configured address and serves in a goroutine.
// Start 监听配置的地址并在 goroutine 中提供服务。
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	if err := s.Serve(listener); err != nil {
		listener.Close()
		return err
	}
	return nil
}

// Serve serves on an existing listener in a goroutine.
// Serve 在已有的监听器上通过 goroutine 提供服务。
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrServerAlreadyRunning
	}

	s.grpcServer = grpc.NewServer(s.buildServerOptions()...)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.listener = listener
	s.running = true

	s.logger.Info("gRPC server starting", zap.String("addr", listener.Addr().String()))

	// Start serving in a goroutine
	// 在 goroutine 中启动服务
	srv := s.grpcServer
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("gRPC server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully stops the gRPC server.
// Stop 优雅地停止 gRPC 服务器。
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrServerNotRunning
	}

	s.logger.Info("Stopping gRPC server")
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	s.running = false
	s.logger.Info("gRPC server stopped")
	return nil
}

// IsRunning returns whether the server is running.
// IsRunning 返回服务器是否正在运行。
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Addr returns the listen address, empty when not running
// Addr 返回监听地址，未运行时为空
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// buildServerOptions builds gRPC server options based on configuration.
// buildServerOptions 根据配置构建 gRPC 服务器选项。
func (s *Server) buildServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.MaxRecvMsgSize(s.config.MaxRecvMsgSize),
		grpc.MaxSendMsgSize(s.config.MaxSendMsgSize),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 15 * time.Minute,
			Time:              5 * time.Minute,
			Timeout:           20 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(
			s.logCheck,
			s.recoverCheck,
		),
		grpc.ChainStreamInterceptor(
			s.watchStream,
		),
	}
}
