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

// Package router 提供状态查询的 HTTP 路由配置
// Package router provides the HTTP routes of the status endpoints
package router

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nodeguard/nodeguard/internal/monitor"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

// APIPrefix is the prefix of every route
const APIPrefix = "/api/v1"

// DefaultEventLimit is the number of events returned without a limit parameter
// DefaultEventLimit 是未指定 limit 参数时返回的事件数量
const DefaultEventLimit = 100

// StatusSource provides the data served by the routes
// StatusSource 提供路由返回的数据
type StatusSource interface {
	Snapshot() *monitor.StatusSnapshot
	Recent(limit int) []monitor.Event
}

// HealthInfo is the body of the health route
// HealthInfo 是健康检查路由的响应体
type HealthInfo struct {
	Status    monitor.Health `json:"status"`
	CycleID   string         `json:"cycle_id,omitempty"`
	Verdict   string         `json:"verdict,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	LastError string         `json:"last_error,omitempty"`
}

// HealthResponse represents the response for the health route.
// HealthResponse 表示健康检查路由的响应。
type HealthResponse struct {
	ErrorMsg string      `json:"error_msg"`
	Data     *HealthInfo `json:"data"`
}

// StatusResponse represents the response for the status route.
// StatusResponse 表示状态路由的响应。
type StatusResponse struct {
	ErrorMsg string                  `json:"error_msg"`
	Data     *monitor.StatusSnapshot `json:"data"`
}

// EventsResponse represents the response for the events route.
// EventsResponse 表示事件路由的响应。
type EventsResponse struct {
	ErrorMsg string `json:"error_msg"`
	Data     *struct {
		Total  int             `json:"total"`
		Events []monitor.Event `json:"events"`
	} `json:"data"`
}

// New builds the gin engine with the status routes
// New 构建带有状态路由的 gin 引擎
func New(source StatusSource, serviceName string, logger *zap.Logger) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{source: source}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(serviceName), loggerMiddleware(logger))

	apiV1Router := r.Group(APIPrefix)
	{
		apiV1Router.GET("/health", h.Health)
		apiV1Router.GET("/status", h.Status)
		apiV1Router.GET("/events", h.Events)
	}
	return r
}

type handler struct {
	source StatusSource
}

// Health returns 200 while the last cycle was healthy, restarted the service
// without error, or no cycle has finished yet. It returns 503 otherwise.
// Health 在最近周期健康、重启无错误完成或尚无周期结束时返回 200，否则返回 503。
func (h *handler) Health(c *gin.Context) {
	snap := h.source.Snapshot()
	info := &HealthInfo{Status: snap.Health()}
	if snap != nil {
		info.CycleID = snap.CycleID
		info.Verdict = string(snap.Verdict)
		info.Reason = snap.Reason
		info.LastError = snap.LastError
	}

	code := http.StatusOK
	if info.Status == monitor.HealthUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{Data: info})
}

// Status returns the last status snapshot, null before the first cycle
// Status 返回最近的状态快照，首个周期前为 null
func (h *handler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{Data: h.source.Snapshot()})
}

// Events returns the newest events, oldest first
// Events 返回最新的事件（按时间先后排列）
func (h *handler) Events(c *gin.Context) {
	limit := DefaultEventLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, EventsResponse{ErrorMsg: fmt.Sprintf("invalid limit %q", raw)})
			return
		}
		limit = n
	}

	events := h.source.Recent(limit)
	resp := EventsResponse{}
	resp.Data = &struct {
		Total  int             `json:"total"`
		Events []monitor.Event `json:"events"`
	}{Total: len(events), Events: events}
	c.JSON(http.StatusOK, resp)
}

// loggerMiddleware logs every request through zap
// loggerMiddleware 通过 zap 记录每个请求
func loggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// Server runs the status routes on an address
// Server 在指定地址上运行状态路由
type Server struct {
	srv    *http.Server
	logger *zap.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates an HTTP server for handler
// NewServer 为 handler 创建 HTTP 服务器
func NewServer(addr string, handler http.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Start listens and serves in a goroutine
// Start 监听并在 goroutine 中提供服务
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.srv.Addr, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("HTTP status server starting", zap.String("addr", listener.Addr().String()))
	go func() {
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP status server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the listen address, empty before Start
// Addr 返回监听地址，Start 之前为空
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown gracefully stops the server
// Shutdown 优雅地停止服务器
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Stopping HTTP status server")
	return s.srv.Shutdown(ctx)
}
