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

// Package otel_trace wires OpenTelemetry tracing for the supervisor.
// otel_trace 包为守护进程接入 OpenTelemetry 追踪。
package otel_trace

import (
	"context"
	"sync"

	"github.com/nodeguard/nodeguard/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// InstrumentationName names the tracer
const InstrumentationName = "github.com/nodeguard/nodeguard"

var (
	mu            sync.RWMutex
	Tracer        trace.Tracer
	shutdownFuncs []func(context.Context) error
	enabled       bool
)

// Init initializes the OpenTelemetry tracing based on configuration.
// Init 根据配置初始化 OpenTelemetry 追踪。
// This should be called after config is loaded. On exporter failure the noop
// tracer stays installed and the error is returned.
// 这应该在配置加载后调用。导出器初始化失败时保留空操作追踪器并返回错误。
func Init(ctx context.Context, cfg config.TelemetryConfig, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	mu.Lock()
	defer mu.Unlock()

	if !cfg.Enabled {
		logger.Debug("OpenTelemetry tracing is disabled")
		// Use noop tracer when disabled / 禁用时使用空操作追踪器
		Tracer = noop.NewTracerProvider().Tracer("noop")
		enabled = false
		return nil
	}

	otel.SetTextMapPropagator(newPropagator())

	tracerProvider, err := newTracerProvider(ctx, cfg)
	if err != nil {
		Tracer = noop.NewTracerProvider().Tracer("noop")
		enabled = false
		return err
	}

	shutdownFuncs = append(shutdownFuncs, tracerProvider.Shutdown)
	otel.SetTracerProvider(tracerProvider)

	Tracer = tracerProvider.Tracer(InstrumentationName)
	enabled = true
	logger.Info("OpenTelemetry tracing initialized",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("service", cfg.ServiceName))
	return nil
}

func newPropagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
}

func newTracerProvider(ctx context.Context, cfg config.TelemetryConfig) (*sdktrace.TracerProvider, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = config.DefaultServiceName
	}
	res, err := resource.Merge(resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", serviceName)))
	if err != nil {
		return nil, err
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

// IsEnabled returns whether tracing is enabled.
// IsEnabled 返回追踪是否已启用。
func IsEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return enabled
}

// Shutdown flushes and stops every tracer provider
// Shutdown 刷新并停止所有追踪提供者
func Shutdown(ctx context.Context) error {
	mu.Lock()
	funcs := shutdownFuncs
	shutdownFuncs = nil
	enabled = false
	Tracer = nil
	mu.Unlock()

	var firstErr error
	for _, fn := range funcs {
		if err := fn(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	mu.RLock()
	tracer := Tracer
	mu.RUnlock()
	if tracer == nil {
		// Return noop span if not initialized / 如果未初始化则返回空操作 span
		return ctx, noop.Span{}
	}
	return tracer.Start(ctx, name, opts...)
}
