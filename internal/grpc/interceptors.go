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

package grpc

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// callFields describes one health RPC: method, caller and the queried service
func callFields(ctx context.Context, method string, req any) []zap.Field {
	caller := "unknown"
	if p, ok := peer.FromContext(ctx); ok {
		caller = p.Addr.String()
	}
	fields := []zap.Field{
		zap.String("method", method),
		zap.String("caller", caller),
	}
	if r, ok := req.(*healthpb.HealthCheckRequest); ok {
		service := r.GetService()
		if service == "" {
			service = "<server>"
		}
		fields = append(fields, zap.String("service", service))
	}
	return fields
}

// logCheck logs each health Check with the status it answered.
// Unknown service names are answered NotFound and logged at debug level.
// logCheck 记录每次健康检查及其返回的状态，未知服务名返回 NotFound 并以 debug 级别记录。
func (s *Server) logCheck(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)

	fields := append(callFields(ctx, info.FullMethod, req), zap.Duration("duration", time.Since(start)))
	switch {
	case err == nil:
		if r, ok := resp.(*healthpb.HealthCheckResponse); ok {
			fields = append(fields, zap.String("status", r.GetStatus().String()))
		}
		s.logger.Debug("Health check answered", fields...)
	case status.Code(err) == codes.NotFound:
		s.logger.Debug("Health check for unknown service", append(fields, zap.Error(err))...)
	default:
		s.logger.Warn("Health check failed", append(fields, zap.Error(err))...)
	}
	return resp, err
}

// recoverCheck turns a panicking unary handler into codes.Internal
// recoverCheck 将 panic 的一元处理器转换为 codes.Internal
func (s *Server) recoverCheck(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer s.recoverHandler(info.FullMethod, &err)
	return handler(ctx, req)
}

// watchStream logs the lifetime of a Health.Watch stream and recovers its panics
// watchStream 记录 Health.Watch 流的生命周期并从 panic 中恢复
func (s *Server) watchStream(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
	defer s.recoverHandler(info.FullMethod, &err)

	ctx := context.Background()
	if ss != nil {
		ctx = ss.Context()
	}
	fields := callFields(ctx, info.FullMethod, nil)
	start := time.Now()
	s.logger.Debug("Health watch opened", fields...)

	err = handler(srv, ss)

	s.logger.Debug("Health watch closed",
		append(fields, zap.Duration("duration", time.Since(start)), zap.Error(err))...)
	return err
}

// recoverHandler must be deferred directly by the interceptor
func (s *Server) recoverHandler(method string, errp *error) {
	if r := recover(); r != nil {
		s.logger.Error("Health handler panic",
			zap.String("method", method),
			zap.Any("panic", r),
			zap.Stack("stack"))
		*errp = status.Errorf(codes.Internal, "internal server error")
	}
}
