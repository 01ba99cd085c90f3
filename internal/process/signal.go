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

// Package process provides signal based process termination for the supervisor.
// process 包为守护进程提供基于信号的进程终止功能。
package process

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nodeguard/nodeguard/internal/discovery"
	"golang.org/x/sys/unix"
)

// Common errors for process termination
// 进程终止的常见错误
var (
	// ErrTermination indicates a process could not be signalled
	// ErrTermination 表示无法向进程发送信号
	ErrTermination = errors.New("process termination failed")

	// ErrProcessGone indicates the process had already exited
	// ErrProcessGone 表示进程已经退出
	ErrProcessGone = errors.New("process already exited")

	// ErrPermissionDenied indicates the caller may not signal the process
	// ErrPermissionDenied 表示无权向进程发送信号
	ErrPermissionDenied = errors.New("permission denied")
)

// TerminationError describes a failed signal delivery to one process.
// TerminationError 描述向单个进程发送信号失败。
//
// errors.Is matches both ErrTermination and the underlying cause.
// errors.Is 同时匹配 ErrTermination 和底层原因。
type TerminationError struct {
	PID  int
	Name string
	Err  error
}

func (e *TerminationError) Error() string {
	return fmt.Sprintf("terminate pid %d (%s): %v", e.PID, e.Name, e.Err)
}

// Unwrap exposes ErrTermination and the cause
func (e *TerminationError) Unwrap() []error {
	return []error{ErrTermination, e.Err}
}

// Terminator sends a termination request to a process
// Terminator 向进程发送终止请求
type Terminator interface {
	Terminate(rec discovery.ProcessRecord) error
}

// TerminatorFunc adapts a function to Terminator
// TerminatorFunc 将函数适配为 Terminator
type TerminatorFunc func(rec discovery.ProcessRecord) error

// Terminate implements Terminator
func (f TerminatorFunc) Terminate(rec discovery.ProcessRecord) error {
	return f(rec)
}

// Signaller terminates processes with POSIX signals
// Signaller 使用 POSIX 信号终止进程
type Signaller struct {
	kill func(pid int, sig unix.Signal) error
}

// NewSignaller creates a Signaller backed by kill(2)
// NewSignaller 创建基于 kill(2) 的 Signaller
func NewSignaller() *Signaller {
	return &Signaller{kill: unix.Kill}
}

// Terminate sends SIGTERM
// Terminate 发送 SIGTERM
func (s *Signaller) Terminate(rec discovery.ProcessRecord) error {
	return s.send(rec, unix.SIGTERM)
}

// Kill sends SIGKILL
// Kill 发送 SIGKILL
func (s *Signaller) Kill(rec discovery.ProcessRecord) error {
	return s.send(rec, unix.SIGKILL)
}

func (s *Signaller) send(rec discovery.ProcessRecord, sig unix.Signal) error {
	if rec.PID <= 0 {
		return &TerminationError{PID: rec.PID, Name: rec.Name, Err: fmt.Errorf("invalid pid")}
	}
	if err := s.kill(rec.PID, sig); err != nil {
		return &TerminationError{PID: rec.PID, Name: rec.Name, Err: mapErrno(err)}
	}
	return nil
}

// IsAlive checks if a process with the given PID exists.
// IsAlive 检查给定 PID 的进程是否存在。
//
// Signal 0 performs the permission and existence checks without delivering anything;
// EPERM still means the process exists.
// 信号 0 只做权限和存在性检查；EPERM 仍表示进程存在。
func (s *Signaller) IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := s.kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// WaitGone polls until every pid has exited, timeout elapses or ctx is done.
// It returns the pids still alive.
// WaitGone 轮询直到所有 PID 退出、超时或 ctx 结束，返回仍存活的 PID。
func (s *Signaller) WaitGone(ctx context.Context, pids []int, timeout, poll time.Duration) []int {
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	remaining := s.alive(pids)

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for len(remaining) > 0 && time.Now().Before(deadline) {
		wait := time.Until(deadline)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return remaining
		case <-timer.C:
		case <-ticker.C:
			timer.Stop()
		}
		remaining = s.alive(remaining)
	}
	return remaining
}

func (s *Signaller) alive(pids []int) []int {
	var out []int
	for _, pid := range pids {
		if s.IsAlive(pid) {
			out = append(out, pid)
		}
	}
	return out
}

func mapErrno(err error) error {
	switch {
	case errors.Is(err, unix.ESRCH):
		return fmt.Errorf("%w: %v", ErrProcessGone, err)
	case errors.Is(err, unix.EPERM):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	default:
		return err
	}
}
