package runner

import (
	"fmt"
	"time"
)

const (
	reasonNoWorkDir  = "工作目录不存在"
	reasonNoBuildDir = "OS目录不存在"
)

// ValidationError reports a missing work dir or build dir, nothing was spawned
type ValidationError struct {
	Reason string
	Path   string
}

func (e *ValidationError) Error() string {
	return e.Reason + ": " + e.Path
}

// SpawnError reports the command could not be started
type SpawnError struct {
	Err error
}

func (e *SpawnError) Error() string {
	return "进程启动失败: " + e.Err.Error()
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// StreamError reports a failure reading the command output
type StreamError struct {
	Err error
}

func (e *StreamError) Error() string {
	return "读取输出失败: " + e.Err.Error()
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// TimeoutError reports neither a marker nor EOF was seen within the limit
type TimeoutError struct {
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("测试执行超时 (%v)", e.Limit)
}
