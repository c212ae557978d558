// Copyright 2018 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package log is a small leveled, buffered file logger used by every
// component of the engine instead of the standard library's log package.
package log

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"sync"
	"time"
)

type Level uint8

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	CriticalLevel
)

func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case CriticalLevel:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// RotateConfig controls optional size-based log rotation. A nil
// *RotateConfig disables rotation entirely.
type RotateConfig struct {
	MaxSizeBytes int64
	MaxBackups   int
}

type logger struct {
	mu       sync.Mutex
	level    Level
	w        *bufio.Writer
	f        *os.File
	dir      string
	module   string
	rotate   *RotateConfig
	size     int64
}

var gLog *logger

// InitLog opens (creating if necessary) the log file <dir>/<module>.log and
// installs it as the process-wide logger. Safe to call once at startup.
func InitLog(dir, module string, level Level, rotate *RotateConfig) (*logger, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	fp := path.Join(dir, module+".log")
	f, err := os.OpenFile(fp, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	info, _ := f.Stat()
	var size int64
	if info != nil {
		size = info.Size()
	}
	l := &logger{
		level:  level,
		w:      bufio.NewWriterSize(f, 32*1024),
		f:      f,
		dir:    dir,
		module: module,
		rotate: rotate,
		size:   size,
	}
	gLog = l
	return l, nil
}

func IsDebugEnabled() bool {
	return gLog != nil && gLog.level <= DebugLevel
}

func IsInfoEnabled() bool {
	return gLog != nil && gLog.level <= InfoLevel
}

func IsWarnEnabled() bool {
	return gLog != nil && gLog.level <= WarnLevel
}

func (l *logger) output(level Level, format string, args ...interface{}) {
	if l == nil || level < l.level {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	line := fmt.Sprintf("%s [%s] %s\n", time.Now().Format("2006-01-02 15:04:05.000"), level, fmt.Sprintf(format, args...))
	n, _ := l.w.WriteString(line)
	l.size += int64(n)
	l.maybeRotate()
}

func (l *logger) maybeRotate() {
	if l.rotate == nil || l.rotate.MaxSizeBytes <= 0 || l.size < l.rotate.MaxSizeBytes {
		return
	}
	l.w.Flush()
	l.f.Close()
	base := path.Join(l.dir, l.module+".log")
	for i := l.rotate.MaxBackups; i > 0; i-- {
		prev := fmt.Sprintf("%s.%d", base, i-1)
		next := fmt.Sprintf("%s.%d", base, i)
		if _, err := os.Stat(prev); err == nil {
			os.Rename(prev, next)
		}
	}
	os.Rename(base, base+".1")
	f, err := os.OpenFile(base, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err == nil {
		l.f = f
		l.w = bufio.NewWriterSize(f, 32*1024)
		l.size = 0
	}
}

func LogFlush() {
	if gLog == nil {
		return
	}
	gLog.mu.Lock()
	defer gLog.mu.Unlock()
	gLog.w.Flush()
}

func LogDebugf(format string, args ...interface{})    { gLog.output(DebugLevel, format, args...) }
func LogInfof(format string, args ...interface{})     { gLog.output(InfoLevel, format, args...) }
func LogWarnf(format string, args ...interface{})     { gLog.output(WarnLevel, format, args...) }
func LogErrorf(format string, args ...interface{})    { gLog.output(ErrorLevel, format, args...) }
func LogCriticalf(format string, args ...interface{}) { gLog.output(CriticalLevel, format, args...) }

func LogError(msg string)    { gLog.output(ErrorLevel, "%s", msg) }
func LogWarn(msg string)     { gLog.output(WarnLevel, "%s", msg) }
func LogInfo(msg string)     { gLog.output(InfoLevel, "%s", msg) }
