package core

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"
)

// Lightweight leveled logger for background maintenance tasks.
// Maintenance errors are logged here and never propagated into the
// loop's control flow.
type logger struct {
	name      string
	out       io.Writer
	callDepth int
}

const (
	levelTrace = iota
	levelDebug
	levelInfo
	levelWarn
	levelError
	levelNoPrint
)

var (
	maintLogger = &logger{"maintenance", os.Stdout, 3}
	logLevel    int

	levelName = []string{"Trace", "Debug", "Info", "Warn", "Error"}
)

func init() {
	logLevel = levelWarn
	if v := os.Getenv("TENSOROPTIM_LOG_LEVEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n <= levelNoPrint {
			logLevel = n
		}
	}
}

// SetLogLevel changes the internal logger's level; the default is
// Warn. The env var TENSOROPTIM_LOG_LEVEL sets the same value.
func SetLogLevel(l int) {
	if l <= levelNoPrint {
		logLevel = l
	}
}

func (l *logger) errorf(format string, a ...interface{}) { l.printf(levelError, format, a...) }
func (l *logger) warnf(format string, a ...interface{})  { l.printf(levelWarn, format, a...) }
func (l *logger) infof(format string, a ...interface{})  { l.printf(levelInfo, format, a...) }
func (l *logger) debugf(format string, a ...interface{}) { l.printf(levelDebug, format, a...) }

func (l *logger) printf(level int, format string, a ...interface{}) {
	if logLevel > level {
		return
	}
	if _, err := fmt.Fprintf(l.out, l.prefix(level)+format+"\n", a...); err != nil {
		fmt.Fprintf(os.Stderr, "logger printf failed: %v\n", err)
	}
}

func (l *logger) prefix(level int) string {
	var buffer [64]byte
	buf := bytes.NewBuffer(buffer[:0])
	_, _ = buf.WriteString(levelName[level])
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(time.Now().Format("2006-01-02 15:04:05.999999"))
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(l.location())
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(l.name)
	_ = buf.WriteByte(' ')
	return buf.String()
}

func (l *logger) location() string {
	_, file, line, ok := runtime.Caller(l.callDepth)
	if !ok {
		return "???:0"
	}
	return filepath.Base(file) + ":" + strconv.Itoa(line)
}
