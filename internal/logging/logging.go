// Package logging provides tagged, per-subsystem loggers that write to
// the process's standard logger and, optionally, to a dedicated log file
// per subsystem.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Logger writes tagged messages to the main log and, if a log directory
// was configured, to <logDir>/<tag>.log as well.
type Logger struct {
	tag string

	mu   sync.Mutex
	file *os.File
	sub  *log.Logger
}

// New returns a Logger tagged with name (rendered as "[name]" in every
// message). If logDir is non-empty, messages are also appended to
// <logDir>/<name>.log.
func New(name, logDir string) *Logger {
	l := &Logger{tag: name}
	if logDir == "" {
		return l
	}

	path := filepath.Join(logDir, name+".log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Printf("[%s] WARNING: could not open log file %s: %v (logging to stdout only)", name, path, err)
		return l
	}
	l.file = f
	l.sub = log.New(f, "", 0)
	return l
}

// Printf logs a tagged message to the main log and, if configured, the
// subsystem's dedicated log file.
func (l *Logger) Printf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.Printf("[%s] %s", l.tag, msg)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sub != nil {
		l.sub.Printf("%s [%s] %s", time.Now().Format("2006/01/02 15:04:05"), l.tag, msg)
	}
}

// Close releases the dedicated log file, if one was opened.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
		l.sub = nil
	}
}
