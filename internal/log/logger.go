// Package log provides the structured, category-filtered logger used
// throughout the server. Every component that can log takes a *Logger
// rather than reaching for a package-level global.
package log

import (
	"fmt"
	"io"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus.Logger with category filtering and elapsed-time
// bookkeeping between consecutive log calls.
type Logger struct {
	Log            *logrus.Logger
	mu             sync.Mutex
	lastLogCall    int64
	categoryFilter *regexp.Regexp
	bare           bool // print "category [goroutine]: msg - elapsed" instead of a logrus entry
}

var magenta = color.New(color.FgMagenta).SprintFunc()

// New creates a Logger around an existing logrus.Logger.
func New(logger *logrus.Logger, categoryFilter *regexp.Regexp) *Logger {
	return &Logger{
		Log:            logger,
		categoryFilter: categoryFilter,
	}
}

// NewBare creates a Logger that bypasses logrus formatting entirely and
// prints a category-colored line directly.
func NewBare(level logrus.Level) *Logger {
	l := New(logrus.New(), nil)
	l.Log.SetLevel(level)
	l.bare = true
	return l
}

// NewNullLogger returns a Logger that discards everything, useful in tests.
func NewNullLogger() *Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return New(l, nil)
}

func (l *Logger) Tracef(category, msg string, args ...interface{}) { l.Logf(logrus.TraceLevel, category, msg, args...) }
func (l *Logger) Debugf(category, msg string, args ...interface{}) { l.Logf(logrus.DebugLevel, category, msg, args...) }
func (l *Logger) Infof(category, msg string, args ...interface{})  { l.Logf(logrus.InfoLevel, category, msg, args...) }
func (l *Logger) Warnf(category, msg string, args ...interface{})  { l.Logf(logrus.WarnLevel, category, msg, args...) }
func (l *Logger) Errorf(category, msg string, args ...interface{}) { l.Logf(logrus.ErrorLevel, category, msg, args...) }

// Logf logs msg at level under category, unless the category filter rejects
// it or the logger's level is below level.
func (l *Logger) Logf(level logrus.Level, category, msg string, args ...interface{}) {
	if l == nil || l.Log == nil {
		return
	}
	if l.Log.GetLevel() < level {
		return
	}
	if l.categoryFilter != nil && !l.categoryFilter.MatchString(category) {
		return
	}

	l.mu.Lock()
	now := time.Now().UnixNano() / int64(time.Millisecond)
	elapsed := now - l.lastLogCall
	l.lastLogCall = now
	l.mu.Unlock()

	if l.bare {
		fmt.Fprintf(l.Log.Out, "%s [%d]: %s - %dms\n", magenta(category), goroutineID(), fmt.Sprintf(msg, args...), elapsed)
		return
	}

	l.Log.WithFields(logrus.Fields{
		"category":  category,
		"elapsed":   fmt.Sprintf("%dms", elapsed),
		"goroutine": goroutineID(),
	}).Logf(level, msg, args...)
}

// SetLevel parses and applies a level string ("debug", "info", ...).
func (l *Logger) SetLevel(level string) error {
	pl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("parsing log level %q: %w", level, err)
	}
	l.Log.SetLevel(pl)
	return nil
}

// SetCategoryFilter compiles pattern as the category allow-list regexp.
// An empty pattern clears the filter (everything is logged).
func (l *Logger) SetCategoryFilter(pattern string) error {
	if pattern == "" {
		l.categoryFilter = nil
		return nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("compiling category filter %q: %w", pattern, err)
	}
	l.categoryFilter = re
	return nil
}

// DebugMode reports whether the logger's level is Debug or more verbose.
func (l *Logger) DebugMode() bool {
	return l.Log.GetLevel() >= logrus.DebugLevel
}

func goroutineID() int {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	idField := strings.Fields(strings.TrimPrefix(string(buf[:n]), "goroutine "))[0]
	id, err := strconv.Atoi(idField)
	if err != nil {
		return -1
	}
	return id
}
