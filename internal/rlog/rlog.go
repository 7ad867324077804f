// Package rlog provides the leveled logging capability handed to detector
// components at construction. The sensor integration supplies a single sink
// callback; levels and module tags are resolved here so the core never
// touches global logger state.
package rlog

import (
	"fmt"
	"log"
)

// Level is a log severity. Lower values are more severe.
type Level int

const (
	LevelError Level = iota
	LevelWarning
	LevelInfo
	LevelVerbose
	LevelDebug
)

func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarning:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelVerbose:
		return "VERBOSE"
	case LevelDebug:
		return "DEBUG"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
}

// Sink receives every emitted record. It must be safe to call from the
// measurement loop; implementations should not block.
type Sink func(level Level, module string, message string)

// Logger is a leveled logger bound to a module tag. The zero value is not
// usable; construct with New and derive per-component loggers with Module.
type Logger struct {
	sink   Sink
	module string
	max    Level
}

// New returns a Logger writing to sink, emitting records at or below max.
// A nil sink discards everything.
func New(sink Sink, max Level) *Logger {
	if sink == nil {
		sink = func(Level, string, string) {}
	}
	return &Logger{sink: sink, module: "radar", max: max}
}

// Default returns a Logger backed by the standard library log package,
// emitting up to Info.
func Default() *Logger {
	return New(StdSink, LevelInfo)
}

// StdSink writes records through the standard library logger.
func StdSink(level Level, module string, message string) {
	log.Printf("%s (%s): %s", level, module, message)
}

// Module returns a logger that tags records with the given module name but
// shares the parent's sink and level.
func (l *Logger) Module(name string) *Logger {
	return &Logger{sink: l.sink, module: name, max: l.max}
}

func (l *Logger) logf(level Level, format string, v ...any) {
	if l == nil || level > l.max {
		return
	}
	l.sink(level, l.module, fmt.Sprintf(format, v...))
}

func (l *Logger) Errorf(format string, v ...any)   { l.logf(LevelError, format, v...) }
func (l *Logger) Warningf(format string, v ...any) { l.logf(LevelWarning, format, v...) }
func (l *Logger) Infof(format string, v ...any)    { l.logf(LevelInfo, format, v...) }
func (l *Logger) Verbosef(format string, v ...any) { l.logf(LevelVerbose, format, v...) }
func (l *Logger) Debugf(format string, v ...any)   { l.logf(LevelDebug, format, v...) }
