package core

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents the severity of a log message.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelOff
)

func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "off"
	}
}

// LogConfig holds logging configuration from YAML.
type LogConfig struct {
	Level      string            `yaml:"level,omitempty"`
	Components map[string]string `yaml:"components,omitempty"`

	// File enables a rotating JSON log file next to the console output.
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty"`
	MaxAgeDays int    `yaml:"max_age_days,omitempty"`
}

// LogHook receives every line that passes level filtering.
type LogHook func(level LogLevel, tag, msg string)

// Logger provides per-component log level filtering on top of zap.
type Logger struct {
	mu          sync.RWMutex
	globalLevel LogLevel
	components  map[string]LogLevel // lowercase component name → level
	zl          *zap.Logger
	hook        LogHook
}

// ParseLevel converts a string level name to LogLevel.
// Returns LevelInfo for unrecognized values.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "info", "":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "off", "none":
		return LevelOff
	default:
		return LevelInfo
	}
}

// NewLogger creates a Logger from config.
func NewLogger(cfg LogConfig) *Logger {
	l := &Logger{
		globalLevel: ParseLevel(cfg.Level),
		components:  make(map[string]LogLevel, len(cfg.Components)),
		zl:          newZap(cfg),
	}
	for name, level := range cfg.Components {
		l.components[strings.ToLower(name)] = ParseLevel(level)
	}
	return l
}

// newZap builds the console core and, when a file is configured, a JSON core
// writing through lumberjack. Level filtering happens in Logger, so both cores
// accept everything from debug up.
func newZap(cfg LogConfig) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), zapcore.DebugLevel),
	}

	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    orDefault(cfg.MaxSizeMB, 10),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			MaxAge:     orDefault(cfg.MaxAgeDays, 14),
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(rotator), zapcore.DebugLevel))
	}

	return zap.New(zapcore.NewTee(cores...))
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// SetHook installs (or clears, with nil) a callback receiving every emitted line.
func (l *Logger) SetHook(h LogHook) {
	l.mu.Lock()
	l.hook = h
	l.mu.Unlock()
}

// SetComponentLevel overrides the level of one component at runtime.
func (l *Logger) SetComponentLevel(tag string, level LogLevel) {
	l.mu.Lock()
	l.components[strings.ToLower(tag)] = level
	l.mu.Unlock()
}

// Zap exposes the backing zap logger for libraries that want one.
func (l *Logger) Zap() *zap.Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.zl
}

// Sync flushes buffered log output.
func (l *Logger) Sync() error {
	return l.Zap().Sync()
}

// levelFor returns the effective log level for a component tag.
func (l *Logger) levelFor(tag string) LogLevel {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if lvl, ok := l.components[strings.ToLower(tag)]; ok {
		return lvl
	}
	return l.globalLevel
}

func (l *Logger) emit(level LogLevel, tag, format string, args []any) {
	if l.levelFor(tag) > level {
		return
	}
	l.mu.RLock()
	zl, hook := l.zl, l.hook
	l.mu.RUnlock()

	msg := fmt.Sprintf(format, args...)
	field := zap.String("component", tag)
	switch level {
	case LevelDebug:
		zl.Debug(msg, field)
	case LevelInfo:
		zl.Info(msg, field)
	case LevelWarn:
		zl.Warn(msg, field)
	default:
		zl.Error(msg, field)
	}

	if hook != nil {
		hook(level, tag, msg)
	}
}

// Debugf logs at debug level.
func (l *Logger) Debugf(tag, format string, args ...any) {
	l.emit(LevelDebug, tag, format, args)
}

// Infof logs at info level.
func (l *Logger) Infof(tag, format string, args ...any) {
	l.emit(LevelInfo, tag, format, args)
}

// Warnf logs at warn level.
func (l *Logger) Warnf(tag, format string, args ...any) {
	l.emit(LevelWarn, tag, format, args)
}

// Errorf logs at error level.
func (l *Logger) Errorf(tag, format string, args ...any) {
	l.emit(LevelError, tag, format, args)
}

// Log is the global logger instance. Initialized with default (info level).
var Log = NewLogger(LogConfig{})

// Configure replaces the global logger's levels and outputs.
func Configure(cfg LogConfig) {
	next := NewLogger(cfg)
	Log.mu.Lock()
	old := Log.zl
	Log.globalLevel = next.globalLevel
	Log.components = next.components
	Log.zl = next.zl
	Log.mu.Unlock()
	_ = old.Sync()
}
