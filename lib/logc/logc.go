package logc

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu   sync.Mutex
	base *zap.Logger
)

// Config controls the log output. Zero value logs to stderr only.
type Config struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	Level      string
}

// Setup replaces the process-wide logger. Call once at startup,
// before any package logger is used for output.
func Setup(cfg Config) {
	mu.Lock()
	defer mu.Unlock()
	base = build(cfg)
}

// Logger returns a named sugared logger for a package.
func Logger(name string) *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	if base == nil {
		base = build(Config{})
	}
	return base.Named(name).Sugar()
}

func build(cfg Config) *zap.Logger {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if l, err := zapcore.ParseLevel(cfg.Level); err == nil {
			level = l
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	enc := zapcore.NewConsoleEncoder(encCfg)

	sinks := []zapcore.WriteSyncer{zapcore.AddSync(os.Stderr)}
	if cfg.File != "" {
		maxSize := cfg.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 100
		}
		sinks = append(sinks, zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    maxSize,
			MaxBackups: cfg.MaxBackups,
		}))
	}

	core := zapcore.NewCore(enc, zapcore.NewMultiWriteSyncer(sinks...), level)
	return zap.New(core)
}
