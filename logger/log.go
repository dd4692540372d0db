// Package logger is a thin process-wide wrapper over zap. The level can be changed at runtime; the
// encoder is rebuilt on reconfiguration. Configuration comes either from CLI flags (the Config struct
// carries kong tags) or from the environment via FromEnv.
package logger

import (
	"os"
	"strings"
	"sync"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	lock    sync.Mutex
	level   = zap.NewAtomicLevel()
	sugared *zap.SugaredLogger
)

// DebugEnabled lets hot paths skip building debug arguments. Cached as a plain bool - it only changes
// on reconfiguration, which happens at startup.
var DebugEnabled bool

func init() {
	rebuild("console")
}

type Config struct {
	Format string `envconfig:"LOG_FORMAT" help:"Format to write log lines in" enum:"console,json" default:"console"`
	Level  string `envconfig:"LOG_LEVEL" help:"Lowest log level that will be emitted" enum:"debug,info,warn,error" default:"info"`
}

// Configure applies the config to the process-wide logger.
func (cfg *Config) Configure() error {
	parsed, err := zapcore.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		return errors.Wrapf(err, "invalid log-level '%s'", cfg.Level)
	}
	format := strings.ToLower(strings.TrimSpace(cfg.Format))
	if format != "console" && format != "json" {
		return errors.Errorf("log-format must be one of 'console' or 'json', not '%s'", format)
	}
	lock.Lock()
	defer lock.Unlock()
	level.SetLevel(parsed)
	rebuild(format)
	return nil
}

// FromEnv configures the logger from LCOMM_LOG_FORMAT and LCOMM_LOG_LEVEL, with the usual defaults
// when they are unset.
func FromEnv() error {
	var cfg Config
	if err := envconfig.Process("lcomm", &cfg); err != nil {
		return errors.Wrap(err, "failed to load logger config from environment")
	}
	if cfg.Format == "" {
		cfg.Format = "console"
	}
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	return cfg.Configure()
}

func rebuild(format string) {
	encoderConf := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
	var encoder zapcore.Encoder
	if format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConf)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConf)
	}
	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level)
	sugared = zap.New(core).Sugar()
	DebugEnabled = level.Enabled(zap.DebugLevel)
}

func Debug(args ...interface{}) {
	if !DebugEnabled {
		return
	}
	sugared.Debug(args...)
}

func Debugf(format string, args ...interface{}) {
	sugared.Debugf(format, args...)
}

func Info(args ...interface{}) {
	sugared.Info(args...)
}

func Infof(format string, args ...interface{}) {
	sugared.Infof(format, args...)
}

func Warn(args ...interface{}) {
	sugared.Warn(args...)
}

func Warnf(format string, args ...interface{}) {
	sugared.Warnf(format, args...)
}

func Error(args ...interface{}) {
	sugared.Error(args...)
}

func Errorf(format string, args ...interface{}) {
	sugared.Errorf(format, args...)
}

func Fatal(args ...interface{}) {
	sugared.Fatal(args...)
}

func Fatalf(format string, args ...interface{}) {
	sugared.Fatalf(format, args...)
}
