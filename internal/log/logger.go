// Package log provides the leveled logger used by the training driver and
// the command line tools.
package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Modular is a printf-style leveled logger that can carry static fields
type Modular interface {
	WithFields(fields map[string]string) Modular
	With(keyValues ...any) Modular

	Fatal(format string, v ...any)
	Error(format string, v ...any)
	Warn(format string, v ...any)
	Info(format string, v ...any)
	Debug(format string, v ...any)
	Trace(format string, v ...any)
}

// Config describes where and how log lines are written
type Config struct {
	LogLevel     string            `yaml:"level"`
	Format       string            `yaml:"format"`
	AddTimeStamp bool              `yaml:"add_timestamp"`
	LevelName    string            `yaml:"level_name"`
	MessageName  string            `yaml:"message_name"`
	StaticFields map[string]string `yaml:"static_fields"`
	File         FileConfig        `yaml:"file"`
}

// FileConfig enables a rotated copy of every log line on disk
type FileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	Compress   bool   `yaml:"compress"`
}

// NewConfig returns a config that writes logfmt INFO lines with timestamps
func NewConfig() Config {
	return Config{
		LogLevel:     "INFO",
		Format:       "logfmt",
		AddTimeStamp: true,
		LevelName:    "level",
		MessageName:  "msg",
		StaticFields: map[string]string{},
		File: FileConfig{
			MaxSizeMB:  100,
			MaxBackups: 5,
		},
	}
}

// Logger is the logrus backed implementation of Modular
type Logger struct {
	entry *logrus.Entry
}

// New creates a logger writing to stream and, when configured, to a rotated
// file. The returned closer releases the file and is never nil.
func New(stream io.Writer, conf Config) (*Logger, io.Closer, error) {
	var closer io.Closer = nopCloser{}
	if conf.File.Path != "" {
		if err := os.MkdirAll(filepath.Dir(conf.File.Path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   conf.File.Path,
			MaxSize:    conf.File.MaxSizeMB,
			MaxBackups: conf.File.MaxBackups,
			Compress:   conf.File.Compress,
		}
		stream = io.MultiWriter(stream, rotator)
		closer = rotator
	}

	logger := logrus.New()
	logger.Out = stream

	levelName, messageName := conf.LevelName, conf.MessageName
	if levelName == "" {
		levelName = "level"
	}
	if messageName == "" {
		messageName = "msg"
	}
	fieldMap := logrus.FieldMap{
		logrus.FieldKeyLevel: levelName,
		logrus.FieldKeyMsg:   messageName,
	}

	switch conf.Format {
	case "json":
		logger.Formatter = &logrus.JSONFormatter{
			DisableTimestamp: !conf.AddTimeStamp,
			FieldMap:         fieldMap,
		}
	case "logfmt", "":
		logger.Formatter = &logrus.TextFormatter{
			DisableTimestamp: !conf.AddTimeStamp,
			FullTimestamp:    true,
			DisableColors:    true,
			QuoteEmptyFields: true,
			FieldMap:         fieldMap,
		}
	default:
		return nil, nil, fmt.Errorf("log format not recognised: %v", conf.Format)
	}

	level, err := parseLevel(conf.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	logger.Level = level

	fields := logrus.Fields{}
	for k, v := range conf.StaticFields {
		fields[k] = v
	}
	return &Logger{entry: logger.WithFields(fields)}, closer, nil
}

func parseLevel(name string) (logrus.Level, error) {
	switch strings.ToUpper(name) {
	case "OFF", "NONE":
		return logrus.PanicLevel, nil
	case "FATAL":
		return logrus.FatalLevel, nil
	case "ERROR":
		return logrus.ErrorLevel, nil
	case "WARN", "WARNING":
		return logrus.WarnLevel, nil
	case "INFO", "":
		return logrus.InfoLevel, nil
	case "DEBUG":
		return logrus.DebugLevel, nil
	case "TRACE", "ALL":
		return logrus.TraceLevel, nil
	}
	return logrus.InfoLevel, fmt.Errorf("log level not recognised: %v", name)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

//------------------------------------------------------------------------------

// WithFields returns a logger that adds fields to every line
func (l *Logger) WithFields(fields map[string]string) Modular {
	lf := logrus.Fields{}
	for k, v := range fields {
		lf[k] = v
	}
	return &Logger{entry: l.entry.WithFields(lf)}
}

// With adds alternating key and value pairs as fields
func (l *Logger) With(keyValues ...any) Modular {
	lf := logrus.Fields{}
	for i := 0; i+1 < len(keyValues); i += 2 {
		key, ok := keyValues[i].(string)
		if !ok {
			continue
		}
		lf[key] = keyValues[i+1]
	}
	return &Logger{entry: l.entry.WithFields(lf)}
}

func (l *Logger) Fatal(format string, v ...any) {
	l.entry.Fatalf(format, v...)
}

func (l *Logger) Error(format string, v ...any) {
	l.entry.Errorf(format, v...)
}

func (l *Logger) Warn(format string, v ...any) {
	l.entry.Warnf(format, v...)
}

func (l *Logger) Info(format string, v ...any) {
	l.entry.Infof(format, v...)
}

func (l *Logger) Debug(format string, v ...any) {
	l.entry.Debugf(format, v...)
}

func (l *Logger) Trace(format string, v ...any) {
	l.entry.Tracef(format, v...)
}

//------------------------------------------------------------------------------

type noop struct{}

// Noop returns a logger that discards everything
func Noop() Modular {
	return noop{}
}

func (n noop) WithFields(map[string]string) Modular { return n }
func (n noop) With(...any) Modular { return n }
func (noop) Fatal(string, ...any) {}
func (noop) Error(string, ...any) {}
func (noop) Warn(string, ...any) {}
func (noop) Info(string, ...any) {}
func (noop) Debug(string, ...any) {}
func (noop) Trace(string, ...any) {}
