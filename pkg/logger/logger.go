package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var log *logrus.Logger

// Init 初始化全局日志器
func Init(level, format string) error {
	l := logrus.New()

	lvl, err := parseLevel(level)
	if err != nil {
		return err
	}
	l.SetLevel(lvl)

	switch format {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	l.SetOutput(os.Stdout)
	log = l

	return nil
}

func parseLevel(level string) (logrus.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel, nil
	case "", "info":
		return logrus.InfoLevel, nil
	case "warn", "warning":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	default:
		return logrus.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// SetOutput 重定向日志输出（测试中用于捕获日志）
func SetOutput(w io.Writer) {
	get().SetOutput(w)
}

// WithFields 返回带结构化字段的日志条目
func WithFields(fields logrus.Fields) *logrus.Entry {
	return get().WithFields(fields)
}

// get 未初始化时返回一个默认日志器，避免库代码在测试中丢日志或panic
func get() *logrus.Logger {
	if log == nil {
		log = logrus.New()
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}

func Debug(args ...interface{}) {
	get().Debug(args...)
}

func Debugf(format string, args ...interface{}) {
	get().Debugf(format, args...)
}

func Info(args ...interface{}) {
	get().Info(args...)
}

func Infof(format string, args ...interface{}) {
	get().Infof(format, args...)
}

func Warn(args ...interface{}) {
	get().Warn(args...)
}

func Warnf(format string, args ...interface{}) {
	get().Warnf(format, args...)
}

func Error(args ...interface{}) {
	get().Error(args...)
}

func Errorf(format string, args ...interface{}) {
	get().Errorf(format, args...)
}

func Fatal(args ...interface{}) {
	get().Fatal(args...)
}

func Fatalf(format string, args ...interface{}) {
	get().Fatalf(format, args...)
}
