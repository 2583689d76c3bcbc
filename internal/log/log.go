// Package log provides the logger used across the relay. It wraps logrus
// behind a small interface so components can derive child loggers with
// fields.
package log

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

type Logger interface {
	Print(args ...interface{})
	Printf(format string, args ...interface{})

	Trace(args ...interface{})
	Tracef(format string, args ...interface{})

	Debug(args ...interface{})
	Debugf(format string, args ...interface{})

	Info(args ...interface{})
	Infof(format string, args ...interface{})

	Warn(args ...interface{})
	Warnf(format string, args ...interface{})

	Error(args ...interface{})
	Errorf(format string, args ...interface{})

	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})

	Panic(args ...interface{})
	Panicf(format string, args ...interface{})

	WithField(field string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
	WithError(err error) Logger

	IsTraceEnabled() bool
	IsDebugEnabled() bool
	IsInfoEnabled() bool
}

var (
	mu     sync.RWMutex
	logger Logger = defaultLogger()
	closer func() error
)

// GetLogger returns the process logger. Before Init it writes to stdout at
// info level with the default pattern.
func GetLogger() Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Init replaces the process logger according to cfg. It may be called
// again on configuration reload.
func Init(cfg Config) error {
	l, c, err := initByConfig(cfg)
	if err != nil {
		return err
	}

	mu.Lock()
	old := closer
	logger = l
	closer = c
	mu.Unlock()

	if old != nil {
		_ = old()
	}
	return nil
}

// Flush closes the appenders that buffer output.
func Flush() {
	mu.Lock()
	c := closer
	closer = nil
	mu.Unlock()
	if c != nil {
		_ = c()
	}
}

func defaultLogger() Logger {
	l := logrus.New()
	l.SetFormatter(&formatter{pattern: DefaultPattern, time: DefaultTimeLayout})
	l.SetOutput(os.Stdout)
	l.SetLevel(logrus.InfoLevel)
	return &logrusAdapter{entry: logrus.NewEntry(l)}
}
