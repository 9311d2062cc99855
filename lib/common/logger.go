package common

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/lni/dragonboat/v4/logger"
)

// pkgLogger is the logger.ILogger handed out to dragonboat and to the
// packages of this module. Lines look like
//
//	2026/01/02 15:04:05 WARN  | tso             | txn ... grabbing stale lock 7 ...
type pkgLogger struct {
	name  string
	level logger.LogLevel
	out   *log.Logger
}

func (l *pkgLogger) SetLevel(level logger.LogLevel) { l.level = level }

func (l *pkgLogger) Debugf(format string, args ...interface{}) {
	l.logf(logger.DEBUG, "DEBUG", format, args)
}

func (l *pkgLogger) Infof(format string, args ...interface{}) {
	l.logf(logger.INFO, "INFO", format, args)
}

func (l *pkgLogger) Warningf(format string, args ...interface{}) {
	l.logf(logger.WARNING, "WARN", format, args)
}

func (l *pkgLogger) Errorf(format string, args ...interface{}) {
	l.logf(logger.ERROR, "ERROR", format, args)
}

// Panicf panics regardless of the level, dragonboat relies on it not returning.
func (l *pkgLogger) Panicf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.out.Printf("%-5s | %-15s | %s", "PANIC", l.name, msg)
	panic(msg)
}

func (l *pkgLogger) logf(at logger.LogLevel, tag, format string, args []interface{}) {
	if l.level < at {
		return
	}
	l.out.Printf("%-5s | %-15s | %s", tag, l.name, fmt.Sprintf(format, args...))
}

// CreateLogger is the logger.Factory installed by InitLoggers.
// Messages go to stderr so command output on stdout stays parseable.
func CreateLogger(pkgName string) logger.ILogger {
	return &pkgLogger{
		name:  pkgName,
		level: logger.INFO,
		out:   log.New(os.Stderr, "", log.Ldate|log.Ltime),
	}
}

var logLevels = map[string]logger.LogLevel{
	"debug":   logger.DEBUG,
	"info":    logger.INFO,
	"warn":    logger.WARNING,
	"warning": logger.WARNING,
	"error":   logger.ERROR,
}

// ParseLogLevel maps debug, info, warn(ing) and error to dragonboat levels
func ParseLogLevel(level string) (logger.LogLevel, error) {
	lvl, ok := logLevels[strings.ToLower(level)]
	if !ok {
		return 0, fmt.Errorf("invalid log level %q, must be one of debug, info, warn, error", level)
	}
	return lvl, nil
}

var (
	// raftLoggers are the dragonboat internals, quiet unless debugging
	raftLoggers = []string{"raft", "raftdb", "rsm", "transport", "dragonboat", "grpc", "util", "logdb"}
	ownLoggers  = []string{"store", "dataspace", "tso", "leveldb"}
)

// InitLoggers installs CreateLogger and sets the level of every known logger.
// It has to run before the first message is logged.
func InitLoggers(level string) error {
	lvl, err := ParseLogLevel(level)
	if err != nil {
		return err
	}
	logger.SetLoggerFactory(CreateLogger)

	raftLvl := lvl
	if lvl == logger.INFO {
		raftLvl = logger.WARNING
	}
	for _, name := range raftLoggers {
		logger.GetLogger(name).SetLevel(raftLvl)
	}
	for _, name := range ownLoggers {
		logger.GetLogger(name).SetLevel(lvl)
	}
	return nil
}
