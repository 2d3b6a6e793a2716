package elog

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

type LogLevel uint32

const (
	ErrorLevel LogLevel = LogLevel(logrus.ErrorLevel)
	WarnLevel  LogLevel = LogLevel(logrus.WarnLevel)
	InfoLevel  LogLevel = LogLevel(logrus.InfoLevel)
	DebugLevel LogLevel = LogLevel(logrus.DebugLevel)
	TraceLevel LogLevel = LogLevel(logrus.TraceLevel)
)

type Logger interface {
	Debugf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Finish(success bool)
	Infof(format string, args ...interface{})
	IsLogLevelEnabled(level LogLevel) bool
	Logf(level LogLevel, format string, args ...interface{})
	Scoped(scope string) Logger
	Tracef(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

// CLI is a Logger writing scoped, levelled output suitable for terminals.
type CLI struct {
	entry    *logrus.Entry
	finished bool
}

type CLIArgs struct {
	Output io.Writer
	Level  LogLevel
}

func NewCLI(args *CLIArgs) *CLI {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	if args != nil {
		if args.Output != nil {
			l.SetOutput(args.Output)
		}
		if args.Level != 0 {
			l.SetLevel(logrus.Level(args.Level))
		}
	}
	l.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: true,
	})
	return &CLI{
		entry: logrus.NewEntry(l),
	}
}

func (log *CLI) Debugf(format string, args ...interface{}) {
	log.entry.Debugf(format, args...)
}

func (log *CLI) Errorf(format string, args ...interface{}) {
	log.entry.Errorf(format, args...)
}

func (log *CLI) Infof(format string, args ...interface{}) {
	log.entry.Infof(format, args...)
}

func (log *CLI) Tracef(format string, args ...interface{}) {
	log.entry.Tracef(format, args...)
}

func (log *CLI) Warnf(format string, args ...interface{}) {
	log.entry.Warnf(format, args...)
}

func (log *CLI) Logf(level LogLevel, format string, args ...interface{}) {
	log.entry.Logf(logrus.Level(level), format, args...)
}

func (log *CLI) IsLogLevelEnabled(level LogLevel) bool {
	return log.entry.Logger.IsLevelEnabled(logrus.Level(level))
}

func (log *CLI) Scoped(scope string) Logger {
	return &CLI{
		entry: log.entry.WithField("scope", scope),
	}
}

func (log *CLI) Finish(success bool) {
	if log.finished {
		return
	}
	log.finished = true
	if success {
		log.entry.Debugf("done")
		return
	}
	log.entry.Debugf("failed")
}

// Discard is a Logger that drops everything. Useful default for library
// callers that do not care about progress reporting.
var Discard Logger = discard{}

type discard struct{}

func (discard) Debugf(format string, args ...interface{})        {}
func (discard) Errorf(format string, args ...interface{})        {}
func (discard) Finish(success bool)                              {}
func (discard) Infof(format string, args ...interface{})         {}
func (discard) IsLogLevelEnabled(level LogLevel) bool            { return false }
func (discard) Logf(l LogLevel, format string, a ...interface{}) {}
func (discard) Scoped(scope string) Logger                       { return Discard }
func (discard) Tracef(format string, args ...interface{})        {}
func (discard) Warnf(format string, args ...interface{})         {}
