package call

import (
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// pionLoggerFactory routes pion's internal logging into slog so ICE and DTLS
// diagnostics land in the same stream as the rest of the process.
type pionLoggerFactory struct {
	base *slog.Logger
}

func newPionLoggerFactory(base *slog.Logger) logging.LoggerFactory {
	return &pionLoggerFactory{base: base}
}

func (f *pionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{log: f.base.With("pion", scope)}
}

type pionLogger struct {
	log *slog.Logger
}

func (l *pionLogger) Trace(msg string)                  { l.log.Debug(msg) }
func (l *pionLogger) Tracef(format string, args ...any) { l.log.Debug(fmt.Sprintf(format, args...)) }
func (l *pionLogger) Debug(msg string)                  { l.log.Debug(msg) }
func (l *pionLogger) Debugf(format string, args ...any) { l.log.Debug(fmt.Sprintf(format, args...)) }
func (l *pionLogger) Info(msg string)                   { l.log.Info(msg) }
func (l *pionLogger) Infof(format string, args ...any)  { l.log.Info(fmt.Sprintf(format, args...)) }
func (l *pionLogger) Warn(msg string)                   { l.log.Warn(msg) }
func (l *pionLogger) Warnf(format string, args ...any)  { l.log.Warn(fmt.Sprintf(format, args...)) }
func (l *pionLogger) Error(msg string)                  { l.log.Error(msg) }
func (l *pionLogger) Errorf(format string, args ...any) { l.log.Error(fmt.Sprintf(format, args...)) }
