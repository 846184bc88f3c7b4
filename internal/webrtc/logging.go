package webrtc

import (
	"github.com/pion/logging"

	"github.com/dj-oyu/maskguard/detection-server/internal/logger"
)

// loggerFactory routes pion's internal logs through the module logger
// under "WebRTC/<scope>".
type loggerFactory struct{}

func (loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return pionLogger{module: "WebRTC/" + scope}
}

// pionLogger demotes pion's info output to debug; it is per-packet chatter.
type pionLogger struct {
	module string
}

func (l pionLogger) Trace(msg string)                          { logger.Debug(l.module, "%s", msg) }
func (l pionLogger) Tracef(format string, args ...interface{}) { logger.Debug(l.module, format, args...) }
func (l pionLogger) Debug(msg string)                          { logger.Debug(l.module, "%s", msg) }
func (l pionLogger) Debugf(format string, args ...interface{}) { logger.Debug(l.module, format, args...) }
func (l pionLogger) Info(msg string)                           { logger.Debug(l.module, "%s", msg) }
func (l pionLogger) Infof(format string, args ...interface{})  { logger.Debug(l.module, format, args...) }
func (l pionLogger) Warn(msg string)                           { logger.Warn(l.module, "%s", msg) }
func (l pionLogger) Warnf(format string, args ...interface{})  { logger.Warn(l.module, format, args...) }
func (l pionLogger) Error(msg string)                          { logger.Error(l.module, "%s", msg) }
func (l pionLogger) Errorf(format string, args ...interface{}) { logger.Error(l.module, format, args...) }
