package bridge

import (
	"go.uber.org/zap"
)

// temporalLogger routes Temporal SDK logs through zap.
type temporalLogger struct {
	s *zap.SugaredLogger
}

func newTemporalLogger(l *zap.Logger) *temporalLogger {
	return &temporalLogger{s: l.Named("temporal").Sugar()}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) { l.s.Debugw(msg, keyvals...) }
func (l *temporalLogger) Info(msg string, keyvals ...interface{})  { l.s.Infow(msg, keyvals...) }
func (l *temporalLogger) Warn(msg string, keyvals ...interface{})  { l.s.Warnw(msg, keyvals...) }
func (l *temporalLogger) Error(msg string, keyvals ...interface{}) { l.s.Errorw(msg, keyvals...) }
