// Package log wraps zap with the small sugared-logger shape the rest of
// this repository depends on.
package log

import "go.uber.org/zap"

// Logger is the concrete logger used throughout the dispatcher. It embeds
// zap's SugaredLogger so call sites can use either printf-style or
// structured-field helpers.
type Logger struct {
	*zap.SugaredLogger
}

// NewLogger builds a production zap logger (JSON, info level, sampled).
func NewLogger() *Logger {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	return &Logger{logger.Sugar()}
}

// NewDevelopment builds a human-readable, unsampled logger for local runs
// and tests.
func NewDevelopment() *Logger {
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	return &Logger{logger.Sugar()}
}

// Capability is the minimal logging surface the dispatcher's config
// accepts (spec §6, `logger` option: {debug, info, warn, error}(msg)).
// *Logger satisfies it through the methods of its embedded SugaredLogger.
type Capability interface {
	Debugw(msg string, keysAndValues ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
}

var _ Capability = (*zap.SugaredLogger)(nil)

// Nop returns a Capability that discards everything, used as the default
// when no logger is supplied.
func Nop() Capability {
	return &Logger{zap.NewNop().Sugar()}
}
