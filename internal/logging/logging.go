// Package logging builds the structured logger every service in this module
// holds as a field and calls with the Infow/Warnw/Errorw key-value
// convention.
package logging

import (
	"go.uber.org/zap"
)

// New builds a *zap.SugaredLogger, production-formatted (JSON, info level)
// unless dev is set (console-formatted, debug level) for local runs.
func New(dev bool) (*zap.SugaredLogger, error) {
	var cfg zap.Config
	if dev {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

// Must is New but panics on error, for use at process startup where a
// broken logging configuration should halt the process immediately.
func Must(dev bool) *zap.SugaredLogger {
	l, err := New(dev)
	if err != nil {
		panic(err)
	}
	return l
}
