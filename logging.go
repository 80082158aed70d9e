package main

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the process logger. format is "text" or "json".
func NewLogger(out io.Writer, level, format string) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(out)

	switch format {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	logger.SetLevel(lvl)
	return logger, nil
}

type contextKey string

const loggerContextKey contextKey = "logger"

// WithLogger adds logger to context
func WithLogger(ctx context.Context, logger logrus.FieldLogger) context.Context {
	return context.WithValue(ctx, loggerContextKey, logger)
}

// GetLogger retrieves logger from context
func GetLogger(ctx context.Context) logrus.FieldLogger {
	if logger, ok := ctx.Value(loggerContextKey).(logrus.FieldLogger); ok {
		return logger
	}
	return logrus.StandardLogger()
}
