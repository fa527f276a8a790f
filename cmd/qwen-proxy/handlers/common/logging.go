package common

import (
	"context"

	log "github.com/sirupsen/logrus"
)

type loggerKey struct{}

// WithLogger attaches a request-scoped logger to ctx
func WithLogger(ctx context.Context, l log.FieldLogger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// Logger returns the request-scoped logger, or the standard logger
func Logger(ctx context.Context) log.FieldLogger {
	if l, ok := ctx.Value(loggerKey{}).(log.FieldLogger); ok {
		return l
	}
	return log.StandardLogger()
}
