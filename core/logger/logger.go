package logger

import (
	"context"
	"encoding/json"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type contextLoggerValues struct {
	RequestID string `json:"requestID"`
	Identity  string `json:"identity"`
}

// Type for the context key
type contextKeyRequestLoggerType struct{}

var contextKeyRequestLogger = &contextKeyRequestLoggerType{}

const (
	// Context key for the request ID
	requestIDLoggerKey string = "requestID"
	identityLoggerKey  string = "identity"
)

// base is the root logger every request-scoped logger is derived from.
var base = zerolog.New(os.Stderr).With().Timestamp().Logger()

// InitLogger sets the global log level for every logger derived from base.
func InitLogger(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
}

// Default returns a logger without a request ID.
func Default() zerolog.Logger {
	return base
}

// ContextWithLogger returns a new context with a logger if the given context has no logger yet. If
// the context already has a logger the given context will be returned.
func ContextWithLogger(ctx context.Context) (context.Context, zerolog.Logger) {
	if ctx == nil {
		ctx = context.Background()
	} else if v, ok := loggerValuesFromContext(ctx); ok {
		return ctx, loggerFor(v)
	}
	id, _ := uuid.NewUUID()
	v := contextLoggerValues{RequestID: id.String()}
	return context.WithValue(ctx, contextKeyRequestLogger, v), loggerFor(v)
}

// ContextWithLoggerFromData returns a context with a logger. If the context does not have a logger yet,
// the logger is constructed from the provided data. If the construction fails because of invalid
// data a new logger is created and added to the context. The given context is returned in case
// it already has a logger.
func ContextWithLoggerFromData(ctx context.Context, data []byte) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := loggerValuesFromContext(ctx); ok {
		return ctx
	}

	var v contextLoggerValues
	if err := json.Unmarshal(data, &v); err != nil || v.RequestID == "" {
		ctx, _ = ContextWithLogger(ctx)
		return ctx
	}
	return context.WithValue(ctx, contextKeyRequestLogger, v)
}

func loggerValuesFromContext(ctx context.Context) (contextLoggerValues, bool) {
	if ctx == nil {
		return contextLoggerValues{}, false
	}
	v, ok := ctx.Value(contextKeyRequestLogger).(contextLoggerValues)
	return v, ok
}

func loggerFor(v contextLoggerValues) zerolog.Logger {
	ctx := base.With().Str(requestIDLoggerKey, v.RequestID)
	if v.Identity != "" {
		ctx = ctx.Str(identityLoggerKey, v.Identity)
	}
	return ctx.Logger()
}

// FromContext returns the logger from the context. If the context does not have a logger,
// or the provided context is nil, the default logger is returned.
func FromContext(ctx context.Context) zerolog.Logger {
	if ctx == nil {
		return base
	}
	v, ok := loggerValuesFromContext(ctx)
	if !ok {
		return base
	}
	return loggerFor(v)
}

// ContextWithLoggerIdentity returns a new context with a logger and identity.
func ContextWithLoggerIdentity(ctx context.Context, identity string) (context.Context, zerolog.Logger) {
	ctx, _ = ContextWithLogger(ctx)
	v, _ := loggerValuesFromContext(ctx)
	v.Identity = identity
	ctx = context.WithValue(ctx, contextKeyRequestLogger, v)
	return ctx, loggerFor(v)
}

// SerializeLoggerContext extracts the logger from the context and returns a json
// representation of the relevant parameters.
func SerializeLoggerContext(ctx context.Context) []byte {
	v := loggerValues(ctx)
	if v.RequestID == "" {
		return []byte("{}")
	}

	res, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return res
}

// RequestIDFromContext returns the request id for the given context.
func RequestIDFromContext(ctx context.Context) string {
	return loggerValues(ctx).RequestID
}

func loggerValues(ctx context.Context) contextLoggerValues {
	v, _ := loggerValuesFromContext(ctx)
	return v
}
