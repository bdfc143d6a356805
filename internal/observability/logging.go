// Package observability provides logging, metrics, and tracing.
package observability

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
)

// Logger wraps slog.Logger to provide specialized logging methods.
type Logger struct {
	*slog.Logger
}

// GlobalLogger is the default logger instance for the application.
var GlobalLogger *Logger

func init() {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	GlobalLogger = &Logger{Logger: slog.New(handler)}
}

// SetLevel replaces GlobalLogger with a JSON logger at the given level.
func SetLevel(level slog.Level) {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	GlobalLogger = &Logger{Logger: slog.New(handler)}
}

// LogContextKey is a type for context keys used by the logging package.
type LogContextKey string

// Context keys for logging
const (
	CorrelationID LogContextKey = "correlation_id"
)

// LoggingConfig defines which types of automated logging are enabled.
type LoggingConfig struct {
	EnableActorLogging    bool
	EnableSessionLogging  bool
	EnableMutationLogging bool
}

var (
	// Config holds the current logging configuration.
	Config = LoggingConfig{
		EnableActorLogging:    true,
		EnableSessionLogging:  true,
		EnableMutationLogging: true,
	}
)

// GenerateCorrelationID creates a new unique correlation ID.
func GenerateCorrelationID() string {
	return uuid.NewString()
}

// WithCorrelationID returns a new context with the given correlation ID.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationID, id)
}

// ExtractCorrelationID retrieves the correlation ID from the context.
func ExtractCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(CorrelationID).(string); ok {
		return id
	}
	return ""
}

// ActorLogger logs remote actor calls.
type ActorLogger struct {
	canisterID string
	logger     *Logger
}

// NewActorLogger creates an ActorLogger for calls against the given canister.
func NewActorLogger(canisterID string) *ActorLogger {
	return &ActorLogger{
		canisterID: canisterID,
		logger:     GlobalLogger,
	}
}

// LogCall logs a completed remote call.
func (l *ActorLogger) LogCall(ctx context.Context, method, outcome string, elapsed time.Duration) {
	if !Config.EnableActorLogging {
		return
	}
	l.logger.DebugContext(ctx, "actor call",
		slog.String("canister_id", l.canisterID),
		slog.String("method", method),
		slog.String("outcome", outcome),
		slog.Duration("duration", elapsed),
		slog.String("correlation_id", ExtractCorrelationID(ctx)),
	)
}

// LogError logs a remote call that failed at the transport layer or was rejected.
func (l *ActorLogger) LogError(ctx context.Context, method string, err error) {
	if !Config.EnableActorLogging {
		return
	}
	l.logger.WarnContext(ctx, "actor call failed",
		slog.String("canister_id", l.canisterID),
		slog.String("method", method),
		slog.String("error", err.Error()),
		slog.String("correlation_id", ExtractCorrelationID(ctx)),
	)
}

// SessionLogger logs session state transitions.
type SessionLogger struct {
	logger *Logger
}

// NewSessionLogger creates a new SessionLogger.
func NewSessionLogger() *SessionLogger {
	return &SessionLogger{logger: GlobalLogger}
}

// LogTransition logs a state change of the session.
func (l *SessionLogger) LogTransition(ctx context.Context, from, to, principal string) {
	if !Config.EnableSessionLogging {
		return
	}
	l.logger.InfoContext(ctx, "session transition",
		slog.String("from", from),
		slog.String("to", to),
		slog.String("principal", principal),
		slog.String("correlation_id", ExtractCorrelationID(ctx)),
	)
}

// LogError logs a failure that forced the session back to unauthenticated.
func (l *SessionLogger) LogError(ctx context.Context, step string, err error) {
	if !Config.EnableSessionLogging {
		return
	}
	l.logger.ErrorContext(ctx, "session error",
		slog.String("step", step),
		slog.String("error", err.Error()),
		slog.String("correlation_id", ExtractCorrelationID(ctx)),
	)
}

// MutationLogger logs optimistic mutations.
type MutationLogger struct {
	logger *Logger
}

// NewMutationLogger creates a new MutationLogger.
func NewMutationLogger() *MutationLogger {
	return &MutationLogger{logger: GlobalLogger}
}

// LogOutcome logs how a mutation finished: committed, reverted or rejected.
func (l *MutationLogger) LogOutcome(ctx context.Context, kind, entityID, outcome string, err error) {
	if !Config.EnableMutationLogging {
		return
	}
	attrs := []any{
		slog.String("kind", kind),
		slog.String("entity_id", entityID),
		slog.String("outcome", outcome),
		slog.String("correlation_id", ExtractCorrelationID(ctx)),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		l.logger.WarnContext(ctx, "mutation finished", attrs...)
		return
	}
	l.logger.InfoContext(ctx, "mutation finished", attrs...)
}

// LogInvariant logs a clamped counter or other broken local invariant.
func (l *MutationLogger) LogInvariant(ctx context.Context, kind, entityID, detail string) {
	l.logger.ErrorContext(ctx, "mutation invariant violated",
		slog.String("kind", kind),
		slog.String("entity_id", entityID),
		slog.String("detail", detail),
		slog.String("correlation_id", ExtractCorrelationID(ctx)),
	)
}
