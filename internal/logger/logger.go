package logger

import (
	"context"
	"io"
	"os"
	"strings"

	"social-ratelimit/internal/domain"

	"github.com/sirupsen/logrus"
)

// StructuredLogger implementa a interface domain.Logger
type StructuredLogger struct {
	logger *logrus.Logger
	fields logrus.Fields
}

// contextKey define chaves para contexto
type contextKey string

const (
	RequestIDKey contextKey = "request_id"
	IPKey        contextKey = "ip"
	UserIDKey    contextKey = "user_id"
	UserAgentKey contextKey = "user_agent"
)

// NewLogger cria uma nova instância do logger estruturado
func NewLogger(level, format string) domain.Logger {
	return NewLoggerWithOutput(level, format, os.Stdout)
}

// NewLoggerWithOutput cria o logger escrevendo no writer informado
func NewLoggerWithOutput(level, format string, out io.Writer) domain.Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	switch strings.ToLower(format) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
				logrus.FieldKeyFunc:  "function",
			},
		})
	default:
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	logger.SetOutput(out)

	return &StructuredLogger{
		logger: logger,
		fields: make(logrus.Fields),
	}
}

// Debug registra uma mensagem de debug
func (l *StructuredLogger) Debug(msg string, fields map[string]interface{}) {
	l.logWithFields(logrus.DebugLevel, msg, fields)
}

// Info registra uma mensagem informativa
func (l *StructuredLogger) Info(msg string, fields map[string]interface{}) {
	l.logWithFields(logrus.InfoLevel, msg, fields)
}

// Warn registra uma mensagem de warning
func (l *StructuredLogger) Warn(msg string, fields map[string]interface{}) {
	l.logWithFields(logrus.WarnLevel, msg, fields)
}

// Error registra uma mensagem de erro
func (l *StructuredLogger) Error(msg string, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.logWithFields(logrus.ErrorLevel, msg, fields)
}

// WithContext cria um novo logger com os dados da requisição presentes no contexto
func (l *StructuredLogger) WithContext(ctx context.Context) domain.Logger {
	merged := make(logrus.Fields, len(l.fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range extractContextFields(ctx) {
		merged[k] = v
	}

	return &StructuredLogger{
		logger: l.logger,
		fields: merged,
	}
}

// WithFields cria um novo logger com campos fixos
func (l *StructuredLogger) WithFields(fields map[string]interface{}) domain.Logger {
	merged := make(logrus.Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}

	return &StructuredLogger{
		logger: l.logger,
		fields: merged,
	}
}

func (l *StructuredLogger) logWithFields(level logrus.Level, msg string, fields map[string]interface{}) {
	allFields := make(logrus.Fields, len(l.fields)+len(fields)+2)
	for k, v := range l.fields {
		allFields[k] = v
	}
	for k, v := range fields {
		allFields[k] = v
	}

	allFields["component"] = "rate_limiter"
	if version := os.Getenv("APP_VERSION"); version != "" {
		allFields["version"] = version
	}

	l.logger.WithFields(allFields).Log(level, msg)
}

// extractContextFields extrai campos relevantes do contexto
func extractContextFields(ctx context.Context) logrus.Fields {
	fields := make(logrus.Fields)
	if ctx == nil {
		return fields
	}

	for _, key := range []contextKey{RequestIDKey, IPKey, UserIDKey, UserAgentKey} {
		if value, ok := ctx.Value(key).(string); ok && value != "" {
			fields[string(key)] = value
		}
	}

	return fields
}

// LogDecision registra o resultado de uma verificação de rate limit.
// Negações saem como warning, falhas do store como error e o resto em debug.
func LogDecision(l domain.Logger, label string, decision domain.Decision) {
	fields := map[string]interface{}{
		"event_type": "rate_limit_" + decision.Outcome.String(),
		"label":      label,
		"strategy":   string(decision.Strategy),
		"key":        decision.Key,
		"bucket_key": decision.BucketKey,
		"limit":      decision.Limit,
		"remaining":  decision.Remaining,
	}
	if decision.Action != "" {
		fields["action"] = decision.Action
	}
	if decision.Penalty > 1 {
		fields["penalty"] = decision.Penalty
		fields["violations"] = decision.Violations
	}

	switch decision.Outcome {
	case domain.Denied:
		fields["current"] = decision.Current
		fields["retry_after_seconds"] = int(decision.RetryAfter.Seconds())
		l.Warn("Rate limit exceeded", fields)
	case domain.StoreError:
		l.Error("Rate limit store unavailable, request admitted", decision.Err, fields)
	default:
		l.Debug("Rate limit check passed", fields)
	}
}

// LogConfigEvent registra eventos de configuração
func LogConfigEvent(l domain.Logger, eventType string, details map[string]interface{}) {
	if details == nil {
		details = make(map[string]interface{})
	}
	details["event_type"] = eventType

	l.Info("Configuration event", details)
}

// ContextWithRequestInfo adiciona informações da requisição ao contexto
func ContextWithRequestInfo(ctx context.Context, requestID, ip, userID, userAgent string) context.Context {
	ctx = context.WithValue(ctx, RequestIDKey, requestID)
	ctx = context.WithValue(ctx, IPKey, ip)
	if userID != "" {
		ctx = context.WithValue(ctx, UserIDKey, userID)
	}
	ctx = context.WithValue(ctx, UserAgentKey, userAgent)
	return ctx
}

// GetRequestID extrai o request ID do contexto
func GetRequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}
