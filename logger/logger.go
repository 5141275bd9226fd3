// Package logger provides structured logging with automatic credential redaction.
//
// This package wraps Go's standard log/slog with convenience functions for:
//   - Upstream API call logging (requests, responses, errors)
//   - Automatic API key and bearer token redaction
//   - Contextual logging with request tracing
//   - Level-based verbosity control via LOG_LEVEL
//
// All exported functions use the global DefaultLogger which can be configured
// for different output formats and log levels.
package logger

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// DefaultLogger is the global structured logger instance.
// It is safe for concurrent use and initialized with slog.LevelInfo by default.
var DefaultLogger *slog.Logger

func init() {
	SetLevel(levelFromEnv())
}

func levelFromEnv() slog.Level {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetLevel changes the logging level for all subsequent log operations.
// This is safe for concurrent use as it replaces the entire logger instance.
func SetLevel(level slog.Level) {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	DefaultLogger = slog.New(handler)
}

// Info logs an informational message with structured key-value attributes.
func Info(msg string, args ...any) {
	DefaultLogger.Info(msg, args...)
}

// InfoContext logs an informational message with context and structured attributes.
func InfoContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.InfoContext(ctx, msg, args...)
}

// Debug logs a debug-level message with structured attributes.
func Debug(msg string, args ...any) {
	DefaultLogger.Debug(msg, args...)
}

// DebugContext logs a debug message with context and structured attributes.
func DebugContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.DebugContext(ctx, msg, args...)
}

// Warn logs a warning message with structured attributes.
// Use for recoverable errors or unexpected but non-critical situations.
func Warn(msg string, args ...any) {
	DefaultLogger.Warn(msg, args...)
}

// WarnContext logs a warning message with context and structured attributes.
func WarnContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.WarnContext(ctx, msg, args...)
}

// Error logs an error message with structured attributes.
func Error(msg string, args ...any) {
	DefaultLogger.Error(msg, args...)
}

// ErrorContext logs an error message with context and structured attributes.
func ErrorContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.ErrorContext(ctx, msg, args...)
}

// apiKeyPatterns contains compiled regular expressions for detecting
// credentials in URLs, headers, and bodies before they are logged.
var apiKeyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[a-zA-Z0-9_-]{16,}`),    // OpenAI-style API keys
	regexp.MustCompile(`AIza[a-zA-Z0-9_-]{35}`),    // Google API keys
	regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._-]+`), // Bearer tokens
	regexp.MustCompile(`([?&]key=)[a-zA-Z0-9_-]+`), // url-embedded keys (Google AI Studio)
}

// RedactSensitiveData removes API keys and other credentials from strings.
// It replaces matched patterns with a redacted form that preserves the first
// few characters for debugging while hiding the sensitive portion.
//
// This function is safe for concurrent use as it only reads from the compiled patterns.
func RedactSensitiveData(input string) string {
	result := input

	for _, pattern := range apiKeyPatterns {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			if strings.HasPrefix(match, "Bearer ") {
				return "Bearer [REDACTED]"
			}
			if i := strings.IndexAny(match, "?&"); i == 0 {
				// url-embedded key: keep the parameter name, drop the value
				eq := strings.Index(match, "=")
				return match[:eq+1] + "[REDACTED]"
			}
			if len(match) > 8 {
				return match[:4] + "...[REDACTED]"
			}
			return "[REDACTED]"
		})
	}

	return result
}

// RedactHeaders returns a copy of headers with credential values masked.
func RedactHeaders(headers map[string]string) map[string]string {
	masked := make(map[string]string, len(headers))
	for key, value := range headers {
		switch strings.ToLower(key) {
		case "authorization", "x-api-key":
			masked[key] = "***"
		default:
			masked[key] = RedactSensitiveData(value)
		}
	}
	return masked
}

// APIRequest logs an upstream HTTP request at debug level with automatic
// credential redaction. It is a no-op when debug logging is disabled.
func APIRequest(provider, method, url string, headers map[string]string, body []byte) {
	if !DefaultLogger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}

	attrs := make([]any, 0, 8)
	attrs = append(attrs,
		"provider", provider,
		"method", method,
		"url", RedactSensitiveData(url),
	)
	if len(headers) > 0 {
		attrs = append(attrs, "headers", RedactHeaders(headers))
	}
	if len(body) > 0 {
		attrs = append(attrs, "body", RedactSensitiveData(string(body)))
	}

	Debug("upstream request", attrs...)
}

// APIResponse logs an upstream HTTP response at debug level with automatic
// credential redaction. Errors are logged at error level regardless of the
// debug setting.
func APIResponse(provider string, statusCode int, body string, err error) {
	attrs := make([]any, 0, 6)
	attrs = append(attrs,
		"provider", provider,
		"status_code", statusCode,
	)

	if err != nil {
		attrs = append(attrs, "error", err.Error())
		Error("upstream response error", attrs...)
		return
	}

	if !DefaultLogger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}

	if body != "" {
		var jsonObj any
		if json.Unmarshal([]byte(body), &jsonObj) == nil {
			pretty, _ := json.MarshalIndent(jsonObj, "", "  ")
			attrs = append(attrs, "body", RedactSensitiveData(string(pretty)))
		} else {
			attrs = append(attrs, "body", RedactSensitiveData(body))
		}
	}

	Debug("upstream response", attrs...)
}
