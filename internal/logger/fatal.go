package logger

import (
	"fmt"
	"log/slog"
	"os"
)

// Fatal logs at error level on the default logger and exits. Reserved for
// startup failures before the application's own logger exists.
func Fatal(msg string, args ...any) {
	slog.Error(msg, args...)
	os.Exit(1)
}

func Fatalf(format string, args ...any) {
	slog.Error(fmt.Sprintf(format, args...))
	os.Exit(1)
}

// FatalWithLogger logs the failure on the given logger (so it reaches the
// configured file handler, not just stderr) before exiting.
func FatalWithLogger(logger *slog.Logger, msg string, args ...any) {
	logger.Error(msg, args...)
	os.Exit(1)
}
