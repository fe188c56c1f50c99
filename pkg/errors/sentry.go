package errors

import (
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
)

var sentryEnabled bool

func init() {
	dsn, ok := os.LookupEnv("SENTRY_DSN")
	if !ok || dsn == "" {
		return
	}

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: os.Getenv("SENTRY_ENV"),
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed sentry.Init: %v\n", err)
		return
	}
	sentryEnabled = true
}

// EmitSentry sends err to sentry if SENTRY_DSN is configured. Values of *Error are attached as extra.
func EmitSentry(err error) {
	if !sentryEnabled || err == nil {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		if e, ok := err.(*Error); ok {
			for key, value := range e.Values {
				scope.SetExtra(key, value)
			}
			scope.SetExtra("stacktrace", e.StackTrace())
		}
		sentry.CaptureException(err)
	})
}

// FlushSentry waits for buffered events to be sent
func FlushSentry() {
	if sentryEnabled {
		sentry.Flush(2 * time.Second)
	}
}
