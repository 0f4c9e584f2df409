// Package reporting sends crashes and unexpected errors to Sentry. Reporting is disabled until
// Init is called with a DSN.
package reporting

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
)

const flushTimeout = 6 * time.Second

var enabled atomic.Bool

// Init enables reporting to dsn. An empty dsn leaves reporting disabled.
func Init(dsn, version string) {
	if dsn == "" {
		slog.Debug("No sentry DSN configured, crash reporting disabled")
		return
	}
	initWith(sentry.ClientOptions{
		Dsn:              dsn,
		AttachStacktrace: true,
		Release:          version,
	})
}

func initWith(opts sentry.ClientOptions) {
	if err := sentry.Init(opts); err != nil {
		slog.Error("sentry.Init:", "error", err)
		return
	}
	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("os", runtime.GOOS)
		scope.SetTag("arch", runtime.GOARCH)
	})
	enabled.Store(true)
}

// Enabled reports whether Init succeeded.
func Enabled() bool {
	return enabled.Load()
}

// CaptureError reports err at error level.
func CaptureError(err error) {
	if err == nil || !enabled.Load() {
		return
	}
	sentry.CaptureException(err)
}

// PanicListener reports msg at fatal level and waits for it to be delivered.
func PanicListener(msg string) {
	if !enabled.Load() {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelFatal)
		sentry.CaptureMessage(msg)
	})
	Flush()
}

// Recover reports a panic in the calling goroutine and re-panics. Use it as
// `defer reporting.Recover()`.
func Recover() {
	if r := recover(); r != nil {
		PanicListener(fmt.Sprintf("panic: %v", r))
		panic(r)
	}
}

// Flush waits for queued events to be delivered.
func Flush() {
	if !enabled.Load() {
		return
	}
	if result := sentry.Flush(flushTimeout); !result {
		slog.Error("sentry.Flush: timeout")
	}
}
