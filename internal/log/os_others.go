//go:build !unix

package log

import (
	"log/slog"
	"os"
	"runtime"
)

// GetOSInfo describes the host for the startup log line.
func GetOSInfo() []any {
	attrs := []any{
		slog.String("goos", runtime.GOOS),
		slog.String("goarch", runtime.GOARCH),
		slog.String("go", runtime.Version()),
	}
	if hostname, err := os.Hostname(); err == nil {
		attrs = append(attrs, slog.String("hostname", hostname))
	}
	if v, ok := os.LookupEnv("OS"); ok {
		attrs = append(attrs, slog.String("os", v))
	}
	return attrs
}
