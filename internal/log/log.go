package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/apiforward/apiforward/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

const timeFormat = "2006-01-02 15:04:05"

// SetLogConf installs the default logger. Output goes to stdout, the
// rotating log file (GetLogFilePath when file is empty) and any extra
// writers such as a Broadcaster.
func SetLogConf(level string, file string, extra ...io.Writer) {
	if file == "" {
		file = GetLogFilePath()
	}
	writers := []io.Writer{
		os.Stdout,
		&lumberjack.Logger{
			Filename:   file,
			MaxSize:    5, // megabytes
			MaxBackups: 5,
			MaxAge:     7, // days
			LocalTime:  true,
			Compress:   true,
		},
	}
	writers = append(writers, extra...)

	loc := LoadLocalLocation()
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.String(slog.TimeKey, a.Value.Time().In(loc).Format(timeFormat))
			}
			return a
		},
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(io.MultiWriter(writers...), opts)))
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func LogHeader(version string, cfg *config.Config) {
	slog.Info("apiforward started",
		slog.String("version", version),
		slog.Group("os", GetOSInfo()...),
		slog.Any("config", cfg),
	)
}

// LoadLocalLocation returns the system time zone, falling back to the
// TZ file used by OpenWrt and then UTC.
func LoadLocalLocation() *time.Location {
	if _, err := os.Stat("/etc/localtime"); err == nil {
		return time.Local
	}
	if data, err := os.ReadFile("/etc/TZ"); err == nil {
		tz := strings.TrimSpace(string(data))
		switch {
		case strings.HasPrefix(tz, "CST-8"):
			return time.FixedZone("CST", 8*3600)
		case strings.HasPrefix(tz, "UTC"):
			return time.UTC
		}
	}
	return time.UTC
}
