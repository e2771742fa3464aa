// Package logging configures the named subsystem loggers used across roomlink.
package logging

import (
	"fmt"

	golog "github.com/ipfs/go-log/v2"
	pionlog "github.com/pion/logging"
)

// Subsystems lists every logger name roomlink registers.
var Subsystems = []string{
	"roomlink",
	"feed",
	"registry",
	"signaling",
	"transport",
	"broadcast",
	"game",
	"roster",
	"handlers",
}

// Logger returns the named subsystem logger.
func Logger(name string) *golog.ZapEventLogger {
	return golog.Logger(name)
}

// Setup applies level (debug|info|warn|error) to every roomlink subsystem.
func Setup(level string) error {
	if _, err := golog.LevelFromString(level); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	for _, name := range Subsystems {
		// Loggers are registered lazily; make sure the name exists first.
		golog.Logger(name)
		if err := golog.SetLogLevel(name, level); err != nil {
			return fmt.Errorf("set log level for %s: %w", name, err)
		}
	}
	return nil
}

// PionLoggerFactory returns a pion logger factory whose default level follows
// the roomlink level, so ICE and DTLS chatter stays quiet outside debug.
func PionLoggerFactory(level string) pionlog.LoggerFactory {
	f := pionlog.NewDefaultLoggerFactory()
	switch level {
	case "debug":
		f.DefaultLogLevel = pionlog.LogLevelDebug
	case "info":
		f.DefaultLogLevel = pionlog.LogLevelWarn
	case "warn":
		f.DefaultLogLevel = pionlog.LogLevelWarn
	default:
		f.DefaultLogLevel = pionlog.LogLevelError
	}
	return f
}
