package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// Config controls logger initialization.
type Config struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "json", "console", or "auto"
}

var (
	Internal = component(os.Stderr, "internal")
	HTTP     = component(os.Stderr, "http")
	Backend  = component(os.Stderr, "backend")
	Oracle   = component(os.Stderr, "oracle")
	Chain    = component(os.Stderr, "chain")
	Wallet   = component(os.Stderr, "wallet")
	Payments = component(os.Stderr, "payments")
	Receipts = component(os.Stderr, "receipts")
)

// Init rebuilds the component loggers. Call it once at startup, before
// any goroutine logs.
func Init(cfg Config) {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	SetOutput(selectWriter(cfg.Format))
}

// SetOutput points every component logger at w.
func SetOutput(w io.Writer) {
	Internal = component(w, "internal")
	HTTP = component(w, "http")
	Backend = component(w, "backend")
	Oracle = component(w, "oracle")
	Chain = component(w, "chain")
	Wallet = component(w, "wallet")
	Payments = component(w, "payments")
	Receipts = component(w, "receipts")
}

func component(w io.Writer, name string) zerolog.Logger {
	return zerolog.New(w).With().Timestamp().Str("component", name).Logger()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

func selectWriter(format string) io.Writer {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		return os.Stderr
	case "console":
		return zerolog.ConsoleWriter{Out: os.Stderr}
	default:
		if term.IsTerminal(int(os.Stderr.Fd())) {
			return zerolog.ConsoleWriter{Out: os.Stderr}
		}
		return os.Stderr
	}
}
