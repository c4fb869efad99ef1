package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

var levelVar = new(slog.LevelVar)

// L is the process-wide logger. It writes JSON to stdout until SetFormat
// replaces it.
var L = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: levelVar}))

// SetLevel sets the minimum level from a name such as "debug", "WARN" or
// "info+2". Unknown names leave the logger at info and are reported.
func SetLevel(lvl string) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(lvl))); err != nil {
		levelVar.Set(slog.LevelInfo)
		return fmt.Errorf("log level %q: %w", lvl, err)
	}
	levelVar.Set(level)
	return nil
}

// SetFormat swaps the handler of the global logger. "text" selects the
// logfmt-style handler, anything else JSON.
func SetFormat(format string, w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: levelVar}
	if strings.EqualFold(format, "text") {
		L = slog.New(slog.NewTextHandler(w, opts))
		return
	}
	L = slog.New(slog.NewJSONHandler(w, opts))
}
