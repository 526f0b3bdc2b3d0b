// Package logging configures the global zerolog logger for the binaries.
package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"
	FormatPretty  = "pretty"
)

// Setup points the global logger at w with the given level and format.
func Setup(w io.Writer, level, format string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var out io.Writer
	switch format {
	case FormatConsole, "":
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
	case FormatJSON:
		out = w
	case FormatPretty:
		out = NewPrettyJSONWriter(w)
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return nil
}

// MustSetup is Setup for main packages: it exits on a bad level or format.
func MustSetup(level, format string) {
	if err := Setup(os.Stderr, level, format); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}

// PrettyJSONWriter re-indents every JSON line written to it. Lines that are
// not JSON pass through unchanged. It is meant for reading daemon logs by
// eye, not for throughput.
type PrettyJSONWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewPrettyJSONWriter(w io.Writer) *PrettyJSONWriter {
	return &PrettyJSONWriter{w: w}
}

func (p *PrettyJSONWriter) Write(b []byte) (int, error) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, bytes.TrimSpace(b), "", "  "); err != nil {
		buf.Reset()
		buf.Write(bytes.TrimRight(b, "\n"))
	}
	buf.WriteByte('\n')

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.w.Write(buf.Bytes()); err != nil {
		return 0, err
	}
	return len(b), nil
}
