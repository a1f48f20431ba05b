package event

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/shinji-kodama/pm2-http-proxy/internal/model"
)

// Log output formats accepted by NewLogger.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// NewLogger builds a zerolog.Logger writing to w in the given format
// ("console" or "json") and filtered at level ("debug", "info", "warn",
// "error").
func NewLogger(w io.Writer, level, format string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	switch strings.ToLower(format) {
	case "", FormatConsole:
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: true}
	case FormatJSON:
	default:
		return zerolog.Nop(), fmt.Errorf("invalid log format %q (valid: console, json)", format)
	}

	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

// LogObserver renders events with a zerolog.Logger.
type LogObserver struct {
	logger zerolog.Logger
}

// NewLogObserver creates a LogObserver.
func NewLogObserver(logger zerolog.Logger) *LogObserver {
	return &LogObserver{logger: logger}
}

// Observe writes one log line for e. Info events are debug output; failures
// carry the flattened cause chain.
func (o *LogObserver) Observe(e Event) {
	var ev *zerolog.Event
	switch e.Type {
	case TypeListening:
		ev = o.logger.Info().Int("port", e.Port)
		e.Message = fmt.Sprintf("Listening on port %d", e.Port)
	case TypeError:
		ev = o.logger.Error()
	case TypeProxyError, TypeRequestError:
		ev = o.logger.Warn()
	default:
		ev = o.logger.Debug()
	}

	ev = ev.Str("event", string(e.Type))
	if len(e.Data) > 0 {
		ev = ev.Fields(map[string]any(e.Data))
	}
	if e.Err != nil {
		ev = ev.Str("kind", string(e.Err.Kind)).
			Fields(map[string]any(e.Err.Data)).
			Strs("causes", causeMessages(e.Err))
	}
	ev.Msg(e.Message)
}

func causeMessages(err *model.Error) []string {
	causes := model.Flatten(err, nil)
	out := make([]string, 0, len(causes))
	for _, c := range causes[:len(causes)-1] {
		if e, ok := c.(*model.Error); ok {
			out = append(out, fmt.Sprintf("%s: %s", e.Kind, e.Message))
			continue
		}
		out = append(out, c.Error())
	}
	return out
}
