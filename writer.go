package rabbitsink

import (
	"strings"

	"github.com/rs/zerolog"
)

// Writer adapts an Emitter to io.Writer. Every Write call is one log event,
// which is how slog, zerolog and logrus hand a rendered line to their output.
type Writer struct {
	e Emitter
}

// NewWriter returns a Writer emitting into e
func NewWriter(e Emitter) *Writer {
	return &Writer{e: e}
}

// Write emits p as a single event with trailing line breaks removed. Blank
// lines are accepted and discarded. It returns ErrEventDropped when the
// emitter refused the event.
func (w *Writer) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\r\n")
	if msg == "" {
		return len(p), nil
	}
	if !w.e.Emit(msg) {
		return 0, ErrEventDropped
	}
	return len(p), nil
}

// ZerologWriter is a zerolog.LevelWriter that only forwards events at or
// above MinLevel. Use it as zerolog.New(rabbitsink.NewZerologWriter(sink, level)).
type ZerologWriter struct {
	*Writer
	MinLevel zerolog.Level
}

var _ zerolog.LevelWriter = (*ZerologWriter)(nil)

// NewZerologWriter returns a level-filtering zerolog output emitting into e
func NewZerologWriter(e Emitter, minLevel zerolog.Level) *ZerologWriter {
	return &ZerologWriter{Writer: NewWriter(e), MinLevel: minLevel}
}

// WriteLevel implements zerolog.LevelWriter
func (w *ZerologWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < w.MinLevel && level != zerolog.NoLevel {
		return len(p), nil
	}
	return w.Write(p)
}
