package rabbitsink

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// HookOptions configures a Hook
type HookOptions struct {
	// Levels the hook fires for. Defaults to logrus.AllLevels.
	Levels []logrus.Level
	// Formatter renders entries. Defaults to &logrus.JSONFormatter{}.
	Formatter logrus.Formatter
}

// Hook is a logrus.Hook that emits every entry as one event
type Hook struct {
	e         Emitter
	levels    []logrus.Level
	formatter logrus.Formatter
}

var _ logrus.Hook = (*Hook)(nil)

// NewHook returns a Hook emitting into e. A nil opts uses the defaults.
func NewHook(e Emitter, opts *HookOptions) *Hook {
	h := &Hook{
		e:         e,
		levels:    logrus.AllLevels,
		formatter: &logrus.JSONFormatter{},
	}
	if opts != nil {
		if len(opts.Levels) > 0 {
			h.levels = append([]logrus.Level(nil), opts.Levels...)
		}
		if opts.Formatter != nil {
			h.formatter = opts.Formatter
		}
	}
	return h
}

// Levels implements logrus.Hook
func (h *Hook) Levels() []logrus.Level {
	return h.levels
}

// Fire implements logrus.Hook
func (h *Hook) Fire(entry *logrus.Entry) error {
	b, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	msg := strings.TrimRight(string(b), "\r\n")
	if !h.e.Emit(msg) {
		return ErrEventDropped
	}
	return nil
}
