package rabbitsink

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingEmitter keeps emitted events, or refuses them when full is set
type recordingEmitter struct {
	mu     sync.Mutex
	events []string
	full   bool
}

func (r *recordingEmitter) Emit(message string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return false
	}
	r.events = append(r.events, message)
	return true
}

func (r *recordingEmitter) decode(t *testing.T, i int) map[string]any {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.Greater(t, len(r.events), i)
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(r.events[i]), &out), r.events[i])
	return out
}

func TestWriter(t *testing.T) {
	t.Run("one event per write", func(t *testing.T) {
		e := &recordingEmitter{}
		w := NewWriter(e)

		n, err := w.Write([]byte("first line\n"))
		require.NoError(t, err)
		assert.Equal(t, 11, n)

		_, err = w.Write([]byte("second\r\n"))
		require.NoError(t, err)

		assert.Equal(t, []string{"first line", "second"}, e.events)
	})

	t.Run("blank lines are skipped", func(t *testing.T) {
		e := &recordingEmitter{}
		n, err := NewWriter(e).Write([]byte("\n"))
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Empty(t, e.events)
	})

	t.Run("dropped event", func(t *testing.T) {
		n, err := NewWriter(&recordingEmitter{full: true}).Write([]byte("x\n"))
		assert.ErrorIs(t, err, ErrEventDropped)
		assert.Zero(t, n)
	})
}

func TestZerologOutput(t *testing.T) {
	t.Run("plain writer", func(t *testing.T) {
		e := &recordingEmitter{}
		logger := zerolog.New(NewWriter(e))

		logger.Info().Str("component", "billing").Msg("invoice sent")

		out := e.decode(t, 0)
		assert.Equal(t, "info", out["level"])
		assert.Equal(t, "invoice sent", out["message"])
		assert.Equal(t, "billing", out["component"])
	})

	t.Run("level writer filters", func(t *testing.T) {
		e := &recordingEmitter{}
		logger := zerolog.New(NewZerologWriter(e, zerolog.WarnLevel))

		logger.Debug().Msg("noise")
		logger.Info().Msg("noise")
		logger.Error().Msg("disk full")

		require.Len(t, e.events, 1)
		assert.Equal(t, "disk full", e.decode(t, 0)["message"])
	})
}

func TestHandler(t *testing.T) {
	t.Run("json by default", func(t *testing.T) {
		e := &recordingEmitter{}
		logger := slog.New(NewHandler(e, nil))

		logger.Info("user logged in", "userId", 42)

		out := e.decode(t, 0)
		assert.Equal(t, "INFO", out["level"])
		assert.Equal(t, "user logged in", out["msg"])
		assert.Equal(t, float64(42), out["userId"])
	})

	t.Run("minimum level", func(t *testing.T) {
		e := &recordingEmitter{}
		logger := slog.New(NewHandler(e, &HandlerOptions{Level: slog.LevelWarn}))

		logger.Info("skipped")
		logger.Warn("kept")

		require.Len(t, e.events, 1)
		assert.Equal(t, "kept", e.decode(t, 0)["msg"])
	})

	t.Run("attrs and groups", func(t *testing.T) {
		e := &recordingEmitter{}
		logger := slog.New(NewHandler(e, nil)).With("app", "orders").WithGroup("req")

		logger.Info("handled", "id", "abc")

		out := e.decode(t, 0)
		assert.Equal(t, "orders", out["app"])
		assert.Equal(t, map[string]any{"id": "abc"}, out["req"])
	})

	t.Run("text format", func(t *testing.T) {
		e := &recordingEmitter{}
		logger := slog.New(NewHandler(e, &HandlerOptions{Format: FormatText}))

		logger.Error("boom", "code", 7)

		require.Len(t, e.events, 1)
		assert.Contains(t, e.events[0], "level=ERROR")
		assert.Contains(t, e.events[0], "msg=boom")
		assert.Contains(t, e.events[0], "code=7")
		assert.False(t, strings.HasSuffix(e.events[0], "\n"))
	})

	t.Run("dropped event is reported", func(t *testing.T) {
		h := NewHandler(&recordingEmitter{full: true}, nil)
		err := h.Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelInfo, "lost", 0))
		assert.ErrorIs(t, err, ErrEventDropped)
	})
}

func TestHook(t *testing.T) {
	newLogger := func(h *Hook) *logrus.Logger {
		logger := logrus.New()
		logger.Out = io.Discard
		logger.AddHook(h)
		return logger
	}

	t.Run("json entries", func(t *testing.T) {
		e := &recordingEmitter{}
		logger := newLogger(NewHook(e, nil))

		logger.WithField("orderId", "o-1").Warn("payment retried")

		out := e.decode(t, 0)
		assert.Equal(t, "warning", out["level"])
		assert.Equal(t, "payment retried", out["msg"])
		assert.Equal(t, "o-1", out["orderId"])
	})

	t.Run("configured levels", func(t *testing.T) {
		e := &recordingEmitter{}
		hook := NewHook(e, &HookOptions{Levels: []logrus.Level{logrus.ErrorLevel}})
		assert.Equal(t, []logrus.Level{logrus.ErrorLevel}, hook.Levels())

		logger := newLogger(hook)
		logger.Info("ignored")
		logger.Error("reported")

		require.Len(t, e.events, 1)
		assert.Equal(t, "reported", e.decode(t, 0)["msg"])
	})

	t.Run("custom formatter", func(t *testing.T) {
		e := &recordingEmitter{}
		logger := newLogger(NewHook(e, &HookOptions{
			Formatter: &logrus.TextFormatter{DisableTimestamp: true, DisableColors: true},
		}))

		logger.Info("hello")

		require.Len(t, e.events, 1)
		assert.Equal(t, `level=info msg=hello`, e.events[0])
	})

	t.Run("dropped event", func(t *testing.T) {
		hook := NewHook(&recordingEmitter{full: true}, nil)
		err := hook.Fire(logrus.NewEntry(logrus.New()))
		assert.ErrorIs(t, err, ErrEventDropped)
	})
}

func TestHandlerThroughSink(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewSink(pub, SinkConfig{Period: time.Hour}, quietSelfLog())
	logger := slog.New(NewHandler(sink, nil))

	logger.Info("first")
	logger.Info("second")
	require.NoError(t, sink.Close(context.Background()))

	got := pub.published()
	require.Len(t, got, 2)
	assert.Contains(t, got[0], `"msg":"first"`)
	assert.Contains(t, got[1], `"msg":"second"`)
}
