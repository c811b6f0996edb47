package supervisor

import (
	"bytes"
	"context"
	"strings"
	"sync"

	"github.com/loomstudio/loom/internal/eventbus"
)

const maxLogLineLength = 2048

// logWriter publishes worker stderr lines on the event bus so the UI can
// stream them without tailing files.
type logWriter struct {
	bus   *eventbus.Bus
	level eventbus.LogLevel

	mu  sync.Mutex
	buf bytes.Buffer
}

func newLogWriter(bus *eventbus.Bus, level eventbus.LogLevel) *logWriter {
	return &logWriter{bus: bus, level: level}
}

func (w *logWriter) Write(p []byte) (int, error) {
	if w.bus == nil {
		return len(p), nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		data := w.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		w.publish(string(bytes.TrimRight(data[:idx], "\r")))
		w.buf.Next(idx + 1)
	}

	// Flush oversized partial lines to bound memory.
	if w.buf.Len() > 16*1024 {
		w.publish(strings.TrimSpace(w.buf.String()))
		w.buf.Reset()
	}
	return len(p), nil
}

func (w *logWriter) Close() {
	if w.bus == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.publish(strings.TrimSpace(w.buf.String()))
		w.buf.Reset()
	}
}

func (w *logWriter) publish(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	if len(line) > maxLogLineLength {
		line = line[:maxLogLineLength] + " ...[truncated]"
	}
	eventbus.Publish(context.Background(), w.bus, eventbus.PluginLog, eventbus.SourceWorker, eventbus.PluginLogEvent{
		Level: w.level,
		Line:  line,
	})
}
