// Package eventlog appends client telemetry batches to a local file. The
// CLI posts these fire-and-forget; nothing is forwarded upstream.
package eventlog

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// Logger appends timestamped entries to a single file. Safe for concurrent
// use. A zero path disables logging entirely.
type Logger struct {
	mu   sync.Mutex
	path string
}

func New(path string) *Logger {
	return &Logger{path: path}
}

// Enabled reports whether entries are persisted.
func (l *Logger) Enabled() bool { return l.path != "" }

// Append writes one entry as "[<rfc3339>] <body>\n".
func (l *Logger) Append(body []byte) error {
	if l.path == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	line := fmt.Sprintf("[%s] %s\n", time.Now().UTC().Format(time.RFC3339), body)
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("write event log: %w", err)
	}
	return nil
}
