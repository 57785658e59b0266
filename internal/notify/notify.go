// Package notify collects operational notifications during a dispatch
// cycle and flushes them in a single batch. Notes are appended to
// logs/notify.jsonl and optionally handed to an email sink so a tick
// never blocks on SMTP.
package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/labsched/internal/shared"
)

// Sink delivers a flushed batch of notes, typically over SMTP.
type Sink interface {
	Send(subject, body string) error
}

type note struct {
	Timestamp string `json:"timestamp"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

// Manager queues notes between flushes. All methods are safe for
// concurrent use.
type Manager struct {
	mu      sync.Mutex
	file    *os.File
	pending []note
	sink    Sink
	logger  *slog.Logger
}

// NewManager opens logs/notify.jsonl under homeDir for appending.
func NewManager(homeDir string, logger *slog.Logger) (*Manager, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(logDir, "notify.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open notify log: %w", err)
	}
	return &Manager{file: f, logger: logger}, nil
}

// SetSink configures the delivery sink. Passing nil disables delivery;
// notes are still recorded in the JSONL log.
func (m *Manager) SetSink(s Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = s
}

// Enqueue records a note for the next flush. Secrets are redacted
// before the note is stored.
func (m *Manager) Enqueue(subject, body string) {
	n := note{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Subject:   shared.Redact(subject),
		Body:      shared.Redact(body),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, n)
}

// Enqueuef is Enqueue with a formatted body.
func (m *Manager) Enqueuef(subject, format string, args ...any) {
	m.Enqueue(subject, fmt.Sprintf(format, args...))
}

// Pending returns the number of queued notes.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Flush writes all queued notes to the JSONL log and, if a sink is
// configured, delivers them as one batched message. The queue is
// cleared even if delivery fails; the failure is logged and the notes
// remain in the JSONL file.
func (m *Manager) Flush() {
	m.mu.Lock()
	batch := m.pending
	m.pending = nil
	file := m.file
	sink := m.sink
	m.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	if file != nil {
		for _, n := range batch {
			b, err := json.Marshal(n)
			if err != nil {
				continue
			}
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if sink == nil {
		return
	}
	subject := batch[0].Subject
	if len(batch) > 1 {
		subject = fmt.Sprintf("%s (+%d more)", subject, len(batch)-1)
	}
	body := ""
	for _, n := range batch {
		body += n.Subject + "\n" + n.Body + "\n\n"
	}
	if err := sink.Send(subject, body); err != nil && m.logger != nil {
		m.logger.Warn("notification delivery failed", "error", err, "notes", len(batch))
	}
}

// Close flushes any remaining notes and closes the log file.
func (m *Manager) Close() error {
	m.Flush()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil
	}
	err := m.file.Close()
	m.file = nil
	return err
}
