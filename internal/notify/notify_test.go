package notify

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type fakeSink struct {
	subjects []string
	bodies   []string
	err      error
}

func (f *fakeSink) Send(subject, body string) error {
	f.subjects = append(f.subjects, subject)
	f.bodies = append(f.bodies, body)
	return f.err
}

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	home := t.TempDir()
	m, err := NewManager(home, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m, home
}

func readNotifyLog(t *testing.T, home string) []note {
	t.Helper()
	f, err := os.Open(filepath.Join(home, "logs", "notify.jsonl"))
	if err != nil {
		t.Fatalf("open notify log: %v", err)
	}
	defer f.Close()
	var notes []note
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var n note
		if err := json.Unmarshal(sc.Bytes(), &n); err != nil {
			t.Fatalf("unmarshal line %q: %v", sc.Text(), err)
		}
		notes = append(notes, n)
	}
	return notes
}

func TestFlushWritesJSONL(t *testing.T) {
	m, home := newTestManager(t)

	m.Enqueue("host down", "host chromeos1-rack2 failed repair")
	m.Enqueue("orphan process", "pid 4411 has no pidfile")
	if got := m.Pending(); got != 2 {
		t.Fatalf("Pending = %d, want 2", got)
	}

	m.Flush()
	if got := m.Pending(); got != 0 {
		t.Fatalf("Pending after flush = %d, want 0", got)
	}

	notes := readNotifyLog(t, home)
	if len(notes) != 2 {
		t.Fatalf("got %d notes, want 2", len(notes))
	}
	if notes[0].Subject != "host down" {
		t.Errorf("Subject = %q", notes[0].Subject)
	}
	if notes[1].Body != "pid 4411 has no pidfile" {
		t.Errorf("Body = %q", notes[1].Body)
	}
}

func TestFlushEmptyQueueIsNoop(t *testing.T) {
	m, home := newTestManager(t)
	m.Flush()
	data, err := os.ReadFile(filepath.Join(home, "logs", "notify.jsonl"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(data) != 0 {
		t.Errorf("expected empty log, got %q", data)
	}
}

func TestFlushBatchesToSink(t *testing.T) {
	m, _ := newTestManager(t)
	sink := &fakeSink{}
	m.SetSink(sink)

	m.Enqueue("repair failed", "host lab3 repair failed twice")
	m.Enqueuef("process lost", "pidfile %s never appeared", ".runner_execute")
	m.Flush()

	if len(sink.subjects) != 1 {
		t.Fatalf("got %d sends, want 1 batched send", len(sink.subjects))
	}
	if !strings.Contains(sink.subjects[0], "(+1 more)") {
		t.Errorf("subject = %q, want batch suffix", sink.subjects[0])
	}
	if !strings.Contains(sink.bodies[0], "never appeared") {
		t.Errorf("body missing second note: %q", sink.bodies[0])
	}
}

func TestFlushClearsQueueOnSinkError(t *testing.T) {
	m, home := newTestManager(t)
	m.SetSink(&fakeSink{err: errors.New("relay refused")})

	m.Enqueue("stuck task", "special task 9 queued for 2h")
	m.Flush()

	if got := m.Pending(); got != 0 {
		t.Fatalf("Pending = %d, want 0 (no redelivery)", got)
	}
	// Note still lands in the durable log.
	if notes := readNotifyLog(t, home); len(notes) != 1 {
		t.Fatalf("got %d notes in log, want 1", len(notes))
	}
}

func TestEnqueueRedactsSecrets(t *testing.T) {
	m, home := newTestManager(t)
	m.Enqueue("config problem", `smtp_password: "hunter2secret"`)
	m.Flush()

	notes := readNotifyLog(t, home)
	if len(notes) != 1 {
		t.Fatalf("got %d notes, want 1", len(notes))
	}
	if strings.Contains(notes[0].Body, "hunter2secret") {
		t.Errorf("secret leaked into log: %q", notes[0].Body)
	}
}

func TestNewSMTPSink(t *testing.T) {
	if s := NewSMTPSink("mail:25", "sched@lab", ""); s != nil {
		t.Error("expected nil sink with no recipients")
	}
	s := NewSMTPSink("", "sched@lab", "oncall@lab, lab-admins@lab")
	if s == nil {
		t.Fatal("expected sink")
	}
	if s.Server != "localhost:25" {
		t.Errorf("Server = %q", s.Server)
	}
	if len(s.To) != 2 || s.To[1] != "lab-admins@lab" {
		t.Errorf("To = %v", s.To)
	}
}
