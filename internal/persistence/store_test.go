package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/basket/labsched/internal/bus"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "labsched.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestStoreWithBus(t *testing.T) (*Store, *bus.Bus) {
	t.Helper()
	b := bus.New()
	s, err := Open(filepath.Join(t.TempDir(), "labsched.db"), b)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, b
}

func TestOpenCreatesSchema(t *testing.T) {
	s := newTestStore(t)

	var version int
	var checksum string
	err := s.db.QueryRow(`SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1;`).Scan(&version, &checksum)
	if err != nil {
		t.Fatalf("read migration row: %v", err)
	}
	if version != schemaVersionLatest {
		t.Errorf("version = %d, want %d", version, schemaVersionLatest)
	}
	if checksum != schemaChecksumLatest {
		t.Errorf("checksum = %q, want %q", checksum, schemaChecksumLatest)
	}
}

func TestOpenReusesExistingSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labsched.db")
	s1, err := Open(path, nil)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	s1.Close()

	s2, err := Open(path, nil)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	s2.Close()
}

func TestOpenRejectsChecksumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labsched.db")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.db.Exec(`UPDATE schema_migrations SET checksum = 'tampered' WHERE version = ?;`, schemaVersionLatest); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	s.Close()

	if _, err := Open(path, nil); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestRetryOnBusyGivesUpOnOtherErrors(t *testing.T) {
	calls := 0
	sentinel := errors.New("constraint violation")
	err := retryOnBusy(context.Background(), 5, func() error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want sentinel", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on non-busy error)", calls)
	}
}

func TestRetryOnBusyRetriesBusyErrors(t *testing.T) {
	calls := 0
	err := retryOnBusy(context.Background(), 5, func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("err = %v, want nil after retries", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestIsSQLiteBusy(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("database is locked"), true},
		{errors.New("database table is locked"), true},
		{errors.New("SQLITE_BUSY (5)"), true},
		{errors.New("UNIQUE constraint failed"), false},
	}
	for _, tc := range cases {
		if got := isSQLiteBusy(tc.err); got != tc.want {
			t.Errorf("isSQLiteBusy(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
