package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/basket/labsched/internal/bus"
)

func mustCreateHost(t *testing.T, s *Store, hostname string) *Host {
	t.Helper()
	h := &Host{Hostname: hostname}
	if err := s.CreateHost(context.Background(), h); err != nil {
		t.Fatalf("CreateHost(%q): %v", hostname, err)
	}
	return h
}

func TestCreateHostDefaults(t *testing.T) {
	s := newTestStore(t)
	h := mustCreateHost(t, s, "lab1")

	got, err := s.GetHost(context.Background(), h.ID)
	if err != nil {
		t.Fatalf("GetHost: %v", err)
	}
	if got.Status != HostStatusReady {
		t.Errorf("Status = %q, want Ready", got.Status)
	}
	if got.Protection != ProtectionNormal {
		t.Errorf("Protection = %q, want normal", got.Protection)
	}
	if got.Dirty || got.Locked || got.Invalid {
		t.Errorf("flags should default false: %+v", got)
	}
}

func TestHostLabels(t *testing.T) {
	s := newTestStore(t)
	h := &Host{Hostname: "lab2", Labels: []string{"pool:suites", "board:link"}}
	if err := s.CreateHost(context.Background(), h); err != nil {
		t.Fatalf("CreateHost: %v", err)
	}
	got, err := s.HostByHostname(context.Background(), "lab2")
	if err != nil {
		t.Fatalf("HostByHostname: %v", err)
	}
	if !got.HasLabel("board:link") {
		t.Errorf("missing label, got %v", got.Labels)
	}
	if got.HasLabel("pool:bvt") {
		t.Error("unexpected label match")
	}
}

func TestSetHostStatusRejectsUnknown(t *testing.T) {
	s := newTestStore(t)
	h := mustCreateHost(t, s, "lab3")
	if err := s.SetHostStatus(context.Background(), h.ID, "Exploded"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestSetHostStatusPublishesEvent(t *testing.T) {
	s, b := newTestStoreWithBus(t)
	h := mustCreateHost(t, s, "lab4")

	sub := b.Subscribe(bus.TopicHostStatusChanged)
	defer b.Unsubscribe(sub)

	if err := s.SetHostStatus(context.Background(), h.ID, HostStatusVerifying); err != nil {
		t.Fatalf("SetHostStatus: %v", err)
	}

	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(bus.HostStatusChangedEvent)
		if !ok {
			t.Fatalf("payload type %T", ev.Payload)
		}
		if payload.OldStatus != "Ready" || payload.NewStatus != "Verifying" {
			t.Errorf("event = %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

func TestReadyHostsExcludesBusyAndLocked(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ready := mustCreateHost(t, s, "ready1")
	locked := mustCreateHost(t, s, "locked1")
	busy := mustCreateHost(t, s, "busy1")
	repairing := mustCreateHost(t, s, "repairing1")

	if err := s.SetHostLocked(ctx, locked.ID, true); err != nil {
		t.Fatalf("SetHostLocked: %v", err)
	}
	if err := s.SetHostStatus(ctx, repairing.ID, HostStatusRepairing); err != nil {
		t.Fatalf("SetHostStatus: %v", err)
	}

	// Occupy busy1 with an in-flight entry.
	job := &Job{Name: "suite"}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	e := &HostQueueEntry{JobID: job.ID, HostID: &busy.ID, Status: EntryStatusVerifying}
	if err := s.CreateEntry(ctx, e); err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}

	hosts, err := s.ReadyHosts(ctx)
	if err != nil {
		t.Fatalf("ReadyHosts: %v", err)
	}
	if len(hosts) != 1 || hosts[0].ID != ready.ID {
		t.Fatalf("ReadyHosts = %v, want only ready1", hostnames(hosts))
	}
}

func TestSetHostDirty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	h := mustCreateHost(t, s, "lab5")

	if err := s.SetHostDirty(ctx, h.ID, true); err != nil {
		t.Fatalf("SetHostDirty: %v", err)
	}
	got, _ := s.GetHost(ctx, h.ID)
	if !got.Dirty {
		t.Error("host should be dirty")
	}
	if err := s.SetHostDirty(ctx, h.ID, false); err != nil {
		t.Fatalf("SetHostDirty: %v", err)
	}
	got, _ = s.GetHost(ctx, h.ID)
	if got.Dirty {
		t.Error("host should be clean")
	}
}

func TestHostsInStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := mustCreateHost(t, s, "a")
	b := mustCreateHost(t, s, "b")
	mustCreateHost(t, s, "c")

	if err := s.SetHostStatus(ctx, a.ID, HostStatusRepairing); err != nil {
		t.Fatal(err)
	}
	if err := s.SetHostStatus(ctx, b.ID, HostStatusRepairFailed); err != nil {
		t.Fatal(err)
	}

	hosts, err := s.HostsInStatus(ctx, HostStatusRepairing, HostStatusRepairFailed)
	if err != nil {
		t.Fatalf("HostsInStatus: %v", err)
	}
	if len(hosts) != 2 {
		t.Fatalf("got %v, want a and b", hostnames(hosts))
	}
}

func hostnames(hosts []*Host) []string {
	names := make([]string, len(hosts))
	for i, h := range hosts {
		names[i] = h.Hostname
	}
	return names
}
