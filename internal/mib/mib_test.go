package mib

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/cfdp/internal/pdu"
	"github.com/danmuck/cfdp/internal/testutil/testlog"
)

func TestDefaultsForUnknownRemote(t *testing.T) {
	testlog.Start(t)
	m := New(1)

	if got := m.MaximumFileSegmentLength(42); got != 4096 {
		t.Fatalf("unexpected default segment length %d", got)
	}
	if got := m.TransmissionMode(42); got != pdu.Unacknowledged {
		t.Fatalf("unexpected default mode %v", got)
	}
	if got := m.Remote(42).EntityID; got != 42 {
		t.Fatalf("default record not stamped with id: %d", got)
	}
	if got := m.FaultHandler(pdu.FileChecksumFailure); got != Ignore {
		t.Fatalf("unset fault handler should be ignore, got %v", got)
	}
}

func TestDumpLoadRoundTrip(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()

	src := New(7)
	src.SetFaultHandler(pdu.FileChecksumFailure, Cancel)
	src.SetFaultHandler(pdu.InactivityDetected, Abandon)
	remote := DefaultRemoteEntity(9)
	remote.UTAddress = "127.0.0.1:4555"
	remote.AckTimeout = 3 * time.Second
	remote.MaximumFileSegmentLength = 1024
	remote.TransmissionMode = pdu.Acknowledged
	src.SetRemote(remote)

	if err := src.Dump(dir); err != nil {
		t.Fatalf("dump: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "local_7.toml")); err != nil {
		t.Fatalf("expected local file: %v", err)
	}

	dst := New(7)
	if err := dst.Load(dir); err != nil {
		t.Fatalf("load: %v", err)
	}
	if dst.FaultHandler(pdu.FileChecksumFailure) != Cancel || dst.FaultHandler(pdu.InactivityDetected) != Abandon {
		t.Fatalf("fault handlers not restored: %+v", dst.Local().FaultHandlers)
	}
	got := dst.Remote(9)
	if got != remote {
		t.Fatalf("remote mismatch:\n got=%+v\nwant=%+v", got, remote)
	}
}

func TestLoadMissingFilesKeepsDefaults(t *testing.T) {
	testlog.Start(t)
	m := New(3)
	if err := m.Load(filepath.Join(t.TempDir(), "absent")); err != nil {
		t.Fatalf("load of missing dir should not fail: %v", err)
	}
	if !m.IssueEOFSent() || m.AckLimit(1) != 2 {
		t.Fatalf("defaults changed after missing load")
	}
}

func TestLoadPartialRemoteOverlaysDefaults(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	body := "entity_id = 5\nnak_limit = 9\ntransmission_mode = \"ack\"\n"
	if err := os.WriteFile(filepath.Join(dir, RemoteFileName(5)), []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m := New(1)
	if err := m.Load(dir); err != nil {
		t.Fatalf("load: %v", err)
	}
	r := m.Remote(5)
	if r.NakLimit != 9 || r.TransmissionMode != pdu.Acknowledged {
		t.Fatalf("overrides not applied: %+v", r)
	}
	if r.MaximumFileSegmentLength != 4096 || r.InactivityTimeout != 30*time.Second {
		t.Fatalf("defaults not kept: %+v", r)
	}
}

func TestLoadRejectsUnknownHandler(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	body := "entity_id = 1\n[fault_handlers]\nfile_size_error = \"explode\"\n"
	if err := os.WriteFile(filepath.Join(dir, LocalFileName(1)), []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := New(1).Load(dir); err == nil {
		t.Fatalf("expected unknown handler error")
	}
}
