package transport

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/cfdp/internal/mib"
	"github.com/danmuck/cfdp/internal/pdu"
	"github.com/danmuck/cfdp/internal/testutil/testlog"
)

func recvWithin(t *testing.T, ch <-chan []byte, d time.Duration) []byte {
	t.Helper()
	select {
	case raw, ok := <-ch:
		if !ok {
			t.Fatalf("receive channel closed")
		}
		return raw
	case <-time.After(d):
		t.Fatalf("nothing received within %s", d)
		return nil
	}
}

func TestPipeDeliversToPeer(t *testing.T) {
	testlog.Start(t)
	a, b := NewPipe(1)
	id := pdu.TransactionID{Source: 1, Sequence: 1}
	msg := []byte{1, 2, 3}
	if err := a.Send(2, id, msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	msg[0] = 9
	if got := recvWithin(t, b.Receive(), time.Second); !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Fatalf("unexpected payload %v", got)
	}
	if err := a.Send(2, id, msg); err != nil {
		t.Fatalf("second send: %v", err)
	}
	if err := a.Send(2, id, msg); !errors.Is(err, ErrBufferFull) {
		t.Fatalf("expected ErrBufferFull, got %v", err)
	}
	b.Close()
	b.Close()
	if err := a.Send(2, id, msg); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after peer close, got %v", err)
	}
}

func TestDirWritesNamedFilesAndDeliversInbound(t *testing.T) {
	testlog.Start(t)
	root := t.TempDir()
	out := filepath.Join(root, "out")
	in := filepath.Join(root, "in")

	if err := os.MkdirAll(in, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(in, "early.pdu"), []byte("early"), 0o644); err != nil {
		t.Fatalf("seed inbound: %v", err)
	}

	d, err := NewDir(out, in)
	if err != nil {
		t.Fatalf("new dir: %v", err)
	}
	defer d.Close()

	if got := recvWithin(t, d.Receive(), 2*time.Second); string(got) != "early" {
		t.Fatalf("unexpected initial scan payload %q", got)
	}

	id := pdu.TransactionID{Source: 1, Sequence: 42}
	if err := d.Send(7, id, []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(out, "entity7_tx42_1.pdu"))
	if err != nil || string(raw) != "hello" {
		t.Fatalf("unexpected outbound file %q err=%v", raw, err)
	}

	tmp := filepath.Join(in, ".late.pdu")
	if err := os.WriteFile(tmp, []byte("late"), 0o644); err != nil {
		t.Fatalf("write temp: %v", err)
	}
	if err := os.Rename(tmp, filepath.Join(in, "late.pdu")); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if got := recvWithin(t, d.Receive(), 2*time.Second); string(got) != "late" {
		t.Fatalf("unexpected watched payload %q", got)
	}

	d.consume(filepath.Join(in, "late.pdu"))
	select {
	case raw := <-d.Receive():
		t.Fatalf("file delivered twice: %q", raw)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUDPRoundTripUsesMIBAddresses(t *testing.T) {
	testlog.Start(t)
	mibA := mib.New(1)
	mibB := mib.New(2)

	a, err := ListenUDP("127.0.0.1:0", mibA)
	if err != nil {
		t.Fatalf("listen a: %v", err)
	}
	defer a.Close()
	b, err := ListenUDP("127.0.0.1:0", mibB)
	if err != nil {
		t.Fatalf("listen b: %v", err)
	}
	defer b.Close()

	remote := mib.DefaultRemoteEntity(2)
	remote.UTAddress = b.Addr().String()
	mibA.SetRemote(remote)

	id := pdu.TransactionID{Source: 1, Sequence: 3}
	if err := a.Send(2, id, []byte("datagram")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := recvWithin(t, b.Receive(), 2*time.Second); string(got) != "datagram" {
		t.Fatalf("unexpected datagram %q", got)
	}
	if err := b.Send(1, id, []byte("reply")); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := <-a.Receive(); ok {
		t.Fatalf("receive channel should close with the transport")
	}
}
