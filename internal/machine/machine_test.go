package machine

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/cfdp/internal/filestore"
	"github.com/danmuck/cfdp/internal/mib"
	"github.com/danmuck/cfdp/internal/pdu"
	"github.com/danmuck/cfdp/internal/testutil/testlog"
	"github.com/danmuck/cfdp/internal/timer"
)

type harness struct {
	t     *testing.T
	clock *timer.ManualClock
	mib   *mib.MIB
	store *filestore.Store
	sent  []*pdu.PDU
	inds  []Indication
}

func newHarness(t *testing.T, local pdu.EntityID) *harness {
	t.Helper()
	root := t.TempDir()
	store, err := filestore.New(filestore.Config{
		OutgoingDir: filepath.Join(root, "out"),
		IncomingDir: filepath.Join(root, "in"),
		TempDir:     filepath.Join(root, "tmp"),
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return &harness{
		t:     t,
		clock: timer.NewManualClock(time.Unix(1_700_000_000, 0)),
		mib:   mib.New(local),
		store: store,
	}
}

func (h *harness) deps() Deps {
	return Deps{
		MIB:    h.mib,
		Store:  h.store,
		Clock:  h.clock,
		Send:   func(p *pdu.PDU) { h.sent = append(h.sent, p) },
		Notify: func(ind Indication) { h.inds = append(h.inds, ind) },
	}
}

func (h *harness) drain() []*pdu.PDU {
	out := h.sent
	h.sent = nil
	return out
}

func (h *harness) writeSource(name string, data []byte) {
	h.t.Helper()
	if err := os.WriteFile(filepath.Join(h.store.Config().OutgoingDir, name), data, 0o644); err != nil {
		h.t.Fatalf("write source: %v", err)
	}
}

func (h *harness) remote(id pdu.EntityID, segment int, mode pdu.TransmissionMode) {
	r := mib.DefaultRemoteEntity(id)
	r.MaximumFileSegmentLength = segment
	r.TransmissionMode = mode
	h.mib.SetRemote(r)
}

func (h *harness) indicated(kind IndicationKind) int {
	n := 0
	for _, ind := range h.inds {
		if ind.Kind == kind {
			n++
		}
	}
	return n
}

func patterned(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i % 251)
	}
	return out
}

func feed(t *testing.T, m Machine, pdus []*pdu.PDU) {
	t.Helper()
	for _, p := range pdus {
		ev, ok := EventFor(p)
		if !ok {
			t.Fatalf("no event for %s", p.Kind())
		}
		m.UpdateState(ev, p, nil)
	}
}

// pump drives both outbound events until done reports true.
func pump(t *testing.T, m Machine, done func() bool) {
	t.Helper()
	for i := 0; i < 200; i++ {
		if done() {
			return
		}
		m.UpdateState(SendFileDirective, nil, nil)
		if done() {
			return
		}
		m.UpdateState(SendFileData, nil, nil)
	}
	t.Fatalf("pump did not converge: state=%s", m.State())
}

func putRequest(dest pdu.EntityID, src, dst string) *Request {
	return &Request{Destination: dest, SourcePath: src, DestinationPath: dst}
}

func TestClass1TransferDeliversFile(t *testing.T) {
	testlog.Start(t)
	tx := newHarness(t, 1)
	rx := newHarness(t, 2)
	data := patterned(10 * 1024)
	tx.writeSource("report.bin", data)
	tx.remote(2, 1024, pdu.Unacknowledged)

	sender := New(RoleSenderClass1, tx.deps(), pdu.Header{Source: 1, Sequence: 7})
	sender.UpdateState(ReceivedPutRequest, nil, putRequest(2, "report.bin", "copy/report.bin"))
	pump(t, sender, sender.Finished)

	out := tx.drain()
	if len(out) != 12 {
		t.Fatalf("expected metadata + 10 segments + eof, got %d pdus", len(out))
	}
	if _, ok := out[0].Body.(*pdu.Metadata); !ok {
		t.Fatalf("first pdu %s, want metadata", out[0].Kind())
	}
	for i, p := range out[1:11] {
		fd, ok := p.Body.(*pdu.FileData)
		if !ok || fd.SegmentOffset != uint32(i*1024) || len(fd.Data) != 1024 {
			t.Fatalf("segment %d unexpected: %+v", i, p.Body)
		}
	}
	eof, ok := out[11].Body.(*pdu.EOF)
	if !ok || eof.FileSize != 10*1024 || eof.ConditionCode != pdu.NoError {
		t.Fatalf("unexpected eof: %+v", out[11].Body)
	}
	if got := sender.Report().FinalStatus; got != FinalSuccessful {
		t.Fatalf("sender final status %s", got)
	}
	if tx.indicated(IndicationEOFSent) != 1 || tx.indicated(IndicationTransactionFinished) != 1 {
		t.Fatalf("unexpected sender indications: %+v", tx.inds)
	}

	receiver := New(RoleReceiverClass1, rx.deps(), out[0].Header)
	feed(t, receiver, out)
	if !receiver.Finished() {
		t.Fatalf("receiver not finished: state=%s", receiver.State())
	}
	rep := receiver.Report()
	if rep.FinalStatus != FinalSuccessful || rep.FileStatus != pdu.FileRetained {
		t.Fatalf("unexpected receiver report: %+v", rep)
	}
	got, err := os.ReadFile(filepath.Join(rx.store.Config().IncomingDir, "copy", "report.bin"))
	if err != nil {
		t.Fatalf("read delivered file: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("delivered file differs")
	}
	if len(rx.drain()) != 0 {
		t.Fatalf("class 1 receiver must not emit pdus")
	}
}

func TestClass1ReceiverReassemblesOutOfOrder(t *testing.T) {
	testlog.Start(t)
	tx := newHarness(t, 1)
	rx := newHarness(t, 2)
	data := patterned(3000)
	tx.writeSource("a.bin", data)
	tx.remote(2, 1000, pdu.Unacknowledged)

	sender := New(RoleSenderClass1, tx.deps(), pdu.Header{Source: 1, Sequence: 1})
	sender.UpdateState(ReceivedPutRequest, nil, putRequest(2, "a.bin", "a.bin"))
	pump(t, sender, sender.Finished)
	out := tx.drain()

	// metadata, segments reversed and one duplicated, then eof
	shuffled := []*pdu.PDU{out[0], out[3], out[2], out[2], out[1], out[4]}
	receiver := New(RoleReceiverClass1, rx.deps(), out[0].Header)
	feed(t, receiver, shuffled)

	rep := receiver.Report()
	if rep.FinalStatus != FinalSuccessful || rep.Progress != 3000 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	got, err := os.ReadFile(filepath.Join(rx.store.Config().IncomingDir, "a.bin"))
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("reassembled file differs err=%v", err)
	}
}

func TestClass1ChecksumMismatchDiscardsFile(t *testing.T) {
	testlog.Start(t)
	tx := newHarness(t, 1)
	rx := newHarness(t, 2)
	tx.writeSource("a.bin", patterned(2048))
	tx.remote(2, 1024, pdu.Unacknowledged)

	sender := New(RoleSenderClass1, tx.deps(), pdu.Header{Source: 1, Sequence: 2})
	sender.UpdateState(ReceivedPutRequest, nil, putRequest(2, "a.bin", "a.bin"))
	pump(t, sender, sender.Finished)
	out := tx.drain()
	eof := out[len(out)-1].Body.(*pdu.EOF)
	eof.FileChecksum++

	receiver := New(RoleReceiverClass1, rx.deps(), out[0].Header)
	feed(t, receiver, out)
	rep := receiver.Report()
	if rep.FinalStatus != FinalFailed || rep.ConditionCode != pdu.FileChecksumFailure {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if rep.DeliveryCode != pdu.DataIncomplete || rep.FileStatus != pdu.FileDiscardedDeliberately {
		t.Fatalf("unexpected delivery: %+v", rep)
	}
	if _, err := os.Stat(filepath.Join(rx.store.Config().IncomingDir, "a.bin")); !os.IsNotExist(err) {
		t.Fatalf("file should not be delivered, stat err=%v", err)
	}
	if rx.indicated(IndicationFault) != 1 {
		t.Fatalf("expected one fault indication")
	}
}

func TestClass1ReceiverEOFWithoutMetadata(t *testing.T) {
	testlog.Start(t)
	rx := newHarness(t, 2)
	hdr := pdu.Header{Mode: pdu.Unacknowledged, Source: 1, Sequence: 3, Destination: 2}
	receiver := New(RoleReceiverClass1, rx.deps(), hdr)
	receiver.UpdateState(ReceivedEOFNoError, &pdu.PDU{Header: hdr, Body: &pdu.EOF{FileSize: 10}}, nil)
	if got := receiver.Report().FinalStatus; got != FinalNoMetadata {
		t.Fatalf("final status %s, want no_metadata", got)
	}
}

func TestReceiverInactivityAbandons(t *testing.T) {
	testlog.Start(t)
	rx := newHarness(t, 2)
	rx.mib.SetFaultHandler(pdu.InactivityDetected, mib.Abandon)
	hdr := pdu.Header{Mode: pdu.Unacknowledged, Source: 1, Sequence: 4, Destination: 2}
	receiver := New(RoleReceiverClass1, rx.deps(), hdr)
	md := &pdu.Metadata{FileTransfer: true, FileSize: 100, SourceName: "a", DestinationName: "b"}
	receiver.UpdateState(ReceivedMetadata, &pdu.PDU{Header: hdr, Body: md}, nil)

	if _, ok := receiver.ExpiredTimer(); ok {
		t.Fatalf("timer expired too early")
	}
	rx.clock.Advance(31 * time.Second)
	ev, ok := receiver.ExpiredTimer()
	if !ok || ev != InactivityTimerExpired {
		t.Fatalf("expected inactivity expiry, got %s ok=%v", ev, ok)
	}
	receiver.UpdateState(ev, nil, nil)
	rep := receiver.Report()
	if !rep.Abandoned || rep.FinalStatus != FinalAbandoned || rep.ConditionCode != pdu.InactivityDetected {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if _, ok := receiver.ExpiredTimer(); ok {
		t.Fatalf("finished transaction reports expired timers")
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	testlog.Start(t)
	tx := newHarness(t, 1)
	tx.writeSource("a.bin", patterned(4096))
	tx.remote(2, 1024, pdu.Unacknowledged)

	sender := New(RoleSenderClass1, tx.deps(), pdu.Header{Source: 1, Sequence: 5})
	sender.UpdateState(ReceivedPutRequest, nil, putRequest(2, "a.bin", "a.bin"))
	sender.UpdateState(SendFileDirective, nil, nil)
	sender.UpdateState(SendFileData, nil, nil)
	sender.UpdateState(SendFileData, nil, nil)

	sender.UpdateState(ReceivedCancelRequest, nil, nil)
	sender.UpdateState(ReceivedCancelRequest, nil, nil)
	sender.UpdateState(SendFileData, nil, nil)
	sender.UpdateState(SendFileDirective, nil, nil)
	sender.UpdateState(ReceivedCancelRequest, nil, nil)

	var eofs []*pdu.EOF
	for _, p := range tx.drain() {
		if eof, ok := p.Body.(*pdu.EOF); ok {
			eofs = append(eofs, eof)
		}
	}
	if len(eofs) != 1 {
		t.Fatalf("expected one eof, got %d", len(eofs))
	}
	if eofs[0].ConditionCode != pdu.CancelRequestReceived || eofs[0].FileSize != 2048 {
		t.Fatalf("unexpected cancel eof: %+v", eofs[0])
	}
	rep := sender.Report()
	if !rep.Finished || rep.FinalStatus != FinalCancelled {
		t.Fatalf("unexpected report: %+v", rep)
	}
}

func TestCancelBeforePutFinishes(t *testing.T) {
	testlog.Start(t)
	tx := newHarness(t, 1)
	sender := New(RoleSenderClass2, tx.deps(), pdu.Header{Source: 1, Sequence: 6})
	sender.UpdateState(ReceivedCancelRequest, nil, nil)
	if !sender.Finished() || sender.Report().FinalStatus != FinalCancelled {
		t.Fatalf("unexpected report: %+v", sender.Report())
	}
	if len(tx.drain()) != 0 {
		t.Fatalf("no pdus expected")
	}
}

func TestSuspendHoldsOutput(t *testing.T) {
	testlog.Start(t)
	tx := newHarness(t, 1)
	tx.writeSource("a.bin", patterned(2048))
	tx.remote(2, 1024, pdu.Unacknowledged)

	sender := New(RoleSenderClass1, tx.deps(), pdu.Header{Source: 1, Sequence: 8})
	sender.UpdateState(ReceivedPutRequest, nil, putRequest(2, "a.bin", "a.bin"))
	sender.UpdateState(ReceivedSuspendRequest, nil, nil)
	sender.UpdateState(ReceivedSuspendRequest, nil, nil)
	for i := 0; i < 5; i++ {
		sender.UpdateState(SendFileDirective, nil, nil)
		sender.UpdateState(SendFileData, nil, nil)
	}
	if n := len(tx.drain()); n != 0 {
		t.Fatalf("suspended sender emitted %d pdus", n)
	}
	if tx.indicated(IndicationSuspended) != 1 {
		t.Fatalf("expected one suspended indication")
	}

	sender.UpdateState(ReceivedResumeRequest, nil, nil)
	pump(t, sender, sender.Finished)
	if n := len(tx.drain()); n != 4 {
		t.Fatalf("expected 4 pdus after resume, got %d", n)
	}
	if tx.indicated(IndicationResumed) != 1 {
		t.Fatalf("expected one resumed indication")
	}
}

func TestFreezePausesTimers(t *testing.T) {
	testlog.Start(t)
	rx := newHarness(t, 2)
	hdr := pdu.Header{Mode: pdu.Unacknowledged, Source: 1, Sequence: 9, Destination: 2}
	receiver := New(RoleReceiverClass1, rx.deps(), hdr)
	receiver.UpdateState(ReceivedMetadata, &pdu.PDU{Header: hdr, Body: &pdu.Metadata{}}, nil)
	receiver.UpdateState(ReceivedFreezeRequest, nil, nil)
	rx.clock.Advance(time.Hour)
	if _, ok := receiver.ExpiredTimer(); ok {
		t.Fatalf("frozen timer expired")
	}
	receiver.UpdateState(ReceivedThawRequest, nil, nil)
	if _, ok := receiver.ExpiredTimer(); ok {
		t.Fatalf("thawed timer should keep its remaining time")
	}
	rx.clock.Advance(31 * time.Second)
	if ev, ok := receiver.ExpiredTimer(); !ok || ev != InactivityTimerExpired {
		t.Fatalf("expected inactivity after thaw")
	}
}

func TestClass2RecoversDroppedSegments(t *testing.T) {
	testlog.Start(t)
	tx := newHarness(t, 1)
	rx := newHarness(t, 2)
	data := patterned(5120)
	tx.writeSource("a.bin", data)
	tx.remote(2, 1024, pdu.Acknowledged)

	sender := New(RoleSenderClass2, tx.deps(), pdu.Header{Source: 1, Sequence: 10})
	sender.UpdateState(ReceivedPutRequest, nil, putRequest(2, "a.bin", "b.bin"))
	pump(t, sender, func() bool { return sender.State() == StateAwaitFinished })

	var kept []*pdu.PDU
	for _, p := range tx.drain() {
		if fd, ok := p.Body.(*pdu.FileData); ok && (fd.SegmentOffset == 2048 || fd.SegmentOffset == 4096) {
			continue
		}
		kept = append(kept, p)
	}
	receiver := New(RoleReceiverClass2, rx.deps(), kept[0].Header)
	feed(t, receiver, kept)
	if receiver.State() != StateGetMissingData {
		t.Fatalf("receiver state %s", receiver.State())
	}

	receiver.UpdateState(SendFileDirective, nil, nil)
	receiver.UpdateState(SendFileDirective, nil, nil)
	replies := rx.drain()
	if len(replies) != 2 {
		t.Fatalf("expected ack + nak, got %d", len(replies))
	}
	ack, ok := replies[0].Body.(*pdu.ACK)
	if !ok || ack.Directive != pdu.DirectiveEOF {
		t.Fatalf("unexpected first reply: %+v", replies[0].Body)
	}
	if replies[0].Header.Direction != pdu.TowardSender {
		t.Fatalf("receiver reply direction %s", replies[0].Header.Direction)
	}
	nak, ok := replies[1].Body.(*pdu.NAK)
	if !ok {
		t.Fatalf("unexpected second reply: %+v", replies[1].Body)
	}
	want := []pdu.SegmentRequest{{Start: 2048, End: 3072}, {Start: 4096, End: 5120}}
	if len(nak.Segments) != len(want) || nak.Segments[0] != want[0] || nak.Segments[1] != want[1] {
		t.Fatalf("unexpected nak segments: %+v", nak.Segments)
	}

	feed(t, sender, replies)
	sender.UpdateState(SendFileData, nil, nil)
	sender.UpdateState(SendFileData, nil, nil)
	resent := tx.drain()
	if len(resent) != 2 {
		t.Fatalf("expected 2 retransmitted segments, got %d", len(resent))
	}
	feed(t, receiver, resent)
	if receiver.State() != StateSendFinished {
		t.Fatalf("receiver state %s after retransmit", receiver.State())
	}

	receiver.UpdateState(SendFileDirective, nil, nil)
	fin := rx.drain()
	if len(fin) != 1 {
		t.Fatalf("expected finished pdu, got %d", len(fin))
	}
	feed(t, sender, fin)
	sender.UpdateState(SendFileDirective, nil, nil)
	if !sender.Finished() || sender.Report().FinalStatus != FinalSuccessful {
		t.Fatalf("unexpected sender report: %+v", sender.Report())
	}
	feed(t, receiver, tx.drain())
	rep := receiver.Report()
	if !rep.Finished || rep.FinalStatus != FinalSuccessful || rep.FileStatus != pdu.FileRetained {
		t.Fatalf("unexpected receiver report: %+v", rep)
	}
	got, err := os.ReadFile(filepath.Join(rx.store.Config().IncomingDir, "b.bin"))
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("delivered file differs err=%v", err)
	}
}

func TestClass2AckLimitAbandons(t *testing.T) {
	testlog.Start(t)
	tx := newHarness(t, 1)
	tx.remote(2, 1024, pdu.Acknowledged)

	sender := New(RoleSenderClass2, tx.deps(), pdu.Header{Source: 1, Sequence: 11})
	sender.UpdateState(ReceivedPutRequest, nil, &Request{Destination: 2})
	pump(t, sender, func() bool { return sender.State() == StateAwaitFinished })

	for i := 0; i < 10 && !sender.Finished(); i++ {
		tx.clock.Advance(11 * time.Second)
		ev, ok := sender.ExpiredTimer()
		if !ok || ev != AckTimerExpired {
			t.Fatalf("round %d: expected ack expiry, got %s ok=%v", i, ev, ok)
		}
		sender.UpdateState(ev, nil, nil)
		sender.UpdateState(SendFileDirective, nil, nil)
	}

	eofs := 0
	for _, p := range tx.drain() {
		if _, ok := p.Body.(*pdu.EOF); ok {
			eofs++
		}
	}
	if eofs != 3 {
		t.Fatalf("expected initial eof + 2 retries, got %d", eofs)
	}
	rep := sender.Report()
	if rep.FinalStatus != FinalAbandoned || rep.ConditionCode != pdu.PositiveAckLimitReached {
		t.Fatalf("unexpected report: %+v", rep)
	}
}

func TestClass2MetadataOnlyTransaction(t *testing.T) {
	testlog.Start(t)
	tx := newHarness(t, 1)
	rx := newHarness(t, 2)
	tx.remote(2, 1024, pdu.Acknowledged)

	sender := New(RoleSenderClass2, tx.deps(), pdu.Header{Source: 1, Sequence: 12})
	sender.UpdateState(ReceivedPutRequest, nil, &Request{Destination: 2})
	pump(t, sender, func() bool { return sender.State() == StateAwaitFinished })
	out := tx.drain()
	md := out[0].Body.(*pdu.Metadata)
	if md.FileTransfer || md.SourceName != "" {
		t.Fatalf("unexpected metadata: %+v", md)
	}

	receiver := New(RoleReceiverClass2, rx.deps(), out[0].Header)
	feed(t, receiver, out)
	if receiver.State() != StateSendFinished {
		t.Fatalf("receiver state %s", receiver.State())
	}
	receiver.UpdateState(SendFileDirective, nil, nil)
	receiver.UpdateState(SendFileDirective, nil, nil)
	feed(t, sender, rx.drain())
	sender.UpdateState(SendFileDirective, nil, nil)
	feed(t, receiver, tx.drain())
	if sender.Report().FinalStatus != FinalSuccessful || receiver.Report().FinalStatus != FinalSuccessful {
		t.Fatalf("unexpected reports: %+v %+v", sender.Report(), receiver.Report())
	}
}

func TestClass2ReceiverCancelledBySender(t *testing.T) {
	testlog.Start(t)
	rx := newHarness(t, 2)
	hdr := pdu.Header{Mode: pdu.Acknowledged, Source: 1, Sequence: 13, Destination: 2}
	receiver := New(RoleReceiverClass2, rx.deps(), hdr)
	md := &pdu.Metadata{FileTransfer: true, FileSize: 100, SourceName: "a", DestinationName: "b"}
	receiver.UpdateState(ReceivedMetadata, &pdu.PDU{Header: hdr, Body: md}, nil)
	eof := &pdu.EOF{ConditionCode: pdu.CancelRequestReceived}
	receiver.UpdateState(ReceivedEOFCancel, &pdu.PDU{Header: hdr, Body: eof}, nil)
	if receiver.Finished() {
		t.Fatalf("receiver finished before acknowledging")
	}
	receiver.UpdateState(SendFileDirective, nil, nil)
	out := rx.drain()
	if len(out) != 1 {
		t.Fatalf("expected ack, got %d pdus", len(out))
	}
	if ack, ok := out[0].Body.(*pdu.ACK); !ok || ack.ConditionCode != pdu.CancelRequestReceived {
		t.Fatalf("unexpected reply: %+v", out[0].Body)
	}
	if rep := receiver.Report(); !rep.Finished || rep.FinalStatus != FinalCancelled {
		t.Fatalf("unexpected report: %+v", rep)
	}
}

func TestMissingSegments(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name string
		recv []Extent
		size uint32
		want []pdu.SegmentRequest
	}{
		{"empty", nil, 100, []pdu.SegmentRequest{{Start: 0, End: 100}}},
		{"complete", []Extent{{0, 50}, {50, 50}}, 100, nil},
		{
			"interior and tail",
			[]Extent{{0, 1024}, {3072, 1024}, {1024, 1024}},
			5120,
			[]pdu.SegmentRequest{{Start: 2048, End: 3072}, {Start: 4096, End: 5120}},
		},
		{"leading gap", []Extent{{10, 90}}, 100, []pdu.SegmentRequest{{Start: 0, End: 10}}},
		{"overlap", []Extent{{0, 60}, {40, 30}, {90, 10}}, 100, []pdu.SegmentRequest{{Start: 70, End: 90}}},
		{"zero size", nil, 0, nil},
	}
	for _, tc := range cases {
		got := MissingSegments(tc.recv, tc.size)
		if len(got) != len(tc.want) {
			t.Fatalf("%s: got %+v want %+v", tc.name, got, tc.want)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("%s: got %+v want %+v", tc.name, got, tc.want)
			}
		}
	}
}

func TestClass1ReceiverRejectsEscapingDestination(t *testing.T) {
	testlog.Start(t)
	tx := newHarness(t, 1)
	rx := newHarness(t, 2)
	tx.writeSource("a.bin", []byte("pwned"))
	tx.remote(2, 1024, pdu.Unacknowledged)

	escape := filepath.Join("..", "..", "escaped.txt")
	sender := New(RoleSenderClass1, tx.deps(), pdu.Header{Source: 1, Sequence: 20})
	sender.UpdateState(ReceivedPutRequest, nil, putRequest(2, "a.bin", escape))
	pump(t, sender, sender.Finished)
	out := tx.drain()

	receiver := New(RoleReceiverClass1, rx.deps(), out[0].Header)
	feed(t, receiver, out)
	rep := receiver.Report()
	if !rep.Finished || rep.FinalStatus != FinalFailed || rep.ConditionCode != pdu.FilestoreRejection {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if rep.FileStatus != pdu.FileDiscardedByFilestore {
		t.Fatalf("file status %s, want discarded by filestore", rep.FileStatus)
	}
	outside := filepath.Join(rx.store.Config().IncomingDir, escape)
	if _, err := os.Stat(outside); !os.IsNotExist(err) {
		t.Fatalf("file written outside incoming dir at %s, stat err=%v", outside, err)
	}
	left, err := os.ReadDir(rx.store.Config().TempDir)
	if err != nil || len(left) != 0 {
		t.Fatalf("staging dir should be empty: %v err=%v", left, err)
	}
}

func TestPutWithUnreadableSourceFails(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name    string
		role    Role
		src     string
		handler mib.HandlerCode
	}{
		{"class1 missing", RoleSenderClass1, "does-not-exist.bin", mib.Ignore},
		{"class2 missing", RoleSenderClass2, "does-not-exist.bin", mib.Ignore},
		{"class2 missing suspend", RoleSenderClass2, "does-not-exist.bin", mib.Suspend},
		{"class1 outside root", RoleSenderClass1, filepath.Join("..", "in", "x"), mib.Ignore},
	}
	for i, tc := range cases {
		tx := newHarness(t, 1)
		tx.remote(2, 1024, pdu.Acknowledged)
		tx.mib.SetFaultHandler(pdu.FilestoreRejection, tc.handler)

		sender := New(tc.role, tx.deps(), pdu.Header{Source: 1, Sequence: uint64(30 + i)})
		sender.UpdateState(ReceivedPutRequest, nil, putRequest(2, tc.src, "x"))
		rep := sender.Report()
		if !rep.Finished || rep.FinalStatus != FinalFailed || rep.ConditionCode != pdu.FilestoreRejection {
			t.Fatalf("%s: unexpected report: %+v", tc.name, rep)
		}
		if tx.indicated(IndicationFault) != 1 || tx.indicated(IndicationTransactionFinished) != 1 {
			t.Fatalf("%s: unexpected indications: %+v", tc.name, tx.inds)
		}
		sender.UpdateState(SendFileDirective, nil, nil)
		sender.UpdateState(SendFileData, nil, nil)
		if n := len(tx.drain()); n != 0 {
			t.Fatalf("%s: expected no pdus, got %d", tc.name, n)
		}
	}
}

func TestSenderLeavesCRCFlagClear(t *testing.T) {
	testlog.Start(t)
	tx := newHarness(t, 1)
	tx.writeSource("a.bin", patterned(100))
	r := mib.DefaultRemoteEntity(2)
	r.TransmissionMode = pdu.Unacknowledged
	r.CRCRequiredOnTransmission = true
	tx.mib.SetRemote(r)

	sender := New(RoleSenderClass1, tx.deps(), pdu.Header{Source: 1, Sequence: 40})
	sender.UpdateState(ReceivedPutRequest, nil, putRequest(2, "a.bin", "a.bin"))
	pump(t, sender, sender.Finished)
	out := tx.drain()
	if len(out) == 0 {
		t.Fatalf("expected pdus")
	}
	for _, p := range out {
		if p.Header.CRC {
			t.Fatalf("%s carries the crc flag without a crc", p.Kind())
		}
	}
}

func TestClass2ReceiverWaitsForEOFBeforeDelivery(t *testing.T) {
	testlog.Start(t)
	tx := newHarness(t, 1)
	rx := newHarness(t, 2)
	data := patterned(4096)
	tx.writeSource("a.bin", data)
	tx.remote(2, 1024, pdu.Acknowledged)

	sender := New(RoleSenderClass2, tx.deps(), pdu.Header{Source: 1, Sequence: 41})
	sender.UpdateState(ReceivedPutRequest, nil, putRequest(2, "a.bin", "a.bin"))
	pump(t, sender, func() bool { return sender.State() == StateAwaitFinished })
	out := tx.drain()
	last := out[len(out)-1]
	if _, ok := last.Body.(*pdu.EOF); !ok {
		t.Fatalf("last pdu %s, want eof", last.Kind())
	}

	receiver := New(RoleReceiverClass2, rx.deps(), out[0].Header)
	feed(t, receiver, out[:len(out)-1])
	if receiver.State() != StateGetMissingData {
		t.Fatalf("receiver state %s before eof", receiver.State())
	}
	if got := receiver.Report().Progress; got != 4096 {
		t.Fatalf("progress %d, want 4096", got)
	}
	if _, err := os.Stat(filepath.Join(rx.store.Config().IncomingDir, "a.bin")); !os.IsNotExist(err) {
		t.Fatalf("file delivered before eof, stat err=%v", err)
	}

	feed(t, receiver, []*pdu.PDU{last})
	if receiver.State() != StateSendFinished {
		t.Fatalf("receiver state %s after eof", receiver.State())
	}
	got, err := os.ReadFile(filepath.Join(rx.store.Config().IncomingDir, "a.bin"))
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("delivered file differs err=%v", err)
	}
}
