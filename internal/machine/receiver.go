package machine

import (
	"sort"

	"github.com/danmuck/cfdp/internal/filestore"
	"github.com/danmuck/cfdp/internal/pdu"
	"github.com/danmuck/cfdp/internal/timer"
)

// Extent is one received [Offset, Offset+Length) range.
type Extent struct {
	Offset uint32
	Length uint32
}

// MissingSegments returns the gaps in [0, fileSize) not covered by
// received, in ascending order. Overlapping extents are tolerated.
func MissingSegments(received []Extent, fileSize uint32) []pdu.SegmentRequest {
	sorted := make([]Extent, len(received))
	copy(sorted, received)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	var (
		gaps   []pdu.SegmentRequest
		cursor uint32
	)
	for _, e := range sorted {
		if e.Offset >= fileSize {
			break
		}
		if e.Offset > cursor {
			gaps = append(gaps, pdu.SegmentRequest{Start: cursor, End: e.Offset})
		}
		if end := e.Offset + e.Length; end > cursor {
			cursor = end
		}
	}
	if cursor < fileSize {
		gaps = append(gaps, pdu.SegmentRequest{Start: cursor, End: fileSize})
	}
	return gaps
}

// incoming is the file side of a receiving transaction.
type incoming struct {
	staging  *filestore.Staging
	extents  map[uint32]uint32
	eof      *pdu.EOF
	finished *pdu.Finished
}

func (in *incoming) close() {
	if in.staging != nil {
		in.staging.Close()
	}
}

func (in *incoming) received() []Extent {
	out := make([]Extent, 0, len(in.extents))
	for off, n := range in.extents {
		out = append(out, Extent{Offset: off, Length: n})
	}
	return out
}

func (c *core) receiveMetadata(in *incoming, p *pdu.PDU) {
	md, ok := p.Body.(*pdu.Metadata)
	if !ok || c.tx.MetadataReceived {
		return
	}
	c.tx.MetadataReceived = true
	c.tx.FileTransfer = md.FileTransfer
	c.tx.FileSize = md.FileSize
	c.tx.SourcePath = md.SourceName
	c.tx.DestinationPath = md.DestinationName
	c.log.Info().
		Str("source", md.SourceName).
		Str("destination", md.DestinationName).
		Uint32("size", md.FileSize).
		Msg("metadata received")
	c.notify(Indication{Kind: IndicationMetadataReceived})
	if md.FileTransfer && in.staging == nil {
		st, err := c.deps.Store.CreateStaging()
		if err != nil {
			c.log.Error().Err(err).Msg("create staging file")
			c.fault(pdu.FilestoreRejection)
		} else {
			in.staging = st
			c.tx.TempPath = st.Path()
		}
	}
	if c.live() {
		c.inactivity.Start(c.deps.MIB.InactivityTimeout(c.tx.OtherEntityID))
	}
}

func (c *core) storeSegment(in *incoming, p *pdu.PDU) {
	fd, ok := p.Body.(*pdu.FileData)
	if !ok {
		return
	}
	if c.inactivity.State() == timer.Running {
		c.inactivity.Restart()
	}
	if in.staging == nil {
		c.log.Warn().Uint32("offset", fd.SegmentOffset).Msg("segment without staging file dropped")
		return
	}
	if err := in.staging.WriteAt(fd.SegmentOffset, fd.Data); err != nil {
		c.log.Error().Err(err).Uint32("offset", fd.SegmentOffset).Msg("write segment")
		c.fault(pdu.FilestoreRejection)
		return
	}
	n := uint32(len(fd.Data))
	if prev := in.extents[fd.SegmentOffset]; n > prev {
		c.tx.RecvFileSize += uint64(n - prev)
		in.extents[fd.SegmentOffset] = n
	}
	c.tx.Progress = c.tx.RecvFileSize
	if c.deps.MIB.IssueFileSegmentRecv() {
		c.notify(Indication{
			Kind:   IndicationFileSegmentReceived,
			Offset: fd.SegmentOffset,
			Length: len(fd.Data),
		})
	}
}

func (c *core) receiveEOF(in *incoming, eof *pdu.EOF) {
	if c.tx.EOFReceived {
		return
	}
	in.eof = eof
	c.tx.EOFReceived = true
	c.tx.FileChecksum = eof.FileChecksum
	if !c.tx.MetadataReceived {
		c.tx.FileSize = eof.FileSize
	}
	if c.deps.MIB.IssueEOFRecv() {
		c.notify(Indication{Kind: IndicationEOFReceived, ConditionCode: eof.ConditionCode})
	}
}

// deliver verifies the staged file against eof and moves it into place.
// Verification faults go through the fault handler; if the transaction is
// still live afterward the file is discarded and the failure recorded.
func (c *core) deliver(in *incoming, eof *pdu.EOF) {
	if !c.tx.FileTransfer {
		c.tx.DeliveryCode = pdu.DataComplete
		c.tx.FileStatus = pdu.FileStatusUnreported
		return
	}
	if in.staging == nil {
		c.reject(in, pdu.FilestoreRejection, pdu.FileDiscardedByFilestore)
		return
	}
	if c.tx.RecvFileSize != uint64(eof.FileSize) {
		c.log.Warn().
			Uint64("received", c.tx.RecvFileSize).
			Uint32("declared", eof.FileSize).
			Msg("file size mismatch")
		c.fault(pdu.FileSizeError)
		c.reject(in, pdu.FileSizeError, pdu.FileDiscardedDeliberately)
		return
	}
	sum, _, err := in.staging.Checksum()
	if err != nil {
		c.log.Error().Err(err).Msg("checksum staging file")
		c.fault(pdu.FilestoreRejection)
		c.reject(in, pdu.FilestoreRejection, pdu.FileDiscardedByFilestore)
		return
	}
	if sum != eof.FileChecksum {
		c.log.Warn().
			Uint32("computed", sum).
			Uint32("declared", eof.FileChecksum).
			Msg("checksum mismatch")
		c.fault(pdu.FileChecksumFailure)
		c.reject(in, pdu.FileChecksumFailure, pdu.FileDiscardedDeliberately)
		return
	}
	dest, err := in.staging.Finalize(c.tx.DestinationPath)
	if err != nil {
		c.log.Error().Err(err).Str("path", c.tx.DestinationPath).Msg("finalize")
		c.fault(pdu.FilestoreRejection)
		c.reject(in, pdu.FilestoreRejection, pdu.FileDiscardedByFilestore)
		return
	}
	c.tx.FullDestinationPath = dest
	c.tx.DeliveryCode = pdu.DataComplete
	c.tx.FileStatus = pdu.FileRetained
	c.log.Info().Str("path", dest).Msg("file delivered")
}

func (c *core) reject(in *incoming, cc pdu.ConditionCode, status pdu.FileStatus) {
	if in.staging != nil {
		in.staging.Discard()
	}
	if !c.live() {
		return
	}
	if c.tx.ConditionCode == pdu.NoError {
		c.tx.ConditionCode = cc
	}
	c.tx.DeliveryCode = pdu.DataIncomplete
	c.tx.FileStatus = status
}

// discard drops partial data after a cancellation.
func (c *core) discard(in *incoming) {
	if c.tx.FileStatus == pdu.FileRetained {
		return
	}
	if in.staging != nil {
		in.staging.Discard()
	}
	c.tx.DeliveryCode = pdu.DataIncomplete
	c.tx.FileStatus = pdu.FileDiscardedDeliberately
}

type ReceiverClass1 struct {
	core
	in incoming
}

func newReceiverClass1(deps Deps, hdr pdu.Header) *ReceiverClass1 {
	r := &ReceiverClass1{
		core: newCore(RoleReceiverClass1, deps, hdr),
		in:   incoming{extents: make(map[uint32]uint32)},
	}
	r.cancelPath = r.cancelTransaction
	r.closeFiles = r.in.close
	return r
}

func (r *ReceiverClass1) UpdateState(ev Event, p *pdu.PDU, req *Request) {
	if r.handleCommon(ev, req) {
		return
	}
	switch r.state {
	case StateAwaitMetadata:
		switch ev {
		case ReceivedMetadata:
			r.receiveMetadata(&r.in, p)
			if r.live() {
				r.state = StateAwaitEOF
			}
		case ReceivedFileData:
			r.log.Debug().Msg("file data before metadata dropped")
		case ReceivedEOFNoError, ReceivedEOFCancel:
			eof, _ := p.Body.(*pdu.EOF)
			if eof != nil {
				r.receiveEOF(&r.in, eof)
				r.tx.ConditionCode = eof.ConditionCode
			}
			r.finishAndShutdown()
		default:
			r.unhandled(ev)
		}
	case StateAwaitEOF:
		switch ev {
		case ReceivedFileData:
			r.storeSegment(&r.in, p)
		case ReceivedEOFNoError:
			eof, _ := p.Body.(*pdu.EOF)
			if eof == nil {
				return
			}
			r.inactivity.Cancel()
			r.receiveEOF(&r.in, eof)
			r.deliver(&r.in, eof)
			r.finishAndShutdown()
		case ReceivedEOFCancel:
			eof, _ := p.Body.(*pdu.EOF)
			if eof != nil {
				r.receiveEOF(&r.in, eof)
			}
			r.cancelTransaction(eofCondition(eof))
		case InactivityTimerExpired:
			r.inactive()
		default:
			r.unhandled(ev)
		}
	default:
		r.unhandled(ev)
	}
}

func (r *ReceiverClass1) cancelTransaction(cc pdu.ConditionCode) {
	if !r.cancel(cc) {
		return
	}
	r.discard(&r.in)
	r.finishAndShutdown()
}

func eofCondition(eof *pdu.EOF) pdu.ConditionCode {
	if eof == nil || eof.ConditionCode == pdu.NoError {
		return pdu.CancelRequestReceived
	}
	return eof.ConditionCode
}

type ReceiverClass2 struct {
	core
	in incoming
	// finishOnAck ends the transaction once the queued ACK(EOF) leaves.
	finishOnAck bool
}

func newReceiverClass2(deps Deps, hdr pdu.Header) *ReceiverClass2 {
	r := &ReceiverClass2{
		core: newCore(RoleReceiverClass2, deps, hdr),
		in:   incoming{extents: make(map[uint32]uint32)},
	}
	r.cancelPath = r.cancelTransaction
	r.closeFiles = r.in.close
	return r
}

// NakList is the current set of missing ranges, with the (0, 0) metadata
// request first while Metadata is outstanding.
func (r *ReceiverClass2) NakList() []pdu.SegmentRequest {
	var segs []pdu.SegmentRequest
	if !r.tx.MetadataReceived {
		segs = append(segs, pdu.SegmentRequest{})
	}
	return append(segs, MissingSegments(r.in.received(), r.tx.FileSize)...)
}

func (r *ReceiverClass2) UpdateState(ev Event, p *pdu.PDU, req *Request) {
	if r.handleCommon(ev, req) {
		return
	}
	switch r.state {
	case StateAwaitMetadata, StateGetMissingData:
		switch ev {
		case ReceivedMetadata:
			r.receiveMetadata(&r.in, p)
			if r.live() {
				r.state = StateGetMissingData
				r.checkComplete()
			}
		case ReceivedFileData:
			if !r.tx.MetadataReceived {
				r.log.Debug().Msg("file data before metadata dropped")
				return
			}
			r.storeSegment(&r.in, p)
			if r.in.eof != nil {
				r.checkComplete()
			}
		case ReceivedEOFNoError:
			r.receiveEOFNoError(p)
		case ReceivedEOFCancel:
			r.receiveEOFCancel(p)
		case SendFileDirective:
			r.sendDirective()
		case NakTimerExpired:
			r.retryNak()
		case InactivityTimerExpired:
			r.inactive()
		default:
			r.unhandled(ev)
		}
	case StateSendFinished:
		switch ev {
		case SendFileDirective:
			r.pumpDirective()
		case ReceivedAckFinished:
			r.finishAndShutdown()
		case ReceivedEOFNoError:
			// The sender missed our ACK(EOF).
			if eof, ok := p.Body.(*pdu.EOF); ok {
				r.queue.ack = ackEOF(eof)
			}
		case AckTimerExpired:
			if !r.ackLimitHit() {
				r.queue.finished = r.in.finished
			}
		case ReceivedFileData:
		default:
			r.unhandled(ev)
		}
	case StateCancelled:
		switch ev {
		case SendFileDirective:
			r.pumpDirective()
		case ReceivedAckFinished:
			r.finishAndShutdown()
		case AckTimerExpired:
			if !r.ackLimitHit() {
				r.queue.finished = r.in.finished
			}
		case ReceivedEOFCancel:
			if eof, ok := p.Body.(*pdu.EOF); ok {
				r.queue.ack = ackEOF(eof)
			}
		case ReceivedFileData:
		default:
			r.unhandled(ev)
		}
	default:
		r.unhandled(ev)
	}
}

func ackEOF(eof *pdu.EOF) *pdu.ACK {
	return &pdu.ACK{
		Directive:         pdu.DirectiveEOF,
		ConditionCode:     eof.ConditionCode,
		TransactionStatus: pdu.StatusActive,
	}
}

func (r *ReceiverClass2) pumpDirective() {
	code, ok := r.sendDirective()
	if !ok {
		return
	}
	switch {
	case code == pdu.DirectiveFinished:
		r.ack.Start(r.deps.MIB.AckTimeout(r.tx.OtherEntityID))
	case code == pdu.DirectiveACK && r.finishOnAck:
		r.finishAndShutdown()
	}
}

func (r *ReceiverClass2) receiveEOFNoError(p *pdu.PDU) {
	eof, ok := p.Body.(*pdu.EOF)
	if !ok {
		return
	}
	r.receiveEOF(&r.in, eof)
	r.queue.ack = ackEOF(eof)
	r.state = StateGetMissingData
	if r.checkComplete() {
		return
	}
	r.queueNak()
	if r.nak.State() == timer.Off {
		r.nak.Start(r.deps.MIB.NakTimeout(r.tx.OtherEntityID))
	}
}

// receiveEOFCancel acknowledges the sender's cancellation and finishes
// once that ACK has gone out.
func (r *ReceiverClass2) receiveEOFCancel(p *pdu.PDU) {
	eof, _ := p.Body.(*pdu.EOF)
	if eof != nil {
		r.receiveEOF(&r.in, eof)
	}
	if !r.cancel(eofCondition(eof)) {
		return
	}
	r.discard(&r.in)
	if eof != nil {
		r.queue.ack = ackEOF(eof)
		r.finishOnAck = true
		return
	}
	r.finishAndShutdown()
}

func (r *ReceiverClass2) queueNak() {
	segs := r.NakList()
	if len(segs) == 0 {
		return
	}
	r.queue.nak = &pdu.NAK{EndOfScope: r.tx.FileSize, Segments: segs}
	r.log.Debug().Int("segments", len(segs)).Msg("nak queued")
}

func (r *ReceiverClass2) retryNak() {
	r.nakRetries++
	if r.nakRetries > r.deps.MIB.NakLimit(r.tx.OtherEntityID) {
		r.fault(pdu.NakLimitReached)
		if !r.live() {
			return
		}
		r.nakRetries = 0
	}
	r.queueNak()
	r.nak.Restart()
}

// checkComplete delivers the file once Metadata, EOF, and every byte are in.
func (r *ReceiverClass2) checkComplete() bool {
	if r.in.eof == nil || !r.tx.MetadataReceived {
		return false
	}
	// byte count never under-reports coverage, so a short count skips the sort
	if r.tx.RecvFileSize < uint64(r.in.eof.FileSize) {
		return false
	}
	if len(MissingSegments(r.in.received(), r.in.eof.FileSize)) > 0 {
		return false
	}
	r.nak.Cancel()
	r.inactivity.Cancel()
	r.queue.nak = nil
	r.deliver(&r.in, r.in.eof)
	if !r.live() {
		return true
	}
	r.in.finished = &pdu.Finished{
		ConditionCode: r.tx.ConditionCode,
		EndSystem:     true,
		DeliveryCode:  r.tx.DeliveryCode,
		FileStatus:    r.tx.FileStatus,
	}
	r.queue.finished = r.in.finished
	r.ackRetries = 0
	r.state = StateSendFinished
	return true
}

func (r *ReceiverClass2) cancelTransaction(cc pdu.ConditionCode) {
	if !r.cancel(cc) {
		return
	}
	r.discard(&r.in)
	r.in.finished = &pdu.Finished{
		ConditionCode: cc,
		EndSystem:     true,
		DeliveryCode:  pdu.DataIncomplete,
		FileStatus:    pdu.FileDiscardedDeliberately,
	}
	r.queue.finished = r.in.finished
}
