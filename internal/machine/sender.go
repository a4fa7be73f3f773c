package machine

import (
	"errors"

	"github.com/danmuck/cfdp/internal/filestore"
	"github.com/danmuck/cfdp/internal/pdu"
	"github.com/danmuck/cfdp/internal/timer"
)

const defaultSegmentLength = 1024

// outgoing is the file side of a sending transaction.
type outgoing struct {
	source     *filestore.Source
	metadata   *pdu.Metadata
	eof        *pdu.EOF
	offset     uint32
	checksum   uint32
	sent       pdu.Checksum
	segmentLen int
}

func (o *outgoing) close() {
	if o.source != nil {
		o.source.Close()
	}
}

// startPut configures the transaction from a Put request and queues
// Metadata. It reports whether the sender may move to StateSendingFile.
func (c *core) startPut(o *outgoing, req *Request) bool {
	if req == nil {
		c.log.Warn().Msg("put without request")
		return false
	}
	remote := req.Destination
	mode := c.deps.MIB.TransmissionMode(remote)
	if req.Mode != nil {
		mode = *req.Mode
	}
	c.header.Mode = mode
	// the codec never appends a frame CRC, so the flag stays clear
	c.header.CRC = false
	if c.deps.MIB.CRCRequiredOnTransmission(remote) {
		c.log.Debug().Uint64("destination", uint64(remote)).Msg("crc requested but not supported; sending without")
	}
	c.header.Destination = remote
	c.tx.Mode = mode
	c.tx.OtherEntityID = remote
	c.tx.SourcePath = req.SourcePath
	c.tx.DestinationPath = req.DestinationPath
	c.tx.FileTransfer = req.SourcePath != ""

	o.segmentLen = c.deps.MIB.MaximumFileSegmentLength(remote)
	if o.segmentLen <= 0 {
		o.segmentLen = defaultSegmentLength
	}
	o.metadata = &pdu.Metadata{
		FileTransfer:    c.tx.FileTransfer,
		SourceName:      req.SourcePath,
		DestinationName: req.DestinationPath,
	}
	c.notify(Indication{Kind: IndicationTransaction})

	if c.tx.FileTransfer {
		src, err := c.deps.Store.OpenSource(req.SourcePath)
		if err != nil {
			c.log.Error().Err(err).Str("path", req.SourcePath).Msg("open source")
			cc := pdu.FilestoreRejection
			if errors.Is(err, filestore.ErrNotRegular) || errors.Is(err, filestore.ErrTooLarge) {
				cc = pdu.InvalidFileStructure
			}
			c.failPut(cc)
			return false
		}
		sum, err := src.Checksum()
		if err != nil {
			src.Close()
			c.log.Error().Err(err).Str("path", src.Path()).Msg("checksum source")
			c.failPut(pdu.FilestoreRejection)
			return false
		}
		o.source = src
		o.checksum = sum
		o.metadata.FileSize = src.Size()
		c.tx.FileSize = src.Size()
		c.tx.FileChecksum = sum
		c.tx.FullSourcePath = src.Path()
	} else {
		o.eof = &pdu.EOF{ConditionCode: pdu.NoError}
		c.queue.eof = o.eof
	}
	c.queue.metadata = o.metadata
	c.state = StateSendingFile
	c.log.Info().
		Str("mode", mode.String()).
		Uint64("destination", uint64(remote)).
		Uint32("size", c.tx.FileSize).
		Msg("put accepted")
	return true
}

// failPut applies the fault handler for a source that cannot be read. A
// transaction the handler leaves open finishes as failed.
func (c *core) failPut(cc pdu.ConditionCode) {
	c.fault(cc)
	if c.tx.Finished {
		return
	}
	if c.tx.ConditionCode == pdu.NoError {
		c.tx.ConditionCode = cc
	}
	c.finishAndShutdown()
}

// sendFileData emits the next in-order segment, or queues EOF once the
// whole file has gone out.
func (c *core) sendFileData(o *outgoing) {
	if c.blocked() || !c.live() || o.source == nil || o.eof != nil {
		return
	}
	size := o.source.Size()
	if o.offset >= size {
		o.eof = &pdu.EOF{ConditionCode: pdu.NoError, FileChecksum: o.checksum, FileSize: size}
		c.queue.eof = o.eof
		return
	}
	n := min(o.segmentLen, int(size-o.offset))
	data, err := o.source.ReadAt(o.offset, n)
	if err != nil || len(data) == 0 {
		c.log.Error().Err(err).Uint32("offset", o.offset).Msg("read segment")
		c.fault(pdu.FilestoreRejection)
		return
	}
	c.emit(&pdu.FileData{SegmentOffset: o.offset, Data: data})
	o.sent.Add(uint64(o.offset), data)
	o.offset += uint32(len(data))
	c.tx.Progress = uint64(o.offset)
}

// resendSegment answers one queued NAK range.
func (c *core) resendSegment(o *outgoing, seg pdu.SegmentRequest) {
	if o.source == nil {
		return
	}
	data, err := o.source.ReadAt(seg.Start, int(seg.End-seg.Start))
	if err != nil || len(data) == 0 {
		c.log.Error().Err(err).Uint32("offset", seg.Start).Msg("read retransmit segment")
		c.fault(pdu.FilestoreRejection)
		return
	}
	c.emit(&pdu.FileData{SegmentOffset: seg.Start, Data: data})
}

// cancelEOF is the EOF that tells the receiver a sender cancelled. It
// describes only what was actually sent.
func (o *outgoing) cancelEOF(cc pdu.ConditionCode) *pdu.EOF {
	return &pdu.EOF{ConditionCode: cc, FileChecksum: o.sent.Sum32(), FileSize: o.offset}
}

type SenderClass1 struct {
	core
	out outgoing
}

func newSenderClass1(deps Deps, hdr pdu.Header) *SenderClass1 {
	s := &SenderClass1{core: newCore(RoleSenderClass1, deps, hdr)}
	s.cancelPath = s.cancelTransaction
	s.closeFiles = s.out.close
	return s
}

func (s *SenderClass1) UpdateState(ev Event, p *pdu.PDU, req *Request) {
	if s.handleCommon(ev, req) {
		return
	}
	switch s.state {
	case StateAwaitPut:
		switch ev {
		case ReceivedPutRequest:
			s.startPut(&s.out, req)
		case SendFileDirective, SendFileData:
		default:
			s.unhandled(ev)
		}
	case StateSendingFile, StateCancelled:
		switch ev {
		case SendFileDirective:
			if code, ok := s.sendDirective(); ok && code == pdu.DirectiveEOF {
				s.finishAndShutdown()
			}
		case SendFileData:
			s.sendFileData(&s.out)
		default:
			s.unhandled(ev)
		}
	default:
		s.unhandled(ev)
	}
}

func (s *SenderClass1) cancelTransaction(cc pdu.ConditionCode) {
	prev := s.state
	if !s.cancel(cc) {
		return
	}
	if prev == StateAwaitPut {
		s.finishAndShutdown()
		return
	}
	s.queue.eof = s.out.cancelEOF(cc)
}

type SenderClass2 struct {
	core
	out      outgoing
	nakQueue []pdu.SegmentRequest
}

func newSenderClass2(deps Deps, hdr pdu.Header) *SenderClass2 {
	s := &SenderClass2{core: newCore(RoleSenderClass2, deps, hdr)}
	s.cancelPath = s.cancelTransaction
	s.closeFiles = s.out.close
	return s
}

func (s *SenderClass2) UpdateState(ev Event, p *pdu.PDU, req *Request) {
	if s.handleCommon(ev, req) {
		return
	}
	switch s.state {
	case StateAwaitPut:
		switch ev {
		case ReceivedPutRequest:
			s.startPut(&s.out, req)
		case SendFileDirective, SendFileData:
		default:
			s.unhandled(ev)
		}
	case StateSendingFile, StateAwaitFinished:
		switch ev {
		case SendFileDirective:
			s.pumpDirective()
		case SendFileData:
			if !s.resendNext() {
				s.sendFileData(&s.out)
			}
		case ReceivedNak:
			s.queueNak(p)
		case ReceivedAckEOF:
			s.ack.Cancel()
			s.ackRetries = 0
			s.inactivity.Start(s.deps.MIB.InactivityTimeout(s.tx.OtherEntityID))
		case ReceivedFinished:
			s.receiveFinished(p)
		case AckTimerExpired:
			s.retryEOF()
		case InactivityTimerExpired:
			s.inactive()
		default:
			s.unhandled(ev)
		}
	case StateCancelled:
		switch ev {
		case SendFileDirective:
			s.pumpDirective()
		case ReceivedAckEOF:
			s.finishAndShutdown()
		case ReceivedFinished:
			s.receiveFinished(p)
		case AckTimerExpired:
			s.retryEOF()
		default:
			s.unhandled(ev)
		}
	default:
		s.unhandled(ev)
	}
}

func (s *SenderClass2) pumpDirective() {
	code, ok := s.sendDirective()
	if !ok {
		return
	}
	switch code {
	case pdu.DirectiveEOF:
		s.ack.Start(s.deps.MIB.AckTimeout(s.tx.OtherEntityID))
		if s.state == StateSendingFile {
			s.state = StateAwaitFinished
		}
	case pdu.DirectiveACK:
		s.finishAndShutdown()
	}
}

func (s *SenderClass2) retryEOF() {
	if s.ackLimitHit() {
		return
	}
	eof := s.out.eof
	if s.tx.Cancelled {
		eof = s.out.cancelEOF(s.tx.ConditionCode)
	}
	s.queue.eof = eof
}

// queueNak splits each requested range into segments no longer than the
// negotiated segment length. The (0, 0) range asks for Metadata again.
func (s *SenderClass2) queueNak(p *pdu.PDU) {
	nak, ok := p.Body.(*pdu.NAK)
	if !ok {
		return
	}
	if s.inactivity.State() == timer.Running {
		s.inactivity.Restart()
	}
	size := s.tx.FileSize
	for _, seg := range nak.Segments {
		if seg.Start == 0 && seg.End == 0 {
			s.queue.metadata = s.out.metadata
			continue
		}
		end := min(seg.End, size)
		for start := seg.Start; start < end; {
			stop := min(end, start+uint32(s.out.segmentLen))
			s.nakQueue = append(s.nakQueue, pdu.SegmentRequest{Start: start, End: stop})
			start = stop
		}
	}
	s.log.Debug().Int("ranges", len(nak.Segments)).Int("queued", len(s.nakQueue)).Msg("nak received")
}

func (s *SenderClass2) resendNext() bool {
	if len(s.nakQueue) == 0 || s.blocked() {
		return false
	}
	seg := s.nakQueue[0]
	s.nakQueue = s.nakQueue[1:]
	s.resendSegment(&s.out, seg)
	return true
}

func (s *SenderClass2) receiveFinished(p *pdu.PDU) {
	fin, ok := p.Body.(*pdu.Finished)
	if !ok {
		return
	}
	s.ack.Cancel()
	s.inactivity.Cancel()
	s.nakQueue = nil
	if s.tx.ConditionCode == pdu.NoError {
		s.tx.ConditionCode = fin.ConditionCode
	}
	if fin.ConditionCode == pdu.CancelRequestReceived {
		s.tx.Cancelled = true
	}
	s.tx.DeliveryCode = fin.DeliveryCode
	s.tx.FileStatus = fin.FileStatus
	s.queue.clear()
	s.queue.ack = &pdu.ACK{
		Directive:         pdu.DirectiveFinished,
		Subtype:           1,
		ConditionCode:     fin.ConditionCode,
		TransactionStatus: pdu.StatusActive,
	}
}

func (s *SenderClass2) cancelTransaction(cc pdu.ConditionCode) {
	prev := s.state
	if !s.cancel(cc) {
		return
	}
	s.nakQueue = nil
	if prev == StateAwaitPut {
		s.finishAndShutdown()
		return
	}
	s.queue.eof = s.out.cancelEOF(cc)
}
