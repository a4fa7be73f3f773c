package machine

import (
	"github.com/danmuck/cfdp/internal/filestore"
	"github.com/danmuck/cfdp/internal/mib"
	"github.com/danmuck/cfdp/internal/pdu"
	"github.com/danmuck/cfdp/internal/timer"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Deps are the collaborators a machine reaches outward through.
type Deps struct {
	MIB    *mib.MIB
	Store  *filestore.Store
	Clock  timer.Clock
	Send   func(*pdu.PDU)
	Notify IndicationHandler
}

// Machine is the surface the engine drives.
type Machine interface {
	ID() pdu.TransactionID
	Role() Role
	State() State
	Remote() pdu.EntityID
	Finished() bool
	Transaction() Transaction
	Report() Report
	ExpiredTimer() (Event, bool)
	UpdateState(ev Event, p *pdu.PDU, req *Request)
}

// New builds the machine for role. Senders start in StateAwaitPut and take
// their header from the Put request; receivers copy hdr from the first PDU.
func New(role Role, deps Deps, hdr pdu.Header) Machine {
	switch role {
	case RoleSenderClass1:
		return newSenderClass1(deps, hdr)
	case RoleSenderClass2:
		return newSenderClass2(deps, hdr)
	case RoleReceiverClass1:
		return newReceiverClass1(deps, hdr)
	default:
		return newReceiverClass2(deps, hdr)
	}
}

// outbox holds directives waiting for a SendFileDirective pump. A nil
// entry means nothing is pending for that directive.
type outbox struct {
	metadata *pdu.Metadata
	eof      *pdu.EOF
	ack      *pdu.ACK
	nak      *pdu.NAK
	finished *pdu.Finished
}

func (o *outbox) clear() { *o = outbox{} }

type core struct {
	role  Role
	state State
	tx    Transaction
	deps  Deps
	log   zerolog.Logger

	header    pdu.Header
	direction pdu.Direction
	queue     outbox

	inactivity *timer.Timer
	ack        *timer.Timer
	nak        *timer.Timer

	ackRetries int
	nakRetries int
	shut       bool

	// cancelPath runs the role-specific cancellation transition.
	cancelPath func(pdu.ConditionCode)
	// closeFiles releases role-owned file handles on shutdown.
	closeFiles func()
}

func newCore(role Role, deps Deps, hdr pdu.Header) core {
	if deps.Clock == nil {
		deps.Clock = timer.SystemClock{}
	}
	c := core{
		role:       role,
		deps:       deps,
		header:     hdr,
		inactivity: timer.New(deps.Clock),
		ack:        timer.New(deps.Clock),
		nak:        timer.New(deps.Clock),
	}
	c.tx.ID = hdr.TransactionID()
	c.tx.Mode = hdr.Mode
	c.tx.StartedAt = deps.Clock.Now()
	if role.IsSender() {
		c.state = StateAwaitPut
		c.direction = pdu.TowardReceiver
		c.tx.EntityID = hdr.Source
		c.tx.OtherEntityID = hdr.Destination
	} else {
		c.state = StateAwaitMetadata
		c.direction = pdu.TowardSender
		c.tx.EntityID = hdr.Destination
		c.tx.OtherEntityID = hdr.Source
	}
	c.tx.FileStatus = pdu.FileStatusUnreported
	c.log = log.With().
		Str("transaction", c.tx.ID.String()).
		Str("role", role.String()).
		Logger()
	return c
}

func (c *core) ID() pdu.TransactionID    { return c.tx.ID }
func (c *core) Role() Role               { return c.role }
func (c *core) State() State             { return c.state }
func (c *core) Remote() pdu.EntityID     { return c.tx.OtherEntityID }
func (c *core) Finished() bool           { return c.tx.Finished }
func (c *core) Transaction() Transaction { return c.tx }

func (c *core) Report() Report {
	return Report{
		ID:              c.tx.ID,
		Role:            c.role,
		State:           c.state,
		Mode:            c.tx.Mode,
		Remote:          c.tx.OtherEntityID,
		Suspended:       c.tx.Suspended,
		Frozen:          c.tx.Frozen,
		Cancelled:       c.tx.Cancelled,
		Abandoned:       c.tx.Abandoned,
		Finished:        c.tx.Finished,
		ConditionCode:   c.tx.ConditionCode,
		DeliveryCode:    c.tx.DeliveryCode,
		FileStatus:      c.tx.FileStatus,
		FinalStatus:     c.tx.FinalStatus,
		FileSize:        c.tx.FileSize,
		Progress:        c.tx.Progress,
		SourcePath:      c.tx.SourcePath,
		DestinationPath: c.tx.DestinationPath,
		StartedAt:       c.tx.StartedAt,
		FinishedAt:      c.tx.FinishedAt,
	}
}

// ExpiredTimer reports the first expired timer as the event it raises.
func (c *core) ExpiredTimer() (Event, bool) {
	if c.tx.Finished {
		return 0, false
	}
	switch {
	case c.inactivity.Expired():
		return InactivityTimerExpired, true
	case c.ack.Expired():
		return AckTimerExpired, true
	case c.nak.Expired():
		return NakTimerExpired, true
	}
	return 0, false
}

func (c *core) notify(ind Indication) {
	if c.deps.Notify == nil {
		return
	}
	ind.TransactionID = c.tx.ID
	c.deps.Notify(ind)
}

func (c *core) emit(body pdu.Body) {
	hdr := c.header
	hdr.Direction = c.direction
	c.deps.Send(&pdu.PDU{Header: hdr, Body: body})
}

// blocked reports whether output is held. A cancelled transaction keeps
// talking so the peer learns about the cancellation.
func (c *core) blocked() bool {
	return (c.tx.Suspended || c.tx.Frozen) && !c.tx.Cancelled
}

// sendDirective emits the highest-priority pending directive.
func (c *core) sendDirective() (pdu.DirectiveCode, bool) {
	if c.blocked() {
		return 0, false
	}
	var (
		body pdu.Body
		code pdu.DirectiveCode
	)
	switch {
	case c.queue.metadata != nil:
		body, code = c.queue.metadata, pdu.DirectiveMetadata
		c.queue.metadata = nil
	case c.queue.eof != nil:
		body, code = c.queue.eof, pdu.DirectiveEOF
		c.queue.eof = nil
	case c.queue.ack != nil:
		body, code = c.queue.ack, pdu.DirectiveACK
		c.queue.ack = nil
	case c.queue.nak != nil:
		body, code = c.queue.nak, pdu.DirectiveNAK
		c.queue.nak = nil
	case c.queue.finished != nil:
		body, code = c.queue.finished, pdu.DirectiveFinished
		c.queue.finished = nil
	default:
		return 0, false
	}
	c.emit(body)
	c.log.Debug().Str("directive", code.String()).Msg("directive sent")
	if code == pdu.DirectiveEOF {
		c.tx.EOFSent = true
		if c.deps.MIB.IssueEOFSent() {
			c.notify(Indication{Kind: IndicationEOFSent})
		}
	}
	return code, true
}

// handleCommon applies the events every role treats the same way. It
// returns true when ev needs no further role handling.
func (c *core) handleCommon(ev Event, req *Request) bool {
	if ev == ReceivedReportRequest {
		c.notify(Indication{Kind: IndicationReport, Report: c.Report()})
		return true
	}
	if c.tx.Finished {
		c.log.Debug().Str("event", ev.String()).Msg("event after finish ignored")
		return true
	}
	switch ev {
	case ReceivedSuspendRequest, NoticeOfSuspension:
		c.suspend(req.conditionOr(pdu.SuspendRequestReceived))
	case ReceivedResumeRequest:
		c.resume()
	case ReceivedFreezeRequest:
		c.freeze()
	case ReceivedThawRequest:
		c.thaw()
	case ReceivedCancelRequest, NoticeOfCancellation:
		c.cancelPath(req.conditionOr(pdu.CancelRequestReceived))
	default:
		return false
	}
	return true
}

func (c *core) unhandled(ev Event) {
	c.log.Debug().
		Str("event", ev.String()).
		Str("state", c.state.String()).
		Msg("event ignored in state")
}

// fault applies the MIB policy for cc and reports which one ran.
func (c *core) fault(cc pdu.ConditionCode) mib.HandlerCode {
	h := c.deps.MIB.FaultHandler(cc)
	c.log.Warn().
		Str("condition", cc.String()).
		Str("handler", h.String()).
		Msg("fault")
	c.notify(Indication{Kind: IndicationFault, ConditionCode: cc, Handler: h})
	switch h {
	case mib.Cancel:
		c.cancelPath(cc)
	case mib.Suspend:
		c.suspend(cc)
	case mib.Abandon:
		c.abandon(cc)
	}
	return h
}

func (c *core) live() bool {
	return !c.tx.Finished && !c.tx.Cancelled
}

func (c *core) pauseTimers() {
	c.inactivity.Pause()
	c.ack.Pause()
	c.nak.Pause()
}

func (c *core) resumeTimers() {
	c.inactivity.Resume()
	c.ack.Resume()
	c.nak.Resume()
}

func (c *core) cancelTimers() {
	c.inactivity.Cancel()
	c.ack.Cancel()
	c.nak.Cancel()
}

func (c *core) suspend(cc pdu.ConditionCode) {
	if c.tx.Suspended {
		return
	}
	c.tx.Suspended = true
	c.pauseTimers()
	c.log.Info().Str("condition", cc.String()).Msg("suspended")
	if c.deps.MIB.IssueSuspended() {
		c.notify(Indication{Kind: IndicationSuspended, ConditionCode: cc})
	}
}

func (c *core) resume() {
	if !c.tx.Suspended {
		return
	}
	c.tx.Suspended = false
	if !c.tx.Frozen {
		c.resumeTimers()
	}
	c.log.Info().Msg("resumed")
	if c.deps.MIB.IssueResumed() {
		c.notify(Indication{Kind: IndicationResumed, Report: c.Report()})
	}
}

func (c *core) freeze() {
	if c.tx.Frozen {
		return
	}
	c.tx.Frozen = true
	c.pauseTimers()
}

func (c *core) thaw() {
	if !c.tx.Frozen {
		return
	}
	c.tx.Frozen = false
	if !c.tx.Suspended {
		c.resumeTimers()
	}
}

// cancel marks the transaction cancelled once. Pending output and timers
// are dropped; the caller queues whatever tells the peer.
func (c *core) cancel(cc pdu.ConditionCode) bool {
	if c.tx.Cancelled || c.tx.Finished {
		return false
	}
	c.tx.Cancelled = true
	c.tx.ConditionCode = cc
	c.queue.clear()
	c.cancelTimers()
	c.ackRetries = 0
	c.state = StateCancelled
	c.log.Info().Str("condition", cc.String()).Msg("cancelled")
	return true
}

func (c *core) finalStatus() FinalStatus {
	switch {
	case c.tx.Abandoned:
		return FinalAbandoned
	case !c.role.IsSender() && !c.tx.MetadataReceived:
		return FinalNoMetadata
	case c.tx.Cancelled:
		return FinalCancelled
	case c.tx.ConditionCode != pdu.NoError:
		return FinalFailed
	default:
		return FinalSuccessful
	}
}

func (c *core) finishTransaction() {
	if c.tx.Finished {
		return
	}
	c.queue.clear()
	c.cancelTimers()
	c.tx.Finished = true
	c.tx.FinalStatus = c.finalStatus()
	c.tx.FinishedAt = c.deps.Clock.Now()
	c.log.Info().
		Str("final_status", c.tx.FinalStatus.String()).
		Str("condition", c.tx.ConditionCode.String()).
		Msg("transaction finished")
	if c.deps.MIB.IssueTransactionFinished() {
		c.notify(Indication{
			Kind:          IndicationTransactionFinished,
			ConditionCode: c.tx.ConditionCode,
			Report:        c.Report(),
		})
	}
}

func (c *core) shutdown() {
	if c.shut {
		return
	}
	c.shut = true
	if c.closeFiles != nil {
		c.closeFiles()
	}
}

func (c *core) abandon(cc pdu.ConditionCode) {
	if c.tx.Abandoned {
		return
	}
	c.tx.Abandoned = true
	if c.tx.ConditionCode == pdu.NoError {
		c.tx.ConditionCode = cc
	}
	c.log.Warn().Str("condition", cc.String()).Msg("abandoned")
	c.notify(Indication{Kind: IndicationAbandoned, ConditionCode: cc})
	c.finishTransaction()
	c.shutdown()
}

// finishAndShutdown is the terminal step shared by most transitions.
func (c *core) finishAndShutdown() {
	c.finishTransaction()
	c.shutdown()
}

// ackLimitHit counts one ack-timer expiry and applies the positive-ack
// limit. It returns true when the transaction must stop retrying.
func (c *core) ackLimitHit() bool {
	c.ackRetries++
	if c.ackRetries <= c.deps.MIB.AckLimit(c.tx.OtherEntityID) {
		return false
	}
	c.fault(pdu.PositiveAckLimitReached)
	if !c.tx.Finished {
		c.abandon(pdu.PositiveAckLimitReached)
	}
	return true
}

// inactive handles an inactivity expiry; the timer rearms while the
// transaction is still live.
func (c *core) inactive() {
	c.fault(pdu.InactivityDetected)
	if c.live() && !c.tx.Suspended {
		c.inactivity.Restart()
	}
}
