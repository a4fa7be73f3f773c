package machine

import (
	"fmt"

	"github.com/danmuck/cfdp/internal/pdu"
)

// Event drives UpdateState.
type Event int

const (
	ReceivedPutRequest Event = iota + 1
	ReceivedReportRequest
	ReceivedCancelRequest
	ReceivedSuspendRequest
	ReceivedResumeRequest
	ReceivedFreezeRequest
	ReceivedThawRequest
	NoticeOfCancellation
	NoticeOfSuspension
	SendFileDirective
	SendFileData
	ReceivedMetadata
	ReceivedFileData
	ReceivedEOFNoError
	ReceivedEOFCancel
	ReceivedAckEOF
	ReceivedAckFinished
	ReceivedNak
	ReceivedFinished
	InactivityTimerExpired
	AckTimerExpired
	NakTimerExpired
)

var eventNames = map[Event]string{
	ReceivedPutRequest:     "received_put_request",
	ReceivedReportRequest:  "received_report_request",
	ReceivedCancelRequest:  "received_cancel_request",
	ReceivedSuspendRequest: "received_suspend_request",
	ReceivedResumeRequest:  "received_resume_request",
	ReceivedFreezeRequest:  "received_freeze_request",
	ReceivedThawRequest:    "received_thaw_request",
	NoticeOfCancellation:   "notice_of_cancellation",
	NoticeOfSuspension:     "notice_of_suspension",
	SendFileDirective:      "send_file_directive",
	SendFileData:           "send_file_data",
	ReceivedMetadata:       "received_metadata",
	ReceivedFileData:       "received_file_data",
	ReceivedEOFNoError:     "received_eof_no_error",
	ReceivedEOFCancel:      "received_eof_cancel",
	ReceivedAckEOF:         "received_ack_eof",
	ReceivedAckFinished:    "received_ack_finished",
	ReceivedNak:            "received_nak",
	ReceivedFinished:       "received_finished",
	InactivityTimerExpired: "inactivity_timer_expired",
	AckTimerExpired:        "ack_timer_expired",
	NakTimerExpired:        "nak_timer_expired",
}

func (e Event) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// EventFor maps an inbound PDU to the event it raises. ACKs of anything
// other than EOF or Finished raise nothing.
func EventFor(p *pdu.PDU) (Event, bool) {
	switch b := p.Body.(type) {
	case *pdu.Metadata:
		return ReceivedMetadata, true
	case *pdu.FileData:
		return ReceivedFileData, true
	case *pdu.EOF:
		if b.ConditionCode == pdu.NoError {
			return ReceivedEOFNoError, true
		}
		return ReceivedEOFCancel, true
	case *pdu.ACK:
		switch b.Directive {
		case pdu.DirectiveEOF:
			return ReceivedAckEOF, true
		case pdu.DirectiveFinished:
			return ReceivedAckFinished, true
		}
	case *pdu.NAK:
		return ReceivedNak, true
	case *pdu.Finished:
		return ReceivedFinished, true
	}
	return 0, false
}
