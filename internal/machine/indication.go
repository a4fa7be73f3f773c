package machine

import (
	"github.com/danmuck/cfdp/internal/mib"
	"github.com/danmuck/cfdp/internal/pdu"
)

// IndicationKind names a user-facing notification.
type IndicationKind int

const (
	IndicationTransaction IndicationKind = iota + 1
	IndicationEOFSent
	IndicationEOFReceived
	IndicationMetadataReceived
	IndicationFileSegmentReceived
	IndicationReport
	IndicationSuspended
	IndicationResumed
	IndicationFault
	IndicationAbandoned
	IndicationTransactionFinished
)

func (k IndicationKind) String() string {
	switch k {
	case IndicationTransaction:
		return "transaction"
	case IndicationEOFSent:
		return "eof_sent"
	case IndicationEOFReceived:
		return "eof_received"
	case IndicationMetadataReceived:
		return "metadata_received"
	case IndicationFileSegmentReceived:
		return "file_segment_received"
	case IndicationReport:
		return "report"
	case IndicationSuspended:
		return "suspended"
	case IndicationResumed:
		return "resumed"
	case IndicationFault:
		return "fault"
	case IndicationAbandoned:
		return "abandoned"
	case IndicationTransactionFinished:
		return "transaction_finished"
	default:
		return "unknown"
	}
}

// Indication is delivered to the user handler synchronously from
// UpdateState. Handlers must not call back into the engine.
type Indication struct {
	Kind          IndicationKind
	TransactionID pdu.TransactionID
	ConditionCode pdu.ConditionCode
	Handler       mib.HandlerCode
	Offset        uint32
	Length        int
	Report        Report
}

// IndicationHandler receives indications.
type IndicationHandler func(Indication)
