package machine

import (
	"fmt"
	"time"

	"github.com/danmuck/cfdp/internal/pdu"
)

// Role selects one of the four state machines.
type Role int

const (
	RoleSenderClass1 Role = iota + 1
	RoleSenderClass2
	RoleReceiverClass1
	RoleReceiverClass2
)

func (r Role) String() string {
	switch r {
	case RoleSenderClass1:
		return "sender_class1"
	case RoleSenderClass2:
		return "sender_class2"
	case RoleReceiverClass1:
		return "receiver_class1"
	case RoleReceiverClass2:
		return "receiver_class2"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

func (r Role) IsSender() bool {
	return r == RoleSenderClass1 || r == RoleSenderClass2
}

// SenderRole maps a transmission mode to the sending machine for it.
func SenderRole(mode pdu.TransmissionMode) Role {
	if mode == pdu.Acknowledged {
		return RoleSenderClass2
	}
	return RoleSenderClass1
}

// ReceiverRole maps a transmission mode to the receiving machine for it.
func ReceiverRole(mode pdu.TransmissionMode) Role {
	if mode == pdu.Acknowledged {
		return RoleReceiverClass2
	}
	return RoleReceiverClass1
}

// State is the protocol state of a machine.
type State int

const (
	StateAwaitPut State = iota + 1
	StateSendingFile
	StateAwaitFinished
	StateAwaitMetadata
	StateAwaitEOF
	StateGetMissingData
	StateSendFinished
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateAwaitPut:
		return "await_put_request"
	case StateSendingFile:
		return "sending_file"
	case StateAwaitFinished:
		return "send_eof_fill_gaps"
	case StateAwaitMetadata:
		return "await_metadata"
	case StateAwaitEOF:
		return "await_eof"
	case StateGetMissingData:
		return "get_missing_data"
	case StateSendFinished:
		return "send_finished"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// FinalStatus summarizes how a finished transaction ended.
type FinalStatus int

const (
	FinalUnknown FinalStatus = iota
	FinalSuccessful
	FinalCancelled
	FinalAbandoned
	FinalNoMetadata
	FinalFailed
)

func (f FinalStatus) String() string {
	switch f {
	case FinalSuccessful:
		return "successful"
	case FinalCancelled:
		return "cancelled"
	case FinalAbandoned:
		return "abandoned"
	case FinalNoMetadata:
		return "no_metadata"
	case FinalFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Transaction is the mutable record a machine owns exclusively.
type Transaction struct {
	ID            pdu.TransactionID
	EntityID      pdu.EntityID
	OtherEntityID pdu.EntityID
	Mode          pdu.TransmissionMode

	Abandoned bool
	Cancelled bool
	Suspended bool
	Frozen    bool
	Finished  bool

	ConditionCode pdu.ConditionCode
	DeliveryCode  pdu.DeliveryCode
	FileStatus    pdu.FileStatus
	FinalStatus   FinalStatus

	MetadataReceived bool
	EOFSent          bool
	EOFReceived      bool
	FileTransfer     bool

	FileSize     uint32
	FileChecksum uint32
	RecvFileSize uint64
	Progress     uint64

	SourcePath          string
	DestinationPath     string
	FullSourcePath      string
	TempPath            string
	FullDestinationPath string

	StartedAt  time.Time
	FinishedAt time.Time
}

// Report is a point-in-time view of one transaction.
type Report struct {
	ID              pdu.TransactionID    `json:"id"`
	Role            Role                 `json:"role"`
	State           State                `json:"state"`
	Mode            pdu.TransmissionMode `json:"mode"`
	Remote          pdu.EntityID         `json:"remote"`
	Suspended       bool                 `json:"suspended"`
	Frozen          bool                 `json:"frozen"`
	Cancelled       bool                 `json:"cancelled"`
	Abandoned       bool                 `json:"abandoned"`
	Finished        bool                 `json:"finished"`
	ConditionCode   pdu.ConditionCode    `json:"condition_code"`
	DeliveryCode    pdu.DeliveryCode     `json:"delivery_code"`
	FileStatus      pdu.FileStatus       `json:"file_status"`
	FinalStatus     FinalStatus          `json:"final_status"`
	FileSize        uint32               `json:"file_size"`
	Progress        uint64               `json:"progress"`
	SourcePath      string               `json:"source_path"`
	DestinationPath string               `json:"destination_path"`
	StartedAt       time.Time            `json:"started_at"`
	FinishedAt      time.Time            `json:"finished_at,omitzero"`
}
