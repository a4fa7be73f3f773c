package pdu

import "fmt"

// EntityID identifies a CFDP entity. Encoded in 1 to 8 octets.
type EntityID uint64

// TransactionID keys a transaction: the sending entity and its sequence number.
type TransactionID struct {
	Source   EntityID
	Sequence uint64
}

func (id TransactionID) String() string {
	return fmt.Sprintf("%d:%d", id.Source, id.Sequence)
}

// PDUType is the header pdu_type bit.
type PDUType uint8

const (
	TypeFileDirective PDUType = 0
	TypeFileData      PDUType = 1
)

func (t PDUType) String() string {
	if t == TypeFileData {
		return "file_data"
	}
	return "file_directive"
}

// Direction is the header direction bit.
type Direction uint8

const (
	TowardReceiver Direction = 0
	TowardSender   Direction = 1
)

func (d Direction) String() string {
	if d == TowardSender {
		return "toward_sender"
	}
	return "toward_receiver"
}

// TransmissionMode is the header transmission_mode bit.
type TransmissionMode uint8

const (
	Acknowledged   TransmissionMode = 0
	Unacknowledged TransmissionMode = 1
)

func (m TransmissionMode) String() string {
	if m == Acknowledged {
		return "ack"
	}
	return "no_ack"
}

// ParseTransmissionMode accepts "ack"/"class2" and "no_ack"/"class1".
func ParseTransmissionMode(raw string) (TransmissionMode, error) {
	switch raw {
	case "ack", "class2", "2":
		return Acknowledged, nil
	case "no_ack", "noack", "class1", "1":
		return Unacknowledged, nil
	default:
		return Unacknowledged, fmt.Errorf("pdu: unknown transmission mode %q", raw)
	}
}

// DirectiveCode is the first octet of every file-directive body.
type DirectiveCode uint8

const (
	DirectiveEOF       DirectiveCode = 0x04
	DirectiveFinished  DirectiveCode = 0x05
	DirectiveACK       DirectiveCode = 0x06
	DirectiveMetadata  DirectiveCode = 0x07
	DirectiveNAK       DirectiveCode = 0x08
	DirectivePrompt    DirectiveCode = 0x09
	DirectiveKeepAlive DirectiveCode = 0x0C
)

func (d DirectiveCode) String() string {
	switch d {
	case DirectiveEOF:
		return "eof"
	case DirectiveFinished:
		return "finished"
	case DirectiveACK:
		return "ack"
	case DirectiveMetadata:
		return "metadata"
	case DirectiveNAK:
		return "nak"
	case DirectivePrompt:
		return "prompt"
	case DirectiveKeepAlive:
		return "keep_alive"
	default:
		return fmt.Sprintf("directive(0x%02x)", uint8(d))
	}
}

// ConditionCode is the 4-bit protocol fault vocabulary.
type ConditionCode uint8

const (
	NoError                 ConditionCode = 0
	PositiveAckLimitReached ConditionCode = 1
	KeepAliveLimitReached   ConditionCode = 2
	InvalidTransmissionMode ConditionCode = 3
	FilestoreRejection      ConditionCode = 4
	FileChecksumFailure     ConditionCode = 5
	FileSizeError           ConditionCode = 6
	NakLimitReached         ConditionCode = 7
	InactivityDetected      ConditionCode = 8
	InvalidFileStructure    ConditionCode = 9
	CheckLimitReached       ConditionCode = 10
	SuspendRequestReceived  ConditionCode = 14
	CancelRequestReceived   ConditionCode = 15
)

var conditionNames = map[ConditionCode]string{
	NoError:                 "no_error",
	PositiveAckLimitReached: "positive_ack_limit_reached",
	KeepAliveLimitReached:   "keep_alive_limit_reached",
	InvalidTransmissionMode: "invalid_transmission_mode",
	FilestoreRejection:      "filestore_rejection",
	FileChecksumFailure:     "file_checksum_failure",
	FileSizeError:           "file_size_error",
	NakLimitReached:         "nak_limit_reached",
	InactivityDetected:      "inactivity_detected",
	InvalidFileStructure:    "invalid_file_structure",
	CheckLimitReached:       "check_limit_reached",
	SuspendRequestReceived:  "suspend_request_received",
	CancelRequestReceived:   "cancel_request_received",
}

func (c ConditionCode) String() string {
	if name, ok := conditionNames[c]; ok {
		return name
	}
	return fmt.Sprintf("condition(%d)", uint8(c))
}

// ParseConditionCode maps a snake_case name back to its code.
func ParseConditionCode(raw string) (ConditionCode, bool) {
	for code, name := range conditionNames {
		if name == raw {
			return code, true
		}
	}
	return 0, false
}

// DeliveryCode reports whether all file data arrived.
type DeliveryCode uint8

const (
	DataComplete   DeliveryCode = 0
	DataIncomplete DeliveryCode = 1
)

func (d DeliveryCode) String() string {
	if d == DataIncomplete {
		return "data_incomplete"
	}
	return "data_complete"
}

// FileStatus is the 2-bit Finished file status.
type FileStatus uint8

const (
	FileDiscardedDeliberately FileStatus = 0
	FileDiscardedByFilestore  FileStatus = 1
	FileRetained              FileStatus = 2
	FileStatusUnreported      FileStatus = 3
)

func (f FileStatus) String() string {
	switch f {
	case FileDiscardedDeliberately:
		return "discarded_deliberately"
	case FileDiscardedByFilestore:
		return "discarded_filestore_rejection"
	case FileRetained:
		return "retained"
	default:
		return "unreported"
	}
}

// TransactionStatus is the 2-bit ACK transaction status.
type TransactionStatus uint8

const (
	StatusUndefined    TransactionStatus = 0
	StatusActive       TransactionStatus = 1
	StatusTerminated   TransactionStatus = 2
	StatusUnrecognized TransactionStatus = 3
)

func (s TransactionStatus) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusTerminated:
		return "terminated"
	case StatusUnrecognized:
		return "unrecognized"
	default:
		return "undefined"
	}
}
