package machine

import "github.com/danmuck/cfdp/internal/pdu"

// Request carries user-primitive arguments into UpdateState.
type Request struct {
	Destination     pdu.EntityID
	SourcePath      string
	DestinationPath string
	Mode            *pdu.TransmissionMode
	// ConditionCode qualifies cancel/suspend notices raised by fault handling.
	ConditionCode pdu.ConditionCode
}

func (r *Request) conditionOr(def pdu.ConditionCode) pdu.ConditionCode {
	if r == nil || r.ConditionCode == pdu.NoError {
		return def
	}
	return r.ConditionCode
}
