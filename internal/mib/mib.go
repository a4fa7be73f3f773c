// Package mib owns the Management Information Base: local entity flags,
// the fault-handler policy map, and per-remote-entity transfer parameters.
//
// Reads are concurrent; writes (SetLocal/SetRemote/Load) are serialized.
package mib

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/cfdp/internal/pdu"
)

// HandlerCode is the fault policy applied to a condition code.
type HandlerCode int

const (
	Ignore HandlerCode = iota
	Cancel
	Suspend
	Abandon
)

func (h HandlerCode) String() string {
	switch h {
	case Cancel:
		return "cancel"
	case Suspend:
		return "suspend"
	case Abandon:
		return "abandon"
	default:
		return "ignore"
	}
}

func ParseHandlerCode(raw string) (HandlerCode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "ignore":
		return Ignore, nil
	case "cancel":
		return Cancel, nil
	case "suspend":
		return Suspend, nil
	case "abandon":
		return Abandon, nil
	default:
		return Ignore, fmt.Errorf("mib: unknown fault handler %q", raw)
	}
}

// LocalEntity holds the indication switches and fault policy of this entity.
type LocalEntity struct {
	EntityID                 pdu.EntityID
	IssueEOFSent             bool
	IssueEOFRecv             bool
	IssueFileSegmentRecv     bool
	IssueTransactionFinished bool
	IssueSuspended           bool
	IssueResumed             bool
	FaultHandlers            map[pdu.ConditionCode]HandlerCode
}

// RemoteEntity holds transfer parameters toward one peer.
type RemoteEntity struct {
	EntityID                  pdu.EntityID
	UTAddress                 string
	AckLimit                  int
	AckTimeout                time.Duration
	InactivityTimeout         time.Duration
	NakTimeout                time.Duration
	NakLimit                  int
	MaximumFileSegmentLength  int
	TransmissionMode          pdu.TransmissionMode
	CRCRequiredOnTransmission bool
}

func DefaultLocalEntity(id pdu.EntityID) LocalEntity {
	return LocalEntity{
		EntityID:                 id,
		IssueEOFSent:             true,
		IssueEOFRecv:             false,
		IssueFileSegmentRecv:     false,
		IssueTransactionFinished: true,
		IssueSuspended:           true,
		IssueResumed:             true,
		FaultHandlers:            map[pdu.ConditionCode]HandlerCode{},
	}
}

func DefaultRemoteEntity(id pdu.EntityID) RemoteEntity {
	return RemoteEntity{
		EntityID:                  id,
		AckLimit:                  2,
		AckTimeout:                10 * time.Second,
		InactivityTimeout:         30 * time.Second,
		NakTimeout:                10 * time.Second,
		NakLimit:                  2,
		MaximumFileSegmentLength:  4096,
		TransmissionMode:          pdu.Unacknowledged,
		CRCRequiredOnTransmission: false,
	}
}

type MIB struct {
	mu       sync.RWMutex
	local    LocalEntity
	remotes  map[pdu.EntityID]RemoteEntity
	defaults RemoteEntity
}

func New(local pdu.EntityID) *MIB {
	return &MIB{
		local:    DefaultLocalEntity(local),
		remotes:  make(map[pdu.EntityID]RemoteEntity),
		defaults: DefaultRemoteEntity(0),
	}
}

func (m *MIB) LocalEntityID() pdu.EntityID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.local.EntityID
}

func (m *MIB) SetLocalEntityID(id pdu.EntityID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.local.EntityID = id
}

// Local returns a copy of the local entity record.
func (m *MIB) Local() LocalEntity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.local
	out.FaultHandlers = make(map[pdu.ConditionCode]HandlerCode, len(m.local.FaultHandlers))
	for k, v := range m.local.FaultHandlers {
		out.FaultHandlers[k] = v
	}
	return out
}

func (m *MIB) SetLocal(l LocalEntity) {
	if l.FaultHandlers == nil {
		l.FaultHandlers = map[pdu.ConditionCode]HandlerCode{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.local = l
}

// Remote returns the record for id, or the defaults stamped with id.
func (m *MIB) Remote(id pdu.EntityID) RemoteEntity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.remotes[id]; ok {
		return r
	}
	r := m.defaults
	r.EntityID = id
	return r
}

func (m *MIB) SetRemote(r RemoteEntity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remotes[r.EntityID] = r
}

// SetDefaults replaces the record used for remotes with no entry.
func (m *MIB) SetDefaults(r RemoteEntity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaults = r
}

// Remotes returns configured remote records, unordered.
func (m *MIB) Remotes() []RemoteEntity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RemoteEntity, 0, len(m.remotes))
	for _, r := range m.remotes {
		out = append(out, r)
	}
	return out
}

func (m *MIB) AckLimit(id pdu.EntityID) int {
	return m.Remote(id).AckLimit
}

func (m *MIB) AckTimeout(id pdu.EntityID) time.Duration {
	return m.Remote(id).AckTimeout
}

func (m *MIB) InactivityTimeout(id pdu.EntityID) time.Duration {
	return m.Remote(id).InactivityTimeout
}

func (m *MIB) NakTimeout(id pdu.EntityID) time.Duration {
	return m.Remote(id).NakTimeout
}

func (m *MIB) NakLimit(id pdu.EntityID) int {
	return m.Remote(id).NakLimit
}

func (m *MIB) MaximumFileSegmentLength(id pdu.EntityID) int {
	return m.Remote(id).MaximumFileSegmentLength
}

func (m *MIB) TransmissionMode(id pdu.EntityID) pdu.TransmissionMode {
	return m.Remote(id).TransmissionMode
}

func (m *MIB) CRCRequiredOnTransmission(id pdu.EntityID) bool {
	return m.Remote(id).CRCRequiredOnTransmission
}

func (m *MIB) IssueEOFSent() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.local.IssueEOFSent
}

func (m *MIB) IssueEOFRecv() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.local.IssueEOFRecv
}

func (m *MIB) IssueFileSegmentRecv() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.local.IssueFileSegmentRecv
}

func (m *MIB) IssueTransactionFinished() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.local.IssueTransactionFinished
}

func (m *MIB) IssueSuspended() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.local.IssueSuspended
}

func (m *MIB) IssueResumed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.local.IssueResumed
}

// FaultHandler returns the policy for cc, Ignore when unset.
func (m *MIB) FaultHandler(cc pdu.ConditionCode) HandlerCode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.local.FaultHandlers[cc]
}

func (m *MIB) SetFaultHandler(cc pdu.ConditionCode, h HandlerCode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.local.FaultHandlers[cc] = h
}
