package engine

import (
	"github.com/danmuck/cfdp/internal/machine"
	"github.com/danmuck/cfdp/internal/observability"
	"github.com/danmuck/cfdp/internal/pdu"
)

// route decodes one inbound PDU and hands it to its transaction. Metadata
// or EOF for an unknown transaction opens a receiver; anything else for an
// unknown transaction is dropped.
func (e *Engine) route(raw []byte) {
	p, err := pdu.Decode(raw)
	if err != nil {
		observability.RecordDecodeError()
		e.log.Warn().Err(err).Int("bytes", len(raw)).Msg("inbound pdu dropped")
		return
	}
	kind := p.Kind()
	observability.RecordPDUReceived(kind)

	if !e.addressedToUs(p.Header) {
		e.log.Debug().
			Str("kind", kind).
			Uint64("source", uint64(p.Header.Source)).
			Uint64("destination", uint64(p.Header.Destination)).
			Msg("pdu for another entity dropped")
		return
	}
	ev, ok := machine.EventFor(p)
	if !ok {
		e.log.Debug().Str("kind", kind).Msg("pdu raises no event")
		return
	}
	id := p.TransactionID()
	m, ok := e.active[id]
	if !ok {
		if _, done := e.completed[id]; done {
			e.answerFinishedPeer(p)
			return
		}
		if !opensReceiver(p) || p.Header.Direction != pdu.TowardReceiver {
			e.log.Debug().Str("transaction", id.String()).Str("kind", kind).Msg("pdu for unknown transaction dropped")
			return
		}
		m = machine.New(machine.ReceiverRole(p.Header.Mode), e.deps(), p.Header)
		e.add(m)
		e.log.Info().
			Str("transaction", id.String()).
			Str("role", m.Role().String()).
			Msg("receiver opened")
	}
	e.dispatch(m, ev, p, nil)
}

func (e *Engine) addressedToUs(h pdu.Header) bool {
	if h.Direction == pdu.TowardReceiver {
		return h.Destination == e.cfg.EntityID
	}
	return h.Source == e.cfg.EntityID
}

func opensReceiver(p *pdu.PDU) bool {
	switch p.Body.(type) {
	case *pdu.Metadata, *pdu.EOF:
		return true
	}
	return false
}

// answerFinishedPeer acknowledges a Finished that arrives after its
// transaction already ended here, so the receiver can stop retrying.
func (e *Engine) answerFinishedPeer(p *pdu.PDU) {
	fin, ok := p.Body.(*pdu.Finished)
	if !ok {
		return
	}
	hdr := p.Header
	hdr.Direction = pdu.TowardReceiver
	e.enqueue(&pdu.PDU{Header: hdr, Body: &pdu.ACK{
		Directive:         pdu.DirectiveFinished,
		Subtype:           1,
		ConditionCode:     fin.ConditionCode,
		TransactionStatus: pdu.StatusTerminated,
	}})
}

// pump gives every live machine its timer check or one directive slot, then
// one data slot for senders.
func (e *Engine) pump() {
	for _, id := range e.order {
		m := e.active[id]
		if m.Finished() {
			continue
		}
		if ev, ok := m.ExpiredTimer(); ok {
			e.dispatch(m, ev, nil, nil)
			continue
		}
		if m.Role() != machine.RoleReceiverClass1 {
			e.dispatch(m, machine.SendFileDirective, nil, nil)
		}
	}
	for _, id := range e.order {
		m := e.active[id]
		if m.Finished() || !m.Role().IsSender() {
			continue
		}
		e.dispatch(m, machine.SendFileData, nil, nil)
	}
}

// transmit drains the outbound queue in FIFO order.
func (e *Engine) transmit() {
	for _, p := range e.outbound {
		raw, err := pdu.Encode(p)
		if err != nil {
			e.log.Error().Err(err).Str("kind", p.Kind()).Msg("encode outbound pdu")
			continue
		}
		dest := p.Header.Destination
		if p.Header.Direction == pdu.TowardSender {
			dest = p.Header.Source
		}
		if err := e.transport.Send(dest, p.TransactionID(), raw); err != nil {
			e.log.Warn().
				Err(err).
				Str("kind", p.Kind()).
				Uint64("destination", uint64(dest)).
				Msg("transport send")
			continue
		}
		e.sent++
		observability.RecordPDUSent(p.Kind())
	}
	e.outbound = e.outbound[:0]
}

// retire moves finished transactions out of the active table and ages
// completed ones into the archive.
func (e *Engine) retire() {
	now := e.clock.Now()
	kept := e.order[:0]
	for _, id := range e.order {
		m := e.active[id]
		if !m.Finished() {
			kept = append(kept, id)
			continue
		}
		rep := m.Report()
		e.completed[id] = completedEntry{report: rep, at: now}
		delete(e.active, id)
		observability.RecordTransaction(rep.Role.String(), rep.FinalStatus.String())
		e.log.Info().
			Str("transaction", id.String()).
			Str("final_status", rep.FinalStatus.String()).
			Msg("transaction retired")
	}
	e.order = kept
	observability.SetActiveTransactions(len(e.active))

	for id, entry := range e.completed {
		if now.Sub(entry.at) < e.cfg.Retention {
			continue
		}
		if e.cfg.Archive != nil {
			if err := e.cfg.Archive.Store(entry.report); err != nil {
				e.log.Error().Err(err).Str("transaction", id.String()).Msg("archive report")
				continue
			}
		}
		delete(e.completed, id)
	}
}
