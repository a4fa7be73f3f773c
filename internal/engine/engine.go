// Package engine is the CFDP entity: it owns the transaction table,
// routes inbound PDUs to state machines, pumps their output to a transport,
// and exposes the user primitives (Put, Report, Cancel, Suspend, Resume,
// Freeze, Thaw).
//
// Every mutation happens under one engine mutex, so at most one caller
// touches any machine at a time. Indication handlers run under that lock
// and must not call back into the engine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/danmuck/cfdp/internal/filestore"
	"github.com/danmuck/cfdp/internal/machine"
	"github.com/danmuck/cfdp/internal/mib"
	"github.com/danmuck/cfdp/internal/observability"
	"github.com/danmuck/cfdp/internal/pdu"
	"github.com/danmuck/cfdp/internal/timer"
	"github.com/danmuck/cfdp/internal/transport"
	"github.com/rs/zerolog"
)

var (
	ErrInvalidTransaction = errors.New("engine: invalid transaction")
	ErrAbsolutePath       = errors.New("engine: path must be relative")
	ErrEngineClosed       = errors.New("engine: closed")
	ErrMissingDependency  = errors.New("engine: missing dependency")
)

const (
	defaultTickInterval = 5 * time.Millisecond
	defaultRetention    = 10 * time.Minute
)

// Archive stores reports of transactions evicted from memory.
type Archive interface {
	Store(machine.Report) error
	Load(pdu.TransactionID) (machine.Report, error)
}

type Config struct {
	EntityID     pdu.EntityID
	Clock        timer.Clock
	TickInterval time.Duration
	// IngestBatch bounds how many inbound PDUs one Tick decodes.
	IngestBatch  int
	// Retention is how long finished transactions stay queryable in memory
	// before they move to the archive.
	Retention    time.Duration
	MIB          *mib.MIB
	Store        *filestore.Store
	Transport    transport.Transport
	Archive      Archive
	OnIndication machine.IndicationHandler
}

type completedEntry struct {
	report machine.Report
	at     time.Time
}

type Engine struct {
	mu        sync.Mutex
	cfg       Config
	mib       *mib.MIB
	clock     timer.Clock
	transport transport.Transport
	log       zerolog.Logger

	active    map[pdu.TransactionID]machine.Machine
	order     []pdu.TransactionID
	completed map[pdu.TransactionID]completedEntry

	inbound  [][]byte
	outbound []*pdu.PDU
	memo     map[string]struct{}

	sequence uint64
	sent     uint64
	closed   bool
}

func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Transport == nil {
		return nil, fmt.Errorf("%w: store and transport are required", ErrMissingDependency)
	}
	if cfg.Clock == nil {
		cfg.Clock = timer.SystemClock{}
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.IngestBatch <= 0 {
		cfg.IngestBatch = 1
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.MIB == nil {
		cfg.MIB = mib.New(cfg.EntityID)
	}
	if cfg.EntityID == 0 {
		cfg.EntityID = cfg.MIB.LocalEntityID()
	} else {
		cfg.MIB.SetLocalEntityID(cfg.EntityID)
	}
	observability.RegisterMetrics()
	return &Engine{
		cfg:       cfg,
		mib:       cfg.MIB,
		clock:     cfg.Clock,
		transport: cfg.Transport,
		log:       observability.Component("engine").With().Uint64("entity", uint64(cfg.EntityID)).Logger(),
		active:    make(map[pdu.TransactionID]machine.Machine),
		completed: make(map[pdu.TransactionID]completedEntry),
		memo:      make(map[string]struct{}),
	}, nil
}

func (e *Engine) EntityID() pdu.EntityID {
	return e.cfg.EntityID
}

func (e *Engine) MIB() *mib.MIB {
	return e.mib
}

func (e *Engine) deps() machine.Deps {
	return machine.Deps{
		MIB:    e.mib,
		Store:  e.cfg.Store,
		Clock:  e.clock,
		Send:   e.enqueue,
		Notify: e.indicate,
	}
}

func (e *Engine) enqueue(p *pdu.PDU) {
	e.outbound = append(e.outbound, p)
}

func (e *Engine) indicate(ind machine.Indication) {
	if ind.Kind == machine.IndicationFault {
		observability.RecordFault(ind.ConditionCode.String(), ind.Handler.String())
	}
	if e.cfg.OnIndication != nil {
		e.cfg.OnIndication(ind)
	}
}

func (e *Engine) add(m machine.Machine) {
	e.active[m.ID()] = m
	e.order = append(e.order, m.ID())
	observability.SetActiveTransactions(len(e.active))
}

// dispatch runs one event through m. A panic inside a machine is logged
// and contained so the other transactions keep running.
func (e *Engine) dispatch(m machine.Machine, ev machine.Event, p *pdu.PDU, req *machine.Request) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().
				Str("transaction", m.ID().String()).
				Str("event", ev.String()).
				Interface("panic", r).
				Msg("machine panicked")
		}
	}()
	m.UpdateState(ev, p, req)
}

// Put starts a sending transaction. mode nil selects the MIB default for
// the destination.
func (e *Engine) Put(dest pdu.EntityID, sourcePath, destinationPath string, mode *pdu.TransmissionMode) (pdu.TransactionID, error) {
	if filepath.IsAbs(sourcePath) || filepath.IsAbs(destinationPath) {
		e.log.Warn().
			Str("source", sourcePath).
			Str("destination", destinationPath).
			Msg("put rejected: absolute path")
		return pdu.TransactionID{}, ErrAbsolutePath
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return pdu.TransactionID{}, ErrEngineClosed
	}
	resolved := e.mib.TransmissionMode(dest)
	if mode != nil {
		resolved = *mode
	}
	e.sequence++
	hdr := pdu.Header{
		Mode:        resolved,
		Source:      e.cfg.EntityID,
		Sequence:    e.sequence,
		Destination: dest,
	}
	m := machine.New(machine.SenderRole(resolved), e.deps(), hdr)
	e.add(m)
	e.dispatch(m, machine.ReceivedPutRequest, nil, &machine.Request{
		Destination:     dest,
		SourcePath:      sourcePath,
		DestinationPath: destinationPath,
		Mode:            &resolved,
	})
	return m.ID(), nil
}

// Report returns the current report for id, looking in the active table,
// then recently finished transactions, then the archive.
func (e *Engine) Report(id pdu.TransactionID) (machine.Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m, ok := e.active[id]; ok {
		e.dispatch(m, machine.ReceivedReportRequest, nil, nil)
		return m.Report(), nil
	}
	if entry, ok := e.completed[id]; ok {
		return entry.report, nil
	}
	if e.cfg.Archive != nil {
		if rep, err := e.cfg.Archive.Load(id); err == nil {
			return rep, nil
		}
	}
	return machine.Report{}, fmt.Errorf("%w: %s", ErrInvalidTransaction, id)
}

func (e *Engine) Cancel(id pdu.TransactionID) error {
	return e.request(id, machine.ReceivedCancelRequest)
}

func (e *Engine) Suspend(id pdu.TransactionID) error {
	return e.request(id, machine.ReceivedSuspendRequest)
}

func (e *Engine) Resume(id pdu.TransactionID) error {
	return e.request(id, machine.ReceivedResumeRequest)
}

func (e *Engine) request(id pdu.TransactionID, ev machine.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.active[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidTransaction, id)
	}
	e.log.Info().Str("transaction", id.String()).Str("event", ev.String()).Msg("user request")
	e.dispatch(m, ev, nil, nil)
	return nil
}

// Freeze pauses every active transaction with remote, as when the link to
// that entity goes down. It returns how many transactions it touched.
func (e *Engine) Freeze(remote pdu.EntityID) int {
	return e.broadcast(remote, machine.ReceivedFreezeRequest)
}

func (e *Engine) Thaw(remote pdu.EntityID) int {
	return e.broadcast(remote, machine.ReceivedThawRequest)
}

func (e *Engine) broadcast(remote pdu.EntityID, ev machine.Event) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, id := range e.order {
		m := e.active[id]
		if m.Remote() != remote || m.Finished() {
			continue
		}
		e.dispatch(m, ev, nil, nil)
		n++
	}
	e.log.Info().Uint64("remote", uint64(remote)).Str("event", ev.String()).Int("transactions", n).Msg("link request")
	return n
}

// Snapshot reports every active transaction in creation order.
func (e *Engine) Snapshot() []machine.Report {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]machine.Report, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.active[id].Report())
	}
	return out
}

// Ingest queues one raw PDU for the next tick.
func (e *Engine) Ingest(raw []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	e.inbound = append(e.inbound, append([]byte(nil), raw...))
	return nil
}

// IngestFile queues the PDU stored at path. A path is ingested at most once.
func (e *Engine) IngestFile(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	e.mu.Lock()
	_, seen := e.memo[abs]
	e.mu.Unlock()
	if seen {
		return nil
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.memo[abs] = struct{}{}
	e.mu.Unlock()
	return e.Ingest(raw)
}

// Tick runs one scheduler pass: ingest, pump every machine, transmit, and
// retire finished transactions.
func (e *Engine) Tick() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	for i := 0; i < e.cfg.IngestBatch && len(e.inbound) > 0; i++ {
		raw := e.inbound[0]
		e.inbound = e.inbound[1:]
		e.route(raw)
	}
	e.pump()
	e.transmit()
	e.retire()
}

// Sent is the number of PDUs handed to the transport so far.
func (e *Engine) Sent() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sent
}

// Idle reports whether no work is queued and no transaction is active.
func (e *Engine) Idle() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inbound) == 0 && len(e.outbound) == 0 && len(e.active) == 0
}

// Run ticks on the configured interval and feeds the transport into
// Ingest until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	recv := e.transport.Receive()
	e.log.Info().Dur("tick", e.cfg.TickInterval).Msg("engine running")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-recv:
			if !ok {
				recv = nil
				e.log.Warn().Msg("transport receive channel closed")
				continue
			}
			if err := e.Ingest(raw); err != nil {
				return err
			}
		case <-ticker.C:
			e.Tick()
		}
	}
}

// Close stops the engine and archives every finished transaction still in
// memory. Active transactions are left where they are.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	var errs []error
	if e.cfg.Archive != nil {
		for id, entry := range e.completed {
			if err := e.cfg.Archive.Store(entry.report); err != nil {
				errs = append(errs, fmt.Errorf("archive %s: %w", id, err))
			}
		}
	}
	e.log.Info().Int("active", len(e.active)).Int("completed", len(e.completed)).Msg("engine closed")
	return errors.Join(errs...)
}
