package mib

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/danmuck/cfdp/internal/pdu"
	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"
)

// local_<id>.toml key mapping.
type localFile struct {
	EntityID                 uint64            `toml:"entity_id"`
	IssueEOFSent             bool              `toml:"issue_eof_sent"`
	IssueEOFRecv             bool              `toml:"issue_eof_recv"`
	IssueFileSegmentRecv     bool              `toml:"issue_file_segment_recv"`
	IssueTransactionFinished bool              `toml:"issue_transaction_finished"`
	IssueSuspended           bool              `toml:"issue_suspended"`
	IssueResumed             bool              `toml:"issue_resumed"`
	FaultHandlers            map[string]string `toml:"fault_handlers"`
}

// remote_<id>.toml key mapping. Timeouts are whole seconds.
type remoteFile struct {
	EntityID                  uint64 `toml:"entity_id"`
	UTAddress                 string `toml:"ut_address"`
	AckLimit                  int    `toml:"ack_limit"`
	AckTimeout                int64  `toml:"ack_timeout"`
	InactivityTimeout         int64  `toml:"inactivity_timeout"`
	NakTimeout                int64  `toml:"nak_timeout"`
	NakLimit                  int    `toml:"nak_limit"`
	MaximumFileSegmentLength  int    `toml:"maximum_file_segment_length"`
	TransmissionMode          string `toml:"transmission_mode"`
	CRCRequiredOnTransmission bool   `toml:"crc_required_on_transmission"`
}

func LocalFileName(id pdu.EntityID) string {
	return fmt.Sprintf("local_%d.toml", id)
}

func RemoteFileName(id pdu.EntityID) string {
	return fmt.Sprintf("remote_%d.toml", id)
}

// Load reads local_<id>.toml and every remote_*.toml from dir. Missing
// files keep the current values; parse failures are returned.
func (m *MIB) Load(dir string) error {
	local := m.Local()
	raw, err := os.ReadFile(filepath.Join(dir, LocalFileName(local.EntityID)))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		log.Warn().Str("dir", dir).Uint64("entity", uint64(local.EntityID)).Msg("mib local file missing, keeping defaults")
	case err != nil:
		return fmt.Errorf("mib load local: %w", err)
	default:
		lf := toLocalFile(local)
		if err := toml.Unmarshal(raw, &lf); err != nil {
			return fmt.Errorf("mib parse local (%s): %w", dir, err)
		}
		parsed, err := fromLocalFile(lf)
		if err != nil {
			return err
		}
		m.SetLocal(parsed)
	}

	paths, err := filepath.Glob(filepath.Join(dir, "remote_*.toml"))
	if err != nil {
		return fmt.Errorf("mib load remotes: %w", err)
	}
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("mib load remote (%s): %w", path, err)
		}
		rf := toRemoteFile(m.Remote(0))
		if err := toml.Unmarshal(raw, &rf); err != nil {
			return fmt.Errorf("mib parse remote (%s): %w", path, err)
		}
		remote, err := fromRemoteFile(rf)
		if err != nil {
			return fmt.Errorf("mib remote (%s): %w", path, err)
		}
		m.SetRemote(remote)
	}
	log.Debug().Str("dir", dir).Int("remotes", len(paths)).Msg("mib loaded")
	return nil
}

// Dump writes the local record and every configured remote to dir.
func (m *MIB) Dump(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mib dump: %w", err)
	}
	local := m.Local()
	if err := writeToml(filepath.Join(dir, LocalFileName(local.EntityID)), toLocalFile(local)); err != nil {
		return err
	}
	remotes := m.Remotes()
	sort.Slice(remotes, func(i, j int) bool { return remotes[i].EntityID < remotes[j].EntityID })
	for _, r := range remotes {
		if err := writeToml(filepath.Join(dir, RemoteFileName(r.EntityID)), toRemoteFile(r)); err != nil {
			return err
		}
	}
	return nil
}

func writeToml(path string, v any) error {
	data, err := toml.Marshal(v)
	if err != nil {
		return fmt.Errorf("mib encode (%s): %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("mib write (%s): %w", path, err)
	}
	return nil
}

func toLocalFile(l LocalEntity) localFile {
	handlers := make(map[string]string, len(l.FaultHandlers))
	for cc, h := range l.FaultHandlers {
		handlers[cc.String()] = h.String()
	}
	return localFile{
		EntityID:                 uint64(l.EntityID),
		IssueEOFSent:             l.IssueEOFSent,
		IssueEOFRecv:             l.IssueEOFRecv,
		IssueFileSegmentRecv:     l.IssueFileSegmentRecv,
		IssueTransactionFinished: l.IssueTransactionFinished,
		IssueSuspended:           l.IssueSuspended,
		IssueResumed:             l.IssueResumed,
		FaultHandlers:            handlers,
	}
}

func fromLocalFile(f localFile) (LocalEntity, error) {
	handlers := make(map[pdu.ConditionCode]HandlerCode, len(f.FaultHandlers))
	for name, raw := range f.FaultHandlers {
		cc, ok := pdu.ParseConditionCode(strings.TrimSpace(name))
		if !ok {
			return LocalEntity{}, fmt.Errorf("mib: unknown condition code %q", name)
		}
		h, err := ParseHandlerCode(raw)
		if err != nil {
			return LocalEntity{}, err
		}
		handlers[cc] = h
	}
	return LocalEntity{
		EntityID:                 pdu.EntityID(f.EntityID),
		IssueEOFSent:             f.IssueEOFSent,
		IssueEOFRecv:             f.IssueEOFRecv,
		IssueFileSegmentRecv:     f.IssueFileSegmentRecv,
		IssueTransactionFinished: f.IssueTransactionFinished,
		IssueSuspended:           f.IssueSuspended,
		IssueResumed:             f.IssueResumed,
		FaultHandlers:            handlers,
	}, nil
}

func toRemoteFile(r RemoteEntity) remoteFile {
	return remoteFile{
		EntityID:                  uint64(r.EntityID),
		UTAddress:                 r.UTAddress,
		AckLimit:                  r.AckLimit,
		AckTimeout:                int64(r.AckTimeout / time.Second),
		InactivityTimeout:         int64(r.InactivityTimeout / time.Second),
		NakTimeout:                int64(r.NakTimeout / time.Second),
		NakLimit:                  r.NakLimit,
		MaximumFileSegmentLength:  r.MaximumFileSegmentLength,
		TransmissionMode:          r.TransmissionMode.String(),
		CRCRequiredOnTransmission: r.CRCRequiredOnTransmission,
	}
}

func fromRemoteFile(f remoteFile) (RemoteEntity, error) {
	mode, err := pdu.ParseTransmissionMode(strings.ToLower(strings.TrimSpace(f.TransmissionMode)))
	if err != nil {
		return RemoteEntity{}, err
	}
	if f.MaximumFileSegmentLength <= 0 {
		return RemoteEntity{}, fmt.Errorf("mib: maximum_file_segment_length must be positive")
	}
	return RemoteEntity{
		EntityID:                  pdu.EntityID(f.EntityID),
		UTAddress:                 strings.TrimSpace(f.UTAddress),
		AckLimit:                  f.AckLimit,
		AckTimeout:                time.Duration(f.AckTimeout) * time.Second,
		InactivityTimeout:         time.Duration(f.InactivityTimeout) * time.Second,
		NakTimeout:                time.Duration(f.NakTimeout) * time.Second,
		NakLimit:                  f.NakLimit,
		MaximumFileSegmentLength:  f.MaximumFileSegmentLength,
		TransmissionMode:          mode,
		CRCRequiredOnTransmission: f.CRCRequiredOnTransmission,
	}, nil
}
