package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/cfdp/internal/pdu"
)

var (
	ErrInvalidEntityID     = errors.New("cfdpd: entity id must be non-zero")
	ErrInvalidTickInterval = errors.New("cfdpd: invalid tick interval")
	ErrUnknownTransport    = errors.New("cfdpd: unknown transport")
)

const (
	TransportUDP = "udp"
	TransportDir = "dir"
)

// ServiceConfig configures one CFDP entity process.
type ServiceConfig struct {
	EntityID     pdu.EntityID
	TickInterval time.Duration
	IngestBatch  int
	Retention    time.Duration
	MIBDir       string
	OutgoingDir  string
	IncomingDir  string
	TempDir      string
	Transport    string
	UDPListen    string
	PDUOutDir    string
	PDUInDir     string
	HTTPListen   string
	CorsOrigins  []string
	ArchiveDir   string
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		EntityID:     1,
		TickInterval: 5 * time.Millisecond,
		IngestBatch:  16,
		Retention:    10 * time.Minute,
		MIBDir:       "mib",
		OutgoingDir:  "files/outgoing",
		IncomingDir:  "files/incoming",
		TempDir:      "files/tmp",
		Transport:    TransportUDP,
		UDPListen:    ":5234",
		PDUOutDir:    "pdu/out",
		PDUInDir:     "pdu/in",
		HTTPListen:   "127.0.0.1:8470",
		ArchiveDir:   "data/archive",
	}
}

func (c ServiceConfig) Validate() error {
	if c.EntityID == 0 {
		return ErrInvalidEntityID
	}
	if c.TickInterval <= 0 {
		return ErrInvalidTickInterval
	}
	switch c.Transport {
	case TransportUDP, TransportDir:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTransport, c.Transport)
	}
	return nil
}

type fileConfig struct {
	EntityID     uint64   `toml:"entity_id"`
	TickInterval string   `toml:"tick_interval"`
	IngestBatch  int      `toml:"ingest_batch"`
	Retention    string   `toml:"retention"`
	MIBDir       string   `toml:"mib_dir"`
	OutgoingDir  string   `toml:"outgoing_dir"`
	IncomingDir  string   `toml:"incoming_dir"`
	TempDir      string   `toml:"temp_dir"`
	Transport    string   `toml:"transport"`
	UDPListen    string   `toml:"udp_listen"`
	PDUOutDir    string   `toml:"pdu_out_dir"`
	PDUInDir     string   `toml:"pdu_in_dir"`
	HTTPListen   string   `toml:"http_listen"`
	CorsOrigins  []string `toml:"cors_origins"`
	ArchiveDir   string   `toml:"archive_dir"`
}

func loadServiceConfig(path string) (ServiceConfig, error) {
	cfg := DefaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ServiceConfig{}, fmt.Errorf("load cfdpd config: %w", err)
	}

	if meta.IsDefined("entity_id") {
		cfg.EntityID = pdu.EntityID(raw.EntityID)
	}
	if meta.IsDefined("tick_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.TickInterval))
		if err != nil {
			return ServiceConfig{}, fmt.Errorf("parse tick_interval: %w", err)
		}
		cfg.TickInterval = d
	}
	if meta.IsDefined("ingest_batch") {
		cfg.IngestBatch = raw.IngestBatch
	}
	if meta.IsDefined("retention") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Retention))
		if err != nil {
			return ServiceConfig{}, fmt.Errorf("parse retention: %w", err)
		}
		cfg.Retention = d
	}
	overlayString(meta, "mib_dir", raw.MIBDir, &cfg.MIBDir)
	overlayString(meta, "outgoing_dir", raw.OutgoingDir, &cfg.OutgoingDir)
	overlayString(meta, "incoming_dir", raw.IncomingDir, &cfg.IncomingDir)
	overlayString(meta, "temp_dir", raw.TempDir, &cfg.TempDir)
	overlayString(meta, "transport", strings.ToLower(raw.Transport), &cfg.Transport)
	overlayString(meta, "udp_listen", raw.UDPListen, &cfg.UDPListen)
	overlayString(meta, "pdu_out_dir", raw.PDUOutDir, &cfg.PDUOutDir)
	overlayString(meta, "pdu_in_dir", raw.PDUInDir, &cfg.PDUInDir)
	overlayString(meta, "http_listen", raw.HTTPListen, &cfg.HTTPListen)
	if meta.IsDefined("archive_dir") {
		// An empty archive_dir disables the archive.
		cfg.ArchiveDir = strings.TrimSpace(raw.ArchiveDir)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeOrigins(raw.CorsOrigins)
	}

	if err := cfg.Validate(); err != nil {
		return ServiceConfig{}, err
	}
	return cfg, nil
}

func overlayString(meta toml.MetaData, key, raw string, dst *string) {
	if !meta.IsDefined(key) {
		return
	}
	if v := strings.TrimSpace(raw); v != "" {
		*dst = v
	}
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		v := strings.TrimSpace(origin)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
