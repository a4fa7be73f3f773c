package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/danmuck/cfdp/internal/api"
	"github.com/danmuck/cfdp/internal/archive"
	"github.com/danmuck/cfdp/internal/engine"
	"github.com/danmuck/cfdp/internal/filestore"
	"github.com/danmuck/cfdp/internal/mib"
	"github.com/danmuck/cfdp/internal/transport"
	"github.com/rs/zerolog/log"
)

// Service owns one entity's engine, transport, archive, and HTTP surface.
type Service struct {
	cfg ServiceConfig

	mib       *mib.MIB
	store     *filestore.Store
	archive   *archive.Archive
	transport transport.Transport
	engine    *engine.Engine
	api       *api.Server
}

func NewService(cfg ServiceConfig) *Service {
	return &Service{cfg: cfg}
}

func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.bootstrap(); err != nil {
		s.shutdown()
		return err
	}
	return s.serve(ctx)
}

func (s *Service) bootstrap() error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	s.mib = mib.New(s.cfg.EntityID)
	if err := s.mib.Load(s.cfg.MIBDir); err != nil {
		return err
	}

	store, err := filestore.New(filestore.Config{
		OutgoingDir: s.cfg.OutgoingDir,
		IncomingDir: s.cfg.IncomingDir,
		TempDir:     s.cfg.TempDir,
	})
	if err != nil {
		return err
	}
	s.store = store

	if s.cfg.ArchiveDir != "" {
		arch, err := archive.Open(s.cfg.ArchiveDir)
		if err != nil {
			return err
		}
		s.archive = arch
	}

	switch s.cfg.Transport {
	case TransportUDP:
		udp, err := transport.ListenUDP(s.cfg.UDPListen, s.mib)
		if err != nil {
			return err
		}
		s.transport = udp
	case TransportDir:
		dir, err := transport.NewDir(s.cfg.PDUOutDir, s.cfg.PDUInDir)
		if err != nil {
			return err
		}
		s.transport = dir
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTransport, s.cfg.Transport)
	}

	ecfg := engine.Config{
		EntityID:     s.cfg.EntityID,
		TickInterval: s.cfg.TickInterval,
		IngestBatch:  s.cfg.IngestBatch,
		Retention:    s.cfg.Retention,
		MIB:          s.mib,
		Store:        s.store,
		Transport:    s.transport,
	}
	if s.archive != nil {
		ecfg.Archive = s.archive
	}
	eng, err := engine.New(ecfg)
	if err != nil {
		return err
	}
	s.engine = eng
	if s.cfg.HTTPListen != "" {
		s.api = api.New(eng, s.cfg.HTTPListen, s.cfg.CorsOrigins)
	}

	log.Info().
		Uint64("entity", uint64(s.cfg.EntityID)).
		Str("transport", s.cfg.Transport).
		Str("http", s.cfg.HTTPListen).
		Bool("archive", s.archive != nil).
		Msg("cfdpd ready")
	return nil
}

func (s *Service) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.shutdown()

	errCh := make(chan error, 2)
	go func() {
		errCh <- s.engine.Run(ctx)
	}()
	running := 1
	if s.api != nil {
		running++
		go func() {
			errCh <- s.api.Serve(ctx)
		}()
	}

	var first error
	for i := 0; i < running; i++ {
		err := <-errCh
		if err != nil && !errors.Is(err, context.Canceled) && first == nil {
			first = err
		}
		cancel()
	}
	return first
}

// shutdown releases whatever bootstrap managed to build.
func (s *Service) shutdown() {
	if s.engine != nil {
		if err := s.engine.Close(); err != nil {
			log.Error().Err(err).Msg("engine close")
		}
	}
	if s.transport != nil {
		if err := s.transport.Close(); err != nil {
			log.Error().Err(err).Msg("transport close")
		}
	}
	if s.archive != nil {
		if err := s.archive.Close(); err != nil {
			log.Error().Err(err).Msg("archive close")
		}
	}
	log.Info().Msg("cfdpd stopped")
}
