// Package filestore owns file I/O for transactions: reading outgoing
// sources, staging incoming segments at arbitrary offsets, and moving a
// verified staging file to its destination.
package filestore

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/danmuck/cfdp/internal/pdu"
	"github.com/google/uuid"
)

var (
	ErrAbsolutePath = errors.New("filestore: path must be relative")
	ErrOutsideRoot  = errors.New("filestore: path escapes root directory")
	ErrNotRegular   = errors.New("filestore: not a regular file")
	ErrTooLarge     = errors.New("filestore: file exceeds 32-bit size")
	ErrClosed       = errors.New("filestore: file closed")
)

type Config struct {
	OutgoingDir string
	IncomingDir string
	TempDir     string
}

type Store struct {
	cfg Config
}

// New creates the configured directories.
func New(cfg Config) (*Store, error) {
	if cfg.TempDir == "" {
		cfg.TempDir = filepath.Join(cfg.IncomingDir, ".staging")
	}
	for _, dir := range []string{cfg.OutgoingDir, cfg.IncomingDir, cfg.TempDir} {
		if dir == "" {
			return nil, fmt.Errorf("filestore: missing directory in config %+v", cfg)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("filestore: %w", err)
		}
	}
	return &Store{cfg: cfg}, nil
}

func (s *Store) Config() Config {
	return s.cfg
}

// within joins rel onto root, refusing anything that would land outside it.
func within(root, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %s", ErrAbsolutePath, rel)
	}
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, rel)
	}
	return filepath.Join(root, rel), nil
}

// OpenSource opens rel under the outgoing directory for reading.
func (s *Store) OpenSource(rel string) (*Source, error) {
	path, err := within(s.cfg.OutgoingDir, rel)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s", ErrNotRegular, path)
	}
	if info.Size() > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, path, info.Size())
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Source{f: f, path: path, size: uint32(info.Size())}, nil
}

// Source is an open outgoing file.
type Source struct {
	f    *os.File
	path string
	size uint32
}

func (s *Source) Path() string { return s.path }
func (s *Source) Size() uint32 { return s.size }

// ReadAt reads up to n bytes at off. A short read at end of file is not an
// error.
func (s *Source) ReadAt(off uint32, n int) ([]byte, error) {
	if s.f == nil {
		return nil, ErrClosed
	}
	buf := make([]byte, n)
	read, err := s.f.ReadAt(buf, int64(off))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:read], nil
}

// Checksum computes the CFDP checksum over the whole file.
func (s *Source) Checksum() (uint32, error) {
	if s.f == nil {
		return 0, ErrClosed
	}
	sum, _, err := pdu.FileChecksum(io.NewSectionReader(s.f, 0, int64(s.size)))
	return sum, err
}

// Close is safe to call more than once.
func (s *Source) Close() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// CreateStaging opens a fresh uniquely named file in the temp directory.
func (s *Store) CreateStaging() (*Staging, error) {
	path := filepath.Join(s.cfg.TempDir, uuid.NewString()+".part")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	return &Staging{store: s, f: f, path: path}, nil
}

// Staging collects incoming segments before delivery.
type Staging struct {
	store *Store
	f     *os.File
	path  string
}

func (st *Staging) Path() string { return st.path }

func (st *Staging) WriteAt(off uint32, data []byte) error {
	if st.f == nil {
		return ErrClosed
	}
	_, err := st.f.WriteAt(data, int64(off))
	return err
}

// Checksum returns the CFDP checksum and length of the staged bytes.
func (st *Staging) Checksum() (uint32, uint64, error) {
	if st.f == nil {
		return 0, 0, ErrClosed
	}
	if err := st.f.Sync(); err != nil {
		return 0, 0, err
	}
	info, err := st.f.Stat()
	if err != nil {
		return 0, 0, err
	}
	return pdu.FileChecksum(io.NewSectionReader(st.f, 0, info.Size()))
}

// Finalize closes the staging file and moves it to rel under the incoming
// directory, creating parent directories. It returns the final path.
func (st *Staging) Finalize(rel string) (string, error) {
	dest, err := within(st.store.cfg.IncomingDir, rel)
	if err != nil {
		return "", err
	}
	if err := st.Close(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", err
	}
	if err := os.Rename(st.path, dest); err == nil {
		return dest, nil
	}
	// rename fails across filesystems; fall back to copy + remove
	if err := copyFile(st.path, dest); err != nil {
		return "", err
	}
	_ = os.Remove(st.path)
	return dest, nil
}

// Discard closes and removes the staging file.
func (st *Staging) Discard() error {
	_ = st.Close()
	err := os.Remove(st.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Close is safe to call more than once.
func (st *Staging) Close() error {
	if st.f == nil {
		return nil
	}
	err := st.f.Close()
	st.f = nil
	return err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
