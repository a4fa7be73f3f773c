// Package archive keeps reports of finished transactions after they leave
// the engine's in-memory tables.
package archive

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/danmuck/cfdp/internal/machine"
	"github.com/danmuck/cfdp/internal/pdu"
	"github.com/rs/zerolog/log"
)

var ErrNotFound = errors.New("archive: transaction not found")

var keyPrefix = []byte("tx/")

type Archive struct {
	db   *pebble.DB
	opts *pebble.Options
}

type Option func(*Archive)

func WithMemTableSize(size uint64) Option {
	return func(a *Archive) {
		a.opts.MemTableSize = size
	}
}

func WithBytesPerSync(bytes int) Option {
	return func(a *Archive) {
		a.opts.BytesPerSync = bytes
	}
}

// Open opens or creates the archive at dir.
func Open(dir string, opts ...Option) (*Archive, error) {
	cache := pebble.NewCache(8 << 20)
	defer cache.Unref()
	a := &Archive{
		opts: &pebble.Options{
			Cache:        cache,
			MemTableSize: 4 << 20,
			BytesPerSync: 1 << 20,
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	db, err := pebble.Open(dir, a.opts)
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", dir, err)
	}
	a.db = db
	log.Info().Str("dir", dir).Msg("archive opened")
	return a, nil
}

func key(id pdu.TransactionID) []byte {
	k := make([]byte, 0, len(keyPrefix)+16)
	k = append(k, keyPrefix...)
	k = binary.BigEndian.AppendUint64(k, uint64(id.Source))
	return binary.BigEndian.AppendUint64(k, id.Sequence)
}

func (a *Archive) Store(rep machine.Report) error {
	data, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("archive: encode %s: %w", rep.ID, err)
	}
	return a.db.Set(key(rep.ID), data, pebble.Sync)
}

func (a *Archive) Load(id pdu.TransactionID) (machine.Report, error) {
	var rep machine.Report
	data, closer, err := a.db.Get(key(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return rep, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return rep, err
	}
	defer closer.Close()
	if err := json.Unmarshal(data, &rep); err != nil {
		return rep, fmt.Errorf("archive: decode %s: %w", id, err)
	}
	return rep, nil
}

func (a *Archive) Delete(id pdu.TransactionID) error {
	return a.db.Delete(key(id), pebble.Sync)
}

func (a *Archive) Close() error {
	return a.db.Close()
}
