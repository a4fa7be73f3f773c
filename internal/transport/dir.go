package transport

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/cfdp/internal/pdu"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const pduExt = ".pdu"

// Dir exchanges PDUs as files. Outbound PDUs are written to outDir as
// entity<dest>_tx<seq>_<counter>.pdu via a dot-prefixed temp file and a
// rename; inbound *.pdu files in inDir are delivered once each, oldest
// first. Writers into inDir should rename into place the same way.
type Dir struct {
	outDir  string
	inDir   string
	counter atomic.Uint64
	watcher *fsnotify.Watcher
	recv    chan []byte
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once

	mu   sync.Mutex
	seen map[string]struct{}
}

func NewDir(outDir, inDir string) (*Dir, error) {
	for _, dir := range []string{outDir, inDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("transport: create %s: %w", dir, err)
		}
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("transport: watcher: %w", err)
	}
	if err := watcher.Add(inDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("transport: watch %s: %w", inDir, err)
	}
	d := &Dir{
		outDir:  outDir,
		inDir:   inDir,
		watcher: watcher,
		recv:    make(chan []byte, defaultBuffer),
		done:    make(chan struct{}),
		seen:    make(map[string]struct{}),
	}
	d.wg.Add(1)
	go d.watch()
	log.Info().Str("out", outDir).Str("in", inDir).Msg("directory transport watching")
	return d, nil
}

// FileName is the name Send uses for the counter-th outbound PDU.
func FileName(dest pdu.EntityID, id pdu.TransactionID, counter uint64) string {
	return fmt.Sprintf("entity%d_tx%d_%d%s", dest, id.Sequence, counter, pduExt)
}

func (d *Dir) Send(dest pdu.EntityID, id pdu.TransactionID, raw []byte) error {
	select {
	case <-d.done:
		return ErrClosed
	default:
	}
	name := FileName(dest, id, d.counter.Add(1))
	tmp := filepath.Join(d.outDir, "."+name)
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(d.outDir, name))
}

func (d *Dir) Receive() <-chan []byte {
	return d.recv
}

func (d *Dir) Close() error {
	var err error
	d.once.Do(func() {
		close(d.done)
		err = d.watcher.Close()
		d.wg.Wait()
		close(d.recv)
	})
	return err
}

func (d *Dir) watch() {
	defer d.wg.Done()
	d.scan()
	for {
		select {
		case <-d.done:
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				d.consume(event.Name)
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("dir", d.inDir).Msg("watcher error")
		}
	}
}

// scan delivers files already present, in modification-time order.
func (d *Dir) scan() {
	entries, err := os.ReadDir(d.inDir)
	if err != nil {
		log.Warn().Err(err).Str("dir", d.inDir).Msg("scan inbound directory")
		return
	}
	type pending struct {
		path string
		mod  time.Time
	}
	var files []pending
	for _, entry := range entries {
		if !wanted(entry.Name()) || !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, pending{path: filepath.Join(d.inDir, entry.Name()), mod: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.Before(files[j].mod) })
	for _, f := range files {
		d.consume(f.path)
	}
}

func wanted(name string) bool {
	return strings.HasSuffix(name, pduExt) && !strings.HasPrefix(name, ".")
}

func (d *Dir) consume(path string) {
	if !wanted(filepath.Base(path)) {
		return
	}
	d.mu.Lock()
	_, dup := d.seen[path]
	d.mu.Unlock()
	if dup {
		return
	}
	raw, err := os.ReadFile(path)
	if err != nil || len(raw) == 0 {
		// not complete yet; a later write event retries
		return
	}
	d.mu.Lock()
	d.seen[path] = struct{}{}
	d.mu.Unlock()
	select {
	case d.recv <- raw:
	case <-d.done:
	}
}
