package store

import (
	"bytes"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/cockroachdb/pebble"

	"chatsync/pkg/logger"
)

// Pebble is the durable KV implementation backed by a Pebble database under
// the client data dir. Writes are fsynced: a queued user message must
// survive an immediate process kill.
type Pebble struct {
	db   *pebble.DB
	path string
}

// Open opens (or creates) a Pebble database at the given path.
func Open(path string) (*Pebble, error) {
	logger.Info("opening_pebble_db", "path", path)
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, err
	}
	return &Pebble{db: db, path: path}, nil
}

// Close closes the database.
func (p *Pebble) Close() error {
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	logger.Info("pebble_closed", "path", p.path)
	return err
}

// Get returns the value for key or ErrNotFound.
func (p *Pebble) Get(key string) ([]byte, error) {
	if p.db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	v, closer, err := p.db.Get([]byte(key))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	out := append([]byte(nil), v...)
	if closer != nil {
		_ = closer.Close()
	}
	return out, nil
}

// Set writes key/value with fsync.
func (p *Pebble) Set(key string, value []byte) error {
	if p.db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	if err := p.db.Set([]byte(key), value, pebble.Sync); err != nil {
		logger.Error("save_key_failed", "key", key, "error", err)
		return err
	}
	return nil
}

// Delete removes key with fsync. Deleting a missing key is not an error.
func (p *Pebble) Delete(key string) error {
	if p.db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	return p.db.Delete([]byte(key), pebble.Sync)
}

// Scan returns all pairs whose keys start with prefix, in key order.
func (p *Pebble) Scan(prefix string) ([]Pair, error) {
	if p.db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	pfx := []byte(prefix)
	iter, err := p.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []Pair
	for iter.SeekGE(pfx); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), pfx) {
			break
		}
		k := append([]byte(nil), iter.Key()...)
		v := append([]byte(nil), iter.Value()...)
		out = append(out, Pair{Key: string(k), Value: v})
	}
	return out, iter.Error()
}

// DiskUsage returns the best-effort on-disk size of the database directory,
// surfaced by the diagnostics endpoint.
func (p *Pebble) DiskUsage() uint64 {
	if p.path == "" {
		return 0
	}
	var total uint64
	_ = filepath.WalkDir(p.path, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if fi, ferr := d.Info(); ferr == nil {
			total += uint64(fi.Size())
		}
		return nil
	})
	return total
}
