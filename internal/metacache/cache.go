// Package metacache keeps remote metadata (manifests, entity state) in a
// LevelDB database so it can be served while offline.
//
// Keys are "e:<site>/<component>/<id>|<name>", which lets a resource or a
// whole site be invalidated with a prefix scan.
package metacache

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/starford/offsync/internal/jsonpatch"
	"github.com/starford/offsync/internal/models"
)

const entryPrefix = "e:"

// Entry is one cached value.
type Entry struct {
	Data     []byte
	StoredAt int64 // unix millis
}

// Cache is a LevelDB-backed metadata cache.
type Cache struct {
	db  *leveldb.DB
	ttl time.Duration
	log *slog.Logger
	now func() time.Time
}

// Open opens (or creates) the cache database at path. Entries older than ttl
// are stale: Get skips them, GetStale still returns them.
func Open(path string, ttl time.Duration, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("metacache: open %s: %w", path, err)
	}
	return &Cache{db: db, ttl: ttl, log: logger, now: time.Now}, nil
}

// Close closes the database.
func (c *Cache) Close() error {
	return c.db.Close()
}

func resourcePrefix(key models.ResourceKey) string {
	return entryPrefix + key.String() + "|"
}

func entryKey(key models.ResourceKey, name string) []byte {
	return []byte(resourcePrefix(key) + name)
}

// Put stores data under (key, name).
func (c *Cache) Put(key models.ResourceKey, name string, data []byte) error {
	b, err := encodeGob(Entry{Data: data, StoredAt: c.now().UnixMilli()})
	if err != nil {
		return fmt.Errorf("metacache: encode: %w", err)
	}
	if err := c.db.Put(entryKey(key, name), b, nil); err != nil {
		return fmt.Errorf("metacache: put %s|%s: %w", key, name, err)
	}
	return nil
}

func (c *Cache) load(key models.ResourceKey, name string) (Entry, bool) {
	b, err := c.db.Get(entryKey(key, name), nil)
	if err != nil {
		if !errors.Is(err, leveldb.ErrNotFound) {
			c.log.Warn("metacache: get failed", slog.String("key", key.String()), slog.String("error", err.Error()))
		}
		return Entry{}, false
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		c.log.Warn("metacache: corrupt entry", slog.String("key", key.String()), slog.String("error", err.Error()))
		return Entry{}, false
	}
	return ent, true
}

func (c *Cache) fresh(ent Entry) bool {
	if c.ttl <= 0 {
		return true
	}
	return c.now().Sub(time.UnixMilli(ent.StoredAt)) < c.ttl
}

// Get returns a fresh entry.
func (c *Cache) Get(key models.ResourceKey, name string) ([]byte, bool) {
	ent, ok := c.load(key, name)
	if !ok || !c.fresh(ent) {
		return nil, false
	}
	return ent.Data, true
}

// GetStale returns an entry regardless of age. It is the emergency fallback
// when the remote cannot be reached.
func (c *Cache) GetStale(key models.ResourceKey, name string) ([]byte, bool) {
	ent, ok := c.load(key, name)
	if !ok {
		return nil, false
	}
	return ent.Data, true
}

// Patch applies ops to a cached JSON document best-effort and stores the
// result. Missing entries are left missing. The returned error lists the
// operations that were skipped.
func (c *Cache) Patch(key models.ResourceKey, name string, ops []jsonpatch.Operation) error {
	ent, ok := c.load(key, name)
	if !ok {
		return nil
	}
	out, patchErr := jsonpatch.ApplyJSON(ent.Data, ops)
	if out == nil {
		return fmt.Errorf("metacache: patch %s|%s: %w", key, name, patchErr)
	}
	if err := c.Put(key, name, out); err != nil {
		return err
	}
	return patchErr
}

// InvalidateResource drops every entry of a resource and returns how many
// were removed.
func (c *Cache) InvalidateResource(key models.ResourceKey) (int, error) {
	return c.deletePrefix(resourcePrefix(key))
}

// InvalidateSite drops every entry of a site.
func (c *Cache) InvalidateSite(siteID string) (int, error) {
	return c.deletePrefix(entryPrefix + siteID + "/")
}

func (c *Cache) deletePrefix(prefix string) (int, error) {
	it := c.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	batch := new(leveldb.Batch)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return 0, fmt.Errorf("metacache: scan %s: %w", prefix, err)
	}
	if batch.Len() == 0 {
		return 0, nil
	}
	if err := c.db.Write(batch, nil); err != nil {
		return 0, fmt.Errorf("metacache: delete %s: %w", prefix, err)
	}
	return batch.Len(), nil
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
