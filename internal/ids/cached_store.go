package ids

import (
	"context"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type CacheConfig struct {
	BlobTTL        time.Duration
	BlobMaxEntries int
	// BlobMaxBytes is the largest file kept in the cache.
	BlobMaxBytes int

	ListTTL        time.Duration
	ListMaxEntries int
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		BlobTTL:        5 * time.Minute,
		BlobMaxEntries: 256,
		BlobMaxBytes:   8 * 1024 * 1024, // 8MiB
		ListTTL:        30 * time.Second,
		ListMaxEntries: 128,
	}
}

type MetricsSnapshot struct {
	BlobHits       uint64
	BlobMisses     uint64
	ListHits       uint64
	ListMisses     uint64
	OriginReads    uint64
	OriginWrites   uint64
	OriginReadErr  uint64
	OriginWriteErr uint64
}

type metrics struct {
	blobHits       atomic.Uint64
	blobMisses     atomic.Uint64
	listHits       atomic.Uint64
	listMisses     atomic.Uint64
	originReads    atomic.Uint64
	originWrites   atomic.Uint64
	originReadErr  atomic.Uint64
	originWriteErr atomic.Uint64
}

// CachedStore is a read-through cache in front of a slower store.
type CachedStore struct {
	origin   Store
	maxBytes int

	blobs   *expirable.LRU[string, []byte]
	lists   *expirable.LRU[string, []string]
	metrics metrics
}

func NewCachedStore(origin Store, cfg CacheConfig) *CachedStore {
	def := DefaultCacheConfig()
	if cfg.BlobTTL <= 0 {
		cfg.BlobTTL = def.BlobTTL
	}
	if cfg.BlobMaxEntries <= 0 {
		cfg.BlobMaxEntries = def.BlobMaxEntries
	}
	if cfg.BlobMaxBytes <= 0 {
		cfg.BlobMaxBytes = def.BlobMaxBytes
	}
	if cfg.ListTTL <= 0 {
		cfg.ListTTL = def.ListTTL
	}
	if cfg.ListMaxEntries <= 0 {
		cfg.ListMaxEntries = def.ListMaxEntries
	}
	return &CachedStore{
		origin:   origin,
		maxBytes: cfg.BlobMaxBytes,
		blobs:    expirable.NewLRU[string, []byte](cfg.BlobMaxEntries, nil, cfg.BlobTTL),
		lists:    expirable.NewLRU[string, []string](cfg.ListMaxEntries, nil, cfg.ListTTL),
	}
}

func (s *CachedStore) keep(loc string, content []byte) {
	if len(content) <= s.maxBytes {
		s.blobs.Add(loc, append([]byte(nil), content...))
	}
}

func (s *CachedStore) Put(ctx context.Context, location string, content []byte) error {
	loc, err := cleanLocation(location)
	if err != nil {
		return err
	}
	s.metrics.originWrites.Add(1)
	if err := s.origin.Put(ctx, loc, content); err != nil {
		s.metrics.originWriteErr.Add(1)
		return err
	}
	s.keep(loc, content)
	s.addListed(loc)
	return nil
}

// addListed inserts loc into the cached listings it belongs to, so a run
// of uploads into one directory keeps hitting its listing.
func (s *CachedStore) addListed(loc string) {
	for _, prefix := range s.lists.Keys() {
		if !strings.HasPrefix(loc, prefix) {
			continue
		}
		list, ok := s.lists.Peek(prefix)
		if !ok {
			continue
		}
		i := sort.SearchStrings(list, loc)
		if i < len(list) && list[i] == loc {
			continue
		}
		next := make([]string, 0, len(list)+1)
		next = append(next, list[:i]...)
		next = append(next, loc)
		next = append(next, list[i:]...)
		s.lists.Add(prefix, next)
	}
}

func (s *CachedStore) Get(ctx context.Context, location string) ([]byte, error) {
	loc, err := cleanLocation(location)
	if err != nil {
		return nil, err
	}
	if raw, ok := s.blobs.Get(loc); ok {
		s.metrics.blobHits.Add(1)
		return append([]byte(nil), raw...), nil
	}
	s.metrics.blobMisses.Add(1)
	s.metrics.originReads.Add(1)
	raw, err := s.origin.Get(ctx, loc)
	if err != nil {
		s.metrics.originReadErr.Add(1)
		return nil, err
	}
	s.keep(loc, raw)
	return raw, nil
}

func (s *CachedStore) List(ctx context.Context, prefix string) ([]string, error) {
	prefix = cleanPrefix(prefix)
	if list, ok := s.lists.Get(prefix); ok {
		s.metrics.listHits.Add(1)
		return append([]string(nil), list...), nil
	}
	s.metrics.listMisses.Add(1)
	s.metrics.originReads.Add(1)
	list, err := s.origin.List(ctx, prefix)
	if err != nil {
		s.metrics.originReadErr.Add(1)
		return nil, err
	}
	s.lists.Add(prefix, append([]string(nil), list...))
	return list, nil
}

func (s *CachedStore) Metrics() MetricsSnapshot {
	m := &s.metrics
	return MetricsSnapshot{
		BlobHits:       m.blobHits.Load(),
		BlobMisses:     m.blobMisses.Load(),
		ListHits:       m.listHits.Load(),
		ListMisses:     m.listMisses.Load(),
		OriginReads:    m.originReads.Load(),
		OriginWrites:   m.originWrites.Load(),
		OriginReadErr:  m.originReadErr.Load(),
		OriginWriteErr: m.originWriteErr.Load(),
	}
}
