package app

import (
	"net/url"
	"strings"

	"icatkit/internal/config"
	"icatkit/internal/ids"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// NewStorage returns the store for datafile contents. A file:// URL or a
// plain path selects a local directory, anything else an S3 endpoint with a
// read cache in front.
func NewStorage(cfg config.IDSConfig, log *zap.Logger) (ids.Store, error) {
	raw := strings.TrimSpace(cfg.URL)
	if raw == "" {
		return nil, errors.New("storage url (idsurl) is required to move datafile contents")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "storage url %q", raw)
	}
	switch u.Scheme {
	case "", "file":
		dir := u.Path
		if u.Scheme == "" {
			dir = raw
		}
		log.Info("storage: local directory", zap.String("dir", dir))
		return ids.NewDiskStore(dir)
	case "http", "https", "s3":
		endpoint := u.Host
		if endpoint == "" {
			return nil, errors.Errorf("storage url %q has no host", raw)
		}
		bucket, prefix := cfg.Bucket, strings.Trim(u.Path, "/")
		if u.Scheme == "s3" {
			// s3://host/bucket/prefix
			b, p, _ := strings.Cut(prefix, "/")
			if b != "" {
				bucket, prefix = b, p
			}
		}
		s3, err := ids.NewS3Store(ids.S3Config{
			Endpoint:  endpoint,
			Region:    cfg.Region,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Bucket:    bucket,
			Prefix:    prefix,
			UseSSL:    u.Scheme == "https" || (u.Scheme == "s3" && cfg.UseSSL),
		})
		if err != nil {
			return nil, err
		}
		log.Info("storage: s3", zap.String("endpoint", endpoint), zap.String("bucket", bucket))
		return ids.NewCachedStore(s3, ids.DefaultCacheConfig()), nil
	}
	return nil, errors.Errorf("storage url %q: unsupported scheme %q", raw, u.Scheme)
}

// logCacheMetrics reports how well the read cache in front of s did.
func logCacheMetrics(log *zap.Logger, s ids.Store) {
	c, ok := s.(*ids.CachedStore)
	if !ok {
		return
	}
	m := c.Metrics()
	log.Debug("storage cache",
		zap.Uint64("blob_hits", m.BlobHits),
		zap.Uint64("blob_misses", m.BlobMisses),
		zap.Uint64("list_hits", m.ListHits),
		zap.Uint64("list_misses", m.ListMisses),
		zap.Uint64("origin_reads", m.OriginReads),
		zap.Uint64("origin_writes", m.OriginWrites),
		zap.Uint64("origin_read_errors", m.OriginReadErr),
		zap.Uint64("origin_write_errors", m.OriginWriteErr))
}
