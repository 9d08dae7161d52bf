package catalogue

import (
	"context"
	"time"

	"icatkit/internal/entity"
	"icatkit/internal/query"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// Middleware decorates a Client with a cross-cutting concern.
type Middleware func(Client) Client

// Wrap applies middlewares in left-to-right order:
// Wrap(inner, A, B) => A(B(inner)).
func Wrap(inner Client, mws ...Middleware) Client {
	out := inner
	for i := len(mws) - 1; i >= 0; i-- {
		out = mws[i](out)
	}
	return out
}

// WithLogging logs every remote call at debug level and failures at warn.
// A nil logger disables logging.
func WithLogging(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next Client) Client {
		return &logged{Client: next, log: logger}
	}
}

type logged struct {
	Client
	log *zap.Logger
}

func (l *logged) done(op string, start time.Time, err error, fields ...zap.Field) {
	fields = append(fields, zap.Duration("took", time.Since(start)))
	if err != nil {
		l.log.Warn("catalogue "+op+" failed", append(fields, zap.Error(err))...)
		return
	}
	l.log.Debug("catalogue "+op, fields...)
}

func (l *logged) Search(ctx context.Context, q *query.Query) ([]*entity.Entity, error) {
	start := time.Now()
	res, err := l.Client.Search(ctx, q)
	l.done("search", start, err, zap.Stringer("query", q), zap.Int("results", len(res)))
	return res, err
}

func (l *logged) Create(ctx context.Context, e *entity.Entity) error {
	start := time.Now()
	err := l.Client.Create(ctx, e)
	l.done("create", start, err, zap.Stringer("object", e))
	return err
}

func (l *logged) Update(ctx context.Context, e *entity.Entity) error {
	start := time.Now()
	err := l.Client.Update(ctx, e)
	l.done("update", start, err, zap.Stringer("object", e))
	return err
}

func (l *logged) ResolveByUniqueKey(ctx context.Context, key string) (*entity.Entity, error) {
	start := time.Now()
	e, err := l.Client.ResolveByUniqueKey(ctx, key)
	l.done("resolve", start, err, zap.String("key", key))
	return e, err
}

// WithKeyCache remembers objects found by unique key. Keys are stable for
// the lifetime of an object, so hits never go stale within an operation.
// size <= 0 disables the cache.
func WithKeyCache(size int) Middleware {
	return func(next Client) Client {
		if size <= 0 {
			return next
		}
		cache, err := lru.New[string, *entity.Entity](size)
		if err != nil {
			return next
		}
		return &keyCached{Client: next, cache: cache}
	}
}

type keyCached struct {
	Client
	cache *lru.Cache[string, *entity.Entity]
}

func (k *keyCached) ResolveByUniqueKey(ctx context.Context, key string) (*entity.Entity, error) {
	if e, ok := k.cache.Get(key); ok {
		return e, nil
	}
	e, err := k.Client.ResolveByUniqueKey(ctx, key)
	if err != nil {
		return nil, err
	}
	k.cache.Add(key, e)
	return e, nil
}

var (
	_ Client = (*Memory)(nil)
	_ Client = (*RPCClient)(nil)
	_ Client = (*logged)(nil)
	_ Client = (*keyCached)(nil)
)
