package dumpfile

import (
	"context"
	"io"
	"sort"

	"icatkit/internal/catalogue"
	"icatkit/internal/entity"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// CreateHook runs for every entity created by the reader, nested children
// included, after the catalogue assigned its id.
type CreateHook func(ctx context.Context, e *entity.Entity) error

type ReaderOption func(*Reader)

func WithDuplicatePolicy(p DuplicatePolicy) ReaderOption {
	return func(r *Reader) { r.policy = p }
}

func WithReaderLogger(l *zap.Logger) ReaderOption {
	return func(r *Reader) {
		if l != nil {
			r.log = l
		}
	}
}

func WithCreateHook(h CreateHook) ReaderOption {
	return func(r *Reader) { r.hooks = append(r.hooks, h) }
}

// WithSkipChunks skips the first n chunks of the input, for resuming an
// interrupted ingest.
func WithSkipChunks(n int) ReaderOption {
	return func(r *Reader) { r.skip = n }
}

func WithReaderChunkDone(fn ChunkDone) ReaderOption {
	return func(r *Reader) { r.chunkDone = fn }
}

// Stats summarizes an ingest.
type Stats struct {
	Chunks        int
	Skipped       int
	Created       int
	Ignored       int
	Checked       int
	Overwritten   int
	RefsResolved  int
	RemoteLookups int
}

// Reader creates catalogue objects from a chunked document.
type Reader struct {
	cat       catalogue.Client
	reg       *entity.Registry
	dec       Decoder
	log       *zap.Logger
	policy    DuplicatePolicy
	hooks     []CreateHook
	skip      int
	chunkDone ChunkDone

	index *Index
	res   *Resolver
	stats Stats
}

func NewReader(cat catalogue.Client, reg *entity.Registry, dec Decoder, opts ...ReaderOption) *Reader {
	if reg == nil {
		reg = cat.Registry()
	}
	r := &Reader{cat: cat, reg: reg, dec: dec, log: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	r.index = NewIndex()
	r.res = NewResolver(cat, reg, r.index)
	return r
}

// ReadIngest processes the input chunk by chunk, strictly in order. Objects
// created by earlier chunks stay in the catalogue if a later one fails.
func (r *Reader) ReadIngest(ctx context.Context) (Stats, error) {
	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return r.finish(), err
		}
		chunk, err := r.dec.NextChunk()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return r.finish(), &OpError{Op: "ingest", Chunk: i, Err: err}
		}
		if i < r.skip {
			r.stats.Skipped++
			r.log.Info("chunk skipped", zap.Int("chunk", i))
			continue
		}
		if err := r.readChunk(ctx, i, chunk); err != nil {
			return r.finish(), err
		}
		r.stats.Chunks++
		r.index.Reset()
		r.res.Reset()
		if r.chunkDone != nil {
			if err := r.chunkDone(ctx, i); err != nil {
				return r.finish(), &OpError{Op: "ingest", Chunk: i, Err: err}
			}
		}
	}
	return r.finish(), nil
}

func (r *Reader) finish() Stats {
	r.stats.RemoteLookups = r.res.Lookups()
	return r.stats
}

func (r *Reader) readChunk(ctx context.Context, i int, chunk *Chunk) error {
	log := r.log.With(zap.Int("chunk", i))
	created := r.stats.Created
	for _, o := range chunk.Objects {
		if err := r.readObject(ctx, o); err != nil {
			return &OpError{Op: "ingest", Chunk: i, Type: o.Type, Key: o.Key, Err: err}
		}
	}
	log.Info("chunk read", zap.Int("objects", len(chunk.Objects)), zap.Int("created", r.stats.Created-created))
	return nil
}

func (r *Reader) readObject(ctx context.Context, o *Object) error {
	if o.IsRefDecl() {
		if o.Key == "" {
			return inputErrorf(Malformed, "%s reference declaration without key", o.Type)
		}
		e, err := r.res.Decode(ctx, o.Type, *o.Ref)
		if err != nil {
			return err
		}
		r.stats.RefsResolved++
		r.index.Put(o.Key, e)
		return nil
	}

	var keyed []keyedEntity
	e, err := r.build(ctx, o, &keyed)
	if err != nil {
		return err
	}
	if e.HasChildren() && r.policy != Throw {
		return inputErrorf(PolicyRejected, "%s has nested objects, duplicate policy %s is not applicable", o.Type, r.policy)
	}

	err = r.cat.Create(ctx, e)
	switch {
	case err == nil:
		if err := r.created(ctx, e); err != nil {
			return err
		}
	case errors.Is(err, catalogue.ErrObjectExists) && r.policy != Throw:
		existing, err := r.duplicate(ctx, e)
		if err != nil {
			return err
		}
		keyed = []keyedEntity{{key: o.Key, e: existing}}
	default:
		return err
	}
	for _, k := range keyed {
		if k.key != "" {
			r.index.Put(k.key, k.e)
		}
	}
	r.log.Debug("object read", zap.String("type", o.Type), zap.String("key", o.Key), zap.Int64("id", e.ID))
	return nil
}

type keyedEntity struct {
	key string
	e   *entity.Entity
}

// build materializes o and its nested definitions as unsaved entities with
// all relations resolved.
func (r *Reader) build(ctx context.Context, o *Object, keyed *[]keyedEntity) (*entity.Entity, error) {
	if o.IsRefDecl() {
		return nil, inputErrorf(Malformed, "%s reference declaration inside an object", o.Type)
	}
	e, err := r.reg.New(o.Type)
	if err != nil {
		return nil, inputErrorf(Malformed, "%v", err)
	}
	ti := e.Info()
	for _, name := range sortedKeys(o.Attrs) {
		v := o.Attrs[name]
		if ti.Kind(name) != entity.FieldAttr {
			return nil, inputErrorf(Malformed, "%s has no attribute %q", o.Type, name)
		}
		if err := e.Set(name, v); err != nil {
			return nil, inputErrorf(Malformed, "%v", err)
		}
	}
	for _, name := range sortedKeys(o.Refs) {
		ref := o.Refs[name]
		rel, ok := ti.One(name)
		if !ok {
			return nil, inputErrorf(Malformed, "%s has no relation %q", o.Type, name)
		}
		target, err := r.res.Decode(ctx, rel.Target, ref)
		if err != nil {
			return nil, err
		}
		r.stats.RefsResolved++
		if err := e.SetRel(name, target); err != nil {
			return nil, inputErrorf(Malformed, "%v", err)
		}
	}
	for _, name := range sortedKeys(o.Children) {
		kids := o.Children[name]
		if ti.Kind(name) != entity.FieldMany {
			return nil, inputErrorf(Malformed, "%s has no collection %q", o.Type, name)
		}
		for _, ko := range kids {
			kid, err := r.build(ctx, ko, keyed)
			if err != nil {
				return nil, errors.Wrapf(err, "%s.%s", o.Type, name)
			}
			if err := e.AddChild(name, kid); err != nil {
				return nil, inputErrorf(Malformed, "%v", err)
			}
		}
	}
	*keyed = append(*keyed, keyedEntity{key: o.Key, e: e})
	return e, nil
}

func (r *Reader) created(ctx context.Context, e *entity.Entity) error {
	return e.Walk(func(n *entity.Entity) error {
		r.stats.Created++
		for _, h := range r.hooks {
			if err := h(ctx, n); err != nil {
				return errors.Wrapf(err, "after create of %s", n)
			}
		}
		return nil
	})
}

// duplicate applies the duplicate policy to e, which conflicts with a stored
// object, and returns the stored object.
func (r *Reader) duplicate(ctx context.Context, e *entity.Entity) (*entity.Entity, error) {
	existing, err := catalogue.SearchMatching(ctx, r.cat, e)
	if err != nil {
		return nil, errors.Wrapf(err, "find existing %s", e)
	}
	switch r.policy {
	case Ignore:
		r.stats.Ignored++
	case Check:
		if name := entity.Diff(e, existing); name != "" {
			return nil, inputErrorf(Mismatch, "%s differs from the existing object in %q", e, name)
		}
		r.stats.Checked++
	case Overwrite:
		existing.Assign(e)
		if err := r.cat.Update(ctx, existing); err != nil {
			return nil, errors.Wrapf(err, "overwrite %s", existing)
		}
		r.stats.Overwritten++
	}
	return existing, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
