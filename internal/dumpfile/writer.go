package dumpfile

import (
	"context"
	"time"

	"icatkit/internal/catalogue"
	"icatkit/internal/entity"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ObjectCheck inspects a root object before it is written. A non-nil error aborts
// the dump.
type ObjectCheck func(e *entity.Entity) error

// WriteHook runs for every root object after it is written. A non-nil
// error aborts the dump.
type WriteHook func(ctx context.Context, e *entity.Entity) error

// ChunkDone is called after each completed chunk.
type ChunkDone func(ctx context.Context, chunk int) error

type WriterOption func(*Writer)

// WithChunkSize sets the page size used for root searches. Zero fetches
// each search in one call.
func WithChunkSize(n int) WriterOption {
	return func(w *Writer) { w.chunkSize = n }
}

func WithWriterLogger(l *zap.Logger) WriterOption {
	return func(w *Writer) {
		if l != nil {
			w.log = l
		}
	}
}

func WithChecks(checks ...ObjectCheck) WriterOption {
	return func(w *Writer) { w.checks = append(w.checks, checks...) }
}

// WithHeader replaces the generated header.
func WithHeader(h Header) WriterOption {
	return func(w *Writer) { w.header = &h }
}

func WithWriteHook(h WriteHook) WriterOption {
	return func(w *Writer) { w.hooks = append(w.hooks, h) }
}

func WithWriterChunkDone(fn ChunkDone) WriterOption {
	return func(w *Writer) { w.chunkDone = fn }
}

// WriteStats summarizes a dump.
type WriteStats struct {
	Chunks  int
	Objects int
	Nested  int
}

// Writer produces a chunked document from catalogue searches.
type Writer struct {
	cat       catalogue.Client
	reg       *entity.Registry
	enc       Encoder
	log       *zap.Logger
	chunkSize int
	checks    []ObjectCheck
	hooks     []WriteHook
	header    *Header
	chunkDone ChunkDone

	index *Index
	res   *Resolver
	roots map[string]bool
}

func NewWriter(cat catalogue.Client, reg *entity.Registry, enc Encoder, opts ...WriterOption) *Writer {
	if reg == nil {
		reg = cat.Registry()
	}
	w := &Writer{cat: cat, reg: reg, enc: enc, log: zap.NewNop()}
	for _, opt := range opts {
		opt(w)
	}
	w.index = NewIndex()
	w.res = NewResolver(cat, reg, w.index)
	return w
}

func (w *Writer) defaultHeader() Header {
	if w.header != nil {
		return *w.header
	}
	return Header{
		Date:       time.Now().UTC(),
		Generator:  "icatkit",
		APIVersion: w.reg.Version(),
		Version:    FormatVersion,
	}
}

// WriteDump runs the searches of plan chunk by chunk and writes the results.
// The local index is dropped after every chunk. On error the output written
// so far is not a valid document.
func (w *Writer) WriteDump(ctx context.Context, plan Plan) (WriteStats, error) {
	var st WriteStats
	w.roots = plan.RootTypes()
	if err := w.enc.WriteHeader(w.defaultHeader()); err != nil {
		return st, errors.Wrap(err, "write header")
	}
	for i, spec := range plan.Chunks {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		n, nested, err := w.writeChunk(ctx, i, spec)
		if err != nil {
			return st, err
		}
		st.Chunks++
		st.Objects += n
		st.Nested += nested
		w.index.Reset()
		w.res.Reset()
		if w.chunkDone != nil {
			if err := w.chunkDone(ctx, i); err != nil {
				return st, &OpError{Op: "dump", Chunk: i, Err: err}
			}
		}
	}
	if err := w.enc.Close(); err != nil {
		return st, errors.Wrap(err, "close dump")
	}
	return st, nil
}

func (w *Writer) writeChunk(ctx context.Context, i int, spec ChunkSpec) (int, int, error) {
	log := w.log.With(zap.Int("chunk", i), zap.String("name", spec.Name))
	var objs []*entity.Entity
	for _, q := range spec.Searches {
		res, err := catalogue.SearchChunked(ctx, w.cat, q, w.chunkSize)
		if err != nil {
			return 0, 0, &OpError{Op: "dump", Chunk: i, Type: q.Entity, Err: errors.Wrapf(err, "search %s", q)}
		}
		entity.Sort(res)
		objs = append(objs, res...)
	}
	if err := w.enc.BeginChunk(); err != nil {
		return 0, 0, &OpError{Op: "dump", Chunk: i, Err: err}
	}
	count, nested := 0, 0
	for _, e := range objs {
		if _, seen := w.index.KeyOf(e); seen {
			continue
		}
		for _, check := range w.checks {
			if err := check(e); err != nil {
				return 0, 0, &OpError{Op: "dump", Chunk: i, Type: e.Type, Key: e.String(), Err: err}
			}
		}
		key, err := w.assignKeys(e, true)
		if err != nil {
			return 0, 0, &OpError{Op: "dump", Chunk: i, Type: e.Type, Key: e.String(), Err: err}
		}
		o, n, err := w.define(e, key, "")
		if err != nil {
			return 0, 0, &OpError{Op: "dump", Chunk: i, Type: e.Type, Key: key, Err: err}
		}
		if err := w.enc.WriteObject(o); err != nil {
			return 0, 0, &OpError{Op: "dump", Chunk: i, Type: e.Type, Key: key, Err: err}
		}
		for _, hook := range w.hooks {
			if err := hook(ctx, e); err != nil {
				return 0, 0, &OpError{Op: "dump", Chunk: i, Type: e.Type, Key: key, Err: err}
			}
		}
		log.Debug("object written", zap.String("key", key), zap.Int("nested", n))
		count++
		nested += n
	}
	if err := w.enc.EndChunk(); err != nil {
		return 0, 0, &OpError{Op: "dump", Chunk: i, Err: err}
	}
	log.Info("chunk written", zap.Int("objects", count), zap.Int("nested", nested))
	return count, nested, nil
}

// nestedRelations lists the to-many relations of e written as nested
// definitions: those whose targets are not roots of the plan.
func (w *Writer) nestedRelations(e *entity.Entity) []entity.Relation {
	ti := e.Info()
	var out []entity.Relation
	for _, name := range ti.ManyRelations() {
		rel, _ := ti.Many(name)
		if w.roots[rel.Target] || len(e.Children(name)) == 0 {
			continue
		}
		out = append(out, rel)
	}
	return out
}

// assignKeys binds local keys for e and every nested child before anything
// is written. A nested child whose unique key cannot be computed is still
// written but cannot be referenced.
func (w *Writer) assignKeys(e *entity.Entity, root bool) (string, error) {
	var key string
	if e.Info().HasUniqueConstraint() {
		k, err := w.res.UniqueKey(e)
		switch {
		case err == nil:
			key = k
		case root:
			return "", err
		}
	} else {
		key = w.index.NextKey(e.Type)
	}
	if key != "" {
		w.index.Put(key, e)
	}
	for _, rel := range w.nestedRelations(e) {
		for _, kid := range e.Children(rel.Name) {
			if rel.Inverse != "" && kid.Rel(rel.Inverse) == nil {
				if err := kid.SetRel(rel.Inverse, e); err != nil {
					return "", err
				}
			}
			if _, err := w.assignKeys(kid, false); err != nil {
				return "", err
			}
		}
	}
	return key, nil
}

// define builds the declaration of e. skip names the relation back to the
// enclosing object, which the reader restores from the nesting.
func (w *Writer) define(e *entity.Entity, key, skip string) (*Object, int, error) {
	ti := e.Info()
	o := NewObject(e.Type, key)
	for _, name := range ti.Attributes() {
		if v := e.Get(name); v != nil {
			o.Attrs[name] = v
		}
	}
	for _, name := range ti.OneRelations() {
		target := e.Rel(name)
		if name == skip || target == nil {
			continue
		}
		ref, err := w.res.Encode(target)
		if err != nil {
			return nil, 0, errors.Wrapf(err, "%s.%s", e.Type, name)
		}
		o.Refs[name] = ref
	}
	nested := 0
	for _, rel := range w.nestedRelations(e) {
		kids := append([]*entity.Entity(nil), e.Children(rel.Name)...)
		entity.Sort(kids)
		for _, kid := range kids {
			k, _ := w.index.KeyOf(kid)
			ko, n, err := w.define(kid, k, rel.Inverse)
			if err != nil {
				return nil, 0, err
			}
			o.Children[rel.Name] = append(o.Children[rel.Name], ko)
			nested += n + 1
		}
	}
	return o, nested, nil
}
