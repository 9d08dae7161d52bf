package dumpfile

import (
	"io"
	"sort"
	"strings"
	"sync"

	"icatkit/internal/entity"

	"github.com/pkg/errors"
)

// Encoder serializes a document one object at a time. Calls arrive in
// document order: WriteHeader, then BeginChunk/WriteObject.../EndChunk for
// each chunk, then Close.
type Encoder interface {
	WriteHeader(h Header) error
	BeginChunk() error
	WriteObject(o *Object) error
	EndChunk() error
	Close() error
}

// Decoder yields the chunks of a document in order. NextChunk returns io.EOF
// after the last chunk.
type Decoder interface {
	Header() Header
	NextChunk() (*Chunk, error)
}

type EncoderFactory func(w io.Writer, reg *entity.Registry) (Encoder, error)
type DecoderFactory func(r io.Reader, reg *entity.Registry) (Decoder, error)

type backend struct {
	enc EncoderFactory
	dec DecoderFactory
}

var (
	backendsMu sync.RWMutex
	backends   = map[string]backend{}
)

// Register makes a backend available under name. It is meant to be called
// from the init function of the backend package.
func Register(name string, enc EncoderFactory, dec DecoderFactory) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[normalizeFormat(name)] = backend{enc: enc, dec: dec}
}

// Formats lists the registered backend names.
func Formats() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	return formatsLocked()
}

func lookupBackend(name string) (backend, error) {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	b, ok := backends[normalizeFormat(name)]
	if !ok {
		return backend{}, errors.Errorf("unknown dump file format %q (have %s)", name, strings.Join(formatsLocked(), ", "))
	}
	return b, nil
}

func formatsLocked() []string {
	out := make([]string, 0, len(backends))
	for k := range backends {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func normalizeFormat(name string) string { return strings.ToUpper(strings.TrimSpace(name)) }

func NewEncoder(format string, w io.Writer, reg *entity.Registry) (Encoder, error) {
	b, err := lookupBackend(format)
	if err != nil {
		return nil, err
	}
	return b.enc(w, reg)
}

func NewDecoder(format string, r io.Reader, reg *entity.Registry) (Decoder, error) {
	b, err := lookupBackend(format)
	if err != nil {
		return nil, err
	}
	return b.dec(r, reg)
}

// ChunkDecoder serves chunks already held in memory.
type ChunkDecoder struct {
	header Header
	chunks []*Chunk
	next   int
}

func NewChunkDecoder(h Header, chunks []*Chunk) *ChunkDecoder {
	return &ChunkDecoder{header: h, chunks: chunks}
}

func (d *ChunkDecoder) Header() Header { return d.header }

func (d *ChunkDecoder) NextChunk() (*Chunk, error) {
	if d.next >= len(d.chunks) {
		return nil, io.EOF
	}
	c := d.chunks[d.next]
	d.next++
	return c, nil
}

// ReadAll drains dec into memory.
func ReadAll(dec Decoder) ([]*Chunk, error) {
	var out []*Chunk
	for {
		c, err := dec.NextChunk()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
}

// Recorder is an Encoder that keeps the document in memory.
type Recorder struct {
	Head   Header
	Chunks []*Chunk
	open   *Chunk
	closed bool
}

func (r *Recorder) WriteHeader(h Header) error {
	r.Head = h
	return nil
}

func (r *Recorder) BeginChunk() error {
	if r.open != nil {
		return errors.New("chunk already open")
	}
	r.open = &Chunk{}
	return nil
}

func (r *Recorder) WriteObject(o *Object) error {
	if r.open == nil {
		return errors.New("object outside of chunk")
	}
	r.open.Objects = append(r.open.Objects, o)
	return nil
}

func (r *Recorder) EndChunk() error {
	if r.open == nil {
		return errors.New("no open chunk")
	}
	r.Chunks = append(r.Chunks, r.open)
	r.open = nil
	return nil
}

func (r *Recorder) Close() error {
	r.closed = true
	return nil
}

func (r *Recorder) Closed() bool { return r.closed }

// Decoder replays the recorded document.
func (r *Recorder) Decoder() *ChunkDecoder { return NewChunkDecoder(r.Head, r.Chunks) }
