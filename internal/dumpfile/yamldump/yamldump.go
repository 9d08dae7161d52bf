// Package yamldump is the YAML backend of dumpfile.
//
// The header is a block of comment lines. Each chunk is one YAML document
// holding a sequence of single entry mappings from element name to object:
//
//	---
//	- user:
//	    _key: User_name-db=2Fahau
//	    name: db/ahau
//	- grouping:
//	    _key: Grouping_name-writer
//	    name: writer
//	    userGroups:
//	    - user: User_name-db=2Fahau
//	- facilityRef:
//	    _key: fac
//	    name: ESNF
package yamldump

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"icatkit/internal/dumpfile"
	"icatkit/internal/entity"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	Format    = "YAML"
	keyField  = "_key"
	refSuffix = "Ref"
)

func init() {
	dumpfile.Register(Format,
		func(w io.Writer, reg *entity.Registry) (dumpfile.Encoder, error) { return NewEncoder(w, reg), nil },
		func(r io.Reader, reg *entity.Registry) (dumpfile.Decoder, error) { return NewDecoder(r, reg) },
	)
}

var headerFields = []struct {
	name string
	get  func(h *dumpfile.Header) *string
}{
	{"Service", func(h *dumpfile.Header) *string { return &h.Service }},
	{"ICAT-API", func(h *dumpfile.Header) *string { return &h.APIVersion }},
	{"Generator", func(h *dumpfile.Header) *string { return &h.Generator }},
	{"Version", func(h *dumpfile.Header) *string { return &h.Version }},
}

// Encoder writes one YAML document per chunk.
type Encoder struct {
	w     *bufio.Writer
	reg   *entity.Registry
	chunk *yaml.Node
}

func NewEncoder(w io.Writer, reg *entity.Registry) *Encoder {
	return &Encoder{w: bufio.NewWriter(w), reg: reg}
}

func (e *Encoder) WriteHeader(h dumpfile.Header) error {
	fmt.Fprintln(e.w, "%YAML 1.1")
	if !h.Date.IsZero() {
		fmt.Fprintf(e.w, "# Date: %s\n", h.Date.UTC().Format(time.RFC3339))
	}
	for _, f := range headerFields {
		if v := *f.get(&h); v != "" {
			fmt.Fprintf(e.w, "# %s: %s\n", f.name, v)
		}
	}
	return nil
}

func (e *Encoder) BeginChunk() error {
	if e.chunk != nil {
		return errors.New("yaml: chunk already open")
	}
	e.chunk = &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
	return nil
}

func (e *Encoder) WriteObject(o *dumpfile.Object) error {
	if e.chunk == nil {
		return errors.New("yaml: object outside of chunk")
	}
	var body *yaml.Node
	elem := entity.ElementName(o.Type)
	if o.IsRefDecl() {
		elem += refSuffix
		body = refDeclNode(o)
	} else {
		n, err := objectNode(o)
		if err != nil {
			return err
		}
		body = n
	}
	e.chunk.Content = append(e.chunk.Content, mapping(scalar(elem), body))
	return nil
}

func (e *Encoder) EndChunk() error {
	if e.chunk == nil {
		return errors.New("yaml: no open chunk")
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(e.chunk); err != nil {
		return errors.Wrap(err, "yaml: encode chunk")
	}
	if err := enc.Close(); err != nil {
		return errors.Wrap(err, "yaml: encode chunk")
	}
	e.chunk = nil
	if _, err := e.w.WriteString("---\n"); err != nil {
		return err
	}
	if _, err := e.w.Write(buf.Bytes()); err != nil {
		return err
	}
	return e.w.Flush()
}

func (e *Encoder) Close() error { return e.w.Flush() }

func scalar(s string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: s}
}

func mapping(pairs ...*yaml.Node) *yaml.Node {
	return &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map", Content: pairs}
}

func valueNode(v any) (*yaml.Node, error) {
	switch x := v.(type) {
	case string:
		return scalar(x), nil
	case time.Time:
		return scalar(entity.FormatValue(x)), nil
	}
	n := &yaml.Node{}
	if err := n.Encode(v); err != nil {
		return nil, errors.Wrapf(err, "yaml: encode %v", v)
	}
	return n, nil
}

func objectNode(o *dumpfile.Object) (*yaml.Node, error) {
	n := mapping()
	if o.Key != "" {
		n.Content = append(n.Content, scalar(keyField), scalar(o.Key))
	}
	for _, name := range o.FieldNames() {
		if v, ok := o.Attrs[name]; ok {
			vn, err := valueNode(v)
			if err != nil {
				return nil, err
			}
			n.Content = append(n.Content, scalar(name), vn)
			continue
		}
		if ref, ok := o.Refs[name]; ok {
			n.Content = append(n.Content, scalar(name), refNode(ref))
			continue
		}
		seq := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, kid := range o.Children[name] {
			kn, err := objectNode(kid)
			if err != nil {
				return nil, err
			}
			seq.Content = append(seq.Content, kn)
		}
		n.Content = append(n.Content, scalar(name), seq)
	}
	return n, nil
}

func refNode(ref dumpfile.Reference) *yaml.Node {
	if ref.Key != "" {
		return scalar(ref.Key)
	}
	return attrsNode(ref.Attrs)
}

func attrsNode(attrs map[string]string) *yaml.Node {
	names := make([]string, 0, len(attrs))
	for k := range attrs {
		names = append(names, k)
	}
	sort.Strings(names)
	n := mapping()
	for _, k := range names {
		n.Content = append(n.Content, scalar(k), scalar(attrs[k]))
	}
	return n
}

func refDeclNode(o *dumpfile.Object) *yaml.Node {
	n := attrsNode(o.Ref.Attrs)
	head := []*yaml.Node{scalar(keyField), scalar(o.Key)}
	if o.Ref.Key != "" {
		head = append(head, scalar("ref"), scalar(o.Ref.Key))
	}
	n.Content = append(head, n.Content...)
	return n
}

// Decoder reads the documents of a YAML dump one chunk at a time.
type Decoder struct {
	reg    *entity.Registry
	dec    *yaml.Decoder
	header dumpfile.Header
}

// NewDecoder consumes the comment header of r.
func NewDecoder(r io.Reader, reg *entity.Registry) (*Decoder, error) {
	br := bufio.NewReader(r)
	d := &Decoder{reg: reg}
	var rest string
	for {
		line, err := br.ReadString('\n')
		trimmed := strings.TrimSpace(line)
		if trimmed != "" && !strings.HasPrefix(trimmed, "#") && !strings.HasPrefix(trimmed, "%") {
			rest = line
			break
		}
		d.headerLine(trimmed)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "yaml: read header")
		}
	}
	d.dec = yaml.NewDecoder(io.MultiReader(strings.NewReader(rest), br))
	return d, nil
}

func (d *Decoder) headerLine(line string) {
	name, value, ok := strings.Cut(strings.TrimSpace(strings.TrimPrefix(line, "#")), ":")
	if !ok || !strings.HasPrefix(line, "#") {
		return
	}
	value = strings.TrimSpace(value)
	if name == "Date" {
		if t, err := time.Parse(time.RFC3339, value); err == nil {
			d.header.Date = t.UTC()
		}
		return
	}
	for _, f := range headerFields {
		if f.name == name {
			*f.get(&d.header) = value
		}
	}
}

func (d *Decoder) Header() dumpfile.Header { return d.header }

func (d *Decoder) NextChunk() (*dumpfile.Chunk, error) {
	var doc yaml.Node
	if err := d.dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, malformed("yaml: %v", err)
	}
	root := &doc
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}
	chunk := &dumpfile.Chunk{}
	if isNull(root) {
		return chunk, nil
	}
	if root.Kind != yaml.SequenceNode {
		return nil, malformed("line %d: chunk must be a sequence", root.Line)
	}
	for _, item := range root.Content {
		if item.Kind != yaml.MappingNode || len(item.Content) != 2 {
			return nil, malformed("line %d: expected a single element mapping", item.Line)
		}
		o, err := d.declaration(item.Content[0].Value, item.Content[1])
		if err != nil {
			return nil, err
		}
		chunk.Objects = append(chunk.Objects, o)
	}
	return chunk, nil
}

func (d *Decoder) declaration(elem string, body *yaml.Node) (*dumpfile.Object, error) {
	if typ, ok := d.reg.TypeForElement(elem); ok {
		return d.object(typ, body)
	}
	if base, ok := strings.CutSuffix(elem, refSuffix); ok {
		if typ, ok := d.reg.TypeForElement(base); ok {
			return d.refDecl(typ, body)
		}
	}
	return nil, malformed("line %d: unknown element %q", body.Line, elem)
}

func (d *Decoder) object(typ string, body *yaml.Node) (*dumpfile.Object, error) {
	if body.Kind != yaml.MappingNode {
		return nil, malformed("line %d: %s must be a mapping", body.Line, typ)
	}
	ti, err := d.reg.Type(typ)
	if err != nil {
		return nil, malformed("%v", err)
	}
	o := dumpfile.NewObject(typ, "")
	for i := 0; i+1 < len(body.Content); i += 2 {
		name, v := body.Content[i].Value, body.Content[i+1]
		if name == keyField {
			o.Key = v.Value
			continue
		}
		switch ti.Kind(name) {
		case entity.FieldAttr:
			if v.Kind != yaml.ScalarNode {
				return nil, malformed("line %d: %s.%s must be a scalar", v.Line, typ, name)
			}
			if !isNull(v) {
				o.Attrs[name] = v.Value
			}
		case entity.FieldOne:
			ref, err := reference(v)
			if err != nil {
				return nil, malformed("line %d: %s.%s: %v", v.Line, typ, name, err)
			}
			if !ref.IsZero() {
				o.Refs[name] = ref
			}
		case entity.FieldMany:
			if isNull(v) {
				continue
			}
			if v.Kind != yaml.SequenceNode {
				return nil, malformed("line %d: %s.%s must be a sequence", v.Line, typ, name)
			}
			rel, _ := ti.Many(name)
			for _, kn := range v.Content {
				kid, err := d.object(rel.Target, kn)
				if err != nil {
					return nil, err
				}
				o.Children[name] = append(o.Children[name], kid)
			}
		default:
			return nil, malformed("line %d: %s has no field %q", body.Content[i].Line, typ, name)
		}
	}
	return o, nil
}

func (d *Decoder) refDecl(typ string, body *yaml.Node) (*dumpfile.Object, error) {
	if body.Kind != yaml.MappingNode {
		return nil, malformed("line %d: %sRef must be a mapping", body.Line, entity.ElementName(typ))
	}
	var key string
	ref := dumpfile.Reference{Attrs: map[string]string{}}
	for i := 0; i+1 < len(body.Content); i += 2 {
		name, v := body.Content[i].Value, body.Content[i+1]
		switch name {
		case keyField:
			key = v.Value
		case "ref":
			ref.Key = v.Value
		default:
			ref.Attrs[name] = v.Value
		}
	}
	if len(ref.Attrs) == 0 {
		ref.Attrs = nil
	}
	return dumpfile.NewRefDecl(typ, key, ref), nil
}

func reference(v *yaml.Node) (dumpfile.Reference, error) {
	switch {
	case isNull(v):
		return dumpfile.Reference{}, nil
	case v.Kind == yaml.ScalarNode:
		return dumpfile.Reference{Key: v.Value}, nil
	case v.Kind == yaml.MappingNode:
		attrs := map[string]string{}
		for i := 0; i+1 < len(v.Content); i += 2 {
			if v.Content[i+1].Kind != yaml.ScalarNode {
				return dumpfile.Reference{}, errors.New("attribute reference values must be scalars")
			}
			attrs[v.Content[i].Value] = v.Content[i+1].Value
		}
		return dumpfile.Reference{Attrs: attrs}, nil
	}
	return dumpfile.Reference{}, errors.New("reference must be a key or a mapping of attributes")
}

func isNull(n *yaml.Node) bool {
	return n.Kind == yaml.ScalarNode && n.ShortTag() == "!!null"
}

func malformed(format string, args ...any) error {
	return &dumpfile.InputError{Kind: dumpfile.Malformed, Msg: fmt.Sprintf(format, args...)}
}
