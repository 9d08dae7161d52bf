// Package xmldump is the XML backend of dumpfile.
//
// Layout:
//
//	<icatdata version="1.1">
//	  <head>
//	    <date>2024-03-01T12:00:00Z</date>
//	    <apiversion>5.0</apiversion>
//	    <generator>icatkit</generator>
//	  </head>
//	  <data>
//	    <grouping id="Grouping_name-writer">
//	      <name>writer</name>
//	      <userGroups>
//	        <user ref="User_name-db=2Fahau"/>
//	      </userGroups>
//	    </grouping>
//	    <facilityRef id="fac" name="ESNF"/>
//	  </data>
//	</icatdata>
//
// Attributes are child elements holding text, references are elements with
// either a ref attribute or identifying attributes (dotted paths allowed),
// and nested objects are elements named after the collection.
package xmldump

import (
	"bufio"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"icatkit/internal/dumpfile"
	"icatkit/internal/entity"

	"github.com/pkg/errors"
)

const (
	Format    = "XML"
	rootElem  = "icatdata"
	headElem  = "head"
	dataElem  = "data"
	refSuffix = "Ref"
)

func init() {
	dumpfile.Register(Format,
		func(w io.Writer, reg *entity.Registry) (dumpfile.Encoder, error) { return NewEncoder(w, reg), nil },
		func(r io.Reader, reg *entity.Registry) (dumpfile.Decoder, error) { return NewDecoder(r, reg) },
	)
}

var headFields = []struct {
	elem string
	get  func(h *dumpfile.Header) *string
}{
	{"service", func(h *dumpfile.Header) *string { return &h.Service }},
	{"apiversion", func(h *dumpfile.Header) *string { return &h.APIVersion }},
	{"generator", func(h *dumpfile.Header) *string { return &h.Generator }},
}

func start(name string, attrs ...xml.Attr) xml.StartElement {
	return xml.StartElement{Name: xml.Name{Local: name}, Attr: attrs}
}

func attr(name, value string) xml.Attr {
	return xml.Attr{Name: xml.Name{Local: name}, Value: value}
}

// Encoder streams the document; each chunk is flushed when it ends.
type Encoder struct {
	bw      *bufio.Writer
	enc     *xml.Encoder
	reg     *entity.Registry
	started bool
	inChunk bool
}

func NewEncoder(w io.Writer, reg *entity.Registry) *Encoder {
	bw := bufio.NewWriter(w)
	enc := xml.NewEncoder(bw)
	enc.Indent("", "  ")
	return &Encoder{bw: bw, enc: enc, reg: reg}
}

func (e *Encoder) open(version string) error {
	if e.started {
		return nil
	}
	e.started = true
	if version == "" {
		version = dumpfile.FormatVersion
	}
	if err := e.enc.EncodeToken(xml.ProcInst{Target: "xml", Inst: []byte(`version="1.0" encoding="UTF-8"`)}); err != nil {
		return err
	}
	return e.enc.EncodeToken(start(rootElem, attr("version", version)))
}

func (e *Encoder) text(elem, value string) error {
	s := start(elem)
	if err := e.enc.EncodeToken(s); err != nil {
		return err
	}
	if err := e.enc.EncodeToken(xml.CharData(value)); err != nil {
		return err
	}
	return e.enc.EncodeToken(s.End())
}

func (e *Encoder) WriteHeader(h dumpfile.Header) error {
	if err := e.open(h.Version); err != nil {
		return err
	}
	head := start(headElem)
	if err := e.enc.EncodeToken(head); err != nil {
		return err
	}
	if !h.Date.IsZero() {
		if err := e.text("date", h.Date.UTC().Format(time.RFC3339)); err != nil {
			return err
		}
	}
	for _, f := range headFields {
		if v := *f.get(&h); v != "" {
			if err := e.text(f.elem, v); err != nil {
				return err
			}
		}
	}
	return e.enc.EncodeToken(head.End())
}

func (e *Encoder) BeginChunk() error {
	if err := e.open(""); err != nil {
		return err
	}
	if e.inChunk {
		return errors.New("xml: chunk already open")
	}
	e.inChunk = true
	return e.enc.EncodeToken(start(dataElem))
}

func (e *Encoder) WriteObject(o *dumpfile.Object) error {
	if !e.inChunk {
		return errors.New("xml: object outside of chunk")
	}
	elem := entity.ElementName(o.Type)
	if o.IsRefDecl() {
		return e.refDecl(elem+refSuffix, o)
	}
	return e.object(elem, o)
}

func (e *Encoder) object(elem string, o *dumpfile.Object) error {
	s := start(elem)
	if o.Key != "" {
		s.Attr = append(s.Attr, attr("id", o.Key))
	}
	if err := e.enc.EncodeToken(s); err != nil {
		return err
	}
	for _, name := range o.FieldNames() {
		if v, ok := o.Attrs[name]; ok {
			if err := e.text(name, entity.FormatValue(v)); err != nil {
				return err
			}
			continue
		}
		if ref, ok := o.Refs[name]; ok {
			rs := start(name, refAttrs(ref)...)
			if err := e.enc.EncodeToken(rs); err != nil {
				return err
			}
			if err := e.enc.EncodeToken(rs.End()); err != nil {
				return err
			}
			continue
		}
		for _, kid := range o.Children[name] {
			if err := e.object(name, kid); err != nil {
				return err
			}
		}
	}
	return e.enc.EncodeToken(s.End())
}

func refAttrs(ref dumpfile.Reference) []xml.Attr {
	var out []xml.Attr
	if ref.Key != "" {
		out = append(out, attr("ref", ref.Key))
	}
	names := make([]string, 0, len(ref.Attrs))
	for k := range ref.Attrs {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		out = append(out, attr(k, ref.Attrs[k]))
	}
	return out
}

func (e *Encoder) refDecl(elem string, o *dumpfile.Object) error {
	s := start(elem, append([]xml.Attr{attr("id", o.Key)}, refAttrs(*o.Ref)...)...)
	if err := e.enc.EncodeToken(s); err != nil {
		return err
	}
	return e.enc.EncodeToken(s.End())
}

func (e *Encoder) EndChunk() error {
	if !e.inChunk {
		return errors.New("xml: no open chunk")
	}
	e.inChunk = false
	if err := e.enc.EncodeToken(start(dataElem).End()); err != nil {
		return err
	}
	if err := e.enc.Flush(); err != nil {
		return err
	}
	return e.bw.Flush()
}

func (e *Encoder) Close() error {
	if err := e.open(""); err != nil {
		return err
	}
	if err := e.enc.EncodeToken(start(rootElem).End()); err != nil {
		return err
	}
	if err := e.enc.Close(); err != nil {
		return err
	}
	if _, err := e.bw.WriteString("\n"); err != nil {
		return err
	}
	return e.bw.Flush()
}

// node is the generic element tree of one object declaration.
type node struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Nodes   []node     `xml:",any"`
	Text    string     `xml:",chardata"`
}

func (n *node) attr(name string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

// Decoder reads one <data> element per NextChunk call.
type Decoder struct {
	reg     *entity.Registry
	dec     *xml.Decoder
	header  dumpfile.Header
	pending *xml.StartElement
	done    bool
}

// NewDecoder reads up to the first chunk and parses the head element if
// there is one.
func NewDecoder(r io.Reader, reg *entity.Registry) (*Decoder, error) {
	d := &Decoder{reg: reg, dec: xml.NewDecoder(bufio.NewReader(r))}
	root, err := d.nextStart()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, malformed("xml: empty document")
		}
		return nil, err
	}
	if root.Name.Local != rootElem {
		return nil, malformed("xml: root element is %q, expected %q", root.Name.Local, rootElem)
	}
	for _, a := range root.Attr {
		if a.Name.Local == "version" {
			d.header.Version = a.Value
		}
	}
	first, err := d.nextStart()
	if errors.Is(err, io.EOF) {
		d.done = true
		return d, nil
	}
	if err != nil {
		return nil, err
	}
	if first.Name.Local != headElem {
		d.pending = &first
		return d, nil
	}
	var head node
	if err := d.dec.DecodeElement(&head, &first); err != nil {
		return nil, malformed("xml: head: %v", err)
	}
	for _, n := range head.Nodes {
		value := strings.TrimSpace(n.Text)
		if n.XMLName.Local == "date" {
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				d.header.Date = t.UTC()
			}
			continue
		}
		for _, f := range headFields {
			if f.elem == n.XMLName.Local {
				*f.get(&d.header) = value
			}
		}
	}
	return d, nil
}

// nextStart returns the next start element at the current level, or io.EOF
// when the enclosing element ends.
func (d *Decoder) nextStart() (xml.StartElement, error) {
	for {
		tok, err := d.dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return xml.StartElement{}, io.EOF
			}
			return xml.StartElement{}, malformed("xml: %v", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			return t, nil
		case xml.EndElement:
			return xml.StartElement{}, io.EOF
		}
	}
}

func (d *Decoder) Header() dumpfile.Header { return d.header }

func (d *Decoder) NextChunk() (*dumpfile.Chunk, error) {
	if d.done {
		return nil, io.EOF
	}
	var s xml.StartElement
	if d.pending != nil {
		s, d.pending = *d.pending, nil
	} else {
		var err error
		if s, err = d.nextStart(); err != nil {
			if errors.Is(err, io.EOF) {
				d.done = true
			}
			return nil, err
		}
	}
	if s.Name.Local != dataElem {
		return nil, malformed("xml: unexpected element <%s>, expected <%s>", s.Name.Local, dataElem)
	}
	chunk := &dumpfile.Chunk{}
	for {
		el, err := d.nextStart()
		if errors.Is(err, io.EOF) {
			return chunk, nil
		}
		if err != nil {
			return nil, err
		}
		var n node
		if err := d.dec.DecodeElement(&n, &el); err != nil {
			return nil, malformed("xml: <%s>: %v", el.Name.Local, err)
		}
		o, err := d.declaration(&n)
		if err != nil {
			return nil, err
		}
		chunk.Objects = append(chunk.Objects, o)
	}
}

func (d *Decoder) declaration(n *node) (*dumpfile.Object, error) {
	elem := n.XMLName.Local
	if typ, ok := d.reg.TypeForElement(elem); ok {
		return d.object(typ, n)
	}
	if base, ok := strings.CutSuffix(elem, refSuffix); ok {
		if typ, ok := d.reg.TypeForElement(base); ok {
			key, _ := n.attr("id")
			ref := reference(n, "id")
			return dumpfile.NewRefDecl(typ, key, ref), nil
		}
	}
	return nil, malformed("xml: unknown element <%s>", elem)
}

func (d *Decoder) object(typ string, n *node) (*dumpfile.Object, error) {
	ti, err := d.reg.Type(typ)
	if err != nil {
		return nil, malformed("%v", err)
	}
	key, _ := n.attr("id")
	o := dumpfile.NewObject(typ, key)
	for i := range n.Nodes {
		f := &n.Nodes[i]
		name := f.XMLName.Local
		switch ti.Kind(name) {
		case entity.FieldAttr:
			if len(f.Nodes) > 0 {
				return nil, malformed("xml: %s.%s must hold text", typ, name)
			}
			o.Attrs[name] = f.Text
		case entity.FieldOne:
			ref := reference(f, "")
			if ref.IsZero() {
				return nil, malformed("xml: %s.%s has neither ref nor attributes", typ, name)
			}
			o.Refs[name] = ref
		case entity.FieldMany:
			rel, _ := ti.Many(name)
			kid, err := d.object(rel.Target, f)
			if err != nil {
				return nil, err
			}
			o.Children[name] = append(o.Children[name], kid)
		default:
			return nil, malformed("xml: %s has no field <%s>", typ, name)
		}
	}
	return o, nil
}

// reference reads a ref attribute or identifying attributes, ignoring skip.
func reference(n *node, skip string) dumpfile.Reference {
	var ref dumpfile.Reference
	for _, a := range n.Attrs {
		switch a.Name.Local {
		case skip:
		case "ref":
			ref.Key = a.Value
		default:
			if ref.Attrs == nil {
				ref.Attrs = map[string]string{}
			}
			ref.Attrs[a.Name.Local] = a.Value
		}
	}
	return ref
}

func malformed(format string, args ...any) error {
	return &dumpfile.InputError{Kind: dumpfile.Malformed, Msg: fmt.Sprintf(format, args...)}
}
