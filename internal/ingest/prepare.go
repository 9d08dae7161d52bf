package ingest

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"icatkit/internal/dumpfile"
	"icatkit/internal/entity"

	"github.com/pkg/errors"
)

// InvestigationKey is the local key under which Prepare declares the
// prescribed investigation in every chunk. Documents may not use it.
const InvestigationKey = "@investigation"

// ValidationError points at the part of an ingest document that is not
// allowed.
type ValidationError struct {
	Path string
	Msg  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid ingest document at %s: %s", e.Path, e.Msg)
}

// Prepare reads the whole document from dec, checks it against schema and
// returns a decoder for the rewritten chunks: root objects are attached to
// investigation and attribute references are narrowed to it or its
// facility.
func Prepare(dec dumpfile.Decoder, schema *Schema, investigation *entity.Entity) (dumpfile.Decoder, error) {
	if schema == nil {
		return nil, errors.New("ingest: no schema")
	}
	if investigation == nil || investigation.Type != "Investigation" || investigation.ID == 0 {
		return nil, errors.New("ingest: the prescribed investigation must be a stored Investigation")
	}
	fac := investigation.Rel("facility")
	if fac == nil || fac.ID == 0 {
		return nil, errors.Errorf("ingest: %s has no stored facility", investigation)
	}
	p := &preparer{
		schema: schema,
		scopes: map[string][2]string{
			ScopeInvestigation: {"investigation.id", strconv.FormatInt(investigation.ID, 10)},
			ScopeFacility:      {"facility.id", strconv.FormatInt(fac.ID, 10)},
		},
		invID: strconv.FormatInt(investigation.ID, 10),
	}
	var chunks []*dumpfile.Chunk
	for i := 0; ; i++ {
		c, err := dec.NextChunk()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "ingest: chunk %d", i)
		}
		out, err := p.chunk(i, c)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, out)
	}
	return dumpfile.NewChunkDecoder(dec.Header(), chunks), nil
}

type preparer struct {
	schema *Schema
	scopes map[string][2]string
	invID  string

	keys map[string]string
}

func (p *preparer) chunk(i int, c *dumpfile.Chunk) (*dumpfile.Chunk, error) {
	p.keys = map[string]string{InvestigationKey: "Investigation"}
	out := &dumpfile.Chunk{}
	if len(c.Objects) > 0 {
		out.Objects = append(out.Objects, dumpfile.NewRefDecl("Investigation", InvestigationKey,
			dumpfile.Reference{Attrs: map[string]string{"id": p.invID}}))
	}
	counts := map[string]int{}
	for _, o := range c.Objects {
		elem := entity.ElementName(o.Type)
		if o.IsRefDecl() {
			elem += "Ref"
		}
		path := fmt.Sprintf("chunk %d/%s[%d]", i, elem, counts[elem])
		counts[elem]++
		var err error
		switch {
		case o.IsRefDecl():
			err = p.refDecl(path, o)
		case o.Type == p.schema.Root:
			err = p.object(path, o, true)
		default:
			err = &ValidationError{Path: path, Msg: fmt.Sprintf("%s objects cannot be ingested", o.Type)}
		}
		if err != nil {
			return nil, err
		}
		out.Objects = append(out.Objects, o)
	}
	return out, nil
}

func (p *preparer) declare(path string, o *dumpfile.Object) error {
	if o.Key == "" {
		return nil
	}
	if _, dup := p.keys[o.Key]; dup {
		return &ValidationError{Path: path, Msg: fmt.Sprintf("key %q is already declared", o.Key)}
	}
	p.keys[o.Key] = o.Type
	return nil
}

func (p *preparer) refDecl(path string, o *dumpfile.Object) error {
	if o.Key == "" {
		return &ValidationError{Path: path, Msg: "reference declaration without key"}
	}
	if o.Ref.Key != "" {
		return &ValidationError{Path: path, Msg: "reference declarations must use attributes"}
	}
	attrs, err := p.restrict(path, o.Type, o.Ref.Attrs)
	if err != nil {
		return err
	}
	o.Ref.Attrs = attrs
	return p.declare(path, o)
}

func (p *preparer) object(path string, o *dumpfile.Object, root bool) error {
	rule, ok := p.schema.Types[o.Type]
	if !ok {
		return &ValidationError{Path: path, Msg: fmt.Sprintf("%s objects cannot be ingested", o.Type)}
	}
	for _, name := range sortedNames(o.Attrs) {
		if !rule.allowsAttr(name) {
			return &ValidationError{Path: path + "/" + name, Msg: fmt.Sprintf("attribute not allowed for %s", o.Type)}
		}
	}
	for _, name := range sortedNames(o.Refs) {
		fpath := path + "/" + name
		if root && name == p.schema.Parent {
			return &ValidationError{Path: fpath, Msg: "implied by the ingest and must not be given"}
		}
		rr, ok := rule.Refs[name]
		if !ok {
			return &ValidationError{Path: fpath, Msg: fmt.Sprintf("relation not allowed for %s", o.Type)}
		}
		ref := o.Refs[name]
		if ref.Key != "" {
			typ, declared := p.keys[ref.Key]
			if !declared {
				return &ValidationError{Path: fpath, Msg: fmt.Sprintf("%q is not a key declared earlier in this chunk", ref.Key)}
			}
			if typ != rr.Target {
				return &ValidationError{Path: fpath, Msg: fmt.Sprintf("key %q names a %s, expected %s", ref.Key, typ, rr.Target)}
			}
			continue
		}
		if !rr.matches(sortedNames(ref.Attrs)) {
			return &ValidationError{Path: fpath, Msg: fmt.Sprintf("reference must be given by %s", describeForms(rr.Forms))}
		}
		ref.Attrs = p.scoped(rr.Scope, ref.Attrs)
		o.Refs[name] = ref
	}
	for _, name := range sortedNames(o.Children) {
		target, ok := rule.Children[name]
		if !ok {
			return &ValidationError{Path: path + "/" + name, Msg: fmt.Sprintf("collection not allowed for %s", o.Type)}
		}
		for j, kid := range o.Children[name] {
			kpath := fmt.Sprintf("%s/%s[%d]", path, name, j)
			if kid.Type != target {
				return &ValidationError{Path: kpath, Msg: fmt.Sprintf("expected %s, got %s", target, kid.Type)}
			}
			if err := p.object(kpath, kid, false); err != nil {
				return err
			}
		}
	}
	if root {
		o.Refs[p.schema.Parent] = dumpfile.Reference{Key: InvestigationKey}
	}
	return p.declare(path, o)
}

// restrict checks the attributes of a reference declaration against every
// relation targeting typ.
func (p *preparer) restrict(path, typ string, attrs map[string]string) (map[string]string, error) {
	names := sortedNames(attrs)
	rr, ok := p.schema.formFor(typ, names)
	if !ok {
		return nil, &ValidationError{Path: path, Msg: fmt.Sprintf("%s cannot be referenced by %v", typ, names)}
	}
	return p.scoped(rr.Scope, attrs), nil
}

func (p *preparer) scoped(scope string, attrs map[string]string) map[string]string {
	out := make(map[string]string, len(attrs)+1)
	for k, v := range attrs {
		out[k] = v
	}
	if sc, ok := p.scopes[scope]; ok {
		out[sc[0]] = sc[1]
	}
	return out
}

func describeForms(forms [][]string) string {
	s := ""
	for i, f := range forms {
		if i > 0 {
			s += " or "
		}
		s += fmt.Sprint(f)
	}
	return s
}

func sortedNames[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
