package dumpplan

import (
	"io"
	"os"
	"sort"
	"strings"

	"icatkit/internal/dumpfile"
	"icatkit/internal/query"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// planFile is the YAML form of a plan:
//
//	version: "5.0"
//	chunks:
//	  - name: authz
//	    searches:
//	      - entity: Grouping
//	        include: [userGroups]
//	  - name: investigation
//	    searches:
//	      - entity: Dataset
//	        where: {investigation.id: "${investigation.id}"}
type planFile struct {
	Version string      `yaml:"version"`
	Chunks  []chunkFile `yaml:"chunks"`
}

type chunkFile struct {
	Name     string       `yaml:"name"`
	Searches []searchFile `yaml:"searches"`
}

type searchFile struct {
	Entity  string         `yaml:"entity"`
	Where   map[string]any `yaml:"where,omitempty"`
	Include []string       `yaml:"include,omitempty"`
	Order   []string       `yaml:"order,omitempty"`
}

// Load reads a plan from YAML. Conditions in where are equality tests and
// are applied in path order.
func Load(r io.Reader) (dumpfile.Plan, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f planFile
	if err := dec.Decode(&f); err != nil {
		return dumpfile.Plan{}, errors.Wrap(err, "parse plan")
	}
	if len(f.Chunks) == 0 {
		return dumpfile.Plan{}, errors.New("plan has no chunks")
	}
	plan := dumpfile.Plan{Version: f.Version}
	for i, c := range f.Chunks {
		spec := dumpfile.ChunkSpec{Name: strings.TrimSpace(c.Name)}
		for j, s := range c.Searches {
			if strings.TrimSpace(s.Entity) == "" {
				return dumpfile.Plan{}, errors.Errorf("plan chunk %d search %d: entity is required", i, j)
			}
			q := query.New(strings.TrimSpace(s.Entity))
			paths := make([]string, 0, len(s.Where))
			for p := range s.Where {
				paths = append(paths, p)
			}
			sort.Strings(paths)
			for _, p := range paths {
				q.Eq(p, s.Where[p])
			}
			q.Include(s.Include...)
			q.OrderBy(s.Order...)
			spec.Searches = append(spec.Searches, q)
		}
		plan.Chunks = append(plan.Chunks, spec)
	}
	return plan, nil
}

// LoadFile reads a plan file from disk.
func LoadFile(path string) (dumpfile.Plan, error) {
	f, err := os.Open(path)
	if err != nil {
		return dumpfile.Plan{}, err
	}
	defer f.Close()
	plan, err := Load(f)
	if err != nil {
		return dumpfile.Plan{}, errors.Wrap(err, path)
	}
	return plan, nil
}

// Save writes plan in the form read by Load. Only equality conditions are
// representable.
func Save(w io.Writer, plan dumpfile.Plan) error {
	f := planFile{Version: plan.Version}
	for i, spec := range plan.Chunks {
		c := chunkFile{Name: spec.Name}
		for _, q := range spec.Searches {
			s := searchFile{Entity: q.Entity, Include: q.Includes, Order: q.Order}
			for _, cond := range q.Conditions {
				if cond.Op != query.OpEq && cond.Op != query.OpIsNull {
					return errors.Errorf("plan chunk %d: %s %s cannot be saved", i, cond.Path, cond.Op)
				}
				if s.Where == nil {
					s.Where = map[string]any{}
				}
				s.Where[cond.Path] = cond.Value
			}
			c.Searches = append(c.Searches, s)
		}
		f.Chunks = append(f.Chunks, c)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&f); err != nil {
		return errors.Wrap(err, "write plan")
	}
	return enc.Close()
}
