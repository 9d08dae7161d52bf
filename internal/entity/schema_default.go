package entity

import (
	_ "embed"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

//go:embed schema/icat.yaml
var defaultSchema []byte

// SchemaFile is the YAML form of a registry.
type SchemaFile struct {
	Types map[string]SchemaType `yaml:"types"`
}

type SchemaType struct {
	Since      string            `yaml:"since"`
	Constraint []string          `yaml:"constraint"`
	NotNull    []string          `yaml:"notnull"`
	Attrs      map[string]string `yaml:"attrs"`
	One        map[string]string `yaml:"one"`
	Many       map[string]string `yaml:"many"`
}

var (
	defaultOnce sync.Once
	defaultFile *SchemaFile
	defaultErr  error
)

// DefaultRegistry returns the built-in ICAT schema as seen by a server of
// the given version ("4.4", "5.0", ...).
func DefaultRegistry(version string) (*Registry, error) {
	defaultOnce.Do(func() {
		defaultFile, defaultErr = ParseSchema(defaultSchema)
	})
	if defaultErr != nil {
		return nil, defaultErr
	}
	return defaultFile.Registry(version)
}

// ParseSchema decodes a schema file.
func ParseSchema(data []byte) (*SchemaFile, error) {
	var f SchemaFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "parse schema")
	}
	if len(f.Types) == 0 {
		return nil, errors.New("schema declares no types")
	}
	return &f, nil
}

// Registry builds the registry for a server version. Types introduced after
// version are left out together with every relation pointing at them.
func (f *SchemaFile) Registry(version string) (*Registry, error) {
	present := map[string]bool{}
	for name, t := range f.Types {
		if t.Since == "" || VersionAtLeast(version, t.Since) {
			present[name] = true
		}
	}
	infos := make([]*TypeInfo, 0, len(present))
	for name, t := range f.Types {
		if !present[name] {
			continue
		}
		def := TypeDef{
			Name:       name,
			Constraint: t.Constraint,
			NotNull:    t.NotNull,
			Attrs:      map[string]AttrType{},
			One:        map[string]string{},
			Many:       map[string]Relation{},
		}
		for a, typ := range t.Attrs {
			def.Attrs[a] = ParseAttrType(typ)
		}
		for r, target := range t.One {
			if present[target] {
				def.One[r] = target
			}
		}
		for r, spec := range t.Many {
			target, inverse, _ := strings.Cut(spec, ".")
			if present[target] {
				def.Many[r] = Relation{Target: target, Inverse: inverse}
			}
		}
		infos = append(infos, NewTypeInfo(def))
	}
	return NewRegistry(version, infos...)
}

// VersionAtLeast compares dotted numeric versions. Missing components count
// as zero and non-numeric suffixes ("5.0.1-SNAPSHOT") are ignored.
func VersionAtLeast(have, want string) bool {
	return CompareVersions(have, want) >= 0
}

func CompareVersions(a, b string) int {
	pa, pb := versionParts(a), versionParts(b)
	for len(pa) < len(pb) {
		pa = append(pa, 0)
	}
	for len(pb) < len(pa) {
		pb = append(pb, 0)
	}
	for i := range pa {
		switch {
		case pa[i] < pb[i]:
			return -1
		case pa[i] > pb[i]:
			return 1
		}
	}
	return 0
}

func versionParts(v string) []int {
	var out []int
	for _, p := range strings.Split(strings.TrimSpace(v), ".") {
		end := 0
		for end < len(p) && p[end] >= '0' && p[end] <= '9' {
			end++
		}
		n, err := strconv.Atoi(p[:end])
		if err != nil {
			break
		}
		out = append(out, n)
		if end < len(p) {
			break
		}
	}
	return out
}
