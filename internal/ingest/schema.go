// Package ingest restricts dump documents to what an unprivileged user may
// add to one existing investigation: datasets with their parameters,
// datafiles and instrument or technique links.
//
// Prepare validates a whole document against a Schema and rewrites it into
// ordinary input for dumpfile.Reader. Nothing is created if any part of the
// document is rejected.
package ingest

import (
	"strings"

	"icatkit/internal/entity"

	"github.com/pkg/errors"
)

// Scopes narrow attribute references to the prescribed investigation.
const (
	ScopeNone          = ""
	ScopeInvestigation = "investigation"
	ScopeFacility      = "facility"
)

// RefRule lists the attribute sets that may identify the target of a
// relation. Scope names an attribute Prepare adds to every such reference.
type RefRule struct {
	Target string
	Forms  [][]string
	Scope  string
}

// TypeRule lists the fields an object of one type may carry.
type TypeRule struct {
	Attrs    []string
	Refs     map[string]RefRule
	Children map[string]string
}

// Schema is a versioned whitelist of ingestible types. Root objects are of
// type Root and get Parent set to the prescribed investigation.
type Schema struct {
	Version string
	Root    string
	Parent  string
	Types   map[string]TypeRule
}

var paramAttrs = []string{"stringValue", "numericValue", "dateTimeValue", "error", "rangeBottom", "rangeTop"}

func paramType() RefRule {
	return RefRule{Target: "ParameterType", Forms: [][]string{{"name", "units"}}, Scope: ScopeFacility}
}

func schemaV10() *Schema {
	return &Schema{
		Version: "1.0",
		Root:    "Dataset",
		Parent:  "investigation",
		Types: map[string]TypeRule{
			"Dataset": {
				Attrs: []string{"name", "description", "location", "doi", "startDate", "endDate", "complete"},
				Refs: map[string]RefRule{
					"type":   {Target: "DatasetType", Forms: [][]string{{"name"}}, Scope: ScopeFacility},
					"sample": {Target: "Sample", Forms: [][]string{{"name"}}, Scope: ScopeInvestigation},
				},
				Children: map[string]string{"parameters": "DatasetParameter", "datafiles": "Datafile"},
			},
			"DatasetParameter": {
				Attrs: paramAttrs,
				Refs:  map[string]RefRule{"type": paramType()},
			},
			"Datafile": {
				Attrs: []string{"name", "description", "location", "fileSize", "checksum", "doi", "datafileCreateTime", "datafileModTime"},
				Refs: map[string]RefRule{
					"datafileFormat": {Target: "DatafileFormat", Forms: [][]string{{"name", "version"}}, Scope: ScopeFacility},
				},
				Children: map[string]string{"parameters": "DatafileParameter"},
			},
			"DatafileParameter": {
				Attrs: paramAttrs,
				Refs:  map[string]RefRule{"type": paramType()},
			},
		},
	}
}

func schemaV11() *Schema {
	s := schemaV10()
	s.Version = "1.1"
	ds := s.Types["Dataset"]
	ds.Children = map[string]string{
		"parameters":         "DatasetParameter",
		"datafiles":          "Datafile",
		"datasetInstruments": "DatasetInstrument",
		"datasetTechniques":  "DatasetTechnique",
	}
	s.Types["Dataset"] = ds
	s.Types["DatasetInstrument"] = TypeRule{Refs: map[string]RefRule{
		"instrument": {Target: "Instrument", Forms: [][]string{{"name"}, {"pid"}}, Scope: ScopeFacility},
	}}
	s.Types["DatasetTechnique"] = TypeRule{Refs: map[string]RefRule{
		"technique": {Target: "Technique", Forms: [][]string{{"name"}, {"pid"}}},
	}}
	return s
}

// SchemaFor returns the ingest schema matching a catalogue API version.
// Instrument and technique links need a 5.0 catalogue.
func SchemaFor(apiVersion string) (*Schema, error) {
	if strings.TrimSpace(apiVersion) == "" {
		return nil, errors.New("ingest: catalogue version is required")
	}
	if entity.VersionAtLeast(apiVersion, "5.0") {
		return schemaV11(), nil
	}
	if !entity.VersionAtLeast(apiVersion, "4.4") {
		return nil, errors.Errorf("ingest: catalogue version %s is not supported", apiVersion)
	}
	return schemaV10(), nil
}

func (r TypeRule) allowsAttr(name string) bool {
	for _, a := range r.Attrs {
		if a == name {
			return true
		}
	}
	return false
}

// formFor returns the scope of the first rule targeting typ whose forms
// contain exactly the given attribute names.
func (s *Schema) formFor(typ string, names []string) (RefRule, bool) {
	for _, tr := range s.Types {
		for _, rr := range tr.Refs {
			if rr.Target == typ && rr.matches(names) {
				return rr, true
			}
		}
	}
	return RefRule{}, false
}

func (rr RefRule) matches(names []string) bool {
	for _, form := range rr.Forms {
		if len(form) != len(names) {
			continue
		}
		ok := true
		for i := range form {
			if form[i] != names[i] {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}
