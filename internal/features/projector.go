// Package features turns a significant-fields configuration into the ordered
// column schema shared by model training and population scoring.
package features

import (
	"os"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/lookalike/internal/model"
)

// Missing is the single sentinel used for absent attribute values, both at
// train time and at inference time.
const Missing = "__missing__"

// ErrUnknownField is returned when a configuration names a field that is not
// a projectable profile column.
var ErrUnknownField = eris.New("features: unknown field")

// ErrNoColumns is returned when a configuration yields no columns.
var ErrNoColumns = eris.New("features: no columns")

// Projector is the authoritative column schema of one lookalike job.
type Projector struct {
	columns []string
}

// NewProjector builds the column list: categories in name order, fields in
// declared order within a category, first occurrence of a field wins.
func NewProjector(fields model.SignificantFields) (*Projector, error) {
	categories := make([]string, 0, len(fields))
	for c := range fields {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	seen := make(map[string]bool)
	var columns []string
	for _, c := range categories {
		for _, raw := range fields[c] {
			name := strings.ToLower(strings.TrimSpace(raw))
			if name == "" || seen[name] {
				continue
			}
			if !model.IsProfileField(name) {
				return nil, eris.Wrapf(ErrUnknownField, "%q in category %q", raw, c)
			}
			seen[name] = true
			columns = append(columns, name)
		}
	}
	if len(columns) == 0 {
		return nil, ErrNoColumns
	}
	return &Projector{columns: columns}, nil
}

// Columns returns a copy of the ordered column list.
func (p *Projector) Columns() []string {
	out := make([]string, len(p.columns))
	copy(out, p.columns)
	return out
}

// Width returns the number of columns.
func (p *Projector) Width() int {
	return len(p.columns)
}

// Project returns the feature row of a profile in column order. Blank values
// become Missing; present values are lowercased and trimmed.
func (p *Projector) Project(profile *model.IdentityProfile) []string {
	row := make([]string, len(p.columns))
	for i, col := range p.columns {
		v, _ := profile.Field(col)
		row[i] = Normalize(v)
	}
	return row
}

// Normalize maps a raw attribute to its feature value.
func Normalize(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return Missing
	}
	return v
}

// SameColumns reports whether two column lists are identical in content and
// order.
func SameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Defaults returns the significant fields used when a job has no override.
func Defaults(domain model.Domain) model.SignificantFields {
	if domain == model.DomainBusiness {
		return model.SignificantFields{
			"firmographic": {"company_size", "company_revenue", "industry"},
			"professional": {"job_level", "department"},
			"geographic":   {"state"},
		}
	}
	return model.SignificantFields{
		"demographic": {"gender", "age_range", "marital_status", "children"},
		"financial":   {"income_range", "net_worth", "homeowner"},
		"geographic":  {"state"},
	}
}

// defaultsFile is the YAML layout of a significant-fields file.
type defaultsFile struct {
	Consumer model.SignificantFields `yaml:"consumer"`
	Business model.SignificantFields `yaml:"business"`
}

// LoadDefaults reads per-domain significant fields from a YAML file. Domains
// absent from the file keep the built-in defaults.
func LoadDefaults(path string) (map[model.Domain]model.SignificantFields, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "features: read %s", path)
	}
	return ParseDefaults(data)
}

// ParseDefaults parses the YAML layout read by LoadDefaults and validates
// every configured field.
func ParseDefaults(data []byte) (map[model.Domain]model.SignificantFields, error) {
	var f defaultsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "features: parse defaults")
	}

	out := map[model.Domain]model.SignificantFields{
		model.DomainConsumer: Defaults(model.DomainConsumer),
		model.DomainBusiness: Defaults(model.DomainBusiness),
	}
	if len(f.Consumer) > 0 {
		out[model.DomainConsumer] = f.Consumer
	}
	if len(f.Business) > 0 {
		out[model.DomainBusiness] = f.Business
	}
	for domain, fields := range out {
		if _, err := NewProjector(fields); err != nil {
			return nil, eris.Wrapf(err, "features: %s defaults", domain)
		}
	}
	return out, nil
}

// LoadFields reads the significant fields of a single job from a YAML map of
// category to field list.
func LoadFields(path string) (model.SignificantFields, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "features: read %s", path)
	}
	var fields model.SignificantFields
	if err := yaml.Unmarshal(data, &fields); err != nil {
		return nil, eris.Wrap(err, "features: parse fields")
	}
	if _, err := NewProjector(fields); err != nil {
		return nil, err
	}
	return fields, nil
}
