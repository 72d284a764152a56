// Package valuescore computes the [0,1] value score of matched contacts. All
// functions are pure: identical inputs always produce identical outputs.
package valuescore

import (
	"math"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrInvalidWeights is returned when consumer weights are negative or do not
// sum to 1.
var ErrInvalidWeights = eris.New("valuescore: invalid weights")

// Signals holds the already-fetched raw inputs of one matched contact.
type Signals struct {
	// RecencyDays is the age of the most recent order in days; nil when unknown.
	RecencyDays *float64
	// Monetary is the per-occurrence order amount.
	Monetary float64
	// Frequency is the number of order occurrences.
	Frequency float64

	// Business attributes.
	JobLevel               string
	Department             string
	CompanySize            string
	BusinessEmailValidated bool
	ProfessionalLink       string
}

// Range is a min/max pair of corpus-wide values.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Stats holds the corpus-wide normalization ranges of one source. It is
// computed once per source via ComputeStats, never per row.
type Stats struct {
	Recency   Range `json:"recency"`
	Monetary  Range `json:"monetary"`
	Frequency Range `json:"frequency"`
}

// Normalize min-max scales x into [0,1]. Values outside [min,max] clamp and a
// degenerate range (max == min) yields 0.
func Normalize(x, min, max float64) float64 {
	if max == min {
		return 0
	}
	return Clamp01((x - min) / (max - min))
}

// Clamp01 bounds v to [0,1]. NaN maps to 0.
func Clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// InvertRecency maps an order age to a strictly decreasing, positive value so
// that more recent orders rank higher before normalization. Unknown ages map
// to 0 and negative ages (future dates) are treated as today.
func InvertRecency(days *float64) float64 {
	if days == nil || math.IsNaN(*days) {
		return 0
	}
	d := *days
	if d < 0 {
		d = 0
	}
	return 1 / (1 + d)
}

// ComputeStats derives normalization ranges over all signals of a source.
func ComputeStats(all []Signals) Stats {
	if len(all) == 0 {
		return Stats{}
	}
	first := all[0]
	st := Stats{
		Recency:   Range{Min: InvertRecency(first.RecencyDays), Max: InvertRecency(first.RecencyDays)},
		Monetary:  Range{Min: first.Monetary, Max: first.Monetary},
		Frequency: Range{Min: first.Frequency, Max: first.Frequency},
	}
	for _, s := range all[1:] {
		st.Recency.extend(InvertRecency(s.RecencyDays))
		st.Monetary.extend(s.Monetary)
		st.Frequency.extend(s.Frequency)
	}
	return st
}

func (r *Range) extend(v float64) {
	if v < r.Min {
		r.Min = v
	}
	if v > r.Max {
		r.Max = v
	}
}

// RecencyScore returns the normalized, inverted recency of s.
func RecencyScore(s Signals, st Stats) float64 {
	return Normalize(InvertRecency(s.RecencyDays), st.Recency.Min, st.Recency.Max)
}

// ConsumerWeights weights the recency, monetary and frequency sub-scores.
type ConsumerWeights struct {
	Recency   float64 `yaml:"recency" mapstructure:"recency"`
	Monetary  float64 `yaml:"monetary" mapstructure:"monetary"`
	Frequency float64 `yaml:"frequency" mapstructure:"frequency"`
}

// DefaultConsumerWeights returns weights that sum to 1.
func DefaultConsumerWeights() ConsumerWeights {
	return ConsumerWeights{Recency: 0.4, Monetary: 0.4, Frequency: 0.2}
}

// Validate checks that all weights are non-negative and sum to 1, which keeps
// the weighted sum inside [0,1].
func (w ConsumerWeights) Validate() error {
	if w.Recency < 0 || w.Monetary < 0 || w.Frequency < 0 {
		return eris.Wrap(ErrInvalidWeights, "weights must be >= 0")
	}
	sum := w.Recency + w.Monetary + w.Frequency
	if math.Abs(sum-1) > 1e-9 {
		return eris.Wrapf(ErrInvalidWeights, "weights must sum to 1, got %.4f", sum)
	}
	return nil
}

// Consumer computes the RFM-style value score of one contact.
func Consumer(s Signals, st Stats, w ConsumerWeights) float64 {
	recency := RecencyScore(s, st)
	monetary := Normalize(s.Monetary, st.Monetary.Min, st.Monetary.Max)
	frequency := Normalize(s.Frequency, st.Frequency.Min, st.Frequency.Max)
	return Clamp01(w.Recency*recency + w.Monetary*monetary + w.Frequency*frequency)
}

// DefaultCategoryWeight is used for unknown or missing categorical values.
const DefaultCategoryWeight = 0.3

var jobLevelWeights = map[string]float64{
	"owner":     1.0,
	"c_suite":   1.0,
	"partner":   0.95,
	"vp":        0.9,
	"director":  0.8,
	"manager":   0.6,
	"senior":    0.5,
	"staff":     0.4,
	"entry":     0.3,
	"intern":    0.2,
	"volunteer": 0.1,
}

var departmentWeights = map[string]float64{
	"executive":              1.0,
	"sales":                  0.9,
	"marketing":              0.9,
	"finance":                0.8,
	"operations":             0.7,
	"information_technology": 0.7,
	"engineering":            0.6,
	"human_resources":        0.5,
	"legal":                  0.5,
	"customer_service":       0.4,
	"education":              0.4,
	"medical":                0.4,
}

var companySizeWeights = map[string]float64{
	"1-10":       0.3,
	"11-50":      0.5,
	"51-200":     0.7,
	"201-500":    0.8,
	"501-1000":   0.9,
	"1001-5000":  1.0,
	"5001-10000": 1.0,
	"10000+":     1.0,
}

// JobLevelWeight looks up the weight of a job level.
func JobLevelWeight(level string) float64 {
	return lookup(jobLevelWeights, level)
}

// DepartmentWeight looks up the weight of a department.
func DepartmentWeight(dept string) float64 {
	return lookup(departmentWeights, dept)
}

// CompanySizeWeight looks up the weight of a company size bucket.
func CompanySizeWeight(size string) float64 {
	return lookup(companySizeWeights, size)
}

func lookup(table map[string]float64, key string) float64 {
	k := strings.ToLower(strings.TrimSpace(key))
	k = strings.ReplaceAll(k, " ", "_")
	if w, ok := table[k]; ok {
		return w
	}
	return DefaultCategoryWeight
}

// ProfessionalScore combines the categorical seniority signals.
func ProfessionalScore(s Signals) float64 {
	return Clamp01(0.5*JobLevelWeight(s.JobLevel) +
		0.3*DepartmentWeight(s.Department) +
		0.2*CompanySizeWeight(s.CompanySize))
}

// CompletenessScore rewards contacts with richer professional data.
func CompletenessScore(s Signals) float64 {
	var score float64
	if s.BusinessEmailValidated {
		score += 0.4
	}
	if strings.TrimSpace(s.ProfessionalLink) != "" {
		score += 0.3
	}
	if strings.TrimSpace(s.JobLevel) != "" {
		score += 0.2
	}
	if strings.TrimSpace(s.Department) != "" {
		score += 0.1
	}
	return math.Min(score, 1.0)
}

// Business computes the B2B value score of one contact.
func Business(s Signals, st Stats) float64 {
	return Clamp01(0.4*RecencyScore(s, st) + 0.4*ProfessionalScore(s) + 0.2*CompletenessScore(s))
}

// Calculator scores all contacts of one source with the formula of its domain.
type Calculator struct {
	business bool
	weights  ConsumerWeights
}

// NewCalculator selects the formula for a source domain. business selects the
// B2B formula; weights apply to the consumer formula only.
func NewCalculator(business bool, weights ConsumerWeights) (*Calculator, error) {
	if !business {
		if err := weights.Validate(); err != nil {
			return nil, err
		}
	}
	return &Calculator{business: business, weights: weights}, nil
}

// ScoreAll computes corpus statistics once and returns one score per input,
// in input order.
func (c *Calculator) ScoreAll(all []Signals) []float64 {
	st := ComputeStats(all)
	out := make([]float64, len(all))
	for i, s := range all {
		if c.business {
			out[i] = Business(s, st)
		} else {
			out[i] = Consumer(s, st, c.weights)
		}
	}
	return out
}
