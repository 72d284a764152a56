package model

import "time"

// Domain selects the value score formula applied to a source.
type Domain string

const (
	DomainConsumer Domain = "consumer"
	DomainBusiness Domain = "business"
)

// Valid reports whether d is a known domain.
func (d Domain) Valid() bool {
	return d == DomainConsumer || d == DomainBusiness
}

// SourceRow is one raw uploaded contact. Optional values are kept as the
// uploaded strings; parsing happens during matching so that unparsable
// values can be dropped per row instead of rejecting the upload.
type SourceRow struct {
	Email       string  `json:"email"`
	OrderAmount *string `json:"order_amount,omitempty"`
	OrderCount  *string `json:"order_count,omitempty"`
	OrderDate   *string `json:"order_date,omitempty"`
}

// Source is an uploaded contact list.
type Source struct {
	ID        string      `json:"id"`
	Owner     string      `json:"owner"`
	Domain    Domain      `json:"domain"`
	Rows      []SourceRow `json:"rows,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	MatchedAt *time.Time  `json:"matched_at,omitempty"`
}

// Matched reports whether matching has completed for the source. A matched
// source is immutable.
func (s *Source) Matched() bool {
	return s.MatchedAt != nil
}

// MatchedPerson is one source contact linked to an identity profile.
type MatchedPerson struct {
	SourceID    string   `json:"source_id"`
	ProfileID   *int64   `json:"profile_id,omitempty"`
	Email       string   `json:"email"`
	RecencyDays *float64 `json:"recency_days,omitempty"`
	Monetary    float64  `json:"monetary"`
	OrderCount  int      `json:"order_count"`
	ValueScore  float64  `json:"value_score"`
}
