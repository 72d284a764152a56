// Package matcher links the rows of an uploaded source to identity graph
// profiles and computes each matched contact's value score.
package matcher

import (
	"context"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lookalike/internal/identity"
	"github.com/sells-group/lookalike/internal/model"
	"github.com/sells-group/lookalike/internal/resilience"
	"github.com/sells-group/lookalike/internal/valuescore"
)

// ErrInsufficientMatchedPersons is returned when no source row matches the
// identity graph.
var ErrInsufficientMatchedPersons = eris.New("matcher: insufficient matched persons")

// dateLayouts are the accepted order_date formats, tried in order.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
}

// Config controls matching.
type Config struct {
	Weights valuescore.ConsumerWeights
	Retry   resilience.RetryConfig
	Breaker resilience.CircuitBreakerConfig
	// Now anchors recency. Defaults to time.Now.
	Now func() time.Time
}

// Report summarizes one matching run.
type Report struct {
	SourceID       string  `json:"source_id"`
	TotalRows      int     `json:"total_rows"`
	InvalidRows    int     `json:"invalid_rows"`
	DistinctEmails int     `json:"distinct_emails"`
	Matched        int     `json:"matched"`
	Unmatched      int     `json:"unmatched"`
	MatchRate      float64 `json:"match_rate"`
}

// Matcher matches sources against an identity graph.
type Matcher struct {
	graph   identity.Graph
	cfg     Config
	breaker *resilience.CircuitBreaker
}

// New creates a Matcher.
func New(graph identity.Graph, cfg Config) *Matcher {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = "identity-graph"
	}
	return &Matcher{
		graph:   graph,
		cfg:     cfg,
		breaker: resilience.NewCircuitBreaker(cfg.Breaker),
	}
}

// contact aggregates every row of one normalized email.
type contact struct {
	email     string
	monetary  float64 // sum of order amounts over counted rows
	frequency float64 // sum of order counts over counted rows
	latest    *time.Time
	profile   *model.IdentityProfile
}

// Match deduplicates the source's emails, looks each one up in the graph and
// returns one scored MatchedPerson per matched email, sorted by email.
func (m *Matcher) Match(ctx context.Context, src *model.Source) (*Report, []model.MatchedPerson, error) {
	log := zap.L().With(zap.String("source_id", src.ID))

	report := &Report{SourceID: src.ID, TotalRows: len(src.Rows)}
	contacts, invalid := aggregate(src.Rows)
	report.InvalidRows = invalid
	report.DistinctEmails = len(contacts)

	var matched []*contact
	for _, c := range contacts {
		p, err := m.lookup(ctx, c.email)
		if err != nil {
			return nil, nil, eris.Wrapf(err, "matcher: lookup %s", c.email)
		}
		if p == nil {
			report.Unmatched++
			continue
		}
		c.profile = p
		matched = append(matched, c)
	}
	report.Matched = len(matched)
	if report.DistinctEmails > 0 {
		report.MatchRate = float64(report.Matched) / float64(report.DistinctEmails)
	}

	log.Info("matcher: source matched",
		zap.Int("rows", report.TotalRows),
		zap.Int("distinct_emails", report.DistinctEmails),
		zap.Int("matched", report.Matched),
		zap.Float64("match_rate", report.MatchRate),
	)

	if len(matched) == 0 {
		return report, nil, eris.Wrapf(ErrInsufficientMatchedPersons, "source %s: 0 of %d emails matched", src.ID, report.DistinctEmails)
	}

	calc, err := valuescore.NewCalculator(src.Domain == model.DomainBusiness, m.cfg.Weights)
	if err != nil {
		return report, nil, eris.Wrap(err, "matcher: value score calculator")
	}

	now := m.cfg.Now()
	signals := make([]valuescore.Signals, len(matched))
	persons := make([]model.MatchedPerson, len(matched))
	for i, c := range matched {
		var recency *float64
		if c.latest != nil {
			days := now.Sub(*c.latest).Hours() / 24
			recency = &days
		}
		var monetary float64
		if c.frequency > 0 {
			monetary = c.monetary / c.frequency
		}
		signals[i] = valuescore.Signals{
			RecencyDays:            recency,
			Monetary:               monetary,
			Frequency:              c.frequency,
			JobLevel:               c.profile.JobLevel,
			Department:             c.profile.Department,
			CompanySize:            c.profile.CompanySize,
			BusinessEmailValidated: c.profile.BusinessEmailValidated,
			ProfessionalLink:       c.profile.LinkedInURL,
		}
		id := c.profile.ID
		persons[i] = model.MatchedPerson{
			SourceID:    src.ID,
			ProfileID:   &id,
			Email:       c.email,
			RecencyDays: recency,
			Monetary:    monetary,
			OrderCount:  int(c.frequency),
		}
	}

	for i, score := range calc.ScoreAll(signals) {
		persons[i].ValueScore = score
	}
	return report, persons, nil
}

// lookup resolves an email to a profile. Inputs shaped like a SHA-256 digest
// are looked up as hashes; plain emails try the exact address first and then
// its hash.
func (m *Matcher) lookup(ctx context.Context, email string) (*model.IdentityProfile, error) {
	call := func(fn func(ctx context.Context) (*model.IdentityProfile, error)) (*model.IdentityProfile, error) {
		retry := m.cfg.Retry
		retry.OnRetry = resilience.RetryLogger("matcher", "lookup")
		return resilience.DoVal(ctx, retry, func(ctx context.Context) (*model.IdentityProfile, error) {
			return resilience.ExecuteVal(ctx, m.breaker, fn)
		})
	}

	if identity.LooksLikeHash(email) {
		return call(func(ctx context.Context) (*model.IdentityProfile, error) {
			return m.graph.LookupByHash(ctx, email)
		})
	}

	p, err := call(func(ctx context.Context) (*model.IdentityProfile, error) {
		return m.graph.LookupByEmail(ctx, email)
	})
	if err != nil || p != nil {
		return p, err
	}
	return call(func(ctx context.Context) (*model.IdentityProfile, error) {
		return m.graph.LookupByHash(ctx, identity.HashEmail(email))
	})
}

// aggregate groups rows by normalized email, sorted by email. Rows with a
// blank email are counted as invalid.
func aggregate(rows []model.SourceRow) ([]*contact, int) {
	byEmail := make(map[string]*contact)
	invalid := 0
	for _, row := range rows {
		email := identity.NormalizeEmail(row.Email)
		if email == "" {
			invalid++
			continue
		}
		c, ok := byEmail[email]
		if !ok {
			c = &contact{email: email}
			byEmail[email] = c
		}

		if count, ok := parseCount(row.OrderCount); ok {
			c.frequency += count
			if amount, ok := parseAmount(row.OrderAmount); ok {
				c.monetary += amount
			}
		}
		if d, ok := parseDate(row.OrderDate); ok && (c.latest == nil || d.After(*c.latest)) {
			c.latest = &d
		}
	}

	out := make([]*contact, 0, len(byEmail))
	for _, c := range byEmail {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].email < out[j].email })
	return out, invalid
}

// parseCount returns the number of order occurrences of a row. An absent
// count means one order; non-positive or unparsable counts are rejected.
func parseCount(raw *string) (float64, bool) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return 1, true
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(*raw), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0, false
	}
	return math.Floor(v), v >= 1
}

func parseAmount(raw *string) (float64, bool) {
	if raw == nil {
		return 0, false
	}
	s := strings.NewReplacer("$", "", ",", "").Replace(strings.TrimSpace(*raw))
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, false
	}
	return v, true
}

func parseDate(raw *string) (time.Time, bool) {
	if raw == nil {
		return time.Time{}, false
	}
	s := strings.TrimSpace(*raw)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
