package model

import "sort"

// IdentityProfile is a row of the reference population. Empty strings mean
// the attribute is missing.
type IdentityProfile struct {
	ID          int64  `json:"id"`
	Email       string `json:"email"`
	EmailSHA256 string `json:"email_sha256"`

	// Demographic.
	Gender        string `json:"gender"`
	AgeRange      string `json:"age_range"`
	IncomeRange   string `json:"income_range"`
	NetWorth      string `json:"net_worth"`
	HomeOwner     string `json:"homeowner"`
	MaritalStatus string `json:"marital_status"`
	Children      string `json:"children"`
	State         string `json:"state"`
	City          string `json:"city"`
	Zip           string `json:"zip"`

	// Professional.
	JobTitle               string `json:"job_title"`
	JobLevel               string `json:"job_level"`
	Department             string `json:"department"`
	CompanySize            string `json:"company_size"`
	CompanyRevenue         string `json:"company_revenue"`
	Industry               string `json:"industry"`
	LinkedInURL            string `json:"linkedin_url"`
	BusinessEmail          string `json:"business_email"`
	BusinessEmailValidated bool   `json:"business_email_validated"`
}

// profileField binds a column name to its accessors on IdentityProfile.
type profileField struct {
	get func(p *IdentityProfile) string
	set func(p *IdentityProfile, v string)
}

// profileFields is the closed set of projectable attribute columns. Keys are
// both the feature names and the identity graph column names.
var profileFields = map[string]profileField{
	"gender":          {func(p *IdentityProfile) string { return p.Gender }, func(p *IdentityProfile, v string) { p.Gender = v }},
	"age_range":       {func(p *IdentityProfile) string { return p.AgeRange }, func(p *IdentityProfile, v string) { p.AgeRange = v }},
	"income_range":    {func(p *IdentityProfile) string { return p.IncomeRange }, func(p *IdentityProfile, v string) { p.IncomeRange = v }},
	"net_worth":       {func(p *IdentityProfile) string { return p.NetWorth }, func(p *IdentityProfile, v string) { p.NetWorth = v }},
	"homeowner":       {func(p *IdentityProfile) string { return p.HomeOwner }, func(p *IdentityProfile, v string) { p.HomeOwner = v }},
	"marital_status":  {func(p *IdentityProfile) string { return p.MaritalStatus }, func(p *IdentityProfile, v string) { p.MaritalStatus = v }},
	"children":        {func(p *IdentityProfile) string { return p.Children }, func(p *IdentityProfile, v string) { p.Children = v }},
	"state":           {func(p *IdentityProfile) string { return p.State }, func(p *IdentityProfile, v string) { p.State = v }},
	"city":            {func(p *IdentityProfile) string { return p.City }, func(p *IdentityProfile, v string) { p.City = v }},
	"zip":             {func(p *IdentityProfile) string { return p.Zip }, func(p *IdentityProfile, v string) { p.Zip = v }},
	"job_title":       {func(p *IdentityProfile) string { return p.JobTitle }, func(p *IdentityProfile, v string) { p.JobTitle = v }},
	"job_level":       {func(p *IdentityProfile) string { return p.JobLevel }, func(p *IdentityProfile, v string) { p.JobLevel = v }},
	"department":      {func(p *IdentityProfile) string { return p.Department }, func(p *IdentityProfile, v string) { p.Department = v }},
	"company_size":    {func(p *IdentityProfile) string { return p.CompanySize }, func(p *IdentityProfile, v string) { p.CompanySize = v }},
	"company_revenue": {func(p *IdentityProfile) string { return p.CompanyRevenue }, func(p *IdentityProfile, v string) { p.CompanyRevenue = v }},
	"industry":        {func(p *IdentityProfile) string { return p.Industry }, func(p *IdentityProfile, v string) { p.Industry = v }},
	"linkedin_url":    {func(p *IdentityProfile) string { return p.LinkedInURL }, func(p *IdentityProfile, v string) { p.LinkedInURL = v }},
	"business_email":  {func(p *IdentityProfile) string { return p.BusinessEmail }, func(p *IdentityProfile, v string) { p.BusinessEmail = v }},
}

// IsProfileField reports whether name is a projectable profile column.
func IsProfileField(name string) bool {
	_, ok := profileFields[name]
	return ok
}

// ProfileFieldNames returns all projectable columns in sorted order.
func ProfileFieldNames() []string {
	names := make([]string, 0, len(profileFields))
	for name := range profileFields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Field returns the named attribute. ok is false for unknown names.
func (p *IdentityProfile) Field(name string) (value string, ok bool) {
	f, ok := profileFields[name]
	if !ok {
		return "", false
	}
	return f.get(p), true
}

// SetField assigns the named attribute. Unknown names are ignored and
// reported via the return value.
func (p *IdentityProfile) SetField(name, value string) bool {
	f, ok := profileFields[name]
	if !ok {
		return false
	}
	f.set(p, value)
	return true
}
