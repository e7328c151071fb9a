// Package models contains the domain models shared by the pipeline,
// the store layer and the maintenance CLI.
package models

import (
	"time"
)

// AuthorStatus flags an ORCID author record for special handling.
type AuthorStatus string

const (
	// AuthorBlacklisted authors never get their claims applied.
	AuthorBlacklisted AuthorStatus = "blacklisted"
	// AuthorPostponed authors are skipped until an operator clears the flag.
	AuthorPostponed AuthorStatus = "postponed"
)

// VariantField names one of the author-name fact lists. The matcher
// walks them in the order returned by VariantFields.
type VariantField string

const (
	FieldAuthor     VariantField = "author"
	FieldOrcidName  VariantField = "orcid_name"
	FieldAuthorNorm VariantField = "author_norm"
	FieldShortName  VariantField = "short_name"
	FieldASCIIName  VariantField = "ascii_name"
)

// VariantFields returns the name-variant fields in matching priority
// order. The order is part of the matching contract: the first field
// that yields a fuzzy hit wins.
func VariantFields() []VariantField {
	return []VariantField{FieldAuthor, FieldOrcidName, FieldAuthorNorm, FieldShortName, FieldASCIIName}
}

// AuthorFacts is everything we know about how an ORCID author signs
// their papers. Harvested from the ORCID profile and the search index,
// stored on the author row, and merged into outgoing claim messages.
type AuthorFacts struct {
	Name               string   `json:"name,omitempty"`
	Authorized         bool     `json:"authorized,omitempty"`
	CurrentAffiliation string   `json:"current_affiliation,omitempty"`
	OrcidName          []string `json:"orcid_name,omitempty"`
	Author             []string `json:"author,omitempty"`
	AuthorNorm         []string `json:"author_norm,omitempty"`
	ShortName          []string `json:"short_name,omitempty"`
	ASCIIName          []string `json:"ascii_name,omitempty"`
}

// Variants returns the name list stored under the given field.
func (f AuthorFacts) Variants(field VariantField) []string {
	switch field {
	case FieldAuthor:
		return f.Author
	case FieldOrcidName:
		return f.OrcidName
	case FieldAuthorNorm:
		return f.AuthorNorm
	case FieldShortName:
		return f.ShortName
	case FieldASCIIName:
		return f.ASCIIName
	}
	return nil
}

// AllVariants concatenates every variant list in field order.
// Duplicates are kept; callers that need a set build their own.
func (f AuthorFacts) AllVariants() []string {
	var out []string
	for _, field := range VariantFields() {
		out = append(out, f.Variants(field)...)
	}
	return out
}

// Author is the stored view of an ORCID author.
type Author struct {
	ID        int64        `json:"id"`
	Orcidid   string       `json:"orcidid"`
	Name      string       `json:"name"`
	Facts     AuthorFacts  `json:"facts"`
	Status    AuthorStatus `json:"status,omitempty"`
	AccountID int64        `json:"account_id,omitempty"`
	Created   time.Time    `json:"created"`
	Updated   time.Time    `json:"updated"`
}

// Blocked reports whether claims for this author must not be applied.
func (a *Author) Blocked() bool {
	return a.Status == AuthorBlacklisted || a.Status == AuthorPostponed
}

// ChangeLogEntry is one audit row. Author updates use the key form
// "{orcidid}:update:{field}" with JSON-encoded old and new values.
type ChangeLogEntry struct {
	ID       int64     `json:"id"`
	Key      string    `json:"key"`
	OldValue string    `json:"oldvalue"`
	NewValue string    `json:"newvalue"`
	Created  time.Time `json:"created"`
}
