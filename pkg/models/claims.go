package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// ClaimStatus is the lifecycle state recorded on a claims row.
type ClaimStatus string

const (
	ClaimClaimed   ClaimStatus = "claimed"
	ClaimUpdated   ClaimStatus = "updated"
	ClaimRemoved   ClaimStatus = "removed"
	ClaimUnchanged ClaimStatus = "unchanged"
	ClaimForced    ClaimStatus = "forced"
	// ClaimFullImport marks the start of a profile snapshot in the
	// claim history. Replays reset at the most recent one.
	ClaimFullImport ClaimStatus = "#full-import"
)

// AllClaimStatuses lists every value accepted by the claims table.
var AllClaimStatuses = []ClaimStatus{
	ClaimClaimed, ClaimUpdated, ClaimRemoved, ClaimUnchanged, ClaimForced, ClaimFullImport,
}

// ProvenanceImporter marks rows written by the profile importer rather
// than by a claim source inside the ORCID profile.
const ProvenanceImporter = "OrcidImporter"

// Live reports whether the status keeps a bibcode attached to the
// author during a history replay.
func (s ClaimStatus) Live() bool {
	return s == ClaimClaimed || s == ClaimUpdated || s == ClaimForced
}

// Claim is one row of the append-only claim history.
type Claim struct {
	ID         int64       `json:"id"`
	Orcidid    string      `json:"orcidid"`
	Bibcode    string      `json:"bibcode"`
	Status     ClaimStatus `json:"status"`
	Provenance string      `json:"provenance"`
	Created    time.Time   `json:"created"`
}

// Unclaimed fills a claim-array slot that no ORCID iD occupies.
const Unclaimed = "-"

// RecordClaims holds a record's claim arrays. Both track the author
// list position by position; a cell is an ORCID iD or Unclaimed.
type RecordClaims struct {
	Verified   []string `json:"verified"`
	Unverified []string `json:"unverified"`
}

// EmptyRecordClaims returns arrays of n unclaimed slots.
func EmptyRecordClaims(n int) RecordClaims {
	return RecordClaims{
		Verified:   UnclaimedSlots(n),
		Unverified: UnclaimedSlots(n),
	}
}

// UnclaimedSlots returns n placeholder cells.
func UnclaimedSlots(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = Unclaimed
	}
	return out
}

// Bucket returns the array a claim writes into: verified when the
// claim comes from an authorized member account, unverified otherwise.
func (c *RecordClaims) Bucket(verified bool) *[]string {
	if verified {
		return &c.Verified
	}
	return &c.Unverified
}

// Scan implements sql.Scanner for RecordClaims.
func (c *RecordClaims) Scan(src any) error {
	if src == nil {
		*c = RecordClaims{}
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("RecordClaims: unsupported type %T", src)
	}
	if len(data) == 0 {
		*c = RecordClaims{}
		return nil
	}
	return json.Unmarshal(data, c)
}

// Value implements driver.Valuer for RecordClaims.
func (c RecordClaims) Value() (driver.Value, error) {
	return json.Marshal(c)
}

// StringList is a JSON string array stored in a text column.
type StringList []string

// Scan implements sql.Scanner for StringList.
func (l *StringList) Scan(src any) error {
	if src == nil {
		*l = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("StringList: unsupported type %T", src)
	}
	if len(data) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(data, l)
}

// Value implements driver.Valuer for StringList.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner for AuthorFacts.
func (f *AuthorFacts) Scan(src any) error {
	if src == nil {
		*f = AuthorFacts{}
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("AuthorFacts: unsupported type %T", src)
	}
	if len(data) == 0 {
		*f = AuthorFacts{}
		return nil
	}
	return json.Unmarshal(data, f)
}

// Value implements driver.Valuer for AuthorFacts.
func (f AuthorFacts) Value() (driver.Value, error) {
	return json.Marshal(f)
}
