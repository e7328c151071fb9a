package models

// Queue payloads. Every field rides as JSON; timestamps are RFC 3339
// strings so payloads stay readable in the stream.

// CheckUpdatesMessage drives the profile poller. Errcount counts the
// consecutive feed failures and stretches the retry delay.
type CheckUpdatesMessage struct {
	Errcount int `json:"errcount"`
}

// CheckOrcidMessage asks for one profile to be fetched and diffed.
type CheckOrcidMessage struct {
	Orcidid string `json:"orcidid"`
	Start   string `json:"start,omitempty"`
	Force   bool   `json:"force,omitempty"`
}

// ClaimMessage is one claim headed for matching. The author facts are
// flattened into the top level, mirroring the stored claim row plus
// everything the matcher needs about the author.
type ClaimMessage struct {
	AuthorFacts
	Bibcode         string       `json:"bibcode"`
	Orcidid         string       `json:"orcidid"`
	Status          ClaimStatus  `json:"status"`
	Provenance      string       `json:"provenance,omitempty"`
	Created         string       `json:"created,omitempty"`
	AuthorStatus    AuthorStatus `json:"author_status,omitempty"`
	AccountID       int64        `json:"account_id,omitempty"`
	AuthorUpdated   string       `json:"author_updated,omitempty"`
	AuthorID        int64        `json:"author_id,omitempty"`
	BibcodeVerified bool         `json:"bibcode_verified,omitempty"`
	Identifiers     []string     `json:"identifiers,omitempty"`
	AuthorList      []string     `json:"author_list,omitempty"`
}

// Verified reports whether the claim writes into the verified array.
func (m *ClaimMessage) Verified() bool {
	return m.AccountID != 0
}

// OrcidClaims is the payload forwarded to the master pipeline once a
// record's claim arrays change.
type OrcidClaims struct {
	Bibcode    string   `json:"bibcode"`
	Authors    []string `json:"authors"`
	Verified   []string `json:"verified"`
	Unverified []string `json:"unverified"`
}
