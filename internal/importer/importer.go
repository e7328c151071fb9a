// Package importer turns ORCID profiles into stored author facts and
// the claim rows that feed the matching pipeline.
package importer

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/adsabs/orcid-claims/internal/ads"
	"github.com/adsabs/orcid-claims/internal/db"
	"github.com/adsabs/orcid-claims/internal/orcid"
	"github.com/adsabs/orcid-claims/pkg/models"
	"github.com/adsabs/orcid-claims/pkg/names"
)

const (
	defaultUpdateWindow = 60 * time.Second

	// The updates feed sweep tolerates a couple of hiccups before it
	// gives up on the whole run.
	maxConsecutiveFeedFailures = 2
	maxTotalFeedFailures       = 5
	defaultFeedPause           = time.Second
)

// Config tunes the profile import.
type Config struct {
	// UpdateWindow is how much newer the ORCID timestamp must be
	// before an already-known claim counts as updated.
	UpdateWindow time.Duration
	// IdentifierPriority scores work identifier types when choosing
	// which identifier to claim; the highest score wins. The "*" key
	// sets the score for unlisted types.
	IdentifierPriority map[string]int
}

// Importer harvests author facts and diffs ORCID profiles against the
// stored claim history.
type Importer struct {
	store     db.Database
	orcid     *orcid.Client
	ads       *ads.Client
	window    time.Duration
	idOrder   map[string]int
	feedPause time.Duration
	log       zerolog.Logger
}

// New creates an Importer over the given store and service clients.
func New(store db.Database, orcidClient *orcid.Client, adsClient *ads.Client, cfg Config) *Importer {
	window := cfg.UpdateWindow
	if window <= 0 {
		window = defaultUpdateWindow
	}
	idOrder := cfg.IdentifierPriority
	if len(idOrder) == 0 {
		idOrder = map[string]int{"bibcode": 9, "*": -1}
	}
	return &Importer{
		store:     store,
		orcid:     orcidClient,
		ads:       adsClient,
		window:    window,
		idOrder:   idOrder,
		feedPause: defaultFeedPause,
		log:       log.With().Str("component", "importer").Logger(),
	}
}

// HarvestAuthorInfo collects everything we know about how the author
// signs their papers: the registry name, the profile name variations
// and the author strings on their indexed documents. The document
// lookup is best-effort; the profile and the public name are not.
func (imp *Importer) HarvestAuthorInfo(ctx context.Context, orcidid string) (models.AuthorFacts, error) {
	var facts models.AuthorFacts

	profile, err := imp.orcid.FetchProfile(ctx, orcidid)
	if err != nil {
		return facts, fmt.Errorf("fetching profile for %s: %w", orcidid, err)
	}
	publicName, err := imp.orcid.FetchPublicName(ctx, orcidid)
	if err != nil {
		return facts, fmt.Errorf("fetching public name for %s: %w", orcidid, err)
	}
	docs, err := imp.ads.AuthorDocs(ctx, orcidid)
	if err != nil {
		imp.log.Warn().Err(err).Str("orcidid", orcidid).
			Msg("author docs lookup failed, harvesting without them")
		docs = nil
	}

	facts.Authorized = profile.Authorized()
	facts.CurrentAffiliation = profile.Affiliation()

	authors := map[string]struct{}{}
	add := func(name string) {
		if name != "" {
			authors[name] = struct{}{}
		}
	}
	for _, v := range profile.NameVariations() {
		add(names.Cleanup(v))
	}
	if publicName != "" {
		facts.OrcidName = []string{publicName}
		add(names.Cleanup(publicName))
	}

	normCounts := map[string]int{}
	for i := range docs {
		pos := docs[i].PositionOf(orcidid)
		if pos < 0 {
			continue
		}
		if pos < len(docs[i].Author) {
			add(names.Cleanup(docs[i].Author[pos]))
		}
		if pos < len(docs[i].AuthorNorm) {
			if norm := names.Cleanup(docs[i].AuthorNorm[pos]); norm != "" {
				normCounts[norm]++
			}
		}
	}

	facts.Author = sortedKeys(authors)
	facts.AuthorNorm = sortedKeys(normCounts)
	facts.Name = mostFrequent(normCounts)
	if facts.Name == "" {
		facts.Name = publicName
	}

	shorts := map[string]struct{}{}
	for _, n := range facts.Author {
		for _, s := range names.ShortForms(n) {
			shorts[s] = struct{}{}
		}
	}
	for _, n := range facts.OrcidName {
		for _, s := range names.ShortForms(n) {
			shorts[s] = struct{}{}
		}
	}
	facts.ShortName = sortedKeys(shorts)

	asciis := map[string]struct{}{}
	for _, n := range facts.Author {
		if a := names.ToASCII(n); a != "" {
			asciis[a] = struct{}{}
		}
	}
	for _, n := range facts.ShortName {
		if a := names.ToASCII(n); a != "" {
			asciis[a] = struct{}{}
		}
	}
	facts.ASCIIName = sortedKeys(asciis)

	return facts, nil
}

// RefreshAuthor re-harvests the author facts and persists them.
func (imp *Importer) RefreshAuthor(ctx context.Context, orcidid string) (*models.Author, error) {
	facts, err := imp.HarvestAuthorInfo(ctx, orcidid)
	if err != nil {
		return nil, err
	}
	return imp.store.UpdateAuthor(ctx, orcidid, facts, facts.Authorized)
}

// RetrieveAuthor returns the author with freshly harvested facts. On
// first sight the harvest has to succeed; for a known author a failed
// harvest falls back to the stored row so a registry outage does not
// stall the profile check. Fact changes land in the change log.
func (imp *Importer) RetrieveAuthor(ctx context.Context, orcidid string) (*models.Author, error) {
	author, err := imp.store.GetAuthor(ctx, orcidid)
	if err != nil {
		return nil, err
	}
	refreshed, err := imp.RefreshAuthor(ctx, orcidid)
	if err != nil {
		if author == nil {
			return nil, err
		}
		imp.log.Warn().Err(err).Str("orcidid", orcidid).
			Msg("fact refresh failed, keeping stored author")
		return author, nil
	}
	return refreshed, nil
}

// WorkClaim is one profile work resolved to a record we know about.
type WorkClaim struct {
	Bibcode     string
	Updated     time.Time
	Provenance  string
	Identifiers []string
	Authors     []string
}

// Diff is the outcome of comparing a profile against the stored claim
// history. Present holds the resolved profile works keyed by lowercased
// bibcode; Updated and Removed are the history replay since the most
// recent #full-import marker. Rows always opens with a fresh marker and
// continues with the derived claim rows in bibcode order; persisting
// them is the caller's job.
type Diff struct {
	Present map[string]WorkClaim
	Updated map[string]models.Claim
	Removed map[string]models.Claim
	Rows    []models.Claim
}

// GetClaims fetches the ORCID profile, resolves each work to a known
// record and diffs the result against the claim history. When the
// profile has not changed since the last import and force is off, the
// three maps come back empty and Rows carries only the marker.
func (imp *Importer) GetClaims(ctx context.Context, orcidid string, force bool) (*Diff, error) {
	profile, err := imp.orcid.FetchProfile(ctx, orcidid)
	if err != nil {
		return nil, fmt.Errorf("fetching profile for %s: %w", orcidid, err)
	}
	history, err := imp.store.ClaimsForOrcid(ctx, orcidid)
	if err != nil {
		return nil, err
	}

	diff := &Diff{
		Present: map[string]WorkClaim{},
		Updated: map[string]models.Claim{},
		Removed: map[string]models.Claim{},
	}
	var lastImport time.Time
	for _, row := range history {
		if row.Status == models.ClaimFullImport {
			diff.Updated = map[string]models.Claim{}
			diff.Removed = map[string]models.Claim{}
			lastImport = row.Created
			continue
		}
		key := strings.ToLower(strings.TrimSpace(row.Bibcode))
		if key == "" {
			continue
		}
		switch {
		case row.Status == models.ClaimRemoved:
			diff.Removed[key] = row
		case row.Status.Live():
			diff.Updated[key] = row
		}
	}

	now := time.Now().UTC()
	diff.Rows = append(diff.Rows, models.Claim{
		Orcidid:    orcidid,
		Status:     models.ClaimFullImport,
		Provenance: models.ProvenanceImporter,
		Created:    now,
	})

	if !force && !lastImport.IsZero() && !profile.Modified().After(lastImport) {
		imp.log.Debug().Str("orcidid", orcidid).Time("imported", lastImport).
			Msg("profile unchanged since last import")
		diff.Updated = map[string]models.Claim{}
		diff.Removed = map[string]models.Claim{}
		return diff, nil
	}

	for _, work := range profile.Works() {
		chosen := imp.pickIdentifier(work.Identifiers)
		if chosen == "" {
			imp.log.Debug().Str("orcidid", orcidid).Msg("work carries no usable identifier, skipping")
			continue
		}
		doc, err := imp.ads.RetrieveMetadata(ctx, chosen, false)
		if errors.Is(err, ads.ErrNoMetadata) {
			imp.log.Warn().Str("orcidid", orcidid).Str("identifier", chosen).
				Msg("identifier does not resolve to a record, discarding work")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolving %s for %s: %w", chosen, orcidid, err)
		}
		bibcode := doc.Bibcode
		if bibcode == "" {
			bibcode = chosen
		}
		diff.Present[strings.ToLower(strings.TrimSpace(bibcode))] = WorkClaim{
			Bibcode:     bibcode,
			Updated:     work.Updated,
			Provenance:  work.Provenance,
			Identifiers: doc.Identifier,
			Authors:     doc.Author,
		}
	}

	imp.appendDiffRows(diff, orcidid, force, now)
	return diff, nil
}

// appendDiffRows buckets the profile works against the replayed
// history. New works claim with the work's own provenance and date;
// vanished ones remove with the importer's provenance dated now; the
// intersection updates only when the ORCID timestamp moved past the
// stored one by more than the window.
func (imp *Importer) appendDiffRows(diff *Diff, orcidid string, force bool, now time.Time) {
	have := map[string]models.Claim{}
	for key, row := range diff.Updated {
		if _, gone := diff.Removed[key]; !gone {
			have[key] = row
		}
	}

	for _, key := range sortedKeys(diff.Present) {
		wc := diff.Present[key]
		row := models.Claim{
			Orcidid:    orcidid,
			Bibcode:    wc.Bibcode,
			Provenance: models.ProvenanceImporter,
			Created:    wc.Updated,
		}
		prev, known := have[key]
		switch {
		case !known:
			row.Status = models.ClaimClaimed
			row.Provenance = wc.Provenance
		case wc.Updated.Sub(prev.Created) > imp.window:
			row.Status = models.ClaimUpdated
		case force:
			row.Status = models.ClaimForced
		default:
			row.Status = models.ClaimUnchanged
		}
		diff.Rows = append(diff.Rows, row)
	}

	for _, key := range sortedKeys(have) {
		if _, ok := diff.Present[key]; ok {
			continue
		}
		diff.Rows = append(diff.Rows, models.Claim{
			Orcidid:    orcidid,
			Bibcode:    have[key].Bibcode,
			Status:     models.ClaimRemoved,
			Provenance: models.ProvenanceImporter,
			Created:    now,
		})
	}
}

// pickIdentifier selects the identifier to claim for one work. Ties
// keep the first occurrence, so with the default priorities a bibcode
// beats everything and otherwise the first identifier wins.
func (imp *Importer) pickIdentifier(ids []orcid.Identifier) string {
	best := ""
	bestScore := 0
	for _, id := range ids {
		value := strings.TrimSpace(id.Value)
		if value == "" {
			continue
		}
		score, ok := imp.idOrder[strings.ToLower(strings.TrimSpace(id.Type))]
		if !ok {
			score, ok = imp.idOrder["*"]
			if !ok {
				score = -1
			}
		}
		if best == "" || score > bestScore {
			best = value
			bestScore = score
		}
	}
	return best
}

// BuildClaimMessages expands stored claim rows into the payloads sent
// to the matcher. The #full-import marker has no bibcode and is
// skipped. Non-removed claims carry the resolved record's identifier
// aliases and author list so the matcher can skip the metadata lookup.
func BuildClaimMessages(author *models.Author, rows []models.Claim, present map[string]WorkClaim) []models.ClaimMessage {
	var out []models.ClaimMessage
	for _, row := range rows {
		if strings.TrimSpace(row.Bibcode) == "" {
			continue
		}
		msg := models.ClaimMessage{
			AuthorFacts:     author.Facts,
			Bibcode:         row.Bibcode,
			Orcidid:         row.Orcidid,
			Status:          row.Status,
			Provenance:      row.Provenance,
			AuthorStatus:    author.Status,
			AccountID:       author.AccountID,
			AuthorID:        author.ID,
			BibcodeVerified: true,
		}
		if author.Name != "" {
			msg.Name = author.Name
		}
		if !row.Created.IsZero() {
			msg.Created = row.Created.UTC().Format(time.RFC3339Nano)
		}
		if !author.Updated.IsZero() {
			msg.AuthorUpdated = author.Updated.UTC().Format(time.RFC3339Nano)
		}
		if row.Status != models.ClaimRemoved {
			if wc, ok := present[strings.ToLower(strings.TrimSpace(row.Bibcode))]; ok {
				msg.Identifiers = wc.Identifiers
				msg.AuthorList = wc.Authors
			}
		}
		out = append(out, msg)
	}
	return out
}

// GetAllTouchedProfiles sweeps the updates feed from since and returns
// every ORCID iD it mentions, oldest first. Pages advance by the
// maximum updated timestamp seen plus one microsecond; the sweep stops
// on an empty page or when a page fails to advance the cursor.
func (imp *Importer) GetAllTouchedProfiles(ctx context.Context, since time.Time) ([]string, error) {
	var (
		ids         []string
		seen        = map[string]bool{}
		latest      = since
		consecutive int
		failures    int
	)
	for {
		rows, err := imp.orcid.UpdatedSince(ctx, latest.Add(time.Microsecond))
		if err != nil {
			consecutive++
			failures++
			if consecutive > maxConsecutiveFeedFailures || failures > maxTotalFeedFailures {
				return nil, fmt.Errorf("updates feed failed %d times: %w", failures, err)
			}
			imp.log.Warn().Err(err).Time("cursor", latest).Msg("updates feed failed, retrying")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(imp.feedPause):
			}
			continue
		}
		consecutive = 0
		if len(rows) == 0 {
			return ids, nil
		}
		progressed := false
		for _, row := range rows {
			if !seen[row.OrcidID] {
				seen[row.OrcidID] = true
				ids = append(ids, row.OrcidID)
			}
			if row.Updated.After(latest) {
				latest = row.Updated
				progressed = true
			}
		}
		if !progressed {
			return ids, nil
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	if len(m) == 0 {
		return nil
	}
	return slices.Sorted(maps.Keys(m))
}

// mostFrequent returns the highest-count key, smallest first on ties.
func mostFrequent(counts map[string]int) string {
	best, bestN := "", 0
	for name, n := range counts {
		if n > bestN || (n == bestN && name < best) {
			best, bestN = name, n
		}
	}
	return best
}
