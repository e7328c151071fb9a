// Package pipeline contains the queue task handlers that move claims
// from the ORCID updates feed to the outbox, plus the worker service
// that hosts them. Each handler owns one queue; the broker delivers
// decoded payloads and maps the returned error kind to an ack,
// termination or delayed redelivery.
package pipeline

import (
	"context"
	"errors"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/adsabs/orcid-claims/internal/ads"
	"github.com/adsabs/orcid-claims/internal/db"
	"github.com/adsabs/orcid-claims/internal/errs"
	"github.com/adsabs/orcid-claims/internal/importer"
	"github.com/adsabs/orcid-claims/internal/orcid"
	"github.com/adsabs/orcid-claims/internal/queue"
	"github.com/adsabs/orcid-claims/internal/telemetry"
	"github.com/adsabs/orcid-claims/internal/updater"
	"github.com/adsabs/orcid-claims/pkg/models"
)

// Publisher is the broker surface the handlers publish through.
// *queue.Broker implements it; tests substitute a recorder.
type Publisher interface {
	Publish(queue string, payload any) error
	PublishAfter(queue string, payload any, delay time.Duration) error
}

// Config carries the handler tunables.
type Config struct {
	// Interval is the minimum time between two update checks. The
	// poller refuses to hit the feed more often and reschedules itself
	// to the remainder instead.
	Interval time.Duration
	// MinRatio is the Levenshtein acceptance threshold for matching a
	// claimed name against the author list.
	MinRatio float64
}

// Tasks implements the four queue handlers.
type Tasks struct {
	store    db.Database
	imp      *importer.Importer
	orcid    *orcid.Client
	ads      *ads.Client
	pub      Publisher
	metrics  *telemetry.PipelineMetrics
	interval time.Duration
	minRatio float64
	log      zerolog.Logger
}

// NewTasks wires the handlers. metrics may be nil.
func NewTasks(store db.Database, imp *importer.Importer, oc *orcid.Client, ac *ads.Client, pub Publisher, metrics *telemetry.PipelineMetrics, cfg Config) *Tasks {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.MinRatio <= 0 {
		cfg.MinRatio = 0.9
	}
	if metrics == nil {
		metrics = telemetry.NewPipelineMetrics()
	}
	return &Tasks{
		store:    store,
		imp:      imp,
		orcid:    oc,
		ads:      ac,
		pub:      pub,
		metrics:  metrics,
		interval: cfg.Interval,
		minRatio: cfg.MinRatio,
		log:      log.With().Str("component", "pipeline").Logger(),
	}
}

// Handlers returns the dispatch table keyed by queue name. Payloads
// that fail to decode are classified per queue: the matcher terminates
// them loudly, the other queues drop them as garbage.
func (t *Tasks) Handlers() map[string]queue.Handler {
	return map[string]queue.Handler{
		queue.CheckUpdates:  handler(t, queue.CheckUpdates, ignorableDecode, t.CheckOrcidUpdates),
		queue.CheckOrcid:    handler(t, queue.CheckOrcid, ignorableDecode, t.IndexOrcidProfile),
		queue.MatchClaim:    handler(t, queue.MatchClaim, processingDecode, t.MatchClaim),
		queue.OutputResults: handler(t, queue.OutputResults, ignorableDecode, t.OutputResults),
	}
}

// SeedCheck enqueues the poller chain. Safe to call on every boot: a
// young checkpoint makes the handler reschedule instead of polling.
func (t *Tasks) SeedCheck() error {
	return t.pub.Publish(queue.CheckUpdates, models.CheckUpdatesMessage{})
}

// handler adapts a typed task func to the broker signature and records
// the run. Methods cannot carry type parameters, hence the free func.
func handler[T any](t *Tasks, task string, badPayload func(queue.Delivery) error, fn func(context.Context, T) error) queue.Handler {
	return func(ctx context.Context, d queue.Delivery) (err error) {
		start := time.Now()
		defer func() {
			t.metrics.Task(ctx, task, start, err, errs.Kind(err))
		}()
		var msg T
		if uerr := json.Unmarshal(d.Data, &msg); uerr != nil {
			err = badPayload(d)
			return err
		}
		err = fn(ctx, msg)
		return err
	}
}

func ignorableDecode(d queue.Delivery) error {
	return errs.Ignorablef("received garbage: %s", d.Data)
}

func processingDecode(d queue.Delivery) error {
	return errs.Processingf("received unknown payload %s", d.Data)
}

// CheckOrcidUpdates polls the updates feed. The checkpoint lives in the
// storage table so that concurrent workers, each running its own copy
// of the chain, stay out of each other's way: whoever fires first moves
// last.check and everyone else sees a too-young checkpoint and backs
// off. The checkpoint is committed before the per-profile messages go
// out so a crash mid-dispatch never replays the whole page.
func (t *Tasks) CheckOrcidUpdates(ctx context.Context, msg models.CheckUpdatesMessage) error {
	latest, err := t.lastCheck(ctx)
	if err != nil {
		return errs.Transientf("reading %s: %v", models.KeyLastCheck, err)
	}

	if delta := time.Now().UTC().Sub(latest); delta < t.interval {
		return t.reschedule(msg, t.interval-delta+time.Second)
	}

	t.log.Info().Msg("Checking for orcid updates")
	cursor := latest.Add(time.Microsecond)
	rows, err := t.orcid.UpdatedSince(ctx, cursor)
	if err != nil {
		msg.Errcount++
		t.log.Error().Err(err).Time("cursor", cursor).Int("errcount", msg.Errcount).
			Msg("Failed getting orcid updates")
		return t.reschedule(msg, t.interval+t.interval*time.Duration(msg.Errcount))
	}
	if len(rows) == 0 {
		return t.reschedule(msg, t.interval)
	}
	msg.Errcount = 0

	latestSeen := latest
	for _, row := range rows {
		if row.Updated.After(latestSeen) {
			latestSeen = row.Updated
		}
	}
	if err := t.store.PutKV(ctx, models.KeyLastCheck, latestSeen.UTC().Format(time.RFC3339Nano)); err != nil {
		return errs.Transientf("advancing %s: %v", models.KeyLastCheck, err)
	}

	start := cursor.Format(time.RFC3339Nano)
	var dispatchErr error
	for _, row := range rows {
		payload := models.CheckOrcidMessage{Orcidid: row.OrcidID, Start: start}
		if err := t.pub.Publish(queue.CheckOrcid, payload); err != nil {
			t.log.Warn().Err(err).Str("orcidid", row.OrcidID).Msg("profile check not enqueued")
			if dispatchErr == nil {
				dispatchErr = err
			}
		}
	}
	if dispatchErr != nil {
		// No reschedule here: the redelivered message finds the young
		// checkpoint and re-arms the chain itself.
		return errs.Transientf("dispatching profile checks: %v", dispatchErr)
	}
	return t.reschedule(msg, t.interval)
}

// lastCheck reads the poll checkpoint, falling back to the epoch
// sentinel when the key is missing or unreadable.
func (t *Tasks) lastCheck(ctx context.Context) (time.Time, error) {
	value, found, err := t.store.GetKV(ctx, models.KeyLastCheck)
	if err != nil {
		return time.Time{}, err
	}
	if !found {
		value = models.EpochSentinel
	}
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		t.log.Warn().Str("key", models.KeyLastCheck).Str("value", value).
			Msg("unreadable checkpoint, restarting from the epoch")
		ts, _ = time.Parse(time.RFC3339Nano, models.EpochSentinel)
	}
	return ts.UTC(), nil
}

func (t *Tasks) reschedule(msg models.CheckUpdatesMessage, delay time.Duration) error {
	if err := t.pub.PublishAfter(queue.CheckUpdates, msg, delay); err != nil {
		return errs.Transientf("rescheduling update check: %v", err)
	}
	return nil
}

// IndexOrcidProfile fetches a fresh profile, diffs it against the claim
// history and dispatches one match-claim message per changed claim.
// Claims of blocked authors are recorded in the history but never
// dispatched.
func (t *Tasks) IndexOrcidProfile(ctx context.Context, msg models.CheckOrcidMessage) error {
	if msg.Orcidid == "" {
		return errs.Ignorablef("received garbage: %+v", msg)
	}
	orcidid := msg.Orcidid

	author, err := t.imp.RetrieveAuthor(ctx, orcidid)
	if err != nil {
		return classifyFetch("retrieving author "+orcidid, err)
	}

	// Best effort: the microservice re-pulls the profile from orcid.org
	// so the subsequent export is fresh. A stale export still works.
	if err := t.orcid.TriggerRefresh(ctx, orcidid); err != nil {
		t.log.Warn().Err(err).Str("orcidid", orcidid).Msg("Profile not updated")
	}

	diff, err := t.imp.GetClaims(ctx, orcidid, msg.Force)
	if err != nil {
		return classifyFetch("diffing claims for "+orcidid, err)
	}
	t.metrics.ProfileChecked(ctx)

	rows, err := t.store.InsertClaims(ctx, diff.Rows)
	if err != nil {
		return errs.Transientf("storing claims for %s: %v", orcidid, err)
	}

	if author.Blocked() {
		t.log.Info().Str("orcidid", orcidid).Str("status", string(author.Status)).
			Msg("author is blocked, claims recorded but not dispatched")
		return nil
	}

	for _, claim := range importer.BuildClaimMessages(author, rows, diff.Present) {
		if err := t.pub.Publish(queue.MatchClaim, claim); err != nil {
			return errs.Transientf("dispatching claim for %s: %v", claim.Bibcode, err)
		}
	}
	return nil
}

// MatchClaim applies one claim to its record. A hit updates the claim
// arrays, persists them and forwards the result; a miss is only
// reported. Either way the outcome goes back to the claims service so
// the profile shows verified or rejected per bibcode.
func (t *Tasks) MatchClaim(ctx context.Context, claim models.ClaimMessage) error {
	if claim.Orcidid == "" {
		return errs.Processingf("unusable payload, missing orcidid %+v", claim)
	}
	if claim.Bibcode == "" {
		return errs.Processingf("unusable payload, missing bibcode %+v", claim)
	}
	bibcode := claim.Bibcode

	identifiers := claim.Identifiers
	authors := claim.AuthorList
	if claim.Status == models.ClaimRemoved {
		// Removal messages carry no metadata; the record may have been
		// claimed under any of its identifiers, so ask the index.
		doc, err := t.ads.RetrieveMetadata(ctx, bibcode, true)
		switch {
		case errors.Is(err, ads.ErrNoMetadata):
			t.log.Warn().Str("bibcode", bibcode).Str("orcidid", claim.Orcidid).
				Msg("no metadata for removed claim, scrubbing by name only")
			identifiers, authors = nil, nil
		case err != nil:
			return classifyFetch("retrieving metadata for "+bibcode, err)
		default:
			identifiers, authors = doc.Identifier, doc.Author
		}
	}

	rec, err := t.store.RetrieveRecord(ctx, bibcode, authors)
	if err != nil {
		return errs.Transientf("retrieving record %s: %v", bibcode, err)
	}

	outcome, matched := updater.ApplyClaim(rec, &claim, t.minRatio)
	uniqueBibs := uniqueBibcodes(bibcode, identifiers)

	status := "rejected"
	if matched {
		status = "verified"
		if err := t.store.SaveRecordClaims(ctx, bibcode, rec.Claims, rec.Authors); err != nil {
			return errs.Transientf("saving claims for %s: %v", bibcode, err)
		}
		t.metrics.RecordUpdated(ctx)
		t.metrics.ClaimMatched(ctx, outcome.Bucket)
		out := models.OrcidClaims{
			Bibcode:    rec.Bibcode,
			Authors:    rec.Authors,
			Verified:   rec.Claims.Verified,
			Unverified: rec.Claims.Unverified,
		}
		if err := t.pub.Publish(queue.OutputResults, out); err != nil {
			return errs.Transientf("forwarding claims for %s: %v", rec.Bibcode, err)
		}
	} else {
		t.metrics.ClaimMatched(ctx, "unmatched")
		t.log.Warn().Str("bibcode", bibcode).Str("orcidid", claim.Orcidid).Msg("Claim refused")
	}

	echoed, err := t.orcid.UpdateStatus(ctx, claim.Orcidid, uniqueBibs, status)
	if err != nil {
		t.log.Warn().Err(err).Strs("bibcodes", uniqueBibs).Str("orcidid", claim.Orcidid).
			Str("status", status).Msg("Bibcode statuses not updated")
	} else if echoed != len(uniqueBibs) {
		t.log.Warn().Int("echoed", echoed).Strs("bibcodes", uniqueBibs).Str("orcidid", claim.Orcidid).
			Msg("Number of updated bibcodes does not match input")
	}
	return nil
}

// OutputResults forwards a finished record to the outbox subject and
// stamps it processed. The master pipeline drains the outbox with its
// own consumer.
func (t *Tasks) OutputResults(ctx context.Context, claims models.OrcidClaims) error {
	if claims.Bibcode == "" {
		return errs.Ignorablef("received claims without a bibcode: %+v", claims)
	}
	if err := t.pub.Publish(queue.Outbox, claims); err != nil {
		return errs.Transientf("forwarding %s to the outbox: %v", claims.Bibcode, err)
	}
	if err := t.store.MarkProcessed(ctx, claims.Bibcode); err != nil {
		// The forward already went out; a missing row only warns.
		t.log.Warn().Err(err).Str("bibcode", claims.Bibcode).Msg("record not stamped processed")
	}
	t.log.Debug().Str("bibcode", claims.Bibcode).Msg("claims forwarded to the outbox")
	return nil
}

// classifyFetch sorts an upstream API failure: permanent client errors
// can never succeed on retry and poison the payload, everything else
// is redelivered.
func classifyFetch(op string, err error) error {
	var oe *orcid.StatusError
	if errors.As(err, &oe) && !oe.Temporary() {
		return errs.Dataf("%s: %v", op, err)
	}
	var ae *ads.StatusError
	if errors.As(err, &ae) && !ae.Temporary() {
		return errs.Dataf("%s: %v", op, err)
	}
	return errs.Transientf("%s: %v", op, err)
}

// uniqueBibcodes dedupes the claimed bibcode and its aliases, keeping
// first-seen order with the bibcode up front.
func uniqueBibcodes(bibcode string, identifiers []string) []string {
	seen := make(map[string]struct{}, len(identifiers)+1)
	out := make([]string, 0, len(identifiers)+1)
	for _, b := range append([]string{bibcode}, identifiers...) {
		if b == "" {
			continue
		}
		if _, dup := seen[b]; dup {
			continue
		}
		seen[b] = struct{}{}
		out = append(out, b)
	}
	return out
}
