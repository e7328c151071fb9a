// Package updater applies claims to a record's claim arrays and
// replays stored claim history onto records.
package updater

import (
	"slices"

	"github.com/rs/zerolog/log"

	"github.com/adsabs/orcid-claims/internal/matcher"
	"github.com/adsabs/orcid-claims/pkg/models"
)

// Buckets an applied claim can land in. BucketRemoved with index -1
// means the iD was scrubbed without a new placement.
const (
	BucketVerified   = "verified"
	BucketUnverified = "unverified"
	BucketRemoved    = "removed"
)

// Outcome reports where ApplyClaim wrote.
type Outcome struct {
	Bucket string
	Index  int
}

// ApplyClaim mutates the record's claim arrays for one claim and
// reports what changed. The second return is false when the record is
// untouched and nothing needs persisting.
//
// Both arrays are first snapped to the author-list length, then the
// claim's iD is scrubbed everywhere it appears. Blacklisted iDs are
// never re-inserted. Placement tries an exact variant match before the
// fuzzy scan, and a removed claim writes a placeholder instead of the
// iD.
func ApplyClaim(rec *models.Record, claim *models.ClaimMessage, minRatio float64) (Outcome, bool) {
	verified := claim.Verified()
	bucket := BucketUnverified
	if verified {
		bucket = BucketVerified
	}

	numAuthors := len(rec.Authors)
	rec.Claims.Verified = resize(rec.Claims.Verified, numAuthors)
	rec.Claims.Unverified = resize(rec.Claims.Unverified, numAuthors)

	modified := RemoveOrcid(&rec.Claims, claim.Orcidid)

	if rec.Status != nil && slices.Contains(rec.Status.Blacklisted, claim.Orcidid) {
		if modified {
			return Outcome{Bucket: BucketRemoved, Index: -1}, true
		}
		return Outcome{}, false
	}

	target := rec.Claims.Bucket(verified)
	cell := claim.Orcidid
	if claim.Status == models.ClaimRemoved {
		cell = models.Unclaimed
	}

	if idx := matcher.ExactPosition(rec.Authors, claim.AuthorFacts); idx > -1 {
		(*target)[idx] = cell
		return Outcome{Bucket: bucket, Index: idx}, true
	}

	for _, field := range models.VariantFields() {
		variants := claim.Variants(field)
		if len(variants) == 0 {
			continue
		}
		idx := matcher.FindPosition(rec.Authors, variants, minRatio)
		if idx < 0 {
			continue
		}
		if idx >= numAuthors {
			log.Error().
				Str("field", string(field)).
				Strs("variants", variants).
				Int("index", idx).
				Int("authors", numAuthors).
				Msg("match index beyond author list")
			continue
		}
		(*target)[idx] = cell
		return Outcome{Bucket: bucket, Index: idx}, true
	}

	if modified {
		return Outcome{Bucket: BucketRemoved, Index: -1}, true
	}
	return Outcome{}, false
}

// RemoveOrcid scrubs every occurrence of the iD from both claim
// arrays and reports whether anything changed.
func RemoveOrcid(claims *models.RecordClaims, orcidid string) bool {
	modified := false
	for _, arr := range [][]string{claims.Verified, claims.Unverified} {
		for i := range arr {
			if arr[i] == orcidid {
				arr[i] = models.Unclaimed
				modified = true
			}
		}
	}
	return modified
}

func resize(arr []string, n int) []string {
	if arr == nil {
		return models.UnclaimedSlots(n)
	}
	for len(arr) < n {
		arr = append(arr, models.Unclaimed)
	}
	return arr[:n]
}
