package gorm

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/adsabs/orcid-claims/internal/db"
	"github.com/adsabs/orcid-claims/pkg/models"
)

// ClaimStore provides operations over the append-only claims history.
type ClaimStore struct {
	db *gorm.DB
}

// NewClaimStore creates a new claim store.
func NewClaimStore(store *Store) *ClaimStore {
	return &ClaimStore{db: store.DB}
}

// CreateClaim inserts one history row. Without forceNew an existing
// row with the same ORCID iD, bibcode and date is returned instead of
// duplicated; a zero date dedupes against the latest matching row.
func (s *ClaimStore) CreateClaim(ctx context.Context, claim models.Claim, forceNew bool) (*models.Claim, error) {
	row := claimRow(claim)
	if row.Status == "" {
		row.Status = string(models.ClaimClaimed)
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if !forceNew {
			q := tx.Where("orcidid = ? AND bibcode = ?", row.Orcidid, row.Bibcode)
			if !claim.Created.IsZero() {
				q = q.Where("created_at = ?", claim.Created)
			}
			var existing Claim
			err := q.Order("id DESC").First(&existing).Error
			if err == nil {
				row = existing
				return nil
			}
			if err != gorm.ErrRecordNotFound {
				return err
			}
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return nil, err
	}
	return toModelClaim(&row), nil
}

// InsertClaims writes a batch and returns the stored rows. Claims
// without a status default to claimed.
func (s *ClaimStore) InsertClaims(ctx context.Context, claims []models.Claim) ([]models.Claim, error) {
	if len(claims) == 0 {
		return nil, nil
	}
	rows := make([]Claim, len(claims))
	for i, c := range claims {
		rows[i] = claimRow(c)
		if rows[i].Status == "" {
			rows[i].Status = string(models.ClaimClaimed)
		}
	}
	if err := s.db.WithContext(ctx).CreateInBatches(&rows, 200).Error; err != nil {
		return nil, err
	}
	out := make([]models.Claim, len(rows))
	for i := range rows {
		out[i] = *toModelClaim(&rows[i])
	}
	return out, nil
}

// ImportClaims reads tab-separated lines of bibcode and ORCID iD with
// optional provenance, status and date columns. Blank lines and lines
// starting with # are skipped.
func (s *ClaimStore) ImportClaims(ctx context.Context, r io.Reader) ([]models.Claim, error) {
	var claims []models.Claim
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Split(text, "\t")
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		if len(fields) < 2 || fields[0] == "" || fields[1] == "" {
			return nil, fmt.Errorf("line %d: expected at least bibcode and orcidid", line)
		}
		claim := models.Claim{Bibcode: fields[0], Orcidid: fields[1]}
		if len(fields) > 2 && fields[2] != "" {
			claim.Provenance = fields[2]
		}
		if len(fields) > 3 && fields[3] != "" {
			status := models.ClaimStatus(strings.ToLower(fields[3]))
			if !validClaimStatus(status) {
				return nil, fmt.Errorf("line %d: unknown claim status %q", line, fields[3])
			}
			claim.Status = status
		}
		if len(fields) > 4 && fields[4] != "" {
			created, err := parseClaimDate(fields[4])
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			claim.Created = created
		}
		claims = append(claims, claim)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return s.InsertClaims(ctx, claims)
}

func validClaimStatus(status models.ClaimStatus) bool {
	for _, s := range models.AllClaimStatuses {
		if s == status {
			return true
		}
	}
	return false
}

func parseClaimDate(value string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", value)
}

// ClaimsForOrcid returns the full history in append order. The claim
// date records when the work changed, not when the row was written, so
// replaying by date would misorder batches against their own
// #full-import marker.
func (s *ClaimStore) ClaimsForOrcid(ctx context.Context, orcidid string) ([]models.Claim, error) {
	var rows []Claim
	err := s.db.WithContext(ctx).
		Where("orcidid = ?", orcidid).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toModelClaims(rows), nil
}

// ClaimsForOrcidSince returns history rows created after since, in
// append order.
func (s *ClaimStore) ClaimsForOrcidSince(ctx context.Context, orcidid string, since time.Time) ([]models.Claim, error) {
	var rows []Claim
	err := s.db.WithContext(ctx).
		Where("orcidid = ? AND created_at > ?", orcidid, since).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toModelClaims(rows), nil
}

// OrcidsSince lists the distinct ORCID iDs with claim rows created at
// or after since.
func (s *ClaimStore) OrcidsSince(ctx context.Context, since time.Time) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&Claim{}).
		Distinct("orcidid").
		Where("created_at >= ?", since).
		Order("orcidid ASC").
		Pluck("orcidid", &ids).Error
	return ids, err
}

// ClaimCounts aggregates the history by status for rows created after
// since.
func (s *ClaimStore) ClaimCounts(ctx context.Context, since time.Time) ([]db.StatusCount, error) {
	var rows []struct {
		Status   string
		Orcids   int64
		Bibcodes int64
	}
	err := s.db.WithContext(ctx).
		Model(&Claim{}).
		Select("status, COUNT(DISTINCT orcidid) AS orcids, COUNT(DISTINCT bibcode) AS bibcodes").
		Where("created_at > ?", since).
		Group("status").
		Order("status ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]db.StatusCount, len(rows))
	for i, row := range rows {
		out[i] = db.StatusCount{
			Status:   models.ClaimStatus(row.Status),
			Orcids:   row.Orcids,
			Bibcodes: row.Bibcodes,
		}
	}
	return out, nil
}

func toModelClaims(rows []Claim) []models.Claim {
	out := make([]models.Claim, len(rows))
	for i := range rows {
		out[i] = *toModelClaim(&rows[i])
	}
	return out
}
