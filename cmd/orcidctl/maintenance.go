package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/adsabs/orcid-claims/internal/ads"
	gormdb "github.com/adsabs/orcid-claims/internal/db/gorm"
	"github.com/adsabs/orcid-claims/internal/queue"
	"github.com/adsabs/orcid-claims/internal/updater"
	"github.com/adsabs/orcid-claims/pkg/models"
)

const reprocessParallelism = 4

func init() {
	reindexCmd.Flags().String("since", "", "replay claims created after this RFC3339 date (default: last.reindex)")
	reindexCmd.Flags().String("oid", "", "comma-separated ORCID iDs to reindex instead of the full sweep")
	rootCmd.AddCommand(reindexCmd)

	repushCmd.Flags().String("since", "", "re-push records updated after this RFC3339 date (default: last.repush)")
	rootCmd.AddCommand(repushCmd)

	refetchCmd.Flags().String("since", "", "refetch profiles touched after this RFC3339 date (default: last.refetch)")
	rootCmd.AddCommand(refetchCmd)

	reprocessCmd.Flags().Bool("force", false, "rebuild claim arrays even when they still hold ORCID iDs")
	rootCmd.AddCommand(reprocessCmd)
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Replay the claim history onto records and re-import touched profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		oids, _ := cmd.Flags().GetString("oid")
		sinceFlag, _ := cmd.Flags().GetString("since")

		if explicit := splitCSV(oids); len(explicit) > 0 {
			b, err := dialQueue()
			if err != nil {
				return err
			}
			for _, oid := range explicit {
				if err := b.Publish(queue.CheckOrcid, models.CheckOrcidMessage{Orcidid: oid, Force: true}); err != nil {
					return fmt.Errorf("enqueueing %s: %w", oid, err)
				}
			}
			log.Info().Int("profiles", len(explicit)).Msg("forced profile checks enqueued")
			if sinceFlag == "" {
				return nil
			}
		}

		since, err := sinceOrCheckpoint(cmd, "since", models.KeyLastReindex)
		if err != nil {
			return err
		}
		log.Info().Time("since", since).Msg("replaying claims")

		s, err := openStore()
		if err != nil {
			return err
		}
		imp, err := newImporter()
		if err != nil {
			return err
		}
		b, err := dialQueue()
		if err != nil {
			return err
		}

		epoch, _ := parseSince("")
		known, err := s.OrcidsSince(ctx, epoch)
		if err != nil {
			return err
		}

		rx := &updater.Reindexer{
			Authors:  imp,
			Claims:   s,
			Records:  s,
			MinRatio: cfg.MinRatio,
			Log:      log.With().Str("component", "reindex").Logger(),
		}
		replayed := map[string]struct{}{}
		for _, oid := range known {
			changed, err := rx.Reindex(ctx, oid, since, true)
			if err != nil {
				log.Error().Err(err).Str("orcidid", oid).Msg("replay failed, skipping profile")
				continue
			}
			if len(changed) > 0 {
				replayed[oid] = struct{}{}
			}
			if err := b.Publish(queue.CheckOrcid, models.CheckOrcidMessage{Orcidid: oid, Force: true}); err != nil {
				return fmt.Errorf("enqueueing %s: %w", oid, err)
			}
			if len(replayed)%100 == 0 && len(replayed) > 0 {
				log.Info().Int("profiles", len(replayed)).Msg("replay progress")
			}
		}

		log.Info().Msg("harvesting touched profiles")
		harvestStart := time.Now().UTC()
		touched, err := imp.GetAllTouchedProfiles(ctx, since)
		if err != nil {
			return err
		}
		enqueued := 0
		for _, oid := range touched {
			if _, done := replayed[oid]; done {
				continue
			}
			if err := b.Publish(queue.CheckOrcid, models.CheckOrcidMessage{Orcidid: oid, Force: true}); err != nil {
				return fmt.Errorf("enqueueing %s: %w", oid, err)
			}
			enqueued++
		}

		if err := s.PutKV(ctx, models.KeyLastReindex, harvestStart.Format(time.RFC3339Nano)); err != nil {
			return err
		}
		log.Info().Int("replayed", len(replayed)).Int("harvested", enqueued).Msg("reindex done")
		return nil
	},
}

var repushCmd = &cobra.Command{
	Use:   "repush",
	Short: "Re-send updated records to the output queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		since, err := sinceOrCheckpoint(cmd, "since", models.KeyLastRepush)
		if err != nil {
			return err
		}
		log.Info().Time("since", since).Msg("re-pushing records")

		s, err := openStore()
		if err != nil {
			return err
		}
		b, err := dialQueue()
		if err != nil {
			return err
		}

		recs, err := s.RecordsUpdatedSince(ctx, since, 0)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			out := models.OrcidClaims{
				Bibcode:    rec.Bibcode,
				Authors:    rec.Authors,
				Verified:   rec.Claims.Verified,
				Unverified: rec.Claims.Unverified,
			}
			if err := b.Publish(queue.OutputResults, out); err != nil {
				return fmt.Errorf("re-pushing %s: %w", rec.Bibcode, err)
			}
		}

		if err := s.PutKV(ctx, models.KeyLastRepush, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}
		log.Info().Int("records", len(recs)).Msg("repush done")
		return nil
	},
}

var refetchCmd = &cobra.Command{
	Use:   "refetch",
	Short: "Enqueue profile checks for every profile touched since the checkpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		since, err := sinceOrCheckpoint(cmd, "since", models.KeyLastRefetch)
		if err != nil {
			return err
		}
		log.Info().Time("since", since).Msg("re-fetching touched profiles")

		imp, err := newImporter()
		if err != nil {
			return err
		}
		sweepStart := time.Now().UTC()
		touched, err := imp.GetAllTouchedProfiles(ctx, since)
		if err != nil {
			return err
		}

		b, err := dialQueue()
		if err != nil {
			return err
		}
		for _, oid := range touched {
			if err := b.Publish(queue.CheckOrcid, models.CheckOrcidMessage{Orcidid: oid}); err != nil {
				return fmt.Errorf("enqueueing %s: %w", oid, err)
			}
		}

		s, err := openStore()
		if err != nil {
			return err
		}
		if err := s.PutKV(ctx, models.KeyLastRefetch, sweepStart.Format(time.RFC3339Nano)); err != nil {
			return err
		}
		log.Info().Int("profiles", len(touched)).Msg("refetch done")
		return nil
	},
}

var reprocessCmd = &cobra.Command{
	Use:   "reprocess <bibcodes|@file>",
	Short: "Repair records whose claim arrays disagree with the author list",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		force, _ := cmd.Flags().GetBool("force")

		bibcodes, err := readBibcodes(args)
		if err != nil {
			return err
		}
		s, err := openStore()
		if err != nil {
			return err
		}
		b, err := dialQueue()
		if err != nil {
			return err
		}
		adsClient := newADSClient()

		var (
			mu        sync.Mutex
			toProcess = map[string]struct{}{}
		)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(reprocessParallelism)
		for _, bibcode := range bibcodes {
			g.Go(func() error {
				orcids, err := reprocessOne(gctx, s, b, adsClient, bibcode, force)
				if err != nil {
					log.Error().Err(err).Str("bibcode", bibcode).Msg("reprocess failed")
					return nil
				}
				mu.Lock()
				for _, oid := range orcids {
					toProcess[oid] = struct{}{}
				}
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		for oid := range toProcess {
			if err := b.Publish(queue.CheckOrcid, models.CheckOrcidMessage{Orcidid: oid, Force: true}); err != nil {
				return fmt.Errorf("enqueueing %s: %w", oid, err)
			}
		}
		log.Info().Int("bibcodes", len(bibcodes)).Int("profiles", len(toProcess)).Msg("reprocess done")
		return nil
	},
}

// reprocessOne checks one record's claim arrays against its canonical
// author list. Arrays of the wrong length give up their ORCID iDs for
// a forced re-import; with force, or when a broken array holds no iDs
// at all, the arrays are rebuilt empty and the record re-pushed.
func reprocessOne(ctx context.Context, s *gormdb.DB, b *queue.Broker, adsClient *ads.Client, bibcode string, force bool) ([]string, error) {
	doc, err := adsClient.RetrieveMetadata(ctx, bibcode, true)
	if err != nil {
		return nil, fmt.Errorf("retrieving metadata: %w", err)
	}
	canonical := doc.Bibcode
	authors := doc.Author

	rec, err := s.RetrieveRecord(ctx, canonical, authors)
	if err != nil {
		return nil, fmt.Errorf("retrieving record: %w", err)
	}

	var (
		orcids  []string
		rebuilt bool
	)
	arrays := map[string]*[]string{
		"verified":   &rec.Claims.Verified,
		"unverified": &rec.Claims.Unverified,
	}
	for field, arr := range arrays {
		if len(*arr) == 0 || len(*arr) == len(authors) {
			continue
		}
		log.Debug().Str("bibcode", canonical).Str("field", field).
			Int("claims", len(*arr)).Int("authors", len(authors)).
			Msg("claim array length does not match author list")
		held := 0
		for _, cell := range *arr {
			if cell != models.Unclaimed && cell != "" {
				orcids = append(orcids, cell)
				held++
			}
		}
		// The re-import at the end rebuilds valid claims anyway, so
		// clearing a populated array here loses nothing.
		if force || held == 0 {
			*arr = models.UnclaimedSlots(len(authors))
			rebuilt = true
		}
	}

	if rebuilt {
		if err := s.SaveRecordClaims(ctx, canonical, rec.Claims, rec.Authors); err != nil {
			return orcids, fmt.Errorf("saving rebuilt claims: %w", err)
		}
		out := models.OrcidClaims{
			Bibcode:    canonical,
			Authors:    rec.Authors,
			Verified:   rec.Claims.Verified,
			Unverified: rec.Claims.Unverified,
		}
		if err := b.Publish(queue.OutputResults, out); err != nil {
			return orcids, fmt.Errorf("re-pushing: %w", err)
		}
	}
	return orcids, nil
}
