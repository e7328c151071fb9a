package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/adsabs/orcid-claims/internal/queue"
	"github.com/adsabs/orcid-claims/pkg/models"
)

func init() {
	runClaimsCmd.Flags().Bool("force", false, "re-import even when the profile looks unchanged")
	runClaimsCmd.Flags().String("oid", "", "comma-separated ORCID iDs")
	runClaimsCmd.Flags().String("since", "", "also enqueue every profile touched since this RFC3339 date")
	rootCmd.AddCommand(runClaimsCmd)

	importCmd.Flags().Bool("queue", false, "also enqueue a forced profile check per imported ORCID iD")
	rootCmd.AddCommand(importCmd)
}

var runClaimsCmd = &cobra.Command{
	Use:   "run-claims",
	Short: "Enqueue profile checks for explicit or recently-touched ORCID iDs",
	RunE: func(cmd *cobra.Command, args []string) error {
		oids, _ := cmd.Flags().GetString("oid")
		force, _ := cmd.Flags().GetBool("force")
		sinceFlag, _ := cmd.Flags().GetString("since")

		ids := splitCSV(oids)
		if sinceFlag != "" {
			since, err := parseSince(sinceFlag)
			if err != nil {
				return err
			}
			imp, err := newImporter()
			if err != nil {
				return err
			}
			touched, err := imp.GetAllTouchedProfiles(cmd.Context(), since)
			if err != nil {
				return err
			}
			ids = append(ids, touched...)
		}
		if len(ids) == 0 {
			return fmt.Errorf("nothing to do: give --oid or --since")
		}

		b, err := dialQueue()
		if err != nil {
			return err
		}
		for _, oid := range ids {
			msg := models.CheckOrcidMessage{Orcidid: oid, Force: force}
			if err := b.Publish(queue.CheckOrcid, msg); err != nil {
				return fmt.Errorf("enqueueing %s: %w", oid, err)
			}
		}
		log.Info().Int("profiles", len(ids)).Bool("force", force).Msg("profile checks enqueued")
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Import TSV claim rows (bibcode, orcidid, [provenance], status, date)",
	Long: `Reads tab-separated claim rows from the given file, or stdin when the
file is "-" or omitted, and appends them to the claim history. Lines
starting with # are skipped.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var in io.Reader = os.Stdin
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}

		s, err := openStore()
		if err != nil {
			return err
		}
		rows, err := s.ImportClaims(cmd.Context(), in)
		if err != nil {
			return err
		}
		log.Info().Int("rows", len(rows)).Msg("claims imported")

		enqueue, _ := cmd.Flags().GetBool("queue")
		if !enqueue || len(rows) == 0 {
			return nil
		}
		b, err := dialQueue()
		if err != nil {
			return err
		}
		seen := map[string]struct{}{}
		for _, row := range rows {
			if _, dup := seen[row.Orcidid]; dup {
				continue
			}
			seen[row.Orcidid] = struct{}{}
			msg := models.CheckOrcidMessage{Orcidid: row.Orcidid, Force: true}
			if err := b.Publish(queue.CheckOrcid, msg); err != nil {
				return fmt.Errorf("enqueueing %s: %w", row.Orcidid, err)
			}
		}
		log.Info().Int("profiles", len(seen)).Msg("profile checks enqueued")
		return nil
	},
}

// readBibcodes expands command arguments into a bibcode list. A single
// argument of the form @file reads one bibcode per line, skipping
// comments.
func readBibcodes(args []string) ([]string, error) {
	if len(args) == 1 && strings.HasPrefix(args[0], "@") {
		f, err := os.Open(strings.TrimPrefix(args[0], "@"))
		if err != nil {
			return nil, err
		}
		defer f.Close()

		var out []string
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			out = append(out, line)
		}
		return out, scanner.Err()
	}
	var out []string
	for _, arg := range args {
		out = append(out, splitCSV(arg)...)
	}
	return out, nil
}
