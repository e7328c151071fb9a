package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/adsabs/orcid-claims/internal/report"
	"github.com/adsabs/orcid-claims/pkg/models"
)

func init() {
	reportCmd.Flags().Int("days", 7, "window for the claim counts")
	reportCmd.Flags().Bool("skip-index", false, "skip the search-index counts")
	rootCmd.AddCommand(reportCmd)
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print claimed-record and claim-status statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		days, _ := cmd.Flags().GetInt("days")
		skipIndex, _ := cmd.Flags().GetBool("skip-index")

		s, err := openStore()
		if err != nil {
			return err
		}
		r := report.New(newADSClient(), s)

		if !skipIndex {
			counts, err := r.ClaimedRecords(ctx)
			for _, c := range counts {
				fmt.Printf("%-12s %d records\n", c.Field, c.Records)
			}
			if err != nil {
				return err
			}
		}

		rows, err := r.NumClaims(ctx, time.Duration(days)*24*time.Hour)
		if err != nil {
			return err
		}
		fmt.Printf("\nclaims in the last %d days:\n", days)
		for _, row := range rows {
			switch row.Status {
			case models.ClaimClaimed, models.ClaimRemoved, models.ClaimUpdated:
				fmt.Printf("%-12s %6d orcid ids  %6d bibcodes\n", row.Status, row.Orcids, row.Bibcodes)
			default:
				fmt.Printf("%-12s %6d orcid ids\n", row.Status, row.Orcids)
			}
		}
		return nil
	},
}
