package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/adsabs/orcid-claims/internal/config"
)

func init() {
	diagnoseCmd.Flags().String("oid", "", "comma-separated ORCID iDs to probe")
	diagnoseCmd.Flags().String("bibcodes", "", "comma-separated bibcodes to probe")
	rootCmd.AddCommand(diagnoseCmd)
}

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "Print what the pipeline sees: config, checkpoints, queue, store and sample API roundtrips",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := map[string]any{}

		out["config"] = map[string]any{
			"file":          configFileOrDefaults(),
			"orcid_api_url": cfg.OrcidAPIURL,
			"ads_api_url":   cfg.ADSAPIURL,
			"db_dsn":        cfg.DatabaseDSN,
			"queue_port":    cfg.QueuePort,
			"poll_interval": cfg.CheckInterval.String(),
			"update_window": cfg.UpdateWindow.String(),
			"min_ratio":     cfg.MinRatio,
		}

		s, err := openStore()
		if err != nil {
			return err
		}
		if rows, err := s.ListKV(ctx); err != nil {
			out["checkpoints"] = fmt.Sprintf("error: %v", err)
		} else {
			kvs := map[string]string{}
			for _, row := range rows {
				kvs[row.Key] = row.Value
			}
			out["checkpoints"] = kvs
		}
		out["store"] = s.Store().HealthCheck(ctx)

		// The queue only answers when the worker is up; that is a
		// finding, not a failure.
		if b, err := dialQueue(); err != nil {
			out["queue"] = fmt.Sprintf("unreachable: %v", err)
		} else if stats, err := b.Stats(); err != nil {
			out["queue"] = fmt.Sprintf("error: %v", err)
		} else {
			out["queue"] = stats
		}

		oidFlag, _ := cmd.Flags().GetString("oid")
		if oids := splitCSV(oidFlag); len(oids) > 0 {
			imp, err := newImporter()
			if err != nil {
				return err
			}
			probes := map[string]any{}
			for _, oid := range oids {
				probe := map[string]any{}
				if author, err := s.GetAuthor(ctx, oid); err != nil {
					probe["stored"] = fmt.Sprintf("error: %v", err)
				} else if author == nil {
					probe["stored"] = "absent"
				} else {
					probe["stored"] = author
				}
				if facts, err := imp.HarvestAuthorInfo(ctx, oid); err != nil {
					probe["harvest"] = fmt.Sprintf("error: %v", err)
				} else {
					probe["harvest"] = facts
				}
				if diff, err := imp.GetClaims(ctx, oid, true); err != nil {
					probe["claims"] = fmt.Sprintf("error: %v", err)
				} else {
					probe["claims"] = map[string]int{
						"present": len(diff.Present),
						"updated": len(diff.Updated),
						"removed": len(diff.Removed),
						"rows":    len(diff.Rows),
					}
				}
				probes[oid] = probe
			}
			out["orcids"] = probes
		}

		bibFlag, _ := cmd.Flags().GetString("bibcodes")
		if bibcodes := splitCSV(bibFlag); len(bibcodes) > 0 {
			adsClient := newADSClient()
			probes := map[string]any{}
			for _, bibcode := range bibcodes {
				if doc, err := adsClient.RetrieveMetadata(ctx, bibcode, true); err != nil {
					probes[bibcode] = fmt.Sprintf("error: %v", err)
				} else {
					probes[bibcode] = doc
				}
			}
			out["bibcodes"] = probes
		}

		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(out)
	},
}

func configFileOrDefaults() string {
	if path := config.File(); path != "" {
		return path
	}
	return "(defaults + environment)"
}
