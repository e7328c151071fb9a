// Package main implements orcidctl, the maintenance CLI for the
// orcid-claims pipeline. It talks to the same database as the worker
// and enqueues work through the worker's broker; the long-running
// pipeline itself lives in cmd/worker.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/adsabs/orcid-claims/internal/ads"
	"github.com/adsabs/orcid-claims/internal/cache"
	"github.com/adsabs/orcid-claims/internal/config"
	gormdb "github.com/adsabs/orcid-claims/internal/db/gorm"
	"github.com/adsabs/orcid-claims/internal/importer"
	"github.com/adsabs/orcid-claims/internal/orcid"
	"github.com/adsabs/orcid-claims/internal/queue"
	"github.com/adsabs/orcid-claims/pkg/models"
)

var (
	cfgFile  string
	logLevel string

	cfg *config.Config

	// Lazily opened shared handles; commands ask for what they need.
	store  *gormdb.DB
	broker *queue.Broker
)

var rootCmd = &cobra.Command{
	Use:           "orcidctl",
	Short:         "Maintenance commands for the orcid-claims pipeline",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

		if cfgFile != "" {
			os.Setenv(config.EnvPrefix+"_CONFIG", cfgFile)
		}
		if err := config.Initialize(); err != nil {
			return err
		}
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}

		level := cfg.LogLevel
		if logLevel != "" {
			level = logLevel
		}
		if lvl, err := zerolog.ParseLevel(strings.ToLower(level)); err == nil {
			zerolog.SetGlobalLevel(lvl)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if broker != nil {
			broker.Close()
		}
		if store != nil {
			_ = store.Close()
		}
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: walk up for "+config.FileName+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// openStore opens the database on first use.
func openStore() (*gormdb.DB, error) {
	if store != nil {
		return store, nil
	}
	d, err := gormdb.New(gormdb.Config{
		DSN:      cfg.DatabaseDSN,
		MaxConns: cfg.DatabaseMaxConns,
		LogLevel: gormdb.ParseLogLevel(cfg.DatabaseLogLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	store = d
	return store, nil
}

// dialQueue connects to the worker's embedded broker. The worker must
// be running; queued work goes nowhere otherwise.
func dialQueue() (*queue.Broker, error) {
	if broker != nil {
		return broker, nil
	}
	url := fmt.Sprintf("nats://127.0.0.1:%d", cfg.QueuePort)
	b, err := queue.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("is the worker running? %w", err)
	}
	broker = b
	return broker, nil
}

func newOrcidClient() *orcid.Client {
	return orcid.NewClient(orcid.Config{
		BaseURL: cfg.OrcidAPIURL,
		Token:   cfg.APIToken,
		Timeout: cfg.APITimeout,
		Retries: cfg.APIRetries,
	}, cache.NewMemory(cfg.CacheTTL))
}

func newADSClient() *ads.Client {
	return ads.NewClient(ads.Config{
		BaseURL: cfg.ADSAPIURL,
		Token:   cfg.APIToken,
		Timeout: cfg.APITimeout,
		Retries: cfg.APIRetries,
	}, cache.NewMemory(cfg.CacheTTL))
}

// newImporter wires an importer over the shared store and fresh
// clients, for the commands that harvest or diff profiles locally.
func newImporter() (*importer.Importer, error) {
	s, err := openStore()
	if err != nil {
		return nil, err
	}
	return importer.New(s, newOrcidClient(), newADSClient(), importer.Config{
		UpdateWindow:       cfg.UpdateWindow,
		IdentifierPriority: cfg.IdentifiersOrder,
	}), nil
}

// sinceOrCheckpoint resolves the --since flag: an explicit value wins,
// then the stored checkpoint, then the epoch sentinel.
func sinceOrCheckpoint(cmd *cobra.Command, flag, key string) (time.Time, error) {
	value, _ := cmd.Flags().GetString(flag)
	if value == "" {
		s, err := openStore()
		if err != nil {
			return time.Time{}, err
		}
		stored, found, err := s.GetKV(cmd.Context(), key)
		if err != nil {
			return time.Time{}, err
		}
		if found {
			value = stored
		}
	}
	return parseSince(value)
}

func parseSince(value string) (time.Time, error) {
	if value == "" {
		value = models.EpochSentinel
	}
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("unparseable date %q: %w", value, err)
	}
	return ts.UTC(), nil
}

// splitCSV turns a comma-separated flag into trimmed non-empty parts.
func splitCSV(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
