package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"tablealloc/internal/availability"
	"tablealloc/internal/config"

	"github.com/spf13/cobra"
)

func newSyncCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync-config",
		Short: "Apply restaurants.yaml to the database once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, logger, err := bootstrap(*configPath)
			if err != nil {
				return err
			}
			defer db.Close()

			restaurants, err := config.LoadRestaurantsConfig(cfg.Restaurants.Path)
			if err != nil {
				return err
			}
			if err := db.SyncRestaurantsFromConfig(cmd.Context(), restaurants); err != nil {
				return err
			}
			logger.Info().Str("path", cfg.Restaurants.Path).Int("restaurants", len(restaurants.Restaurants)).Msg("restaurants config applied")
			return nil
		},
	}
}

func newCheckCmd(configPath *string) *cobra.Command {
	var (
		restaurantID int64
		at           string
		date         string
		party        int
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Print availability for a time (--at) or every start time of a day (--date)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (at == "") == (date == "") {
				return fmt.Errorf("exactly one of --at or --date is required")
			}
			_, db, logger, err := bootstrap(*configPath)
			if err != nil {
				return err
			}
			defer db.Close()

			checker := availability.New(db, &logger)
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")

			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
				av, err := checker.CheckAvailability(cmd.Context(), restaurantID, t, party)
				if err != nil {
					return err
				}
				return enc.Encode(av)
			}

			d, err := time.Parse("2006-01-02", date)
			if err != nil {
				return fmt.Errorf("invalid --date: %w", err)
			}
			slots, err := checker.AvailableTimes(cmd.Context(), restaurantID, d, party)
			if err != nil {
				return err
			}
			return enc.Encode(slots)
		},
	}

	cmd.Flags().Int64Var(&restaurantID, "restaurant", 0, "restaurant id")
	cmd.Flags().StringVar(&at, "at", "", "start time, RFC3339")
	cmd.Flags().StringVar(&date, "date", "", "date, YYYY-MM-DD")
	cmd.Flags().IntVar(&party, "party", 2, "party size")
	_ = cmd.MarkFlagRequired("restaurant")
	return cmd
}
