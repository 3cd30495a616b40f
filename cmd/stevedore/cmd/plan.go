package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/stevedore-io/stevedore/pkg/telemetry"
	"github.com/stevedore-io/stevedore/pkg/tuning"
)

// NewPlanCmd creates the plan command showing per-tier transfer parameters
func NewPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the transfer parameters used at each network quality tier",
		Long: `Show the chunk size, concurrency, retry and timeout settings the
adaptive engine starts from at each network quality tier.

When an outcome store is configured, tiers with enough recorded history
show the learned parameters instead of the static presets.`,
		RunE: runPlan,
	}

	return cmd
}

func runPlan(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfigFromFlags()
	if err != nil {
		return err
	}

	var opts []tuning.Option
	if cfg.StorePath != "" {
		store, serr := tuning.OpenStore(cfg.StorePath)
		if serr != nil {
			logger.Warn("could not open outcome store, using presets only", "path", cfg.StorePath, "error", serr)
		} else {
			defer func() {
				if cerr := store.Close(); cerr != nil {
					logger.Warn("error closing outcome store", "error", cerr)
				}
			}()
			opts = append(opts, tuning.WithStore(store))
		}
	}
	adjuster := tuning.NewAdjuster(cfg.Tuning, logger, opts...)

	tiers := []telemetry.Tier{
		telemetry.TierOffline,
		telemetry.TierVeryPoor,
		telemetry.TierPoor,
		telemetry.TierLow,
		telemetry.TierModerate,
		telemetry.TierGood,
		telemetry.TierExcellent,
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.Header(
		"Tier",
		"Chunk Size",
		"Concurrency",
		"Retries",
		"Retry Delay",
		"Timeout",
		"Precheck",
	)
	for _, tier := range tiers {
		params := adjuster.Recommended(telemetry.QualityResult{Tier: tier})
		_ = table.Append(
			tier.String(),
			humanize.IBytes(uint64(params.ChunkSize)),
			fmt.Sprintf("%d", params.Concurrency),
			fmt.Sprintf("%d", params.RetryCount),
			params.RetryDelay.String(),
			params.Timeout.String(),
			fmt.Sprintf("%t", params.PrecheckEnabled),
		)
	}
	_ = table.Render()

	if n := adjuster.OutcomeCount(); n > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "\nLearning from %d recorded outcomes\n", n)
	}

	return nil
}
